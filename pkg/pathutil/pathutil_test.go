package pathutil

import "testing"

func TestSafeSegment(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"acme", true},
		{"team-a_2", true},
		{"", false},
		{".", false},
		{"..", false},
		{"a/b", false},
		{`a\b`, false},
		{"../etc", false},
		{"./x", false},
	}
	for _, tc := range cases {
		if got := SafeSegment(tc.name); got != tc.want {
			t.Errorf("SafeSegment(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsRoot(t *testing.T) {
	if !IsRoot("/") {
		t.Error("IsRoot(/) = false")
	}
	if IsRoot("/var/data") {
		t.Error("IsRoot(/var/data) = true")
	}
	if IsRoot("") {
		t.Error("IsRoot(empty) = true")
	}
}

func TestWithin(t *testing.T) {
	cases := []struct {
		base, path string
		want       bool
	}{
		{"/data", "/data", true},
		{"/data", "/data/folders/x", true},
		{"/data", "/data/../etc", false},
		{"/data", "/etc", false},
		{"/data", "/database", false},
	}
	for _, tc := range cases {
		if got := Within(tc.base, tc.path); got != tc.want {
			t.Errorf("Within(%q, %q) = %v, want %v", tc.base, tc.path, got, tc.want)
		}
	}
}
