// Package store persists the durable half of group state: the
// folder-scoped session tokens, the group-to-folder mapping, and chat
// message history. Queue entries are transient; everything that must
// survive a restart lives here.
package store

import (
	"context"
	"time"
)

// Message kinds. Dividers mark a context reset; summaries are written
// by the nightly batch job.
const (
	KindMessage = "message"
	KindDivider = "divider"
	KindSummary = "summary"
)

// Message is one chat history record for a group.
type Message struct {
	ID        string    `json:"id"`
	Group     string    `json:"group"`
	Role      string    `json:"role"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence contract consumed by the queue, the reset
// coordinator, and the summary job.
type Store interface {
	// GetSession returns the session token for a folder, with ok=false
	// when no session exists.
	GetSession(ctx context.Context, folder string) (token string, ok bool, err error)
	// SetSession records (or replaces) the folder's session token.
	SetSession(ctx context.Context, folder, token string) error
	// DeleteSession removes the folder's session record and any cached
	// copy. Deleting a missing session is a no-op.
	DeleteSession(ctx context.Context, folder string) error

	// RegisterGroup binds a group key to its folder. Re-registering
	// with the same folder is a no-op.
	RegisterGroup(ctx context.Context, group, folder string) error
	// FolderOf returns the folder a group is bound to, or "" when the
	// group is unknown.
	FolderOf(ctx context.Context, group string) (string, error)
	// ListGroupsByFolder returns all group keys sharing a folder.
	ListGroupsByFolder(ctx context.Context, folder string) ([]string, error)
	// ListGroups returns every registered group key.
	ListGroups(ctx context.Context) ([]string, error)

	// AppendMessage durably records a message. A zero ID or CreatedAt
	// is filled in by the store.
	AppendMessage(ctx context.Context, group string, msg Message) error
	// ListMessages returns up to limit messages for a group created at
	// or after since, oldest first. limit<=0 means no limit.
	ListMessages(ctx context.Context, group string, since time.Time, limit int) ([]Message, error)

	Close() error
}
