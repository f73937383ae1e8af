// Package reset implements the hard-reset protocol for a session
// folder: stop every sibling group, wipe session artifacts, drop the
// persisted session, and record a divider marker in the originating
// chat. Ordering is significant: a live sandbox must never write into
// a directory being deleted, and clients must never see the marker
// before the reset is effective.
package reset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	warrenlog "github.com/warren-run/warren/pkg/log"
	"github.com/warren-run/warren/pkg/pathutil"
	"github.com/warren-run/warren/pkg/queue"
	"github.com/warren-run/warren/pkg/store"
)

// DividerText is the content of the marker message appended after a
// successful reset.
const DividerText = "context reset"

// Stopper is the slice of the queue API the coordinator needs.
type Stopper interface {
	Stop(ctx context.Context, group string, force bool) error
}

// Options configures a Coordinator. Queue, Store, and FolderDir are
// required.
type Options struct {
	Queue   Stopper
	Store   store.Store
	Gateway queue.Publisher // nil disables the reset-complete event

	// FolderDir maps a folder to its on-disk session directory.
	FolderDir func(folder string) string

	// KeepArtifacts lists directory entries that survive the wipe.
	// Defaults to ["settings.json"].
	KeepArtifacts []string
}

// Coordinator performs hard resets. Safe for concurrent use; resets of
// the same folder are serialized by the queue's per-group stops.
type Coordinator struct {
	queue     Stopper
	store     store.Store
	gateway   queue.Publisher
	folderDir func(string) string
	keep      map[string]struct{}
}

// New builds a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Queue == nil || opts.Store == nil || opts.FolderDir == nil {
		panic("reset: Queue, Store, and FolderDir are required")
	}
	keepList := opts.KeepArtifacts
	if keepList == nil {
		keepList = []string{"settings.json"}
	}
	keep := make(map[string]struct{}, len(keepList))
	for _, name := range keepList {
		keep[name] = struct{}{}
	}
	return &Coordinator{
		queue:     opts.Queue,
		store:     opts.Store,
		gateway:   opts.Gateway,
		folderDir: opts.FolderDir,
		keep:      keep,
	}
}

// Reset executes the protocol for the folder, with chatID as the
// originating chat that receives the divider marker. Stop and cleanup
// failures are absorbed (logged, reset proceeds); only a failure to
// write the marker message is returned.
func (c *Coordinator) Reset(ctx context.Context, chatID, folder string) error {
	groups, err := c.store.ListGroupsByFolder(ctx, folder)
	if err != nil {
		warrenlog.Warn("failed to resolve folder siblings, resetting originating chat only",
			"folder", folder, "error", err)
		groups = nil
	}
	if !contains(groups, chatID) {
		groups = append(groups, chatID)
	}

	// 1. Force-stop every sibling before touching the filesystem.
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(group string) {
			defer wg.Done()
			if err := c.queue.Stop(ctx, group, true); err != nil {
				warrenlog.Warn("failed to force-stop sibling during reset, skipping",
					"group", group, "folder", folder, "error", err)
			}
		}(group)
	}
	wg.Wait()

	// 2. Wipe session artifacts except the allowlist.
	c.cleanArtifacts(folder)

	// 3. Drop the persisted session and its cache entry.
	if err := c.store.DeleteSession(ctx, folder); err != nil {
		warrenlog.Warn("failed to delete session during reset", "folder", folder, "error", err)
	}

	// 4. The durable marker. This is the only step whose failure the
	// caller sees: without it the reset never happened from the user's
	// point of view.
	if err := c.store.AppendMessage(ctx, chatID, store.Message{
		Role:    "system",
		Kind:    store.KindDivider,
		Content: DividerText,
	}); err != nil {
		return fmt.Errorf("reset: failed to record divider for %s: %w", chatID, err)
	}

	if c.gateway != nil {
		c.gateway.Publish(chatID, queue.Event{
			Type:  queue.EventResetComplete,
			Group: chatID,
			State: queue.StateIdle.String(),
			At:    time.Now(),
		})
	}
	warrenlog.Info("reset complete", "folder", folder, "chat", chatID, "siblings", len(groups))
	return nil
}

// cleanArtifacts removes every entry of the folder directory not on
// the allowlist. Individual removal failures are logged and skipped.
func (c *Coordinator) cleanArtifacts(folder string) {
	if !pathutil.SafeSegment(folder) {
		warrenlog.Warn("refusing to wipe: folder is not a safe path segment", "folder", folder)
		return
	}
	dir := c.folderDir(folder)
	if pathutil.IsRoot(dir) {
		warrenlog.Warn("refusing to wipe filesystem root", "dir", dir)
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			warrenlog.Warn("failed to read folder dir during reset", "dir", dir, "error", err)
		}
		return
	}
	for _, entry := range entries {
		if _, keep := c.keep[entry.Name()]; keep {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			warrenlog.Warn("failed to remove session artifact, skipping", "path", path, "error", err)
		}
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
