package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	folder     TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS groups (
	key    TEXT PRIMARY KEY,
	folder TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS groups_folder ON groups(folder);
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	group_key  TEXT NOT NULL,
	role       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_group_created ON messages(group_key, created_at);
`

// SQLiteConfig holds the parameters for opening the SQLite store.
type SQLiteConfig struct {
	// Path is the database file; ":memory:" is allowed for tests (use
	// PoolSize 1, in-memory connections are independent).
	Path string
	// PoolSize defaults to 4. SQLite serializes writes regardless, so
	// extra connections only help concurrent reads.
	PoolSize int
}

// SQLite is the Store implementation backed by a SQLite connection
// pool. Session tokens are additionally cached in memory; the cache is
// invalidated on SetSession/DeleteSession so the reset protocol's
// "delete the in-memory session-id cache entry" step holds.
type SQLite struct {
	pool *sqlitex.Pool

	cacheMu sync.RWMutex
	cache   map[string]string // folder -> token
}

// OpenSQLite opens (creating if necessary) the database at cfg.Path
// and applies the schema.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL;",
				"PRAGMA synchronous=NORMAL;",
				"PRAGMA busy_timeout=5000;",
				"PRAGMA foreign_keys=ON;",
			} {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("applying %q: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}
	return &SQLite{
		pool:  pool,
		cache: make(map[string]string),
	}, nil
}

func (s *SQLite) Close() error {
	return s.pool.Close()
}

func (s *SQLite) GetSession(ctx context.Context, folder string) (string, bool, error) {
	s.cacheMu.RLock()
	token, hit := s.cache[folder]
	s.cacheMu.RUnlock()
	if hit {
		return token, true, nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, err
	}
	defer s.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn, `SELECT token FROM sessions WHERE folder = :folder`, &sqlitex.ExecOptions{
		Named: map[string]any{":folder": folder},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			token = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("store: get session for %s: %w", folder, err)
	}
	if found {
		s.cacheMu.Lock()
		s.cache[folder] = token
		s.cacheMu.Unlock()
	}
	return token, found, nil
}

func (s *SQLite) SetSession(ctx context.Context, folder, token string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO sessions (folder, token, updated_at) VALUES (:folder, :token, :now)
		 ON CONFLICT(folder) DO UPDATE SET token = :token, updated_at = :now`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":folder": folder,
				":token":  token,
				":now":    time.Now().Unix(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: set session for %s: %w", folder, err)
	}

	s.cacheMu.Lock()
	s.cache[folder] = token
	s.cacheMu.Unlock()
	return nil
}

func (s *SQLite) DeleteSession(ctx context.Context, folder string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM sessions WHERE folder = :folder`, &sqlitex.ExecOptions{
		Named: map[string]any{":folder": folder},
	})
	if err != nil {
		return fmt.Errorf("store: delete session for %s: %w", folder, err)
	}

	s.cacheMu.Lock()
	delete(s.cache, folder)
	s.cacheMu.Unlock()
	return nil
}

func (s *SQLite) RegisterGroup(ctx context.Context, group, folder string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO groups (key, folder) VALUES (:key, :folder)
		 ON CONFLICT(key) DO UPDATE SET folder = :folder`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":key": group, ":folder": folder},
		})
	if err != nil {
		return fmt.Errorf("store: register group %s: %w", group, err)
	}
	return nil
}

func (s *SQLite) FolderOf(ctx context.Context, group string) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	var folder string
	err = sqlitex.Execute(conn, `SELECT folder FROM groups WHERE key = :key`, &sqlitex.ExecOptions{
		Named: map[string]any{":key": group},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			folder = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("store: folder of group %s: %w", group, err)
	}
	return folder, nil
}

func (s *SQLite) ListGroupsByFolder(ctx context.Context, folder string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var groups []string
	err = sqlitex.Execute(conn, `SELECT key FROM groups WHERE folder = :folder ORDER BY key`, &sqlitex.ExecOptions{
		Named: map[string]any{":folder": folder},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			groups = append(groups, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list groups for folder %s: %w", folder, err)
	}
	return groups, nil
}

func (s *SQLite) ListGroups(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var groups []string
	err = sqlitex.Execute(conn, `SELECT key FROM groups ORDER BY key`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			groups = append(groups, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list groups: %w", err)
	}
	return groups, nil
}

func (s *SQLite) AppendMessage(ctx context.Context, group string, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Kind == "" {
		msg.Kind = KindMessage
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO messages (id, group_key, role, kind, content, created_at)
		 VALUES (:id, :group, :role, :kind, :content, :created_at)`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":id":         msg.ID,
				":group":      group,
				":role":       msg.Role,
				":kind":       msg.Kind,
				":content":    msg.Content,
				":created_at": msg.CreatedAt.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: append message for %s: %w", group, err)
	}
	return nil
}

func (s *SQLite) ListMessages(ctx context.Context, group string, since time.Time, limit int) ([]Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := `SELECT id, role, kind, content, created_at FROM messages
		WHERE group_key = :group AND created_at >= :since
		ORDER BY created_at ASC`
	named := map[string]any{
		":group": group,
		":since": since.UnixNano(),
	}
	if limit > 0 {
		query += ` LIMIT :limit`
		named[":limit"] = limit
	}

	var msgs []Message
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Named: named,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			msgs = append(msgs, Message{
				ID:        stmt.ColumnText(0),
				Group:     group,
				Role:      stmt.ColumnText(1),
				Kind:      stmt.ColumnText(2),
				Content:   stmt.ColumnText(3),
				CreatedAt: time.Unix(0, stmt.ColumnInt64(4)),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list messages for %s: %w", group, err)
	}
	return msgs, nil
}
