package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".auditline"
	defaultDBName = "auditline.db"
	lockName      = "serve.lock"
)

type Config struct {
	Workspace string
	// Memory opens a private in-memory database; Workspace is ignored.
	Memory bool
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on and a busy timeout so
// the server and CLI can share the file.
func Open(cfg Config) (*sql.DB, error) {
	var dsn string
	if cfg.Memory {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	} else {
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
		// Transactions take the write lock at BEGIN so concurrent writers
		// queue on busy_timeout instead of failing a read-to-write upgrade.
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", dbPath(cfg.Workspace))
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.Memory {
		// Every pooled connection would otherwise get its own empty database.
		conn.SetMaxOpenConns(1)
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}

// Lock takes the workspace server lock without blocking. The returned lock
// must be released with Unlock.
func Lock(workspace string) (*flock.Flock, error) {
	dir, err := EnsureWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(dir, lockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire workspace lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("workspace %s is already served by another process", dir)
	}
	return lock, nil
}
