// Package store provides SQLite-backed persistence for agentpool.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors returned by store operations.
var (
	ErrResourceLocked    = errors.New("resource already locked")
	ErrLockNotHeld       = errors.New("lock not held by this holder")
	ErrConversationBound = errors.New("conversation already bound to an environment")
	ErrCapacityReached   = errors.New("codebase environment limit reached")
	ErrEnvironmentGone   = errors.New("environment missing or not active")
)

// Store provides access to the agentpool SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Transactions take the write lock at BEGIN so a read-then-write
	// transaction in one process cannot interleave with another process.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection also
	// serializes every conditional update below.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'queued',
		target_agent_id TEXT,
		assigned_agent_id TEXT,
		codebase_id TEXT,
		conversation_id TEXT,
		platform TEXT,
		isolation_ref TEXT,
		context TEXT,
		expectations TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		seq INTEGER NOT NULL,
		outcome TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		dispatched_at DATETIME,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS task_queue (
		task_id TEXT PRIMARY KEY,
		priority INTEGER NOT NULL,
		seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		capabilities TEXT NOT NULL,
		system TEXT NOT NULL,
		status TEXT NOT NULL,
		current_task_id TEXT,
		progress INTEGER NOT NULL DEFAULT 0,
		current_step TEXT,
		registered_at DATETIME NOT NULL,
		last_heartbeat_at DATETIME NOT NULL,
		last_assigned_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS locks (
		lock_key TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		outcome TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE TABLE IF NOT EXISTS environments (
		id TEXT PRIMARY KEY,
		codebase_id TEXT NOT NULL,
		working_path TEXT NOT NULL,
		branch_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_by_platform TEXT,
		created_at DATETIME NOT NULL,
		destroyed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS conversation_environments (
		conversation_id TEXT PRIMARY KEY,
		environment_id TEXT NOT NULL,
		bound_at DATETIME NOT NULL,
		FOREIGN KEY (environment_id) REFERENCES environments(id)
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_task_queue_order ON task_queue(priority DESC, seq ASC);
	CREATE INDEX IF NOT EXISTS idx_attempts_task_id ON attempts(task_id);
	CREATE INDEX IF NOT EXISTS idx_environments_codebase ON environments(codebase_id, status);
	CREATE INDEX IF NOT EXISTS idx_conversation_environments_env ON conversation_environments(environment_id);
	CREATE INDEX IF NOT EXISTS idx_pdr_task_id ON pdr(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE"))
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
