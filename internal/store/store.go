// Package store implements the conductor's SQLite-backed persistence layer:
// conversation history, the cron job catalog, and the execution history log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

// Role values for conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Output sink values for cron jobs.
const (
	OutputTelegram = "telegram"
	OutputLog      = "log"
	OutputSilent   = "silent"
	OutputWebhook  = "webhook"
)

// Execution mode values for cron jobs.
const (
	ModeCLI = "cli"
	ModeAPI = "api"
)

const defaultTimezone = "America/Chicago"

// Message is one row of conversation history.
type Message struct {
	ID        int64
	ChatID    int64
	Role      string
	Content   string
	CreatedAt time.Time
}

// Job is a row in the cron job catalog.
type Job struct {
	ID            int64
	Name          string
	Schedule      string
	Prompt        string
	Output        string
	Enabled       bool
	Timezone      string
	MaxTurns      *int
	Model         *string
	ExecutionMode string
	AllowedTools  []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// JobPatch carries a partial update for updateJob; nil fields are left
// unchanged.
type JobPatch struct {
	Schedule      *string
	Prompt        *string
	Output        *string
	Enabled       *bool
	Timezone      *string
	MaxTurns      **int
	Model         **string
	ExecutionMode *string
	AllowedTools  *[]string
}

// Execution is a row in the cron execution history log.
type Execution struct {
	ID                int64
	JobName           string
	StartedAt         time.Time
	FinishedAt        *time.Time
	ExitCode          *int
	TimedOut          bool
	OutputDestination string
	ResponsePreview   string
	Error             string
	CostUSD           *float64
}

// Store is the conductor's sole entry point to the embedded database.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// DefaultDBPath returns the default on-disk location when no explicit path
// is configured.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".conductor", "conductor.db")
}

// Open opens (creating if necessary) the SQLite database at path, applies
// WAL pragmas, and creates the schema idempotently. eventBus may be nil.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &shared.StoreError{Op: "mkdir", Err: err}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &shared.StoreError{Op: "open", Err: err}
	}
	// Single writer: the dispatcher worker and HTTP handlers share one
	// connection so SQLite's own locking never has to arbitrate.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return &shared.StoreError{Op: "pragma", Err: fmt.Errorf("%s: %w", q, err)}
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_chat_id ON conversations(chat_id);`,
		`CREATE TABLE IF NOT EXISTS cron_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			schedule TEXT NOT NULL,
			prompt TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT 'telegram',
			enabled INTEGER NOT NULL DEFAULT 1,
			timezone TEXT NOT NULL DEFAULT 'America/Chicago',
			max_turns INTEGER,
			model TEXT,
			execution_mode TEXT NOT NULL DEFAULT 'cli',
			allowed_tools TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS cron_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_name TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			exit_code INTEGER,
			timed_out INTEGER NOT NULL DEFAULT 0,
			output_destination TEXT,
			response_preview TEXT,
			error TEXT,
			cost_usd REAL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cron_executions_job_name ON cron_executions(job_name, started_at DESC);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &shared.StoreError{Op: "begin schema tx", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return &shared.StoreError{Op: "create schema", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &shared.StoreError{Op: "commit schema tx", Err: err}
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// retryOnBusy retries f with exponential backoff and jitter on SQLITE_BUSY
// / SQLITE_LOCKED errors. Any other error is returned immediately.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
