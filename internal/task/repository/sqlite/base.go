// Package sqlite provides the SQLite-backed store implementation.
package sqlite

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/missionctl/missionctl/internal/common/config"
	commonsqlite "github.com/missionctl/missionctl/internal/common/sqlite"
	"github.com/missionctl/missionctl/internal/task/repository"
)

// Repository provides SQLite-based storage for the lifecycle engine.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

var _ repository.Store = (*Repository)(nil)

// Open creates a repository from configuration, with a writer/reader pool
// split. The writer pool is capped at one connection and transactions take
// the write lock up front, which serializes all mutations.
func Open(cfg config.DatabaseConfig) (*Repository, error) {
	dsn := buildDSN(cfg.Path, cfg.WAL)

	writer, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sqlx.Open("sqlite3", dsn+"&mode=ro")
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open read-only database: %w", err)
	}

	return newRepository(writer, reader, true)
}

// NewWithDB creates a repository over existing connections (shared
// ownership). Used by tests with :memory: databases.
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			_ = writer.Close()
			_ = reader.Close()
		}
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return repo, nil
}

func buildDSN(path string, wal bool) string {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", "5000")
	if wal {
		q.Set("_journal_mode", "WAL")
	}
	return "file:" + path + "?" + q.Encode()
}

// Close closes the database connections when this repository owns them.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	if err := r.ro.Close(); err != nil {
		_ = r.db.Close()
		return err
	}
	return r.db.Close()
}

// WithTx runs fn inside a write transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// sqliteTx adapts a live transaction to the repository.Tx contract.
type sqliteTx struct {
	tx *sqlx.Tx
}

var _ repository.Tx = (*sqliteTx)(nil)

// initSchema creates the database tables if they don't exist.
func (r *Repository) initSchema() error {
	if err := r.initCoreSchema(); err != nil {
		return err
	}
	if err := r.initAuxSchema(); err != nil {
		return err
	}
	if err := r.migrateSchema(); err != nil {
		return err
	}
	return r.initIndexes()
}

// migrateSchema upgrades databases created before the orchestrator and
// planning features shipped. No-ops on fresh installs.
func (r *Repository) migrateSchema() error {
	upgrades := []struct {
		column, definition string
	}{
		{"planning_dispatch_error", "TEXT DEFAULT ''"},
		{"planning_question_waiting", "INTEGER NOT NULL DEFAULT 0"},
		{"planning_message_count_start", "INTEGER NOT NULL DEFAULT 0"},
		{"orchestrator_session_key", "TEXT DEFAULT ''"},
		{"tester_session_key", "TEXT DEFAULT ''"},
		{"rework_count", "INTEGER NOT NULL DEFAULT 0"},
	}
	for _, u := range upgrades {
		if err := commonsqlite.EnsureColumn(r.db, "tasks", u.column, u.definition); err != nil {
			return fmt.Errorf("ensure tasks.%s: %w", u.column, err)
		}
	}
	return nil
}

func (r *Repository) initCoreSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS missions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		mission_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'medium',
		status TEXT NOT NULL DEFAULT 'inbox',
		assigned_agent_id TEXT DEFAULT '',
		openclaw_session_key TEXT DEFAULT '',
		dispatch_id TEXT DEFAULT '',
		dispatch_started_at TIMESTAMP,
		dispatch_message_count_start INTEGER NOT NULL DEFAULT 0,
		planning_session_key TEXT DEFAULT '',
		planning_messages TEXT DEFAULT '',
		planning_complete INTEGER NOT NULL DEFAULT 0,
		planning_spec TEXT DEFAULT '',
		planning_dispatch_error TEXT DEFAULT '',
		planning_question_waiting INTEGER NOT NULL DEFAULT 0,
		planning_message_count_start INTEGER NOT NULL DEFAULT 0,
		orchestrator_session_key TEXT DEFAULT '',
		tester_session_key TEXT DEFAULT '',
		rework_count INTEGER NOT NULL DEFAULT 0,
		sort_order INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_comments (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		author_type TEXT NOT NULL DEFAULT 'system',
		agent_id TEXT DEFAULT '',
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS deliverables (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		deliverable_type TEXT NOT NULL,
		title TEXT NOT NULL,
		path TEXT DEFAULT '',
		description TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS activity_log (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		task_id TEXT DEFAULT '',
		agent_id TEXT DEFAULT '',
		message TEXT NOT NULL,
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (r *Repository) initAuxSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		openclaw_session_id TEXT NOT NULL UNIQUE,
		session_type TEXT NOT NULL DEFAULT '',
		task_id TEXT DEFAULT '',
		agent_id TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plugins (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		orchestrator_agent_id TEXT DEFAULT '',
		planner_agent_id TEXT DEFAULT '',
		tester_agent_id TEXT DEFAULT '',
		max_rework_cycles INTEGER NOT NULL DEFAULT 2
	);
	`)
	return err
}

func (r *Repository) initIndexes() error {
	_, err := r.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_assigned_agent_id ON tasks(assigned_agent_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_mission_id ON tasks(mission_id);
	CREATE INDEX IF NOT EXISTS idx_activity_log_type_created ON activity_log(type, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_activity_log_created ON activity_log(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_task_comments_task_id ON task_comments(task_id);
	CREATE INDEX IF NOT EXISTS idx_deliverables_task_id ON deliverables(task_id);
	`)
	return err
}
