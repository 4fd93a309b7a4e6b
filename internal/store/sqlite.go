// Package store provides SQLite-backed persistence for pipeline entities,
// their documents and tasks, and the phase history.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/vacanze/phasegate/internal/domain"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, so every repository
// method can run inside or outside a transaction.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS entities (
	id                      TEXT PRIMARY KEY,
	entity_type             TEXT NOT NULL,
	name                    TEXT NOT NULL DEFAULT '',
	email                   TEXT NOT NULL DEFAULT '',
	phone                   TEXT NOT NULL DEFAULT '',
	notes                   TEXT NOT NULL DEFAULT '',
	current_phase           TEXT NOT NULL,
	outcome                 TEXT NOT NULL DEFAULT 'in_progress',
	owner_contact_id        TEXT NOT NULL DEFAULT '',
	source_id               TEXT NOT NULL DEFAULT '',
	code                    TEXT NOT NULL DEFAULT '',
	expected_property_count INTEGER NOT NULL DEFAULT 0,
	rejection_reason        TEXT NOT NULL DEFAULT '',
	rejection_notes         TEXT NOT NULL DEFAULT '',
	version                 INTEGER NOT NULL DEFAULT 1,
	created_at_unix         INTEGER NOT NULL DEFAULT 0,
	updated_at_unix         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_entities_owner ON entities(entity_type, owner_contact_id);
CREATE INDEX IF NOT EXISTS idx_entities_source ON entities(entity_type, source_id);

CREATE TABLE IF NOT EXISTS documents (
	id              TEXT PRIMARY KEY,
	owner_type      TEXT NOT NULL,
	owner_id        TEXT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	category        TEXT NOT NULL,
	mandatory       INTEGER NOT NULL DEFAULT 0,
	state           TEXT NOT NULL DEFAULT 'mancante',
	files_json      TEXT NOT NULL DEFAULT '[]',
	created_at_unix INTEGER NOT NULL DEFAULT 0,
	updated_at_unix INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_type, owner_id);

CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	owner_type      TEXT NOT NULL,
	owner_id        TEXT NOT NULL,
	phase           TEXT NOT NULL,
	template_ref    TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL,
	state           TEXT NOT NULL DEFAULT 'da_fare',
	priority        TEXT NOT NULL DEFAULT 'media',
	created_at_unix INTEGER NOT NULL DEFAULT 0,
	updated_at_unix INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_owner_phase ON tasks(owner_type, owner_id, phase);

CREATE TABLE IF NOT EXISTS phase_events (
	id           TEXT PRIMARY KEY,
	entity_type  TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	seq_no       INTEGER NOT NULL,
	from_phase   TEXT NOT NULL DEFAULT '',
	to_phase     TEXT NOT NULL DEFAULT '',
	event_type   TEXT NOT NULL,
	actor        TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	UNIQUE(entity_type, entity_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_events_entity_seq ON phase_events(entity_type, entity_id, seq_no);

CREATE TABLE IF NOT EXISTS audit_records (
	id            TEXT PRIMARY KEY,
	entity_type   TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	category      TEXT NOT NULL,
	actor         TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	request_json  TEXT NOT NULL DEFAULT '{}',
	decision_json TEXT NOT NULL DEFAULT '{}',
	severity      TEXT NOT NULL DEFAULT 'info',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_records(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS code_counters (
	prefix TEXT PRIMARY KEY,
	last   INTEGER NOT NULL DEFAULT 0
);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreInit, "open database", err)
	}

	// One connection: WAL allows concurrent readers but SQLite has a single
	// writer, and transactions must not interleave on the phase field.
	db.SetMaxOpenConns(1)

	if err := Migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate applies the schema. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaV1); err != nil {
		return domain.WrapEngineError(domain.ErrSchemaMigration, "migrate schema", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
