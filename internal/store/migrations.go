package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// migration is one forward-only schema step. There is no down path: an
// older tagtimed refuses a database a newer one has migrated.
type migration struct {
	version     int
	description string
	up          string
}

// migrations run in order; version n is migrations[n-1].
var migrations = []migration{
	{
		version:     1,
		description: "Initial schema with settings and per-graph state",
		up:          migrationV1Up,
	},
	{
		version:     2,
		description: "Add tag_counts table for answer suggestions",
		up:          migrationV2Up,
	},
	{
		version:     3,
		description: "Add passes table for reconciliation history",
		up:          migrationV3Up,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS settings (
    user        TEXT NOT NULL,
    key         TEXT NOT NULL,
    value       TEXT NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (user, key)
);

CREATE TABLE IF NOT EXISTS graph_state (
    user            TEXT NOT NULL,
    graph           TEXT NOT NULL,
    bookmark_id     TEXT NOT NULL DEFAULT '',
    bookmark_ts     INTEGER NOT NULL DEFAULT 0,
    resync          INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (user, graph)
);
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS tag_counts (
    user        TEXT NOT NULL,
    tag         TEXT NOT NULL,
    count       INTEGER NOT NULL DEFAULT 0,
    last_used   INTEGER NOT NULL,
    PRIMARY KEY (user, tag)
);
`

const migrationV3Up = `
CREATE TABLE IF NOT EXISTS passes (
    id          TEXT PRIMARY KEY,
    user        TEXT NOT NULL,
    graph       TEXT NOT NULL,
    full_fetch  INTEGER NOT NULL,
    started_ns  INTEGER NOT NULL,
    finished_ns INTEGER NOT NULL,
    created     INTEGER NOT NULL DEFAULT 0,
    updated     INTEGER NOT NULL DEFAULT 0,
    deleted     INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_passes_graph ON passes(user, graph, started_ns);
`

// ErrSchemaTooNew is returned when the database was migrated by a newer
// tagtimed than this one.
var ErrSchemaTooNew = errors.New("store: database schema is newer than this build")

// schemaTables are the tables every current database has.
var schemaTables = []string{"settings", "graph_state", "tag_counts", "passes", "schema_migrations"}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := schemaVersion(context.Background(), db)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("%w: version %d, this build knows %d", ErrSchemaTooNew, current, len(migrations))
	}

	for _, m := range migrations[current:] {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.version, time.Now().UnixNano(), m.description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return checkSchema(context.Background(), db)
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// checkSchema fails when a table the store writes to has gone missing,
// for instance after the file was edited by hand.
func checkSchema(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("list tables: %w", err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list tables: %w", err)
	}

	var missing []string
	for _, t := range schemaTables {
		if !have[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("store: missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}
