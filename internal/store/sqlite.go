package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tagtime/internal/reconcile"
)

// Store is the SQLite state database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Check verifies that the database answers and still has its tables.
func (s *Store) Check(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	return checkSchema(ctx, s.db)
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// ForUser returns the view of the store belonging to user.
func (s *Store) ForUser(user string) *UserStore {
	return &UserStore{db: s.db, user: user}
}

// UserStore is one user's slice of the database. It implements
// reconcile.StateStore and reconcile.Observer.
type UserStore struct {
	db   *sql.DB
	user string
}

var (
	_ reconcile.StateStore = (*UserStore)(nil)
	_ reconcile.Observer   = (*UserStore)(nil)
)

// User returns the user this view is scoped to.
func (u *UserStore) User() string {
	return u.user
}

// Setting returns a stored setting.
func (u *UserStore) Setting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := u.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE user = ? AND key = ?`, u.user, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, true, nil
}

// SetSetting stores a setting.
func (u *UserStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := u.db.ExecContext(ctx, `
		INSERT INTO settings (user, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		u.user, key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// Bookmark returns the graph's bookmark.
func (u *UserStore) Bookmark(ctx context.Context, graph string) (reconcile.Bookmark, bool, error) {
	var b reconcile.Bookmark
	err := u.db.QueryRowContext(ctx,
		`SELECT bookmark_id, bookmark_ts FROM graph_state WHERE user = ? AND graph = ?`,
		u.user, graph).Scan(&b.ID, &b.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return reconcile.Bookmark{}, false, nil
	}
	if err != nil {
		return reconcile.Bookmark{}, false, fmt.Errorf("get bookmark: %w", err)
	}
	return b, b.ID != "", nil
}

// SetBookmark stores the graph's bookmark.
func (u *UserStore) SetBookmark(ctx context.Context, graph string, b reconcile.Bookmark) error {
	_, err := u.db.ExecContext(ctx, `
		INSERT INTO graph_state (user, graph, bookmark_id, bookmark_ts) VALUES (?, ?, ?, ?)
		ON CONFLICT (user, graph) DO UPDATE SET bookmark_id = excluded.bookmark_id, bookmark_ts = excluded.bookmark_ts`,
		u.user, graph, b.ID, b.Timestamp)
	if err != nil {
		return fmt.Errorf("set bookmark: %w", err)
	}
	return nil
}

// Resync reports whether the next pass must do a full fetch.
func (u *UserStore) Resync(ctx context.Context, graph string) (bool, error) {
	var v bool
	err := u.db.QueryRowContext(ctx,
		`SELECT resync FROM graph_state WHERE user = ? AND graph = ?`, u.user, graph).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get resync flag: %w", err)
	}
	return v, nil
}

// SetResync sets or clears the resync flag.
func (u *UserStore) SetResync(ctx context.Context, graph string, resync bool) error {
	_, err := u.db.ExecContext(ctx, `
		INSERT INTO graph_state (user, graph, resync) VALUES (?, ?, ?)
		ON CONFLICT (user, graph) DO UPDATE SET resync = excluded.resync`,
		u.user, graph, resync)
	if err != nil {
		return fmt.Errorf("set resync flag: %w", err)
	}
	return nil
}

// MarkAllResync sets the resync flag on every listed graph in one
// transaction.
func (u *UserStore) MarkAllResync(ctx context.Context, graphs []string) error {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO graph_state (user, graph, resync) VALUES (?, ?, 1)
		ON CONFLICT (user, graph) DO UPDATE SET resync = 1`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, g := range graphs {
		if _, err := stmt.ExecContext(ctx, u.user, g); err != nil {
			return fmt.Errorf("mark resync %s: %w", g, err)
		}
	}
	return tx.Commit()
}

// GraphStates returns the stored state of every graph, including the most
// recent pass.
func (u *UserStore) GraphStates(ctx context.Context) ([]GraphState, error) {
	rows, err := u.db.QueryContext(ctx, `
		SELECT g.graph, g.bookmark_id, g.bookmark_ts, g.resync,
		       p.finished_ns, p.error
		FROM graph_state g
		LEFT JOIN passes p ON p.id = (
			SELECT id FROM passes WHERE user = g.user AND graph = g.graph
			ORDER BY started_ns DESC LIMIT 1)
		WHERE g.user = ?
		ORDER BY g.graph`, u.user)
	if err != nil {
		return nil, fmt.Errorf("query graph state: %w", err)
	}
	defer rows.Close()

	var out []GraphState
	for rows.Next() {
		var (
			gs       GraphState
			finished sql.NullInt64
			passErr  sql.NullString
		)
		if err := rows.Scan(&gs.Graph, &gs.BookmarkID, &gs.BookmarkTS, &gs.Resync, &finished, &passErr); err != nil {
			return nil, fmt.Errorf("scan graph state: %w", err)
		}
		if finished.Valid {
			t := time.Unix(0, finished.Int64)
			gs.LastPassAt = &t
			gs.LastPassErr = passErr.String
		}
		out = append(out, gs)
	}
	return out, rows.Err()
}

// IncrementTags bumps the usage count of each tag.
func (u *UserStore) IncrementTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tag_counts (user, tag, count, last_used) VALUES (?, ?, 1, ?)
		ON CONFLICT (user, tag) DO UPDATE SET count = count + 1, last_used = excluded.last_used`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, t := range tags {
		if _, err := stmt.ExecContext(ctx, u.user, t, now); err != nil {
			return fmt.Errorf("increment tag %s: %w", t, err)
		}
	}
	return tx.Commit()
}

// TagCounts returns tags by descending use, then alphabetically.
func (u *UserStore) TagCounts(ctx context.Context, limit int) ([]TagCount, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := u.db.QueryContext(ctx, `
		SELECT tag, count FROM tag_counts WHERE user = ?
		ORDER BY count DESC, tag ASC LIMIT ?`, u.user, limit)
	if err != nil {
		return nil, fmt.Errorf("query tag counts: %w", err)
	}
	defer rows.Close()

	var out []TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan tag count: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// RecordPass stores a pass summary.
func (u *UserStore) RecordPass(ctx context.Context, p PassRecord) error {
	_, err := u.db.ExecContext(ctx, `
		INSERT INTO passes (id, user, graph, full_fetch, started_ns, finished_ns, created, updated, deleted, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, u.user, p.Graph, p.Full, p.Started.UnixNano(), p.Finished.UnixNano(),
		p.Created, p.Updated, p.Deleted, p.Error)
	if err != nil {
		return fmt.Errorf("insert pass: %w", err)
	}
	return nil
}

// Passes returns the most recent passes, newest first. An empty graph
// matches every graph.
func (u *UserStore) Passes(ctx context.Context, graph string, limit int) ([]PassRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := u.db.QueryContext(ctx, `
		SELECT id, graph, full_fetch, started_ns, finished_ns, created, updated, deleted, error
		FROM passes WHERE user = ? AND (? = '' OR graph = ?)
		ORDER BY started_ns DESC LIMIT ?`, u.user, graph, graph, limit)
	if err != nil {
		return nil, fmt.Errorf("query passes: %w", err)
	}
	defer rows.Close()

	var out []PassRecord
	for rows.Next() {
		var (
			p                 PassRecord
			started, finished int64
		)
		if err := rows.Scan(&p.ID, &p.Graph, &p.Full, &started, &finished,
			&p.Created, &p.Updated, &p.Deleted, &p.Error); err != nil {
			return nil, fmt.Errorf("scan pass: %w", err)
		}
		p.Started = time.Unix(0, started)
		p.Finished = time.Unix(0, finished)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PassFinished records r. Failures to record are not fatal to the pass.
func (u *UserStore) PassFinished(ctx context.Context, r reconcile.Report) {
	rec := PassRecord{
		ID:       r.ID,
		Graph:    r.Graph,
		Full:     r.Full,
		Started:  r.Started,
		Finished: r.Finished,
	}
	if r.Result.Err == nil && r.Err == nil {
		counts := r.Plan.Counts()
		rec.Created, rec.Updated, rec.Deleted = counts[reconcile.Create], counts[reconcile.Update], counts[reconcile.Delete]
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	_ = u.RecordPass(context.WithoutCancel(ctx), rec)
}
