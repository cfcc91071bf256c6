// Package sqlite implements the token store on an embedded SQLite database.
//
// The database is shared with the token-management side (GUI), which creates
// and edits token rows; the daemon only writes status, last_seen_at and
// last_event_at, plus event rows. A single connection serializes writers.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wardscry/wardscry/pkg/core"
)

// Store implements core.TokenStore on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies
// pending schema migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver is not safe for unsynchronized concurrent writers; one
	// connection serializes every caller.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ListTokens returns all token rows.
func (s *Store) ListTokens(ctx context.Context) ([]core.Token, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, path, template, sensitivity, status, created_at, last_seen_at, last_event_at
FROM tokens ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []core.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return tokens, nil
}

// GetToken returns a single token row by id.
func (s *Store) GetToken(ctx context.Context, id int64) (core.Token, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, path, template, sensitivity, status, created_at, last_seen_at, last_event_at
FROM tokens WHERE id = ?`, id)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Token{}, core.ErrTokenNotFound
	}
	return t, err
}

// RecordTransition applies the token status update and the event insert in
// one transaction. Both land or neither does.
func (s *Store) RecordTransition(ctx context.Context, tr core.Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if tr.LastSeenAt != nil {
		res, err = tx.ExecContext(ctx,
			`UPDATE tokens SET status = ?, last_event_at = ?, last_seen_at = ? WHERE id = ?`,
			string(tr.Status), ts(tr.LastEventAt), ts(*tr.LastSeenAt), tr.TokenID)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE tokens SET status = ?, last_event_at = ? WHERE id = ?`,
			string(tr.Status), ts(tr.LastEventAt), tr.TokenID)
	}
	if err != nil {
		return fmt.Errorf("update token %d: %w", tr.TokenID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update token %d: %w", tr.TokenID, err)
	}
	if n == 0 {
		return core.ErrTokenNotFound
	}

	e := tr.Event
	if _, err := tx.ExecContext(ctx, `
INSERT INTO events(id, token_id, kind, occurred_at, raw_count, details)
VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.TokenID, string(e.Kind), ts(e.OccurredAt), e.RawCount, e.Details); err != nil {
		return fmt.Errorf("insert event for token %d: %w", e.TokenID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// TouchLastSeen records a passed existence check without writing an event.
func (s *Store) TouchLastSeen(ctx context.Context, tokenID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET last_seen_at = ? WHERE id = ?`, ts(at), tokenID)
	if err != nil {
		return fmt.Errorf("touch token %d: %w", tokenID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.ErrTokenNotFound
	}
	return nil
}

// InsertToken registers a new token row. Used by the admin CLI; the path
// must already exist on disk, planting decoy content is someone else's job.
func (s *Store) InsertToken(ctx context.Context, t core.Token) (int64, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = core.StatusOK
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO tokens(name, path, template, sensitivity, status, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		t.Name, t.Path, t.Template, string(t.Sensitivity), string(t.Status), ts(t.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert token: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert token: %w", err)
	}
	return id, nil
}

// DeleteToken removes a token row. Its persisted events are kept: history
// must survive a token's removal.
func (s *Store) DeleteToken(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete token %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.ErrTokenNotFound
	}
	return nil
}

// ResetTokenStatus is the external reset path: the daemon never clears a
// triggered token itself. No event is written; events belong to the daemon.
func (s *Store) ResetTokenStatus(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET status = ? WHERE id = ?`, string(core.StatusOK), id)
	if err != nil {
		return fmt.Errorf("reset token %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.ErrTokenNotFound
	}
	return nil
}

// ListEvents returns event rows, newest first. tokenID 0 means all tokens.
func (s *Store) ListEvents(ctx context.Context, tokenID int64, limit int) ([]core.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT id, token_id, kind, occurred_at, raw_count, details
FROM events`
	args := []any{}
	if tokenID != 0 {
		query += ` WHERE token_id = ?`
		args = append(args, tokenID)
	}
	query += ` ORDER BY occurred_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var (
			e        core.Event
			kind     string
			occurred string
			details  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TokenID, &kind, &occurred, &e.RawCount, &details); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = core.EventKind(kind)
		e.Details = details.String
		if t, err := time.Parse(time.RFC3339Nano, occurred); err == nil {
			e.OccurredAt = t
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (core.Token, error) {
	var (
		t           core.Token
		sensitivity string
		status      string
		createdAt   string
		lastSeen    sql.NullString
		lastEvent   sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Path, &t.Template, &sensitivity, &status, &createdAt, &lastSeen, &lastEvent); err != nil {
		return core.Token{}, err
	}
	t.Sensitivity = core.Sensitivity(sensitivity)
	t.Status = core.Status(status)
	if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = parsed
	}
	t.LastSeenAt = parseNullableTS(lastSeen)
	t.LastEventAt = parseNullableTS(lastEvent)
	return t, nil
}

func parseNullableTS(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

// tsLayout is RFC 3339 with a fixed-width fraction: string order in the
// database then matches chronological order, which ListEvents' ORDER BY
// relies on. RFC3339Nano would trim trailing zeros and break that.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

var _ core.TokenStore = (*Store)(nil)
