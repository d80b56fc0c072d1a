// Package sqlite implements harvest.Store on a local SQLite database using
// the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/webfarm/internal/clock/system"
	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/id/uuid"
	"github.com/JakeFAU/webfarm/internal/storage"
)

const busyTimeoutMs = 10000

const schema = `
CREATE TABLE IF NOT EXISTS run_state (
	profile      TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	cursor_json  TEXT,
	status       TEXT NOT NULL,
	batches      INTEGER NOT NULL DEFAULT 0,
	items_raw    INTEGER NOT NULL DEFAULT 0,
	items_unique INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (profile, run_id)
);
CREATE INDEX IF NOT EXISTS run_state_latest ON run_state (profile, started_at, run_id);
CREATE TABLE IF NOT EXISTS blocked_events (
	id           TEXT PRIMARY KEY,
	profile      TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	batch        INTEGER NOT NULL,
	request_json TEXT NOT NULL,
	state_json   TEXT,
	reason       TEXT NOT NULL,
	status_code  INTEGER NOT NULL DEFAULT 0,
	snippet      TEXT NOT NULL DEFAULT '',
	headers_json TEXT,
	status       TEXT NOT NULL,
	note         TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	resolved_at  TEXT
);
CREATE INDEX IF NOT EXISTS blocked_events_open ON blocked_events (status, profile, created_at);
`

// Config locates the database file.
type Config struct {
	Path string
}

// Store persists runs, items and blocked events in SQLite.
type Store struct {
	db    *sql.DB
	clock harvest.Clock
	ids   harvest.IDGenerator
	locks storage.PartitionLocks

	mu     sync.Mutex
	tables map[string]storage.Tables
}

// Open creates the database file if needed and applies the schema.
func Open(ctx context.Context, cfg Config, clock harvest.Clock, ids harvest.IDGenerator) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	store, err := New(ctx, db, clock, ids)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// dsn applies the pragmas on every pooled connection and makes transactions
// take the write lock up front.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMs))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// New wraps an open database and applies the schema.
func New(ctx context.Context, db *sql.DB, clock harvest.Clock, ids harvest.IDGenerator) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.NewUUIDGenerator()
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db, clock: clock, ids: ids, tables: make(map[string]storage.Tables)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *Store) partition(ctx context.Context, profile string) (storage.Tables, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[profile]; ok {
		return t, nil
	}
	t, err := storage.TablesFor(profile)
	if err != nil {
		return storage.Tables{}, err
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	run_id     TEXT NOT NULL,
	batch      INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	item_key   TEXT,
	raw_json   TEXT NOT NULL,
	source_url TEXT NOT NULL DEFAULT '',
	fetched_at TEXT NOT NULL,
	PRIMARY KEY (run_id, batch, seq)
);
CREATE TABLE IF NOT EXISTS %[2]s (
	key           TEXT PRIMARY KEY,
	first_run_id  TEXT NOT NULL,
	raw_json      TEXT NOT NULL,
	first_seen_at TEXT NOT NULL
);`, t.Raw, t.Unique)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return storage.Tables{}, fmt.Errorf("create partition for %s: %w", profile, err)
	}
	s.tables[profile] = t
	return t, nil
}

// BeginRun starts a new run or resumes the latest unfinished one.
func (s *Store) BeginRun(ctx context.Context, profile string, resume bool) (harvest.RunState, error) {
	if _, err := s.partition(ctx, profile); err != nil {
		return harvest.RunState{}, err
	}
	unlock := s.locks.Lock(profile)
	defer unlock()
	now := s.clock.Now()

	if resume {
		row := s.db.QueryRowContext(ctx, selectRun+`
WHERE profile = ? AND status <> ?
ORDER BY started_at DESC, run_id DESC LIMIT 1`, profile, string(harvest.RunStatusCompleted))
		state, err := scanRun(row)
		switch {
		case err == nil:
			if _, err := s.db.ExecContext(ctx,
				`UPDATE run_state SET status = ?, error = '', updated_at = ? WHERE profile = ? AND run_id = ?`,
				string(harvest.RunStatusRunning), formatTime(now), profile, state.RunID); err != nil {
				return harvest.RunState{}, fmt.Errorf("resume run: %w", err)
			}
			state.Status = harvest.RunStatusRunning
			state.Error = ""
			state.UpdatedAt = now
			state.Resumed = true
			return state, nil
		case !errors.Is(err, harvest.ErrNotFound):
			return harvest.RunState{}, err
		}
	}

	runID, err := s.ids.NewID()
	if err != nil {
		return harvest.RunState{}, fmt.Errorf("new run id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO run_state (profile, run_id, status, started_at, updated_at)
VALUES (?, ?, ?, ?, ?)`, profile, runID, string(harvest.RunStatusRunning), formatTime(now), formatTime(now)); err != nil {
		return harvest.RunState{}, fmt.Errorf("insert run: %w", err)
	}
	return harvest.RunState{
		Profile:   profile,
		RunID:     runID,
		Status:    harvest.RunStatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}, nil
}

// CommitBatch writes raw rows, unique offers and the run cursor in one
// transaction.
func (s *Store) CommitBatch(ctx context.Context, batch harvest.Batch) (harvest.CommitResult, error) {
	tables, err := s.partition(ctx, batch.Profile)
	if err != nil {
		return harvest.CommitResult{}, err
	}
	unlock := s.locks.Lock(batch.Profile)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return harvest.CommitResult{}, fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM run_state WHERE profile = ? AND run_id = ?`,
		batch.Profile, batch.RunID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return harvest.CommitResult{}, fmt.Errorf("run %s/%s: %w", batch.Profile, batch.RunID, harvest.ErrNotFound)
		}
		return harvest.CommitResult{}, fmt.Errorf("load run: %w", err)
	}

	insertRaw := fmt.Sprintf(`INSERT INTO %s (run_id, batch, seq, item_key, raw_json, source_url, fetched_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, tables.Raw)
	insertUnique := fmt.Sprintf(`INSERT INTO %s (key, first_run_id, raw_json, first_seen_at)
VALUES (?, ?, ?, ?) ON CONFLICT (key) DO NOTHING`, tables.Unique)

	result := harvest.CommitResult{Offers: make([]harvest.OfferResult, len(batch.Raw))}
	for i, item := range batch.Raw {
		if _, err := tx.ExecContext(ctx, insertRaw, batch.RunID, batch.Index, item.Seq,
			nullString(item.Key), string(item.Data), item.SourceURL, formatTime(item.FetchedAt)); err != nil {
			return harvest.CommitResult{}, fmt.Errorf("insert raw item %d: %w", item.Seq, err)
		}
		if item.Key == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, insertUnique, item.Key, batch.RunID, string(item.Data), formatTime(item.FetchedAt))
		if err != nil {
			return harvest.CommitResult{}, fmt.Errorf("offer unique item %q: %w", item.Key, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.Offers[i] = harvest.Inserted
			result.Inserted++
		} else {
			result.Offers[i] = harvest.DuplicateIgnored
			result.Duplicates++
		}
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE run_state SET
	cursor_json = ?,
	batches = ?,
	items_raw = items_raw + ?,
	items_unique = items_unique + ?,
	status = COALESCE(NULLIF(?, ''), status),
	updated_at = ?
WHERE profile = ? AND run_id = ?`,
		nullString(string(batch.Cursor)), batch.Index, len(batch.Raw), result.Inserted,
		string(batch.Status), formatTime(s.clock.Now()), batch.Profile, batch.RunID); err != nil {
		return harvest.CommitResult{}, fmt.Errorf("update run state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return harvest.CommitResult{}, fmt.Errorf("commit batch: %w", err)
	}
	return result, nil
}

// FinishRun records the terminal status of a run.
func (s *Store) FinishRun(ctx context.Context, profile, runID string, status harvest.RunStatus, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_state SET status = ?, error = ?, updated_at = ? WHERE profile = ? AND run_id = ?`,
		string(status), errText, formatTime(s.clock.Now()), profile, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s/%s: %w", profile, runID, harvest.ErrNotFound)
	}
	return nil
}

const selectRun = `SELECT profile, run_id, cursor_json, status, batches, items_raw, items_unique, error, started_at, updated_at
FROM run_state `

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, profile, runID string) (harvest.RunState, error) {
	row := s.db.QueryRowContext(ctx, selectRun+`WHERE profile = ? AND run_id = ?`, profile, runID)
	state, err := scanRun(row)
	if err != nil {
		return harvest.RunState{}, fmt.Errorf("run %s/%s: %w", profile, runID, err)
	}
	return state, nil
}

// LatestRun loads the most recently started run of profile.
func (s *Store) LatestRun(ctx context.Context, profile string) (harvest.RunState, error) {
	row := s.db.QueryRowContext(ctx, selectRun+`WHERE profile = ? ORDER BY started_at DESC, run_id DESC LIMIT 1`, profile)
	state, err := scanRun(row)
	if err != nil {
		return harvest.RunState{}, fmt.Errorf("latest run of %s: %w", profile, err)
	}
	return state, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (harvest.RunState, error) {
	var (
		state              harvest.RunState
		cursor             sql.NullString
		status             string
		started, updatedAt string
	)
	if err := row.Scan(&state.Profile, &state.RunID, &cursor, &status, &state.Batches,
		&state.ItemsRaw, &state.ItemsUnique, &state.Error, &started, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return harvest.RunState{}, harvest.ErrNotFound
		}
		return harvest.RunState{}, fmt.Errorf("scan run: %w", err)
	}
	state.Status = harvest.RunStatus(status)
	if cursor.Valid && cursor.String != "" {
		state.Cursor = json.RawMessage(cursor.String)
	}
	state.StartedAt = parseTime(started)
	state.UpdatedAt = parseTime(updatedAt)
	return state, nil
}

// RecordBlocked stores an open blocked event.
func (s *Store) RecordBlocked(ctx context.Context, event harvest.BlockedEvent) (string, error) {
	if event.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("new blocked event id: %w", err)
		}
		event.ID = id
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.clock.Now()
	}
	request, err := json.Marshal(event.Request)
	if err != nil {
		return "", fmt.Errorf("encode blocked request: %w", err)
	}
	headers, err := json.Marshal(event.Headers)
	if err != nil {
		return "", fmt.Errorf("encode blocked headers: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO blocked_events (id, profile, run_id, batch, request_json, state_json, reason, status_code,
	snippet, headers_json, status, note, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?)`,
		event.ID, event.Profile, event.RunID, event.Batch, string(request), nullString(string(event.State)),
		event.Reason, event.StatusCode, event.Snippet, string(headers), string(harvest.BlockedOpen),
		formatTime(event.CreatedAt)); err != nil {
		return "", fmt.Errorf("insert blocked event: %w", err)
	}
	return event.ID, nil
}

const selectBlocked = `SELECT id, profile, run_id, batch, request_json, state_json, reason, status_code,
	snippet, headers_json, status, note, created_at, resolved_at
FROM blocked_events `

// ListBlocked returns events ordered by creation time.
func (s *Store) ListBlocked(ctx context.Context, filter harvest.BlockedFilter) ([]harvest.BlockedEvent, error) {
	var (
		where []string
		args  []any
	)
	if !filter.IncludeResolved {
		where = append(where, "status = ?")
		args = append(args, string(harvest.BlockedOpen))
	}
	if filter.Profile != "" {
		where = append(where, "profile = ?")
		args = append(args, filter.Profile)
	}
	query := selectBlocked
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + " "
	}
	query += "ORDER BY created_at, id"
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list blocked events: %w", err)
	}
	defer rows.Close()

	var out []harvest.BlockedEvent
	for rows.Next() {
		ev, err := scanBlocked(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocked events: %w", err)
	}
	return out, nil
}

// GetBlocked loads one event.
func (s *Store) GetBlocked(ctx context.Context, id string) (harvest.BlockedEvent, error) {
	ev, err := scanBlocked(s.db.QueryRowContext(ctx, selectBlocked+"WHERE id = ?", id))
	if err != nil {
		return harvest.BlockedEvent{}, fmt.Errorf("blocked event %s: %w", id, err)
	}
	return ev, nil
}

func scanBlocked(row rowScanner) (harvest.BlockedEvent, error) {
	var (
		ev              harvest.BlockedEvent
		request         string
		state, headers  sql.NullString
		status, created string
		resolved        sql.NullString
	)
	if err := row.Scan(&ev.ID, &ev.Profile, &ev.RunID, &ev.Batch, &request, &state, &ev.Reason,
		&ev.StatusCode, &ev.Snippet, &headers, &status, &ev.Note, &created, &resolved); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return harvest.BlockedEvent{}, harvest.ErrNotFound
		}
		return harvest.BlockedEvent{}, fmt.Errorf("scan blocked event: %w", err)
	}
	if err := json.Unmarshal([]byte(request), &ev.Request); err != nil {
		return harvest.BlockedEvent{}, fmt.Errorf("decode blocked request: %w", err)
	}
	if state.Valid && state.String != "" {
		ev.State = json.RawMessage(state.String)
	}
	if headers.Valid && headers.String != "" && headers.String != "null" {
		if err := json.Unmarshal([]byte(headers.String), &ev.Headers); err != nil {
			return harvest.BlockedEvent{}, fmt.Errorf("decode blocked headers: %w", err)
		}
	}
	ev.Status = harvest.BlockedStatus(status)
	ev.CreatedAt = parseTime(created)
	if resolved.Valid && resolved.String != "" {
		at := parseTime(resolved.String)
		ev.ResolvedAt = &at
	}
	return ev, nil
}

// ResolveBlocked marks an event resolved.
func (s *Store) ResolveBlocked(ctx context.Context, id, note string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE blocked_events SET status = ?, note = ?, resolved_at = COALESCE(resolved_at, ?)
WHERE id = ?`, string(harvest.BlockedResolved), note, formatTime(s.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("resolve blocked event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("blocked event %s: %w", id, harvest.ErrNotFound)
	}
	return nil
}

// OpenBlockedProfiles lists profiles with open events.
func (s *Store) OpenBlockedProfiles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT profile FROM blocked_events WHERE status = ? ORDER BY profile`, string(harvest.BlockedOpen))
	if err != nil {
		return nil, fmt.Errorf("list open blocked profiles: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}

// Offer inserts item into the unique table of profile unless present.
func (s *Store) Offer(ctx context.Context, profile string, item harvest.UniqueItem) (harvest.OfferResult, error) {
	if item.Key == "" {
		return 0, fmt.Errorf("offer unique item: %w", harvest.ErrMissingKeyField)
	}
	tables, err := s.partition(ctx, profile)
	if err != nil {
		return 0, err
	}
	unlock := s.locks.Lock(profile)
	defer unlock()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (key, first_run_id, raw_json, first_seen_at)
VALUES (?, ?, ?, ?) ON CONFLICT (key) DO NOTHING`, tables.Unique),
		item.Key, item.FirstRunID, string(item.Data), formatTime(item.FirstSeenAt))
	if err != nil {
		return 0, fmt.Errorf("offer unique item: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return harvest.Inserted, nil
	}
	return harvest.DuplicateIgnored, nil
}

// IterUnique streams unique items in insertion order.
func (s *Store) IterUnique(ctx context.Context, profile string, fn func(harvest.UniqueItem) error) error {
	tables, err := s.partition(ctx, profile)
	if err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT key, first_run_id, raw_json, first_seen_at FROM %s ORDER BY rowid`, tables.Unique))
	if err != nil {
		return fmt.Errorf("query unique items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			item     harvest.UniqueItem
			data, ts string
		)
		if err := rows.Scan(&item.Key, &item.FirstRunID, &data, &ts); err != nil {
			return fmt.Errorf("scan unique item: %w", err)
		}
		item.Data = json.RawMessage(data)
		item.FirstSeenAt = parseTime(ts)
		if err := fn(item); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate unique items: %w", err)
	}
	return nil
}

// CountRaw returns the number of raw rows stored for a run.
func (s *Store) CountRaw(ctx context.Context, profile, runID string) (int, error) {
	tables, err := s.partition(ctx, profile)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE run_id = ?`, tables.Raw), runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count raw items: %w", err)
	}
	return n, nil
}

// timeLayout is fixed width so stored timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
