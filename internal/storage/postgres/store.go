// Package postgres implements harvest.Store on Postgres through a pgx pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/webfarm/internal/clock/system"
	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/id/uuid"
	"github.com/JakeFAU/webfarm/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS run_state (
	profile      TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	cursor_json  JSONB,
	status       TEXT NOT NULL,
	batches      INTEGER NOT NULL DEFAULT 0,
	items_raw    BIGINT NOT NULL DEFAULT 0,
	items_unique BIGINT NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (profile, run_id)
);
CREATE INDEX IF NOT EXISTS run_state_latest ON run_state (profile, started_at DESC, run_id DESC);
CREATE TABLE IF NOT EXISTS blocked_events (
	id           TEXT PRIMARY KEY,
	profile      TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	batch        INTEGER NOT NULL,
	request_json JSONB NOT NULL,
	state_json   JSONB,
	reason       TEXT NOT NULL,
	status_code  INTEGER NOT NULL DEFAULT 0,
	snippet      TEXT NOT NULL DEFAULT '',
	headers_json JSONB,
	status       TEXT NOT NULL,
	note         TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	resolved_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS blocked_events_open ON blocked_events (status, profile, created_at);
`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store persists runs, items and blocked events in Postgres.
type Store struct {
	pool  pool
	clock harvest.Clock
	ids   harvest.IDGenerator
	locks storage.PartitionLocks

	mu     sync.Mutex
	tables map[string]storage.Tables
}

// NewStore connects to Postgres and applies the schema.
func NewStore(ctx context.Context, cfg Config, clock harvest.Clock, ids harvest.IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewStoreWithPool(p, clock, ids)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, clock harvest.Clock, ids harvest.IDGenerator) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.NewUUIDGenerator()
	}
	return &Store{pool: p, clock: clock, ids: ids, tables: make(map[string]storage.Tables)}, nil
}

// Migrate creates the shared tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
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
	raw_json   JSONB NOT NULL,
	source_url TEXT NOT NULL DEFAULT '',
	fetched_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, batch, seq)
);
CREATE TABLE IF NOT EXISTS %[2]s (
	id            BIGSERIAL UNIQUE,
	key           TEXT PRIMARY KEY,
	first_run_id  TEXT NOT NULL,
	raw_json      JSONB NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL
);`, t.Raw, t.Unique)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return storage.Tables{}, fmt.Errorf("create partition for %s: %w", profile, err)
	}
	s.tables[profile] = t
	return t, nil
}

const selectRun = `SELECT profile, run_id, cursor_json, status, batches, items_raw, items_unique, error, started_at, updated_at
FROM run_state `

// BeginRun starts a new run or resumes the latest unfinished one.
func (s *Store) BeginRun(ctx context.Context, profile string, resume bool) (harvest.RunState, error) {
	if _, err := s.partition(ctx, profile); err != nil {
		return harvest.RunState{}, err
	}
	unlock := s.locks.Lock(profile)
	defer unlock()
	now := s.clock.Now()

	if resume {
		state, err := scanRun(s.pool.QueryRow(ctx, selectRun+`WHERE profile = $1 AND status <> $2
ORDER BY started_at DESC, run_id DESC LIMIT 1`, profile, string(harvest.RunStatusCompleted)))
		switch {
		case err == nil:
			if _, err := s.pool.Exec(ctx,
				`UPDATE run_state SET status = $1, error = '', updated_at = $2 WHERE profile = $3 AND run_id = $4`,
				string(harvest.RunStatusRunning), now, profile, state.RunID); err != nil {
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
	if _, err := s.pool.Exec(ctx, `INSERT INTO run_state (profile, run_id, status, started_at, updated_at)
VALUES ($1, $2, $3, $4, $5)`, profile, runID, string(harvest.RunStatusRunning), now, now); err != nil {
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

	insertRaw := fmt.Sprintf(`INSERT INTO %s (run_id, batch, seq, item_key, raw_json, source_url, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, tables.Raw)
	insertUnique := fmt.Sprintf(`INSERT INTO %s (key, first_run_id, raw_json, first_seen_at)
VALUES ($1, $2, $3, $4) ON CONFLICT (key) DO NOTHING`, tables.Unique)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return harvest.CommitResult{}, fmt.Errorf("begin commit: %w", err)
	}
	result, err := commitInTx(ctx, tx, batch, insertRaw, insertUnique, s.clock.Now())
	if err != nil {
		_ = tx.Rollback(ctx)
		return harvest.CommitResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return harvest.CommitResult{}, fmt.Errorf("commit batch: %w", err)
	}
	return result, nil
}

func commitInTx(ctx context.Context, tx pgx.Tx, batch harvest.Batch, insertRaw, insertUnique string, now time.Time) (harvest.CommitResult, error) {
	result := harvest.CommitResult{Offers: make([]harvest.OfferResult, len(batch.Raw))}
	var exists int
	if err := tx.QueryRow(ctx, `SELECT 1 FROM run_state WHERE profile = $1 AND run_id = $2 FOR UPDATE`,
		batch.Profile, batch.RunID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return result, fmt.Errorf("run %s/%s: %w", batch.Profile, batch.RunID, harvest.ErrNotFound)
		}
		return result, fmt.Errorf("load run: %w", err)
	}
	for i, item := range batch.Raw {
		if _, err := tx.Exec(ctx, insertRaw, batch.RunID, batch.Index, item.Seq,
			nullText(item.Key), string(item.Data), item.SourceURL, item.FetchedAt); err != nil {
			return result, fmt.Errorf("insert raw item %d: %w", item.Seq, err)
		}
		if item.Key == "" {
			continue
		}
		tag, err := tx.Exec(ctx, insertUnique, item.Key, batch.RunID, string(item.Data), item.FetchedAt)
		if err != nil {
			return result, fmt.Errorf("offer unique item %q: %w", item.Key, err)
		}
		if tag.RowsAffected() > 0 {
			result.Offers[i] = harvest.Inserted
			result.Inserted++
		} else {
			result.Offers[i] = harvest.DuplicateIgnored
			result.Duplicates++
		}
	}
	if _, err := tx.Exec(ctx, `
UPDATE run_state SET
	cursor_json = $1,
	batches = $2,
	items_raw = items_raw + $3,
	items_unique = items_unique + $4,
	status = COALESCE(NULLIF($5, ''), status),
	updated_at = $6
WHERE profile = $7 AND run_id = $8`,
		nullText(string(batch.Cursor)), batch.Index, len(batch.Raw), result.Inserted,
		string(batch.Status), now, batch.Profile, batch.RunID); err != nil {
		return result, fmt.Errorf("update run state: %w", err)
	}
	return result, nil
}

// FinishRun records the terminal status of a run.
func (s *Store) FinishRun(ctx context.Context, profile, runID string, status harvest.RunStatus, errText string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE run_state SET status = $1, error = $2, updated_at = $3 WHERE profile = $4 AND run_id = $5`,
		string(status), errText, s.clock.Now(), profile, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s/%s: %w", profile, runID, harvest.ErrNotFound)
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, profile, runID string) (harvest.RunState, error) {
	state, err := scanRun(s.pool.QueryRow(ctx, selectRun+`WHERE profile = $1 AND run_id = $2`, profile, runID))
	if err != nil {
		return harvest.RunState{}, fmt.Errorf("run %s/%s: %w", profile, runID, err)
	}
	return state, nil
}

// LatestRun loads the most recently started run of profile.
func (s *Store) LatestRun(ctx context.Context, profile string) (harvest.RunState, error) {
	state, err := scanRun(s.pool.QueryRow(ctx,
		selectRun+`WHERE profile = $1 ORDER BY started_at DESC, run_id DESC LIMIT 1`, profile))
	if err != nil {
		return harvest.RunState{}, fmt.Errorf("latest run of %s: %w", profile, err)
	}
	return state, nil
}

func scanRun(row pgx.Row) (harvest.RunState, error) {
	var (
		state  harvest.RunState
		cursor []byte
		status string
	)
	if err := row.Scan(&state.Profile, &state.RunID, &cursor, &status, &state.Batches,
		&state.ItemsRaw, &state.ItemsUnique, &state.Error, &state.StartedAt, &state.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.RunState{}, harvest.ErrNotFound
		}
		return harvest.RunState{}, fmt.Errorf("scan run: %w", err)
	}
	state.Status = harvest.RunStatus(status)
	if len(cursor) > 0 {
		state.Cursor = json.RawMessage(cursor)
	}
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
	if _, err := s.pool.Exec(ctx, `
INSERT INTO blocked_events (id, profile, run_id, batch, request_json, state_json, reason, status_code,
	snippet, headers_json, status, note, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '', $12)`,
		event.ID, event.Profile, event.RunID, event.Batch, string(request), nullText(string(event.State)),
		event.Reason, event.StatusCode, event.Snippet, string(headers), string(harvest.BlockedOpen),
		event.CreatedAt); err != nil {
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
		args = append(args, string(harvest.BlockedOpen))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Profile != "" {
		args = append(args, filter.Profile)
		where = append(where, fmt.Sprintf("profile = $%d", len(args)))
	}
	query := selectBlocked
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + " "
	}
	query += "ORDER BY created_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	args = append(args, max(filter.Offset, 0))
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
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
	ev, err := scanBlocked(s.pool.QueryRow(ctx, selectBlocked+"WHERE id = $1", id))
	if err != nil {
		return harvest.BlockedEvent{}, fmt.Errorf("blocked event %s: %w", id, err)
	}
	return ev, nil
}

func scanBlocked(row pgx.Row) (harvest.BlockedEvent, error) {
	var (
		ev                      harvest.BlockedEvent
		request, state, headers []byte
		status                  string
		resolved                *time.Time
	)
	if err := row.Scan(&ev.ID, &ev.Profile, &ev.RunID, &ev.Batch, &request, &state, &ev.Reason,
		&ev.StatusCode, &ev.Snippet, &headers, &status, &ev.Note, &ev.CreatedAt, &resolved); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.BlockedEvent{}, harvest.ErrNotFound
		}
		return harvest.BlockedEvent{}, fmt.Errorf("scan blocked event: %w", err)
	}
	if err := json.Unmarshal(request, &ev.Request); err != nil {
		return harvest.BlockedEvent{}, fmt.Errorf("decode blocked request: %w", err)
	}
	if len(state) > 0 {
		ev.State = json.RawMessage(state)
	}
	if len(headers) > 0 && string(headers) != "null" {
		if err := json.Unmarshal(headers, &ev.Headers); err != nil {
			return harvest.BlockedEvent{}, fmt.Errorf("decode blocked headers: %w", err)
		}
	}
	ev.Status = harvest.BlockedStatus(status)
	ev.ResolvedAt = resolved
	return ev, nil
}

// ResolveBlocked marks an event resolved.
func (s *Store) ResolveBlocked(ctx context.Context, id, note string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE blocked_events SET status = $1, note = $2, resolved_at = COALESCE(resolved_at, $3)
WHERE id = $4`, string(harvest.BlockedResolved), note, s.clock.Now(), id)
	if err != nil {
		return fmt.Errorf("resolve blocked event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("blocked event %s: %w", id, harvest.ErrNotFound)
	}
	return nil
}

// OpenBlockedProfiles lists profiles with open events.
func (s *Store) OpenBlockedProfiles(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT profile FROM blocked_events WHERE status = $1 ORDER BY profile`, string(harvest.BlockedOpen))
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
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (key, first_run_id, raw_json, first_seen_at)
VALUES ($1, $2, $3, $4) ON CONFLICT (key) DO NOTHING`, tables.Unique),
		item.Key, item.FirstRunID, string(item.Data), item.FirstSeenAt)
	if err != nil {
		return 0, fmt.Errorf("offer unique item: %w", err)
	}
	if tag.RowsAffected() > 0 {
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
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT key, first_run_id, raw_json, first_seen_at FROM %s ORDER BY id`, tables.Unique))
	if err != nil {
		return fmt.Errorf("query unique items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			item harvest.UniqueItem
			data []byte
		)
		if err := rows.Scan(&item.Key, &item.FirstRunID, &data, &item.FirstSeenAt); err != nil {
			return fmt.Errorf("scan unique item: %w", err)
		}
		item.Data = json.RawMessage(data)
		if err := fn(item); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate unique items: %w", err)
	}
	return nil
}

// nullText maps an empty string to SQL NULL.
func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
