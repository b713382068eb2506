package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/calltrace/migrations"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so stored timestamps compare as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// sqliteMaxParams keeps IN lists under SQLite's host parameter limit.
const sqliteMaxParams = 500

type SQLiteStore struct {
	Path  string
	db    *sql.DB
	codec *payloadCodec
	// SQLite allows a single writer; writes are serialized to avoid
	// SQLITE_BUSY between the sync job and on-demand fetches.
	writeMu sync.Mutex
	now     func() time.Time
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	codec, err := newPayloadCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	store := &SQLiteStore{
		Path:  path,
		db:    db,
		codec: codec,
		now:   time.Now,
	}
	if err := store.configure(); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.codec.close()
	return s.db.Close()
}

func (s *SQLiteStore) UpsertIfAbsent(ctx context.Context, t *SBCTrace) (bool, error) {
	row, err := normalizeTrace(t, s.now())
	if err != nil {
		return false, err
	}
	compressed := s.codec.encode(row.Payload)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var inserted bool
	err = retrySQLiteBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
INSERT INTO sbc_traces (id, payload, calling, called, call_timestamp, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`,
			row.ID,
			compressed,
			nullIfEmpty(row.Calling),
			nullIfEmpty(row.Called),
			sqliteTimePtr(row.CallTimestamp),
			formatSQLiteTime(row.CreatedAt),
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("read insert row count: %w", err)
		}
		inserted = affected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert sbc trace %q: %w", row.ID, err)
	}
	return inserted, nil
}

func (s *SQLiteStore) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(ids))
	for _, group := range chunk(ids, sqliteMaxParams) {
		b := newWhereBuilder(sqlitePlaceholder)
		b.addIn("id", group)
		if err := collectIDs(ctx, s.db, `SELECT id FROM sbc_traces WHERE `+b.where(), b.args, existing); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

func (s *SQLiteStore) Find(ctx context.Context, filter Filter) ([]*SBCTrace, error) {
	b := newWhereBuilder(sqlitePlaceholder)
	b.applyFilter(filter, func(t time.Time) any { return formatSQLiteTime(t) })
	query := `
SELECT id, payload, calling, called, call_timestamp, created_at
FROM sbc_traces
WHERE ` + b.where() + `
ORDER BY call_timestamp DESC, created_at DESC
LIMIT ` + b.addArg(filter.limit())

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("query sbc traces: %w", err)
	}
	defer rows.Close()

	var out []*SBCTrace
	for rows.Next() {
		item, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sbc traces: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*SBCTrace, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, payload, calling, called, call_timestamp, created_at
FROM sbc_traces
WHERE id = ?`, strings.TrimSpace(id))
	item, err := s.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	value := formatSQLiteTime(cutoff)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted int64
	err := retrySQLiteBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
DELETE FROM sbc_traces
WHERE (call_timestamp IS NOT NULL AND call_timestamp < ?)
   OR (call_timestamp IS NULL AND created_at < ?)`, value, value)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete sbc traces before %s: %w", value, err)
	}
	return deleted, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sbc_traces`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sbc traces: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) scanRow(scanner rowScanner) (*SBCTrace, error) {
	var (
		item       SBCTrace
		compressed []byte
		calling    sql.NullString
		called     sql.NullString
		callTS     sql.NullString
		createdAt  string
	)
	if err := scanner.Scan(&item.ID, &compressed, &calling, &called, &callTS, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan sbc trace: %w", err)
	}
	payload, err := s.codec.decode(compressed)
	if err != nil {
		return nil, fmt.Errorf("sbc trace %q: %w", item.ID, err)
	}
	item.Payload = payload
	item.Calling = calling.String
	item.Called = called.String
	if callTS.Valid {
		ts, err := parseSQLiteTime(callTS.String)
		if err != nil {
			return nil, fmt.Errorf("parse call_timestamp of %q: %w", item.ID, err)
		}
		item.CallTimestamp = &ts
	}
	if item.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at of %q: %w", item.ID, err)
	}
	return &item, nil
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func collectIDs(ctx context.Context, db queryer, query string, args []any, into map[string]bool) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query existing sbc trace ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan sbc trace id: %w", err)
		}
		into[id] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate existing sbc trace ids: %w", err)
	}
	return nil
}

func sqlitePlaceholder(int) string { return "?" }

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func sqliteTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatSQLiteTime(*t)
}

func parseSQLiteTime(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported sqlite datetime %q", value)
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries fn while SQLite reports lock contention, with
// capped exponential waits.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := min(sqliteBusyInitialBackoff<<retries, sqliteBusyMaxBackoff)
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	return err != nil && isContentionString(strings.ToLower(err.Error()))
}
