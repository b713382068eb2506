package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/calltrace/migrations"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// postgresMaxParams bounds IN lists per ExistingIDs query.
const postgresMaxParams = 1000

type PostgresStore struct {
	DSN   string
	db    *sql.DB
	codec *payloadCodec
	now   func() time.Time
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	codec, err := newPayloadCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	store := &PostgresStore{
		DSN:   dsn,
		db:    db,
		codec: codec,
		now:   time.Now,
	}
	if err := store.configure(); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.codec.close()
	return s.db.Close()
}

func (s *PostgresStore) UpsertIfAbsent(ctx context.Context, t *SBCTrace) (bool, error) {
	row, err := normalizeTrace(t, s.now())
	if err != nil {
		return false, err
	}

	var callTS any
	if row.CallTimestamp != nil {
		callTS = *row.CallTimestamp
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO sbc_traces (id, payload, calling, called, call_timestamp, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`,
		row.ID,
		s.codec.encode(row.Payload),
		nullIfEmpty(row.Calling),
		nullIfEmpty(row.Called),
		callTS,
		row.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert sbc trace %q: %w", row.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read insert row count: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(ids))
	for _, group := range chunk(ids, postgresMaxParams) {
		b := newWhereBuilder(postgresPlaceholder)
		b.addIn("id", group)
		if err := collectIDs(ctx, s.db, `SELECT id FROM sbc_traces WHERE `+b.where(), b.args, existing); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

func (s *PostgresStore) Find(ctx context.Context, filter Filter) ([]*SBCTrace, error) {
	b := newWhereBuilder(postgresPlaceholder)
	b.applyFilter(filter, func(t time.Time) any { return t.UTC() })
	query := `
SELECT id, payload, calling, called, call_timestamp, created_at
FROM sbc_traces
WHERE ` + b.where() + `
ORDER BY call_timestamp DESC NULLS LAST, created_at DESC
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

func (s *PostgresStore) Get(ctx context.Context, id string) (*SBCTrace, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, payload, calling, called, call_timestamp, created_at
FROM sbc_traces
WHERE id = $1`, strings.TrimSpace(id))
	item, err := s.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM sbc_traces
WHERE (call_timestamp IS NOT NULL AND call_timestamp < $1)
   OR (call_timestamp IS NULL AND created_at < $1)`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete sbc traces before %s: %w", cutoff.UTC().Format(time.RFC3339), err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read delete row count: %w", err)
	}
	return deleted, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sbc_traces`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sbc traces: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) scanRow(scanner rowScanner) (*SBCTrace, error) {
	var (
		item       SBCTrace
		compressed []byte
		calling    sql.NullString
		called     sql.NullString
		callTS     sql.NullTime
	)
	if err := scanner.Scan(&item.ID, &compressed, &calling, &called, &callTS, &item.CreatedAt); err != nil {
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
		ts := callTS.Time.UTC()
		item.CallTimestamp = &ts
	}
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}

func (s *PostgresStore) configure() error {
	s.db.SetMaxOpenConns(10)
	s.db.SetMaxIdleConns(5)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func postgresPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// postgresErrorClass maps SQLSTATE classes onto write error classes.
func postgresErrorClass(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "08"):
		return WriteErrorClassConnection, true
	case strings.HasPrefix(pgErr.Code, "23"):
		return WriteErrorClassConstraint, true
	case pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "55P03":
		return WriteErrorClassContention, true
	case pgErr.Code == "57014":
		return WriteErrorClassTimeout, true
	}
	return WriteErrorClassUnknown, true
}
