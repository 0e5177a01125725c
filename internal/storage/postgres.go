package storage

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"iacnotify/internal/model"
	logx "iacnotify/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.HealthCheckPeriod = time.Minute
	poolCfg.ConnConfig.ConnectTimeout = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("postgres history store ready", logx.Int("max_conns", int(pool.Stat().MaxConns())))
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *postgresStore) Append(ctx context.Context, rec model.Record) error {
	b, err := json.Marshal(rec.Clone())
	if err != nil {
		return err
	}
	ts := rec.Event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO iacnotify_history(event_id, type, severity, ts, record)
		 VALUES($1, $2, $3, $4, $5)
		 ON CONFLICT (event_id) DO UPDATE SET record = EXCLUDED.record`,
		rec.Event.ID, string(rec.Event.Type), string(rec.Event.Severity), ts, b,
	)
	return err
}

func (s *postgresStore) List(ctx context.Context, limit int, before string) ([]model.Record, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM iacnotify_history
		 WHERE $1 = '' OR seq < (SELECT seq FROM iacnotify_history WHERE event_id = $1)
		 ORDER BY seq DESC LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Record{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *postgresStore) Get(ctx context.Context, eventID string) (model.Record, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM iacnotify_history WHERE event_id = $1`, eventID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return model.Record{}, false, err
	}
	return rec, true, nil
}

func (s *postgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM iacnotify_history`).Scan(&n)
	return n, err
}

func (s *postgresStore) TrimOldest(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM iacnotify_history
		 WHERE seq <= (SELECT seq FROM iacnotify_history ORDER BY seq DESC LIMIT 1 OFFSET $1)`,
		keep,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) DeleteBefore(ctx context.Context, t time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM iacnotify_history WHERE ts < $1`, t)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
