// Package history persists poll readings in SQLite so they can be queried
// after the fact.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/procwatch/internal/event"
	"github.com/HerbHall/procwatch/internal/store"
	"github.com/HerbHall/procwatch/pkg/models"
	"go.uber.org/zap"
)

// Sample is one stored reading. Instance is the pid of a name-target
// instance, or zero for the aggregate value.
type Sample struct {
	Source    string         `json:"source"`
	Target    string         `json:"target"`
	Metric    string         `json:"metric"`
	Instance  uint32         `json:"instance,omitempty"`
	Reading   models.Reading `json:"value"`
	Timestamp time.Time      `json:"timestamp"`
}

// Query filters samples. Zero fields do not filter. Results are ordered by
// time, newest first.
type Query struct {
	Source string
	Metric string
	Since  time.Time
	Until  time.Time
	Limit  int
}

const (
	defaultLimit = 500
	maxLimit     = 10000
)

// Repository stores and reads samples.
type Repository interface {
	Record(ctx context.Context, source string, res *models.PollResult) error
	Query(ctx context.Context, q Query) ([]Sample, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Compile-time interface guard.
var _ Repository = (*SQLiteRepository)(nil)

// SQLiteRepository implements Repository on the history_samples table.
type SQLiteRepository struct {
	db *sql.DB
}

func migrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create history_samples",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE history_samples (
						id        INTEGER PRIMARY KEY AUTOINCREMENT,
						source    TEXT    NOT NULL,
						target    TEXT    NOT NULL,
						metric    TEXT    NOT NULL,
						instance  INTEGER NOT NULL DEFAULT 0,
						value     REAL,
						ts        INTEGER NOT NULL
					)`)
				return err
			},
		},
		{
			Version:     2,
			Description: "index history_samples by source and time",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE INDEX idx_history_source_ts ON history_samples (source, ts)`)
				return err
			},
		},
	}
}

// New migrates the schema and returns a repository on s.
func New(ctx context.Context, s *store.SQLiteStore) (*SQLiteRepository, error) {
	if err := s.Migrate(ctx, "history", migrations()); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &SQLiteRepository{db: s.DB()}, nil
}

// Record stores every reading of res, including the per-instance readings.
// Unavailable readings are stored as NULL.
func (r *SQLiteRepository) Record(ctx context.Context, source string, res *models.PollResult) error {
	if res == nil || len(res.Values) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO history_samples (source, target, metric, instance, value, ts) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	target := res.Target.String()
	ts := res.Timestamp.UnixMilli()
	insert := func(metric string, instance uint32, v models.Reading) error {
		var value sql.NullFloat64
		if v.Available {
			value = sql.NullFloat64{Float64: v.Value, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, source, target, metric, instance, value, ts); err != nil {
			return fmt.Errorf("insert %s/%s: %w", source, metric, err)
		}
		return nil
	}

	for _, key := range res.Keys() {
		if err := insert(key, 0, res.Values[key]); err != nil {
			return err
		}
	}
	for _, inst := range res.Instances {
		for key, v := range inst.Values {
			if err := insert(key, inst.PID, v); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) Query(ctx context.Context, q Query) ([]Sample, error) {
	var (
		where []string
		args  []any
	)
	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, q.Source)
	}
	if q.Metric != "" {
		where = append(where, "metric = ?")
		args = append(args, q.Metric)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, q.Until.UnixMilli())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	query := `SELECT source, target, metric, instance, value, ts FROM history_samples`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	samples := []Sample{}
	for rows.Next() {
		var (
			s     Sample
			value sql.NullFloat64
			ts    int64
		)
		if err := rows.Scan(&s.Source, &s.Target, &s.Metric, &s.Instance, &value, &ts); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if value.Valid {
			s.Reading = models.AvailableReading(value.Float64)
		}
		s.Timestamp = time.UnixMilli(ts).UTC()
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return samples, nil
}

// Prune deletes samples older than before and returns how many went.
func (r *SQLiteRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM history_samples WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

// Subscribe records every completed poll published on bus. The returned
// function removes the subscription.
func Subscribe(bus event.Subscriber, repo Repository, logger *zap.Logger) func() {
	return bus.Subscribe(event.TopicPollCompleted, func(ctx context.Context, e event.Event) {
		pc, ok := e.Payload.(event.PollCompleted)
		if !ok {
			logger.Warn("unexpected payload type for poll completed event")
			return
		}
		if err := repo.Record(ctx, e.Source, pc.Result); err != nil {
			logger.Warn("failed to record poll history",
				zap.String("source", e.Source),
				zap.Error(err),
			)
		}
	})
}
