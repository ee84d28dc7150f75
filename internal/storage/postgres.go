package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when no evaluation matches the requested id.
var ErrNotFound = errors.New("evaluation not found")

// Options tunes the connection pool.
type Options struct {
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string, opts Options) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 && opts.MinConns <= config.MaxConns {
		config.MinConns = opts.MinConns
	}
	if opts.ConnMaxLifetime > 0 {
		config.MaxConnLifetime = opts.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// EnsureSchema creates the audit tables if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogEvaluation inserts an evaluation record and its detections in one
// transaction.
func (db *DB) LogEvaluation(ctx context.Context, ev *Evaluation) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO evaluations (id, runtime, mode, source_hash, source_size,
				status, result, error, duration_ms, request_ip, api_key_hash,
				created_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

		if _, err := tx.Exec(ctx, query,
			ev.ID, ev.Runtime, ev.Mode, ev.SourceHash, ev.SourceSize,
			ev.Status,
			truncateForDB(ev.Result, 65535),
			truncateForDB(ev.Error, 65535),
			ev.DurationMS, ev.RequestIP, ev.APIKeyHash,
			ev.CreatedAt, ev.CompletedAt,
		); err != nil {
			return fmt.Errorf("inserting evaluation: %w", err)
		}

		batch := &pgx.Batch{}
		for i := range ev.Detections {
			d := &ev.Detections[i]
			if d.ID == "" {
				d.ID = uuid.New().String()
			}
			if d.CreatedAt.IsZero() {
				d.CreatedAt = ev.CreatedAt
			}
			batch.Queue(`
				INSERT INTO detections (id, evaluation_id, pattern, severity, detail, line, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				d.ID, ev.ID, d.Pattern, d.Severity, d.Detail, d.Line, d.CreatedAt,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting detections: %w", err)
		}
		return nil
	})
}

// GetEvaluation retrieves a single evaluation, with its detections, by ID.
func (db *DB) GetEvaluation(ctx context.Context, id string) (*Evaluation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	query := `
		SELECT id, runtime, mode, source_hash, source_size, status, result,
			error, duration_ms, request_ip, api_key_hash, created_at, completed_at
		FROM evaluations WHERE id = $1`

	var ev Evaluation
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&ev.ID, &ev.Runtime, &ev.Mode, &ev.SourceHash, &ev.SourceSize,
		&ev.Status, &ev.Result, &ev.Error, &ev.DurationMS,
		&ev.RequestIP, &ev.APIKeyHash,
		&ev.CreatedAt, &ev.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying evaluation %s: %w", id, err)
	}

	rows, err := db.pool.Query(ctx, `
		SELECT id, evaluation_id, pattern, severity, detail, line, created_at
		FROM detections WHERE evaluation_id = $1 ORDER BY line`, id)
	if err != nil {
		return nil, fmt.Errorf("querying detections for %s: %w", id, err)
	}
	ev.Detections, err = pgx.CollectRows(rows, pgx.RowToStructByName[DetectionRecord])
	if err != nil {
		return nil, fmt.Errorf("scanning detections for %s: %w", id, err)
	}

	return &ev, nil
}

// ListEvaluations queries evaluations with optional filters, newest first.
func (db *DB) ListEvaluations(ctx context.Context, filter EvaluationFilter) ([]Evaluation, error) {
	query := `
		SELECT id, runtime, mode, source_hash, source_size, status,
			duration_ms, created_at, completed_at
		FROM evaluations
		WHERE ($1 = '' OR runtime = $1)
		  AND ($2 = '' OR mode = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Runtime, filter.Mode, filter.Status, filter.Since, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying evaluations: %w", err)
	}
	defer rows.Close()

	var results []Evaluation
	for rows.Next() {
		var ev Evaluation
		if err := rows.Scan(
			&ev.ID, &ev.Runtime, &ev.Mode, &ev.SourceHash, &ev.SourceSize,
			&ev.Status, &ev.DurationMS, &ev.CreatedAt, &ev.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning evaluation row: %w", err)
		}
		results = append(results, ev)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
