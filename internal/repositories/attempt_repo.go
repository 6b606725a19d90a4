package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/authguard/internal/database"
	"github.com/BradenHooton/authguard/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AttemptRepository stores the append-only failure history in attempt_records
type AttemptRepository struct {
	db   *database.DB
	pool *pgxpool.Pool
}

func NewAttemptRepository(db *database.DB) *AttemptRepository {
	return &AttemptRepository{db: db, pool: db.Pool}
}

const insertAttemptQuery = `
	INSERT INTO attempt_records (id, identifier, endpoint, kind, weight, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
`

const historyQuery = `
	SELECT id, identifier, endpoint, kind, weight, created_at
	FROM attempt_records
	WHERE identifier = $1 AND kind = $2 AND created_at >= $3
	ORDER BY created_at, id
`

// querier is satisfied by both the pool and a transaction
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *AttemptRepository) Insert(ctx context.Context, rec *models.AttemptRecord) error {
	_, err := r.pool.Exec(ctx, insertAttemptQuery, rec.ID, rec.Identifier, rec.Endpoint, rec.Kind, max(rec.Weight, 1), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert attempt record: %w", database.MapPostgresError(err))
	}
	return nil
}

// Append inserts rec and reads its history inside one transaction holding a per-identifier
// advisory lock, so appends for the same identifier are serialized.
func (r *AttemptRepository) Append(ctx context.Context, rec *models.AttemptRecord, since time.Time) ([]models.AttemptRecord, error) {
	var history []models.AttemptRecord
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, rec.Identifier); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertAttemptQuery, rec.ID, rec.Identifier, rec.Endpoint, rec.Kind, max(rec.Weight, 1), rec.CreatedAt); err != nil {
			return err
		}
		var err error
		history, err = queryHistory(ctx, tx, rec.Identifier, rec.Kind, since)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append attempt record: %w", database.MapPostgresError(err))
	}
	return history, nil
}

func (r *AttemptRepository) History(ctx context.Context, identifier string, kind models.AttemptKind, since time.Time) ([]models.AttemptRecord, error) {
	history, err := queryHistory(ctx, r.pool, identifier, kind, since)
	if err != nil {
		return nil, fmt.Errorf("failed to read attempt history: %w", database.MapPostgresError(err))
	}
	return history, nil
}

func queryHistory(ctx context.Context, q querier, identifier string, kind models.AttemptKind, since time.Time) ([]models.AttemptRecord, error) {
	rows, err := q.Query(ctx, historyQuery, identifier, kind, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.AttemptRecord, 0)
	for rows.Next() {
		var rec models.AttemptRecord
		if err := rows.Scan(&rec.ID, &rec.Identifier, &rec.Endpoint, &rec.Kind, &rec.Weight, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *AttemptRepository) SummarizeAll(ctx context.Context, kind models.AttemptKind, since time.Time, minCount int) ([]models.IdentifierSummary, error) {
	query := `
		SELECT identifier, SUM(weight) AS total, MIN(created_at)
		FROM attempt_records
		WHERE kind = $1 AND created_at >= $2
		GROUP BY identifier
		HAVING SUM(weight) >= $3
		ORDER BY identifier
	`

	rows, err := r.pool.Query(ctx, query, kind, since, minCount)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize attempts: %w", database.MapPostgresError(err))
	}
	defer rows.Close()

	out := make([]models.IdentifierSummary, 0)
	for rows.Next() {
		var s models.IdentifierSummary
		if err := rows.Scan(&s.Identifier, &s.Count, &s.Oldest); err != nil {
			return nil, fmt.Errorf("failed to scan attempt summary: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempt summaries: %w", database.MapPostgresError(err))
	}
	return out, nil
}

func (r *AttemptRepository) CountByKind(ctx context.Context, kind models.AttemptKind, since time.Time) (int, error) {
	query := `SELECT COALESCE(SUM(weight), 0) FROM attempt_records WHERE kind = $1 AND created_at >= $2`

	var n int
	if err := r.pool.QueryRow(ctx, query, kind, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", database.MapPostgresError(err))
	}
	return n, nil
}

func (r *AttemptRepository) CountByEndpoint(ctx context.Context, since time.Time, limit int) ([]models.EndpointCount, error) {
	query := `
		SELECT endpoint, SUM(weight) AS total
		FROM attempt_records
		WHERE created_at >= $1
		GROUP BY endpoint
		ORDER BY total DESC, endpoint
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to count attempts by endpoint: %w", database.MapPostgresError(err))
	}
	defer rows.Close()

	out := make([]models.EndpointCount, 0)
	for rows.Next() {
		var c models.EndpointCount
		if err := rows.Scan(&c.Endpoint, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint count: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating endpoint counts: %w", database.MapPostgresError(err))
	}
	return out, nil
}

func (r *AttemptRepository) DeleteByIdentifier(ctx context.Context, identifier string, kind models.AttemptKind) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM attempt_records WHERE identifier = $1 AND kind = $2`, identifier, kind)
	if err != nil {
		return 0, fmt.Errorf("failed to delete attempts: %w", database.MapPostgresError(err))
	}
	return int(tag.RowsAffected()), nil
}

func (r *AttemptRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM attempt_records WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge attempts: %w", database.MapPostgresError(err))
	}
	return int(tag.RowsAffected()), nil
}
