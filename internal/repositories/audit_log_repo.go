package repositories

import (
	"context"
	"fmt"
	"strings"

	"github.com/BradenHooton/authguard/internal/database"
	"github.com/BradenHooton/authguard/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const auditLogColumns = `id, timestamp, user_id, action, resource_type, resource_id,
	details, severity, source, ip_address, user_agent, session_id`

// AuditLogRepository handles audit log data access. The table is append-only.
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

// NewAuditLogRepository creates a new AuditLogRepository
func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{pool: db.Pool}
}

// scanAuditLogRow populates an AuditLogEntry from a database row
func scanAuditLogRow(row rowScanner) (*models.AuditLogEntry, error) {
	var e models.AuditLogEntry

	err := row.Scan(
		&e.ID, &e.Timestamp, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID,
		&e.Details, &e.Severity, &e.Source, &e.IPAddress, &e.UserAgent, &e.SessionID,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &e, nil
}

// scanAuditLogRows iterates through rows and scans each into AuditLogEntry models
func scanAuditLogRows(rows pgx.Rows) ([]*models.AuditLogEntry, error) {
	defer rows.Close()

	entries := make([]*models.AuditLogEntry, 0)

	for rows.Next() {
		e, err := scanAuditLogRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", database.MapPostgresError(err))
	}

	return entries, nil
}

// Create inserts one audit entry
func (r *AuditLogRepository) Create(ctx context.Context, e *models.AuditLogEntry) error {
	details := e.Details
	if details == nil {
		details = models.AuditMetadata{}
	}

	query := `INSERT INTO audit_logs (` + auditLogColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.pool.Exec(ctx, query,
		e.ID, e.Timestamp, e.UserID, e.Action, e.ResourceType, e.ResourceID,
		details, string(e.Severity), string(e.Source), e.IPAddress, e.UserAgent, e.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", database.MapPostgresError(err))
	}

	return nil
}

// Query returns one page of matching entries, newest first, and the total match count
func (r *AuditLogRepository) Query(ctx context.Context, f models.AuditFilter) ([]*models.AuditLogEntry, int, error) {
	where, args := auditWhere(f)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", database.MapPostgresError(err))
	}

	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM audit_logs%s ORDER BY timestamp DESC, id LIMIT $%d OFFSET $%d`,
		auditLogColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit logs: %w", database.MapPostgresError(err))
	}

	entries, err := scanAuditLogRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// auditWhere builds the WHERE clause for f with positional arguments
func auditWhere(f models.AuditFilter) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Search != "" {
		add("action ILIKE $%d", "%"+escapeLike(f.Search)+"%")
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.Source != "" {
		add("source = $%d", string(f.Source))
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.From != nil {
		add("timestamp >= $%d", *f.From)
	}
	if f.To != nil {
		add("timestamp <= $%d", *f.To)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
