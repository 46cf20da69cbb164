package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"panda-hub/internal/model"
	"panda-hub/internal/repository"
)

type auditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) repository.AuditRepository {
	return &auditRepository{pool: pool}
}

var _ repository.AuditRepository = (*auditRepository)(nil)

const auditColumns = `
	id,
	account_id,
	action,
	resource_type,
	resource_id,
	old_value,
	new_value,
	ip_address,
	user_agent,
	created_at
`

func (r *auditRepository) Create(ctx context.Context, log *model.AuditLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	oldValue, err := encodeJSONMap(log.OldValue)
	if err != nil {
		return err
	}
	newValue, err := encodeJSONMap(log.NewValue)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_logs (
			account_id, action, resource_type, resource_id,
			old_value, new_value, ip_address, user_agent, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.pool.Exec(
		ctx,
		query,
		log.AccountID,
		log.Action,
		log.ResourceType,
		log.ResourceID,
		oldValue,
		newValue,
		log.IPAddress,
		log.UserAgent,
		log.CreatedAt,
	)
	return err
}

func (r *auditRepository) List(ctx context.Context, filter repository.AuditListFilter) ([]*model.AuditLog, error) {
	limit, offset := normalizePagination(filter.Pagination)

	args := make([]any, 0, 6)
	conditions := make([]string, 0, 4)

	if filter.AccountID != nil {
		args = append(args, *filter.AccountID)
		conditions = append(conditions, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if filter.ResourceType != nil {
		args = append(args, *filter.ResourceType)
		conditions = append(conditions, fmt.Sprintf("resource_type = $%d", len(args)))
	}
	if filter.StartTime != nil {
		args = append(args, filter.StartTime.UTC())
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.EndTime != nil {
		args = append(args, filter.EndTime.UTC())
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	var builder strings.Builder
	builder.WriteString("SELECT ")
	builder.WriteString(auditColumns)
	builder.WriteString(" FROM audit_logs")
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	args = append(args, limit, offset)
	_, _ = fmt.Fprintf(&builder, " ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]*model.AuditLog, 0, limit)
	for rows.Next() {
		item := &model.AuditLog{}
		var oldRaw, newRaw []byte
		if err := rows.Scan(
			&item.ID,
			&item.AccountID,
			&item.Action,
			&item.ResourceType,
			&item.ResourceID,
			&oldRaw,
			&newRaw,
			&item.IPAddress,
			&item.UserAgent,
			&item.CreatedAt,
		); err != nil {
			return nil, err
		}

		if item.OldValue, err = decodeJSONMap(oldRaw); err != nil {
			return nil, err
		}
		if item.NewValue, err = decodeJSONMap(newRaw); err != nil {
			return nil, err
		}

		logs = append(logs, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return logs, nil
}
