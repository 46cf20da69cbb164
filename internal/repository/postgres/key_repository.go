package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"panda-hub/internal/model"
	"panda-hub/internal/repository"
)

type keyRepository struct {
	pool *pgxpool.Pool
}

func NewKeyRepository(pool *pgxpool.Pool) repository.KeyRepository {
	return &keyRepository{pool: pool}
}

var _ repository.KeyRepository = (*keyRepository)(nil)

const keyColumns = `
	id,
	key,
	created_by,
	mod_id,
	is_active,
	expires_at,
	max_usage,
	usage_count,
	max_devices,
	created_at,
	last_used_at
`

func (r *keyRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.LicenseKey, error) {
	query := `SELECT ` + keyColumns + ` FROM license_keys WHERE id = $1`
	item, err := scanLicenseKey(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (r *keyRepository) FindByKey(ctx context.Context, key string) (*model.LicenseKey, error) {
	query := `SELECT ` + keyColumns + ` FROM license_keys WHERE key = $1`
	item, err := scanLicenseKey(r.pool.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (r *keyRepository) Create(ctx context.Context, key *model.LicenseKey) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO license_keys (
			id, key, created_by, mod_id, is_active,
			expires_at, max_usage, usage_count, max_devices,
			created_at, last_used_at
		)
		VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11
		)
	`

	_, err := r.pool.Exec(
		ctx,
		query,
		key.ID,
		key.Key,
		key.CreatedBy,
		key.ModID,
		key.IsActive,
		key.ExpiresAt,
		key.MaxUsage,
		key.UsageCount,
		key.MaxDevices,
		key.CreatedAt,
		key.LastUsedAt,
	)
	return err
}

func (r *keyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM license_keys WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *keyRepository) List(ctx context.Context, filter repository.KeyListFilter) ([]*model.LicenseKey, error) {
	limit, offset := normalizePagination(filter.Pagination)

	args := make([]any, 0, 6)
	conditions := buildKeyListConditions(filter, &args)

	var builder strings.Builder
	builder.WriteString("SELECT ")
	builder.WriteString(keyColumns)
	builder.WriteString(" FROM license_keys")

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

	keys := make([]*model.LicenseKey, 0, limit)
	for rows.Next() {
		item, err := scanLicenseKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}

func (r *keyRepository) Count(ctx context.Context, filter repository.KeyListFilter) (int64, error) {
	args := make([]any, 0, 4)
	conditions := buildKeyListConditions(filter, &args)

	var builder strings.Builder
	builder.WriteString("SELECT COUNT(*) FROM license_keys")
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	var total int64
	if err := r.pool.QueryRow(ctx, builder.String(), args...).Scan(&total); err != nil {
		return 0, err
	}

	return total, nil
}

func buildKeyListConditions(filter repository.KeyListFilter, args *[]any) []string {
	conditions := make([]string, 0, 4)

	if filter.CreatedBy != nil {
		*args = append(*args, *filter.CreatedBy)
		conditions = append(conditions, fmt.Sprintf("created_by = $%d", len(*args)))
	}
	if filter.ModID != nil {
		*args = append(*args, *filter.ModID)
		conditions = append(conditions, fmt.Sprintf("mod_id = $%d", len(*args)))
	}
	if filter.IsActive != nil {
		*args = append(*args, *filter.IsActive)
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", len(*args)))
	}
	if filter.Keyword != nil {
		keyword := "%" + strings.TrimSpace(*filter.Keyword) + "%"
		*args = append(*args, keyword)
		conditions = append(conditions, fmt.Sprintf("key ILIKE $%d", len(*args)))
	}

	return conditions
}

func scanLicenseKey(src scanTarget) (*model.LicenseKey, error) {
	item := &model.LicenseKey{}
	err := src.Scan(
		&item.ID,
		&item.Key,
		&item.CreatedBy,
		&item.ModID,
		&item.IsActive,
		&item.ExpiresAt,
		&item.MaxUsage,
		&item.UsageCount,
		&item.MaxDevices,
		&item.CreatedAt,
		&item.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	return item, nil
}
