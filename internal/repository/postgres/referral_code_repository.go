package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"panda-hub/internal/model"
	"panda-hub/internal/repository"
)

type referralCodeRepository struct {
	pool *pgxpool.Pool
}

func NewReferralCodeRepository(pool *pgxpool.Pool) repository.ReferralCodeRepository {
	return &referralCodeRepository{pool: pool}
}

var _ repository.ReferralCodeRepository = (*referralCodeRepository)(nil)

const referralCodeColumns = `
	id,
	code,
	balance,
	unlimited_balance,
	duration_label,
	duration_days,
	deduction_rates,
	mod_id,
	note,
	used_count,
	used_by,
	used_at,
	created_by,
	created_at
`

func (r *referralCodeRepository) FindByCode(ctx context.Context, code string) (*model.ReferralCode, error) {
	query := `SELECT ` + referralCodeColumns + ` FROM referral_codes WHERE code = $1`
	item, err := scanReferralCode(r.pool.QueryRow(ctx, query, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (r *referralCodeRepository) Create(ctx context.Context, code *model.ReferralCode) error {
	if code.ID == uuid.Nil {
		code.ID = uuid.New()
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}

	rates, err := encodeRates(code.DeductionRates)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO referral_codes (
			id, code, balance, unlimited_balance, duration_label,
			duration_days, deduction_rates, mod_id, note, used_count,
			used_by, used_at, created_by, created_at
		)
		VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14
		)
	`

	_, err = r.pool.Exec(
		ctx,
		query,
		code.ID,
		code.Code,
		code.Balance,
		code.UnlimitedBalance,
		code.DurationLabel,
		code.DurationDays,
		rates,
		code.ModID,
		code.Note,
		code.UsedCount,
		code.UsedBy,
		code.UsedAt,
		code.CreatedBy,
		code.CreatedAt,
	)
	return err
}

func (r *referralCodeRepository) BatchCreate(ctx context.Context, codes []*model.ReferralCode) error {
	if len(codes) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `
		INSERT INTO referral_codes (
			id, code, balance, unlimited_balance, duration_label,
			duration_days, deduction_rates, mod_id, note, used_count,
			used_by, used_at, created_by, created_at
		)
		VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14
		)
	`

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, code := range codes {
		if code.ID == uuid.Nil {
			code.ID = uuid.New()
		}
		if code.CreatedAt.IsZero() {
			code.CreatedAt = now
		}

		rates, encodeErr := encodeRates(code.DeductionRates)
		if encodeErr != nil {
			return encodeErr
		}

		batch.Queue(
			query,
			code.ID,
			code.Code,
			code.Balance,
			code.UnlimitedBalance,
			code.DurationLabel,
			code.DurationDays,
			rates,
			code.ModID,
			code.Note,
			code.UsedCount,
			code.UsedBy,
			code.UsedAt,
			code.CreatedBy,
			code.CreatedAt,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for range codes {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	if err := results.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *referralCodeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM referral_codes WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func scanReferralCode(src scanTarget) (*model.ReferralCode, error) {
	item := &model.ReferralCode{}
	var ratesRaw []byte
	err := src.Scan(
		&item.ID,
		&item.Code,
		&item.Balance,
		&item.UnlimitedBalance,
		&item.DurationLabel,
		&item.DurationDays,
		&ratesRaw,
		&item.ModID,
		&item.Note,
		&item.UsedCount,
		&item.UsedBy,
		&item.UsedAt,
		&item.CreatedBy,
		&item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.DeductionRates, err = decodeRates(ratesRaw)
	if err != nil {
		return nil, err
	}

	return item, nil
}
