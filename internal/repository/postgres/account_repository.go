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

type accountRepository struct {
	pool *pgxpool.Pool
}

func NewAccountRepository(pool *pgxpool.Pool) repository.AccountRepository {
	return &accountRepository{pool: pool}
}

var _ repository.AccountRepository = (*accountRepository)(nil)

const accountColumns = `
	id,
	username,
	password_hash,
	role,
	active,
	balance,
	unlimited_balance,
	balance_expires_at,
	deduction_rates,
	last_status,
	telegram_id,
	created_by,
	created_at,
	updated_at
`

const modBalanceColumns = `
	account_id,
	mod_id,
	balance,
	unlimited_balance,
	expires_at,
	deduction_rates,
	created_at,
	updated_at
`

func (r *accountRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	account, err := scanAccount(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (r *accountRepository) FindByUsername(ctx context.Context, username string) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE username = $1`
	account, err := scanAccount(r.pool.QueryRow(ctx, query, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (r *accountRepository) Create(ctx context.Context, account *model.Account) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}

	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = account.CreatedAt
	}
	if account.LastStatus == "" {
		account.LastStatus = account.DeriveStatus(now)
	}

	rates, err := encodeRates(account.DeductionRates)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO accounts (
			id, username, password_hash, role, active,
			balance, unlimited_balance, balance_expires_at, deduction_rates,
			last_status, telegram_id, created_by, created_at, updated_at
		)
		VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14
		)
	`

	_, err = r.pool.Exec(
		ctx,
		query,
		account.ID,
		account.Username,
		account.PasswordHash,
		account.Role,
		account.Active,
		account.Balance,
		account.UnlimitedBalance,
		account.BalanceExpiresAt,
		rates,
		account.LastStatus,
		account.TelegramID,
		account.CreatedBy,
		account.CreatedAt,
		account.UpdatedAt,
	)
	return err
}

func (r *accountRepository) Update(ctx context.Context, account *model.Account) error {
	account.UpdatedAt = time.Now().UTC()

	rates, err := encodeRates(account.DeductionRates)
	if err != nil {
		return err
	}

	query := `
		UPDATE accounts
		SET username = $2,
			password_hash = $3,
			role = $4,
			active = $5,
			balance = $6,
			unlimited_balance = $7,
			balance_expires_at = $8,
			deduction_rates = $9,
			last_status = $10,
			telegram_id = $11,
			updated_at = $12
		WHERE id = $1
	`

	tag, err := r.pool.Exec(
		ctx,
		query,
		account.ID,
		account.Username,
		account.PasswordHash,
		account.Role,
		account.Active,
		account.Balance,
		account.UnlimitedBalance,
		account.BalanceExpiresAt,
		rates,
		account.LastStatus,
		account.TelegramID,
		account.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *accountRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `UPDATE accounts SET active = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, active)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *accountRepository) List(ctx context.Context, filter repository.AccountListFilter) ([]*model.Account, error) {
	limit, offset := normalizePagination(filter.Pagination)

	args := make([]any, 0, 6)
	conditions := buildAccountListConditions(filter, &args)

	var builder strings.Builder
	builder.WriteString("SELECT ")
	builder.WriteString(accountColumns)
	builder.WriteString(" FROM accounts")

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

	accounts := make([]*model.Account, 0, limit)
	for rows.Next() {
		item, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return accounts, nil
}

func (r *accountRepository) Count(ctx context.Context, filter repository.AccountListFilter) (int64, error) {
	args := make([]any, 0, 4)
	conditions := buildAccountListConditions(filter, &args)

	var builder strings.Builder
	builder.WriteString("SELECT COUNT(*) FROM accounts")
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

func (r *accountRepository) ListModBalances(ctx context.Context, accountID uuid.UUID) ([]*model.ModBalance, error) {
	query := `SELECT ` + modBalanceColumns + ` FROM mod_balances WHERE account_id = $1 ORDER BY mod_id ASC`
	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	balances := make([]*model.ModBalance, 0, 8)
	for rows.Next() {
		item, scanErr := scanModBalance(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		balances = append(balances, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return balances, nil
}

func (r *accountRepository) FindModBalance(ctx context.Context, accountID uuid.UUID, modID string) (*model.ModBalance, error) {
	query := `SELECT ` + modBalanceColumns + ` FROM mod_balances WHERE account_id = $1 AND mod_id = $2`
	balance, err := scanModBalance(r.pool.QueryRow(ctx, query, accountID, modID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return balance, nil
}

func buildAccountListConditions(filter repository.AccountListFilter, args *[]any) []string {
	conditions := make([]string, 0, 4)

	if filter.Role != nil {
		*args = append(*args, *filter.Role)
		conditions = append(conditions, fmt.Sprintf("role = $%d", len(*args)))
	}
	if filter.Active != nil {
		*args = append(*args, *filter.Active)
		conditions = append(conditions, fmt.Sprintf("active = $%d", len(*args)))
	}
	if filter.CreatedBy != nil {
		*args = append(*args, *filter.CreatedBy)
		conditions = append(conditions, fmt.Sprintf("created_by = $%d", len(*args)))
	}
	if filter.Keyword != nil {
		keyword := "%" + strings.TrimSpace(*filter.Keyword) + "%"
		*args = append(*args, keyword)
		conditions = append(conditions, fmt.Sprintf("username ILIKE $%d", len(*args)))
	}

	return conditions
}

func scanAccount(src scanTarget) (*model.Account, error) {
	account := &model.Account{}
	var ratesRaw []byte
	err := src.Scan(
		&account.ID,
		&account.Username,
		&account.PasswordHash,
		&account.Role,
		&account.Active,
		&account.Balance,
		&account.UnlimitedBalance,
		&account.BalanceExpiresAt,
		&ratesRaw,
		&account.LastStatus,
		&account.TelegramID,
		&account.CreatedBy,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	account.DeductionRates, err = decodeRates(ratesRaw)
	if err != nil {
		return nil, err
	}

	return account, nil
}

func scanModBalance(src scanTarget) (*model.ModBalance, error) {
	balance := &model.ModBalance{}
	var ratesRaw []byte
	err := src.Scan(
		&balance.AccountID,
		&balance.ModID,
		&balance.Balance,
		&balance.UnlimitedBalance,
		&balance.ExpiresAt,
		&ratesRaw,
		&balance.CreatedAt,
		&balance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	balance.DeductionRates, err = decodeRates(ratesRaw)
	if err != nil {
		return nil, err
	}

	return balance, nil
}
