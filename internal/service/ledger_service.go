package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"panda-hub/internal/event"
	"panda-hub/internal/metrics"
	"panda-hub/internal/model"
	"panda-hub/internal/repository"
	"panda-hub/internal/sse"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountInactive     = errors.New("account inactive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidAccountID    = errors.New("invalid account id")
)

type rowScanner interface {
	Scan(dest ...any) error
}

// balanceState is the locked snapshot of one balance row inside a tx.
// modID == "" addresses the account-level balance, anything else the
// (account, mod) sub-balance.
type balanceState struct {
	AccountID uuid.UUID
	ModID     string
	Balance   int64
	Unlimited bool
	ExpiresAt *time.Time
	Active    bool
	Role      model.AccountRole
}

func (b *balanceState) deriveStatus(now time.Time) model.AccountStatus {
	if b == nil || !b.Active {
		return model.AccountStatusInactive
	}
	if b.Balance == 0 && !b.Unlimited {
		return model.AccountStatusFinished
	}
	if b.ExpiresAt != nil && !b.ExpiresAt.After(now) {
		return model.AccountStatusExpired
	}
	return model.AccountStatusActive
}

type LedgerService struct {
	accountRepo repository.AccountRepository
	auditRepo   repository.AuditRepository
	pool        *pgxpool.Pool
	eventBus    *event.Bus
	sseHub      *sse.SSEHub
	logger      *zap.Logger

	nowFn func() time.Time

	// set during wiring; best-effort, called after the status
	// bookkeeping commit
	notifyStatusFn func(ctx context.Context, accountID uuid.UUID, status model.AccountStatus)
}

func NewLedgerService(
	accountRepo repository.AccountRepository,
	auditRepo repository.AuditRepository,
	pool *pgxpool.Pool,
	eventBus *event.Bus,
	sseHub *sse.SSEHub,
	logger *zap.Logger,
) *LedgerService {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LedgerService{
		accountRepo: accountRepo,
		auditRepo:   auditRepo,
		pool:        pool,
		eventBus:    eventBus,
		sseHub:      sseHub,
		logger:      logger,
		nowFn:       time.Now,
	}
}

func (s *LedgerService) SetStatusNotifier(fn func(ctx context.Context, accountID uuid.UUID, status model.AccountStatus)) {
	s.notifyStatusFn = fn
}

func (s *LedgerService) Credit(ctx context.Context, operatorID, accountID, modID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	return s.mutateBalance(ctx, operatorID, accountID, modID, "ledger.credit", func(state *balanceState) error {
		state.Balance += amount
		return nil
	})
}

func (s *LedgerService) Debit(ctx context.Context, operatorID, accountID, modID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	return s.mutateBalance(ctx, operatorID, accountID, modID, "ledger.debit", func(state *balanceState) error {
		if state.Unlimited {
			return nil
		}
		if state.Balance < amount {
			return ErrInsufficientBalance
		}
		state.Balance -= amount
		return nil
	})
}

func (s *LedgerService) SetUnlimited(ctx context.Context, operatorID, accountID, modID string, unlimited bool) error {
	return s.mutateBalance(ctx, operatorID, accountID, modID, "ledger.set_unlimited", func(state *balanceState) error {
		state.Unlimited = unlimited
		return nil
	})
}

func (s *LedgerService) ExtendExpiry(ctx context.Context, operatorID, accountID, modID string, days int) error {
	if days <= 0 {
		return ErrInvalidAmount
	}

	return s.mutateBalance(ctx, operatorID, accountID, modID, "ledger.extend_expiry", func(state *balanceState) error {
		now := s.nowFn().UTC()
		base := now
		if state.ExpiresAt != nil && state.ExpiresAt.After(now) {
			base = state.ExpiresAt.UTC()
		}
		next := base.Add(time.Duration(days) * 24 * time.Hour)
		state.ExpiresAt = &next
		return nil
	})
}

// mutateBalance runs mutate against the locked row, writes it back and
// commits, then emits the balance event. The row lock is the only
// serialization point: concurrent mutations of the same balance queue
// behind it.
func (s *LedgerService) mutateBalance(
	ctx context.Context,
	operatorID, accountID, modID string,
	action string,
	mutate func(state *balanceState) error,
) error {
	if s.pool == nil {
		return errors.New("database pool is nil")
	}

	uid, err := uuid.Parse(strings.TrimSpace(accountID))
	if err != nil {
		return ErrInvalidAccountID
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	state, err := s.lockBalanceTx(ctx, tx, uid, modID)
	if err != nil {
		return err
	}

	before := *state
	if err := mutate(state); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			metrics.IncBalanceDebitFailure()
		}
		return err
	}
	if action == "ledger.debit" && !state.Unlimited {
		metrics.IncBalanceDebit()
	}

	if err := s.writeBalanceTx(ctx, tx, state); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.writeLedgerAudit(ctx, operatorID, action, &before, state)
	s.publishBalance(state)

	return nil
}

func (s *LedgerService) lockBalanceTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, modID string) (*balanceState, error) {
	state := &balanceState{AccountID: accountID, ModID: strings.TrimSpace(modID)}

	if state.ModID == "" {
		err := tx.QueryRow(
			ctx,
			`SELECT balance, unlimited_balance, balance_expires_at, active, role
			   FROM accounts
			  WHERE id = $1
			  FOR UPDATE`,
			accountID,
		).Scan(&state.Balance, &state.Unlimited, &state.ExpiresAt, &state.Active, &state.Role)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrAccountNotFound
			}
			return nil, err
		}
		return state, nil
	}

	err := tx.QueryRow(
		ctx,
		`SELECT active, role FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&state.Active, &state.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	// sub-balance rows come into being on first touch
	now := s.nowFn().UTC()
	if _, err := tx.Exec(
		ctx,
		`INSERT INTO mod_balances (account_id, mod_id, balance, unlimited_balance, created_at, updated_at)
		 VALUES ($1, $2, 0, FALSE, $3, $3)
		 ON CONFLICT (account_id, mod_id) DO NOTHING`,
		accountID,
		state.ModID,
		now,
	); err != nil {
		return nil, err
	}

	err = tx.QueryRow(
		ctx,
		`SELECT balance, unlimited_balance, expires_at
		   FROM mod_balances
		  WHERE account_id = $1
		    AND mod_id = $2
		  FOR UPDATE`,
		accountID,
		state.ModID,
	).Scan(&state.Balance, &state.Unlimited, &state.ExpiresAt)
	if err != nil {
		return nil, err
	}

	return state, nil
}

func (s *LedgerService) writeBalanceTx(ctx context.Context, tx pgx.Tx, state *balanceState) error {
	if state.ModID == "" {
		_, err := tx.Exec(
			ctx,
			`UPDATE accounts
			    SET balance = $2,
			        unlimited_balance = $3,
			        balance_expires_at = $4,
			        updated_at = NOW()
			  WHERE id = $1`,
			state.AccountID,
			state.Balance,
			state.Unlimited,
			state.ExpiresAt,
		)
		return err
	}

	_, err := tx.Exec(
		ctx,
		`UPDATE mod_balances
		    SET balance = $3,
		        unlimited_balance = $4,
		        expires_at = $5,
		        updated_at = NOW()
		  WHERE account_id = $1
		    AND mod_id = $2`,
		state.AccountID,
		state.ModID,
		state.Balance,
		state.Unlimited,
		state.ExpiresAt,
	)
	return err
}

// debitTx applies a debit inside a caller-owned transaction so the
// charge commits or rolls back together with whatever the caller is
// paying for. Unlimited balances pass through untouched.
func (s *LedgerService) debitTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, modID string, amount int64) (*balanceState, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	state, err := s.lockBalanceTx(ctx, tx, accountID, modID)
	if err != nil {
		return nil, err
	}

	if !state.Unlimited {
		if state.Balance < amount {
			metrics.IncBalanceDebitFailure()
			return nil, ErrInsufficientBalance
		}
		state.Balance -= amount
		metrics.IncBalanceDebit()
	}

	if err := s.writeBalanceTx(ctx, tx, state); err != nil {
		return nil, err
	}

	return state, nil
}

// SweepStatuses walks accounts whose derived status drifted from the
// last one we announced, records the new status and notifies. Balances
// and keys are never mutated here; status is always recomputed from
// the stored fields.
func (s *LedgerService) SweepStatuses(ctx context.Context) (int, error) {
	if s.pool == nil {
		return 0, errors.New("database pool is nil")
	}

	now := s.nowFn().UTC()
	rows, err := s.pool.Query(
		ctx,
		`SELECT id
		   FROM accounts
		  WHERE last_status IS DISTINCT FROM (
		        CASE
		          WHEN NOT active THEN 'inactive'
		          WHEN balance = 0 AND NOT unlimited_balance THEN 'finished'
		          WHEN balance_expires_at IS NOT NULL AND balance_expires_at <= $1 THEN 'expired'
		          ELSE 'active'
		        END)`,
		now,
	)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0, 64)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	transitions := 0
	var firstErr error
	for _, id := range ids {
		changed, err := s.sweepSingleAccount(ctx, id)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("sweep account status failed",
				zap.String("account_id", id.String()),
				zap.Error(err),
			)
			continue
		}
		if changed {
			transitions++
		}
	}

	return transitions, firstErr
}

func (s *LedgerService) sweepSingleAccount(ctx context.Context, accountID uuid.UUID) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var account model.Account
	err = tx.QueryRow(
		ctx,
		`SELECT id, active, balance, unlimited_balance, balance_expires_at, last_status
		   FROM accounts
		  WHERE id = $1
		  FOR UPDATE`,
		accountID,
	).Scan(
		&account.ID,
		&account.Active,
		&account.Balance,
		&account.UnlimitedBalance,
		&account.BalanceExpiresAt,
		&account.LastStatus,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	now := s.nowFn().UTC()
	derived := account.DeriveStatus(now)
	if derived == account.LastStatus {
		return false, nil
	}

	if _, err := tx.Exec(
		ctx,
		`UPDATE accounts SET last_status = $2 WHERE id = $1`,
		accountID,
		string(derived),
	); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	metrics.IncSweepTransition(string(derived))

	if s.eventBus != nil {
		s.eventBus.Publish(event.EventStatusUpdated, event.StatusUpdatedPayload{
			AccountID: accountID.String(),
			Active:    account.Active,
			Status:    string(derived),
		})
	}
	if s.sseHub != nil {
		s.sseHub.SendToAccount(accountID.String(), sse.NewEvent(sse.EventStatusUpdate, map[string]interface{}{
			"account_id": accountID.String(),
			"status":     string(derived),
			"ts":         now.Format(time.RFC3339Nano),
		}))
	}
	if s.notifyStatusFn != nil {
		s.notifyStatusFn(ctx, accountID, derived)
	}

	if s.auditRepo != nil {
		_ = s.auditRepo.Create(ctx, &model.AuditLog{
			AccountID:    &accountID,
			Action:       "account.status.transition",
			ResourceType: strPtr("account"),
			ResourceID:   strPtr(accountID.String()),
			OldValue:     map[string]interface{}{"status": string(account.LastStatus)},
			NewValue:     map[string]interface{}{"status": string(derived)},
			CreatedAt:    now,
		})
	}

	return true, nil
}

func (s *LedgerService) publishBalance(state *balanceState) {
	if state == nil {
		return
	}

	now := s.nowFn().UTC()
	status := state.deriveStatus(now)
	payload := event.BalanceUpdatedPayload{
		AccountID:        state.AccountID.String(),
		ModID:            state.ModID,
		Balance:          state.Balance,
		UnlimitedBalance: state.Unlimited,
		BalanceExpiresAt: cloneTimePtr(state.ExpiresAt),
		Status:           string(status),
	}

	if s.eventBus != nil {
		s.eventBus.Publish(event.EventBalanceUpdated, payload)
	}
	if s.sseHub != nil {
		s.sseHub.SendToAccount(state.AccountID.String(), sse.NewEvent(sse.EventBalanceUpdate, payload))
	}
}

func (s *LedgerService) writeLedgerAudit(ctx context.Context, operatorID, action string, before, after *balanceState) {
	if s.auditRepo == nil || before == nil || after == nil {
		return
	}

	var actorID *uuid.UUID
	if parsed, err := uuid.Parse(strings.TrimSpace(operatorID)); err == nil {
		actorID = &parsed
	}

	_ = s.auditRepo.Create(ctx, &model.AuditLog{
		AccountID:    actorID,
		Action:       action,
		ResourceType: strPtr("balance"),
		ResourceID:   strPtr(after.AccountID.String()),
		OldValue: map[string]interface{}{
			"mod_id":     before.ModID,
			"balance":    before.Balance,
			"unlimited":  before.Unlimited,
			"expires_at": formatTimePtr(before.ExpiresAt),
		},
		NewValue: map[string]interface{}{
			"mod_id":     after.ModID,
			"balance":    after.Balance,
			"unlimited":  after.Unlimited,
			"expires_at": formatTimePtr(after.ExpiresAt),
		},
		CreatedAt: s.nowFn().UTC(),
	})
}

func cloneTimePtr(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	cloned := v.UTC()
	return &cloned
}

func formatTimePtr(v *time.Time) interface{} {
	if v == nil {
		return nil
	}
	return v.UTC().Format(time.RFC3339)
}
