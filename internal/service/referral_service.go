package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"panda-hub/internal/event"
	"panda-hub/internal/metrics"
	"panda-hub/internal/model"
	"panda-hub/internal/repository"
	"panda-hub/internal/sse"
)

const (
	codeListDefaultPage = 1
	codeListDefaultSize = 20
	codeListMaxPageSize = 200
	maxBatchCodes       = 5000
)

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

var (
	ErrCodeNotFound     = errors.New("referral code not found")
	ErrCodeAlreadyUsed  = errors.New("referral code already used")
	ErrInvalidCodeInput = errors.New("invalid referral code input")
	ErrUsernameTaken    = errors.New("username already taken")
)

type GenerateCodesRequest struct {
	Count            int                      `json:"count"`
	Balance          int64                    `json:"balance"`
	UnlimitedBalance bool                     `json:"unlimited_balance"`
	DurationLabel    string                   `json:"duration_label"`
	DurationDays     int                      `json:"duration_days"`
	DeductionRates   model.DeductionRateTable `json:"deduction_rates"`
	ModID            *string                  `json:"mod_id"`
	Note             *string                  `json:"note"`
	CustomCodes      []string                 `json:"custom_codes"`
}

type CodeListFilter struct {
	Used      *bool
	ModID     *string
	CreatedBy *uuid.UUID
	Keyword   *string
}

type ReferralService struct {
	codeRepo    repository.ReferralCodeRepository
	accountRepo repository.AccountRepository
	auditRepo   repository.AuditRepository
	pool        *pgxpool.Pool
	eventBus    *event.Bus
	sseHub      *sse.SSEHub
	logger      *zap.Logger

	nowFn func() time.Time
}

func NewReferralService(
	codeRepo repository.ReferralCodeRepository,
	accountRepo repository.AccountRepository,
	auditRepo repository.AuditRepository,
	pool *pgxpool.Pool,
	eventBus *event.Bus,
	sseHub *sse.SSEHub,
	logger *zap.Logger,
) *ReferralService {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReferralService{
		codeRepo:    codeRepo,
		accountRepo: accountRepo,
		auditRepo:   auditRepo,
		pool:        pool,
		eventBus:    eventBus,
		sseHub:      sseHub,
		logger:      logger,
		nowFn:       time.Now,
	}
}

// NormalizeCode is the canonical form a code is stored and looked up
// in: surrounding whitespace stripped, letters uppercased.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func (s *ReferralService) BatchGenerate(
	ctx context.Context,
	operatorID string,
	req GenerateCodesRequest,
) ([]*model.ReferralCode, error) {
	if s.codeRepo == nil {
		return nil, errors.New("referral code repository is nil")
	}

	operatorUUID, err := uuid.Parse(strings.TrimSpace(operatorID))
	if err != nil {
		return nil, ErrInvalidAccountID
	}

	if req.Count <= 0 || req.Count > maxBatchCodes {
		return nil, ErrInvalidCodeInput
	}
	if req.Balance < 0 || req.DurationDays < 0 {
		return nil, ErrInvalidCodeInput
	}
	if !req.DeductionRates.Valid() {
		return nil, ErrInvalidCodeInput
	}
	if !req.UnlimitedBalance && req.Balance == 0 {
		return nil, ErrInvalidCodeInput
	}

	codes, err := buildCodeBatch(req)
	if err != nil {
		return nil, err
	}

	balance := req.Balance
	if req.UnlimitedBalance {
		balance = 0
	}

	now := s.nowFn().UTC()
	items := make([]*model.ReferralCode, 0, len(codes))
	for _, code := range codes {
		items = append(items, &model.ReferralCode{
			ID:               uuid.New(),
			Code:             code,
			Balance:          balance,
			UnlimitedBalance: req.UnlimitedBalance,
			DurationLabel:    strings.TrimSpace(req.DurationLabel),
			DurationDays:     req.DurationDays,
			DeductionRates:   req.DeductionRates.Clone(),
			ModID:            normalizeStringPointer(req.ModID),
			Note:             normalizeStringPointer(req.Note),
			CreatedBy:        operatorUUID,
			CreatedAt:        now,
		})
	}

	if err := s.codeRepo.BatchCreate(ctx, items); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrInvalidCodeInput
		}
		return nil, err
	}

	if s.auditRepo != nil {
		_ = s.auditRepo.Create(ctx, &model.AuditLog{
			AccountID:    &operatorUUID,
			Action:       "referral.generate",
			ResourceType: strPtr("referral_code"),
			NewValue: map[string]interface{}{
				"count":         len(items),
				"balance":       balance,
				"unlimited":     req.UnlimitedBalance,
				"duration_days": req.DurationDays,
			},
			CreatedAt: now,
		})
	}

	return items, nil
}

// ValidateCode is the read path: it reports the grant an unused code
// would bestow without touching the row.
func (s *ReferralService) ValidateCode(ctx context.Context, rawCode string) (*model.ReferralCode, error) {
	normalized := NormalizeCode(rawCode)
	if normalized == "" {
		return nil, ErrInvalidCodeInput
	}

	code, err := s.codeRepo.FindByCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, err
	}

	if code.UsedCount > 0 {
		return nil, ErrCodeAlreadyUsed
	}

	return code, nil
}

// Redeem consumes a code and mints the reseller account it seeds. The
// row lock on the code makes exactly one of any concurrent redeems
// win; the rest see used_count already moved.
func (s *ReferralService) Redeem(ctx context.Context, rawCode, username, password string) (*model.Account, error) {
	if s.pool == nil {
		return nil, errors.New("database pool is nil")
	}

	normalized := NormalizeCode(rawCode)
	name := strings.TrimSpace(username)
	if normalized == "" || name == "" || password == "" {
		return nil, ErrInvalidCodeInput
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	code, err := s.consumeCodeTx(ctx, tx, normalized, nil)
	if err != nil {
		return nil, err
	}

	now := s.nowFn().UTC()
	grant := code.Grant()

	account := &model.Account{
		ID:           uuid.New(),
		Username:     name,
		PasswordHash: string(hashed),
		Role:         model.AccountRoleReseller,
		Active:       true,
		CreatedBy:    &code.CreatedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var merged grantOutcome
	if grant.ModID == nil {
		applyGrantToAccount(account, grant, now)
		merged = grantOutcome{
			Balance:   account.Balance,
			Unlimited: account.UnlimitedBalance,
			ExpiresAt: account.BalanceExpiresAt,
		}
	}
	account.LastStatus = account.DeriveStatus(now)

	if err := s.insertAccountTx(ctx, tx, account); err != nil {
		return nil, err
	}

	if grant.ModID != nil {
		outcome, grantErr := s.upsertModGrantTx(ctx, tx, account.ID, grant, now)
		if grantErr != nil {
			return nil, grantErr
		}
		merged = outcome
	}

	if _, err := tx.Exec(
		ctx,
		`UPDATE referral_codes
		    SET used_count = 1,
		        used_by = $2,
		        used_at = $3
		  WHERE id = $1`,
		code.ID,
		account.ID,
		now,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.IncCodesRedeemed()
	s.writeRedeemAudit(ctx, account.ID, code)
	s.publishRedeemed(account.ID, account.Active, code, merged, now)

	if grant.ModID != nil {
		mods, listErr := s.accountRepo.ListModBalances(ctx, account.ID)
		if listErr == nil {
			account.ModBalances = mods
		}
	}

	return account, nil
}

// RedeemIntoAccount applies a code's grant to an existing account:
// balance added, unlimited/duration/rates taken from the grant.
func (s *ReferralService) RedeemIntoAccount(ctx context.Context, accountID, rawCode string) error {
	if s.pool == nil {
		return errors.New("database pool is nil")
	}

	uid, err := uuid.Parse(strings.TrimSpace(accountID))
	if err != nil {
		return ErrInvalidAccountID
	}

	normalized := NormalizeCode(rawCode)
	if normalized == "" {
		return ErrInvalidCodeInput
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var active bool
	if err := tx.QueryRow(ctx, `SELECT active FROM accounts WHERE id = $1`, uid).Scan(&active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		return err
	}

	code, err := s.consumeCodeTx(ctx, tx, normalized, &uid)
	if err != nil {
		return err
	}

	now := s.nowFn().UTC()
	grant := code.Grant()

	var merged grantOutcome
	if grant.ModID == nil {
		merged, err = s.applyGrantToAccountTx(ctx, tx, uid, grant, now)
	} else {
		merged, err = s.upsertModGrantTx(ctx, tx, uid, grant, now)
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(
		ctx,
		`UPDATE referral_codes
		    SET used_count = 1,
		        used_by = $2,
		        used_at = $3
		  WHERE id = $1`,
		code.ID,
		uid,
		now,
	); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	metrics.IncCodesRedeemed()
	s.writeRedeemAudit(ctx, uid, code)
	s.publishRedeemed(uid, active, code, merged, now)

	return nil
}

func (s *ReferralService) DeleteCodes(ctx context.Context, operatorID string, ids []string) error {
	if s.pool == nil {
		return errors.New("database pool is nil")
	}

	uids, err := parseUUIDList(ids)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return ErrInvalidCodeInput
	}

	// used codes may be deleted too; redemption history lives in the
	// audit trail
	if _, err := s.pool.Exec(ctx, `DELETE FROM referral_codes WHERE id = ANY($1)`, uids); err != nil {
		return err
	}

	if s.auditRepo != nil {
		var actorID *uuid.UUID
		if parsed, parseErr := uuid.Parse(strings.TrimSpace(operatorID)); parseErr == nil {
			actorID = &parsed
		}
		deleted := make([]string, 0, len(uids))
		for _, id := range uids {
			deleted = append(deleted, id.String())
		}
		_ = s.auditRepo.Create(ctx, &model.AuditLog{
			AccountID:    actorID,
			Action:       "referral.delete",
			ResourceType: strPtr("referral_code"),
			OldValue:     map[string]interface{}{"ids": deleted},
			CreatedAt:    s.nowFn().UTC(),
		})
	}

	return nil
}

func (s *ReferralService) List(
	ctx context.Context,
	page, pageSize int,
	filter CodeListFilter,
) ([]*model.ReferralCode, int64, error) {
	if s.pool == nil {
		return nil, 0, errors.New("database pool is nil")
	}

	page, pageSize = normalizeCodeListPage(page, pageSize)
	args := make([]any, 0, 8)
	conditions := make([]string, 0, 4)

	if filter.Used != nil {
		if *filter.Used {
			conditions = append(conditions, "used_count > 0")
		} else {
			conditions = append(conditions, "used_count = 0")
		}
	}
	if filter.ModID != nil {
		args = append(args, strings.TrimSpace(*filter.ModID))
		conditions = append(conditions, fmt.Sprintf("mod_id = $%d", len(args)))
	}
	if filter.CreatedBy != nil {
		args = append(args, *filter.CreatedBy)
		conditions = append(conditions, fmt.Sprintf("created_by = $%d", len(args)))
	}
	if filter.Keyword != nil {
		keyword := "%" + strings.TrimSpace(*filter.Keyword) + "%"
		args = append(args, keyword)
		conditions = append(conditions, fmt.Sprintf("code ILIKE $%d", len(args)))
	}

	query := `SELECT ` + referralCodeColumns + ` FROM referral_codes`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, pageSize, (page-1)*pageSize)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]*model.ReferralCode, 0, pageSize)
	for rows.Next() {
		item, scanErr := scanReferralCodeRow(rows)
		if scanErr != nil {
			return nil, 0, scanErr
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	countArgs := args[:len(args)-2]
	countQuery := `SELECT COUNT(*) FROM referral_codes`
	if len(conditions) > 0 {
		countQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64
	if err := s.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return items, total, nil
}

// consumeCodeTx locks the code row and verifies it is still unused.
// The caller performs the actual used_count write after applying the
// grant, inside the same tx.
func (s *ReferralService) consumeCodeTx(ctx context.Context, tx pgx.Tx, code string, _ *uuid.UUID) (*model.ReferralCode, error) {
	item, err := scanReferralCodeRow(tx.QueryRow(
		ctx,
		`SELECT `+referralCodeColumns+` FROM referral_codes WHERE code = $1 FOR UPDATE`,
		code,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, err
	}

	if item.UsedCount > 0 {
		return nil, ErrCodeAlreadyUsed
	}

	return item, nil
}

func (s *ReferralService) insertAccountTx(ctx context.Context, tx pgx.Tx, account *model.Account) error {
	ratesRaw, err := marshalRates(account.DeductionRates)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		ctx,
		`INSERT INTO accounts (
			id, username, password_hash, role, active,
			balance, unlimited_balance, balance_expires_at, deduction_rates,
			last_status, telegram_id, created_by, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		account.ID,
		account.Username,
		account.PasswordHash,
		string(account.Role),
		account.Active,
		account.Balance,
		account.UnlimitedBalance,
		account.BalanceExpiresAt,
		ratesRaw,
		string(account.LastStatus),
		account.TelegramID,
		account.CreatedBy,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrUsernameTaken
		}
		return err
	}

	return nil
}

// grantOutcome is the balance state a redemption actually wrote,
// captured inside the tx so post-commit events report the merged
// result rather than the raw grant amounts.
type grantOutcome struct {
	Balance   int64
	Unlimited bool
	ExpiresAt *time.Time
}

func (s *ReferralService) applyGrantToAccountTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, grant model.Grant, now time.Time) (grantOutcome, error) {
	var balance int64
	var unlimited bool
	var expiresAt *time.Time
	err := tx.QueryRow(
		ctx,
		`SELECT balance, unlimited_balance, balance_expires_at
		   FROM accounts
		  WHERE id = $1
		  FOR UPDATE`,
		accountID,
	).Scan(&balance, &unlimited, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return grantOutcome{}, ErrAccountNotFound
		}
		return grantOutcome{}, err
	}

	balance, unlimited, expiresAt = mergeGrant(balance, unlimited, expiresAt, grant, now)
	outcome := grantOutcome{Balance: balance, Unlimited: unlimited, ExpiresAt: expiresAt}

	if len(grant.DeductionRates) > 0 {
		ratesRaw, marshalErr := marshalRates(grant.DeductionRates)
		if marshalErr != nil {
			return grantOutcome{}, marshalErr
		}
		_, err = tx.Exec(
			ctx,
			`UPDATE accounts
			    SET balance = $2,
			        unlimited_balance = $3,
			        balance_expires_at = $4,
			        deduction_rates = $5,
			        updated_at = NOW()
			  WHERE id = $1`,
			accountID, balance, unlimited, expiresAt, ratesRaw,
		)
		return outcome, err
	}

	_, err = tx.Exec(
		ctx,
		`UPDATE accounts
		    SET balance = $2,
		        unlimited_balance = $3,
		        balance_expires_at = $4,
		        updated_at = NOW()
		  WHERE id = $1`,
		accountID, balance, unlimited, expiresAt,
	)
	return outcome, err
}

func (s *ReferralService) upsertModGrantTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, grant model.Grant, now time.Time) (grantOutcome, error) {
	if grant.ModID == nil {
		return grantOutcome{}, ErrInvalidCodeInput
	}
	modID := strings.TrimSpace(*grant.ModID)
	if modID == "" {
		return grantOutcome{}, ErrInvalidCodeInput
	}

	if _, err := tx.Exec(
		ctx,
		`INSERT INTO mod_balances (account_id, mod_id, balance, unlimited_balance, created_at, updated_at)
		 VALUES ($1, $2, 0, FALSE, $3, $3)
		 ON CONFLICT (account_id, mod_id) DO NOTHING`,
		accountID,
		modID,
		now,
	); err != nil {
		return grantOutcome{}, err
	}

	var balance int64
	var unlimited bool
	var expiresAt *time.Time
	err := tx.QueryRow(
		ctx,
		`SELECT balance, unlimited_balance, expires_at
		   FROM mod_balances
		  WHERE account_id = $1
		    AND mod_id = $2
		  FOR UPDATE`,
		accountID,
		modID,
	).Scan(&balance, &unlimited, &expiresAt)
	if err != nil {
		return grantOutcome{}, err
	}

	balance, unlimited, expiresAt = mergeGrant(balance, unlimited, expiresAt, grant, now)
	outcome := grantOutcome{Balance: balance, Unlimited: unlimited, ExpiresAt: expiresAt}

	ratesRaw, err := marshalRates(grant.DeductionRates)
	if err != nil {
		return grantOutcome{}, err
	}

	if len(grant.DeductionRates) > 0 {
		_, err = tx.Exec(
			ctx,
			`UPDATE mod_balances
			    SET balance = $3,
			        unlimited_balance = $4,
			        expires_at = $5,
			        deduction_rates = $6,
			        updated_at = NOW()
			  WHERE account_id = $1
			    AND mod_id = $2`,
			accountID, modID, balance, unlimited, expiresAt, ratesRaw,
		)
		return outcome, err
	}

	_, err = tx.Exec(
		ctx,
		`UPDATE mod_balances
		    SET balance = $3,
		        unlimited_balance = $4,
		        expires_at = $5,
		        updated_at = NOW()
		  WHERE account_id = $1
		    AND mod_id = $2`,
		accountID, modID, balance, unlimited, expiresAt,
	)
	return outcome, err
}

// mergeGrant folds a code's grant into an existing balance triple.
// Balance adds, unlimited wins over any numeric balance, and a grant
// that carries a duration replaces the expiry with now + duration
// regardless of what was running before.
func mergeGrant(balance int64, unlimited bool, expiresAt *time.Time, grant model.Grant, now time.Time) (int64, bool, *time.Time) {
	if grant.UnlimitedBalance {
		unlimited = true
		balance = 0
	} else if !unlimited {
		balance += grant.Balance
	}

	if grant.DurationDays > 0 {
		next := now.Add(time.Duration(grant.DurationDays) * 24 * time.Hour)
		expiresAt = &next
	}

	return balance, unlimited, expiresAt
}

func applyGrantToAccount(account *model.Account, grant model.Grant, now time.Time) {
	if grant.UnlimitedBalance {
		account.UnlimitedBalance = true
		account.Balance = 0
	} else {
		account.Balance = grant.Balance
	}

	if grant.DurationDays > 0 {
		expires := now.Add(time.Duration(grant.DurationDays) * 24 * time.Hour)
		account.BalanceExpiresAt = &expires
	}

	account.DeductionRates = grant.DeductionRates.Clone()
}

func (s *ReferralService) writeRedeemAudit(ctx context.Context, accountID uuid.UUID, code *model.ReferralCode) {
	if s.auditRepo == nil || code == nil {
		return
	}

	resourceID := code.ID.String()
	_ = s.auditRepo.Create(ctx, &model.AuditLog{
		AccountID:    &accountID,
		Action:       "referral.redeem",
		ResourceType: strPtr("referral_code"),
		ResourceID:   &resourceID,
		NewValue: map[string]interface{}{
			"code":          code.Code,
			"balance":       code.Balance,
			"unlimited":     code.UnlimitedBalance,
			"duration_days": code.DurationDays,
			"mod_id":        code.ModID,
		},
		CreatedAt: s.nowFn().UTC(),
	})
}

func (s *ReferralService) publishRedeemed(accountID uuid.UUID, active bool, code *model.ReferralCode, merged grantOutcome, now time.Time) {
	status := model.AccountStatusActive
	switch {
	case !active:
		status = model.AccountStatusInactive
	case merged.Balance == 0 && !merged.Unlimited:
		status = model.AccountStatusFinished
	case merged.ExpiresAt != nil && !merged.ExpiresAt.After(now):
		status = model.AccountStatusExpired
	}

	if s.eventBus != nil {
		s.eventBus.Publish(event.EventBalanceUpdated, event.BalanceUpdatedPayload{
			AccountID:        accountID.String(),
			ModID:            derefString(code.ModID),
			Balance:          merged.Balance,
			UnlimitedBalance: merged.Unlimited,
			BalanceExpiresAt: merged.ExpiresAt,
			Status:           string(status),
		})
		s.eventBus.Publish(event.EventCodeRedeemed, event.CodeRedeemedPayload{
			AccountID:    accountID.String(),
			Code:         code.Code,
			Balance:      code.Balance,
			Unlimited:    code.UnlimitedBalance,
			DurationDays: code.DurationDays,
		})
	}
	if s.sseHub != nil {
		s.sseHub.SendToAccount(accountID.String(), sse.NewEvent(sse.EventCodeRedeemed, map[string]interface{}{
			"account_id":    accountID.String(),
			"code":          code.Code,
			"balance":       code.Balance,
			"unlimited":     code.UnlimitedBalance,
			"duration_days": code.DurationDays,
			"ts":            now.Format(time.RFC3339Nano),
		}))
	}
}

func buildCodeBatch(req GenerateCodesRequest) ([]string, error) {
	normalized := make([]string, 0, len(req.CustomCodes))
	for _, raw := range req.CustomCodes {
		code := NormalizeCode(raw)
		if code == "" {
			continue
		}
		normalized = append(normalized, code)
	}

	codes := make([]string, 0, req.Count)
	switch {
	case len(normalized) == 0:
		for i := 0; i < req.Count; i++ {
			codes = append(codes, randomCodeToken())
		}
	case len(normalized) == 1 && req.Count > 1:
		prefix := normalized[0]
		if len(prefix) > 48 {
			return nil, ErrInvalidCodeInput
		}
		for i := 0; i < req.Count; i++ {
			codes = append(codes, prefix+"-"+randomCodeSuffix())
		}
	case len(normalized) == req.Count:
		codes = append(codes, normalized...)
	default:
		return nil, ErrInvalidCodeInput
	}

	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		if len(code) > 64 {
			return nil, ErrInvalidCodeInput
		}
		if _, ok := seen[code]; ok {
			return nil, ErrInvalidCodeInput
		}
		seen[code] = struct{}{}
	}

	return codes, nil
}

func randomCodeToken() string {
	return "REF-" + randomCodeSuffix()
}

func randomCodeSuffix() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func normalizeCodeListPage(page, pageSize int) (int, int) {
	if page <= 0 {
		page = codeListDefaultPage
	}
	if pageSize <= 0 {
		pageSize = codeListDefaultSize
	}
	if pageSize > codeListMaxPageSize {
		pageSize = codeListMaxPageSize
	}
	return page, pageSize
}

func scanReferralCodeRow(src rowScanner) (*model.ReferralCode, error) {
	item := &model.ReferralCode{}
	var ratesRaw []byte
	if err := src.Scan(
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
	); err != nil {
		return nil, err
	}

	rates, err := unmarshalRates(ratesRaw)
	if err != nil {
		return nil, err
	}
	item.DeductionRates = rates

	return item, nil
}

func parseUUIDList(ids []string) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	seen := make(map[uuid.UUID]struct{}, len(ids))
	result := make([]uuid.UUID, 0, len(ids))
	for _, raw := range ids {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		id, err := uuid.Parse(trimmed)
		if err != nil {
			return nil, ErrInvalidCodeInput
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}

	return result, nil
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
