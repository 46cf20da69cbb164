package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
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

const keyTokenPrefix = "PND-"

var (
	ErrKeyNotFound        = errors.New("license key not found")
	ErrKeyExpired         = errors.New("license key expired")
	ErrKeyInactive        = errors.New("license key inactive")
	ErrUsageExceeded      = errors.New("license key usage exceeded")
	ErrInvalidTier        = errors.New("invalid duration tier")
	ErrInvalidDeviceCount = errors.New("invalid device count")
	ErrPermissionDenied   = errors.New("permission denied")
)

type IssueKeyRequest struct {
	AccountID    string  `json:"account_id"`
	ModID        *string `json:"mod_id"`
	DurationDays int     `json:"duration_days"`
	DeviceCount  int     `json:"device_count"`
	MaxUsage     int64   `json:"max_usage"`
}

type KeyService struct {
	keyRepo     repository.KeyRepository
	accountRepo repository.AccountRepository
	auditRepo   repository.AuditRepository
	pool        *pgxpool.Pool
	ledger      *LedgerService
	systemSvc   *SystemService
	eventBus    *event.Bus
	sseHub      *sse.SSEHub
	logger      *zap.Logger

	nowFn func() time.Time

	// test hook; defaults to the repo + system-config chain
	lookupRatesFn func(ctx context.Context, accountID uuid.UUID, modID *string) (model.DeductionRateTable, error)
}

func NewKeyService(
	keyRepo repository.KeyRepository,
	accountRepo repository.AccountRepository,
	auditRepo repository.AuditRepository,
	pool *pgxpool.Pool,
	ledger *LedgerService,
	systemSvc *SystemService,
	eventBus *event.Bus,
	sseHub *sse.SSEHub,
	logger *zap.Logger,
) *KeyService {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &KeyService{
		keyRepo:     keyRepo,
		accountRepo: accountRepo,
		auditRepo:   auditRepo,
		pool:        pool,
		ledger:      ledger,
		systemSvc:   systemSvc,
		eventBus:    eventBus,
		sseHub:      sseHub,
		logger:      logger,
		nowFn:       time.Now,
	}
	s.lookupRatesFn = s.lookupRates
	return s
}

// ComputeCost prices a key: base rate for the exact tier times the
// device count. Non-tier durations are never interpolated.
func (s *KeyService) ComputeCost(ctx context.Context, accountID string, modID *string, durationDays, deviceCount int) (int64, error) {
	if !model.IsDurationTier(durationDays) {
		return 0, ErrInvalidTier
	}
	if deviceCount < 1 {
		return 0, ErrInvalidDeviceCount
	}

	uid, err := uuid.Parse(strings.TrimSpace(accountID))
	if err != nil {
		return 0, ErrInvalidAccountID
	}

	rates, err := s.lookupRatesFn(ctx, uid, modID)
	if err != nil {
		return 0, err
	}

	base, ok := rates.RateFor(durationDays)
	if !ok {
		return 0, ErrInvalidTier
	}

	return base * int64(deviceCount), nil
}

// lookupRates resolves the effective rate table: mod-level override,
// then account-level, then the system default.
func (s *KeyService) lookupRates(ctx context.Context, accountID uuid.UUID, modID *string) (model.DeductionRateTable, error) {
	if modID != nil && strings.TrimSpace(*modID) != "" {
		mod, err := s.accountRepo.FindModBalance(ctx, accountID, strings.TrimSpace(*modID))
		if err == nil && len(mod.DeductionRates) > 0 {
			return mod.DeductionRates, nil
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	account, err := s.accountRepo.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if len(account.DeductionRates) > 0 {
		return account.DeductionRates, nil
	}

	if s.systemSvc != nil {
		cfg, cfgErr := s.systemSvc.GetConfig(ctx)
		if cfgErr == nil && len(cfg.DefaultDeductionRates) > 0 {
			return cfg.DefaultDeductionRates, nil
		}
	}

	return model.DefaultDeductionRateTable(), nil
}

// IssueKey charges the issuer and inserts the key in one transaction:
// no key without its debit, no debit without its key. Owner accounts
// are never charged.
func (s *KeyService) IssueKey(ctx context.Context, req IssueKeyRequest) (*model.LicenseKey, int64, error) {
	if s.pool == nil {
		return nil, 0, errors.New("database pool is nil")
	}

	uid, err := uuid.Parse(strings.TrimSpace(req.AccountID))
	if err != nil {
		return nil, 0, ErrInvalidAccountID
	}
	if req.MaxUsage < 0 {
		return nil, 0, ErrInvalidAmount
	}

	cost, err := s.ComputeCost(ctx, req.AccountID, req.ModID, req.DurationDays, req.DeviceCount)
	if err != nil {
		return nil, 0, err
	}

	now := s.nowFn().UTC()
	token, err := generateKeyToken()
	if err != nil {
		return nil, 0, err
	}

	key := &model.LicenseKey{
		ID:         uuid.New(),
		Key:        token,
		CreatedBy:  uid,
		ModID:      normalizeStringPointer(req.ModID),
		IsActive:   true,
		ExpiresAt:  now.Add(time.Duration(req.DurationDays) * 24 * time.Hour),
		MaxUsage:   req.MaxUsage,
		MaxDevices: req.DeviceCount,
		CreatedAt:  now,
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// active and role are read under the same row lock as the debit so a
	// concurrent deactivation cannot slip in between check and charge
	var active bool
	var role model.AccountRole
	if err := tx.QueryRow(
		ctx,
		`SELECT active, role FROM accounts WHERE id = $1 FOR UPDATE`,
		uid,
	).Scan(&active, &role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrAccountNotFound
		}
		return nil, 0, err
	}
	if !active {
		return nil, 0, ErrAccountInactive
	}

	var debited *balanceState
	if role != model.AccountRoleOwner {
		modID := ""
		if key.ModID != nil {
			modID = *key.ModID
		}
		debited, err = s.ledger.debitTx(ctx, tx, uid, modID, cost)
		if err != nil {
			return nil, 0, err
		}
	}

	if _, err := tx.Exec(
		ctx,
		`INSERT INTO license_keys (
			id, key, created_by, mod_id, is_active,
			expires_at, max_usage, usage_count, max_devices, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)`,
		key.ID,
		key.Key,
		key.CreatedBy,
		key.ModID,
		key.IsActive,
		key.ExpiresAt,
		key.MaxUsage,
		key.MaxDevices,
		key.CreatedAt,
	); err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, err
	}

	metrics.IncKeysIssued(strconv.Itoa(req.DurationDays))
	s.writeKeyAudit(ctx, uid, "key.issue", key, map[string]interface{}{
		"cost":          cost,
		"duration_days": req.DurationDays,
		"device_count":  req.DeviceCount,
	})

	if s.eventBus != nil {
		s.eventBus.Publish(event.EventKeyIssued, event.KeyIssuedPayload{
			AccountID: uid.String(),
			KeyID:     key.ID.String(),
			ModID:     derefString(key.ModID),
			Cost:      cost,
		})
	}
	if s.sseHub != nil {
		s.sseHub.SendToAccount(uid.String(), sse.NewEvent(sse.EventKeyUpdate, map[string]interface{}{
			"key_id":     key.ID.String(),
			"action":     "issued",
			"expires_at": key.ExpiresAt.Format(time.RFC3339),
			"ts":         now.Format(time.RFC3339Nano),
		}))
	}
	if debited != nil {
		s.ledger.publishBalance(debited)
	}

	return key, cost, nil
}

// ExtendKey pushes the expiry forward: a live key stacks on its
// current expiry, a lapsed one restarts from now. No charge either way.
func (s *KeyService) ExtendKey(ctx context.Context, actorID string, actorRole model.AccountRole, keyID string, days int) (*model.LicenseKey, error) {
	if days <= 0 {
		return nil, ErrInvalidAmount
	}
	if s.pool == nil {
		return nil, errors.New("database pool is nil")
	}

	kid, err := uuid.Parse(strings.TrimSpace(keyID))
	if err != nil {
		return nil, ErrKeyNotFound
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	key, err := s.lockKeyTx(ctx, tx, kid)
	if err != nil {
		return nil, err
	}
	if err := s.checkKeyOwnership(actorID, actorRole, key); err != nil {
		return nil, err
	}

	now := s.nowFn().UTC()
	base := now
	if key.ExpiresAt.After(now) {
		base = key.ExpiresAt.UTC()
	}
	key.ExpiresAt = base.Add(time.Duration(days) * 24 * time.Hour)

	if _, err := tx.Exec(
		ctx,
		`UPDATE license_keys SET expires_at = $2 WHERE id = $1`,
		kid,
		key.ExpiresAt,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.writeKeyAudit(ctx, key.CreatedBy, "key.extend", key, map[string]interface{}{
		"days":       days,
		"expires_at": key.ExpiresAt.Format(time.RFC3339),
	})
	s.publishKeyUpdate(key, "extended", now)

	return key, nil
}

func (s *KeyService) SetKeyActive(ctx context.Context, actorID string, actorRole model.AccountRole, keyID string, active bool) error {
	kid, err := uuid.Parse(strings.TrimSpace(keyID))
	if err != nil {
		return ErrKeyNotFound
	}

	key, err := s.keyRepo.FindByID(ctx, kid)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrKeyNotFound
		}
		return err
	}
	if err := s.checkKeyOwnership(actorID, actorRole, key); err != nil {
		return err
	}

	if _, err := s.pool.Exec(
		ctx,
		`UPDATE license_keys SET is_active = $2 WHERE id = $1`,
		kid,
		active,
	); err != nil {
		return err
	}

	key.IsActive = active
	s.writeKeyAudit(ctx, key.CreatedBy, "key.set_active", key, map[string]interface{}{
		"is_active": active,
	})
	s.publishKeyUpdate(key, "toggled", s.nowFn().UTC())

	return nil
}

// RecordUsage is the hot path a mod server calls per activation. The
// row lock makes concurrent recordings serialize, so the counter never
// loses an increment. Gate order is fixed: expiry, then the
// administrative flag, then the usage cap.
func (s *KeyService) RecordUsage(ctx context.Context, rawKey string) (*model.LicenseKey, error) {
	if s.pool == nil {
		return nil, errors.New("database pool is nil")
	}

	token := strings.TrimSpace(rawKey)
	if token == "" {
		return nil, ErrKeyNotFound
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	key, err := scanLicenseKeyRow(tx.QueryRow(
		ctx,
		`SELECT `+licenseKeyColumns+` FROM license_keys WHERE key = $1 FOR UPDATE`,
		token,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			metrics.IncKeyUsageCheck("not_found")
			return nil, ErrKeyNotFound
		}
		return nil, err
	}

	now := s.nowFn().UTC()
	if !now.Before(key.ExpiresAt) {
		metrics.IncKeyUsageCheck("expired")
		return nil, ErrKeyExpired
	}
	if !key.IsActive {
		metrics.IncKeyUsageCheck("inactive")
		return nil, ErrKeyInactive
	}
	if key.MaxUsage > 0 && key.UsageCount >= key.MaxUsage {
		metrics.IncKeyUsageCheck("usage_exceeded")
		return nil, ErrUsageExceeded
	}

	key.UsageCount++
	key.LastUsedAt = &now

	if _, err := tx.Exec(
		ctx,
		`UPDATE license_keys
		    SET usage_count = $2,
		        last_used_at = $3
		  WHERE id = $1`,
		key.ID,
		key.UsageCount,
		now,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.IncKeyUsageCheck("ok")
	return key, nil
}

func (s *KeyService) DeleteKey(ctx context.Context, actorID string, actorRole model.AccountRole, keyID string) error {
	kid, err := uuid.Parse(strings.TrimSpace(keyID))
	if err != nil {
		return ErrKeyNotFound
	}

	key, err := s.keyRepo.FindByID(ctx, kid)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrKeyNotFound
		}
		return err
	}
	if err := s.checkKeyOwnership(actorID, actorRole, key); err != nil {
		return err
	}

	// hard delete, no refund
	if err := s.keyRepo.Delete(ctx, kid); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrKeyNotFound
		}
		return err
	}

	s.writeKeyAudit(ctx, key.CreatedBy, "key.delete", key, nil)
	s.publishKeyUpdate(key, "deleted", s.nowFn().UTC())

	return nil
}

func (s *KeyService) GetKey(ctx context.Context, actorID string, actorRole model.AccountRole, keyID string) (*model.LicenseKey, error) {
	kid, err := uuid.Parse(strings.TrimSpace(keyID))
	if err != nil {
		return nil, ErrKeyNotFound
	}

	key, err := s.keyRepo.FindByID(ctx, kid)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	if err := s.checkKeyOwnership(actorID, actorRole, key); err != nil {
		return nil, err
	}

	return key, nil
}

// List applies the caller's visibility: owners see everything,
// resellers only what they issued.
func (s *KeyService) List(
	ctx context.Context,
	actorID string,
	actorRole model.AccountRole,
	page, pageSize int,
	filter repository.KeyListFilter,
) ([]*model.LicenseKey, int64, error) {
	page, pageSize = normalizeCodeListPage(page, pageSize)

	if actorRole != model.AccountRoleOwner {
		uid, err := uuid.Parse(strings.TrimSpace(actorID))
		if err != nil {
			return nil, 0, ErrInvalidAccountID
		}
		filter.CreatedBy = &uid
	}
	filter.Pagination = repository.Pagination{
		Limit:  int32(pageSize),
		Offset: int32((page - 1) * pageSize),
	}

	keys, err := s.keyRepo.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.keyRepo.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	return keys, total, nil
}

func (s *KeyService) checkKeyOwnership(actorID string, actorRole model.AccountRole, key *model.LicenseKey) error {
	if key == nil {
		return ErrKeyNotFound
	}
	if actorRole == model.AccountRoleOwner {
		return nil
	}
	if key.CreatedBy.String() != strings.TrimSpace(actorID) {
		return ErrPermissionDenied
	}
	return nil
}

func (s *KeyService) lockKeyTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.LicenseKey, error) {
	key, err := scanLicenseKeyRow(tx.QueryRow(
		ctx,
		`SELECT `+licenseKeyColumns+` FROM license_keys WHERE id = $1 FOR UPDATE`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return key, nil
}

func (s *KeyService) publishKeyUpdate(key *model.LicenseKey, action string, now time.Time) {
	if s.sseHub == nil || key == nil {
		return
	}

	s.sseHub.SendToAccount(key.CreatedBy.String(), sse.NewEvent(sse.EventKeyUpdate, map[string]interface{}{
		"key_id":     key.ID.String(),
		"action":     action,
		"is_active":  key.IsActive,
		"expires_at": key.ExpiresAt.Format(time.RFC3339),
		"ts":         now.Format(time.RFC3339Nano),
	}))
}

func (s *KeyService) writeKeyAudit(ctx context.Context, actorID uuid.UUID, action string, key *model.LicenseKey, detail map[string]interface{}) {
	if s.auditRepo == nil || key == nil {
		return
	}

	resourceID := key.ID.String()
	_ = s.auditRepo.Create(ctx, &model.AuditLog{
		AccountID:    &actorID,
		Action:       action,
		ResourceType: strPtr("license_key"),
		ResourceID:   &resourceID,
		NewValue:     detail,
		CreatedAt:    s.nowFn().UTC(),
	})
}

const licenseKeyColumns = `
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

func scanLicenseKeyRow(src rowScanner) (*model.LicenseKey, error) {
	key := &model.LicenseKey{}
	if err := src.Scan(
		&key.ID,
		&key.Key,
		&key.CreatedBy,
		&key.ModID,
		&key.IsActive,
		&key.ExpiresAt,
		&key.MaxUsage,
		&key.UsageCount,
		&key.MaxDevices,
		&key.CreatedAt,
		&key.LastUsedAt,
	); err != nil {
		return nil, err
	}
	return key, nil
}

// generateKeyToken mints the opaque key string. Nothing about the
// issuer, tier or device count is derivable from it.
func generateKeyToken() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return keyTokenPrefix + strings.ToUpper(hex.EncodeToString(buf)), nil
}
