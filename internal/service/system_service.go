package service

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"panda-hub/internal/api/middleware"
	"panda-hub/internal/model"
	"panda-hub/internal/repository"
	"panda-hub/internal/sse"
)

const systemConfigDefaultCacheTTL = 60 * time.Second

var ErrInvalidSystemConfigInput = errors.New("invalid system config input")

type UpdateSystemConfigRequest struct {
	SiteName              *string                   `json:"site_name"`
	MaintenanceMode       *bool                     `json:"maintenance_mode"`
	DefaultDeductionRates *model.DeductionRateTable `json:"default_deduction_rates"`
	TelegramConfig        *model.TelegramConfig     `json:"telegram_config"`
}

type SystemService struct {
	pool      *pgxpool.Pool
	auditRepo repository.AuditRepository
	sseHub    *sse.SSEHub
	logger    *zap.Logger

	cacheTTL time.Duration
	cacheMu  sync.RWMutex
	cache    *model.SystemConfig
	cacheExp time.Time
}

func NewSystemService(
	pool *pgxpool.Pool,
	auditRepo repository.AuditRepository,
	sseHub *sse.SSEHub,
	logger *zap.Logger,
) *SystemService {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SystemService{
		pool:      pool,
		auditRepo: auditRepo,
		sseHub:    sseHub,
		logger:    logger,
		cacheTTL:  systemConfigDefaultCacheTTL,
	}
}

func (s *SystemService) GetConfig(ctx context.Context) (*model.SystemConfig, error) {
	if s.pool == nil {
		return nil, errors.New("database pool is nil")
	}

	if cfg := s.getCachedConfig(); cfg != nil {
		return cfg, nil
	}

	cfg, err := s.loadSystemConfig(ctx)
	if err != nil {
		return nil, err
	}

	s.setCachedConfig(cfg)
	middleware.SetSystemConfigCache(cfg)
	return cloneSystemConfig(cfg), nil
}

func (s *SystemService) UpdateConfig(ctx context.Context, operatorID string, req UpdateSystemConfigRequest) error {
	if s.pool == nil {
		return errors.New("database pool is nil")
	}

	current, err := s.loadSystemConfig(ctx)
	if err != nil {
		return err
	}

	next := cloneSystemConfig(current)
	if err := applySystemConfigUpdate(next, req); err != nil {
		return err
	}

	ratesRaw, err := json.Marshal(next.DefaultDeductionRates)
	if err != nil {
		return err
	}
	telegramRaw, err := json.Marshal(next.TelegramConfig)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(
		ctx,
		`INSERT INTO system_configs (
			id, site_name, maintenance_mode, default_deduction_rates, telegram_config, updated_at
		)
		VALUES (1, $1, $2, $3::jsonb, $4::jsonb, NOW())
		ON CONFLICT (id)
		DO UPDATE SET
			site_name = EXCLUDED.site_name,
			maintenance_mode = EXCLUDED.maintenance_mode,
			default_deduction_rates = EXCLUDED.default_deduction_rates,
			telegram_config = EXCLUDED.telegram_config,
			updated_at = NOW()`,
		next.SiteName,
		next.MaintenanceMode,
		string(ratesRaw),
		string(telegramRaw),
	)
	if err != nil {
		return err
	}

	next.UpdatedAt = time.Now().UTC()

	s.invalidateCache()
	s.setCachedConfig(next)
	middleware.SetSystemConfigCache(next)

	s.writeUpdateAudit(ctx, operatorID, current, next)
	if s.sseHub != nil {
		s.sseHub.Broadcast(sse.NewEvent(sse.EventSystemAlert, map[string]interface{}{
			"type":             "system.config.updated",
			"maintenance_mode": next.MaintenanceMode,
			"updated_at":       next.UpdatedAt.Format(time.RFC3339Nano),
		}))
	}

	return nil
}

func (s *SystemService) getCachedConfig() *model.SystemConfig {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	if s.cache == nil || time.Now().UTC().After(s.cacheExp) {
		return nil
	}
	return cloneSystemConfig(s.cache)
}

func (s *SystemService) setCachedConfig(cfg *model.SystemConfig) {
	if cfg == nil {
		return
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache = cloneSystemConfig(cfg)
	s.cacheExp = time.Now().UTC().Add(s.cacheTTL)
}

func (s *SystemService) invalidateCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache = nil
	s.cacheExp = time.Time{}
}

func (s *SystemService) loadSystemConfig(ctx context.Context) (*model.SystemConfig, error) {
	if err := s.ensureSystemConfigRow(ctx); err != nil {
		return nil, err
	}

	var cfg model.SystemConfig
	var ratesRaw []byte
	var telegramRaw []byte

	err := s.pool.QueryRow(
		ctx,
		`SELECT
			id,
			site_name,
			COALESCE(maintenance_mode, FALSE),
			COALESCE(default_deduction_rates, '{}'::jsonb),
			COALESCE(telegram_config, '{}'::jsonb),
			updated_at
		FROM system_configs
		WHERE id = 1`,
	).Scan(
		&cfg.ID,
		&cfg.SiteName,
		&cfg.MaintenanceMode,
		&ratesRaw,
		&telegramRaw,
		&cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidSystemConfigInput
		}
		return nil, err
	}

	rates, err := unmarshalRates(ratesRaw)
	if err != nil {
		return nil, err
	}
	cfg.DefaultDeductionRates = rates
	if len(cfg.DefaultDeductionRates) == 0 {
		cfg.DefaultDeductionRates = model.DefaultDeductionRateTable()
	}

	cfg.TelegramConfig = model.TelegramConfig{}
	if len(telegramRaw) > 0 {
		_ = json.Unmarshal(telegramRaw, &cfg.TelegramConfig)
	}

	return &cfg, nil
}

func (s *SystemService) ensureSystemConfigRow(ctx context.Context) error {
	defaultRates, err := json.Marshal(model.DefaultDeductionRateTable())
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(
		ctx,
		`INSERT INTO system_configs (
			id, maintenance_mode, default_deduction_rates, telegram_config, updated_at
		)
		VALUES (1, FALSE, $1::jsonb, '{}'::jsonb, NOW())
		ON CONFLICT (id) DO NOTHING`,
		string(defaultRates),
	)
	return err
}

func applySystemConfigUpdate(cfg *model.SystemConfig, req UpdateSystemConfigRequest) error {
	if cfg == nil {
		return ErrInvalidSystemConfigInput
	}

	if req.SiteName != nil {
		cfg.SiteName = normalizeStringPointer(req.SiteName)
	}
	if req.MaintenanceMode != nil {
		cfg.MaintenanceMode = *req.MaintenanceMode
	}
	if req.DefaultDeductionRates != nil {
		if len(*req.DefaultDeductionRates) == 0 || !req.DefaultDeductionRates.Valid() {
			return ErrInvalidSystemConfigInput
		}
		cfg.DefaultDeductionRates = req.DefaultDeductionRates.Clone()
	}
	if req.TelegramConfig != nil {
		cfg.TelegramConfig = *req.TelegramConfig
	}

	return nil
}

func cloneSystemConfig(cfg *model.SystemConfig) *model.SystemConfig {
	if cfg == nil {
		return nil
	}

	cloned := *cfg
	cloned.SiteName = cloneStringPointer(cfg.SiteName)
	cloned.DefaultDeductionRates = cfg.DefaultDeductionRates.Clone()
	return &cloned
}

func cloneStringPointer(v *string) *string {
	if v == nil {
		return nil
	}
	copyValue := *v
	return &copyValue
}

func (s *SystemService) writeUpdateAudit(
	ctx context.Context,
	operatorID string,
	oldCfg, newCfg *model.SystemConfig,
) {
	if s.auditRepo == nil || oldCfg == nil || newCfg == nil {
		return
	}

	oldValue := make(map[string]interface{})
	newValue := make(map[string]interface{})

	if !reflect.DeepEqual(oldCfg.SiteName, newCfg.SiteName) {
		oldValue["site_name"] = oldCfg.SiteName
		newValue["site_name"] = newCfg.SiteName
	}
	if oldCfg.MaintenanceMode != newCfg.MaintenanceMode {
		oldValue["maintenance_mode"] = oldCfg.MaintenanceMode
		newValue["maintenance_mode"] = newCfg.MaintenanceMode
	}
	if !reflect.DeepEqual(oldCfg.DefaultDeductionRates, newCfg.DefaultDeductionRates) {
		oldValue["default_deduction_rates"] = oldCfg.DefaultDeductionRates
		newValue["default_deduction_rates"] = newCfg.DefaultDeductionRates
	}
	if !reflect.DeepEqual(oldCfg.TelegramConfig, newCfg.TelegramConfig) {
		oldValue["telegram_config"] = map[string]interface{}{"enabled": oldCfg.TelegramConfig.Enabled}
		newValue["telegram_config"] = map[string]interface{}{"enabled": newCfg.TelegramConfig.Enabled}
	}

	if len(newValue) == 0 {
		return
	}

	var accountID *uuid.UUID
	if parsed, err := uuid.Parse(strings.TrimSpace(operatorID)); err == nil {
		accountID = &parsed
	}

	resourceID := "1"
	_ = s.auditRepo.Create(ctx, &model.AuditLog{
		AccountID:    accountID,
		Action:       "system.config.update",
		ResourceType: strPtr("system_config"),
		ResourceID:   &resourceID,
		OldValue:     oldValue,
		NewValue:     newValue,
		CreatedAt:    time.Now().UTC(),
	})
}
