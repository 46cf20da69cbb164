package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"panda-hub/internal/event"
	"panda-hub/internal/model"
	"panda-hub/internal/repository"
	"panda-hub/internal/sse"
)

const (
	defaultListPage     = 1
	defaultListPageSize = 20
	maxListPageSize     = 200
)

var (
	ErrInvalidAccountInput  = errors.New("invalid account input")
	ErrSelfDeactivate       = errors.New("owner cannot deactivate self")
	ErrInvalidDeductionRate = errors.New("invalid deduction rate table")
)

type CreateAccountRequest struct {
	OperatorID       string
	Username         string
	PasswordPlain    string
	Role             model.AccountRole
	Balance          int64
	UnlimitedBalance bool
	DurationDays     int
	DeductionRates   model.DeductionRateTable
	TelegramID       *int64
}

type UpdateAccountRequest struct {
	OperatorID     string
	Username       *string
	TelegramID     *int64
	ClearTelegram  bool
	DeductionRates *model.DeductionRateTable
}

// AccountProfile is the read model: the stored account plus statuses
// derived at the moment of the call.
type AccountProfile struct {
	Account     *model.Account                 `json:"account"`
	Status      model.AccountStatus            `json:"status"`
	ModStatuses map[string]model.AccountStatus `json:"mod_statuses,omitempty"`
}

type AccountService struct {
	accountRepo repository.AccountRepository
	auditRepo   repository.AuditRepository
	eventBus    *event.Bus
	sseHub      *sse.SSEHub
	logger      *zap.Logger

	nowFn func() time.Time
}

func NewAccountService(
	accountRepo repository.AccountRepository,
	auditRepo repository.AuditRepository,
	eventBus *event.Bus,
	sseHub *sse.SSEHub,
	logger *zap.Logger,
) *AccountService {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AccountService{
		accountRepo: accountRepo,
		auditRepo:   auditRepo,
		eventBus:    eventBus,
		sseHub:      sseHub,
		logger:      logger,
		nowFn:       time.Now,
	}
}

func (s *AccountService) GetByID(ctx context.Context, id string) (*model.Account, error) {
	uid, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return nil, ErrInvalidAccountID
	}

	account, err := s.accountRepo.FindByID(ctx, uid)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	return account, nil
}

func (s *AccountService) GetProfile(ctx context.Context, id string) (*AccountProfile, error) {
	account, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	mods, err := s.accountRepo.ListModBalances(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	account.ModBalances = mods

	now := s.nowFn().UTC()
	profile := &AccountProfile{
		Account: account,
		Status:  account.DeriveStatus(now),
	}
	if len(mods) > 0 {
		profile.ModStatuses = make(map[string]model.AccountStatus, len(mods))
		for _, mod := range mods {
			profile.ModStatuses[mod.ModID] = mod.DeriveStatus(account.Active, now)
		}
	}

	return profile, nil
}

func (s *AccountService) List(
	ctx context.Context,
	page, pageSize int,
	filter repository.AccountListFilter,
) ([]*model.Account, int64, error) {
	page, pageSize = normalizeListPagination(page, pageSize)
	filter.Pagination = repository.Pagination{
		Limit:  int32(pageSize),
		Offset: int32((page - 1) * pageSize),
	}

	accounts, err := s.accountRepo.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.accountRepo.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	return accounts, total, nil
}

func (s *AccountService) Create(ctx context.Context, req CreateAccountRequest) (*model.Account, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.PasswordPlain == "" {
		return nil, ErrInvalidAccountInput
	}
	if req.Balance < 0 || req.DurationDays < 0 {
		return nil, ErrInvalidAccountInput
	}
	if !req.DeductionRates.Valid() {
		return nil, ErrInvalidDeductionRate
	}

	var operatorUUID *uuid.UUID
	if parsed, err := uuid.Parse(strings.TrimSpace(req.OperatorID)); err == nil {
		operatorUUID = &parsed
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.PasswordPlain), 12)
	if err != nil {
		return nil, err
	}

	role := req.Role
	if role == "" {
		role = model.AccountRoleReseller
	}

	now := s.nowFn().UTC()
	account := &model.Account{
		ID:               uuid.New(),
		Username:         username,
		PasswordHash:     string(hashed),
		Role:             role,
		Active:           true,
		Balance:          req.Balance,
		UnlimitedBalance: req.UnlimitedBalance,
		DeductionRates:   req.DeductionRates.Clone(),
		TelegramID:       req.TelegramID,
		CreatedBy:        operatorUUID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if account.UnlimitedBalance {
		account.Balance = 0
	}
	if req.DurationDays > 0 {
		expires := now.Add(time.Duration(req.DurationDays) * 24 * time.Hour)
		account.BalanceExpiresAt = &expires
	}
	account.LastStatus = account.DeriveStatus(now)

	if err := s.accountRepo.Create(ctx, account); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	s.writeAudit(ctx, req.OperatorID, "account.create", account.ID.String(), nil, map[string]interface{}{
		"username": account.Username,
		"role":     account.Role,
		"balance":  account.Balance,
	})

	return account, nil
}

func (s *AccountService) Update(ctx context.Context, id string, req UpdateAccountRequest) (*model.Account, error) {
	account, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	oldValue := make(map[string]interface{})
	newValue := make(map[string]interface{})

	if req.Username != nil {
		username := strings.TrimSpace(*req.Username)
		if username != "" && username != account.Username {
			oldValue["username"] = account.Username
			newValue["username"] = username
			account.Username = username
		}
	}
	if req.ClearTelegram {
		if account.TelegramID != nil {
			oldValue["telegram_id"] = *account.TelegramID
			newValue["telegram_id"] = nil
			account.TelegramID = nil
		}
	} else if req.TelegramID != nil {
		oldValue["telegram_id"] = account.TelegramID
		newValue["telegram_id"] = *req.TelegramID
		account.TelegramID = req.TelegramID
	}
	if req.DeductionRates != nil {
		if !req.DeductionRates.Valid() {
			return nil, ErrInvalidDeductionRate
		}
		oldValue["deduction_rates"] = account.DeductionRates
		newValue["deduction_rates"] = *req.DeductionRates
		account.DeductionRates = req.DeductionRates.Clone()
	}

	if len(newValue) == 0 {
		return account, nil
	}

	if err := s.accountRepo.Update(ctx, account); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	s.writeAudit(ctx, req.OperatorID, "account.update", account.ID.String(), oldValue, newValue)

	return account, nil
}

// SetActive flips the administrative gate and announces the resulting
// derived status right away instead of waiting for the next sweep.
func (s *AccountService) SetActive(ctx context.Context, operatorID, targetID string, active bool) error {
	opID, err := uuid.Parse(strings.TrimSpace(operatorID))
	if err != nil {
		return ErrInvalidAccountID
	}
	targetUUID, err := uuid.Parse(strings.TrimSpace(targetID))
	if err != nil {
		return ErrInvalidAccountID
	}

	if opID == targetUUID && !active {
		return ErrSelfDeactivate
	}

	account, err := s.accountRepo.FindByID(ctx, targetUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAccountNotFound
		}
		return err
	}
	if account.Active == active {
		return nil
	}

	if err := s.accountRepo.SetActive(ctx, targetUUID, active); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAccountNotFound
		}
		return err
	}

	now := s.nowFn().UTC()
	account.Active = active
	status := account.DeriveStatus(now)

	s.writeAudit(ctx, operatorID, "account.set_active", targetUUID.String(), map[string]interface{}{
		"active": !active,
	}, map[string]interface{}{
		"active": active,
		"status": status,
	})

	if s.eventBus != nil {
		s.eventBus.Publish(event.EventStatusUpdated, event.StatusUpdatedPayload{
			AccountID: targetUUID.String(),
			Active:    active,
			Status:    string(status),
		})
	}
	if s.sseHub != nil {
		s.sseHub.SendToAccount(targetUUID.String(), sse.NewEvent(sse.EventStatusUpdate, map[string]interface{}{
			"account_id": targetUUID.String(),
			"status":     string(status),
			"ts":         now.Format(time.RFC3339Nano),
		}))
	}

	return nil
}

func (s *AccountService) ChangePassword(ctx context.Context, accountID, oldPwd, newPwd string) error {
	if newPwd == "" {
		return ErrInvalidAccountInput
	}

	account, err := s.GetByID(ctx, accountID)
	if err != nil {
		return err
	}

	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(oldPwd)) != nil {
		return ErrInvalidCredentials
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(newPwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	account.PasswordHash = string(hashed)
	return s.accountRepo.Update(ctx, account)
}

func (s *AccountService) writeAudit(
	ctx context.Context,
	operatorID string,
	action string,
	resourceID string,
	oldValue map[string]interface{},
	newValue map[string]interface{},
) {
	if s.auditRepo == nil {
		return
	}

	var actorID *uuid.UUID
	if parsed, err := uuid.Parse(strings.TrimSpace(operatorID)); err == nil {
		actorID = &parsed
	}

	_ = s.auditRepo.Create(ctx, &model.AuditLog{
		AccountID:    actorID,
		Action:       action,
		ResourceType: strPtr("account"),
		ResourceID:   strPtr(resourceID),
		OldValue:     oldValue,
		NewValue:     newValue,
		CreatedAt:    s.nowFn().UTC(),
	})
}

func normalizeListPagination(page, pageSize int) (int, int) {
	if page <= 0 {
		page = defaultListPage
	}
	if pageSize <= 0 {
		pageSize = defaultListPageSize
	}
	if pageSize > maxListPageSize {
		pageSize = maxListPageSize
	}
	return page, pageSize
}

func normalizeStringPointer(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func marshalRates(t model.DeductionRateTable) ([]byte, error) {
	if len(t) == 0 {
		return nil, nil
	}
	return json.Marshal(t)
}

func unmarshalRates(raw []byte) (model.DeductionRateTable, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var t model.DeductionRateTable
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	if len(t) == 0 {
		return nil, nil
	}
	return t, nil
}
