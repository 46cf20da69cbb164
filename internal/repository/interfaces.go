package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"panda-hub/internal/model"
)

var ErrNotFound = errors.New("record not found")

type Pagination struct {
	Limit  int32 `json:"limit"`
	Offset int32 `json:"offset"`
}

type AccountListFilter struct {
	Role       *model.AccountRole `json:"role,omitempty"`
	Active     *bool              `json:"active,omitempty"`
	CreatedBy  *uuid.UUID         `json:"created_by,omitempty"`
	Keyword    *string            `json:"keyword,omitempty"`
	Pagination Pagination         `json:"pagination"`
}

type KeyListFilter struct {
	CreatedBy  *uuid.UUID `json:"created_by,omitempty"`
	ModID      *string    `json:"mod_id,omitempty"`
	IsActive   *bool      `json:"is_active,omitempty"`
	Keyword    *string    `json:"keyword,omitempty"`
	Pagination Pagination `json:"pagination"`
}

type AuditListFilter struct {
	AccountID    *uuid.UUID `json:"account_id,omitempty"`
	ResourceType *string    `json:"resource_type,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Pagination   Pagination `json:"pagination"`
}

type AccountRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.Account, error)
	FindByUsername(ctx context.Context, username string) (*model.Account, error)
	Create(ctx context.Context, account *model.Account) error
	Update(ctx context.Context, account *model.Account) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	List(ctx context.Context, filter AccountListFilter) ([]*model.Account, error)
	Count(ctx context.Context, filter AccountListFilter) (int64, error)
	ListModBalances(ctx context.Context, accountID uuid.UUID) ([]*model.ModBalance, error)
	FindModBalance(ctx context.Context, accountID uuid.UUID, modID string) (*model.ModBalance, error)
}

type ReferralCodeRepository interface {
	FindByCode(ctx context.Context, code string) (*model.ReferralCode, error)
	Create(ctx context.Context, code *model.ReferralCode) error
	BatchCreate(ctx context.Context, codes []*model.ReferralCode) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type KeyRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.LicenseKey, error)
	FindByKey(ctx context.Context, key string) (*model.LicenseKey, error)
	Create(ctx context.Context, key *model.LicenseKey) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter KeyListFilter) ([]*model.LicenseKey, error)
	Count(ctx context.Context, filter KeyListFilter) (int64, error)
}

type AuditRepository interface {
	Create(ctx context.Context, log *model.AuditLog) error
	List(ctx context.Context, filter AuditListFilter) ([]*model.AuditLog, error)
}
