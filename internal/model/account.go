package model

import (
	"time"

	"github.com/google/uuid"
)

type AccountRole string

type AccountStatus string

const (
	AccountRoleOwner    AccountRole = "owner"
	AccountRoleReseller AccountRole = "reseller"
)

// Derived states, recomputed from stored fields on every read.
const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusInactive AccountStatus = "inactive"
	AccountStatusFinished AccountStatus = "finished"
	AccountStatusExpired  AccountStatus = "expired"
)

type Account struct {
	ID               uuid.UUID          `db:"id" json:"id"`
	Username         string             `db:"username" json:"username"`
	PasswordHash     string             `db:"password_hash" json:"-"`
	Role             AccountRole        `db:"role" json:"role"`
	Active           bool               `db:"active" json:"active"`
	Balance          int64              `db:"balance" json:"balance"`
	UnlimitedBalance bool               `db:"unlimited_balance" json:"unlimited_balance"`
	BalanceExpiresAt *time.Time         `db:"balance_expires_at" json:"balance_expires_at,omitempty"`
	DeductionRates   DeductionRateTable `db:"deduction_rates" json:"deduction_rates,omitempty"`
	LastStatus       AccountStatus      `db:"last_status" json:"-"`
	TelegramID       *int64             `db:"telegram_id" json:"telegram_id,omitempty"`
	CreatedBy        *uuid.UUID         `db:"created_by" json:"created_by,omitempty"`
	CreatedAt        time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time          `db:"updated_at" json:"updated_at"`

	ModBalances []*ModBalance `db:"-" json:"mod_balances,omitempty"`
}

// ModBalance is a balance scoped to a product namespace, unique per
// (account, mod_id).
type ModBalance struct {
	AccountID        uuid.UUID          `db:"account_id" json:"account_id"`
	ModID            string             `db:"mod_id" json:"mod_id"`
	Balance          int64              `db:"balance" json:"balance"`
	UnlimitedBalance bool               `db:"unlimited_balance" json:"unlimited_balance"`
	ExpiresAt        *time.Time         `db:"expires_at" json:"expires_at,omitempty"`
	DeductionRates   DeductionRateTable `db:"deduction_rates" json:"deduction_rates,omitempty"`
	CreatedAt        time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time          `db:"updated_at" json:"updated_at"`
}

// DeriveStatus computes the account-level status at the given instant.
// Order matters: an administratively disabled account is inactive no
// matter what the balance says, and a drained balance reads as
// finished even when the expiry has also passed.
func (a *Account) DeriveStatus(now time.Time) AccountStatus {
	if a == nil {
		return AccountStatusInactive
	}
	if !a.Active {
		return AccountStatusInactive
	}
	if a.Balance == 0 && !a.UnlimitedBalance {
		return AccountStatusFinished
	}
	if a.BalanceExpiresAt != nil && !a.BalanceExpiresAt.After(now) {
		return AccountStatusExpired
	}
	return AccountStatusActive
}

// DeriveStatus computes the mod-scoped status; the administrative
// active flag lives on the parent account.
func (m *ModBalance) DeriveStatus(parentActive bool, now time.Time) AccountStatus {
	if m == nil || !parentActive {
		return AccountStatusInactive
	}
	if m.Balance == 0 && !m.UnlimitedBalance {
		return AccountStatusFinished
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
		return AccountStatusExpired
	}
	return AccountStatusActive
}
