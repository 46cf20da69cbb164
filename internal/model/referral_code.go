package model

import (
	"time"

	"github.com/google/uuid"
)

// ReferralCode is a single-use token that mints a new reseller account
// (or a mod balance on an existing one) seeded with its grant.
// UsedCount moves 0 -> 1 exactly once.
type ReferralCode struct {
	ID               uuid.UUID          `db:"id" json:"id"`
	Code             string             `db:"code" json:"code"`
	Balance          int64              `db:"balance" json:"balance"`
	UnlimitedBalance bool               `db:"unlimited_balance" json:"unlimited_balance"`
	DurationLabel    string             `db:"duration_label" json:"duration_label"`
	DurationDays     int                `db:"duration_days" json:"duration_days"`
	DeductionRates   DeductionRateTable `db:"deduction_rates" json:"deduction_rates,omitempty"`
	ModID            *string            `db:"mod_id" json:"mod_id,omitempty"`
	Note             *string            `db:"note" json:"note,omitempty"`
	UsedCount        int                `db:"used_count" json:"used_count"`
	UsedBy           *uuid.UUID         `db:"used_by" json:"used_by,omitempty"`
	UsedAt           *time.Time         `db:"used_at" json:"used_at,omitempty"`
	CreatedBy        uuid.UUID          `db:"created_by" json:"created_by"`
	CreatedAt        time.Time          `db:"created_at" json:"created_at"`
}

// Grant is the entitlement a code bestows on redemption, returned by
// the validate path without mutating the code.
type Grant struct {
	Balance          int64              `json:"balance"`
	UnlimitedBalance bool               `json:"unlimited_balance"`
	DurationLabel    string             `json:"duration_label"`
	DurationDays     int                `json:"duration_days"`
	DeductionRates   DeductionRateTable `json:"deduction_rates,omitempty"`
	ModID            *string            `json:"mod_id,omitempty"`
}

func (c *ReferralCode) Grant() Grant {
	return Grant{
		Balance:          c.Balance,
		UnlimitedBalance: c.UnlimitedBalance,
		DurationLabel:    c.DurationLabel,
		DurationDays:     c.DurationDays,
		DeductionRates:   c.DeductionRates.Clone(),
		ModID:            c.ModID,
	}
}
