package model

import (
	"time"

	"github.com/google/uuid"
)

// LicenseKey is an issued, time-bounded usage credential. Expiry is
// never written back by a sweeper; validity is a pure function of the
// stored fields and the clock.
type LicenseKey struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	Key        string     `db:"key" json:"key"`
	CreatedBy  uuid.UUID  `db:"created_by" json:"created_by"`
	ModID      *string    `db:"mod_id" json:"mod_id,omitempty"`
	IsActive   bool       `db:"is_active" json:"is_active"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expires_at"`
	MaxUsage   int64      `db:"max_usage" json:"max_usage"`
	UsageCount int64      `db:"usage_count" json:"usage_count"`
	MaxDevices int        `db:"max_devices" json:"max_devices"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
}

// IsValid reports effective validity: administratively active, not
// expired, and under the usage cap (max_usage 0 means uncapped).
func (k *LicenseKey) IsValid(now time.Time) bool {
	if k == nil || !k.IsActive {
		return false
	}
	if !now.Before(k.ExpiresAt) {
		return false
	}
	if k.MaxUsage > 0 && k.UsageCount >= k.MaxUsage {
		return false
	}
	return true
}
