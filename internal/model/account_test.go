package model

import (
	"testing"
	"time"
)

func TestAccountDeriveStatus_Precedence(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	cases := []struct {
		name    string
		account Account
		want    AccountStatus
	}{
		{
			name:    "disabled account is inactive regardless of funds",
			account: Account{Active: false, Balance: 100, BalanceExpiresAt: &future},
			want:    AccountStatusInactive,
		},
		{
			name:    "drained reads finished even when also expired",
			account: Account{Active: true, Balance: 0, BalanceExpiresAt: &past},
			want:    AccountStatusFinished,
		},
		{
			name:    "funds past expiry read expired",
			account: Account{Active: true, Balance: 50, BalanceExpiresAt: &past},
			want:    AccountStatusExpired,
		},
		{
			name:    "expiry boundary counts as expired",
			account: Account{Active: true, Balance: 50, BalanceExpiresAt: &now},
			want:    AccountStatusExpired,
		},
		{
			name:    "unlimited with zero balance stays active",
			account: Account{Active: true, Balance: 0, UnlimitedBalance: true},
			want:    AccountStatusActive,
		},
		{
			name:    "no expiry never expires",
			account: Account{Active: true, Balance: 1},
			want:    AccountStatusActive,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.account.DeriveStatus(now); got != tc.want {
				t.Fatalf("DeriveStatus = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestModBalanceDeriveStatus_UsesParentActiveFlag(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	mod := ModBalance{Balance: 10}

	if got := mod.DeriveStatus(false, now); got != AccountStatusInactive {
		t.Fatalf("disabled parent must force inactive, got %s", got)
	}
	if got := mod.DeriveStatus(true, now); got != AccountStatusActive {
		t.Fatalf("expected active, got %s", got)
	}
}

func TestDeductionRateTable(t *testing.T) {
	t.Parallel()

	table := DeductionRateTable{1: 2, 30: 35}

	if rate, ok := table.RateFor(30); !ok || rate != 35 {
		t.Fatalf("RateFor(30) = %d,%v", rate, ok)
	}
	if _, ok := table.RateFor(7); ok {
		t.Fatal("missing tier must not resolve")
	}
	if _, ok := DeductionRateTable(nil).RateFor(1); ok {
		t.Fatal("nil table must not resolve")
	}

	if !table.Valid() {
		t.Fatal("table on known tiers must be valid")
	}
	if (DeductionRateTable{10: 5}).Valid() {
		t.Fatal("entry on an unknown tier must be invalid")
	}
	if (DeductionRateTable{1: 0}).Valid() {
		t.Fatal("zero cost must be invalid")
	}
	if !(DeductionRateTable{}).Valid() {
		t.Fatal("empty table means use-the-default and is valid")
	}

	clone := table.Clone()
	clone[1] = 99
	if table[1] != 2 {
		t.Fatal("Clone must not share storage with the original")
	}
}

func TestIsDurationTier(t *testing.T) {
	t.Parallel()

	for _, tier := range DurationTiers {
		if !IsDurationTier(tier) {
			t.Fatalf("tier %d should be accepted", tier)
		}
	}
	for _, days := range []int{0, -1, 2, 10, 90} {
		if IsDurationTier(days) {
			t.Fatalf("days %d should be rejected", days)
		}
	}
}
