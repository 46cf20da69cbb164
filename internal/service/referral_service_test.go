package service

import (
	"strings"
	"testing"
	"time"

	"panda-hub/internal/model"
)

func TestNormalizeCode(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		" abc-123 ":  "ABC-123",
		"ABC-123":    "ABC-123",
		"\tmixedUp ": "MIXEDUP",
		"   ":        "",
	}
	for raw, want := range cases {
		if got := NormalizeCode(raw); got != want {
			t.Fatalf("NormalizeCode(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestMergeGrant_NumericAddsToBalance(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	balance, unlimited, expiresAt := mergeGrant(100, false, nil, model.Grant{Balance: 50}, now)

	if balance != 150 || unlimited {
		t.Fatalf("expected balance 150 limited, got %d unlimited=%v", balance, unlimited)
	}
	if expiresAt != nil {
		t.Fatalf("expected no expiry without duration, got %v", expiresAt)
	}
}

func TestMergeGrant_UnlimitedWinsAndZeroesBalance(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	balance, unlimited, _ := mergeGrant(700, false, nil, model.Grant{UnlimitedBalance: true}, now)

	if !unlimited {
		t.Fatal("expected unlimited after unlimited grant")
	}
	if balance != 0 {
		t.Fatalf("unlimited stores balance 0, got %d", balance)
	}
}

func TestMergeGrant_NumericIntoUnlimitedIsNoop(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	balance, unlimited, _ := mergeGrant(0, true, nil, model.Grant{Balance: 300}, now)

	if !unlimited || balance != 0 {
		t.Fatalf("numeric grant must not disturb unlimited, got balance=%d unlimited=%v", balance, unlimited)
	}
}

func TestMergeGrant_DurationReplacesRunningExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	current := now.Add(10 * 24 * time.Hour)
	_, _, expiresAt := mergeGrant(0, false, &current, model.Grant{DurationDays: 30}, now)

	if expiresAt == nil {
		t.Fatal("expected expiry after duration grant")
	}
	want := now.Add(30 * 24 * time.Hour)
	if !expiresAt.Equal(want) {
		t.Fatalf("expected expiry overwritten to %v, got %v", want, *expiresAt)
	}
}

func TestMergeGrant_DurationReplacesLapsedExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	lapsed := now.Add(-time.Hour)
	_, _, expiresAt := mergeGrant(10, false, &lapsed, model.Grant{Balance: 1, DurationDays: 3}, now)

	if expiresAt == nil {
		t.Fatal("expected expiry after duration grant")
	}
	want := now.Add(3 * 24 * time.Hour)
	if !expiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, *expiresAt)
	}
}

func TestMergeGrant_NoDurationKeepsExistingExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	current := now.Add(5 * 24 * time.Hour)
	_, _, expiresAt := mergeGrant(0, false, &current, model.Grant{Balance: 50}, now)

	if expiresAt == nil || !expiresAt.Equal(current) {
		t.Fatalf("duration-less grant must leave the expiry alone, got %v", expiresAt)
	}
}

func TestApplyGrantToAccount_SeedsFreshAccount(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	account := &model.Account{Role: model.AccountRoleReseller, Active: true}
	grant := model.Grant{
		Balance:        500,
		DurationDays:   30,
		DeductionRates: model.DeductionRateTable{30: 10},
	}

	applyGrantToAccount(account, grant, now)

	if account.Balance != 500 || account.UnlimitedBalance {
		t.Fatalf("unexpected seeded balance: %d unlimited=%v", account.Balance, account.UnlimitedBalance)
	}
	if account.BalanceExpiresAt == nil || !account.BalanceExpiresAt.Equal(now.Add(30*24*time.Hour)) {
		t.Fatalf("unexpected seeded expiry: %v", account.BalanceExpiresAt)
	}
	if account.DeductionRates[30] != 10 {
		t.Fatalf("expected rates cloned onto account, got %v", account.DeductionRates)
	}
	if account.DeriveStatus(now) != model.AccountStatusActive {
		t.Fatalf("expected active status, got %s", account.DeriveStatus(now))
	}
}

func TestBuildCodeBatch_RandomCodes(t *testing.T) {
	t.Parallel()

	codes, err := buildCodeBatch(GenerateCodesRequest{Count: 5})
	if err != nil {
		t.Fatalf("buildCodeBatch: %v", err)
	}
	if len(codes) != 5 {
		t.Fatalf("expected 5 codes, got %d", len(codes))
	}
	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		if !strings.HasPrefix(code, "REF-") {
			t.Fatalf("expected REF- prefix, got %q", code)
		}
		if _, ok := seen[code]; ok {
			t.Fatalf("duplicate generated code %q", code)
		}
		seen[code] = struct{}{}
	}
}

func TestBuildCodeBatch_SinglePrefixExpands(t *testing.T) {
	t.Parallel()

	codes, err := buildCodeBatch(GenerateCodesRequest{
		Count:       3,
		CustomCodes: []string{"promo2026"},
	})
	if err != nil {
		t.Fatalf("buildCodeBatch: %v", err)
	}
	if len(codes) != 3 {
		t.Fatalf("expected 3 codes, got %d", len(codes))
	}
	for _, code := range codes {
		if !strings.HasPrefix(code, "PROMO2026-") {
			t.Fatalf("expected normalized prefix, got %q", code)
		}
	}
}

func TestBuildCodeBatch_ExactListAndMismatch(t *testing.T) {
	t.Parallel()

	codes, err := buildCodeBatch(GenerateCodesRequest{
		Count:       2,
		CustomCodes: []string{" alpha ", "beta"},
	})
	if err != nil {
		t.Fatalf("buildCodeBatch: %v", err)
	}
	if codes[0] != "ALPHA" || codes[1] != "BETA" {
		t.Fatalf("unexpected custom codes: %v", codes)
	}

	if _, err := buildCodeBatch(GenerateCodesRequest{
		Count:       3,
		CustomCodes: []string{"one", "two"},
	}); err == nil {
		t.Fatal("expected error for count/custom mismatch")
	}

	if _, err := buildCodeBatch(GenerateCodesRequest{
		Count:       2,
		CustomCodes: []string{"same", "SAME"},
	}); err == nil {
		t.Fatal("expected error for duplicate custom codes")
	}
}
