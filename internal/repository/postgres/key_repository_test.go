package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"panda-hub/internal/model"
	"panda-hub/internal/repository"
)

func TestKeyCreateFindDelete(t *testing.T) {
	pool := startPostgresForTest(t)
	accounts := NewAccountRepository(pool)
	keys := NewKeyRepository(pool)
	ctx := context.Background()

	issuer := &model.Account{
		ID:           uuid.New(),
		Username:     "key_issuer",
		PasswordHash: "hash",
		Role:         model.AccountRoleReseller,
		Active:       true,
		Balance:      100,
	}
	if err := accounts.Create(ctx, issuer); err != nil {
		t.Fatalf("create issuer: %v", err)
	}

	modID := "mod-alpha"
	key := &model.LicenseKey{
		ID:         uuid.New(),
		Key:        "PND-0011223344556677889900",
		CreatedBy:  issuer.ID,
		ModID:      &modID,
		IsActive:   true,
		ExpiresAt:  time.Now().UTC().Add(7 * 24 * time.Hour).Truncate(time.Microsecond),
		MaxUsage:   10,
		MaxDevices: 2,
	}
	if err := keys.Create(ctx, key); err != nil {
		t.Fatalf("create key: %v", err)
	}

	byToken, err := keys.FindByKey(ctx, key.Key)
	if err != nil {
		t.Fatalf("find by key: %v", err)
	}
	if byToken.ID != key.ID || byToken.MaxDevices != 2 || byToken.ModID == nil || *byToken.ModID != modID {
		t.Fatalf("key did not round-trip: %+v", byToken)
	}
	if byToken.UsageCount != 0 || byToken.LastUsedAt != nil {
		t.Fatalf("fresh key must have no usage, got count=%d last=%v", byToken.UsageCount, byToken.LastUsedAt)
	}

	if err := keys.Delete(ctx, key.ID); err != nil {
		t.Fatalf("delete key: %v", err)
	}
	if _, err := keys.FindByID(ctx, key.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := keys.Delete(ctx, key.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestKeyList_FiltersByIssuerAndActive(t *testing.T) {
	pool := startPostgresForTest(t)
	accounts := NewAccountRepository(pool)
	keys := NewKeyRepository(pool)
	ctx := context.Background()

	issuerA := &model.Account{
		ID:           uuid.New(),
		Username:     "issuer_a",
		PasswordHash: "hash",
		Role:         model.AccountRoleReseller,
		Active:       true,
		Balance:      100,
	}
	issuerB := &model.Account{
		ID:           uuid.New(),
		Username:     "issuer_b",
		PasswordHash: "hash",
		Role:         model.AccountRoleReseller,
		Active:       true,
		Balance:      100,
	}
	for _, acct := range []*model.Account{issuerA, issuerB} {
		if err := accounts.Create(ctx, acct); err != nil {
			t.Fatalf("create account %s: %v", acct.Username, err)
		}
	}

	expires := time.Now().UTC().Add(24 * time.Hour)
	seed := []struct {
		token  string
		owner  uuid.UUID
		active bool
	}{
		{"PND-AAAAAAAAAAAAAAAAAAAAAAA1", issuerA.ID, true},
		{"PND-AAAAAAAAAAAAAAAAAAAAAAA2", issuerA.ID, false},
		{"PND-BBBBBBBBBBBBBBBBBBBBBBB1", issuerB.ID, true},
	}
	for _, row := range seed {
		if err := keys.Create(ctx, &model.LicenseKey{
			ID:         uuid.New(),
			Key:        row.token,
			CreatedBy:  row.owner,
			IsActive:   row.active,
			ExpiresAt:  expires,
			MaxDevices: 1,
		}); err != nil {
			t.Fatalf("create key %s: %v", row.token, err)
		}
	}

	filter := repository.KeyListFilter{
		CreatedBy:  &issuerA.ID,
		Pagination: repository.Pagination{Limit: 10},
	}
	mine, err := keys.List(ctx, filter)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 keys for issuer A, got %d", len(mine))
	}

	active := true
	filter.IsActive = &active
	activeOnly, err := keys.List(ctx, filter)
	if err != nil {
		t.Fatalf("list active keys: %v", err)
	}
	if len(activeOnly) != 1 {
		t.Fatalf("expected 1 active key for issuer A, got %d", len(activeOnly))
	}

	total, err := keys.Count(ctx, filter)
	if err != nil {
		t.Fatalf("count keys: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected count 1, got %d", total)
	}
}
