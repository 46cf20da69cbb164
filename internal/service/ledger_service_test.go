package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"panda-hub/internal/model"
)

func TestBalanceStateDeriveStatus_Order(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name  string
		state balanceState
		want  model.AccountStatus
	}{
		{
			name:  "inactive beats everything",
			state: balanceState{Active: false, Balance: 0, ExpiresAt: &past},
			want:  model.AccountStatusInactive,
		},
		{
			name:  "drained beats expired",
			state: balanceState{Active: true, Balance: 0, ExpiresAt: &past},
			want:  model.AccountStatusFinished,
		},
		{
			name:  "expired with funds left",
			state: balanceState{Active: true, Balance: 10, ExpiresAt: &past},
			want:  model.AccountStatusExpired,
		},
		{
			name:  "active with funds and future expiry",
			state: balanceState{Active: true, Balance: 10, ExpiresAt: &future},
			want:  model.AccountStatusActive,
		},
		{
			name:  "unlimited ignores zero balance",
			state: balanceState{Active: true, Balance: 0, Unlimited: true},
			want:  model.AccountStatusActive,
		},
		{
			name:  "unlimited still expires",
			state: balanceState{Active: true, Unlimited: true, ExpiresAt: &past},
			want:  model.AccountStatusExpired,
		},
		{
			name:  "no expiry means no expiration",
			state: balanceState{Active: true, Balance: 5},
			want:  model.AccountStatusActive,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.state.deriveStatus(now); got != tc.want {
				t.Fatalf("deriveStatus = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestLedgerMutations_RejectNonPositiveAmounts(t *testing.T) {
	t.Parallel()

	svc := &LedgerService{logger: zap.NewNop(), nowFn: time.Now}
	ctx := context.Background()
	operator := "00000000-0000-0000-0000-000000000001"
	account := "00000000-0000-0000-0000-000000000002"

	if err := svc.Credit(ctx, operator, account, "", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("Credit(0) = %v, want ErrInvalidAmount", err)
	}
	if err := svc.Credit(ctx, operator, account, "", -5); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("Credit(-5) = %v, want ErrInvalidAmount", err)
	}
	if err := svc.Debit(ctx, operator, account, "", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("Debit(0) = %v, want ErrInvalidAmount", err)
	}
	if err := svc.ExtendExpiry(ctx, operator, account, "", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("ExtendExpiry(0) = %v, want ErrInvalidAmount", err)
	}
	if err := svc.ExtendExpiry(ctx, operator, account, "", -1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("ExtendExpiry(-1) = %v, want ErrInvalidAmount", err)
	}
}
