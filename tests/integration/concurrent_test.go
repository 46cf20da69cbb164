//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"panda-hub/internal/model"
	"panda-hub/internal/service"
)

func TestConcurrentRedeem_SingleWinner(t *testing.T) {
	env := getEnv(t)
	code := generateCustomCode(t, uniqueName("RACE"), 300, 7, nil)

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := env.referralSvc.Redeem(
				context.Background(),
				code,
				fmt.Sprintf("%s_%d", uniqueName("racer"), n),
				"RacerPass123!",
			)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var wins, usedRejections int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, service.ErrCodeAlreadyUsed):
			usedRejections++
		default:
			t.Fatalf("unexpected redeem error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if usedRejections != racers-1 {
		t.Fatalf("expected %d already-used rejections, got %d", racers-1, usedRejections)
	}
}

func TestConcurrentDebit_NeverOverdraws(t *testing.T) {
	env := getEnv(t)
	accountID, _, _ := createReseller(t, 1000)

	const (
		workers = 20
		amount  = int64(100)
	)
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- env.ledgerSvc.Debit(
				context.Background(),
				env.ownerID.String(),
				accountID.String(),
				"",
				amount,
			)
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, refused int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, service.ErrInsufficientBalance):
			refused++
		default:
			t.Fatalf("unexpected debit error: %v", err)
		}
	}
	if succeeded != 10 {
		t.Fatalf("1000/100 allows exactly 10 debits, got %d", succeeded)
	}
	if refused != workers-10 {
		t.Fatalf("expected %d refusals, got %d", workers-10, refused)
	}

	account, err := env.accountRepo.FindByID(context.Background(), accountID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if account.Balance != 0 {
		t.Fatalf("expected balance drained to 0, got %d", account.Balance)
	}
}

func TestConcurrentUsage_CountsEveryHit(t *testing.T) {
	env := getEnv(t)
	issuerID, _, _ := createReseller(t, 10_000)

	key, _, err := env.keySvc.IssueKey(context.Background(), service.IssueKeyRequest{
		AccountID:    issuerID.String(),
		DurationDays: 30,
		DeviceCount:  1,
	})
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}

	const hits = 16
	var wg sync.WaitGroup
	results := make(chan error, hits)
	for i := 0; i < hits; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.keySvc.RecordUsage(context.Background(), key.Key)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			t.Fatalf("usage failed under contention: %v", err)
		}
	}

	reloaded, err := env.keyRepo.FindByID(context.Background(), key.ID)
	if err != nil {
		t.Fatalf("reload key: %v", err)
	}
	if reloaded.UsageCount != hits {
		t.Fatalf("expected usage count %d, got %d", hits, reloaded.UsageCount)
	}
}

func TestSweepStatuses_RecordsDrainedAccounts(t *testing.T) {
	env := getEnv(t)
	ctx := context.Background()

	drainedID, err := seedAccount(ctx, env.accountRepo, uniqueName("drained"), resellerPassword, model.AccountRoleReseller, 0, false)
	if err != nil {
		t.Fatalf("seed drained account: %v", err)
	}

	swept, err := env.ledgerSvc.SweepStatuses(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// Other tests leave their own drifted accounts behind, so the total
	// only has a lower bound here.
	if swept < 1 {
		t.Fatalf("expected at least one transition, got %d", swept)
	}

	account, err := env.accountRepo.FindByID(ctx, drainedID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if account.LastStatus != model.AccountStatusFinished {
		t.Fatalf("expected last_status finished, got %s", account.LastStatus)
	}
	// The sweep is bookkeeping only: the stored balance fields are
	// untouched.
	if account.Balance != 0 || account.UnlimitedBalance || !account.Active {
		t.Fatalf("sweep must not mutate balances or flags: %+v", account)
	}

	// A second pass finds nothing new for this account.
	if _, err := env.ledgerSvc.SweepStatuses(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	again, err := env.accountRepo.FindByID(ctx, drainedID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if again.LastStatus != model.AccountStatusFinished {
		t.Fatalf("status must stay finished, got %s", again.LastStatus)
	}
}
