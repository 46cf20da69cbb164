//go:build integration

package integration

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"panda-hub/internal/api/response"
	"panda-hub/internal/event"
)

func TestCodeRedeem_MintsAccountWithGrant(t *testing.T) {
	env := getEnv(t)
	code := generateCustomCode(t, uniqueName("WELCOME"), 500, 30, nil)

	username := uniqueName("redeemer")
	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/codes/redeem", map[string]string{
		// whitespace and case are normalized before lookup
		"code":     "  " + strings.ToLower(code) + "  ",
		"username": username,
		"password": "RedeemPass123!",
	}, nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("redeem returned %d body=%s", resp.Code, resp.Body.String())
	}

	var account struct {
		ID               string `json:"id"`
		Username         string `json:"username"`
		Role             string `json:"role"`
		Balance          int64  `json:"balance"`
		BalanceExpiresAt string `json:"balance_expires_at"`
	}
	mustUnmarshal(t, decodeEnvelope(t, resp).Data, &account)
	if account.Username != username || account.Role != "reseller" {
		t.Fatalf("unexpected minted account: %+v", account)
	}
	if account.Balance != 500 {
		t.Fatalf("expected granted balance 500, got %d", account.Balance)
	}
	if account.BalanceExpiresAt == "" {
		t.Fatal("30-day grant must set a balance expiry")
	}

	// The minted credentials work.
	if _, _, err := env.authSvc.Login(context.Background(), username, "RedeemPass123!"); err != nil {
		t.Fatalf("minted account should be able to log in: %v", err)
	}
}

func TestCodeRedeem_SecondUseRejected(t *testing.T) {
	env := getEnv(t)
	code := generateCustomCode(t, uniqueName("ONCE"), 100, 7, nil)

	first := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/codes/redeem", map[string]string{
		"code":     code,
		"username": uniqueName("winner"),
		"password": "WinnerPass123!",
	}, nil, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first redeem returned %d body=%s", first.Code, first.Body.String())
	}

	second := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/codes/redeem", map[string]string{
		"code":     code,
		"username": uniqueName("loser"),
		"password": "LoserPass123!",
	}, nil, nil)
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second redeem, got %d body=%s", second.Code, second.Body.String())
	}
	if envelope := decodeEnvelope(t, second); envelope.Code != response.ErrCodeUsed {
		t.Fatalf("expected app code %d, got %d", response.ErrCodeUsed, envelope.Code)
	}
}

func TestCodeValidate(t *testing.T) {
	env := getEnv(t)
	code := generateCustomCode(t, uniqueName("PEEK"), 250, 15, nil)

	resp := performJSONRequest(t, env.router, http.MethodGet, "/api/v1/codes/validate?code="+code, nil, nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("validate returned %d body=%s", resp.Code, resp.Body.String())
	}

	var payload struct {
		Code  string `json:"code"`
		Grant struct {
			Balance      int64 `json:"balance"`
			DurationDays int   `json:"duration_days"`
		} `json:"grant"`
	}
	mustUnmarshal(t, decodeEnvelope(t, resp).Data, &payload)
	if payload.Code != code {
		t.Fatalf("expected code %s, got %s", code, payload.Code)
	}
	if payload.Grant.Balance != 250 || payload.Grant.DurationDays != 15 {
		t.Fatalf("unexpected grant: %+v", payload.Grant)
	}

	missing := performJSONRequest(t, env.router, http.MethodGet, "/api/v1/codes/validate?code=NOPE-000000", nil, nil, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown code, got %d", missing.Code)
	}
}

func TestCodeRedeemIntoAccount_StacksGrant(t *testing.T) {
	env := getEnv(t)
	accountID, _, cookies := createReseller(t, 120)
	code := generateCustomCode(t, uniqueName("TOPUP"), 80, 0, nil)

	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/codes/redeem/me", map[string]string{
		"code": code,
	}, nil, cookies)
	if resp.Code != http.StatusOK {
		t.Fatalf("redeem into account returned %d body=%s", resp.Code, resp.Body.String())
	}

	owner := ownerCookies(t)
	fetched := performJSONRequest(t, env.router, http.MethodGet, "/api/v1/accounts/"+accountID.String(), nil, nil, owner)
	var profile accountProfilePayload
	mustUnmarshal(t, decodeEnvelope(t, fetched).Data, &profile)
	if profile.Account.Balance != 200 {
		t.Fatalf("expected stacked balance 200, got %d", profile.Account.Balance)
	}
}

func TestCodeRedeemIntoAccount_DurationOverwritesExpiry(t *testing.T) {
	env := getEnv(t)
	accountID, _, cookies := createReseller(t, 100)

	// Give the account a short running expiry first.
	if err := env.ledgerSvc.ExtendExpiry(context.Background(), env.ownerID.String(), accountID.String(), "", 10); err != nil {
		t.Fatalf("seed running expiry: %v", err)
	}

	code := generateCustomCode(t, uniqueName("RENEW"), 50, 30, nil)
	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/codes/redeem/me", map[string]string{
		"code": code,
	}, nil, cookies)
	if resp.Code != http.StatusOK {
		t.Fatalf("redeem into account returned %d body=%s", resp.Code, resp.Body.String())
	}

	account, err := env.accountRepo.FindByID(context.Background(), accountID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if account.BalanceExpiresAt == nil {
		t.Fatal("expected expiry after duration grant")
	}
	// A 30-day grant replaces the running 10-day expiry instead of
	// stacking onto it.
	until := time.Until(account.BalanceExpiresAt.UTC())
	if until < 29*24*time.Hour || until > 31*24*time.Hour {
		t.Fatalf("expected expiry about thirty days out, got %v", account.BalanceExpiresAt)
	}
}

func TestCodeRedeemIntoAccount_PublishesMergedBalance(t *testing.T) {
	env := getEnv(t)
	accountID, _, cookies := createReseller(t, 100)

	payloads := make(chan event.BalanceUpdatedPayload, 16)
	env.eventBus.Subscribe(event.EventBalanceUpdated, func(p any) {
		cast, ok := p.(event.BalanceUpdatedPayload)
		if !ok {
			return
		}
		select {
		case payloads <- cast:
		default:
		}
	})

	code := generateCustomCode(t, uniqueName("MERGE"), 50, 30, nil)
	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/codes/redeem/me", map[string]string{
		"code": code,
	}, nil, cookies)
	if resp.Code != http.StatusOK {
		t.Fatalf("redeem into account returned %d body=%s", resp.Code, resp.Body.String())
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case payload := <-payloads:
			if payload.AccountID != accountID.String() || payload.ModID != "" {
				continue
			}
			// The event carries the merged post-redeem state, not the raw
			// grant amounts.
			if payload.Balance != 150 {
				t.Fatalf("expected merged balance 150, got %d", payload.Balance)
			}
			if payload.Status != "active" {
				t.Fatalf("expected derived status active, got %s", payload.Status)
			}
			if payload.BalanceExpiresAt == nil {
				t.Fatal("expected the granted expiry in the event")
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for the balance event")
		}
	}
}

func TestCodeGenerate_ResellerForbidden(t *testing.T) {
	env := getEnv(t)
	reseller := resellerCookies(t)

	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/codes/generate", map[string]interface{}{
		"count":   1,
		"balance": 100,
	}, nil, reseller)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for reseller generate, got %d body=%s", resp.Code, resp.Body.String())
	}
}
