//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"panda-hub/internal/api/response"
	"panda-hub/internal/model"
)

type accountProfilePayload struct {
	Account struct {
		ID               string                   `json:"id"`
		Username         string                   `json:"username"`
		Role             string                   `json:"role"`
		Balance          int64                    `json:"balance"`
		UnlimitedBalance bool                     `json:"unlimited_balance"`
		DeductionRates   model.DeductionRateTable `json:"deduction_rates"`
	} `json:"account"`
	Status string `json:"status"`
}

func TestAccountCreateAndCredit_OwnerFlow(t *testing.T) {
	env := getEnv(t)
	owner := ownerCookies(t)

	username := uniqueName("partner")
	created := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/accounts/", map[string]interface{}{
		"username":      username,
		"password":      "PartnerPass123!",
		"role":          "reseller",
		"balance":       300,
		"duration_days": 30,
	}, nil, owner)
	if created.Code != http.StatusOK {
		t.Fatalf("create account returned %d body=%s", created.Code, created.Body.String())
	}

	var account struct {
		ID      string `json:"id"`
		Balance int64  `json:"balance"`
	}
	mustUnmarshal(t, decodeEnvelope(t, created).Data, &account)
	if account.Balance != 300 {
		t.Fatalf("expected seeded balance 300, got %d", account.Balance)
	}

	credit := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/accounts/"+account.ID+"/balance/credit", map[string]interface{}{
		"amount": 250,
	}, nil, owner)
	if credit.Code != http.StatusOK {
		t.Fatalf("credit returned %d body=%s", credit.Code, credit.Body.String())
	}

	fetched := performJSONRequest(t, env.router, http.MethodGet, "/api/v1/accounts/"+account.ID, nil, nil, owner)
	if fetched.Code != http.StatusOK {
		t.Fatalf("get account returned %d body=%s", fetched.Code, fetched.Body.String())
	}

	var profile accountProfilePayload
	mustUnmarshal(t, decodeEnvelope(t, fetched).Data, &profile)
	if profile.Account.Balance != 550 {
		t.Fatalf("expected balance 550 after credit, got %d", profile.Account.Balance)
	}
	if profile.Status != string(model.AccountStatusActive) {
		t.Fatalf("expected active status, got %s", profile.Status)
	}
}

func TestAccountBalanceOps_ResellerForbidden(t *testing.T) {
	env := getEnv(t)
	targetID, _, _ := createReseller(t, 100)
	reseller := resellerCookies(t)

	credit := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/accounts/"+targetID.String()+"/balance/credit", map[string]interface{}{
		"amount": 50,
	}, nil, reseller)
	if credit.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for reseller credit, got %d body=%s", credit.Code, credit.Body.String())
	}
	if envelope := decodeEnvelope(t, credit); envelope.Code != response.ErrForbidden {
		t.Fatalf("expected app code %d, got %d", response.ErrForbidden, envelope.Code)
	}

	list := performJSONRequest(t, env.router, http.MethodGet, "/api/v1/accounts/", nil, nil, reseller)
	if list.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for reseller account list, got %d", list.Code)
	}
}

func TestAccountDebit_InsufficientBalance(t *testing.T) {
	env := getEnv(t)
	targetID, _, _ := createReseller(t, 80)
	owner := ownerCookies(t)

	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/accounts/"+targetID.String()+"/balance/debit", map[string]interface{}{
		"amount": 200,
	}, nil, owner)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 on overdraft, got %d body=%s", resp.Code, resp.Body.String())
	}
	if envelope := decodeEnvelope(t, resp); envelope.Code != response.ErrInsufficientBalance {
		t.Fatalf("expected app code %d, got %d", response.ErrInsufficientBalance, envelope.Code)
	}

	// The failed debit must not have touched the balance.
	fetched := performJSONRequest(t, env.router, http.MethodGet, "/api/v1/accounts/"+targetID.String(), nil, nil, owner)
	var profile accountProfilePayload
	mustUnmarshal(t, decodeEnvelope(t, fetched).Data, &profile)
	if profile.Account.Balance != 80 {
		t.Fatalf("balance changed after failed debit: %d", profile.Account.Balance)
	}
}

func TestAccountGetByID_ResellerReadsOnlySelf(t *testing.T) {
	env := getEnv(t)
	selfID, _, selfCookies := createReseller(t, 50)
	otherID, _, _ := createReseller(t, 50)

	own := performJSONRequest(t, env.router, http.MethodGet, "/api/v1/accounts/"+selfID.String(), nil, nil, selfCookies)
	if own.Code != http.StatusOK {
		t.Fatalf("reseller should read own profile, got %d", own.Code)
	}

	foreign := performJSONRequest(t, env.router, http.MethodGet, "/api/v1/accounts/"+otherID.String(), nil, nil, selfCookies)
	if foreign.Code != http.StatusForbidden {
		t.Fatalf("expected 403 reading another account, got %d", foreign.Code)
	}
}

func TestAccountSetUnlimited_PreservesNumericBalance(t *testing.T) {
	env := getEnv(t)
	targetID, _, _ := createReseller(t, 40)
	owner := ownerCookies(t)

	unlimited := true
	resp := performJSONRequest(t, env.router, http.MethodPatch, "/api/v1/accounts/"+targetID.String()+"/balance/unlimited", map[string]interface{}{
		"unlimited": unlimited,
	}, nil, owner)
	if resp.Code != http.StatusOK {
		t.Fatalf("set unlimited returned %d body=%s", resp.Code, resp.Body.String())
	}

	fetched := performJSONRequest(t, env.router, http.MethodGet, "/api/v1/accounts/"+targetID.String(), nil, nil, owner)
	var profile accountProfilePayload
	mustUnmarshal(t, decodeEnvelope(t, fetched).Data, &profile)
	if !profile.Account.UnlimitedBalance {
		t.Fatal("expected unlimited flag set")
	}
	// Toggling unlimited keeps the numeric balance so switching it back
	// off restores the old funds.
	if profile.Account.Balance != 40 {
		t.Fatalf("expected numeric balance preserved at 40, got %d", profile.Account.Balance)
	}
	if profile.Status != string(model.AccountStatusActive) {
		t.Fatalf("unlimited account must read active, got %s", profile.Status)
	}
}

func TestAccountExtendExpiry_StacksOnRunningExpiry(t *testing.T) {
	env := getEnv(t)
	targetID, _, _ := createReseller(t, 100)
	owner := ownerCookies(t)

	first := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/accounts/"+targetID.String()+"/balance/extend", map[string]interface{}{
		"days": 5,
	}, nil, owner)
	if first.Code != http.StatusOK {
		t.Fatalf("first extend returned %d body=%s", first.Code, first.Body.String())
	}

	account, err := env.accountRepo.FindByID(context.Background(), targetID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if account.BalanceExpiresAt == nil {
		t.Fatal("expected expiry after first extension")
	}
	firstExpiry := account.BalanceExpiresAt.UTC()
	if until := time.Until(firstExpiry); until < 4*24*time.Hour || until > 6*24*time.Hour {
		t.Fatalf("expected expiry roughly five days out, got %v", firstExpiry)
	}

	second := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/accounts/"+targetID.String()+"/balance/extend", map[string]interface{}{
		"days": 3,
	}, nil, owner)
	if second.Code != http.StatusOK {
		t.Fatalf("second extend returned %d body=%s", second.Code, second.Body.String())
	}

	account, err = env.accountRepo.FindByID(context.Background(), targetID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	// The second extension stacks on the still-running expiry instead of
	// restarting from now.
	want := firstExpiry.Add(3 * 24 * time.Hour)
	if account.BalanceExpiresAt == nil || !account.BalanceExpiresAt.UTC().Equal(want) {
		t.Fatalf("expected stacked expiry %v, got %v", want, account.BalanceExpiresAt)
	}
}

func TestAccountUnauthenticated(t *testing.T) {
	env := getEnv(t)

	resp := performJSONRequest(t, env.router, http.MethodGet, "/api/v1/accounts/me", nil, nil, nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.Code)
	}
}
