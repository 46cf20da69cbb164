//go:build integration

package integration

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"panda-hub/internal/api/response"
	"panda-hub/internal/model"
	"panda-hub/pkg/crypto"
)

const usageModID = "mod-alpha"

func internalHeaders(env *integrationEnv) map[string]string {
	return map[string]string{
		"X-Mod-ID":         usageModID,
		"X-Internal-Token": crypto.GenerateInternalToken(usageModID, env.internalSecret),
	}
}

func TestKeyIssue_DebitsTierCost(t *testing.T) {
	env := getEnv(t)
	issuerID, _, cookies := createReseller(t, 500)

	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/keys/", map[string]interface{}{
		"duration_days": 7,
		"device_count":  1,
	}, nil, cookies)
	if resp.Code != http.StatusOK {
		t.Fatalf("issue returned %d body=%s", resp.Code, resp.Body.String())
	}

	var issued struct {
		Key struct {
			ID  string `json:"id"`
			Key string `json:"key"`
		} `json:"key"`
		Cost int64 `json:"cost"`
	}
	mustUnmarshal(t, decodeEnvelope(t, resp).Data, &issued)
	if issued.Cost != 120 {
		t.Fatalf("expected default 7-day cost 120, got %d", issued.Cost)
	}
	if !strings.HasPrefix(issued.Key.Key, "PND-") {
		t.Fatalf("unexpected key token %q", issued.Key.Key)
	}

	account, err := env.accountRepo.FindByID(context.Background(), issuerID)
	if err != nil {
		t.Fatalf("reload issuer: %v", err)
	}
	if account.Balance != 380 {
		t.Fatalf("expected 500-120=380 after issue, got %d", account.Balance)
	}
}

func TestKeyIssue_DrainsBalanceToFinished(t *testing.T) {
	env := getEnv(t)
	issuerID, _, cookies := createReseller(t, 500)

	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/keys/", map[string]interface{}{
		"duration_days": 30,
		"device_count":  1,
	}, nil, cookies)
	if resp.Code != http.StatusOK {
		t.Fatalf("issue returned %d body=%s", resp.Code, resp.Body.String())
	}

	var issued struct {
		Cost int64 `json:"cost"`
	}
	mustUnmarshal(t, decodeEnvelope(t, resp).Data, &issued)
	if issued.Cost != 500 {
		t.Fatalf("expected default 30-day cost 500, got %d", issued.Cost)
	}

	account, err := env.accountRepo.FindByID(context.Background(), issuerID)
	if err != nil {
		t.Fatalf("reload issuer: %v", err)
	}
	if account.Balance != 0 {
		t.Fatalf("expected the issue to drain the balance, got %d", account.Balance)
	}

	fetched := performJSONRequest(t, env.router, http.MethodGet, "/api/v1/accounts/"+issuerID.String(), nil, nil, cookies)
	if fetched.Code != http.StatusOK {
		t.Fatalf("profile returned %d body=%s", fetched.Code, fetched.Body.String())
	}
	var profile accountProfilePayload
	mustUnmarshal(t, decodeEnvelope(t, fetched).Data, &profile)
	if profile.Status != string(model.AccountStatusFinished) {
		t.Fatalf("drained account must read finished, got %s", profile.Status)
	}
}

func TestKeyIssue_UnlimitedBalanceNotDecremented(t *testing.T) {
	env := getEnv(t)

	username := uniqueName("shop")
	issuerID, err := seedAccount(context.Background(), env.accountRepo, username, resellerPassword, model.AccountRoleReseller, 123, true)
	if err != nil {
		t.Fatalf("seed unlimited reseller: %v", err)
	}
	access, refresh := loginAs(t, username, resellerPassword)
	cookies := authCookies(access, refresh)

	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/keys/", map[string]interface{}{
		"duration_days": 60,
		"device_count":  1,
	}, nil, cookies)
	if resp.Code != http.StatusOK {
		t.Fatalf("issue returned %d body=%s", resp.Code, resp.Body.String())
	}

	var issued struct {
		Cost int64 `json:"cost"`
	}
	mustUnmarshal(t, decodeEnvelope(t, resp).Data, &issued)
	if issued.Cost != 900 {
		t.Fatalf("expected default 60-day cost 900, got %d", issued.Cost)
	}

	account, err := env.accountRepo.FindByID(context.Background(), issuerID)
	if err != nil {
		t.Fatalf("reload issuer: %v", err)
	}
	if !account.UnlimitedBalance {
		t.Fatal("expected unlimited flag to survive the issue")
	}
	if account.Balance != 123 {
		t.Fatalf("unlimited issue must not touch the stored balance, got %d", account.Balance)
	}
}

func TestKeyIssue_DeactivatedAccountRejected(t *testing.T) {
	env := getEnv(t)
	issuerID, _, cookies := createReseller(t, 1000)

	if err := env.accountRepo.SetActive(context.Background(), issuerID, false); err != nil {
		t.Fatalf("deactivate issuer: %v", err)
	}

	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/keys/", map[string]interface{}{
		"duration_days": 7,
		"device_count":  1,
	}, nil, cookies)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a deactivated issuer, got %d body=%s", resp.Code, resp.Body.String())
	}
	if envelope := decodeEnvelope(t, resp); envelope.Code != response.ErrAccountInactive {
		t.Fatalf("expected app code %d, got %d", response.ErrAccountInactive, envelope.Code)
	}

	account, err := env.accountRepo.FindByID(context.Background(), issuerID)
	if err != nil {
		t.Fatalf("reload issuer: %v", err)
	}
	if account.Balance != 1000 {
		t.Fatalf("rejected issue must not charge, balance is %d", account.Balance)
	}
}

func TestKeyIssue_InsufficientBalance(t *testing.T) {
	env := getEnv(t)
	_, _, cookies := createReseller(t, 50)

	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/keys/", map[string]interface{}{
		"duration_days": 7,
		"device_count":  1,
	}, nil, cookies)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", resp.Code, resp.Body.String())
	}
	if envelope := decodeEnvelope(t, resp); envelope.Code != response.ErrInsufficientBalance {
		t.Fatalf("expected app code %d, got %d", response.ErrInsufficientBalance, envelope.Code)
	}
}

func TestKeyCost_DoesNotCharge(t *testing.T) {
	env := getEnv(t)
	issuerID, _, cookies := createReseller(t, 300)

	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/keys/cost", map[string]interface{}{
		"duration_days": 3,
		"device_count":  2,
	}, nil, cookies)
	if resp.Code != http.StatusOK {
		t.Fatalf("cost returned %d body=%s", resp.Code, resp.Body.String())
	}

	var payload struct {
		Cost int64 `json:"cost"`
	}
	mustUnmarshal(t, decodeEnvelope(t, resp).Data, &payload)
	if payload.Cost != 120 {
		t.Fatalf("expected 3-day rate 60 x 2 devices = 120, got %d", payload.Cost)
	}

	account, err := env.accountRepo.FindByID(context.Background(), issuerID)
	if err != nil {
		t.Fatalf("reload issuer: %v", err)
	}
	if account.Balance != 300 {
		t.Fatalf("pricing must not charge, balance is %d", account.Balance)
	}
}

func TestKeyUsage_InternalEndpoint(t *testing.T) {
	env := getEnv(t)
	_, _, cookies := createReseller(t, 1000)

	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/keys/", map[string]interface{}{
		"duration_days": 30,
		"device_count":  1,
	}, nil, cookies)
	if resp.Code != http.StatusOK {
		t.Fatalf("issue returned %d body=%s", resp.Code, resp.Body.String())
	}
	var issued struct {
		Key struct {
			Key string `json:"key"`
		} `json:"key"`
	}
	mustUnmarshal(t, decodeEnvelope(t, resp).Data, &issued)

	usage := performJSONRequest(t, env.router, http.MethodPost, "/api/internal/keys/usage", map[string]string{
		"key": issued.Key.Key,
	}, internalHeaders(env), nil)
	if usage.Code != http.StatusOK {
		t.Fatalf("usage returned %d body=%s", usage.Code, usage.Body.String())
	}

	var report struct {
		Valid      bool  `json:"valid"`
		UsageCount int64 `json:"usage_count"`
	}
	mustUnmarshal(t, decodeEnvelope(t, usage).Data, &report)
	if !report.Valid || report.UsageCount != 1 {
		t.Fatalf("expected first use counted, got %+v", report)
	}
}

func TestKeyUsage_RejectsBadToken(t *testing.T) {
	env := getEnv(t)

	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/internal/keys/usage", map[string]string{
		"key": "PND-000000000000000000000000",
	}, map[string]string{
		"X-Mod-ID":         usageModID,
		"X-Internal-Token": "not-a-valid-token",
	}, nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on bad internal token, got %d body=%s", resp.Code, resp.Body.String())
	}
}

func TestKeyUsage_ExpiredKey(t *testing.T) {
	env := getEnv(t)
	issuerID, _, _ := createReseller(t, 100)

	expired := &model.LicenseKey{
		ID:         uuid.New(),
		Key:        "PND-EXPIREDEXPIREDEXPIRED001",
		CreatedBy:  issuerID,
		IsActive:   true,
		ExpiresAt:  time.Now().UTC().Add(-time.Hour),
		MaxDevices: 1,
	}
	if err := env.keyRepo.Create(context.Background(), expired); err != nil {
		t.Fatalf("seed expired key: %v", err)
	}

	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/internal/keys/usage", map[string]string{
		"key": expired.Key,
	}, internalHeaders(env), nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for expired key, got %d body=%s", resp.Code, resp.Body.String())
	}
	if envelope := decodeEnvelope(t, resp); envelope.Code != response.ErrKeyExpired {
		t.Fatalf("expected app code %d, got %d", response.ErrKeyExpired, envelope.Code)
	}
}

func TestKeyUsage_CapEnforced(t *testing.T) {
	env := getEnv(t)
	_, _, cookies := createReseller(t, 1000)

	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/keys/", map[string]interface{}{
		"duration_days": 1,
		"device_count":  1,
		"max_usage":     1,
	}, nil, cookies)
	if resp.Code != http.StatusOK {
		t.Fatalf("issue returned %d body=%s", resp.Code, resp.Body.String())
	}
	var issued struct {
		Key struct {
			Key string `json:"key"`
		} `json:"key"`
	}
	mustUnmarshal(t, decodeEnvelope(t, resp).Data, &issued)

	first := performJSONRequest(t, env.router, http.MethodPost, "/api/internal/keys/usage", map[string]string{
		"key": issued.Key.Key,
	}, internalHeaders(env), nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first use should pass, got %d body=%s", first.Code, first.Body.String())
	}

	second := performJSONRequest(t, env.router, http.MethodPost, "/api/internal/keys/usage", map[string]string{
		"key": issued.Key.Key,
	}, internalHeaders(env), nil)
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409 once the cap is hit, got %d body=%s", second.Code, second.Body.String())
	}
	if envelope := decodeEnvelope(t, second); envelope.Code != response.ErrUsageExceeded {
		t.Fatalf("expected app code %d, got %d", response.ErrUsageExceeded, envelope.Code)
	}
}

func TestKeyGetByID_ForeignResellerForbidden(t *testing.T) {
	env := getEnv(t)
	_, _, issuerCookies := createReseller(t, 500)
	_, _, strangerCookies := createReseller(t, 500)

	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/keys/", map[string]interface{}{
		"duration_days": 7,
		"device_count":  1,
	}, nil, issuerCookies)
	if resp.Code != http.StatusOK {
		t.Fatalf("issue returned %d body=%s", resp.Code, resp.Body.String())
	}
	var issued struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	mustUnmarshal(t, decodeEnvelope(t, resp).Data, &issued)

	own := performJSONRequest(t, env.router, http.MethodGet, "/api/v1/keys/"+issued.Key.ID, nil, nil, issuerCookies)
	if own.Code != http.StatusOK {
		t.Fatalf("issuer should read own key, got %d", own.Code)
	}

	foreign := performJSONRequest(t, env.router, http.MethodGet, "/api/v1/keys/"+issued.Key.ID, nil, nil, strangerCookies)
	if foreign.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a foreign reseller, got %d body=%s", foreign.Code, foreign.Body.String())
	}

	asOwner := performJSONRequest(t, env.router, http.MethodGet, "/api/v1/keys/"+issued.Key.ID, nil, nil, ownerCookies(t))
	if asOwner.Code != http.StatusOK {
		t.Fatalf("owner should read any key, got %d", asOwner.Code)
	}
}

func TestKeyIssue_RejectsNonTierDuration(t *testing.T) {
	env := getEnv(t)
	_, _, cookies := createReseller(t, 1000)

	resp := performJSONRequest(t, env.router, http.MethodPost, "/api/v1/keys/", map[string]interface{}{
		"duration_days": 10,
		"device_count":  1,
	}, nil, cookies)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-tier duration, got %d body=%s", resp.Code, resp.Body.String())
	}
	if envelope := decodeEnvelope(t, resp); envelope.Code != response.ErrInvalidTier {
		t.Fatalf("expected app code %d, got %d", response.ErrInvalidTier, envelope.Code)
	}
}
