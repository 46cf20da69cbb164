package crypto

import (
	"strings"
	"testing"
)

func TestInternalToken_RoundTrip(t *testing.T) {
	t.Parallel()

	token := GenerateInternalToken("mod-alpha", "secret-1")
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if len(token) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(token))
	}

	if !VerifyInternalToken("mod-alpha", token, "secret-1") {
		t.Fatal("expected token to verify")
	}
	if !VerifyInternalToken("mod-alpha", strings.ToUpper(token), "secret-1") {
		t.Fatal("verification should be case-insensitive on the token")
	}
	if !VerifyInternalToken(" mod-alpha ", token, "secret-1") {
		t.Fatal("mod id should be trimmed before derivation")
	}
}

func TestInternalToken_RejectsMismatches(t *testing.T) {
	t.Parallel()

	token := GenerateInternalToken("mod-alpha", "secret-1")

	if VerifyInternalToken("mod-beta", token, "secret-1") {
		t.Fatal("token for one mod must not open another")
	}
	if VerifyInternalToken("mod-alpha", token, "secret-2") {
		t.Fatal("token must not verify against a different secret")
	}
	if VerifyInternalToken("mod-alpha", token[:32], "secret-1") {
		t.Fatal("truncated token must not verify")
	}
	if VerifyInternalToken("mod-alpha", "", "secret-1") {
		t.Fatal("empty token must not verify")
	}
}

func TestInternalToken_EmptyInputs(t *testing.T) {
	t.Parallel()

	if GenerateInternalToken("", "secret") != "" {
		t.Fatal("empty mod id must yield no token")
	}
	if GenerateInternalToken("mod", "") != "" {
		t.Fatal("empty secret must yield no token")
	}
	if VerifyInternalToken("", "anything", "secret") {
		t.Fatal("empty mod id must never verify")
	}
}
