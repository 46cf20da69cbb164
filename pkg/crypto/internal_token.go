package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// GenerateInternalToken derives the shared token a mod server presents
// when it reports key usage. Keyed per mod so one leaked token does not
// open the reporting endpoint for every mod.
func GenerateInternalToken(modID, secret string) string {
	cleanModID := strings.TrimSpace(modID)
	cleanSecret := strings.TrimSpace(secret)
	if cleanModID == "" || cleanSecret == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(cleanSecret))
	_, _ = mac.Write([]byte(cleanModID))
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifyInternalToken(modID, token, secret string) bool {
	expected := GenerateInternalToken(modID, secret)
	if expected == "" {
		return false
	}

	provided := strings.ToLower(strings.TrimSpace(token))
	if len(provided) != len(expected) {
		return false
	}

	return hmac.Equal([]byte(provided), []byte(expected))
}
