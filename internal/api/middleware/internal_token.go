package middleware

import (
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"

	"panda-hub/internal/api/response"
	"panda-hub/pkg/crypto"
)

const modIDContextKey = "mod_id"

// InternalTokenAuth guards the usage-reporting endpoints called by mod
// servers. Each mod presents its own derived token so tokens are not
// interchangeable between mods. Loopback callers are trusted as-is.
func InternalTokenAuth(secret string) gin.HandlerFunc {
	cleanSecret := strings.TrimSpace(secret)

	return func(c *gin.Context) {
		modID := strings.TrimSpace(c.GetHeader("X-Mod-ID"))
		if modID != "" {
			c.Set(modIDContextKey, modID)
		}

		if isLoopbackClient(c.ClientIP()) {
			c.Next()
			return
		}

		provided := strings.TrimSpace(c.GetHeader("X-Internal-Token"))
		if provided == "" {
			provided = bearerTokenFromRequest(c.GetHeader("Authorization"))
		}

		if cleanSecret == "" || modID == "" || !crypto.VerifyInternalToken(modID, provided, cleanSecret) {
			response.Fail(c, 401, response.ErrUnauthorized, "unauthorized")
			c.Abort()
			return
		}

		c.Next()
	}
}

func GetModID(c *gin.Context) string {
	val, ok := c.Get(modIDContextKey)
	if !ok {
		return ""
	}
	modID, _ := val.(string)
	return modID
}

func bearerTokenFromRequest(header string) string {
	auth := strings.TrimSpace(header)
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

func isLoopbackClient(clientIP string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(clientIP))
	if err != nil {
		return false
	}
	return addr.IsLoopback()
}
