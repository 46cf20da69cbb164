package middleware

import (
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"panda-hub/internal/api/response"
	"panda-hub/internal/model"
	jwtutil "panda-hub/pkg/jwt"
)

var systemConfigCache atomic.Pointer[model.SystemConfig]
var maintenanceModeFlag atomic.Bool

func SetSystemConfigCache(cfg *model.SystemConfig) {
	if cfg == nil {
		systemConfigCache.Store(nil)
		maintenanceModeFlag.Store(false)
		return
	}

	copyCfg := cloneSystemConfig(cfg)
	systemConfigCache.Store(&copyCfg)
	maintenanceModeFlag.Store(copyCfg.MaintenanceMode)
}

func GetSystemConfigCache() *model.SystemConfig {
	cfg := systemConfigCache.Load()
	if cfg == nil {
		return nil
	}

	copyCfg := cloneSystemConfig(cfg)
	return &copyCfg
}

func SetMaintenanceMode(enabled bool) {
	maintenanceModeFlag.Store(enabled)
}

func IsMaintenanceMode() bool {
	return maintenanceModeFlag.Load()
}

// MaintenanceMode rejects everyone except owners while the flag is on.
// Owners must still be able to log in and flip the flag back off.
func MaintenanceMode() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !maintenanceModeFlag.Load() {
			c.Next()
			return
		}

		if claims, ok := GetClaims(c); ok && strings.EqualFold(claims.Role, string(model.AccountRoleOwner)) {
			c.Next()
			return
		}
		if claims, ok := resolveClaimsFromRequest(c); ok && strings.EqualFold(claims.Role, string(model.AccountRoleOwner)) {
			c.Set(claimsContextKey, claims)
			c.Next()
			return
		}

		response.Fail(c, 503, response.ErrSystemMaintenance, "system maintenance")
		c.Abort()
	}
}

func resolveClaimsFromRequest(c *gin.Context) (*Claims, bool) {
	if c == nil {
		return nil, false
	}

	tokenString := tokenFromRequest(c)
	if tokenString == "" {
		return nil, false
	}

	publicKey, err := loadRSAPublicKey()
	if err != nil {
		return nil, false
	}

	claims, err := jwtutil.ParseAccessToken(tokenString, publicKey)
	if err != nil || claims == nil {
		return nil, false
	}

	return claims, true
}

func cloneSystemConfig(cfg *model.SystemConfig) model.SystemConfig {
	if cfg == nil {
		return model.SystemConfig{}
	}

	copyCfg := *cfg
	if len(cfg.DefaultDeductionRates) > 0 {
		copyCfg.DefaultDeductionRates = make(model.DeductionRateTable, len(cfg.DefaultDeductionRates))
		for days, cost := range cfg.DefaultDeductionRates {
			copyCfg.DefaultDeductionRates[days] = cost
		}
	}

	return copyCfg
}
