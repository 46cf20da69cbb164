package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"panda-hub/internal/api/middleware"
	v1 "panda-hub/internal/api/v1"
	"panda-hub/internal/service"
	"panda-hub/internal/sse"
	systemlog "panda-hub/pkg/logger"
)

// Deps bundles everything the HTTP surface needs. Nil members simply
// leave their routes unregistered.
type Deps struct {
	AuthService     *service.AuthService
	AccountService  *service.AccountService
	LedgerService   *service.LedgerService
	ReferralService *service.ReferralService
	KeyService      *service.KeyService
	AuditService    *service.AuditService
	SystemService   *service.SystemService
	SSEHub          *sse.SSEHub
	LogStore        *systemlog.SystemLogStore
}

func RegisterV1Routes(router gin.IRouter, deps Deps) {
	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.MaintenanceMode())

	v1.RegisterAuthRoutes(apiV1, deps.AuthService, deps.AccountService)
	v1.RegisterAccountRoutes(apiV1, deps.AccountService, deps.LedgerService)
	v1.RegisterCodeRoutes(apiV1, deps.ReferralService)
	v1.RegisterKeyRoutes(apiV1, deps.KeyService)
	v1.RegisterAuditRoutes(apiV1, deps.AuditService)
	v1.RegisterSystemRoutes(apiV1, deps.SystemService, deps.LogStore)
	v1.RegisterSSERoutes(apiV1, deps.SSEHub)
}

// RegisterInternalRoutes wires the machine-to-machine surface used by
// mod servers. It deliberately bypasses the maintenance gate so key
// checks keep working while the operator UI is closed.
func RegisterInternalRoutes(router gin.IRouter, keyService *service.KeyService, internalSecret string) {
	internal := router.Group("/api/internal")
	v1.RegisterKeyUsageRoute(internal, keyService, strings.TrimSpace(internalSecret))
}
