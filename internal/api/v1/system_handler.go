package v1

import (
	"errors"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"panda-hub/internal/api/middleware"
	"panda-hub/internal/api/response"
	inputsanitize "panda-hub/internal/api/sanitize"
	"panda-hub/internal/model"
	"panda-hub/internal/service"
	systemlog "panda-hub/pkg/logger"
)

type SystemHandler struct {
	systemService *service.SystemService
	logStore      *systemlog.SystemLogStore
}

type updateSystemConfigRequest struct {
	SiteName              *string                   `json:"site_name"`
	MaintenanceMode       *bool                     `json:"maintenance_mode"`
	DefaultDeductionRates *model.DeductionRateTable `json:"default_deduction_rates"`
	TelegramConfig        *model.TelegramConfig     `json:"telegram_config"`
}

func NewSystemHandler(systemService *service.SystemService, logStore *systemlog.SystemLogStore) *SystemHandler {
	return &SystemHandler{
		systemService: systemService,
		logStore:      logStore,
	}
}

func RegisterSystemRoutes(
	group *gin.RouterGroup,
	systemService *service.SystemService,
	logStore *systemlog.SystemLogStore,
) {
	if systemService == nil {
		return
	}

	handler := NewSystemHandler(systemService, logStore)
	system := group.Group("/system")
	system.Use(middleware.JWTAuth())
	system.GET("/config", handler.GetConfig)
	system.PUT("/config", middleware.AuditLog("system.config_update", "system_config"), handler.UpdateConfig)
	system.GET("/logs", handler.QueryLogs)
	system.GET("/stats", handler.HostStats)
}

// GetConfig
// @Summary GetConfig
// @Description Returns the system configuration, owner only.
// @Tags system
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/system/config [get]
func (h *SystemHandler) GetConfig(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}
	if !isOwner(claims.Role) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
		return
	}

	cfg, err := h.systemService.GetConfig(c.Request.Context())
	if err != nil {
		handleSystemServiceError(c, err)
		return
	}
	response.Success(c, cfg)
}

// UpdateConfig
// @Summary UpdateConfig
// @Description Updates the system configuration, owner only.
// @Tags system
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/system/config [put]
func (h *SystemHandler) UpdateConfig(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}
	if !isOwner(claims.Role) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
		return
	}

	var req updateSystemConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	err := h.systemService.UpdateConfig(c.Request.Context(), claims.AccountID, service.UpdateSystemConfigRequest{
		SiteName:              inputsanitize.TextPtr(req.SiteName),
		MaintenanceMode:       req.MaintenanceMode,
		DefaultDeductionRates: req.DefaultDeductionRates,
		TelegramConfig:        sanitizeTelegramConfig(req.TelegramConfig),
	})
	if err != nil {
		handleSystemServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"updated": true})
}

// QueryLogs
// @Summary QueryLogs
// @Description Queries the in-memory application log ring, owner only.
// @Tags system
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/system/logs [get]
func (h *SystemHandler) QueryLogs(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}
	if !isOwner(claims.Role) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
		return
	}
	if h.logStore == nil {
		response.Fail(c, http.StatusServiceUnavailable, response.ErrInternal, "log service unavailable")
		return
	}

	page := parseIntOrDefault(c.Query("page"), 1)
	pageSize := parseIntOrDefault(c.Query("page_size"), 20)
	level := strings.TrimSpace(c.Query("level"))
	keyword := strings.TrimSpace(c.Query("keyword"))

	from, err := parseSystemLogTime(c.Query("from"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid from")
		return
	}
	to, err := parseSystemLogTime(c.Query("to"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid to")
		return
	}

	items, total := h.logStore.QueryLogs(level, from, to, keyword, page, pageSize)
	response.Paginated(c, items, page, pageSize, total)
}

// HostStats
// @Summary HostStats
// @Description Returns a snapshot of host resource usage, owner only.
// @Tags system
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/system/stats [get]
func (h *SystemHandler) HostStats(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}
	if !isOwner(claims.Role) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
		return
	}

	stats := gin.H{
		"goroutines": runtime.NumGoroutine(),
	}

	if values, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(values) > 0 {
		stats["cpu_percent"] = values[0]
	}
	if stat, err := mem.VirtualMemory(); err == nil {
		stats["mem_percent"] = stat.UsedPercent
		stats["mem_total"] = stat.Total
		stats["mem_used"] = stat.Used
	}
	if uptime, err := host.Uptime(); err == nil {
		stats["host_uptime_seconds"] = uptime
	}

	response.Success(c, stats)
}

func parseSystemLogTime(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse("2006-01-02", value); err == nil {
		return ts.UTC(), nil
	}

	return time.Time{}, errors.New("invalid time")
}

func handleSystemServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidSystemConfigInput),
		errors.Is(err, service.ErrInvalidDeductionRate),
		errors.Is(err, service.ErrInvalidAccountID):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
	}
}

func sanitizeTelegramConfig(cfg *model.TelegramConfig) *model.TelegramConfig {
	if cfg == nil {
		return nil
	}

	cleaned := *cfg
	cleaned.BotToken = strings.TrimSpace(cleaned.BotToken)
	cleaned.BotUsername = inputsanitize.Text(cleaned.BotUsername)
	return &cleaned
}
