package v1

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"panda-hub/internal/api/middleware"
	"panda-hub/internal/api/response"
	inputsanitize "panda-hub/internal/api/sanitize"
	"panda-hub/internal/model"
	"panda-hub/internal/repository"
	"panda-hub/internal/service"
)

type KeyHandler struct {
	keyService *service.KeyService
}

type issueKeyRequest struct {
	ModID        *string `json:"mod_id"`
	DurationDays int     `json:"duration_days" binding:"required"`
	DeviceCount  int     `json:"device_count" binding:"required"`
	MaxUsage     int64   `json:"max_usage"`
}

type keyCostRequest struct {
	ModID        *string `json:"mod_id"`
	DurationDays int     `json:"duration_days" binding:"required"`
	DeviceCount  int     `json:"device_count" binding:"required"`
}

type extendKeyRequest struct {
	Days int `json:"days" binding:"required"`
}

type keyActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

type recordUsageRequest struct {
	Key string `json:"key" binding:"required"`
}

func NewKeyHandler(keyService *service.KeyService) *KeyHandler {
	return &KeyHandler{keyService: keyService}
}

func RegisterKeyRoutes(group *gin.RouterGroup, keyService *service.KeyService) {
	if keyService == nil {
		return
	}

	handler := NewKeyHandler(keyService)
	keys := group.Group("/keys")
	keys.Use(middleware.JWTAuth())

	keys.GET("/", handler.List)
	keys.POST("/", middleware.AuditLog("key.issue", "license_key"), handler.Issue)
	keys.POST("/cost", handler.Cost)
	keys.GET("/:id", handler.GetByID)
	keys.POST("/:id/extend", middleware.AuditLog("key.extend", "license_key"), handler.Extend)
	keys.PATCH("/:id/active", middleware.AuditLog("key.active_change", "license_key"), handler.SetActive)
	keys.DELETE("/:id", middleware.AuditLog("key.delete", "license_key"), handler.Delete)
}

// RegisterKeyUsageRoute wires the usage-reporting endpoint mod servers
// call on every activation. It sits outside the JWT surface.
func RegisterKeyUsageRoute(group *gin.RouterGroup, keyService *service.KeyService, internalSecret string) {
	if keyService == nil {
		return
	}

	handler := NewKeyHandler(keyService)
	group.POST(
		"/keys/usage",
		middleware.RateLimitByHeader("X-Mod-ID", 600, time.Minute),
		middleware.InternalTokenAuth(internalSecret),
		handler.RecordUsage,
	)
}

// Issue
// @Summary Issue
// @Description Issues a license key, debiting the caller's balance by the tier cost.
// @Tags key
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /api/v1/keys [post]
func (h *KeyHandler) Issue(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	var req issueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	key, cost, err := h.keyService.IssueKey(c.Request.Context(), service.IssueKeyRequest{
		AccountID:    claims.AccountID,
		ModID:        normalizeModIDPtr(req.ModID),
		DurationDays: req.DurationDays,
		DeviceCount:  req.DeviceCount,
		MaxUsage:     req.MaxUsage,
	})
	if err != nil {
		handleKeyServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"key":  key,
		"cost": cost,
	})
}

// Cost
// @Summary Cost
// @Description Prices a key without issuing it.
// @Tags key
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/keys/cost [post]
func (h *KeyHandler) Cost(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	var req keyCostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	cost, err := h.keyService.ComputeCost(
		c.Request.Context(),
		claims.AccountID,
		normalizeModIDPtr(req.ModID),
		req.DurationDays,
		req.DeviceCount,
	)
	if err != nil {
		handleKeyServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"cost": cost})
}

// List
// @Summary List
// @Description Lists keys. Resellers see only their own.
// @Tags key
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Router /api/v1/keys [get]
func (h *KeyHandler) List(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	page := parseIntOrDefault(c.Query("page"), 1)
	pageSize := parseIntOrDefault(c.Query("page_size"), 20)

	var filter repository.KeyListFilter
	if modID := strings.TrimSpace(c.Query("mod_id")); modID != "" {
		filter.ModID = &modID
	}
	if active := strings.TrimSpace(c.Query("active")); active != "" {
		value := active == "true" || active == "1"
		filter.IsActive = &value
	}
	if keyword := strings.TrimSpace(c.Query("keyword")); keyword != "" {
		clean := inputsanitize.Text(keyword)
		filter.Keyword = &clean
	}
	if isOwner(claims.Role) {
		if createdBy := parseOptionalUUID(c.Query("created_by")); createdBy != nil {
			filter.CreatedBy = createdBy
		}
	}

	keys, total, err := h.keyService.List(
		c.Request.Context(),
		claims.AccountID,
		model.AccountRole(strings.ToLower(claims.Role)),
		page, pageSize,
		filter,
	)
	if err != nil {
		handleKeyServiceError(c, err)
		return
	}

	response.Paginated(c, keys, page, pageSize, total)
}

// GetByID
// @Summary GetByID
// @Description Fetches one key. Resellers can only read keys they issued.
// @Tags key
// @Accept json
// @Produce json
// @Param id path string true "id"
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/keys/{id} [get]
func (h *KeyHandler) GetByID(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	key, err := h.keyService.GetKey(
		c.Request.Context(),
		claims.AccountID,
		model.AccountRole(strings.ToLower(claims.Role)),
		c.Param("id"),
	)
	if err != nil {
		handleKeyServiceError(c, err)
		return
	}

	response.Success(c, key)
}

// Extend
// @Summary Extend
// @Description Extends a key's expiry, stacking on a still-future one.
// @Tags key
// @Accept json
// @Produce json
// @Param id path string true "id"
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/keys/{id}/extend [post]
func (h *KeyHandler) Extend(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	var req extendKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	key, err := h.keyService.ExtendKey(
		c.Request.Context(),
		claims.AccountID,
		model.AccountRole(strings.ToLower(claims.Role)),
		c.Param("id"),
		req.Days,
	)
	if err != nil {
		handleKeyServiceError(c, err)
		return
	}

	response.Success(c, key)
}

// SetActive
// @Summary SetActive
// @Description Suspends or reactivates a key.
// @Tags key
// @Accept json
// @Produce json
// @Param id path string true "id"
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/keys/{id}/active [patch]
func (h *KeyHandler) SetActive(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	var req keyActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Active == nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	err := h.keyService.SetKeyActive(
		c.Request.Context(),
		claims.AccountID,
		model.AccountRole(strings.ToLower(claims.Role)),
		c.Param("id"),
		*req.Active,
	)
	if err != nil {
		handleKeyServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"active": *req.Active})
}

// Delete
// @Summary Delete
// @Description Deletes a key. The issuance cost is not refunded.
// @Tags key
// @Accept json
// @Produce json
// @Param id path string true "id"
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/keys/{id} [delete]
func (h *KeyHandler) Delete(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	err := h.keyService.DeleteKey(
		c.Request.Context(),
		claims.AccountID,
		model.AccountRole(strings.ToLower(claims.Role)),
		c.Param("id"),
	)
	if err != nil {
		handleKeyServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"deleted": true})
}

// RecordUsage
// @Summary RecordUsage
// @Description Validates a key at activation time and counts the use.
// @Tags key
// @Accept json
// @Produce json
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /api/internal/keys/usage [post]
func (h *KeyHandler) RecordUsage(c *gin.Context) {
	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	key, err := h.keyService.RecordUsage(c.Request.Context(), req.Key)
	if err != nil {
		handleKeyServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"valid":       true,
		"key":         key.Key,
		"mod_id":      key.ModID,
		"expires_at":  key.ExpiresAt,
		"usage_count": key.UsageCount,
		"max_usage":   key.MaxUsage,
		"max_devices": key.MaxDevices,
	})
}

func handleKeyServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrKeyNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrKeyNotFound, "license key not found")
	case errors.Is(err, service.ErrInvalidTier):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidTier, "invalid duration tier")
	case errors.Is(err, service.ErrKeyExpired):
		response.Fail(c, http.StatusConflict, response.ErrKeyExpired, "license key expired")
	case errors.Is(err, service.ErrKeyInactive):
		response.Fail(c, http.StatusConflict, response.ErrKeyInactive, "license key inactive")
	case errors.Is(err, service.ErrUsageExceeded):
		response.Fail(c, http.StatusConflict, response.ErrUsageExceeded, "license key usage exceeded")
	case errors.Is(err, service.ErrInsufficientBalance):
		response.Fail(c, http.StatusConflict, response.ErrInsufficientBalance, "insufficient balance")
	case errors.Is(err, service.ErrAccountNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrAccountNotFound, "account not found")
	case errors.Is(err, service.ErrAccountInactive):
		response.Fail(c, http.StatusForbidden, response.ErrAccountInactive, "account inactive")
	case errors.Is(err, service.ErrPermissionDenied):
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
	case errors.Is(err, service.ErrInvalidDeviceCount),
		errors.Is(err, service.ErrInvalidAccountID),
		errors.Is(err, service.ErrInvalidAmount):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
	}
}

func normalizeModIDPtr(modID *string) *string {
	if modID == nil {
		return nil
	}
	value := strings.TrimSpace(*modID)
	if value == "" {
		return nil
	}
	return &value
}
