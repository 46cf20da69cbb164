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
	"panda-hub/internal/service"
)

type CodeHandler struct {
	referralService *service.ReferralService
}

type redeemCodeRequest struct {
	Code     string `json:"code" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type redeemIntoAccountRequest struct {
	Code string `json:"code" binding:"required"`
}

type deleteCodesRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

func NewCodeHandler(referralService *service.ReferralService) *CodeHandler {
	return &CodeHandler{referralService: referralService}
}

func RegisterCodeRoutes(group *gin.RouterGroup, referralService *service.ReferralService) {
	if referralService == nil {
		return
	}

	handler := NewCodeHandler(referralService)
	codes := group.Group("/codes")

	codes.GET("/validate", middleware.RateLimit("ip", 30, time.Minute), handler.Validate)
	codes.POST(
		"/redeem",
		middleware.RateLimit("ip", 10, time.Minute),
		middleware.RateLimitByJSONField("code", 5, time.Minute),
		handler.Redeem,
	)

	codes.POST("/redeem/me", middleware.JWTAuth(), middleware.AuditLog("referral.redeem_into", "referral_code"), handler.RedeemIntoAccount)
	codes.POST("/generate", middleware.JWTAuth(), middleware.AuditLog("referral.generate", "referral_code"), handler.Generate)
	codes.GET("/", middleware.JWTAuth(), handler.List)
	codes.DELETE("/", middleware.JWTAuth(), middleware.AuditLog("referral.delete", "referral_code"), handler.Delete)
}

// Validate
// @Summary Validate
// @Description Checks a code without consuming it and returns its grant.
// @Tags code
// @Accept json
// @Produce json
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /api/v1/codes/validate [get]
func (h *CodeHandler) Validate(c *gin.Context) {
	code, err := h.referralService.ValidateCode(c.Request.Context(), c.Query("code"))
	if err != nil {
		handleCodeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"code":  code.Code,
		"grant": code.Grant(),
	})
}

// Redeem
// @Summary Redeem
// @Description Consumes a code and mints a reseller account seeded with its grant.
// @Tags code
// @Accept json
// @Produce json
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /api/v1/codes/redeem [post]
func (h *CodeHandler) Redeem(c *gin.Context) {
	var req redeemCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	account, err := h.referralService.Redeem(
		c.Request.Context(),
		req.Code,
		inputsanitize.Text(req.Username),
		req.Password,
	)
	if err != nil {
		handleCodeServiceError(c, err)
		return
	}

	response.Success(c, account)
}

// RedeemIntoAccount
// @Summary RedeemIntoAccount
// @Description Applies a code's grant to the calling account.
// @Tags code
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /api/v1/codes/redeem/me [post]
func (h *CodeHandler) RedeemIntoAccount(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	var req redeemIntoAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	if err := h.referralService.RedeemIntoAccount(c.Request.Context(), claims.AccountID, req.Code); err != nil {
		handleCodeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"redeemed": true})
}

// Generate
// @Summary Generate
// @Description Mints a batch of referral codes, owner only.
// @Tags code
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/codes/generate [post]
func (h *CodeHandler) Generate(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}
	if !isOwner(claims.Role) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
		return
	}

	var req service.GenerateCodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}
	req.Note = inputsanitize.TextPtr(req.Note)

	codes, err := h.referralService.BatchGenerate(c.Request.Context(), claims.AccountID, req)
	if err != nil {
		handleCodeServiceError(c, err)
		return
	}

	response.Success(c, codes)
}

// List
// @Summary List
// @Description Lists referral codes, owner only.
// @Tags code
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/codes [get]
func (h *CodeHandler) List(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}
	if !isOwner(claims.Role) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
		return
	}

	page := parseIntOrDefault(c.Query("page"), 1)
	pageSize := parseIntOrDefault(c.Query("page_size"), 20)

	var filter service.CodeListFilter
	if used := strings.TrimSpace(c.Query("used")); used != "" {
		value := used == "true" || used == "1"
		filter.Used = &value
	}
	if modID := strings.TrimSpace(c.Query("mod_id")); modID != "" {
		filter.ModID = &modID
	}
	if createdBy := parseOptionalUUID(c.Query("created_by")); createdBy != nil {
		filter.CreatedBy = createdBy
	}
	if keyword := strings.TrimSpace(c.Query("keyword")); keyword != "" {
		clean := inputsanitize.Text(keyword)
		filter.Keyword = &clean
	}

	codes, total, err := h.referralService.List(c.Request.Context(), page, pageSize, filter)
	if err != nil {
		handleCodeServiceError(c, err)
		return
	}

	response.Paginated(c, codes, page, pageSize, total)
}

// Delete
// @Summary Delete
// @Description Deletes referral codes by id, used ones included.
// @Tags code
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/codes [delete]
func (h *CodeHandler) Delete(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}
	if !isOwner(claims.Role) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
		return
	}

	var req deleteCodesRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	if err := h.referralService.DeleteCodes(c.Request.Context(), claims.AccountID, req.IDs); err != nil {
		handleCodeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"deleted": len(req.IDs)})
}

func handleCodeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrCodeNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrCodeNotFound, "referral code not found")
	case errors.Is(err, service.ErrCodeAlreadyUsed):
		response.Fail(c, http.StatusConflict, response.ErrCodeUsed, "referral code already used")
	case errors.Is(err, service.ErrUsernameTaken):
		response.Fail(c, http.StatusConflict, response.ErrInvalidArgument, "username already taken")
	case errors.Is(err, service.ErrAccountNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrAccountNotFound, "account not found")
	case errors.Is(err, service.ErrAccountInactive):
		response.Fail(c, http.StatusForbidden, response.ErrAccountInactive, "account inactive")
	case errors.Is(err, service.ErrInvalidCodeInput),
		errors.Is(err, service.ErrInvalidAccountID):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
	}
}
