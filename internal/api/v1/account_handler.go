package v1

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"panda-hub/internal/api/middleware"
	"panda-hub/internal/api/response"
	inputsanitize "panda-hub/internal/api/sanitize"
	"panda-hub/internal/model"
	"panda-hub/internal/repository"
	"panda-hub/internal/service"
)

type AccountHandler struct {
	accountService *service.AccountService
	ledgerService  *service.LedgerService
}

type createAccountRequest struct {
	Username         string                   `json:"username" binding:"required"`
	Credential       string                   `json:"password" binding:"required"` // #nosec G117 -- request DTO field.
	Role             string                   `json:"role"`
	Balance          int64                    `json:"balance"`
	UnlimitedBalance bool                     `json:"unlimited_balance"`
	DurationDays     int                      `json:"duration_days"`
	DeductionRates   model.DeductionRateTable `json:"deduction_rates"`
	TelegramID       *int64                   `json:"telegram_id"`
}

type updateAccountRequest struct {
	Username       *string                   `json:"username"`
	TelegramID     *int64                    `json:"telegram_id"`
	ClearTelegram  bool                      `json:"clear_telegram"`
	DeductionRates *model.DeductionRateTable `json:"deduction_rates"`
}

type activeUpdateRequest struct {
	Active *bool `json:"active" binding:"required"`
}

type balanceMutationRequest struct {
	Amount int64   `json:"amount" binding:"required"`
	ModID  *string `json:"mod_id"`
}

type unlimitedBalanceRequest struct {
	Unlimited *bool   `json:"unlimited" binding:"required"`
	ModID     *string `json:"mod_id"`
}

type extendExpiryRequest struct {
	Days  int     `json:"days" binding:"required"`
	ModID *string `json:"mod_id"`
}

func NewAccountHandler(accountService *service.AccountService, ledgerService *service.LedgerService) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
		ledgerService:  ledgerService,
	}
}

func RegisterAccountRoutes(group *gin.RouterGroup, accountService *service.AccountService, ledgerService *service.LedgerService) {
	handler := NewAccountHandler(accountService, ledgerService)
	accounts := group.Group("/accounts")
	accounts.Use(middleware.JWTAuth())

	accounts.GET("/", handler.List)
	accounts.POST("/", middleware.AuditLog("account.create", "account"), handler.Create)
	accounts.GET("/me", handler.Me)
	accounts.GET("/:id", handler.GetByID)
	accounts.PUT("/:id", middleware.AuditLog("account.update", "account"), handler.Update)
	accounts.PATCH("/:id/active", middleware.AuditLog("account.active_change", "account"), handler.SetActive)
	accounts.POST("/:id/balance/credit", middleware.AuditLog("balance.credit", "account"), handler.Credit)
	accounts.POST("/:id/balance/debit", middleware.AuditLog("balance.debit", "account"), handler.Debit)
	accounts.PATCH("/:id/balance/unlimited", middleware.AuditLog("balance.unlimited", "account"), handler.SetUnlimited)
	accounts.POST("/:id/balance/extend", middleware.AuditLog("balance.extend", "account"), handler.ExtendExpiry)
}

// List
// @Summary List
// @Description Lists accounts, owner only.
// @Tags account
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 401 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/accounts [get]
func (h *AccountHandler) List(c *gin.Context) {
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

	var filter repository.AccountListFilter
	if role := strings.TrimSpace(c.Query("role")); role != "" {
		cast := model.AccountRole(role)
		filter.Role = &cast
	}
	if active := strings.TrimSpace(c.Query("active")); active != "" {
		value := active == "true" || active == "1"
		filter.Active = &value
	}
	if keyword := strings.TrimSpace(c.Query("keyword")); keyword != "" {
		clean := inputsanitize.Text(keyword)
		filter.Keyword = &clean
	}

	accounts, total, err := h.accountService.List(c.Request.Context(), page, pageSize, filter)
	if err != nil {
		handleAccountServiceError(c, err)
		return
	}

	response.Paginated(c, accounts, page, pageSize, total)
}

// Create
// @Summary Create
// @Description Creates a reseller account seeded with a balance grant.
// @Tags account
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/accounts [post]
func (h *AccountHandler) Create(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}
	if !isOwner(claims.Role) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
		return
	}

	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	account, err := h.accountService.Create(c.Request.Context(), service.CreateAccountRequest{
		OperatorID:       claims.AccountID,
		Username:         inputsanitize.Text(req.Username),
		PasswordPlain:    req.Credential,
		Role:             model.AccountRole(inputsanitize.Text(req.Role)),
		Balance:          req.Balance,
		UnlimitedBalance: req.UnlimitedBalance,
		DurationDays:     req.DurationDays,
		DeductionRates:   req.DeductionRates,
		TelegramID:       req.TelegramID,
	})
	if err != nil {
		handleAccountServiceError(c, err)
		return
	}

	response.Success(c, account)
}

// Me returns the caller's own profile with derived statuses.
func (h *AccountHandler) Me(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	profile, err := h.accountService.GetProfile(c.Request.Context(), claims.AccountID)
	if err != nil {
		handleAccountServiceError(c, err)
		return
	}

	response.Success(c, profile)
}

// GetByID
// @Summary GetByID
// @Description Fetches one account profile. Resellers can only read their own.
// @Tags account
// @Accept json
// @Produce json
// @Param id path string true "id"
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/accounts/{id} [get]
func (h *AccountHandler) GetByID(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	targetID := c.Param("id")
	if !isOwner(claims.Role) && claims.AccountID != targetID {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
		return
	}

	profile, err := h.accountService.GetProfile(c.Request.Context(), targetID)
	if err != nil {
		handleAccountServiceError(c, err)
		return
	}

	response.Success(c, profile)
}

// Update
// @Summary Update
// @Description Updates mutable account fields.
// @Tags account
// @Accept json
// @Produce json
// @Param id path string true "id"
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/accounts/{id} [put]
func (h *AccountHandler) Update(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	targetID := c.Param("id")
	owner := isOwner(claims.Role)
	if !owner && claims.AccountID != targetID {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
		return
	}

	var req updateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	// Deduction rates are pricing policy and stay owner-only.
	if !owner && req.DeductionRates != nil {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
		return
	}

	serviceReq := service.UpdateAccountRequest{
		OperatorID:    claims.AccountID,
		Username:      inputsanitize.TextPtr(req.Username),
		TelegramID:    req.TelegramID,
		ClearTelegram: req.ClearTelegram,
	}
	if owner {
		serviceReq.DeductionRates = req.DeductionRates
	}

	account, err := h.accountService.Update(c.Request.Context(), targetID, serviceReq)
	if err != nil {
		handleAccountServiceError(c, err)
		return
	}

	response.Success(c, account)
}

// SetActive
// @Summary SetActive
// @Description Enables or disables an account, owner only.
// @Tags account
// @Accept json
// @Produce json
// @Param id path string true "id"
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/accounts/{id}/active [patch]
func (h *AccountHandler) SetActive(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}
	if !isOwner(claims.Role) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
		return
	}

	var req activeUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Active == nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	err := h.accountService.SetActive(c.Request.Context(), claims.AccountID, c.Param("id"), *req.Active)
	if err != nil {
		handleAccountServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"active": *req.Active})
}

// Credit
// @Summary Credit
// @Description Adds balance to an account or one of its mod balances.
// @Tags account
// @Accept json
// @Produce json
// @Param id path string true "id"
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/accounts/{id}/balance/credit [post]
func (h *AccountHandler) Credit(c *gin.Context) {
	h.mutateBalance(c, func(operatorID, targetID, modID string, req balanceMutationRequest) error {
		return h.ledgerService.Credit(c.Request.Context(), operatorID, targetID, modID, req.Amount)
	})
}

// Debit
// @Summary Debit
// @Description Removes balance from an account or one of its mod balances.
// @Tags account
// @Accept json
// @Produce json
// @Param id path string true "id"
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/accounts/{id}/balance/debit [post]
func (h *AccountHandler) Debit(c *gin.Context) {
	h.mutateBalance(c, func(operatorID, targetID, modID string, req balanceMutationRequest) error {
		return h.ledgerService.Debit(c.Request.Context(), operatorID, targetID, modID, req.Amount)
	})
}

func (h *AccountHandler) mutateBalance(
	c *gin.Context,
	apply func(operatorID, targetID, modID string, req balanceMutationRequest) error,
) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}
	if !isOwner(claims.Role) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
		return
	}

	var req balanceMutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	if err := apply(claims.AccountID, c.Param("id"), derefModID(req.ModID), req); err != nil {
		handleLedgerServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"applied": true})
}

// SetUnlimited
// @Summary SetUnlimited
// @Description Toggles the unlimited-balance flag on an account or mod balance.
// @Tags account
// @Accept json
// @Produce json
// @Param id path string true "id"
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/accounts/{id}/balance/unlimited [patch]
func (h *AccountHandler) SetUnlimited(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}
	if !isOwner(claims.Role) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
		return
	}

	var req unlimitedBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Unlimited == nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	err := h.ledgerService.SetUnlimited(c.Request.Context(), claims.AccountID, c.Param("id"), derefModID(req.ModID), *req.Unlimited)
	if err != nil {
		handleLedgerServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"unlimited": *req.Unlimited})
}

// ExtendExpiry
// @Summary ExtendExpiry
// @Description Extends balance validity, stacking on a still-future expiry.
// @Tags account
// @Accept json
// @Produce json
// @Param id path string true "id"
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/accounts/{id}/balance/extend [post]
func (h *AccountHandler) ExtendExpiry(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}
	if !isOwner(claims.Role) {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
		return
	}

	var req extendExpiryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	err := h.ledgerService.ExtendExpiry(c.Request.Context(), claims.AccountID, c.Param("id"), derefModID(req.ModID), req.Days)
	if err != nil {
		handleLedgerServiceError(c, err)
		return
	}

	response.Success(c, gin.H{"extended_days": req.Days})
}

func handleAccountServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrAccountNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrAccountNotFound, "account not found")
	case errors.Is(err, service.ErrAccountInactive):
		response.Fail(c, http.StatusForbidden, response.ErrAccountInactive, "account inactive")
	case errors.Is(err, service.ErrUsernameTaken):
		response.Fail(c, http.StatusConflict, response.ErrInvalidArgument, "username already taken")
	case errors.Is(err, service.ErrSelfDeactivate):
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "cannot deactivate self")
	case errors.Is(err, service.ErrInvalidAccountID),
		errors.Is(err, service.ErrInvalidAccountInput),
		errors.Is(err, service.ErrInvalidDeductionRate):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
	case errors.Is(err, service.ErrInvalidCredentials):
		response.Fail(c, http.StatusUnauthorized, response.ErrPasswordWrong, "password incorrect")
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
	}
}

func handleLedgerServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrAccountNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrAccountNotFound, "account not found")
	case errors.Is(err, service.ErrAccountInactive):
		response.Fail(c, http.StatusForbidden, response.ErrAccountInactive, "account inactive")
	case errors.Is(err, service.ErrInsufficientBalance):
		response.Fail(c, http.StatusConflict, response.ErrInsufficientBalance, "insufficient balance")
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidAccountID):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
	}
}

func parseIntOrDefault(raw string, def int) int {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return def
	}
	return value
}

func isOwner(role string) bool {
	return strings.EqualFold(role, string(model.AccountRoleOwner))
}

func derefModID(modID *string) string {
	if modID == nil {
		return ""
	}
	return strings.TrimSpace(*modID)
}

func parseOptionalUUID(raw string) *uuid.UUID {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return nil
	}
	return &id
}
