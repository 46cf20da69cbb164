package v1

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"panda-hub/internal/api/middleware"
	"panda-hub/internal/api/response"
	inputsanitize "panda-hub/internal/api/sanitize"
	"panda-hub/internal/service"
)

const (
	accessTokenCookieName  = "access_token"
	refreshTokenCookieName = "refresh_token"
	accessTokenTTL         = 2 * time.Hour
	refreshTokenTTL        = 7 * 24 * time.Hour
)

type AuthHandler struct {
	authService    *service.AuthService
	accountService *service.AccountService
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

func NewAuthHandler(authService *service.AuthService, accountService *service.AccountService) *AuthHandler {
	return &AuthHandler{
		authService:    authService,
		accountService: accountService,
	}
}

func RegisterAuthRoutes(group *gin.RouterGroup, authService *service.AuthService, accountService *service.AccountService) {
	if authService == nil || accountService == nil {
		return
	}

	handler := NewAuthHandler(authService, accountService)
	auth := group.Group("/auth")
	auth.POST(
		"/login",
		middleware.RateLimit("ip", 5, time.Minute),
		middleware.RateLimitByJSONField("username", 10, time.Minute),
		handler.Login,
	)
	auth.POST("/refresh", handler.Refresh)
	auth.POST("/logout", handler.Logout)
	auth.POST("/password", middleware.JWTAuth(), handler.ChangePassword)
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	accessToken, refreshToken, err := h.authService.Login(
		c.Request.Context(),
		inputsanitize.Text(req.Username),
		req.Password,
	)
	if err != nil {
		handleAuthError(c, err)
		return
	}

	setSecureCookie(c, accessTokenCookieName, accessToken, int(accessTokenTTL.Seconds()))
	setSecureCookie(c, refreshTokenCookieName, refreshToken, int(refreshTokenTTL.Seconds()))

	response.Success(c, gin.H{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
	})
}

// Refresh
// @Summary Refresh
// @Description Rotates the refresh token and issues a fresh access token.
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} response.Response
// @Failure 401 {object} response.Response
// @Router /api/v1/auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	refreshToken, err := c.Cookie(refreshTokenCookieName)
	if err != nil || refreshToken == "" {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	newAccessToken, newRefreshToken, err := h.authService.RefreshToken(c.Request.Context(), refreshToken)
	if err != nil {
		handleAuthError(c, err)
		return
	}

	setSecureCookie(c, accessTokenCookieName, newAccessToken, int(accessTokenTTL.Seconds()))
	setSecureCookie(c, refreshTokenCookieName, newRefreshToken, int(refreshTokenTTL.Seconds()))

	response.Success(c, gin.H{
		"access_token":  newAccessToken,
		"refresh_token": newRefreshToken,
	})
}

// Logout
// @Summary Logout
// @Description Revokes the current session and clears auth cookies.
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /api/v1/auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	refreshToken, _ := c.Cookie(refreshTokenCookieName)
	if err := h.authService.Logout(c.Request.Context(), refreshToken); err != nil && !errors.Is(err, service.ErrRefreshTokenInvalid) {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
		return
	}

	clearCookie(c, accessTokenCookieName)
	clearCookie(c, refreshTokenCookieName)
	response.Success(c, gin.H{"message": "logout success"})
}

// ChangePassword
// @Summary ChangePassword
// @Description Changes the caller's password and forces a re-login.
// @Tags auth
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 401 {object} response.Response
// @Router /api/v1/auth/password [post]
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
		return
	}

	err := h.accountService.ChangePassword(c.Request.Context(), claims.AccountID, req.OldPassword, req.NewPassword)
	if err != nil {
		handleAuthError(c, err)
		return
	}

	clearCookie(c, accessTokenCookieName)
	clearCookie(c, refreshTokenCookieName)
	response.Success(c, gin.H{"message": "password changed"})
}

func handleAuthError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		response.Fail(c, http.StatusUnauthorized, response.ErrPasswordWrong, "username or password incorrect")
	case errors.Is(err, service.ErrAccountInactive):
		response.Fail(c, http.StatusForbidden, response.ErrAccountInactive, "account inactive")
	case errors.Is(err, service.ErrAccountNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrAccountNotFound, "account not found")
	case errors.Is(err, service.ErrRefreshTokenExpired):
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenExpired, "refresh token expired")
	case errors.Is(err, service.ErrRefreshTokenInvalid):
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "invalid refresh token")
	case errors.Is(err, service.ErrInvalidAccountID):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid request")
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
	}
}

func setSecureCookie(c *gin.Context, name, value string, maxAge int) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(name, value, maxAge, "/", "", true, true)
}

func clearCookie(c *gin.Context, name string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(name, "", -1, "/", "", true, true)
}
