package v1

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"panda-hub/internal/api/middleware"
	"panda-hub/internal/api/response"
	"panda-hub/internal/service"
)

type AuditHandler struct {
	auditService *service.AuditService
}

func NewAuditHandler(auditService *service.AuditService) *AuditHandler {
	return &AuditHandler{auditService: auditService}
}

func RegisterAuditRoutes(group *gin.RouterGroup, auditService *service.AuditService) {
	if auditService == nil {
		return
	}

	handler := NewAuditHandler(auditService)
	audits := group.Group("/audit-logs")
	audits.Use(middleware.JWTAuth())
	audits.GET("/", handler.List)
}

// List
// @Summary List
// @Description Queries the audit trail, owner only.
// @Tags audit
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer access token"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/audit-logs [get]
func (h *AuditHandler) List(c *gin.Context) {
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

	var filter service.AuditFilter
	if accountID := strings.TrimSpace(c.Query("account_id")); accountID != "" {
		filter.AccountID = &accountID
	}
	if resourceType := strings.TrimSpace(c.Query("resource_type")); resourceType != "" {
		filter.ResourceType = &resourceType
	}
	if resourceID := strings.TrimSpace(c.Query("resource_id")); resourceID != "" {
		filter.ResourceID = &resourceID
	}
	if action := strings.TrimSpace(c.Query("action")); action != "" {
		filter.Action = &action
	}

	from, err := parseAuditTime(c.Query("from"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid from")
		return
	}
	filter.From = from
	to, err := parseAuditTime(c.Query("to"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid to")
		return
	}
	filter.To = to

	logs, total, err := h.auditService.List(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		if errors.Is(err, service.ErrInvalidAccountID) {
			response.Fail(c, http.StatusBadRequest, response.ErrInvalidArgument, "invalid account_id")
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "internal error")
		return
	}

	response.Paginated(c, logs, page, pageSize, total)
}

func parseAuditTime(raw string) (*time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		utc := ts.UTC()
		return &utc, nil
	}
	if ts, err := time.Parse("2006-01-02", value); err == nil {
		utc := ts.UTC()
		return &utc, nil
	}

	return nil, errors.New("invalid time")
}
