package hipaa

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/audit/internal/platform/auth"
)

// RetentionHandler serves the read-only retention administration routes.
type RetentionHandler struct {
	service *RetentionService
	sweeper *RetentionSweeper
}

// NewRetentionHandler creates a handler. sweeper may be nil, in which case
// the status route reports policies without counts.
func NewRetentionHandler(service *RetentionService, sweeper *RetentionSweeper) *RetentionHandler {
	return &RetentionHandler{service: service, sweeper: sweeper}
}

// RegisterRoutes registers the retention routes for compliance officers.
func (h *RetentionHandler) RegisterRoutes(g *echo.Group) {
	admin := g.Group("/admin", auth.RequireRole(auth.RoleComplianceOfficer))
	admin.GET("/retention-policies", h.HandleListPolicies)
	admin.GET("/retention-policies/:kind", h.HandleGetPolicy)
	admin.GET("/retention-status", h.HandleRetentionStatus)
}

// HandleListPolicies handles GET /api/v1/admin/retention-policies.
func (h *RetentionHandler) HandleListPolicies(c echo.Context) error {
	policies := h.service.GetAllPolicies()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"policies": policies,
		"total":    len(policies),
	})
}

// HandleGetPolicy handles GET /api/v1/admin/retention-policies/:kind.
func (h *RetentionHandler) HandleGetPolicy(c echo.Context) error {
	kind := c.Param("kind")
	policy := h.service.GetPolicy(kind)
	if policy == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no retention policy for record kind: "+kind)
	}
	return c.JSON(http.StatusOK, policy)
}

// HandleRetentionStatus handles GET /api/v1/admin/retention-status. It runs a
// live sweep so the counts reflect the store at request time.
func (h *RetentionHandler) HandleRetentionStatus(c echo.Context) error {
	if h.sweeper == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"policies": h.service.GetAllPolicies(),
			"as_of":    time.Now().UTC(),
		})
	}

	counts, err := h.sweeper.Sweep(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "retention counts unavailable")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"summaries":   counts,
		"as_of":       time.Now().UTC(),
		"total_kinds": len(counts),
	})
}
