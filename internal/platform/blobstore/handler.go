package blobstore

import (
	"errors"
	"fmt"
	"net/http"
	"path"

	"github.com/labstack/echo/v4"

	"github.com/ehr/audit/internal/platform/auth"
)

// Handler exposes archived objects to compliance officers. There is no upload
// or delete route; archives are produced by the archive command.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the archive routes on g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	admin := g.Group("/admin", auth.RequireRole(auth.RoleComplianceOfficer))
	admin.GET("/archives", h.handleList)
	admin.GET("/archives/*", h.handleDownload)
}

type listResponse struct {
	Items []*Object `json:"items"`
	Total int       `json:"total"`
}

func (h *Handler) handleList(c echo.Context) error {
	items, err := h.store.List(c.Request().Context(), c.QueryParam("prefix"))
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "archive store unavailable")
	}
	if items == nil {
		items = []*Object{}
	}
	return c.JSON(http.StatusOK, listResponse{Items: items, Total: len(items)})
}

func (h *Handler) handleDownload(c echo.Context) error {
	key := c.Param("*")
	if err := ValidateKey(key); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rc, obj, err := h.store.Get(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "archive object not found")
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, "archive store unavailable")
	}
	defer rc.Close()

	if obj.SHA256 != "" {
		c.Response().Header().Set("X-Archive-SHA256", obj.SHA256)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename=%q`, path.Base(key)))
	contentType := obj.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Stream(http.StatusOK, contentType, rc)
}
