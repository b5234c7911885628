package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/audit/internal/platform/auth"
	"github.com/ehr/audit/internal/platform/db"
)

// DashboardAccess describes one read of the audit API by a person.
type DashboardAccess struct {
	Tenant       string
	UserID       string
	UserName     string
	SessionID    string
	Action       string // read, search or export
	ResourceType string
	ResourceID   string
	Method       string
	Path         string
	Route        string
	Query        string
	IPAddress    string
	UserAgent    string
	RequestID    string
	StatusCode   int
	Timestamp    time.Time
}

// AuditRecorder persists dashboard accesses.
type AuditRecorder interface {
	RecordAccess(ctx context.Context, a DashboardAccess) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(ctx context.Context, a DashboardAccess) error

func (f AuditRecorderFunc) RecordAccess(ctx context.Context, a DashboardAccess) error {
	return f(ctx, a)
}

// Audit returns middleware that records every GET against the audit trail,
// the security queue and the archive listing, so reads of the audit data are
// themselves audited. A recorder failure is logged and never fails the
// request.
func Audit(recorder AuditRecorder, logger zerolog.Logger) echo.MiddlewareFunc {
	logger = logger.With().Str("component", "dashboard-audit").Logger()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodGet || !isAuditablePath(req.URL.Path) {
				return next(c)
			}

			err := next(c)

			route := c.Path()
			ctx := req.Context()
			entry := DashboardAccess{
				Tenant:       db.TenantFromContext(ctx),
				UserID:       auth.UserIDFromContext(ctx),
				UserName:     auth.UserNameFromContext(ctx),
				SessionID:    auth.SessionIDFromContext(ctx),
				Action:       classifyAction(route),
				ResourceType: resourceTypeFor(route),
				ResourceID:   resourceIDFor(c),
				Method:       req.Method,
				Path:         req.URL.Path,
				Route:        route,
				Query:        req.URL.RawQuery,
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				StatusCode:   statusOf(c, err),
				Timestamp:    time.Now().UTC(),
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			if recErr := recorder.RecordAccess(ctx, entry); recErr != nil {
				logger.Error().Err(recErr).
					Str("request_id", entry.RequestID).
					Str("route", route).
					Msg("failed to record dashboard access")
			}
			return err
		}
	}
}

var auditablePrefixes = []string{
	"/api/v1/audit/",
	"/api/v1/security/",
	"/api/v1/admin/archives",
}

func isAuditablePath(path string) bool {
	for _, p := range auditablePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// classifyAction maps a route pattern onto the audit action it represents.
func classifyAction(route string) string {
	switch {
	case strings.Contains(route, "/export/"), strings.HasPrefix(route, "/api/v1/admin/archives/"):
		return "export"
	case strings.HasSuffix(route, "/:id"):
		return "read"
	default:
		return "search"
	}
}

func resourceTypeFor(route string) string {
	switch {
	case strings.HasPrefix(route, "/api/v1/security/"):
		return "SecurityEvent"
	case strings.HasPrefix(route, "/api/v1/admin/archives"):
		return "AuditArchive"
	case strings.HasSuffix(route, "/access"), strings.HasPrefix(route, "/api/v1/audit/access/"):
		return "DataAccessEvent"
	default:
		return "AuditEvent"
	}
}

// resourceIDFor names the record, patient or actor a route was scoped to.
func resourceIDFor(c echo.Context) string {
	for _, name := range []string{"id", "patient", "actor"} {
		if v := c.Param(name); v != "" {
			return v
		}
	}
	return ""
}

// statusOf reports the status a request will be answered with. A returned
// error has not been written yet when middleware sees it.
func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	return http.StatusInternalServerError
}
