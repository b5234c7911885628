package audit

import (
	"context"

	"github.com/ehr/audit/internal/platform/middleware"
)

// DashboardRecorder adapts the Recorder to the HTTP audit middleware so each
// read of the audit API becomes an AuditEvent in the reader's tenant.
// Degraded writes are already captured by the fallback, so only validation
// errors reach the middleware.
func DashboardRecorder(r *Recorder) middleware.AuditRecorder {
	return middleware.AuditRecorderFunc(func(ctx context.Context, a middleware.DashboardAccess) error {
		changes := Payload{"status": a.StatusCode, "route": a.Route}
		if a.Query != "" {
			changes["query"] = a.Query
		}
		if a.RequestID != "" {
			changes["request_id"] = a.RequestID
		}
		_, err := r.RecordAction(ctx, ActionInput{
			Action:       ActionKind(a.Action),
			Actor:        Actor{ID: a.UserID, DisplayName: a.UserName, Address: a.IPAddress},
			Tenant:       a.Tenant,
			ResourceType: a.ResourceType,
			ResourceID:   a.ResourceID,
			Changes:      changes,
			Request: &RequestContext{
				Method:    a.Method,
				Path:      a.Path,
				UserAgent: a.UserAgent,
				Address:   a.IPAddress,
			},
			SessionID: a.SessionID,
		})
		return err
	})
}
