package audit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/audit/internal/platform/auth"
	"github.com/ehr/audit/internal/platform/db"
	"github.com/ehr/audit/pkg/pagination"
)

// BreakGlassHeader marks an emergency access that bypassed normal
// authorization. Its value is the stated justification.
const BreakGlassHeader = "X-Break-Glass"

type Handler struct {
	recorder *Recorder
	query    *QueryService
	logger   zerolog.Logger
}

func NewHandler(recorder *Recorder, query *QueryService, logger zerolog.Logger) *Handler {
	return &Handler{
		recorder: recorder,
		query:    query,
		logger:   logger.With().Str("component", "audit-handler").Logger(),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	ingest := g.Group("", auth.RequireRole(auth.RoleService))
	ingest.POST("/audit/events", h.RecordAction)
	ingest.POST("/audit/access", h.RecordDataAccess)
	ingest.POST("/security/events", h.RecordSecurityEvent)

	read := g.Group("", auth.RequireRole(auth.RoleComplianceOfficer))
	read.GET("/audit/events", h.RecentForTenant)
	read.GET("/audit/events/:id", h.GetAuditEvent)
	read.GET("/audit/resources/:type/:id", h.EventsForResource)
	read.GET("/audit/actors/:actor", h.ActivityForActor)
	read.GET("/audit/actors/:actor/access", h.AccessByActor)
	read.GET("/audit/patients/:patient/access", h.AccessTrailForPatient)
	read.GET("/audit/access/:id", h.GetDataAccessEvent)
	read.GET("/audit/search", h.Search)
	read.GET("/audit/summary", h.Summary)
	read.GET("/audit/export/:format", h.Export)

	sec := g.Group("", auth.RequireRole(auth.RoleSecurityOfficer))
	sec.GET("/security/events", h.ListSecurityEvents)
	sec.GET("/security/events/:id", h.GetSecurityEvent)
	sec.POST("/security/events/:id/resolve", h.ResolveSecurityEvent)
}

// httpError maps domain errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrMissingReason):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]string{
			"code":    "missing_reason",
			"message": err.Error(),
		})
	case IsValidation(err):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]string{
			"code":    "invalid_event",
			"message": err.Error(),
		})
	case errors.Is(err, ErrTenantRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "audit store unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

type recordedResponse struct {
	ID       RecordID `json:"id"`
	Recorded bool     `json:"recorded"`
}

func accepted(c echo.Context, id RecordID) error {
	return c.JSON(http.StatusAccepted, recordedResponse{ID: id, Recorded: id.Recorded()})
}

type actionRequest struct {
	Action         ActionKind      `json:"action"`
	Actor          Actor           `json:"actor"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     string          `json:"resource_id"`
	Changes        Payload         `json:"changes"`
	PreviousValues Payload         `json:"previous_values"`
	NewValues      Payload         `json:"new_values"`
	Request        *RequestContext `json:"request"`
	Reason         string          `json:"reason"`
	SessionID      string          `json:"session_id"`
}

// RecordAction handles POST /api/v1/audit/events.
func (h *Handler) RecordAction(c echo.Context) error {
	var req actionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	id, err := h.recorder.RecordAction(ctx, ActionInput{
		Action:         req.Action,
		Actor:          req.Actor,
		Tenant:         db.TenantFromContext(ctx),
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		Changes:        req.Changes,
		PreviousValues: req.PreviousValues,
		NewValues:      req.NewValues,
		Request:        req.Request,
		Reason:         req.Reason,
		SessionID:      req.SessionID,
	})
	if err != nil {
		return httpError(err)
	}
	return accepted(c, id)
}

type accessRequest struct {
	Actor        Actor           `json:"actor"`
	PatientID    string          `json:"patient_id"`
	AccessType   AccessType      `json:"access_type"`
	Reason       string          `json:"reason"`
	Denied       bool            `json:"denied"`
	DenialReason string          `json:"denial_reason"`
	Request      *RequestContext `json:"request"`
	SessionID    string          `json:"session_id"`
}

// RecordDataAccess handles POST /api/v1/audit/access. A break-glass header
// supplies the reason when the body has none and raises a high severity
// SecurityEvent next to the access record.
func (h *Handler) RecordDataAccess(c echo.Context) error {
	var req accessRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	tenant := db.TenantFromContext(ctx)

	breakGlass := strings.TrimSpace(c.Request().Header.Get(BreakGlassHeader))
	reason := req.Reason
	if breakGlass != "" && strings.TrimSpace(reason) == "" {
		reason = "break-glass: " + breakGlass
	}

	id, err := h.recorder.RecordDataAccess(ctx, DataAccessInput{
		Actor:        req.Actor,
		Tenant:       tenant,
		PatientID:    req.PatientID,
		AccessType:   req.AccessType,
		Reason:       reason,
		Denied:       req.Denied,
		DenialReason: req.DenialReason,
		Request:      req.Request,
		SessionID:    req.SessionID,
	})
	if err != nil {
		return httpError(err)
	}

	if breakGlass != "" {
		if _, serr := h.recorder.RecordSecurityEvent(ctx, SecurityInput{
			EventType:   SecuritySuspiciousActivity,
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("break-glass %s of patient %s: %s", req.AccessType, req.PatientID, breakGlass),
			Actor:       req.Actor,
			Tenant:      tenant,
			Request:     req.Request,
		}); serr != nil {
			h.logger.Error().Err(serr).Msg("break-glass security event rejected")
		}
	}
	return accepted(c, id)
}

type securityRequest struct {
	EventType       SecurityEventType `json:"event_type"`
	Severity        Severity          `json:"severity"`
	Description     string            `json:"description"`
	Actor           Actor             `json:"actor"`
	UsernameAttempt string            `json:"username_attempt"`
	Request         *RequestContext   `json:"request"`
}

// RecordSecurityEvent handles POST /api/v1/security/events. The tenant is
// attached when the request resolved one.
func (h *Handler) RecordSecurityEvent(c echo.Context) error {
	var req securityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	id, err := h.recorder.RecordSecurityEvent(ctx, SecurityInput{
		EventType:       req.EventType,
		Severity:        req.Severity,
		Description:     req.Description,
		Actor:           req.Actor,
		UsernameAttempt: req.UsernameAttempt,
		Tenant:          db.TenantFromContext(ctx),
		Request:         req.Request,
	})
	if err != nil {
		return httpError(err)
	}
	return accepted(c, id)
}

func (h *Handler) page(c echo.Context) Page {
	p := pagination.FromContext(c, h.query.policy.DefaultLimit, h.query.policy.MaxLimit)
	return Page{Limit: p.Limit, Offset: p.Offset}
}

func listResponse[T any](c echo.Context, items []T, page Page) error {
	if items == nil {
		items = []T{}
	}
	return c.JSON(http.StatusOK, pagination.NewListResponse(items, len(items), page.Limit, page.Offset))
}

func parseID(c echo.Context) (RecordID, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return RecordID(id), nil
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s: expected RFC 3339 time or YYYY-MM-DD", name))
}

func parseSearchFilter(c echo.Context) (SearchFilter, error) {
	f := SearchFilter{
		Action:       ActionKind(c.QueryParam("action")),
		ResourceType: c.QueryParam("resource_type"),
		ResourceID:   c.QueryParam("resource_id"),
		ActorID:      c.QueryParam("actor_id"),
		Text:         c.QueryParam("q"),
	}
	var err error
	if f.From, err = parseTime(c, "from"); err != nil {
		return f, err
	}
	if f.To, err = parseTime(c, "to"); err != nil {
		return f, err
	}
	return f, nil
}

// RecentForTenant handles GET /api/v1/audit/events.
func (h *Handler) RecentForTenant(c echo.Context) error {
	ctx := c.Request().Context()
	page := h.page(c)
	items, err := h.query.RecentForTenant(ctx, db.TenantFromContext(ctx), page)
	if err != nil {
		return httpError(err)
	}
	return listResponse(c, items, page)
}

// GetAuditEvent handles GET /api/v1/audit/events/:id.
func (h *Handler) GetAuditEvent(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	e, err := h.query.GetAuditEvent(ctx, db.TenantFromContext(ctx), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// EventsForResource handles GET /api/v1/audit/resources/:type/:id.
func (h *Handler) EventsForResource(c echo.Context) error {
	ctx := c.Request().Context()
	page := h.page(c)
	items, err := h.query.EventsForResource(ctx, db.TenantFromContext(ctx), c.Param("type"), c.Param("id"), page)
	if err != nil {
		return httpError(err)
	}
	return listResponse(c, items, page)
}

// ActivityForActor handles GET /api/v1/audit/actors/:actor.
func (h *Handler) ActivityForActor(c echo.Context) error {
	ctx := c.Request().Context()
	page := h.page(c)
	items, err := h.query.ActivityForActor(ctx, db.TenantFromContext(ctx), c.Param("actor"), page)
	if err != nil {
		return httpError(err)
	}
	return listResponse(c, items, page)
}

// AccessByActor handles GET /api/v1/audit/actors/:actor/access.
func (h *Handler) AccessByActor(c echo.Context) error {
	ctx := c.Request().Context()
	page := h.page(c)
	items, err := h.query.AccessByActor(ctx, db.TenantFromContext(ctx), c.Param("actor"), page)
	if err != nil {
		return httpError(err)
	}
	return listResponse(c, items, page)
}

// AccessTrailForPatient handles GET /api/v1/audit/patients/:patient/access.
func (h *Handler) AccessTrailForPatient(c echo.Context) error {
	since, err := parseTime(c, "since")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	page := h.page(c)
	items, err := h.query.AccessTrailForPatient(ctx, db.TenantFromContext(ctx), c.Param("patient"), since, page)
	if err != nil {
		return httpError(err)
	}
	return listResponse(c, items, page)
}

// GetDataAccessEvent handles GET /api/v1/audit/access/:id.
func (h *Handler) GetDataAccessEvent(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	e, err := h.query.GetDataAccessEvent(ctx, db.TenantFromContext(ctx), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// Search handles GET /api/v1/audit/search.
func (h *Handler) Search(c echo.Context) error {
	f, err := parseSearchFilter(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	page := h.page(c)
	items, total, err := h.query.Search(ctx, db.TenantFromContext(ctx), f, page)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*AuditEvent{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, len(items), total, page.Limit, page.Offset))
}

// Summary handles GET /api/v1/audit/summary.
func (h *Handler) Summary(c echo.Context) error {
	f, err := parseSearchFilter(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	summary, err := h.query.Summary(ctx, db.TenantFromContext(ctx), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

var exportContentTypes = map[ExportFormat]string{
	FormatCSV:    "text/csv",
	FormatJSON:   echo.MIMEApplicationJSON,
	FormatNDJSON: "application/x-ndjson",
}

// Export handles GET /api/v1/audit/export/:format.
func (h *Handler) Export(c echo.Context) error {
	format, err := ParseExportFormat(c.Param("format"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "format must be csv, json or ndjson")
	}
	f, err := parseSearchFilter(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	tenant := db.TenantFromContext(ctx)

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, exportContentTypes[format])
	res.Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=\"audit_export_%s_%s.%s\"", tenant, time.Now().UTC().Format("20060102_150405"), format))

	n, err := h.query.ExportAuditEvents(ctx, tenant, f, format, res)
	if err != nil {
		if !res.Committed {
			res.Header().Del(echo.HeaderContentDisposition)
			return httpError(err)
		}
		h.logger.Error().Err(err).Int("written", n).Msg("audit export aborted mid-stream")
		return nil
	}
	h.logger.Info().Str("tenant", tenant).Str("format", string(format)).Int("records", n).Msg("audit export")
	return nil
}

// ListSecurityEvents handles GET /api/v1/security/events. Without filters it
// returns unresolved events at or above min_severity; tenant, event_type,
// resolved, from or to switch to the filtered listing.
func (h *Handler) ListSecurityEvents(c echo.Context) error {
	minSeverity, err := ParseSeverity(c.QueryParam("min_severity"))
	if err != nil {
		return httpError(err)
	}
	ctx := c.Request().Context()
	page := h.page(c)

	filtered := false
	for _, name := range []string{"tenant", "event_type", "resolved", "from", "to"} {
		if c.QueryParam(name) != "" {
			filtered = true
			break
		}
	}
	if !filtered {
		items, err := h.query.UnresolvedSecurityEvents(ctx, minSeverity, page)
		if err != nil {
			return httpError(err)
		}
		return listResponse(c, items, page)
	}

	f := SecurityFilter{
		Tenant:      c.QueryParam("tenant"),
		EventType:   SecurityEventType(c.QueryParam("event_type")),
		MinSeverity: minSeverity,
	}
	if v := c.QueryParam("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "resolved must be true or false")
		}
		f.Resolved = &b
	}
	if f.From, err = parseTime(c, "from"); err != nil {
		return err
	}
	if f.To, err = parseTime(c, "to"); err != nil {
		return err
	}
	items, total, err := h.query.SecurityEvents(ctx, f, page)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*SecurityEvent{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, len(items), total, page.Limit, page.Offset))
}

// GetSecurityEvent handles GET /api/v1/security/events/:id.
func (h *Handler) GetSecurityEvent(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.query.GetSecurityEvent(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

type resolveRequest struct {
	ActionTaken string `json:"action_taken"`
}

// ResolveSecurityEvent handles POST /api/v1/security/events/:id/resolve.
func (h *Handler) ResolveSecurityEvent(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	r := c.Request()
	ctx := r.Context()
	e, err := h.query.ResolveSecurityEvent(ctx, ResolveInput{
		ID:          id,
		ActionTaken: req.ActionTaken,
		Actor: Actor{
			ID:          auth.UserIDFromContext(ctx),
			DisplayName: auth.UserNameFromContext(ctx),
			Address:     c.RealIP(),
		},
		Tenant:    db.TenantFromContext(ctx),
		SessionID: auth.SessionIDFromContext(ctx),
		Request: &RequestContext{
			Method:    r.Method,
			Path:      r.URL.Path,
			UserAgent: r.UserAgent(),
			Address:   c.RealIP(),
		},
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}
