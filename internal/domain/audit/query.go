package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// QueryOption configures a QueryService.
type QueryOption func(*QueryService)

func WithQueryMetrics(m *Metrics) QueryOption {
	return func(s *QueryService) {
		s.metrics = m
	}
}

func WithQueryTracer(t trace.Tracer) QueryOption {
	return func(s *QueryService) {
		s.tracer = t
	}
}

// WithResolutionRecorder makes ResolveSecurityEvent record who resolved the
// event as an update AuditEvent.
func WithResolutionRecorder(r *Recorder) QueryOption {
	return func(s *QueryService) {
		s.recorder = r
	}
}

// QueryService is the read side of the audit trail. Every list is bounded by
// the policy, and every query except the security ones is scoped to a tenant.
type QueryService struct {
	store    Stores
	policy   Policy
	recorder *Recorder
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

func NewQueryService(store Stores, policy Policy, opts ...QueryOption) *QueryService {
	s := &QueryService{
		store:  store,
		policy: policy,
		tracer: otel.Tracer("github.com/ehr/audit/internal/domain/audit"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bound exposes the page normalization used by every list.
func (s *QueryService) Bound(page Page) Page {
	return s.policy.Bound(page)
}

func (s *QueryService) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "audit."+name, trace.WithAttributes(attrs...))
	began := time.Now()
	return ctx, func(err error) {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
		span.End()
		if s.metrics != nil {
			s.metrics.QueryLatency.WithLabelValues(name).Observe(time.Since(began).Seconds())
		}
	}
}

// RecentForTenant returns the tenant's AuditEvents, newest first.
func (s *QueryService) RecentForTenant(ctx context.Context, tenant string, page Page) (out []*AuditEvent, err error) {
	ctx, done := s.start(ctx, "recent_for_tenant", attribute.String("audit.tenant", tenant))
	defer func() { done(err) }()

	if err := ValidateTenantID(tenant); err != nil {
		return nil, err
	}
	return s.store.Events.ListByTenant(ctx, tenant, s.policy.Bound(page))
}

// AccessTrailForPatient returns the DataAccessEvents for one patient, newest
// first, optionally limited to those at or after since.
func (s *QueryService) AccessTrailForPatient(ctx context.Context, tenant, patientID string, since *time.Time, page Page) (out []*DataAccessEvent, err error) {
	ctx, done := s.start(ctx, "access_trail_for_patient", attribute.String("audit.tenant", tenant))
	defer func() { done(err) }()

	if err := ValidateTenantID(tenant); err != nil {
		return nil, err
	}
	if strings.TrimSpace(patientID) == "" {
		return nil, missingField("patient_id")
	}
	return s.store.Access.ListByPatient(ctx, tenant, patientID, since, s.policy.Bound(page))
}

// UnresolvedSecurityEvents returns open SecurityEvents across all tenants at
// or above minSeverity, newest first. An empty minSeverity includes all.
func (s *QueryService) UnresolvedSecurityEvents(ctx context.Context, minSeverity Severity, page Page) (out []*SecurityEvent, err error) {
	ctx, done := s.start(ctx, "unresolved_security_events", attribute.String("audit.min_severity", string(minSeverity)))
	defer func() { done(err) }()

	if minSeverity != "" && !minSeverity.Valid() {
		return nil, &InvalidKindError{Field: "severity", Value: string(minSeverity)}
	}
	return s.store.Security.ListUnresolved(ctx, minSeverity, s.policy.Bound(page))
}

// EventsForResource returns the AuditEvents touching one resource, newest first.
func (s *QueryService) EventsForResource(ctx context.Context, tenant, resourceType, resourceID string, page Page) (out []*AuditEvent, err error) {
	ctx, done := s.start(ctx, "events_for_resource",
		attribute.String("audit.tenant", tenant),
		attribute.String("audit.resource_type", resourceType))
	defer func() { done(err) }()

	if err := ValidateTenantID(tenant); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resourceType) == "" {
		return nil, missingField("resource_type")
	}
	if strings.TrimSpace(resourceID) == "" {
		return nil, missingField("resource_id")
	}
	return s.store.Events.ListByResource(ctx, tenant, resourceType, resourceID, s.policy.Bound(page))
}

// ActivityForActor returns the AuditEvents performed by one actor within a tenant.
func (s *QueryService) ActivityForActor(ctx context.Context, tenant, actorID string, page Page) (out []*AuditEvent, err error) {
	ctx, done := s.start(ctx, "activity_for_actor", attribute.String("audit.tenant", tenant))
	defer func() { done(err) }()

	if err := ValidateTenantID(tenant); err != nil {
		return nil, err
	}
	if strings.TrimSpace(actorID) == "" {
		return nil, missingField("actor_id")
	}
	return s.store.Events.ListByActor(ctx, tenant, actorID, s.policy.Bound(page))
}

// AccessByActor returns the PHI accesses made by one actor within a tenant.
func (s *QueryService) AccessByActor(ctx context.Context, tenant, actorID string, page Page) (out []*DataAccessEvent, err error) {
	ctx, done := s.start(ctx, "access_by_actor", attribute.String("audit.tenant", tenant))
	defer func() { done(err) }()

	if err := ValidateTenantID(tenant); err != nil {
		return nil, err
	}
	if strings.TrimSpace(actorID) == "" {
		return nil, missingField("actor_id")
	}
	return s.store.Access.ListByActor(ctx, tenant, actorID, s.policy.Bound(page))
}

// Search filters the tenant's AuditEvents and returns one page plus the total match count.
func (s *QueryService) Search(ctx context.Context, tenant string, f SearchFilter, page Page) (out []*AuditEvent, total int, err error) {
	ctx, done := s.start(ctx, "search", attribute.String("audit.tenant", tenant))
	defer func() { done(err) }()

	if err := ValidateTenantID(tenant); err != nil {
		return nil, 0, err
	}
	if err := validateSearchFilter(f); err != nil {
		return nil, 0, err
	}
	return s.store.Events.Search(ctx, tenant, f, s.policy.Bound(page))
}

// Summary aggregates the tenant's AuditEvents matching f.
func (s *QueryService) Summary(ctx context.Context, tenant string, f SearchFilter) (out *Summary, err error) {
	ctx, done := s.start(ctx, "summary", attribute.String("audit.tenant", tenant))
	defer func() { done(err) }()

	if err := ValidateTenantID(tenant); err != nil {
		return nil, err
	}
	if err := validateSearchFilter(f); err != nil {
		return nil, err
	}
	return s.store.Events.Summarize(ctx, tenant, f)
}

func validateSearchFilter(f SearchFilter) error {
	if f.Action != "" && !f.Action.Valid() {
		return &InvalidKindError{Field: "action", Value: string(f.Action)}
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return fmt.Errorf("%w: time range ends before it starts", ErrInvalidEvent)
	}
	return nil
}

// SecurityEvents lists SecurityEvents matching f across tenants unless f names one.
func (s *QueryService) SecurityEvents(ctx context.Context, f SecurityFilter, page Page) (out []*SecurityEvent, total int, err error) {
	ctx, done := s.start(ctx, "security_events")
	defer func() { done(err) }()

	if f.Tenant != "" {
		if err := ValidateTenantID(f.Tenant); err != nil {
			return nil, 0, err
		}
	}
	if f.EventType != "" && !f.EventType.Valid() {
		return nil, 0, &InvalidKindError{Field: "event_type", Value: string(f.EventType)}
	}
	if f.MinSeverity != "" && !f.MinSeverity.Valid() {
		return nil, 0, &InvalidKindError{Field: "severity", Value: string(f.MinSeverity)}
	}
	return s.store.Security.List(ctx, f, s.policy.Bound(page))
}

// GetAuditEvent returns one AuditEvent. Records of other tenants read as not found.
func (s *QueryService) GetAuditEvent(ctx context.Context, tenant string, id RecordID) (*AuditEvent, error) {
	if err := ValidateTenantID(tenant); err != nil {
		return nil, err
	}
	e, err := s.store.Events.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Tenant != tenant {
		return nil, fmt.Errorf("audit event %d: %w", id, ErrNotFound)
	}
	return e, nil
}

// GetDataAccessEvent returns one DataAccessEvent within tenant.
func (s *QueryService) GetDataAccessEvent(ctx context.Context, tenant string, id RecordID) (*DataAccessEvent, error) {
	if err := ValidateTenantID(tenant); err != nil {
		return nil, err
	}
	e, err := s.store.Access.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Tenant != tenant {
		return nil, fmt.Errorf("data access event %d: %w", id, ErrNotFound)
	}
	return e, nil
}

func (s *QueryService) GetSecurityEvent(ctx context.Context, id RecordID) (*SecurityEvent, error) {
	return s.store.Security.Get(ctx, id)
}

// ResolveInput closes out a SecurityEvent. Tenant is used for the resolution
// AuditEvent when the SecurityEvent itself carries none; with neither, the
// resolution is recorded without a tenant.
type ResolveInput struct {
	ID          RecordID
	ActionTaken string
	Actor       Actor
	Tenant      string
	SessionID   string
	Request     *RequestContext
}

// ResolveSecurityEvent marks an event resolved. Only the resolution fields
// change. When a resolution recorder is configured, the resolution is itself
// audited as an update on SecurityEvent/<id>.
func (s *QueryService) ResolveSecurityEvent(ctx context.Context, in ResolveInput) (out *SecurityEvent, err error) {
	ctx, done := s.start(ctx, "resolve_security_event", attribute.Int64("audit.record_id", int64(in.ID)))
	defer func() { done(err) }()

	if strings.TrimSpace(in.ActionTaken) == "" {
		return nil, missingField("action_taken")
	}
	resolved, err := s.store.Security.Resolve(ctx, in.ID, Resolution{
		ActionTaken: strings.TrimSpace(in.ActionTaken),
		ResolvedAt:  s.now().UTC().Truncate(time.Microsecond),
	})
	if err != nil {
		return nil, err
	}

	tenant := resolved.Tenant
	if tenant == "" {
		tenant = in.Tenant
	}
	if s.recorder != nil {
		_, rerr := s.recorder.RecordAction(ctx, ActionInput{
			Action:       ActionUpdate,
			Actor:        in.Actor,
			Tenant:       tenant,
			ResourceType: "SecurityEvent",
			ResourceID:   strconv.FormatInt(int64(resolved.ID), 10),
			Changes: Payload{
				"resolved":     true,
				"action_taken": resolved.ActionTaken,
			},
			PreviousValues: Payload{"resolved": false},
			NewValues: Payload{
				"resolved":     true,
				"resolved_at":  resolved.ResolvedAt,
				"action_taken": resolved.ActionTaken,
			},
			Request:   in.Request,
			SessionID: in.SessionID,
		})
		if rerr != nil {
			s.recorder.logger.Error().Err(rerr).
				Int64("security_event_id", int64(resolved.ID)).
				Msg("security event resolution not audited")
		}
	}
	return resolved, nil
}

// Tenants lists the registered tenants.
func (s *QueryService) Tenants(ctx context.Context) ([]*Tenant, error) {
	return s.store.Tenants.List(ctx)
}
