package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/audit/internal/platform/db"
)

// Publisher forwards encoded security events to an external stream.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

const defaultWriteTimeout = 5 * time.Second

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithFallback replaces the default stdout fallback stream.
func WithFallback(f Fallback) RecorderOption {
	return func(r *Recorder) {
		r.fallback = f
	}
}

// WithPublisher forwards every security event to p after it is recorded.
func WithPublisher(p Publisher) RecorderOption {
	return func(r *Recorder) {
		r.publisher = p
	}
}

func WithMetrics(m *Metrics) RecorderOption {
	return func(r *Recorder) {
		r.metrics = m
	}
}

func WithBreaker(b *Breaker) RecorderOption {
	return func(r *Recorder) {
		r.breaker = b
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		r.now = now
	}
}

func WithTracer(t trace.Tracer) RecorderOption {
	return func(r *Recorder) {
		r.tracer = t
	}
}

// WithWriteTimeout bounds a single independent store write.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		r.writeTimeout = d
	}
}

// Recorder is the write path for the audit trail. Store failures never reach
// the caller: the record is diverted to the fallback sinks and NotRecorded is
// returned with a nil error. Only caller mistakes (invalid events, a missing
// reason under compliance mode) are returned as errors.
type Recorder struct {
	store        Stores
	policy       Policy
	logger       zerolog.Logger
	fallback     Fallback
	publisher    Publisher
	metrics      *Metrics
	breaker      *Breaker
	now          func() time.Time
	tracer       trace.Tracer
	writeTimeout time.Duration
}

// NewRecorder creates a Recorder writing to store under policy.
func NewRecorder(store Stores, policy Policy, logger zerolog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:        store,
		policy:       policy,
		logger:       logger.With().Str("component", "audit-recorder").Logger(),
		now:          time.Now,
		tracer:       otel.Tracer("github.com/ehr/audit/internal/domain/audit"),
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fallback == nil {
		r.fallback = NewLogFallback(os.Stdout)
	}
	return r
}

// Policy returns the policy the Recorder enforces.
func (r *Recorder) Policy() Policy {
	return r.policy
}

// RecordAction records a generic AuditEvent.
func (r *Recorder) RecordAction(ctx context.Context, in ActionInput) (RecordID, error) {
	ctx, span := r.tracer.Start(ctx, "audit.RecordAction", trace.WithAttributes(
		attribute.String("audit.action", string(in.Action)),
		attribute.String("audit.tenant", in.Tenant),
	))
	defer span.End()

	// failed logins and other pre-resolution events carry no tenant
	e, err := NewAuditEvent(in)
	if err == nil && in.Tenant != "" {
		err = requireTenant(in.Tenant)
	}
	if err != nil {
		return r.reject(span, KindAuditEvent, "invalid", err)
	}
	e.Timestamp = r.stamp()

	return r.write(ctx, span, Envelope{Kind: KindAuditEvent, Audit: e}, func(ctx context.Context) (RecordID, error) {
		if err := r.store.Events.Append(ctx, e); err != nil {
			return NotRecorded, err
		}
		return e.ID, nil
	})
}

// RecordDataAccess records a PHI access. Under compliance mode a sensitive
// access type without a reason fails with ErrMissingReason; the caller
// decides whether the underlying access proceeds.
func (r *Recorder) RecordDataAccess(ctx context.Context, in DataAccessInput) (RecordID, error) {
	ctx, span := r.tracer.Start(ctx, "audit.RecordDataAccess", trace.WithAttributes(
		attribute.String("audit.access_type", string(in.AccessType)),
		attribute.String("audit.tenant", in.Tenant),
	))
	defer span.End()

	e, err := NewDataAccessEvent(in)
	if err == nil {
		err = requireTenant(in.Tenant)
	}
	if err != nil {
		return r.reject(span, KindDataAccessEvent, "invalid", err)
	}
	if e.Reason == "" && r.policy.RequiresReason(e.AccessType) {
		return r.reject(span, KindDataAccessEvent, "missing_reason",
			fmt.Errorf("%w: %s of patient %s", ErrMissingReason, e.AccessType, e.PatientID))
	}
	e.Timestamp = r.stamp()

	return r.write(ctx, span, Envelope{Kind: KindDataAccessEvent, Access: e}, func(ctx context.Context) (RecordID, error) {
		if err := r.store.Access.Append(ctx, e); err != nil {
			return NotRecorded, err
		}
		return e.ID, nil
	})
}

// RecordSecurityEvent records an unresolved SecurityEvent and forwards it to
// the publisher whether or not the store accepted it.
func (r *Recorder) RecordSecurityEvent(ctx context.Context, in SecurityInput) (RecordID, error) {
	ctx, span := r.tracer.Start(ctx, "audit.RecordSecurityEvent", trace.WithAttributes(
		attribute.String("audit.event_type", string(in.EventType)),
		attribute.String("audit.severity", string(in.Severity)),
	))
	defer span.End()

	e, err := NewSecurityEvent(in)
	if err == nil && in.Tenant != "" {
		err = requireTenant(in.Tenant)
	}
	if err != nil {
		return r.reject(span, KindSecurityEvent, "invalid", err)
	}
	e.Timestamp = r.stamp()

	env := Envelope{Kind: KindSecurityEvent, Security: e, Ref: uuid.NewString()}
	id, err := r.write(ctx, span, env, func(ctx context.Context) (RecordID, error) {
		if err := r.store.Security.Append(ctx, e); err != nil {
			return NotRecorded, err
		}
		return e.ID, nil
	})
	if err != nil && IsValidation(err) {
		return id, err
	}
	r.publish(ctx, env)
	return id, err
}

func requireTenant(tenant string) error {
	err := ValidateTenantID(tenant)
	if errors.Is(err, ErrTenantRequired) {
		return missingField("tenant")
	}
	return err
}

// stamp truncates to the store's microsecond precision so a record reads
// back with the timestamp it was written with.
func (r *Recorder) stamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

func (r *Recorder) reject(span trace.Span, kind RecordKind, reason string, err error) (RecordID, error) {
	span.SetStatus(codes.Error, reason)
	span.RecordError(err)
	if r.metrics != nil {
		r.metrics.Rejected.WithLabelValues(string(kind), reason).Inc()
	}
	r.logger.Warn().Err(err).Str("kind", string(kind)).Msg("audit record rejected")
	return NotRecorded, err
}

// write appends through the breaker. With transaction enlistment on and a
// transaction in ctx, the append joins it and a failure is returned so the
// caller can roll back. Otherwise the append runs outside any transaction,
// survives cancellation of ctx, and failures go to the fallback sinks.
func (r *Recorder) write(ctx context.Context, span trace.Span, env Envelope, appendFn func(context.Context) (RecordID, error)) (RecordID, error) {
	kind := string(env.Kind)
	start := time.Now()

	if r.policy.EnlistInTransaction && db.TxFromContext(ctx) != nil {
		id, err := appendFn(ctx)
		r.observe(kind, start)
		if err != nil {
			span.SetStatus(codes.Error, "append failed")
			span.RecordError(err)
			r.logger.Error().Err(err).Str("kind", kind).Msg("audit append failed in caller transaction")
			if errors.Is(err, ErrStoreUnavailable) || IsValidation(err) {
				return NotRecorded, err
			}
			return NotRecorded, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		r.recorded(kind, id, span)
		return id, nil
	}

	if r.breaker != nil && !r.breaker.Allow() {
		r.degrade(ctx, span, env, "breaker_open", fmt.Errorf("%w: circuit open", ErrStoreUnavailable))
		return NotRecorded, nil
	}

	wctx := db.WithoutTx(context.WithoutCancel(ctx))
	if r.writeTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(wctx, r.writeTimeout)
		defer cancel()
	}

	id, err := appendFn(wctx)
	r.observe(kind, start)
	switch {
	case err == nil:
	case IsValidation(err):
		// the store rejected the record itself, e.g. an unregistered tenant
		return r.reject(span, env.Kind, "invalid", err)
	case errors.Is(err, ErrStoreUnavailable):
		if r.breaker != nil {
			r.metrics.setBreaker(r.breaker.Failure())
		}
		r.degrade(ctx, span, env, "store_unavailable", err)
		return NotRecorded, nil
	default:
		r.degrade(ctx, span, env, "store_error", err)
		return NotRecorded, nil
	}
	if r.breaker != nil {
		r.breaker.Success()
		r.metrics.setBreaker(false)
	}
	r.recorded(kind, id, span)
	return id, nil
}

func (r *Recorder) observe(kind string, start time.Time) {
	if r.metrics != nil {
		r.metrics.WriteLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

func (r *Recorder) recorded(kind string, id RecordID, span trace.Span) {
	span.SetAttributes(attribute.Int64("audit.record_id", int64(id)))
	if r.metrics != nil {
		r.metrics.Recorded.WithLabelValues(kind).Inc()
	}
}

func (r *Recorder) degrade(ctx context.Context, span trace.Span, env Envelope, cause string, err error) {
	span.SetStatus(codes.Error, cause)
	span.RecordError(err)
	if r.metrics != nil {
		r.metrics.Degraded.WithLabelValues(string(env.Kind), cause).Inc()
	}
	r.logger.Error().Err(err).
		Str("kind", string(env.Kind)).
		Str("tenant", env.Tenant()).
		Str("cause", cause).
		Msg("audit store write failed, record diverted to fallback")

	if ferr := r.fallback.Capture(context.WithoutCancel(ctx), env, err); ferr != nil {
		r.logger.Error().Err(ferr).Str("kind", string(env.Kind)).Msg("audit fallback failed")
	}
}

func (r *Recorder) publish(ctx context.Context, env Envelope) {
	if r.publisher == nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error().Err(err).Msg("encode security event for publishing")
		return
	}
	// degraded events have no id yet; the envelope ref lets consumers match
	// them with their later spool replay
	key := env.Ref
	if env.Security.ID.Recorded() {
		key = strconv.FormatInt(int64(env.Security.ID), 10)
	}
	if err := r.publisher.Publish(context.WithoutCancel(ctx), key, data); err != nil {
		if r.metrics != nil {
			r.metrics.Published.WithLabelValues("failed").Inc()
		}
		r.logger.Warn().Err(err).Str("key", key).Msg("security event not published")
		return
	}
	if r.metrics != nil {
		r.metrics.Published.WithLabelValues("ok").Inc()
	}
}

// appendEnvelope writes env straight to the matching repository.
func appendEnvelope(ctx context.Context, s Stores, env Envelope) (RecordID, error) {
	if err := env.Validate(); err != nil {
		return NotRecorded, err
	}
	switch env.Kind {
	case KindAuditEvent:
		if err := s.Events.Append(ctx, env.Audit); err != nil {
			return NotRecorded, err
		}
		return env.Audit.ID, nil
	case KindDataAccessEvent:
		if err := s.Access.Append(ctx, env.Access); err != nil {
			return NotRecorded, err
		}
		return env.Access.ID, nil
	default:
		if err := s.Security.Append(ctx, env.Security); err != nil {
			return NotRecorded, err
		}
		return env.Security.ID, nil
	}
}
