package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/audit/internal/platform/db"
)

// RecordID is the store-assigned sequential identity of an audit record.
type RecordID int64

// NotRecorded is returned by the Recorder when an event could not be persisted
// and was diverted to the fallback sinks instead.
const NotRecorded RecordID = 0

// Recorded reports whether the id refers to a persisted record.
func (id RecordID) Recorded() bool {
	return id > 0
}

// RecordKind names the three persisted record shapes.
type RecordKind string

const (
	KindAuditEvent      RecordKind = "audit_event"
	KindDataAccessEvent RecordKind = "data_access_event"
	KindSecurityEvent   RecordKind = "security_event"
)

// Kinds lists every record kind in table order.
func Kinds() []RecordKind {
	return []RecordKind{KindAuditEvent, KindDataAccessEvent, KindSecurityEvent}
}

// ActionKind is the verb of a generic AuditEvent.
type ActionKind string

const (
	ActionCreate      ActionKind = "create"
	ActionRead        ActionKind = "read"
	ActionUpdate      ActionKind = "update"
	ActionDelete      ActionKind = "delete"
	ActionLogin       ActionKind = "login"
	ActionLogout      ActionKind = "logout"
	ActionFailedLogin ActionKind = "failed_login"
	ActionExport      ActionKind = "export"
	ActionPrint       ActionKind = "print"
	ActionSearch      ActionKind = "search"
)

var validActions = map[ActionKind]bool{
	ActionCreate: true, ActionRead: true, ActionUpdate: true, ActionDelete: true,
	ActionLogin: true, ActionLogout: true, ActionFailedLogin: true,
	ActionExport: true, ActionPrint: true, ActionSearch: true,
}

// Valid reports whether a is one of the enumerated action kinds.
func (a ActionKind) Valid() bool {
	return validActions[a]
}

// sessionAction reports whether the action describes a session rather than a resource.
func (a ActionKind) sessionAction() bool {
	return a == ActionLogin || a == ActionLogout || a == ActionFailedLogin
}

// AccessType classifies a PHI access.
type AccessType string

const (
	AccessViewDemographics   AccessType = "view_demographics"
	AccessViewMedicalHistory AccessType = "view_medical_history"
	AccessViewClinicalRecord AccessType = "view_clinical_record"
	AccessViewPrescription   AccessType = "view_prescription"
	AccessViewLabResults     AccessType = "view_lab_results"
	AccessViewImaging        AccessType = "view_imaging"
	AccessViewBilling        AccessType = "view_billing"
	AccessModify             AccessType = "modify"
	AccessExport             AccessType = "export"
)

var validAccessTypes = map[AccessType]bool{
	AccessViewDemographics: true, AccessViewMedicalHistory: true, AccessViewClinicalRecord: true,
	AccessViewPrescription: true, AccessViewLabResults: true, AccessViewImaging: true,
	AccessViewBilling: true, AccessModify: true, AccessExport: true,
}

// Valid reports whether t is one of the enumerated access types.
func (t AccessType) Valid() bool {
	return validAccessTypes[t]
}

// SecurityEventType classifies a monitoring record.
type SecurityEventType string

const (
	SecurityUnauthorizedAccess SecurityEventType = "unauthorized_access"
	SecurityFailedLogin        SecurityEventType = "failed_login"
	SecurityPermissionDenied   SecurityEventType = "permission_denied"
	SecurityDataBreachAttempt  SecurityEventType = "data_breach_attempt"
	SecuritySuspiciousActivity SecurityEventType = "suspicious_activity"
	SecurityPolicyViolation    SecurityEventType = "policy_violation"
)

var validSecurityTypes = map[SecurityEventType]bool{
	SecurityUnauthorizedAccess: true, SecurityFailedLogin: true, SecurityPermissionDenied: true,
	SecurityDataBreachAttempt: true, SecuritySuspiciousActivity: true, SecurityPolicyViolation: true,
}

// Valid reports whether t is one of the enumerated security event types.
func (t SecurityEventType) Valid() bool {
	return validSecurityTypes[t]
}

// Severity orders security events from low to critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DefaultSeverity applies when a security event is recorded without one.
const DefaultSeverity = SeverityMedium

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Valid reports whether s is one of the enumerated severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns 1 (low) through 4 (critical), or 0 for an unknown value.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// SeveritiesAtLeast returns the severities ranked at or above min, lowest first.
// An empty min returns every severity.
func SeveritiesAtLeast(min Severity) []Severity {
	all := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	if min == "" {
		return all
	}
	out := make([]Severity, 0, len(all))
	for _, s := range all {
		if s.AtLeast(min) {
			out = append(out, s)
		}
	}
	return out
}

// ParseSeverity converts a query value into a Severity. An empty string yields
// an empty Severity, meaning "no minimum".
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if s == "" {
		return "", nil
	}
	if !s.Valid() {
		return "", &InvalidKindError{Field: "severity", Value: v}
	}
	return s, nil
}

// ValidateTenantID rejects identifiers that are empty or contain anything but
// letters, digits and underscores.
func ValidateTenantID(id string) error {
	if id == "" {
		return ErrTenantRequired
	}
	if !db.ValidTenantID(id) {
		return &InvalidKindError{Field: "tenant", Value: id}
	}
	return nil
}

// Actor identifies who performed an action. The subsystem never resolves the
// identity; DisplayName is captured at write time so it survives user removal.
type Actor struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Address     string `json:"address,omitempty"`
}

// Anonymous reports whether no actor identifier was supplied.
func (a Actor) Anonymous() bool {
	return a.ID == ""
}

// RequestContext carries optional details of the request that triggered an event.
type RequestContext struct {
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Address   string `json:"address,omitempty"`
}

// Payload is a free-form snapshot attached to an AuditEvent.
type Payload map[string]any

// Clone returns a deep copy of p. Payloads that cannot be encoded never pass
// NewAuditEvent, so for stored events the copy is always deep; otherwise the
// top level is copied and nested values are shared.
func (p Payload) Clone() Payload {
	out, err := p.deepCopy()
	if err != nil {
		out = make(Payload, len(p))
		for k, v := range p {
			out[k] = v
		}
	}
	return out
}

// deepCopy copies p via a JSON round trip, so nested maps and slices are never
// shared with the caller. It fails for values JSON cannot represent.
func (p Payload) deepCopy() (Payload, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out Payload
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AuditEvent is the generic immutable action record.
type AuditEvent struct {
	ID             RecordID       `json:"id"`
	Tenant         string         `json:"tenant,omitempty"`
	Actor          Actor          `json:"actor"`
	Action         ActionKind     `json:"action"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id,omitempty"`
	Changes        Payload        `json:"changes,omitempty"`
	PreviousValues Payload        `json:"previous_values,omitempty"`
	NewValues      Payload        `json:"new_values,omitempty"`
	Request        RequestContext `json:"request"`
	Reason         string         `json:"reason,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Clone returns a copy of e that shares no mutable state with it.
func (e *AuditEvent) Clone() *AuditEvent {
	c := *e
	c.Changes = e.Changes.Clone()
	c.PreviousValues = e.PreviousValues.Clone()
	c.NewValues = e.NewValues.Clone()
	return &c
}

// DataAccessEvent records a PHI access and the reason given for it.
type DataAccessEvent struct {
	ID            RecordID       `json:"id"`
	Tenant        string         `json:"tenant"`
	Actor         Actor          `json:"actor"`
	PatientID     string         `json:"patient_id"`
	AccessType    AccessType     `json:"access_type"`
	Reason        string         `json:"reason"`
	AccessGranted bool           `json:"access_granted"`
	DenialReason  string         `json:"denial_reason,omitempty"`
	Request       RequestContext `json:"request"`
	SessionID     string         `json:"session_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Clone returns a copy of e.
func (e *DataAccessEvent) Clone() *DataAccessEvent {
	c := *e
	return &c
}

// SecurityEvent is a monitoring record. It is the only record kind with
// post-creation state: ActionTaken, Resolved and ResolvedAt may be set once
// when the incident is closed.
type SecurityEvent struct {
	ID              RecordID          `json:"id"`
	Tenant          string            `json:"tenant,omitempty"`
	EventType       SecurityEventType `json:"event_type"`
	Severity        Severity          `json:"severity"`
	Actor           Actor             `json:"actor"`
	UsernameAttempt string            `json:"username_attempt,omitempty"`
	Description     string            `json:"description"`
	Request         RequestContext    `json:"request"`
	ActionTaken     string            `json:"action_taken,omitempty"`
	Resolved        bool              `json:"resolved"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// Clone returns a copy of e.
func (e *SecurityEvent) Clone() *SecurityEvent {
	c := *e
	if e.ResolvedAt != nil {
		at := *e.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

// Resolution closes out a SecurityEvent.
type Resolution struct {
	ActionTaken string
	ResolvedAt  time.Time
}

// Envelope wraps exactly one record for transport to fallback sinks, the
// spool and the SIEM stream.
type Envelope struct {
	Kind     RecordKind       `json:"kind"`
	Ref      string           `json:"ref,omitempty"`
	Audit    *AuditEvent      `json:"audit,omitempty"`
	Access   *DataAccessEvent `json:"access,omitempty"`
	Security *SecurityEvent   `json:"security,omitempty"`
}

// Timestamp returns the timestamp of the wrapped record.
func (e Envelope) Timestamp() time.Time {
	switch e.Kind {
	case KindAuditEvent:
		if e.Audit != nil {
			return e.Audit.Timestamp
		}
	case KindDataAccessEvent:
		if e.Access != nil {
			return e.Access.Timestamp
		}
	case KindSecurityEvent:
		if e.Security != nil {
			return e.Security.Timestamp
		}
	}
	return time.Time{}
}

// Tenant returns the tenant of the wrapped record.
func (e Envelope) Tenant() string {
	switch {
	case e.Audit != nil:
		return e.Audit.Tenant
	case e.Access != nil:
		return e.Access.Tenant
	case e.Security != nil:
		return e.Security.Tenant
	}
	return ""
}

// Validate checks that the kind matches the populated record.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindAuditEvent:
		if e.Audit != nil {
			return nil
		}
	case KindDataAccessEvent:
		if e.Access != nil {
			return nil
		}
	case KindSecurityEvent:
		if e.Security != nil {
			return nil
		}
	default:
		return &InvalidKindError{Field: "kind", Value: string(e.Kind)}
	}
	return missingField("envelope." + string(e.Kind))
}

// ActionInput is the argument to Recorder.RecordAction.
type ActionInput struct {
	Action         ActionKind
	Actor          Actor
	Tenant         string
	ResourceType   string
	ResourceID     string
	Changes        Payload
	PreviousValues Payload
	NewValues      Payload
	Request        *RequestContext
	Reason         string
	SessionID      string
}

// DataAccessInput is the argument to Recorder.RecordDataAccess. The zero value
// of Denied records a granted access.
type DataAccessInput struct {
	Actor        Actor
	Tenant       string
	PatientID    string
	AccessType   AccessType
	Reason       string
	Denied       bool
	DenialReason string
	Request      *RequestContext
	SessionID    string
}

// SecurityInput is the argument to Recorder.RecordSecurityEvent.
type SecurityInput struct {
	EventType       SecurityEventType
	Severity        Severity
	Description     string
	Actor           Actor
	UsernameAttempt string
	Tenant          string
	Request         *RequestContext
}

// NewAuditEvent validates in and builds an unpersisted AuditEvent.
func NewAuditEvent(in ActionInput) (*AuditEvent, error) {
	if in.Action == "" {
		return nil, missingField("action")
	}
	if !in.Action.Valid() {
		return nil, &InvalidKindError{Field: "action", Value: string(in.Action)}
	}
	resourceType := strings.TrimSpace(in.ResourceType)
	if resourceType == "" {
		if !in.Action.sessionAction() {
			return nil, missingField("resource_type")
		}
		resourceType = "Session"
	}

	e := &AuditEvent{
		Tenant:       in.Tenant,
		Actor:        in.Actor,
		Action:       in.Action,
		ResourceType: resourceType,
		ResourceID:   in.ResourceID,
		Reason:       in.Reason,
		SessionID:    in.SessionID,
	}
	for _, f := range []struct {
		name string
		src  Payload
		dst  *Payload
	}{
		{"changes", in.Changes, &e.Changes},
		{"previous_values", in.PreviousValues, &e.PreviousValues},
		{"new_values", in.NewValues, &e.NewValues},
	} {
		p, err := f.src.deepCopy()
		if err != nil {
			return nil, fmt.Errorf("%w: %s is not encodable: %v", ErrInvalidEvent, f.name, err)
		}
		*f.dst = p
	}
	if in.Request != nil {
		e.Request = *in.Request
		if e.Actor.Address == "" {
			e.Actor.Address = in.Request.Address
		}
	}
	return e, nil
}

// NewDataAccessEvent validates in and builds an unpersisted DataAccessEvent.
// Reason requirements depend on policy and are checked by the Recorder.
func NewDataAccessEvent(in DataAccessInput) (*DataAccessEvent, error) {
	if in.AccessType == "" {
		return nil, missingField("access_type")
	}
	if !in.AccessType.Valid() {
		return nil, &InvalidKindError{Field: "access_type", Value: string(in.AccessType)}
	}
	if strings.TrimSpace(in.PatientID) == "" {
		return nil, missingField("patient_id")
	}
	if !in.Denied && in.DenialReason != "" {
		return nil, fmt.Errorf("%w: denial reason on a granted access", ErrInvalidEvent)
	}

	e := &DataAccessEvent{
		Tenant:        in.Tenant,
		Actor:         in.Actor,
		PatientID:     in.PatientID,
		AccessType:    in.AccessType,
		Reason:        strings.TrimSpace(in.Reason),
		AccessGranted: !in.Denied,
		DenialReason:  in.DenialReason,
		SessionID:     in.SessionID,
	}
	if in.Request != nil {
		e.Request = *in.Request
		if e.Actor.Address == "" {
			e.Actor.Address = in.Request.Address
		}
	}
	return e, nil
}

// NewSecurityEvent validates in and builds an unpersisted, unresolved SecurityEvent.
func NewSecurityEvent(in SecurityInput) (*SecurityEvent, error) {
	if in.EventType == "" {
		return nil, missingField("event_type")
	}
	if !in.EventType.Valid() {
		return nil, &InvalidKindError{Field: "event_type", Value: string(in.EventType)}
	}
	severity := in.Severity
	if severity == "" {
		severity = DefaultSeverity
	}
	if !severity.Valid() {
		return nil, &InvalidKindError{Field: "severity", Value: string(in.Severity)}
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, missingField("description")
	}

	e := &SecurityEvent{
		Tenant:          in.Tenant,
		EventType:       in.EventType,
		Severity:        severity,
		Actor:           in.Actor,
		UsernameAttempt: in.UsernameAttempt,
		Description:     in.Description,
	}
	if in.Request != nil {
		e.Request = *in.Request
		if e.Actor.Address == "" {
			e.Actor.Address = in.Request.Address
		}
	}
	return e, nil
}
