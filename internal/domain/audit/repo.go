package audit

import (
	"context"
	"time"
)

// Page bounds a list query. Limits are normalized by Policy.Bound before they
// reach a repository.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// SearchFilter narrows the admin listing of AuditEvents. Zero fields match everything.
type SearchFilter struct {
	Action       ActionKind
	ResourceType string
	ResourceID   string
	ActorID      string
	From         *time.Time
	To           *time.Time
	// Text matches actor display name, actor id, resource id or client address.
	Text string
}

// SecurityFilter narrows the admin listing of SecurityEvents.
type SecurityFilter struct {
	Tenant      string
	EventType   SecurityEventType
	MinSeverity Severity
	Resolved    *bool
	From        *time.Time
	To          *time.Time
}

// Summary aggregates the AuditEvents matching a filter.
type Summary struct {
	Total          int            `json:"total"`
	ByAction       map[string]int `json:"by_action"`
	ByResourceType map[string]int `json:"by_resource_type"`
	ByActor        map[string]int `json:"by_actor"`
	First          *time.Time     `json:"first,omitempty"`
	Last           *time.Time     `json:"last,omitempty"`
}

func newSummary() *Summary {
	return &Summary{
		ByAction:       make(map[string]int),
		ByResourceType: make(map[string]int),
		ByActor:        make(map[string]int),
	}
}

// Tenant is a registered practice. Audit rows reference it and it cannot be
// removed while they exist.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEventRepository persists AuditEvents. It exposes create and read only.
// Append assigns ID, and Timestamp when the caller left it zero.
type AuditEventRepository interface {
	Append(ctx context.Context, e *AuditEvent) error
	Get(ctx context.Context, id RecordID) (*AuditEvent, error)
	ListByTenant(ctx context.Context, tenant string, page Page) ([]*AuditEvent, error)
	ListByResource(ctx context.Context, tenant, resourceType, resourceID string, page Page) ([]*AuditEvent, error)
	ListByActor(ctx context.Context, tenant, actorID string, page Page) ([]*AuditEvent, error)
	Search(ctx context.Context, tenant string, f SearchFilter, page Page) ([]*AuditEvent, int, error)
	Summarize(ctx context.Context, tenant string, f SearchFilter) (*Summary, error)
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DataAccessRepository persists DataAccessEvents. It exposes create and read only.
type DataAccessRepository interface {
	Append(ctx context.Context, e *DataAccessEvent) error
	Get(ctx context.Context, id RecordID) (*DataAccessEvent, error)
	ListByPatient(ctx context.Context, tenant, patientID string, since *time.Time, page Page) ([]*DataAccessEvent, error)
	ListByTenant(ctx context.Context, tenant string, from, to *time.Time, page Page) ([]*DataAccessEvent, error)
	ListByActor(ctx context.Context, tenant, actorID string, page Page) ([]*DataAccessEvent, error)
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SecurityEventRepository persists SecurityEvents. Resolve is the only
// mutation any repository offers, and it touches the resolution fields only.
type SecurityEventRepository interface {
	Append(ctx context.Context, e *SecurityEvent) error
	Get(ctx context.Context, id RecordID) (*SecurityEvent, error)
	Resolve(ctx context.Context, id RecordID, r Resolution) (*SecurityEvent, error)
	ListUnresolved(ctx context.Context, minSeverity Severity, page Page) ([]*SecurityEvent, error)
	List(ctx context.Context, f SecurityFilter, page Page) ([]*SecurityEvent, int, error)
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TenantRepository manages the tenant registry.
type TenantRepository interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	List(ctx context.Context) ([]*Tenant, error)
}

// Stores groups the repositories the Recorder and QueryService depend on.
type Stores struct {
	Events   AuditEventRepository
	Access   DataAccessRepository
	Security SecurityEventRepository
	Tenants  TenantRepository
}

