package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// NewMemoryStores returns mutex-guarded in-memory repositories for tests and
// STORE_DRIVER=memory runs. Every read returns a copy, so callers can never
// reach a stored record.
func NewMemoryStores() Stores {
	return Stores{
		Events:   NewAuditEventRepoMemory(),
		Access:   NewDataAccessRepoMemory(),
		Security: NewSecurityEventRepoMemory(),
		Tenants:  NewTenantRepoMemory(),
	}
}

// pageBounds returns the [start, end) slice window for page over n items.
func pageBounds(n int, page Page) (int, int) {
	start := page.Offset
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	end := n
	if page.Limit > 0 && start+page.Limit < n {
		end = start + page.Limit
	}
	return start, end
}

func stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts.UTC()
}

func withinRange(ts time.Time, from, to *time.Time) bool {
	if from != nil && ts.Before(*from) {
		return false
	}
	if to != nil && ts.After(*to) {
		return false
	}
	return true
}

// ---------- AuditEvent ----------

type AuditEventRepoMemory struct {
	mu     sync.RWMutex
	seq    RecordID
	events []*AuditEvent
}

func NewAuditEventRepoMemory() *AuditEventRepoMemory {
	return &AuditEventRepoMemory{}
}

func (r *AuditEventRepoMemory) Append(_ context.Context, e *AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e.ID = r.seq
	e.Timestamp = stamp(e.Timestamp)
	r.events = append(r.events, e.Clone())
	return nil
}

func (r *AuditEventRepoMemory) Get(_ context.Context, id RecordID) (*AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.events {
		if e.ID == id {
			return e.Clone(), nil
		}
	}
	return nil, fmt.Errorf("audit event %d: %w", id, ErrNotFound)
}

// collect returns copies of matching events, newest first.
func (r *AuditEventRepoMemory) collect(match func(*AuditEvent) bool) []*AuditEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AuditEvent
	for _, e := range r.events {
		if match(e) {
			out = append(out, e.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (r *AuditEventRepoMemory) list(match func(*AuditEvent) bool, page Page) []*AuditEvent {
	all := r.collect(match)
	start, end := pageBounds(len(all), page)
	return all[start:end]
}

func (r *AuditEventRepoMemory) ListByTenant(_ context.Context, tenant string, page Page) ([]*AuditEvent, error) {
	return r.list(func(e *AuditEvent) bool { return e.Tenant == tenant }, page), nil
}

func (r *AuditEventRepoMemory) ListByResource(_ context.Context, tenant, resourceType, resourceID string, page Page) ([]*AuditEvent, error) {
	return r.list(func(e *AuditEvent) bool {
		return e.Tenant == tenant && e.ResourceType == resourceType && e.ResourceID == resourceID
	}, page), nil
}

func (r *AuditEventRepoMemory) ListByActor(_ context.Context, tenant, actorID string, page Page) ([]*AuditEvent, error) {
	return r.list(func(e *AuditEvent) bool { return e.Tenant == tenant && e.Actor.ID == actorID }, page), nil
}

func matchAuditEvent(e *AuditEvent, tenant string, f SearchFilter) bool {
	if e.Tenant != tenant {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.ActorID != "" && e.Actor.ID != f.ActorID {
		return false
	}
	if !withinRange(e.Timestamp, f.From, f.To) {
		return false
	}
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		hay := strings.ToLower(strings.Join([]string{
			e.Actor.DisplayName, e.Actor.ID, e.ResourceID, e.Actor.Address,
		}, "\x00"))
		if !strings.Contains(hay, needle) {
			return false
		}
	}
	return true
}

func (r *AuditEventRepoMemory) Search(_ context.Context, tenant string, f SearchFilter, page Page) ([]*AuditEvent, int, error) {
	all := r.collect(func(e *AuditEvent) bool { return matchAuditEvent(e, tenant, f) })
	start, end := pageBounds(len(all), page)
	return all[start:end], len(all), nil
}

func (r *AuditEventRepoMemory) Summarize(_ context.Context, tenant string, f SearchFilter) (*Summary, error) {
	sum := newSummary()
	for _, e := range r.collect(func(e *AuditEvent) bool { return matchAuditEvent(e, tenant, f) }) {
		sum.add(e)
	}
	return sum, nil
}

func (s *Summary) add(e *AuditEvent) {
	s.Total++
	s.ByAction[string(e.Action)]++
	s.ByResourceType[e.ResourceType]++
	s.ByActor[e.Actor.ID]++
	ts := e.Timestamp
	if s.First == nil || ts.Before(*s.First) {
		s.First = &ts
	}
	if s.Last == nil || ts.After(*s.Last) {
		last := ts
		s.Last = &last
	}
}

func (r *AuditEventRepoMemory) CountOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, e := range r.events {
		if e.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// ---------- DataAccessEvent ----------

type DataAccessRepoMemory struct {
	mu     sync.RWMutex
	seq    RecordID
	events []*DataAccessEvent
}

func NewDataAccessRepoMemory() *DataAccessRepoMemory {
	return &DataAccessRepoMemory{}
}

func (r *DataAccessRepoMemory) Append(_ context.Context, e *DataAccessEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e.ID = r.seq
	e.Timestamp = stamp(e.Timestamp)
	r.events = append(r.events, e.Clone())
	return nil
}

func (r *DataAccessRepoMemory) Get(_ context.Context, id RecordID) (*DataAccessEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.events {
		if e.ID == id {
			return e.Clone(), nil
		}
	}
	return nil, fmt.Errorf("data access event %d: %w", id, ErrNotFound)
}

func (r *DataAccessRepoMemory) list(match func(*DataAccessEvent) bool, page Page) []*DataAccessEvent {
	r.mu.RLock()
	var out []*DataAccessEvent
	for _, e := range r.events {
		if match(e) {
			out = append(out, e.Clone())
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	start, end := pageBounds(len(out), page)
	return out[start:end]
}

func (r *DataAccessRepoMemory) ListByPatient(_ context.Context, tenant, patientID string, since *time.Time, page Page) ([]*DataAccessEvent, error) {
	return r.list(func(e *DataAccessEvent) bool {
		return e.Tenant == tenant && e.PatientID == patientID && withinRange(e.Timestamp, since, nil)
	}, page), nil
}

func (r *DataAccessRepoMemory) ListByTenant(_ context.Context, tenant string, from, to *time.Time, page Page) ([]*DataAccessEvent, error) {
	return r.list(func(e *DataAccessEvent) bool {
		return e.Tenant == tenant && withinRange(e.Timestamp, from, to)
	}, page), nil
}

func (r *DataAccessRepoMemory) ListByActor(_ context.Context, tenant, actorID string, page Page) ([]*DataAccessEvent, error) {
	return r.list(func(e *DataAccessEvent) bool { return e.Tenant == tenant && e.Actor.ID == actorID }, page), nil
}

func (r *DataAccessRepoMemory) CountOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, e := range r.events {
		if e.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// ---------- SecurityEvent ----------

type SecurityEventRepoMemory struct {
	mu     sync.Mutex
	seq    RecordID
	events []*SecurityEvent
}

func NewSecurityEventRepoMemory() *SecurityEventRepoMemory {
	return &SecurityEventRepoMemory{}
}

func (r *SecurityEventRepoMemory) Append(_ context.Context, e *SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e.ID = r.seq
	e.Timestamp = stamp(e.Timestamp)
	e.Resolved = false
	e.ResolvedAt = nil
	e.ActionTaken = ""
	r.events = append(r.events, e.Clone())
	return nil
}

func (r *SecurityEventRepoMemory) find(id RecordID) *SecurityEvent {
	for _, e := range r.events {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (r *SecurityEventRepoMemory) Get(_ context.Context, id RecordID) (*SecurityEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.find(id); e != nil {
		return e.Clone(), nil
	}
	return nil, fmt.Errorf("security event %d: %w", id, ErrNotFound)
}

// Resolve holds the store lock across the check and the write, so exactly one
// of any number of concurrent resolvers succeeds.
func (r *SecurityEventRepoMemory) Resolve(_ context.Context, id RecordID, res Resolution) (*SecurityEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.find(id)
	if e == nil {
		return nil, fmt.Errorf("security event %d: %w", id, ErrNotFound)
	}
	if e.Resolved {
		return nil, fmt.Errorf("security event %d: %w", id, ErrAlreadyResolved)
	}
	at := stamp(res.ResolvedAt)
	e.Resolved = true
	e.ResolvedAt = &at
	e.ActionTaken = res.ActionTaken
	return e.Clone(), nil
}

func (r *SecurityEventRepoMemory) list(match func(*SecurityEvent) bool) []*SecurityEvent {
	r.mu.Lock()
	var out []*SecurityEvent
	for _, e := range r.events {
		if match(e) {
			out = append(out, e.Clone())
		}
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (r *SecurityEventRepoMemory) ListUnresolved(_ context.Context, minSeverity Severity, page Page) ([]*SecurityEvent, error) {
	all := r.list(func(e *SecurityEvent) bool {
		return !e.Resolved && e.Severity.AtLeast(minSeverity)
	})
	start, end := pageBounds(len(all), page)
	return all[start:end], nil
}

func (r *SecurityEventRepoMemory) List(_ context.Context, f SecurityFilter, page Page) ([]*SecurityEvent, int, error) {
	all := r.list(func(e *SecurityEvent) bool {
		if f.Tenant != "" && e.Tenant != f.Tenant {
			return false
		}
		if f.EventType != "" && e.EventType != f.EventType {
			return false
		}
		if !e.Severity.AtLeast(f.MinSeverity) {
			return false
		}
		if f.Resolved != nil && e.Resolved != *f.Resolved {
			return false
		}
		return withinRange(e.Timestamp, f.From, f.To)
	})
	start, end := pageBounds(len(all), page)
	return all[start:end], len(all), nil
}

func (r *SecurityEventRepoMemory) CountOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.events {
		if e.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// ---------- Tenant ----------

type TenantRepoMemory struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

func NewTenantRepoMemory() *TenantRepoMemory {
	return &TenantRepoMemory{tenants: make(map[string]*Tenant)}
}

func (r *TenantRepoMemory) Create(_ context.Context, t *Tenant) error {
	if err := ValidateTenantID(t.ID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[t.ID]; ok {
		return fmt.Errorf("tenant %s: %w", t.ID, ErrTenantExists)
	}
	t.CreatedAt = stamp(t.CreatedAt)
	c := *t
	r.tenants[t.ID] = &c
	return nil
}

func (r *TenantRepoMemory) Get(_ context.Context, id string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	c := *t
	return &c, nil
}

func (r *TenantRepoMemory) List(_ context.Context) ([]*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
