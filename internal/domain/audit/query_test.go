package audit

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// steppingClock advances one minute per call.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(time.Minute)
		return t
	}
}

type queryFixture struct {
	store Stores
	rec   *Recorder
	svc   *QueryService
}

func newQueryFixture(t *testing.T) *queryFixture {
	t.Helper()
	store := NewMemoryStores()
	seedTenants(t, store, "acme", "globex")
	rec := NewRecorder(store, DefaultPolicy(), testLogger(),
		WithFallback(&captureFallback{}),
		WithClock(steppingClock(testNow)))
	svc := NewQueryService(store, DefaultPolicy(), WithResolutionRecorder(rec))
	svc.now = func() time.Time { return testNow.Add(24 * time.Hour) }
	return &queryFixture{store: store, rec: rec, svc: svc}
}

func (fx *queryFixture) action(t *testing.T, in ActionInput) RecordID {
	t.Helper()
	id, err := fx.rec.RecordAction(context.Background(), in)
	if err != nil || !id.Recorded() {
		t.Fatalf("record action: id=%d err=%v", id, err)
	}
	return id
}

func (fx *queryFixture) access(t *testing.T, in DataAccessInput) RecordID {
	t.Helper()
	id, err := fx.rec.RecordDataAccess(context.Background(), in)
	if err != nil || !id.Recorded() {
		t.Fatalf("record access: id=%d err=%v", id, err)
	}
	return id
}

func (fx *queryFixture) security(t *testing.T, in SecurityInput) RecordID {
	t.Helper()
	id, err := fx.rec.RecordSecurityEvent(context.Background(), in)
	if err != nil || !id.Recorded() {
		t.Fatalf("record security event: id=%d err=%v", id, err)
	}
	return id
}

func TestRecentForTenant_NewestFirstAndIsolated(t *testing.T) {
	fx := newQueryFixture(t)
	for i := 0; i < 3; i++ {
		fx.action(t, ActionInput{Action: ActionRead, Tenant: "acme", ResourceType: "Patient", ResourceID: strconv.Itoa(i)})
	}
	fx.action(t, ActionInput{Action: ActionRead, Tenant: "globex", ResourceType: "Patient", ResourceID: "x"})

	got, err := fx.svc.RecentForTenant(context.Background(), "acme", Page{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Errorf("events not newest first at %d", i)
		}
	}
	if got[0].ResourceID != "2" {
		t.Errorf("newest resource = %q, want 2", got[0].ResourceID)
	}
	for _, e := range got {
		if e.Tenant != "acme" {
			t.Errorf("leaked event from tenant %q", e.Tenant)
		}
	}
}

func TestRecentForTenant_TenantRequired(t *testing.T) {
	fx := newQueryFixture(t)
	if _, err := fx.svc.RecentForTenant(context.Background(), "", Page{}); !errors.Is(err, ErrTenantRequired) {
		t.Errorf("expected ErrTenantRequired, got %v", err)
	}
}

func TestRecentForTenant_LimitCapped(t *testing.T) {
	fx := newQueryFixture(t)
	p := DefaultPolicy()
	p.DefaultLimit = 2
	p.MaxLimit = 3
	fx.svc.policy = p
	for i := 0; i < 5; i++ {
		fx.action(t, ActionInput{Action: ActionRead, Tenant: "acme", ResourceType: "Patient"})
	}

	got, _ := fx.svc.RecentForTenant(context.Background(), "acme", Page{})
	if len(got) != 2 {
		t.Errorf("default page = %d, want 2", len(got))
	}
	got, _ = fx.svc.RecentForTenant(context.Background(), "acme", Page{Limit: 1000})
	if len(got) != 3 {
		t.Errorf("capped page = %d, want 3", len(got))
	}
	got, _ = fx.svc.RecentForTenant(context.Background(), "acme", Page{Limit: 3, Offset: 3})
	if len(got) != 2 {
		t.Errorf("second page = %d, want 2", len(got))
	}
}

func TestAccessTrailForPatient(t *testing.T) {
	fx := newQueryFixture(t)
	fx.access(t, DataAccessInput{Tenant: "acme", PatientID: "p-1", AccessType: AccessViewDemographics})
	second := fx.access(t, DataAccessInput{Tenant: "acme", PatientID: "p-1", AccessType: AccessViewLabResults, Reason: "follow-up"})
	fx.access(t, DataAccessInput{Tenant: "acme", PatientID: "p-2", AccessType: AccessViewDemographics})
	fx.access(t, DataAccessInput{Tenant: "globex", PatientID: "p-1", AccessType: AccessViewDemographics})
	ctx := context.Background()

	got, err := fx.svc.AccessTrailForPatient(ctx, "acme", "p-1", nil, Page{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].ID != second {
		t.Fatalf("trail = %+v", got)
	}

	since := testNow.Add(time.Minute)
	got, _ = fx.svc.AccessTrailForPatient(ctx, "acme", "p-1", &since, Page{})
	if len(got) != 1 || got[0].Reason != "follow-up" {
		t.Errorf("trail since %v = %+v", since, got)
	}

	if _, err := fx.svc.AccessTrailForPatient(ctx, "acme", " ", nil, Page{}); !errors.Is(err, ErrMissingField) {
		t.Errorf("blank patient: got %v", err)
	}
}

func TestUnresolvedSecurityEvents_CrossTenantBySeverity(t *testing.T) {
	fx := newQueryFixture(t)
	fx.security(t, SecurityInput{EventType: SecurityFailedLogin, Severity: SeverityLow, Description: "typo", Tenant: "acme"})
	high := fx.security(t, SecurityInput{EventType: SecurityPermissionDenied, Severity: SeverityHigh, Description: "denied", Tenant: "acme"})
	crit := fx.security(t, SecurityInput{EventType: SecurityDataBreachAttempt, Severity: SeverityCritical, Description: "exfil", Tenant: "globex"})
	fx.security(t, SecurityInput{EventType: SecurityFailedLogin, Severity: SeverityHigh, Description: "untenanted"})
	ctx := context.Background()

	got, err := fx.svc.UnresolvedSecurityEvents(ctx, SeverityHigh, Page{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 high+ events across tenants, got %d", len(got))
	}

	if _, err := fx.svc.ResolveSecurityEvent(ctx, ResolveInput{ID: high, ActionTaken: "reviewed"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, _ = fx.svc.UnresolvedSecurityEvents(ctx, SeverityHigh, Page{})
	if len(got) != 2 {
		t.Errorf("resolved event still listed: %d", len(got))
	}
	got, _ = fx.svc.UnresolvedSecurityEvents(ctx, SeverityCritical, Page{})
	if len(got) != 1 || got[0].ID != crit {
		t.Errorf("critical only = %+v", got)
	}
	all, _ := fx.svc.UnresolvedSecurityEvents(ctx, "", Page{})
	if len(all) != 3 {
		t.Errorf("no minimum = %d, want 3", len(all))
	}

	if _, err := fx.svc.UnresolvedSecurityEvents(ctx, "severe", Page{}); !errors.Is(err, ErrInvalidEventKind) {
		t.Errorf("bad severity: got %v", err)
	}
}

func TestEventsForResource(t *testing.T) {
	fx := newQueryFixture(t)
	fx.action(t, ActionInput{Action: ActionCreate, Tenant: "acme", ResourceType: "Patient", ResourceID: "42"})
	fx.action(t, ActionInput{Action: ActionUpdate, Tenant: "acme", ResourceType: "Patient", ResourceID: "42"})
	fx.action(t, ActionInput{Action: ActionUpdate, Tenant: "acme", ResourceType: "Encounter", ResourceID: "42"})
	fx.action(t, ActionInput{Action: ActionUpdate, Tenant: "globex", ResourceType: "Patient", ResourceID: "42"})
	ctx := context.Background()

	got, err := fx.svc.EventsForResource(ctx, "acme", "Patient", "42", Page{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Action != ActionUpdate || got[1].Action != ActionCreate {
		t.Errorf("resource history = %+v", got)
	}

	if _, err := fx.svc.EventsForResource(ctx, "acme", "", "42", Page{}); !errors.Is(err, ErrMissingField) {
		t.Errorf("missing type: got %v", err)
	}
	if _, err := fx.svc.EventsForResource(ctx, "acme", "Patient", "", Page{}); !errors.Is(err, ErrMissingField) {
		t.Errorf("missing id: got %v", err)
	}
}

func TestActivityAndAccessByActor(t *testing.T) {
	fx := newQueryFixture(t)
	fx.action(t, ActionInput{Action: ActionRead, Actor: Actor{ID: "u-1"}, Tenant: "acme", ResourceType: "Patient"})
	fx.action(t, ActionInput{Action: ActionRead, Actor: Actor{ID: "u-2"}, Tenant: "acme", ResourceType: "Patient"})
	fx.access(t, DataAccessInput{Actor: Actor{ID: "u-1"}, Tenant: "acme", PatientID: "p-1", AccessType: AccessViewBilling})
	ctx := context.Background()

	events, err := fx.svc.ActivityForActor(ctx, "acme", "u-1", Page{})
	if err != nil || len(events) != 1 {
		t.Errorf("activity = %v, %v", events, err)
	}
	accesses, err := fx.svc.AccessByActor(ctx, "acme", "u-1", Page{})
	if err != nil || len(accesses) != 1 {
		t.Errorf("accesses = %v, %v", accesses, err)
	}
	if _, err := fx.svc.ActivityForActor(ctx, "acme", "", Page{}); !errors.Is(err, ErrMissingField) {
		t.Errorf("blank actor: got %v", err)
	}
}

func TestSearchAndSummary(t *testing.T) {
	fx := newQueryFixture(t)
	fx.action(t, ActionInput{Action: ActionCreate, Actor: Actor{ID: "u-1", DisplayName: "Dr. Quinn"}, Tenant: "acme", ResourceType: "Patient", ResourceID: "42"})
	fx.action(t, ActionInput{Action: ActionUpdate, Actor: Actor{ID: "u-1", DisplayName: "Dr. Quinn"}, Tenant: "acme", ResourceType: "Patient", ResourceID: "42"})
	fx.action(t, ActionInput{Action: ActionUpdate, Actor: Actor{ID: "u-2", DisplayName: "Nurse Joy"}, Tenant: "acme", ResourceType: "Encounter", ResourceID: "7"})
	ctx := context.Background()

	got, total, err := fx.svc.Search(ctx, "acme", SearchFilter{Action: ActionUpdate}, Page{Limit: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(got) != 1 {
		t.Errorf("search = %d items of %d", len(got), total)
	}

	got, total, _ = fx.svc.Search(ctx, "acme", SearchFilter{Text: "quinn"}, Page{})
	if total != 2 || len(got) != 2 {
		t.Errorf("text search = %d", total)
	}

	from := testNow.Add(time.Minute)
	sum, err := fx.svc.Summary(ctx, "acme", SearchFilter{From: &from})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Total != 2 || sum.ByAction["update"] != 2 || sum.ByActor["u-2"] != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.First == nil || !sum.First.Equal(from) {
		t.Errorf("first = %v", sum.First)
	}

	to := testNow.Add(-time.Hour)
	if _, _, err := fx.svc.Search(ctx, "acme", SearchFilter{From: &from, To: &to}, Page{}); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("inverted range: got %v", err)
	}
	if _, err := fx.svc.Summary(ctx, "acme", SearchFilter{Action: "approve"}); !errors.Is(err, ErrInvalidEventKind) {
		t.Errorf("bad action: got %v", err)
	}
}

func TestSecurityEvents_Filter(t *testing.T) {
	fx := newQueryFixture(t)
	fx.security(t, SecurityInput{EventType: SecurityFailedLogin, Description: "a", Tenant: "acme"})
	fx.security(t, SecurityInput{EventType: SecurityPolicyViolation, Description: "b", Tenant: "acme"})
	fx.security(t, SecurityInput{EventType: SecurityFailedLogin, Description: "c", Tenant: "globex"})
	ctx := context.Background()

	got, total, err := fx.svc.SecurityEvents(ctx, SecurityFilter{Tenant: "acme"}, Page{})
	if err != nil || total != 2 || len(got) != 2 {
		t.Errorf("tenant filter = %d/%d, %v", len(got), total, err)
	}
	_, total, _ = fx.svc.SecurityEvents(ctx, SecurityFilter{EventType: SecurityFailedLogin}, Page{})
	if total != 2 {
		t.Errorf("type filter total = %d", total)
	}
	resolved := true
	_, total, _ = fx.svc.SecurityEvents(ctx, SecurityFilter{Resolved: &resolved}, Page{})
	if total != 0 {
		t.Errorf("resolved filter total = %d", total)
	}
	if _, _, err := fx.svc.SecurityEvents(ctx, SecurityFilter{EventType: "alien"}, Page{}); !errors.Is(err, ErrInvalidEventKind) {
		t.Errorf("bad type: got %v", err)
	}
}

func TestGetAuditEvent_TenantScoped(t *testing.T) {
	fx := newQueryFixture(t)
	id := fx.action(t, ActionInput{Action: ActionRead, Tenant: "acme", ResourceType: "Patient"})
	ctx := context.Background()

	if _, err := fx.svc.GetAuditEvent(ctx, "acme", id); err != nil {
		t.Errorf("own tenant: %v", err)
	}
	if _, err := fx.svc.GetAuditEvent(ctx, "globex", id); !errors.Is(err, ErrNotFound) {
		t.Errorf("other tenant: got %v", err)
	}
	if _, err := fx.svc.GetAuditEvent(ctx, "acme", 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: got %v", err)
	}

	aid := fx.access(t, DataAccessInput{Tenant: "acme", PatientID: "p-1", AccessType: AccessViewBilling})
	if _, err := fx.svc.GetDataAccessEvent(ctx, "globex", aid); !errors.Is(err, ErrNotFound) {
		t.Errorf("other tenant access: got %v", err)
	}
}

func TestResolveSecurityEvent(t *testing.T) {
	fx := newQueryFixture(t)
	id := fx.security(t, SecurityInput{EventType: SecuritySuspiciousActivity, Severity: SeverityHigh, Description: "odd hours", Tenant: "acme"})
	ctx := context.Background()

	before, _ := fx.svc.GetSecurityEvent(ctx, id)
	got, err := fx.svc.ResolveSecurityEvent(ctx, ResolveInput{
		ID:          id,
		ActionTaken: "  account locked  ",
		Actor:       Actor{ID: "sec-1", DisplayName: "Officer"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !got.Resolved || got.ResolvedAt == nil || got.ActionTaken != "account locked" {
		t.Errorf("resolved event = %+v", got)
	}
	if got.Description != before.Description || !got.Timestamp.Equal(before.Timestamp) || got.Severity != before.Severity {
		t.Error("resolution changed fields other than the resolution")
	}

	if _, err := fx.svc.ResolveSecurityEvent(ctx, ResolveInput{ID: id, ActionTaken: "again"}); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second resolve: got %v", err)
	}
	stored, _ := fx.svc.GetSecurityEvent(ctx, id)
	if stored.ActionTaken != "account locked" {
		t.Errorf("second resolve overwrote action: %q", stored.ActionTaken)
	}

	trail, _ := fx.svc.EventsForResource(ctx, "acme", "SecurityEvent", strconv.FormatInt(int64(id), 10), Page{})
	if len(trail) != 1 || trail[0].Actor.ID != "sec-1" || trail[0].Action != ActionUpdate {
		t.Errorf("resolution audit trail = %+v", trail)
	}
}

func TestResolveSecurityEvent_UnauditedResolutionLogged(t *testing.T) {
	store := NewMemoryStores()
	seedTenants(t, store, "acme")
	var logs bytes.Buffer
	rec := NewRecorder(withTenantCheck(store), DefaultPolicy(), zerolog.New(&logs),
		WithFallback(&captureFallback{}))
	svc := NewQueryService(store, DefaultPolicy(), WithResolutionRecorder(rec))
	ctx := context.Background()

	id, err := rec.RecordSecurityEvent(ctx, SecurityInput{EventType: SecurityFailedLogin, Description: "brute force"})
	if err != nil || !id.Recorded() {
		t.Fatalf("record: id=%d err=%v", id, err)
	}

	got, err := svc.ResolveSecurityEvent(ctx, ResolveInput{
		ID:          id,
		ActionTaken: "ip blocked",
		Actor:       Actor{ID: "sec-1"},
		Tenant:      "ghost",
	})
	if err != nil || !got.Resolved {
		t.Fatalf("resolution must stand even when its audit record is rejected: %+v, %v", got, err)
	}
	if !strings.Contains(logs.String(), "security event resolution not audited") {
		t.Errorf("rejection not logged: %s", logs.String())
	}
}

func TestResolveSecurityEvent_TenantlessResolutionAudited(t *testing.T) {
	fx := newQueryFixture(t)
	ctx := context.Background()
	id := fx.security(t, SecurityInput{EventType: SecurityFailedLogin, Description: "unknown user"})

	if _, err := fx.svc.ResolveSecurityEvent(ctx, ResolveInput{ID: id, ActionTaken: "reviewed", Actor: Actor{ID: "sec-1"}}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	resourceID := strconv.FormatInt(int64(id), 10)
	var found bool
	for _, e := range fx.store.Events.(*AuditEventRepoMemory).collect(func(e *AuditEvent) bool {
		return e.ResourceType == "SecurityEvent" && e.ResourceID == resourceID
	}) {
		found = found || (e.Tenant == "" && e.Action == ActionUpdate)
	}
	if !found {
		t.Error("tenantless resolution was not audited")
	}
}

func TestResolveSecurityEvent_Errors(t *testing.T) {
	fx := newQueryFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.ResolveSecurityEvent(ctx, ResolveInput{ID: 1}); !errors.Is(err, ErrMissingField) {
		t.Errorf("missing action: got %v", err)
	}
	if _, err := fx.svc.ResolveSecurityEvent(ctx, ResolveInput{ID: 404, ActionTaken: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: got %v", err)
	}
}

func TestResolveSecurityEvent_ConcurrentSingleWinner(t *testing.T) {
	fx := newQueryFixture(t)
	id := fx.security(t, SecurityInput{EventType: SecurityFailedLogin, Description: "x", Tenant: "acme"})

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := fx.svc.ResolveSecurityEvent(context.Background(), ResolveInput{ID: id, ActionTaken: "closed " + strconv.Itoa(i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, ErrAlreadyResolved):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
}

func TestTenants(t *testing.T) {
	fx := newQueryFixture(t)
	got, err := fx.svc.Tenants(context.Background())
	if err != nil || len(got) != 2 || got[0].ID != "acme" {
		t.Errorf("tenants = %v, %v", got, err)
	}
}
