package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func spoolEnvelope(t *testing.T, s *memorySpool, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_ = s.Push(context.Background(), data)
}

func TestDrain_ReplaysInOrder(t *testing.T) {
	store := NewMemoryStores()
	spool := &memorySpool{}
	spoolEnvelope(t, spool, Envelope{Kind: KindAuditEvent, Audit: &AuditEvent{Tenant: "acme", Action: ActionRead, ResourceType: "Patient", ResourceID: "1", Timestamp: testNow}})
	spoolEnvelope(t, spool, Envelope{Kind: KindDataAccessEvent, Access: &DataAccessEvent{Tenant: "acme", PatientID: "p-1", AccessType: AccessViewBilling, AccessGranted: true, Timestamp: testNow}})
	spoolEnvelope(t, spool, Envelope{Kind: KindSecurityEvent, Security: &SecurityEvent{EventType: SecurityFailedLogin, Severity: SeverityLow, Description: "x", Timestamp: testNow}})

	res, err := Drain(context.Background(), store, spool, 0, testLogger())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Replayed != 3 || res.DeadLettered != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(spool.queue) != 0 || len(spool.inflight) != 0 || spool.acked != 3 {
		t.Errorf("spool state: queue=%d inflight=%d acked=%d", len(spool.queue), len(spool.inflight), spool.acked)
	}

	e, err := store.Events.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("get replayed event: %v", err)
	}
	if !e.Timestamp.Equal(testNow) {
		t.Errorf("replayed timestamp = %v, want capture time %v", e.Timestamp, testNow)
	}
}

func TestDrain_Limit(t *testing.T) {
	store := NewMemoryStores()
	spool := &memorySpool{}
	for i := 0; i < 3; i++ {
		spoolEnvelope(t, spool, Envelope{Kind: KindAuditEvent, Audit: &AuditEvent{Tenant: "acme", Action: ActionRead, ResourceType: "Patient"}})
	}

	res, err := Drain(context.Background(), store, spool, 2, testLogger())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Replayed != 2 || len(spool.queue) != 1 {
		t.Errorf("replayed=%d remaining=%d", res.Replayed, len(spool.queue))
	}
}

func TestDrain_DeadLettersBadRecords(t *testing.T) {
	store := NewMemoryStores()
	spool := &memorySpool{}
	_ = spool.Push(context.Background(), []byte("{not json"))
	spoolEnvelope(t, spool, Envelope{Kind: KindSecurityEvent})
	spoolEnvelope(t, spool, Envelope{Kind: KindAuditEvent, Audit: &AuditEvent{Tenant: "acme", Action: ActionRead, ResourceType: "Patient"}})

	res, err := Drain(context.Background(), store, spool, 0, testLogger())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Replayed != 1 || res.DeadLettered != 2 || len(spool.dead) != 2 {
		t.Errorf("result = %+v, dead = %d", res, len(spool.dead))
	}
}

func TestDrain_StoreFailureReleases(t *testing.T) {
	flaky := &flakyStores{}
	flaky.fail(errStoreDown)
	store := flaky.wrap(NewMemoryStores())
	spool := &memorySpool{}
	spoolEnvelope(t, spool, Envelope{Kind: KindAuditEvent, Audit: &AuditEvent{Tenant: "acme", Action: ActionRead, ResourceType: "Patient"}})
	spoolEnvelope(t, spool, Envelope{Kind: KindAuditEvent, Audit: &AuditEvent{Tenant: "acme", Action: ActionRead, ResourceType: "Patient"}})

	res, err := Drain(context.Background(), store, spool, 0, testLogger())
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}
	if res.Replayed != 0 {
		t.Errorf("replayed = %d", res.Replayed)
	}
	if len(spool.queue) != 2 || len(spool.inflight) != 0 {
		t.Errorf("record not released: queue=%d inflight=%d", len(spool.queue), len(spool.inflight))
	}
	if flaky.attempts() != 1 {
		t.Errorf("drain kept going after a store failure: %d attempts", flaky.attempts())
	}
}

func TestDrain_UnknownTenantDeadLettered(t *testing.T) {
	flaky := &flakyStores{}
	flaky.fail(ErrUnknownTenant)
	spool := &memorySpool{}
	spoolEnvelope(t, spool, Envelope{Kind: KindAuditEvent, Audit: &AuditEvent{Tenant: "gone", Action: ActionRead, ResourceType: "Patient"}})

	res, err := Drain(context.Background(), flaky.wrap(NewMemoryStores()), spool, 0, testLogger())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.DeadLettered != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestDrain_CancelledContext(t *testing.T) {
	spool := &memorySpool{}
	spoolEnvelope(t, spool, Envelope{Kind: KindAuditEvent, Audit: &AuditEvent{Tenant: "acme"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Drain(ctx, NewMemoryStores(), spool, 0, testLogger()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(spool.queue) != 1 {
		t.Error("cancelled drain must not claim records")
	}
}

func TestRecorderSpoolDrainRoundTrip(t *testing.T) {
	mem := NewMemoryStores()
	seedTenants(t, mem, "acme")
	flaky := &flakyStores{}
	spool := &memorySpool{}
	rec := NewRecorder(flaky.wrap(mem), DefaultPolicy(), testLogger(), WithFallback(NewSpoolFallback(spool)))

	flaky.fail(errStoreDown)
	id, err := rec.RecordAction(context.Background(), ActionInput{Action: ActionDelete, Tenant: "acme", ResourceType: "Patient", ResourceID: "42"})
	if err != nil || id != NotRecorded {
		t.Fatalf("degraded write: id=%d err=%v", id, err)
	}
	flaky.fail(nil)

	res, err := Drain(context.Background(), mem, spool, 0, testLogger())
	if err != nil || res.Replayed != 1 {
		t.Fatalf("drain: %+v %v", res, err)
	}
	got, err := mem.Events.ListByResource(context.Background(), "acme", "Patient", "42", Page{})
	if err != nil || len(got) != 1 || got[0].Action != ActionDelete {
		t.Errorf("replayed trail = %+v, %v", got, err)
	}
}
