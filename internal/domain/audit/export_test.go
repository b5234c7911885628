package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

func seedExport(t *testing.T, fx *queryFixture, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		fx.action(t, ActionInput{
			Action:       ActionRead,
			Actor:        Actor{ID: "u-1", DisplayName: "Quinn, Ada"},
			Tenant:       "acme",
			ResourceType: "Patient",
			ResourceID:   strconv.Itoa(i),
		})
	}
	fx.action(t, ActionInput{Action: ActionRead, Tenant: "globex", ResourceType: "Patient"})
}

func TestParseExportFormat(t *testing.T) {
	for _, v := range []string{"csv", "json", "ndjson"} {
		if _, err := ParseExportFormat(v); err != nil {
			t.Errorf("ParseExportFormat(%q): %v", v, err)
		}
	}
	if _, err := ParseExportFormat("xml"); !errors.Is(err, ErrInvalidEventKind) {
		t.Errorf("xml: got %v", err)
	}
}

func TestExportAuditEvents_CSV(t *testing.T) {
	fx := newQueryFixture(t)
	seedExport(t, fx, 3)

	var buf bytes.Buffer
	n, err := fx.svc.ExportAuditEvents(context.Background(), "acme", SearchFilter{}, FormatCSV, &buf)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 3 {
		t.Errorf("exported %d, want 3", n)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want header + 3", len(rows))
	}
	if rows[0][0] != "ID" || rows[0][1] != "Timestamp" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][4] != "Quinn, Ada" {
		t.Errorf("display name with comma not preserved: %q", rows[1][4])
	}
	if rows[1][8] != "2" {
		t.Errorf("first row resource = %q, want newest (2)", rows[1][8])
	}
}

func TestExportAuditEvents_JSONPagesPastMaxLimit(t *testing.T) {
	fx := newQueryFixture(t)
	p := DefaultPolicy()
	p.DefaultLimit = 2
	p.MaxLimit = 2
	fx.svc.policy = p
	seedExport(t, fx, 5)

	var buf bytes.Buffer
	n, err := fx.svc.ExportAuditEvents(context.Background(), "acme", SearchFilter{}, FormatJSON, &buf)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 5 {
		t.Errorf("exported %d, want 5", n)
	}
	var events []AuditEvent
	if err := json.Unmarshal(buf.Bytes(), &events); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if len(events) != 5 {
		t.Fatalf("decoded %d events", len(events))
	}
	seen := map[string]bool{}
	for _, e := range events {
		if seen[e.ResourceID] {
			t.Errorf("duplicate resource %s across pages", e.ResourceID)
		}
		seen[e.ResourceID] = true
	}
}

func TestExportAuditEvents_EmptyJSON(t *testing.T) {
	fx := newQueryFixture(t)
	var buf bytes.Buffer
	n, err := fx.svc.ExportAuditEvents(context.Background(), "acme", SearchFilter{}, FormatJSON, &buf)
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty export = %q", buf.String())
	}
}

func TestExportAuditEvents_NDJSONFrozenWindow(t *testing.T) {
	fx := newQueryFixture(t)
	seedExport(t, fx, 2)
	fx.svc.now = func() time.Time { return testNow.Add(30 * time.Second) }

	var buf bytes.Buffer
	n, err := fx.svc.ExportAuditEvents(context.Background(), "acme", SearchFilter{}, FormatNDJSON, &buf)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 1 {
		t.Errorf("exported %d, want only the record before the export started", n)
	}
	lines := 0
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var e AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Errorf("line %d: %v", lines, err)
		}
		lines++
	}
	if lines != 1 {
		t.Errorf("lines = %d", lines)
	}
}

func TestExportAuditEvents_ValidatesBeforeWriting(t *testing.T) {
	fx := newQueryFixture(t)
	var buf bytes.Buffer

	if _, err := fx.svc.ExportAuditEvents(context.Background(), "", SearchFilter{}, FormatCSV, &buf); !errors.Is(err, ErrTenantRequired) {
		t.Errorf("missing tenant: got %v", err)
	}
	if _, err := fx.svc.ExportAuditEvents(context.Background(), "acme", SearchFilter{Action: "approve"}, FormatCSV, &buf); !errors.Is(err, ErrInvalidEventKind) {
		t.Errorf("bad filter: got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("rejected export wrote %q", buf.String())
	}
	if _, err := fx.svc.ExportAuditEvents(context.Background(), "acme", SearchFilter{}, "xml", &buf); !errors.Is(err, ErrInvalidEventKind) {
		t.Errorf("bad format: got %v", err)
	}
}

func TestExportDataAccess(t *testing.T) {
	fx := newQueryFixture(t)
	fx.access(t, DataAccessInput{Tenant: "acme", PatientID: "p-1", AccessType: AccessViewDemographics})
	fx.access(t, DataAccessInput{Tenant: "acme", PatientID: "p-2", AccessType: AccessViewDemographics})
	fx.access(t, DataAccessInput{Tenant: "globex", PatientID: "p-3", AccessType: AccessViewDemographics})

	from := testNow.Add(time.Minute)
	var buf bytes.Buffer
	n, err := fx.svc.ExportDataAccess(context.Background(), "acme", &from, nil, &buf)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 1 {
		t.Fatalf("exported %d, want 1", n)
	}
	var e DataAccessEvent
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.PatientID != "p-2" {
		t.Errorf("patient = %q", e.PatientID)
	}
}
