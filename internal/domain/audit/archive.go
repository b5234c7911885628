package audit

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/audit/internal/platform/blobstore"
)

// ArchiveResult reports what one archive run wrote.
type ArchiveResult struct {
	Tenant           string              `json:"tenant"`
	Cutoff           time.Time           `json:"cutoff"`
	AuditEvents      int                 `json:"audit_events"`
	DataAccessEvents int                 `json:"data_access_events"`
	Objects          []*blobstore.Object `json:"objects"`
}

// ArchiveKey names the object holding one kind of record for a tenant and
// cutoff. The random suffix keeps repeated runs from colliding.
func ArchiveKey(tenant string, kind RecordKind, cutoff time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s-%s.ndjson",
		tenant, cutoff.UTC().Format("2006-01-02"), kind, uuid.NewString())
}

// Archive copies the tenant's AuditEvents and DataAccessEvents recorded
// before cutoff into store as NDJSON objects. Nothing is removed from the
// audit store; a kind with no eligible records produces no object.
func (s *QueryService) Archive(ctx context.Context, tenant string, cutoff time.Time, store blobstore.Store) (res *ArchiveResult, err error) {
	ctx, done := s.start(ctx, "archive", attribute.String("audit.tenant", tenant))
	defer func() { done(err) }()

	if err := ValidateTenantID(tenant); err != nil {
		return nil, err
	}
	if cutoff.IsZero() {
		return nil, missingField("cutoff")
	}
	cutoff = cutoff.UTC()
	res = &ArchiveResult{Tenant: tenant, Cutoff: cutoff}

	var buf bytes.Buffer
	n, err := s.ExportAuditEvents(ctx, tenant, SearchFilter{To: &cutoff}, FormatNDJSON, &buf)
	if err != nil {
		return res, fmt.Errorf("archive audit events for %s: %w", tenant, err)
	}
	res.AuditEvents = n
	if err := s.putArchive(ctx, store, res, KindAuditEvent, n, &buf); err != nil {
		return res, err
	}

	buf.Reset()
	n, err = s.ExportDataAccess(ctx, tenant, nil, &cutoff, &buf)
	if err != nil {
		return res, fmt.Errorf("archive data access events for %s: %w", tenant, err)
	}
	res.DataAccessEvents = n
	if err := s.putArchive(ctx, store, res, KindDataAccessEvent, n, &buf); err != nil {
		return res, err
	}
	return res, nil
}

func (s *QueryService) putArchive(ctx context.Context, store blobstore.Store, res *ArchiveResult, kind RecordKind, n int, body *bytes.Buffer) error {
	if n == 0 {
		return nil
	}
	obj, err := store.Put(ctx, blobstore.PutInput{
		Key:         ArchiveKey(res.Tenant, kind, res.Cutoff),
		ContentType: "application/x-ndjson",
		Body:        body,
		Metadata: map[string]string{
			"tenant":       res.Tenant,
			"kind":         string(kind),
			"cutoff":       res.Cutoff.Format(time.RFC3339),
			"record-count": strconv.Itoa(n),
		},
	})
	if err != nil {
		return fmt.Errorf("store %s archive for %s: %w", kind, res.Tenant, err)
	}
	res.Objects = append(res.Objects, obj)
	return nil
}
