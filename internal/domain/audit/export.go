package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ExportFormat selects the encoding of an export.
type ExportFormat string

const (
	FormatCSV    ExportFormat = "csv"
	FormatJSON   ExportFormat = "json"
	FormatNDJSON ExportFormat = "ndjson"
)

// ParseExportFormat accepts csv, json and ndjson.
func ParseExportFormat(v string) (ExportFormat, error) {
	switch f := ExportFormat(v); f {
	case FormatCSV, FormatJSON, FormatNDJSON:
		return f, nil
	}
	return "", &InvalidKindError{Field: "format", Value: v}
}

var csvHeader = []string{
	"ID", "Timestamp", "Tenant", "ActorID", "ActorName", "ActorAddress",
	"Action", "ResourceType", "ResourceID", "Reason", "SessionID",
	"RequestMethod", "RequestPath", "UserAgent",
}

func csvRecord(e *AuditEvent) []string {
	return []string{
		strconv.FormatInt(int64(e.ID), 10),
		e.Timestamp.Format(time.RFC3339Nano),
		e.Tenant,
		e.Actor.ID,
		e.Actor.DisplayName,
		e.Actor.Address,
		string(e.Action),
		e.ResourceType,
		e.ResourceID,
		e.Reason,
		e.SessionID,
		e.Request.Method,
		e.Request.Path,
		e.Request.UserAgent,
	}
}

// freezeWindow pins the upper bound of an export to the moment it starts so
// records appended while paging do not shift the offsets.
func (s *QueryService) freezeWindow(to *time.Time) *time.Time {
	now := s.now().UTC()
	if to == nil || to.After(now) {
		return &now
	}
	return to
}

// eachAuditEvent pages through the tenant's matching AuditEvents newest first.
func (s *QueryService) eachAuditEvent(ctx context.Context, tenant string, f SearchFilter, fn func(*AuditEvent) error) (int, error) {
	if err := ValidateTenantID(tenant); err != nil {
		return 0, err
	}
	if err := validateSearchFilter(f); err != nil {
		return 0, err
	}
	f.To = s.freezeWindow(f.To)
	page := s.policy.Bound(Page{Limit: s.policy.MaxLimit})

	n := 0
	for {
		batch, _, err := s.store.Events.Search(ctx, tenant, f, page)
		if err != nil {
			return n, fmt.Errorf("export page at offset %d: %w", page.Offset, err)
		}
		for _, e := range batch {
			if err := fn(e); err != nil {
				return n, err
			}
			n++
		}
		if len(batch) < page.Limit {
			return n, nil
		}
		page.Offset += len(batch)
	}
}

// ExportAuditEvents writes every matching AuditEvent of tenant to w and
// returns the number written.
func (s *QueryService) ExportAuditEvents(ctx context.Context, tenant string, f SearchFilter, format ExportFormat, w io.Writer) (n int, err error) {
	ctx, done := s.start(ctx, "export_"+string(format))
	defer func() { done(err) }()

	if err := ValidateTenantID(tenant); err != nil {
		return 0, err
	}
	if err := validateSearchFilter(f); err != nil {
		return 0, err
	}

	switch format {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return 0, fmt.Errorf("audit export csv: write header: %w", err)
		}
		n, err = s.eachAuditEvent(ctx, tenant, f, func(e *AuditEvent) error {
			if err := cw.Write(csvRecord(e)); err != nil {
				return fmt.Errorf("audit export csv: write record: %w", err)
			}
			return nil
		})
		cw.Flush()
		if err == nil {
			err = cw.Error()
		}
		return n, err

	case FormatJSON:
		if _, err := io.WriteString(w, "["); err != nil {
			return 0, fmt.Errorf("audit export json: %w", err)
		}
		enc := json.NewEncoder(w)
		first := true
		n, err = s.eachAuditEvent(ctx, tenant, f, func(e *AuditEvent) error {
			if !first {
				if _, err := io.WriteString(w, ","); err != nil {
					return fmt.Errorf("audit export json: %w", err)
				}
			}
			first = false
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("audit export json: %w", err)
			}
			return nil
		})
		if err != nil {
			return n, err
		}
		if _, err := io.WriteString(w, "]\n"); err != nil {
			return n, fmt.Errorf("audit export json: %w", err)
		}
		return n, nil

	case FormatNDJSON:
		enc := json.NewEncoder(w)
		return s.eachAuditEvent(ctx, tenant, f, func(e *AuditEvent) error {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("audit export ndjson: %w", err)
			}
			return nil
		})
	}
	return 0, &InvalidKindError{Field: "format", Value: string(format)}
}

// ExportDataAccess writes the tenant's DataAccessEvents recorded within
// [from, to] to w as NDJSON, newest first.
func (s *QueryService) ExportDataAccess(ctx context.Context, tenant string, from, to *time.Time, w io.Writer) (n int, err error) {
	ctx, done := s.start(ctx, "export_access")
	defer func() { done(err) }()

	if err := ValidateTenantID(tenant); err != nil {
		return 0, err
	}
	to = s.freezeWindow(to)
	page := s.policy.Bound(Page{Limit: s.policy.MaxLimit})
	enc := json.NewEncoder(w)
	for {
		batch, err := s.store.Access.ListByTenant(ctx, tenant, from, to, page)
		if err != nil {
			return n, fmt.Errorf("export access page at offset %d: %w", page.Offset, err)
		}
		for _, e := range batch {
			if err := enc.Encode(e); err != nil {
				return n, fmt.Errorf("audit export ndjson: %w", err)
			}
			n++
		}
		if len(batch) < page.Limit {
			return n, nil
		}
		page.Offset += len(batch)
	}
}
