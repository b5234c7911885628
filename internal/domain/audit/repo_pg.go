package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/audit/internal/platform/db"
	"github.com/ehr/audit/internal/platform/hipaa"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// SQLSTATE codes raised by the immutability triggers.
const (
	sqlStateImmutable       = "AU001"
	sqlStateAlreadyResolved = "AU002"
	sqlStateFKViolation     = "23503"
	sqlStateUniqueViolation = "23505"
)

// NewPGStores wires the Postgres repositories onto one pool. enc may be nil,
// in which case payload snapshots are stored as plain JSONB.
func NewPGStores(pool *pgxpool.Pool, enc hipaa.FieldEncryptor) Stores {
	var events AuditEventRepository
	if enc != nil {
		events = NewAuditEventRepoWithEncryption(pool, enc)
	} else {
		events = NewAuditEventRepo(pool)
	}
	return Stores{
		Events:   events,
		Access:   NewDataAccessRepo(pool),
		Security: NewSecurityEventRepo(pool),
		Tenants:  NewTenantRepo(pool),
	}
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// mapPGError translates driver errors into the package sentinels. Anything
// that is not a Postgres-reported statement error is a connectivity problem.
func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == sqlStateImmutable:
			return fmt.Errorf("%w: %s", ErrImmutableRecord, pgErr.Message)
		case pgErr.Code == sqlStateAlreadyResolved:
			return fmt.Errorf("%w: %s", ErrAlreadyResolved, pgErr.Message)
		case pgErr.Code == sqlStateFKViolation:
			return fmt.Errorf("%w: %s", ErrUnknownTenant, pgErr.Detail)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"), strings.HasPrefix(pgErr.Code, "53"):
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// whereBuilder accumulates positional predicates the way the search queries
// need them.
type whereBuilder struct {
	clauses []string
	args    []interface{}
}

func (w *whereBuilder) add(clause string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(w.clauses, " AND ")
}

// page appends LIMIT/OFFSET placeholders and returns the clause.
func (w *whereBuilder) page(p Page) string {
	w.args = append(w.args, p.Limit, p.Offset)
	return fmt.Sprintf("LIMIT $%d OFFSET $%d", len(w.args)-1, len(w.args))
}

// ---------- AuditEvent ----------

type AuditEventRepoPG struct {
	pool      *pgxpool.Pool
	encryptor hipaa.FieldEncryptor
}

func NewAuditEventRepo(pool *pgxpool.Pool) *AuditEventRepoPG {
	return &AuditEventRepoPG{pool: pool}
}

// NewAuditEventRepoWithEncryption seals the changes, previous_values and
// new_values snapshots with enc before they reach the database.
func NewAuditEventRepoWithEncryption(pool *pgxpool.Pool, enc hipaa.FieldEncryptor) *AuditEventRepoPG {
	return &AuditEventRepoPG{pool: pool, encryptor: enc}
}

func (r *AuditEventRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

const auditCols = `id, COALESCE(tenant_id, ''), actor_id, actor_display, actor_address,
	action, resource_type, resource_id, changes, previous_values, new_values,
	request_method, request_path, user_agent, request_address,
	reason, session_id, recorded_at`

// encodePayload returns JSONB for p: the object itself, or a JSON string
// holding the sealed object when an encryptor is configured.
func (r *AuditEventRepoPG) encodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if r.encryptor == nil {
		return raw, nil
	}
	sealed, err := r.encryptor.Encrypt(string(raw))
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}
	return json.Marshal(sealed)
}

func (r *AuditEventRepoPG) decodePayload(raw []byte) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var sealed string
		if err := json.Unmarshal(raw, &sealed); err != nil {
			return nil, fmt.Errorf("decode sealed payload: %w", err)
		}
		if r.encryptor == nil {
			return nil, fmt.Errorf("payload is sealed but no encryption key is configured")
		}
		plain, err := r.encryptor.Decrypt(sealed)
		if err != nil {
			return nil, fmt.Errorf("open payload: %w", err)
		}
		raw = []byte(plain)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

func (r *AuditEventRepoPG) scan(row pgx.Row) (*AuditEvent, error) {
	var e AuditEvent
	var changes, previous, next []byte
	err := row.Scan(
		&e.ID, &e.Tenant, &e.Actor.ID, &e.Actor.DisplayName, &e.Actor.Address,
		&e.Action, &e.ResourceType, &e.ResourceID, &changes, &previous, &next,
		&e.Request.Method, &e.Request.Path, &e.Request.UserAgent, &e.Request.Address,
		&e.Reason, &e.SessionID, &e.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	if e.Changes, err = r.decodePayload(changes); err != nil {
		return nil, err
	}
	if e.PreviousValues, err = r.decodePayload(previous); err != nil {
		return nil, err
	}
	if e.NewValues, err = r.decodePayload(next); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *AuditEventRepoPG) Append(ctx context.Context, e *AuditEvent) error {
	changes, err := r.encodePayload(e.Changes)
	if err != nil {
		return err
	}
	previous, err := r.encodePayload(e.PreviousValues)
	if err != nil {
		return err
	}
	next, err := r.encodePayload(e.NewValues)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO audit_event (
			tenant_id, actor_id, actor_display, actor_address,
			action, resource_type, resource_id, changes, previous_values, new_values,
			request_method, request_path, user_agent, request_address,
			reason, session_id, recorded_at
		) VALUES (
			NULLIF($1, ''),$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,COALESCE($17, NOW())
		) RETURNING id, recorded_at`

	err = r.conn(ctx).QueryRow(ctx, q,
		e.Tenant, e.Actor.ID, e.Actor.DisplayName, e.Actor.Address,
		string(e.Action), e.ResourceType, e.ResourceID, changes, previous, next,
		e.Request.Method, e.Request.Path, e.Request.UserAgent, e.Request.Address,
		e.Reason, e.SessionID, nullTime(e.Timestamp),
	).Scan(&e.ID, &e.Timestamp)
	if err != nil {
		return fmt.Errorf("append audit event: %w", mapPGError(err))
	}
	return nil
}

func (r *AuditEventRepoPG) Get(ctx context.Context, id RecordID) (*AuditEvent, error) {
	q := fmt.Sprintf("SELECT %s FROM audit_event WHERE id = $1", auditCols)
	e, err := r.scan(r.conn(ctx).QueryRow(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("audit event %d: %w", id, mapPGError(err))
	}
	return e, nil
}

func (r *AuditEventRepoPG) list(ctx context.Context, w *whereBuilder, page Page) ([]*AuditEvent, error) {
	q := fmt.Sprintf("SELECT %s FROM audit_event %s ORDER BY recorded_at DESC, id DESC ", auditCols, w.sql())
	q += w.page(page)

	rows, err := r.conn(ctx).Query(ctx, q, w.args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()

	var items []*AuditEvent
	for rows.Next() {
		e, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, mapPGError(rows.Err())
}

func (r *AuditEventRepoPG) ListByTenant(ctx context.Context, tenant string, page Page) ([]*AuditEvent, error) {
	w := &whereBuilder{}
	w.add("tenant_id = $%d", tenant)
	return r.list(ctx, w, page)
}

func (r *AuditEventRepoPG) ListByResource(ctx context.Context, tenant, resourceType, resourceID string, page Page) ([]*AuditEvent, error) {
	w := &whereBuilder{}
	w.add("tenant_id = $%d", tenant)
	w.add("resource_type = $%d", resourceType)
	w.add("resource_id = $%d", resourceID)
	return r.list(ctx, w, page)
}

func (r *AuditEventRepoPG) ListByActor(ctx context.Context, tenant, actorID string, page Page) ([]*AuditEvent, error) {
	w := &whereBuilder{}
	w.add("tenant_id = $%d", tenant)
	w.add("actor_id = $%d", actorID)
	return r.list(ctx, w, page)
}

func searchWhere(tenant string, f SearchFilter) *whereBuilder {
	w := &whereBuilder{}
	w.add("tenant_id = $%d", tenant)
	if f.Action != "" {
		w.add("action = $%d", string(f.Action))
	}
	if f.ResourceType != "" {
		w.add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		w.add("resource_id = $%d", f.ResourceID)
	}
	if f.ActorID != "" {
		w.add("actor_id = $%d", f.ActorID)
	}
	if f.From != nil {
		w.add("recorded_at >= $%d", *f.From)
	}
	if f.To != nil {
		w.add("recorded_at <= $%d", *f.To)
	}
	if f.Text != "" {
		w.add("(actor_display ILIKE $%[1]d OR actor_id ILIKE $%[1]d OR resource_id ILIKE $%[1]d OR actor_address ILIKE $%[1]d)",
			"%"+escapeLike(f.Text)+"%")
	}
	return w
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *AuditEventRepoPG) Search(ctx context.Context, tenant string, f SearchFilter, page Page) ([]*AuditEvent, int, error) {
	w := searchWhere(tenant, f)

	var total int
	countQ := fmt.Sprintf("SELECT COUNT(*) FROM audit_event %s", w.sql())
	if err := r.conn(ctx).QueryRow(ctx, countQ, w.args...).Scan(&total); err != nil {
		return nil, 0, mapPGError(err)
	}

	items, err := r.list(ctx, w, page)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *AuditEventRepoPG) Summarize(ctx context.Context, tenant string, f SearchFilter) (*Summary, error) {
	w := searchWhere(tenant, f)
	q := fmt.Sprintf(`SELECT action, resource_type, actor_id, COUNT(*), MIN(recorded_at), MAX(recorded_at)
		FROM audit_event %s GROUP BY action, resource_type, actor_id`, w.sql())

	rows, err := r.conn(ctx).Query(ctx, q, w.args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()

	sum := newSummary()
	for rows.Next() {
		var action, resourceType, actor string
		var n int
		var first, last time.Time
		if err := rows.Scan(&action, &resourceType, &actor, &n, &first, &last); err != nil {
			return nil, err
		}
		sum.Total += n
		sum.ByAction[action] += n
		sum.ByResourceType[resourceType] += n
		sum.ByActor[actor] += n
		if sum.First == nil || first.Before(*sum.First) {
			f := first
			sum.First = &f
		}
		if sum.Last == nil || last.After(*sum.Last) {
			l := last
			sum.Last = &l
		}
	}
	return sum, mapPGError(rows.Err())
}

func (r *AuditEventRepoPG) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return countOlderThan(ctx, r.conn(ctx), "audit_event", cutoff)
}

func countOlderThan(ctx context.Context, q queryable, table string, cutoff time.Time) (int64, error) {
	var n int64
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE recorded_at < $1", pgx.Identifier{table}.Sanitize())
	if err := q.QueryRow(ctx, sql, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s older than %s: %w", table, cutoff.Format(time.RFC3339), mapPGError(err))
	}
	return n, nil
}

// ---------- DataAccessEvent ----------

type DataAccessRepoPG struct {
	pool *pgxpool.Pool
}

func NewDataAccessRepo(pool *pgxpool.Pool) *DataAccessRepoPG {
	return &DataAccessRepoPG{pool: pool}
}

func (r *DataAccessRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

const accessCols = `id, tenant_id, actor_id, actor_display, actor_address,
	patient_id, access_type, reason, access_granted, denial_reason,
	request_method, request_path, user_agent, request_address,
	session_id, recorded_at`

func scanAccess(row pgx.Row) (*DataAccessEvent, error) {
	var e DataAccessEvent
	err := row.Scan(
		&e.ID, &e.Tenant, &e.Actor.ID, &e.Actor.DisplayName, &e.Actor.Address,
		&e.PatientID, &e.AccessType, &e.Reason, &e.AccessGranted, &e.DenialReason,
		&e.Request.Method, &e.Request.Path, &e.Request.UserAgent, &e.Request.Address,
		&e.SessionID, &e.Timestamp,
	)
	return &e, err
}

func (r *DataAccessRepoPG) Append(ctx context.Context, e *DataAccessEvent) error {
	const q = `
		INSERT INTO data_access_event (
			tenant_id, actor_id, actor_display, actor_address,
			patient_id, access_type, reason, access_granted, denial_reason,
			request_method, request_path, user_agent, request_address,
			session_id, recorded_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,COALESCE($15, NOW())
		) RETURNING id, recorded_at`

	err := r.conn(ctx).QueryRow(ctx, q,
		e.Tenant, e.Actor.ID, e.Actor.DisplayName, e.Actor.Address,
		e.PatientID, string(e.AccessType), e.Reason, e.AccessGranted, e.DenialReason,
		e.Request.Method, e.Request.Path, e.Request.UserAgent, e.Request.Address,
		e.SessionID, nullTime(e.Timestamp),
	).Scan(&e.ID, &e.Timestamp)
	if err != nil {
		return fmt.Errorf("append data access event: %w", mapPGError(err))
	}
	return nil
}

func (r *DataAccessRepoPG) Get(ctx context.Context, id RecordID) (*DataAccessEvent, error) {
	q := fmt.Sprintf("SELECT %s FROM data_access_event WHERE id = $1", accessCols)
	e, err := scanAccess(r.conn(ctx).QueryRow(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("data access event %d: %w", id, mapPGError(err))
	}
	return e, nil
}

func (r *DataAccessRepoPG) list(ctx context.Context, w *whereBuilder, page Page) ([]*DataAccessEvent, error) {
	q := fmt.Sprintf("SELECT %s FROM data_access_event %s ORDER BY recorded_at DESC, id DESC ", accessCols, w.sql())
	q += w.page(page)

	rows, err := r.conn(ctx).Query(ctx, q, w.args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()

	var items []*DataAccessEvent
	for rows.Next() {
		e, err := scanAccess(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, mapPGError(rows.Err())
}

func (r *DataAccessRepoPG) ListByPatient(ctx context.Context, tenant, patientID string, since *time.Time, page Page) ([]*DataAccessEvent, error) {
	w := &whereBuilder{}
	w.add("tenant_id = $%d", tenant)
	w.add("patient_id = $%d", patientID)
	if since != nil {
		w.add("recorded_at >= $%d", *since)
	}
	return r.list(ctx, w, page)
}

func (r *DataAccessRepoPG) ListByTenant(ctx context.Context, tenant string, from, to *time.Time, page Page) ([]*DataAccessEvent, error) {
	w := &whereBuilder{}
	w.add("tenant_id = $%d", tenant)
	if from != nil {
		w.add("recorded_at >= $%d", *from)
	}
	if to != nil {
		w.add("recorded_at <= $%d", *to)
	}
	return r.list(ctx, w, page)
}

func (r *DataAccessRepoPG) ListByActor(ctx context.Context, tenant, actorID string, page Page) ([]*DataAccessEvent, error) {
	w := &whereBuilder{}
	w.add("tenant_id = $%d", tenant)
	w.add("actor_id = $%d", actorID)
	return r.list(ctx, w, page)
}

func (r *DataAccessRepoPG) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return countOlderThan(ctx, r.conn(ctx), "data_access_event", cutoff)
}

// ---------- SecurityEvent ----------

type SecurityEventRepoPG struct {
	pool *pgxpool.Pool
}

func NewSecurityEventRepo(pool *pgxpool.Pool) *SecurityEventRepoPG {
	return &SecurityEventRepoPG{pool: pool}
}

func (r *SecurityEventRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

const securityCols = `id, COALESCE(tenant_id, ''), event_type, severity,
	actor_id, actor_display, actor_address, username_attempt, description,
	request_method, request_path, user_agent, request_address,
	action_taken, resolved, resolved_at, recorded_at`

func scanSecurity(row pgx.Row) (*SecurityEvent, error) {
	var e SecurityEvent
	err := row.Scan(
		&e.ID, &e.Tenant, &e.EventType, &e.Severity,
		&e.Actor.ID, &e.Actor.DisplayName, &e.Actor.Address, &e.UsernameAttempt, &e.Description,
		&e.Request.Method, &e.Request.Path, &e.Request.UserAgent, &e.Request.Address,
		&e.ActionTaken, &e.Resolved, &e.ResolvedAt, &e.Timestamp,
	)
	return &e, err
}

func (r *SecurityEventRepoPG) Append(ctx context.Context, e *SecurityEvent) error {
	const q = `
		INSERT INTO security_event (
			tenant_id, event_type, severity,
			actor_id, actor_display, actor_address, username_attempt, description,
			request_method, request_path, user_agent, request_address, recorded_at
		) VALUES (
			NULLIF($1, ''),$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,COALESCE($13, NOW())
		) RETURNING id, recorded_at`

	err := r.conn(ctx).QueryRow(ctx, q,
		e.Tenant, string(e.EventType), string(e.Severity),
		e.Actor.ID, e.Actor.DisplayName, e.Actor.Address, e.UsernameAttempt, e.Description,
		e.Request.Method, e.Request.Path, e.Request.UserAgent, e.Request.Address,
		nullTime(e.Timestamp),
	).Scan(&e.ID, &e.Timestamp)
	if err != nil {
		return fmt.Errorf("append security event: %w", mapPGError(err))
	}
	e.Resolved = false
	e.ResolvedAt = nil
	e.ActionTaken = ""
	return nil
}

func (r *SecurityEventRepoPG) Get(ctx context.Context, id RecordID) (*SecurityEvent, error) {
	q := fmt.Sprintf("SELECT %s FROM security_event WHERE id = $1", securityCols)
	e, err := scanSecurity(r.conn(ctx).QueryRow(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("security event %d: %w", id, mapPGError(err))
	}
	return e, nil
}

// Resolve relies on the row lock taken by UPDATE: of two concurrent resolvers
// the second waits, re-evaluates resolved = FALSE against the committed row and
// matches nothing. A follow-up read tells "already resolved" from "absent".
func (r *SecurityEventRepoPG) Resolve(ctx context.Context, id RecordID, res Resolution) (*SecurityEvent, error) {
	q := fmt.Sprintf(`UPDATE security_event
		SET resolved = TRUE, resolved_at = COALESCE($2, NOW()), action_taken = $3
		WHERE id = $1 AND resolved = FALSE
		RETURNING %s`, securityCols)

	c := r.conn(ctx)
	e, err := scanSecurity(c.QueryRow(ctx, q, id, nullTime(res.ResolvedAt), res.ActionTaken))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("resolve security event %d: %w", id, mapPGError(err))
	}

	var resolved bool
	err = c.QueryRow(ctx, "SELECT resolved FROM security_event WHERE id = $1", id).Scan(&resolved)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("security event %d: %w", id, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("resolve security event %d: %w", id, mapPGError(err))
	}
	return nil, fmt.Errorf("security event %d: %w", id, ErrAlreadyResolved)
}

func (r *SecurityEventRepoPG) list(ctx context.Context, w *whereBuilder, page Page) ([]*SecurityEvent, error) {
	q := fmt.Sprintf("SELECT %s FROM security_event %s ORDER BY recorded_at DESC, id DESC ", securityCols, w.sql())
	q += w.page(page)

	rows, err := r.conn(ctx).Query(ctx, q, w.args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()

	var items []*SecurityEvent
	for rows.Next() {
		e, err := scanSecurity(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, mapPGError(rows.Err())
}

func severityNames(min Severity) []string {
	levels := SeveritiesAtLeast(min)
	out := make([]string, len(levels))
	for i, s := range levels {
		out[i] = string(s)
	}
	return out
}

func (r *SecurityEventRepoPG) ListUnresolved(ctx context.Context, minSeverity Severity, page Page) ([]*SecurityEvent, error) {
	w := &whereBuilder{}
	w.add("resolved = $%d", false)
	if minSeverity != "" {
		w.add("severity = ANY($%d)", severityNames(minSeverity))
	}
	return r.list(ctx, w, page)
}

func (r *SecurityEventRepoPG) List(ctx context.Context, f SecurityFilter, page Page) ([]*SecurityEvent, int, error) {
	w := &whereBuilder{}
	if f.Tenant != "" {
		w.add("tenant_id = $%d", f.Tenant)
	}
	if f.EventType != "" {
		w.add("event_type = $%d", string(f.EventType))
	}
	if f.MinSeverity != "" {
		w.add("severity = ANY($%d)", severityNames(f.MinSeverity))
	}
	if f.Resolved != nil {
		w.add("resolved = $%d", *f.Resolved)
	}
	if f.From != nil {
		w.add("recorded_at >= $%d", *f.From)
	}
	if f.To != nil {
		w.add("recorded_at <= $%d", *f.To)
	}

	var total int
	countQ := fmt.Sprintf("SELECT COUNT(*) FROM security_event %s", w.sql())
	if err := r.conn(ctx).QueryRow(ctx, countQ, w.args...).Scan(&total); err != nil {
		return nil, 0, mapPGError(err)
	}
	items, err := r.list(ctx, w, page)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *SecurityEventRepoPG) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return countOlderThan(ctx, r.conn(ctx), "security_event", cutoff)
}

// ---------- Tenant ----------

type TenantRepoPG struct {
	pool *pgxpool.Pool
}

func NewTenantRepo(pool *pgxpool.Pool) *TenantRepoPG {
	return &TenantRepoPG{pool: pool}
}

func (r *TenantRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

func (r *TenantRepoPG) Create(ctx context.Context, t *Tenant) error {
	if err := ValidateTenantID(t.ID); err != nil {
		return err
	}
	err := r.conn(ctx).QueryRow(ctx,
		"INSERT INTO tenant (id, name) VALUES ($1, $2) RETURNING created_at",
		t.ID, t.Name,
	).Scan(&t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation {
			return fmt.Errorf("tenant %s: %w", t.ID, ErrTenantExists)
		}
		return fmt.Errorf("create tenant %s: %w", t.ID, mapPGError(err))
	}
	return nil
}

func (r *TenantRepoPG) Get(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := r.conn(ctx).QueryRow(ctx, "SELECT id, name, created_at FROM tenant WHERE id = $1", id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", id, mapPGError(err))
	}
	return &t, nil
}

func (r *TenantRepoPG) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := r.conn(ctx).Query(ctx, "SELECT id, name, created_at FROM tenant ORDER BY id")
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()

	var items []*Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &t)
	}
	return items, mapPGError(rows.Err())
}
