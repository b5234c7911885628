package audit

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

var errStoreDown = fmt.Errorf("%w: connection refused", ErrStoreUnavailable)

var testNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// seedTenants registers each id in the memory tenant registry.
func seedTenants(t *testing.T, s Stores, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := s.Tenants.Create(context.Background(), &Tenant{ID: id, Name: id}); err != nil {
			t.Fatalf("seed tenant %s: %v", id, err)
		}
	}
}

// flakyStores wraps memory repositories so a test can make every Append fail.
type flakyStores struct {
	mu      sync.Mutex
	err     error
	appends int
}

func (f *flakyStores) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *flakyStores) check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	return f.err
}

func (f *flakyStores) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends
}

func (f *flakyStores) wrap(s Stores) Stores {
	return Stores{
		Events:   &flakyEvents{AuditEventRepository: s.Events, f: f},
		Access:   &flakyAccess{DataAccessRepository: s.Access, f: f},
		Security: &flakySecurity{SecurityEventRepository: s.Security, f: f},
		Tenants:  s.Tenants,
	}
}

type flakyEvents struct {
	AuditEventRepository
	f *flakyStores
}

func (r *flakyEvents) Append(ctx context.Context, e *AuditEvent) error {
	if err := r.f.check(); err != nil {
		return err
	}
	return r.AuditEventRepository.Append(ctx, e)
}

type flakyAccess struct {
	DataAccessRepository
	f *flakyStores
}

func (r *flakyAccess) Append(ctx context.Context, e *DataAccessEvent) error {
	if err := r.f.check(); err != nil {
		return err
	}
	return r.DataAccessRepository.Append(ctx, e)
}

type flakySecurity struct {
	SecurityEventRepository
	f *flakyStores
}

func (r *flakySecurity) Append(ctx context.Context, e *SecurityEvent) error {
	if err := r.f.check(); err != nil {
		return err
	}
	return r.SecurityEventRepository.Append(ctx, e)
}

// registeredEvents rejects AuditEvents naming a tenant missing from the
// registry, the way the Postgres foreign key does.
type registeredEvents struct {
	AuditEventRepository
	tenants TenantRepository
}

func withTenantCheck(s Stores) Stores {
	s.Events = &registeredEvents{AuditEventRepository: s.Events, tenants: s.Tenants}
	return s
}

func (r *registeredEvents) Append(ctx context.Context, e *AuditEvent) error {
	if e.Tenant != "" {
		if _, err := r.tenants.Get(ctx, e.Tenant); err != nil {
			return fmt.Errorf("append audit event: %w: %s", ErrUnknownTenant, e.Tenant)
		}
	}
	return r.AuditEventRepository.Append(ctx, e)
}

// captureFallback records what the Recorder diverted.
type captureFallback struct {
	mu     sync.Mutex
	envs   []Envelope
	causes []error
	err    error
}

func (c *captureFallback) Capture(_ context.Context, env Envelope, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	c.causes = append(c.causes, cause)
	return c.err
}

func (c *captureFallback) captured() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.envs...)
}

type publishedMessage struct {
	key   string
	value []byte
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []publishedMessage
	err  error
}

func (p *capturePublisher) Publish(_ context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, publishedMessage{key: key, value: value})
	return p.err
}

// memorySpool is an in-process SpoolSource and Spooler.
type memorySpool struct {
	mu       sync.Mutex
	queue    [][]byte
	inflight [][]byte
	dead     [][]byte
	acked    int
	ackErr   error
}

func (s *memorySpool) Push(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, data)
	return nil
}

func (s *memorySpool) Claim(_ context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false, nil
	}
	data := s.queue[0]
	s.queue = s.queue[1:]
	s.inflight = append(s.inflight, data)
	return data, true, nil
}

func (s *memorySpool) remove(data []byte) {
	for i, d := range s.inflight {
		if string(d) == string(data) {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			return
		}
	}
}

func (s *memorySpool) Ack(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackErr != nil {
		return s.ackErr
	}
	s.remove(data)
	s.acked++
	return nil
}

func (s *memorySpool) Release(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(data)
	s.queue = append([][]byte{data}, s.queue...)
	return nil
}

func (s *memorySpool) DeadLetter(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(data)
	s.dead = append(s.dead, data)
	return nil
}

// fakeTx satisfies pgx.Tx so a context can carry a caller transaction.
type fakeTx struct {
	pgx.Tx
}
