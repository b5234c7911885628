package hipaa

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Counter counts records of one kind written before a cutoff. The audit
// repositories implement it.
type Counter interface {
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionCount is one kind's position against its policy at CheckedAt.
type RetentionCount struct {
	Kind             string    `json:"kind"`
	ArchiveEligible  int64     `json:"archive_eligible"`
	PastRetention    int64     `json:"past_retention"`
	RetentionDays    int       `json:"retention_days"`
	ArchiveAfterDays int       `json:"archive_after_days"`
	CheckedAt        time.Time `json:"checked_at"`
}

// RetentionSweeper periodically measures how many records have aged past their
// archive and retention cutoffs. It reports; it never deletes.
type RetentionSweeper struct {
	service  *RetentionService
	counters map[string]Counter
	gauge    *prometheus.GaugeVec
	logger   zerolog.Logger

	mu   sync.RWMutex
	last []RetentionCount
	cron *cron.Cron
}

// NewRetentionSweeper creates a sweeper over counters keyed by record kind.
// reg may be nil to skip metric registration.
func NewRetentionSweeper(service *RetentionService, counters map[string]Counter, reg prometheus.Registerer, logger zerolog.Logger) *RetentionSweeper {
	s := &RetentionSweeper{
		service:  service,
		counters: counters,
		logger:   logger.With().Str("component", "retention-sweeper").Logger(),
	}
	if reg != nil {
		s.gauge = promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "audit",
			Name:      "retention_records",
			Help:      "Audit records past a retention threshold, by record kind and state.",
		}, []string{"kind", "state"})
	}
	return s
}

// Sweep counts every kind once and publishes the result.
func (s *RetentionSweeper) Sweep(ctx context.Context) ([]RetentionCount, error) {
	kinds := make([]string, 0, len(s.counters))
	for k := range s.counters {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	out := make([]RetentionCount, 0, len(kinds))
	for _, kind := range kinds {
		policy := s.service.GetPolicy(kind)
		archiveCut, retentionCut, ok := s.service.Cutoffs(kind)
		if !ok || policy == nil {
			return nil, fmt.Errorf("retention sweep: no policy for %s", kind)
		}

		counter := s.counters[kind]
		archivable, err := counter.CountOlderThan(ctx, archiveCut)
		if err != nil {
			return nil, fmt.Errorf("retention sweep %s: %w", kind, err)
		}
		expired, err := counter.CountOlderThan(ctx, retentionCut)
		if err != nil {
			return nil, fmt.Errorf("retention sweep %s: %w", kind, err)
		}

		rc := RetentionCount{
			Kind:             kind,
			ArchiveEligible:  archivable,
			PastRetention:    expired,
			RetentionDays:    policy.RetentionDays,
			ArchiveAfterDays: policy.ArchiveAfter,
			CheckedAt:        s.service.now(),
		}
		out = append(out, rc)

		if s.gauge != nil {
			s.gauge.WithLabelValues(kind, RetentionStateArchiveEligible).Set(float64(archivable))
			s.gauge.WithLabelValues(kind, RetentionStatePurgeEligible).Set(float64(expired))
		}
		ev := s.logger.Info()
		if expired > 0 {
			ev = s.logger.Warn()
		}
		ev.Str("kind", kind).
			Int64("archive_eligible", archivable).
			Int64("past_retention", expired).
			Msg("retention sweep")
	}

	s.mu.Lock()
	s.last = out
	s.mu.Unlock()
	return out, nil
}

// Last returns the result of the most recent successful sweep.
func (s *RetentionSweeper) Last() []RetentionCount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RetentionCount(nil), s.last...)
}

// Start schedules Sweep with a six-field (seconds-first) cron expression.
func (s *RetentionSweeper) Start(schedule string) error {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error().Err(err).Msg("retention sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retention sweep %q: %w", schedule, err)
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	c.Start()
	s.logger.Info().Str("schedule", schedule).Msg("retention sweeper started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish or ctx to end.
func (s *RetentionSweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
