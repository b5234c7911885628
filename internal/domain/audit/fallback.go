package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ehr/audit/internal/platform/hipaa"
)

// Fallback receives records the store could not accept.
type Fallback interface {
	Capture(ctx context.Context, env Envelope, cause error) error
}

// FallbackChain hands each record to every sink in order. A failing sink does
// not stop the others.
type FallbackChain []Fallback

func (fc FallbackChain) Capture(ctx context.Context, env Envelope, cause error) error {
	var errs []error
	for _, f := range fc {
		if f == nil {
			continue
		}
		if err := f.Capture(ctx, env, cause); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogFallback writes degraded records to an operational log stream. Payload
// snapshots have PHI keys redacted; identifiers needed to reconstruct the
// trail are kept.
type LogFallback struct {
	logger zerolog.Logger
}

// NewLogFallback creates a fallback writing JSON lines to w.
func NewLogFallback(w io.Writer) *LogFallback {
	return &LogFallback{
		logger: zerolog.New(w).With().Timestamp().Str("stream", "audit_fallback").Logger(),
	}
}

// NewFallbackFile opens a size-rotated file for the fallback stream. Rotated
// files are compressed and never aged out.
func NewFallbackFile(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename: path,
		MaxSize:  100, // megabytes
		Compress: true,
	}
}

func (f *LogFallback) Capture(_ context.Context, env Envelope, cause error) error {
	record, err := json.Marshal(redactEnvelope(env))
	if err != nil {
		return fmt.Errorf("encode fallback record: %w", err)
	}
	f.logger.Error().
		Err(cause).
		Str("kind", string(env.Kind)).
		Str("tenant", env.Tenant()).
		Time("occurred_at", env.Timestamp()).
		RawJSON("record", record).
		Msg("failed to record audit event")
	return nil
}

func redactEnvelope(env Envelope) Envelope {
	if env.Audit == nil {
		return env
	}
	e := *env.Audit
	e.Changes = redactPayload(e.Changes)
	e.PreviousValues = redactPayload(e.PreviousValues)
	e.NewValues = redactPayload(e.NewValues)
	env.Audit = &e
	return env
}

func redactPayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	out, _ := hipaa.RedactPHI(map[string]any(p)).(map[string]any)
	return Payload(out)
}

// Spooler is a durable queue of encoded envelopes. The Redis spool
// implements it.
type Spooler interface {
	Push(ctx context.Context, data []byte) error
}

// SpoolFallback queues degraded records unredacted so they can be replayed
// into the store by Drain.
type SpoolFallback struct {
	spool Spooler
}

func NewSpoolFallback(s Spooler) *SpoolFallback {
	return &SpoolFallback{spool: s}
}

func (f *SpoolFallback) Capture(ctx context.Context, env Envelope, _ error) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode spooled record: %w", err)
	}
	if err := f.spool.Push(ctx, data); err != nil {
		return fmt.Errorf("spool %s: %w", env.Kind, err)
	}
	return nil
}
