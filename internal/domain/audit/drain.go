package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// SpoolSource is the consuming side of the fallback spool. Claim hands out
// one queued envelope at a time; each must be acknowledged, released back to
// the queue, or dead-lettered.
type SpoolSource interface {
	Claim(ctx context.Context) ([]byte, bool, error)
	Ack(ctx context.Context, data []byte) error
	Release(ctx context.Context, data []byte) error
	DeadLetter(ctx context.Context, data []byte) error
}

// DrainResult counts what a Drain pass did.
type DrainResult struct {
	Replayed     int `json:"replayed"`
	DeadLettered int `json:"dead_lettered"`
}

// Drain replays spooled records into the store, oldest first, until the spool
// is empty, limit records have been replayed (0 means no limit), or the store
// fails. Records the store rejects as invalid are dead-lettered. A replayed
// record keeps the timestamp it was captured with.
func Drain(ctx context.Context, store Stores, src SpoolSource, limit int, logger zerolog.Logger) (DrainResult, error) {
	log := logger.With().Str("component", "spool-drain").Logger()
	var res DrainResult

	for limit <= 0 || res.Replayed < limit {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		data, ok, err := src.Claim(ctx)
		if err != nil {
			return res, fmt.Errorf("claim spooled record: %w", err)
		}
		if !ok {
			break
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error().Err(err).Msg("undecodable spooled record")
			if err := src.DeadLetter(ctx, data); err != nil {
				return res, fmt.Errorf("dead-letter spooled record: %w", err)
			}
			res.DeadLettered++
			continue
		}

		id, err := appendEnvelope(ctx, store, env)
		switch {
		case err == nil:
			if err := src.Ack(ctx, data); err != nil {
				return res, fmt.Errorf("ack replayed %s %d: %w", env.Kind, id, err)
			}
			res.Replayed++
			log.Debug().Str("kind", string(env.Kind)).Int64("id", int64(id)).Msg("replayed spooled record")
		case IsValidation(err) || errors.Is(err, ErrUnknownTenant) || errors.Is(err, ErrImmutableRecord):
			log.Error().Err(err).Str("kind", string(env.Kind)).Msg("spooled record rejected by store")
			if err := src.DeadLetter(ctx, data); err != nil {
				return res, fmt.Errorf("dead-letter spooled record: %w", err)
			}
			res.DeadLettered++
		default:
			if rerr := src.Release(ctx, data); rerr != nil {
				log.Error().Err(rerr).Msg("release spooled record")
			}
			return res, fmt.Errorf("replay %s: %w", env.Kind, err)
		}
	}

	log.Info().Int("replayed", res.Replayed).Int("dead_lettered", res.DeadLettered).Msg("spool drained")
	return res, nil
}
