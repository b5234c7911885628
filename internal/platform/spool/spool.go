// Package spool is a Redis-backed durable queue for records that could not be
// written to their primary store. Records move from the queue to a processing
// list when claimed, so a consumer that dies mid-record loses nothing.
package spool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the connection settings for the spool's Redis instance.
type Config struct {
	URL          string
	Prefix       string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient connects to Redis and verifies the connection. It returns nil
// when no URL is configured.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Spool stores opaque records in three Redis lists: queued, processing and
// dead-lettered.
type Spool struct {
	client     *redis.Client
	queue      string
	processing string
	dead       string
}

// New creates a Spool whose keys start with prefix ("audit:spool" when empty).
func New(client *redis.Client, prefix string) *Spool {
	if prefix == "" {
		prefix = "audit:spool"
	}
	return &Spool{
		client:     client,
		queue:      prefix + ":queue",
		processing: prefix + ":processing",
		dead:       prefix + ":dead",
	}
}

// Push appends data to the tail of the queue.
func (s *Spool) Push(ctx context.Context, data []byte) error {
	if err := s.client.RPush(ctx, s.queue, data).Err(); err != nil {
		return fmt.Errorf("spool push: %w", err)
	}
	return nil
}

// Claim moves the oldest queued record onto the processing list and returns
// it. ok is false when the queue is empty.
func (s *Spool) Claim(ctx context.Context) (data []byte, ok bool, err error) {
	data, err = s.client.LMove(ctx, s.queue, s.processing, "LEFT", "RIGHT").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("spool claim: %w", err)
	}
	return data, true, nil
}

// Ack removes a claimed record for good.
func (s *Spool) Ack(ctx context.Context, data []byte) error {
	if err := s.client.LRem(ctx, s.processing, 1, data).Err(); err != nil {
		return fmt.Errorf("spool ack: %w", err)
	}
	return nil
}

// Release returns a claimed record to the head of the queue so it is the
// next one claimed.
func (s *Spool) Release(ctx context.Context, data []byte) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, s.processing, 1, data)
		p.LPush(ctx, s.queue, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("spool release: %w", err)
	}
	return nil
}

// DeadLetter parks a claimed record that can never be replayed.
func (s *Spool) DeadLetter(ctx context.Context, data []byte) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, s.processing, 1, data)
		p.RPush(ctx, s.dead, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("spool dead-letter: %w", err)
	}
	return nil
}

// Recover puts records left on the processing list by a crashed consumer back
// at the head of the queue, oldest first. It returns how many were moved.
func (s *Spool) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := s.client.LMove(ctx, s.processing, s.queue, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("spool recover: %w", err)
		}
		n++
	}
}

// Stats reports the length of each list.
type Stats struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

func (s *Spool) Stats(ctx context.Context) (Stats, error) {
	var queued, processing, dead *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		queued = p.LLen(ctx, s.queue)
		processing = p.LLen(ctx, s.processing)
		dead = p.LLen(ctx, s.dead)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("spool stats: %w", err)
	}
	return Stats{Queued: queued.Val(), Processing: processing.Val(), Dead: dead.Val()}, nil
}

// Ping checks the Redis connection.
func (s *Spool) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
