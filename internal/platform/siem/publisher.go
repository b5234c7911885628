// Package siem forwards security records to a Kafka topic consumed by the
// organisation's SIEM.
package siem

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Config names the brokers and topic. An empty broker list disables publishing.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	Timeout  time.Duration
}

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(v string) []string {
	var out []string
	for _, b := range strings.Split(v, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Flush(ctx context.Context) error
	Close()
}

// Publisher produces one record per security event, keyed by record id so
// every update to an incident lands on the same partition.
type Publisher struct {
	client  producer
	topic   string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewPublisher connects a franz-go client to cfg.Brokers.
func NewPublisher(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("siem: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("siem: no topic configured")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "audit-service"
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.RecordDeliveryTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("siem: create kafka client: %w", err)
	}
	return newPublisher(client, cfg, logger), nil
}

func newPublisher(client producer, cfg Config, logger zerolog.Logger) *Publisher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{
		client:  client,
		topic:   cfg.Topic,
		timeout: timeout,
		logger:  logger.With().Str("component", "siem-publisher").Str("topic", cfg.Topic).Logger(),
	}
}

// Publish writes value to the topic and waits for the brokers to acknowledge it.
func (p *Publisher) Publish(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("siem: produce to %s: %w", p.topic, err)
	}
	p.logger.Debug().Str("key", key).Msg("security event published")
	return nil
}

// Close flushes buffered records and disconnects.
func (p *Publisher) Close(ctx context.Context) error {
	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		return fmt.Errorf("siem: flush: %w", err)
	}
	return nil
}
