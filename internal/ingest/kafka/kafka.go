// Package kafka implements the Edge Collector's Kafka forwarder, an
// alternate flush target alongside the default HTTPS bulk-ingest POST
// (spec §4.D, SPEC_FULL.md §3.D). Buffered events are produced onto a
// single topic so a Kafka-native shipping pipeline (e.g. an existing
// SIEM's own Kafka consumer) can sit alongside Centinela's own ingest
// API without a protocol translator in between.
//
// TLS/SASL option plumbing mirrors the teacher's Kafka ingester
// (internal/ingester/kafka); this side is a producer instead of a
// consumer group, since the Collector pushes rather than polls.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"centinela/internal/buffer"
	"centinela/internal/logging"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string
}

// Config holds Kafka forwarder configuration.
type Config struct {
	Brokers []string
	Topic   string
	TLS     bool
	SASL    *SASLConfig
	Logger  *slog.Logger
}

// Forwarder produces buffered events onto a Kafka topic. It satisfies
// the Collector's flush-target contract: Send either forwards the
// whole batch or returns an error, letting the caller requeue into the
// retry queue on failure exactly as it would a failed HTTPS POST.
type Forwarder struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// New connects a producer client. The client connects lazily on first
// Send, so New never blocks on broker availability.
func New(cfg Config) (*Forwarder, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchMaxBytes(1 << 20),
	}

	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}

	if cfg.SASL != nil {
		mech, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return &Forwarder{
		client: client,
		topic:  cfg.Topic,
		logger: logging.Default(cfg.Logger).With("component", "forwarder", "type", "kafka"),
	}, nil
}

// Send produces every event in the batch and waits for all of them to
// be acknowledged before returning, so the caller can safely drop the
// batch from the Buffer only on a nil error.
func (f *Forwarder) Send(ctx context.Context, events []buffer.Event) error {
	records := make([]*kgo.Record, len(events))
	for i, e := range events {
		records[i] = &kgo.Record{
			Topic: f.topic,
			Value: []byte(e.RawMessage),
			Headers: []kgo.RecordHeader{
				{Key: "source_ip", Value: []byte(e.SourceIP)},
			},
		}
	}

	results := f.client.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("produce to kafka topic %s: %w", f.topic, err)
	}
	return nil
}

// Close releases the underlying client.
func (f *Forwarder) Close() {
	f.client.Close()
}

func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{User: cfg.User, Pass: cfg.Password}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{User: cfg.User, Pass: cfg.Password}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{User: cfg.User, Pass: cfg.Password}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}
