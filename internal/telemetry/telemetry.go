// Package telemetry forwards the supervisor's outbound records to external
// sinks: a Kafka topic and the process log.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/craftswarm/craftswarm/internal/bus"
	"github.com/craftswarm/craftswarm/internal/config"
)

// ErrNoBrokers is returned when Kafka telemetry is enabled without brokers.
var ErrNoBrokers = errors.New("telemetry: no kafka brokers configured")

// Sink receives telemetry records.
type Sink interface {
	Publish(ctx context.Context, rec *bus.Record) error
	Close() error
}

// Attach subscribes sink to every record on b. Publish errors are logged.
func Attach(ctx context.Context, b *bus.MessageBus, sink Sink) {
	b.Subscribe(bus.Wildcard, func(rec *bus.Record) {
		if err := sink.Publish(ctx, rec); err != nil {
			slog.Warn("Telemetry publish failed", "kind", rec.Kind, "worker", rec.WorkerID, "error", err)
		}
	})
}

// LogSink writes records to slog at debug level.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, rec *bus.Record) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.DebugContext(ctx, "Telemetry record", "kind", rec.Kind, "worker", rec.WorkerID, "data", rec.Data)
	return nil
}

func (LogSink) Close() error { return nil }

// messageWriter is the part of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes records as JSON to a Kafka topic, keyed by worker ID
// so one worker's records stay ordered within a partition.
type KafkaSink struct {
	w       messageWriter
	topic   string
	failed  atomic.Int64
	written atomic.Int64
}

// NewKafkaSink builds an asynchronous writer for cfg.
func NewKafkaSink(cfg config.TelemetryConfig) (*KafkaSink, error) {
	brokers := splitBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	transport, err := transportFor(cfg)
	if err != nil {
		return nil, err
	}
	s := &KafkaSink{topic: cfg.Topic}
	s.w = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  true,
		BatchTimeout:           200 * time.Millisecond,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
		Transport:              transport,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				s.failed.Add(int64(len(msgs)))
				slog.Warn("Telemetry kafka batch failed", "topic", cfg.Topic, "messages", len(msgs), "error", err)
				return
			}
			s.written.Add(int64(len(msgs)))
		},
	}
	slog.Info("Telemetry kafka sink ready", "brokers", brokers, "topic", cfg.Topic, "sasl", cfg.SASLMechanism)
	return s, nil
}

func (s *KafkaSink) Publish(ctx context.Context, rec *bus.Record) error {
	msg, err := Message(rec)
	if err != nil {
		return err
	}
	return s.w.WriteMessages(ctx, msg)
}

// Close flushes pending batches.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}

// Stats returns delivered and failed message counts.
func (s *KafkaSink) Stats() (written, failed int64) {
	return s.written.Load(), s.failed.Load()
}

// Message encodes rec as a Kafka message.
func Message(rec *bus.Record) (kafka.Message, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("telemetry: encode %s: %w", rec.Kind, err)
	}
	key := rec.WorkerID
	if key == "" {
		key = "supervisor"
	}
	return kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(rec.Kind)}},
		Time:    rec.Timestamp,
	}, nil
}

func transportFor(cfg config.TelemetryConfig) (*kafka.Transport, error) {
	mech, err := mechanism(cfg)
	if err != nil {
		return nil, err
	}
	t := &kafka.Transport{SASL: mech, DialTimeout: 8 * time.Second}
	if cfg.TLS {
		t.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return t, nil
}

func mechanism(cfg config.TelemetryConfig) (sasl.Mechanism, error) {
	switch strings.ToUpper(strings.TrimSpace(cfg.SASLMechanism)) {
	case "":
		return nil, nil
	case "PLAIN":
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("telemetry: unsupported sasl mechanism %q", cfg.SASLMechanism)
	}
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
