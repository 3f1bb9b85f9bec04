// Package events publishes probe outcomes to Kafka as request-log entries.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/narvanalabs/deployprobe/internal/models"
)

// ProbeEvent is one probe outcome in the request-log shape consumed by log
// indexers: one document per request, keyed by service and request id.
type ProbeEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	StatusCode int       `json:"status_code"`
	RequestID  string    `json:"request_id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Duration   float64   `json:"duration_sec"`
	Service    string    `json:"service"`
	Revision   string    `json:"revision,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink publishes probe events.
type Sink struct {
	writer messageWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *Sink {
	return newSink(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, logger)
}

func newSink(w messageWriter, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{writer: w, logger: logger, now: time.Now}
}

// NewEvent builds the event for a probe result.
func NewEvent(desc *models.ServiceDescriptor, runID string, result models.ProbeResult, at time.Time) ProbeEvent {
	return ProbeEvent{
		Timestamp:  at.UTC(),
		StatusCode: result.StatusCode,
		RequestID:  runID + ":" + strings.TrimPrefix(result.Endpoint, "/"),
		Method:     result.Method,
		Path:       result.Endpoint,
		Duration:   result.Duration.Seconds(),
		Service:    desc.Name,
		Revision:   desc.ReadyRevision,
		Error:      result.Err,
	}
}

// PublishProbes writes one message per probe result in a single batch.
func (s *Sink) PublishProbes(ctx context.Context, desc *models.ServiceDescriptor, runID string, results []models.ProbeResult) error {
	if len(results) == 0 {
		return nil
	}

	at := s.now()
	msgs := make([]kafka.Message, 0, len(results))
	for _, result := range results {
		event := NewEvent(desc, runID, result, at)
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encoding event for %s: %w", result.Endpoint, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(desc.Name), Value: value})
	}

	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("writing %d events to kafka: %w", len(msgs), err)
	}

	s.logger.Debug("probe events published", "count", len(msgs))
	return nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}
