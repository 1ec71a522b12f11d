package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Account lifecycle event types.
const (
	TypeAccountCreated           = "account.created"
	TypeAccountDeletionScheduled = "account.deletion_scheduled"
	TypeAccountDeletionCancelled = "account.deletion_cancelled"
	TypeAccountDeleted           = "account.deleted"
)

const eventSource = "pantry-auth"

// AccountEvent is the payload published for account lifecycle changes.
type AccountEvent struct {
	Type       string     `json:"-"`
	UserID     int64      `json:"user_id,string"`
	Email      string     `json:"email,omitempty"`
	Deadline   *time.Time `json:"deletion_deadline,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// envelope follows the CloudEvents structured JSON layout.
type envelope struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	SpecVersion string          `json:"specversion"`
	Type        string          `json:"type"`
	Time        time.Time       `json:"time"`
	Subject     string          `json:"subject,omitempty"`
	ContentType string          `json:"datacontenttype"`
	Data        json.RawMessage `json:"data"`
}

// Publisher emits account events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event AccountEvent) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a single Kafka topic keyed by user ID.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaPublisher builds a synchronous writer for the given brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("events: at least one kafka broker is required")
	}
	if topic == "" {
		return nil, errors.New("events: kafka topic is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
	return newKafkaPublisher(writer, logger), nil
}

func newKafkaPublisher(writer messageWriter, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: writer, logger: logger.Named("events")}
}

// Publish serializes the event as a CloudEvent and writes it.
func (p *KafkaPublisher) Publish(ctx context.Context, event AccountEvent) error {
	msg, err := encode(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("publish account event failed",
			zap.String("type", event.Type),
			zap.Int64("user_id", event.UserID),
			zap.Error(err),
		)
		return fmt.Errorf("events: publish %s: %w", event.Type, err)
	}
	p.logger.Debug("account event published", zap.String("type", event.Type), zap.Int64("user_id", event.UserID))
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func encode(event AccountEvent) (kafka.Message, error) {
	if event.Type == "" {
		return kafka.Message{}, errors.New("events: event type is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("events: marshal data: %w", err)
	}
	subject := strconv.FormatInt(event.UserID, 10)
	env := envelope{
		ID:          uuid.NewString(),
		Source:      eventSource,
		SpecVersion: "1.0",
		Type:        event.Type,
		Time:        event.OccurredAt,
		Subject:     subject,
		ContentType: "application/json",
		Data:        data,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("events: marshal envelope: %w", err)
	}
	return kafka.Message{
		Key:   []byte(subject),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "ce_id", Value: []byte(env.ID)},
			{Key: "ce_type", Value: []byte(env.Type)},
			{Key: "ce_source", Value: []byte(env.Source)},
		},
	}, nil
}

// NoopPublisher drops events. Used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, AccountEvent) error { return nil }

func (NoopPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []AccountEvent
}

func (r *Recorder) Publish(_ context.Context, event AccountEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []AccountEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AccountEvent, len(r.events))
	copy(out, r.events)
	return out
}
