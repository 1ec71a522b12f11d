package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherWritesCloudEvent(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, zaptest.NewLogger(t))
	deadline := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), AccountEvent{
		Type:       TypeAccountDeletionScheduled,
		UserID:     42,
		Email:      "a@example.com",
		Deadline:   &deadline,
		OccurredAt: deadline.Add(-30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "42", string(w.msgs[0].Key))

	var env envelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &env))
	assert.Equal(t, TypeAccountDeletionScheduled, env.Type)
	assert.Equal(t, "42", env.Subject)
	assert.NotEmpty(t, env.ID)

	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "42", data["user_id"])
	assert.Equal(t, "2026-02-01T00:00:00Z", data["deletion_deadline"])
}

func TestKafkaPublisherRejectsUntypedEvent(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, nil)
	require.Error(t, p.Publish(context.Background(), AccountEvent{UserID: 1}))
	assert.Empty(t, w.msgs)
}

func TestKafkaPublisherWrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := newKafkaPublisher(&fakeWriter{err: boom}, zaptest.NewLogger(t))
	err := p.Publish(context.Background(), AccountEvent{Type: TypeAccountDeleted, UserID: 7})
	require.ErrorIs(t, err, boom)
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "topic", nil)
	require.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "", nil)
	require.Error(t, err)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Publish(context.Background(), AccountEvent{Type: TypeAccountDeleted, UserID: 1}))
	events := r.Events()
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].UserID)
}
