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
)

type writerStub struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *writerStub) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *writerStub) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysByRequest(t *testing.T) {
	writer := &writerStub{}
	pub := NewKafkaPublisherWithWriter(writer, nil)

	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	err := pub.Publish(context.Background(), Event{
		Type:       TypeDecided,
		RequestID:  "req-1",
		FromStage:  "faculty_pending",
		Stage:      "completed",
		Status:     "approved",
		Actor:      "faculty",
		OccurredAt: at,
	})
	require.NoError(t, err)
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "req-1", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "completed", decoded.Stage)

	require.NoError(t, pub.Close())
	assert.True(t, writer.closed)
}

func TestKafkaPublisherValidatesAndWrapsErrors(t *testing.T) {
	writer := &writerStub{err: errors.New("broker down")}
	pub := NewKafkaPublisherWithWriter(writer, nil)

	require.Error(t, pub.Publish(context.Background(), Event{Type: TypeSubmitted}))

	err := pub.Publish(context.Background(), Event{Type: TypeSubmitted, RequestID: "req-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestNopPublisher(t *testing.T) {
	var pub Publisher = NopPublisher{}
	require.NoError(t, pub.Publish(context.Background(), Event{}))
	require.NoError(t, pub.Close())
}
