package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/domain"
)

func TestNewSelectsDriver(t *testing.T) {
	p, err := New(context.Background(), config.EventsConfig{Driver: "none"}, nil)
	require.NoError(t, err)
	assert.IsType(t, Noop{}, p)
	assert.NoError(t, p.Publish(context.Background(), domain.Event{}))

	k, err := New(context.Background(), config.EventsConfig{Driver: "kafka", Kafka: config.KafkaConfig{
		Brokers: []string{"localhost:9092"}, Topic: "t",
	}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &KafkaPublisher{}, k)
	assert.NoError(t, k.Close())

	_, err = New(context.Background(), config.EventsConfig{Driver: "carrier-pigeon"}, nil)
	assert.True(t, domain.IsType(err, domain.ErrorTypeConfig))
}

func TestMemoryFanOut(t *testing.T) {
	m := NewMemory()
	ch, stop := m.Subscribe(4)

	evt := domain.Event{Type: domain.EventTaskStatus, TaskID: "t1", Status: "processing", Timestamp: time.Now()}
	require.NoError(t, m.Publish(context.Background(), evt))

	select {
	case got := <-ch:
		assert.Equal(t, evt, got)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.Len(t, m.Events(), 1)

	stop()
	stop()
	_, open := <-ch
	assert.False(t, open)

	require.NoError(t, m.Close())
	assert.Error(t, m.Publish(context.Background(), evt))
}

func TestMemoryDropsForSlowSubscriber(t *testing.T) {
	m := NewMemory()
	_, stop := m.Subscribe(1)
	defer stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Publish(context.Background(), domain.Event{TaskID: "t", Page: i}))
	}
	assert.Len(t, m.Events(), 5)
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysByTask(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "docpipe.events", nil)

	evt := domain.Event{Type: domain.EventPageStatus, TaskID: "task-7", Page: 2, Status: "completed"}
	require.NoError(t, p.Publish(context.Background(), evt))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, []byte("task-7"), msg.Key)
	assert.Equal(t, "type", msg.Headers[0].Key)
	assert.Equal(t, []byte(domain.EventPageStatus), msg.Headers[0].Value)

	var decoded domain.Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, 2, decoded.Page)

	w.err = errors.New("broker down")
	assert.ErrorContains(t, p.Publish(context.Background(), evt), "docpipe.events")

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
