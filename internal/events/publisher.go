// Package events publishes pipeline progress to outside listeners.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/observability"
)

// New creates the publisher selected by the events driver.
func New(ctx context.Context, cfg config.EventsConfig, logger *observability.Logger) (domain.Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return Noop{}, nil
	case "redis":
		return NewRedisPublisher(ctx, cfg.Redis, logger)
	case "kafka":
		return NewKafkaPublisher(cfg.Kafka, logger), nil
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unsupported events driver %q", cfg.Driver), nil)
	}
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, domain.Event) error { return nil }
func (Noop) Close() error                               { return nil }

// Memory keeps events in memory and fans them out to subscribers. Used by tests and the local CLI.
type Memory struct {
	mu     sync.Mutex
	events []domain.Event
	subs   map[int]chan domain.Event
	nextID int
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[int]chan domain.Event)}
}

func (m *Memory) Publish(_ context.Context, evt domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("publisher closed")
	}
	m.events = append(m.events, evt)
	for _, ch := range m.subs {
		// Slow subscribers miss events rather than stall the pipeline.
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, len(m.events))
	copy(out, m.events)
	return out
}

// Subscribe returns a buffered channel of future events and a function that ends the subscription.
func (m *Memory) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.Event, buffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch)
			}
			m.mu.Unlock()
		})
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	return nil
}
