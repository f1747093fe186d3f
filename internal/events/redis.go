package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/observability"
)

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
// Each task also gets its own channel so a watcher can follow one task.
type RedisPublisher struct {
	client  *redis.Client
	prefix  string
	channel string
	logger  *observability.Logger
}

// NewRedisPublisher connects and pings Redis.
func NewRedisPublisher(ctx context.Context, cfg config.RedisConfig, logger *observability.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newRedisPublisher(client, cfg, logger), nil
}

func newRedisPublisher(client *redis.Client, cfg config.RedisConfig, logger *observability.Logger) *RedisPublisher {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "docpipe:"
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "events"
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &RedisPublisher{
		client:  client,
		prefix:  prefix,
		channel: channel,
		logger:  logger.WithComponent("events"),
	}
}

// Channel is the pub/sub channel carrying every event.
func (p *RedisPublisher) Channel() string {
	return p.prefix + p.channel
}

// TaskChannel carries only the events of one task.
func (p *RedisPublisher) TaskChannel(taskID string) string {
	return p.prefix + "task:" + taskID
}

func (p *RedisPublisher) Publish(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.Channel(), data)
	pipe.Publish(ctx, p.TaskChannel(evt.TaskID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe follows one task's events until the returned stop function is called.
func (p *RedisPublisher) Subscribe(ctx context.Context, taskID string) (<-chan domain.Event, func(), error) {
	sub := p.client.Subscribe(ctx, p.TaskChannel(taskID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	ch := make(chan domain.Event, 64)
	done := make(chan struct{})

	go func() {
		defer close(ch)
		msgs := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var evt domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					p.logger.Warn().Err(err).Msg("Dropping malformed event")
					continue
				}
				select {
				case ch <- evt:
				case <-done:
					return
				}
			}
		}
	}()

	stop := func() {
		close(done)
		_ = sub.Close()
	}
	return ch, stop, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
