package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes events as JSON over Redis pub/sub so every server
// instance sees every write.
type RedisBus struct {
	client redis.UniversalClient
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewRedisBus(client redis.UniversalClient, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client: client,
		logger: logger.With(slog.String("component", "events.redis")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	b.logger.Debug("published event",
		slog.String("channel", channel),
		slog.String("event_id", event.ID.String()),
		slog.String("type", string(event.Type)),
	)
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	out := make(chan Event, subscriberBuffer)
	b.wg.Add(1)
	go b.receive(ctx, channel, pubsub, out)
	return out, nil
}

func (b *RedisBus) receive(ctx context.Context, channel string, pubsub *redis.PubSub, out chan<- Event) {
	defer b.wg.Done()
	defer close(out)
	defer func() {
		if err := pubsub.Close(); err != nil {
			b.logger.Warn("failed to close subscription", slog.String("channel", channel), slog.Any("err", err))
		}
	}()

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("failed to unmarshal event", slog.String("channel", channel), slog.Any("err", err))
				continue
			}
			select {
			case out <- event:
			default:
				b.logger.Warn("subscriber full, dropping event",
					slog.String("channel", channel),
					slog.String("event_id", event.ID.String()),
				)
			}
		}
	}
}

// Close ends every subscription. The redis client belongs to the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}
