package events

import (
	"context"
	"log/slog"
	"sync"
)

// LocalBus fans events out inside one process.
type LocalBus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	closed bool
	done   chan struct{}
}

func NewLocalBus(logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{
		logger: logger.With(slog.String("component", "events.local")),
		subs:   make(map[string]map[chan Event]struct{}),
		done:   make(chan struct{}),
	}
}

func (b *LocalBus) Publish(ctx context.Context, channel string, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[channel] {
		select {
		case sub <- event:
		default:
			b.logger.Warn("subscriber full, dropping event",
				slog.String("channel", channel),
				slog.String("event_id", event.ID.String()),
			)
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	ch := make(chan Event, subscriberBuffer)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan Event]struct{})
	}
	b.subs[channel][ch] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			b.remove(channel, ch)
		case <-b.done:
		}
	}()
	return ch, nil
}

func (b *LocalBus) remove(channel string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[channel]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(b.subs, channel)
	}
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for channel, subs := range b.subs {
		for ch := range subs {
			close(ch)
		}
		delete(b.subs, channel)
	}
	return nil
}
