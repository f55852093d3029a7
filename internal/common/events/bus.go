package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Bus dispatches events to in-process handlers and then forwards them to an
// optional downstream publisher (NATS in production).
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	next     EventPublisher
	logger   *slog.Logger
}

var _ EventPublisher = (*Bus)(nil)

// NewBus creates a bus. next may be nil.
func NewBus(next EventPublisher, logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]EventHandler),
		next:     next,
		logger:   logger,
	}
}

// Subscribe registers h for every type it declares.
func (b *Bus) Subscribe(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range h.EventTypes() {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

// Publish runs local handlers synchronously, then forwards downstream.
// Handlers keep ctx values but not its cancellation. Handler failures do not
// stop forwarding; all errors are joined.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	hctx := context.WithoutCancel(ctx)
	var errs []error
	for _, h := range handlers {
		if err := h.Handle(hctx, event); err != nil {
			b.logger.Error("event handler failed",
				"event_id", event.ID,
				"type", event.Type,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("handling %s: %w", event.Type, err))
		}
	}

	if b.next != nil {
		if err := b.next.Publish(ctx, event); err != nil {
			b.logger.Warn("forwarding event failed",
				"event_id", event.ID,
				"type", event.Type,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("forwarding %s: %w", event.Type, err))
		}
	}

	return errors.Join(errs...)
}

// PublishBatch publishes events in order.
func (b *Bus) PublishBatch(ctx context.Context, events []*Event) error {
	var errs []error
	for _, e := range events {
		if err := b.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
