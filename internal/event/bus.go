// Package event is the in-process publish/subscribe bus that connects polls
// to their consumers (history, MQTT, telemetry).
package event

import (
	"context"
	"sync"
	"time"

	"github.com/HerbHall/procwatch/pkg/models"
	"go.uber.org/zap"
)

// Topics published by procwatch.
const (
	TopicPollCompleted    = "poll.completed"
	TopicPollFailed       = "poll.failed"
	TopicObserverCreated  = "observer.created"
	TopicObserverReleased = "observer.released"
)

// Event is one message on the bus.
type Event struct {
	Topic     string
	Source    string
	Timestamp time.Time
	Payload   any
}

// PollCompleted is the payload of TopicPollCompleted.
type PollCompleted struct {
	Result *models.PollResult
}

// PollFailed is the payload of TopicPollFailed.
type PollFailed struct {
	Target models.Target
	Err    error
}

// ObserverLifecycle is the payload of the observer topics.
type ObserverLifecycle struct {
	ID     string
	Target models.Target
}

// Handler consumes an event. Handlers run on the publisher's goroutine
// (Publish) or a new one (PublishAsync).
type Handler func(ctx context.Context, e Event)

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	PublishAsync(ctx context.Context, e Event)
}

// Subscriber is the consumer side of the bus. Both methods return a
// function that removes the subscription.
type Subscriber interface {
	Subscribe(topic string, h Handler) func()
	SubscribeAll(h Handler) func()
}

// Compile-time interface guards.
var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)

type subscription struct {
	id int
	h  Handler
}

// Bus dispatches events to topic and wildcard subscribers. A panicking
// handler is logged and does not stop the others.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]subscription
	all    []subscription
	nextID int
	logger *zap.Logger
}

// NewBus returns an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		topics: make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers h for topic.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, h: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.topics[topic] = remove(b.topics[topic], id)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

// SubscribeAll registers h for every topic.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, h: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, id)
	}
}

// Publish runs every matching handler before returning.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	for _, h := range b.handlers(e.Topic) {
		b.call(ctx, h, e)
	}
	return nil
}

// PublishAsync runs each matching handler on its own goroutine.
func (b *Bus) PublishAsync(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	for _, h := range b.handlers(e.Topic) {
		go b.call(ctx, h, e)
	}
}

func (b *Bus) handlers(topic string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, 0, len(b.topics[topic])+len(b.all))
	for _, s := range b.topics[topic] {
		out = append(out, s.h)
	}
	for _, s := range b.all {
		out = append(out, s.h)
	}
	return out
}

func (b *Bus) call(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", e.Topic),
				zap.String("source", e.Source),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, e)
}

func remove(subs []subscription, id int) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
