// ABOUTME: In-memory fan-out broker for realtime delivery over named topics
// ABOUTME: Best-effort, at-most-once; a full subscriber buffer drops the event for that subscriber

package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Event types published by the messaging core.
const (
	EventMessage             = "message"
	EventNotification        = "notification"
	EventPresence            = "presence"
	EventConversationDeleted = "conversation_deleted"
)

// Event is one published payload. Payload must be JSON-serializable.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an id and timestamp on a payload.
func NewEvent(eventType string, payload any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

type subscription struct {
	ch     chan *Event
	topics []string
}

// Broker provides in-memory pub/sub. A subscription may cover several topics
// and receives their events on one channel, FIFO per topic.
type Broker struct {
	mu      sync.RWMutex
	topics  map[string]map[string]*subscription // topic -> subID -> sub
	subs    map[string]*subscription            // subID -> sub
	closed  bool
	dropped atomic.Int64
	logger  *slog.Logger
}

// New creates a broker. Pass nil logger for default.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		topics: make(map[string]map[string]*subscription),
		subs:   make(map[string]*subscription),
		logger: logger.With("component", "broker"),
	}
}

// Subscribe registers for events on the given topics. Returns a channel that
// receives events and a subscription ID for later unsubscription. The
// subscription is automatically cleaned up when ctx is cancelled. The channel
// is closed on unsubscribe or broker shutdown.
func (b *Broker) Subscribe(ctx context.Context, topics ...string) (<-chan *Event, string) {
	subID := uuid.New().String()
	sub := &subscription{
		ch:     make(chan *Event, subscriberBufferSize),
		topics: append([]string(nil), topics...),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	for _, topic := range sub.topics {
		if _, ok := b.topics[topic]; !ok {
			b.topics[topic] = make(map[string]*subscription)
		}
		b.topics[topic][subID] = sub
	}
	b.subs[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topics", topics, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish sends an event to every subscriber of topic. It never blocks: events
// are dropped for subscribers whose channels are full.
func (b *Broker) Publish(topic string, event *Event) {
	e := *event
	e.Topic = topic

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, sub := range b.topics[topic] {
		select {
		case sub.ch <- &e:
		default:
			b.dropped.Add(1)
			b.logger.Debug("dropped event for slow subscriber",
				"topic", topic,
				"sub_id", subID,
				"event_id", e.ID)
		}
	}
}

// Unsubscribe removes a subscription from all its topics and closes its channel.
func (b *Broker) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subID]
	if !ok {
		return
	}
	delete(b.subs, subID)

	for _, topic := range sub.topics {
		subs := b.topics[topic]
		delete(subs, subID)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Dropped returns how many deliveries were discarded because a subscriber was full.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// Close shuts down the broker and closes all subscriber channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for subID, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, subID)
	}
	b.topics = make(map[string]map[string]*subscription)

	b.logger.Debug("broker closed")
}
