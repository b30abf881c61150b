// Package eventbus implements C6: a per-event-type fan-out broadcast
// with bounded per-subscriber queues and a subscriber cap. Grounded on
// _examples/original_source/src/services/event/event_bus.rs.
package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	v1 "github.com/tunnelfabric/gateway/api/v1"
	"github.com/tunnelfabric/gateway/pkg/gatewayerr"
)

type subscriberEntry struct {
	id   string
	ch   chan *v1.EventMessage
	subscribedAt time.Time
	delivered    int
}

type topic struct {
	mu          sync.Mutex
	subscribers map[string]*subscriberEntry
}

// Bus is C6.
type Bus struct {
	maxSubscribersPerType int
	channelCapacity       int

	mu     sync.Mutex
	topics map[string]*topic

	statsMu         sync.Mutex
	eventsPublished int64
	eventsDelivered int64
}

// New constructs a Bus. maxSubscribersPerType and channelCapacity come
// from pkg/config.EventConfig.
func New(maxSubscribersPerType, channelCapacity int) *Bus {
	if maxSubscribersPerType <= 0 {
		maxSubscribersPerType = 100
	}
	if channelCapacity <= 0 {
		channelCapacity = 256
	}
	return &Bus{
		maxSubscribersPerType: maxSubscribersPerType,
		channelCapacity:       channelCapacity,
		topics:                make(map[string]*topic),
	}
}

func (b *Bus) topicFor(eventType string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	tp, ok := b.topics[eventType]
	if !ok {
		tp = &topic{subscribers: make(map[string]*subscriberEntry)}
		b.topics[eventType] = tp
	}
	return tp
}

// Publish enriches evt (assigning an id/timestamp if unset) and fans
// it out to every current subscriber of evt.EventType, returning the
// count delivered to. A slow subscriber whose bounded channel is full
// is disconnected rather than allowed to block the publisher or the
// other subscribers (DESIGN.md Open Question (c)).
func (b *Bus) Publish(evt *v1.EventMessage) (int, error) {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	tp := b.topicFor(evt.EventType)
	tp.mu.Lock()
	defer tp.mu.Unlock()

	delivered := 0
	for id, sub := range tp.subscribers {
		select {
		case sub.ch <- evt:
			sub.delivered++
			delivered++
		default:
			klog.Warningf("eventbus: subscriber %s on %q is slow, disconnecting", id, evt.EventType)
			close(sub.ch)
			delete(tp.subscribers, id)
		}
	}

	b.statsMu.Lock()
	b.eventsPublished++
	b.eventsDelivered += int64(delivered)
	b.statsMu.Unlock()

	if delivered == 0 {
		return 0, gatewayerr.ErrNoSubscribers
	}
	return delivered, nil
}

// Subscribe creates a receiver on eventType's queue, lazily creating
// the topic, and enforces the per-type subscriber cap.
func (b *Bus) Subscribe(eventType string) (string, <-chan *v1.EventMessage, error) {
	tp := b.topicFor(eventType)

	tp.mu.Lock()
	defer tp.mu.Unlock()

	if len(tp.subscribers) >= b.maxSubscribersPerType {
		return "", nil, fmt.Errorf("event type %q at subscriber cap (%d): %w", eventType, b.maxSubscribersPerType, gatewayerr.ErrSubscriberCapExceeded)
	}

	id := uuid.NewString()
	sub := &subscriberEntry{
		id:           id,
		ch:           make(chan *v1.EventMessage, b.channelCapacity),
		subscribedAt: time.Now(),
	}
	tp.subscribers[id] = sub
	return id, sub.ch, nil
}

// Unsubscribe removes subscriber id from eventType, closing its
// channel if still present.
func (b *Bus) Unsubscribe(eventType, id string) {
	b.mu.Lock()
	tp, ok := b.topics[eventType]
	b.mu.Unlock()
	if !ok {
		return
	}

	tp.mu.Lock()
	sub, found := tp.subscribers[id]
	if found {
		delete(tp.subscribers, id)
	}
	empty := len(tp.subscribers) == 0
	tp.mu.Unlock()

	if found {
		close(sub.ch)
	}
	if empty {
		b.cleanupInactiveTopic(eventType)
	}
}

// cleanupInactiveTopic removes eventType's topic from the bus if it
// still has zero subscribers (re-checked under the bus lock to avoid a
// race with a concurrent Subscribe).
func (b *Bus) cleanupInactiveTopic(eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tp, ok := b.topics[eventType]
	if !ok {
		return
	}
	tp.mu.Lock()
	empty := len(tp.subscribers) == 0
	tp.mu.Unlock()
	if empty {
		delete(b.topics, eventType)
	}
}

// Stats is a read-only snapshot, grounded on
// original_source/src/services/event/types.rs's EventStats.
type Stats struct {
	ActiveEventTypes int
	TotalSubscribers int
	EventsPublished  int64
	EventsDelivered  int64
}

// Stats returns a point-in-time snapshot.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	activeTypes := len(b.topics)
	total := 0
	for _, tp := range b.topics {
		tp.mu.Lock()
		total += len(tp.subscribers)
		tp.mu.Unlock()
	}
	b.mu.Unlock()

	b.statsMu.Lock()
	published, delivered := b.eventsPublished, b.eventsDelivered
	b.statsMu.Unlock()

	return Stats{
		ActiveEventTypes: activeTypes,
		TotalSubscribers: total,
		EventsPublished:  published,
		EventsDelivered:  delivered,
	}
}
