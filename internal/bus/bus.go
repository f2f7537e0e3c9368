// Package bus implements the publish/subscribe fan-out of domain change
// events to live, predicate-filtered subscribers. Delivery is at most
// once with per-subscription ordering; there is no replay log, so a
// reconnecting subscriber reconciles with a fresh read.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sentinelops/threatgraph/internal/domain"
	"github.com/sentinelops/threatgraph/internal/logging"
	"github.com/sentinelops/threatgraph/internal/metrics"
)

// Ensure Bus implements domain.EventRouter
var _ domain.EventRouter = (*Bus)(nil)

// Config contains event bus configuration.
type Config struct {
	// QueueCapacity bounds each subscription's FIFO queue.
	QueueCapacity int
}

// DefaultConfig returns a default bus configuration.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 100,
	}
}

// subscription is the bus-side state of one registration. The consumer
// owns the domain.Subscription handle; the bus holds only index entries
// for dispatch and teardown.
type subscription struct {
	id        string
	topic     string
	connID    string
	auth      *domain.AuthContext
	predicate domain.EventPredicate

	capacity int

	mu     sync.Mutex
	queue  []*domain.ChangeEvent
	notify chan struct{}
	done   chan struct{}
	closed bool

	out     chan *domain.ChangeEvent
	dropped atomic.Uint64
}

// Bus routes published events to matching subscriptions. Each
// subscription is drained by its own goroutine, so a slow consumer never
// delays publishers or its sibling subscribers.
type Bus struct {
	config Config

	mu        sync.RWMutex
	subs      map[string]*subscription
	topicSubs map[string]map[string]struct{} // topic -> subscription ids
	connSubs  map[string]map[string]struct{} // connection -> subscription ids

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates an event bus.
func New(config ...Config) *Bus {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	} else {
		cfg = DefaultConfig()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}

	return &Bus{
		config:    cfg,
		subs:      make(map[string]*subscription),
		topicSubs: make(map[string]map[string]struct{}),
		connSubs:  make(map[string]map[string]struct{}),
		logger:    logging.Component("bus"),
		metrics:   metrics.Get(),
	}
}

// Publish delivers the event to every predicate-matching subscription
// under topic. Events are immutable once published; the timestamp and id
// are stamped here when the mutation site left them unset.
func (b *Bus) Publish(topic string, event *domain.ChangeEvent) {
	if event == nil {
		return
	}
	if event.ID == "" {
		event.ID = generateID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Topic = topic

	b.metrics.BusPublishedTotal.WithLabelValues(topic).Inc()

	b.mu.RLock()
	ids := make([]string, 0, len(b.topicSubs[topic]))
	for id := range b.topicSubs[topic] {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for _, id := range ids {
		b.mu.RLock()
		sub, ok := b.subs[id]
		b.mu.RUnlock()
		if !ok {
			continue
		}

		if sub.predicate != nil && !sub.predicate(event, sub.auth) {
			continue
		}

		if sub.enqueue(event) {
			b.metrics.BusDeliveredTotal.WithLabelValues(topic).Inc()
		} else {
			b.metrics.BusDroppedTotal.WithLabelValues(topic).Inc()
		}
	}
}

// enqueue appends the event to the bounded queue. On overflow the oldest
// non-critical event gives way; a critical event is never displaced. The
// return value reports whether the incoming event was queued.
func (s *subscription) enqueue(event *domain.ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	if len(s.queue) >= s.capacity {
		victim := -1
		for i, queued := range s.queue {
			if queued.Severity < domain.SeverityCritical {
				victim = i
				break
			}
		}
		if victim < 0 {
			// Everything queued is critical; a non-critical arrival is
			// the one to lose.
			if event.Severity < domain.SeverityCritical {
				s.dropped.Add(1)
				return false
			}
			victim = 0
		}
		copy(s.queue[victim:], s.queue[victim+1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped.Add(1)
	}

	s.queue = append(s.queue, event)
	// Signal under the lock: close() also holds it, so a send on a
	// closed notify channel cannot happen.
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// pump drains the queue into the consumer channel in FIFO order. One pump
// per subscription keeps delivery independently synchronized; a slow
// consumer blocks only its own pump.
func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-s.notify:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- event:
		case <-s.done:
			return
		}
	}
}

// close marks the subscription dead and wakes the pump.
func (s *subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	s.mu.Unlock()
}

// Subscribe registers a predicate-filtered subscription owned by connID.
// A nil predicate matches every event on the topic.
func (b *Bus) Subscribe(topic string, predicate domain.EventPredicate, connID string, auth *domain.AuthContext) *domain.Subscription {
	sub := &subscription{
		id:        generateID(),
		topic:     topic,
		connID:    connID,
		auth:      auth,
		predicate: predicate,
		capacity:  b.config.QueueCapacity,
		queue:     make([]*domain.ChangeEvent, 0, b.config.QueueCapacity),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		out:       make(chan *domain.ChangeEvent),
	}
	go sub.pump()

	b.mu.Lock()
	b.subs[sub.id] = sub
	if _, ok := b.topicSubs[topic]; !ok {
		b.topicSubs[topic] = make(map[string]struct{})
	}
	b.topicSubs[topic][sub.id] = struct{}{}
	if _, ok := b.connSubs[connID]; !ok {
		b.connSubs[connID] = make(map[string]struct{})
	}
	b.connSubs[connID][sub.id] = struct{}{}
	b.mu.Unlock()

	b.metrics.BusSubscriptionsGauge.Inc()

	return &domain.Subscription{
		ID:      sub.id,
		Topic:   topic,
		ConnID:  connID,
		Events:  sub.out,
		Dropped: sub.dropped.Load,
	}
}

// Unsubscribe removes a single subscription from every index.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	sub := b.removeLocked(subID)
	b.mu.Unlock()

	if sub != nil {
		sub.close()
		b.metrics.BusSubscriptionsGauge.Dec()
	}
}

// CloseConnection removes every subscription owned by the connection. The
// reverse index makes this amortized O(1) per membership instead of a
// scan over all topics.
func (b *Bus) CloseConnection(connID string) {
	b.mu.Lock()
	ids := b.connSubs[connID]
	removed := make([]*subscription, 0, len(ids))
	for id := range ids {
		if sub := b.removeLocked(id); sub != nil {
			removed = append(removed, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range removed {
		sub.close()
		b.metrics.BusSubscriptionsGauge.Dec()
	}
	if len(removed) > 0 {
		b.logger.Debug().Str("conn_id", connID).Int("subscriptions", len(removed)).Msg("Closed connection subscriptions")
	}
}

// removeLocked detaches a subscription from all indexes. Caller holds
// b.mu.
func (b *Bus) removeLocked(subID string) *subscription {
	sub, ok := b.subs[subID]
	if !ok {
		return nil
	}
	delete(b.subs, subID)

	if members, ok := b.topicSubs[sub.topic]; ok {
		delete(members, subID)
		if len(members) == 0 {
			delete(b.topicSubs, sub.topic)
		}
	}
	if members, ok := b.connSubs[sub.connID]; ok {
		delete(members, subID)
		if len(members) == 0 {
			delete(b.connSubs, sub.connID)
		}
	}
	return sub
}

// SubscriptionCount reports the number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Shutdown closes every subscription.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.logger.Info().Msg("Shutting down event bus")

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*subscription)
	b.topicSubs = make(map[string]map[string]struct{})
	b.connSubs = make(map[string]map[string]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
		b.metrics.BusSubscriptionsGauge.Dec()
	}
	return nil
}

// Variable for generating subscription and event IDs.
// Can be replaced in tests for deterministic behavior.
var generateID = func() string {
	return uuid.NewString()
}
