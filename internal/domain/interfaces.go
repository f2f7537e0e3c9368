package domain

import (
	"context"
)

// BackingStore is the authoritative data source consulted on cache misses.
// Implementations are supplied by the embedding service; internal/store
// provides an embedded one for standalone and test use.
type BackingStore interface {
	// FindByIDs returns one value per id, in id order. Missing ids yield
	// nil at their position, never an error.
	FindByIDs(ctx context.Context, entityType EntityType, ids []string) ([][]byte, error)

	// FindByParentIDs returns the children of each parent id, keyed by
	// parent. Parents with no children map to an empty slice.
	FindByParentIDs(ctx context.Context, relation string, parentIDs []string) (map[string][][]byte, error)
}

// EventRouter fans out change events to live subscribers.
type EventRouter interface {
	// Publish delivers the event to every predicate-matching subscription
	// registered under topic.
	Publish(topic string, event *ChangeEvent)

	// Subscribe registers a predicate-filtered subscription owned by the
	// given connection. A nil predicate matches every event.
	Subscribe(topic string, predicate EventPredicate, connID string, auth *AuthContext) *Subscription

	// Unsubscribe removes a single subscription.
	Unsubscribe(subID string)

	// CloseConnection removes every subscription owned by the connection.
	CloseConnection(connID string)

	// Shutdown closes all subscriptions.
	Shutdown(ctx context.Context) error
}

// EventPredicate decides whether an event is visible to a subscriber.
// Evaluated at publish time against the subscriber's auth context.
type EventPredicate func(event *ChangeEvent, auth *AuthContext) bool

// Subscription is the consumer end of a topic registration. Owned by the
// connection that created it; the router keeps only an id index for
// dispatch.
type Subscription struct {
	ID     string
	Topic  string
	ConnID string

	// Events delivers matching events in publish order for this
	// subscription only. Closed on unsubscribe.
	Events <-chan *ChangeEvent

	// Dropped reports how many non-critical events were discarded under
	// backpressure since the subscription was created.
	Dropped func() uint64
}

// Admitter gates a request before any loader or cache work happens.
type Admitter interface {
	// Admit returns nil, a *RateLimitedError or a *QueryTooComplexError.
	Admit(ctx context.Context, auth *AuthContext, class string, shape []OperationShape) error
}
