// Package events carries notification events from the HTTP request path to
// the relay so online users get a live push. Storage remains the source of
// truth; delivery here is best-effort and a missed event is simply picked up
// on the owner's next poll.
package events

// Bus is the pub/sub boundary for per-user notification events. Subscribers
// register under a caller-chosen key (the relay uses the connection id) so
// two connections authenticated as the same account each hold their own
// subscription.
type Bus interface {
	// PublishUserEvent delivers data to every subscriber of userID.
	PublishUserEvent(userID int64, data []byte) error

	// SubscribeUserEvents registers handler for userID's events under key,
	// replacing any prior subscription for that key.
	SubscribeUserEvents(userID int64, key string, handler func(data []byte)) error

	// Unsubscribe removes the subscription registered under key. Unknown
	// keys are an error the caller may ignore.
	Unsubscribe(key string) error

	// Close releases all subscriptions and underlying resources.
	Close()
}
