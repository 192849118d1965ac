package events

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectUserPrefix is the NATS subject prefix for per-user notification
// events; the account id is appended (notify.user.<id>).
const SubjectUserPrefix = "notify.user."

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "kidtalk-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NATSBus is a Bus backed by a NATS connection.
type NATSBus struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus connects to NATS with the given config and returns a ready bus.
// It returns an error if the initial connection fails.
func NewNATSBus(config NATSConfig) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSBus{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishUserEvent publishes data on the user's notification subject.
func (b *NATSBus) PublishUserEvent(userID int64, data []byte) error {
	return b.conn.Publish(fmt.Sprintf("%s%d", SubjectUserPrefix, userID), data)
}

// SubscribeUserEvents subscribes to the user's notification subject under
// key, replacing any prior subscription for that key.
func (b *NATSBus) SubscribeUserEvents(userID int64, key string, handler func(data []byte)) error {
	subject := fmt.Sprintf("%s%d", SubjectUserPrefix, userID)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	if old, ok := b.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	b.subs[key] = sub
	b.mu.Unlock()
	return nil
}

// Unsubscribe removes the subscription registered under key.
func (b *NATSBus) Unsubscribe(key string) error {
	b.mu.Lock()
	sub, ok := b.subs[key]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("nats: no subscription for key %s", key)
	}
	delete(b.subs, key)
	b.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *NATSBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)

	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] bus closed")
}
