package events

import (
	"fmt"
	"sync"
)

// InProc is a channel-free, in-process Bus used by tests and by deployments
// without a broker. Handlers run synchronously on the publisher's goroutine,
// so they must not block.
type InProc struct {
	mu   sync.RWMutex
	subs map[string]inprocSub
}

type inprocSub struct {
	userID  int64
	handler func(data []byte)
}

// NewInProc creates an empty in-process bus.
func NewInProc() *InProc {
	return &InProc{subs: make(map[string]inprocSub)}
}

func (b *InProc) PublishUserEvent(userID int64, data []byte) error {
	b.mu.RLock()
	handlers := make([]func([]byte), 0, 2)
	for _, s := range b.subs {
		if s.userID == userID {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *InProc) SubscribeUserEvents(userID int64, key string, handler func(data []byte)) error {
	b.mu.Lock()
	b.subs[key] = inprocSub{userID: userID, handler: handler}
	b.mu.Unlock()
	return nil
}

func (b *InProc) Unsubscribe(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[key]; !ok {
		return fmt.Errorf("events: no subscription for key %s", key)
	}
	delete(b.subs, key)
	return nil
}

func (b *InProc) Close() {
	b.mu.Lock()
	b.subs = make(map[string]inprocSub)
	b.mu.Unlock()
}
