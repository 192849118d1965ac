// Package presence tracks which account is reachable on which live
// connection. Exactly one connection per account: a newer attach supersedes
// the old handle without closing it.
package presence

import (
	"log"
	"sync"
)

// Peer is a live connection handle the registry can deliver frames to.
type Peer interface {
	// ConnID returns the connection's stable identifier.
	ConnID() string
	// Send writes one frame to the connection.
	Send(data []byte) error
}

// Registry is the authoritative account-to-connection map.
type Registry struct {
	mu    sync.RWMutex
	peers map[int64]Peer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[int64]Peer)}
}

// Attach binds the account to the peer. A previous binding for the same
// account is replaced; the superseded connection stays open but no longer
// receives routed frames.
func (r *Registry) Attach(accountID int64, p Peer) {
	r.mu.Lock()
	old, had := r.peers[accountID]
	r.peers[accountID] = p
	r.mu.Unlock()

	if had && old.ConnID() != p.ConnID() {
		log.Printf("presence: account %d rebound from conn %s to %s",
			accountID, old.ConnID(), p.ConnID())
	}
}

// Detach removes the binding only if it still points at this peer, and
// reports whether a removal happened. A detach from a superseded connection
// is a no-op so it cannot knock a newer connection offline.
func (r *Registry) Detach(accountID int64, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.peers[accountID]
	if !ok || cur.ConnID() != p.ConnID() {
		return false
	}
	delete(r.peers, accountID)
	return true
}

// IsOnline reports whether the account has a live binding.
func (r *Registry) IsOnline(accountID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[accountID]
	return ok
}

// Send delivers one frame to the account's current connection and reports
// whether delivery succeeded. Offline accounts and write failures both
// return false; the caller decides whether to fall back to stored delivery.
func (r *Registry) Send(accountID int64, data []byte) bool {
	r.mu.RLock()
	p, ok := r.peers[accountID]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	if err := p.Send(data); err != nil {
		log.Printf("presence: send to account %d on conn %s: %v", accountID, p.ConnID(), err)
		return false
	}
	return true
}

// Online filters ids down to the accounts that currently have a live
// binding, preserving order.
func (r *Registry) Online(ids []int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	online := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := r.peers[id]; ok {
			online = append(online, id)
		}
	}
	return online
}

// Count returns the number of online accounts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
