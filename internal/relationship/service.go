// Package relationship implements the friend-request lifecycle between minor
// accounts and the derived may-message check that gates the relay. A single
// relationship record is the source of truth for both the friends list and
// message authorization.
package relationship

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/kidtalk/chat-app/internal/events"
	"github.com/kidtalk/chat-app/internal/store"
)

var (
	// ErrInvalidRole is returned when either party is a guardian.
	ErrInvalidRole = errors.New("relationship: friend requests can only be between children")

	// ErrSelfReference is returned when requester and target are the same.
	ErrSelfReference = errors.New("relationship: cannot send a friend request to yourself")

	// ErrDuplicateRequest is returned when a pending or approved relationship
	// already connects the pair.
	ErrDuplicateRequest = errors.New("relationship: friend request already exists")

	// ErrNotFound is returned when a referenced request or user is absent.
	ErrNotFound = errors.New("relationship: not found")

	// ErrAlreadyResolved is returned when resolving a request that already
	// left the pending state. Approved and rejected are terminal.
	ErrAlreadyResolved = errors.New("relationship: request already resolved")

	// ErrInvalidDecision is returned for a resolution other than
	// approved or rejected.
	ErrInvalidDecision = errors.New("relationship: decision must be approved or rejected")
)

// Service runs the friend-request state machine over the storage boundary.
type Service struct {
	store store.Store
	bus   events.Bus

	// pairMu serializes request creation per unordered pair so two
	// concurrent requests cannot both pass the duplicate check.
	mu     sync.Mutex
	pairMu map[[2]int64]*sync.Mutex
}

// NewService creates a relationship service. bus may be nil when live
// notification push is not wanted (tests).
func NewService(st store.Store, bus events.Bus) *Service {
	return &Service{
		store:  st,
		bus:    bus,
		pairMu: make(map[[2]int64]*sync.Mutex),
	}
}

// lockPair acquires the creation lock for the unordered pair and returns the
// unlock function.
func (s *Service) lockPair(a, b int64) func() {
	if a > b {
		a, b = b, a
	}
	key := [2]int64{a, b}

	s.mu.Lock()
	mu, ok := s.pairMu[key]
	if !ok {
		mu = &sync.Mutex{}
		s.pairMu[key] = mu
	}
	s.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Request creates a pending friend request from requester to target and
// notifies the target's guardian.
func (s *Service) Request(ctx context.Context, requesterID, targetID int64) (*store.Friend, error) {
	if requesterID == targetID {
		return nil, ErrSelfReference
	}

	requester, err := s.store.GetUser(ctx, requesterID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	target, err := s.store.GetUser(ctx, targetID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if requester.IsParent || target.IsParent {
		return nil, ErrInvalidRole
	}

	unlock := s.lockPair(requesterID, targetID)
	defer unlock()

	existing, err := s.store.FriendRequestsByUser(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("relationship: check existing requests: %w", err)
	}
	for i := range existing {
		f := &existing[i]
		if f.Connects(requesterID, targetID) &&
			(f.Status == store.StatusPending || f.Status == store.StatusApproved) {
			return nil, ErrDuplicateRequest
		}
	}

	fr, err := s.store.CreateFriendRequest(ctx, requesterID, targetID)
	if err != nil {
		return nil, fmt.Errorf("relationship: create request: %w", err)
	}

	if target.ParentID != nil {
		s.notify(ctx, *target.ParentID,
			fmt.Sprintf("New friend request for %s from %s", target.Name, requester.Name))
	}

	return fr, nil
}

// Resolve transitions a pending request to approved or rejected and notifies
// the involved parties. Resolved requests cannot be resolved again.
func (s *Service) Resolve(ctx context.Context, requestID int64, decision store.FriendStatus) (*store.Friend, error) {
	if decision != store.StatusApproved && decision != store.StatusRejected {
		return nil, ErrInvalidDecision
	}

	fr, err := s.store.GetFriendRequest(ctx, requestID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if fr.Status != store.StatusPending {
		return nil, ErrAlreadyResolved
	}

	updated, err := s.store.UpdateFriendRequestStatus(ctx, requestID, decision)
	if err != nil {
		return nil, fmt.Errorf("relationship: update request: %w", err)
	}

	requester, rerr := s.store.GetUser(ctx, fr.RequesterID)
	target, terr := s.store.GetUser(ctx, fr.TargetID)
	if rerr != nil || terr != nil {
		// Participants vanished underneath us; the transition itself stands.
		log.Printf("relationship: resolve %d: participant lookup failed (requester=%v target=%v)",
			requestID, rerr, terr)
		return updated, nil
	}

	s.notify(ctx, requester.ID,
		fmt.Sprintf("Your friend request to %s was %s", target.Name, decision))
	if decision == store.StatusApproved {
		s.notify(ctx, target.ID,
			fmt.Sprintf("You are now friends with %s", requester.Name))
	}

	return updated, nil
}

// MayExchangeMessages reports whether an approved relationship connects the
// unordered pair {a, b}. The result is symmetric in its arguments.
func (s *Service) MayExchangeMessages(ctx context.Context, a, b int64) (bool, error) {
	requests, err := s.store.FriendRequestsByUser(ctx, a)
	if err != nil {
		return false, fmt.Errorf("relationship: may-exchange lookup: %w", err)
	}
	for i := range requests {
		f := &requests[i]
		if f.Status == store.StatusApproved && f.Connects(a, b) {
			return true, nil
		}
	}
	return false, nil
}

// ListFriends resolves every approved relationship of userID to the full
// account record on the other end.
func (s *Service) ListFriends(ctx context.Context, userID int64) ([]store.User, error) {
	friends, err := s.store.FriendsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("relationship: list friends: %w", err)
	}
	return friends, nil
}

// notify stores a notification and publishes it for live push. Failures are
// logged, not propagated: the state transition already happened and the
// owner will still see stored notifications on the next poll.
func (s *Service) notify(ctx context.Context, userID int64, message string) {
	n, err := s.store.CreateNotification(ctx, userID, message)
	if err != nil {
		log.Printf("relationship: create notification for user %d: %v", userID, err)
		return
	}
	if s.bus == nil {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		log.Printf("relationship: marshal notification %d: %v", n.ID, err)
		return
	}
	if err := s.bus.PublishUserEvent(userID, data); err != nil {
		log.Printf("relationship: publish notification %d: %v", n.ID, err)
	}
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("relationship: storage: %w", err)
}
