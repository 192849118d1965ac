// Package moderation turns raw outbound text into stored, filter-flagged
// messages and handles guardian review actions. Messages that trip the
// content filter wait for guardian review; clean messages are auto-reviewed
// at creation.
package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/kidtalk/chat-app/internal/events"
	"github.com/kidtalk/chat-app/internal/filter"
	"github.com/kidtalk/chat-app/internal/relationship"
	"github.com/kidtalk/chat-app/internal/store"
)

var (
	// ErrUnauthorized is returned when no approved relationship connects
	// sender and receiver.
	ErrUnauthorized = errors.New("moderation: sender is not allowed to message this user")

	// ErrNotFound is returned when a reviewed message does not exist.
	ErrNotFound = errors.New("moderation: message not found")

	// ErrInvalidAction is returned for a review action other than allow
	// or delete.
	ErrInvalidAction = errors.New("moderation: action must be allow or delete")
)

// ReviewAction is a guardian's verdict on a flagged message.
type ReviewAction string

const (
	ActionAllow  ReviewAction = "allow"
	ActionDelete ReviewAction = "delete"
)

// Service is the message-ingestion pipeline: authorization, filtering,
// persistence, and guardian review.
type Service struct {
	store  store.Store
	filter *filter.Filter
	rels   *relationship.Service
	bus    events.Bus
}

// NewService creates a moderation service. bus may be nil when live
// notification push is not wanted (tests).
func NewService(st store.Store, f *filter.Filter, rels *relationship.Service, bus events.Bus) *Service {
	return &Service{store: st, filter: f, rels: rels, bus: bus}
}

// Submit runs the full outbound pipeline for one message: validate, check
// the relationship gate, classify content, and persist. The returned
// message carries the redacted content and the authoritative flags.
func (s *Service) Submit(ctx context.Context, senderID, receiverID int64, content string) (*store.Message, error) {
	if err := ValidateContent(content); err != nil {
		return nil, err
	}

	allowed, err := s.rels.MayExchangeMessages(ctx, senderID, receiverID)
	if err != nil {
		return nil, fmt.Errorf("moderation: authorization check: %w", err)
	}
	if !allowed {
		return nil, ErrUnauthorized
	}

	redacted, flagged := s.filter.Classify(content)

	// Unflagged messages are auto-reviewed: "reviewed" means "does not
	// need guardian attention", which the pending-reviews query relies on.
	msg, err := s.store.CreateMessage(ctx, store.NewMessage{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    redacted,
		IsFiltered: flagged,
		IsReviewed: !flagged,
	})
	if err != nil {
		return nil, fmt.Errorf("moderation: persist message: %w", err)
	}

	if flagged {
		s.notifyGuardians(ctx, msg)
	}

	return msg, nil
}

// Review applies a guardian's verdict: the message becomes reviewed, and
// deleted when the action is delete. Re-reviewing simply reasserts the
// flags; no audit trail is kept beyond them.
func (s *Service) Review(ctx context.Context, messageID int64, action ReviewAction) (*store.Message, error) {
	if action != ActionAllow && action != ActionDelete {
		return nil, ErrInvalidAction
	}

	if _, err := s.store.GetMessage(ctx, messageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("moderation: load message: %w", err)
	}

	msg, err := s.store.UpdateMessageFlags(ctx, messageID, true, action == ActionDelete)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("moderation: update message: %w", err)
	}
	return msg, nil
}

// MessagesBetween returns the pair's full history, oldest first. Tombstones
// are included; callers render them as removed.
func (s *Service) MessagesBetween(ctx context.Context, a, b int64) ([]store.Message, error) {
	msgs, err := s.store.MessagesBetween(ctx, a, b)
	if err != nil {
		return nil, fmt.Errorf("moderation: messages between: %w", err)
	}
	return msgs, nil
}

// PendingReviews returns the guardian's review queue, newest first.
func (s *Service) PendingReviews(ctx context.Context, guardianID int64) ([]store.Message, error) {
	msgs, err := s.store.PendingMessageReviews(ctx, guardianID)
	if err != nil {
		return nil, fmt.Errorf("moderation: pending reviews: %w", err)
	}
	return msgs, nil
}

// MessagesForChild returns every message touching the child, newest first.
func (s *Service) MessagesForChild(ctx context.Context, childID int64) ([]store.Message, error) {
	msgs, err := s.store.MessagesByChild(ctx, childID)
	if err != nil {
		return nil, fmt.Errorf("moderation: messages for child: %w", err)
	}
	return msgs, nil
}

// notifyGuardians informs the guardians of both parties that a flagged
// message awaits review. Failures are logged only; the message is already
// stored and the review queue will surface it regardless.
func (s *Service) notifyGuardians(ctx context.Context, msg *store.Message) {
	sender, serr := s.store.GetUser(ctx, msg.SenderID)
	receiver, rerr := s.store.GetUser(ctx, msg.ReceiverID)
	if serr != nil || rerr != nil {
		log.Printf("moderation: guardian notify for message %d: user lookup failed (sender=%v receiver=%v)",
			msg.ID, serr, rerr)
		return
	}

	guardians := make(map[int64]bool)
	if sender.ParentID != nil {
		guardians[*sender.ParentID] = true
	}
	if receiver.ParentID != nil {
		guardians[*receiver.ParentID] = true
	}

	text := fmt.Sprintf("A message between %s and %s was filtered and needs review",
		sender.Name, receiver.Name)
	for guardianID := range guardians {
		n, err := s.store.CreateNotification(ctx, guardianID, text)
		if err != nil {
			log.Printf("moderation: create notification for guardian %d: %v", guardianID, err)
			continue
		}
		if s.bus == nil {
			continue
		}
		data, err := json.Marshal(n)
		if err != nil {
			log.Printf("moderation: marshal notification %d: %v", n.ID, err)
			continue
		}
		if err := s.bus.PublishUserEvent(guardianID, data); err != nil {
			log.Printf("moderation: publish notification %d: %v", n.ID, err)
		}
	}
}
