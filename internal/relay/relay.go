// Package relay is the application layer of the WebSocket server: it decodes
// client frames, authenticates connections, routes messages through the
// moderation pipeline, and fans presence changes and notifications out to the
// right live connections.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/kidtalk/chat-app/internal/events"
	"github.com/kidtalk/chat-app/internal/metrics"
	"github.com/kidtalk/chat-app/internal/moderation"
	"github.com/kidtalk/chat-app/internal/presence"
	"github.com/kidtalk/chat-app/internal/protocol"
	"github.com/kidtalk/chat-app/internal/ratelimit"
	"github.com/kidtalk/chat-app/internal/relationship"
	"github.com/kidtalk/chat-app/internal/store"
)

// opTimeout bounds the storage and broker work done for a single frame.
const opTimeout = 3 * time.Second

// Client is a live connection handle as the relay sees it. *ws.Connection
// implements it; tests use fakes.
type Client interface {
	ConnID() string
	AccountID() int64
	BindAccount(accountID int64)
	Send(data []byte) error
}

// Relay dispatches decoded frames against the domain services.
type Relay struct {
	presence   *presence.Registry
	rels       *relationship.Service
	moderation *moderation.Service
	bus        events.Bus
	limiter    *ratelimit.Limiter // nil disables rate limiting
}

// New wires a relay over its collaborators. limiter may be nil.
func New(p *presence.Registry, rels *relationship.Service, mod *moderation.Service, bus events.Bus, limiter *ratelimit.Limiter) *Relay {
	return &Relay{
		presence:   p,
		rels:       rels,
		moderation: mod,
		bus:        bus,
		limiter:    limiter,
	}
}

// HandleFrame processes one inbound frame from a connection. Malformed frames
// are logged and dropped without a reply; non-auth frames from an
// unauthenticated connection are ignored.
func (r *Relay) HandleFrame(c Client, data []byte) {
	frameType, payload, err := protocol.ParseClientFrame(data)
	if err != nil {
		log.Printf("relay: dropping malformed frame conn=%s: %v", c.ConnID(), err)
		return
	}

	if frameType != protocol.TypeAuth && c.AccountID() == 0 {
		log.Printf("relay: ignoring %q frame from unauthenticated conn=%s", frameType, c.ConnID())
		return
	}

	switch frameType {
	case protocol.TypeAuth:
		r.handleAuth(c, payload.(protocol.AuthFrame))
	case protocol.TypeMessage:
		r.handleMessage(c, payload.(protocol.MessageFrame))
	}
}

// handleAuth binds the connection to the claimed account, attaches presence,
// announces the account to its online friends, and subscribes the connection
// to the account's notification events.
func (r *Relay) handleAuth(c Client, frame protocol.AuthFrame) {
	if frame.UserID <= 0 {
		log.Printf("relay: auth with invalid user id %d conn=%s", frame.UserID, c.ConnID())
		r.sendError(c, "invalid auth")
		return
	}

	c.BindAccount(frame.UserID)
	r.presence.Attach(frame.UserID, c)
	metrics.AccountsOnline.Set(float64(r.presence.Count()))
	log.Printf("relay: authenticated conn=%s account=%d (online=%d)",
		c.ConnID(), frame.UserID, r.presence.Count())

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// Tell online friends this account came up, and tell this account which
	// friends are already online.
	friends, err := r.rels.ListFriends(ctx, frame.UserID)
	if err != nil {
		log.Printf("relay: list friends for account %d: %v", frame.UserID, err)
	} else {
		r.fanOutStatus(frame.UserID, friendIDs(friends), protocol.StatusOnline)
		for _, id := range r.presence.Online(friendIDs(friends)) {
			r.sendStatus(c, id, protocol.StatusOnline)
		}
	}

	if r.bus != nil {
		accountID := frame.UserID
		err := r.bus.SubscribeUserEvents(accountID, c.ConnID(), func(data []byte) {
			r.pushNotification(accountID, data)
		})
		if err != nil {
			log.Printf("relay: subscribe notifications account=%d conn=%s: %v",
				accountID, c.ConnID(), err)
		}
	}
}

// handleMessage runs an outbound message through rate limiting and the
// moderation pipeline, then delivers the stored result.
func (r *Relay) handleMessage(c Client, frame protocol.MessageFrame) {
	senderID := c.AccountID()
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if r.limiter != nil {
		allowed, _ := r.limiter.Allow(ctx, strconv.FormatInt(senderID, 10), ratelimit.RuleMessage)
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			r.sendError(c, "rate limited")
			return
		}
	}

	msg, err := r.moderation.Submit(ctx, senderID, frame.ReceiverID, frame.Content)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		switch {
		case errors.Is(err, moderation.ErrUnauthorized):
			r.sendError(c, "you can only message approved friends")
		default:
			log.Printf("relay: submit from account %d: %v", senderID, err)
			r.sendError(c, "message could not be sent")
		}
		return
	}
	metrics.SubmitLatency.Observe(time.Since(start).Seconds())

	if msg.IsFiltered {
		metrics.MessagesTotal.WithLabelValues("filtered").Inc()
	}

	// Deliver to the receiver's live connection if there is one; otherwise
	// the stored message is all there is until they reconnect.
	delivery, err := protocol.NewServerFrame(protocol.TypeMessage, protocol.MessageDeliveryFrame{Message: msg})
	if err != nil {
		log.Printf("relay: encode delivery frame for message %d: %v", msg.ID, err)
	} else if r.presence.Send(msg.ReceiverID, delivery) {
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("stored_offline").Inc()
	}

	// The ack carries the authoritative stored message, redaction included.
	ack, err := protocol.NewServerFrame(protocol.TypeMessageSent, protocol.MessageSentFrame{Message: msg})
	if err != nil {
		log.Printf("relay: encode ack frame for message %d: %v", msg.ID, err)
		return
	}
	if err := c.Send(ack); err != nil {
		log.Printf("relay: send ack to conn %s: %v", c.ConnID(), err)
	}
}

// HandleDisconnect tears down a closed connection: presence detach, offline
// fan-out to friends, and notification-bus unsubscribe. A stale detach (the
// account already rebound to a newer connection) skips the fan-out so friends
// never see a spurious offline.
func (r *Relay) HandleDisconnect(c Client) {
	if r.bus != nil {
		if err := r.bus.Unsubscribe(c.ConnID()); err != nil {
			log.Printf("relay: unsubscribe conn %s: %v", c.ConnID(), err)
		}
	}

	accountID := c.AccountID()
	if accountID == 0 {
		return
	}

	if !r.presence.Detach(accountID, c) {
		return
	}
	metrics.AccountsOnline.Set(float64(r.presence.Count()))
	log.Printf("relay: account %d went offline conn=%s (online=%d)",
		accountID, c.ConnID(), r.presence.Count())

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	friends, err := r.rels.ListFriends(ctx, accountID)
	if err != nil {
		log.Printf("relay: list friends for account %d: %v", accountID, err)
		return
	}
	r.fanOutStatus(accountID, friendIDs(friends), protocol.StatusOffline)
}

// fanOutStatus sends a status frame about accountID to every online friend.
// Delivery is fire and forget.
func (r *Relay) fanOutStatus(accountID int64, friends []int64, status string) {
	frame, err := protocol.NewServerFrame(protocol.TypeStatus, protocol.StatusFrame{
		UserID: accountID,
		Status: status,
	})
	if err != nil {
		log.Printf("relay: encode status frame for account %d: %v", accountID, err)
		return
	}
	for _, id := range r.presence.Online(friends) {
		r.presence.Send(id, frame)
	}
}

// sendStatus sends one friend's status directly to a connection.
func (r *Relay) sendStatus(c Client, accountID int64, status string) {
	frame, err := protocol.NewServerFrame(protocol.TypeStatus, protocol.StatusFrame{
		UserID: accountID,
		Status: status,
	})
	if err != nil {
		log.Printf("relay: encode status frame for account %d: %v", accountID, err)
		return
	}
	if err := c.Send(frame); err != nil {
		log.Printf("relay: send status to conn %s: %v", c.ConnID(), err)
	}
}

// pushNotification wraps a bus event (a stored notification) in a frame and
// pushes it to the owner's live connection.
func (r *Relay) pushNotification(accountID int64, data []byte) {
	if !json.Valid(data) {
		log.Printf("relay: invalid notification event for account %d", accountID)
		return
	}

	frame, err := protocol.NewServerFrame(protocol.TypeNotification, map[string]interface{}{
		"notification": json.RawMessage(data),
	})
	if err != nil {
		log.Printf("relay: encode notification frame for account %d: %v", accountID, err)
		return
	}

	if r.presence.Send(accountID, frame) {
		metrics.NotificationPushesTotal.WithLabelValues("sent").Inc()
	} else {
		metrics.NotificationPushesTotal.WithLabelValues("offline").Inc()
	}
}

// sendError reports a failure to the client without closing the connection.
func (r *Relay) sendError(c Client, msg string) {
	frame, err := protocol.NewServerFrame(protocol.TypeError, protocol.ErrorFrame{Error: msg})
	if err != nil {
		log.Printf("relay: encode error frame: %v", err)
		return
	}
	if err := c.Send(frame); err != nil {
		log.Printf("relay: send error to conn %s: %v", c.ConnID(), err)
	}
}

func friendIDs(friends []store.User) []int64 {
	ids := make([]int64, len(friends))
	for i := range friends {
		ids[i] = friends[i].ID
	}
	return ids
}
