package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/kidtalk/chat-app/internal/events"
	"github.com/kidtalk/chat-app/internal/filter"
	"github.com/kidtalk/chat-app/internal/moderation"
	"github.com/kidtalk/chat-app/internal/presence"
	"github.com/kidtalk/chat-app/internal/protocol"
	"github.com/kidtalk/chat-app/internal/relationship"
	"github.com/kidtalk/chat-app/internal/store"
)

type fakeClient struct {
	id      string
	mu      sync.Mutex
	account int64
	frames  [][]byte
	sendErr error
}

func (c *fakeClient) ConnID() string { return c.id }

func (c *fakeClient) AccountID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

func (c *fakeClient) BindAccount(accountID int64) {
	c.mu.Lock()
	c.account = accountID
	c.mu.Unlock()
}

func (c *fakeClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, data)
	return nil
}

// framesOfType decodes the client's received frames and returns those with
// the given type discriminator.
func (c *fakeClient) framesOfType(t *testing.T, frameType string) []map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []map[string]interface{}
	for _, raw := range c.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("received invalid frame %q: %v", raw, err)
		}
		if m["type"] == frameType {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeClient) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// newRelay builds a fully wired relay over in-memory collaborators and seeds
// two minors (friends with each other) plus an unrelated third minor.
func newRelay(t *testing.T) (*Relay, *store.User, *store.User, *store.User) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()

	guardian, err := st.CreateUser(ctx, store.NewUser{
		Username: "pat", Password: "pw", IsParent: true, Name: "Pat",
	})
	if err != nil {
		t.Fatalf("create guardian: %v", err)
	}
	alice, err := st.CreateUser(ctx, store.NewUser{
		Username: "alice", Password: "pw", ParentID: &guardian.ID, Name: "Alice",
	})
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	ben, err := st.CreateUser(ctx, store.NewUser{
		Username: "ben", Password: "pw", ParentID: &guardian.ID, Name: "Ben",
	})
	if err != nil {
		t.Fatalf("create ben: %v", err)
	}
	casey, err := st.CreateUser(ctx, store.NewUser{
		Username: "casey", Password: "pw", Name: "Casey",
	})
	if err != nil {
		t.Fatalf("create casey: %v", err)
	}

	bus := events.NewInProc()
	t.Cleanup(bus.Close)

	rels := relationship.NewService(st, bus)
	fr, err := rels.Request(ctx, alice.ID, ben.ID)
	if err != nil {
		t.Fatalf("friend request: %v", err)
	}
	if _, err := rels.Resolve(ctx, fr.ID, store.StatusApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}

	mod := moderation.NewService(st, filter.New(), rels, bus)
	r := New(presence.NewRegistry(), rels, mod, bus, nil)
	return r, alice, ben, casey
}

func authFrame(userID int64) []byte {
	return []byte(fmt.Sprintf(`{"type":"auth","userId":%d}`, userID))
}

func messageFrame(receiverID int64, content string) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"type": "message", "receiverId": receiverID, "content": content,
	})
	return raw
}

func TestAuth_BindsAndAnnouncesToFriends(t *testing.T) {
	r, alice, ben, _ := newRelay(t)

	benConn := &fakeClient{id: "conn-ben"}
	r.HandleFrame(benConn, authFrame(ben.ID))

	aliceConn := &fakeClient{id: "conn-alice"}
	r.HandleFrame(aliceConn, authFrame(alice.ID))

	if aliceConn.AccountID() != alice.ID {
		t.Fatalf("conn bound to account %d, want %d", aliceConn.AccountID(), alice.ID)
	}

	// Ben, already online, hears that Alice came up.
	statuses := benConn.framesOfType(t, protocol.TypeStatus)
	if len(statuses) != 1 {
		t.Fatalf("ben received %d status frames, want 1", len(statuses))
	}
	if int64(statuses[0]["userId"].(float64)) != alice.ID || statuses[0]["status"] != "online" {
		t.Errorf("ben's status frame = %v", statuses[0])
	}

	// Alice learns Ben is already online.
	statuses = aliceConn.framesOfType(t, protocol.TypeStatus)
	if len(statuses) != 1 {
		t.Fatalf("alice received %d status frames, want 1", len(statuses))
	}
	if int64(statuses[0]["userId"].(float64)) != ben.ID || statuses[0]["status"] != "online" {
		t.Errorf("alice's status frame = %v", statuses[0])
	}
}

func TestAuth_NonFriendsHearNothing(t *testing.T) {
	r, alice, _, casey := newRelay(t)

	caseyConn := &fakeClient{id: "conn-casey"}
	r.HandleFrame(caseyConn, authFrame(casey.ID))

	aliceConn := &fakeClient{id: "conn-alice"}
	r.HandleFrame(aliceConn, authFrame(alice.ID))

	if n := len(caseyConn.framesOfType(t, protocol.TypeStatus)); n != 0 {
		t.Errorf("casey received %d status frames about a non-friend", n)
	}
}

func TestMessage_DeliveredToOnlineReceiver(t *testing.T) {
	r, alice, ben, _ := newRelay(t)

	aliceConn := &fakeClient{id: "conn-alice"}
	benConn := &fakeClient{id: "conn-ben"}
	r.HandleFrame(aliceConn, authFrame(alice.ID))
	r.HandleFrame(benConn, authFrame(ben.ID))

	r.HandleFrame(aliceConn, messageFrame(ben.ID, "hi ben!"))

	deliveries := benConn.framesOfType(t, protocol.TypeMessage)
	if len(deliveries) != 1 {
		t.Fatalf("ben received %d message frames, want 1", len(deliveries))
	}
	msg := deliveries[0]["message"].(map[string]interface{})
	if msg["content"] != "hi ben!" {
		t.Errorf("delivered content = %q", msg["content"])
	}

	acks := aliceConn.framesOfType(t, protocol.TypeMessageSent)
	if len(acks) != 1 {
		t.Fatalf("alice received %d acks, want 1", len(acks))
	}
}

func TestMessage_OfflineReceiverStillStoredAndAcked(t *testing.T) {
	r, alice, ben, _ := newRelay(t)

	aliceConn := &fakeClient{id: "conn-alice"}
	r.HandleFrame(aliceConn, authFrame(alice.ID))

	r.HandleFrame(aliceConn, messageFrame(ben.ID, "see you tomorrow"))

	acks := aliceConn.framesOfType(t, protocol.TypeMessageSent)
	if len(acks) != 1 {
		t.Fatalf("alice received %d acks, want 1", len(acks))
	}

	// The stored message survives for Ben's next fetch.
	msgs, err := r.moderation.MessagesBetween(context.Background(), alice.ID, ben.ID)
	if err != nil {
		t.Fatalf("messages between: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "see you tomorrow" {
		t.Errorf("stored history = %+v", msgs)
	}
}

func TestMessage_RedactedContentInAckAndDelivery(t *testing.T) {
	r, alice, ben, _ := newRelay(t)

	aliceConn := &fakeClient{id: "conn-alice"}
	benConn := &fakeClient{id: "conn-ben"}
	r.HandleFrame(aliceConn, authFrame(alice.ID))
	r.HandleFrame(benConn, authFrame(ben.ID))

	r.HandleFrame(aliceConn, messageFrame(ben.ID, "you are stupid"))

	acks := aliceConn.framesOfType(t, protocol.TypeMessageSent)
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	ackMsg := acks[0]["message"].(map[string]interface{})
	if ackMsg["content"] != "you are ******" {
		t.Errorf("ack content = %q, want redacted", ackMsg["content"])
	}

	deliveries := benConn.framesOfType(t, protocol.TypeMessage)
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(deliveries))
	}
	delivered := deliveries[0]["message"].(map[string]interface{})
	if delivered["content"] != "you are ******" {
		t.Errorf("delivered content = %q, want redacted", delivered["content"])
	}
}

func TestMessage_UnauthorizedPairGetsErrorFrame(t *testing.T) {
	r, alice, _, casey := newRelay(t)

	aliceConn := &fakeClient{id: "conn-alice"}
	r.HandleFrame(aliceConn, authFrame(alice.ID))

	r.HandleFrame(aliceConn, messageFrame(casey.ID, "hello"))

	errs := aliceConn.framesOfType(t, protocol.TypeError)
	if len(errs) != 1 {
		t.Fatalf("alice received %d error frames, want 1", len(errs))
	}
	if len(aliceConn.framesOfType(t, protocol.TypeMessageSent)) != 0 {
		t.Error("unauthorized message was acked")
	}
}

func TestMalformedFrameIsDroppedSilently(t *testing.T) {
	r, alice, _, _ := newRelay(t)

	conn := &fakeClient{id: "conn-alice"}
	r.HandleFrame(conn, authFrame(alice.ID))
	before := conn.frameCount()

	r.HandleFrame(conn, []byte(`{not json`))
	r.HandleFrame(conn, []byte(`{"type":"teleport"}`))
	r.HandleFrame(conn, []byte(`{"content":"no type"}`))

	if conn.frameCount() != before {
		t.Errorf("malformed frames produced %d replies", conn.frameCount()-before)
	}
}

func TestUnauthenticatedMessageIsIgnored(t *testing.T) {
	r, _, ben, _ := newRelay(t)

	conn := &fakeClient{id: "conn-anon"}
	r.HandleFrame(conn, messageFrame(ben.ID, "hi"))

	if conn.frameCount() != 0 {
		t.Errorf("unauthenticated message produced %d replies", conn.frameCount())
	}
}

func TestDisconnect_FansOutOffline(t *testing.T) {
	r, alice, ben, _ := newRelay(t)

	aliceConn := &fakeClient{id: "conn-alice"}
	benConn := &fakeClient{id: "conn-ben"}
	r.HandleFrame(aliceConn, authFrame(alice.ID))
	r.HandleFrame(benConn, authFrame(ben.ID))

	r.HandleDisconnect(aliceConn)

	var sawOffline bool
	for _, f := range benConn.framesOfType(t, protocol.TypeStatus) {
		if int64(f["userId"].(float64)) == alice.ID && f["status"] == "offline" {
			sawOffline = true
		}
	}
	if !sawOffline {
		t.Error("ben never heard alice go offline")
	}
	if r.presence.IsOnline(alice.ID) {
		t.Error("alice still online after disconnect")
	}
}

func TestDisconnect_SupersededConnectionDoesNotGoOffline(t *testing.T) {
	r, alice, ben, _ := newRelay(t)

	benConn := &fakeClient{id: "conn-ben"}
	r.HandleFrame(benConn, authFrame(ben.ID))

	first := &fakeClient{id: "conn-alice-1"}
	second := &fakeClient{id: "conn-alice-2"}
	r.HandleFrame(first, authFrame(alice.ID))
	r.HandleFrame(second, authFrame(alice.ID))

	// The old connection closing must not announce alice as offline.
	r.HandleDisconnect(first)

	for _, f := range benConn.framesOfType(t, protocol.TypeStatus) {
		if f["status"] == "offline" {
			t.Fatal("stale disconnect produced an offline status")
		}
	}
	if !r.presence.IsOnline(alice.ID) {
		t.Error("alice went offline while her newer connection is open")
	}

	// The message path routes to the newer connection.
	r.HandleFrame(benConn, messageFrame(alice.ID, "still there?"))
	if len(second.framesOfType(t, protocol.TypeMessage)) != 1 {
		t.Error("message not delivered to alice's newer connection")
	}
	if len(first.framesOfType(t, protocol.TypeMessage)) != 0 {
		t.Error("message delivered to alice's superseded connection")
	}
}

func TestNotificationPushedToOnlineOwner(t *testing.T) {
	r, alice, _, _ := newRelay(t)

	aliceConn := &fakeClient{id: "conn-alice"}
	r.HandleFrame(aliceConn, authFrame(alice.ID))

	payload, _ := json.Marshal(map[string]interface{}{
		"id": 1, "userId": alice.ID, "message": "You are now friends with Ben", "isRead": false,
	})
	if err := r.bus.PublishUserEvent(alice.ID, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	pushes := aliceConn.framesOfType(t, protocol.TypeNotification)
	if len(pushes) != 1 {
		t.Fatalf("alice received %d notification frames, want 1", len(pushes))
	}
	notif := pushes[0]["notification"].(map[string]interface{})
	if notif["message"] != "You are now friends with Ben" {
		t.Errorf("notification = %v", notif)
	}
}

func TestAuth_InvalidUserIDGetsError(t *testing.T) {
	r, _, _, _ := newRelay(t)

	conn := &fakeClient{id: "conn-x"}
	r.HandleFrame(conn, authFrame(0))

	if len(conn.framesOfType(t, protocol.TypeError)) != 1 {
		t.Error("invalid auth did not produce an error frame")
	}
	if conn.AccountID() != 0 {
		t.Error("invalid auth bound an account")
	}
}

func TestSendFailureDoesNotPanic(t *testing.T) {
	r, alice, ben, _ := newRelay(t)

	aliceConn := &fakeClient{id: "conn-alice"}
	benConn := &fakeClient{id: "conn-ben", sendErr: errors.New("broken pipe")}
	r.HandleFrame(aliceConn, authFrame(alice.ID))
	r.HandleFrame(benConn, authFrame(ben.ID))

	// Delivery to ben fails, but alice still gets her ack.
	r.HandleFrame(aliceConn, messageFrame(ben.ID, "hello?"))
	if len(aliceConn.framesOfType(t, protocol.TypeMessageSent)) != 1 {
		t.Error("ack missing after receiver write failure")
	}
}
