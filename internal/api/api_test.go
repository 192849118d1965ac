package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kidtalk/chat-app/internal/filter"
	"github.com/kidtalk/chat-app/internal/moderation"
	"github.com/kidtalk/chat-app/internal/relationship"
	"github.com/kidtalk/chat-app/internal/store"
)

// newTestServer wires the API over a seeded in-memory store: guardian Pat
// with minors Alice and Ben (friends), and guardian-less minor Casey.
func newTestServer(t *testing.T) (*httptest.Server, *store.Memory, map[string]*store.User) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()

	users := make(map[string]*store.User)
	guardian, err := st.CreateUser(ctx, store.NewUser{
		Username: "pat", Password: "secret", IsParent: true, Name: "Pat",
	})
	if err != nil {
		t.Fatalf("create guardian: %v", err)
	}
	users["pat"] = guardian

	for _, name := range []string{"Alice", "Ben"} {
		u, err := st.CreateUser(ctx, store.NewUser{
			Username: name, Password: "pw", ParentID: &guardian.ID, Name: name,
		})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		users[name] = u
	}
	casey, err := st.CreateUser(ctx, store.NewUser{
		Username: "casey", Password: "pw", Name: "Casey",
	})
	if err != nil {
		t.Fatalf("create casey: %v", err)
	}
	users["Casey"] = casey

	rels := relationship.NewService(st, nil)
	fr, err := rels.Request(ctx, users["Alice"].ID, users["Ben"].ID)
	if err != nil {
		t.Fatalf("friend request: %v", err)
	}
	if _, err := rels.Resolve(ctx, fr.ID, store.StatusApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}

	mod := moderation.NewService(st, filter.New(), rels, nil)

	mux := http.NewServeMux()
	NewServer(st, rels, mod).Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return ts, st, users
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func doJSONList(t *testing.T, url string) (*http.Response, []map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	var decoded []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode list from %s: %v", url, err)
	}
	return resp, decoded
}

func TestLogin(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := doJSON(t, "POST", ts.URL+"/api/login",
		map[string]string{"username": "pat", "password": "secret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["name"] != "Pat" {
		t.Errorf("name = %v", body["name"])
	}
	if _, leaked := body["password"]; leaked {
		t.Error("response leaks password")
	}

	resp, _ = doJSON(t, "POST", ts.URL+"/api/login",
		map[string]string{"username": "pat", "password": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad password status = %d, want 401", resp.StatusCode)
	}

	// Username lookup is case-insensitive.
	resp, _ = doJSON(t, "POST", ts.URL+"/api/login",
		map[string]string{"username": "PAT", "password": "secret"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("case-insensitive login status = %d, want 200", resp.StatusCode)
	}
}

func TestRegisterAndDuplicate(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := doJSON(t, "POST", ts.URL+"/api/register",
		map[string]string{"username": "dana", "password": "pw", "name": "Dana"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if body["isParent"] != true {
		t.Error("registered account is not a parent")
	}

	resp, _ = doJSON(t, "POST", ts.URL+"/api/register",
		map[string]string{"username": "Dana", "password": "pw", "name": "Dana Two"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate username status = %d, want 409", resp.StatusCode)
	}

	resp, _ = doJSON(t, "POST", ts.URL+"/api/register",
		map[string]string{"username": "", "password": "pw", "name": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing username status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateChildAndList(t *testing.T) {
	ts, _, users := newTestServer(t)

	resp, body := doJSON(t, "POST", ts.URL+"/api/children", map[string]interface{}{
		"parentId": users["pat"].ID, "username": "zoe", "password": "pw", "name": "Zoe",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if int64(body["parentId"].(float64)) != users["pat"].ID {
		t.Errorf("parentId = %v", body["parentId"])
	}

	resp, children := doJSONList(t, fmt.Sprintf("%s/api/parent/%d/children", ts.URL, users["pat"].ID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if len(children) != 3 { // Alice, Ben, Zoe
		t.Errorf("children = %d, want 3", len(children))
	}

	resp, _ = doJSON(t, "POST", ts.URL+"/api/children", map[string]interface{}{
		"parentId": int64(9999), "username": "q", "password": "pw", "name": "Q",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing parent status = %d, want 404", resp.StatusCode)
	}

	// A minor cannot own children.
	resp, _ = doJSON(t, "POST", ts.URL+"/api/children", map[string]interface{}{
		"parentId": users["Alice"].ID, "username": "w", "password": "pw", "name": "W",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("minor parentId status = %d, want 400", resp.StatusCode)
	}
}

func TestUpdateProfile(t *testing.T) {
	ts, _, users := newTestServer(t)

	resp, body := doJSON(t, "PATCH",
		fmt.Sprintf("%s/api/users/%d/profile", ts.URL, users["Alice"].ID),
		map[string]string{"name": "Alice A", "status": "doing homework", "avatarColor": "#ff0000"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "doing homework" || body["avatarColor"] != "#ff0000" {
		t.Errorf("profile = %v", body)
	}
}

func TestGetUserRoutes(t *testing.T) {
	ts, _, users := newTestServer(t)

	resp, body := doJSON(t, "GET", fmt.Sprintf("%s/api/users/%d", ts.URL, users["Ben"].ID), nil)
	if resp.StatusCode != http.StatusOK || body["name"] != "Ben" {
		t.Errorf("get user: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, "GET", ts.URL+"/api/users/by-username/BEN", nil)
	if resp.StatusCode != http.StatusOK || body["name"] != "Ben" {
		t.Errorf("get by username: status=%d body=%v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, "GET", ts.URL+"/api/users/9999", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing user status = %d, want 404", resp.StatusCode)
	}
}

func TestMessageReviewFlow(t *testing.T) {
	ts, st, users := newTestServer(t)
	ctx := context.Background()

	rels := relationship.NewService(st, nil)
	mod := moderation.NewService(st, filter.New(), rels, nil)
	flagged, err := mod.Submit(ctx, users["Alice"].ID, users["Ben"].ID, "you are dumb")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	resp, reviews := doJSONList(t,
		fmt.Sprintf("%s/api/parent/%d/message-reviews", ts.URL, users["pat"].ID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reviews status = %d", resp.StatusCode)
	}
	if len(reviews) != 1 {
		t.Fatalf("reviews = %d, want 1", len(reviews))
	}
	if reviews[0]["content"] != "you are ****" {
		t.Errorf("review content = %q", reviews[0]["content"])
	}

	resp, body := doJSON(t, "PATCH",
		fmt.Sprintf("%s/api/messages/%d/review", ts.URL, flagged.ID),
		map[string]string{"action": "delete"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("review status = %d", resp.StatusCode)
	}
	if body["isDeleted"] != true || body["isReviewed"] != true {
		t.Errorf("reviewed message = %v", body)
	}

	resp, _ = doJSON(t, "PATCH",
		fmt.Sprintf("%s/api/messages/%d/review", ts.URL, flagged.ID),
		map[string]string{"action": "shred"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad action status = %d, want 400", resp.StatusCode)
	}

	resp, _ = doJSON(t, "PATCH", ts.URL+"/api/messages/9999/review",
		map[string]string{"action": "allow"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing message status = %d, want 404", resp.StatusCode)
	}

	// The tombstone remains in the pair history.
	resp, history := doJSONList(t,
		fmt.Sprintf("%s/api/messages/%d/%d", ts.URL, users["Alice"].ID, users["Ben"].ID))
	if resp.StatusCode != http.StatusOK || len(history) != 1 {
		t.Fatalf("history: status=%d len=%d", resp.StatusCode, len(history))
	}
	if history[0]["isDeleted"] != true {
		t.Error("tombstone missing from history")
	}
}

func TestChildMessagesOwnership(t *testing.T) {
	ts, st, users := newTestServer(t)
	ctx := context.Background()

	rels := relationship.NewService(st, nil)
	mod := moderation.NewService(st, filter.New(), rels, nil)
	if _, err := mod.Submit(ctx, users["Alice"].ID, users["Ben"].ID, "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	resp, msgs := doJSONList(t, fmt.Sprintf("%s/api/parent/%d/child/%d/messages",
		ts.URL, users["pat"].ID, users["Alice"].ID))
	if resp.StatusCode != http.StatusOK || len(msgs) != 1 {
		t.Errorf("own child: status=%d len=%d", resp.StatusCode, len(msgs))
	}

	other, err := st.CreateUser(ctx, store.NewUser{
		Username: "rival", Password: "pw", IsParent: true, Name: "Rival",
	})
	if err != nil {
		t.Fatalf("create other parent: %v", err)
	}
	resp, _ = doJSON(t, "GET", fmt.Sprintf("%s/api/parent/%d/child/%d/messages",
		ts.URL, other.ID, users["Alice"].ID), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign child status = %d, want 403", resp.StatusCode)
	}
}

func TestFriendRequestRoutes(t *testing.T) {
	ts, _, users := newTestServer(t)

	resp, body := doJSON(t, "POST", ts.URL+"/api/friend-requests", map[string]interface{}{
		"requesterId": users["Alice"].ID, "targetId": users["Casey"].ID,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	if body["status"] != "pending" {
		t.Errorf("new request status = %v", body["status"])
	}
	requestID := int64(body["id"].(float64))

	// Duplicate while pending.
	resp, _ = doJSON(t, "POST", ts.URL+"/api/friend-requests", map[string]interface{}{
		"requesterId": users["Casey"].ID, "targetId": users["Alice"].ID,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}

	// Guardians cannot be friended.
	resp, _ = doJSON(t, "POST", ts.URL+"/api/friend-requests", map[string]interface{}{
		"requesterId": users["Alice"].ID, "targetId": users["pat"].ID,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("guardian target status = %d, want 400", resp.StatusCode)
	}

	// Pat sees the pending request with names filled in.
	resp, pending := doJSONList(t,
		fmt.Sprintf("%s/api/parent/%d/friend-requests", ts.URL, users["pat"].ID))
	if resp.StatusCode != http.StatusOK || len(pending) != 1 {
		t.Fatalf("pending: status=%d len=%d", resp.StatusCode, len(pending))
	}
	if pending[0]["requesterName"] != "Alice" || pending[0]["targetName"] != "Casey" {
		t.Errorf("pending names = %v", pending[0])
	}

	resp, body = doJSON(t, "PATCH",
		fmt.Sprintf("%s/api/friend-requests/%d", ts.URL, requestID),
		map[string]string{"status": "approved"})
	if resp.StatusCode != http.StatusOK || body["status"] != "approved" {
		t.Fatalf("resolve: status=%d body=%v", resp.StatusCode, body)
	}

	// Terminal: a second resolve conflicts.
	resp, _ = doJSON(t, "PATCH",
		fmt.Sprintf("%s/api/friend-requests/%d", ts.URL, requestID),
		map[string]string{"status": "rejected"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("re-resolve status = %d, want 409", resp.StatusCode)
	}

	resp, friends := doJSONList(t,
		fmt.Sprintf("%s/api/users/%d/friends", ts.URL, users["Alice"].ID))
	if resp.StatusCode != http.StatusOK || len(friends) != 2 { // Ben + Casey
		t.Errorf("friends: status=%d len=%d, want 2", resp.StatusCode, len(friends))
	}
}

func TestNotificationsRoutes(t *testing.T) {
	ts, st, users := newTestServer(t)
	ctx := context.Background()

	n, err := st.CreateNotification(ctx, users["pat"].ID, "New friend request for Ben from Alice")
	if err != nil {
		t.Fatalf("create notification: %v", err)
	}

	resp, ns := doJSONList(t,
		fmt.Sprintf("%s/api/users/%d/notifications", ts.URL, users["pat"].ID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var found bool
	for _, item := range ns {
		if int64(item["id"].(float64)) == n.ID {
			found = true
			if item["isRead"] != false {
				t.Error("fresh notification marked read")
			}
		}
	}
	if !found {
		t.Fatal("created notification missing from list")
	}

	resp, body := doJSON(t, "PATCH",
		fmt.Sprintf("%s/api/notifications/%d/read", ts.URL, n.ID), nil)
	if resp.StatusCode != http.StatusOK || body["isRead"] != true {
		t.Errorf("mark read: status=%d body=%v", resp.StatusCode, body)
	}
}
