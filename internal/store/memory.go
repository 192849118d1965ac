package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-memory Store. It backs the test suite and
// serves as a fallback when no DATABASE_URL is configured. Data does not
// survive a restart.
type Memory struct {
	mu sync.RWMutex

	users         map[int64]*User
	messages      map[int64]*Message
	friends       map[int64]*Friend
	notifications map[int64]*Notification

	nextUserID         int64
	nextMessageID      int64
	nextFriendID       int64
	nextNotificationID int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:              make(map[int64]*User),
		messages:           make(map[int64]*Message),
		friends:            make(map[int64]*Friend),
		notifications:      make(map[int64]*Notification),
		nextUserID:         1,
		nextMessageID:      1,
		nextFriendID:       1,
		nextNotificationID: 1,
	}
}

func (m *Memory) GetUser(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Username, username) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateUser(_ context.Context, nu NewUser) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := &User{
		ID:          m.nextUserID,
		Username:    nu.Username,
		Password:    nu.Password,
		IsParent:    nu.IsParent,
		ParentID:    nu.ParentID,
		Name:        nu.Name,
		Status:      nu.Status,
		AvatarColor: nu.AvatarColor,
	}
	m.nextUserID++
	m.users[u.ID] = u

	cp := *u
	return &cp, nil
}

func (m *Memory) UpdateUserProfile(_ context.Context, id int64, p ProfileUpdate) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u.Name = p.Name
	u.Status = p.Status
	u.AvatarColor = p.AvatarColor

	cp := *u
	return &cp, nil
}

func (m *Memory) ChildrenByParent(_ context.Context, parentID int64) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []User
	for _, u := range m.users {
		if u.ParentID != nil && *u.ParentID == parentID {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateMessage(_ context.Context, nm NewMessage) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := &Message{
		ID:         m.nextMessageID,
		SenderID:   nm.SenderID,
		ReceiverID: nm.ReceiverID,
		Content:    nm.Content,
		Timestamp:  time.Now().UTC(),
		IsDeleted:  false,
		IsFiltered: nm.IsFiltered,
		IsReviewed: nm.IsReviewed,
	}
	m.nextMessageID++
	m.messages[msg.ID] = msg

	cp := *msg
	return &cp, nil
}

func (m *Memory) GetMessage(_ context.Context, id int64) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *Memory) UpdateMessageFlags(_ context.Context, id int64, reviewed, deleted bool) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	msg.IsReviewed = reviewed
	msg.IsDeleted = deleted

	cp := *msg
	return &cp, nil
}

func (m *Memory) MessagesBetween(_ context.Context, a, b int64) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Message
	for _, msg := range m.messages {
		if (msg.SenderID == a && msg.ReceiverID == b) ||
			(msg.SenderID == b && msg.ReceiverID == a) {
			out = append(out, *msg)
		}
	}
	sortMessages(out, true)
	return out, nil
}

func (m *Memory) MessagesByChild(_ context.Context, childID int64) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Message
	for _, msg := range m.messages {
		if msg.SenderID == childID || msg.ReceiverID == childID {
			out = append(out, *msg)
		}
	}
	sortMessages(out, false)
	return out, nil
}

func (m *Memory) PendingMessageReviews(_ context.Context, parentID int64) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	children := make(map[int64]bool)
	for _, u := range m.users {
		if u.ParentID != nil && *u.ParentID == parentID {
			children[u.ID] = true
		}
	}

	var out []Message
	for _, msg := range m.messages {
		if msg.IsDeleted {
			continue
		}
		if !children[msg.SenderID] && !children[msg.ReceiverID] {
			continue
		}
		if msg.IsFiltered || !msg.IsReviewed {
			out = append(out, *msg)
		}
	}
	sortMessages(out, false)
	return out, nil
}

func (m *Memory) CreateFriendRequest(_ context.Context, requesterID, targetID int64) (*Friend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := &Friend{
		ID:          m.nextFriendID,
		RequesterID: requesterID,
		TargetID:    targetID,
		Status:      StatusPending,
		RequestTime: time.Now().UTC(),
	}
	m.nextFriendID++
	m.friends[f.ID] = f

	cp := *f
	return &cp, nil
}

func (m *Memory) GetFriendRequest(_ context.Context, id int64) (*Friend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.friends[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *Memory) FriendRequestsByUser(_ context.Context, userID int64) ([]Friend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Friend
	for _, f := range m.friends {
		if f.Involves(userID) {
			out = append(out, *f)
		}
	}
	sortFriends(out)
	return out, nil
}

func (m *Memory) PendingFriendRequests(_ context.Context, parentID int64) ([]Friend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	children := make(map[int64]bool)
	for _, u := range m.users {
		if u.ParentID != nil && *u.ParentID == parentID {
			children[u.ID] = true
		}
	}

	var out []Friend
	for _, f := range m.friends {
		if f.Status != StatusPending {
			continue
		}
		if children[f.RequesterID] || children[f.TargetID] {
			out = append(out, *f)
		}
	}
	sortFriends(out)
	return out, nil
}

func (m *Memory) UpdateFriendRequestStatus(_ context.Context, id int64, status FriendStatus) (*Friend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.friends[id]
	if !ok {
		return nil, ErrNotFound
	}
	f.Status = status

	cp := *f
	return &cp, nil
}

func (m *Memory) FriendsByUser(_ context.Context, userID int64) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []User
	for _, f := range m.friends {
		if f.Status != StatusApproved || !f.Involves(userID) {
			continue
		}
		otherID := f.RequesterID
		if otherID == userID {
			otherID = f.TargetID
		}
		if u, ok := m.users[otherID]; ok {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateNotification(_ context.Context, userID int64, message string) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := &Notification{
		ID:        m.nextNotificationID,
		UserID:    userID,
		Message:   message,
		IsRead:    false,
		Timestamp: time.Now().UTC(),
	}
	m.nextNotificationID++
	m.notifications[n.ID] = n

	cp := *n
	return &cp, nil
}

func (m *Memory) NotificationsByUser(_ context.Context, userID int64) ([]Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Notification
	for _, n := range m.notifications {
		if n.UserID == userID {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

func (m *Memory) MarkNotificationRead(_ context.Context, id int64) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	n.IsRead = true

	cp := *n
	return &cp, nil
}

// sortMessages orders by timestamp, breaking ties by id so that messages
// created within the same clock tick keep insertion order.
func sortMessages(msgs []Message, ascending bool) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			if ascending {
				return msgs[i].ID < msgs[j].ID
			}
			return msgs[i].ID > msgs[j].ID
		}
		if ascending {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].Timestamp.After(msgs[j].Timestamp)
	})
}

// sortFriends orders newest request first.
func sortFriends(fs []Friend) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].RequestTime.Equal(fs[j].RequestTime) {
			return fs[i].ID > fs[j].ID
		}
		return fs[i].RequestTime.After(fs[j].RequestTime)
	})
}
