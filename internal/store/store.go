// Package store defines the persistent record boundary for accounts,
// messages, friend relationships, and notifications, along with a
// PostgreSQL-backed implementation and an in-memory implementation used in
// tests and broker-less development setups.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("store: not found")

// FriendStatus is the friend-request lifecycle state. Requests start as
// StatusPending and transition exactly once to StatusApproved or
// StatusRejected.
type FriendStatus string

const (
	StatusPending  FriendStatus = "pending"
	StatusApproved FriendStatus = "approved"
	StatusRejected FriendStatus = "rejected"
)

// User is a guardian or minor account. ParentID is nil for guardians and
// references the owning guardian for minors.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Password    string `json:"-"`
	IsParent    bool   `json:"isParent"`
	ParentID    *int64 `json:"parentId"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	AvatarColor string `json:"avatarColor"`
}

// NewUser is the payload for creating an account.
type NewUser struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	IsParent    bool   `json:"isParent"`
	ParentID    *int64 `json:"parentId"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	AvatarColor string `json:"avatarColor"`
}

// ProfileUpdate carries the mutable profile fields.
type ProfileUpdate struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	AvatarColor string `json:"avatarColor"`
}

// Message is a stored chat message. Deleted messages are tombstones: they
// stay in storage with IsDeleted set and are never physically removed.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"senderId"`
	ReceiverID int64     `json:"receiverId"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsDeleted  bool      `json:"isDeleted"`
	IsFiltered bool      `json:"isFiltered"`
	IsReviewed bool      `json:"isReviewed"`
}

// NewMessage is the payload for persisting a message that already passed
// the content filter. Content holds the redacted text.
type NewMessage struct {
	SenderID   int64
	ReceiverID int64
	Content    string
	IsFiltered bool
	IsReviewed bool
}

// Friend is a friend-relationship record between two minors.
type Friend struct {
	ID          int64        `json:"id"`
	RequesterID int64        `json:"requesterId"`
	TargetID    int64        `json:"targetId"`
	Status      FriendStatus `json:"status"`
	RequestTime time.Time    `json:"requestTime"`
}

// Connects reports whether the relationship links the unordered pair {a, b}.
func (f *Friend) Connects(a, b int64) bool {
	return (f.RequesterID == a && f.TargetID == b) ||
		(f.RequesterID == b && f.TargetID == a)
}

// Involves reports whether userID is either end of the relationship.
func (f *Friend) Involves(userID int64) bool {
	return f.RequesterID == userID || f.TargetID == userID
}

// Notification is a message shown to an account owner, created as a side
// effect of relationship and moderation events.
type Notification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"isRead"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the storage collaborator consumed by the relay core. Each call is
// an external, possibly-slow operation; there are no cross-collection
// transactions.
type Store interface {
	// User operations. Username lookup is case-insensitive.
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	CreateUser(ctx context.Context, u NewUser) (*User, error)
	UpdateUserProfile(ctx context.Context, id int64, p ProfileUpdate) (*User, error)
	ChildrenByParent(ctx context.Context, parentID int64) ([]User, error)

	// Message operations.
	CreateMessage(ctx context.Context, m NewMessage) (*Message, error)
	GetMessage(ctx context.Context, id int64) (*Message, error)
	UpdateMessageFlags(ctx context.Context, id int64, reviewed, deleted bool) (*Message, error)
	// MessagesBetween returns the full history for the unordered pair,
	// oldest first. Tombstones are included.
	MessagesBetween(ctx context.Context, a, b int64) ([]Message, error)
	// MessagesByChild returns every message touching the child, newest first.
	MessagesByChild(ctx context.Context, childID int64) ([]Message, error)
	// PendingMessageReviews returns non-deleted messages touching any of the
	// guardian's minors that are filtered or not yet reviewed, newest first.
	PendingMessageReviews(ctx context.Context, parentID int64) ([]Message, error)

	// Friend operations.
	CreateFriendRequest(ctx context.Context, requesterID, targetID int64) (*Friend, error)
	GetFriendRequest(ctx context.Context, id int64) (*Friend, error)
	FriendRequestsByUser(ctx context.Context, userID int64) ([]Friend, error)
	// PendingFriendRequests returns pending requests involving any of the
	// guardian's minors, newest first.
	PendingFriendRequests(ctx context.Context, parentID int64) ([]Friend, error)
	UpdateFriendRequestStatus(ctx context.Context, id int64, status FriendStatus) (*Friend, error)
	// FriendsByUser resolves every approved relationship of the user to the
	// full account record on the other end.
	FriendsByUser(ctx context.Context, userID int64) ([]User, error)

	// Notification operations.
	CreateNotification(ctx context.Context, userID int64, message string) (*Notification, error)
	NotificationsByUser(ctx context.Context, userID int64) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id int64) (*Notification, error)
}
