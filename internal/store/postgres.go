package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Postgres is the production Store backed by PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to PostgreSQL with the given DSN, verifies the
// connection, and applies any pending schema migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Postgres{db: db}, nil
}

// runMigrations applies the embedded migrations in order. Already-applied
// migrations are skipped.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}

const userColumns = "id, username, password, is_parent, parent_id, name, status, avatar_color"

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Password, &u.IsParent, &u.ParentID,
		&u.Name, &u.Status, &u.AvatarColor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	return &u, nil
}

func (p *Postgres) GetUser(ctx context.Context, id int64) (*User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(username) = LOWER($1)`, username)
	return scanUser(row)
}

func (p *Postgres) CreateUser(ctx context.Context, nu NewUser) (*User, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO users (username, password, is_parent, parent_id, name, status, avatar_color)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+userColumns,
		nu.Username, nu.Password, nu.IsParent, nu.ParentID, nu.Name, nu.Status, nu.AvatarColor)
	return scanUser(row)
}

func (p *Postgres) UpdateUserProfile(ctx context.Context, id int64, up ProfileUpdate) (*User, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE users SET name = $2, status = $3, avatar_color = $4
		WHERE id = $1
		RETURNING `+userColumns,
		id, up.Name, up.Status, up.AvatarColor)
	return scanUser(row)
}

func (p *Postgres) ChildrenByParent(ctx context.Context, parentID int64) ([]User, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE parent_id = $1 ORDER BY id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("store: children by parent: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]User, error) {
	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Password, &u.IsParent, &u.ParentID,
			&u.Name, &u.Status, &u.AvatarColor); err != nil {
			return nil, fmt.Errorf("store: scan user row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: user rows: %w", err)
	}
	return out, nil
}

const messageColumns = "id, sender_id, receiver_id, content, timestamp, is_deleted, is_filtered, is_reviewed"

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Timestamp,
		&m.IsDeleted, &m.IsFiltered, &m.IsReviewed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan message: %w", err)
	}
	return &m, nil
}

func (p *Postgres) CreateMessage(ctx context.Context, nm NewMessage) (*Message, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO messages (sender_id, receiver_id, content, is_filtered, is_reviewed)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+messageColumns,
		nm.SenderID, nm.ReceiverID, nm.Content, nm.IsFiltered, nm.IsReviewed)
	return scanMessage(row)
}

func (p *Postgres) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (p *Postgres) UpdateMessageFlags(ctx context.Context, id int64, reviewed, deleted bool) (*Message, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE messages SET is_reviewed = $2, is_deleted = $3
		WHERE id = $1
		RETURNING `+messageColumns,
		id, reviewed, deleted)
	return scanMessage(row)
}

func (p *Postgres) MessagesBetween(ctx context.Context, a, b int64) ([]Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY timestamp ASC, id ASC`, a, b)
	if err != nil {
		return nil, fmt.Errorf("store: messages between: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (p *Postgres) MessagesByChild(ctx context.Context, childID int64) ([]Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY timestamp DESC, id DESC`, childID)
	if err != nil {
		return nil, fmt.Errorf("store: messages by child: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (p *Postgres) PendingMessageReviews(ctx context.Context, parentID int64) ([]Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE NOT m.is_deleted
		  AND (m.is_filtered OR NOT m.is_reviewed)
		  AND EXISTS (
			SELECT 1 FROM users u
			WHERE u.parent_id = $1 AND u.id IN (m.sender_id, m.receiver_id)
		  )
		ORDER BY m.timestamp DESC, m.id DESC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("store: pending message reviews: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Timestamp,
			&m.IsDeleted, &m.IsFiltered, &m.IsReviewed); err != nil {
			return nil, fmt.Errorf("store: scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: message rows: %w", err)
	}
	return out, nil
}

const friendColumns = "id, requester_id, target_id, status, request_time"

func scanFriend(row interface{ Scan(...any) error }) (*Friend, error) {
	var f Friend
	err := row.Scan(&f.ID, &f.RequesterID, &f.TargetID, &f.Status, &f.RequestTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan friend: %w", err)
	}
	return &f, nil
}

func (p *Postgres) CreateFriendRequest(ctx context.Context, requesterID, targetID int64) (*Friend, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO friends (requester_id, target_id, status)
		VALUES ($1, $2, 'pending')
		RETURNING `+friendColumns,
		requesterID, targetID)
	return scanFriend(row)
}

func (p *Postgres) GetFriendRequest(ctx context.Context, id int64) (*Friend, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+friendColumns+` FROM friends WHERE id = $1`, id)
	return scanFriend(row)
}

func (p *Postgres) FriendRequestsByUser(ctx context.Context, userID int64) ([]Friend, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+friendColumns+` FROM friends
		WHERE requester_id = $1 OR target_id = $1
		ORDER BY request_time DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: friend requests by user: %w", err)
	}
	defer rows.Close()
	return collectFriends(rows)
}

func (p *Postgres) PendingFriendRequests(ctx context.Context, parentID int64) ([]Friend, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+friendColumns+` FROM friends f
		WHERE f.status = 'pending'
		  AND EXISTS (
			SELECT 1 FROM users u
			WHERE u.parent_id = $1 AND u.id IN (f.requester_id, f.target_id)
		  )
		ORDER BY f.request_time DESC, f.id DESC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("store: pending friend requests: %w", err)
	}
	defer rows.Close()
	return collectFriends(rows)
}

func (p *Postgres) UpdateFriendRequestStatus(ctx context.Context, id int64, status FriendStatus) (*Friend, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE friends SET status = $2
		WHERE id = $1
		RETURNING `+friendColumns,
		id, string(status))
	return scanFriend(row)
}

func (p *Postgres) FriendsByUser(ctx context.Context, userID int64) ([]User, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE id IN (
			SELECT CASE WHEN f.requester_id = $1 THEN f.target_id ELSE f.requester_id END
			FROM friends f
			WHERE f.status = 'approved'
			  AND (f.requester_id = $1 OR f.target_id = $1)
		)
		ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: friends by user: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

func collectFriends(rows *sql.Rows) ([]Friend, error) {
	var out []Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.ID, &f.RequesterID, &f.TargetID, &f.Status, &f.RequestTime); err != nil {
			return nil, fmt.Errorf("store: scan friend row: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: friend rows: %w", err)
	}
	return out, nil
}

const notificationColumns = "id, user_id, message, is_read, timestamp"

func (p *Postgres) CreateNotification(ctx context.Context, userID int64, message string) (*Notification, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO notifications (user_id, message)
		VALUES ($1, $2)
		RETURNING `+notificationColumns,
		userID, message)
	return scanNotification(row)
}

func (p *Postgres) NotificationsByUser(ctx context.Context, userID int64) ([]Notification, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE user_id = $1
		ORDER BY timestamp DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: notifications by user: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &n.IsRead, &n.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan notification row: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: notification rows: %w", err)
	}
	return out, nil
}

func (p *Postgres) MarkNotificationRead(ctx context.Context, id int64) (*Notification, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE id = $1
		RETURNING `+notificationColumns,
		id)
	return scanNotification(row)
}

func scanNotification(row interface{ Scan(...any) error }) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.UserID, &n.Message, &n.IsRead, &n.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan notification: %w", err)
	}
	return &n, nil
}
