// Package store defines the data-access collaborator for the chat relay:
// users, chats, memberships, and messages. The routing layer only depends
// on the Store interface; Memory is the single-instance implementation.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Chat types.
const (
	ChatDirect = "direct"
	ChatGroup  = "group"
)

// Member roles.
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

var (
	// ErrNotFound indicates a lookup miss for a user, chat, or message.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness violation (username or email
	// already registered).
	ErrConflict = errors.New("already exists")
)

// ValidationError reports invalid input to a data operation. It is
// replied to the client in-band and never terminates a connection.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Validation builds a ValidationError with a formatted reason.
func Validation(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// User is the public profile shape sent over the wire.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Status      string `json:"status"`
}

// Account is a User plus the private fields the auth gateway needs.
// It never crosses the wire.
type Account struct {
	User
	Email        string
	PasswordHash string
}

// Chat carries its ordered member list and, when any message exists,
// the single most recent one. For direct chats Title is computed per
// viewer by the read path, not stored.
type Chat struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Members     []User   `json:"members"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}

// Message is a persisted chat message. CreatedAt is unix milliseconds
// and is monotonic non-decreasing per store instance.
type Message struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

// Store is the persistence collaborator consumed by the routing layer.
// Implementations must be safe for concurrent use; blocking calls take
// a context so a closing connection can abandon them.
type Store interface {
	// CreateAccount persists a new account. Fails with ErrConflict if
	// the username or email is taken.
	CreateAccount(ctx context.Context, acct Account) (User, error)

	// AccountByLogin resolves a username or email to the full account.
	// Fails with ErrNotFound when no account matches.
	AccountByLogin(ctx context.Context, usernameOrEmail string) (Account, error)

	// UserByID returns the public profile for an id.
	UserByID(ctx context.Context, id string) (User, error)

	// ListUsers returns all known profiles, most recently created first.
	ListUsers(ctx context.Context) ([]User, error)

	// UpdateUserStatus persists a presence status for a user.
	UpdateUserStatus(ctx context.Context, id, status string) error

	// ListChatsForUser returns the chats the user belongs to, newest
	// first, each with members and last message attached and direct
	// titles computed from the viewer's perspective.
	ListChatsForUser(ctx context.Context, userID string) ([]Chat, error)

	// MembersForChat returns a chat's members in join order.
	MembersForChat(ctx context.Context, chatID string) ([]User, error)

	// ListMessages returns up to min(max(limit,1),500) of the most
	// recent messages for a chat, in ascending chronological order.
	ListMessages(ctx context.Context, chatID string, limit int) ([]Message, error)

	// CreateDirectChat creates (or returns the existing) two-member
	// chat for the unordered pair. Fails with a ValidationError if the
	// target is blank, equals the caller, or does not exist.
	CreateDirectChat(ctx context.Context, fromID, toID string) (Chat, error)

	// CreateGroup creates a group chat owned by ownerID. Fails with a
	// ValidationError if the title is blank after trimming. Duplicate
	// and unknown member ids are silently ignored.
	CreateGroup(ctx context.Context, ownerID, title, description string, memberIDs []string) (Chat, error)

	// InviteToGroup idempotently adds members to a chat and returns
	// the refreshed chat.
	InviteToGroup(ctx context.Context, chatID string, userIDs []string) (Chat, error)

	// CreateMessage persists a message with a generated id and a
	// monotonic timestamp.
	CreateMessage(ctx context.Context, chatID, senderID, kind, content string) (Message, error)

	// ChatByID returns a chat with members and last message attached.
	ChatByID(ctx context.Context, id string) (Chat, error)

	// MessageByID returns a single message.
	MessageByID(ctx context.Context, id string) (Message, error)
}
