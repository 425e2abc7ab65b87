// Package store provides SQLite-backed persistence for contact/group
// permissions and conversations. Each operation touches a single record;
// the core needs no multi-record transactions.
package store

import (
	"context"
	"time"
)

// ContactPermission authorizes a contact, keyed by phone number digits.
// A contact without a record is invisible to the reply pipeline.
type ContactPermission struct {
	PhoneNumber      string    `json:"phone_number"`
	DisplayName      string    `json:"display_name"`
	CanRead          bool      `json:"can_read"`
	CanReply         bool      `json:"can_reply"`
	ChatInstructions string    `json:"chat_instructions,omitempty"`
	ConversationID   string    `json:"conversation_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// GroupPermission is the group-chat counterpart, keyed by group id.
type GroupPermission struct {
	GroupID          string    `json:"group_id"`
	GroupName        string    `json:"group_name"`
	CanRead          bool      `json:"can_read"`
	CanReply         bool      `json:"can_reply"`
	ChatInstructions string    `json:"chat_instructions,omitempty"`
	ConversationID   string    `json:"conversation_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Conversation is a durable chat thread bound to a permission record.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// PermissionStore persists contact and group permissions.
// Lookups return (nil, nil) when no record exists.
type PermissionStore interface {
	GetContact(ctx context.Context, phoneDigits string) (*ContactPermission, error)
	UpsertContact(ctx context.Context, p *ContactPermission) error
	DeleteContact(ctx context.Context, phoneDigits string) error
	ListContacts(ctx context.Context) ([]ContactPermission, error)
	BindContactConversation(ctx context.Context, phoneDigits, conversationID string) error

	GetGroup(ctx context.Context, groupID string) (*GroupPermission, error)
	UpsertGroup(ctx context.Context, p *GroupPermission) error
	DeleteGroup(ctx context.Context, groupID string) error
	ListGroups(ctx context.Context) ([]GroupPermission, error)
	BindGroupConversation(ctx context.Context, groupID, conversationID string) error
}

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// AppendMessage inserts a message and returns its id.
	AppendMessage(ctx context.Context, conversationID, role, content string) (int64, error)

	// UpdateMessageContent finalizes a placeholder message.
	UpdateMessageContent(ctx context.Context, messageID int64, content string) error

	// DeleteMessage removes a message (e.g. an empty placeholder).
	DeleteMessage(ctx context.Context, messageID int64) error

	// RecentMessages returns up to limit messages of a conversation in
	// chronological order, excluding ids at or past beforeID when
	// beforeID > 0.
	RecentMessages(ctx context.Context, conversationID string, limit int, beforeID int64) ([]Message, error)
}
