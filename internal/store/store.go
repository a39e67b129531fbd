// ABOUTME: Store interface and data types for agency-chat persistence
// ABOUTME: Defines Conversation and Message records and the Store operations the chat loop relies on

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation ID is reused
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrMessageCompleted is returned when mutating a message that has already
// been finalized. Completed messages are immutable.
var ErrMessageCompleted = errors.New("message already completed")

// Role identifies who authored a message.
type Role string

// Message roles
const (
	RoleSystem    Role = "SYSTEM"
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Conversation is a chat between one user and one agency agent.
type Conversation struct {
	ID        string
	AgencyID  string
	AgentID   string
	UserID    string
	Name      string // empty until the first exchange names it
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one turn in a conversation.
//
// ID is assigned by the store on insert and increases monotonically.
// Text may change only while Completed is false; Completed flips once.
type Message struct {
	ID              int64
	ConversationID  string
	AgencyID        string
	Role            Role
	LinkedMessageID *int64 // the user message an assistant reply answers
	Text            string
	Completed       bool
	FromAPI         bool // arrived through the external API
	ToAPI           bool // destined for an external API caller
	CreatedAt       time.Time
}

// External reports whether the message crosses the external API boundary.
func (m *Message) External() bool {
	return m.FromAPI || m.ToAPI
}

// Store defines the persistence operations used by the chat service.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error)
	RenameConversation(ctx context.Context, id, name string) error

	// Messages
	InsertMessage(ctx context.Context, msg *Message) error
	UpdateMessageText(ctx context.Context, id int64, text string) error
	FinalizeMessage(ctx context.Context, id int64, text string) error
	GetMessage(ctx context.Context, id int64) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	Close() error
}
