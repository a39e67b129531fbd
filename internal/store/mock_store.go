// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[int64]*Message
	nextID        int64

	// Fail hooks let tests inject persistence errors.
	FailUpdate   error
	FailFinalize error
	FailInsert   error

	finalizeCalls map[int64]int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[int64]*Message),
		finalizeCalls: make(map[int64]int),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conv.ID]; ok {
		return ErrDuplicateConversation
	}
	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (m *MockStore) ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, c := range m.conversations {
		if c.UserID != userID {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// RenameConversation sets the display name of a conversation.
func (m *MockStore) RenameConversation(ctx context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Name = name
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// InsertMessage stores a message and assigns the next ID.
func (m *MockStore) InsertMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailInsert != nil {
		return m.FailInsert
	}
	if !msg.Role.Valid() {
		return fmt.Errorf("invalid role %q", msg.Role)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	m.nextID++
	msg.ID = m.nextID
	cp := copyMessage(msg)
	m.messages[cp.ID] = cp

	if c, ok := m.conversations[msg.ConversationID]; ok {
		c.UpdatedAt = msg.CreatedAt
	}
	return nil
}

// UpdateMessageText replaces the text of an in-progress message.
func (m *MockStore) UpdateMessageText(ctx context.Context, id int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailUpdate != nil {
		return m.FailUpdate
	}
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.Completed {
		return ErrMessageCompleted
	}
	msg.Text = text
	return nil
}

// FinalizeMessage writes the final text and marks the message completed.
func (m *MockStore) FinalizeMessage(ctx context.Context, id int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.finalizeCalls[id]++
	if m.FailFinalize != nil {
		return m.FailFinalize
	}
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.Completed {
		return ErrMessageCompleted
	}
	msg.Text = text
	msg.Completed = true
	return nil
}

// FinalizeCalls reports how many times FinalizeMessage was invoked for id.
func (m *MockStore) FinalizeCalls(id int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.finalizeCalls[id]
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

// ListMessages returns the newest messages of a conversation in chronological order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			result = append(result, copyMessage(msg))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

func copyMessage(msg *Message) *Message {
	cp := *msg
	if msg.LinkedMessageID != nil {
		v := *msg.LinkedMessageID
		cp.LinkedMessageID = &v
	}
	return &cp
}

// Ensure implementations satisfy the interface
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
