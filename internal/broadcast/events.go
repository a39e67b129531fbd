// ABOUTME: Broadcast event types and their JSON wire payloads
// ABOUTME: Events are encoded once per emit as {"type": ..., "output": ...}

package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/agency-chat/internal/store"
)

// EventType names a broadcast event on the wire.
type EventType string

// Event types
const (
	EventAppendMessage EventType = "appendMessage"
	EventUpdateMessage EventType = "updateMessage"
	EventUpdateName    EventType = "updateName"
	EventNewChat       EventType = "newChat"
	EventLoadChat      EventType = "loadChat"
	EventError         EventType = "error"
)

// Event is one unit of fan-out.
//
// ConversationID, AgencyID and UserID are routing keys matched against sink
// filters. Message, when set, is the record the event is about and drives
// role and visibility filtering. Output is the JSON payload sent to sinks.
type Event struct {
	Type           EventType
	ConversationID string
	AgencyID       string
	UserID         string
	Message        *store.Message
	Output         any
}

type wireEvent struct {
	Type   EventType `json:"type"`
	Output any       `json:"output"`
}

// Encode renders the event in its wire form.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(wireEvent{Type: e.Type, Output: e.Output})
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", e.Type, err)
	}
	return data, nil
}

// queued wraps encoded data for a sink queue. Message updates coalesce per
// message ID.
func (e Event) queued(data []byte) queued {
	item := queued{data: data}
	if e.Type == EventUpdateMessage && e.Message != nil {
		item.coalesce = true
		item.messageID = e.Message.ID
	}
	return item
}

// MessagePayload is the wire form of a message for appendMessage,
// updateMessage and loadChat.
type MessagePayload struct {
	MessageID       int64      `json:"messageId"`
	ConversationID  string     `json:"conversationId"`
	AgencyID        string     `json:"agencyId"`
	Role            store.Role `json:"role"`
	LinkedMessageID *int64     `json:"linkedMessageId,omitempty"`
	Text            string     `json:"text"`
	Completed       bool       `json:"completed"`
	FromAPI         bool       `json:"fromApi"`
	ToAPI           bool       `json:"toApi"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// NewMessagePayload copies the visible fields of m.
func NewMessagePayload(m *store.Message) MessagePayload {
	return MessagePayload{
		MessageID:       m.ID,
		ConversationID:  m.ConversationID,
		AgencyID:        m.AgencyID,
		Role:            m.Role,
		LinkedMessageID: m.LinkedMessageID,
		Text:            m.Text,
		Completed:       m.Completed,
		FromAPI:         m.FromAPI,
		ToAPI:           m.ToAPI,
		CreatedAt:       m.CreatedAt,
	}
}

// ErrorPayload tells listeners an iteration failed.
type ErrorPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      int64  `json:"messageId,omitempty"`
	Message        string `json:"message"`
}

// NamePayload announces a conversation rename.
type NamePayload struct {
	ConversationID string `json:"conversationId"`
	Name           string `json:"name"`
}

// ChatPayload announces a new conversation.
type ChatPayload struct {
	ConversationID string    `json:"conversationId"`
	AgencyID       string    `json:"agencyId"`
	AgentID        string    `json:"agentId,omitempty"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"createdAt"`
}

// HistoryPayload replays a conversation to one sink.
type HistoryPayload struct {
	ConversationID string           `json:"conversationId"`
	Messages       []MessagePayload `json:"messages"`
}

// carriesSystemMessage reports whether the event would put a SYSTEM-role
// message on the wire.
func (e Event) carriesSystemMessage() bool {
	if e.Message != nil && e.Message.Role == store.RoleSystem {
		return true
	}
	switch out := e.Output.(type) {
	case MessagePayload:
		return out.Role == store.RoleSystem
	case *MessagePayload:
		return out != nil && out.Role == store.RoleSystem
	case HistoryPayload:
		return historyHasSystem(out.Messages)
	case *HistoryPayload:
		return out != nil && historyHasSystem(out.Messages)
	}
	return false
}

func historyHasSystem(msgs []MessagePayload) bool {
	for _, m := range msgs {
		if m.Role == store.RoleSystem {
			return true
		}
	}
	return false
}
