// ABOUTME: HTTP API handlers for conversations, history and live SSE streams
// ABOUTME: POST to a conversation's messages starts a chat iteration and streams it back as SSE

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/agency-chat/internal/auth"
	"github.com/2389/agency-chat/internal/broadcast"
	"github.com/2389/agency-chat/internal/chat"
	"github.com/2389/agency-chat/internal/completion"
	"github.com/2389/agency-chat/internal/store"
)

const (
	// maxBodyBytes caps JSON request bodies.
	maxBodyBytes = 1 << 20

	defaultListLimit = 50
	maxListLimit     = 500
)

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	AgencyID string `json:"agency_id"`
	AgentID  string `json:"agent_id,omitempty"`
	Name     string `json:"name,omitempty"`
}

// ConversationResponse describes one conversation.
type ConversationResponse struct {
	ID        string `json:"id"`
	AgencyID  string `json:"agency_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// MessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type MessagesResponse struct {
	ConversationID string                     `json:"conversation_id"`
	Messages       []broadcast.MessagePayload `json:"messages"`
}

// registerRoutes registers the API routes behind the auth middleware.
func (g *Gateway) registerRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}

	handle("POST /api/conversations", g.handleCreateConversation)
	handle("GET /api/conversations", g.handleListConversations)
	handle("GET /api/conversations/{id}/messages", g.handleListMessages)
	handle("POST /api/conversations/{id}/messages", g.handleSendMessage)
	handle("GET /api/conversations/{id}/events", g.handleEvents)
	handle("GET /ws", g.handleSocket)
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.AgencyID) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agency_id is required")
		return
	}

	conv, err := g.chat.NewChat(r.Context(), chat.NewChatRequest{
		UserID:   auth.UserID(r.Context()),
		AgencyID: req.AgencyID,
		AgentID:  req.AgentID,
		Name:     req.Name,
	})
	if err != nil {
		g.sendChatError(w, err)
		return
	}

	g.sendJSON(w, http.StatusCreated, toConversationResponse(conv))
}

// handleListConversations handles GET /api/conversations?limit=N.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	convs, err := g.chat.Conversations(r.Context(), auth.UserID(r.Context()), limit)
	if err != nil {
		g.sendChatError(w, err)
		return
	}

	resp := ListConversationsResponse{Conversations: make([]ConversationResponse, 0, len(convs))}
	for _, c := range convs {
		resp.Conversations = append(resp.Conversations, toConversationResponse(c))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleListMessages handles GET /api/conversations/{id}/messages?limit=N.
// SYSTEM messages are never returned.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := g.chat.History(r.Context(), convID, auth.UserID(r.Context()), limit)
	if err != nil {
		g.sendChatError(w, err)
		return
	}

	resp := MessagesResponse{
		ConversationID: convID,
		Messages:       make([]broadcast.MessagePayload, 0, len(msgs)),
	}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, broadcast.NewMessagePayload(m))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
//
// The user turn is recorded, an assistant reply starts streaming and the
// response becomes an SSE stream of that conversation's events, ending with
// [DONE] when the iteration stops. Disconnecting does not abort the reply.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	userID := auth.UserID(r.Context())

	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "text is required")
		return
	}

	// Refuse what can be refused while a plain JSON status is still possible
	if _, err := g.chat.Conversation(r.Context(), convID, userID); err != nil {
		g.sendChatError(w, err)
		return
	}
	if g.chat.Active(convID) {
		g.sendChatError(w, &chat.ConcurrentIterationError{ConversationID: convID})
		return
	}

	transport, err := broadcast.NewSSETransport(w)
	if err != nil {
		g.logger.Error("response writer does not support streaming", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Register before starting so the stub's appendMessage reaches this stream
	sink, err := g.registry.Register(broadcast.Spec{
		Kind:   broadcast.KindSSE,
		Filter: broadcast.Filter{ConversationID: convID, UserID: userID},
	}, transport)
	if err != nil {
		g.logger.Warn("failed to register stream", "conversation_id", convID, "error", err)
		_ = transport.WriteTerminal()
		return
	}

	it, err := g.chat.StartChatIteration(r.Context(), chat.StartRequest{
		ConversationID: convID,
		UserID:         userID,
		Text:           req.Text,
		FromAPI:        true,
	})
	if err != nil {
		// Headers are already out; report in-band
		g.logger.Warn("failed to start chat iteration", "conversation_id", convID, "error", err)
		g.writeStreamError(transport, convID, err)
		g.registry.Unregister(sink.ID())
		return
	}

	g.logger.Debug("streaming chat iteration",
		"conversation_id", convID,
		"message_id", it.MessageID(),
		"sink_id", sink.ID())
	sink.Serve(r.Context())
}

// handleEvents handles GET /api/conversations/{id}/events: an SSE
// subscription to one conversation. It ends with [DONE] when an iteration
// stops or after the idle timeout.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	userID := auth.UserID(r.Context())

	if _, err := g.chat.Conversation(r.Context(), convID, userID); err != nil {
		g.sendChatError(w, err)
		return
	}

	transport, err := broadcast.NewSSETransport(w)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sink, err := g.registry.Register(broadcast.Spec{
		Kind:   broadcast.KindSSE,
		Filter: broadcast.Filter{ConversationID: convID, UserID: userID},
	}, transport)
	if err != nil {
		_ = transport.WriteTerminal()
		return
	}

	g.logger.Debug("SSE subscriber connected", "conversation_id", convID, "sink_id", sink.ID())
	sink.Serve(r.Context())
}

// writeStreamError writes an error event and the sentinel straight to an
// SSE stream that has no running writer.
func (g *Gateway) writeStreamError(t broadcast.Transport, convID string, err error) {
	_, msg := chatErrorStatus(err)
	data, encErr := broadcast.Event{
		Type:           broadcast.EventError,
		ConversationID: convID,
		Output:         broadcast.ErrorPayload{ConversationID: convID, Message: msg},
	}.Encode()
	if encErr == nil {
		_ = t.WriteEvent(data)
	}
	_ = t.WriteTerminal()
}

// chatErrorStatus maps service errors to an HTTP status and a message safe
// to show to the caller.
func chatErrorStatus(err error) (int, string) {
	var concurrent *chat.ConcurrentIterationError
	switch {
	case errors.As(err, &concurrent):
		return http.StatusConflict, "a reply is already in progress for this conversation"
	case errors.Is(err, chat.ErrConversationNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, chat.ErrClosed):
		return http.StatusServiceUnavailable, "server is shutting down"
	case errors.Is(err, broadcast.ErrFiltered):
		return http.StatusBadRequest, "conversation is outside this listener's scope"
	case errors.Is(err, store.ErrDuplicateConversation):
		return http.StatusConflict, "conversation already exists"
	case completion.KindOf(err) != completion.KindUnknown:
		return http.StatusBadGateway, completion.UserMessage(err)
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (g *Gateway) sendChatError(w http.ResponseWriter, err error) {
	status, msg := chatErrorStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
	}
	g.sendJSONError(w, status, msg)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// decodeJSON decodes a size-limited JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// parseLimit reads an optional positive limit, capped at maxListLimit.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:        c.ID,
		AgencyID:  c.AgencyID,
		AgentID:   c.AgentID,
		Name:      c.Name,
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
