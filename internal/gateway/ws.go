// ABOUTME: WebSocket endpoint: a long-lived socket sink plus inbound chat commands
// ABOUTME: Handles newChat, newMessage and loadChat frames and keeps the connection alive with pings

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/agency-chat/internal/auth"
	"github.com/2389/agency-chat/internal/broadcast"
	"github.com/2389/agency-chat/internal/chat"
	"github.com/2389/agency-chat/internal/dedupe"
)

// Inbound socket command types.
const (
	commandNewChat    = "newChat"
	commandNewMessage = "newMessage"
	commandLoadChat   = "loadChat"
)

// maxCommandBytes caps one inbound frame.
const maxCommandBytes = 64 << 10

// socketCommand is an inbound frame from a socket client.
type socketCommand struct {
	Type            string `json:"type"`
	ConversationID  string `json:"conversationId,omitempty"`
	AgencyID        string `json:"agencyId,omitempty"`
	AgentID         string `json:"agentId,omitempty"`
	Name            string `json:"name,omitempty"`
	Text            string `json:"text,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// socketSession is one connected socket client.
type socketSession struct {
	gw        *Gateway
	conn      *websocket.Conn
	transport *broadcast.SocketTransport
	sink      *broadcast.Sink
	userID    string
	logger    *slog.Logger
}

// handleSocket handles GET /ws.
//
// Query parameters scope what the socket receives:
//
//	conversation_id  follow one conversation instead of every chat of the user
//	agency_id        with conversation_id, also require this agency
//	only_external    "true" to receive only messages crossing the external API
func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	q := r.URL.Query()

	filter := broadcast.Filter{
		UserID:         userID,
		ConversationID: q.Get("conversation_id"),
		AgencyID:       q.Get("agency_id"),
		OnlyExternal:   q.Get("only_external") == "true",
	}
	if filter.ConversationID != "" {
		if _, err := g.chat.Conversation(r.Context(), filter.ConversationID, userID); err != nil {
			g.sendChatError(w, err)
			return
		}
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	transport := broadcast.NewSocketTransport(conn)
	sink, err := g.registry.Register(broadcast.Spec{Kind: broadcast.KindSocket, Filter: filter}, transport)
	if err != nil {
		g.logger.Warn("failed to register socket", "error", err)
		_ = transport.WriteTerminal()
		_ = transport.Close()
		return
	}

	sess := &socketSession{
		gw:        g,
		conn:      conn,
		transport: transport,
		sink:      sink,
		userID:    userID,
		logger:    g.logger.With("sink_id", sink.ID(), "user_id", userID),
	}
	sess.logger.Info("socket connected", "conversation_id", filter.ConversationID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go sink.Serve(ctx)
	go sess.keepAlive(ctx)

	sess.readLoop(ctx)
	g.registry.Unregister(sink.ID())
	sess.logger.Info("socket disconnected")
}

// keepAlive pings the client until the session ends. A failed ping drops
// the sink, which closes the connection and ends the read loop.
func (s *socketSession) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(s.gw.config.Broadcast.SocketPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.sink.Done():
			return
		case <-ticker.C:
			if err := s.transport.Ping(); err != nil {
				s.logger.Debug("ping failed", "error", err)
				s.gw.registry.Unregister(s.sink.ID())
				return
			}
		}
	}
}

// readLoop handles inbound frames until the connection fails or closes.
func (s *socketSession) readLoop(ctx context.Context) {
	pongWait := 2 * s.gw.config.Broadcast.SocketPingInterval
	s.conn.SetReadLimit(maxCommandBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("socket read failed", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd socketCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.sendError("", "invalid command")
			continue
		}
		s.dispatch(ctx, cmd)
	}
}

func (s *socketSession) dispatch(ctx context.Context, cmd socketCommand) {
	switch cmd.Type {
	case commandNewChat:
		s.newChat(ctx, cmd)
	case commandNewMessage:
		s.newMessage(ctx, cmd)
	case commandLoadChat:
		if err := s.gw.chat.LoadChat(ctx, cmd.ConversationID, s.userID, s.sink.ID()); err != nil {
			s.sendChatError(cmd.ConversationID, err)
		}
	default:
		s.sendError(cmd.ConversationID, "unknown command type")
	}
}

func (s *socketSession) newChat(ctx context.Context, cmd socketCommand) {
	if strings.TrimSpace(cmd.AgencyID) == "" {
		s.sendError("", "agencyId is required")
		return
	}
	if _, err := s.gw.chat.NewChat(ctx, chat.NewChatRequest{
		UserID:   s.userID,
		AgencyID: cmd.AgencyID,
		AgentID:  cmd.AgentID,
		Name:     cmd.Name,
	}); err != nil {
		s.sendChatError("", err)
	}
}

// newMessage starts an iteration. Frames re-sent with a clientMessageId
// already seen are ignored.
func (s *socketSession) newMessage(ctx context.Context, cmd socketCommand) {
	if cmd.ConversationID == "" || strings.TrimSpace(cmd.Text) == "" {
		s.sendError(cmd.ConversationID, "conversationId and text are required")
		return
	}

	var key string
	if cmd.ClientMessageID != "" {
		key = dedupe.MessageKey(s.userID, cmd.ConversationID, cmd.ClientMessageID)
		if s.gw.dedupe.Seen(key) {
			s.logger.Debug("ignoring re-sent message",
				"conversation_id", cmd.ConversationID,
				"client_message_id", cmd.ClientMessageID)
			return
		}
	}

	_, err := s.gw.chat.StartChatIteration(ctx, chat.StartRequest{
		ConversationID: cmd.ConversationID,
		UserID:         s.userID,
		Text:           cmd.Text,
	})
	if err != nil {
		// Nothing was recorded, so the client may send the same message again
		if key != "" {
			s.gw.dedupe.Forget(key)
		}
		s.sendChatError(cmd.ConversationID, err)
	}
}

func (s *socketSession) sendChatError(convID string, err error) {
	_, msg := chatErrorStatus(err)
	var concurrent *chat.ConcurrentIterationError
	if !errors.As(err, &concurrent) {
		s.logger.Warn("socket command failed", "conversation_id", convID, "error", err)
	}
	s.sendError(convID, msg)
}

// sendError delivers an error event to this socket only. The event is
// addressed within the sink's own scope so its filter lets it through.
func (s *socketSession) sendError(convID, msg string) {
	f := s.sink.Filter()
	if f.ConversationID != "" {
		convID = f.ConversationID
	}
	err := s.gw.registry.EmitTo(s.sink.ID(), broadcast.Event{
		Type:           broadcast.EventError,
		ConversationID: convID,
		AgencyID:       f.AgencyID,
		UserID:         s.userID,
		Output:         broadcast.ErrorPayload{ConversationID: convID, Message: msg},
	})
	if err != nil {
		s.logger.Debug("could not deliver error to socket", "error", err)
	}
}
