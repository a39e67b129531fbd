// ABOUTME: Chat service: starts iterations, creates conversations and replays history
// ABOUTME: Enforces one in-flight assistant reply per conversation

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/agency-chat/internal/broadcast"
	"github.com/2389/agency-chat/internal/completion"
	"github.com/2389/agency-chat/internal/store"
)

const (
	// DefaultStreamTimeout is the longest gap allowed between deltas.
	DefaultStreamTimeout = 30 * time.Second

	// persistTimeout bounds each store write made on behalf of an iteration.
	persistTimeout = 5 * time.Second

	// maxNameRunes caps conversation names derived from the first message.
	maxNameRunes = 60

	defaultHistoryLimit = 100
)

var (
	// ErrConversationNotFound is returned for unknown conversation IDs.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrForbidden is returned when a user addresses someone else's conversation.
	ErrForbidden = errors.New("conversation belongs to another user")

	// ErrClosed is returned once the service is shutting down.
	ErrClosed = errors.New("chat service closed")
)

// ConcurrentIterationError is returned when a conversation already has an
// assistant reply in flight.
type ConcurrentIterationError struct {
	ConversationID string
}

func (e *ConcurrentIterationError) Error() string {
	return fmt.Sprintf("conversation %s already has a reply in progress", e.ConversationID)
}

// Streamer produces completion deltas.
type Streamer interface {
	Stream(ctx context.Context, req completion.Request) <-chan completion.StreamEvent
}

// Emitter delivers events to listeners.
type Emitter interface {
	Emit(ev broadcast.Event)
	EmitTo(sinkID string, ev broadcast.Event) error
	StoppedIterating(conversationID string)
}

// Config holds chat service settings. Zero values select defaults.
type Config struct {
	StreamTimeout      time.Duration
	SystemPrompt       string
	ContextTokenBudget int
	ContextMaxMessages int
	HistoryLimit       int
}

// Service orchestrates chat iterations.
type Service struct {
	cfg      Config
	store    store.Store
	streamer Streamer
	emitter  Emitter
	counter  TokenCounter
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*Iteration // conversationID -> in-flight iteration
	closed bool
}

// Option configures a Service.
type Option func(*Service)

// WithTokenCounter replaces the tiktoken-based counter.
func WithTokenCounter(c TokenCounter) Option {
	return func(s *Service) {
		s.counter = c
	}
}

// New creates a chat service. Pass nil logger for default.
func New(cfg Config, st store.Store, streamer Streamer, emitter Emitter, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = DefaultStreamTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		store:    st,
		streamer: streamer,
		emitter:  emitter,
		logger:   logger.With("component", "chat"),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*Iteration),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.counter == nil {
		s.counter = NewTiktokenCounter("", logger)
	}
	return s
}

// StartRequest asks for one assistant reply.
type StartRequest struct {
	ConversationID string
	// UserID, when set, must own the conversation.
	UserID string
	// Text is the user's new turn. Empty means reply to the existing history.
	Text string
	// FromAPI marks the user turn as arriving through the external API; the
	// reply is then addressed back to it.
	FromAPI bool
}

// StartChatIteration records the user's turn, inserts the assistant stub and
// starts streaming the reply in the background.
//
// It returns a *ConcurrentIterationError if the conversation already has a
// reply in flight. The iteration does not depend on ctx after this call
// returns: listeners disconnecting never abort a healthy reply.
func (s *Service) StartChatIteration(ctx context.Context, req StartRequest) (*Iteration, error) {
	conv, err := s.Conversation(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return nil, err
	}

	it := newIteration(conv)
	if err := s.reserve(it); err != nil {
		return nil, err
	}

	if err := s.prepare(ctx, it, req); err != nil {
		s.release(it)
		it.finish(StateFailed, err)
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(it)
	}()

	return it, nil
}

// reserve claims the conversation for it.
func (s *Service) reserve(it *Iteration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, busy := s.active[it.conv.ID]; busy {
		return &ConcurrentIterationError{ConversationID: it.conv.ID}
	}
	s.active[it.conv.ID] = it
	return nil
}

func (s *Service) release(it *Iteration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active[it.conv.ID] == it {
		delete(s.active, it.conv.ID)
	}
}

// Active reports whether the conversation has a reply in flight.
func (s *Service) Active(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[conversationID]
	return ok
}

// prepare records the user turn (record first, then act), assembles the
// prompt and inserts the assistant stub.
func (s *Service) prepare(ctx context.Context, it *Iteration, req StartRequest) error {
	conv := it.conv

	if req.Text != "" {
		userMsg := &store.Message{
			ConversationID: conv.ID,
			AgencyID:       conv.AgencyID,
			Role:           store.RoleUser,
			Text:           req.Text,
			Completed:      true,
			FromAPI:        req.FromAPI,
		}
		if err := s.store.InsertMessage(ctx, userMsg); err != nil {
			return fmt.Errorf("recording user message: %w", err)
		}
		it.userMsg = userMsg
		s.emitMessage(broadcast.EventAppendMessage, conv, userMsg)

		s.logger.Debug("user message recorded",
			"conversation_id", conv.ID,
			"message_id", userMsg.ID)
	}

	history, err := s.store.ListMessages(ctx, conv.ID, s.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	it.prompt = BuildContext(s.cfg.SystemPrompt, history, ContextLimits{
		TokenBudget: s.cfg.ContextTokenBudget,
		MaxMessages: s.cfg.ContextMaxMessages,
	}, s.counter)

	stub := &store.Message{
		ConversationID: conv.ID,
		AgencyID:       conv.AgencyID,
		Role:           store.RoleAssistant,
		ToAPI:          req.FromAPI,
	}
	if it.userMsg != nil {
		id := it.userMsg.ID
		stub.LinkedMessageID = &id
	}
	if err := s.store.InsertMessage(ctx, stub); err != nil {
		return fmt.Errorf("inserting reply stub: %w", err)
	}
	it.setReply(stub)
	s.emitMessage(broadcast.EventAppendMessage, conv, stub)

	s.logger.Info("chat iteration started",
		"conversation_id", conv.ID,
		"message_id", stub.ID,
		"prompt_messages", len(it.prompt))
	return nil
}

// Conversation loads a conversation and checks that userID, when set, owns it.
func (s *Service) Conversation(ctx context.Context, id, userID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if userID != "" && conv.UserID != userID {
		return nil, ErrForbidden
	}
	return conv, nil
}

// Conversations lists a user's conversations, most recently active first.
func (s *Service) Conversations(ctx context.Context, userID string, limit int) ([]*store.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return convs, nil
}

// NewChatRequest describes a conversation to create.
type NewChatRequest struct {
	UserID   string
	AgencyID string
	AgentID  string
	Name     string
}

// NewChat creates a conversation and announces it with a newChat event.
func (s *Service) NewChat(ctx context.Context, req NewChatRequest) (*store.Conversation, error) {
	if req.AgencyID == "" {
		return nil, errors.New("agency_id is required")
	}
	if req.UserID == "" {
		return nil, errors.New("user_id is required")
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		AgencyID:  req.AgencyID,
		AgentID:   req.AgentID,
		UserID:    req.UserID,
		Name:      req.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.emitter.Emit(broadcast.Event{
		Type:           broadcast.EventNewChat,
		ConversationID: conv.ID,
		AgencyID:       conv.AgencyID,
		UserID:         conv.UserID,
		Output: broadcast.ChatPayload{
			ConversationID: conv.ID,
			AgencyID:       conv.AgencyID,
			AgentID:        conv.AgentID,
			Name:           conv.Name,
			CreatedAt:      conv.CreatedAt,
		},
	})

	s.logger.Info("conversation created", "conversation_id", conv.ID, "agency_id", conv.AgencyID)
	return conv, nil
}

// History returns the most recent messages of a conversation, SYSTEM
// messages excluded.
func (s *Service) History(ctx context.Context, conversationID, userID string, limit int) ([]*store.Message, error) {
	if _, err := s.Conversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	visible := msgs[:0]
	for _, m := range msgs {
		if m.Role != store.RoleSystem {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

// LoadChat replays a conversation's history to one sink as a loadChat event.
func (s *Service) LoadChat(ctx context.Context, conversationID, userID, sinkID string) error {
	conv, err := s.Conversation(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	msgs, err := s.History(ctx, conversationID, userID, 0)
	if err != nil {
		return err
	}

	payload := broadcast.HistoryPayload{
		ConversationID: conv.ID,
		Messages:       make([]broadcast.MessagePayload, 0, len(msgs)),
	}
	for _, m := range msgs {
		payload.Messages = append(payload.Messages, broadcast.NewMessagePayload(m))
	}

	return s.emitter.EmitTo(sinkID, broadcast.Event{
		Type:           broadcast.EventLoadChat,
		ConversationID: conv.ID,
		AgencyID:       conv.AgencyID,
		UserID:         conv.UserID,
		Output:         payload,
	})
}

// Close cancels in-flight iterations and waits for them to wind down.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Service) emitMessage(typ broadcast.EventType, conv *store.Conversation, m *store.Message) {
	s.emitter.Emit(broadcast.Event{
		Type:           typ,
		ConversationID: conv.ID,
		AgencyID:       conv.AgencyID,
		UserID:         conv.UserID,
		Message:        m,
		Output:         broadcast.NewMessagePayload(m),
	})
}

// nameFromText derives a short conversation name from a user message.
func nameFromText(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	line = strings.Join(strings.Fields(line), " ")
	if utf8.RuneCountInString(line) <= maxNameRunes {
		return line
	}
	runes := []rune(line)
	cut := string(runes[:maxNameRunes])
	if i := strings.LastIndexByte(cut, ' '); i > maxNameRunes/2 {
		cut = cut[:i]
	}
	return cut + "..."
}
