// ABOUTME: Chat iteration state machine from assistant stub to finalized or failed reply
// ABOUTME: Accumulates deltas, persists and broadcasts progress, and aborts on inactivity

package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/agency-chat/internal/broadcast"
	"github.com/2389/agency-chat/internal/completion"
	"github.com/2389/agency-chat/internal/store"
)

// State is the lifecycle position of an iteration.
type State int

// Iteration states. Created → Streaming → Completing → Finalized, or
// Created/Streaming → Failed.
const (
	StateCreated State = iota
	StateStreaming
	StateCompleting
	StateFinalized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStreaming:
		return "streaming"
	case StateCompleting:
		return "completing"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateFailed
}

// Iteration is one assistant reply being produced.
type Iteration struct {
	conv    *store.Conversation
	userMsg *store.Message
	prompt  []completion.Message

	mu    sync.Mutex
	reply *store.Message
	state State
	err   error
	done  chan struct{}
}

func newIteration(conv *store.Conversation) *Iteration {
	return &Iteration{
		conv:  conv,
		state: StateCreated,
		done:  make(chan struct{}),
	}
}

// ConversationID returns the conversation being answered.
func (it *Iteration) ConversationID() string {
	return it.conv.ID
}

// MessageID returns the ID of the assistant message, or zero before the
// stub is stored.
func (it *Iteration) MessageID() int64 {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.reply == nil {
		return 0
	}
	return it.reply.ID
}

// State returns the current state.
func (it *Iteration) State() State {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.state
}

// Err returns the failure cause once the iteration has failed.
func (it *Iteration) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

// Done is closed once the iteration reaches a terminal state and listeners
// have been told.
func (it *Iteration) Done() <-chan struct{} {
	return it.done
}

// Wait blocks until the iteration ends or ctx is cancelled and returns the
// iteration's failure, if any.
func (it *Iteration) Wait(ctx context.Context) error {
	select {
	case <-it.done:
		return it.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (it *Iteration) setReply(m *store.Message) {
	it.mu.Lock()
	it.reply = m
	it.mu.Unlock()
}

func (it *Iteration) setState(s State) {
	it.mu.Lock()
	it.state = s
	it.mu.Unlock()
}

// finish records the terminal state and wakes waiters.
func (it *Iteration) finish(s State, err error) {
	it.mu.Lock()
	it.state = s
	it.err = err
	it.mu.Unlock()
	close(it.done)
}

// snapshot returns a copy of the reply with the given text and completion.
func (it *Iteration) snapshot(text string, completed bool) *store.Message {
	it.mu.Lock()
	defer it.mu.Unlock()
	m := *it.reply
	m.Text = text
	m.Completed = completed
	return &m
}

// run drives the iteration from Streaming to a terminal state. It owns the
// accumulator and the inactivity timer.
func (s *Service) run(it *Iteration) {
	logger := s.logger.With("conversation_id", it.conv.ID, "message_id", it.MessageID())

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	events := s.streamer.Stream(ctx, completion.Request{Messages: it.prompt})
	it.setState(StateStreaming)

	timer := time.NewTimer(s.cfg.StreamTimeout)
	defer timer.Stop()

	var text strings.Builder
	lastEmitted := ""
	deltas := 0

	state, err := func() (State, error) {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					if s.ctx.Err() != nil {
						return StateFailed, ErrClosed
					}
					return StateFailed, errors.New("completion stream closed without finishing")
				}
				if ev.Err != nil {
					return StateFailed, ev.Err
				}

				timer.Reset(s.cfg.StreamTimeout)
				deltas++
				text.WriteString(ev.Delta.Text)

				if ev.Delta.Terminal() {
					cancel()
					go s.drain(events, logger)
					return s.complete(it, text.String())
				}

				if ev.Delta.Text == "" {
					continue
				}
				s.persistText(it, text.String(), logger)
				if current := text.String(); current != lastEmitted {
					s.emitMessage(broadcast.EventUpdateMessage, it.conv, it.snapshot(current, false))
					lastEmitted = current
				}

			case <-timer.C:
				// Abort the upstream call; its goroutine stops on cancellation
				cancel()
				go s.drain(events, logger)
				return StateFailed, completion.NewTimeoutError(s.cfg.StreamTimeout)
			}
		}
	}()

	if state == StateFailed {
		s.fail(it, err, deltas)
	} else {
		logger.Info("chat iteration finalized", "deltas", deltas, "chars", text.Len())
	}

	s.emitter.StoppedIterating(it.conv.ID)
	s.release(it)
	it.finish(state, err)
}

// complete persists the final text once and emits the final update.
func (s *Service) complete(it *Iteration, text string) (State, error) {
	it.setState(StateCompleting)

	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := s.store.FinalizeMessage(saveCtx, it.MessageID(), text)
	if errors.Is(err, store.ErrMessageCompleted) {
		// Someone already finalized this row; a second write must not happen
		s.logger.Warn("duplicate finalize ignored",
			"conversation_id", it.conv.ID,
			"message_id", it.MessageID())
		return StateFinalized, nil
	}
	if err != nil {
		return StateFailed, err
	}

	s.emitMessage(broadcast.EventUpdateMessage, it.conv, it.snapshot(text, true))
	s.nameConversation(saveCtx, it)
	return StateFinalized, nil
}

// fail logs the cause and tells listeners. The reply row keeps its partial
// text with Completed=false.
func (s *Service) fail(it *Iteration, err error, deltas int) {
	s.logger.Warn("chat iteration failed",
		"conversation_id", it.conv.ID,
		"message_id", it.MessageID(),
		"kind", completion.KindOf(err).String(),
		"deltas", deltas,
		"error", err)

	s.emitter.Emit(broadcast.Event{
		Type:           broadcast.EventError,
		ConversationID: it.conv.ID,
		AgencyID:       it.conv.AgencyID,
		UserID:         it.conv.UserID,
		Output: broadcast.ErrorPayload{
			ConversationID: it.conv.ID,
			MessageID:      it.MessageID(),
			Message:        failureMessage(err),
		},
	})
}

func failureMessage(err error) string {
	if completion.KindOf(err) != completion.KindUnknown {
		return completion.UserMessage(err)
	}
	if errors.Is(err, ErrClosed) {
		return "The server is shutting down. Please try again shortly."
	}
	return "Something went wrong while generating the reply."
}

// persistText stores the accumulated text. A failed write is logged and the
// stream continues; the finalize writes the full text anyway.
func (s *Service) persistText(it *Iteration, text string, logger *slog.Logger) {
	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.UpdateMessageText(saveCtx, it.MessageID(), text); err != nil {
		logger.Error("failed to persist partial reply", "error", err)
	}
}

// drain consumes whatever the stream still produces after the iteration
// decided its outcome, so the producer can exit.
func (s *Service) drain(events <-chan completion.StreamEvent, logger *slog.Logger) {
	for ev := range events {
		if ev.Err == nil && ev.Delta.Terminal() {
			logger.Warn("ignoring duplicate terminal delta")
		}
	}
}

// nameConversation names an unnamed conversation after its first user message.
func (s *Service) nameConversation(ctx context.Context, it *Iteration) {
	if it.conv.Name != "" {
		return
	}

	conv, err := s.store.GetConversation(ctx, it.conv.ID)
	if err != nil || conv.Name != "" {
		return
	}

	msgs, err := s.store.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		s.logger.Warn("failed to load messages for naming", "conversation_id", conv.ID, "error", err)
		return
	}
	var name string
	for _, m := range msgs {
		if m.Role == store.RoleUser && strings.TrimSpace(m.Text) != "" {
			name = nameFromText(m.Text)
			break
		}
	}
	if name == "" {
		return
	}

	if err := s.store.RenameConversation(ctx, conv.ID, name); err != nil {
		s.logger.Warn("failed to name conversation", "conversation_id", conv.ID, "error", err)
		return
	}

	s.emitter.Emit(broadcast.Event{
		Type:           broadcast.EventUpdateName,
		ConversationID: conv.ID,
		AgencyID:       conv.AgencyID,
		UserID:         conv.UserID,
		Output:         broadcast.NamePayload{ConversationID: conv.ID, Name: name},
	})
}
