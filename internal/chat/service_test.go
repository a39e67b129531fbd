// ABOUTME: Tests for the chat service and iteration state machine
// ABOUTME: Drives iterations with a scripted streamer and a recording emitter

package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agency-chat/internal/broadcast"
	"github.com/2389/agency-chat/internal/completion"
	"github.com/2389/agency-chat/internal/store"
)

// fakeStreamer forwards scripted events until the caller cancels, the way
// completion.Client does.
type fakeStreamer struct {
	src chan completion.StreamEvent

	mu       sync.Mutex
	requests []completion.Request
	ctxs     []context.Context
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{src: make(chan completion.StreamEvent, 64)}
}

func (f *fakeStreamer) Stream(ctx context.Context, req completion.Request) <-chan completion.StreamEvent {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.ctxs = append(f.ctxs, ctx)
	f.mu.Unlock()

	out := make(chan completion.StreamEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.src:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Err != nil || ev.Delta.Terminal() {
					return
				}
			}
		}
	}()
	return out
}

func (f *fakeStreamer) delta(text string) {
	f.src <- completion.StreamEvent{Delta: completion.Delta{Text: text}}
}

func (f *fakeStreamer) stop(text string) {
	f.src <- completion.StreamEvent{Delta: completion.Delta{Text: text, FinishReason: completion.FinishStop}}
}

func (f *fakeStreamer) fail(err error) {
	f.src <- completion.StreamEvent{Err: err}
}

func (f *fakeStreamer) lastRequest() completion.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeStreamer) lastContext() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctxs[len(f.ctxs)-1]
}

type sentTo struct {
	sinkID string
	event  broadcast.Event
}

type recordingEmitter struct {
	mu      sync.Mutex
	events  []broadcast.Event
	direct  []sentTo
	stopped []string
}

func (r *recordingEmitter) Emit(ev broadcast.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) EmitTo(sinkID string, ev broadcast.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.direct = append(r.direct, sentTo{sinkID: sinkID, event: ev})
	return nil
}

func (r *recordingEmitter) StoppedIterating(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, conversationID)
}

func (r *recordingEmitter) ofType(typ broadcast.EventType) []broadcast.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordingEmitter) stoppedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stopped)
}

// wordCounter counts whitespace-separated words.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

type harness struct {
	svc      *Service
	store    *store.MockStore
	streamer *fakeStreamer
	emitter  *recordingEmitter
	conv     *store.Conversation
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	st := store.NewMockStore()
	conv := &store.Conversation{
		ID:        "conv-1",
		AgencyID:  "agency-1",
		UserID:    "user-1",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateConversation(t.Context(), conv))

	h := &harness{
		store:    st,
		streamer: newFakeStreamer(),
		emitter:  &recordingEmitter{},
		conv:     conv,
	}
	h.svc = New(cfg, st, h.streamer, h.emitter, nil, WithTokenCounter(wordCounter{}))
	t.Cleanup(h.svc.Close)
	return h
}

func wait(t *testing.T, it *Iteration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err := it.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "iteration did not finish")
	return err
}

func payload(t *testing.T, ev broadcast.Event) broadcast.MessagePayload {
	t.Helper()
	p, ok := ev.Output.(broadcast.MessagePayload)
	require.True(t, ok, "expected message payload, got %T", ev.Output)
	return p
}

func TestIteration_HelloScenario(t *testing.T) {
	h := newHarness(t, Config{})

	it, err := h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1"})
	require.NoError(t, err)

	h.streamer.delta("Hel")
	h.streamer.delta("lo")
	h.streamer.stop("")
	require.NoError(t, wait(t, it))
	assert.Equal(t, StateFinalized, it.State())

	appends := h.emitter.ofType(broadcast.EventAppendMessage)
	require.Len(t, appends, 1)
	stub := payload(t, appends[0])
	assert.Equal(t, "", stub.Text)
	assert.False(t, stub.Completed)
	assert.Equal(t, store.RoleAssistant, stub.Role)

	updates := h.emitter.ofType(broadcast.EventUpdateMessage)
	require.Len(t, updates, 3)
	assert.Equal(t, "Hel", payload(t, updates[0]).Text)
	assert.Equal(t, "Hello", payload(t, updates[1]).Text)
	final := payload(t, updates[2])
	assert.Equal(t, "Hello", final.Text)
	assert.True(t, final.Completed)

	row, err := h.store.GetMessage(t.Context(), it.MessageID())
	require.NoError(t, err)
	assert.Equal(t, "Hello", row.Text)
	assert.True(t, row.Completed)
	assert.Equal(t, 1, h.store.FinalizeCalls(it.MessageID()))

	assert.Equal(t, 1, h.emitter.stoppedCount())
	assert.Empty(t, h.emitter.ofType(broadcast.EventError))
	assert.False(t, h.svc.Active("conv-1"))
}

func TestIteration_LengthScenario(t *testing.T) {
	h := newHarness(t, Config{})

	it, err := h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1"})
	require.NoError(t, err)

	h.streamer.delta("Once upon a ")
	h.streamer.fail(&completion.Error{
		Kind:         completion.KindUpstreamRejection,
		Reason:       `finish reason "length"`,
		FinishReason: completion.FinishLength,
	})

	err = wait(t, it)
	require.Error(t, err)
	assert.Equal(t, StateFailed, it.State())
	assert.Equal(t, completion.KindUpstreamRejection, completion.KindOf(err))

	row, err := h.store.GetMessage(t.Context(), it.MessageID())
	require.NoError(t, err)
	assert.Equal(t, "Once upon a ", row.Text)
	assert.False(t, row.Completed)
	assert.Zero(t, h.store.FinalizeCalls(it.MessageID()))

	errs := h.emitter.ofType(broadcast.EventError)
	require.Len(t, errs, 1)
	errPayload, ok := errs[0].Output.(broadcast.ErrorPayload)
	require.True(t, ok)
	assert.Contains(t, errPayload.Message, "maximum length")
	assert.Equal(t, it.MessageID(), errPayload.MessageID)

	updates := h.emitter.ofType(broadcast.EventUpdateMessage)
	require.Len(t, updates, 1, "no update may follow the failure")
	assert.Equal(t, "Once upon a ", payload(t, updates[0]).Text)

	assert.Equal(t, 1, h.emitter.stoppedCount())
}

func TestIteration_TimeoutFails(t *testing.T) {
	h := newHarness(t, Config{StreamTimeout: 50 * time.Millisecond})

	it, err := h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1"})
	require.NoError(t, err)

	h.streamer.delta("partial")

	err = wait(t, it)
	assert.Equal(t, completion.KindStreamTimeout, completion.KindOf(err))
	assert.Equal(t, StateFailed, it.State())

	row, err := h.store.GetMessage(t.Context(), it.MessageID())
	require.NoError(t, err)
	assert.Equal(t, "partial", row.Text)
	assert.False(t, row.Completed)

	select {
	case <-h.streamer.lastContext().Done():
	case <-time.After(time.Second):
		t.Fatal("upstream call should be cancelled on timeout")
	}

	errs := h.emitter.ofType(broadcast.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, 1, h.emitter.stoppedCount())
}

func TestIteration_DeltasResetTimeout(t *testing.T) {
	h := newHarness(t, Config{StreamTimeout: 100 * time.Millisecond})

	it, err := h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1"})
	require.NoError(t, err)

	// Total duration exceeds the timeout, but no single gap does
	for i := 0; i < 5; i++ {
		h.streamer.delta("x")
		time.Sleep(40 * time.Millisecond)
	}
	h.streamer.stop("")

	require.NoError(t, wait(t, it))
	row, err := h.store.GetMessage(t.Context(), it.MessageID())
	require.NoError(t, err)
	assert.Equal(t, "xxxxx", row.Text)
}

func TestStartChatIteration_ConcurrentRejected(t *testing.T) {
	h := newHarness(t, Config{})

	first, err := h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.True(t, h.svc.Active("conv-1"))

	_, err = h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1", Text: "again"})
	var concurrent *ConcurrentIterationError
	require.ErrorAs(t, err, &concurrent)
	assert.Equal(t, "conv-1", concurrent.ConversationID)

	h.streamer.stop("done")
	require.NoError(t, wait(t, first))

	// The rejected turn must not have been recorded
	msgs, err := h.store.ListMessages(t.Context(), "conv-1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	second, err := h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1"})
	require.NoError(t, err)
	h.streamer.stop("ok")
	require.NoError(t, wait(t, second))
}

func TestStartChatIteration_InterruptedRowDoesNotBlock(t *testing.T) {
	h := newHarness(t, Config{StreamTimeout: 30 * time.Millisecond})

	first, err := h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1"})
	require.NoError(t, err)
	require.Error(t, wait(t, first))

	second, err := h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1"})
	require.NoError(t, err)
	h.streamer.stop("recovered")
	require.NoError(t, wait(t, second))
}

func TestIteration_MonotonicUpdatesAndFinalText(t *testing.T) {
	h := newHarness(t, Config{})

	it, err := h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1"})
	require.NoError(t, err)

	parts := []string{"The", " quick", " brown", "", " fox", " jumps"}
	for _, p := range parts {
		h.streamer.delta(p)
	}
	h.streamer.stop(".")
	require.NoError(t, wait(t, it))

	updates := h.emitter.ofType(broadcast.EventUpdateMessage)
	prev := ""
	for _, u := range updates {
		text := payload(t, u).Text
		assert.GreaterOrEqual(t, len(text), len(prev))
		assert.True(t, strings.HasPrefix(text, prev))
		prev = text
	}

	want := strings.Join(parts, "") + "."
	assert.Equal(t, want, prev)

	row, err := h.store.GetMessage(t.Context(), it.MessageID())
	require.NoError(t, err)
	assert.Equal(t, want, row.Text)
	assert.True(t, row.Completed)

	completed := 0
	for _, u := range updates {
		if payload(t, u).Completed {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestIteration_DuplicateTerminalFinalizesOnce(t *testing.T) {
	h := newHarness(t, Config{})

	it, err := h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1"})
	require.NoError(t, err)

	h.streamer.stop("Hi")
	h.streamer.stop("Hi")
	require.NoError(t, wait(t, it))

	assert.Equal(t, 1, h.store.FinalizeCalls(it.MessageID()))
	final := 0
	for _, u := range h.emitter.ofType(broadcast.EventUpdateMessage) {
		if payload(t, u).Completed {
			final++
		}
	}
	assert.Equal(t, 1, final)
}

func TestIteration_FinalizeFailureFails(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.FailFinalize = errors.New("disk full")

	it, err := h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1"})
	require.NoError(t, err)
	h.streamer.stop("Hi")

	require.Error(t, wait(t, it))
	assert.Equal(t, StateFailed, it.State())
	require.Len(t, h.emitter.ofType(broadcast.EventError), 1)
	errPayload := h.emitter.ofType(broadcast.EventError)[0].Output.(broadcast.ErrorPayload)
	assert.NotContains(t, errPayload.Message, "disk full")
}

func TestStartChatIteration_RecordsUserTurnFirst(t *testing.T) {
	h := newHarness(t, Config{SystemPrompt: "Be brief."})

	it, err := h.svc.StartChatIteration(t.Context(), StartRequest{
		ConversationID: "conv-1",
		Text:           "What is Go?",
		FromAPI:        true,
	})
	require.NoError(t, err)

	appends := h.emitter.ofType(broadcast.EventAppendMessage)
	require.Len(t, appends, 2)
	user := payload(t, appends[0])
	assert.Equal(t, store.RoleUser, user.Role)
	assert.Equal(t, "What is Go?", user.Text)
	assert.True(t, user.Completed)
	assert.True(t, user.FromAPI)

	reply := payload(t, appends[1])
	assert.Equal(t, store.RoleAssistant, reply.Role)
	require.NotNil(t, reply.LinkedMessageID)
	assert.Equal(t, user.MessageID, *reply.LinkedMessageID)
	assert.True(t, reply.ToAPI)

	req := h.streamer.lastRequest()
	require.Len(t, req.Messages, 2, "system prompt plus the user turn; the stub is excluded")
	assert.Equal(t, completion.Message{Role: "system", Content: "Be brief."}, req.Messages[0])
	assert.Equal(t, completion.Message{Role: "user", Content: "What is Go?"}, req.Messages[1])

	h.streamer.stop("A language.")
	require.NoError(t, wait(t, it))
}

func TestIteration_NamesUnnamedConversation(t *testing.T) {
	h := newHarness(t, Config{})

	it, err := h.svc.StartChatIteration(t.Context(), StartRequest{
		ConversationID: "conv-1",
		Text:           "Plan a weekend in Lisbon\nwith kids",
	})
	require.NoError(t, err)
	h.streamer.stop("Sure.")
	require.NoError(t, wait(t, it))

	names := h.emitter.ofType(broadcast.EventUpdateName)
	require.Len(t, names, 1)
	assert.Equal(t, "Plan a weekend in Lisbon", names[0].Output.(broadcast.NamePayload).Name)

	conv, err := h.store.GetConversation(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Plan a weekend in Lisbon", conv.Name)

	// Already named: no second rename
	it, err = h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1", Text: "Another"})
	require.NoError(t, err)
	h.streamer.stop("Ok.")
	require.NoError(t, wait(t, it))
	assert.Len(t, h.emitter.ofType(broadcast.EventUpdateName), 1)
}

func TestStartChatIteration_Lookup(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "missing"})
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1", UserID: "intruder"})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.False(t, h.svc.Active("conv-1"))
}

func TestStartChatIteration_StubFailureReleases(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.FailInsert = errors.New("disk full")

	_, err := h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1"})
	require.Error(t, err)
	assert.False(t, h.svc.Active("conv-1"))
}

func TestClose_FailsInFlightIteration(t *testing.T) {
	h := newHarness(t, Config{})

	it, err := h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1"})
	require.NoError(t, err)
	h.streamer.delta("half")

	// Let the delta land before shutting down
	require.Eventually(t, func() bool {
		return len(h.emitter.ofType(broadcast.EventUpdateMessage)) == 1
	}, time.Second, 5*time.Millisecond)

	h.svc.Close()
	assert.ErrorIs(t, wait(t, it), ErrClosed)

	_, err = h.svc.StartChatIteration(t.Context(), StartRequest{ConversationID: "conv-1"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewChat_EmitsNewChat(t *testing.T) {
	h := newHarness(t, Config{})

	conv, err := h.svc.NewChat(t.Context(), NewChatRequest{UserID: "user-1", AgencyID: "agency-1", AgentID: "agent-7"})
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)

	events := h.emitter.ofType(broadcast.EventNewChat)
	require.Len(t, events, 1)
	assert.Equal(t, "user-1", events[0].UserID)
	assert.Equal(t, conv.ID, events[0].Output.(broadcast.ChatPayload).ConversationID)

	_, err = h.svc.NewChat(t.Context(), NewChatRequest{UserID: "user-1"})
	assert.Error(t, err)
}

func TestLoadChat_ReplaysHistoryWithoutSystem(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := t.Context()

	for _, m := range []*store.Message{
		{ConversationID: "conv-1", Role: store.RoleSystem, Text: "hidden instructions", Completed: true},
		{ConversationID: "conv-1", Role: store.RoleUser, Text: "hi", Completed: true},
		{ConversationID: "conv-1", Role: store.RoleAssistant, Text: "hello", Completed: true},
	} {
		require.NoError(t, h.store.InsertMessage(ctx, m))
	}

	require.NoError(t, h.svc.LoadChat(ctx, "conv-1", "user-1", "sink-9"))

	require.Len(t, h.emitter.direct, 1)
	sent := h.emitter.direct[0]
	assert.Equal(t, "sink-9", sent.sinkID)
	assert.Equal(t, broadcast.EventLoadChat, sent.event.Type)
	history := sent.event.Output.(broadcast.HistoryPayload)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "hi", history.Messages[0].Text)
	assert.Equal(t, "hello", history.Messages[1].Text)

	assert.ErrorIs(t, h.svc.LoadChat(ctx, "conv-1", "someone-else", "sink-9"), ErrForbidden)
}

func TestNameFromText(t *testing.T) {
	assert.Equal(t, "hello world", nameFromText("  hello   world \n second line"))

	long := strings.Repeat("word ", 30)
	name := nameFromText(long)
	assert.True(t, strings.HasSuffix(name, "..."))
	assert.LessOrEqual(t, len([]rune(name)), maxNameRunes+3)
}
