// ABOUTME: Registry of live broadcast sinks indexed by conversation and user
// ABOUTME: Fans out events in per-conversation order without letting one sink stall another

package broadcast

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultSSEIdleTimeout closes SSE sinks that have not been written to.
	DefaultSSEIdleTimeout = 30 * time.Second

	// DefaultQueueSize is the per-sink limit of pending writes after
	// message updates have been coalesced.
	DefaultQueueSize = 64

	// emitStripes is the number of conversation ordering locks.
	emitStripes = 64
)

var (
	// ErrUnscopedSink is returned when a sink has neither a conversation nor a user.
	ErrUnscopedSink = errors.New("sink must be scoped to a conversation or a user")

	// ErrRegistryClosed is returned by Register after Close.
	ErrRegistryClosed = errors.New("registry closed")

	// ErrSinkNotFound is returned by EmitTo for unknown or removed sinks.
	ErrSinkNotFound = errors.New("sink not found")

	// ErrFiltered is returned by EmitTo when the event is outside the sink's scope.
	ErrFiltered = errors.New("event outside sink scope")
)

// Config holds registry settings. Zero values select defaults.
type Config struct {
	SSEIdleTimeout time.Duration
	QueueSize      int
}

// Spec describes a sink to register.
type Spec struct {
	Kind   Kind
	Filter Filter
}

// Registry owns every live sink. It is safe for concurrent use.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu             sync.RWMutex
	sinks          map[string]*Sink
	byConversation map[string]map[string]*Sink // conversationID -> sinkID -> sink
	byUser         map[string]map[string]*Sink // userID -> sinkID -> user-scoped sink
	closed         bool

	// emitLocks serialise fan-out per conversation so every sink sees one
	// conversation's events in emit order.
	emitLocks [emitStripes]sync.Mutex
}

// NewRegistry creates a registry. Pass nil logger for default.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SSEIdleTimeout <= 0 {
		cfg.SSEIdleTimeout = DefaultSSEIdleTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Registry{
		cfg:            cfg,
		logger:         logger.With("component", "broadcast"),
		sinks:          make(map[string]*Sink),
		byConversation: make(map[string]map[string]*Sink),
		byUser:         make(map[string]map[string]*Sink),
	}
}

// Register adds a sink. The caller must run Sink.Serve to drain it; the
// SSE idle timer starts now.
func (r *Registry) Register(spec Spec, transport Transport) (*Sink, error) {
	if spec.Filter.ConversationID == "" && spec.Filter.UserID == "" {
		return nil, ErrUnscopedSink
	}

	s := &Sink{
		id:        uuid.New().String(),
		kind:      spec.Kind,
		filter:    spec.Filter,
		transport: transport,
		done:      make(chan struct{}),
		limit:     r.cfg.QueueSize,
		wake:      make(chan struct{}, 1),
		registry:  r,
	}
	s.logger = r.logger.With(
		"sink_id", s.id,
		"kind", s.kind.String(),
		"conversation_id", spec.Filter.ConversationID)
	if spec.Kind == KindSSE {
		s.idleAfter = r.cfg.SSEIdleTimeout
		s.idle = time.NewTimer(s.idleAfter)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if s.idle != nil {
			s.idle.Stop()
		}
		return nil, ErrRegistryClosed
	}
	r.sinks[s.id] = s
	if spec.Filter.ConversationID != "" {
		addIndex(r.byConversation, spec.Filter.ConversationID, s)
	} else {
		addIndex(r.byUser, spec.Filter.UserID, s)
	}
	r.mu.Unlock()

	s.logger.Debug("sink registered", "user_id", spec.Filter.UserID)
	return s, nil
}

// Unregister removes a sink and closes its transport. Unknown IDs are ignored.
func (r *Registry) Unregister(sinkID string) {
	r.mu.RLock()
	s, ok := r.sinks[sinkID]
	r.mu.RUnlock()
	if ok {
		r.remove(s)
	}
}

// remove detaches s from every index and shuts it down.
func (r *Registry) remove(s *Sink) {
	r.mu.Lock()
	if _, ok := r.sinks[s.id]; ok {
		delete(r.sinks, s.id)
		if s.filter.ConversationID != "" {
			removeIndex(r.byConversation, s.filter.ConversationID, s.id)
		} else {
			removeIndex(r.byUser, s.filter.UserID, s.id)
		}
		s.logger.Debug("sink removed")
	}
	r.mu.Unlock()

	s.shutdown()
}

// Emit fans ev out to every matching sink of its conversation and to
// user-scoped sinks of its user. Events carrying SYSTEM-role messages are
// refused. Emit never blocks on a sink and never reports sink failures.
func (r *Registry) Emit(ev Event) {
	if ev.carriesSystemMessage() {
		r.logger.Error("refusing to broadcast system message",
			"type", ev.Type,
			"conversation_id", ev.ConversationID)
		return
	}

	data, err := ev.Encode()
	if err != nil {
		r.logger.Error("dropping unencodable event", "error", err)
		return
	}

	lock := r.emitLock(ev.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	item := ev.queued(data)
	delivered := 0
	for _, s := range r.targets(ev) {
		if s.filter.Match(ev) && s.enqueue(item) {
			delivered++
		}
	}

	r.logger.Debug("event emitted",
		"type", ev.Type,
		"conversation_id", ev.ConversationID,
		"sinks", delivered)
}

// EmitTo delivers ev to a single sink, applying the same checks as Emit.
// Unlike Emit it reports an event the sink's filter rejects.
func (r *Registry) EmitTo(sinkID string, ev Event) error {
	if ev.carriesSystemMessage() {
		r.logger.Error("refusing to send system message",
			"type", ev.Type,
			"sink_id", sinkID)
		return nil
	}

	r.mu.RLock()
	s, ok := r.sinks[sinkID]
	r.mu.RUnlock()
	if !ok {
		return ErrSinkNotFound
	}

	data, err := ev.Encode()
	if err != nil {
		return err
	}

	lock := r.emitLock(ev.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	if !s.filter.Match(ev) {
		return ErrFiltered
	}
	if !s.enqueue(ev.queued(data)) {
		return ErrSinkNotFound
	}
	return nil
}

// StoppedIterating tells SSE sinks of a conversation that no more output
// follows: each receives the terminal sentinel and closes. Socket sinks stay.
func (r *Registry) StoppedIterating(conversationID string) {
	lock := r.emitLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	var targets []*Sink
	for _, s := range r.byConversation[conversationID] {
		if s.kind == KindSSE {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(queued{terminal: true})
	}
}

// SinkCount reports how many sinks follow the conversation directly.
func (r *Registry) SinkCount(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConversation[conversationID])
}

// Len reports the total number of live sinks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Close removes every sink. Later registrations fail.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	all := make([]*Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		r.remove(s)
	}
	r.logger.Debug("registry closed", "sinks", len(all))
}

// targets copies candidate sinks under the read lock so writes happen
// without holding it.
func (r *Registry) targets(ev Event) []*Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	convSinks := r.byConversation[ev.ConversationID]
	var userSinks map[string]*Sink
	if ev.UserID != "" {
		userSinks = r.byUser[ev.UserID]
	}

	out := make([]*Sink, 0, len(convSinks)+len(userSinks))
	for _, s := range convSinks {
		out = append(out, s)
	}
	for _, s := range userSinks {
		out = append(out, s)
	}
	return out
}

func (r *Registry) emitLock(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return &r.emitLocks[h.Sum32()%emitStripes]
}

func addIndex(index map[string]map[string]*Sink, key string, s *Sink) {
	if _, ok := index[key]; !ok {
		index[key] = make(map[string]*Sink)
	}
	index[key][s.id] = s
}

func removeIndex(index map[string]map[string]*Sink, key, sinkID string) {
	sinks, ok := index[key]
	if !ok {
		return
	}
	delete(sinks, sinkID)
	if len(sinks) == 0 {
		delete(index, key)
	}
}
