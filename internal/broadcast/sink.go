// ABOUTME: A registered sink: bounded coalescing queue plus one writer goroutine per connection
// ABOUTME: SSE sinks close themselves after an idle period with a terminal write

package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// queued is one pending write. Updates to the same message coalesce: only
// the newest text is kept, since each update carries the whole text so far.
type queued struct {
	data      []byte
	terminal  bool
	coalesce  bool
	messageID int64
}

// Sink is one live listener owned by a Registry.
type Sink struct {
	id        string
	kind      Kind
	filter    Filter
	transport Transport
	done      chan struct{}
	closeOnce sync.Once
	idle      *time.Timer
	idleAfter time.Duration
	registry  *Registry
	logger    *slog.Logger

	mu      sync.Mutex
	pending []queued
	limit   int
	wake    chan struct{}
}

// ID returns the sink's unique identifier.
func (s *Sink) ID() string { return s.id }

// Kind returns the sink's transport family.
func (s *Sink) Kind() Kind { return s.kind }

// Filter returns the sink's scope.
func (s *Sink) Filter() Filter { return s.filter }

// Done is closed once the sink has been removed.
func (s *Sink) Done() <-chan struct{} { return s.done }

// enqueue hands an item to the writer without blocking. A pending update
// for the same message is replaced by the new one. If the queue is still
// full after that, the client has stopped reading and the sink is dropped.
func (s *Sink) enqueue(item queued) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	s.mu.Lock()
	if item.coalesce {
		for i, p := range s.pending {
			if p.coalesce && p.messageID == item.messageID {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
	}
	if len(s.pending) >= s.limit {
		s.mu.Unlock()
		s.logger.Warn("sink queue full, dropping sink", "pending", s.limit)
		s.registry.remove(s)
		return false
	}
	s.pending = append(s.pending, item)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// next pops the oldest pending item.
func (s *Sink) next() (queued, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return queued{}, false
	}
	item := s.pending[0]
	s.pending[0] = queued{}
	s.pending = s.pending[1:]
	return item, true
}

// Serve runs the sink's writer loop until the sink is removed, a write
// fails, the idle timer fires or ctx is cancelled. Write failures are
// handled here and never returned to emitters.
func (s *Sink) Serve(ctx context.Context) {
	var idleC <-chan time.Time
	if s.idle != nil {
		idleC = s.idle.C
	}
	defer s.registry.remove(s)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wake:
			if !s.drain(ctx) {
				return
			}
		case <-idleC:
			s.logger.Info("sink idle, closing", "idle_timeout", s.idleAfter)
			if err := s.transport.WriteTerminal(); err != nil {
				s.logger.Debug("terminal write failed", "error", err)
			}
			return
		}
	}
}

// drain writes pending items in order. It reports false once the sink
// must stop.
func (s *Sink) drain(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.done:
			return false
		default:
		}

		item, ok := s.next()
		if !ok {
			return true
		}
		if item.terminal {
			if err := s.transport.WriteTerminal(); err != nil {
				s.logger.Debug("terminal write failed", "error", err)
			}
			return false
		}
		if err := s.transport.WriteEvent(item.data); err != nil {
			s.logger.Warn("sink write failed, dropping sink", "error", err)
			return false
		}
		if s.idle != nil {
			s.idle.Reset(s.idleAfter)
		}
	}
}

// shutdown stops the writer and closes the transport exactly once.
func (s *Sink) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.idle != nil {
			s.idle.Stop()
		}
		if err := s.transport.Close(); err != nil {
			s.logger.Debug("transport close failed", "error", err)
		}
	})
}
