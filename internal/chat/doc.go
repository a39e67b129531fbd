// Package chat runs chat iterations: one assistant reply streamed from the
// completion upstream into a stored message and out to listeners.
//
// # Overview
//
// Service.StartChatIteration records the user's turn, builds the prompt,
// inserts an empty assistant stub and returns. A background goroutine then
// consumes completion deltas:
//
//   - each non-empty delta extends the reply, is persisted, and produces an
//     updateMessage event carrying the whole text so far
//   - a stop delta finalizes the row exactly once and emits the final update
//     with completed=true
//   - an upstream error, or no delta for Config.StreamTimeout, fails the
//     iteration: the row keeps its partial text and an error event is sent
//
// Whatever the outcome, StoppedIterating is signalled to the emitter so SSE
// listeners receive their end-of-stream sentinel.
//
// # Concurrency
//
// A conversation has at most one iteration in flight. A second start while
// one runs returns *ConcurrentIterationError. Iterations run on the
// service's own context: a listener disconnecting does not abort them, but
// Close does.
//
// # Prompt Assembly
//
// BuildContext packs the newest history into a token budget counted with
// tiktoken (cl100k_base). Unfinished assistant replies are left out.
package chat
