// Package broadcast fans chat events out to live listeners.
//
// # Overview
//
// A Registry owns every live Sink. Each sink wraps one client connection
// (an SSE response or a WebSocket) behind the Transport interface and has
// its own bounded queue and writer goroutine:
//
//	sink, err := registry.Register(broadcast.Spec{
//	    Kind:   broadcast.KindSSE,
//	    Filter: broadcast.Filter{ConversationID: convID},
//	}, transport)
//	go sink.Serve(ctx) // or call it directly from the HTTP handler
//
// Emit encodes an event once and enqueues it on every matching sink.
// Enqueueing never blocks: a sink whose queue is full, or whose transport
// fails a write, is removed and its failure never reaches the emitter.
//
// # Ordering
//
// Fan-out for one conversation is serialised, so every sink observes that
// conversation's events in emit order. Different conversations proceed in
// parallel.
//
// # Filters
//
//   - Conversation scope: Filter.ConversationID (optionally with AgencyID)
//   - User scope: only Filter.UserID, following all of that user's chats
//   - OnlyExternal: message events only when FromAPI or ToAPI is set
//
// Events whose message or payload has the SYSTEM role are never sent.
//
// # Lifetime
//
// SSE sinks close after Config.SSEIdleTimeout (30s by default) without a
// successful write, sending the [DONE] sentinel first. StoppedIterating
// sends the sentinel to a conversation's SSE sinks when an iteration ends;
// socket sinks stay connected until their peer leaves.
package broadcast
