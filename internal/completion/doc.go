// Package completion streams replies from an OpenAI-compatible chat
// completion endpoint.
//
// # Overview
//
// Client.Stream posts a request with stream=true and returns a channel of
// StreamEvent values. Each event carries either a Delta (a piece of reply
// text, possibly with a finish reason) or a terminal error:
//
//	for ev := range client.Stream(ctx, req) {
//	    if ev.Err != nil {
//	        // terminal, nothing follows
//	    }
//	    if ev.Delta.Terminal() {
//	        // reply complete
//	    }
//	}
//
// Client.Relay is the same stream delivered through onDelta/onError
// callbacks.
//
// # Framing
//
// Parser turns raw body bytes into frames regardless of how the transport
// chunks them. A "data: [DONE]" frame ends the stream; a [DONE] that arrives
// without a preceding finish reason is reported as a stop.
//
// # Failures
//
// Errors are *Error values classified by Kind:
//
//   - KindTransientNetwork: the connection could not be established, or
//     dropped mid-reply. Connection attempts are retried immediately up to
//     Config.MaxRetries times; nothing is retried once a response arrived.
//   - KindUpstreamRejection: a non-2xx status, an in-stream error object, or
//     a finish reason other than stop (length, content_filter, tool_calls or
//     anything unrecognised).
//   - KindStreamTimeout: raised by callers that watch for inactivity.
//
// UserMessage renders any of these as text safe to show to people.
package completion
