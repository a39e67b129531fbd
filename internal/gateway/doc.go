// Package gateway orchestrates the agency-chat server components.
//
// # Overview
//
// The gateway package owns every long-lived component of the server: the
// store, the upstream completion client, the broadcast registry, the chat
// service and the HTTP server. New wires them from configuration and Run
// serves until its context is canceled.
//
// # HTTP API
//
// All /api routes and /ws sit behind the JWT middleware. Without a
// configured secret every request runs as the anonymous user.
//
//   - POST /api/conversations - Create a conversation
//   - GET /api/conversations - List the caller's conversations
//   - GET /api/conversations/{id}/messages - Conversation history, SYSTEM messages excluded
//   - POST /api/conversations/{id}/messages - Send a message (SSE streaming response)
//   - GET /api/conversations/{id}/events - Follow a conversation (SSE)
//   - GET /ws - WebSocket listener with inbound chat commands
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (pings the store)
//
// # SSE Streaming
//
// Sending a message answers with an event stream. Each event is one line:
//
//	data: {"type":"appendMessage","output":{...}}
//
// The user turn and the assistant stub arrive as appendMessage, the growing
// reply as updateMessage and the final text as updateMessage with
// completed=true. The stream ends with:
//
//	data: [DONE]
//
// Errors that can be detected before the stream starts are plain JSON
// responses: 404 for unknown conversations, 403 for conversations of another
// user and 409 while a reply is already in progress.
//
// # WebSocket Commands
//
// Socket clients send JSON frames:
//
//	{"type":"newChat","agencyId":"...","name":"..."}
//	{"type":"newMessage","conversationId":"...","text":"...","clientMessageId":"..."}
//	{"type":"loadChat","conversationId":"..."}
//
// A newMessage re-sent with a clientMessageId seen in the last five minutes
// is ignored. Failures come back as error events on the same socket.
//
// # Lifecycle
//
// Shutdown fails in-flight iterations first so listeners see the
// interruption, then closes every sink, stops the HTTP server and closes
// the store.
package gateway
