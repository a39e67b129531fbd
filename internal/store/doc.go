// Package store provides persistent storage for conversations and messages.
//
// # Architecture
//
// The Store interface covers the two record types the chat loop needs:
//
//   - Conversation: one user talking to one agency agent, with a display name
//   - Message: a single turn, authored by SYSTEM, USER or ASSISTANT
//
// SQLiteStore is the production implementation; MockStore is an in-memory
// stand-in with failure hooks for tests.
//
// # Message Lifecycle
//
// Assistant replies are written in three steps by the goroutine that streams
// them:
//
//  1. InsertMessage with Completed=false and empty Text (the stub)
//  2. UpdateMessageText for every delta while the reply streams
//  3. FinalizeMessage once, with the full text and Completed=true
//
// After FinalizeMessage the row is immutable: further UpdateMessageText or
// FinalizeMessage calls return ErrMessageCompleted. A reply that fails
// mid-stream keeps its partial text with Completed=false.
//
// Message IDs come from an AUTOINCREMENT column and so increase
// monotonically within the database.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// # Error Handling
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateConversation: Conversation ID already taken
//   - ErrMessageCompleted: Message was already finalized
package store
