// Package dedupe drops repeated client messages inside a time window.
//
// Socket clients resend newMessage when they miss the acknowledgement.
// Each resend carries the same client_message_id; the gateway checks
// MessageKey(user, conversation, id) against a Cache and ignores the repeat
// instead of starting a second chat iteration.
package dedupe
