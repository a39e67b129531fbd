// ABOUTME: Token counting and prompt assembly for completion requests
// ABOUTME: Packs the newest conversation history into a token budget using tiktoken

package chat

import (
	"log/slog"
	"sync"

	"github.com/weaviate/tiktoken-go"

	"github.com/2389/agency-chat/internal/completion"
	"github.com/2389/agency-chat/internal/store"
)

// messageOverhead approximates the role and framing tokens of one message.
const messageOverhead = 4

// TokenCounter counts prompt tokens.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts tokens with a tiktoken encoding, falling back to a
// byte estimate when the encoding cannot be loaded.
type TiktokenCounter struct {
	mu      sync.Mutex
	encoder *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding (cl100k_base if empty).
// Pass nil logger for default.
func NewTiktokenCounter(encoding string, logger *slog.Logger) *TiktokenCounter {
	if logger == nil {
		logger = slog.Default()
	}
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		logger.Warn("token encoding unavailable, estimating from length",
			"component", "chat",
			"encoding", encoding,
			"error", err)
		return &TiktokenCounter{}
	}
	return &TiktokenCounter{encoder: enc}
}

// Count returns the token count of text.
func (c *TiktokenCounter) Count(text string) int {
	if c.encoder == nil {
		return len(text)/4 + 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.encoder.Encode(text, nil, nil))
}

// ContextLimits bound the history sent upstream.
type ContextLimits struct {
	TokenBudget int // zero means unlimited
	MaxMessages int // zero means unlimited
}

// BuildContext assembles the prompt: the system prompt, then as much of the
// most recent history as fits the limits, oldest first.
//
// Assistant replies that never completed are skipped. The newest eligible
// message is always included, even when it alone exceeds the budget.
func BuildContext(systemPrompt string, history []*store.Message, limits ContextLimits, counter TokenCounter) []completion.Message {
	budget := limits.TokenBudget
	if systemPrompt != "" && budget > 0 {
		budget -= counter.Count(systemPrompt) + messageOverhead
	}

	var picked []completion.Message
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == store.RoleAssistant && !m.Completed {
			continue
		}
		if limits.MaxMessages > 0 && len(picked) >= limits.MaxMessages {
			break
		}

		cost := counter.Count(m.Text) + messageOverhead
		if limits.TokenBudget > 0 && len(picked) > 0 && used+cost > budget {
			break
		}
		used += cost
		picked = append(picked, completion.Message{Role: wireRole(m.Role), Content: m.Text})
	}

	out := make([]completion.Message, 0, len(picked)+1)
	if systemPrompt != "" {
		out = append(out, completion.Message{Role: "system", Content: systemPrompt})
	}
	for i := len(picked) - 1; i >= 0; i-- {
		out = append(out, picked[i])
	}
	return out
}

func wireRole(r store.Role) string {
	switch r {
	case store.RoleSystem:
		return "system"
	case store.RoleAssistant:
		return "assistant"
	default:
		return "user"
	}
}
