// ABOUTME: Tests for prompt assembly and token counting
// ABOUTME: Uses a word counter so budgets are easy to reason about

package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agency-chat/internal/completion"
	"github.com/2389/agency-chat/internal/store"
)

func msg(role store.Role, text string, completed bool) *store.Message {
	return &store.Message{Role: role, Text: text, Completed: completed}
}

func TestBuildContext_ChronologicalWithSystemPrompt(t *testing.T) {
	history := []*store.Message{
		msg(store.RoleUser, "first question", true),
		msg(store.RoleAssistant, "first answer", true),
		msg(store.RoleUser, "second question", true),
	}

	got := BuildContext("You are helpful.", history, ContextLimits{}, wordCounter{})

	assert.Equal(t, []completion.Message{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
	}, got)
}

func TestBuildContext_SkipsUnfinishedReplies(t *testing.T) {
	history := []*store.Message{
		msg(store.RoleUser, "hello", true),
		msg(store.RoleAssistant, "Once upon a ", false),
		msg(store.RoleUser, "try again", true),
		msg(store.RoleAssistant, "", false),
	}

	got := BuildContext("", history, ContextLimits{}, wordCounter{})

	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, "try again", got[1].Content)
}

func TestBuildContext_TokenBudgetKeepsNewest(t *testing.T) {
	history := []*store.Message{
		msg(store.RoleUser, "one two three four five", true), // 5 + overhead
		msg(store.RoleAssistant, "six seven", true),          // 2 + overhead
		msg(store.RoleUser, "eight", true),                   // 1 + overhead
	}

	got := BuildContext("", history, ContextLimits{TokenBudget: 12}, wordCounter{})

	require.Len(t, got, 2)
	assert.Equal(t, "six seven", got[0].Content)
	assert.Equal(t, "eight", got[1].Content)
}

func TestBuildContext_NewestAlwaysIncluded(t *testing.T) {
	history := []*store.Message{
		msg(store.RoleUser, "short", true),
		msg(store.RoleUser, "a b c d e f g h i j k l m n o p", true),
	}

	got := BuildContext("", history, ContextLimits{TokenBudget: 3}, wordCounter{})

	require.Len(t, got, 1)
	assert.Equal(t, "a b c d e f g h i j k l m n o p", got[0].Content)
}

func TestBuildContext_MaxMessages(t *testing.T) {
	history := []*store.Message{
		msg(store.RoleUser, "a", true),
		msg(store.RoleAssistant, "b", true),
		msg(store.RoleUser, "c", true),
	}

	got := BuildContext("sys", history, ContextLimits{MaxMessages: 2}, wordCounter{})

	require.Len(t, got, 3)
	assert.Equal(t, "system", got[0].Role)
	assert.Equal(t, "b", got[1].Content)
	assert.Equal(t, "c", got[2].Content)
}

func TestTiktokenCounter_FallbackEstimate(t *testing.T) {
	c := &TiktokenCounter{}
	assert.Equal(t, 1, c.Count(""))
	assert.Equal(t, 3, c.Count("12345678"))
}
