package agent

import (
	"github.com/nugget/statebridge/internal/conversation"
	"github.com/nugget/statebridge/internal/llm"
	"github.com/nugget/statebridge/internal/prompts"
)

// BuildMessages assembles what the model sees for one call:
// [system prompt, ...history, real-time state reminder]. The reminder is
// left out when the thread has no context items.
func BuildMessages(state *conversation.State, catalog []conversation.ToolSpec, opts prompts.Options) []llm.Message {
	msgs := make([]llm.Message, 0, len(state.Messages)+2)
	msgs = append(msgs, llm.Message{
		Role:    string(conversation.RoleSystem),
		Content: prompts.SystemPrompt(state, catalog, opts),
	})

	for _, m := range state.Messages {
		msgs = append(msgs, toLLMMessage(m))
	}

	if reminder := prompts.StateReminder(state.ContextItems); reminder != "" {
		msgs = append(msgs, llm.Message{Role: string(conversation.RoleSystem), Content: reminder})
	}
	return msgs
}

func toLLMMessage(m conversation.Message) llm.Message {
	out := llm.Message{
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:       tc.ID,
			Function: llm.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return out
}
