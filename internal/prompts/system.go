package prompts

import (
	"fmt"
	"strings"

	"github.com/nugget/statebridge/internal/conversation"
)

// DefaultTask is the role and task description used when none is
// configured.
const DefaultTask = `You help users read and change the state of the interface they are looking at, such as the color of a square.`

// Delimiters for the live state block. Tests and the model both rely on
// these exact markers.
const (
	StateBlockStart = "===== CURRENT STATE (ALWAYS USE THIS) ====="
	StateBlockEnd   = "============================================"
)

const authorityClause = `CRITICAL: The state above is the ONLY source of truth. If earlier messages in the conversation mention a different value, ignore them and use the state above.`

const toolRulesTemplate = `RULES:
1. When asked about the current state, answer from the CURRENT STATE block. Do not call a tool to read it.
2. When asked to change something, call the matching tool exactly once. Call at most one tool per reply.
3. Tool arguments that name a color must use an English color name from this list: %s. Translate or normalize other names first (for example "azul" becomes "blue", "vermelho" becomes "red", "verde" becomes "green").
4. After a tool runs, confirm the result to the user in one short sentence.
%s`

const loopPreventionTemplate = `IMPORTANT: The tool %q was just executed. Respond to the user confirming the action. Do NOT call %q or any other tool again.`

// ColorVocabulary is the fixed set of color names tool arguments are
// normalized to.
var ColorVocabulary = []string{
	"red", "orange", "yellow", "green", "blue", "purple", "pink",
	"brown", "black", "white", "gray", "cyan", "magenta", "navy",
	"teal", "maroon", "olive", "lime", "silver", "gold",
}

// Options carries the configurable parts of the system prompt.
type Options struct {
	// Task replaces DefaultTask when non-empty.
	Task string
}

// SystemPrompt assembles the system prompt for one turn from the thread
// state and the merged tool catalog. Sections appear in a fixed order:
// task, live state block (omitted when there are no non-empty context
// items), authority clause, tool rules, optional language line, and the
// loop-prevention clause when the latest history message is a tool result.
func SystemPrompt(state *conversation.State, catalog []conversation.ToolSpec, opts Options) string {
	task := strings.TrimSpace(opts.Task)
	if task == "" {
		task = DefaultTask
	}

	var items []conversation.ContextItem
	var history []conversation.Message
	var language string
	if state != nil {
		items = state.ContextItems
		history = state.Messages
		language = strings.TrimSpace(state.Language)
	}

	var sb strings.Builder
	sb.WriteString(task)

	if block := StateBlock(items); block != "" {
		sb.WriteString("\n\n")
		sb.WriteString(block)
		sb.WriteString("\n\n")
		sb.WriteString(authorityClause)
	}

	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf(toolRulesTemplate, strings.Join(ColorVocabulary, ", "), toolList(catalog)))

	if language != "" {
		sb.WriteString(fmt.Sprintf("\nReply in %s.", language))
	}

	if name, ok := LatestToolResult(history); ok {
		sb.WriteString("\n\n")
		sb.WriteString(LoopPreventionClause(name))
	}

	return sb.String()
}

// StateBlock renders the delimited CURRENT STATE block, one
// "description: value" line per item with a non-empty value, in order.
// It returns "" when no item has a value.
func StateBlock(items []conversation.ContextItem) string {
	lines := stateLines(items)
	if len(lines) == 0 {
		return ""
	}
	return StateBlockStart + "\n" + strings.Join(lines, "\n") + "\n" + StateBlockEnd
}

// LoopPreventionClause forbids calling toolName again in the reply.
func LoopPreventionClause(toolName string) string {
	if toolName == "" {
		toolName = "tool"
	}
	return fmt.Sprintf(loopPreventionTemplate, toolName, toolName)
}

// LatestToolResult reports whether the last message is a tool result and,
// if so, the name of the tool it answers.
func LatestToolResult(history []conversation.Message) (string, bool) {
	if len(history) == 0 {
		return "", false
	}
	last := history[len(history)-1]
	if !last.IsToolResult() {
		return "", false
	}
	for i := len(history) - 2; i >= 0; i-- {
		for _, tc := range history[i].ToolCalls {
			if tc.ID == last.ToolCallID {
				return tc.Name, true
			}
		}
	}
	return "", true
}

func stateLines(items []conversation.ContextItem) []string {
	var lines []string
	for _, item := range items {
		if strings.TrimSpace(item.Value) == "" {
			continue
		}
		lines = append(lines, item.Description+": "+item.Value)
	}
	return lines
}

func toolList(catalog []conversation.ToolSpec) string {
	if len(catalog) == 0 {
		return "No tools are available right now. Answer directly."
	}
	names := make([]string, len(catalog))
	for i, spec := range catalog {
		names[i] = spec.Name
	}
	return "Available tools: " + strings.Join(names, ", ") + "."
}
