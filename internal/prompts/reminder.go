package prompts

import (
	"strings"

	"github.com/nugget/statebridge/internal/conversation"
)

const reminderSuffix = "This is the ACTUAL current state RIGHT NOW. Use this value, not what you said before."

// StateReminder renders the real-time update appended after the history
// so the freshest state is the last thing the model reads. It returns ""
// when no context item has a value.
func StateReminder(items []conversation.ContextItem) string {
	lines := stateLines(items)
	if len(lines) == 0 {
		return ""
	}
	return "[REAL-TIME UPDATE] " + strings.Join(lines, "; ") + ". " + reminderSuffix
}
