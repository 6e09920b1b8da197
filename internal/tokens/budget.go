package tokens

import (
	"strings"

	"github.com/yakGPT/yakGPT/internal/chat"
)

// DefaultReservedOutput is held back for the reply when max_tokens is unlimited.
const DefaultReservedOutput = 1024

// Estimate approximates the token count of text as ceil(words * 100/75).
func Estimate(text string) int {
	words := len(strings.Fields(text))
	return (words*4 + 2) / 3
}

// Truncate fits messages into modelMax minus the reserved output budget.
// A leading system message is always kept; the rest are kept newest-first
// until the next one would overflow, in their original order.
func Truncate(messages []chat.Message, modelMax, reservedOutput int) []chat.Message {
	if len(messages) <= 1 {
		return messages
	}
	if reservedOutput <= 0 {
		reservedOutput = DefaultReservedOutput
	}
	ceiling := modelMax - reservedOutput

	var (
		head  []chat.Message
		rest  = messages
		spent int
	)
	if messages[0].Role == chat.RoleSystem {
		head = messages[:1]
		rest = messages[1:]
		spent = Estimate(messages[0].Content)
	}

	start := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		cost := Estimate(rest[i].Content)
		if spent+cost > ceiling {
			break
		}
		spent += cost
		start = i
	}

	out := make([]chat.Message, 0, len(head)+len(rest)-start)
	out = append(out, head...)
	out = append(out, rest[start:]...)
	if len(out) == 0 {
		out = append(out, rest[len(rest)-1])
	}
	return out
}
