package chat

import (
	"strings"
	"unicode"
)

const titleMinWords = 4

// NeedsTitle reports whether a chat qualifies for an automatic title.
func (c *Chat) NeedsTitle() bool {
	return c.Title == "" && len(c.Messages) >= 2 && c.WordCount() >= titleMinWords
}

// TitlePrompt builds the request asking the model to name the conversation.
func TitlePrompt(c *Chat) []Message {
	var b strings.Builder
	for _, m := range c.Messages {
		if m.Role == RoleSystem || strings.TrimSpace(m.Content) == "" {
			continue
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return []Message{
		NewMessage(RoleSystem, "Describe the following conversation snippet in 3 words or less. Answer with the title only."),
		NewMessage(RoleUser, ">>>\n"+b.String()+">>>"),
	}
}

// CleanTitle strips a leading "title:" label and trailing punctuation from a
// streamed title.
func CleanTitle(raw string) string {
	t := strings.TrimSpace(raw)
	if len(t) >= len("title:") && strings.EqualFold(t[:len("title:")], "title:") {
		t = strings.TrimSpace(t[len("title:"):])
	}
	t = strings.TrimRightFunc(t, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	return strings.Trim(t, `"'`)
}
