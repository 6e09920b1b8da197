package chat

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Markdown renders a chat as a readable transcript.
func Markdown(c *Chat) string {
	var b strings.Builder
	title := c.Title
	if title == "" {
		title = "Untitled chat"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "_%s_\n", c.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	for _, m := range c.Messages {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", roleHeading(m.Role), strings.TrimSpace(m.Content))
	}
	return b.String()
}

func roleHeading(r Role) string {
	switch r {
	case RoleUser:
		return "User"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// ExportJSON encodes chats as a JSON array for backup.
func ExportJSON(chats []*Chat) ([]byte, error) {
	if chats == nil {
		chats = []*Chat{}
	}
	return sonic.ConfigStd.MarshalIndent(chats, "", "  ")
}

// ImportJSON decodes an ExportJSON payload. Loading flags are cleared and
// ids are checked so a restored chat is immediately usable.
func ImportJSON(raw []byte) ([]*Chat, error) {
	var chats []*Chat
	if err := sonic.ConfigStd.Unmarshal(raw, &chats); err != nil {
		return nil, fmt.Errorf("decode chats: %w", err)
	}
	seen := make(map[string]struct{}, len(chats))
	for i, c := range chats {
		if c == nil || strings.TrimSpace(c.ID) == "" {
			return nil, fmt.Errorf("chat %d: missing id", i)
		}
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("chat %d: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = struct{}{}
		for j, m := range c.Messages {
			if !m.Role.Valid() {
				return nil, fmt.Errorf("chat %q message %d: invalid role %q", c.ID, j, m.Role)
			}
		}
		if c.Messages == nil {
			c.Messages = []Message{}
		}
		c.ClearLoading()
	}
	return chats, nil
}
