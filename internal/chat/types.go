package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Message is a single conversation turn. Content grows in place while an
// assistant reply is streaming.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Loading bool   `json:"loading,omitempty"`
}

func NewMessage(role Role, content string) Message {
	return Message{ID: uuid.NewString(), Role: role, Content: content}
}

// Chat is an ordered conversation plus its usage accounting.
type Chat struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title,omitempty"`
	Messages             []Message `json:"messages"`
	ChosenCharacter      string    `json:"chosenCharacter,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	TokensUsed           int       `json:"tokensUsed"`
	PromptTokensUsed     int       `json:"promptTokensUsed,omitempty"`
	CompletionTokensUsed int       `json:"completionTokensUsed,omitempty"`
	CostIncurred         float64   `json:"costIncurred"`
}

func NewChat() *Chat {
	return &Chat{
		ID:        uuid.NewString(),
		Messages:  []Message{},
		CreatedAt: time.Now().UTC(),
	}
}

// IndexOf returns the position of the message with id, or -1.
func (c *Chat) IndexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Chat) Message(id string) *Message {
	i := c.IndexOf(id)
	if i < 0 {
		return nil
	}
	return &c.Messages[i]
}

// TruncateFrom drops the message with id and everything after it.
func (c *Chat) TruncateFrom(id string) bool {
	i := c.IndexOf(id)
	if i < 0 {
		return false
	}
	c.Messages = c.Messages[:i]
	return true
}

func (c *Chat) Remove(id string) bool {
	i := c.IndexOf(id)
	if i < 0 {
		return false
	}
	c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
	return true
}

func (c *Chat) WordCount() int {
	n := 0
	for _, m := range c.Messages {
		n += len(strings.Fields(m.Content))
	}
	return n
}

// AddUsage records prompt/completion tokens and their cost.
func (c *Chat) AddUsage(prompt, completion int, info ModelInfo) float64 {
	c.PromptTokensUsed += prompt
	c.CompletionTokensUsed += completion
	c.TokensUsed += prompt + completion
	cost := info.Cost(prompt, completion)
	c.CostIncurred += cost
	return cost
}

// ClearLoading resets stale loading flags, e.g. after a state reload.
func (c *Chat) ClearLoading() {
	for i := range c.Messages {
		c.Messages[i].Loading = false
	}
}

func (c *Chat) Clone() *Chat {
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	return &out
}
