package session

import (
	"fmt"
	"strings"

	"github.com/yakGPT/yakGPT/internal/chat"
	"github.com/yakGPT/yakGPT/internal/protocol"
)

// Snapshot returns the full client view.
func (s *ChatSession) Snapshot() protocol.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *ChatSession) snapshotLocked() protocol.Snapshot {
	chats := make([]*chat.Chat, 0, len(s.state.Chats))
	for _, c := range s.state.Chats {
		chats = append(chats, c.Clone())
	}
	player := "idle"
	if s.speech != nil {
		player = s.speech.queue.PlayerState().String()
	}
	return protocol.Snapshot{
		Type:         protocol.TypeSnapshot,
		SessionID:    s.id,
		ActiveChatID: s.state.ActiveChatID,
		Chats:        chats,
		Settings:     s.state.Settings,
		Toggles:      s.state.Toggles,
		InputText:    s.inputText,
		APIState:     string(s.apiState),
		AudioState:   s.audioState.String(),
		PlayerState:  player,
	}
}

// mutate applies fn under the session lock, then publishes a snapshot and
// persists when fn reports a change.
func (s *ChatSession) mutate(fn func() (bool, error)) error {
	s.mu.Lock()
	changed, err := fn()
	if err != nil || !changed {
		s.mu.Unlock()
		return err
	}
	s.touchLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	s.persist()
	return nil
}

// NewChat starts an empty chat and makes it active.
func (s *ChatSession) NewChat() string {
	var id string
	_ = s.mutate(func() (bool, error) {
		c := chat.NewChat()
		s.state.Chats = append(s.state.Chats, c)
		s.state.ActiveChatID = c.ID
		id = c.ID
		return true, nil
	})
	s.dictationBuffer().Reset()
	return id
}

func (s *ChatSession) SelectChat(id string) error {
	return s.mutate(func() (bool, error) {
		if s.chatLocked(id) == nil {
			return false, ErrChatNotFound
		}
		if s.state.ActiveChatID == id {
			return false, nil
		}
		s.state.ActiveChatID = id
		return true, nil
	})
}

// DeleteChat removes a chat, aborting a reply that is streaming into it.
func (s *ChatSession) DeleteChat(id string) error {
	s.mu.Lock()
	streaming := s.streamChat == id
	s.mu.Unlock()
	if streaming {
		s.Abort()
	}
	return s.mutate(func() (bool, error) {
		idx := -1
		for i, c := range s.state.Chats {
			if c.ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false, ErrChatNotFound
		}
		s.state.Chats = append(s.state.Chats[:idx], s.state.Chats[idx+1:]...)
		if s.state.ActiveChatID == id {
			s.state.ActiveChatID = ""
			if n := len(s.state.Chats); n > 0 {
				s.state.ActiveChatID = s.state.Chats[n-1].ID
			}
		}
		return true, nil
	})
}

func (s *ChatSession) ClearChats() {
	s.Abort()
	_ = s.mutate(func() (bool, error) {
		s.state.Chats = nil
		s.state.ActiveChatID = ""
		return true, nil
	})
}

func (s *ChatSession) RenameChat(id, title string) error {
	return s.mutate(func() (bool, error) {
		c := s.chatLocked(id)
		if c == nil {
			return false, ErrChatNotFound
		}
		c.Title = strings.TrimSpace(title)
		return true, nil
	})
}

// SetChosenCharacter records the persona of the active chat and installs
// its prompt as the leading system message.
func (s *ChatSession) SetChosenCharacter(name, prompt string) error {
	return s.mutate(func() (bool, error) {
		c := s.activeChatLocked(true)
		c.ChosenCharacter = name
		prompt = strings.TrimSpace(prompt)
		if prompt == "" {
			return true, nil
		}
		if len(c.Messages) > 0 && c.Messages[0].Role == chat.RoleSystem {
			c.Messages[0].Content = prompt
			return true, nil
		}
		sys := chat.NewMessage(chat.RoleSystem, prompt)
		c.Messages = append([]chat.Message{sys}, c.Messages...)
		return true, nil
	})
}

// UpdateSettings replaces the whole settings form. An invalid form is
// rejected without touching the current one.
func (s *ChatSession) UpdateSettings(form chat.SettingsForm) error {
	if err := form.Validate(); err != nil {
		return err
	}
	err := s.mutate(func() (bool, error) {
		s.state.Settings = form
		return true, nil
	})
	if err != nil {
		return err
	}
	s.reconfigureDictation(form.SubmitDebounceMS)
	s.configureSpeech(form)
	return nil
}

func (s *ChatSession) Settings() chat.SettingsForm {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Settings
}

func (s *ChatSession) SetToggles(t chat.Toggles) {
	_ = s.mutate(func() (bool, error) {
		if s.state.Toggles == t {
			return false, nil
		}
		s.state.Toggles = t
		if !t.SpeakReplies {
			s.speakMsg = ""
		}
		return true, nil
	})
	if !t.SpeakReplies {
		s.resetSpeech()
	}
}

func (s *ChatSession) Toggles() chat.Toggles {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Toggles
}

// ExportMarkdown renders one chat as a Markdown transcript.
func (s *ChatSession) ExportMarkdown(chatID string) (string, error) {
	s.mu.Lock()
	c := s.chatLocked(chatID)
	if c == nil {
		s.mu.Unlock()
		return "", ErrChatNotFound
	}
	c = c.Clone()
	s.mu.Unlock()
	return chat.Markdown(c), nil
}

// ExportJSON serializes every chat for backup.
func (s *ChatSession) ExportJSON() ([]byte, error) {
	s.mu.Lock()
	st := s.persistedLocked()
	s.mu.Unlock()
	return chat.ExportJSON(st.Chats)
}

// ImportJSON replaces all chats with a previously exported backup.
func (s *ChatSession) ImportJSON(raw []byte) error {
	chats, err := chat.ImportJSON(raw)
	if err != nil {
		return fmt.Errorf("import chats: %w", err)
	}
	s.Abort()
	return s.mutate(func() (bool, error) {
		s.state.Chats = chats
		s.state.ActiveChatID = ""
		if n := len(chats); n > 0 {
			s.state.ActiveChatID = chats[n-1].ID
		}
		return true, nil
	})
}
