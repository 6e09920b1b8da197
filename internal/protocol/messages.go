package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/yakGPT/yakGPT/internal/chat"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioFrame MessageType = "client_audio_frame"
	TypeClientAction     MessageType = "client_action"

	TypeSnapshot           MessageType = "snapshot"
	TypeInputText          MessageType = "input_text"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeMessageDone        MessageType = "message_done"
	TypeChatTitle          MessageType = "chat_title"
	TypeAPIState           MessageType = "api_state"
	TypeAudioState         MessageType = "audio_state"
	TypePlayerState        MessageType = "player_state"
	TypeAssistantAudio     MessageType = "assistant_audio_chunk"
	TypeAudioControl       MessageType = "audio_control"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

// Client actions carried by ClientAction.Action.
const (
	ActionSubmit          = "submit"
	ActionEditMessage     = "edit_message"
	ActionRegenerate      = "regenerate"
	ActionAbort           = "abort"
	ActionNewChat         = "new_chat"
	ActionSelectChat      = "select_chat"
	ActionDeleteChat      = "delete_chat"
	ActionRenameChat      = "rename_chat"
	ActionClearChats      = "clear_chats"
	ActionSetCharacter    = "set_character"
	ActionUpdateSettings  = "update_settings"
	ActionSetToggles      = "set_toggles"
	ActionStartDictation  = "start_dictation"
	ActionStopDictation   = "stop_dictation"
	ActionPushToTalkStart = "ptt_start"
	ActionPushToTalkStop  = "ptt_stop"
	ActionPushToTalkAbort = "ptt_cancel"
	ActionPlayerToggle    = "player_toggle"
	ActionAudioEnded      = "audio_ended"
	ActionSnapshot        = "snapshot"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioFrame is one captured microphone frame.
type ClientAudioFrame struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	Encoding    string      `json:"encoding"`
	AudioBase64 string      `json:"audio_base64"`
	SampleRate  int         `json:"sample_rate"`
}

// Decode returns the raw frame bytes.
func (f ClientAudioFrame) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.AudioBase64)
}

type ClientAction struct {
	Type      MessageType        `json:"type"`
	SessionID string             `json:"session_id"`
	Action    string             `json:"action"`
	ChatID    string             `json:"chat_id,omitempty"`
	MessageID string             `json:"message_id,omitempty"`
	Role      chat.Role          `json:"role,omitempty"`
	Content   string             `json:"content,omitempty"`
	Title     string             `json:"title,omitempty"`
	Character string             `json:"character,omitempty"`
	Prompt    string             `json:"prompt,omitempty"`
	Index     int                `json:"index,omitempty"`
	Settings  *chat.SettingsForm `json:"settings,omitempty"`
	Toggles   *chat.Toggles      `json:"toggles,omitempty"`
}

type InputText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ChatID    string      `json:"chat_id"`
	MessageID string      `json:"message_id"`
	TextDelta string      `json:"text_delta"`
}

type MessageDone struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	ChatID           string      `json:"chat_id"`
	MessageID        string      `json:"message_id"`
	Reason           string      `json:"reason"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	Cost             float64     `json:"cost"`
}

type ChatTitle struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ChatID    string      `json:"chat_id"`
	Title     string      `json:"title"`
}

// StateChange carries api_state, audio_state and player_state updates.
type StateChange struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Index     *int        `json:"index,omitempty"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Index       int         `json:"index"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

type AudioControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// Snapshot is the full view a client renders from.
type Snapshot struct {
	Type         MessageType       `json:"type"`
	SessionID    string            `json:"session_id"`
	ActiveChatID string            `json:"active_chat_id,omitempty"`
	Chats        []*chat.Chat      `json:"chats"`
	Settings     chat.SettingsForm `json:"settings"`
	Toggles      chat.Toggles      `json:"toggles"`
	InputText    string            `json:"input_text"`
	APIState     string            `json:"api_state"`
	AudioState   string            `json:"audio_state"`
	PlayerState  string            `json:"player_state"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioFrame:
		var msg ClientAudioFrame
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.AudioBase64 == "" {
			return nil, fmt.Errorf("%w: empty client_audio_frame", ErrInvalidMessage)
		}
		return msg, nil
	case TypeClientAction:
		var msg ClientAction
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action == "" {
			return nil, fmt.Errorf("%w: client_action without action", ErrInvalidMessage)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the wire type of an outbound message.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case Snapshot:
		return m.Type, true
	case InputText:
		return m.Type, true
	case AssistantTextDelta:
		return m.Type, true
	case MessageDone:
		return m.Type, true
	case ChatTitle:
		return m.Type, true
	case StateChange:
		return m.Type, true
	case AssistantAudioChunk:
		return m.Type, true
	case AudioControl:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
