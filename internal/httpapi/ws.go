package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/yakGPT/yakGPT/internal/audio"
	"github.com/yakGPT/yakGPT/internal/chat"
	"github.com/yakGPT/yakGPT/internal/protocol"
	"github.com/yakGPT/yakGPT/internal/session"
)

var errUnknownAction = errors.New("unknown action")

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	cs, err := s.sessions.Chat(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := cs.Subscribe()
	defer unsubscribe()
	// direct carries replies to this connection only; the writer owns the socket.
	direct := make(chan any, 16)
	direct <- cs.Snapshot()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close()
		defer cancel()
		for {
			var msg any
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(shutdownGrace))
				return
			case m, ok := <-events:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "session ended"),
						time.Now().Add(shutdownGrace))
					return
				}
				msg = m
			case m := <-direct:
				msg = m
			}
			if err := s.writeMessage(conn, msg); err != nil {
				s.logger.Debug("websocket write failed", "session_id", sessionID, "err", err)
				return
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		_ = s.sessions.Touch(sessionID)

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.reply(ctx, direct, gatewayError(sessionID, "invalid_client_message", err))
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", inboundType(parsed)).Inc()

		reply, err := s.dispatch(ctx, cs, parsed)
		if err != nil {
			s.reply(ctx, direct, gatewayError(sessionID, "action_failed", err))
			continue
		}
		if reply != nil {
			s.reply(ctx, direct, reply)
		}
	}

	cancel()
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

func (s *Server) writeMessage(conn *websocket.Conn, msg any) error {
	raw, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	if t, ok := protocol.TypeOf(msg); ok {
		s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
	}
	return nil
}

func (s *Server) reply(ctx context.Context, direct chan<- any, msg any) {
	select {
	case direct <- msg:
	case <-ctx.Done():
	default:
		t, _ := protocol.TypeOf(msg)
		s.metrics.ObserveDroppedEvent(string(t))
	}
}

func gatewayError(sessionID, code string, err error) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    "gateway",
		Retryable: false,
		Detail:    err.Error(),
	}
}

func inboundType(msg any) string {
	switch m := msg.(type) {
	case protocol.ClientAudioFrame:
		return string(m.Type)
	case protocol.ClientAction:
		return string(m.Type)
	default:
		return "unknown"
	}
}

// dispatch applies one client message to the session. A non-nil reply goes
// back to the sending connection only.
func (s *Server) dispatch(ctx context.Context, cs *session.ChatSession, msg any) (any, error) {
	switch m := msg.(type) {
	case protocol.ClientAudioFrame:
		data, err := m.Decode()
		if err != nil {
			return nil, fmt.Errorf("decode audio frame: %w", err)
		}
		return nil, cs.PushAudio(ctx, data, audio.Encoding(m.Encoding))
	case protocol.ClientAction:
		return s.dispatchAction(cs, m)
	default:
		return nil, protocol.ErrUnsupportedType
	}
}

func (s *Server) dispatchAction(cs *session.ChatSession, a protocol.ClientAction) (any, error) {
	switch a.Action {
	case protocol.ActionSubmit:
		msg := chat.NewMessage(a.Role, a.Content)
		if a.MessageID != "" {
			msg.ID = a.MessageID
		}
		return nil, cs.SubmitMessage(msg)
	case protocol.ActionEditMessage:
		return nil, cs.EditMessage(a.MessageID, a.Content)
	case protocol.ActionRegenerate:
		return nil, cs.Regenerate(a.MessageID)
	case protocol.ActionAbort:
		cs.Abort()
	case protocol.ActionNewChat:
		cs.NewChat()
	case protocol.ActionSelectChat:
		return nil, cs.SelectChat(a.ChatID)
	case protocol.ActionDeleteChat:
		return nil, cs.DeleteChat(a.ChatID)
	case protocol.ActionRenameChat:
		return nil, cs.RenameChat(a.ChatID, a.Title)
	case protocol.ActionClearChats:
		cs.ClearChats()
	case protocol.ActionSetCharacter:
		return nil, cs.SetChosenCharacter(a.Character, a.Prompt)
	case protocol.ActionUpdateSettings:
		if a.Settings == nil {
			return nil, fmt.Errorf("%w: update_settings without settings", protocol.ErrInvalidMessage)
		}
		return nil, cs.UpdateSettings(*a.Settings)
	case protocol.ActionSetToggles:
		if a.Toggles == nil {
			return nil, fmt.Errorf("%w: set_toggles without toggles", protocol.ErrInvalidMessage)
		}
		cs.SetToggles(*a.Toggles)
	case protocol.ActionStartDictation:
		return nil, cs.StartDictation()
	case protocol.ActionStopDictation:
		cs.StopDictation()
	case protocol.ActionPushToTalkStart:
		return nil, cs.PushToTalkStart()
	case protocol.ActionPushToTalkStop:
		return nil, cs.PushToTalkStop()
	case protocol.ActionPushToTalkAbort:
		return nil, cs.PushToTalkCancel()
	case protocol.ActionPlayerToggle:
		cs.TogglePlayback()
	case protocol.ActionAudioEnded:
		cs.AudioEnded(a.Index)
	case protocol.ActionSnapshot:
		return cs.Snapshot(), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownAction, a.Action)
	}
	return nil, nil
}
