package session

import (
	"context"
	"errors"
	"time"

	"github.com/yakGPT/yakGPT/internal/chat"
	"github.com/yakGPT/yakGPT/internal/completion"
	"github.com/yakGPT/yakGPT/internal/protocol"
	"github.com/yakGPT/yakGPT/internal/redact"
	"github.com/yakGPT/yakGPT/internal/store"
)

// Metrics receives pipeline observations. observability.Metrics satisfies it.
type Metrics interface {
	ObserveCompletion(model, result string, d time.Duration)
	ObserveFirstToken(d time.Duration)
	AddUsage(model string, prompt, completion int, cost float64)
	ObserveTranscription(kind, result string, d time.Duration)
	ObserveSynthesis(provider, result string, d time.Duration)
	ObserveDroppedEvent(msgType string)
	ObserveProviderError(provider, code string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveCompletion(string, string, time.Duration)    {}
func (noopMetrics) ObserveFirstToken(time.Duration)                    {}
func (noopMetrics) AddUsage(string, int, int, float64)                 {}
func (noopMetrics) ObserveTranscription(string, string, time.Duration) {}
func (noopMetrics) ObserveSynthesis(string, string, time.Duration)     {}
func (noopMetrics) ObserveDroppedEvent(string)                         {}
func (noopMetrics) ObserveProviderError(string, string)                {}

const subscriberBuffer = 256

// Subscribe returns a channel of outbound protocol messages and a function
// that detaches it. Slow subscribers lose messages rather than block the
// session.
func (s *ChatSession) Subscribe() (<-chan any, func()) {
	ch := make(chan any, subscriberBuffer)
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *ChatSession) publish(msg any) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- msg:
		default:
			t, _ := protocol.TypeOf(msg)
			s.metrics.ObserveDroppedEvent(string(t))
		}
	}
}

func (s *ChatSession) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// notify reports a failure to the user. Code is a short machine-readable tag.
func (s *ChatSession) notify(source, code string, err error) {
	retryable := false
	detail := redact.Error(err)
	var se *completion.StatusError
	if errors.As(err, &se) {
		retryable = se.Retryable()
		detail, _ = redact.Secrets(se.Message())
	}
	s.logger.Warn("session notification", "source", source, "code", code, "err", detail)
	s.metrics.ObserveProviderError(source, code)
	s.publish(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: s.id,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	})
}

func (s *ChatSession) publishState(t protocol.MessageType, state string) {
	s.publish(protocol.StateChange{Type: t, SessionID: s.id, State: state})
}

// persist saves the settled state. Saves run outside the session lock; the
// version guard drops a save that lost the race to a newer one.
func (s *ChatSession) persist() {
	s.mu.Lock()
	st := s.persistedLocked()
	s.mu.Unlock()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if st.Version <= s.savedVersion {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.SaveState(ctx, s.cfg.Store, s.cfg.UserID, st); err != nil {
		s.logger.Error("persist session state failed", "err", err)
		return
	}
	s.savedVersion = st.Version
}

func (s *ChatSession) persistedLocked() store.State {
	chats := make([]*chat.Chat, 0, len(s.state.Chats))
	for _, c := range s.state.Chats {
		chats = append(chats, c.Clone())
	}
	st := s.state
	st.Chats = chats
	return st
}

// touchLocked marks a settled change to be persisted.
func (s *ChatSession) touchLocked() {
	s.state.Version++
}
