package transcribe

import (
	"context"
	"sync"
)

// ScriptedRecognizer replays a fixed sequence of events, one per pushed
// audio frame. It stands in for a vendor recognizer in development and tests.
type ScriptedRecognizer struct {
	Script []Event

	mu       sync.Mutex
	sessions []*ScriptedSession
}

func NewScriptedRecognizer(script ...Event) *ScriptedRecognizer {
	return &ScriptedRecognizer{Script: script}
}

func (r *ScriptedRecognizer) Start(_ context.Context, opts Options) (RecognitionSession, <-chan Event, error) {
	s := &ScriptedSession{
		events:  make(chan Event, len(r.Script)+64),
		script:  append([]Event(nil), r.Script...),
		Options: opts,
	}
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
	return s, s.events, nil
}

// Last returns the most recently started session.
func (r *ScriptedRecognizer) Last() *ScriptedSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil
	}
	return r.sessions[len(r.sessions)-1]
}

type ScriptedSession struct {
	Options Options

	mu      sync.Mutex
	events  chan Event
	script  []Event
	pushed  int
	stopped bool
}

func (s *ScriptedSession) PushAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.pushed += len(pcm)
	if len(s.script) > 0 {
		s.events <- s.script[0]
		s.script = s.script[1:]
	}
	return nil
}

// Emit injects an event as if the vendor had sent it.
func (s *ScriptedSession) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.events <- ev
}

func (s *ScriptedSession) PushedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushed
}

func (s *ScriptedSession) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *ScriptedSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	select {
	case s.events <- Event{Type: EventSessionStopped}:
	default:
	}
	close(s.events)
	return nil
}
