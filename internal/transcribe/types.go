// Package transcribe turns speech into text, either as one batch upload or
// as a continuous recognition session with interim results.
package transcribe

import (
	"context"
	"errors"
)

var ErrMissingCredentials = errors.New("speech recognition credentials are not set")

type EventType string

const (
	EventRecognizing    EventType = "recognizing"
	EventRecognized     EventType = "recognized"
	EventCanceled       EventType = "canceled"
	EventSessionStopped EventType = "session_stopped"
)

// Event is one recognizer callback. Recognizing carries interim text that may
// still be revised; Recognized carries final text.
type Event struct {
	Type        EventType
	Text        string
	Reason      string
	ErrorCode   string
	ErrorDetail string
	Retryable   bool
}

type Options struct {
	// Language is a fixed recognition language; empty lets the provider detect it.
	Language   string
	SampleRate int
}

// RecognitionSession is a running continuous recognizer fed with PCM16LE mono audio.
type RecognitionSession interface {
	PushAudio(ctx context.Context, pcm []byte) error
	Stop() error
}

// Recognizer starts continuous recognition sessions. The event channel is
// closed after the session stops.
type Recognizer interface {
	Start(ctx context.Context, opts Options) (RecognitionSession, <-chan Event, error)
}
