// Package dictation accumulates streaming transcripts into pending chat
// input and decides when that input is submitted.
package dictation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yakGPT/yakGPT/internal/transcribe"
	"github.com/yakGPT/yakGPT/internal/voicecmd"
)

// Sink is the chat side of dictation. Calls are made without the buffer's
// lock held.
type Sink interface {
	// SetInputText mirrors the buffer into the visible input field.
	SetInputText(text string)
	// SubmitDictation sends text as a new user message, creating a chat when
	// none is active.
	SubmitDictation(text string) error
	AbortGeneration()
	StopListening()
	NewChat()
}

type Options struct {
	// SubmitDebounce delays persisting after a final transcript; 0 persists at once.
	SubmitDebounce time.Duration
	// AutoSend is consulted at persist time.
	AutoSend func() bool
	Logger   *slog.Logger
}

// Buffer holds committed transcript fragments plus at most one interim one.
type Buffer struct {
	sink     Sink
	autoSend func() bool
	logger   *slog.Logger
	debounce bool

	mu        sync.Mutex
	committed []string
	interim   string

	persist Debouncer
}

func NewBuffer(sink Sink, opts Options) *Buffer {
	if opts.AutoSend == nil {
		opts.AutoSend = func() bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &Buffer{
		sink:     sink,
		autoSend: opts.AutoSend,
		logger:   opts.Logger,
		debounce: opts.SubmitDebounce > 0,
	}
	b.persist.Delay = opts.SubmitDebounce
	return b
}

// Text is the displayed value: committed fragments then the interim one.
func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.displayLocked()
}

func (b *Buffer) displayLocked() string {
	return strings.TrimSpace(strings.Join(b.committed, " ") + " " + b.interim)
}

// OnInterim replaces the interim fragment. Command phrases are never shown.
func (b *Buffer) OnInterim(text string) {
	if voicecmd.IsCommand(text) {
		return
	}
	b.mu.Lock()
	b.interim = strings.TrimSpace(text)
	display := b.displayLocked()
	b.mu.Unlock()

	b.persist.Postpone()
	b.sink.SetInputText(display)
}

// OnFinal commits text, or executes it when it is a voice command.
func (b *Buffer) OnFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	cmd := voicecmd.Classify(text)
	if cmd != voicecmd.None {
		b.handleCommand(cmd)
		return
	}

	b.mu.Lock()
	b.committed = append(b.committed, text)
	b.interim = ""
	display := b.displayLocked()
	b.mu.Unlock()

	b.sink.SetInputText(display)
	if b.debounce {
		b.persist.Schedule(b.flush)
		return
	}
	b.flush()
}

func (b *Buffer) handleCommand(cmd voicecmd.Command) {
	b.logger.Debug("voice command", "command", cmd.String())
	b.persist.Cancel()

	switch cmd {
	case voicecmd.SendNow:
		b.mu.Lock()
		b.interim = ""
		b.mu.Unlock()
		b.flush()
		return
	case voicecmd.UndoLast:
		b.mu.Lock()
		if n := len(b.committed); n > 0 {
			b.committed = b.committed[:n-1]
		}
		b.interim = ""
		b.mu.Unlock()
	case voicecmd.StopGeneration:
		b.clearInterim()
		b.sink.AbortGeneration()
	case voicecmd.Sleep:
		b.clearInterim()
		b.sink.StopListening()
	case voicecmd.NewChat:
		b.Reset()
		b.sink.NewChat()
	}
	b.sink.SetInputText(b.Text())
}

func (b *Buffer) clearInterim() {
	b.mu.Lock()
	b.interim = ""
	b.mu.Unlock()
}

// flush persists the committed text: submitted and cleared when auto-send is
// on, otherwise left in the input field.
func (b *Buffer) flush() {
	b.mu.Lock()
	text := strings.Join(b.committed, " ")
	if strings.TrimSpace(text) == "" {
		b.mu.Unlock()
		return
	}
	text += " "
	autoSend := b.autoSend()
	if autoSend {
		b.committed = nil
		b.interim = ""
	}
	b.mu.Unlock()

	if !autoSend {
		b.sink.SetInputText(text)
		return
	}
	b.sink.SetInputText("")
	if err := b.sink.SubmitDictation(text); err != nil {
		b.logger.Warn("dictation submit failed", "err", err)
	}
}

// Flush persists immediately, bypassing the debounce window.
func (b *Buffer) Flush() {
	b.persist.Cancel()
	b.flush()
}

// CancelPending drops a scheduled persist.
func (b *Buffer) CancelPending() { b.persist.Cancel() }

// Reset clears all fragments and any scheduled persist.
func (b *Buffer) Reset() {
	b.persist.Cancel()
	b.mu.Lock()
	b.committed = nil
	b.interim = ""
	b.mu.Unlock()
}

// Close cancels pending work; the buffer ignores later persists.
func (b *Buffer) Close() { b.persist.Stop() }

// Consume feeds recognizer events into the buffer until events is closed or
// ctx is done. Cancellation and session end drop any pending persist.
func (b *Buffer) Consume(ctx context.Context, events <-chan transcribe.Event) {
	for {
		select {
		case <-ctx.Done():
			b.CancelPending()
			return
		case ev, ok := <-events:
			if !ok {
				b.CancelPending()
				return
			}
			switch ev.Type {
			case transcribe.EventRecognizing:
				b.OnInterim(ev.Text)
			case transcribe.EventRecognized:
				b.OnFinal(ev.Text)
			case transcribe.EventCanceled:
				b.CancelPending()
				if ev.ErrorCode != "" {
					b.logger.Warn("recognition canceled", "code", ev.ErrorCode, "detail", ev.ErrorDetail)
				}
			case transcribe.EventSessionStopped:
				b.CancelPending()
			}
		}
	}
}
