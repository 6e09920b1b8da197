// Package recorder owns push-to-talk capture: start, stop with or without
// transcription, and release of the capture device after inactivity.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yakGPT/yakGPT/internal/audio"
)

type State int

const (
	Idle State = iota
	Recording
	Transcribing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Transcribing:
		return "transcribing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrInvalidTransition = errors.New("invalid recorder transition")

const DefaultIdleTimeout = 30 * time.Second

// DeviceHandler receives capture callbacks. OnStop fires once per Stop,
// after the device has flushed its last frame.
type DeviceHandler struct {
	OnData func(pcm []byte)
	OnStop func()
}

type Device interface {
	Start() error
	Stop() error
	Close() error
}

type DeviceFactory func(h DeviceHandler) (Device, error)

// Sink is the chat side of a transcription. Calls are made without the
// recorder's lock held.
type Sink interface {
	// BeginTranscription adds a placeholder message and returns its id.
	BeginTranscription() string
	// FinishTranscription replaces the placeholder with text, or removes it
	// when text is empty.
	FinishTranscription(placeholderID, text string)
	FailTranscription(placeholderID string, err error)
}

type TranscribeFunc func(ctx context.Context, wav []byte) (string, error)

type Config struct {
	IdleTimeout   time.Duration
	SampleRate    int
	Open          DeviceFactory
	Transcribe    TranscribeFunc
	Sink          Sink
	OnStateChange func(State)
	Logger        *slog.Logger
}

// Session is the push-to-talk state machine.
type Session struct {
	ctx context.Context
	cfg Config

	mu         sync.Mutex
	state      State
	device    Device
	pcm       []byte
	stops     []pendingStop
	idleTimer *time.Timer
	idleGen   uint64
}

// pendingStop is a finished recording awaiting its device stop event.
type pendingStop struct {
	submit bool
	pcm    []byte
}

func New(ctx context.Context, cfg Config) *Session {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(State) {}
	}
	return &Session{ctx: ctx, cfg: cfg}
}

func (r *Session) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// DeviceOpen reports whether a capture device is currently held.
func (r *Session) DeviceOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.device != nil
}

// Start begins buffering audio, opening the device on first use.
func (r *Session) Start() error {
	r.mu.Lock()
	if r.state != Idle {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrInvalidTransition, st)
	}
	r.stopIdleTimerLocked()
	if r.device == nil {
		dev, err := r.cfg.Open(DeviceHandler{OnData: r.onData, OnStop: r.onStop})
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("open capture device: %w", err)
		}
		r.device = dev
	}
	dev := r.device
	r.pcm = nil
	r.state = Recording
	r.mu.Unlock()

	if err := dev.Start(); err != nil {
		r.mu.Lock()
		r.state = Idle
		r.mu.Unlock()
		return fmt.Errorf("start capture: %w", err)
	}
	r.cfg.OnStateChange(Recording)
	return nil
}

// Stop ends the recording. The state flips before the device is told to
// stop; the device's stop event then uploads or discards the audio.
func (r *Session) Stop(submit bool) error {
	r.mu.Lock()
	if r.state != Recording {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: stop while %s", ErrInvalidTransition, st)
	}
	r.stops = append(r.stops, pendingStop{submit: submit, pcm: r.pcm})
	r.pcm = nil
	next := Idle
	if submit {
		next = Transcribing
	}
	r.state = next
	dev := r.device
	r.mu.Unlock()

	r.cfg.OnStateChange(next)
	if err := dev.Stop(); err != nil {
		r.cfg.Logger.Warn("capture stop failed", "err", err)
		r.onStop()
	}
	return nil
}

// Cancel stops without transcribing.
func (r *Session) Cancel() error { return r.Stop(false) }

// Feed forwards a browser frame to the device when it accepts frames.
func (r *Session) Feed(frame []byte) error {
	r.mu.Lock()
	dev := r.device
	r.mu.Unlock()
	f, ok := dev.(interface{ Feed([]byte) error })
	if !ok {
		return nil
	}
	return f.Feed(frame)
}

// Destroy releases the device. Safe to call repeatedly or before any start.
func (r *Session) Destroy() {
	r.mu.Lock()
	r.stopIdleTimerLocked()
	dev := r.device
	r.device = nil
	changed := r.state == Recording
	if changed {
		r.state = Idle
		r.pcm = nil
	}
	r.mu.Unlock()

	if dev != nil {
		if err := dev.Close(); err != nil {
			r.cfg.Logger.Warn("capture close failed", "err", err)
		}
	}
	if changed {
		r.cfg.OnStateChange(Idle)
	}
}

func (r *Session) onData(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Recording {
		r.pcm = append(r.pcm, pcm...)
	}
}

func (r *Session) onStop() {
	r.mu.Lock()
	if len(r.stops) == 0 {
		r.mu.Unlock()
		return
	}
	stop := r.stops[0]
	r.stops = r.stops[1:]
	r.mu.Unlock()

	if stop.submit {
		r.upload(stop.pcm)
	}
	r.settle()
}

func (r *Session) upload(pcm []byte) {
	id := r.cfg.Sink.BeginTranscription()
	wav, err := audio.EncodeWAVPCM16LE(pcm, r.cfg.SampleRate)
	if err != nil {
		r.cfg.Sink.FailTranscription(id, err)
		return
	}
	text, err := r.cfg.Transcribe(r.ctx, wav)
	if err != nil {
		r.cfg.Logger.Warn("transcription failed", "err", err, "audio_ms", audio.DurationMS(pcm, r.cfg.SampleRate))
		r.cfg.Sink.FailTranscription(id, err)
		return
	}
	r.cfg.Sink.FinishTranscription(id, text)
}

// settle returns to idle after a recording completes and arms the idle timer.
func (r *Session) settle() {
	r.mu.Lock()
	changed := r.state == Transcribing
	if changed {
		r.state = Idle
	}
	if r.state == Idle && r.device != nil {
		r.armIdleTimerLocked()
	}
	r.mu.Unlock()
	if changed {
		r.cfg.OnStateChange(Idle)
	}
}

func (r *Session) armIdleTimerLocked() {
	r.stopIdleTimerLocked()
	gen := r.idleGen
	r.idleTimer = time.AfterFunc(r.cfg.IdleTimeout, func() { r.releaseIdle(gen) })
}

// releaseIdle closes the device if timer gen is still current and nothing
// has started since. The check and the detach share one critical section.
func (r *Session) releaseIdle(gen uint64) {
	r.mu.Lock()
	if gen != r.idleGen || r.state != Idle || r.device == nil {
		r.mu.Unlock()
		return
	}
	r.idleTimer = nil
	dev := r.device
	r.device = nil
	r.mu.Unlock()

	r.cfg.Logger.Debug("releasing idle capture device")
	if err := dev.Close(); err != nil {
		r.cfg.Logger.Warn("capture close failed", "err", err)
	}
}

func (r *Session) stopIdleTimerLocked() {
	r.idleGen++
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
}
