package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/yakGPT/yakGPT/internal/audio"
	"github.com/yakGPT/yakGPT/internal/chat"
	"github.com/yakGPT/yakGPT/internal/dictation"
	"github.com/yakGPT/yakGPT/internal/protocol"
	"github.com/yakGPT/yakGPT/internal/recorder"
	"github.com/yakGPT/yakGPT/internal/speech"
	"github.com/yakGPT/yakGPT/internal/transcribe"
)

var (
	ErrDictationUnavailable = errors.New("streaming recognition is not configured")
	ErrBatchUnavailable     = errors.New("batch transcription is not configured")
)

// recognition is a running continuous dictation.
type recognition struct {
	sess   transcribe.RecognitionSession
	cancel context.CancelFunc
}

func (s *ChatSession) newDictationBuffer(debounceMS int) *dictation.Buffer {
	return dictation.NewBuffer(dictationSink{s}, dictation.Options{
		SubmitDebounce: time.Duration(debounceMS) * time.Millisecond,
		AutoSend: func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.state.Toggles.AutoSendDictation
		},
		Logger: s.logger,
	})
}

func (s *ChatSession) dictationBuffer() *dictation.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dictation
}

// reconfigureDictation swaps in a buffer with the new debounce window. A
// running dictation is restarted onto it.
func (s *ChatSession) reconfigureDictation(debounceMS int) {
	s.mu.Lock()
	if debounceMS == s.debounceMS {
		s.mu.Unlock()
		return
	}
	old := s.dictation
	s.dictation = s.newDictationBuffer(debounceMS)
	s.debounceMS = debounceMS
	listening := s.recognition != nil
	s.mu.Unlock()

	if listening {
		s.StopDictation()
		if err := s.StartDictation(); err != nil {
			s.logger.Warn("restart dictation failed", "err", err)
		}
	}
	old.Close()
}

type dictationSink struct{ s *ChatSession }

func (d dictationSink) SetInputText(text string) {
	d.s.mu.Lock()
	d.s.inputText = text
	d.s.mu.Unlock()
	d.s.publish(protocol.InputText{Type: protocol.TypeInputText, SessionID: d.s.id, Text: text})
}

func (d dictationSink) SubmitDictation(text string) error {
	return d.s.SubmitMessage(chat.NewMessage(chat.RoleUser, text))
}

func (d dictationSink) AbortGeneration() { d.s.Abort() }

func (d dictationSink) StopListening() { d.s.StopDictation() }

func (d dictationSink) NewChat() { d.s.NewChat() }

// StartDictation opens a streaming recognizer; audio pushed afterwards goes
// to it instead of the push-to-talk recorder.
func (s *ChatSession) StartDictation() error {
	if s.cfg.Recognizer == nil {
		return ErrDictationUnavailable
	}
	s.mu.Lock()
	if s.recognition != nil {
		s.mu.Unlock()
		return nil
	}
	lang := s.state.Settings.StreamingRecognitionLanguage()
	buf := s.dictation
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	sess, events, err := s.cfg.Recognizer.Start(ctx, transcribe.Options{Language: lang, SampleRate: s.cfg.SampleRate})
	if err != nil {
		cancel()
		code := "recognition_failed"
		if errors.Is(err, transcribe.ErrMissingCredentials) {
			code = "missing_recognition_key"
		}
		s.notify("recognition", code, err)
		return fmt.Errorf("start recognition: %w", err)
	}
	rec := &recognition{sess: sess, cancel: cancel}

	s.mu.Lock()
	if s.recognition != nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = sess.Stop()
		cancel()
		return nil
	}
	s.recognition = rec
	s.mu.Unlock()

	go func() {
		buf.Consume(ctx, events)
		s.recognitionEnded(rec)
	}()
	s.publish(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: s.id, Code: "dictation_started"})
	return nil
}

func (s *ChatSession) recognitionEnded(rec *recognition) {
	s.mu.Lock()
	current := s.recognition == rec
	if current {
		s.recognition = nil
	}
	s.mu.Unlock()
	rec.cancel()
	if current {
		s.publish(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: s.id, Code: "dictation_stopped"})
	}
}

// StopDictation ends the streaming recognizer. It does not wait for the
// event consumer, so the buffer may call it from a voice command.
func (s *ChatSession) StopDictation() {
	s.mu.Lock()
	rec := s.recognition
	s.recognition = nil
	s.mu.Unlock()
	if rec == nil {
		return
	}
	if err := rec.sess.Stop(); err != nil {
		s.logger.Warn("stop recognition failed", "err", err)
	}
	rec.cancel()
	s.publish(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: s.id, Code: "dictation_stopped"})
}

func (s *ChatSession) Dictating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recognition != nil
}

// PushAudio routes one captured frame to the running dictation, or to the
// push-to-talk recorder otherwise.
func (s *ChatSession) PushAudio(ctx context.Context, frame []byte, enc audio.Encoding) error {
	s.mu.Lock()
	rec := s.recognition
	s.mu.Unlock()
	if rec != nil {
		pcm, err := audio.ToPCM16(frame, enc)
		if err != nil {
			return err
		}
		return rec.sess.PushAudio(ctx, pcm)
	}
	if enc != "" && enc != s.cfg.CaptureEncoding {
		return fmt.Errorf("%w: recorder captures %q, got %q", audio.ErrUnsupportedEncoding, s.cfg.CaptureEncoding, enc)
	}
	return s.recorder.Feed(frame)
}

func (s *ChatSession) PushToTalkStart() error {
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		s.notify("transcription", "missing_api_key", transcribe.ErrMissingCredentials)
		return transcribe.ErrMissingCredentials
	}
	return s.recorder.Start()
}

func (s *ChatSession) PushToTalkStop() error { return s.recorder.Stop(true) }

func (s *ChatSession) PushToTalkCancel() error { return s.recorder.Cancel() }

func (s *ChatSession) AudioState() recorder.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioState
}

func (s *ChatSession) setAudioState(st recorder.State) {
	s.mu.Lock()
	s.audioState = st
	s.mu.Unlock()
	s.publishState(protocol.TypeAudioState, st.String())
}

func (s *ChatSession) transcribeBatch(ctx context.Context, wav []byte) (string, error) {
	if s.cfg.Whisper == nil {
		return "", ErrBatchUnavailable
	}
	s.mu.Lock()
	lang := s.state.Settings.RecognitionLanguage()
	s.mu.Unlock()

	started := time.Now()
	text, err := s.cfg.Whisper.Transcribe(ctx, transcribe.BatchRequest{
		APIKey:   s.cfg.APIKey,
		Audio:    wav,
		Filename: "audio.wav",
		Language: lang,
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.ObserveTranscription("batch", result, time.Since(started))
	return text, err
}

// recorderSink keeps a user placeholder in the chat while a push-to-talk
// recording is transcribed.
type recorderSink struct{ s *ChatSession }

func (r recorderSink) BeginTranscription() string {
	s := r.s
	s.mu.Lock()
	c := s.activeChatLocked(true)
	// audio_state=transcribing marks the pending turn; only the streaming
	// reply carries the loading flag.
	m := chat.NewMessage(chat.RoleUser, "")
	c.Messages = append(c.Messages, m)
	s.ptt = placeholder{chatID: c.ID, msgID: m.ID}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	return m.ID
}

func (r recorderSink) FinishTranscription(placeholderID, text string) {
	s := r.s
	s.mu.Lock()
	chatID := s.ptt.chatID
	s.ptt = placeholder{}
	s.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		s.removePlaceholder(chatID, placeholderID)
		return
	}
	msg := chat.Message{ID: placeholderID, Role: chat.RoleUser, Content: strings.TrimSpace(text)}
	if !s.placeholderIsLast(chatID, placeholderID) {
		// Turns typed during transcription stay; the transcript follows them.
		s.removePlaceholder(chatID, placeholderID)
		msg.ID = chat.NewMessage(chat.RoleUser, "").ID
	}
	err := s.submit(chatID, msg)
	if err != nil {
		s.logger.Warn("submit transcript failed", "err", err)
		s.removePlaceholder(chatID, placeholderID)
	}
}

func (r recorderSink) FailTranscription(placeholderID string, err error) {
	s := r.s
	s.mu.Lock()
	chatID := s.ptt.chatID
	s.ptt = placeholder{}
	s.mu.Unlock()

	s.removePlaceholder(chatID, placeholderID)
	code := "transcription_failed"
	if errors.Is(err, transcribe.ErrMissingCredentials) {
		code = "missing_api_key"
	}
	s.notify("transcription", code, err)
}

func (s *ChatSession) placeholderIsLast(chatID, msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chatLocked(chatID)
	if c == nil || len(c.Messages) == 0 {
		return false
	}
	return c.Messages[len(c.Messages)-1].ID == msgID
}

func (s *ChatSession) removePlaceholder(chatID, msgID string) {
	_ = s.mutate(func() (bool, error) {
		c := s.chatLocked(chatID)
		if c == nil {
			return false, nil
		}
		return c.Remove(msgID), nil
	})
}

// speechRuntime is the synthesis queue for the current provider.
type speechRuntime struct {
	queue  *speech.Queue
	cancel context.CancelFunc
}

// configureSpeech replaces the synthesis queue for new settings. Without a
// provider replies are not spoken.
func (s *ChatSession) configureSpeech(settings chat.SettingsForm) {
	var provider speech.Provider
	if s.cfg.Speech != nil {
		provider = s.cfg.Speech(settings)
	}
	if provider == nil {
		s.stopSpeech()
		return
	}
	var limiter *rate.Limiter
	if s.cfg.SpeechRate > 0 {
		limiter = rate.NewLimiter(s.cfg.SpeechRate, 1)
	}
	queue := speech.NewQueue(speech.QueueConfig{
		Provider: meteredProvider{Provider: provider, metrics: s.metrics},
		Source:   s.speakSource,
		Player:   socketPlayer{s},
		Interval: s.cfg.SpeechInterval,
		Limiter:  limiter,
		OnError: func(idx int, err error) {
			code := "synthesis_failed"
			if errors.Is(err, speech.ErrMissingCredentials) {
				code = "missing_speech_key"
			}
			s.notify("speech", code, err)
		},
		OnChange: s.publishPlayerState,
		Logger:   s.logger.With("provider", provider.Name()),
	})
	ctx, cancel := context.WithCancel(s.ctx)
	rt := &speechRuntime{queue: queue, cancel: cancel}

	s.mu.Lock()
	old := s.speech
	s.speech = rt
	s.mu.Unlock()

	if old != nil {
		old.cancel()
		old.queue.Reset()
	}
	go queue.Run(ctx)
}

// speakSource feeds the queue the reply being spoken.
func (s *ChatSession) speakSource() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speakMsg == "" {
		return "", false
	}
	for _, c := range s.state.Chats {
		if m := c.Message(s.speakMsg); m != nil {
			return m.Content, m.Loading
		}
	}
	return "", false
}

func (s *ChatSession) speechQueue() *speech.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speech == nil {
		return nil
	}
	return s.speech.queue
}

func (s *ChatSession) resetSpeech() {
	if q := s.speechQueue(); q != nil {
		q.Reset()
	}
}

func (s *ChatSession) stopSpeech() {
	s.mu.Lock()
	rt := s.speech
	s.speech = nil
	s.mu.Unlock()
	if rt != nil {
		rt.cancel()
		rt.queue.Reset()
	}
}

func (s *ChatSession) publishPlayerState() {
	q := s.speechQueue()
	if q == nil {
		return
	}
	idx := q.PlayingIndex()
	s.publish(protocol.StateChange{
		Type:      protocol.TypePlayerState,
		SessionID: s.id,
		State:     q.PlayerState().String(),
		Index:     &idx,
	})
}

// TogglePlayback cycles the reply player and returns its new state.
func (s *ChatSession) TogglePlayback() speech.PlayerState {
	q := s.speechQueue()
	if q == nil {
		return speech.PlayerIdle
	}
	return q.Toggle()
}

// AudioEnded reports that the client finished playing chunk idx.
func (s *ChatSession) AudioEnded(idx int) {
	if q := s.speechQueue(); q != nil {
		q.Ended(idx)
	}
}

// SpeechChunks exposes the queue for inspection.
func (s *ChatSession) SpeechChunks() []speech.Chunk {
	if q := s.speechQueue(); q != nil {
		return q.Chunks()
	}
	return nil
}

// socketPlayer hands audio to the connected client, which reports natural
// ends back through AudioEnded.
type socketPlayer struct{ s *ChatSession }

func (p socketPlayer) Play(idx int, a speech.Audio) {
	p.s.publish(protocol.AssistantAudioChunk{
		Type:        protocol.TypeAssistantAudio,
		SessionID:   p.s.id,
		Index:       idx,
		Format:      a.ContentType,
		AudioBase64: base64.StdEncoding.EncodeToString(a.Data),
	})
}

func (p socketPlayer) Pause()  { p.control("pause") }
func (p socketPlayer) Resume() { p.control("resume") }
func (p socketPlayer) Stop()   { p.control("stop") }

func (p socketPlayer) control(action string) {
	p.s.publish(protocol.AudioControl{Type: protocol.TypeAudioControl, SessionID: p.s.id, Action: action})
}

type meteredProvider struct {
	speech.Provider
	metrics Metrics
}

func (m meteredProvider) Synthesize(ctx context.Context, text string) (speech.Audio, error) {
	started := time.Now()
	a, err := m.Provider.Synthesize(ctx, text)
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.metrics.ObserveSynthesis(m.Provider.Name(), result, time.Since(started))
	return a, err
}
