package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yakGPT/yakGPT/internal/audio"
	"github.com/yakGPT/yakGPT/internal/chat"
	"github.com/yakGPT/yakGPT/internal/completion"
	"github.com/yakGPT/yakGPT/internal/dictation"
	"github.com/yakGPT/yakGPT/internal/protocol"
	"github.com/yakGPT/yakGPT/internal/recorder"
	"github.com/yakGPT/yakGPT/internal/speech"
	"github.com/yakGPT/yakGPT/internal/store"
	"github.com/yakGPT/yakGPT/internal/transcribe"
)

var (
	ErrEmptyMessage  = errors.New("message is empty")
	ErrChatNotFound  = errors.New("chat not found")
	ErrNoSuchMessage = errors.New("message not found")
	ErrClosed        = errors.New("session closed")
)

type APIState string

const (
	APIIdle    APIState = "idle"
	APILoading APIState = "loading"
	APIError   APIState = "error"
)

// SpeechFactory builds the synthesis provider for the given settings, or nil
// when replies should not be spoken.
type SpeechFactory func(settings chat.SettingsForm) speech.Provider

type Config struct {
	ID         string
	UserID     string
	Store      store.Store
	Completion *completion.Client
	APIKey     string
	Whisper    *transcribe.Whisper
	// Recognizer drives continuous dictation; nil disables it.
	Recognizer transcribe.Recognizer
	Speech     SpeechFactory

	CaptureEncoding audio.Encoding
	SampleRate      int
	RecorderIdle    time.Duration
	SpeechInterval  time.Duration
	SpeechRate      rate.Limit

	Metrics Metrics
	Logger  *slog.Logger
}

// ChatSession owns one user's chats and the voice pipeline around them.
// Every mutation of chat state happens under mu; handlers and sinks never
// call out while holding it.
type ChatSession struct {
	id      string
	cfg     Config
	logger  *slog.Logger
	metrics Metrics
	ctx     context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	state      store.State
	apiState   APIState
	audioState recorder.State
	inputText  string
	gen        uint64
	stream     *completion.Stream
	streamChat string
	streamMsg  string
	// titles holds title streams by chat id; nil while one is starting.
	titles     map[string]*completion.Stream
	speakMsg   string
	ptt        placeholder

	dictation   *dictation.Buffer
	debounceMS  int
	recognition *recognition
	recorder    *recorder.Session
	speech      *speechRuntime

	subMu   sync.Mutex
	subs    map[int]chan any
	nextSub int
	closed  bool

	saveMu       sync.Mutex
	savedVersion uint64
}

type placeholder struct {
	chatID string
	msgID  string
}

// New loads the user's state and assembles the session's pipeline.
func New(ctx context.Context, cfg Config) (*ChatSession, error) {
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	if cfg.Completion == nil {
		cfg.Completion = completion.NewClient(completion.Config{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	st, err := store.LoadState(ctx, cfg.Store, cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &ChatSession{
		id:         cfg.ID,
		cfg:        cfg,
		logger:     cfg.Logger.With("session_id", cfg.ID, "user_id", cfg.UserID),
		metrics:    cfg.Metrics,
		ctx:        sctx,
		cancel:     cancel,
		state:      st,
		apiState:   APIIdle,
		titles:     make(map[string]*completion.Stream),
		subs:       make(map[int]chan any),
		debounceMS: st.Settings.SubmitDebounceMS,
	}
	s.savedVersion = st.Version
	s.dictation = s.newDictationBuffer(st.Settings.SubmitDebounceMS)
	s.recorder = recorder.New(sctx, recorder.Config{
		IdleTimeout:   cfg.RecorderIdle,
		SampleRate:    cfg.SampleRate,
		Open:          recorder.StreamDeviceFactory(cfg.CaptureEncoding),
		Transcribe:    s.transcribeBatch,
		Sink:          recorderSink{s},
		OnStateChange: s.setAudioState,
		Logger:        s.logger,
	})
	s.configureSpeech(st.Settings)
	return s, nil
}

func (s *ChatSession) ID() string { return s.id }

func (s *ChatSession) UserID() string { return s.cfg.UserID }

// activeChatLocked returns the active chat, creating one when create is set
// and none exists.
func (s *ChatSession) activeChatLocked(create bool) *chat.Chat {
	if c := s.chatLocked(s.state.ActiveChatID); c != nil {
		return c
	}
	if !create {
		return nil
	}
	c := chat.NewChat()
	s.state.Chats = append(s.state.Chats, c)
	s.state.ActiveChatID = c.ID
	return c
}

func (s *ChatSession) chatLocked(id string) *chat.Chat {
	if id == "" {
		return nil
	}
	for _, c := range s.state.Chats {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// SubmitMessage appends msg to the active chat and streams a reply. When
// msg.ID names an existing message, that message and everything after it
// are replaced.
func (s *ChatSession) SubmitMessage(msg chat.Message) error {
	return s.submit("", msg)
}

func (s *ChatSession) submit(chatID string, msg chat.Message) error {
	if strings.TrimSpace(msg.Content) == "" {
		return ErrEmptyMessage
	}
	if msg.Role == "" {
		msg.Role = chat.RoleUser
	}
	if !msg.Role.Valid() {
		return fmt.Errorf("invalid role %q", msg.Role)
	}
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		s.notify("completion", "missing_api_key", completion.ErrMissingAPIKey)
		return completion.ErrMissingAPIKey
	}
	if msg.ID == "" {
		msg.ID = chat.NewMessage(msg.Role, "").ID
	}
	msg.Loading = false

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return ErrClosed
	}
	c := s.chatLocked(chatID)
	if c == nil {
		c = s.activeChatLocked(true)
	}
	c.TruncateFrom(msg.ID)
	reply := chat.NewMessage(chat.RoleAssistant, "")
	reply.Loading = true
	c.Messages = append(c.Messages, msg, reply)
	history := requestHistory(c.Messages[:len(c.Messages)-1])
	previous := s.takeStreamLocked()
	s.gen++
	gen := s.gen
	s.streamChat, s.streamMsg = c.ID, reply.ID
	s.apiState = APILoading
	if s.state.Toggles.SpeakReplies {
		s.speakMsg = reply.ID
	} else {
		s.speakMsg = ""
	}
	settings := s.state.Settings
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if previous != nil {
		previous.Cancel()
	}
	s.resetSpeech()
	s.publish(snap)

	started := time.Now()
	var firstToken sync.Once
	stream, err := s.cfg.Completion.Stream(s.ctx, completion.Request{
		Messages: history,
		Params:   settings,
		APIKey:   s.cfg.APIKey,
	}, completion.Handlers{
		OnToken: func(text string) {
			firstToken.Do(func() { s.metrics.ObserveFirstToken(time.Since(started)) })
			s.onToken(gen, text)
		},
		OnDone: func(u completion.Usage) {
			s.onDone(gen, settings, u, started)
		},
		OnError: func(err *completion.StatusError) {
			s.onError(gen, settings.Model, err, started)
		},
	})
	if err != nil {
		s.onError(gen, settings.Model, &completion.StatusError{Err: err}, started)
		return err
	}

	s.mu.Lock()
	if s.gen == gen && s.streamMsg == reply.ID {
		s.stream = stream
		s.mu.Unlock()
		return nil
	}
	superseded := s.gen != gen
	s.mu.Unlock()
	if superseded {
		stream.Cancel()
	}
	return nil
}

// takeStreamLocked detaches the active stream so the caller can cancel it
// after unlocking. Its reply stops loading where it stands.
// requestHistory copies the turns sent upstream. Empty messages, such as a
// push-to-talk placeholder still being transcribed, are left out.
func requestHistory(msgs []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *ChatSession) takeStreamLocked() *completion.Stream {
	stream := s.stream
	s.stream = nil
	if c := s.chatLocked(s.streamChat); c != nil {
		if m := c.Message(s.streamMsg); m != nil {
			m.Loading = false
		}
	}
	s.streamChat, s.streamMsg = "", ""
	return stream
}

func (s *ChatSession) onToken(gen uint64, text string) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	c := s.chatLocked(s.streamChat)
	var m *chat.Message
	if c != nil {
		m = c.Message(s.streamMsg)
	}
	if m == nil {
		s.mu.Unlock()
		return
	}
	m.Content += text
	delta := protocol.AssistantTextDelta{
		Type:      protocol.TypeAssistantTextDelta,
		SessionID: s.id,
		ChatID:    c.ID,
		MessageID: m.ID,
		TextDelta: text,
	}
	s.mu.Unlock()
	s.publish(delta)
}

func (s *ChatSession) onDone(gen uint64, settings chat.SettingsForm, u completion.Usage, started time.Time) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.metrics.ObserveCompletion(settings.Model, "canceled", time.Since(started))
		return
	}
	c := s.chatLocked(s.streamChat)
	msgID := s.streamMsg
	s.stream = nil
	s.streamChat, s.streamMsg = "", ""
	s.apiState = APIIdle
	if c == nil {
		s.mu.Unlock()
		s.publishState(protocol.TypeAPIState, string(APIIdle))
		return
	}
	if m := c.Message(msgID); m != nil {
		m.Loading = false
	}
	info := s.cfg.Completion.Catalog().Lookup(settings.Model)
	cost := c.AddUsage(u.PromptTokens, u.CompletionTokens, info)
	_, titling := s.titles[c.ID]
	wantTitle := settings.AutoTitle && c.NeedsTitle() && !titling
	s.touchLocked()
	done := protocol.MessageDone{
		Type:             protocol.TypeMessageDone,
		SessionID:        s.id,
		ChatID:           c.ID,
		MessageID:        msgID,
		Reason:           "completed",
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		Cost:             cost,
	}
	titleChat := c.Clone()
	s.mu.Unlock()

	s.metrics.ObserveCompletion(settings.Model, "ok", time.Since(started))
	s.metrics.AddUsage(settings.Model, u.PromptTokens, u.CompletionTokens, cost)
	s.publish(done)
	s.publishState(protocol.TypeAPIState, string(APIIdle))
	s.persist()
	if wantTitle {
		s.startTitle(titleChat, settings)
	}
}

func (s *ChatSession) onError(gen uint64, model string, err *completion.StatusError, started time.Time) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if c := s.chatLocked(s.streamChat); c != nil {
		if m := c.Message(s.streamMsg); m != nil {
			if m.Content == "" {
				c.Remove(m.ID)
			} else {
				m.Loading = false
			}
		}
	}
	s.stream = nil
	s.streamChat, s.streamMsg = "", ""
	s.speakMsg = ""
	s.apiState = APIError
	s.touchLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.metrics.ObserveCompletion(model, "error", time.Since(started))
	s.publish(snap)
	s.notify("completion", "completion_failed", err)
	s.persist()
}

// Abort cancels the in-flight reply, keeping whatever text already arrived.
// Safe to call when nothing is streaming.
func (s *ChatSession) Abort() {
	s.mu.Lock()
	stream := s.takeStreamLocked()
	if stream == nil && s.apiState != APILoading {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.apiState = APIIdle
	s.touchLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if stream != nil {
		stream.Cancel()
	}
	s.publish(snap)
	s.persist()
}

// Regenerate re-runs the turn that produced the assistant message id. Given
// a user message it resubmits that message.
func (s *ChatSession) Regenerate(messageID string) error {
	s.mu.Lock()
	c := s.activeChatLocked(false)
	if c == nil {
		s.mu.Unlock()
		return ErrChatNotFound
	}
	i := c.IndexOf(messageID)
	if i < 0 {
		s.mu.Unlock()
		return ErrNoSuchMessage
	}
	target := c.Messages[i]
	if target.Role == chat.RoleAssistant {
		if i == 0 {
			s.mu.Unlock()
			return fmt.Errorf("%w: no message precedes %s", ErrNoSuchMessage, messageID)
		}
		target = c.Messages[i-1]
	}
	chatID := c.ID
	s.mu.Unlock()
	return s.submit(chatID, target)
}

// EditMessage replaces a message's content and resubmits from there.
func (s *ChatSession) EditMessage(messageID, content string) error {
	s.mu.Lock()
	c := s.activeChatLocked(false)
	var m *chat.Message
	if c != nil {
		m = c.Message(messageID)
	}
	if m == nil {
		s.mu.Unlock()
		return ErrNoSuchMessage
	}
	edited := *m
	edited.Content = content
	chatID := c.ID
	s.mu.Unlock()
	return s.submit(chatID, edited)
}

// startTitle asks the model to name the chat, streaming the answer straight
// into the title.
func (s *ChatSession) startTitle(c *chat.Chat, settings chat.SettingsForm) {
	params := settings
	params.N = 1
	params.Stop = ""
	params.MaxTokens = 0
	chatID := c.ID
	var raw strings.Builder

	s.mu.Lock()
	if _, busy := s.titles[chatID]; busy {
		s.mu.Unlock()
		return
	}
	s.titles[chatID] = nil
	s.mu.Unlock()

	clearTitle := func() {
		s.mu.Lock()
		delete(s.titles, chatID)
		s.mu.Unlock()
	}
	stream, err := s.cfg.Completion.Stream(s.ctx, completion.Request{
		Messages: chat.TitlePrompt(c),
		Params:   params,
		APIKey:   s.cfg.APIKey,
	}, completion.Handlers{
		OnToken: func(text string) {
			raw.WriteString(text)
			title := chat.CleanTitle(raw.String())
			s.mu.Lock()
			tc := s.chatLocked(chatID)
			if tc == nil {
				s.mu.Unlock()
				return
			}
			tc.Title = title
			s.mu.Unlock()
			s.publish(protocol.ChatTitle{Type: protocol.TypeChatTitle, SessionID: s.id, ChatID: chatID, Title: title})
		},
		OnDone: func(completion.Usage) {
			s.mu.Lock()
			delete(s.titles, chatID)
			s.touchLocked()
			s.mu.Unlock()
			s.persist()
		},
		OnError: func(err *completion.StatusError) {
			clearTitle()
			s.logger.Warn("title generation failed", "chat_id", chatID, "err", err)
		},
	})
	if err != nil {
		clearTitle()
		s.logger.Warn("title generation failed", "chat_id", chatID, "err", err)
		return
	}
	s.mu.Lock()
	if _, pending := s.titles[chatID]; pending {
		s.titles[chatID] = stream
	}
	s.mu.Unlock()
}

// Close stops every activity of the session and saves its state.
func (s *ChatSession) Close() {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	stream := s.takeStreamLocked()
	s.gen++
	s.apiState = APIIdle
	titles := make([]*completion.Stream, 0, len(s.titles))
	for id, t := range s.titles {
		if t != nil {
			titles = append(titles, t)
		}
		delete(s.titles, id)
	}
	s.touchLocked()
	s.mu.Unlock()

	s.cancel()
	if stream != nil {
		stream.Cancel()
	}
	for _, t := range titles {
		t.Cancel()
	}
	s.StopDictation()
	s.dictationBuffer().Close()
	s.recorder.Destroy()
	s.stopSpeech()
	s.persist()
	s.closeSubscribers()
}
