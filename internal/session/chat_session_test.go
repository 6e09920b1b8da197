package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yakGPT/yakGPT/internal/audio"
	"github.com/yakGPT/yakGPT/internal/chat"
	"github.com/yakGPT/yakGPT/internal/completion"
	"github.com/yakGPT/yakGPT/internal/protocol"
	"github.com/yakGPT/yakGPT/internal/speech"
	"github.com/yakGPT/yakGPT/internal/store"
	"github.com/yakGPT/yakGPT/internal/tokens"
	"github.com/yakGPT/yakGPT/internal/transcribe"
)

// backend fakes the chat completion and transcription endpoints.
type backend struct {
	reply      []string
	title      []string
	status     int
	hold       bool
	transcript string

	mu       sync.Mutex
	requests []string
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/chat/completions":
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.requests = append(b.requests, string(body))
		b.mu.Unlock()
		if b.status != 0 {
			w.WriteHeader(b.status)
			_, _ = io.WriteString(w, `{"error":{"message":"upstream exploded"}}`)
			return
		}
		isTitle := strings.Contains(string(body), "Describe the following conversation")
		frames := b.reply
		if isTitle {
			frames = b.title
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, tok := range frames {
			raw, _ := json.Marshal(map[string]any{
				"choices": []any{map[string]any{"delta": map[string]any{"content": tok}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", raw)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if b.hold && !isTitle {
			<-r.Context().Done()
			return
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	case "/audio/transcriptions":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": b.transcript})
	default:
		http.NotFound(w, r)
	}
}

func (b *backend) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func newTestSession(t *testing.T, b *backend, configure func(*Config)) (*ChatSession, <-chan any) {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	cfg := Config{
		ID:     "s1",
		UserID: "u1",
		Store:  store.NewMemoryStore(),
		Completion: completion.NewClient(completion.Config{
			BaseURL: srv.URL,
			Counter: tokens.CounterFunc(func(s string) int { return len(s) }),
		}),
		APIKey:          "sk-test",
		Whisper:         transcribe.NewWhisper(transcribe.WhisperConfig{BaseURL: srv.URL}),
		CaptureEncoding: audio.EncodingPCM16,
		SpeechInterval:  10 * time.Millisecond,
	}
	if configure != nil {
		configure(&cfg)
	}
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	events, _ := s.Subscribe()
	return s, events
}

func waitFor[T any](t *testing.T, events <-chan any, match func(T) bool) T {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed")
			if v, ok := ev.(T); ok && (match == nil || match(v)) {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func activeMessages(t *testing.T, s *ChatSession) []chat.Message {
	t.Helper()
	snap := s.Snapshot()
	for _, c := range snap.Chats {
		if c.ID == snap.ActiveChatID {
			return c.Messages
		}
	}
	t.Fatalf("no active chat in snapshot")
	return nil
}

func TestSubmitStreamsReplyIntoChat(t *testing.T) {
	s, events := newTestSession(t, &backend{reply: []string{"4"}}, nil)
	require.NoError(t, s.SetChosenCharacter("tutor", "Hi"))

	require.NoError(t, s.SubmitMessage(chat.NewMessage(chat.RoleUser, "2+2?")))

	pending := waitFor(t, events, func(snap protocol.Snapshot) bool {
		return snap.APIState == string(APILoading)
	})
	msgs := pending.Chats[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, chat.RoleAssistant, msgs[2].Role)
	assert.True(t, msgs[2].Loading)
	assert.Empty(t, msgs[2].Content)

	delta := waitFor[protocol.AssistantTextDelta](t, events, nil)
	assert.Equal(t, "4", delta.TextDelta)
	done := waitFor[protocol.MessageDone](t, events, nil)
	assert.Equal(t, msgs[2].ID, done.MessageID)

	final := activeMessages(t, s)
	require.Len(t, final, 3)
	assert.Equal(t, "4", final[2].Content)
	assert.False(t, final[2].Loading)

	c := s.Snapshot().Chats[0]
	assert.Equal(t, len("Hi\n2+2?"), done.PromptTokens)
	assert.Equal(t, 1, done.CompletionTokens)
	assert.Greater(t, c.TokensUsed, 0)
	info := chat.NewCatalog().Lookup("gpt-3.5-turbo")
	assert.InDelta(t, info.Cost(done.PromptTokens, done.CompletionTokens), c.CostIncurred, 1e-12)
	assert.InDelta(t, done.Cost, c.CostIncurred, 1e-12)
	assert.Equal(t, string(APIIdle), s.Snapshot().APIState)
}

func TestAutoTitleNamesChat(t *testing.T) {
	b := &backend{
		reply: []string{"Paris is ", "the capital."},
		title: []string{"Title: French", " Capital."},
	}
	s, events := newTestSession(t, b, nil)

	require.NoError(t, s.SubmitMessage(chat.NewMessage(chat.RoleUser, "What is the capital of France?")))
	waitFor(t, events, func(ct protocol.ChatTitle) bool { return ct.Title == "French Capital" })

	assert.Eventually(t, func() bool {
		return s.Snapshot().Chats[0].Title == "French Capital"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, b.requestCount())
}

func TestShortChatGetsNoTitle(t *testing.T) {
	b := &backend{reply: []string{"Hey"}, title: []string{"Nope"}}
	s, events := newTestSession(t, b, nil)

	require.NoError(t, s.SubmitMessage(chat.NewMessage(chat.RoleUser, "Hello")))
	waitFor[protocol.MessageDone](t, events, nil)
	assert.Empty(t, s.Snapshot().Chats[0].Title)
	assert.Equal(t, 1, b.requestCount())
}

func TestMissingAPIKeyLeavesStateUnchanged(t *testing.T) {
	b := &backend{reply: []string{"never"}}
	s, events := newTestSession(t, b, func(cfg *Config) { cfg.APIKey = "" })

	err := s.SubmitMessage(chat.NewMessage(chat.RoleUser, "hello"))
	require.ErrorIs(t, err, completion.ErrMissingAPIKey)

	ev := waitFor[protocol.ErrorEvent](t, events, nil)
	assert.Equal(t, "missing_api_key", ev.Code)
	assert.Empty(t, s.Snapshot().Chats)
	assert.Equal(t, 0, b.requestCount())

	require.ErrorIs(t, s.PushToTalkStart(), transcribe.ErrMissingCredentials)
	assert.Equal(t, "idle", s.Snapshot().AudioState)
}

func TestEmptyMessageRejected(t *testing.T) {
	s, _ := newTestSession(t, &backend{}, nil)
	require.ErrorIs(t, s.SubmitMessage(chat.NewMessage(chat.RoleUser, "   ")), ErrEmptyMessage)
	assert.Empty(t, s.Snapshot().Chats)
}

func TestAbortKeepsPartialReply(t *testing.T) {
	s, events := newTestSession(t, &backend{reply: []string{"Partial"}, hold: true}, nil)

	require.NoError(t, s.SubmitMessage(chat.NewMessage(chat.RoleUser, "tell me a long story")))
	waitFor[protocol.AssistantTextDelta](t, events, nil)

	s.Abort()

	msgs := activeMessages(t, s)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Partial", msgs[1].Content)
	assert.False(t, msgs[1].Loading)
	snap := s.Snapshot()
	assert.Equal(t, string(APIIdle), snap.APIState)
	assert.Zero(t, snap.Chats[0].TokensUsed)

	// Aborting again is harmless.
	s.Abort()
}

func TestUpstreamErrorRemovesEmptyReply(t *testing.T) {
	s, events := newTestSession(t, &backend{status: http.StatusInternalServerError}, nil)

	require.NoError(t, s.SubmitMessage(chat.NewMessage(chat.RoleUser, "hello")))
	ev := waitFor[protocol.ErrorEvent](t, events, nil)
	assert.Equal(t, "completion_failed", ev.Code)
	assert.True(t, ev.Retryable)
	assert.Equal(t, "upstream exploded", ev.Detail)

	msgs := activeMessages(t, s)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, string(APIError), s.Snapshot().APIState)
}

func TestEditMessageTruncatesAndResubmits(t *testing.T) {
	s, events := newTestSession(t, &backend{reply: []string{"ok"}}, nil)

	first := chat.NewMessage(chat.RoleUser, "first question")
	require.NoError(t, s.SubmitMessage(first))
	waitFor[protocol.MessageDone](t, events, nil)

	require.NoError(t, s.EditMessage(first.ID, "second question"))
	waitFor[protocol.MessageDone](t, events, nil)

	msgs := activeMessages(t, s)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, "second question", msgs[0].Content)
	assert.Equal(t, "ok", msgs[1].Content)

	require.ErrorIs(t, s.EditMessage("missing", "x"), ErrNoSuchMessage)
}

func TestRegenerateReplacesReply(t *testing.T) {
	s, events := newTestSession(t, &backend{reply: []string{"again"}}, nil)

	require.NoError(t, s.SubmitMessage(chat.NewMessage(chat.RoleUser, "hello")))
	waitFor[protocol.MessageDone](t, events, nil)
	before := activeMessages(t, s)

	require.NoError(t, s.Regenerate(before[1].ID))
	waitFor[protocol.MessageDone](t, events, nil)

	after := activeMessages(t, s)
	require.Len(t, after, 2)
	assert.Equal(t, before[0].ID, after[0].ID)
	assert.NotEqual(t, before[1].ID, after[1].ID)
}

func TestDictationSubmitsFinalTranscript(t *testing.T) {
	rec := transcribe.NewScriptedRecognizer(
		transcribe.Event{Type: transcribe.EventRecognizing, Text: "hello wor"},
		transcribe.Event{Type: transcribe.EventRecognized, Text: "hello world"},
	)
	s, events := newTestSession(t, &backend{reply: []string{"hi"}}, func(cfg *Config) {
		cfg.Recognizer = rec
	})

	require.NoError(t, s.StartDictation())
	assert.True(t, s.Dictating())
	frame := make([]byte, 320)
	require.NoError(t, s.PushAudio(context.Background(), frame, audio.EncodingPCM16))
	in := waitFor[protocol.InputText](t, events, nil)
	assert.Equal(t, "hello wor", in.Text)

	require.NoError(t, s.PushAudio(context.Background(), frame, audio.EncodingPCM16))
	waitFor[protocol.MessageDone](t, events, nil)

	msgs := activeMessages(t, s)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello world ", msgs[0].Content)
	assert.Empty(t, s.Snapshot().InputText)
	assert.Equal(t, 2*len(frame), rec.Last().PushedBytes())

	s.StopDictation()
	assert.False(t, s.Dictating())
	assert.True(t, rec.Last().Stopped())
}

func TestDictationUnavailableWithoutRecognizer(t *testing.T) {
	s, _ := newTestSession(t, &backend{}, nil)
	require.ErrorIs(t, s.StartDictation(), ErrDictationUnavailable)
}

func TestPushToTalkSubmitsTranscript(t *testing.T) {
	s, events := newTestSession(t, &backend{reply: []string{"noon"}, transcript: "what time is it"}, nil)

	require.NoError(t, s.PushToTalkStart())
	waitFor(t, events, func(sc protocol.StateChange) bool {
		return sc.Type == protocol.TypeAudioState && sc.State == "recording"
	})
	require.NoError(t, s.PushAudio(context.Background(), make([]byte, 640), audio.EncodingPCM16))
	require.NoError(t, s.PushToTalkStop())

	waitFor[protocol.MessageDone](t, events, nil)
	msgs := activeMessages(t, s)
	require.Len(t, msgs, 2)
	assert.Equal(t, "what time is it", msgs[0].Content)
	assert.False(t, msgs[0].Loading)
	assert.Equal(t, "noon", msgs[1].Content)
}

func TestPushToTalkDuringReplyKeepsSingleLoadingMessage(t *testing.T) {
	b := &backend{reply: []string{"thinking"}, hold: true}
	s, events := newTestSession(t, b, nil)

	require.NoError(t, s.SubmitMessage(chat.NewMessage(chat.RoleUser, "first question")))
	waitFor[protocol.AssistantTextDelta](t, events, nil)

	placeholderID := recorderSink{s}.BeginTranscription()
	assert.LessOrEqual(t, countLoading(activeMessages(t, s)), 1)

	require.NoError(t, s.SubmitMessage(chat.NewMessage(chat.RoleUser, "typed meanwhile")))
	var typed string
	require.Eventually(t, func() bool {
		typed = lastRequestContaining(b, "typed meanwhile")
		return typed != ""
	}, 3*time.Second, 5*time.Millisecond)
	assert.NotContains(t, typed, `"content":""`, "an untranscribed turn is never sent upstream")
	assert.LessOrEqual(t, countLoading(activeMessages(t, s)), 1)

	recorderSink{s}.FinishTranscription(placeholderID, "spoken words")
	msgs := activeMessages(t, s)
	assert.LessOrEqual(t, countLoading(msgs), 1)
	var contents []string
	for _, m := range msgs {
		if m.Role == chat.RoleUser {
			contents = append(contents, m.Content)
		}
	}
	assert.Equal(t, []string{"first question", "typed meanwhile", "spoken words"}, contents)
}

func countLoading(msgs []chat.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Loading {
			n++
		}
	}
	return n
}

func lastRequestContaining(b *backend, needle string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.requests) - 1; i >= 0; i-- {
		if strings.Contains(b.requests[i], needle) {
			return b.requests[i]
		}
	}
	return ""
}

func TestPushToTalkEmptyTranscriptRemovesPlaceholder(t *testing.T) {
	b := &backend{transcript: ""}
	s, events := newTestSession(t, b, nil)

	require.NoError(t, s.PushToTalkStart())
	require.NoError(t, s.PushAudio(context.Background(), make([]byte, 640), audio.EncodingPCM16))
	require.NoError(t, s.PushToTalkStop())

	waitFor(t, events, func(sc protocol.StateChange) bool {
		return sc.Type == protocol.TypeAudioState && sc.State == "transcribing"
	})
	waitFor(t, events, func(sc protocol.StateChange) bool {
		return sc.Type == protocol.TypeAudioState && sc.State == "idle"
	})
	assert.Empty(t, activeMessages(t, s))
	assert.Equal(t, 0, b.requestCount())
}

func TestPushToTalkCancelAddsNothing(t *testing.T) {
	s, events := newTestSession(t, &backend{transcript: "ignored"}, nil)

	require.NoError(t, s.PushToTalkStart())
	require.NoError(t, s.PushToTalkCancel())
	waitFor(t, events, func(sc protocol.StateChange) bool {
		return sc.Type == protocol.TypeAudioState && sc.State == "idle"
	})
	assert.Empty(t, s.Snapshot().Chats)
}

func TestStatePersistsAcrossSessions(t *testing.T) {
	db := store.NewMemoryStore()
	s, events := newTestSession(t, &backend{reply: []string{"saved"}}, func(cfg *Config) { cfg.Store = db })

	require.NoError(t, s.SubmitMessage(chat.NewMessage(chat.RoleUser, "remember me")))
	waitFor[protocol.MessageDone](t, events, nil)
	s.SetToggles(chat.Toggles{SpeakReplies: true})
	s.Close()

	reloaded, _ := newTestSession(t, &backend{}, func(cfg *Config) { cfg.Store = db })
	snap := reloaded.Snapshot()
	require.Len(t, snap.Chats, 1)
	require.Len(t, snap.Chats[0].Messages, 2)
	assert.Equal(t, "saved", snap.Chats[0].Messages[1].Content)
	assert.False(t, snap.Chats[0].Messages[1].Loading)
	assert.True(t, snap.Toggles.SpeakReplies)
	assert.False(t, snap.Toggles.AutoSendDictation)
	assert.Equal(t, string(APIIdle), snap.APIState)
}

func TestChatManagement(t *testing.T) {
	s, _ := newTestSession(t, &backend{}, nil)

	a := s.NewChat()
	b := s.NewChat()
	assert.Equal(t, b, s.Snapshot().ActiveChatID)
	require.NoError(t, s.SelectChat(a))
	require.NoError(t, s.RenameChat(a, "  Groceries "))
	require.ErrorIs(t, s.SelectChat("nope"), ErrChatNotFound)

	snap := s.Snapshot()
	assert.Equal(t, a, snap.ActiveChatID)
	assert.Equal(t, "Groceries", snap.Chats[0].Title)

	require.NoError(t, s.DeleteChat(a))
	snap = s.Snapshot()
	require.Len(t, snap.Chats, 1)
	assert.Equal(t, b, snap.ActiveChatID)

	s.ClearChats()
	snap = s.Snapshot()
	assert.Empty(t, snap.Chats)
	assert.Empty(t, snap.ActiveChatID)
}

func TestSetChosenCharacterReplacesSystemMessage(t *testing.T) {
	s, _ := newTestSession(t, &backend{}, nil)

	require.NoError(t, s.SetChosenCharacter("pirate", "Talk like a pirate."))
	require.NoError(t, s.SetChosenCharacter("poet", "Answer in verse."))

	msgs := activeMessages(t, s)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.RoleSystem, msgs[0].Role)
	assert.Equal(t, "Answer in verse.", msgs[0].Content)
	assert.Equal(t, "poet", s.Snapshot().Chats[0].ChosenCharacter)
}

func TestUpdateSettingsRejectsInvalidForm(t *testing.T) {
	s, _ := newTestSession(t, &backend{}, nil)

	bad := chat.DefaultSettings()
	bad.Temperature = 7
	require.ErrorIs(t, s.UpdateSettings(bad), chat.ErrInvalidSettings)
	assert.Equal(t, chat.DefaultSettings(), s.Settings())

	good := chat.DefaultSettings()
	good.Model = "gpt-4"
	good.SubmitDebounceMS = 250
	require.NoError(t, s.UpdateSettings(good))
	assert.Equal(t, "gpt-4", s.Settings().Model)
}

func TestExportImportRoundTrip(t *testing.T) {
	s, events := newTestSession(t, &backend{reply: []string{"**bold** answer"}}, nil)
	require.NoError(t, s.SubmitMessage(chat.NewMessage(chat.RoleUser, "question")))
	waitFor[protocol.MessageDone](t, events, nil)
	chatID := s.Snapshot().ActiveChatID

	md, err := s.ExportMarkdown(chatID)
	require.NoError(t, err)
	assert.Contains(t, md, "question")
	assert.Contains(t, md, "**bold** answer")

	raw, err := s.ExportJSON()
	require.NoError(t, err)
	s.ClearChats()
	require.NoError(t, s.ImportJSON(raw))

	snap := s.Snapshot()
	require.Len(t, snap.Chats, 1)
	assert.Equal(t, chatID, snap.Chats[0].ID)
	assert.Equal(t, chatID, snap.ActiveChatID)

	require.Error(t, s.ImportJSON([]byte(`{broken`)))
	_, err = s.ExportMarkdown("missing")
	require.ErrorIs(t, err, ErrChatNotFound)
}

type echoProvider struct{}

func (echoProvider) Name() string { return "echo" }

func (echoProvider) Synthesize(_ context.Context, text string) (speech.Audio, error) {
	return speech.Audio{Data: []byte(text), ContentType: "audio/mpeg"}, nil
}

type failingProvider struct{}

func (failingProvider) Name() string { return "failing" }

func (failingProvider) Synthesize(context.Context, string) (speech.Audio, error) {
	return speech.Audio{}, speech.ErrMissingCredentials
}

func TestSpokenReplyIsPlayedChunkByChunk(t *testing.T) {
	reply := []string{"Hi there. ", "How are you? ", "I am well, thank you for asking today."}
	s, events := newTestSession(t, &backend{reply: reply}, func(cfg *Config) {
		cfg.Speech = func(chat.SettingsForm) speech.Provider { return echoProvider{} }
	})
	s.SetToggles(chat.Toggles{SpeakReplies: true})

	require.NoError(t, s.SubmitMessage(chat.NewMessage(chat.RoleUser, "how are you")))
	chunk := waitFor[protocol.AssistantAudioChunk](t, events, nil)
	assert.Equal(t, 0, chunk.Index)
	assert.Equal(t, "audio/mpeg", chunk.Format)
	data, err := base64.StdEncoding.DecodeString(chunk.AudioBase64)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Hi there.")

	assert.Equal(t, speech.PlayerPaused, s.TogglePlayback())
	assert.Equal(t, speech.PlayerPlaying, s.TogglePlayback())
	s.AudioEnded(0)
	assert.Equal(t, "idle", s.Snapshot().PlayerState)
}

func TestSpeechFailureNotifies(t *testing.T) {
	s, events := newTestSession(t, &backend{reply: []string{"Short answer."}}, func(cfg *Config) {
		cfg.Speech = func(chat.SettingsForm) speech.Provider { return failingProvider{} }
	})
	s.SetToggles(chat.Toggles{SpeakReplies: true})

	require.NoError(t, s.SubmitMessage(chat.NewMessage(chat.RoleUser, "hi")))
	ev := waitFor(t, events, func(e protocol.ErrorEvent) bool { return e.Source == "speech" })
	assert.Equal(t, "missing_speech_key", ev.Code)
}

func TestNoSpeechWithoutProvider(t *testing.T) {
	s, _ := newTestSession(t, &backend{}, nil)
	assert.Equal(t, speech.PlayerIdle, s.TogglePlayback())
	assert.Nil(t, s.SpeechChunks())
}

func TestCloseIsIdempotentAndEndsSubscriptions(t *testing.T) {
	s, events := newTestSession(t, &backend{reply: []string{"x"}, hold: true}, nil)
	require.NoError(t, s.SubmitMessage(chat.NewMessage(chat.RoleUser, "hello")))
	waitFor[protocol.AssistantTextDelta](t, events, nil)

	s.Close()
	s.Close()
	for range events {
	}
	require.ErrorIs(t, s.SubmitMessage(chat.NewMessage(chat.RoleUser, "late")), ErrClosed)
}
