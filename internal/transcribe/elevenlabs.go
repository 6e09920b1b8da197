package transcribe

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/yakGPT/yakGPT/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey    string
	WSBaseURL string
	ModelID   string
	Logger    *slog.Logger
}

// ElevenLabsRecognizer streams audio to the ElevenLabs realtime
// speech-to-text websocket.
type ElevenLabsRecognizer struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsRecognizer(cfg ElevenLabsConfig) *ElevenLabsRecognizer {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "scribe_v2_realtime"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ElevenLabsRecognizer{cfg: cfg}
}

func (r *ElevenLabsRecognizer) Start(ctx context.Context, opts Options) (RecognitionSession, <-chan Event, error) {
	if strings.TrimSpace(r.cfg.APIKey) == "" {
		return nil, nil, ErrMissingCredentials
	}
	u, err := url.Parse(strings.TrimRight(r.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model_id", r.cfg.ModelID)
	q.Set("commit_strategy", "vad")
	if opts.Language != "" {
		q.Set("language_code", opts.Language)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", r.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial stt websocket: %w", err)
	}

	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	s := &elevenSession{
		conn:       conn,
		events:     make(chan Event, 256),
		closed:     make(chan struct{}),
		sampleRate: sampleRate,
		logger:     r.cfg.Logger,
	}
	go s.readLoop()
	return s, s.events, nil
}

type elevenSession struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	closeOnce  sync.Once
	events     chan Event
	closed     chan struct{}
	sampleRate int
	logger     *slog.Logger
}

type elevenMessage struct {
	MessageType string `json:"message_type"`
	Text        string `json:"text"`
	Error       string `json:"error"`
}

func (s *elevenSession) PushAudio(_ context.Context, pcm []byte) error {
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": base64.StdEncoding.EncodeToString(pcm),
		"commit":        false,
		"sample_rate":   s.sampleRate,
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenSession) Stop() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *elevenSession) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	}
}

func (s *elevenSession) readLoop() {
	defer close(s.events)
	defer func() {
		// Stop-initiated shutdowns still report the session end.
		select {
		case s.events <- Event{Type: EventSessionStopped}:
		default:
		}
		_ = s.Stop()
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg elevenMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("skipping malformed stt message", "err", err)
			continue
		}
		switch msg.MessageType {
		case "partial_transcript":
			if !s.emit(Event{Type: EventRecognizing, Text: msg.Text}) {
				return
			}
		case "committed_transcript", "committed_transcript_with_timestamps":
			if !s.emit(Event{Type: EventRecognized, Text: msg.Text}) {
				return
			}
		case "session_started", "", "input_audio_chunk":
		default:
			s.emit(Event{
				Type:        EventCanceled,
				Reason:      "error",
				ErrorCode:   msg.MessageType,
				ErrorDetail: msg.Error,
				Retryable:   reliability.IsRetryableRealtimeMessageType(msg.MessageType),
			})
			return
		}
	}
}
