package completion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/yakGPT/yakGPT/internal/chat"
	"github.com/yakGPT/yakGPT/internal/reliability"
	"github.com/yakGPT/yakGPT/internal/tokens"
)

const DefaultBaseURL = "https://api.openai.com/v1"

var ErrMissingAPIKey = errors.New("openai api key is not set")

// StatusError is a failed completion request: a non-2xx response or a
// transport failure (StatusCode 0).
type StatusError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *StatusError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("completion request failed: %v", e.Err)
	}
	return fmt.Sprintf("completion status %d: %s", e.StatusCode, truncateForLog(e.Body, 512))
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) Retryable() bool {
	return e.StatusCode == 0 || reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// Message is the human readable part of the error body when the API sent one.
func (e *StatusError) Message() string {
	if e.StatusCode == 0 {
		return e.Error()
	}
	if node, err := sonic.GetFromString(e.Body, "error", "message"); err == nil {
		if msg, err := node.String(); err == nil && msg != "" {
			return msg
		}
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		return truncateForLog(body, 512)
	}
	return http.StatusText(e.StatusCode)
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Handlers receive stream events on the stream's own goroutine. OnDone and
// OnError are mutually exclusive and each fires at most once.
type Handlers struct {
	OnToken func(text string)
	OnDone  func(usage Usage)
	OnError func(err *StatusError)
}

type Request struct {
	Messages []chat.Message
	Params   chat.SettingsForm
	APIKey   string
}

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Catalog    *chat.Catalog
	Counter    tokens.Counter
	Logger     *slog.Logger
}

// Client streams chat completions.
type Client struct {
	baseURL string
	http    *http.Client
	catalog *chat.Catalog
	counter tokens.Counter
	logger  *slog.Logger
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		// No client timeout: replies may stream for minutes; ctx bounds them.
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Catalog == nil {
		cfg.Catalog = chat.NewCatalog()
	}
	if cfg.Counter == nil {
		cfg.Counter = tokens.EstimateCounter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		catalog: cfg.Catalog,
		counter: cfg.Counter,
		logger:  cfg.Logger,
	}
}

func (c *Client) Catalog() *chat.Catalog { return c.catalog }

type wireMessage struct {
	Role    chat.Role `json:"role"`
	Content string    `json:"content"`
}

type requestBody struct {
	Messages         []wireMessage  `json:"messages"`
	Stream           bool           `json:"stream"`
	Model            string         `json:"model"`
	Temperature      float64        `json:"temperature"`
	TopP             float64        `json:"top_p"`
	N                int            `json:"n"`
	Stop             string         `json:"stop,omitempty"`
	MaxTokens        int            `json:"max_tokens,omitempty"`
	PresencePenalty  float64        `json:"presence_penalty"`
	FrequencyPenalty float64        `json:"frequency_penalty"`
	LogitBias        map[string]int `json:"logit_bias"`
}

// buildBody truncates history to the model budget and serializes the
// recognized parameters. It returns the submitted messages for accounting.
func (c *Client) buildBody(req Request) ([]byte, []chat.Message, error) {
	p := req.Params
	bias, err := chat.ParseLogitBias(p.LogitBias)
	if err != nil {
		return nil, nil, err
	}
	info := c.catalog.Lookup(p.Model)
	submit := tokens.Truncate(req.Messages, info.MaxContextTokens, p.MaxTokens)

	body := requestBody{
		Messages:         make([]wireMessage, 0, len(submit)),
		Stream:           true,
		Model:            p.Model,
		Temperature:      p.Temperature,
		TopP:             p.TopP,
		N:                p.N,
		Stop:             p.Stop,
		MaxTokens:        p.MaxTokens,
		PresencePenalty:  p.PresencePenalty,
		FrequencyPenalty: p.FrequencyPenalty,
		LogitBias:        bias,
	}
	for _, m := range submit {
		body.Messages = append(body.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	raw, err := sonic.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}
	return raw, submit, nil
}

// Stream starts a streaming completion and returns immediately. A missing
// API key is reported before any network activity.
func (c *Client) Stream(ctx context.Context, req Request, h Handlers) (*Stream, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	payload, submitted, err := c.buildBody(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	s := &Stream{
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		handlers: h,
	}
	c.logger.Debug("completion stream starting", "model", req.Params.Model, "messages", len(submitted))
	go s.run(c, httpReq, submitted)
	return s, nil
}

// Stream is one in-flight completion.
type Stream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	handlers Handlers
	once     sync.Once

	mu   sync.Mutex
	text strings.Builder
}

// Cancel tears the connection down and waits for the reader to exit. Once it
// returns, OnDone has fired (with zero usage unless the stream had already
// finished) and no further tokens are delivered. It must not be called from
// inside a handler.
func (s *Stream) Cancel() {
	s.cancel()
	<-s.done
}

func (s *Stream) Done() <-chan struct{} { return s.done }

// Text is the reply accumulated so far.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

func (s *Stream) canceled() bool { return s.ctx.Err() != nil }

func (s *Stream) finish(u Usage) {
	s.once.Do(func() {
		if s.handlers.OnDone != nil {
			s.handlers.OnDone(u)
		}
	})
}

func (s *Stream) fail(err *StatusError) {
	if s.canceled() {
		s.finish(Usage{})
		return
	}
	s.once.Do(func() {
		if s.handlers.OnError != nil {
			s.handlers.OnError(err)
		}
	})
}

func (s *Stream) run(c *Client, req *http.Request, submitted []chat.Message) {
	defer close(s.done)
	defer s.cancel()

	res, err := c.http.Do(req)
	if err != nil {
		s.fail(&StatusError{Err: err})
		return
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		c.logger.Warn("completion rejected", "status", res.StatusCode)
		s.fail(&StatusError{StatusCode: res.StatusCode, Body: string(body)})
		return
	}

	for delta, err := range Frames(res.Body) {
		if s.canceled() {
			break
		}
		if err != nil {
			var frameErr *FrameError
			if errors.As(err, &frameErr) {
				c.logger.Warn("skipping malformed completion frame", "err", err)
				continue
			}
			s.fail(&StatusError{StatusCode: res.StatusCode, Err: err})
			return
		}
		if delta.Control {
			continue
		}
		s.mu.Lock()
		s.text.WriteString(delta.Content)
		s.mu.Unlock()
		if s.handlers.OnToken != nil {
			s.handlers.OnToken(delta.Content)
		}
	}

	if s.canceled() {
		s.finish(Usage{})
		return
	}
	s.finish(Usage{
		PromptTokens:     c.counter.Count(joinContents(submitted)),
		CompletionTokens: c.counter.Count(s.Text()),
	})
}

func joinContents(msgs []chat.Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Content
	}
	return strings.Join(parts, "\n")
}
