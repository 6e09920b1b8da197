package speech

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

var ErrMissingCredentials = errors.New("speech synthesis credentials missing")

// Audio is one synthesized chunk.
type Audio struct {
	Data        []byte
	ContentType string
}

func (a Audio) Empty() bool { return len(a.Data) == 0 }

// Provider synthesizes speech for a piece of text. One provider is chosen
// when a session is configured.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// StatusError is a non-2xx answer from a synthesis endpoint.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s tts status %d: %s", e.Provider, e.StatusCode, e.Message)
}

const maxErrorBody = 16 << 10

func defaultHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func doSynthesis(client *http.Client, req *http.Request, provider string, errMessage func([]byte) string) (Audio, error) {
	resp, err := client.Do(req)
	if err != nil {
		return Audio{}, fmt.Errorf("%s tts request: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := errMessage(body)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Audio{}, &StatusError{Provider: provider, StatusCode: resp.StatusCode, Message: msg}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("%s tts read: %w", provider, err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "audio/mpeg"
	}
	return Audio{Data: data, ContentType: ct}, nil
}

type AzureConfig struct {
	APIKey string
	Region string
	Voice  string
	Style  string
	// BaseURL overrides https://{region}.tts.speech.microsoft.com.
	BaseURL      string
	OutputFormat string
	HTTPClient   *http.Client
}

// AzureProvider calls the Azure speech REST endpoint with SSML.
type AzureProvider struct {
	cfg    AzureConfig
	client *http.Client
}

func NewAzureProvider(cfg AzureConfig) *AzureProvider {
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "audio-16khz-32kbitrate-mono-mp3"
	}
	if cfg.Voice == "" {
		cfg.Voice = "en-US-JaneNeural"
	}
	return &AzureProvider{cfg: cfg, client: defaultHTTPClient(cfg.HTTPClient)}
}

func (p *AzureProvider) Name() string { return "azure" }

func (p *AzureProvider) endpoint() string {
	base := p.cfg.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s.tts.speech.microsoft.com", p.cfg.Region)
	}
	return strings.TrimRight(base, "/") + "/cognitiveservices/v1"
}

func (p *AzureProvider) Synthesize(ctx context.Context, text string) (Audio, error) {
	if p.cfg.APIKey == "" || (p.cfg.Region == "" && p.cfg.BaseURL == "") {
		return Audio{}, fmt.Errorf("azure: %w", ErrMissingCredentials)
	}
	ssml, err := BuildSSML(text, p.cfg.Voice, p.cfg.Style)
	if err != nil {
		return Audio{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), strings.NewReader(ssml))
	if err != nil {
		return Audio{}, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", p.cfg.OutputFormat)
	req.Header.Set("User-Agent", "yakgpt")
	return doSynthesis(p.client, req, p.Name(), func(body []byte) string {
		return strings.TrimSpace(string(body))
	})
}

// BuildSSML wraps text for an Azure neural voice, adding an express-as
// element when style is set.
func BuildSSML(text, voice, style string) (string, error) {
	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(text)); err != nil {
		return "", fmt.Errorf("escape ssml text: %w", err)
	}
	body := escaped.String()
	if style != "" {
		body = fmt.Sprintf(`<mstts:express-as style=%q>%s</mstts:express-as>`, style, body)
	}
	return fmt.Sprintf(
		`<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xmlns:mstts="https://www.w3.org/2001/mstts" xml:lang=%q><voice name=%q>%s</voice></speak>`,
		voiceLocale(voice), voice, body,
	), nil
}

// voiceLocale extracts "en-US" from "en-US-JaneNeural".
func voiceLocale(voice string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) < 3 {
		return "en-US"
	}
	return parts[0] + "-" + parts[1]
}

type ElevenLabsConfig struct {
	APIKey     string
	VoiceID    string
	ModelID    string
	BaseURL    string
	HTTPClient *http.Client
}

// ElevenLabsProvider calls the ElevenLabs streaming TTS REST endpoint and
// buffers the returned MP3.
type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = "21m00Tcm4TlvDq8ikWAM"
	}
	return &ElevenLabsProvider{cfg: cfg, client: defaultHTTPClient(cfg.HTTPClient)}
}

func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text string) (Audio, error) {
	if p.cfg.APIKey == "" {
		return Audio{}, fmt.Errorf("elevenlabs: %w", ErrMissingCredentials)
	}
	payload := map[string]any{"text": text}
	if p.cfg.ModelID != "" {
		payload["model_id"] = p.cfg.ModelID
	}
	body, err := sonic.Marshal(payload)
	if err != nil {
		return Audio{}, err
	}
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(p.cfg.VoiceID) + "/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Audio{}, err
	}
	req.Header.Set("xi-api-key", p.cfg.APIKey)
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("Content-Type", "application/json")
	return doSynthesis(p.client, req, p.Name(), elevenErrorMessage)
}

// elevenErrorMessage reads detail.message, or detail when it is a string.
func elevenErrorMessage(body []byte) string {
	raw := string(body)
	if node, err := sonic.GetFromString(raw, "detail", "message"); err == nil {
		if msg, err := node.String(); err == nil && msg != "" {
			return msg
		}
	}
	if node, err := sonic.GetFromString(raw, "detail"); err == nil {
		if msg, err := node.String(); err == nil && msg != "" {
			return msg
		}
	}
	return strings.TrimSpace(raw)
}
