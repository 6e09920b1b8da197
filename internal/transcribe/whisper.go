package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type WhisperConfig struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// Whisper uploads recorded audio to the batch transcription endpoint.
type Whisper struct {
	cfg WhisperConfig
}

func NewWhisper(cfg WhisperConfig) *Whisper {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = openai.Whisper1
	}
	return &Whisper{cfg: cfg}
}

type BatchRequest struct {
	APIKey   string
	Audio    []byte
	Filename string
	// Language is omitted from the upload when empty.
	Language string
}

// Transcribe returns the recognized text. An empty string is a valid result
// meaning nothing was said.
func (w *Whisper) Transcribe(ctx context.Context, req BatchRequest) (string, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return "", ErrMissingCredentials
	}
	cfg := openai.DefaultConfig(req.APIKey)
	if w.cfg.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(w.cfg.BaseURL, "/")
	}
	if w.cfg.HTTPClient != nil {
		cfg.HTTPClient = w.cfg.HTTPClient
	}
	filename := req.Filename
	if filename == "" {
		filename = "audio.wav"
	}

	res, err := openai.NewClientWithConfig(cfg).CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.cfg.Model,
		FilePath: filename,
		Reader:   bytes.NewReader(req.Audio),
		Language: req.Language,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe audio: %w", err)
	}
	return strings.TrimSpace(res.Text), nil
}
