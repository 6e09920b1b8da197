package chat

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/bytedance/sonic"
)

// SettingsForm is the flat model/voice/behavior configuration of a session.
type SettingsForm struct {
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	N                int     `json:"n"`
	Stop             string  `json:"stop"`
	MaxTokens        int     `json:"max_tokens"`
	PresencePenalty  float64 `json:"presence_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	LogitBias        string  `json:"logit_bias"`
	AutoTitle        bool    `json:"auto_title"`

	AutoDetectLanguage      bool   `json:"auto_detect_language"`
	SpokenLanguage          string `json:"spoken_language"`
	SpokenLanguageCode      string `json:"spoken_language_code"`
	AutoDetectLanguageAzure bool   `json:"auto_detect_language_azure"`
	SpokenLanguageCodeAzure string `json:"spoken_language_code_azure"`

	VoiceID             string `json:"voice_id"`
	VoiceIDAzure        string `json:"voice_id_azure"`
	SpokenLanguageStyle string `json:"spoken_language_style"`

	SubmitDebounceMS int    `json:"submit_debounce_ms"`
	PushToTalkKey    string `json:"push_to_talk_key"`
}

func DefaultSettings() SettingsForm {
	return SettingsForm{
		Model:              "gpt-3.5-turbo",
		Temperature:        1,
		TopP:               1,
		N:                  1,
		SpokenLanguage:     "English (en)",
		SpokenLanguageCode: "en",
		VoiceID:            "21m00Tcm4TlvDq8ikWAM",
		VoiceIDAzure:       "en-US-JaneNeural",
		AutoTitle:          true,
		PushToTalkKey:      "KeyC",
	}
}

var ErrInvalidSettings = errors.New("invalid settings")

// Validate checks every recognized option; the form is applied whole or not at all.
func (s SettingsForm) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}
	check(strings.TrimSpace(s.Model) != "", "model is required")
	check(s.Temperature >= 0 && s.Temperature <= 2, "temperature must be in [0,2]")
	check(s.TopP >= 0 && s.TopP <= 1, "top_p must be in [0,1]")
	check(s.N >= 1 && s.N <= 10, "n must be in [1,10]")
	check(s.MaxTokens >= 0, "max_tokens must be >= 0")
	check(s.PresencePenalty >= -2 && s.PresencePenalty <= 2, "presence_penalty must be in [-2,2]")
	check(s.FrequencyPenalty >= -2 && s.FrequencyPenalty <= 2, "frequency_penalty must be in [-2,2]")
	check(s.SubmitDebounceMS >= 0, "submit_debounce_ms must be >= 0")
	if _, err := ParseLogitBias(s.LogitBias); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(problems, "; "))
	}
	return nil
}

// ParseLogitBias decodes the string form of logit_bias; empty means no bias.
func ParseLogitBias(raw string) (map[string]int, error) {
	out := map[string]int{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	var parsed map[string]float64
	if err := sonic.UnmarshalString(raw, &parsed); err != nil {
		return nil, fmt.Errorf("logit_bias must be a JSON object: %w", err)
	}
	for token, bias := range parsed {
		if bias < -100 || bias > 100 {
			return nil, fmt.Errorf("logit_bias for %q must be in [-100,100]", token)
		}
		if bias != math.Trunc(bias) {
			return nil, fmt.Errorf("logit_bias for %q must be a whole number, got %v", token, bias)
		}
		out[token] = int(bias)
	}
	return out, nil
}

// RecognitionLanguage is the fixed language for batch transcription, or ""
// when the provider should detect it.
func (s SettingsForm) RecognitionLanguage() string {
	if s.AutoDetectLanguage {
		return ""
	}
	return strings.TrimSpace(s.SpokenLanguageCode)
}

// StreamingRecognitionLanguage is the fixed language for continuous recognition.
func (s SettingsForm) StreamingRecognitionLanguage() string {
	if s.AutoDetectLanguageAzure {
		return ""
	}
	return strings.TrimSpace(s.SpokenLanguageCodeAzure)
}

// Toggles are the persisted UI switches that sit outside the settings form.
type Toggles struct {
	AutoSendDictation bool `json:"auto_send_dictation"`
	SpeakReplies      bool `json:"speak_replies"`
	PushToTalk        bool `json:"push_to_talk"`
}
