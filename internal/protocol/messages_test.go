package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageAudioFrame(t *testing.T) {
	raw := []byte(`{"type":"client_audio_frame","session_id":"s1","seq":1,"encoding":"mulaw","audio_base64":"AQID","sample_rate":8000}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	frame, ok := msg.(ClientAudioFrame)
	if !ok {
		t.Fatalf("message type = %T, want ClientAudioFrame", msg)
	}
	if frame.Encoding != "mulaw" || frame.SampleRate != 8000 {
		t.Fatalf("unexpected audio frame: %+v", frame)
	}
	data, err := frame.Decode()
	if err != nil || len(data) != 3 {
		t.Fatalf("Decode() = %v, %v", data, err)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageAction(t *testing.T) {
	raw := []byte(`{"type":"client_action","action":"update_settings","settings":{"model":"gpt-4","temperature":0.5,"n":1},"toggles":{"speak_replies":true}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	action, ok := msg.(ClientAction)
	if !ok {
		t.Fatalf("message type = %T, want ClientAction", msg)
	}
	if action.Action != ActionUpdateSettings {
		t.Fatalf("Action = %q, want %q", action.Action, ActionUpdateSettings)
	}
	if action.Settings == nil || action.Settings.Model != "gpt-4" || action.Settings.Temperature != 0.5 {
		t.Fatalf("Settings = %+v", action.Settings)
	}
	if action.Toggles == nil || !action.Toggles.SpeakReplies {
		t.Fatalf("Toggles = %+v", action.Toggles)
	}
}

func TestParseClientMessageRejectsInvalid(t *testing.T) {
	cases := []string{
		`{"type":"client_audio_frame","audio_base64":""}`,
		`{"type":"client_action","action":""}`,
		`{not json`,
	}
	for _, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%s) expected error", raw)
		}
	}
}

func TestTypeOf(t *testing.T) {
	got, ok := TypeOf(ErrorEvent{Type: TypeErrorEvent})
	if !ok || got != TypeErrorEvent {
		t.Fatalf("TypeOf(ErrorEvent) = %q, %v", got, ok)
	}
	if _, ok := TypeOf(struct{}{}); ok {
		t.Fatalf("TypeOf(struct{}) should be unknown")
	}
}

func BenchmarkParseClientMessageAudioFrame(b *testing.B) {
	raw := []byte(`{"type":"client_audio_frame","session_id":"s1","seq":7,"encoding":"pcm16","audio_base64":"AQIDBAUGBwgJCgsMDQ4P","sample_rate":16000}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(ClientAudioFrame); !ok {
			b.Fatalf("message type = %T, want ClientAudioFrame", msg)
		}
	}
}
