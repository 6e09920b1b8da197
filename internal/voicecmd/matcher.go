// Package voicecmd recognizes the small spoken vocabulary that controls
// dictation.
package voicecmd

import "strings"

type Command int

const (
	None Command = iota
	SendNow
	UndoLast
	StopGeneration
	Sleep
	NewChat
)

func (c Command) String() string {
	switch c {
	case SendNow:
		return "send_now"
	case UndoLast:
		return "undo_last"
	case StopGeneration:
		return "stop_generation"
	case Sleep:
		return "sleep"
	case NewChat:
		return "new_chat"
	default:
		return "none"
	}
}

var phrases = map[Command][]string{
	SendNow:        {"over", "that's it", "send", "go"},
	UndoLast:       {"undo", "scratch that", "oops"},
	StopGeneration: {"stop", "that's enough", "hush now"},
	Sleep:          {"go to sleep", "sleep", "take a nap"},
	NewChat:        {"new chat"},
}

// Checked in this order; the first match wins.
var order = []Command{SendNow, UndoLast, StopGeneration, Sleep, NewChat}

var variants = func() map[Command]map[string]struct{} {
	out := make(map[Command]map[string]struct{}, len(phrases))
	for cmd, list := range phrases {
		set := make(map[string]struct{}, len(list))
		for _, p := range list {
			set[Normalize(p)] = struct{}{}
		}
		out[cmd] = set
	}
	return out
}()

// Normalize lowercases and trims text and drops everything outside [a-z ].
func Normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || r == ' ' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Match reports whether text is exactly one of cmd's phrase variants.
func Match(cmd Command, text string) bool {
	_, ok := variants[cmd][Normalize(text)]
	return ok
}

// Classify returns the command text names, or None.
func Classify(text string) Command {
	norm := Normalize(text)
	for _, cmd := range order {
		if _, ok := variants[cmd][norm]; ok {
			return cmd
		}
	}
	return None
}

func IsCommand(text string) bool { return Classify(text) != None }
