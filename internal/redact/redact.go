// Package redact masks credentials that upstream providers echo back in
// error bodies before they reach logs or clients.
package redact

import "regexp"

var (
	openAIKeyPattern = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-*]{6,}`)
	bearerPattern    = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]{8,}`)
	headerKeyPattern = regexp.MustCompile(`(?i)\b(xi-api-key|ocp-apim-subscription-key|api[_-]?key)(["']?\s*[:=]\s*["']?)[A-Za-z0-9._\-]{8,}`)
)

// Secrets masks API keys and bearer tokens in input.
func Secrets(input string) (redacted string, changed bool) {
	out := input

	// Header form first so "api_key=sk-..." keeps its label.
	next := headerKeyPattern.ReplaceAllString(out, "${1}${2}[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	next = bearerPattern.ReplaceAllString(out, "Bearer [REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = openAIKeyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	return out, changed
}

// Error returns the redacted text of err, or "" for nil.
func Error(err error) string {
	if err == nil {
		return ""
	}
	out, _ := Secrets(err.Error())
	return out
}
