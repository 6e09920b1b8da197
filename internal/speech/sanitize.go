package speech

import (
	"regexp"
	"strings"
	"unicode"
)

// A speechPass rewrites reply text for one kind of markup. Passes run in
// order; later passes assume code and links are already gone.
type speechPass func(string) string

var speechPasses = []speechPass{
	dropCode,
	unwrapLinks,
	dropListMarkers,
	dropEmphasis,
	dropPictographs,
	muteSymbols,
	collapseSpaces,
}

var (
	fencedCodeRegex = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRegex = regexp.MustCompile("`[^`]*`")
	linkRegex       = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	bareURLRegex    = regexp.MustCompile(`https?://\S+`)
	listMarkerRegex = regexp.MustCompile(`(?m)^\s*(?:[-+*]|\d+[.)])\s+`)
	// Anything that is not a letter, digit, punctuation, separator, currency
	// sign or combining mark, plus emoji presentation selectors.
	pictographRegex = regexp.MustCompile(`[^\p{L}\p{N}\p{P}\p{Z}\p{Sc}\p{M}\s]|[\x{FE0E}\x{FE0F}\x{20E3}]`)
	spaceRunRegex   = regexp.MustCompile(`\s+`)
)

// Paired emphasis markers vanish without a gap so "un**believ**able"
// stays one word.
var emphasisReplacer = strings.NewReplacer("**", "", "__", "", "~~", "")

// SanitizeForSpeech turns reply markdown into plain text a synthesizer can
// read. It returns "" when nothing pronounceable is left.
func SanitizeForSpeech(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	for _, pass := range speechPasses {
		text = pass(text)
	}
	if !strings.ContainsFunc(text, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) {
		return ""
	}
	return text
}

func dropCode(text string) string {
	text = fencedCodeRegex.ReplaceAllString(text, " ")
	return inlineCodeRegex.ReplaceAllString(text, " ")
}

func unwrapLinks(text string) string {
	text = linkRegex.ReplaceAllString(text, "$1")
	return bareURLRegex.ReplaceAllString(text, " ")
}

func dropListMarkers(text string) string {
	return listMarkerRegex.ReplaceAllString(text, "")
}

func dropEmphasis(text string) string {
	return emphasisReplacer.Replace(text)
}

func dropPictographs(text string) string {
	return pictographRegex.ReplaceAllString(text, " ")
}

// muteSymbols turns punctuation a voice would read aloud ("slash", "hash")
// into word breaks.
func muteSymbols(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) && !speakablePunct(r) {
			return ' '
		}
		return r
	}, text)
}

func collapseSpaces(text string) string {
	return strings.TrimSpace(spaceRunRegex.ReplaceAllString(text, " "))
}

func speakablePunct(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')':
		return true
	default:
		return false
	}
}
