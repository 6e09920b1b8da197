// Package speech turns streamed assistant replies into ordered synthesized
// audio: chunking, TTS providers and the playback queue.
package speech

import (
	"regexp"
	"unicode/utf8"
)

// ChunkThresholds are minimum chunk lengths by chunk index; the last entry
// applies to every later chunk.
var ChunkThresholds = []int{25, 100, 200, 500, 1000}

var sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]`)

// SplitChunks groups sentences into chunks whose minimum length grows with
// the chunk index. Text after the last terminator only extends the final
// chunk, so closed chunks never change as text grows.
func SplitChunks(text string) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	current := ""
	end := 0
	for _, loc := range sentencePattern.FindAllStringIndex(text, -1) {
		current += text[end:loc[1]]
		end = loc[1]
		if utf8.RuneCountInString(current) >= threshold(len(chunks)) {
			chunks = append(chunks, current)
			current = ""
		}
	}
	current += text[end:]
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

func threshold(idx int) int {
	if idx >= len(ChunkThresholds) {
		return ChunkThresholds[len(ChunkThresholds)-1]
	}
	return ChunkThresholds[idx]
}
