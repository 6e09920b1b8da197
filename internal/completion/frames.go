package completion

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/bytedance/sonic"
)

const doneSentinel = "[DONE]"

// Delta is one decoded stream frame. Control frames carry no content.
type Delta struct {
	Content string
	Control bool
}

// FrameError reports a frame that could not be decoded. It is not fatal.
type FrameError struct {
	Raw string
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", truncateForLog(e.Raw, 120), e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

type chunkFrame struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Frames decodes `data: ` server-sent events from r until `[DONE]` or EOF.
// Undecodable frames are yielded as *FrameError and iteration continues;
// any other error is a read failure and is the last value yielded.
func Frames(r io.Reader) iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == doneSentinel {
				return
			}

			var frame chunkFrame
			if err := sonic.UnmarshalString(payload, &frame); err != nil {
				if !yield(Delta{}, &FrameError{Raw: payload, Err: err}) {
					return
				}
				continue
			}
			d := Delta{Control: true}
			if len(frame.Choices) > 0 && frame.Choices[0].Delta.Content != nil {
				d = Delta{Content: *frame.Choices[0].Delta.Content}
			}
			if !yield(d, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Delta{}, fmt.Errorf("stream read: %w", err))
		}
	}
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
