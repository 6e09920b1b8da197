package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Counter returns an exact token tally for cost accounting.
type Counter interface {
	Count(text string) int
}

type CounterFunc func(string) int

func (f CounterFunc) Count(text string) int { return f(text) }

// EstimateCounter counts with the word-based approximation.
var EstimateCounter Counter = CounterFunc(Estimate)

var loaderOnce sync.Once

// TiktokenCounter counts with a BPE encoding loaded from the embedded tables,
// so no network fetch happens at startup.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = tiktoken.MODEL_CL100K_BASE
	}
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %q: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// NewCounter prefers the tokenizer and falls back to the estimate.
func NewCounter(encoding string) (Counter, error) {
	c, err := NewTiktokenCounter(encoding)
	if err != nil {
		return EstimateCounter, err
	}
	return c, nil
}
