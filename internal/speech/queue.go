package speech

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yakGPT/yakGPT/internal/reliability"
)

type ChunkState int

const (
	ChunkText ChunkState = iota
	ChunkLoading
	ChunkAudio
)

func (s ChunkState) String() string {
	switch s {
	case ChunkText:
		return "text"
	case ChunkLoading:
		return "loading"
	case ChunkAudio:
		return "audio"
	default:
		return fmt.Sprintf("chunk_state(%d)", int(s))
	}
}

// Chunk is one synthesis unit. Index in the queue is playback order.
type Chunk struct {
	Text  string
	State ChunkState
	Audio Audio
}

type PlayerState int

const (
	PlayerIdle PlayerState = iota
	PlayerPlaying
	PlayerPaused
)

func (s PlayerState) String() string {
	switch s {
	case PlayerIdle:
		return "idle"
	case PlayerPlaying:
		return "playing"
	case PlayerPaused:
		return "paused"
	default:
		return fmt.Sprintf("player_state(%d)", int(s))
	}
}

// Player renders audio. The queue calls it without holding its lock; the
// player reports natural end of a chunk through Queue.Ended.
type Player interface {
	Play(idx int, a Audio)
	Pause()
	Resume()
	Stop()
}

// TextSource returns the reply being spoken and whether it is still growing.
type TextSource func() (text string, generating bool)

const DefaultDriverInterval = time.Second

type QueueConfig struct {
	Provider Provider
	Source   TextSource
	Player   Player
	Interval time.Duration
	// Limiter paces provider calls; nil means unpaced.
	Limiter     *rate.Limiter
	BackoffBase time.Duration
	BackoffCap  time.Duration
	OnError     func(idx int, err error)
	OnChange    func()
	Logger      *slog.Logger
}

// Queue fetches audio for chunks one at a time and plays ready chunks
// strictly in index order.
type Queue struct {
	cfg     QueueConfig
	backoff reliability.Backoff
	now     func() time.Time

	mu        sync.Mutex
	gen       uint64
	chunks    []Chunk
	inFlight  bool
	state     PlayerState
	playerIdx int
}

func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDriverInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnError == nil {
		cfg.OnError = func(int, error) {}
	}
	if cfg.OnChange == nil {
		cfg.OnChange = func() {}
	}
	q := &Queue{cfg: cfg, now: time.Now, playerIdx: -1}
	q.backoff.Base = cfg.BackoffBase
	q.backoff.Cap = cfg.BackoffCap
	return q
}

// Run drives Tick every interval until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Tick(ctx)
		}
	}
}

// Tick reconciles chunks with the source text and dispatches at most one
// fetch. The last chunk is withheld while the source is still generating.
func (q *Queue) Tick(ctx context.Context) {
	text, generating := q.cfg.Source()
	chunks := SplitChunks(text)
	if generating && len(chunks) > 0 {
		chunks = chunks[:len(chunks)-1]
	}

	q.mu.Lock()
	added := false
	for i := len(q.chunks); i < len(chunks); i++ {
		q.chunks = append(q.chunks, Chunk{Text: chunks[i], State: ChunkText})
		added = true
	}
	idx := -1
	if !q.inFlight && q.backoff.Ready(q.now()) {
		for i, c := range q.chunks {
			if c.State == ChunkText {
				idx = i
				break
			}
		}
	}
	var gen uint64
	if idx >= 0 {
		q.inFlight = true
		gen = q.gen
	}
	q.mu.Unlock()

	if added {
		q.cfg.OnChange()
	}
	if idx < 0 {
		return
	}
	go func() {
		defer q.clearInFlight(gen)
		if err := q.fetch(ctx, idx, gen); err != nil {
			q.cfg.Logger.Debug("chunk fetch failed", "idx", idx, "err", err)
		}
	}()
}

func (q *Queue) clearInFlight(gen uint64) {
	q.mu.Lock()
	if q.gen == gen {
		q.inFlight = false
	}
	q.mu.Unlock()
}

// FetchAudio synthesizes chunk idx. On failure the chunk returns to text
// for a later tick to retry.
func (q *Queue) FetchAudio(ctx context.Context, idx int) error {
	q.mu.Lock()
	gen := q.gen
	q.mu.Unlock()
	return q.fetch(ctx, idx, gen)
}

// fetch synthesizes chunk idx of utterance gen; a reset since then makes it
// a no-op.
func (q *Queue) fetch(ctx context.Context, idx int, gen uint64) error {
	q.mu.Lock()
	if gen != q.gen || idx < 0 || idx >= len(q.chunks) || q.chunks[idx].State == ChunkAudio {
		q.mu.Unlock()
		return nil
	}
	q.chunks[idx].State = ChunkLoading
	text := q.chunks[idx].Text
	q.mu.Unlock()
	q.cfg.OnChange()

	audio, err := q.synthesize(ctx, text)

	q.mu.Lock()
	if gen != q.gen {
		q.mu.Unlock()
		return nil
	}
	if err != nil {
		q.chunks[idx].State = ChunkText
		delay := q.backoff.Fail(q.now())
		q.mu.Unlock()
		q.cfg.Logger.Warn("speech synthesis failed", "provider", q.cfg.Provider.Name(), "idx", idx, "retry_in", delay, "err", err)
		q.cfg.OnError(idx, err)
		q.cfg.OnChange()
		return err
	}
	q.backoff.Succeed()
	q.chunks[idx].State = ChunkAudio
	q.chunks[idx].Audio = audio
	q.mu.Unlock()

	q.cfg.OnChange()
	q.PlayAudio(idx)
	return nil
}

func (q *Queue) synthesize(ctx context.Context, text string) (Audio, error) {
	clean := SanitizeForSpeech(text)
	if clean == "" {
		return Audio{}, nil
	}
	if q.cfg.Limiter != nil {
		if err := q.cfg.Limiter.Wait(ctx); err != nil {
			return Audio{}, err
		}
	}
	return q.cfg.Provider.Synthesize(ctx, clean)
}

// PlayAudio starts the next due chunk if the player is idle and that chunk
// is ready. idx names the chunk that just became ready; playback never
// jumps ahead of the next due index.
func (q *Queue) PlayAudio(idx int) bool {
	q.mu.Lock()
	if q.state != PlayerIdle || idx >= len(q.chunks) {
		q.mu.Unlock()
		return false
	}
	play, next, ok := q.advanceLocked()
	q.mu.Unlock()
	if ok {
		q.cfg.Player.Play(next, play)
		q.cfg.OnChange()
	}
	return ok
}

// advanceLocked moves to the next due chunk, skipping ready chunks that
// produced no audio. It reports false when the next chunk is not ready.
func (q *Queue) advanceLocked() (Audio, int, bool) {
	for {
		next := q.playerIdx + 1
		if next >= len(q.chunks) || q.chunks[next].State != ChunkAudio {
			return Audio{}, 0, false
		}
		q.playerIdx = next
		if q.chunks[next].Audio.Empty() {
			continue
		}
		q.state = PlayerPlaying
		return q.chunks[next].Audio, next, true
	}
}

// Ended advances after chunk idx finished playing.
func (q *Queue) Ended(idx int) {
	q.mu.Lock()
	if idx != q.playerIdx || q.state != PlayerPlaying {
		q.mu.Unlock()
		return
	}
	q.state = PlayerIdle
	play, next, ok := q.advanceLocked()
	q.mu.Unlock()
	if ok {
		q.cfg.Player.Play(next, play)
	}
	q.cfg.OnChange()
}

// Toggle cycles playing to paused, paused to playing, and idle to playing
// from the first chunk.
func (q *Queue) Toggle() PlayerState {
	q.mu.Lock()
	switch q.state {
	case PlayerPlaying:
		q.state = PlayerPaused
		q.mu.Unlock()
		q.cfg.Player.Pause()
		q.cfg.OnChange()
		return PlayerPaused
	case PlayerPaused:
		q.state = PlayerPlaying
		q.mu.Unlock()
		q.cfg.Player.Resume()
		q.cfg.OnChange()
		return PlayerPlaying
	}
	q.playerIdx = -1
	play, next, ok := q.advanceLocked()
	st := q.state
	q.mu.Unlock()
	if ok {
		q.cfg.Player.Play(next, play)
		q.cfg.OnChange()
	}
	return st
}

// Reset drops all chunks for a new utterance and stops playback. Fetches
// still in flight are discarded when they return.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.gen++
	q.chunks = nil
	q.inFlight = false
	wasActive := q.state != PlayerIdle
	q.state = PlayerIdle
	q.playerIdx = -1
	q.mu.Unlock()
	q.backoff.Succeed()
	if wasActive {
		q.cfg.Player.Stop()
	}
	q.cfg.OnChange()
}

func (q *Queue) Chunks() []Chunk {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Chunk(nil), q.chunks...)
}

func (q *Queue) PlayerState() PlayerState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// PlayingIndex is the chunk last handed to the player, or -1.
func (q *Queue) PlayingIndex() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playerIdx
}
