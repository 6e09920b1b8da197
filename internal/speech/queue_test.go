package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatedProvider struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
	calls []string
	fail  int
}

func newGatedProvider() *gatedProvider {
	return &gatedProvider{gates: map[string]chan struct{}{}}
}

func (p *gatedProvider) gate(text string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := make(chan struct{})
	p.gates[text] = g
	return g
}

func (p *gatedProvider) Name() string { return "fake" }

func (p *gatedProvider) Synthesize(ctx context.Context, text string) (Audio, error) {
	p.mu.Lock()
	p.calls = append(p.calls, text)
	g := p.gates[text]
	failing := p.fail > 0
	if failing {
		p.fail--
	}
	p.mu.Unlock()
	if failing {
		return Audio{}, errors.New("synthesis unavailable")
	}
	if g != nil {
		select {
		case <-g:
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		}
	}
	return Audio{Data: []byte(text), ContentType: "audio/mpeg"}, nil
}

func (p *gatedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type recordingPlayer struct {
	mu     sync.Mutex
	played []int
	pauses int
	resume int
	stops  int
}

func (p *recordingPlayer) Play(idx int, _ Audio) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, idx)
}
func (p *recordingPlayer) Pause()  { p.mu.Lock(); p.pauses++; p.mu.Unlock() }
func (p *recordingPlayer) Resume() { p.mu.Lock(); p.resume++; p.mu.Unlock() }
func (p *recordingPlayer) Stop()   { p.mu.Lock(); p.stops++; p.mu.Unlock() }

func (p *recordingPlayer) order() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.played...)
}

type source struct {
	mu         sync.Mutex
	text       string
	generating bool
}

func (s *source) set(text string, generating bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text, s.generating = text, generating
}

func (s *source) get() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text, s.generating
}

func newTestQueue(p Provider, src *source, player Player) *Queue {
	return NewQueue(QueueConfig{
		Provider:    p,
		Source:      src.get,
		Player:      player,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	})
}

func TestQueuePlaysInIndexOrderRegardlessOfFetchOrder(t *testing.T) {
	provider := newGatedProvider()
	gate0 := provider.gate(greeting)
	gate1 := provider.gate("And you?")
	player := &recordingPlayer{}
	src := &source{}
	src.set(greeting+" And you?", false)
	q := newTestQueue(provider, src, player)
	ctx := context.Background()

	q.Tick(ctx)
	require.Len(t, q.Chunks(), 2)
	require.Eventually(t, func() bool { return provider.callCount() == 1 }, time.Second, 2*time.Millisecond)

	fetched1 := make(chan error, 1)
	go func() { fetched1 <- q.FetchAudio(ctx, 1) }()
	close(gate1)
	require.NoError(t, <-fetched1)
	assert.Equal(t, ChunkAudio, q.Chunks()[1].State)
	assert.Equal(t, ChunkLoading, q.Chunks()[0].State)
	assert.Empty(t, player.order(), "chunk 1 must wait for chunk 0")

	close(gate0)
	require.Eventually(t, func() bool { return len(player.order()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []int{0}, player.order())
	assert.Equal(t, PlayerPlaying, q.PlayerState())

	q.Ended(0)
	assert.Equal(t, []int{0, 1}, player.order())
	q.Ended(1)
	assert.Equal(t, PlayerIdle, q.PlayerState())
}

func TestQueueWithholdsLastChunkWhileGenerating(t *testing.T) {
	provider := newGatedProvider()
	src := &source{}
	src.set(greeting+" And", true)
	q := newTestQueue(provider, src, &recordingPlayer{})
	ctx := context.Background()

	q.Tick(ctx)
	require.Len(t, q.Chunks(), 1)

	src.set(greeting+" And you?", false)
	require.Eventually(t, func() bool {
		q.Tick(ctx)
		return len(q.Chunks()) == 2
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, " And you?", q.Chunks()[1].Text)
	assert.Equal(t, greeting, q.Chunks()[0].Text, "queued chunks are never rewritten")
}

func TestQueueSingleFetchInFlight(t *testing.T) {
	provider := newGatedProvider()
	gate := provider.gate(greeting)
	src := &source{}
	src.set(greeting+" And you?", false)
	q := newTestQueue(provider, src, &recordingPlayer{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		q.Tick(ctx)
	}
	require.Eventually(t, func() bool { return provider.callCount() == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, provider.callCount())
	close(gate)
}

func TestQueueRetriesFailedChunk(t *testing.T) {
	provider := newGatedProvider()
	provider.fail = 1
	var mu sync.Mutex
	var failures []int
	src := &source{}
	src.set(greeting, false)
	q := NewQueue(QueueConfig{
		Provider:    provider,
		Source:      src.get,
		Player:      &recordingPlayer{},
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		OnError: func(idx int, _ error) {
			mu.Lock()
			failures = append(failures, idx)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	require.Eventually(t, func() bool {
		q.Tick(ctx)
		return q.Chunks()[0].State == ChunkAudio
	}, time.Second, 3*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{0}, failures)
	mu.Unlock()
	assert.Equal(t, 2, provider.callCount())
}

func TestQueueSkipsUnspeakableChunk(t *testing.T) {
	provider := newGatedProvider()
	player := &recordingPlayer{}
	src := &source{}
	src.set("```\nsome code here ok\n```! Then the actual answer.", false)
	q := newTestQueue(provider, src, player)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		q.Tick(ctx)
		return len(player.order()) == 1
	}, time.Second, 3*time.Millisecond)
	assert.Equal(t, []int{1}, player.order())
	provider.mu.Lock()
	assert.Equal(t, []string{"Then the actual answer."}, provider.calls)
	provider.mu.Unlock()
}

func TestQueueToggle(t *testing.T) {
	provider := newGatedProvider()
	player := &recordingPlayer{}
	src := &source{}
	src.set(greeting, false)
	q := newTestQueue(provider, src, player)
	ctx := context.Background()

	q.Tick(ctx)
	require.Eventually(t, func() bool { return len(player.order()) == 1 }, time.Second, 2*time.Millisecond)

	assert.Equal(t, PlayerPaused, q.Toggle())
	assert.Equal(t, PlayerPlaying, q.Toggle())
	q.Ended(0)
	assert.Equal(t, PlayerIdle, q.PlayerState())

	assert.Equal(t, PlayerPlaying, q.Toggle(), "toggling from idle replays from the start")
	assert.Equal(t, []int{0, 0}, player.order())
	assert.Equal(t, 1, player.pauses)
	assert.Equal(t, 1, player.resume)
}

func TestPlayAudioGuards(t *testing.T) {
	q := newTestQueue(newGatedProvider(), &source{}, &recordingPlayer{})
	assert.False(t, q.PlayAudio(0), "nothing queued")
	assert.False(t, q.PlayAudio(3))
}

func TestQueueResetDiscardsInFlightFetch(t *testing.T) {
	provider := newGatedProvider()
	gate := provider.gate(greeting)
	player := &recordingPlayer{}
	src := &source{}
	src.set(greeting, false)
	q := newTestQueue(provider, src, player)
	ctx := context.Background()

	q.Tick(ctx)
	require.Eventually(t, func() bool { return provider.callCount() == 1 }, time.Second, 2*time.Millisecond)
	q.Reset()
	close(gate)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, q.Chunks())
	assert.Empty(t, player.order())
}

func TestQueueFetchFromResetUtteranceIsDropped(t *testing.T) {
	provider := newGatedProvider()
	src := &source{}
	src.set(greeting, false)
	q := newTestQueue(provider, src, &recordingPlayer{})

	q.mu.Lock()
	staleGen := q.gen
	q.mu.Unlock()

	q.Reset()
	src.set("A brand new reply arrives here.", false)
	q.mu.Lock()
	q.chunks = []Chunk{{Text: "A brand new reply arrives here.", State: ChunkText}}
	q.mu.Unlock()

	require.NoError(t, q.fetch(context.Background(), 0, staleGen))
	assert.Equal(t, 0, provider.callCount(), "a fetch from before the reset must not synthesize")
	assert.Equal(t, ChunkText, q.Chunks()[0].State)
}
