package dictation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yakGPT/yakGPT/internal/transcribe"
)

type fakeSink struct {
	mu        sync.Mutex
	input     string
	submitted []string
	aborts    int
	sleeps    int
	newChats  int
}

func (s *fakeSink) SetInputText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = text
}

func (s *fakeSink) SubmitDictation(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, text)
	return nil
}

func (s *fakeSink) AbortGeneration() { s.mu.Lock(); s.aborts++; s.mu.Unlock() }
func (s *fakeSink) StopListening()   { s.mu.Lock(); s.sleeps++; s.mu.Unlock() }
func (s *fakeSink) NewChat()         { s.mu.Lock(); s.newChats++; s.mu.Unlock() }

func (s *fakeSink) snapshot() (string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input, append([]string(nil), s.submitted...)
}

func TestInterimThenFinalSubmitsImmediately(t *testing.T) {
	sink := &fakeSink{}
	b := NewBuffer(sink, Options{})

	b.OnInterim("hello wor")
	input, _ := sink.snapshot()
	assert.Equal(t, "hello wor", input)

	b.OnFinal("hello world")
	input, submitted := sink.snapshot()
	assert.Equal(t, []string{"hello world "}, submitted)
	assert.Empty(t, input)
	assert.Empty(t, b.Text())
}

func TestDisplayJoinsCommittedAndInterim(t *testing.T) {
	sink := &fakeSink{}
	b := NewBuffer(sink, Options{AutoSend: func() bool { return false }})
	b.OnFinal("first part")
	b.OnInterim("  second ")
	assert.Equal(t, "first part second", b.Text())
}

func TestAutoSendOffLeavesTextInInput(t *testing.T) {
	sink := &fakeSink{}
	b := NewBuffer(sink, Options{AutoSend: func() bool { return false }})
	b.OnFinal("hello")
	b.OnFinal("world")

	input, submitted := sink.snapshot()
	assert.Empty(t, submitted)
	assert.Equal(t, "hello world ", input)
	assert.Equal(t, "hello world", b.Text())
}

func TestDebouncedFinalsCoalesce(t *testing.T) {
	sink := &fakeSink{}
	b := NewBuffer(sink, Options{SubmitDebounce: 60 * time.Millisecond})
	b.OnFinal("one")
	b.OnFinal("two")
	b.OnFinal("three")

	_, submitted := sink.snapshot()
	assert.Empty(t, submitted)

	require.Eventually(t, func() bool {
		_, s := sink.snapshot()
		return len(s) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	_, submitted = sink.snapshot()
	assert.Equal(t, []string{"one two three "}, submitted)
}

func TestInterimPostponesPendingPersist(t *testing.T) {
	sink := &fakeSink{}
	b := NewBuffer(sink, Options{SubmitDebounce: 80 * time.Millisecond})
	b.OnFinal("still")
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		b.OnInterim("talk")
	}
	_, submitted := sink.snapshot()
	assert.Empty(t, submitted, "speech activity keeps the window open")

	require.Eventually(t, func() bool {
		_, s := sink.snapshot()
		return len(s) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSendNowBypassesDebounce(t *testing.T) {
	sink := &fakeSink{}
	b := NewBuffer(sink, Options{SubmitDebounce: time.Hour})
	b.OnFinal("book a table")
	b.OnInterim("Over")
	b.OnFinal("Over.")

	_, submitted := sink.snapshot()
	assert.Equal(t, []string{"book a table "}, submitted)
	assert.False(t, b.persist.Pending())
}

func TestUndoPopsLastFragment(t *testing.T) {
	sink := &fakeSink{}
	b := NewBuffer(sink, Options{SubmitDebounce: time.Hour})
	b.OnFinal("keep this")
	b.OnFinal("drop this")
	b.OnFinal("Scratch that!")

	input, submitted := sink.snapshot()
	assert.Empty(t, submitted)
	assert.Equal(t, "keep this", input)
	assert.False(t, b.persist.Pending(), "commands cancel a pending persist")
}

func TestStopSleepAndNewChatCommands(t *testing.T) {
	sink := &fakeSink{}
	b := NewBuffer(sink, Options{SubmitDebounce: time.Hour})
	b.OnFinal("some words")

	b.OnFinal("stop")
	b.OnFinal("Go to sleep.")
	assert.Equal(t, "some words", b.Text())

	b.OnFinal("new chat")
	assert.Empty(t, b.Text())

	input, submitted := sink.snapshot()
	assert.Empty(t, input)
	assert.Empty(t, submitted)
	assert.Equal(t, 1, sink.aborts)
	assert.Equal(t, 1, sink.sleeps)
	assert.Equal(t, 1, sink.newChats)
}

func TestCommandInterimsAreNotDisplayed(t *testing.T) {
	sink := &fakeSink{}
	b := NewBuffer(sink, Options{AutoSend: func() bool { return false }})
	b.OnInterim("hello")
	b.OnInterim("Stop!")
	input, _ := sink.snapshot()
	assert.Equal(t, "hello", input)
}

func TestConsumeCancelsPendingOnSessionStop(t *testing.T) {
	sink := &fakeSink{}
	b := NewBuffer(sink, Options{SubmitDebounce: 50 * time.Millisecond})
	events := make(chan transcribe.Event, 4)
	events <- transcribe.Event{Type: transcribe.EventRecognizing, Text: "late wor"}
	events <- transcribe.Event{Type: transcribe.EventRecognized, Text: "late words"}
	events <- transcribe.Event{Type: transcribe.EventSessionStopped}
	close(events)

	b.Consume(context.Background(), events)
	time.Sleep(100 * time.Millisecond)

	_, submitted := sink.snapshot()
	assert.Empty(t, submitted)
	assert.Equal(t, "late words", b.Text())
}

func TestConsumeScenario(t *testing.T) {
	sink := &fakeSink{}
	b := NewBuffer(sink, Options{})
	r := transcribe.NewScriptedRecognizer(
		transcribe.Event{Type: transcribe.EventRecognizing, Text: "hello wor"},
		transcribe.Event{Type: transcribe.EventRecognized, Text: "hello world"},
	)
	sess, events, err := r.Start(context.Background(), transcribe.Options{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Consume(context.Background(), events)
	}()
	require.NoError(t, sess.PushAudio(context.Background(), []byte{0, 0}))
	require.NoError(t, sess.PushAudio(context.Background(), []byte{0, 0}))
	require.NoError(t, sess.Stop())
	<-done

	_, submitted := sink.snapshot()
	assert.Equal(t, []string{"hello world "}, submitted)
}

func TestDebouncerStopRefusesSchedules(t *testing.T) {
	var d Debouncer
	d.Delay = 10 * time.Millisecond
	var fired atomic.Int32
	d.Schedule(func() { fired.Add(1) })
	d.Stop()
	d.Schedule(func() { fired.Add(1) })
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, fired.Load())
	assert.False(t, d.Postpone())
}

func TestDebouncerRunsLatestOnce(t *testing.T) {
	var d Debouncer
	d.Delay = 20 * time.Millisecond
	var got atomic.Value
	var fired atomic.Int32
	d.Schedule(func() { got.Store("first"); fired.Add(1) })
	d.Schedule(func() { got.Store("second"); fired.Add(1) })
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, "second", got.Load())
}
