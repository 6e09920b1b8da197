package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// StageStats summarizes recent latencies for one pipeline stage.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// Indicator counts discrete pipeline outcomes such as canceled completions.
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageTargets are the p95 budgets reported next to each stage.
var stageTargets = map[string]float64{
	"submit_to_first_token": 1200,
	"chunk_synthesis":       1500,
	"batch_transcription":   2500,
}

// latencyRing holds the newest samples of one stage, oldest overwritten first.
type latencyRing struct {
	samples []float64
	head    int
	last    float64
}

func (r *latencyRing) add(v float64, capacity int) {
	r.last = v
	if len(r.samples) < capacity {
		r.samples = append(r.samples, v)
		return
	}
	r.samples[r.head] = v
	r.head = (r.head + 1) % capacity
}

func (r *latencyRing) stats(stage string) StageStats {
	sorted := slices.Clone(r.samples)
	slices.Sort(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return StageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      round2(r.last),
		AvgMS:       round2(sum / float64(len(sorted))),
		P50MS:       round2(interpolate(sorted, 0.50)),
		P95MS:       round2(interpolate(sorted, 0.95)),
		P99MS:       round2(interpolate(sorted, 0.99)),
		TargetP95MS: stageTargets[stage],
	}
}

// stageWindow feeds the /v1/perf/latency report.
type stageWindow struct {
	mu         sync.Mutex
	capacity   int
	rings      map[string]*latencyRing
	indicators map[string]int
}

func newStageWindow(capacity int) *stageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &stageWindow{
		capacity:   capacity,
		rings:      make(map[string]*latencyRing),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &latencyRing{samples: make([]float64, 0, w.capacity)}
		w.rings[stage] = r
	}
	r.add(ms, w.capacity)
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		if r := w.rings[stage]; len(r.samples) > 0 {
			snap.Stages = append(snap.Stages, r.stats(stage))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

// interpolate returns the q-quantile of sorted with linear interpolation
// between the two nearest ranks.
func interpolate(sorted []float64, q float64) float64 {
	switch n := len(sorted); {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
