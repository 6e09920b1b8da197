package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	ProviderErrors  *prometheus.CounterVec
	Completions     *prometheus.CounterVec
	TokensUsed      *prometheus.CounterVec
	CostUSD         *prometheus.CounterVec
	Transcriptions  *prometheus.CounterVec
	Synthesis       *prometheus.CounterVec
	DroppedEvents   *prometheus.CounterVec
	FirstTokenDelay prometheus.Histogram

	stages *stageWindow
}

// NewMetrics registers instruments on reg; nil uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live chat sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		Completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Completion streams by model and result.",
		}, []string{"model", "result"}),
		TokensUsed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens used by model and kind.",
		}, []string{"model", "kind"}),
		CostUSD: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Estimated spend in USD by model.",
		}, []string{"model"}),
		Transcriptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Speech recognition results by kind and result.",
		}, []string{"kind", "result"}),
		Synthesis: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_synthesis_total",
			Help:      "Speech synthesis calls by provider and result.",
		}, []string{"provider", "result"}),
		DroppedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Session events dropped for slow subscribers, by type.",
		}, []string{"type"}),
		FirstTokenDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_token_latency_ms",
			Help:      "Latency from submit to first streamed token in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveCompletion(model, result string, d time.Duration) {
	m.Completions.WithLabelValues(model, result).Inc()
	m.stages.Observe("completion_total", float64(d.Milliseconds()))
	if result != "ok" {
		m.stages.ObserveIndicator("completion_" + result)
	}
}

func (m *Metrics) ObserveFirstToken(d time.Duration) {
	m.FirstTokenDelay.Observe(float64(d.Milliseconds()))
	m.stages.Observe("submit_to_first_token", float64(d.Milliseconds()))
}

func (m *Metrics) AddUsage(model string, prompt, completion int, cost float64) {
	m.TokensUsed.WithLabelValues(model, "prompt").Add(float64(prompt))
	m.TokensUsed.WithLabelValues(model, "completion").Add(float64(completion))
	m.CostUSD.WithLabelValues(model).Add(cost)
}

func (m *Metrics) ObserveTranscription(kind, result string, d time.Duration) {
	m.Transcriptions.WithLabelValues(kind, result).Inc()
	if kind == "batch" && result == "ok" {
		m.stages.Observe("batch_transcription", float64(d.Milliseconds()))
	}
}

func (m *Metrics) ObserveSynthesis(provider, result string, d time.Duration) {
	m.Synthesis.WithLabelValues(provider, result).Inc()
	if result == "ok" {
		m.stages.Observe("chunk_synthesis", float64(d.Milliseconds()))
	} else {
		m.ProviderErrors.WithLabelValues(provider, result).Inc()
	}
}

func (m *Metrics) ObserveDroppedEvent(msgType string) {
	m.DroppedEvents.WithLabelValues(msgType).Inc()
	m.stages.ObserveIndicator("dropped_" + msgType)
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.stages.Snapshot()
}

// MetricsHandler serves g, or the default gatherer when g is nil.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
