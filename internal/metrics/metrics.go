package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Streaming workflow throughput and outcomes per chat mode
//   - Tool execution patterns by kind (spt|lpt|meta)
//   - Approval card outcomes including timeouts
//   - Session, brain and WebSocket capacity gauges
//
// Usage:
//
//	m := metrics.New()
//	m.StreamStarted("general_chat")
//	defer m.StreamFinished("general_chat", "completed", time.Since(start).Seconds())
type Metrics struct {
	// StreamCounter counts workflow streams by mode and outcome.
	// Labels: mode (general_chat|onboarding|...), status (completed|interrupted|error)
	StreamCounter *prometheus.CounterVec

	// StreamDuration measures end-to-end workflow run time in seconds.
	// Labels: mode
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s, 300s
	StreamDuration *prometheus.HistogramVec

	// RunningStreams is a gauge tracking streams currently in flight.
	// Labels: mode
	RunningStreams *prometheus.GaugeVec

	// ToolCounter counts tool invocations.
	// Labels: tool_name, kind (spt|lpt|meta), status (success|error)
	ToolCounter *prometheus.CounterVec

	// ToolDuration measures tool handler execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s
	ToolDuration *prometheus.HistogramVec

	// ApprovalCounter counts approval card resolutions.
	// Labels: outcome (approved|rejected|timeout|cancelled)
	ApprovalCounter *prometheus.CounterVec

	// SummarizationCounter counts history compactions triggered by the
	// token budget.
	SummarizationCounter prometheus.Counter

	// LLMTokens tracks token consumption reported by providers.
	// Labels: provider, type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// ActiveSessions is a gauge of live (user, tenant) sessions.
	ActiveSessions prometheus.Gauge

	// ActiveBrains is a gauge of per-thread brains across all sessions.
	ActiveBrains prometheus.Gauge

	// WSConnections is a gauge of open WebSocket connections.
	WSConnections prometheus.Gauge

	// BufferedEvents counts chat events buffered for offline clients.
	BufferedEvents prometheus.Counter

	// RTDBEvents counts follow-up records consumed from job chat listeners.
	// Labels: type (message|waiting_response|termination|card|...)
	RTDBEvents *prometheus.CounterVec

	// ScheduledRuns counts scheduled task executions.
	// Labels: status (completed|partial|failed)
	ScheduledRuns *prometheus.CounterVec
}

// New creates and registers all Prometheus collectors with the default
// registry. Call once at startup; a second call panics on duplicate
// registration.
func New() *Metrics {
	return &Metrics{
		StreamCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brain_streams_total",
				Help: "Total number of workflow streams by mode and outcome",
			},
			[]string{"mode", "status"},
		),

		StreamDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "brain_stream_duration_seconds",
				Help:    "Duration of workflow streams in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode"},
		),

		RunningStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "brain_running_streams",
				Help: "Current number of workflow streams in flight",
			},
			[]string{"mode"},
		),

		ToolCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brain_tool_executions_total",
				Help: "Total number of tool executions by name, kind, and status",
			},
			[]string{"tool_name", "kind", "status"},
		),

		ToolDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "brain_tool_execution_duration_seconds",
				Help:    "Duration of tool handler executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool_name"},
		),

		ApprovalCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brain_approvals_total",
				Help: "Total number of approval card resolutions by outcome",
			},
			[]string{"outcome"},
		),

		SummarizationCounter: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "brain_summarizations_total",
				Help: "Total number of history compactions",
			},
		),

		LLMTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brain_llm_tokens_total",
				Help: "Total number of tokens used by provider and type",
			},
			[]string{"provider", "type"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "brain_active_sessions",
				Help: "Current number of live user sessions",
			},
		),

		ActiveBrains: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "brain_active_brains",
				Help: "Current number of per-thread brains",
			},
		),

		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "brain_ws_connections",
				Help: "Current number of open WebSocket connections",
			},
		),

		BufferedEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "brain_ws_buffered_events_total",
				Help: "Total number of chat events buffered for offline clients",
			},
		),

		RTDBEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brain_rtdb_events_total",
				Help: "Total number of follow-up records consumed by listeners",
			},
			[]string{"type"},
		),

		ScheduledRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brain_scheduled_runs_total",
				Help: "Total number of scheduled task executions by outcome",
			},
			[]string{"status"},
		),
	}
}

// StreamStarted marks a workflow stream as running.
func (m *Metrics) StreamStarted(mode string) {
	if m == nil {
		return
	}
	m.RunningStreams.WithLabelValues(mode).Inc()
}

// StreamFinished marks a stream as done and records its outcome and duration.
func (m *Metrics) StreamFinished(mode, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RunningStreams.WithLabelValues(mode).Dec()
	m.StreamCounter.WithLabelValues(mode, status).Inc()
	m.StreamDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordTool records a tool execution.
func (m *Metrics) RecordTool(toolName, kind, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolCounter.WithLabelValues(toolName, kind, status).Inc()
	m.ToolDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordApproval records the outcome of one approval card.
func (m *Metrics) RecordApproval(outcome string) {
	if m == nil {
		return
	}
	m.ApprovalCounter.WithLabelValues(outcome).Inc()
}

// RecordSummarization counts one history compaction.
func (m *Metrics) RecordSummarization() {
	if m == nil {
		return
	}
	m.SummarizationCounter.Inc()
}

// RecordTokens tracks provider-reported token usage.
func (m *Metrics) RecordTokens(provider string, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	if promptTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// BrainCreated increments the brain gauge.
func (m *Metrics) BrainCreated() {
	if m == nil {
		return
	}
	m.ActiveBrains.Inc()
}

// BrainsDropped decrements the brain gauge by n.
func (m *Metrics) BrainsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ActiveBrains.Sub(float64(n))
}

// ConnectionOpened increments the WebSocket gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// ConnectionClosed decrements the WebSocket gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// EventBuffered counts one chat event held for an offline client.
func (m *Metrics) EventBuffered() {
	if m == nil {
		return
	}
	m.BufferedEvents.Inc()
}

// RecordRTDBEvent counts one follow-up record by classified type.
func (m *Metrics) RecordRTDBEvent(eventType string) {
	if m == nil {
		return
	}
	m.RTDBEvents.WithLabelValues(eventType).Inc()
}

// RecordScheduledRun counts one scheduled task execution.
func (m *Metrics) RecordScheduledRun(status string) {
	if m == nil {
		return
	}
	m.ScheduledRuns.WithLabelValues(status).Inc()
}
