// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus-backed Recorder. Every instrument lives in
// an isolated registry so an embedding application can mount the
// Handler next to its own collectors without name collisions.
type Metrics struct {
	config   *MetricsConfig
	registry *prometheus.Registry

	turnsTotal     prometheus.Counter
	turnErrors     prometheus.Counter
	turnDuration   prometheus.Histogram
	turnIterations prometheus.Histogram
	activeTurns    prometheus.Gauge

	modelCalls        prometheus.Counter
	modelErrors       prometheus.Counter
	modelDuration     prometheus.Histogram
	modelInputTokens  prometheus.Counter
	modelOutputTokens prometheus.Counter

	toolCalls    *prometheus.CounterVec
	toolErrors   *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	nodeExecutions *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec

	checkpointSaves    *prometheus.CounterVec
	checkpointDuration *prometheus.HistogramVec

	breakerTrips *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance from configuration. A nil or
// disabled config yields (nil, nil), which every method tolerates.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}
	m.initTurnMetrics()
	m.initModelMetrics()
	m.initToolMetrics()
	m.initNodeMetrics()
	m.initDurabilityMetrics()
	return m, nil
}

func (m *Metrics) initTurnMetrics() {
	ns := m.config.Namespace
	m.turnsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "turn", Name: "total",
		Help: "Total number of agent turns",
	})
	m.turnErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "turn", Name: "errors_total",
		Help: "Total number of failed agent turns",
	})
	m.turnDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "turn", Name: "duration_seconds",
		Help:    "Agent turn duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to 163s
	})
	m.turnIterations = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "turn", Name: "iterations",
		Help:    "Model/tool iterations consumed per turn",
		Buckets: prometheus.LinearBuckets(1, 1, 16),
	})
	m.activeTurns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "turn", Name: "active",
		Help: "Turns currently in flight",
	})
	m.registry.MustRegister(m.turnsTotal, m.turnErrors, m.turnDuration, m.turnIterations, m.activeTurns)
}

func (m *Metrics) initModelMetrics() {
	ns := m.config.Namespace
	m.modelCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "model", Name: "calls_total",
		Help: "Total number of model calls",
	})
	m.modelErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "model", Name: "errors_total",
		Help: "Total number of model call errors",
	})
	m.modelDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "model", Name: "call_duration_seconds",
		Help:    "Model call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to 204s
	})
	m.modelInputTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "model", Name: "tokens_input_total",
		Help: "Total number of input tokens consumed",
	})
	m.modelOutputTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "model", Name: "tokens_output_total",
		Help: "Total number of output tokens generated",
	})
	m.registry.MustRegister(m.modelCalls, m.modelErrors, m.modelDuration, m.modelInputTokens, m.modelOutputTokens)
}

func (m *Metrics) initToolMetrics() {
	ns := m.config.Namespace
	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "tool", Name: "calls_total",
		Help: "Total number of tool invocations",
	}, []string{"tool_name"})
	m.toolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "tool", Name: "errors_total",
		Help: "Total number of tool invocation errors",
	}, []string{"tool_name"})
	m.toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "tool", Name: "call_duration_seconds",
		Help:    "Tool execution duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to 16s
	}, []string{"tool_name"})
	m.registry.MustRegister(m.toolCalls, m.toolErrors, m.toolDuration)
}

func (m *Metrics) initNodeMetrics() {
	ns := m.config.Namespace
	m.nodeExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "node", Name: "executions_total",
		Help: "Total number of graph node executions",
	}, []string{"node_id", "status"})
	m.nodeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "node", Name: "duration_seconds",
		Help:    "Graph node execution duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"node_id", "status"})
	m.registry.MustRegister(m.nodeExecutions, m.nodeDuration)
}

func (m *Metrics) initDurabilityMetrics() {
	ns := m.config.Namespace
	m.checkpointSaves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "checkpoint", Name: "saves_total",
		Help: "Total number of checkpoint writes",
	}, []string{"source"})
	m.checkpointDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "checkpoint", Name: "save_duration_seconds",
		Help:    "Checkpoint write duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"source"})
	m.breakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "circuitbreaker", Name: "trips_total",
		Help: "Total number of circuit breaker trips",
	}, []string{"tool_name"})
	m.registry.MustRegister(m.checkpointSaves, m.checkpointDuration, m.breakerTrips)
}

func (m *Metrics) RecordTurn(_ context.Context, duration time.Duration, iterations int, err error) {
	if m == nil {
		return
	}
	m.turnsTotal.Inc()
	m.turnDuration.Observe(duration.Seconds())
	m.turnIterations.Observe(float64(iterations))
	if err != nil {
		m.turnErrors.Inc()
	}
}

func (m *Metrics) IncActiveTurns() {
	if m == nil {
		return
	}
	m.activeTurns.Inc()
}

func (m *Metrics) DecActiveTurns() {
	if m == nil {
		return
	}
	m.activeTurns.Dec()
}

func (m *Metrics) RecordModelCall(_ context.Context, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil {
		return
	}
	m.modelCalls.Inc()
	m.modelDuration.Observe(duration.Seconds())
	m.modelInputTokens.Add(float64(inputTokens))
	m.modelOutputTokens.Add(float64(outputTokens))
	if err != nil {
		m.modelErrors.Inc()
	}
}

func (m *Metrics) RecordToolCall(_ context.Context, tool string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if err != nil {
		m.toolErrors.WithLabelValues(tool).Inc()
	}
}

func (m *Metrics) RecordNodeExecution(_ context.Context, nodeID, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.nodeExecutions.WithLabelValues(nodeID, status).Inc()
	m.nodeDuration.WithLabelValues(nodeID, status).Observe(duration.Seconds())
}

func (m *Metrics) RecordCheckpointSave(_ context.Context, source string, duration time.Duration) {
	if m == nil {
		return
	}
	m.checkpointSaves.WithLabelValues(source).Inc()
	m.checkpointDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func (m *Metrics) RecordCircuitBreakerTrip(_ context.Context, tool string) {
	if m == nil {
		return
	}
	m.breakerTrips.WithLabelValues(tool).Inc()
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not enabled"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for embedders that gather
// from multiple sources.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

var _ Recorder = (*Metrics)(nil)
