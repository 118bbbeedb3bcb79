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
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, DefaultServiceName, cfg.Tracing.ServiceName)
	assert.Equal(t, DefaultSamplingRate, cfg.Tracing.SamplingRate)
	assert.Equal(t, "log", cfg.Tracing.Exporter)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Endpoint)
	assert.Equal(t, "agentcore", cfg.Metrics.Namespace)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{Tracing: TracingConfig{Enabled: true, Exporter: "jaeger", SamplingRate: 1}}
	require.Error(t, cfg.Validate())

	cfg = &Config{Tracing: TracingConfig{Enabled: true, Exporter: "log", SamplingRate: 2}}
	require.Error(t, cfg.Validate())
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(&MetricsConfig{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, m)

	// Every method must tolerate a nil receiver.
	m.RecordTurn(context.Background(), time.Second, 1, nil)
	m.RecordToolCall(context.Background(), "echo", time.Millisecond, nil)
	m.IncActiveTurns()
	m.DecActiveTurns()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 503, rec.Code)
}

func TestMetricsRecordAndServe(t *testing.T) {
	m, err := NewMetrics(&MetricsConfig{Enabled: true})
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	m.IncActiveTurns()
	m.RecordTurn(ctx, 120*time.Millisecond, 2, nil)
	m.RecordTurn(ctx, 80*time.Millisecond, 1, errors.New("boom"))
	m.RecordModelCall(ctx, 300*time.Millisecond, 100, 40, nil)
	m.RecordToolCall(ctx, "write_file", 5*time.Millisecond, nil)
	m.RecordNodeExecution(ctx, "analyze", "success", 10*time.Millisecond)
	m.RecordCheckpointSave(ctx, "per-iteration", time.Millisecond)
	m.RecordCircuitBreakerTrip(ctx, "write_file")
	m.DecActiveTurns()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "agentcore_turn_total 2")
	assert.Contains(t, body, "agentcore_turn_errors_total 1")
	assert.Contains(t, body, `agentcore_tool_calls_total{tool_name="write_file"} 1`)
	assert.Contains(t, body, `agentcore_node_executions_total{node_id="analyze",status="success"} 1`)
	assert.Contains(t, body, `agentcore_circuitbreaker_trips_total{tool_name="write_file"} 1`)
	assert.Contains(t, body, "agentcore_model_tokens_input_total 100")
}

func TestGlobalRecorderDefaultsToNoop(t *testing.T) {
	SetGlobalRecorder(nil)
	r := GlobalRecorder()
	require.NotNil(t, r)
	r.RecordTurn(context.Background(), time.Second, 1, nil)

	m, err := NewMetrics(&MetricsConfig{Enabled: true})
	require.NoError(t, err)
	SetGlobalRecorder(m)
	defer SetGlobalRecorder(nil)
	assert.Equal(t, Recorder(m), GlobalRecorder())
}

func TestOTelRecorder(t *testing.T) {
	provider, reader := NewManualMeterProvider()
	r, err := NewOTelRecorder(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	r.IncActiveTurns()
	r.RecordTurn(ctx, 50*time.Millisecond, 3, nil)
	r.RecordModelCall(ctx, 100*time.Millisecond, 10, 5, nil)
	r.RecordToolCall(ctx, "echo", time.Millisecond, errors.New("transient"))
	r.DecActiveTurns()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			names[metric.Name] = true
		}
	}
	assert.True(t, names["agentcore.turn.duration"])
	assert.True(t, names["agentcore.turn.active"])
	assert.True(t, names["agentcore.model.tokens.input"])
	assert.True(t, names["agentcore.tool.errors"])
}

func TestManagerLifecycle(t *testing.T) {
	ctx := context.Background()

	m, err := NewManager(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(ctx))

	m, err = NewManager(ctx, &Config{
		Tracing: TracingConfig{Enabled: true, Exporter: "none"},
		Metrics: MetricsConfig{Enabled: true},
	})
	require.NoError(t, err)
	require.NotNil(t, m.Tracer())
	require.NotNil(t, m.Metrics())
	assert.Equal(t, Recorder(m.Metrics()), GlobalRecorder())

	spanCtx, span := StartSpan(ctx, "test.span")
	require.NotNil(t, spanCtx)
	EndSpan(span, errors.New("recorded"))

	require.NoError(t, m.Shutdown(ctx))
	_, isNoop := GlobalRecorder().(NoopRecorder)
	assert.True(t, isNoop)
}
