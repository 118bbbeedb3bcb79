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
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder is the interface the core packages record against. It keeps
// the loop/scheduler/orchestrator free of any direct dependency on a
// metrics backend; implementations exist for Prometheus (Metrics), the
// OTel metric API (OTelRecorder), and disabled observability
// (NoopRecorder).
type Recorder interface {
	RecordTurn(ctx context.Context, duration time.Duration, iterations int, err error)
	IncActiveTurns()
	DecActiveTurns()

	RecordModelCall(ctx context.Context, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error)

	RecordNodeExecution(ctx context.Context, nodeID, status string, duration time.Duration)

	RecordCheckpointSave(ctx context.Context, source string, duration time.Duration)
	RecordCircuitBreakerTrip(ctx context.Context, tool string)
}

var (
	globalRecorder Recorder
	recorderMu     sync.RWMutex
)

// SetGlobalRecorder installs the process-wide recorder the core
// packages report through.
func SetGlobalRecorder(r Recorder) {
	recorderMu.Lock()
	defer recorderMu.Unlock()
	globalRecorder = r
}

// GlobalRecorder returns the installed recorder, or a no-op one.
func GlobalRecorder() Recorder {
	recorderMu.RLock()
	defer recorderMu.RUnlock()
	if globalRecorder == nil {
		return NoopRecorder{}
	}
	return globalRecorder
}

// OTelRecorder implements Recorder over the OTel metric API. Its
// instruments come from whatever Meter the caller provides, so the
// same recorder works against a manual reader in tests and a real
// exporter pipeline in production.
type OTelRecorder struct {
	turnDuration   metric.Float64Histogram
	turnsTotal     metric.Int64Counter
	turnErrors     metric.Int64Counter
	turnIterations metric.Int64Histogram
	activeTurns    metric.Int64UpDownCounter

	modelDuration     metric.Float64Histogram
	modelInputTokens  metric.Int64Counter
	modelOutputTokens metric.Int64Counter
	modelErrors       metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter

	nodeDuration   metric.Float64Histogram
	nodeExecutions metric.Int64Counter

	checkpointSaves    metric.Int64Counter
	checkpointDuration metric.Float64Histogram

	breakerTrips metric.Int64Counter
}

// NewOTelRecorder builds every instrument from meter. Instrument
// creation errors are deliberately fatal: a misnamed instrument is a
// programming error, not a runtime condition.
func NewOTelRecorder(meter metric.Meter) (*OTelRecorder, error) {
	r := &OTelRecorder{}
	var err error

	if r.turnDuration, err = meter.Float64Histogram("agentcore.turn.duration",
		metric.WithDescription("Agent turn duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.turnsTotal, err = meter.Int64Counter("agentcore.turn.total",
		metric.WithDescription("Total number of agent turns")); err != nil {
		return nil, err
	}
	if r.turnErrors, err = meter.Int64Counter("agentcore.turn.errors",
		metric.WithDescription("Total number of failed agent turns")); err != nil {
		return nil, err
	}
	if r.turnIterations, err = meter.Int64Histogram("agentcore.turn.iterations",
		metric.WithDescription("Model/tool iterations consumed per turn")); err != nil {
		return nil, err
	}
	if r.activeTurns, err = meter.Int64UpDownCounter("agentcore.turn.active",
		metric.WithDescription("Turns currently in flight")); err != nil {
		return nil, err
	}
	if r.modelDuration, err = meter.Float64Histogram("agentcore.model.duration",
		metric.WithDescription("Model call duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.modelInputTokens, err = meter.Int64Counter("agentcore.model.tokens.input",
		metric.WithDescription("Input tokens consumed")); err != nil {
		return nil, err
	}
	if r.modelOutputTokens, err = meter.Int64Counter("agentcore.model.tokens.output",
		metric.WithDescription("Output tokens generated")); err != nil {
		return nil, err
	}
	if r.modelErrors, err = meter.Int64Counter("agentcore.model.errors",
		metric.WithDescription("Total number of model call errors")); err != nil {
		return nil, err
	}
	if r.toolDuration, err = meter.Float64Histogram("agentcore.tool.duration",
		metric.WithDescription("Tool call duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.toolCalls, err = meter.Int64Counter("agentcore.tool.calls",
		metric.WithDescription("Total number of tool calls")); err != nil {
		return nil, err
	}
	if r.toolErrors, err = meter.Int64Counter("agentcore.tool.errors",
		metric.WithDescription("Total number of tool call errors")); err != nil {
		return nil, err
	}
	if r.nodeDuration, err = meter.Float64Histogram("agentcore.node.duration",
		metric.WithDescription("Graph node execution duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.nodeExecutions, err = meter.Int64Counter("agentcore.node.executions",
		metric.WithDescription("Total number of graph node executions")); err != nil {
		return nil, err
	}
	if r.checkpointSaves, err = meter.Int64Counter("agentcore.checkpoint.saves",
		metric.WithDescription("Total number of checkpoint writes")); err != nil {
		return nil, err
	}
	if r.checkpointDuration, err = meter.Float64Histogram("agentcore.checkpoint.duration",
		metric.WithDescription("Checkpoint write duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.breakerTrips, err = meter.Int64Counter("agentcore.circuitbreaker.trips",
		metric.WithDescription("Total number of circuit breaker trips")); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *OTelRecorder) RecordTurn(ctx context.Context, duration time.Duration, iterations int, err error) {
	if r == nil {
		return
	}
	r.turnDuration.Record(ctx, duration.Seconds())
	r.turnsTotal.Add(ctx, 1)
	r.turnIterations.Record(ctx, int64(iterations))
	if err != nil {
		r.turnErrors.Add(ctx, 1)
	}
}

func (r *OTelRecorder) IncActiveTurns() {
	if r == nil {
		return
	}
	r.activeTurns.Add(context.Background(), 1)
}

func (r *OTelRecorder) DecActiveTurns() {
	if r == nil {
		return
	}
	r.activeTurns.Add(context.Background(), -1)
}

func (r *OTelRecorder) RecordModelCall(ctx context.Context, duration time.Duration, inputTokens, outputTokens int, err error) {
	if r == nil {
		return
	}
	r.modelDuration.Record(ctx, duration.Seconds())
	r.modelInputTokens.Add(ctx, int64(inputTokens))
	r.modelOutputTokens.Add(ctx, int64(outputTokens))
	if err != nil {
		r.modelErrors.Add(ctx, 1)
	}
}

func (r *OTelRecorder) RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	r.toolDuration.Record(ctx, duration.Seconds(), attrs)
	r.toolCalls.Add(ctx, 1, attrs)
	if err != nil {
		r.toolErrors.Add(ctx, 1, attrs)
	}
}

func (r *OTelRecorder) RecordNodeExecution(ctx context.Context, nodeID, status string, duration time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("node", nodeID), attribute.String("status", status))
	r.nodeDuration.Record(ctx, duration.Seconds(), attrs)
	r.nodeExecutions.Add(ctx, 1, attrs)
}

func (r *OTelRecorder) RecordCheckpointSave(ctx context.Context, source string, duration time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source", source))
	r.checkpointSaves.Add(ctx, 1, attrs)
	r.checkpointDuration.Record(ctx, duration.Seconds(), attrs)
}

func (r *OTelRecorder) RecordCircuitBreakerTrip(ctx context.Context, tool string) {
	if r == nil {
		return
	}
	r.breakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

// NewManualMeterProvider builds an SDK meter provider backed by a
// manual reader. Tests (and embedders that scrape in-process) call
// reader.Collect to observe the recorded values without any exporter.
func NewManualMeterProvider() (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return provider, reader
}

var _ Recorder = (*OTelRecorder)(nil)
