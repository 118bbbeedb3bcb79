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

package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentcore/pkg/errs"
	"github.com/kadirpekel/agentcore/pkg/event"
	"github.com/kadirpekel/agentcore/pkg/graph"
)

func TestExecuteRunsLinearHandlerChain(t *testing.T) {
	g := &graph.Graph{
		ID: "linear",
		Nodes: []graph.Node{
			{ID: "start", Type: graph.NodeStart},
			{ID: "double", Type: graph.NodeHandler, HandlerName: "double"},
			{ID: "end", Type: graph.NodeEnd},
		},
		Edges: []graph.Edge{
			{From: "start", To: "double"},
			{From: "double", To: "end"},
		},
		Exit: "end",
	}
	compiled, err := graph.Compile(g)
	require.NoError(t, err)

	o := New(map[string]Handler{
		"double": func(ctx context.Context, input any) (any, error) {
			n := input.(float64)
			return n * 2, nil
		},
	}, nil, Config{})

	bus := event.NewBus()
	run, err := o.Execute(context.Background(), compiled, 21.0, bus, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, run.Results["double"].Status)
	assert.Equal(t, 42.0, run.Results["double"].Output)
	assert.Equal(t, StatusSuccess, run.Results["end"].Status)
}

func TestExecuteSkipsNodeWhenUpstreamOneSuccessNeverSatisfied(t *testing.T) {
	failCond := graph.Upstream(graph.UpstreamOneSuccess)
	g := &graph.Graph{
		ID: "gate",
		Nodes: []graph.Node{
			{ID: "a", Type: graph.NodeHandler, HandlerName: "fail"},
			{ID: "b", Type: graph.NodeHandler, HandlerName: "noop"},
		},
		Edges: []graph.Edge{
			{From: "a", To: "b", Condition: &failCond},
		},
	}
	compiled, err := graph.Compile(g)
	require.NoError(t, err)

	o := New(map[string]Handler{
		"fail": func(ctx context.Context, input any) (any, error) { return nil, fmt.Errorf("boom") },
		"noop": func(ctx context.Context, input any) (any, error) { return "ran", nil },
	}, nil, Config{})

	bus := event.NewBus()
	run, err := o.Execute(context.Background(), compiled, nil, bus, "sess-2")
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, run.Results["a"].Status)
	assert.Equal(t, StatusSkipped, run.Results["b"].Status)
}

func TestExecuteRunsUpstreamOneSuccessWhenOneSucceeds(t *testing.T) {
	cond := graph.Upstream(graph.UpstreamOneSuccess)
	g := &graph.Graph{
		ID: "gate-ok",
		Nodes: []graph.Node{
			{ID: "a", Type: graph.NodeHandler, HandlerName: "fail"},
			{ID: "b", Type: graph.NodeHandler, HandlerName: "ok"},
			{ID: "c", Type: graph.NodeHandler, HandlerName: "noop"},
		},
		Edges: []graph.Edge{
			{From: "a", To: "c", Condition: &cond},
			{From: "b", To: "c", Condition: &cond},
		},
	}
	compiled, err := graph.Compile(g)
	require.NoError(t, err)

	o := New(map[string]Handler{
		"fail": func(ctx context.Context, input any) (any, error) { return nil, fmt.Errorf("boom") },
		"ok":   func(ctx context.Context, input any) (any, error) { return "good", nil },
		"noop": func(ctx context.Context, input any) (any, error) { return "ran", nil },
	}, nil, Config{})

	bus := event.NewBus()
	run, err := o.Execute(context.Background(), compiled, nil, bus, "sess-3")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, run.Results["c"].Status)
}

func TestExecuteCachesHandlerOutputByInputFingerprint(t *testing.T) {
	g := &graph.Graph{
		ID: "cached",
		Nodes: []graph.Node{
			{ID: "n", Type: graph.NodeHandler, HandlerName: "count", Cache: &graph.CacheConfig{Strategy: graph.CacheKeyInputs}},
		},
	}
	compiled, err := graph.Compile(g)
	require.NoError(t, err)

	var calls int32
	o := New(map[string]Handler{
		"count": func(ctx context.Context, input any) (any, error) {
			atomic.AddInt32(&calls, 1)
			return "v", nil
		},
	}, nil, Config{})

	bus := event.NewBus()
	_, err = o.Execute(context.Background(), compiled, "same-input", bus, "sess-4")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)

	// A second, fresh run against the same orchestrator (shared cache)
	// with the identical input should hit the cache and skip the handler.
	compiled2, err := graph.Compile(g)
	require.NoError(t, err)
	run2, err := o.Execute(context.Background(), compiled2, "same-input", bus, "sess-5")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, "v", run2.Results["n"].Output)
}

func TestExecuteRetriesTransientHandlerWithBackoff(t *testing.T) {
	g := &graph.Graph{
		ID: "retry",
		Nodes: []graph.Node{
			{ID: "flaky", Type: graph.NodeHandler, HandlerName: "flaky",
				Retry: &graph.RetryPolicy{MaxAttempts: 3, BaseDelayMS: 1}},
		},
	}
	compiled, err := graph.Compile(g)
	require.NoError(t, err)

	var attempts int32
	o := New(map[string]Handler{
		"flaky": func(ctx context.Context, input any) (any, error) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return nil, errs.New(errs.ClassTransientNetwork, "flaky", nil)
			}
			return "recovered", nil
		},
	}, nil, Config{})

	bus := event.NewBus()
	run, err := o.Execute(context.Background(), compiled, nil, bus, "sess-retry")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, run.Results["flaky"].Status)
	assert.Equal(t, 3, run.Results["flaky"].Attempts)
	assert.Equal(t, "recovered", run.Results["flaky"].Output)
}

func TestExecuteMapFansOutOverCollection(t *testing.T) {
	processor := &graph.Graph{
		ID: "item-proc",
		Nodes: []graph.Node{
			{ID: "square", Type: graph.NodeHandler, HandlerName: "square"},
		},
		Exit: "square",
	}
	g := &graph.Graph{
		ID: "mapper",
		Nodes: []graph.Node{
			{ID: "m", Type: graph.NodeMap, MapProcessor: processor, InputBuffer: 2},
		},
	}
	compiled, err := graph.Compile(g)
	require.NoError(t, err)

	o := New(map[string]Handler{
		"square": func(ctx context.Context, input any) (any, error) {
			n := input.(float64)
			return n * n, nil
		},
	}, nil, Config{})

	bus := event.NewBus()
	run, err := o.Execute(context.Background(), compiled, []any{1.0, 2.0, 3.0}, bus, "sess-6")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, run.Results["m"].Status)
	assert.ElementsMatch(t, []any{1.0, 4.0, 9.0}, run.Results["m"].Output)
}

func TestExecuteReRunsBackEdgeTargetUpToMaxExecutions(t *testing.T) {
	loopCond := graph.FieldPredicate(func(v any) bool {
		m, ok := v.(map[string]any)
		return ok && m["again"] == true
	})
	g := &graph.Graph{
		ID: "looped",
		MaxIterations: 5,
		Nodes: []graph.Node{
			{ID: "a", Type: graph.NodeHandler, HandlerName: "counter", MaxExecutions: 3},
		},
		Edges: []graph.Edge{
			{From: "a", To: "a", Condition: &loopCond},
		},
	}
	compiled, err := graph.Compile(g)
	require.NoError(t, err)

	var runs int32
	o := New(map[string]Handler{
		"counter": func(ctx context.Context, input any) (any, error) {
			n := atomic.AddInt32(&runs, 1)
			return map[string]any{"again": n < 3, "n": n}, nil
		},
	}, nil, Config{})

	bus := event.NewBus()
	_, err = o.Execute(context.Background(), compiled, nil, bus, "sess-7")
	require.NoError(t, err)
	assert.LessOrEqual(t, int(atomic.LoadInt32(&runs)), 3)
}
