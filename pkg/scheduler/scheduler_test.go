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

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentcore/pkg/errs"
	"github.com/kadirpekel/agentcore/pkg/event"
	"github.com/kadirpekel/agentcore/pkg/message"
	"github.com/kadirpekel/agentcore/pkg/middleware"
	"github.com/kadirpekel/agentcore/pkg/tool"
)

type recordingSink struct {
	mu      sync.Mutex
	written map[string]any
}

func newRecordingSink() *recordingSink { return &recordingSink{written: make(map[string]any)} }

func (r *recordingSink) SavePendingWrite(ctx context.Context, callID string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written[callID] = value
	return nil
}

func TestDispatchParallelPartialFailureWithRetry(t *testing.T) {
	var bAttempts atomic.Int32
	toolA := tool.NewFuncTool("A", "", nil, tool.Options{}, func(ctx context.Context, args map[string]any) (any, error) {
		return "ok", nil
	})
	toolB := tool.NewFuncTool("B", "", nil, tool.Options{}, func(ctx context.Context, args map[string]any) (any, error) {
		n := bAttempts.Add(1)
		if n == 1 {
			return nil, errs.New(errs.ClassTransientNetwork, "flaky", nil)
		}
		return "ok2", nil
	})
	tools := tool.NewSet(toolA, toolB)
	retry := middleware.NewRetry(middleware.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	pipeline := middleware.NewPipeline(retry)

	sched := New(tools, pipeline, Config{MaxConcurrency: 4})
	bus := event.NewBus()

	var startEvents, endEvents []string
	sub, unsub := bus.Subscribe()
	defer unsub()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for evt := range sub {
			switch evt.Type {
			case event.TypeToolCallStart:
				startEvents = append(startEvents, evt.CorrelationID)
			case event.TypeToolCallEnd:
				endEvents = append(endEvents, evt.CorrelationID)
			}
		}
	}()

	sink := newRecordingSink()
	toolMsg, err := sched.Dispatch(context.Background(), []Request{
		{CallID: "call-a", Name: "A", Args: map[string]any{"x": 1}},
		{CallID: "call-b", Name: "B", Args: map[string]any{"y": 2}},
	}, nil, "sess-1", bus, make(map[string]bool), nil, sink)
	require.NoError(t, err)
	bus.Close() // drains queued events, then ends the subscription
	wg.Wait()

	require.Len(t, toolMsg.Contents, 2)
	assert.Equal(t, "call-a", toolMsg.Contents[0].ResultCallID)
	assert.Equal(t, "ok", toolMsg.Contents[0].Value)
	assert.Equal(t, "call-b", toolMsg.Contents[1].ResultCallID)
	assert.Equal(t, "ok2", toolMsg.Contents[1].Value)

	// Each call reports exactly one start and one end.
	assert.Len(t, startEvents, 2)
	assert.Len(t, endEvents, 2)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "ok", sink.written["call-a"])
	assert.Equal(t, "ok2", sink.written["call-b"])
}

func TestDispatchUnknownToolProducesErrorResult(t *testing.T) {
	tools := tool.NewSet()
	sched := New(tools, middleware.NewPipeline(), Config{})
	bus := event.NewBus()

	toolMsg, err := sched.Dispatch(context.Background(), []Request{
		{CallID: "call-x", Name: "missing", Args: nil},
	}, nil, "sess-1", bus, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, toolMsg.Contents, 1)
	asMap, ok := toolMsg.Contents[0].Value.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, asMap["error"], "unknown tool")
}

func TestDispatchResumeSkipsCompletedCalls(t *testing.T) {
	invoked := 0
	toolA := tool.NewFuncTool("A", "", nil, tool.Options{}, func(ctx context.Context, args map[string]any) (any, error) {
		invoked++
		return "fresh", nil
	})
	tools := tool.NewSet(toolA)
	sched := New(tools, middleware.NewPipeline(), Config{})
	bus := event.NewBus()

	resume := &Resume{Lookup: func(callID string) (any, bool) {
		if callID == "call-a" {
			return "from-pending-write", true
		}
		return nil, false
	}}

	toolMsg, err := sched.Dispatch(context.Background(), []Request{
		{CallID: "call-a", Name: "A", Args: nil},
	}, nil, "sess-1", bus, nil, resume, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, invoked)
	require.Len(t, toolMsg.Contents, 1)
	assert.Equal(t, "from-pending-write", toolMsg.Contents[0].Value)
}

func TestDispatchPanicConvertsToErrorResult(t *testing.T) {
	toolP := tool.NewFuncTool("panics", "", nil, tool.Options{}, func(ctx context.Context, args map[string]any) (any, error) {
		panic("boom")
	})
	tools := tool.NewSet(toolP)
	sched := New(tools, middleware.NewPipeline(), Config{})
	bus := event.NewBus()

	toolMsg, err := sched.Dispatch(context.Background(), []Request{
		{CallID: "call-p", Name: "panics", Args: nil},
	}, nil, "sess-1", bus, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, toolMsg.Contents, 1)
	asMap, ok := toolMsg.Contents[0].Value.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, asMap["error"], "panicked")
}

func TestRequestsFromMessageExtractsFunctionCalls(t *testing.T) {
	msg := message.New(message.RoleAssistant,
		message.Text("thinking"),
		message.FunctionCall("c1", "foo", map[string]any{"a": 1}),
		message.FunctionCall("c2", "bar", nil),
	)
	reqs := RequestsFromMessage(msg)
	require.Len(t, reqs, 2)
	assert.Equal(t, "foo", reqs[0].Name)
	assert.Equal(t, "bar", reqs[1].Name)
}
