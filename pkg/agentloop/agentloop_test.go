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

package agentloop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentcore/pkg/checkpoint"
	"github.com/kadirpekel/agentcore/pkg/errs"
	"github.com/kadirpekel/agentcore/pkg/event"
	"github.com/kadirpekel/agentcore/pkg/message"
	"github.com/kadirpekel/agentcore/pkg/middleware"
	"github.com/kadirpekel/agentcore/pkg/model"
	"github.com/kadirpekel/agentcore/pkg/scheduler"
	"github.com/kadirpekel/agentcore/pkg/session"
	"github.com/kadirpekel/agentcore/pkg/tool"
)

func newTestLoop(t *testing.T, client model.Client, cfg Config) (*Loop, session.Store) {
	t.Helper()
	store := session.NewMemoryStore()
	sched := scheduler.New(tool.NewSet(), middleware.NewPipeline(), scheduler.Config{})
	hooks := checkpoint.NewHooks(checkpoint.NewManager(&checkpoint.Config{}, store))
	l := New(client, tool.NewSet(), middleware.NewPipeline(), sched, store, hooks, cfg)
	return l, store
}

func TestRunTurnSingleIterationNoTools(t *testing.T) {
	client := model.NewFakeClient(model.TextTurn("hello", model.Usage{InputTokens: 5, OutputTokens: 3}))
	l, _ := newTestLoop(t, client, Config{MaxIterations: 5, AutoSave: true})

	bus := event.NewBus()
	var types []event.Type
	sub, unsub := bus.Subscribe()
	defer unsub()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range sub {
			types = append(types, evt.Type)
		}
	}()

	res, err := l.RunTurn(context.Background(), "sess-1", []message.Message{message.NewText(message.RoleUser, "hi")}, bus, RunOptions{})
	require.NoError(t, err)
	bus.Close()
	<-done

	require.Len(t, res.Session.Messages, 2)
	assert.Equal(t, message.RoleUser, res.Session.Messages[0].Role)
	assert.Equal(t, message.RoleAssistant, res.Session.Messages[1].Role)
	assert.Equal(t, "hello", res.Session.Messages[1].Contents[0].Text)

	assert.Contains(t, types, event.TypeMessageTurnStarted)
	assert.Contains(t, types, event.TypeIterationStart)
	assert.Contains(t, types, event.TypeTextDelta)
	assert.Contains(t, types, event.TypeMessageTurnFinished)

	assert.Equal(t, 5, res.Usage.PerMessage[0])
	assert.Equal(t, 3, res.Usage.PerMessage[1])
}

func TestRunTurnMaxIterationsZeroMakesNoModelCall(t *testing.T) {
	client := model.NewFakeClient(model.TextTurn("unused", model.Usage{}))
	l, _ := newTestLoop(t, client, Config{MaxIterations: 0})
	l.Config.MaxIterations = 0 // SetDefaults would otherwise coerce 0 -> 10; force the boundary

	bus := event.NewBus()
	res, err := l.RunTurn(context.Background(), "sess-boundary", []message.Message{message.NewText(message.RoleUser, "hi")}, bus, RunOptions{})
	require.NoError(t, err)

	require.Len(t, res.Session.Messages, 1)
	assert.Empty(t, client.Calls())
}

func TestRunTurnRejectsConcurrentSameSessionBranch(t *testing.T) {
	client := model.NewFakeClient(model.TextTurn("hello", model.Usage{}))
	l, _ := newTestLoop(t, client, Config{MaxIterations: 3})

	release, err := l.locks.TryAcquire("busy-sess", "main")
	require.NoError(t, err)
	defer release()

	bus := event.NewBus()
	_, err = l.RunTurn(context.Background(), "busy-sess", []message.Message{message.NewText(message.RoleUser, "hi")}, bus, RunOptions{})
	require.ErrorIs(t, err, ErrTurnInProgress)
}

func TestRunTurnWithToolCallAggregatesResult(t *testing.T) {
	store := session.NewMemoryStore()
	echo := tool.NewFuncTool("echo", "", nil, tool.Options{}, func(ctx context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	})
	tools := tool.NewSet(echo)
	sched := scheduler.New(tools, middleware.NewPipeline(), scheduler.Config{})
	hooks := checkpoint.NewHooks(checkpoint.NewManager(&checkpoint.Config{}, store))

	client := model.NewFakeClient(
		model.FunctionCallTurn(model.Usage{InputTokens: 1, OutputTokens: 1},
			model.Update{Kind: model.UpdateFunctionCall, CallID: "c1", Name: "echo", Args: map[string]any{"text": "hi"}}),
		model.TextTurn("done", model.Usage{InputTokens: 1, OutputTokens: 1}),
	)
	l := New(client, tools, middleware.NewPipeline(), sched, store, hooks, Config{MaxIterations: 5})

	bus := event.NewBus()
	res, err := l.RunTurn(context.Background(), "sess-tool", []message.Message{message.NewText(message.RoleUser, "run echo")}, bus, RunOptions{})
	require.NoError(t, err)

	require.Len(t, res.Session.Messages, 4)
	assert.Equal(t, message.RoleAssistant, res.Session.Messages[1].Role)
	assert.Equal(t, message.RoleTool, res.Session.Messages[2].Role)
	assert.Equal(t, "hi", res.Session.Messages[2].Contents[0].Value)
	assert.Equal(t, message.RoleAssistant, res.Session.Messages[3].Role)
}

func TestRunTurnContinuationAtCapExtendsBudget(t *testing.T) {
	store := session.NewMemoryStore()
	echo := tool.NewFuncTool("echo", "", nil, tool.Options{}, func(ctx context.Context, args map[string]any) (any, error) {
		return "ok", nil
	})
	tools := tool.NewSet(echo)
	sched := scheduler.New(tools, middleware.NewPipeline(), scheduler.Config{})
	hooks := checkpoint.NewHooks(checkpoint.NewManager(&checkpoint.Config{}, store))

	client := model.NewFakeClient(
		model.FunctionCallTurn(model.Usage{}, model.Update{Kind: model.UpdateFunctionCall, CallID: "c1", Name: "echo", Args: nil}),
		model.FunctionCallTurn(model.Usage{}, model.Update{Kind: model.UpdateFunctionCall, CallID: "c2", Name: "echo", Args: nil}),
		model.TextTurn("finally done", model.Usage{}),
	)
	l := New(client, tools, middleware.NewPipeline(), sched, store, hooks, Config{MaxIterations: 2})
	l.Continuation = middleware.NewContinuationFilter(3)

	bus := event.NewBus()
	var gotRequest bool
	sub, unsub := bus.Subscribe()
	defer unsub()
	go func() {
		for evt := range sub {
			if evt.Type == event.TypeContinuationRequest {
				gotRequest = true
				bus.SendResponse(event.New(event.TypeContinuationResp, middleware.ContinuationResponsePayload{Approved: true, ExtendBy: 3}).WithCorrelation(evt.CorrelationID))
			}
		}
	}()

	res, err := l.RunTurn(context.Background(), "sess-continue", []message.Message{message.NewText(message.RoleUser, "go")}, bus, RunOptions{})
	require.NoError(t, err)
	assert.True(t, gotRequest)
	last := res.Session.Messages[len(res.Session.Messages)-1]
	assert.Equal(t, "finally done", last.Contents[0].Text)
}

// afterRecorder flags whether its AfterTurn hook ran.
type afterRecorder struct {
	middleware.Base
	ran *bool
}

func (a *afterRecorder) Name() string     { return "after_recorder" }
func (a *afterRecorder) StateKey() string { return "after_recorder" }
func (a *afterRecorder) AfterTurn(ctx context.Context, tc *middleware.TurnContext) error {
	*a.ran = true
	return nil
}

func TestRunTurnFailureStillRunsAfterTurn(t *testing.T) {
	client := model.NewFakeClient(model.Turn{Err: errs.New(errs.ClassServer, "upstream 500", nil)})
	store := session.NewMemoryStore()
	ran := false
	pipeline := middleware.NewPipeline(&afterRecorder{ran: &ran})
	sched := scheduler.New(tool.NewSet(), pipeline, scheduler.Config{})
	hooks := checkpoint.NewHooks(checkpoint.NewManager(&checkpoint.Config{}, store))
	l := New(client, tool.NewSet(), pipeline, sched, store, hooks, Config{MaxIterations: 2})

	bus := event.NewBus()
	_, err := l.RunTurn(context.Background(), "sess-fail", []message.Message{message.NewText(message.RoleUser, "hi")}, bus, RunOptions{})
	require.Error(t, err)
	assert.True(t, ran)
}

func TestRunTurnCancellationEmitsTurnError(t *testing.T) {
	client := model.NewFakeClient(model.TextTurn("never seen", model.Usage{}))
	l, _ := newTestLoop(t, client, Config{MaxIterations: 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bus := event.NewBus()
	var types []event.Type
	sub, unsub := bus.Subscribe()
	defer unsub()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range sub {
			types = append(types, evt.Type)
		}
	}()

	_, err := l.RunTurn(ctx, "sess-cancel", []message.Message{message.NewText(message.RoleUser, "hi")}, bus, RunOptions{})
	require.Error(t, err)
	bus.Close()
	<-done
	assert.Contains(t, types, event.TypeMessageTurnError)
}
