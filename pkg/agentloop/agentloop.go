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

// Package agentloop implements the agentic loop: the single-turn
// protocol that drives a session through repeated model/tool iterations
// until the model stops requesting function calls, the iteration budget
// is exhausted (subject to the continuation filter), or an error
// terminates the turn. The middleware pipeline, tool scheduler, and
// session store are independently testable collaborators.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/agentcore/pkg/checkpoint"
	"github.com/kadirpekel/agentcore/pkg/errs"
	"github.com/kadirpekel/agentcore/pkg/event"
	"github.com/kadirpekel/agentcore/pkg/message"
	"github.com/kadirpekel/agentcore/pkg/middleware"
	"github.com/kadirpekel/agentcore/pkg/model"
	"github.com/kadirpekel/agentcore/pkg/observability"
	"github.com/kadirpekel/agentcore/pkg/scheduler"
	"github.com/kadirpekel/agentcore/pkg/session"
	"github.com/kadirpekel/agentcore/pkg/tool"
)

// Config configures a Loop's defaults, overridable per turn via RunOptions.
type Config struct {
	MaxIterations       int
	SystemInstructions  string
	DefaultModelOptions model.Options
	AutoSave            bool

	// PreserveReasoningInHistory keeps reasoning parts in persisted
	// assistant messages. When false (the default) reasoning is emitted
	// on the event stream only.
	PreserveReasoningInHistory bool

	// CheckpointPerIteration promotes pending writes into a checkpoint
	// at the end of every iteration; BeforeLLM/AfterTools cadence is
	// owned by the checkpoint.Hooks configuration instead.
	CheckpointPerIteration bool
}

// SetDefaults fills zero-valued Config fields.
func (c *Config) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 10
	}
}

// RunOptions customizes a single turn.
type RunOptions struct {
	BranchID      string // defaults to "main" when empty
	ModelOptions  model.Options
	Resume        *ResumeState
	HistoryReduce *middleware.HistoryReduction // optional, overrides Loop.History
}

// ResumeState carries a prior crash's pending-write record so the tool
// scheduler skips re-invoking already-durable calls.
type ResumeState struct {
	CheckpointID  string
	PendingWrites session.PendingWrites
}

// Loop wires the Agentic Loop's collaborators: a model client, a tool
// set, the Middleware Pipeline, the Tool Scheduler, the Session &
// Checkpoint Store, and checkpoint hooks.
type Loop struct {
	Model        model.Client
	Tools        *tool.Set
	Pipeline     *middleware.Pipeline
	Scheduler    *scheduler.Scheduler
	Store        session.Store
	Checkpoint   *checkpoint.Hooks
	History      *middleware.HistoryReduction
	Continuation *middleware.ContinuationFilter

	Config Config

	locks *TurnLock
}

// New constructs a Loop. cfg's zero fields get SetDefaults applied.
func New(m model.Client, tools *tool.Set, pipeline *middleware.Pipeline, sched *scheduler.Scheduler, store session.Store, hooks *checkpoint.Hooks, cfg Config) *Loop {
	cfg.SetDefaults()
	return &Loop{
		Model:      m,
		Tools:      tools,
		Pipeline:   pipeline,
		Scheduler:  sched,
		Store:      store,
		Checkpoint: hooks,
		Config:     cfg,
		locks:      NewTurnLock(),
	}
}

// Result is returned by RunTurn on success.
type Result struct {
	Session *session.Session
	Usage   Usage

	// Iterations counts the assistant messages the turn produced: one
	// per model call, plus the stop message appended when the iteration
	// budget runs out.
	Iterations int
}

// RunTurn executes the full turn protocol for one user turn: acquiring
// the turn lock, running before/after-turn hooks, iterating model/tool
// calls, and persisting the resulting snapshot.
func (l *Loop) RunTurn(ctx context.Context, sessionID string, userMessages []message.Message, bus *event.Bus, opts RunOptions) (Result, error) {
	rec := observability.GlobalRecorder()
	rec.IncActiveTurns()
	defer rec.DecActiveTurns()

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "agent.turn", attribute.String("session_id", sessionID))
	res, err := l.runTurn(ctx, sessionID, userMessages, bus, opts)
	observability.EndSpan(span, err)
	rec.RecordTurn(ctx, time.Since(start), res.Iterations, err)

	if err != nil {
		slog.Warn("agentloop: turn failed", "session_id", sessionID, "error", err)
	} else {
		slog.Debug("agentloop: turn finished", "session_id", sessionID, "iterations", res.Iterations)
	}
	return res, err
}

func (l *Loop) runTurn(ctx context.Context, sessionID string, userMessages []message.Message, bus *event.Bus, opts RunOptions) (Result, error) {
	branchID := opts.BranchID
	if branchID == "" {
		branchID = "main"
	}

	release, err := l.locks.TryAcquire(sessionID, branchID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	bus.Emit(event.New(event.TypeMessageTurnStarted, nil).WithCorrelation(sessionID))

	sess, err := l.Store.LoadSession(ctx, sessionID)
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		return l.fail(ctx, bus, sessionID, nil, fmt.Errorf("agentloop: load session: %w", err))
	}
	if sess == nil {
		sess = session.New(sessionID)
	}

	sess.AppendMessages(userMessages...)
	lastUserIdx := len(sess.Messages) - 1

	state := middleware.NewStateStore(sess.MiddlewarePersistentState)
	if err := middleware.MigrateAll(state, l.Pipeline.Middlewares()); err != nil {
		return l.fail(ctx, bus, sessionID, nil, fmt.Errorf("agentloop: migrate middleware state: %w", err))
	}

	approved := make(map[string]bool)
	execState := &session.AgentLoopState{
		Iteration:           0,
		MaxIterations:       l.Config.MaxIterations,
		CurrentMessages:     append([]message.Message(nil), sess.Messages...),
		ApprovedToolCallIDs: approved,
		OperationMetadata:   session.OperationMetadata{},
	}
	sess.ExecutionState = execState

	tc := &middleware.TurnContext{SessionID: sessionID, Session: sess, State: state}
	if err := l.Pipeline.RunBeforeTurn(ctx, tc); err != nil {
		return l.fail(ctx, bus, sessionID, tc, fmt.Errorf("agentloop: before_turn: %w", err))
	}

	history := opts.HistoryReduce
	if history == nil {
		history = l.History
	}

	var assistantIndices []int
	var lastUsage model.Usage
	var stopped bool
	var resume = opts.Resume

	maxIterations := l.Config.MaxIterations

	for iteration := 0; iteration < maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return l.cancel(ctx, bus, sessionID, sess, tc)
		}

		execState.Iteration = iteration
		bus.Emit(event.New(event.TypeIterationStart, iteration).WithCorrelation(sessionID))

		prepared, err := l.prepareMessages(ctx, state, history, sess.Messages)
		if err != nil {
			return l.fail(ctx, bus, sessionID, tc, fmt.Errorf("agentloop: prepare messages: %w", err))
		}

		mergedOpts := l.Config.DefaultModelOptions.Merge(opts.ModelOptions)
		mergedOpts.ToolNames = toolNames(l.Tools)

		llmCP := session.ExecutionCheckpoint{
			SessionID:      sessionID,
			Step:           iteration,
			Source:         session.SourcePerIteration,
			ExecutionState: execState.Clone(),
		}
		l.Checkpoint.BeforeLLMCall(ctx, llmCP)

		assistantMsg, finish, usage, err := l.invokeModel(ctx, bus, sessionID, state, prepared, mergedOpts)
		if err != nil {
			return l.fail(ctx, bus, sessionID, tc, fmt.Errorf("agentloop: model call: %w", err))
		}
		l.Checkpoint.AfterLLMCall(ctx, llmCP)
		lastUsage = usage

		calls := assistantMsg.FunctionCalls()
		if len(calls) == 0 && finish != model.FinishToolCalls {
			sess.AppendMessages(l.historyMessage(assistantMsg))
			assistantIndices = append(assistantIndices, len(sess.Messages)-1)
			stopped = true
			break
		}

		sess.AppendMessages(l.historyMessage(assistantMsg))
		assistantIndices = append(assistantIndices, len(sess.Messages)-1)

		reqs := scheduler.RequestsFromMessage(assistantMsg)
		execState.OperationMetadata = operationMetadata(reqs)

		var schedResume *scheduler.Resume
		if resume != nil {
			pw := resume.PendingWrites
			schedResume = &scheduler.Resume{Lookup: func(callID string) (any, bool) {
				for _, r := range pw.Results {
					if r.CallID == callID {
						return r.Value, true
					}
				}
				return nil, false
			}}
		}

		checkpointID := uuid.NewString()
		sink := newCheckpointSink(l.Store, sessionID, checkpointID)

		cp := session.ExecutionCheckpoint{
			ID:             checkpointID,
			SessionID:      sessionID,
			Step:           iteration,
			Source:         session.SourcePerIteration,
			ExecutionState: execState.Clone(),
		}
		l.Checkpoint.BeforeToolExecution(ctx, cp)

		toolMsg, err := l.Scheduler.Dispatch(ctx, reqs, sess.Messages, sessionID, bus, approved, schedResume, sink)
		if err != nil {
			return l.fail(ctx, bus, sessionID, tc, fmt.Errorf("agentloop: tool dispatch: %w", err))
		}
		resume = nil // only the first iteration after a crash replays pending writes

		sess.AppendMessages(toolMsg)
		l.Checkpoint.AfterToolExecution(ctx, cp)

		if l.Config.CheckpointPerIteration {
			if err := l.Store.PromoteCheckpoint(ctx, sessionID, checkpointID); err != nil {
				return l.fail(ctx, bus, sessionID, tc, fmt.Errorf("agentloop: promote checkpoint: %w", err))
			}
		}
		l.Checkpoint.OnIterationEnd(ctx, cp, iteration+1)
	}

	if !stopped && maxIterations > 0 {
		// Iterations exhausted with a tool call still pending; consult
		// the continuation filter before giving up.
		if l.Continuation != nil {
			newMax, proceed := l.Continuation.RequestContinuation(ctx, bus, maxIterations+1, maxIterations)
			if proceed {
				return l.resumeWithExtendedBudget(ctx, sessionID, bus, sess, state, tc, history, opts, newMax, maxIterations, assistantIndices)
			}
		}
		terminator := message.NewText(message.RoleAssistant, "Stopping: iteration budget exhausted.")
		sess.AppendMessages(terminator)
		assistantIndices = append(assistantIndices, len(sess.Messages)-1)
	}

	return l.finish(ctx, bus, sessionID, sess, tc, lastUserIdx, assistantIndices, lastUsage)
}

// resumeWithExtendedBudget continues the same turn for the additional
// iterations granted by the continuation filter, without re-running
// before_turn or re-acquiring the turn lock (already held by the caller).
func (l *Loop) resumeWithExtendedBudget(
	ctx context.Context,
	sessionID string,
	bus *event.Bus,
	sess *session.Session,
	state *middleware.StateStore,
	tc *middleware.TurnContext,
	history *middleware.HistoryReduction,
	opts RunOptions,
	newMax, oldMax int,
	assistantIndices []int,
) (Result, error) {
	approved := sess.ExecutionState.ApprovedToolCallIDs
	sess.ExecutionState.MaxIterations = newMax
	var lastUsage model.Usage
	for iteration := oldMax; iteration < newMax; iteration++ {
		if err := ctx.Err(); err != nil {
			return l.cancel(ctx, bus, sessionID, sess, tc)
		}
		sess.ExecutionState.Iteration = iteration
		bus.Emit(event.New(event.TypeIterationStart, iteration).WithCorrelation(sessionID))

		prepared, err := l.prepareMessages(ctx, state, history, sess.Messages)
		if err != nil {
			return l.fail(ctx, bus, sessionID, tc, fmt.Errorf("agentloop: prepare messages: %w", err))
		}
		mergedOpts := l.Config.DefaultModelOptions.Merge(opts.ModelOptions)
		mergedOpts.ToolNames = toolNames(l.Tools)

		llmCP := session.ExecutionCheckpoint{
			SessionID:      sessionID,
			Step:           iteration,
			Source:         session.SourcePerIteration,
			ExecutionState: sess.ExecutionState.Clone(),
		}
		l.Checkpoint.BeforeLLMCall(ctx, llmCP)

		assistantMsg, finish, usage, err := l.invokeModel(ctx, bus, sessionID, state, prepared, mergedOpts)
		if err != nil {
			return l.fail(ctx, bus, sessionID, tc, fmt.Errorf("agentloop: model call: %w", err))
		}
		l.Checkpoint.AfterLLMCall(ctx, llmCP)
		lastUsage = usage

		calls := assistantMsg.FunctionCalls()
		sess.AppendMessages(l.historyMessage(assistantMsg))
		assistantIndices = append(assistantIndices, len(sess.Messages)-1)
		if len(calls) == 0 && finish != model.FinishToolCalls {
			break
		}

		reqs := scheduler.RequestsFromMessage(assistantMsg)
		toolMsg, err := l.Scheduler.Dispatch(ctx, reqs, sess.Messages, sessionID, bus, approved, nil, nil)
		if err != nil {
			return l.fail(ctx, bus, sessionID, tc, fmt.Errorf("agentloop: tool dispatch: %w", err))
		}
		sess.AppendMessages(toolMsg)
	}

	lastUserIdx := -1
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].Role == message.RoleUser {
			lastUserIdx = i
			break
		}
	}
	return l.finish(ctx, bus, sessionID, sess, tc, lastUserIdx, assistantIndices, lastUsage)
}

// historyMessage returns the assistant message as it should be
// persisted: reasoning parts are stripped unless
// PreserveReasoningInHistory is set. They were already emitted on the
// event stream either way.
func (l *Loop) historyMessage(msg message.Message) message.Message {
	if l.Config.PreserveReasoningInHistory {
		return msg
	}
	kept := make([]message.Content, 0, len(msg.Contents))
	for _, c := range msg.Contents {
		if c.Kind() == message.KindReasoning {
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == len(msg.Contents) {
		return msg
	}
	msg.Contents = kept
	return msg
}

func (l *Loop) prepareMessages(ctx context.Context, state *middleware.StateStore, history *middleware.HistoryReduction, msgs []message.Message) ([]message.Message, error) {
	reduced := msgs
	if history != nil {
		var err error
		reduced, err = history.Reduce(ctx, state, msgs)
		if err != nil {
			return nil, err
		}
	}
	if l.Config.SystemInstructions != "" && (len(reduced) == 0 || reduced[0].Role != message.RoleSystem) {
		sys := message.NewText(message.RoleSystem, l.Config.SystemInstructions)
		out := make([]message.Message, 0, len(reduced)+1)
		out = append(out, sys)
		out = append(out, reduced...)
		return out, nil
	}
	return reduced, nil
}

// invokeModel runs the model-call wrap-chain for one iteration,
// streaming deltas onto bus and collecting the resulting assistant
// Message, finish reason and usage. usage/finish are captured by the
// base frame closing over these two local variables; since the chain
// runs synchronously and base is its innermost frame, no concurrent
// writer can race them.
func (l *Loop) invokeModel(ctx context.Context, bus *event.Bus, sessionID string, state *middleware.StateStore, msgs []message.Message, opts model.Options) (message.Message, model.FinishReason, model.Usage, error) {
	var usage model.Usage
	var finish model.FinishReason

	base := func(ctx context.Context, rc *middleware.ModelCallContext) (message.Message, error) {
		ch, err := l.Model.GenerateStreaming(ctx, toModelMessages(rc.Messages), opts)
		if err != nil {
			return message.Message{}, classifyModelErr(err)
		}

		var contents []message.Content
		reasoningOpen := false

		for {
			select {
			case <-ctx.Done():
				return message.Message{}, errs.ErrCanceled
			case upd, ok := <-ch:
				if !ok {
					if reasoningOpen {
						bus.Emit(event.New(event.TypeReasoningEnd, nil).WithCorrelation(sessionID))
					}
					return message.New(message.RoleAssistant, contents...), nil
				}
				switch upd.Kind {
				case model.UpdateText:
					if reasoningOpen {
						bus.Emit(event.New(event.TypeReasoningEnd, nil).WithCorrelation(sessionID))
						reasoningOpen = false
					}
					contents = append(contents, message.Text(upd.Text))
					bus.Emit(event.New(event.TypeTextDelta, upd.Text).WithCorrelation(sessionID))
				case model.UpdateReasoning:
					if !reasoningOpen {
						bus.Emit(event.New(event.TypeReasoningStart, nil).WithCorrelation(sessionID))
						reasoningOpen = true
					}
					contents = append(contents, message.Reasoning(upd.ReasoningText, upd.ReasoningTrace))
					bus.Emit(event.New(event.TypeReasoningDelta, upd.ReasoningText).WithCorrelation(sessionID))
				case model.UpdateFunctionCall:
					if reasoningOpen {
						bus.Emit(event.New(event.TypeReasoningEnd, nil).WithCorrelation(sessionID))
						reasoningOpen = false
					}
					contents = append(contents, message.FunctionCall(upd.CallID, upd.Name, upd.Args))
				case model.UpdateUsage:
					usage = upd.Usage
				case model.UpdateFinish:
					finish = upd.FinishReason
				case model.UpdateError:
					return message.Message{}, classifyModelErr(upd.Err)
				}
			}
		}
	}

	chain := l.Pipeline.BuildModelChain(base)
	rc := &middleware.ModelCallContext{SessionID: sessionID, Messages: msgs, Bus: bus, State: state}

	start := time.Now()
	callCtx, span := observability.StartSpan(ctx, "agent.model_call")
	msg, err := chain(callCtx, rc)
	observability.EndSpan(span, err)
	observability.GlobalRecorder().RecordModelCall(ctx, time.Since(start), usage.InputTokens, usage.OutputTokens, err)

	return msg, finish, usage, err
}

func classifyModelErr(err error) error {
	if err == nil {
		return nil
	}
	class := errs.ClassifyError(err)
	if class == errs.ClassUnknown || class == "" {
		return errs.New(errs.ClassServer, err.Error(), err)
	}
	return err
}

func toolNames(tools *tool.Set) []string {
	if tools == nil {
		return nil
	}
	all := tools.All()
	out := make([]string, 0, len(all))
	for _, t := range all {
		out = append(out, t.Name())
	}
	return out
}

func toModelMessages(msgs []message.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		parts := make([]model.MessagePart, 0, len(m.Contents))
		for _, c := range m.Contents {
			switch c.Kind() {
			case message.KindText:
				parts = append(parts, model.MessagePart{Kind: "text", Text: c.Text})
			case message.KindReasoning:
				parts = append(parts, model.MessagePart{Kind: "reasoning", Text: c.ReasoningText})
			case message.KindFunctionCall:
				parts = append(parts, model.MessagePart{Kind: "function_call", CallID: c.CallID, Name: c.Name, Args: c.Args})
			case message.KindFunctionResult:
				value, _ := c.Value.(map[string]any)
				parts = append(parts, model.MessagePart{Kind: "function_result", CallID: c.ResultCallID, Value: c.Value, Args: value})
			default:
				parts = append(parts, model.MessagePart{Kind: string(c.Kind())})
			}
		}
		out = append(out, model.Message{Role: string(m.Role), Contents: parts})
	}
	return out
}

func operationMetadata(reqs []scheduler.Request) session.OperationMetadata {
	names := make([]string, 0, len(reqs))
	for _, r := range reqs {
		names = append(names, r.Name)
	}
	return session.OperationMetadata{
		HadFunctionCalls:  len(reqs) > 0,
		FunctionCalls:     names,
		FunctionCallCount: len(reqs),
	}
}

// finish runs after_turn hooks, emits completion events, persists the
// snapshot if auto-save is configured, and releases checkpoints.
func (l *Loop) finish(ctx context.Context, bus *event.Bus, sessionID string, sess *session.Session, tc *middleware.TurnContext, lastUserIdx int, assistantIndices []int, lastUsage model.Usage) (Result, error) {
	sess.ExecutionState = nil
	if afterErrs := l.Pipeline.RunAfterTurn(ctx, tc); len(afterErrs) > 0 {
		// after_turn errors do not fail an otherwise-successful turn; they
		// are surfaced via the diagnostic event stream only.
		for _, e := range afterErrs {
			bus.Emit(event.New(event.TypeWorkflowDiagnostic, e.Error()).WithCorrelation(sessionID))
		}
	}

	sess.MiddlewarePersistentState = tc.State.SnapshotPersistent()

	usage := AssignUsage(sess.Messages, lastUserIdx, assistantIndices, lastUsage.InputTokens, lastUsage.OutputTokens)

	bus.Emit(event.New(event.TypeAgentCompletion, nil).WithCorrelation(sessionID))
	bus.Emit(event.New(event.TypeMessageTurnFinished, nil).WithCorrelation(sessionID))

	if l.Config.AutoSave {
		if err := l.Store.SaveSnapshot(ctx, sess); err != nil {
			return Result{Session: sess, Usage: usage, Iterations: len(assistantIndices)}, fmt.Errorf("agentloop: save snapshot: %w", err)
		}
	}
	l.Checkpoint.OnComplete(ctx, sessionID)

	return Result{Session: sess, Usage: usage, Iterations: len(assistantIndices)}, nil
}

// fail terminates the turn with err. After-turn hooks must run even on
// error, so when the turn progressed far enough to have a TurnContext
// they are invoked here (with a background context, since ctx may
// itself be the reason for the failure) before the error event goes out.
func (l *Loop) fail(_ context.Context, bus *event.Bus, sessionID string, tc *middleware.TurnContext, err error) (Result, error) {
	if tc != nil {
		tc.Err = err
		afterCtx := context.Background()
		l.errorCheckpoint(afterCtx, sessionID, tc)
		l.Pipeline.RunAfterTurn(afterCtx, tc)
	}
	bus.Emit(event.New(event.TypeMessageTurnError, err.Error()).WithCorrelation(sessionID))
	return Result{}, err
}

// cancel handles cooperative cancellation mid-turn: the turn emits
// MessageTurnError with the cancellation and after-turn hooks still
// run.
func (l *Loop) cancel(ctx context.Context, bus *event.Bus, sessionID string, sess *session.Session, tc *middleware.TurnContext) (Result, error) {
	tc.Err = errs.ErrCanceled
	// after_turn must run even on cancellation; use context.Background so
	// hooks that themselves touch the store are not immediately aborted.
	afterCtx := context.Background()
	l.errorCheckpoint(afterCtx, sessionID, tc)
	l.Pipeline.RunAfterTurn(afterCtx, tc)
	bus.Emit(event.New(event.TypeMessageTurnError, errs.ErrCanceled.Error()).WithCorrelation(sessionID))
	sess.ExecutionState = nil
	return Result{Session: sess}, errs.ErrCanceled
}

// errorCheckpoint preserves the in-flight loop state when a turn dies,
// so recovery tooling can tell a crash from a deliberate stop.
func (l *Loop) errorCheckpoint(ctx context.Context, sessionID string, tc *middleware.TurnContext) {
	if tc.Session == nil || tc.Session.ExecutionState == nil {
		return
	}
	l.Checkpoint.OnError(ctx, session.ExecutionCheckpoint{
		SessionID:      sessionID,
		Step:           tc.Session.ExecutionState.Iteration,
		Source:         session.SourceManual,
		ExecutionState: tc.Session.ExecutionState.Clone(),
	})
}
