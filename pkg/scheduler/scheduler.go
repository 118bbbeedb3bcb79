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

// Package scheduler implements the tool scheduler: parallel dispatch
// of a single iteration's FunctionCall requests through the middleware
// wrap-chain, aggregation into one tool-role message, and
// pending-write durability for crash recovery.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/agentcore/pkg/errs"
	"github.com/kadirpekel/agentcore/pkg/event"
	"github.com/kadirpekel/agentcore/pkg/message"
	"github.com/kadirpekel/agentcore/pkg/middleware"
	"github.com/kadirpekel/agentcore/pkg/observability"
	"github.com/kadirpekel/agentcore/pkg/session"
	"github.com/kadirpekel/agentcore/pkg/tool"
)

// Config tunes the scheduler's parallelism and durability behavior.
type Config struct {
	// MaxConcurrency bounds how many tool calls run at once for a
	// single iteration. SetDefaults turns zero into 8.
	MaxConcurrency int
}

// SetDefaults fills Config's zero fields with safe defaults.
func (c *Config) SetDefaults() {
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 8
	}
}

// Request is one FunctionCall the Agentic Loop wants dispatched.
type Request struct {
	CallID string
	Name   string
	Args   map[string]any
}

// PendingWriteSink persists a single tool result as it completes, so a
// crash mid-dispatch loses no already-finished parallel call. A nil
// sink disables pending-write durability for a dispatch.
type PendingWriteSink interface {
	SavePendingWrite(ctx context.Context, callID string, value any) error
}

// Resume carries pending-write state from a prior, crashed dispatch:
// Lookup reports a call's already-durable value, and a covered call is
// never re-invoked. A nil Resume means no calls are skipped.
type Resume struct {
	Lookup func(callID string) (value any, ok bool)
}

// Scheduler dispatches a list of Requests through a tool Set and
// middleware Pipeline in parallel, bounded by Config.MaxConcurrency.
type Scheduler struct {
	tools    *tool.Set
	pipeline *middleware.Pipeline
	config   Config
}

// New constructs a Scheduler.
func New(tools *tool.Set, pipeline *middleware.Pipeline, cfg Config) *Scheduler {
	cfg.SetDefaults()
	return &Scheduler{tools: tools, pipeline: pipeline, config: cfg}
}

// Dispatch runs every request concurrently (bounded by MaxConcurrency),
// emits ToolCallStart/Args/Result/End around each, writes pending-write
// records as each completes (if sink is non-nil and the call is not
// already covered by resume), and returns one
// tool-role Message aggregating all FunctionResult contents in the
// same order as requests.
func (s *Scheduler) Dispatch(
	ctx context.Context,
	requests []Request,
	messages []message.Message,
	sessionID string,
	bus *event.Bus,
	approvedToolCallIDs map[string]bool,
	resume *Resume,
	sink PendingWriteSink,
) (message.Message, error) {
	results := make([]message.Content, len(requests))

	sem := make(chan struct{}, s.config.MaxConcurrency)
	g, gctx := errgroup.WithContext(ctx)

	// Every ToolCallStart is emitted before any ToolCallEnd, so
	// observers see the full set of scheduled calls up front.
	for _, req := range requests {
		bus.Emit(event.New(event.TypeToolCallStart, req.Name).WithCorrelation(req.CallID))
	}

	for i, req := range requests {
		i, req := i, req
		if resume != nil && resume.Lookup != nil {
			if value, ok := resume.Lookup(req.CallID); ok {
				results[i] = resultContent(req.CallID, value, nil)
				bus.Emit(event.New(event.TypeToolCallResult, value).WithCorrelation(req.CallID))
				bus.Emit(event.New(event.TypeToolCallEnd, nil).WithCorrelation(req.CallID))
				continue
			}
		}
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			value, err := s.invokeOne(gctx, req, messages, sessionID, bus, approvedToolCallIDs)
			results[i] = resultContent(req.CallID, value, err)

			if sink != nil {
				if werr := sink.SavePendingWrite(gctx, req.CallID, results[i].Value); werr != nil {
					return fmt.Errorf("scheduler: save pending write for %s: %w", req.CallID, werr)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return message.Message{}, err
	}

	return message.New(message.RoleTool, results...), nil
}

func (s *Scheduler) invokeOne(
	ctx context.Context,
	req Request,
	messages []message.Message,
	sessionID string,
	bus *event.Bus,
	approvedToolCallIDs map[string]bool,
) (any, error) {
	fn, ok := s.tools.Lookup(req.Name)
	if !ok {
		err := errs.New(errs.ClassClient, fmt.Sprintf("unknown tool %q", req.Name), nil)
		bus.Emit(event.New(event.TypeToolCallEnd, err.Error()).WithCorrelation(req.CallID))
		return nil, err
	}

	bus.Emit(event.New(event.TypeToolCallArgs, req.Args).WithCorrelation(req.CallID))

	if err := tool.ValidateArgs(fn, req.Args); err != nil {
		classified := errs.New(errs.ClassClient, err.Error(), err)
		bus.Emit(event.New(event.TypeToolCallEnd, classified.Error()).WithCorrelation(req.CallID))
		return nil, classified
	}

	base := func(ctx context.Context, tc *middleware.ToolCallContext) (any, error) {
		return tc.Tool.Invoke(ctx, tc.Args)
	}
	chain := s.pipeline.BuildToolChain(base)

	tc := &middleware.ToolCallContext{
		SessionID:           sessionID,
		CallID:              req.CallID,
		Name:                req.Name,
		Args:                req.Args,
		Tool:                fn,
		Messages:            messages,
		Bus:                 bus,
		ApprovedToolCallIDs: approvedToolCallIDs,
	}

	start := time.Now()
	callCtx, span := observability.StartSpan(ctx, "tool.call", attribute.String("tool", req.Name))
	value, err := invokeSafely(callCtx, chain, tc)
	observability.EndSpan(span, err)
	observability.GlobalRecorder().RecordToolCall(ctx, req.Name, time.Since(start), err)
	if err != nil {
		bus.Emit(event.New(event.TypeToolCallEnd, err.Error()).WithCorrelation(req.CallID))
		return nil, err
	}

	bus.Emit(event.New(event.TypeToolCallResult, value).WithCorrelation(req.CallID))
	bus.Emit(event.New(event.TypeToolCallEnd, nil).WithCorrelation(req.CallID))
	return value, nil
}

// invokeSafely converts a panicking tool invocation into an error
// result instead of propagating the panic; a misbehaving tool must
// never take down the turn.
func invokeSafely(ctx context.Context, chain middleware.ToolCallFunc, tc *middleware.ToolCallContext) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New(errs.ClassClient, fmt.Sprintf("tool %s panicked: %v", tc.Name, r), nil)
		}
	}()
	return chain(ctx, tc)
}

func resultContent(callID string, value any, err error) message.Content {
	if err != nil {
		return message.FunctionResult(callID, map[string]any{"error": err.Error()})
	}
	return message.FunctionResult(callID, value)
}

// RequestsFromMessage extracts every FunctionCall content in msg as a
// dispatchable Request, in message order.
func RequestsFromMessage(msg message.Message) []Request {
	var out []Request
	for _, c := range msg.Contents {
		if c.Kind() == message.KindFunctionCall {
			out = append(out, Request{CallID: c.CallID, Name: c.Name, Args: c.Args})
		}
	}
	return out
}

// ToPendingWrites converts a resolved tool-role message into
// session.PendingWrite records, for callers wiring their own
// PendingWriteSink against session.Store.
func ToPendingWrites(toolMsg message.Message) []session.PendingWrite {
	out := make([]session.PendingWrite, 0, len(toolMsg.Contents))
	for _, c := range toolMsg.Contents {
		if c.Kind() == message.KindFunctionResult {
			out = append(out, session.PendingWrite{CallID: c.ResultCallID, Value: c.Value})
		}
	}
	return out
}
