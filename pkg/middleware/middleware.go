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

// Package middleware implements the wrap-style interception chain over
// model calls, tool calls, and turn boundaries: versioned persistent
// state across turns, runtime state scoped to a turn, and bidirectional
// suspension for permission-style prompts.
package middleware

import (
	"context"

	"github.com/kadirpekel/agentcore/pkg/event"
	"github.com/kadirpekel/agentcore/pkg/message"
	"github.com/kadirpekel/agentcore/pkg/session"
	"github.com/kadirpekel/agentcore/pkg/tool"
)

// ModelCallFunc is the model-call extension point a middleware wraps.
type ModelCallFunc func(ctx context.Context, rc *ModelCallContext) (message.Message, error)

// ToolCallFunc is the tool-call extension point a middleware wraps.
type ToolCallFunc func(ctx context.Context, tc *ToolCallContext) (any, error)

// ModelCallContext carries everything a model-call wrap needs.
type ModelCallContext struct {
	SessionID string
	Messages  []message.Message // read-only snapshot
	Bus       *event.Bus
	State     *StateStore
}

// ToolCallContext carries everything a tool-call wrap needs: the call
// request, the resolved tool, a read-only message snapshot, and a
// handle to the bus and session state.
type ToolCallContext struct {
	SessionID string
	CallID    string
	Name      string
	Args      map[string]any
	Tool      tool.AIFunction
	Messages  []message.Message // read-only snapshot
	Bus       *event.Bus
	State     *StateStore

	// ApprovedToolCallIDs is shared, turn-scoped bookkeeping the
	// permission filter writes into so identical parallel calls within
	// the same turn do not re-prompt.
	ApprovedToolCallIDs map[string]bool
}

// TurnContext is passed to BeforeTurn/AfterTurn hooks.
type TurnContext struct {
	SessionID string
	Session   *session.Session
	State     *StateStore
	Err       error // set only when AfterTurn runs after an error
}

// Middleware is a first-class interceptor participating in the
// wrap-style composition over turns, model calls, and tool calls. A
// concrete middleware embeds Base and overrides only the hooks it
// needs.
type Middleware interface {
	Name() string

	// StateKey identifies this middleware's slot in persistent/runtime
	// state maps. StateVersion is the current schema version of the
	// persistent value; Migrate upgrades an older value found on
	// snapshot load.
	StateKey() string
	StateVersion() int
	Migrate(oldVersion int, value any) (any, error)

	BeforeTurn(ctx context.Context, tc *TurnContext) error
	WrapModelCall(next ModelCallFunc) ModelCallFunc
	WrapToolCall(next ToolCallFunc) ToolCallFunc
	AfterTurn(ctx context.Context, tc *TurnContext) error
}

// Base is embedded by concrete middlewares to get no-op defaults for
// every hook; override only what's relevant.
type Base struct{}

func (Base) StateVersion() int                              { return 1 }
func (Base) Migrate(_ int, value any) (any, error)          { return value, nil }
func (Base) BeforeTurn(context.Context, *TurnContext) error { return nil }
func (Base) WrapModelCall(next ModelCallFunc) ModelCallFunc { return next }
func (Base) WrapToolCall(next ToolCallFunc) ToolCallFunc    { return next }
func (Base) AfterTurn(context.Context, *TurnContext) error  { return nil }

// Pipeline is an ordered middleware list. Middlewares compose
// right-to-left: for [m1, m2, m3], the effective wrap for a base h is
// m1(m2(m3(h))), so m1 sees the call first and the result last.
type Pipeline struct {
	middlewares []Middleware
}

// NewPipeline constructs a Pipeline from an ordered middleware list.
func NewPipeline(mws ...Middleware) *Pipeline {
	return &Pipeline{middlewares: mws}
}

// Middlewares returns the pipeline's ordered middleware list.
func (p *Pipeline) Middlewares() []Middleware { return p.middlewares }

// BuildModelChain composes every middleware's WrapModelCall around
// base, right-to-left.
func (p *Pipeline) BuildModelChain(base ModelCallFunc) ModelCallFunc {
	chain := base
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		chain = p.middlewares[i].WrapModelCall(chain)
	}
	return chain
}

// BuildToolChain composes every middleware's WrapToolCall around base,
// right-to-left; this is the wrap-chain the Tool Scheduler invokes per
// call, with the tool's own Invoke as the innermost frame.
func (p *Pipeline) BuildToolChain(base ToolCallFunc) ToolCallFunc {
	chain := base
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		chain = p.middlewares[i].WrapToolCall(chain)
	}
	return chain
}

// RunBeforeTurn invokes BeforeTurn on every middleware in registration
// order. The first error aborts the turn before any model call.
func (p *Pipeline) RunBeforeTurn(ctx context.Context, tc *TurnContext) error {
	for _, m := range p.middlewares {
		if err := m.BeforeTurn(ctx, tc); err != nil {
			return err
		}
	}
	return nil
}

// RunAfterTurn invokes AfterTurn on every middleware in reverse
// registration order, always, even when tc.Err is set. Errors from
// individual hooks are collected but do not stop later hooks from
// running, since after_turn handlers must always run.
func (p *Pipeline) RunAfterTurn(ctx context.Context, tc *TurnContext) []error {
	var errs []error
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		if err := p.middlewares[i].AfterTurn(ctx, tc); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
