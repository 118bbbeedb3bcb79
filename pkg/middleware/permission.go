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

package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/agentcore/pkg/checkpoint"
	"github.com/kadirpekel/agentcore/pkg/errs"
	"github.com/kadirpekel/agentcore/pkg/event"
	"github.com/kadirpekel/agentcore/pkg/session"
	"github.com/kadirpekel/agentcore/pkg/tool"
)

// Decision is a stored or incoming permission decision, keyed on a bus
// correlation id since suspension is generic to any middleware.
type Decision string

const (
	DecisionAlwaysAllow Decision = "always_allow"
	DecisionAlwaysDeny  Decision = "always_deny"
	DecisionAsk         Decision = "ask"
	DecisionApprove     Decision = "approve" // one-shot approval, not remembered
	DecisionDeny        Decision = "deny"    // one-shot denial, not remembered
)

// policyKey identifies a stored policy by (function_name, scope).
type policyKey struct {
	functionName string
	scope        tool.Scope
	scopeValue   string // e.g. the conversation/session id for ScopeConversation
}

// PermissionRequestPayload is the Payload of a TypePermissionRequest event.
type PermissionRequestPayload struct {
	CallID   string         `json:"call_id"`
	Function string         `json:"function"`
	Args     map[string]any `json:"args"`
	Prompt   string         `json:"prompt"`
}

// PermissionResponsePayload is the Payload a caller sends back via
// Bus.SendResponse to resolve a pending PermissionRequest.
type PermissionResponsePayload struct {
	Decision Decision `json:"decision"`
	// Remember persists a policy at Scope for future calls: AlwaysAllow
	// alongside an approval, AlwaysDeny alongside a denial.
	Remember Decision  `json:"remember,omitempty"`
	Scope    tool.Scope `json:"scope,omitempty"`
}

// PermissionTimeout bounds how long the permission filter waits for a
// PermissionResponse before treating the request as denied.
const PermissionTimeout = 5 * time.Minute

// PermissionFilter intercepts tool calls whose tool declares
// RequiresPermission, consulting a persistent policy store keyed by
// (function_name, scope). Each gated call suspends on the bus's
// PermissionRequest/PermissionResponse round trip independently, so
// multiple parallel tool calls can each await their own decision.
type PermissionFilter struct {
	Base

	mu       sync.Mutex
	policies map[policyKey]Decision

	// ConversationScopeValue resolves the scope key used for
	// ScopeConversation policies (typically the session id).
	ConversationScopeValue func(sessionID string) string
	Timeout                time.Duration

	// Checkpoint, when set, records a tool-approval checkpoint at the
	// moment a call suspends, so the pending decision survives a crash.
	Checkpoint *checkpoint.Hooks
}

// NewPermissionFilter constructs a PermissionFilter with an empty
// policy store.
func NewPermissionFilter() *PermissionFilter {
	return &PermissionFilter{
		policies: make(map[policyKey]Decision),
		Timeout:  PermissionTimeout,
	}
}

func (p *PermissionFilter) Name() string     { return "permission_filter" }
func (p *PermissionFilter) StateKey() string { return "permission_filter" }

func (p *PermissionFilter) scopeValueFor(scope tool.Scope, sessionID string) string {
	switch scope {
	case tool.ScopeConversation:
		if p.ConversationScopeValue != nil {
			return p.ConversationScopeValue(sessionID)
		}
		return sessionID
	default:
		return ""
	}
}

func (p *PermissionFilter) lookupPolicy(functionName string, scopes []tool.Scope, sessionID string) (Decision, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, scope := range scopes {
		key := policyKey{functionName: functionName, scope: scope, scopeValue: p.scopeValueFor(scope, sessionID)}
		if d, ok := p.policies[key]; ok {
			return d, true
		}
	}
	return "", false
}

// PolicyFor exposes the stored policy for a given (function, scope,
// session) triple.
func (p *PermissionFilter) PolicyFor(functionName string, scope tool.Scope, sessionID string) (Decision, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := policyKey{functionName: functionName, scope: scope, scopeValue: p.scopeValueFor(scope, sessionID)}
	d, ok := p.policies[key]
	return d, ok
}

func (p *PermissionFilter) remember(functionName string, scope tool.Scope, sessionID string, decision Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := policyKey{functionName: functionName, scope: scope, scopeValue: p.scopeValueFor(scope, sessionID)}
	p.policies[key] = decision
}

// WrapToolCall implements the permission gate.
func (p *PermissionFilter) WrapToolCall(next ToolCallFunc) ToolCallFunc {
	return func(ctx context.Context, tc *ToolCallContext) (any, error) {
		opts := tc.Tool.Options()
		if !opts.RequiresPermission {
			return next(ctx, tc)
		}

		if tc.ApprovedToolCallIDs != nil && tc.ApprovedToolCallIDs[tc.CallID] {
			return next(ctx, tc)
		}

		scopes := opts.ScopeTags
		if len(scopes) == 0 {
			scopes = []tool.Scope{tool.ScopeGlobal}
		}
		lookupScopes := scopes
		if len(opts.ScopeTags) == 0 {
			// An untagged tool honors a policy remembered at any scope,
			// most specific first.
			lookupScopes = []tool.Scope{tool.ScopeConversation, tool.ScopeProject, tool.ScopeGlobal}
		}
		if decision, ok := p.lookupPolicy(tc.Name, lookupScopes, tc.SessionID); ok {
			switch decision {
			case DecisionAlwaysAllow:
				return next(ctx, tc)
			case DecisionAlwaysDeny:
				return nil, errs.ErrPermissionDenied
			}
		}

		corrID := event.NewCorrelationID()
		tc.Bus.Emit(event.New(event.TypePermissionRequest, PermissionRequestPayload{
			CallID:   tc.CallID,
			Function: tc.Name,
			Args:     tc.Args,
			Prompt:   fmt.Sprintf("Allow %s to run with args %v?", tc.Name, tc.Args),
		}).WithCorrelation(corrID))

		// The turn is now suspended on a human decision; checkpoint the
		// in-flight state so the pending prompt survives a crash.
		p.Checkpoint.OnToolApprovalRequired(ctx, session.ExecutionCheckpoint{
			SessionID: tc.SessionID,
			Source:    session.SourceManual,
			ExecutionState: session.AgentLoopState{
				CurrentMessages:     tc.Messages,
				ApprovedToolCallIDs: tc.ApprovedToolCallIDs,
			},
		})

		timeout := p.Timeout
		if timeout <= 0 {
			timeout = PermissionTimeout
		}
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		// The answer arrives as either an Approved or a Denied event on
		// the same correlation id; wait for whichever comes first.
		resp, err := tc.Bus.WaitForAny(waitCtx, corrID, event.TypePermissionApproved, event.TypePermissionDenied)
		if err != nil {
			// A timeout or cancellation is treated as a denial and made
			// observable the same way an explicit one is.
			tc.Bus.Emit(event.New(event.TypePermissionDenied, err.Error()).WithCorrelation(corrID))
			return nil, errs.ErrPermissionDenied
		}

		payload, _ := resp.Payload.(PermissionResponsePayload)

		if resp.Type == event.TypePermissionDenied || payload.Decision != DecisionApprove {
			if payload.Remember == DecisionAlwaysDeny {
				scope := payload.Scope
				if scope == "" {
					scope = scopes[0]
				}
				p.remember(tc.Name, scope, tc.SessionID, DecisionAlwaysDeny)
			}
			if resp.Type != event.TypePermissionDenied {
				// The denial came wrapped in an Approved-typed response;
				// emit the denial event observers expect.
				tc.Bus.Emit(event.New(event.TypePermissionDenied, "user denied").WithCorrelation(corrID))
			}
			return nil, errs.ErrPermissionDenied
		}

		if payload.Remember == DecisionAlwaysAllow {
			scope := payload.Scope
			if scope == "" {
				scope = scopes[0]
			}
			p.remember(tc.Name, scope, tc.SessionID, DecisionAlwaysAllow)
		}
		if tc.ApprovedToolCallIDs != nil {
			tc.ApprovedToolCallIDs[tc.CallID] = true
		}
		return next(ctx, tc)
	}
}

var _ Middleware = (*PermissionFilter)(nil)
