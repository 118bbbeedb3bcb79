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
	"time"

	"github.com/kadirpekel/agentcore/pkg/event"
)

// ContinuationRequestPayload is the Payload of a TypeContinuationRequest event.
type ContinuationRequestPayload struct {
	NextIteration int `json:"next_iteration"`
	MaxIterations int `json:"max_iterations"`
}

// ContinuationResponsePayload is sent back via Bus.SendResponse.
// Approved, when true, extends MaxIterations by ExtendBy (falling back
// to the filter's configured default when ExtendBy is zero).
type ContinuationResponsePayload struct {
	Approved bool `json:"approved"`
	ExtendBy int  `json:"extend_by,omitempty"`
}

// ContinuationTimeout bounds how long the continuation filter waits
// before treating the request as declined.
const ContinuationTimeout = 2 * time.Minute

// ContinuationFilter implements the continuation protocol: when the
// Agentic Loop is about to run past MaxIterations, it asks this filter
// whether to extend the budget rather than silently stopping. This is
// not a tool-call wrap; the Agentic Loop calls RequestContinuation
// directly once the budget is exhausted, since there is no tool call
// in flight to hang a WrapToolCall interception off of.
type ContinuationFilter struct {
	Base

	Timeout       time.Duration
	DefaultExtend int
}

// NewContinuationFilter constructs a ContinuationFilter with the given
// default extension amount, used when a response approves without
// specifying ExtendBy.
func NewContinuationFilter(defaultExtend int) *ContinuationFilter {
	return &ContinuationFilter{Timeout: ContinuationTimeout, DefaultExtend: defaultExtend}
}

func (c *ContinuationFilter) Name() string     { return "continuation_filter" }
func (c *ContinuationFilter) StateKey() string { return "continuation_filter" }

// RequestContinuation emits ContinuationRequest(nextIteration, maxIterations)
// and awaits a response on bus. It returns the new max_iterations value
// (unchanged on denial/timeout/cancellation) and whether the turn
// should continue.
func (c *ContinuationFilter) RequestContinuation(ctx context.Context, bus *event.Bus, nextIteration, maxIterations int) (newMax int, proceed bool) {
	corrID := event.NewCorrelationID()
	bus.Emit(event.New(event.TypeContinuationRequest, ContinuationRequestPayload{
		NextIteration: nextIteration,
		MaxIterations: maxIterations,
	}).WithCorrelation(corrID))

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = ContinuationTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := bus.WaitForResponse(waitCtx, event.TypeContinuationResp, corrID)
	if err != nil {
		return maxIterations, false
	}
	payload, _ := resp.Payload.(ContinuationResponsePayload)
	if !payload.Approved {
		return maxIterations, false
	}
	extend := payload.ExtendBy
	if extend == 0 {
		extend = c.DefaultExtend
	}
	return maxIterations + extend, true
}

var _ Middleware = (*ContinuationFilter)(nil)
