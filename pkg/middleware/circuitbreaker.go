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
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kadirpekel/agentcore/pkg/errs"
	"github.com/kadirpekel/agentcore/pkg/event"
	"github.com/kadirpekel/agentcore/pkg/observability"
)

// CircuitBreakerPayload is the Payload of a TypeCircuitBreaker event.
type CircuitBreakerPayload struct {
	Function         string `json:"function"`
	ConsecutiveCalls int    `json:"consecutive_calls"`
	Threshold        int    `json:"threshold"`
}

// CircuitBreaker tracks per-function consecutive identical-argument
// calls and short-circuits with errs.ErrCircuitOpen once Threshold is
// reached. "Identical" is defined as a stable hash of the call's
// JSON-marshaled args.
type CircuitBreaker struct {
	Base

	Threshold int

	mu    sync.Mutex
	state map[string]breakerState
}

type breakerState struct {
	lastArgsHash string
	consecutive  int
	tripped      bool
}

// NewCircuitBreaker constructs a CircuitBreaker that trips on the
// threshold-th consecutive identical-argument call to the same
// function, blocking that call.
func NewCircuitBreaker(threshold int) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &CircuitBreaker{Threshold: threshold, state: make(map[string]breakerState)}
}

func (b *CircuitBreaker) Name() string     { return "circuit_breaker" }
func (b *CircuitBreaker) StateKey() string { return "circuit_breaker" }

func argsHash(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// WrapToolCall implements the consecutive-identical-call tripwire.
func (b *CircuitBreaker) WrapToolCall(next ToolCallFunc) ToolCallFunc {
	return func(ctx context.Context, tc *ToolCallContext) (any, error) {
		hash := argsHash(tc.Args)

		b.mu.Lock()
		st := b.state[tc.Name]
		if st.lastArgsHash == hash {
			st.consecutive++
		} else {
			st.lastArgsHash = hash
			st.consecutive = 1
			st.tripped = false
		}
		tripped := st.consecutive >= b.Threshold
		st.tripped = st.tripped || tripped
		b.state[tc.Name] = st
		b.mu.Unlock()

		if tripped {
			tc.Bus.Emit(event.New(event.TypeCircuitBreaker, CircuitBreakerPayload{
				Function:         tc.Name,
				ConsecutiveCalls: st.consecutive,
				Threshold:        b.Threshold,
			}))
			observability.GlobalRecorder().RecordCircuitBreakerTrip(ctx, tc.Name)
			return nil, errs.ErrCircuitOpen
		}
		return next(ctx, tc)
	}
}

// Reset clears tracked state for function, e.g. once an agent turn
// ends, so a new turn starts with a fresh consecutive-call count.
func (b *CircuitBreaker) Reset(function string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, function)
}

var _ Middleware = (*CircuitBreaker)(nil)
