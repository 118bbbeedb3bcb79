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
	"time"

	"github.com/kadirpekel/agentcore/pkg/errs"
)

// Timeout wraps a tool call in a per-call deadline, canceling on
// expiry. Every blocking primitive in the runtime takes an explicit
// cancellation handle; this middleware is the tool call's concrete
// instance of that rule.
type Timeout struct {
	Base
	Duration time.Duration
}

// NewTimeout constructs a Timeout middleware with the given per-call duration.
func NewTimeout(d time.Duration) *Timeout {
	if d <= 0 {
		d = 30 * time.Second
	}
	return &Timeout{Duration: d}
}

func (t *Timeout) Name() string     { return "timeout" }
func (t *Timeout) StateKey() string { return "timeout" }

// WrapToolCall bounds next by t.Duration.
func (t *Timeout) WrapToolCall(next ToolCallFunc) ToolCallFunc {
	return func(ctx context.Context, tc *ToolCallContext) (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, t.Duration)
		defer cancel()

		type outcome struct {
			result any
			err    error
		}
		done := make(chan outcome, 1)
		go func() {
			result, err := next(callCtx, tc)
			done <- outcome{result, err}
		}()

		select {
		case o := <-done:
			return o.result, o.err
		case <-callCtx.Done():
			if callCtx.Err() == context.DeadlineExceeded {
				return nil, errs.New(errs.ClassTransientNetwork, fmt.Sprintf("tool %s timed out after %v", tc.Name, t.Duration), callCtx.Err())
			}
			return nil, errs.ErrCanceled
		}
	}
}

var _ Middleware = (*Timeout)(nil)
