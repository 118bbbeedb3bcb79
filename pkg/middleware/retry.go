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

	"github.com/kadirpekel/agentcore/pkg/errs"
)

// RetryConfig configures the Retry middleware's exponential backoff.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts,omitempty"`
	BaseDelay   time.Duration `json:"base_delay,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty"`
}

// SetDefaults fills RetryConfig's zero fields with safe defaults.
func (c *RetryConfig) SetDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}
}

// Retry classifies tool errors via the errs taxonomy and retries
// transient ones with exponential backoff up to MaxAttempts. Terminal
// errors (auth, client, context-length, terminal rate limit,
// permission denied, circuit open) are returned immediately.
type Retry struct {
	Base
	Config RetryConfig
}

// NewRetry constructs a Retry middleware. A zero-value cfg gets
// SetDefaults applied.
func NewRetry(cfg RetryConfig) *Retry {
	cfg.SetDefaults()
	return &Retry{Config: cfg}
}

func (r *Retry) Name() string     { return "retry" }
func (r *Retry) StateKey() string { return "retry" }

// WrapToolCall retries next on transient classified errors.
func (r *Retry) WrapToolCall(next ToolCallFunc) ToolCallFunc {
	return func(ctx context.Context, tc *ToolCallContext) (any, error) {
		var lastErr error
		delay := r.Config.BaseDelay
		for attempt := 1; attempt <= r.Config.MaxAttempts; attempt++ {
			result, err := next(ctx, tc)
			if err == nil {
				return result, nil
			}
			lastErr = err
			if !errs.IsRetryable(err) {
				return nil, err
			}
			if attempt == r.Config.MaxAttempts {
				break
			}
			if hint, ok := errs.RetryAfter(err); ok {
				delay = hint
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > r.Config.MaxDelay {
				delay = r.Config.MaxDelay
			}
		}
		return nil, lastErr
	}
}

var _ Middleware = (*Retry)(nil)
