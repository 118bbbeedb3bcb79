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
	"regexp"

	"github.com/kadirpekel/agentcore/pkg/message"
)

// PIIPattern is one named regular expression the redaction middleware
// scrubs from outgoing model inputs and inbound tool results.
type PIIPattern struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultPIIPatterns covers the common, low-false-positive cases
// (email addresses, US-style SSNs, 13-19 digit card numbers). An
// embedding application with domain-specific PII should pass its own
// patterns to NewPIIRedaction instead of relying on these.
func DefaultPIIPatterns() []PIIPattern {
	return []PIIPattern{
		{Name: "email", Pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
		{Name: "ssn", Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{Name: "card", Pattern: regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)},
	}
}

// PIIRedaction scrubs matches of Patterns from outgoing model inputs
// (WrapModelCall) and inbound tool results (WrapToolCall), replacing
// each match with "[REDACTED:<name>]". It never mutates session
// history in place; it redacts only the snapshot handed to the wrapped
// call.
type PIIRedaction struct {
	Base
	Patterns []PIIPattern
}

// NewPIIRedaction constructs a PIIRedaction middleware. A nil/empty
// patterns list uses DefaultPIIPatterns.
func NewPIIRedaction(patterns []PIIPattern) *PIIRedaction {
	if len(patterns) == 0 {
		patterns = DefaultPIIPatterns()
	}
	return &PIIRedaction{Patterns: patterns}
}

func (r *PIIRedaction) Name() string     { return "pii_redaction" }
func (r *PIIRedaction) StateKey() string { return "pii_redaction" }

func (r *PIIRedaction) redact(s string) string {
	for _, p := range r.Patterns {
		s = p.Pattern.ReplaceAllString(s, fmt.Sprintf("[REDACTED:%s]", p.Name))
	}
	return s
}

func (r *PIIRedaction) redactMessage(m message.Message) message.Message {
	out := m
	out.Contents = make([]message.Content, len(m.Contents))
	for i, c := range m.Contents {
		switch c.Kind() {
		case message.KindText:
			c.Text = r.redact(c.Text)
		case message.KindReasoning:
			c.ReasoningText = r.redact(c.ReasoningText)
		}
		out.Contents[i] = c
	}
	return out
}

// WrapModelCall redacts PII from every Text/Reasoning content in the
// outgoing message snapshot before handing it to next.
func (r *PIIRedaction) WrapModelCall(next ModelCallFunc) ModelCallFunc {
	return func(ctx context.Context, rc *ModelCallContext) (message.Message, error) {
		redacted := make([]message.Message, len(rc.Messages))
		for i, m := range rc.Messages {
			redacted[i] = r.redactMessage(m)
		}
		clone := *rc
		clone.Messages = redacted
		return next(ctx, &clone)
	}
}

// WrapToolCall redacts PII from a string-valued tool result after next
// completes, covering the inbound direction.
func (r *PIIRedaction) WrapToolCall(next ToolCallFunc) ToolCallFunc {
	return func(ctx context.Context, tc *ToolCallContext) (any, error) {
		result, err := next(ctx, tc)
		if err != nil {
			return result, err
		}
		if s, ok := result.(string); ok {
			return r.redact(s), nil
		}
		return result, nil
	}
}

var _ Middleware = (*PIIRedaction)(nil)
