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

// Package model defines the external model-client contract the
// Agentic Loop calls into: a provider-agnostic streaming generation
// call, delivered as a channel of typed Update chunks. No provider
// wire format lives here; concrete clients are wired in by the
// embedding application.
package model

import (
	"context"
)

// UpdateKind tags the variant of a streamed Update.
type UpdateKind string

const (
	UpdateText         UpdateKind = "text"
	UpdateReasoning    UpdateKind = "reasoning"
	UpdateFunctionCall UpdateKind = "function_call"
	UpdateUsage        UpdateKind = "usage"
	UpdateFinish       UpdateKind = "finish"
	UpdateError        UpdateKind = "error"
)

// FinishReason is the terminal reason a streamed generation ended.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
)

// Usage reports token counts, consumed by the Agentic Loop's
// token-accounting step.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Update is one chunk of a streamed model response.
type Update struct {
	Kind UpdateKind

	// UpdateText
	Text string
	// UpdateReasoning
	ReasoningText  string
	ReasoningTrace []byte
	// UpdateFunctionCall
	CallID string
	Name   string
	Args   map[string]any
	// UpdateUsage
	Usage Usage
	// UpdateFinish
	FinishReason FinishReason
	// UpdateError
	Err error
}

// Options carries per-turn and default generation options; the Agentic
// Loop merges the two before every model call.
type Options struct {
	Temperature     *float64
	MaxOutputTokens *int
	ToolNames       []string // tool set available this turn, by name
	ExtraVendorOpts map[string]any
}

// Merge layers override on top of o, per-field, returning a new Options
// with override's non-nil fields taking precedence.
func (o Options) Merge(override Options) Options {
	out := o
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.MaxOutputTokens != nil {
		out.MaxOutputTokens = override.MaxOutputTokens
	}
	if len(override.ToolNames) > 0 {
		out.ToolNames = override.ToolNames
	}
	if override.ExtraVendorOpts != nil {
		out.ExtraVendorOpts = override.ExtraVendorOpts
	}
	return out
}

// Message is the minimal wire shape a Client consumes; the Agentic
// Loop converts message.Message into this at the call boundary so the
// model package has no dependency on the full content-part model.
type Message struct {
	Role     string
	Contents []MessagePart
}

// MessagePart is a minimal tagged part mirroring message.Content's
// kinds relevant to a model call.
type MessagePart struct {
	Kind   string
	Text   string
	CallID string
	Name   string
	Args   map[string]any
	Value  any
}

// Client is the external model-client contract. GenerateStreaming
// returns a channel of Updates; the channel is closed when the stream
// ends (terminal UpdateFinish or UpdateError) or ctx is canceled.
type Client interface {
	GenerateStreaming(ctx context.Context, messages []Message, opts Options) (<-chan Update, error)
}
