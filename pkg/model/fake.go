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

package model

import (
	"context"
	"sync"
)

// Turn is one scripted response a FakeClient replays for a single
// GenerateStreaming call.
type Turn struct {
	Updates []Update
	Err     error // returned from GenerateStreaming itself, not streamed
}

// FakeClient is a deterministic Client test double: each call to
// GenerateStreaming pops the next scripted Turn and streams its
// Updates over a channel, recording the messages/opts it was called
// with so tests can assert on what the Agentic Loop actually sent.
type FakeClient struct {
	mu    sync.Mutex
	turns []Turn
	calls []Call
}

// Call captures one GenerateStreaming invocation's arguments.
type Call struct {
	Messages []Message
	Opts     Options
}

// NewFakeClient constructs a FakeClient that replays turns in order,
// one per call. A call beyond the scripted turns repeats the last one.
func NewFakeClient(turns ...Turn) *FakeClient {
	return &FakeClient{turns: turns}
}

// Calls returns every recorded invocation, in order.
func (f *FakeClient) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *FakeClient) GenerateStreaming(ctx context.Context, messages []Message, opts Options) (<-chan Update, error) {
	f.mu.Lock()
	idx := len(f.calls)
	f.calls = append(f.calls, Call{Messages: messages, Opts: opts})
	var turn Turn
	if len(f.turns) > 0 {
		if idx < len(f.turns) {
			turn = f.turns[idx]
		} else {
			turn = f.turns[len(f.turns)-1]
		}
	}
	f.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}

	ch := make(chan Update, len(turn.Updates))
	go func() {
		defer close(ch)
		for _, u := range turn.Updates {
			select {
			case ch <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

var _ Client = (*FakeClient)(nil)

// TextTurn is a convenience constructor for a single plain-text
// response with no tool calls, ending the stream normally.
func TextTurn(text string, usage Usage) Turn {
	return Turn{Updates: []Update{
		{Kind: UpdateText, Text: text},
		{Kind: UpdateUsage, Usage: usage},
		{Kind: UpdateFinish, FinishReason: FinishStop},
	}}
}

// FunctionCallTurn is a convenience constructor for a response that
// issues one or more function calls and then finishes.
func FunctionCallTurn(usage Usage, calls ...Update) Turn {
	updates := make([]Update, 0, len(calls)+2)
	updates = append(updates, calls...)
	updates = append(updates, Update{Kind: UpdateUsage, Usage: usage})
	updates = append(updates, Update{Kind: UpdateFinish, FinishReason: FinishToolCalls})
	return Turn{Updates: updates}
}
