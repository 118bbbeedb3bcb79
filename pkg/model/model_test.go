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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsMergeOverridesNonNilFields(t *testing.T) {
	temp := 0.2
	base := Options{Temperature: &temp, ToolNames: []string{"a"}}
	maxTok := 100
	merged := base.Merge(Options{MaxOutputTokens: &maxTok})

	assert.Equal(t, &temp, merged.Temperature)
	assert.Equal(t, &maxTok, merged.MaxOutputTokens)
	assert.Equal(t, []string{"a"}, merged.ToolNames)
}

func TestFakeClientReplaysScriptedTurnsInOrder(t *testing.T) {
	client := NewFakeClient(
		TextTurn("hello", Usage{InputTokens: 10, OutputTokens: 2}),
		FunctionCallTurn(Usage{InputTokens: 20, OutputTokens: 5},
			Update{Kind: UpdateFunctionCall, CallID: "c1", Name: "search", Args: map[string]any{"q": "go"}}),
	)

	ch1, err := client.GenerateStreaming(context.Background(), []Message{{Role: "user"}}, Options{})
	require.NoError(t, err)
	var collected1 []Update
	for u := range ch1 {
		collected1 = append(collected1, u)
	}
	require.Len(t, collected1, 3)
	assert.Equal(t, UpdateText, collected1[0].Kind)
	assert.Equal(t, "hello", collected1[0].Text)

	ch2, err := client.GenerateStreaming(context.Background(), []Message{{Role: "user"}}, Options{})
	require.NoError(t, err)
	var collected2 []Update
	for u := range ch2 {
		collected2 = append(collected2, u)
	}
	require.Len(t, collected2, 3)
	assert.Equal(t, UpdateFunctionCall, collected2[0].Kind)
	assert.Equal(t, "search", collected2[0].Name)

	calls := client.Calls()
	require.Len(t, calls, 2)
}

func TestFakeClientRepeatsLastTurnBeyondScript(t *testing.T) {
	client := NewFakeClient(TextTurn("only", Usage{}))
	_, err := client.GenerateStreaming(context.Background(), nil, Options{})
	require.NoError(t, err)
	ch, err := client.GenerateStreaming(context.Background(), nil, Options{})
	require.NoError(t, err)
	var last Update
	for u := range ch {
		last = u
	}
	assert.Equal(t, FinishStop, last.FinishReason)
}

func TestFakeClientStreamStopsOnContextCancel(t *testing.T) {
	client := NewFakeClient(Turn{Updates: []Update{
		{Kind: UpdateText, Text: "a"},
		{Kind: UpdateText, Text: "b"},
	}})
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := client.GenerateStreaming(ctx, nil, Options{})
	require.NoError(t, err)
	cancel()
	count := 0
	for range ch {
		count++
	}
	assert.LessOrEqual(t, count, 2)
}
