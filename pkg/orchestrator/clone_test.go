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

package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentcore/pkg/graph"
)

func TestCloneProducesIndependentCopy(t *testing.T) {
	original := map[string]any{
		"name":  "report",
		"tags":  []any{"a", "b"},
		"count": 3,
	}

	cloned, err := cloneForPolicy(original, graph.CloneAlways)
	require.NoError(t, err)

	clonedMap, ok := cloned.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, original, cloned)

	// Mutating one side must not affect the other.
	clonedMap["name"] = "changed"
	clonedMap["tags"].([]any)[0] = "z"
	assert.Equal(t, "report", original["name"])
	assert.Equal(t, "a", original["tags"].([]any)[0])
}

func TestCloneNeverAliasesOriginal(t *testing.T) {
	original := map[string]any{"k": "v"}
	cloned, err := cloneForPolicy(original, graph.CloneNever)
	require.NoError(t, err)

	cloned.(map[string]any)["k"] = "mutated"
	assert.Equal(t, "mutated", original["k"])
}

func TestCloneHandlesCyclesWithReferenceMap(t *testing.T) {
	original := map[string]any{"name": "root"}
	original["self"] = original

	cloned, err := cloneForPolicy(original, graph.CloneAlways)
	require.NoError(t, err)

	clonedMap := cloned.(map[string]any)
	assert.Equal(t, "root", clonedMap["name"])

	// The cycle must close onto the clone, not the original.
	inner, ok := clonedMap["self"].(map[string]any)
	require.True(t, ok)
	clonedMap["name"] = "mutated"
	assert.Equal(t, "mutated", inner["name"])
	assert.Equal(t, "root", original["name"])
}

func TestCloneSharedSubstructureStaysShared(t *testing.T) {
	shared := map[string]any{"n": 1}
	original := map[string]any{"left": shared, "right": shared}

	cloned, err := cloneForPolicy(original, graph.CloneAlways)
	require.NoError(t, err)

	clonedMap := cloned.(map[string]any)
	clonedMap["left"].(map[string]any)["n"] = 2
	assert.Equal(t, 2, clonedMap["right"].(map[string]any)["n"])
	assert.Equal(t, 1, shared["n"])
}

func TestCloneRejectsNonSerializableValues(t *testing.T) {
	_, err := cloneForPolicy(map[string]any{"ch": make(chan int)}, graph.CloneAlways)
	require.Error(t, err)

	_, err = cloneForPolicy(func() {}, graph.CloneAlways)
	require.Error(t, err)
}
