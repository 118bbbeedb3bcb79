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

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateNamespaceAcceptsWellFormedSegments(t *testing.T) {
	assert.NoError(t, ValidateNamespace(""))
	assert.NoError(t, ValidateNamespace("a"))
	assert.NoError(t, ValidateNamespace("a1.b2.c3"))
	assert.NoError(t, ValidateNamespace("a-b.c_d"))
}

func TestValidateNamespaceRejectsBadGrammar(t *testing.T) {
	assert.Error(t, ValidateNamespace("a--b"))
	assert.Error(t, ValidateNamespace("a__b"))
	assert.Error(t, ValidateNamespace("a-_b"))
	assert.Error(t, ValidateNamespace("-a"))
	assert.Error(t, ValidateNamespace("a-"))
	assert.Error(t, ValidateNamespace(""+
		"a.b.c.d.e.f.g.h.i.j.k"))
}

func TestGraphValidateCatchesDuplicateIDsAndDanglingEdges(t *testing.T) {
	g := &Graph{
		Nodes: []Node{{ID: "a", Type: NodeHandler}, {ID: "a", Type: NodeHandler}},
	}
	assert.Error(t, g.Validate())

	g2 := &Graph{
		Nodes: []Node{{ID: "a", Type: NodeHandler}},
		Edges: []Edge{{From: "a", To: "missing"}},
	}
	assert.Error(t, g2.Validate())
}

func linearGraph() *Graph {
	return &Graph{
		ID: "g1",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "a", Type: NodeHandler},
			{ID: "b", Type: NodeHandler},
			{ID: "c", Type: NodeHandler},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{From: "start", To: "a"},
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "end"},
			{From: "c", To: "end"},
		},
	}
}

func TestCompileProducesLayersWithIndependentNodesBatched(t *testing.T) {
	c, err := Compile(linearGraph())
	require.NoError(t, err)
	require.Len(t, c.Layers, 2)
	assert.Equal(t, []string{"a"}, c.Layers[0])
	assert.ElementsMatch(t, []string{"b", "c"}, c.Layers[1])
}

func TestCompileBreaksTwoNodeCycleIntoBackEdge(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			{ID: "a", Type: NodeHandler},
			{ID: "b", Type: NodeHandler},
		},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		},
	}
	c, err := Compile(g)
	require.NoError(t, err)
	require.Len(t, c.BackEdges, 1)
	assert.Equal(t, "b", c.BackEdges[0].Edge.From)
	assert.Equal(t, "a", c.BackEdges[0].Edge.To)
}

func TestCompileDetectsBackEdgesSortedByDescendingJump(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			{ID: "a", Type: NodeHandler},
			{ID: "b", Type: NodeHandler},
			{ID: "c", Type: NodeHandler},
			{ID: "d", Type: NodeHandler},
		},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "b", To: "c"},
			{From: "c", To: "d"},
			{From: "d", To: "a"},
			{From: "c", To: "b"},
		},
	}
	c, err := Compile(g)
	require.NoError(t, err)
	require.Len(t, c.BackEdges, 2)
	assert.Equal(t, "d", c.BackEdges[0].Edge.From)
	assert.Equal(t, "a", c.BackEdges[0].Edge.To)
	assert.GreaterOrEqual(t, c.BackEdges[0].JumpDistance, c.BackEdges[1].JumpDistance)
}

func TestUpstreamConditionMustBeUniformAcrossIncomingEdges(t *testing.T) {
	allSame := Upstream(UpstreamOneSuccess)
	g := &Graph{
		Nodes: []Node{
			{ID: "a", Type: NodeHandler},
			{ID: "b", Type: NodeHandler},
			{ID: "c", Type: NodeHandler},
		},
		Edges: []Edge{
			{From: "a", To: "c", Condition: &allSame},
			{From: "b", To: "c", Condition: &allSame},
		},
	}
	c, err := Compile(g)
	require.NoError(t, err)
	assert.Equal(t, UpstreamOneSuccess, c.UpstreamConditionOf["c"])

	mismatched := Upstream(UpstreamAllDone)
	g2 := &Graph{
		Nodes: []Node{
			{ID: "a", Type: NodeHandler},
			{ID: "b", Type: NodeHandler},
			{ID: "c", Type: NodeHandler},
		},
		Edges: []Edge{
			{From: "a", To: "c", Condition: &allSame},
			{From: "b", To: "c", Condition: &mismatched},
		},
	}
	_, err = Compile(g2)
	assert.Error(t, err)

	g3 := &Graph{
		Nodes: []Node{
			{ID: "a", Type: NodeHandler},
			{ID: "b", Type: NodeHandler},
			{ID: "c", Type: NodeHandler},
		},
		Edges: []Edge{
			{From: "a", To: "c", Condition: &allSame},
			{From: "b", To: "c"},
		},
	}
	_, err = Compile(g3)
	assert.Error(t, err)
}

func TestArtifactIndexRecursesIntoSubGraphsWithQualifiedNamespace(t *testing.T) {
	inner := &Graph{
		Nodes: []Node{
			{ID: "inner-a", Type: NodeHandler, ArtifactNamespace: "stage", ProducesArtifact: []string{"result"}},
		},
	}
	outer := &Graph{
		Nodes: []Node{
			{ID: "outer-a", Type: NodeHandler, ArtifactNamespace: "pipeline", ProducesArtifact: []string{"summary"}},
			{ID: "sub", Type: NodeSubGraph, ArtifactNamespace: "nested", SubGraph: inner},
		},
	}
	c, err := Compile(outer)
	require.NoError(t, err)

	producers := c.Producers(ArtifactKey{Path: []string{"summary"}}.Qualify("pipeline"))
	assert.True(t, producers["outer-a"])

	nestedProducers := c.Producers(ArtifactKey{Path: []string{"result"}}.Qualify("nested.stage"))
	assert.True(t, nestedProducers["inner-a"])
}

func nestedGraph() *Graph {
	inner := &Graph{
		Nodes: []Node{
			{ID: "inner-a", Type: NodeHandler, ArtifactNamespace: "stage"},
		},
	}
	return &Graph{
		Nodes: []Node{
			{ID: "outer-a", Type: NodeHandler, ArtifactNamespace: "pipeline"},
			{ID: "sub", Type: NodeSubGraph, ArtifactNamespace: "nested", SubGraph: inner},
		},
	}
}

func TestWalkNodesVisitsTreeWithAccumulatedNamespace(t *testing.T) {
	byID := make(map[string]string)
	nestedGraph().WalkNodes(func(n Node, ns string) bool {
		byID[n.ID] = ns
		return true
	})
	assert.Equal(t, "pipeline", byID["outer-a"])
	assert.Equal(t, "nested", byID["sub"])
	assert.Equal(t, "nested.stage", byID["inner-a"])
}

func TestFindNodeDescendsIntoSubGraphs(t *testing.T) {
	g := nestedGraph()

	n, ok := g.FindNode("inner-a")
	require.True(t, ok)
	assert.Equal(t, "inner-a", n.ID)

	_, ok = g.FindNode("missing")
	assert.False(t, ok)
}

func TestFindNodePathIncludesEmbeddingNodes(t *testing.T) {
	g := nestedGraph()
	assert.Equal(t, []string{"sub", "inner-a"}, g.FindNodePath("inner-a"))
	assert.Equal(t, []string{"outer-a"}, g.FindNodePath("outer-a"))
	assert.Nil(t, g.FindNodePath("missing"))
}

func TestListNodeIDsIsDepthFirst(t *testing.T) {
	assert.Equal(t, []string{"outer-a", "sub", "inner-a"}, nestedGraph().ListNodeIDs())
}

func TestEdgeEffectiveCloningPolicyDefaultsToAlwaysClone(t *testing.T) {
	e := Edge{From: "a", To: "b"}
	assert.Equal(t, CloneAlways, e.EffectiveCloningPolicy())

	e2 := Edge{From: "a", To: "b", CloningPolicy: CloneNever}
	assert.Equal(t, CloneNever, e2.EffectiveCloningPolicy())
}
