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
	"fmt"
	"sort"

	"github.com/kadirpekel/agentcore/pkg/errs"
)

// Compiled is the immutable result of compiling a Graph: a topological
// order, execution layers, back-edges, and an Artifact Index.
type Compiled struct {
	Graph *Graph

	// Order maps node id to its topological index. Start/End nodes are
	// excluded from the Kahn's-algorithm run; edges touching them never
	// become back-edges.
	Order map[string]int

	// Layers holds, in execution order, the node ids eligible to run
	// concurrently at that step.
	Layers [][]string

	// BackEdges lists every edge whose source's topological index
	// exceeds its target's, sorted by descending jump distance.
	BackEdges []BackEdge

	// UpstreamConditionOf records, per target node id, the single
	// upstream-aggregation condition type shared by all of its
	// incoming edges, if any declare one.
	UpstreamConditionOf map[string]UpstreamCondition

	// ArtifactIndex maps a fully qualified artifact key string to the
	// set of node ids declaring it via ProducesArtifact, across the
	// whole graph tree (recursing into SubGraph and Map processor
	// graphs).
	ArtifactIndex map[string]map[string]bool
}

// Compile validates g and computes its Compiled form: Kahn's-algorithm
// layering identifies independent nodes for concurrent dispatch
// instead of running them one at a time.
func Compile(g *Graph) (*Compiled, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	core, err := kahnLayers(g)
	if err != nil {
		return nil, err
	}

	upstreamByTarget, err := upstreamConditions(g)
	if err != nil {
		return nil, err
	}

	back := backEdges(g, core.order)

	index := make(map[string]map[string]bool)
	addArtifactsToIndex(index, g)

	return &Compiled{
		Graph:               g,
		Order:               core.order,
		Layers:              core.layers,
		BackEdges:           back,
		UpstreamConditionOf: upstreamByTarget,
		ArtifactIndex:       index,
	}, nil
}

type kahnResult struct {
	order  map[string]int
	layers [][]string
}

// kahnLayers runs Kahn's algorithm over the subgraph of nodes excluding
// Start/End, batching all in-degree-zero nodes at each step into one
// execution layer. Forward edges into/out of Start/End do not
// constrain ordering among Handler-class nodes; they are used only to
// locate entry/exit.
func kahnLayers(g *Graph) (kahnResult, error) {
	core := make(map[string]bool)
	for _, n := range g.Nodes {
		if n.Type != NodeStart && n.Type != NodeEnd {
			core[n.ID] = true
		}
	}

	inDegree := make(map[string]int, len(core))
	adj := make(map[string][]string, len(core))
	for id := range core {
		inDegree[id] = 0
	}
	for _, e := range g.Edges {
		if !core[e.From] || !core[e.To] {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
		inDegree[e.To]++
	}

	order := make(map[string]int, len(core))
	var layers [][]string
	remaining := len(core)
	idx := 0

	for remaining > 0 {
		var layer []string
		for id := range core {
			if _, placed := order[id]; placed {
				continue
			}
			if inDegree[id] == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			// Every remaining node sits on a cycle. Force the node with
			// the fewest unsatisfied inputs (lexicographic tie-break)
			// into its own layer; its still-pending in-edges surface as
			// BackEdges once the full order is known, which is how cycles
			// are expressed in this model.
			forced := ""
			best := int(^uint(0) >> 1)
			for id := range core {
				if _, placed := order[id]; placed {
					continue
				}
				if inDegree[id] < best || (inDegree[id] == best && id < forced) {
					best = inDegree[id]
					forced = id
				}
			}
			layer = []string{forced}
		}
		sort.Strings(layer)
		layers = append(layers, layer)
		for _, id := range layer {
			order[id] = idx
			idx++
		}
		for _, id := range layer {
			for _, next := range adj[id] {
				inDegree[next]--
			}
		}
		remaining -= len(layer)
	}

	return kahnResult{order: order, layers: layers}, nil
}

// backEdges finds every edge whose source's topological order exceeds
// its target's (self-edges included) and returns them sorted by
// descending jump distance for a deterministic tie-break. Edges
// touching Start/End are never back-edges.
func backEdges(g *Graph, order map[string]int) []BackEdge {
	var out []BackEdge
	for _, e := range g.Edges {
		fromIdx, fromOK := order[e.From]
		toIdx, toOK := order[e.To]
		if !fromOK || !toOK {
			continue
		}
		if fromIdx > toIdx || e.From == e.To {
			out = append(out, BackEdge{Edge: e, JumpDistance: fromIdx - toIdx})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].JumpDistance > out[j].JumpDistance
	})
	return out
}

// upstreamConditions validates, for each target node, that its incoming
// edges either all share one UpstreamCondition type or none declare
// one, and returns the shared type per target.
func upstreamConditions(g *Graph) (map[string]UpstreamCondition, error) {
	byTarget := make(map[string][]EdgeCondition)
	for _, e := range g.Edges {
		if e.Condition != nil && e.Condition.IsUpstream() {
			byTarget[e.To] = append(byTarget[e.To], *e.Condition)
		}
	}

	result := make(map[string]UpstreamCondition, len(byTarget))
	for target, conds := range byTarget {
		incoming := 0
		for _, e := range g.Edges {
			if e.To == target {
				incoming++
			}
		}
		if len(conds) != incoming {
			return nil, errs.New(errs.ClassClient, fmt.Sprintf(
				"node %q: upstream condition must be declared on every incoming edge or none", target), nil)
		}
		first := conds[0].Upstream
		for _, c := range conds[1:] {
			if c.Upstream != first {
				return nil, errs.New(errs.ClassClient, fmt.Sprintf(
					"node %q: incoming edges declare conflicting upstream conditions %q and %q", target, first, c.Upstream), nil)
			}
		}
		result[target] = first
	}
	return result, nil
}

// addArtifactsToIndex walks g's node tree via WalkNodes, recording
// each declared artifact's namespace-qualified key against its
// producing node id.
func addArtifactsToIndex(index map[string]map[string]bool, g *Graph) {
	g.WalkNodes(func(n Node, ns string) bool {
		for _, path := range n.ProducesArtifact {
			key := ArtifactKey{Path: []string{path}}.Qualify(ns).String()
			if index[key] == nil {
				index[key] = make(map[string]bool)
			}
			index[key][n.ID] = true
		}
		return true
	})
}

func joinNamespace(parent, own string) string {
	switch {
	case parent == "":
		return own
	case own == "":
		return parent
	default:
		return parent + "." + own
	}
}

// Producers returns the set of node ids declaring key as a produced
// artifact anywhere in the compiled graph tree.
func (c *Compiled) Producers(key ArtifactKey) map[string]bool {
	return c.ArtifactIndex[key.String()]
}
