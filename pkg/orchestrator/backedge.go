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
	"context"

	"github.com/kadirpekel/agentcore/pkg/event"
	"github.com/kadirpekel/agentcore/pkg/graph"
)

// applyBackEdges walks compiled.BackEdges in their precomputed
// descending-jump-distance order and, for each whose condition holds
// against the current results, clears the target's (and everything
// downstream of it, so the next call to executeLayers' layer loop
// re-runs that portion of the graph) terminal result, bumping its
// execution counter. It reports whether any target was re-queued, so
// the caller knows whether another iteration is warranted. Re-queueing
// is capped by graph.MaxIterations (in the caller's loop) and by each
// node's MaxExecutions.
func (o *Orchestrator) applyBackEdges(ctx context.Context, compiled *graph.Compiled, bus *event.Bus, rs *runState) (bool, error) {
	requeued := false

	for _, be := range compiled.BackEdges {
		source, ok := rs.get(be.Edge.From)
		if !ok || source.Status != StatusSuccess {
			continue
		}
		if be.Edge.Condition != nil && !be.Edge.Condition.IsUpstream() {
			if !evaluateValueCondition(*be.Edge.Condition, source.Output) {
				continue
			}
		}

		target, _ := compiled.Graph.NodeByID(be.Edge.To)
		rs.mu.Lock()
		execCount := rs.executions[target.ID]
		rs.mu.Unlock()
		if target.MaxExecutions > 0 && execCount >= target.MaxExecutions {
			continue
		}

		clearDownstream(compiled, rs, target.ID, make(map[string]bool))
		bus.Emit(event.New(event.TypeWorkflowEdgeTraversed, be.Edge.From+"~>"+be.Edge.To))
		requeued = true
	}

	return requeued, nil
}

// clearDownstream removes nodeID's result, and recursively every
// node reachable forward from it, from rs so the next layer pass treats
// them as not-yet-run. seen guards against revisiting nodes on the
// cyclic paths back-edges introduce.
func clearDownstream(compiled *graph.Compiled, rs *runState, nodeID string, seen map[string]bool) {
	if seen[nodeID] {
		return
	}
	seen[nodeID] = true

	rs.mu.Lock()
	delete(rs.results, nodeID)
	rs.mu.Unlock()

	for _, e := range compiled.Graph.Edges {
		if e.From == nodeID {
			clearDownstream(compiled, rs, e.To, seen)
		}
	}
}
