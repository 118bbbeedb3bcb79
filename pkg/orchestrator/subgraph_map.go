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
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/agentcore/pkg/errs"
	"github.com/kadirpekel/agentcore/pkg/event"
	"github.com/kadirpekel/agentcore/pkg/graph"
)

// runSubGraph recursively orchestrates node's embedded graph, bubbling
// its events onto the same bus.
func (o *Orchestrator) runSubGraph(ctx context.Context, node graph.Node, input any, bus *event.Bus, sessionID string) NodeResult {
	if node.SubGraph == nil {
		return NodeResult{NodeID: node.ID, Status: StatusFailure,
			Err:      errs.New(errs.ClassClient, fmt.Sprintf("sub_graph node %q declares no graph", node.ID), nil),
			Severity: graph.SeverityFatal}
	}

	compiled, err := graph.Compile(node.SubGraph)
	if err != nil {
		return NodeResult{NodeID: node.ID, Status: StatusFailure, Err: err, Severity: graph.SeverityFatal}
	}

	sub, err := o.Execute(ctx, compiled, input, bus, sessionID)
	if err != nil {
		return NodeResult{NodeID: node.ID, Status: StatusFailure, Err: err, Severity: classifySeverity(err)}
	}

	if exit, ok := sub.Results[node.SubGraph.Exit]; ok {
		return NodeResult{NodeID: node.ID, Status: exit.Status, Output: exit.Output, Err: exit.Err, Severity: exit.Severity}
	}
	return NodeResult{NodeID: node.ID, Status: StatusSuccess, Output: sub.Results}
}

// runMap fans node's collection input out over a processor graph
// per-item, executing items concurrently bounded by node.InputBuffer
// (defaulting to the orchestrator's DefaultInputBuffer).
func (o *Orchestrator) runMap(ctx context.Context, node graph.Node, input any, bus *event.Bus, sessionID string) NodeResult {
	items, ok := input.([]any)
	if !ok {
		return NodeResult{NodeID: node.ID, Status: StatusFailure,
			Err:      errs.New(errs.ClassClient, fmt.Sprintf("map node %q input is not a collection", node.ID), nil),
			Severity: graph.SeverityFatal}
	}

	buffer := node.InputBuffer
	if buffer <= 0 {
		buffer = o.Config.DefaultInputBuffer
	}

	outputs := make([]any, len(items))
	sem := make(chan struct{}, buffer)
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var firstErr error

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			processor, err := o.resolveMapProcessor(gctx, node, item)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return nil
			}

			compiled, err := graph.Compile(processor)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return nil
			}

			run, err := o.Execute(gctx, compiled, item, bus, sessionID)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return nil
			}
			if exit, ok := run.Results[processor.Exit]; ok {
				outputs[i] = exit.Output
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return NodeResult{NodeID: node.ID, Status: StatusFailure, Err: err, Severity: classifySeverity(err)}
	}
	if firstErr != nil {
		return NodeResult{NodeID: node.ID, Status: StatusFailure, Err: firstErr, Severity: classifySeverity(firstErr)}
	}
	return NodeResult{NodeID: node.ID, Status: StatusSuccess, Output: outputs}
}

func (o *Orchestrator) resolveMapProcessor(ctx context.Context, node graph.Node, item any) (*graph.Graph, error) {
	if node.MapRouterName != "" {
		router, ok := o.MapRouters[node.MapRouterName]
		if !ok {
			return nil, errs.New(errs.ClassClient, fmt.Sprintf("no map router registered for %q", node.MapRouterName), nil)
		}
		return router.Route(ctx, item)
	}
	if node.MapProcessor != nil {
		return node.MapProcessor, nil
	}
	return nil, errs.New(errs.ClassClient, fmt.Sprintf("map node %q declares no router or static processor", node.ID), nil)
}
