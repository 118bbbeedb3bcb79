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

// Package orchestrator implements the graph execution engine:
// layer-by-layer dispatch of a compiled graph.Graph, upstream-condition
// evaluation, cloning-policy enforcement, per-node caching,
// backpressure, failure-severity classification, and back-edge
// re-queueing.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/agentcore/pkg/errs"
	"github.com/kadirpekel/agentcore/pkg/event"
	"github.com/kadirpekel/agentcore/pkg/graph"
	"github.com/kadirpekel/agentcore/pkg/observability"
)

// Status is the terminal state of a single node execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

// Handler is user code registered against a graph.NodeHandler node's
// handler_name. It receives the node's (possibly cloned) input and
// returns the value placed on its outgoing edges.
type Handler func(ctx context.Context, input any) (any, error)

// MapRouter dispatches a single fanned-out item of a graph.NodeMap node
// to the processor graph that should handle it, the per-item
// alternative to a static processor graph.
type MapRouter interface {
	Route(ctx context.Context, item any) (*graph.Graph, error)
}

// NodeResult is one node's outcome within a run, kept in the run's
// append-only results map.
type NodeResult struct {
	NodeID   string
	Status   Status
	Output   any
	Err      error
	Severity graph.Severity
	Attempts int
}

// Config tunes orchestrator-wide defaults not carried by individual
// nodes.
type Config struct {
	// DefaultInputBuffer bounds per-node fan-in concurrency when a node
	// declares no InputBuffer of its own. SetDefaults turns zero into 16.
	DefaultInputBuffer int
}

// SetDefaults fills Config's zero fields with safe defaults.
func (c *Config) SetDefaults() {
	if c.DefaultInputBuffer == 0 {
		c.DefaultInputBuffer = 16
	}
}

// Orchestrator runs compiled graphs against a registry of handlers and
// map routers.
type Orchestrator struct {
	Handlers   map[string]Handler
	MapRouters map[string]MapRouter
	Config     Config

	cache *nodeCache
}

// New constructs an Orchestrator with the given handler registry.
func New(handlers map[string]Handler, mapRouters map[string]MapRouter, cfg Config) *Orchestrator {
	cfg.SetDefaults()
	if handlers == nil {
		handlers = make(map[string]Handler)
	}
	if mapRouters == nil {
		mapRouters = make(map[string]MapRouter)
	}
	return &Orchestrator{
		Handlers:   handlers,
		MapRouters: mapRouters,
		Config:     cfg,
		cache:      newNodeCache(),
	}
}

// Run is one of the results a caller needs to render completion or
// inspect per-node outcomes.
type Run struct {
	Results map[string]NodeResult
}

// runState is the mutable bookkeeping threaded through a single graph
// execution (and its recursive sub-graph/map-processor executions).
type runState struct {
	mu         sync.Mutex
	results    map[string]NodeResult
	executions map[string]int
}

func newRunState() *runState {
	return &runState{
		results:    make(map[string]NodeResult),
		executions: make(map[string]int),
	}
}

func (rs *runState) get(nodeID string) (NodeResult, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.results[nodeID]
	return r, ok
}

func (rs *runState) set(r NodeResult) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.results[r.NodeID] = r
	rs.executions[r.NodeID]++
}

func (rs *runState) snapshot() map[string]NodeResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make(map[string]NodeResult, len(rs.results))
	for k, v := range rs.results {
		out[k] = v
	}
	return out
}

// Execute runs compiled layer-by-layer, feeding input into every
// Start-adjacent node and returning every node's terminal result.
func (o *Orchestrator) Execute(ctx context.Context, compiled *graph.Compiled, input any, bus *event.Bus, sessionID string) (*Run, error) {
	rs := newRunState()
	if err := o.executeLayers(ctx, compiled, input, bus, sessionID, rs); err != nil {
		return nil, err
	}
	return &Run{Results: rs.snapshot()}, nil
}

// executeLayers runs every compiled layer in order, then resolves
// back-edges by re-queueing their targets and re-running the affected
// downstream layers, capped by graph.MaxIterations.
func (o *Orchestrator) executeLayers(ctx context.Context, compiled *graph.Compiled, input any, bus *event.Bus, sessionID string, rs *runState) error {
	g := compiled.Graph
	bus.Emit(event.New(event.TypeWorkflowStarted, g.ID))

	// Start nodes carry the graph input onto their outgoing edges; they
	// run no user code and are seeded rather than scheduled.
	for _, n := range g.Nodes {
		if n.Type == graph.NodeStart {
			rs.set(NodeResult{NodeID: n.ID, Status: StatusSuccess, Output: input})
		}
	}

	maxIter := g.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}

	for iteration := 0; iteration < maxIter; iteration++ {
		for layerIdx, layer := range compiled.Layers {
			if _, err := o.runLayer(ctx, compiled, layerIdx, layer, input, bus, sessionID, rs); err != nil {
				return err
			}
		}

		requeued, err := o.applyBackEdges(ctx, compiled, bus, rs)
		if err != nil {
			return err
		}
		if !requeued {
			break
		}
	}

	o.finishEndNodes(ctx, compiled, input, bus, sessionID, rs)

	bus.Emit(event.New(event.TypeWorkflowCompleted, g.ID))
	return nil
}

// finishEndNodes resolves every End node once all layers have settled,
// evaluating its incoming conditions the same way a scheduled node's
// are so skip/failure propagation reaches the exit.
func (o *Orchestrator) finishEndNodes(ctx context.Context, compiled *graph.Compiled, input any, bus *event.Bus, sessionID string, rs *runState) {
	for _, n := range compiled.Graph.Nodes {
		if n.Type != graph.NodeEnd {
			continue
		}
		if _, done := rs.get(n.ID); done {
			continue
		}
		eligible, nodeInput, skip := o.evaluateEligibility(compiled, n, len(compiled.Layers), input, rs)
		if !eligible || skip {
			bus.Emit(event.New(event.TypeWorkflowNodeSkipped, n.ID).WithCorrelation(sessionID))
			rs.set(NodeResult{NodeID: n.ID, Status: StatusSkipped})
			continue
		}
		_ = o.runNode(ctx, compiled, n, nodeInput, bus, sessionID, rs)
	}
}

// runLayer dispatches every node in layer concurrently once its
// upstream condition is satisfied. It returns
// whether any node in the layer actually ran (as opposed to every node
// already holding a result from a prior iteration).
func (o *Orchestrator) runLayer(ctx context.Context, compiled *graph.Compiled, layerIdx int, layer []string, input any, bus *event.Bus, sessionID string, rs *runState) (bool, error) {
	bus.Emit(event.New(event.TypeWorkflowLayerStarted, layerIdx))
	defer bus.Emit(event.New(event.TypeWorkflowLayerComplete, layerIdx))

	g, gctx := errgroup.WithContext(ctx)
	ran := false
	var mu sync.Mutex

	for _, nodeID := range layer {
		nodeID := nodeID
		node, _ := g2(compiled, nodeID)

		eligible, nodeInput, skip := o.evaluateEligibility(compiled, node, layerIdx, input, rs)
		if skip {
			bus.Emit(event.New(event.TypeWorkflowNodeSkipped, nodeID).WithCorrelation(sessionID))
			rs.set(NodeResult{NodeID: nodeID, Status: StatusSkipped})
			continue
		}
		if !eligible {
			continue
		}

		g.Go(func() error {
			mu.Lock()
			ran = true
			mu.Unlock()
			return o.runNode(gctx, compiled, node, nodeInput, bus, sessionID, rs)
		})
	}

	if err := g.Wait(); err != nil {
		return ran, err
	}
	return ran, nil
}

// g2 is a tiny alias to keep runLayer's node lookup terse; compiled's
// owning graph.Graph is accessed through compiled.Graph.NodeByID.
func g2(compiled *graph.Compiled, nodeID string) (graph.Node, bool) {
	return compiled.Graph.NodeByID(nodeID)
}

// evaluateEligibility decides whether nodeID should run this pass: if
// it already has a terminal result from a prior iteration it is
// skipped (unless it is a back-edge target being re-queued, handled
// separately by applyBackEdges); otherwise its incoming edges'
// conditions are evaluated against current upstream results.
func (o *Orchestrator) evaluateEligibility(compiled *graph.Compiled, node graph.Node, layerIdx int, graphInput any, rs *runState) (eligible bool, input any, skip bool) {
	if _, done := rs.get(node.ID); done {
		return false, nil, false
	}

	incoming := incomingEdges(compiled.Graph, node.ID)

	// A back-edge participates in eligibility only once its source has a
	// result; on the first pass through a cycle it must not block its
	// target from starting.
	active := incoming[:0:0]
	for _, e := range incoming {
		if _, ok := rs.get(e.From); !ok && isBackEdge(compiled, e) {
			continue
		}
		active = append(active, e)
	}
	incoming = active

	if len(incoming) == 0 {
		return true, graphInput, false
	}

	if cond, ok := compiled.UpstreamConditionOf[node.ID]; ok {
		eligible, out, skip := evaluateUpstreamCondition(cond, incoming, rs, node.ID)
		if eligible && out != nil {
			if cloned, err := cloneForPolicy(out, edgePolicyInto(incoming, node.ID)); err == nil {
				out = cloned
			}
		}
		return eligible, out, skip
	}

	// No shared upstream-aggregate condition: the node is eligible once
	// every producing upstream has a result, using the last successful
	// upstream output (in edge order) as its input (a single-predecessor
	// chain, the common case for Handler pipelines).
	var lastOutput any
	for _, e := range incoming {
		res, ok := rs.get(e.From)
		if !ok {
			return false, nil, false
		}
		if e.Condition != nil && !e.Condition.IsUpstream() {
			if res.Status != StatusSuccess || !evaluateValueCondition(*e.Condition, res.Output) {
				continue
			}
		}
		if res.Status == StatusSuccess {
			if cloned, err := cloneForPolicy(res.Output, e.EffectiveCloningPolicy()); err == nil {
				lastOutput = cloned
			} else {
				lastOutput = res.Output
			}
		}
	}
	return true, lastOutput, false
}

// edgePolicyInto returns the cloning policy shared by nodeID's incoming
// edges, defaulting to the graph-wide default when they disagree (the
// common case is a single incoming edge under an upstream condition).
func edgePolicyInto(incoming []graph.Edge, nodeID string) graph.CloningPolicy {
	var policy graph.CloningPolicy
	found := false
	for _, e := range incoming {
		if e.To != nodeID {
			continue
		}
		p := e.EffectiveCloningPolicy()
		if found && p != policy {
			return graph.CloneAlways
		}
		policy, found = p, true
	}
	if !found {
		return graph.CloneAlways
	}
	return policy
}

func isBackEdge(compiled *graph.Compiled, e graph.Edge) bool {
	for _, be := range compiled.BackEdges {
		if be.Edge.From == e.From && be.Edge.To == e.To &&
			be.Edge.FromPort == e.FromPort && be.Edge.ToPort == e.ToPort {
			return true
		}
	}
	return false
}

func incomingEdges(g *graph.Graph, nodeID string) []graph.Edge {
	var out []graph.Edge
	for _, e := range g.Edges {
		if e.To == nodeID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func evaluateUpstreamCondition(cond graph.UpstreamCondition, incoming []graph.Edge, rs *runState, nodeID string) (eligible bool, input any, skip bool) {
	total := len(incoming)
	done := 0
	succeeded := 0
	var lastSuccessOutput any

	for _, e := range incoming {
		res, ok := rs.get(e.From)
		if !ok {
			continue
		}
		done++
		if res.Status == StatusSuccess {
			succeeded++
			lastSuccessOutput = res.Output
		}
	}

	switch cond {
	case graph.UpstreamOneSuccess:
		if succeeded >= 1 {
			return true, lastSuccessOutput, false
		}
		if done == total {
			return false, nil, true
		}
		return false, nil, false
	case graph.UpstreamAllDone:
		if done == total {
			return true, lastSuccessOutput, false
		}
		return false, nil, false
	case graph.UpstreamAllDoneOneSuccess:
		if done == total {
			if succeeded >= 1 {
				return true, lastSuccessOutput, false
			}
			return false, nil, true
		}
		return false, nil, false
	default:
		return done == total, lastSuccessOutput, false
	}
}

func evaluateValueCondition(cond graph.EdgeCondition, output any) bool {
	switch cond.Kind {
	case graph.ConditionFieldEquals:
		m, ok := output.(map[string]any)
		if !ok {
			return false
		}
		return m[cond.Field] == cond.Equals
	case graph.ConditionFieldExists:
		m, ok := output.(map[string]any)
		if !ok {
			return false
		}
		_, exists := m[cond.Field]
		return exists
	case graph.ConditionFieldPredicate:
		if cond.Predicate == nil {
			return true
		}
		return cond.Predicate(output)
	default:
		return true
	}
}

// runNode executes a single node according to its type, records its
// NodeResult, and emits WorkflowNodeStarted/Completed.
func (o *Orchestrator) runNode(ctx context.Context, compiled *graph.Compiled, node graph.Node, input any, bus *event.Bus, sessionID string, rs *runState) error {
	bus.Emit(event.New(event.TypeWorkflowNodeStarted, node.ID).WithCorrelation(sessionID))

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "workflow.node",
		attribute.String("node_id", node.ID), attribute.String("node_type", string(node.Type)))

	var result NodeResult
	switch node.Type {
	case graph.NodeStart, graph.NodeEnd, graph.NodeRouter:
		result = NodeResult{NodeID: node.ID, Status: StatusSuccess, Output: input}
	case graph.NodeHandler:
		result = o.runHandler(ctx, node, input)
	case graph.NodeSubGraph:
		result = o.runSubGraph(ctx, node, input, bus, sessionID)
	case graph.NodeMap:
		result = o.runMap(ctx, node, input, bus, sessionID)
	default:
		result = NodeResult{NodeID: node.ID, Status: StatusFailure, Err: fmt.Errorf("orchestrator: unknown node type %q", node.Type), Severity: graph.SeverityFatal}
	}

	observability.EndSpan(span, result.Err)
	observability.GlobalRecorder().RecordNodeExecution(ctx, node.ID, string(result.Status), time.Since(start))

	rs.set(result)
	if result.Status == StatusFailure {
		bus.Emit(event.New(event.TypeWorkflowDiagnostic, result.Err.Error()).WithCorrelation(sessionID))
	}
	bus.Emit(event.New(event.TypeWorkflowNodeComplete, node.ID).WithCorrelation(sessionID))

	for _, e := range outgoingEdges(compiled.Graph, node.ID) {
		bus.Emit(event.New(event.TypeWorkflowEdgeTraversed, fmt.Sprintf("%s->%s", e.From, e.To)).WithCorrelation(sessionID))
	}
	return nil
}

func outgoingEdges(g *graph.Graph, nodeID string) []graph.Edge {
	var out []graph.Edge
	for _, e := range g.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// runHandler invokes node's registered handler under its cache,
// timeout, and retry policy.
func (o *Orchestrator) runHandler(ctx context.Context, node graph.Node, input any) NodeResult {
	fn, ok := o.Handlers[node.HandlerName]
	if !ok {
		return NodeResult{NodeID: node.ID, Status: StatusFailure,
			Err: errs.New(errs.ClassClient, fmt.Sprintf("no handler registered for %q", node.HandlerName), nil),
			Severity: graph.SeverityFatal}
	}

	// Cloning already happened as the output crossed an edge, in
	// evaluateEligibility.
	clonedInput := input

	if node.Cache != nil {
		key := fingerprint(node, clonedInput)
		if cached, ok := o.cache.get(key, node.Cache.TTLSec); ok {
			return NodeResult{NodeID: node.ID, Status: StatusSuccess, Output: cached}
		}
	}

	runCtx := ctx
	cancel := func() {}
	if node.TimeoutMS > 0 {
		runCtx, cancel = withTimeoutMS(ctx, node.TimeoutMS)
	}
	defer cancel()

	attempts := 1
	maxAttempts := 1
	var delay time.Duration
	if node.Retry != nil {
		if node.Retry.MaxAttempts > 0 {
			maxAttempts = node.Retry.MaxAttempts
		}
		delay = time.Duration(node.Retry.BaseDelayMS) * time.Millisecond
	}

	var lastErr error
	var output any
	for ; attempts <= maxAttempts; attempts++ {
		output, lastErr = fn(runCtx, clonedInput)
		if lastErr == nil {
			if node.Cache != nil {
				o.cache.set(fingerprint(node, clonedInput), output, node.Cache.TTLSec)
			}
			return NodeResult{NodeID: node.ID, Status: StatusSuccess, Output: output, Attempts: attempts}
		}
		severity := classifySeverity(lastErr)
		if severity != graph.SeverityTransient {
			return NodeResult{NodeID: node.ID, Status: StatusFailure, Err: lastErr, Severity: severity, Attempts: attempts}
		}
		if attempts < maxAttempts && delay > 0 {
			select {
			case <-runCtx.Done():
				return NodeResult{NodeID: node.ID, Status: StatusFailure, Err: runCtx.Err(), Severity: graph.SeverityFatal, Attempts: attempts}
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return NodeResult{NodeID: node.ID, Status: StatusFailure, Err: lastErr, Severity: graph.SeverityTransient, Attempts: attempts - 1}
}

// classifySeverity maps the shared error taxonomy onto node failure
// severities: canceled/client/permission errors are Fatal (no
// retry can help), network/server/rate-limit errors are Transient
// (the node's retry policy applies), everything else is Recoverable.
func classifySeverity(err error) graph.Severity {
	switch errs.ClassifyError(err) {
	case errs.ClassTransientNetwork, errs.ClassServer, errs.ClassRateLimitRetry:
		return graph.SeverityTransient
	case errs.ClassCanceled, errs.ClassClient, errs.ClassPermissionDenied, errs.ClassAuth:
		return graph.SeverityFatal
	default:
		return graph.SeverityRecoverable
	}
}
