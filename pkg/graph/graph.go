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

// Package graph is the workflow data model: the closed set of node and
// edge types a graph is built from, the artifact namespace/key
// grammar, and the validation invariants every compiled graph must
// satisfy before it can run.
package graph

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kadirpekel/agentcore/pkg/errs"
)

// NodeType is the closed set of node kinds a Graph may contain.
type NodeType string

const (
	NodeStart    NodeType = "start"
	NodeEnd      NodeType = "end"
	NodeHandler  NodeType = "handler"
	NodeRouter   NodeType = "router"
	NodeSubGraph NodeType = "sub_graph"
	NodeMap      NodeType = "map"
)

// CloningPolicy controls how an edge's carried value is copied as it
// crosses from a producing node into a consuming one.
type CloningPolicy string

const (
	CloneAlways   CloningPolicy = "always_clone"
	CloneNever    CloningPolicy = "never_clone"
	CloneOnWrite  CloningPolicy = "clone_on_write"
	cloneDefault                = CloneAlways
)

// CacheKeyStrategy is the closed set of fingerprint strategies a node's
// cache, if enabled, may use.
type CacheKeyStrategy string

const (
	CacheKeyInputs              CacheKeyStrategy = "inputs"
	CacheKeyInputsAndCode       CacheKeyStrategy = "inputs_and_code"
	CacheKeyInputsCodeAndConfig CacheKeyStrategy = "inputs_code_and_config"
)

// Severity classifies a node failure.
type Severity string

const (
	SeverityFatal       Severity = "fatal"
	SeverityRecoverable Severity = "recoverable"
	SeverityTransient   Severity = "transient"
)

// RetryPolicy bounds how many times, and with what backoff, a node's
// handler is retried after a Transient failure.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelayMS int
}

// CacheConfig declares a node's optional memoization behavior.
type CacheConfig struct {
	Strategy CacheKeyStrategy
	TTLSec   int
}

// Node is a single vertex in a Graph.
type Node struct {
	ID                string
	Type              NodeType
	HandlerName       string
	Config            map[string]any
	TimeoutMS         int
	Retry             *RetryPolicy
	MaxExecutions     int
	SubGraph          *Graph
	ArtifactNamespace string
	ProducesArtifact  []string
	InputBuffer       int
	Cache             *CacheConfig

	// MapRouterName names a router used to dispatch each fanned-out
	// item of a Map node to a processor graph; set only on NodeMap.
	MapRouterName string
	// MapProcessor is the static processor graph a Map node routes
	// every item to when it declares no per-item router.
	MapProcessor *Graph
}

// UpstreamCondition is the closed set of aggregate conditions an edge
// may declare over a target node's upstream results.
type UpstreamCondition string

const (
	UpstreamOneSuccess        UpstreamCondition = "upstream_one_success"
	UpstreamAllDone           UpstreamCondition = "upstream_all_done"
	UpstreamAllDoneOneSuccess UpstreamCondition = "upstream_all_done_one_success"
)

// ConditionKind tags which variant of EdgeCondition is populated.
type ConditionKind string

const (
	ConditionFieldEquals    ConditionKind = "field_equals"
	ConditionFieldExists    ConditionKind = "field_exists"
	ConditionFieldPredicate ConditionKind = "field_predicate"
	ConditionUpstream       ConditionKind = "upstream"
)

// Predicate evaluates an edge's output value for ConditionFieldPredicate.
type Predicate func(value any) bool

// EdgeCondition is a tagged variant over the six condition forms:
// three evaluate the producing node's output value, three aggregate
// upstream node statuses.
type EdgeCondition struct {
	Kind ConditionKind

	Field  string
	Equals any

	Predicate Predicate

	Upstream UpstreamCondition
}

// FieldEquals builds an EdgeCondition satisfied when the named field of
// the upstream output equals want.
func FieldEquals(field string, want any) EdgeCondition {
	return EdgeCondition{Kind: ConditionFieldEquals, Field: field, Equals: want}
}

// FieldExists builds an EdgeCondition satisfied when the named field is
// present in the upstream output.
func FieldExists(field string) EdgeCondition {
	return EdgeCondition{Kind: ConditionFieldExists, Field: field}
}

// FieldPredicate builds an EdgeCondition satisfied when pred returns
// true for the upstream output value.
func FieldPredicate(pred Predicate) EdgeCondition {
	return EdgeCondition{Kind: ConditionFieldPredicate, Predicate: pred}
}

// Upstream builds an EdgeCondition over a target node's incoming-edge
// aggregate status.
func Upstream(cond UpstreamCondition) EdgeCondition {
	return EdgeCondition{Kind: ConditionUpstream, Upstream: cond}
}

// IsUpstream reports whether c aggregates upstream statuses rather
// than inspecting an output value.
func (c EdgeCondition) IsUpstream() bool {
	return c.Kind == ConditionUpstream
}

// Edge connects two nodes, optionally gated by a condition and carrying
// a cloning policy for the value it transports.
type Edge struct {
	From          string
	To            string
	FromPort      string
	ToPort        string
	Priority      int
	Condition     *EdgeCondition
	CloningPolicy CloningPolicy
}

// EffectiveCloningPolicy returns e's declared policy, or the graph
// default when unset.
func (e Edge) EffectiveCloningPolicy() CloningPolicy {
	if e.CloningPolicy == "" {
		return cloneDefault
	}
	return e.CloningPolicy
}

// BackEdge records an edge whose source's topological order exceeds
// its target's, the mechanism cycles are expressed through.
type BackEdge struct {
	Edge         Edge
	JumpDistance int
}

// Graph is the full orchestration unit a workflow runs.
type Graph struct {
	ID            string
	Name          string
	Version       string
	Nodes         []Node
	Edges         []Edge
	Entry         string
	Exit          string
	MaxIterations int
	TimeoutMS     int
	Metadata      map[string]string
}

var namespaceSegment = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_-]{0,48}[a-zA-Z0-9])?$`)

// ValidateNamespace checks a node's artifact namespace grammar: 1..10
// dot-joined segments, each matching namespaceSegment, with no
// consecutive `--`, `__`, `-_` or `_-` within a segment.
func ValidateNamespace(ns string) error {
	if ns == "" {
		return nil
	}
	segments := strings.Split(ns, ".")
	if len(segments) < 1 || len(segments) > 10 {
		return errs.New(errs.ClassClient, fmt.Sprintf("namespace %q must have 1..10 segments, got %d", ns, len(segments)), nil)
	}
	for _, seg := range segments {
		if !namespaceSegment.MatchString(seg) {
			return errs.New(errs.ClassClient, fmt.Sprintf("namespace segment %q does not match the required grammar", seg), nil)
		}
		if hasConsecutiveSeparators(seg) {
			return errs.New(errs.ClassClient, fmt.Sprintf("namespace segment %q has a disallowed consecutive separator", seg), nil)
		}
	}
	return nil
}

func hasConsecutiveSeparators(seg string) bool {
	bad := []string{"--", "__", "-_", "_-"}
	for _, b := range bad {
		if strings.Contains(seg, b) {
			return true
		}
	}
	return false
}

// ArtifactKey identifies a single artifact produced somewhere in a
// graph tree, qualified by its producing node's accumulated namespace.
type ArtifactKey struct {
	Path      []string
	Partition string
}

// Qualify returns k prefixed with namespace ns, joining ns's segments
// ahead of k's existing path.
func (k ArtifactKey) Qualify(ns string) ArtifactKey {
	if ns == "" {
		return k
	}
	qualified := append(append([]string{}, strings.Split(ns, ".")...), k.Path...)
	return ArtifactKey{Path: qualified, Partition: k.Partition}
}

// String renders k as a dotted, partition-suffixed path, used as a map
// key in the Artifact Index and node caches.
func (k ArtifactKey) String() string {
	s := strings.Join(k.Path, ".")
	if k.Partition != "" {
		s += "#" + k.Partition
	}
	return s
}

// Validate checks g's structural invariants: unique node ids, edges
// referencing only existing nodes, and well-formed namespaces. It does
// not check upstream-condition homogeneity or acyclicity; Compile checks
// homogeneity and treats cycle-closing edges as back-edges rather than
// rejecting them.
func (g *Graph) Validate() error {
	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return errs.New(errs.ClassClient, "node id must not be empty", nil)
		}
		if seen[n.ID] {
			return errs.New(errs.ClassClient, fmt.Sprintf("duplicate node id %q", n.ID), nil)
		}
		seen[n.ID] = true
		if err := ValidateNamespace(n.ArtifactNamespace); err != nil {
			return fmt.Errorf("node %q: %w", n.ID, err)
		}
	}
	for _, e := range g.Edges {
		if !seen[e.From] {
			return errs.New(errs.ClassClient, fmt.Sprintf("edge references unknown source node %q", e.From), nil)
		}
		if !seen[e.To] {
			return errs.New(errs.ClassClient, fmt.Sprintf("edge references unknown target node %q", e.To), nil)
		}
	}
	return nil
}

// NodeByID returns the node with the given id, if present.
func (g *Graph) NodeByID(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
