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

// WalkNodes visits every node in g's tree depth-first, descending into
// SubGraph and Map processor graphs. fn receives each node together
// with its effective (accumulated) namespace; returning false stops
// the walk.
func (g *Graph) WalkNodes(fn func(n Node, namespace string) bool) {
	walkNodes(g, "", fn)
}

func walkNodes(g *Graph, ns string, fn func(Node, string) bool) bool {
	for _, n := range g.Nodes {
		effective := joinNamespace(ns, n.ArtifactNamespace)
		if !fn(n, effective) {
			return false
		}
		if n.SubGraph != nil && !walkNodes(n.SubGraph, effective, fn) {
			return false
		}
		if n.MapProcessor != nil && !walkNodes(n.MapProcessor, effective, fn) {
			return false
		}
	}
	return true
}

// FindNode returns the first node with the given id anywhere in g's
// tree, including nested sub-graphs and map processor graphs.
func (g *Graph) FindNode(id string) (Node, bool) {
	var found Node
	ok := false
	g.WalkNodes(func(n Node, _ string) bool {
		if n.ID == id {
			found = n
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// FindNodePath returns the node ids leading from g's root to id: the
// embedding SubGraph/Map node ids followed by id itself. A nil result
// means id is nowhere in the tree.
func (g *Graph) FindNodePath(id string) []string {
	return findNodePath(g, id, nil)
}

func findNodePath(g *Graph, id string, prefix []string) []string {
	for _, n := range g.Nodes {
		if n.ID == id {
			return append(append([]string(nil), prefix...), n.ID)
		}
		deeper := append(append([]string(nil), prefix...), n.ID)
		if n.SubGraph != nil {
			if p := findNodePath(n.SubGraph, id, deeper); p != nil {
				return p
			}
		}
		if n.MapProcessor != nil {
			if p := findNodePath(n.MapProcessor, id, deeper); p != nil {
				return p
			}
		}
	}
	return nil
}

// ListNodeIDs returns every node id in g's tree in depth-first order.
func (g *Graph) ListNodeIDs() []string {
	var out []string
	g.WalkNodes(func(n Node, _ string) bool {
		out = append(out, n.ID)
		return true
	})
	return out
}
