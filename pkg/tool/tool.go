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

// Package tool defines the AIFunction contract the tool scheduler
// dispatches against: a named, schema-validated, optionally
// permission-gated invocable. The embedding application hands the
// agent a fully materialized tool set; there is no reflection-driven
// toolkit scanning here.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"
)

// Scope identifies the granularity a permission policy is remembered at.
type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeProject      Scope = "project"
	ScopeConversation Scope = "conversation"
)

// Options are the declarative flags a Tool carries. The Middleware
// Pipeline's permission filter consults RequiresPermission and
// ScopeTags; no package in this module acts on Container or Namespace.
type Options struct {
	// RequiresPermission routes calls to this tool through the
	// permission filter middleware.
	RequiresPermission bool
	// ScopeTags is the set of scopes a stored AlwaysAllow/AlwaysDeny
	// policy may apply at for this tool (subset of global/project/conversation).
	// When empty, the permission filter honors a policy at any scope.
	ScopeTags []Scope
	// Container marks a tool whose invocation returns a description of
	// nested tools rather than a terminal value ("collapsing": callers
	// see the container as one tool until invoked).
	Container bool
	// Namespace groups related tools for display/lookup purposes.
	Namespace string
}

// AIFunction is one invocable a model may call by name. Name must be
// unique within the tool set an agent is configured with.
type AIFunction interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema Args must validate against.
	Schema() *jsonschemav5.Schema
	Options() Options
	// Invoke runs the tool. Exceptions are not a Go concept; any error
	// returned here is converted to an error FunctionResult value by
	// the scheduler, never propagated as a panic.
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// Set is a read-only collection of tools available to a turn, indexed
// by name for O(1) dispatch lookup. The tool set is read-only during a
// turn per the concurrency model.
type Set struct {
	byName map[string]AIFunction
}

// NewSet indexes fns by name. A duplicate name is the caller's error;
// the last one wins, matching a plain map literal's semantics.
func NewSet(fns ...AIFunction) *Set {
	s := &Set{byName: make(map[string]AIFunction, len(fns))}
	for _, fn := range fns {
		s.byName[fn.Name()] = fn
	}
	return s
}

// Lookup returns the tool registered under name, or false if absent.
func (s *Set) Lookup(name string) (AIFunction, bool) {
	fn, ok := s.byName[name]
	return fn, ok
}

// All returns every tool in the set. Order is unspecified.
func (s *Set) All() []AIFunction {
	out := make([]AIFunction, 0, len(s.byName))
	for _, fn := range s.byName {
		out = append(out, fn)
	}
	return out
}

// GenerateSchema derives a JSON Schema from a Go-typed argument struct
// using reflection (invopop/jsonschema), then compiles it with
// santhosh-tekuri/jsonschema/v5 so it can be used for Args validation.
// This lets a tool author declare Args as `type FooArgs struct{...}`
// instead of hand-writing a schema map.
func GenerateSchema(name string, argsStruct any) (*jsonschemav5.Schema, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	raw := reflector.Reflect(argsStruct)
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("tool: marshal generated schema: %w", err)
	}

	var asMap map[string]any
	if err := json.Unmarshal(data, &asMap); err != nil {
		return nil, fmt.Errorf("tool: decode generated schema: %w", err)
	}
	delete(asMap, "$schema")
	delete(asMap, "$id")
	data, err = json.Marshal(asMap)
	if err != nil {
		return nil, fmt.Errorf("tool: re-marshal generated schema: %w", err)
	}

	compiled, err := jsonschemav5.CompileString(name+".schema.json", string(data))
	if err != nil {
		return nil, fmt.Errorf("tool: compile generated schema: %w", err)
	}
	return compiled, nil
}

// ValidateArgs checks args against fn's declared schema before dispatch.
func ValidateArgs(fn AIFunction, args map[string]any) error {
	schema := fn.Schema()
	if schema == nil {
		return nil
	}
	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("tool: %s: args do not match schema: %w", fn.Name(), err)
	}
	return nil
}
