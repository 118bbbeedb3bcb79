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

package tool

import (
	"context"

	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"
)

// InvokeFunc is the shape of a tool's invocation logic.
type InvokeFunc func(ctx context.Context, args map[string]any) (any, error)

// FuncTool is the simplest AIFunction implementation: a name,
// description, schema and closure. It exists for embedding
// applications (and tests) that don't need a dedicated type per tool.
type FuncTool struct {
	name        string
	description string
	schema      *jsonschemav5.Schema
	options     Options
	invoke      InvokeFunc
}

// NewFuncTool constructs a FuncTool. schema may be nil, in which case
// ValidateArgs is a no-op for this tool.
func NewFuncTool(name, description string, schema *jsonschemav5.Schema, opts Options, invoke InvokeFunc) *FuncTool {
	return &FuncTool{name: name, description: description, schema: schema, options: opts, invoke: invoke}
}

func (f *FuncTool) Name() string                 { return f.name }
func (f *FuncTool) Description() string          { return f.description }
func (f *FuncTool) Schema() *jsonschemav5.Schema { return f.schema }
func (f *FuncTool) Options() Options             { return f.options }
func (f *FuncTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f.invoke(ctx, args)
}

var _ AIFunction = (*FuncTool)(nil)
