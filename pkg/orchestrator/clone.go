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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/kadirpekel/agentcore/pkg/errs"
	"github.com/kadirpekel/agentcore/pkg/graph"
)

// cloneForPolicy deep-copies value according to policy. CloneNever
// returns value unchanged (the caller accepts aliasing); CloneAlways
// and CloneOnWrite both copy eagerly, since this package has no
// mutation-tracking to make CloneOnWrite cheaper. The distinction is
// preserved in the type for callers that do track writes.
//
// The copy walks the value reflectively with a reference map keyed by
// pointer identity, so shared substructure stays shared and cyclic
// values terminate instead of recursing forever. Values that could not
// survive a serializable representation (channels, funcs, unsafe
// pointers) are rejected.
func cloneForPolicy(value any, policy graph.CloningPolicy) (any, error) {
	if value == nil || policy == graph.CloneNever {
		return value, nil
	}
	refs := make(map[uintptr]reflect.Value)
	out, err := cloneValue(reflect.ValueOf(value), refs)
	if err != nil {
		return nil, err
	}
	if !out.IsValid() {
		return nil, nil
	}
	return out.Interface(), nil
}

// cloneValue is the recursive worker behind cloneForPolicy. refs maps
// an already-visited pointer/map/slice identity to its clone, closing
// cycles the same way the original closed them.
func cloneValue(v reflect.Value, refs map[uintptr]reflect.Value) (reflect.Value, error) {
	switch v.Kind() {
	case reflect.Invalid:
		return v, nil

	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return reflect.Value{}, errs.New(errs.ClassClient,
			fmt.Sprintf("orchestrator: value of kind %s is not cloneable", v.Kind()), nil)

	case reflect.Pointer:
		if v.IsNil() {
			return v, nil
		}
		if cached, ok := refs[v.Pointer()]; ok {
			return cached, nil
		}
		out := reflect.New(v.Type().Elem())
		// Record the clone before descending so a cycle through this
		// pointer resolves to it instead of recursing.
		refs[v.Pointer()] = out
		elem, err := cloneValue(v.Elem(), refs)
		if err != nil {
			return reflect.Value{}, err
		}
		if elem.IsValid() {
			out.Elem().Set(elem)
		}
		return out, nil

	case reflect.Interface:
		if v.IsNil() {
			return v, nil
		}
		elem, err := cloneValue(v.Elem(), refs)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(v.Type()).Elem()
		if elem.IsValid() {
			out.Set(elem)
		}
		return out, nil

	case reflect.Map:
		if v.IsNil() {
			return v, nil
		}
		if cached, ok := refs[v.Pointer()]; ok {
			return cached, nil
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		refs[v.Pointer()] = out
		iter := v.MapRange()
		for iter.Next() {
			key, err := cloneValue(iter.Key(), refs)
			if err != nil {
				return reflect.Value{}, err
			}
			val, err := cloneValue(iter.Value(), refs)
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(key, val)
		}
		return out, nil

	case reflect.Slice:
		if v.IsNil() {
			return v, nil
		}
		if cached, ok := refs[v.Pointer()]; ok && cached.Len() == v.Len() {
			return cached, nil
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		refs[v.Pointer()] = out
		for i := 0; i < v.Len(); i++ {
			elem, err := cloneValue(v.Index(i), refs)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(elem)
		}
		return out, nil

	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			elem, err := cloneValue(v.Index(i), refs)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(elem)
		}
		return out, nil

	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.NumField(); i++ {
			if !v.Type().Field(i).IsExported() {
				// Unexported state does not cross an edge.
				continue
			}
			f, err := cloneValue(v.Field(i), refs)
			if err != nil {
				return reflect.Value{}, err
			}
			if f.IsValid() {
				out.Field(i).Set(f)
			}
		}
		return out, nil

	default:
		// Primitives are value-copied by returning as-is.
		return v, nil
	}
}

// fingerprint computes a stable cache key for node given input, per
// node.Cache.Strategy: Inputs hashes only the input value; the wider
// strategies additionally mix in the handler name ("code") and the
// node's declared config, so a handler swap or config change
// invalidates previously cached entries.
func fingerprint(node graph.Node, input any) string {
	h := sha256.New()
	enc, _ := json.Marshal(input)
	h.Write(enc)

	strategy := graph.CacheKeyInputs
	if node.Cache != nil && node.Cache.Strategy != "" {
		strategy = node.Cache.Strategy
	}

	if strategy == graph.CacheKeyInputsAndCode || strategy == graph.CacheKeyInputsCodeAndConfig {
		h.Write([]byte(node.HandlerName))
	}
	if strategy == graph.CacheKeyInputsCodeAndConfig {
		cfgEnc, _ := json.Marshal(node.Config)
		h.Write(cfgEnc)
	}
	return node.ID + ":" + hex.EncodeToString(h.Sum(nil))
}
