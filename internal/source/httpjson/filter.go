// Copyright 2025 Tom Barlow
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

package httpjson

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

// filter is a compiled boolean expression evaluated per item. The item
// payload is bound as `item` and the trigger parameters as `params`.
type filter struct {
	src     string
	program *vm.Program
}

func compileFilter(expression string) (*filter, error) {
	if expression == "" {
		return nil, nil
	}
	env := map[string]any{
		"item":   map[string]any{},
		"params": map[string]any{},
		"has":    hasFunc,
	}
	prog, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, &pwerrors.ValidationError{
			Field:      "source.filter",
			Message:    fmt.Sprintf("failed to compile expression: %s", err),
			Suggestion: "filters must return a boolean, e.g. item.status == \"open\"",
		}
	}
	return &filter{src: expression, program: prog}, nil
}

// match reports whether item passes. A nil filter passes everything.
func (f *filter) match(item map[string]any, params map[string]any) (bool, error) {
	if f == nil {
		return true, nil
	}
	out, err := expr.Run(f.program, map[string]any{
		"item":   item,
		"params": params,
		"has":    hasFunc,
	})
	if err != nil {
		return false, fmt.Errorf("filter %q: %w", f.src, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// hasFunc reports whether a collection contains v.
func hasFunc(collection any, v any) bool {
	rv := reflect.ValueOf(collection)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if reflect.DeepEqual(rv.Index(i).Interface(), v) {
				return true
			}
		}
	case reflect.Map:
		kv := reflect.ValueOf(v)
		if !kv.IsValid() || !kv.Type().AssignableTo(rv.Type().Key()) {
			return false
		}
		return rv.MapIndex(kv).IsValid()
	}
	return false
}
