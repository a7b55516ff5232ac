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

// Package jq compiles and runs jq expressions over decoded JSON.
package jq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/itchyny/gojq"
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = time.Second

// Query is a compiled jq expression. It is safe for concurrent use.
type Query struct {
	src  string
	code *gojq.Code
}

// Compile parses and compiles expression.
func Compile(expression string) (*Query, error) {
	parsed, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression %q: %w", expression, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed for %q: %w", expression, err)
	}
	return &Query{src: expression, code: code}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(expression string) *Query {
	q, err := Compile(expression)
	if err != nil {
		panic(err)
	}
	return q
}

// String returns the source expression.
func (q *Query) String() string { return q.src }

// All runs the query and returns every emitted value.
func (q *Query) All(ctx context.Context, input any) ([]any, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	iter := q.code.RunWithContext(ctx, input)
	var out []any
	for {
		v, ok := iter.Next()
		if !ok {
			return out, nil
		}
		if err, isErr := v.(error); isErr {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("jq %q: execution timeout after %v", q.src, DefaultTimeout)
			}
			return nil, fmt.Errorf("jq %q: %w", q.src, err)
		}
		out = append(out, v)
	}
}

// First runs the query and returns its first value, or nil when it emits
// nothing.
func (q *Query) First(ctx context.Context, input any) (any, error) {
	vals, err := q.All(ctx, input)
	if err != nil || len(vals) == 0 {
		return nil, err
	}
	return vals[0], nil
}

// Decode reads one JSON document into values jq can run over. Integers
// stay exact instead of becoming float64.
func Decode(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalize(v), nil
}

// DecodeBytes is Decode for a byte slice.
func DecodeBytes(data []byte) (any, error) {
	return Decode(bytes.NewReader(data))
}

func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
	}
	return v
}
