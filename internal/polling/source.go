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

package polling

import (
	"context"
	"net/http"
	"time"
)

// Item is one record returned by a source. The engine reads only the
// fields its strategy needs; Data is passed through untouched.
type Item struct {
	// ID is the item's identity. Required by both strategies.
	ID string `json:"id"`

	// Timestamp is the item's creation or modification time. Required by
	// the time-based strategy.
	Timestamp time.Time `json:"timestamp,omitzero"`

	// Data is the opaque payload.
	Data map[string]any `json:"data,omitempty"`
}

// AuthContext carries credentials resolved by the host. The engine passes
// it to the source without looking at it.
type AuthContext struct {
	Token    string
	Username string
	Password string

	// HTTPClient, when set, is already authenticated (e.g. OAuth2) and
	// should be preferred over building one from Token.
	HTTPClient *http.Client

	Values map[string]string
}

// Params are the user-supplied trigger parameters.
type Params map[string]any

// String returns the string parameter name, or "".
func (p Params) String(name string) string {
	s, _ := p[name].(string)
	return s
}

// Strings returns a string-list parameter. A single string is returned as
// a one-element list.
func (p Params) Strings(name string) []string {
	switch v := p[name].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Source fetches the current snapshot of items. Implementations must fail
// on transport or auth problems rather than return a partial snapshot, and
// handle their own pagination within one call.
type Source interface {
	Fetch(ctx context.Context, auth AuthContext, params Params) ([]Item, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, auth AuthContext, params Params) ([]Item, error)

// Fetch implements Source.
func (f SourceFunc) Fetch(ctx context.Context, auth AuthContext, params Params) ([]Item, error) {
	return f(ctx, auth, params)
}

// Named is implemented by sources that report an integration name for
// errors and metrics.
type Named interface {
	Name() string
}
