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

package source

import (
	"log/slog"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/tombee/pollwatch/internal/polling"
	"github.com/tombee/pollwatch/pkg/httpclient"
)

// Deps are the shared resources a source may use.
type Deps struct {
	// HTTPClient is the shared retrying client.
	HTTPClient *http.Client

	// HTTPConfig builds per-source clients, e.g. around an OAuth2
	// transport.
	HTTPConfig httpclient.Config

	Logger *slog.Logger
}

// Factory builds a source from the `source:` block of a trigger
// registration. decode unmarshals that block into the source's settings.
type Factory func(decode func(v any) error, deps Deps) (polling.Source, error)

// DecodeNode returns a decode func for a YAML node.
func DecodeNode(node *yaml.Node) func(v any) error {
	return func(v any) error {
		if node == nil || node.Kind == 0 {
			return nil
		}
		return node.Decode(v)
	}
}

// DecodeMap returns a decode func for an already-parsed map.
func DecodeMap(m map[string]any) func(v any) error {
	return func(v any) error {
		data, err := yaml.Marshal(m)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(data, v)
	}
}
