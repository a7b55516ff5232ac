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

package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pollwatch/internal/commands/shared"
)

// issues is a fake JSON API whose item list can grow between commands.
type issues struct {
	mu  sync.Mutex
	ids []int
}

func (s *issues) add(ids ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, ids...)
}

func (s *issues) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]map[string]any, 0, len(s.ids))
	for _, id := range s.ids {
		items = append(items, map[string]any{"id": id, "title": fmt.Sprintf("issue %d", id)})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(items)
}

// workspace writes a config using a sqlite store in a temp dir and one
// httpjson trigger pointed at api.
func workspace(t *testing.T, api string) string {
	t.Helper()
	dir := t.TempDir()
	triggers := filepath.Join(dir, "triggers")
	require.NoError(t, os.MkdirAll(triggers, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(triggers, "issues.yaml"), []byte(`
name: issues
source:
  kind: httpjson
  url: `+api+`
  items: .[]
  id: .id
strategy: last_item
interval: 1m
`), 0o644))

	cfg := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
log:
  level: error
store:
  backend: sqlite
  path: `+filepath.Join(dir, "state.db")+`
triggers:
  - `+filepath.Join(triggers, "*.yaml")+`
`), 0o644))
	return cfg
}

func execute(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	shared.ResetFlagsForTest()
	t.Cleanup(shared.ResetFlagsForTest)

	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", cfg, "--json"}, args...))
	err := root.Execute()
	return out.String(), err
}

func decode(t *testing.T, out string) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &v), "output: %s", out)
	return v
}

func itemIDs(t *testing.T, out string) []string {
	t.Helper()
	var ids []string
	items, _ := decode(t, out)["items"].([]any)
	for _, it := range items {
		ids = append(ids, it.(map[string]any)["id"].(string))
	}
	return ids
}

func TestCLI_TriggerLifecycle(t *testing.T) {
	api := &issues{}
	api.add(1, 2)
	srv := httptest.NewServer(api)
	defer srv.Close()
	cfg := workspace(t, srv.URL)

	out, err := execute(t, cfg, "enable", "issues")
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, out)["success"])

	out, err = execute(t, cfg, "show", "issues")
	require.NoError(t, err)
	wm := decode(t, out)["watermark"].(map[string]any)
	assert.Equal(t, "2", wm["identity"], "enable seeds at the newest existing item")

	// Nothing new yet.
	out, err = execute(t, cfg, "run", "issues")
	require.NoError(t, err)
	assert.Empty(t, itemIDs(t, out))

	api.add(3, 4)
	out, err = execute(t, cfg, "run", "issues")
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4"}, itemIDs(t, out))

	// A dry run sees every item and leaves the watermark alone.
	out, err = execute(t, cfg, "test", "issues")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4"}, itemIDs(t, out))

	out, err = execute(t, cfg, "test", "issues", "--limit", "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"4"}, itemIDs(t, out))

	out, err = execute(t, cfg, "show", "issues")
	require.NoError(t, err)
	assert.Equal(t, "4", decode(t, out)["watermark"].(map[string]any)["identity"])

	out, err = execute(t, cfg, "list")
	require.NoError(t, err)
	list := decode(t, out)["triggers"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "issues", list[0].(map[string]any)["id"])
	assert.Equal(t, "enabled", list[0].(map[string]any)["state"])

	_, err = execute(t, cfg, "disable", "issues")
	require.NoError(t, err)
	_, err = execute(t, cfg, "disable", "issues")
	require.NoError(t, err, "disable is idempotent")

	out, err = execute(t, cfg, "show", "issues")
	require.NoError(t, err)
	assert.Nil(t, decode(t, out)["watermark"])
}

func TestCLI_UnknownTrigger(t *testing.T) {
	srv := httptest.NewServer(&issues{})
	defer srv.Close()
	cfg := workspace(t, srv.URL)

	_, err := execute(t, cfg, "enable", "nope")
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCode(err))
}

func TestCLI_BadConfig(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("store: [not, a, map]\n"), 0o644))

	_, err := execute(t, cfg, "list")
	require.Error(t, err)
	assert.Equal(t, shared.ExitConfig, shared.ExitCode(err))
	assert.True(t, strings.Contains(err.Error(), "configuration"))
}
