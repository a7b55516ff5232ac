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

package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pwlog "github.com/tombee/pollwatch/internal/log"
	"github.com/tombee/pollwatch/internal/polling"
	"github.com/tombee/pollwatch/internal/source"
	"github.com/tombee/pollwatch/internal/watermark"
	"github.com/tombee/pollwatch/internal/watermark/memory"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

const incidents = `
name: oncall-incidents
source:
  kind: pagerduty
strategy: time_based
interval: 2m
auth:
  type: token
  token: secret:pagerduty/token
params:
  statuses: [triggered]
---
name: orders
source:
  kind: httpjson
  url: https://shop.example.com/orders
strategy: last_item
schedule: "*/5 * * * *"
instances:
  eu:
    region: eu
  us:
    region: us
params:
  status: open
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Globs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "team/ops/triggers.yaml", incidents)
	writeFile(t, dir, "calendar.yaml", `
name: team-calendar
source:
  kind: ical
  url: https://calendar.example.com/team.ics
strategy: time_based
startup: backfill
backfill: 24h
`)
	writeFile(t, dir, "notes.txt", "not a trigger")

	reg, err := Load(nil, filepath.Join(dir, "**", "*.yaml"))
	require.NoError(t, err)
	require.Equal(t, 3, reg.Len())

	names := []string{}
	for _, r := range reg.List() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"oncall-incidents", "orders", "team-calendar"}, names)

	pd, err := reg.Get("oncall-incidents")
	require.NoError(t, err)
	assert.Equal(t, "pagerduty", pd.Kind())
	assert.Equal(t, 2*time.Minute, pd.Interval)
	assert.Equal(t, "secret:pagerduty/token", pd.Auth.Token)
	assert.Equal(t, []string{"triggered"}, pd.Params.Strings("statuses"))
	assert.Contains(t, pd.File, "triggers.yaml")

	cal, err := reg.Get("team-calendar")
	require.NoError(t, err)
	strategy, err := cal.ParseStrategy()
	require.NoError(t, err)
	assert.Equal(t, polling.TimeBased{Startup: polling.StartupBackfill, Backfill: 24 * time.Hour}, strategy)

	_, err = reg.Get("missing")
	var nf *pwerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestLoad_NoMatches(t *testing.T) {
	reg, err := Load(nil, filepath.Join(t.TempDir(), "*.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestLoad_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	doc := "name: dup\nsource:\n  kind: ical\n  url: http://x\nstrategy: time_based\n"
	writeFile(t, dir, "a.yaml", doc)
	writeFile(t, dir, "b.yaml", doc)

	_, err := Load(nil, filepath.Join(dir, "*.yaml"))
	var verr *pwerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "a.yaml")
}

func TestLoad_UnknownField(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "name: a\nsource:\n  kind: ical\nstrategy: time_based\nintervall: 5m\n")

	_, err := Load(nil, filepath.Join(dir, "*.yaml"))
	var cerr *pwerrors.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "triggers", cerr.Key)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"bad name", "name: Bad Name\nsource: {kind: ical}\nstrategy: time_based\n", "name"},
		{"no source", "name: a\nstrategy: time_based\n", "source"},
		{"unknown kind", "name: a\nsource: {kind: jira}\nstrategy: time_based\n", "source.kind"},
		{"unknown strategy", "name: a\nsource: {kind: ical}\nstrategy: newest\n", "strategy"},
		{"backfill without window", "name: a\nsource: {kind: ical}\nstrategy: time_based\nstartup: backfill\n", "backfill"},
		{"interval and schedule", "name: a\nsource: {kind: ical}\nstrategy: last_item\ninterval: 1m\nschedule: '* * * * *'\n", "schedule"},
		{"bad cron", "name: a\nsource: {kind: ical}\nstrategy: last_item\nschedule: every minute\n", "schedule"},
		{"bad instance", "name: a\nsource: {kind: ical}\nstrategy: last_item\ninstances: {'A B': {}}\n", "instances"},
		{"bad auth", "name: a\nsource: {kind: ical}\nstrategy: last_item\nauth: {type: token}\n", "auth.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regs, err := Parse([]byte(tt.doc))
			require.NoError(t, err)
			require.Len(t, regs, 1)

			err = New(nil).Add(regs[0])
			var verr *pwerrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestInstanceList(t *testing.T) {
	regs, err := Parse([]byte(incidents))
	require.NoError(t, err)
	orders := regs[1]

	list := orders.InstanceList()
	require.Len(t, list, 2)
	assert.Equal(t, "orders/eu", list[0].ID())
	assert.Equal(t, polling.Params{"status": "open", "region": "eu"}, list[0].Params)
	assert.Equal(t, "us", list[1].Params["region"])

	single := regs[0].InstanceList()
	require.Len(t, single, 1)
	assert.Equal(t, "oncall-incidents", single[0].ID())

	_, err = orders.Instance("apac")
	var nf *pwerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestBuilder_BuildsWorkingEngine(t *testing.T) {
	var maxID atomic.Int32
	maxID.Store(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch maxID.Load() {
		case 2:
			_, _ = w.Write([]byte(`[{"id": 1}, {"id": 2}]`))
		default:
			_, _ = w.Write([]byte(`[{"id": 1}, {"id": 2}, {"id": 3}]`))
		}
	}))
	defer srv.Close()

	regs, err := Parse([]byte("name: orders\nsource:\n  kind: httpjson\n  url: " + srv.URL + "\nstrategy: last_item\nrate_limit: {requests_per_minute: 600, burst: 5}\n"))
	require.NoError(t, err)
	reg := New(nil)
	require.NoError(t, reg.Add(regs[0]))

	b := &Builder{
		Registry: reg,
		Deps:     source.Deps{HTTPClient: srv.Client()},
		Limiter:  source.NewRateLimiter(),
		Logger:   pwlog.Discard(),
	}
	engine, _, err := b.Build("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", engine.Name())

	ctx := context.Background()
	state := watermark.Scope(memory.New(), watermark.Key("orders"))
	require.NoError(t, engine.OnEnable(ctx, polling.AuthContext{}, nil, state))

	maxID.Store(3)
	items, err := engine.Run(ctx, polling.AuthContext{}, nil, state)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "3", items[0].ID)

	_, _, err = b.Build("nope")
	var nf *pwerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}
