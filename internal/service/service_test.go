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

package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pollwatch/internal/config"
	"github.com/tombee/pollwatch/internal/dispatch"
	pwlog "github.com/tombee/pollwatch/internal/log"
	"github.com/tombee/pollwatch/internal/polling"
	"github.com/tombee/pollwatch/internal/registry"
	"github.com/tombee/pollwatch/internal/source"
	"github.com/tombee/pollwatch/internal/watermark"
	"github.com/tombee/pollwatch/internal/watermark/memory"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

// fakeSource serves a mutable item list per "region" param.
type fakeSource struct {
	mu    sync.Mutex
	items map[string][]polling.Item
}

func (f *fakeSource) add(region string, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items == nil {
		f.items = make(map[string][]polling.Item)
	}
	for _, id := range ids {
		f.items[region] = append(f.items[region], polling.Item{ID: id, Data: map[string]any{"id": id}})
	}
}

func (f *fakeSource) Fetch(_ context.Context, _ polling.AuthContext, params polling.Params) ([]polling.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.items[params.String("region")]), nil
}

// recorder is a Dispatcher that keeps every batch.
type recorder struct {
	mu      sync.Mutex
	batches []dispatch.Batch
	err     error
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Dispatch(_ context.Context, b dispatch.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	return r.err
}

func (r *recorder) Close() error { return nil }

func (r *recorder) all() []dispatch.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.batches)
}

const registrations = `
name: orders
source:
  kind: fake
strategy: last_item
interval: 20ms
---
name: regional
source:
  kind: fake
strategy: last_item
instances:
  eu:
    region: eu
  us:
    region: us
`

type fixture struct {
	svc   *Service
	src   *fakeSource
	store *memory.Store
	out   *recorder
}

func fakeFactories(src *fakeSource) map[string]source.Factory {
	return map[string]source.Factory{
		"fake": func(func(v any) error, source.Deps) (polling.Source, error) { return src, nil },
	}
}

func newFixture(t *testing.T, docs string, patterns ...string) *fixture {
	t.Helper()
	src := &fakeSource{}
	factories := fakeFactories(src)

	reg := registry.New(factories)
	regs, err := registry.Parse([]byte(docs))
	require.NoError(t, err)
	for _, r := range regs {
		require.NoError(t, reg.Add(r))
	}

	f := &fixture{src: src, store: memory.New(), out: &recorder{}}
	f.svc, err = New(Options{
		Registry:   reg,
		Store:      f.store,
		Dispatcher: f.out,
		Scheduler: config.SchedulerConfig{
			DefaultInterval: time.Hour,
			MinInterval:     time.Millisecond,
			PollTimeout:     5 * time.Second,
		},
		Patterns:  patterns,
		Factories: factories,
		Logger:    pwlog.Discard(),
	})
	require.NoError(t, err)
	return f
}

func TestService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registrations)
	f.src.add("", "1", "2")

	require.NoError(t, f.svc.Enable(ctx, "orders"))
	assert.True(t, f.svc.Enabled("orders"))

	wm, err := f.svc.Show(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, "2", wm.Identity)

	items, err := f.svc.Run(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, f.out.all(), "empty cycles are not dispatched")

	f.src.add("", "3")
	items, err = f.svc.Run(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "3", items[0].ID)

	batches := f.out.all()
	require.Len(t, batches, 1)
	assert.Equal(t, "orders", batches[0].Trigger)
	assert.Equal(t, "fake", batches[0].Source)
	assert.NotEmpty(t, batches[0].CycleID)
	assert.Equal(t, items, batches[0].Items)

	require.NoError(t, f.svc.Disable(ctx, "orders"))
	assert.False(t, f.svc.Enabled("orders"))
	wm, err = f.svc.Show(ctx, "orders")
	require.NoError(t, err)
	assert.Nil(t, wm)

	require.NoError(t, f.svc.Disable(ctx, "orders"), "disable is idempotent")
}

func TestService_EnableTwiceReseeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registrations)
	f.src.add("", "1")

	require.NoError(t, f.svc.Enable(ctx, "orders"))
	f.src.add("", "2")
	require.NoError(t, f.svc.Enable(ctx, "orders"))

	wm, err := f.svc.Show(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "2", wm.Identity)
}

func TestService_Instances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registrations)
	f.src.add("eu", "10")
	f.src.add("us", "20")

	require.NoError(t, f.svc.Enable(ctx, "regional/eu"))

	got, err := f.store.Get(ctx, watermark.Key("regional", "eu"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "10", got.Identity)

	statuses, err := f.svc.List(ctx)
	require.NoError(t, err)
	states := map[string]string{}
	for _, st := range statuses {
		states[st.ID] = st.State
	}
	assert.Equal(t, map[string]string{
		"orders":      StateDisabled,
		"regional/eu": StateEnabled,
		"regional/us": StateDisabled,
	}, states)

	f.src.add("eu", "11")
	items, err := f.svc.Run(ctx, "regional/eu")
	require.NoError(t, err)
	require.Len(t, items, 1)
	batches := f.out.all()
	require.Len(t, batches, 1)
	assert.Equal(t, "eu", batches[0].Instance)

	_, err = f.svc.Run(ctx, "regional")
	var nf *pwerrors.NotFoundError
	assert.ErrorAs(t, err, &nf, "a registration with instances needs an instance name")
}

func TestService_UnknownTrigger(t *testing.T) {
	f := newFixture(t, registrations)
	err := f.svc.Enable(context.Background(), "missing")
	var nf *pwerrors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "trigger", nf.Resource)
}

func TestService_ListReportsOrphans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registrations)
	f.src.add("", "1")
	require.NoError(t, f.svc.Enable(ctx, "orders"))
	require.NoError(t, f.store.Put(ctx, watermark.Key("retired"), watermark.NewLastItem("7")))
	require.NoError(t, f.store.Put(ctx, watermark.Key("regional", "apac"), watermark.NewLastItem("3")))

	statuses, err := f.svc.List(ctx)
	require.NoError(t, err)
	states := map[string]string{}
	for _, st := range statuses {
		states[st.ID] = st.State
	}
	assert.Equal(t, map[string]string{
		"orders":        StateEnabled,
		"regional/apac": StateOrphaned,
		"regional/eu":   StateDisabled,
		"regional/us":   StateDisabled,
		"retired":       StateOrphaned,
	}, states)

	enabled, err := f.svc.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, enabled, "orphans are never scheduled")

	require.NoError(t, f.svc.Disable(ctx, "retired"))
	wm, err := f.store.Get(ctx, watermark.Key("retired"))
	require.NoError(t, err)
	assert.Nil(t, wm)

	var nf *pwerrors.NotFoundError
	assert.ErrorAs(t, f.svc.Disable(ctx, "retired"), &nf, "nothing left to remove")
}

func TestService_TestNeverWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registrations)
	f.src.add("", "1", "2", "3")

	items, err := f.svc.Test(ctx, "orders", 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, puts, deletes := f.store.Calls()
	assert.Zero(t, puts)
	assert.Zero(t, deletes)
	assert.Zero(t, f.store.Len())
	assert.Empty(t, f.out.all())
}

func TestService_DispatchFailureKeepsCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registrations)
	f.out.err = errors.New("downstream unavailable")
	f.src.add("", "1")
	require.NoError(t, f.svc.Enable(ctx, "orders"))

	f.src.add("", "2")
	items, err := f.svc.Run(ctx, "orders")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	wm, err := f.svc.Show(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "2", wm.Identity, "the watermark advances even when delivery fails")
}

func TestService_RunKeepsCycleID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registrations)
	require.NoError(t, f.svc.Enable(ctx, "orders"))
	f.src.add("", "1")

	_, err := f.svc.Run(pwlog.ContextWithCycleID(ctx, "host-1"), "orders")
	require.NoError(t, err)
	batches := f.out.all()
	require.Len(t, batches, 1)
	assert.Equal(t, "host-1", batches[0].CycleID)
}

func TestService_StoreFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registrations)
	f.store.FailOn("get", errors.New("disk gone"))

	_, err := f.svc.Run(ctx, "orders")
	var serr *pwerrors.StoreError
	require.ErrorAs(t, err, &serr)
	assert.Empty(t, f.out.all())

	_, err = f.svc.List(ctx)
	require.ErrorAs(t, err, &serr)
}

func TestService_ServeRunsEnabledTriggers(t *testing.T) {
	f := newFixture(t, registrations)
	f.src.add("", "1")
	require.NoError(t, f.svc.Enable(context.Background(), "orders"))
	f.src.add("", "2")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Serve(ctx) }()

	require.Eventually(t, func() bool { return len(f.out.all()) > 0 }, 5*time.Second, 10*time.Millisecond)
	batch := f.out.all()[0]
	require.Len(t, batch.Items, 1)
	assert.Equal(t, "2", batch.Items[0].ID)

	// Disabled instances stop firing.
	require.NoError(t, f.svc.Disable(context.Background(), "orders"))
	f.src.add("", "3")
	time.Sleep(100 * time.Millisecond)
	for _, b := range f.out.all() {
		for _, it := range b.Items {
			assert.NotEqual(t, "3", it.ID)
		}
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestService_Reload(t *testing.T) {
	dir := t.TempDir()
	pattern := filepath.Join(dir, "*.yaml")
	writeFile(t, filepath.Join(dir, "orders.yaml"), `
name: orders
source:
  kind: fake
strategy: last_item
`)

	src := &fakeSource{}
	factories := fakeFactories(src)
	reg, err := registry.Load(factories, pattern)
	require.NoError(t, err)
	svc, err := New(Options{
		Registry:  reg,
		Store:     memory.New(),
		Patterns:  []string{pattern},
		Factories: factories,
		Logger:    pwlog.Discard(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	writeFile(t, filepath.Join(dir, "invoices.yaml"), `
name: invoices
source:
  kind: fake
strategy: last_item
`)
	require.NoError(t, svc.Reload(ctx))
	statuses, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "invoices", statuses[0].ID)

	writeFile(t, filepath.Join(dir, "broken.yaml"), "name: [")
	require.Error(t, svc.Reload(ctx))
	statuses, err = svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, statuses, 2, "a failed reload keeps the previous registrations")
}

func TestService_ReloadWithoutPatterns(t *testing.T) {
	f := newFixture(t, registrations)
	var cerr *pwerrors.ConfigError
	assert.ErrorAs(t, f.svc.Reload(context.Background()), &cerr)
}

func TestWatchDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755))

	got := watchDirs([]string{filepath.Join(dir, "**", "*.yaml"), filepath.Join(dir, "*.yml")})
	assert.Equal(t, []string{dir, filepath.Join(dir, "a"), filepath.Join(dir, "a", "b")}, got)

	assert.True(t, matchesAny([]string{filepath.Join(dir, "**", "*.yaml")}, filepath.Join(dir, "a", "x.yaml")))
	assert.False(t, matchesAny([]string{filepath.Join(dir, "*.yaml")}, filepath.Join(dir, "x.txt")))
}

func TestLifecycle_Idempotent(t *testing.T) {
	ctx := context.Background()
	l := newLifecycle("orders", StateDisabled, pwlog.Discard())

	require.NoError(t, l.fire(ctx, eventDisable))
	assert.Equal(t, StateDisabled, l.current())
	require.NoError(t, l.fire(ctx, eventEnable))
	require.NoError(t, l.fire(ctx, eventEnable))
	assert.Equal(t, StateEnabled, l.current())
	require.NoError(t, l.fire(ctx, eventDisable))
	assert.Equal(t, StateDisabled, l.current())
}
