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

package metrics

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pwlog "github.com/tombee/pollwatch/internal/log"
	"github.com/tombee/pollwatch/internal/polling"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCollector_Exports(t *testing.T) {
	p, err := NewProvider(Config{ServiceVersion: "test"})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	c, err := NewCollector(p.MeterProvider())
	require.NoError(t, err)

	ctx := context.Background()
	c.ObserveCycle(ctx, polling.CycleReport{Trigger: "orders", Source: "httpjson", Op: polling.OpRun, NewItems: 3, Duration: 40 * time.Millisecond})
	c.ObserveCycle(ctx, polling.CycleReport{
		Trigger: "orders", Op: polling.OpRun, Duration: time.Millisecond,
		Err: &pwerrors.StoreError{Op: pwerrors.StoreOpPut, Key: "trigger:orders", Cause: io.ErrUnexpectedEOF},
	})
	c.RecordSkip(ctx, "orders", "in_flight")
	c.RecordDispatchFailure(ctx, "orders", "webhook", 2)
	c.SetActiveTriggers(4)

	body := scrape(t, p.Handler())
	for _, want := range []string{
		"pollwatch_cycles",
		`trigger="orders"`,
		`status="error"`,
		"pollwatch_new_items",
		"pollwatch_store_failures",
		`op="put"`,
		`error_type="store"`,
		"pollwatch_ticks_skipped",
		"pollwatch_dispatch_failures",
		"pollwatch_cycle_duration",
		"pollwatch_active_triggers",
	} {
		assert.Contains(t, body, want)
	}
}

func TestProvider_StdoutTraces(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewProvider(Config{TraceExporter: TraceStdout, TraceOutput: &buf})
	require.NoError(t, err)

	engine, err := polling.New(polling.Config{
		Name:           "orders",
		Source:         polling.SourceFunc(func(context.Context, polling.AuthContext, polling.Params) ([]polling.Item, error) { return nil, nil }),
		Strategy:       polling.LastItem{},
		Logger:         pwlog.Discard(),
		TracerProvider: p.TracerProvider(),
	})
	require.NoError(t, err)
	_, err = engine.Test(context.Background(), polling.AuthContext{}, nil)
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "orders")
}

func TestProvider_UnknownExporter(t *testing.T) {
	_, err := NewProvider(Config{TraceExporter: "jaeger"})
	assert.Error(t, err)
}

func TestProvider_OTLPExporters(t *testing.T) {
	for _, kind := range []string{TraceOTLP, TraceOTLPHTTP} {
		t.Run(kind, func(t *testing.T) {
			p, err := NewProvider(Config{
				TraceExporter: kind,
				OTLP:          OTLPConfig{Endpoint: "127.0.0.1:4317", Insecure: true},
			})
			require.NoError(t, err, "exporters connect lazily")

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = p.Shutdown(ctx)
		})
	}

	_, err := NewProvider(Config{TraceExporter: TraceOTLP})
	assert.Error(t, err, "endpoint is required")
}

func TestServer(t *testing.T) {
	p, err := NewProvider(Config{})
	require.NoError(t, err)
	s := NewServer("127.0.0.1:0", "/metrics", p.Handler(), pwlog.Discard())
	addr, err := s.Start()
	require.NoError(t, err)
	defer func() { _ = s.Shutdown(context.Background()) }()

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", strings.TrimSpace(string(body)))
}
