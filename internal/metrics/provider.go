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

// Package metrics wires OpenTelemetry tracing and metrics for pollwatch.
// Metrics are exported in Prometheus format; spans can be printed to a
// writer for local debugging.
package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Trace exporters.
const (
	TraceNone     = "none"
	TraceStdout   = "stdout"
	TraceOTLP     = "otlp"
	TraceOTLPHTTP = "otlp-http"
)

// Config configures a Provider.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// TraceExporter is "" / "none", "stdout", "otlp" or "otlp-http".
	TraceExporter string

	// TraceOutput receives stdout spans. Default: os.Stderr
	TraceOutput io.Writer

	// OTLP is used by the otlp exporters.
	OTLP OTLPConfig

	// SetGlobal installs the tracer provider as the otel global.
	SetGlobal bool
}

// Provider owns the tracer and meter providers and the Prometheus
// registry they export to.
type Provider struct {
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	registry *promclient.Registry
}

// NewProvider builds a Provider. Each Provider has its own Prometheus
// registry, so several can coexist in tests.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "pollwatch"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch cfg.TraceExporter {
	case "", TraceNone:
	case TraceStdout:
		out := cfg.TraceOutput
		if out == nil {
			out = os.Stderr
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithSyncer(exp))
	case TraceOTLP, TraceOTLPHTTP:
		exp, err := newOTLPExporter(context.Background(), cfg.TraceExporter, cfg.OTLP)
		if err != nil {
			return nil, err
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.TraceExporter)
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	if cfg.SetGlobal {
		otel.SetTracerProvider(tp)
	}

	registry := promclient.NewRegistry()
	promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)

	return &Provider{tp: tp, mp: mp, registry: registry}, nil
}

// TracerProvider returns the tracer provider for engines.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tp }

// MeterProvider returns the meter provider.
func (p *Provider) MeterProvider() *sdkmetric.MeterProvider { return p.mp }

// Handler serves the Prometheus scrape endpoint.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	return p.mp.Shutdown(ctx)
}
