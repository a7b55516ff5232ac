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
	"io"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"github.com/tombee/pollwatch/internal/config"
	"github.com/tombee/pollwatch/internal/dispatch"
	"github.com/tombee/pollwatch/internal/metrics"
	"github.com/tombee/pollwatch/internal/redisconn"
	"github.com/tombee/pollwatch/internal/registry"
	"github.com/tombee/pollwatch/internal/scheduler"
	"github.com/tombee/pollwatch/internal/secrets"
	"github.com/tombee/pollwatch/internal/source"
	"github.com/tombee/pollwatch/internal/watermark/stores"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
	"github.com/tombee/pollwatch/pkg/httpclient"
)

// BuildOptions selects what Build wires beyond the configuration.
type BuildOptions struct {
	Config *config.Config

	// Patterns override Config.Triggers.
	Patterns []string

	// Dispatch enables the configured dispatcher. Without it Run only
	// returns the items.
	Dispatch bool

	// TraceExporter overrides Config.Tracing.Exporter.
	TraceExporter string

	// MetricsAddress, when set, enables the metrics server on it.
	MetricsAddress string

	// Stdout receives stdout dispatch records.
	Stdout io.Writer

	// TraceOutput receives stdout spans. Default: os.Stderr
	TraceOutput io.Writer

	Version string
	Logger  *slog.Logger
}

// Runtime is a Service plus the resources Build opened for it.
type Runtime struct {
	*Service
	Provider *metrics.Provider

	lockClient *redis.Client
}

// Build assembles a Service from configuration: registrations, watermark
// store, HTTP client, secrets, metrics, dispatcher and, when configured,
// the distributed cycle lock.
func Build(ctx context.Context, o BuildOptions) (rt *Runtime, err error) {
	cfg := o.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := o.Logger
	if o.MetricsAddress != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = o.MetricsAddress
	}

	patterns := o.Patterns
	if len(patterns) == 0 {
		patterns = cfg.Triggers
	}
	if len(patterns) == 0 {
		glob, err := config.DefaultTriggerGlob()
		if err != nil {
			return nil, &pwerrors.ConfigError{Key: "triggers", Reason: "no trigger files configured", Cause: err}
		}
		patterns = []string{glob}
	}

	factories := registry.DefaultFactories()
	reg, err := registry.Load(factories, patterns...)
	if err != nil {
		return nil, err
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = cfg.HTTP.Timeout
	httpCfg.RetryAttempts = cfg.HTTP.RetryAttempts
	if cfg.HTTP.UserAgent != "" {
		httpCfg.UserAgent = cfg.HTTP.UserAgent
	}
	httpCfg.Logger = logger
	client, err := httpclient.New(httpCfg)
	if err != nil {
		return nil, &pwerrors.ConfigError{Key: "http", Reason: "invalid HTTP settings", Cause: err}
	}

	exporter := cfg.Tracing.Exporter
	if o.TraceExporter != "" {
		exporter = o.TraceExporter
	}
	provider, err := metrics.NewProvider(metrics.Config{
		ServiceName:    "pollwatch",
		ServiceVersion: o.Version,
		TraceExporter:  exporter,
		TraceOutput:    o.TraceOutput,
		OTLP: metrics.OTLPConfig{
			Endpoint: cfg.Tracing.Endpoint,
			Insecure: cfg.Tracing.Insecure,
			Headers:  cfg.Tracing.Headers,
		},
		SetGlobal: true,
	})
	if err != nil {
		return nil, err
	}
	collector, err := metrics.NewCollector(provider.MeterProvider())
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}

	rt = &Runtime{Provider: provider}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	store, err := stores.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	opts := Options{
		Registry:       reg,
		Store:          store,
		Deps:           source.Deps{HTTPClient: client, HTTPConfig: httpCfg, Logger: logger},
		Secrets:        secrets.Default(),
		Collector:      collector,
		TracerProvider: provider.TracerProvider(),
		Scheduler:      cfg.Scheduler,
		Metrics:        cfg.Metrics,
		MetricsHandler: provider.Handler(),
		Patterns:       patterns,
		Factories:      factories,
		Logger:         logger,
	}

	if cfg.Scheduler.DistributedLocks {
		rdb, err := redisconn.Open(ctx, cfg.Scheduler.Redis)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		rt.lockClient = rdb
		opts.Locker = scheduler.NewRedisLocker(rdb, scheduler.DefaultLockPrefix)
	}

	if o.Dispatch {
		d, err := dispatch.New(ctx, cfg.Dispatch, dispatch.Options{
			Stdout:     o.Stdout,
			HTTPConfig: httpCfg,
			Logger:     logger,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		opts.Dispatcher = d
	}

	svc, err := New(opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	rt.Service = svc
	return rt, nil
}

// Close releases everything Build opened.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.Service != nil {
		errs = append(errs, r.Service.Close())
	}
	if r.lockClient != nil {
		errs = append(errs, r.lockClient.Close())
	}
	if r.Provider != nil {
		errs = append(errs, r.Provider.Shutdown(ctx))
	}
	return pwerrors.Join(errs...)
}
