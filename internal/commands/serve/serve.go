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

// Package serve implements the long-running pollwatch host.
package serve

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/pollwatch/internal/commands/shared"
	"github.com/tombee/pollwatch/internal/service"
)

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var (
		trace       string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run enabled triggers on their schedules",
		Long: `Run every enabled trigger instance on its interval or cron schedule and
deliver new items to the configured dispatcher.

Trigger files are watched and reloaded when they change. Metrics are served
in Prometheus format when enabled in the config or with --metrics-addr.
SIGINT and SIGTERM stop scheduling and wait for running cycles.`,
		Example: `  pollwatch serve
  pollwatch serve --metrics-addr :9464 --trace stdout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			rt, err := shared.OpenService(cmd, service.BuildOptions{
				Dispatch:       true,
				TraceExporter:  trace,
				MetricsAddress: metricsAddr,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
					slog.Warn("shutdown error", slog.Any("error", err))
				}
			}()

			if err := rt.Serve(ctx); err != nil {
				return shared.Fail("serve failed", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&trace, "trace", "", "Span exporter: none, stdout, otlp or otlp-http (overrides config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}
