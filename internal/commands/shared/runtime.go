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

package shared

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tombee/pollwatch/internal/config"
	pwlog "github.com/tombee/pollwatch/internal/log"
	"github.com/tombee/pollwatch/internal/service"
)

// LoadConfig loads the configuration named by --config, or the default
// file when the flag is unset.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, NewConfigError("failed to load configuration", err)
	}
	return cfg, nil
}

// NewLogger builds the command logger. --verbose lowers the level to
// debug; --quiet raises it to error.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	lc := &pwlog.Config{
		Level:     cfg.Log.Level,
		Format:    pwlog.Format(cfg.Log.Format),
		Output:    w,
		AddSource: cfg.Log.AddSource,
	}
	switch {
	case GetVerbose():
		lc.Level = "debug"
	case GetQuiet():
		lc.Level = "error"
	}
	return pwlog.New(lc)
}

// OpenService loads the configuration and builds the trigger service for
// cmd. The caller closes the returned runtime.
func OpenService(cmd *cobra.Command, opts service.BuildOptions) (*service.Runtime, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := NewLogger(cfg, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	opts.Config = cfg
	opts.Logger = logger
	opts.Version = version
	if opts.Stdout == nil {
		opts.Stdout = cmd.OutOrStdout()
	}
	if opts.TraceOutput == nil {
		opts.TraceOutput = cmd.ErrOrStderr()
	}

	rt, err := service.Build(cmd.Context(), opts)
	if err != nil {
		return nil, Fail("failed to start", err)
	}
	return rt, nil
}
