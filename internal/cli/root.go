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
	"github.com/spf13/cobra"

	secretscmd "github.com/tombee/pollwatch/internal/commands/secrets"
	"github.com/tombee/pollwatch/internal/commands/serve"
	"github.com/tombee/pollwatch/internal/commands/shared"
	"github.com/tombee/pollwatch/internal/commands/triggers"
	versioncmd "github.com/tombee/pollwatch/internal/commands/version"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pollwatch",
		Short: "pollwatch - turn polled APIs into event streams",
		Long: `pollwatch polls APIs, mailboxes and calendar feeds on a schedule and emits
only the items that are new since the previous poll. Progress is kept as a
per-trigger watermark, so restarts never re-emit old items.

Triggers are described in YAML files matched by the 'triggers' globs in the
config file. Run 'pollwatch test <trigger>' to try one without side effects.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	verbose, quiet, json, config := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Only log errors")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/pollwatch/config.yaml)")

	cmd.AddCommand(
		triggers.NewEnableCommand(),
		triggers.NewDisableCommand(),
		triggers.NewRunCommand(),
		triggers.NewTestCommand(),
		triggers.NewShowCommand(),
		triggers.NewListCommand(),
		serve.NewCommand(),
		secretscmd.NewCommand(),
		versioncmd.NewVersionCommand(),
	)
	cmd.SetHelpCommand(NewHelpCommand(cmd))

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
