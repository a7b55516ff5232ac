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

// Package triggers holds the commands that drive one trigger instance
// through its lifecycle: enable, disable, run, test, show and list.
package triggers

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/pollwatch/internal/commands/shared"
	"github.com/tombee/pollwatch/internal/service"
)

// NewEnableCommand creates the enable command.
func NewEnableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <trigger>...",
		Short: "Enable triggers and seed their watermarks",
		Long: `Enable one or more trigger instances.

Enabling fetches the source once and records a watermark without emitting
anything: items that exist now are never reported. Enabling an instance that
is already enabled reseeds it.

Instances of a registration with an instances block are addressed as
trigger/instance.`,
		Example: `  pollwatch enable new-orders
  pollwatch enable regional-orders/eu regional-orders/us`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd, "enable", args, (*service.Service).Enable)
		},
	}
}

// NewDisableCommand creates the disable command.
func NewDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <trigger>...",
		Short: "Disable triggers and delete their watermarks",
		Long: `Disable one or more trigger instances.

Disabling deletes the stored watermark, so a later enable starts from the
current state of the source. Disabling an instance that is not enabled
succeeds. Orphaned watermarks, left by triggers whose definitions were
removed, are deleted by disabling their id.`,
		Example: `  pollwatch disable new-orders`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd, "disable", args, (*service.Service).Disable)
		},
	}
}

type lifecycleResult struct {
	shared.JSONResponse
	Triggers []string `json:"triggers"`
}

func runLifecycle(cmd *cobra.Command, verb string, ids []string, op func(*service.Service, context.Context, string) error) error {
	rt, err := shared.OpenService(cmd, service.BuildOptions{})
	if err != nil {
		return err
	}
	defer rt.Close(cmd.Context())

	out := cmd.OutOrStdout()
	for _, id := range ids {
		if err := op(rt.Service, cmd.Context(), id); err != nil {
			return shared.Fail(fmt.Sprintf("failed to %s %s", verb, id), err)
		}
		if !shared.GetJSON() && !shared.GetQuiet() {
			fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("%sd %s", verb, id)))
		}
	}

	if shared.GetJSON() {
		return shared.EmitJSON(out, lifecycleResult{JSONResponse: shared.NewResponse(verb), Triggers: ids})
	}
	return nil
}
