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

package triggers

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tombee/pollwatch/internal/commands/shared"
	pwlog "github.com/tombee/pollwatch/internal/log"
	"github.com/tombee/pollwatch/internal/polling"
	"github.com/tombee/pollwatch/internal/service"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	var deliver bool

	cmd := &cobra.Command{
		Use:   "run <trigger>",
		Short: "Run one poll cycle and print the new items",
		Long: `Run one poll cycle for a trigger instance.

The source is fetched, items newer than the stored watermark are printed,
and the watermark advances. Running an instance that was never enabled seeds
it and reports nothing.

With --dispatch the items are also delivered to the configured dispatcher.`,
		Example: `  pollwatch run new-orders
  pollwatch run new-orders --dispatch --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.OpenService(cmd, service.BuildOptions{Dispatch: deliver})
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			cycleID := uuid.NewString()
			ctx := pwlog.ContextWithCycleID(cmd.Context(), cycleID)
			items, err := rt.Run(ctx, args[0])
			if err != nil {
				return shared.Fail("run failed", err)
			}
			return printItems(cmd.OutOrStdout(), "run", args[0], cycleID, items)
		},
	}

	cmd.Flags().BoolVar(&deliver, "dispatch", false, "Deliver new items to the configured dispatcher")
	return cmd
}

// NewTestCommand creates the test command.
func NewTestCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "test <trigger>",
		Short: "Fetch a trigger's source without touching its watermark",
		Long: `Dry-run a trigger instance.

The source is fetched with the trigger's credentials and params, and every
item is printed as if nothing had been seen before. The stored watermark is
never read or written, so test is safe on enabled triggers.`,
		Example: `  pollwatch test new-orders
  pollwatch test new-orders --limit 5 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.OpenService(cmd, service.BuildOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			items, err := rt.Test(cmd.Context(), args[0], limit)
			if err != nil {
				return shared.Fail("test failed", err)
			}
			return printItems(cmd.OutOrStdout(), "test", args[0], "", items)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Show at most this many items (newest kept)")
	return cmd
}

type itemsResult struct {
	shared.JSONResponse
	Trigger string         `json:"trigger"`
	CycleID string         `json:"cycle_id,omitempty"`
	Items   []polling.Item `json:"items"`
}

func printItems(w io.Writer, command, id, cycleID string, items []polling.Item) error {
	if items == nil {
		items = []polling.Item{}
	}
	if shared.GetJSON() {
		return shared.EmitJSON(w, itemsResult{
			JSONResponse: shared.NewResponse(command),
			Trigger:      id,
			CycleID:      cycleID,
			Items:        items,
		})
	}

	switch len(items) {
	case 0:
		fmt.Fprintf(w, "%s: no new items\n", id)
		return nil
	case 1:
		fmt.Fprintf(w, "%s: 1 new item\n", id)
	default:
		fmt.Fprintf(w, "%s: %d new items\n", id, len(items))
	}
	for _, it := range items {
		if it.Timestamp.IsZero() {
			fmt.Fprintf(w, "  %s\n", it.ID)
			continue
		}
		fmt.Fprintf(w, "  %s  %s\n", it.ID, shared.RenderLabel(it.Timestamp.Format(time.RFC3339)))
	}
	return nil
}
