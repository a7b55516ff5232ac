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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/pollwatch/internal/commands/shared"
	"github.com/tombee/pollwatch/internal/service"
	"github.com/tombee/pollwatch/internal/watermark"
)

// NewShowCommand creates the show command.
func NewShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <trigger>",
		Short: "Show a trigger's stored watermark",
		Long: `Show the stored watermark of a trigger instance.

The watermark is printed in its stored, self-describing form with --json.
An instance that is not enabled has no watermark.`,
		Example: `  pollwatch show new-orders
  pollwatch show calendar --json`,
		Args: cobra.ExactArgs(1),
		RunE: runShow,
	}
}

type showResult struct {
	shared.JSONResponse
	Trigger   string               `json:"trigger"`
	Watermark *watermark.Watermark `json:"watermark"`
}

func runShow(cmd *cobra.Command, args []string) error {
	rt, err := shared.OpenService(cmd, service.BuildOptions{})
	if err != nil {
		return err
	}
	defer rt.Close(cmd.Context())

	wm, err := rt.Show(cmd.Context(), args[0])
	if err != nil {
		return shared.Fail("failed to read watermark", err)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, showResult{JSONResponse: shared.NewResponse("show"), Trigger: args[0], Watermark: wm})
	}
	if wm == nil {
		fmt.Fprintf(out, "%s: not enabled\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\n", shared.RenderLabel("Trigger:"), args[0])
	fmt.Fprintf(w, "%s\t%s\n", shared.RenderLabel("Strategy:"), wm.Kind)
	switch wm.Kind {
	case watermark.KindLastItem:
		identity := wm.Identity
		if identity == "" {
			identity = "(nothing seen yet)"
		}
		fmt.Fprintf(w, "%s\t%s\n", shared.RenderLabel("Last item:"), identity)
	case watermark.KindTimeBased:
		fmt.Fprintf(w, "%s\t%s\n", shared.RenderLabel("Time:"), wm.Time.Format(time.RFC3339Nano))
		fmt.Fprintf(w, "%s\t%d\n", shared.RenderLabel("Emitted at time:"), len(wm.EmittedIDs))
	}
	if !wm.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "%s\t%s\n", shared.RenderLabel("Updated:"), wm.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
