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

	"github.com/spf13/cobra"

	"github.com/tombee/pollwatch/internal/commands/shared"
	"github.com/tombee/pollwatch/internal/service"
)

// NewListCommand creates the list command.
func NewListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trigger instances and their state",
		Long: `List every registered trigger instance with its source, strategy,
schedule and whether it is enabled.`,
		Example: `  pollwatch list
  pollwatch list --json`,
		Args: cobra.NoArgs,
		RunE: runList,
	}
}

type listResult struct {
	shared.JSONResponse
	Triggers []service.Status `json:"triggers"`
}

func runList(cmd *cobra.Command, _ []string) error {
	rt, err := shared.OpenService(cmd, service.BuildOptions{})
	if err != nil {
		return err
	}
	defer rt.Close(cmd.Context())

	statuses, err := rt.List(cmd.Context())
	if err != nil {
		return shared.Fail("failed to list triggers", err)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		if statuses == nil {
			statuses = []service.Status{}
		}
		return shared.EmitJSON(out, listResult{JSONResponse: shared.NewResponse("list"), Triggers: statuses})
	}
	if len(statuses) == 0 {
		fmt.Fprintln(out, "No triggers registered.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TRIGGER\tSOURCE\tSTRATEGY\tSCHEDULE\tSTATE\tWATERMARK")
	for _, st := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			st.ID, st.Source, st.Strategy, st.Schedule, shared.RenderState(out, st.State), st.Watermark)
	}
	return w.Flush()
}
