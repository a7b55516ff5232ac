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

// Package secrets implements the commands that store and remove the
// credentials trigger registrations reference as "secret:<key>".
package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/pollwatch/internal/commands/shared"
	"github.com/tombee/pollwatch/internal/secrets"
)

// newResolver is replaced in tests.
var newResolver = secrets.Default

type secretResult struct {
	shared.JSONResponse
	Key     string `json:"key"`
	Backend string `json:"backend,omitempty"`
}

// NewCommand creates the secrets command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Store credentials referenced by triggers",
		Long: `Store and remove credentials in the system keychain.

A registration refers to a stored secret as "secret:<key>", for example:

  auth:
    type: token
    token: secret:pagerduty/token

Environment variables (POLLWATCH_SECRET_<KEY>) take precedence over the
keychain and are read-only.`,
	}
	cmd.AddCommand(newSetCommand(), newDeleteCommand())
	return cmd
}

func newSetCommand() *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret",
		Long: `Store a secret. The value is read from standard input, or prompted for
with hidden input when standard input is a terminal.

Examples:
  pollwatch secrets set pagerduty/token
  echo "$TOKEN" | pollwatch secrets set github/token`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if err := validateKey(key); err != nil {
				return shared.NewConfigError("invalid secret key", err)
			}
			value, err := readValue(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return shared.Fail("failed to read secret value", err)
			}
			if value == "" {
				return shared.NewConfigError("secret value cannot be empty", nil)
			}

			if err := newResolver().Set(cmd.Context(), key, value, backend); err != nil {
				return shared.Fail("failed to store secret", err)
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, secretResult{JSONResponse: shared.NewResponse("secrets set"), Key: key, Backend: backend})
			}
			fmt.Fprintln(out, shared.RenderOK("stored "+key))
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "Target backend (default: first writable)")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if err := newResolver().Delete(cmd.Context(), key); err != nil {
				if errors.Is(err, secrets.ErrSecretNotFound) {
					return &shared.ExitError{Code: shared.ExitNotFound, Message: "secret not found: " + key}
				}
				return shared.Fail("failed to delete secret", err)
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, secretResult{JSONResponse: shared.NewResponse("secrets delete"), Key: key})
			}
			fmt.Fprintln(out, shared.RenderOK("deleted "+key))
			return nil
		},
	}
}

// validateKey accepts slash-separated keys such as "pagerduty/token".
func validateKey(key string) error {
	if key == "" {
		return errors.New("key is empty")
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" {
			return fmt.Errorf("key %q has an empty segment", key)
		}
	}
	if strings.ContainsAny(key, " \t\n") {
		return fmt.Errorf("key %q contains whitespace", key)
	}
	return nil
}

func readValue(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Secret value: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
