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
	"errors"
	"fmt"
	"io"
	"os"

	pkgerrors "github.com/tombee/pollwatch/pkg/errors"
)

// Exit codes
const (
	ExitSuccess  = 0
	ExitFailed   = 1
	ExitConfig   = 2 // invalid config or trigger registration
	ExitNotFound = 3 // unknown trigger or instance
	ExitFetch    = 4 // the item source failed
	ExitStore    = 5 // the watermark store failed
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates an error for bad configuration or registrations
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfig, Message: msg, Cause: cause}
}

// Fail wraps cause with msg and the exit code that matches its class.
func Fail(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitCode(cause), Message: msg, Cause: cause}
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var (
		cfgErr   *pkgerrors.ConfigError
		valErr   *pkgerrors.ValidationError
		nfErr    *pkgerrors.NotFoundError
		fetchErr *pkgerrors.FetchError
		storeErr *pkgerrors.StoreError
	)
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &valErr):
		return ExitConfig
	case errors.As(err, &nfErr):
		return ExitNotFound
	case errors.As(err, &fetchErr):
		return ExitFetch
	case errors.As(err, &storeErr):
		return ExitStore
	}
	return ExitFailed
}

// HandleExitError prints err and exits with its code. With --json the
// error is written to stdout as a JSON envelope instead.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	if GetJSON() {
		_ = EmitJSONError(os.Stdout, "", err)
	} else {
		PrintError(os.Stderr, err)
	}
	os.Exit(ExitCode(err))
}

// PrintError writes err and, when it carries one, its suggestion.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, RenderError("Error: "+err.Error()))
	if s := suggestion(err); s != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", s)
	}
}

// suggestion walks the error chain to find a UserVisibleError.
func suggestion(err error) string {
	var userErr pkgerrors.UserVisibleError
	if errors.As(err, &userErr) && userErr.IsUserVisible() {
		return userErr.Suggestion()
	}
	var valErr *pkgerrors.ValidationError
	if errors.As(err, &valErr) {
		return valErr.Suggestion
	}
	return ""
}
