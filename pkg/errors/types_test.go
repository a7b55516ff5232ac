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

package errors_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *pwerrors.ValidationError
		wantMsg string
	}{
		{
			name:    "with field",
			err:     &pwerrors.ValidationError{Field: "strategy", Message: "unknown strategy \"fifo\""},
			wantMsg: "validation failed on strategy: unknown strategy \"fifo\"",
		},
		{
			name:    "without field",
			err:     &pwerrors.ValidationError{Message: "invalid format"},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestFetchError(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name        string
		err         *pwerrors.FetchError
		wantMsg     string
		wantRetry   bool
		wantAuth    bool
		wantLimited bool
	}{
		{
			name:      "transport failure",
			err:       &pwerrors.FetchError{Source: "httpjson", Cause: cause},
			wantMsg:   "fetch from httpjson failed: connection reset",
			wantRetry: true,
		},
		{
			name:      "auth failure",
			err:       &pwerrors.FetchError{Source: "pagerduty", StatusCode: 401, Message: "unauthorized"},
			wantMsg:   "fetch from pagerduty failed [HTTP 401]: unauthorized",
			wantRetry: false,
			wantAuth:  true,
		},
		{
			name:        "rate limited",
			err:         &pwerrors.FetchError{Source: "pagerduty", StatusCode: 429, RetryAfter: 30 * time.Second},
			wantMsg:     "fetch from pagerduty failed [HTTP 429]",
			wantRetry:   true,
			wantLimited: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
			if got := tt.err.IsRetryable(); got != tt.wantRetry {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.wantRetry)
			}
			if got := tt.err.IsAuthFailure(); got != tt.wantAuth {
				t.Errorf("IsAuthFailure() = %v, want %v", got, tt.wantAuth)
			}
			if got := tt.err.IsRateLimited(); got != tt.wantLimited {
				t.Errorf("IsRateLimited() = %v, want %v", got, tt.wantLimited)
			}
		})
	}
}

func TestFetchError_UserVisible(t *testing.T) {
	var uv pwerrors.UserVisibleError = &pwerrors.FetchError{Source: "pagerduty", StatusCode: 403}
	if !uv.IsUserVisible() {
		t.Fatal("expected fetch errors to be user visible")
	}
	if uv.Suggestion() == "" {
		t.Error("expected a suggestion for an auth failure")
	}
}

func TestStoreError_Unwrap(t *testing.T) {
	cause := errors.New("database is locked")
	err := fmt.Errorf("run: %w", &pwerrors.StoreError{Op: pwerrors.StoreOpPut, Key: "trigger:a", Cause: cause})

	var storeErr *pwerrors.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatal("expected errors.As to find StoreError")
	}
	if storeErr.Op != pwerrors.StoreOpPut {
		t.Errorf("Op = %q, want put", storeErr.Op)
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
	if want := `watermark put "trigger:a" failed: database is locked`; storeErr.Error() != want {
		t.Errorf("Error() = %q, want %q", storeErr.Error(), want)
	}
}

func TestStrategyError_Error(t *testing.T) {
	err := &pwerrors.StrategyError{Strategy: "time_based", Index: 2, Reason: "missing timestamp"}
	if want := "time_based strategy: item 2: missing timestamp"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	err = &pwerrors.StrategyError{Strategy: "last_item", Index: -1, Reason: "watermark kind mismatch"}
	if want := "last_item strategy: watermark kind mismatch"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantType  string
		wantRetry bool
	}{
		{"nil", nil, "", false},
		{"plain", errors.New("boom"), "internal", false},
		{"fetch", pwerrors.Wrap(&pwerrors.FetchError{Source: "x"}, "cycle"), "fetch", true},
		{"store", &pwerrors.StoreError{Op: pwerrors.StoreOpGet}, "store", true},
		{"strategy", &pwerrors.StrategyError{Index: -1}, "strategy", false},
		{"timeout", &pwerrors.TimeoutError{Operation: "fetch"}, "timeout", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pwerrors.Classify(tt.err); got != tt.wantType {
				t.Errorf("Classify() = %q, want %q", got, tt.wantType)
			}
			if got := pwerrors.IsRetryable(tt.err); got != tt.wantRetry {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if pwerrors.Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	base := errors.New("base")
	err := pwerrors.Wrapf(base, "loading %s", "triggers.yaml")
	if err.Error() != "loading triggers.yaml: base" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !pwerrors.Is(err, base) {
		t.Error("expected wrapped error to match base")
	}
}
