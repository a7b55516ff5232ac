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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents invalid user input such as a malformed trigger
// registration or an unknown strategy name.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "trigger", "source kind")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "store.backend")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := "config error"
	if e.Key != "" {
		msg = fmt.Sprintf("config error at %s", e.Key)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "fetch", "watermark put")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// FetchError is returned when an item source fails to produce a snapshot:
// network failure, rejected credentials, rate limiting or a response that
// could not be decoded. The watermark is never touched when a fetch fails.
type FetchError struct {
	// Source names the integration (e.g., "pagerduty", "httpjson")
	Source string

	// StatusCode is the HTTP status code, when the source speaks HTTP
	StatusCode int

	// Message is the human-readable error message
	Message string

	// RetryAfter is the delay requested by the remote side, if any
	RetryAfter time.Duration

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch from %s failed", e.Source)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FetchError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *FetchError) ErrorType() string { return "fetch" }

// IsRetryable reports whether the next scheduled cycle can be expected to
// succeed. Authentication and not-found responses need operator action.
func (e *FetchError) IsRetryable() bool {
	switch e.StatusCode {
	case 400, 401, 403, 404:
		return false
	}
	return true
}

// IsAuthFailure reports whether the remote side rejected the credentials.
func (e *FetchError) IsAuthFailure() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// IsRateLimited reports whether the remote side asked us to slow down.
func (e *FetchError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// IsUserVisible implements UserVisibleError.
func (e *FetchError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *FetchError) UserMessage() string {
	switch {
	case e.IsAuthFailure():
		return fmt.Sprintf("%s rejected the configured credentials", e.Source)
	case e.IsRateLimited():
		return fmt.Sprintf("%s is rate limiting requests", e.Source)
	}
	return fmt.Sprintf("could not fetch items from %s", e.Source)
}

// Suggestion implements UserVisibleError.
func (e *FetchError) Suggestion() string {
	switch {
	case e.IsAuthFailure():
		return "check the trigger's auth settings; the token may be expired or revoked"
	case e.IsRateLimited():
		return "increase the trigger interval or lower the request budget"
	}
	return ""
}

// StoreOp names the watermark store operation that failed.
type StoreOp string

const (
	StoreOpGet    StoreOp = "get"
	StoreOpPut    StoreOp = "put"
	StoreOpDelete StoreOp = "delete"
)

// StoreError is returned when the watermark store fails. A failed get is
// never treated as "no watermark".
type StoreError struct {
	Op    StoreOp
	Key   string
	Cause error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("watermark %s %q failed: %v", e.Op, e.Key, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *StoreError) ErrorType() string { return "store" }

// IsRetryable implements ErrorClassifier.
func (e *StoreError) IsRetryable() bool { return true }

// StrategyError is returned when a snapshot cannot be deduplicated, for
// example because an item lacks the identity or timestamp the strategy needs.
type StrategyError struct {
	// Strategy is the strategy kind ("last_item", "time_based")
	Strategy string

	// Index is the position of the offending item in the snapshot, or -1
	Index int

	// Reason explains what is wrong
	Reason string
}

// Error implements the error interface.
func (e *StrategyError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s strategy: item %d: %s", e.Strategy, e.Index, e.Reason)
	}
	return fmt.Sprintf("%s strategy: %s", e.Strategy, e.Reason)
}

// ErrorType implements ErrorClassifier.
func (e *StrategyError) ErrorType() string { return "strategy" }

// IsRetryable implements ErrorClassifier.
func (e *StrategyError) IsRetryable() bool { return false }
