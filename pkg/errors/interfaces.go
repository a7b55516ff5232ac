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

// Package errors holds the error taxonomy shared by the poll engine, its
// stores and its sources, plus thin wrappers over the standard errors package.
package errors

// UserVisibleError is implemented by errors that the CLI should render with
// a friendly message and a suggestion.
type UserVisibleError interface {
	error

	// IsUserVisible returns true if this error should be shown to users.
	IsUserVisible() bool

	// UserMessage returns a user-friendly error message.
	UserMessage() string

	// Suggestion returns actionable guidance, or "".
	Suggestion() string
}

// ErrorClassifier is implemented by errors that carry a category for
// metrics and retry decisions.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "fetch", "store", "strategy", "timeout"
	ErrorType() string

	// IsRetryable returns true if the operation should be retried.
	IsRetryable() bool
}
