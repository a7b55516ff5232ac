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

// Package source holds what every item source shares: rate limiting and
// circuit breaking wrappers, credential scrubbing for item data and error
// messages, and helpers for reading source settings.
//
// Concrete sources live in the subpackages (httpjson, pagerduty, imap,
// ical). Each implements polling.Source and reports failures as
// *errors.FetchError.
package source
