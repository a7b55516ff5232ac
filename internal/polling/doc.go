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

// Package polling turns "fetch the current list of items" into a trigger
// that emits each new item once.
//
// An Engine combines a Source, which fetches a snapshot of items, with a
// Strategy, which compares the snapshot against the stored watermark. It
// exposes four lifecycle calls:
//
//   - OnEnable runs a seed cycle. It persists a watermark and emits nothing,
//     so historical items never fire.
//   - OnDisable deletes the watermark. It is idempotent.
//   - Run reads the watermark, fetches, dedups, persists the next watermark
//     and returns the new items oldest first.
//   - Test fetches and dedups against a throwaway baseline. It never reads
//     or writes the store.
//
// The engine does not schedule, retry or run goroutines. The caller
// decides when to call Run and must not run two cycles for the same
// trigger instance concurrently.
package polling
