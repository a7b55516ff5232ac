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

package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// Stdout writes one JSON record per line.
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout returns a Stdout dispatcher writing to w.
func NewStdout(w io.Writer) *Stdout {
	return &Stdout{enc: json.NewEncoder(w)}
}

// Name implements Dispatcher.
func (s *Stdout) Name() string { return "stdout" }

// Dispatch implements Dispatcher.
func (s *Stdout) Dispatch(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range b.Records() {
		if err := s.enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Dispatcher.
func (s *Stdout) Close() error { return nil }
