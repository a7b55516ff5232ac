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

package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Resolver queries backends in priority order.
type Resolver struct {
	backends []Backend
}

// NewResolver returns a resolver over the available backends.
func NewResolver(backends ...Backend) *Resolver {
	available := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b.Available() {
			available = append(available, b)
		}
	}
	sort.SliceStable(available, func(i, j int) bool {
		return available[i].Priority() > available[j].Priority()
	})
	return &Resolver{backends: available}
}

// Default returns the env → keychain chain.
func Default() *Resolver {
	return NewResolver(NewEnvBackend(), NewKeychainBackend())
}

// Get returns the first value found. A backend failure other than
// not-found is reported when no backend has the key.
func (r *Resolver) Get(ctx context.Context, key string) (string, error) {
	if len(r.backends) == 0 {
		return "", fmt.Errorf("%w: no available backends", ErrBackendUnavailable)
	}

	var lastErr error
	for _, b := range r.backends {
		value, err := b.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("failed to get secret %q: %w", key, lastErr)
	}
	return "", fmt.Errorf("%w: %q", ErrSecretNotFound, key)
}

// Set stores value in the first writable backend, or in the named one.
func (r *Resolver) Set(ctx context.Context, key, value, backend string) error {
	for _, b := range r.backends {
		if backend != "" && b.Name() != backend {
			continue
		}
		err := b.Set(ctx, key, value)
		if errors.Is(err, ErrReadOnlyBackend) && backend == "" {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to set secret in %s: %w", b.Name(), err)
		}
		return nil
	}
	if backend != "" {
		return fmt.Errorf("backend %q not found or unavailable", backend)
	}
	return errors.New("no writable backend available")
}

// Delete removes key from every writable backend that has it.
func (r *Resolver) Delete(ctx context.Context, key string) error {
	deleted := false
	for _, b := range r.backends {
		err := b.Delete(ctx, key)
		switch {
		case err == nil:
			deleted = true
		case errors.Is(err, ErrReadOnlyBackend), errors.Is(err, ErrSecretNotFound):
		default:
			return fmt.Errorf("failed to delete secret from %s: %w", b.Name(), err)
		}
	}
	if !deleted {
		return fmt.Errorf("%w: %q", ErrSecretNotFound, key)
	}
	return nil
}
