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
	"fmt"
	"os"
	"strings"
)

// EnvBackendPriority puts environment overrides ahead of the keychain.
const EnvBackendPriority = 100

const envSecretPrefix = "POLLWATCH_SECRET_"

// EnvBackend reads secrets from POLLWATCH_SECRET_<KEY> variables, where
// "pagerduty/token" becomes POLLWATCH_SECRET_PAGERDUTY_TOKEN.
type EnvBackend struct {
	lookup func(string) (string, bool)
}

// NewEnvBackend creates an environment variable backend.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{lookup: os.LookupEnv}
}

// Name implements Backend.
func (e *EnvBackend) Name() string { return "env" }

// Get implements Backend.
func (e *EnvBackend) Get(_ context.Context, key string) (string, error) {
	if value, ok := e.lookup(EnvName(key)); ok && value != "" {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s not set", ErrSecretNotFound, EnvName(key))
}

// Set implements Backend. The environment is read-only.
func (e *EnvBackend) Set(context.Context, string, string) error { return ErrReadOnlyBackend }

// Delete implements Backend. The environment is read-only.
func (e *EnvBackend) Delete(context.Context, string) error { return ErrReadOnlyBackend }

// Available implements Backend.
func (e *EnvBackend) Available() bool { return true }

// Priority implements Backend.
func (e *EnvBackend) Priority() int { return EnvBackendPriority }

// EnvName returns the variable consulted for key.
func EnvName(key string) string {
	r := strings.NewReplacer("/", "_", "-", "_", ".", "_")
	return envSecretPrefix + strings.ToUpper(r.Replace(key))
}
