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
	"strings"

	"github.com/zalando/go-keyring"
)

// KeychainBackendPriority is the priority for the keychain backend.
const KeychainBackendPriority = 50

// KeychainService is the service name pollwatch entries are stored under.
const KeychainService = "pollwatch"

// KeychainBackend stores secrets in the OS keychain (macOS Keychain,
// Secret Service on Linux, Credential Manager on Windows).
type KeychainBackend struct {
	available bool
}

// NewKeychainBackend checks that the keyring is reachable and returns a backend.
func NewKeychainBackend() *KeychainBackend {
	_, err := keyring.Get(KeychainService, "__pollwatch_availability_test__")
	return &KeychainBackend{available: err == nil || errors.Is(err, keyring.ErrNotFound)}
}

// Name implements Backend.
func (k *KeychainBackend) Name() string { return "keychain" }

// Get implements Backend.
func (k *KeychainBackend) Get(_ context.Context, key string) (string, error) {
	if !k.available {
		return "", fmt.Errorf("%w: keychain service unavailable", ErrBackendUnavailable)
	}
	value, err := keyring.Get(KeychainService, key)
	if err != nil {
		return "", keychainError(key, err)
	}
	return value, nil
}

// Set implements Backend.
func (k *KeychainBackend) Set(_ context.Context, key, value string) error {
	if !k.available {
		return fmt.Errorf("%w: keychain service unavailable", ErrBackendUnavailable)
	}
	if err := keyring.Set(KeychainService, key, value); err != nil {
		return keychainError(key, err)
	}
	return nil
}

// Delete implements Backend.
func (k *KeychainBackend) Delete(_ context.Context, key string) error {
	if !k.available {
		return fmt.Errorf("%w: keychain service unavailable", ErrBackendUnavailable)
	}
	if err := keyring.Delete(KeychainService, key); err != nil {
		return keychainError(key, err)
	}
	return nil
}

// Available implements Backend.
func (k *KeychainBackend) Available() bool { return k.available }

// Priority implements Backend.
func (k *KeychainBackend) Priority() int { return KeychainBackendPriority }

func keychainError(key string, err error) error {
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"locked", "cannot access", "permission denied", "dbus", "secret service", "user canceled"} {
		if strings.Contains(msg, s) {
			return fmt.Errorf("%w: %s", ErrBackendUnavailable, err.Error())
		}
	}
	return fmt.Errorf("keychain error: %w", err)
}
