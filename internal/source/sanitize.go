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

package source

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tombee/pollwatch/internal/polling"
)

// Field name patterns that never leave the host: "*x" matches a suffix,
// "x*" a prefix and "*x*" a substring.
var sensitiveFieldPatterns = []string{
	"password",
	"secret",
	"*token",
	"*key",
	"*auth*",
	"credential*",
	"api_key",
	"app_key",
	"cookie",
}

// Fields stripped only for one integration.
var integrationSensitiveFields = map[string][]string{
	"pagerduty": {"conference_bridge", "escalation_rules"},
	"imap":      {"bcc"},
}

var redactPatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`Bearer [a-zA-Z0-9_.\-]+`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`Token token=[a-zA-Z0-9_+\-]+`), "Token token=[REDACTED]"},
	{regexp.MustCompile(`Basic [a-zA-Z0-9+/=]+`), "Basic [REDACTED]"},
	{regexp.MustCompile(`(?i)(access_token|api_key|token|password)=[^&\s"]+`), "$1=[REDACTED]"},
	{regexp.MustCompile(`://([^:/@\s]+):[^@/\s]+@`), "://$1:[REDACTED]@"},
}

// StripSensitiveFields returns a copy of data without credential-like
// fields, recursing into nested maps and arrays.
func StripSensitiveFields(data map[string]any, integration string) map[string]any {
	if data == nil {
		return nil
	}
	cleaned := make(map[string]any, len(data))
	for key, value := range data {
		if isSensitiveField(key) || isIntegrationSensitiveField(key, integration) {
			continue
		}
		cleaned[key] = stripValue(value, integration)
	}
	return cleaned
}

// StripItems applies StripSensitiveFields to each item's data.
func StripItems(items []polling.Item, integration string) []polling.Item {
	out := make([]polling.Item, len(items))
	for i, it := range items {
		it.Data = StripSensitiveFields(it.Data, integration)
		out[i] = it
	}
	return out
}

func stripValue(value any, integration string) any {
	switch v := value.(type) {
	case map[string]any:
		return StripSensitiveFields(v, integration)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = stripValue(e, integration)
		}
		return out
	}
	return value
}

func isSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range sensitiveFieldPatterns {
		if matchesPattern(lower, p) {
			return true
		}
	}
	return false
}

func isIntegrationSensitiveField(name, integration string) bool {
	for _, f := range integrationSensitiveFields[integration] {
		if strings.EqualFold(name, f) {
			return true
		}
	}
	return false
}

func matchesPattern(name, pattern string) bool {
	switch {
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		return strings.Contains(name, strings.Trim(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(name, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	}
	return name == pattern
}

// SanitizeErrorMessage renders err with credentials redacted.
func SanitizeErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, p := range redactPatterns {
		msg = p.pattern.ReplaceAllString(msg, p.replacement)
	}
	return msg
}

var safeIdentifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-. ]+$`)

// ValidateIdentifier rejects values that could alter a remote query:
// only letters, digits, underscore, hyphen, period and space pass.
func ValidateIdentifier(value string) error {
	if value == "" {
		return fmt.Errorf("value cannot be empty")
	}
	if !safeIdentifierPattern.MatchString(value) {
		return fmt.Errorf("value %q contains invalid characters", value)
	}
	return nil
}

// ValidateParams runs ValidateIdentifier over every string (or string
// list) parameter named in keys.
func ValidateParams(params polling.Params, keys ...string) error {
	for _, key := range keys {
		for i, v := range params.Strings(key) {
			if err := ValidateIdentifier(v); err != nil {
				return fmt.Errorf("invalid value in %q[%d]: %w", key, i, err)
			}
		}
	}
	return nil
}
