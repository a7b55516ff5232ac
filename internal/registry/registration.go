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

// Package registry loads trigger registrations and builds poll engines
// from them.
package registry

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/tombee/pollwatch/internal/auth"
	"github.com/tombee/pollwatch/internal/polling"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]*$`)

// Registration is one trigger definition, typically one YAML document:
//
//	name: oncall-incidents
//	source:
//	  kind: pagerduty
//	strategy: time_based
//	interval: 2m
//	auth:
//	  type: token
//	  token: secret:pagerduty/token
//	params:
//	  statuses: [triggered]
type Registration struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Source is the source block; its kind field picks the factory and
	// the rest is decoded by that factory.
	Source yaml.Node `yaml:"source" json:"-"`

	Strategy string              `yaml:"strategy" json:"strategy"`
	Startup  polling.StartupMode `yaml:"startup,omitempty" json:"startup,omitempty"`
	Backfill time.Duration       `yaml:"backfill,omitempty" json:"backfill,omitempty"`

	// Interval and Schedule are mutually exclusive. Neither means the
	// configured default interval.
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Schedule string        `yaml:"schedule,omitempty" json:"schedule,omitempty"`

	// Timeout bounds one lifecycle call. Zero means the scheduler default.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	Auth   auth.Spec      `yaml:"auth,omitempty" json:"auth"`
	Params polling.Params `yaml:"params,omitempty" json:"params,omitempty"`

	// Instances run the same definition with different params. Each
	// instance has its own watermark. Instance params are merged over
	// Params.
	Instances map[string]polling.Params `yaml:"instances,omitempty" json:"instances,omitempty"`

	RateLimit RateLimit `yaml:"rate_limit,omitempty" json:"rate_limit"`

	// KeepSensitive keeps credential-like fields in emitted item data.
	KeepSensitive bool `yaml:"keep_sensitive,omitempty" json:"keep_sensitive,omitempty"`

	// File is the path the registration was loaded from.
	File string `yaml:"-" json:"file,omitempty"`

	kind string
}

// RateLimit is the request budget of a registration's integration.
type RateLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty" json:"requests_per_minute,omitempty"`
	Burst             int `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// Kind returns the source kind. Valid after Validate.
func (r *Registration) Kind() string { return r.kind }

// Instance is one watermark-owning instantiation of a registration.
type Instance struct {
	Trigger string
	Name    string
	Params  polling.Params
}

// ID is the trigger name, or trigger/instance.
func (i Instance) ID() string {
	if i.Name == "" {
		return i.Trigger
	}
	return i.Trigger + "/" + i.Name
}

// InstanceList returns the registration's instances, sorted by name. A
// registration without instances has a single unnamed one.
func (r *Registration) InstanceList() []Instance {
	if len(r.Instances) == 0 {
		return []Instance{{Trigger: r.Name, Params: r.Params}}
	}
	names := make([]string, 0, len(r.Instances))
	for n := range r.Instances {
		names = append(names, n)
	}
	slices.Sort(names)

	out := make([]Instance, 0, len(names))
	for _, n := range names {
		merged := make(polling.Params, len(r.Params)+len(r.Instances[n]))
		for k, v := range r.Params {
			merged[k] = v
		}
		for k, v := range r.Instances[n] {
			merged[k] = v
		}
		out = append(out, Instance{Trigger: r.Name, Name: n, Params: merged})
	}
	return out
}

// Instance returns the named instance.
func (r *Registration) Instance(name string) (Instance, error) {
	for _, inst := range r.InstanceList() {
		if inst.Name == name {
			return inst, nil
		}
	}
	return Instance{}, &pwerrors.NotFoundError{Resource: "instance", ID: r.Name + "/" + name}
}

// ParseStrategy builds the registration's dedup strategy.
func (r *Registration) ParseStrategy() (polling.Strategy, error) {
	return polling.ParseStrategy(r.Strategy, r.Startup, r.Backfill)
}

// Validate checks the registration against the known source kinds.
func (r *Registration) Validate(kinds map[string]bool) error {
	if !namePattern.MatchString(r.Name) {
		return &pwerrors.ValidationError{
			Field:      "name",
			Message:    fmt.Sprintf("invalid trigger name %q", r.Name),
			Suggestion: "use lowercase letters, digits, '-' and '_'",
		}
	}

	var head struct {
		Kind string `yaml:"kind"`
	}
	if r.Source.Kind == 0 {
		return &pwerrors.ValidationError{Field: "source", Message: "source block is required"}
	}
	if err := r.Source.Decode(&head); err != nil {
		return &pwerrors.ValidationError{Field: "source", Message: err.Error()}
	}
	if !kinds[head.Kind] {
		return &pwerrors.ValidationError{
			Field:      "source.kind",
			Message:    fmt.Sprintf("unknown source kind %q", head.Kind),
			Suggestion: fmt.Sprintf("use one of %v", sortedKeys(kinds)),
		}
	}
	r.kind = head.Kind

	if _, err := r.ParseStrategy(); err != nil {
		return err
	}

	if r.Interval != 0 && r.Schedule != "" {
		return &pwerrors.ValidationError{Field: "schedule", Message: "interval and schedule are mutually exclusive"}
	}
	if r.Interval < 0 {
		return &pwerrors.ValidationError{Field: "interval", Message: "interval must be positive"}
	}
	if r.Schedule != "" {
		if _, err := cron.ParseStandard(r.Schedule); err != nil {
			return &pwerrors.ValidationError{Field: "schedule", Message: err.Error(), Suggestion: `use a five-field cron expression such as "*/5 * * * *"`}
		}
	}

	for name := range r.Instances {
		if !namePattern.MatchString(name) {
			return &pwerrors.ValidationError{Field: "instances", Message: fmt.Sprintf("invalid instance name %q", name)}
		}
	}
	if r.RateLimit.RequestsPerMinute < 0 || r.RateLimit.Burst < 0 {
		return &pwerrors.ValidationError{Field: "rate_limit", Message: "rate limit values must not be negative"}
	}
	return r.Auth.Validate()
}
