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

package registry

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/tombee/pollwatch/internal/source"
	"github.com/tombee/pollwatch/internal/source/httpjson"
	"github.com/tombee/pollwatch/internal/source/ical"
	"github.com/tombee/pollwatch/internal/source/imap"
	"github.com/tombee/pollwatch/internal/source/pagerduty"
	pwerrors "github.com/tombee/pollwatch/pkg/errors"
)

// DefaultFactories returns the bundled source kinds.
func DefaultFactories() map[string]source.Factory {
	return map[string]source.Factory{
		httpjson.Kind:  httpjson.Factory,
		pagerduty.Kind: pagerduty.Factory,
		imap.Kind:      imap.Factory,
		ical.Kind:      ical.Factory,
	}
}

// Registry holds validated registrations by name.
type Registry struct {
	factories map[string]source.Factory

	mu   sync.RWMutex
	regs map[string]*Registration
}

// New returns an empty registry. A nil factories map uses
// DefaultFactories.
func New(factories map[string]source.Factory) *Registry {
	if factories == nil {
		factories = DefaultFactories()
	}
	return &Registry{factories: factories, regs: make(map[string]*Registration)}
}

// Factory returns the factory for kind.
func (r *Registry) Factory(kind string) (source.Factory, bool) {
	f, ok := r.factories[kind]
	return f, ok
}

func (r *Registry) kinds() map[string]bool {
	out := make(map[string]bool, len(r.factories))
	for k := range r.factories {
		out[k] = true
	}
	return out
}

// Add validates reg and adds it. Names must be unique.
func (r *Registry) Add(reg *Registration) error {
	if err := reg.Validate(r.kinds()); err != nil {
		return wrapFile(reg, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.regs[reg.Name]; ok {
		return &pwerrors.ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("trigger %q is defined in both %s and %s", reg.Name, prev.File, reg.File),
		}
	}
	r.regs[reg.Name] = reg
	return nil
}

// Get returns the named registration.
func (r *Registry) Get(name string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[name]
	if !ok {
		return nil, &pwerrors.NotFoundError{Resource: "trigger", ID: name}
	}
	return reg, nil
}

// List returns all registrations sorted by name.
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg)
	}
	slices.SortFunc(out, func(a, b *Registration) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

// Load reads every file matching patterns (doublestar globs such as
// "triggers/**/*.yaml") into a new registry. Patterns matching nothing
// are not an error.
func Load(factories map[string]source.Factory, patterns ...string) (*Registry, error) {
	reg := New(factories)
	files, err := Files(patterns...)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := reg.LoadFile(f); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Files expands patterns to a sorted, de-duplicated file list.
func Files(patterns ...string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, &pwerrors.ConfigError{Key: "triggers", Reason: fmt.Sprintf("bad pattern %q", pattern), Cause: err}
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	slices.Sort(files)
	return files, nil
}

// LoadFile adds every registration in path. A file may hold several YAML
// documents.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &pwerrors.ConfigError{Key: "triggers", Reason: "cannot read " + path, Cause: err}
	}
	regs, err := Parse(data)
	if err != nil {
		return &pwerrors.ConfigError{Key: "triggers", Reason: "cannot parse " + path, Cause: err}
	}
	for _, reg := range regs {
		reg.File = path
		if err := r.Add(reg); err != nil {
			return err
		}
	}
	return nil
}

// Parse decodes all YAML documents in data. Empty documents are skipped.
func Parse(data []byte) ([]*Registration, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []*Registration
	for {
		var reg Registration
		err := dec.Decode(&reg)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if reg.Name == "" && reg.Source.Kind == 0 {
			continue
		}
		out = append(out, &reg)
	}
}

func wrapFile(reg *Registration, err error) error {
	if reg.File == "" {
		return err
	}
	return pwerrors.Wrapf(err, "%s", reg.File)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
