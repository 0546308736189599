// Copyright 2024 Google LLC
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

package pass

import (
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/mod/semver"
	"github.com/razor-ml/razor/ir"
)

// Registry holds passes by name. Apply runs them in registration order.
type Registry struct {
	passes map[string]*Pass
	order  []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{passes: make(map[string]*Pass)}
}

// Register adds a pass to the registry.
// The name must not be taken and the version must be a valid semantic
// version string.
func (r *Registry) Register(info Info, run Func) error {
	if info.Name == "" {
		return errors.New("cannot register a pass with an empty name")
	}
	if !semver.IsValid(info.Version) {
		return errors.Errorf("pass %s has invalid version %q", info.Name, info.Version)
	}
	if _, ok := r.passes[info.Name]; ok {
		return errors.Errorf("pass %s is already registered", info.Name)
	}
	r.passes[info.Name] = &Pass{Info: info, Run: run}
	r.order = append(r.order, info.Name)
	return nil
}

// Lookup returns a pass given its name.
func (r *Registry) Lookup(name string) (*Pass, bool) {
	p, ok := r.passes[name]
	return p, ok
}

// Names returns the names of the registered passes in sorted order.
func (r *Registry) Names() []string {
	names := maps.Keys(r.passes)
	slices.Sort(names)
	return names
}

// Apply runs every registered pass enabled at the context optimization
// level, in registration order. A pass with unsatisfied requirements
// aborts the run.
func (r *Registry) Apply(mod *ir.Module, ctx *Context) (*ir.Module, error) {
	ran := make(map[string]bool)
	for _, name := range r.order {
		p := r.passes[name]
		if p.Info.OptLevel > ctx.OptLevel() {
			continue
		}
		for _, req := range p.Info.Requires {
			if !ran[req] {
				return nil, errors.Errorf("pass %s requires %s which has not run", name, req)
			}
		}
		next, err := p.Run(mod, ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "pass %s failed", name)
		}
		mod = next
		ran[name] = true
	}
	return mod, nil
}
