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

// Package pass defines the module transformation contract and a
// registry to expose transformations to a compilation driver.
package pass

import (
	"fmt"

	"github.com/razor-ml/razor/ir"
)

// Func transforms a module into a new module. Implementations never
// mutate their input: an unchanged module may be returned as is, a
// changed one is freshly assembled.
type Func func(*ir.Module, *Context) (*ir.Module, error)

// Info describes a registered pass.
type Info struct {
	// Name of the pass, unique within a registry.
	Name string
	// Version of the pass, a valid semantic version string.
	Version string
	// OptLevel is the minimum optimization level at which the pass runs.
	OptLevel int
	// Requires lists passes that must have run before this one.
	Requires []string
}

// Pass is a registered transformation.
type Pass struct {
	Info Info
	Run  Func
}

// LookupError reports a global name missing from a module.
type LookupError struct {
	Name string
}

// Error returns the error message.
func (e *LookupError) Error() string {
	return fmt.Sprintf("no function named %q in the module", e.Name)
}

// ----------------------------------------------------------------------------
// Invocation context.

// Context carries the options of one driver invocation.
type Context struct {
	optLevel int
}

// Option sets an option on a context.
type Option func(*Context)

// WithOptLevel sets the optimization level of the invocation.
func WithOptLevel(level int) Option {
	return func(ctx *Context) {
		ctx.optLevel = level
	}
}

// NewContext returns a context with the given options applied.
// The default optimization level is 1.
func NewContext(opts ...Option) *Context {
	ctx := &Context{optLevel: 1}
	for _, opt := range opts {
		opt(ctx)
	}
	return ctx
}

// OptLevel returns the optimization level of the invocation.
func (ctx *Context) OptLevel() int {
	return ctx.optLevel
}
