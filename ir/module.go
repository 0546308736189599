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

package ir

import (
	"github.com/razor-ml/razor/base/ordered"
)

// EntryName is the name of a module entry function.
const EntryName = "main"

// Module maps global names to functions. All the functions of a module
// share one variable arena.
type Module struct {
	arena *Arena
	funcs *ordered.Map[string, *Func]
}

// NewModule returns an empty module with a fresh arena.
func NewModule() *Module {
	return &Module{
		arena: NewArena(),
		funcs: ordered.NewMap[string, *Func](),
	}
}

// Arena returns the variable arena of the module.
func (m *Module) Arena() *Arena {
	return m.arena
}

// Define adds a function to the module, replacing any function already
// registered under the same name.
func (m *Module) Define(name string, fn *Func) {
	m.funcs.Store(name, fn)
}

// Lookup returns a function given its global name.
func (m *Module) Lookup(name string) (*Func, bool) {
	return m.funcs.Load(name)
}

// Functions returns an iterator over the functions of the module in
// definition order.
func (m *Module) Functions() func(func(string, *Func) bool) {
	return m.funcs.Iter()
}

// NumFunctions returns the number of functions in the module.
func (m *Module) NumFunctions() int {
	return m.funcs.Size()
}

// WithFunc returns a new module where name is bound to fn.
// The arena and every other member are shared with the receiver,
// which is left untouched.
func (m *Module) WithFunc(name string, fn *Func) *Module {
	funcs := m.funcs.Clone()
	funcs.Store(name, fn)
	return &Module{arena: m.arena, funcs: funcs}
}
