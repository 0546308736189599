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
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// validator accumulates well-formedness errors for one function.
type validator struct {
	arena *Arena
	errs  error
	// scope is the set of variables visible at the current point of
	// the walk: function parameters, enclosing closure parameters and
	// every binding emitted so far.
	scope map[Var]bool
	// bound is the set of variables already used by a let-binding
	// anywhere in the function.
	bound map[Var]bool
}

func (vl *validator) appendf(format string, args ...any) {
	vl.errs = multierr.Append(vl.errs, errors.Errorf(format, args...))
}

func (vl *validator) name(v Var) string {
	return vl.arena.Name(v)
}

func (vl *validator) declare(v Var) {
	if !vl.arena.Valid(v) {
		vl.appendf("variable handle %d is not in the arena", uint32(v))
		return
	}
	if vl.scope[v] {
		vl.appendf("variable %%%s is declared twice", vl.name(v))
		return
	}
	vl.scope[v] = true
}

func (vl *validator) checkRef(v Var) {
	if !vl.arena.Valid(v) {
		vl.appendf("variable handle %d is not in the arena", uint32(v))
		return
	}
	if !vl.scope[v] {
		vl.appendf("variable %%%s is referenced before its definition", vl.name(v))
	}
}

func (vl *validator) checkExpr(e Expr) {
	switch e := e.(type) {
	case Var:
		vl.checkRef(e)
	case *Tuple:
		for _, field := range e.Fields {
			vl.checkExpr(field)
		}
	case *Proj:
		vl.checkExpr(e.Tuple)
		if typ, err := TypeOf(vl.arena, e.Tuple); err == nil {
			if tuple, ok := typ.(*TupleType); !ok {
				vl.appendf("projection of non-tuple %s", typ.String())
			} else if e.Index < 0 || e.Index >= len(tuple.Fields) {
				vl.appendf("projection index %d out of range for %s", e.Index, tuple.String())
			}
		}
	case *Func:
		for _, param := range e.Params {
			vl.declare(param)
		}
		lets := vl.checkBody(e.Body)
		for _, v := range lets {
			delete(vl.scope, v)
		}
		for _, param := range e.Params {
			delete(vl.scope, param)
		}
	case *Call:
		for _, arg := range e.Args {
			vl.checkExpr(arg)
		}
	case *Const:
	case *Let:
		vl.checkBody(e)
	default:
		vl.appendf("unknown expression node %T", e)
	}
}

// checkBody walks a let chain and returns the variables it declared.
func (vl *validator) checkBody(e Expr) []Var {
	var lets []Var
	for {
		let, ok := e.(*Let)
		if !ok {
			break
		}
		vl.checkExpr(let.Value)
		if vl.bound[let.Var] {
			vl.appendf("variable %%%s is bound twice", vl.name(let.Var))
		}
		vl.bound[let.Var] = true
		vl.declare(let.Var)
		lets = append(lets, let.Var)
		e = let.Body
	}
	vl.checkExpr(e)
	return lets
}

func validateFunc(a *Arena, name string, fn *Func) error {
	vl := &validator{
		arena: a,
		scope: make(map[Var]bool),
		bound: make(map[Var]bool),
	}
	for _, param := range fn.Params {
		vl.declare(param)
	}
	vl.checkBody(fn.Body)
	if vl.errs != nil {
		return errors.Wrapf(vl.errs, "function @%s is not well formed", name)
	}
	return nil
}

// Validate checks the well-formedness of every function of a module:
// variable handles resolve in the arena, a variable is let-bound at
// most once, and every reference appears at or after the definition it
// refers to.
func Validate(m *Module) error {
	var errs error
	for name, fn := range m.Functions() {
		errs = multierr.Append(errs, validateFunc(m.arena, name, fn))
	}
	return errs
}
