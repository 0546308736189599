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

// Package ir is the razor functional intermediate representation (IR).
//
// A function body is in administrative normal form: a chain of let
// bindings terminating in a variable reference. Expressions are
// immutable once built; transformation passes produce new nodes and
// share untouched subtrees with their input.
package ir

import (
	"fmt"

	"github.com/pkg/errors"
)

// ----------------------------------------------------------------------------
// Types of node in the tree.
type (
	// Node in the tree.
	Node interface {
		// node marks a structure as a node structure.
		// It prevents using arbitrary structures of this package as nodes.
		node()
	}

	// Expr is an expression node.
	Expr interface {
		Node
		// expr marks a node as an expression.
		expr()
	}
)

// ----------------------------------------------------------------------------
// Variables and their arena.

// Var is a handle to a variable. Identity is handle equality:
// two Var values reference the same variable iff they are equal.
type Var uint32

func (Var) node() {}
func (Var) expr() {}

type varSlot struct {
	name string
	typ  Type
}

// Arena owns the variables of a module graph. It is append only:
// variables are never removed, so handles stay valid for the lifetime
// of the arena and concurrent readers need no synchronization once
// construction is done.
type Arena struct {
	slots []varSlot
}

// NewArena returns an empty variable arena.
func NewArena() *Arena {
	return &Arena{}
}

// NewVar creates a variable given a name and a type.
func (a *Arena) NewVar(name string, typ Type) Var {
	a.slots = append(a.slots, varSlot{name: name, typ: typ})
	return Var(len(a.slots) - 1)
}

// Valid returns true if the handle points to a variable of the arena.
func (a *Arena) Valid(v Var) bool {
	return int(v) < len(a.slots)
}

// Name returns the name of a variable.
func (a *Arena) Name(v Var) string {
	if !a.Valid(v) {
		return fmt.Sprintf("invalid:%d", uint32(v))
	}
	return a.slots[v].name
}

// TypeOf returns the type of a variable, or nil for an invalid handle.
func (a *Arena) TypeOf(v Var) Type {
	if !a.Valid(v) {
		return nil
	}
	return a.slots[v].typ
}

// Size returns the number of variables in the arena.
func (a *Arena) Size() int {
	return len(a.slots)
}

// Names returns an iterator over the names of all the variables.
func (a *Arena) Names() func(func(string) bool) {
	return func(yield func(string) bool) {
		for _, slot := range a.slots {
			if !yield(slot.name) {
				break
			}
		}
	}
}

// ----------------------------------------------------------------------------
// Expressions.

// Tuple constructs a tuple value from its field expressions.
type Tuple struct {
	Fields []Expr
}

func (*Tuple) node() {}
func (*Tuple) expr() {}

// Proj extracts the field of a tuple value at a given index.
type Proj struct {
	Tuple Expr
	Index int
}

func (*Proj) node() {}
func (*Proj) expr() {}

// Func is a function. A top level module member and a closure bound
// inside another function body are both represented by this node.
type Func struct {
	Params []Var
	Body   Expr
	// TypeParams are static type parameters, carried through
	// transformations unchanged.
	TypeParams []string
}

func (*Func) node() {}
func (*Func) expr() {}

// Call applies a named operator to its arguments. Out is the result
// type of the application.
type Call struct {
	Op   string
	Args []Expr
	Out  Type
}

func (*Call) node() {}
func (*Call) expr() {}

// Const is a scalar literal.
type Const struct {
	Value float64
	Typ   Type
}

func (*Const) node() {}
func (*Const) expr() {}

// Let binds a variable to an expression and evaluates Body with the
// binding in scope. Bodies chain Let nodes to the right.
type Let struct {
	Var   Var
	Value Expr
	Body  Expr
}

func (*Let) node() {}
func (*Let) expr() {}

// ----------------------------------------------------------------------------
// Expression typing.

// TypeOf computes the type of an expression. Variable types come from
// the arena; all other expressions are typed structurally.
func TypeOf(a *Arena, e Expr) (Type, error) {
	switch e := e.(type) {
	case Var:
		typ := a.TypeOf(e)
		if typ == nil {
			return nil, errors.Errorf("variable %s has no type", a.Name(e))
		}
		return typ, nil
	case *Tuple:
		fields := make([]Type, len(e.Fields))
		for i, field := range e.Fields {
			typ, err := TypeOf(a, field)
			if err != nil {
				return nil, err
			}
			fields[i] = typ
		}
		return &TupleType{Fields: fields}, nil
	case *Proj:
		typ, err := TypeOf(a, e.Tuple)
		if err != nil {
			return nil, err
		}
		tuple, ok := typ.(*TupleType)
		if !ok {
			return nil, errors.Errorf("cannot project field %d: %s is not a tuple type", e.Index, typ.String())
		}
		if e.Index < 0 || e.Index >= len(tuple.Fields) {
			return nil, errors.Errorf("projection index %d out of range for %s", e.Index, tuple.String())
		}
		return tuple.Fields[e.Index], nil
	case *Func:
		params := make([]Type, len(e.Params))
		for i, param := range e.Params {
			typ := a.TypeOf(param)
			if typ == nil {
				return nil, errors.Errorf("parameter %s has no type", a.Name(param))
			}
			params[i] = typ
		}
		result, err := TypeOf(a, e.Body)
		if err != nil {
			return nil, err
		}
		return &FuncType{Params: params, Result: result}, nil
	case *Call:
		if e.Out == nil {
			return nil, errors.Errorf("call to %s has no result type", e.Op)
		}
		return e.Out, nil
	case *Const:
		return e.Typ, nil
	case *Let:
		return TypeOf(a, e.Body)
	}
	return nil, errors.Errorf("cannot compute the type of %T", e)
}
