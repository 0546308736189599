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

// Package canonicalize restricts the backward closure generated by
// automatic differentiation to a single gradient parameter.
//
// The driver only feeds the primary gradient to the backward closure,
// so the auxiliary fields of its tuple parameter, such as in-place
// updated running statistics, have to be removed.
//
// Input:
//
//	def @main(...) {
//	  let %fwd_out = (%out, %mean, %var, ...);
//	  let %bwd = fn(%dy: (tensor, tensor, ...)) { ... };
//	  let %out = (%fwd_out, %bwd);
//	  %out
//	}
//
// Output:
//
//	def @main(...) {
//	  let %bwd = fn(%dy: tensor) { ... };
//	  let %out = (%out, %mean, %var, ..., %bwd);
//	  %out
//	}
//
// A function whose forward output is not a tuple, or whose backward
// closure already takes a non-tuple parameter, carries nothing to
// canonicalize and is returned unchanged.
package canonicalize

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"github.com/razor-ml/razor/base/ordered"
	"github.com/razor-ml/razor/base/uname"
	"github.com/razor-ml/razor/ir"
	"github.com/razor-ml/razor/ir/anf"
	"github.com/razor-ml/razor/pass"
)

// Info describes the pass for registration.
var Info = pass.Info{
	Name:     "CanonicalizeParamsForRAZOR",
	Version:  "v1.0.0",
	OptLevel: 1,
}

// Register adds the pass to a registry.
func Register(r *pass.Registry) error {
	return r.Register(Info, Module)
}

// ----------------------------------------------------------------------------
// Errors.

// ShapeError reports a function whose return or closure arity does not
// match the pattern produced by automatic differentiation.
type ShapeError struct {
	Reason string
}

// Error returns the error message.
func (e *ShapeError) Error() string {
	return e.Reason
}

func shapeErrorf(format string, args ...any) *ShapeError {
	return &ShapeError{Reason: fmt.Sprintf(format, args...)}
}

// UnsupportedPatternError reports a backward closure consuming more
// than one element of its gradient tuple parameter.
type UnsupportedPatternError struct {
	// Param is the closure parameter being projected.
	Param ir.Var
	// First is the projection index already rewritten.
	First int
	// Next is the conflicting projection index.
	Next int
}

// Error returns the error message.
func (e *UnsupportedPatternError) Error() string {
	return fmt.Sprintf("more than one element of the gradient tuple is used: indices %d and %d", e.First, e.Next)
}

// ----------------------------------------------------------------------------
// Structural matcher.

// matched holds the parts of an entry function recognized by the
// structural matcher.
type matched struct {
	// fwdTuple is the forward output tuple construction.
	fwdTuple *ir.Tuple
	// bwdVar is the variable bound to the backward closure.
	bwdVar ir.Var
	// bwd is the backward closure definition.
	bwd *ir.Func
	// paramType is the tuple type of the single closure parameter.
	paramType *ir.TupleType
}

// match recognizes the (forward output, backward closure) return shape
// at the end of a binding list. It returns nil when the function has
// nothing to canonicalize: that short circuit is a success, not an
// error.
func match(a *ir.Arena, ll *anf.LetList) (*matched, error) {
	n := ll.Size()
	if n == 0 {
		return nil, shapeErrorf("expected tuple-2 output (forward output, backward closure), but the body has no binding")
	}
	ret, ok := ll.ExprAt(n - 1).(*ir.Tuple)
	if !ok {
		return nil, shapeErrorf("expected tuple-2 output (forward output, backward closure), but got %T", ll.ExprAt(n-1))
	}
	if len(ret.Fields) != 2 {
		return nil, shapeErrorf("expected tuple-2 output (forward output, backward closure), but got %d fields", len(ret.Fields))
	}
	fwdVar, ok := ret.Fields[0].(ir.Var)
	if !ok {
		return nil, shapeErrorf("expected the forward output to be a bound variable, but got %T", ret.Fields[0])
	}
	bwdVar, ok := ret.Fields[1].(ir.Var)
	if !ok {
		return nil, shapeErrorf("expected the backward closure to be a bound variable, but got %T", ret.Fields[1])
	}
	exprs := ordered.NewMap[ir.Var, ir.Expr]()
	for v, e := range ll.Bindings() {
		exprs.Store(v, e)
	}
	bwdExpr, ok := exprs.Load(bwdVar)
	if !ok {
		return nil, shapeErrorf("backward closure %%%s is not bound in the function body", a.Name(bwdVar))
	}
	bwd, ok := bwdExpr.(*ir.Func)
	if !ok {
		return nil, shapeErrorf("expected %%%s to be bound to a closure, but got %T", a.Name(bwdVar), bwdExpr)
	}
	if len(bwd.Params) != 1 {
		return nil, shapeErrorf("expected one parameter in the backward closure, but got %d", len(bwd.Params))
	}
	param := bwd.Params[0]
	// The forward output must be a tuple construction and the closure
	// parameter must carry a tuple type. Either condition failing means
	// the model has no in-place mutation outputs: leave the function
	// untouched. The forward output shape is checked first.
	fwdExpr, bound := exprs.Load(fwdVar)
	fwdTuple, isTuple := fwdExpr.(*ir.Tuple)
	if !bound || !isTuple {
		return nil, nil
	}
	paramType, isTupleType := a.TypeOf(param).(*ir.TupleType)
	if !isTupleType || len(paramType.Fields) == 0 {
		return nil, nil
	}
	return &matched{
		fwdTuple:  fwdTuple,
		bwdVar:    bwdVar,
		bwd:       bwd,
		paramType: paramType,
	}, nil
}

// ----------------------------------------------------------------------------
// Expression rewriter.

// gradState is the accumulator of the rewrite fold over the backward
// closure body: the projection index consumed so far and the canonical
// gradient variable once allocated.
type gradState struct {
	arena  *ir.Arena
	unames *uname.Unique
	// param is the closure tuple parameter being eliminated.
	param     ir.Var
	paramType *ir.TupleType

	seen  bool
	index int
	dy    ir.Var
}

// project substitutes a projection of the closure parameter with the
// canonical gradient variable. Exactly one distinct index may ever be
// projected.
func (st *gradState) project(index int) (ir.Expr, error) {
	if st.seen {
		if index != st.index {
			return nil, &UnsupportedPatternError{Param: st.param, First: st.index, Next: index}
		}
		return st.dy, nil
	}
	if index < 0 || index >= len(st.paramType.Fields) {
		return nil, errors.Errorf("projection index %d of %%%s is out of range for %s", index, st.arena.Name(st.param), st.paramType.String())
	}
	st.seen = true
	st.index = index
	st.dy = st.arena.NewVar(st.unames.Name("dy"), st.paramType.Fields[index])
	return st.dy, nil
}

// rewrite descends into an expression, replacing projections of the
// closure parameter. All nodes on the path to a replacement are
// rebuilt; the input expression is never mutated.
func (st *gradState) rewrite(e ir.Expr) (ir.Expr, error) {
	switch e := e.(type) {
	case ir.Var:
		return e, nil
	case *ir.Const:
		return e, nil
	case *ir.Proj:
		if v, ok := e.Tuple.(ir.Var); ok && v == st.param {
			return st.project(e.Index)
		}
		tuple, err := st.rewrite(e.Tuple)
		if err != nil {
			return nil, err
		}
		return &ir.Proj{Tuple: tuple, Index: e.Index}, nil
	case *ir.Tuple:
		fields := make([]ir.Expr, len(e.Fields))
		for i, field := range e.Fields {
			rewritten, err := st.rewrite(field)
			if err != nil {
				return nil, err
			}
			fields[i] = rewritten
		}
		return &ir.Tuple{Fields: fields}, nil
	case *ir.Call:
		args := make([]ir.Expr, len(e.Args))
		for i, arg := range e.Args {
			rewritten, err := st.rewrite(arg)
			if err != nil {
				return nil, err
			}
			args[i] = rewritten
		}
		return &ir.Call{Op: e.Op, Args: args, Out: e.Out}, nil
	case *ir.Let:
		value, err := st.rewrite(e.Value)
		if err != nil {
			return nil, err
		}
		body, err := st.rewrite(e.Body)
		if err != nil {
			return nil, err
		}
		return &ir.Let{Var: e.Var, Value: value, Body: body}, nil
	case *ir.Func:
		if slices.Contains(e.Params, st.param) {
			// The nested closure rebinds the parameter: its body
			// references the rebound variable, not ours.
			return e, nil
		}
		body, err := st.rewrite(e.Body)
		if err != nil {
			return nil, err
		}
		return &ir.Func{Params: e.Params, Body: body, TypeParams: e.TypeParams}, nil
	}
	return nil, errors.Errorf("cannot rewrite expression node %T", e)
}

// ----------------------------------------------------------------------------
// Closure reconstruction and function assembly.

// Func canonicalizes one entry function. The input function is
// returned as is when it does not carry the pattern produced by
// automatic differentiation.
func Func(a *ir.Arena, fn *ir.Func) (*ir.Func, error) {
	ll, err := anf.Decompose(fn.Body)
	if err != nil {
		return nil, err
	}
	m, err := match(a, ll)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return fn, nil
	}

	unames := uname.New()
	for name := range a.Names() {
		unames.Register(name)
	}
	st := &gradState{
		arena:     a,
		unames:    unames,
		param:     m.bwd.Params[0],
		paramType: m.paramType,
	}
	bwdBody, err := st.rewrite(m.bwd.Body)
	if err != nil {
		return nil, err
	}
	dy := st.dy
	if !st.seen {
		// The closure ignores its gradient: give it a fresh unused
		// parameter of the primary gradient type.
		dy = a.NewVar(unames.Name("dy"), m.paramType.Fields[0])
	}
	bwd := &ir.Func{
		Params:     []ir.Var{dy},
		Body:       bwdBody,
		TypeParams: m.bwd.TypeParams,
	}

	n := ll.Size()
	body := anf.Build(func(out *anf.LetList) ir.Expr {
		// The backward closure definition is skipped here and
		// re-emitted, rewritten, right before the final tuple.
		for i := 0; i < n-1; i++ {
			if ll.Var(i) == m.bwdVar {
				continue
			}
			out.Push(ll.Var(i), ll.ExprAt(i))
		}
		out.Push(m.bwdVar, bwd)
		fields := slices.Clone(m.fwdTuple.Fields)
		fields = append(fields, ir.Expr(m.bwdVar))
		out.Push(ll.Var(n-1), &ir.Tuple{Fields: fields})
		return ll.Ret()
	})
	return &ir.Func{Params: fn.Params, Body: body, TypeParams: fn.TypeParams}, nil
}

// Module is the pass entry point: it canonicalizes the entry function
// and leaves every other module member untouched.
func Module(mod *ir.Module, ctx *pass.Context) (*ir.Module, error) {
	entry, ok := mod.Lookup(ir.EntryName)
	if !ok {
		return nil, &pass.LookupError{Name: ir.EntryName}
	}
	canon, err := Func(mod.Arena(), entry)
	if err != nil {
		return nil, err
	}
	if canon == entry {
		return mod, nil
	}
	return mod.WithFunc(ir.EntryName, canon), nil
}
