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

package canonicalize_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/razor-ml/razor/ir"
	"github.com/razor-ml/razor/ir/anf"
	"github.com/razor-ml/razor/ir/irhelper"
	"github.com/razor-ml/razor/ir/ops"
	"github.com/razor-ml/razor/pass"
	"github.com/razor-ml/razor/pass/canonicalize"
)

// gradModule is a module shaped like the output of automatic
// differentiation: the entry function returns a 2-tuple of the forward
// output and the backward closure.
type gradModule struct {
	mod   *ir.Module
	arena *ir.Arena

	matrix, vector *ir.TensorType

	x, y, mean, fwd, param, bwdVar, ret ir.Var
}

func newGradModule(t *testing.T) *gradModule {
	t.Helper()
	g := &gradModule{
		mod:    ir.NewModule(),
		matrix: irhelper.Float32(2, 2),
		vector: irhelper.Float32(2),
	}
	g.arena = g.mod.Arena()
	gradType := irhelper.TupleType(g.matrix, g.vector)
	g.x = g.arena.NewVar("x", g.matrix)
	g.y = g.arena.NewVar("y", g.matrix)
	g.mean = g.arena.NewVar("mean", g.vector)
	g.fwd = g.arena.NewVar("fwd_out", irhelper.TupleType(g.matrix, g.vector))
	g.param = g.arena.NewVar("dyt", gradType)
	g.bwdVar = g.arena.NewVar("bwd", &ir.FuncType{
		Params: []ir.Type{gradType},
		Result: g.matrix,
	})
	g.ret = g.arena.NewVar("ret", irhelper.TupleType(
		irhelper.TupleType(g.matrix, g.vector),
		g.arena.TypeOf(g.bwdVar),
	))
	return g
}

// closureBody returns the default backward closure body:
// project the gradient tuple then scale the captured forward output.
func (g *gradModule) closureBody(t *testing.T) ir.Expr {
	t.Helper()
	grad := g.arena.NewVar("g", g.matrix)
	dx := g.arena.NewVar("dx", g.matrix)
	mul, err := ops.Multiply(g.arena, grad, g.y)
	if err != nil {
		t.Fatal(err)
	}
	return irhelper.Body(dx,
		irhelper.Bind{Var: grad, Expr: irhelper.Proj(g.param, 0)},
		irhelper.Bind{Var: dx, Expr: mul},
	)
}

// define builds @main with the given closure body and forward output
// expression, then installs it in the module.
func (g *gradModule) define(t *testing.T, fwdExpr ir.Expr, bwdBody ir.Expr) *ir.Func {
	t.Helper()
	yExpr, err := ops.Add(g.arena, g.x, g.x)
	if err != nil {
		t.Fatal(err)
	}
	meanExpr, err := ops.BatchNormTrainMean(g.arena, g.x)
	if err != nil {
		t.Fatal(err)
	}
	bwd := &ir.Func{Params: []ir.Var{g.param}, Body: bwdBody}
	main := &ir.Func{
		Params: []ir.Var{g.x},
		Body: irhelper.Body(g.ret,
			irhelper.Bind{Var: g.y, Expr: yExpr},
			irhelper.Bind{Var: g.mean, Expr: meanExpr},
			irhelper.Bind{Var: g.fwd, Expr: fwdExpr},
			irhelper.Bind{Var: g.bwdVar, Expr: bwd},
			irhelper.Bind{Var: g.ret, Expr: irhelper.Tuple(g.fwd, g.bwdVar)},
		),
	}
	g.mod.Define(ir.EntryName, main)
	return main
}

func (g *gradModule) fwdTuple() ir.Expr {
	return irhelper.Tuple(g.y, g.mean)
}

// run applies the pass and decomposes the resulting entry function.
func run(t *testing.T, mod *ir.Module) (*ir.Module, *ir.Func, *anf.LetList) {
	t.Helper()
	out, err := canonicalize.Module(mod, pass.NewContext())
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := out.Lookup(ir.EntryName)
	if !ok {
		t.Fatal("no entry function in the output module")
	}
	ll, err := anf.Decompose(entry.Body)
	if err != nil {
		t.Fatal(err)
	}
	return out, entry, ll
}

func TestCanonicalize(t *testing.T) {
	g := newGradModule(t)
	g.define(t, g.fwdTuple(), g.closureBody(t))
	helper := &ir.Func{Params: []ir.Var{g.x}, Body: irhelper.Body(g.x)}
	g.mod.Define("helper", helper)
	before := g.mod.String()

	out, entry, ll := run(t, g.mod)

	// The closure binding is replaced, not added.
	if got, want := ll.Size(), 5; got != want {
		t.Errorf("output has %d bindings but want %d", got, want)
	}
	// The final tuple is the flattened forward output plus the closure.
	last, ok := ll.ExprAt(ll.Size() - 1).(*ir.Tuple)
	if !ok {
		t.Fatalf("last binding is %T but want *ir.Tuple", ll.ExprAt(ll.Size()-1))
	}
	wantFields := []ir.Expr{g.y, g.mean, g.bwdVar}
	if diff := cmp.Diff(last.Fields, wantFields); diff != "" {
		t.Errorf("final tuple fields differ:\n%s", diff)
	}

	// The rewritten closure takes the primary gradient tensor.
	bwdExpr, ok := bindingOf(ll, g.bwdVar)
	if !ok {
		t.Fatal("no binding for the backward closure in the output")
	}
	bwd, ok := bwdExpr.(*ir.Func)
	if !ok {
		t.Fatalf("backward closure is bound to %T but want *ir.Func", bwdExpr)
	}
	if got, want := len(bwd.Params), 1; got != want {
		t.Fatalf("rewritten closure has %d parameters but want %d", got, want)
	}
	dy := bwd.Params[0]
	if got := g.arena.TypeOf(dy); !got.Equal(g.matrix) {
		t.Errorf("gradient parameter has type %s but want %s", got.String(), g.matrix.String())
	}
	if got, want := g.arena.Name(dy), "dy"; got != want {
		t.Errorf("gradient parameter is named %s but want %s", got, want)
	}

	// Every projection of the old tuple parameter now references dy.
	grad := mustVar(t, g.arena, "g")
	dx := mustVar(t, g.arena, "dx")
	mul, err := ops.Multiply(g.arena, grad, g.y)
	if err != nil {
		t.Fatal(err)
	}
	wantBody := irhelper.Body(dx,
		irhelper.Bind{Var: grad, Expr: dy},
		irhelper.Bind{Var: dx, Expr: mul},
	)
	if diff := cmp.Diff(bwd.Body, wantBody); diff != "" {
		t.Errorf("rewritten closure body differs:\n%s", diff)
	}

	// The output module is well formed; untouched members are shared;
	// the input module is not mutated.
	if err := ir.Validate(out); err != nil {
		t.Errorf("output module is not well formed: %v", err)
	}
	if entry == nil || out == g.mod {
		t.Errorf("the entry function must be replaced in a new module")
	}
	if got, ok := out.Lookup("helper"); !ok || got != helper {
		t.Errorf("untouched module member is not shared with the input")
	}
	if after := g.mod.String(); after != before {
		t.Errorf("input module mutated:\n%s", cmp.Diff(before, after))
	}
}

func TestIdempotence(t *testing.T) {
	g := newGradModule(t)
	g.define(t, g.fwdTuple(), g.closureBody(t))
	out, _, _ := run(t, g.mod)
	// The rewritten closure parameter is no longer tuple typed, so a
	// second application has nothing to do.
	again, err := canonicalize.Module(out, pass.NewContext())
	if err != nil {
		t.Fatal(err)
	}
	if again != out {
		t.Errorf("second application must return the module unchanged")
	}
}

func TestShortCircuit(t *testing.T) {
	tests := []struct {
		desc       string
		tupleFwd   bool
		tupleParam bool
	}{
		// The short circuit triggers on either condition alone. A tuple
		// forward output with a tensor parameter (and the converse) is a
		// known ambiguity inherited from the producer contract: both
		// mixed cases skip canonicalization.
		{desc: "bare tensor forward output", tupleFwd: false, tupleParam: true},
		{desc: "tensor gradient parameter", tupleFwd: true, tupleParam: false},
		{desc: "both plain", tupleFwd: false, tupleParam: false},
	}
	for _, test := range tests {
		g := newGradModule(t)
		if !test.tupleParam {
			g.param = g.arena.NewVar("dyt", g.matrix)
		}
		var fwdExpr ir.Expr = g.fwdTuple()
		if !test.tupleFwd {
			var err error
			fwdExpr, err = ops.Add(g.arena, g.y, g.y)
			if err != nil {
				t.Fatal(err)
			}
		}
		grad := g.arena.NewVar("g", g.matrix)
		var bwdBody ir.Expr
		if test.tupleParam {
			bwdBody = irhelper.Body(grad,
				irhelper.Bind{Var: grad, Expr: irhelper.Proj(g.param, 0)},
			)
		} else {
			bwdBody = irhelper.Body(grad,
				irhelper.Bind{Var: grad, Expr: g.param},
			)
		}
		main := g.define(t, fwdExpr, bwdBody)
		out, err := canonicalize.Module(g.mod, pass.NewContext())
		if err != nil {
			t.Errorf("%s: %v", test.desc, err)
			continue
		}
		if out != g.mod {
			t.Errorf("%s: module must be returned unchanged", test.desc)
		}
		entry, _ := out.Lookup(ir.EntryName)
		if entry != main {
			t.Errorf("%s: entry function must be returned unchanged", test.desc)
		}
	}
}

func TestClosureArity(t *testing.T) {
	g := newGradModule(t)
	other := g.arena.NewVar("aux", g.vector)
	grad := g.arena.NewVar("g", g.matrix)
	bwdBody := irhelper.Body(grad,
		irhelper.Bind{Var: grad, Expr: irhelper.Proj(g.param, 0)},
	)
	yExpr, err := ops.Add(g.arena, g.x, g.x)
	if err != nil {
		t.Fatal(err)
	}
	bwd := &ir.Func{Params: []ir.Var{g.param, other}, Body: bwdBody}
	g.mod.Define(ir.EntryName, &ir.Func{
		Params: []ir.Var{g.x},
		Body: irhelper.Body(g.ret,
			irhelper.Bind{Var: g.y, Expr: yExpr},
			irhelper.Bind{Var: g.fwd, Expr: g.fwdTuple()},
			irhelper.Bind{Var: g.bwdVar, Expr: bwd},
			irhelper.Bind{Var: g.ret, Expr: irhelper.Tuple(g.fwd, g.bwdVar)},
		),
	})
	_, err = canonicalize.Module(g.mod, pass.NewContext())
	var shape *canonicalize.ShapeError
	if !errors.As(err, &shape) {
		t.Fatalf("got error %v but want *canonicalize.ShapeError", err)
	}
}

func TestReturnArity(t *testing.T) {
	g := newGradModule(t)
	g.define(t, g.fwdTuple(), g.closureBody(t))
	// Rebind the return to a 3-tuple.
	entry, _ := g.mod.Lookup(ir.EntryName)
	ll, err := anf.Decompose(entry.Body)
	if err != nil {
		t.Fatal(err)
	}
	body := anf.Build(func(out *anf.LetList) ir.Expr {
		for i := 0; i < ll.Size()-1; i++ {
			out.Push(ll.Var(i), ll.ExprAt(i))
		}
		out.Push(ll.Var(ll.Size()-1), irhelper.Tuple(g.fwd, g.bwdVar, g.y))
		return ll.Ret()
	})
	g.mod.Define(ir.EntryName, &ir.Func{Params: entry.Params, Body: body})
	_, err = canonicalize.Module(g.mod, pass.NewContext())
	var shape *canonicalize.ShapeError
	if !errors.As(err, &shape) {
		t.Fatalf("got error %v but want *canonicalize.ShapeError", err)
	}
}

func TestTwoGradientIndices(t *testing.T) {
	g := newGradModule(t)
	grad := g.arena.NewVar("g", g.matrix)
	aux := g.arena.NewVar("aux", g.vector)
	pair := g.arena.NewVar("pair", irhelper.TupleType(g.matrix, g.vector))
	bwdBody := irhelper.Body(pair,
		irhelper.Bind{Var: grad, Expr: irhelper.Proj(g.param, 0)},
		irhelper.Bind{Var: aux, Expr: irhelper.Proj(g.param, 1)},
		irhelper.Bind{Var: pair, Expr: irhelper.Tuple(grad, aux)},
	)
	g.define(t, g.fwdTuple(), bwdBody)
	before := g.mod.String()

	_, err := canonicalize.Module(g.mod, pass.NewContext())
	var unsupported *canonicalize.UnsupportedPatternError
	if !errors.As(err, &unsupported) {
		t.Fatalf("got error %v but want *canonicalize.UnsupportedPatternError", err)
	}
	if unsupported.First != 0 || unsupported.Next != 1 {
		t.Errorf("error reports indices %d and %d but want 0 and 1", unsupported.First, unsupported.Next)
	}
	if after := g.mod.String(); after != before {
		t.Errorf("failed run mutated the input module:\n%s", cmp.Diff(before, after))
	}
}

func TestSameIndexTwice(t *testing.T) {
	g := newGradModule(t)
	g1 := g.arena.NewVar("g1", g.matrix)
	g2 := g.arena.NewVar("g2", g.matrix)
	sum := g.arena.NewVar("sum", g.matrix)
	add, err := ops.Add(g.arena, g1, g2)
	if err != nil {
		t.Fatal(err)
	}
	bwdBody := irhelper.Body(sum,
		irhelper.Bind{Var: g1, Expr: irhelper.Proj(g.param, 0)},
		irhelper.Bind{Var: g2, Expr: irhelper.Proj(g.param, 0)},
		irhelper.Bind{Var: sum, Expr: add},
	)
	g.define(t, g.fwdTuple(), bwdBody)

	_, _, ll := run(t, g.mod)
	bwdExpr, ok := bindingOf(ll, g.bwdVar)
	if !ok {
		t.Fatal("no binding for the backward closure in the output")
	}
	bwd := bwdExpr.(*ir.Func)
	inner, err := anf.Decompose(bwd.Body)
	if err != nil {
		t.Fatal(err)
	}
	first, ok1 := inner.ExprAt(0).(ir.Var)
	second, ok2 := inner.ExprAt(1).(ir.Var)
	if !ok1 || !ok2 {
		t.Fatalf("projections were not substituted: %T, %T", inner.ExprAt(0), inner.ExprAt(1))
	}
	if first != second {
		t.Errorf("repeated projections of the same index must share one canonical variable")
	}
	if first != bwd.Params[0] {
		t.Errorf("substituted variable is not the closure parameter")
	}
}

func TestUnusedGradient(t *testing.T) {
	g := newGradModule(t)
	dx := g.arena.NewVar("dx", g.matrix)
	neg, err := ops.Negative(g.arena, g.y)
	if err != nil {
		t.Fatal(err)
	}
	bwdBody := irhelper.Body(dx,
		irhelper.Bind{Var: dx, Expr: neg},
	)
	g.define(t, g.fwdTuple(), bwdBody)

	_, _, ll := run(t, g.mod)
	bwdExpr, _ := bindingOf(ll, g.bwdVar)
	bwd := bwdExpr.(*ir.Func)
	if got, want := len(bwd.Params), 1; got != want {
		t.Fatalf("closure has %d parameters but want %d", got, want)
	}
	if got := g.arena.TypeOf(bwd.Params[0]); !got.Equal(g.matrix) {
		t.Errorf("unused gradient parameter has type %s but want %s", got.String(), g.matrix.String())
	}
	if diff := cmp.Diff(bwd.Body, bwdBody); diff != "" {
		t.Errorf("closure body must be unchanged:\n%s", diff)
	}
}

func TestShadowedParameter(t *testing.T) {
	g := newGradModule(t)
	grad := g.arena.NewVar("g", g.matrix)
	innerRet := g.arena.NewVar("q", g.matrix)
	out := g.arena.NewVar("out", irhelper.TupleType(g.matrix, g.arena.TypeOf(g.param)))
	innerVar := g.arena.NewVar("inner", &ir.FuncType{
		Params: []ir.Type{g.arena.TypeOf(g.param)},
		Result: g.matrix,
	})
	// The nested closure rebinds the gradient tuple parameter: its
	// projections refer to its own argument and stay untouched.
	inner := &ir.Func{
		Params: []ir.Var{g.param},
		Body: irhelper.Body(innerRet,
			irhelper.Bind{Var: innerRet, Expr: irhelper.Proj(g.param, 0)},
		),
	}
	bwdBody := irhelper.Body(out,
		irhelper.Bind{Var: innerVar, Expr: inner},
		irhelper.Bind{Var: grad, Expr: irhelper.Proj(g.param, 0)},
		irhelper.Bind{Var: out, Expr: irhelper.Tuple(grad, innerVar)},
	)
	g.define(t, g.fwdTuple(), bwdBody)

	_, _, ll := run(t, g.mod)
	bwdExpr, _ := bindingOf(ll, g.bwdVar)
	bwd := bwdExpr.(*ir.Func)
	innerLL, err := anf.Decompose(bwd.Body)
	if err != nil {
		t.Fatal(err)
	}
	gotInner, ok := innerLL.ExprAt(0).(*ir.Func)
	if !ok {
		t.Fatalf("first binding is %T but want the nested closure", innerLL.ExprAt(0))
	}
	if diff := cmp.Diff(gotInner, inner); diff != "" {
		t.Errorf("nested closure rebinding the parameter must be untouched:\n%s", diff)
	}
	if gotGrad, ok := innerLL.ExprAt(1).(ir.Var); !ok || gotGrad != bwd.Params[0] {
		t.Errorf("outer projection must be substituted with the gradient parameter")
	}
}

func TestMalformedBody(t *testing.T) {
	g := newGradModule(t)
	g.mod.Define(ir.EntryName, &ir.Func{
		Params: []ir.Var{g.x},
		Body:   irhelper.Tuple(g.x, g.x),
	})
	_, err := canonicalize.Module(g.mod, pass.NewContext())
	var malformed *anf.MalformedBodyError
	if !errors.As(err, &malformed) {
		t.Fatalf("got error %v but want *anf.MalformedBodyError", err)
	}
}

func TestMissingEntry(t *testing.T) {
	mod := ir.NewModule()
	_, err := canonicalize.Module(mod, pass.NewContext())
	var lookup *pass.LookupError
	if !errors.As(err, &lookup) {
		t.Fatalf("got error %v but want *pass.LookupError", err)
	}
	if lookup.Name != ir.EntryName {
		t.Errorf("error names %q but want %q", lookup.Name, ir.EntryName)
	}
}

func TestRegistered(t *testing.T) {
	r := pass.NewRegistry()
	if err := canonicalize.Register(r); err != nil {
		t.Fatal(err)
	}
	p, ok := r.Lookup("CanonicalizeParamsForRAZOR")
	if !ok {
		t.Fatal("pass is not registered under its name")
	}
	if p.Info.OptLevel != 1 {
		t.Errorf("pass has opt level %d but want 1", p.Info.OptLevel)
	}
	if len(p.Info.Requires) != 0 {
		t.Errorf("pass declares %d requirements but want none", len(p.Info.Requires))
	}

	g := newGradModule(t)
	g.define(t, g.fwdTuple(), g.closureBody(t))
	out, err := r.Apply(g.mod, pass.NewContext(pass.WithOptLevel(1)))
	if err != nil {
		t.Fatal(err)
	}
	if out == g.mod {
		t.Errorf("applying the registry must canonicalize the entry function")
	}
	skipped, err := r.Apply(g.mod, pass.NewContext(pass.WithOptLevel(0)))
	if err != nil {
		t.Fatal(err)
	}
	if skipped != g.mod {
		t.Errorf("the pass must be skipped below its opt level")
	}
}

// bindingOf returns the expression bound to v in a let list.
func bindingOf(ll *anf.LetList, v ir.Var) (ir.Expr, bool) {
	for bv, e := range ll.Bindings() {
		if bv == v {
			return e, true
		}
	}
	return nil, false
}

// mustVar returns the last arena variable with the given name.
func mustVar(t *testing.T, arena *ir.Arena, name string) ir.Var {
	t.Helper()
	found := ir.Var(0)
	ok := false
	for v := 0; v < arena.Size(); v++ {
		if arena.Name(ir.Var(v)) == name {
			found = ir.Var(v)
			ok = true
		}
	}
	if !ok {
		t.Fatalf("no variable named %s in the arena", name)
	}
	return found
}
