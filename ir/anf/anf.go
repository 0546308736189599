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

// Package anf decomposes and rebuilds function bodies in
// administrative normal form.
//
// A body is a linear chain of let bindings terminating in a variable
// reference. LetList holds the chain as an ordered sequence of
// (variable, expression) pairs so passes can inspect and re-thread
// bindings without recursing through the nesting.
package anf

import "github.com/razor-ml/razor/ir"

// MalformedBodyError reports a function body that is not a linear let
// chain terminating in a variable reference.
type MalformedBodyError struct {
	// Node is the expression that broke the chain.
	Node ir.Expr
	// Reason describes the violated structure.
	Reason string
}

// Error returns the error message.
func (e *MalformedBodyError) Error() string {
	return "malformed function body: " + e.Reason
}

// LetList is the decomposed form of an ANF body: parallel ordered
// slices of bound variables and their expressions, plus the terminal
// return expression.
type LetList struct {
	vars  []ir.Var
	exprs []ir.Expr
	ret   ir.Expr
}

// Decompose flattens a let chain into a LetList.
func Decompose(body ir.Expr) (*LetList, error) {
	ll := &LetList{}
	seen := make(map[ir.Var]bool)
	for {
		let, ok := body.(*ir.Let)
		if !ok {
			break
		}
		if seen[let.Var] {
			return nil, &MalformedBodyError{
				Node:   let,
				Reason: "a variable is bound twice in the same chain",
			}
		}
		seen[let.Var] = true
		ll.vars = append(ll.vars, let.Var)
		ll.exprs = append(ll.exprs, let.Value)
		body = let.Body
	}
	if _, ok := body.(ir.Var); !ok {
		return nil, &MalformedBodyError{
			Node:   body,
			Reason: "the chain does not terminate in a variable reference",
		}
	}
	ll.ret = body
	return ll, nil
}

// Build runs f on an empty LetList and reconstructs the chain from the
// bindings f pushed and the return expression f returns.
func Build(f func(ll *LetList) ir.Expr) ir.Expr {
	ll := &LetList{}
	ll.ret = f(ll)
	return ll.Expr()
}

// Push appends a binding to the list and returns the bound variable.
func (ll *LetList) Push(v ir.Var, e ir.Expr) ir.Var {
	ll.vars = append(ll.vars, v)
	ll.exprs = append(ll.exprs, e)
	return v
}

// Size returns the number of bindings in the list.
func (ll *LetList) Size() int {
	return len(ll.vars)
}

// Var returns the variable of the i-th binding.
func (ll *LetList) Var(i int) ir.Var {
	return ll.vars[i]
}

// ExprAt returns the expression of the i-th binding.
func (ll *LetList) ExprAt(i int) ir.Expr {
	return ll.exprs[i]
}

// Ret returns the terminal return expression of the chain.
func (ll *LetList) Ret() ir.Expr {
	return ll.ret
}

// Bindings returns an iterator over the (variable, expression) pairs of
// the list in program order.
func (ll *LetList) Bindings() func(func(ir.Var, ir.Expr) bool) {
	return func(yield func(ir.Var, ir.Expr) bool) {
		for i, v := range ll.vars {
			if !yield(v, ll.exprs[i]) {
				break
			}
		}
	}
}

// Expr reconstructs the body expression: the bindings in program order
// terminating in the return expression.
func (ll *LetList) Expr() ir.Expr {
	body := ll.ret
	for i := len(ll.vars) - 1; i >= 0; i-- {
		body = &ir.Let{Var: ll.vars[i], Value: ll.exprs[i], Body: body}
	}
	return body
}
