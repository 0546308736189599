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

// Package irhelper provides helper functions to build IR programmatically.
package irhelper

import (
	"github.com/gx-org/backend/dtype"
	"github.com/razor-ml/razor/ir"
)

// TensorType returns a tensor type given an element type and a shape.
func TensorType(dt dtype.DataType, dims ...int) *ir.TensorType {
	return &ir.TensorType{DType: dt, Shape: dims}
}

// Float32 returns a float32 tensor type. No dimension gives a scalar.
func Float32(dims ...int) *ir.TensorType {
	return TensorType(dtype.Float32, dims...)
}

// TupleType returns a tuple type given its field types.
func TupleType(fields ...ir.Type) *ir.TupleType {
	return &ir.TupleType{Fields: fields}
}

// Tuple returns a tuple construction expression.
func Tuple(fields ...ir.Expr) *ir.Tuple {
	return &ir.Tuple{Fields: fields}
}

// Proj returns a tuple projection expression.
func Proj(tuple ir.Expr, index int) *ir.Proj {
	return &ir.Proj{Tuple: tuple, Index: index}
}

// Closure returns a function expression.
func Closure(params []ir.Var, body ir.Expr) *ir.Func {
	return &ir.Func{Params: params, Body: body}
}

// Bind is a (variable, expression) pair for Body.
type Bind struct {
	Var  ir.Var
	Expr ir.Expr
}

// Body chains bindings into a let chain terminating in ret.
func Body(ret ir.Expr, binds ...Bind) ir.Expr {
	body := ret
	for i := len(binds) - 1; i >= 0; i-- {
		body = &ir.Let{Var: binds[i].Var, Value: binds[i].Expr, Body: body}
	}
	return body
}
