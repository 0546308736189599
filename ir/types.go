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
	"fmt"
	"strings"

	"github.com/gx-org/backend/dtype"
	"github.com/razor-ml/razor/ir/irkind"
)

// ----------------------------------------------------------------------------
// Types definition.

// Type of a value.
type Type interface {
	Node

	// Kind of the type.
	Kind() irkind.Kind

	// Equal returns true if other is structurally the same type.
	Equal(Type) bool

	// String representation of the type.
	String() string
}

// TensorType is a tensor with an element data type and a shape.
// An empty shape is a scalar.
type TensorType struct {
	DType dtype.DataType
	Shape []int
}

func (*TensorType) node() {}

// Kind of the type.
func (*TensorType) Kind() irkind.Kind { return irkind.Tensor }

// Equal returns true if other is a tensor type with the same element
// type and shape.
func (t *TensorType) Equal(other Type) bool {
	o, ok := other.(*TensorType)
	if !ok {
		return false
	}
	if t.DType != o.DType || len(t.Shape) != len(o.Shape) {
		return false
	}
	for i, dim := range t.Shape {
		if o.Shape[i] != dim {
			return false
		}
	}
	return true
}

// String representation of the type.
func (t *TensorType) String() string {
	elem := irkind.FromDType(t.DType).String()
	if len(t.Shape) == 0 {
		return elem
	}
	dims := make([]string, len(t.Shape))
	for i, dim := range t.Shape {
		dims[i] = fmt.Sprint(dim)
	}
	return fmt.Sprintf("%s[%s]", elem, strings.Join(dims, ","))
}

// TupleType is a product of types.
type TupleType struct {
	Fields []Type
}

func (*TupleType) node() {}

// Kind of the type.
func (*TupleType) Kind() irkind.Kind { return irkind.Tuple }

// Equal returns true if other is a tuple type with equal fields.
func (t *TupleType) Equal(other Type) bool {
	o, ok := other.(*TupleType)
	if !ok || len(t.Fields) != len(o.Fields) {
		return false
	}
	for i, field := range t.Fields {
		if !field.Equal(o.Fields[i]) {
			return false
		}
	}
	return true
}

// String representation of the type.
func (t *TupleType) String() string {
	fields := make([]string, len(t.Fields))
	for i, field := range t.Fields {
		fields[i] = field.String()
	}
	return "(" + strings.Join(fields, ", ") + ")"
}

// FuncType is the type of a function or closure value.
type FuncType struct {
	Params []Type
	Result Type
}

func (*FuncType) node() {}

// Kind of the type.
func (*FuncType) Kind() irkind.Kind { return irkind.Func }

// Equal returns true if other is a function type with equal parameters
// and result.
func (t *FuncType) Equal(other Type) bool {
	o, ok := other.(*FuncType)
	if !ok || len(t.Params) != len(o.Params) {
		return false
	}
	for i, param := range t.Params {
		if !param.Equal(o.Params[i]) {
			return false
		}
	}
	return t.Result.Equal(o.Result)
}

// String representation of the type.
func (t *FuncType) String() string {
	params := make([]string, len(t.Params))
	for i, param := range t.Params {
		params[i] = param.String()
	}
	return fmt.Sprintf("fn(%s) %s", strings.Join(params, ", "), t.Result.String())
}
