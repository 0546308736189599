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

// Package ops constructs operator call nodes for the razor IR.
//
// Constructors compute the result type of a call from its operand
// types. They only build IR: lowering an operator to a backend is the
// concern of the compilation target, not of this package.
package ops

import (
	"github.com/pkg/errors"
	"github.com/razor-ml/razor/ir"
)

// Operator names.
const (
	OpAdd                = "razor.op.add"
	OpMultiply           = "razor.op.multiply"
	OpNegative           = "razor.op.negative"
	OpSum                = "razor.op.sum"
	OpCholesky           = "razor.op.cholesky"
	OpLogSoftmax         = "razor.op.log_softmax"
	OpLogSoftmaxRawGrad  = "razor.op.log_softmax_dx"
	OpBatchNormTrainMean = "razor.op.batch_norm_train_mean"
)

func tensorOperand(a *ir.Arena, op string, x ir.Expr) (*ir.TensorType, error) {
	typ, err := ir.TypeOf(a, x)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot type operand of %s", op)
	}
	tensor, ok := typ.(*ir.TensorType)
	if !ok {
		return nil, errors.Errorf("%s expects a tensor operand but got %s", op, typ.String())
	}
	return tensor, nil
}

func elementwise(a *ir.Arena, op string, args ...ir.Expr) (*ir.Call, error) {
	var out *ir.TensorType
	for _, arg := range args {
		tensor, err := tensorOperand(a, op, arg)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = tensor
			continue
		}
		if !out.Equal(tensor) {
			return nil, errors.Errorf("%s operands have mismatched types %s and %s", op, out.String(), tensor.String())
		}
	}
	return &ir.Call{Op: op, Args: args, Out: out}, nil
}

// Add returns an elementwise addition of two tensors of the same type.
func Add(a *ir.Arena, x, y ir.Expr) (*ir.Call, error) {
	return elementwise(a, OpAdd, x, y)
}

// Multiply returns an elementwise product of two tensors of the same type.
func Multiply(a *ir.Arena, x, y ir.Expr) (*ir.Call, error) {
	return elementwise(a, OpMultiply, x, y)
}

// Negative returns the elementwise negation of a tensor.
func Negative(a *ir.Arena, x ir.Expr) (*ir.Call, error) {
	return elementwise(a, OpNegative, x)
}

// Sum reduces a tensor to a scalar of the same element type.
func Sum(a *ir.Arena, x ir.Expr) (*ir.Call, error) {
	tensor, err := tensorOperand(a, OpSum, x)
	if err != nil {
		return nil, err
	}
	out := &ir.TensorType{DType: tensor.DType}
	return &ir.Call{Op: OpSum, Args: []ir.Expr{x}, Out: out}, nil
}

// Cholesky returns the Cholesky decomposition of a square matrix.
func Cholesky(a *ir.Arena, x ir.Expr) (*ir.Call, error) {
	tensor, err := tensorOperand(a, OpCholesky, x)
	if err != nil {
		return nil, err
	}
	if len(tensor.Shape) != 2 || tensor.Shape[0] != tensor.Shape[1] {
		return nil, errors.Errorf("%s expects a square matrix but got %s", OpCholesky, tensor.String())
	}
	return &ir.Call{Op: OpCholesky, Args: []ir.Expr{x}, Out: tensor}, nil
}

// LogSoftmax computes log(softmax(x)) along the last axis.
func LogSoftmax(a *ir.Arena, x ir.Expr) (*ir.Call, error) {
	return elementwise(a, OpLogSoftmax, x)
}

// LogSoftmaxGrad computes the gradient of LogSoftmax given the output
// gradient and the forward output.
func LogSoftmaxGrad(a *ir.Arena, dy, y ir.Expr) (*ir.Call, error) {
	return elementwise(a, OpLogSoftmaxRawGrad, dy, y)
}

// BatchNormTrainMean returns the running mean produced by a training
// step of batch normalization over x.
func BatchNormTrainMean(a *ir.Arena, x ir.Expr) (*ir.Call, error) {
	tensor, err := tensorOperand(a, OpBatchNormTrainMean, x)
	if err != nil {
		return nil, err
	}
	if len(tensor.Shape) == 0 {
		return nil, errors.Errorf("%s expects a non-scalar tensor but got %s", OpBatchNormTrainMean, tensor.String())
	}
	out := &ir.TensorType{DType: tensor.DType, Shape: tensor.Shape[len(tensor.Shape)-1:]}
	return &ir.Call{Op: OpBatchNormTrainMean, Args: []ir.Expr{x}, Out: out}, nil
}
