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
	"strconv"
	"strings"
)

// printer renders IR nodes as text. Variable names come from the arena.
type printer struct {
	bld    strings.Builder
	arena  *Arena
	indent int
}

func (p *printer) writeIndent() {
	p.bld.WriteString(strings.Repeat("  ", p.indent))
}

func (p *printer) writeVar(v Var) {
	p.bld.WriteString("%" + p.arena.Name(v))
}

func (p *printer) writeParams(params []Var) {
	p.bld.WriteString("(")
	for i, param := range params {
		if i > 0 {
			p.bld.WriteString(", ")
		}
		p.writeVar(param)
		if typ := p.arena.TypeOf(param); typ != nil {
			p.bld.WriteString(": " + typ.String())
		}
	}
	p.bld.WriteString(")")
}

// writeBody renders a let chain as one line per binding.
func (p *printer) writeBody(e Expr) {
	p.bld.WriteString("{\n")
	p.indent++
	for {
		let, ok := e.(*Let)
		if !ok {
			break
		}
		p.writeIndent()
		p.bld.WriteString("let ")
		p.writeVar(let.Var)
		p.bld.WriteString(" = ")
		p.writeExpr(let.Value)
		p.bld.WriteString(";\n")
		e = let.Body
	}
	p.writeIndent()
	p.writeExpr(e)
	p.bld.WriteString("\n")
	p.indent--
	p.writeIndent()
	p.bld.WriteString("}")
}

func (p *printer) writeExpr(e Expr) {
	switch e := e.(type) {
	case Var:
		p.writeVar(e)
	case *Tuple:
		p.bld.WriteString("(")
		for i, field := range e.Fields {
			if i > 0 {
				p.bld.WriteString(", ")
			}
			p.writeExpr(field)
		}
		p.bld.WriteString(")")
	case *Proj:
		p.writeExpr(e.Tuple)
		p.bld.WriteString("." + strconv.Itoa(e.Index))
	case *Func:
		p.bld.WriteString("fn")
		p.writeParams(e.Params)
		p.bld.WriteString(" ")
		p.writeBody(e.Body)
	case *Call:
		p.bld.WriteString(e.Op + "(")
		for i, arg := range e.Args {
			if i > 0 {
				p.bld.WriteString(", ")
			}
			p.writeExpr(arg)
		}
		p.bld.WriteString(")")
	case *Const:
		p.bld.WriteString(strconv.FormatFloat(e.Value, 'g', -1, 64))
		if e.Typ != nil {
			p.bld.WriteString(": " + e.Typ.String())
		}
	case *Let:
		p.writeBody(e)
	default:
		fmt.Fprintf(&p.bld, "<%T>", e)
	}
}

// ExprString returns a string representation of an expression.
func ExprString(a *Arena, e Expr) string {
	p := &printer{arena: a}
	p.writeExpr(e)
	return p.bld.String()
}

// FuncString returns a string representation of a function.
func FuncString(a *Arena, name string, fn *Func) string {
	p := &printer{arena: a}
	p.bld.WriteString("def @" + name)
	p.writeParams(fn.Params)
	p.bld.WriteString(" ")
	p.writeBody(fn.Body)
	return p.bld.String()
}

// String returns a string representation of the module.
func (m *Module) String() string {
	lines := []string{}
	for name, fn := range m.Functions() {
		lines = append(lines, FuncString(m.arena, name, fn))
	}
	return strings.Join(lines, "\n\n")
}
