package goexec

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// opKind discriminates the node types of a program expression.
type opKind int

const (
	opInvalid opKind = iota

	// opEntry is a leaf reading one of the program's entry arguments.
	opEntry

	opAdd
	opMul
	opAddScalar
	opScale
	opExp
	opCopy
	opFill
)

func (kind opKind) String() string {
	switch kind {
	case opEntry:
		return "entry"
	case opAdd:
		return "add"
	case opMul:
		return "mul"
	case opAddScalar:
		return "add_scalar"
	case opScale:
		return "scale"
	case opExp:
		return "exp"
	case opCopy:
		return "copy"
	case opFill:
		return "fill"
	}
	return "invalid"
}

// Op is one node of a program expression: either an entry reference or an
// element-wise operation over sub-expressions. Build them with the
// constructors (Entry, Add, ...) and bind them to return slots with
// Program.Return.
type Op struct {
	kind   opKind
	args   []Op
	entry  string
	scalar float64
}

// Entry returns an Op that reads the entry argument with the given name.
func Entry(name string) Op { return Op{kind: opEntry, entry: name} }

// Add returns the element-wise sum x+y.
func Add(x, y Op) Op { return Op{kind: opAdd, args: []Op{x, y}} }

// Mul returns the element-wise product x*y.
func Mul(x, y Op) Op { return Op{kind: opMul, args: []Op{x, y}} }

// AddScalar returns x+c element-wise. The scalar is converted to x's dtype.
func AddScalar(x Op, c float64) Op { return Op{kind: opAddScalar, args: []Op{x}, scalar: c} }

// Scale returns x*c element-wise. The scalar is converted to x's dtype.
func Scale(x Op, c float64) Op { return Op{kind: opScale, args: []Op{x}, scalar: c} }

// Exp returns e**x element-wise. Only defined for float dtypes.
func Exp(x Op) Op { return Op{kind: opExp, args: []Op{x}} }

// Copy returns x unchanged. Useful to flow an entry straight to a return slot.
func Copy(x Op) Op { return Op{kind: opCopy, args: []Op{x}} }

// Fill returns c broadcast over the return slot's shape. The scalar is
// converted to the slot's dtype.
func Fill(c float64) Op { return Op{kind: opFill, scalar: c} }

func (op Op) String() string {
	if op.kind == opEntry {
		return fmt.Sprintf("%%%s", op.entry)
	}
	parts := make([]string, 0, len(op.args))
	for _, arg := range op.args {
		parts = append(parts, arg.String())
	}
	switch op.kind {
	case opAddScalar, opScale, opFill:
		parts = append(parts, fmt.Sprintf("%g", op.scalar))
	}
	return fmt.Sprintf("%s(%s)", op.kind, strings.Join(parts, ", "))
}

// Program is a named collection of element-wise expressions, one per return
// value. It is the subgraph type goexec knows how to compile.
//
// A Program is built once and then compiled any number of times, for
// different entry shapes. It must not be modified after the first launch.
type Program struct {
	name    string
	returns map[string]Op
}

// NewProgram returns an empty program with the given name.
func NewProgram(name string) *Program {
	return &Program{name: name, returns: make(map[string]Op)}
}

// Name implements backends.Subgraph.
func (p *Program) Name() string { return p.name }

// Return binds op to the return value with the given name. It returns p for
// chaining. Binding the same name twice overwrites the previous binding.
//
// Return values the launch engine adds for mutable entry arguments need no
// binding: they default to a copy of the aliased entry, and since the return
// slot shares the entry's buffer the copy is elided entirely.
func (p *Program) Return(name string, op Op) *Program {
	p.returns[name] = op
	return p
}

// scalarSupported reports whether goexec can execute over the dtype at all.
func scalarSupported(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Int32, dtypes.Int64:
		return true
	}
	return false
}

// floatOnly reports whether the op kind is restricted to float dtypes.
func (kind opKind) floatOnly() bool { return kind == opExp }
