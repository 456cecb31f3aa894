package compiler

import (
	"fmt"

	"github.com/oriys/theatre/internal/bytecode"
	"github.com/oriys/theatre/internal/value"
)

// generator accumulates instructions, interning constants, paths, and FFI
// names into shared pools as it walks the AST.
type generator struct {
	instructions []bytecode.Instruction
	constants    []value.Value
	paths        []string
	ffiNames     []string
	schema       *Schema
}

func newGenerator(schema *Schema) *generator {
	return &generator{schema: schema}
}

func (g *generator) emit(op bytecode.Op, operand int32) {
	g.instructions = append(g.instructions, bytecode.Instruction{Op: op, Operand: operand})
}

func (g *generator) internConst(v value.Value) int32 {
	for i, c := range g.constants {
		if value.Equal(c, v) {
			return int32(i)
		}
	}
	g.constants = append(g.constants, v)
	return int32(len(g.constants) - 1)
}

func (g *generator) internPath(path string) int32 {
	for i, p := range g.paths {
		if p == path {
			return int32(i)
		}
	}
	if g.schema != nil {
		if err := g.schema.ValidatePath(path); err != nil {
			return -1
		}
	}
	g.paths = append(g.paths, path)
	return int32(len(g.paths) - 1)
}

func (g *generator) internFFI(name string) int32 {
	for i, n := range g.ffiNames {
		if n == name {
			return int32(i)
		}
	}
	g.ffiNames = append(g.ffiNames, name)
	return int32(len(g.ffiNames) - 1)
}

func (g *generator) gen(n Node) error {
	switch t := n.(type) {
	case LiteralNode:
		return g.genLiteral(t)
	case PathNode:
		idx := g.internPath(t.Path)
		if idx < 0 {
			return fmt.Errorf("state_schema_violation: path %q not permitted by schema", t.Path)
		}
		g.emit(bytecode.OpLoad, idx)
		return nil
	case UnaryNode:
		if err := g.gen(t.Expr); err != nil {
			return err
		}
		switch t.Op {
		case tokMinus:
			g.emit(bytecode.OpNeg, 0)
		case tokNot:
			g.emit(bytecode.OpNot, 0)
		default:
			return fmt.Errorf("compile_error: unsupported unary operator")
		}
		return nil
	case BinaryNode:
		return g.genBinary(t)
	case IndexNode:
		if err := g.gen(t.Container); err != nil {
			return err
		}
		if err := g.gen(t.Index); err != nil {
			return err
		}
		g.emit(bytecode.OpIndex, 0)
		return nil
	case CallNode:
		for _, arg := range t.Args {
			if err := g.gen(arg); err != nil {
				return err
			}
		}
		idx := g.internFFI(t.Name)
		g.emit(bytecode.OpCallFfi, idx)
		return nil
	default:
		return fmt.Errorf("compile_error: unknown AST node %T", n)
	}
}

func (g *generator) genLiteral(n LiteralNode) error {
	switch n.Kind {
	case LitNumber:
		if n.IsInt {
			g.emit(bytecode.OpPushConst, g.internConst(value.Int(int64(n.Num))))
		} else {
			g.emit(bytecode.OpPushConst, g.internConst(value.Float(n.Num)))
		}
	case LitString:
		g.emit(bytecode.OpPushConst, g.internConst(value.String(n.Str)))
	case LitBool:
		g.emit(bytecode.OpPushConst, g.internConst(value.Bool(n.Num != 0)))
	case LitNull:
		g.emit(bytecode.OpPushConst, g.internConst(value.Null()))
	default:
		return fmt.Errorf("compile_error: unknown literal kind")
	}
	return nil
}

func (g *generator) genBinary(n BinaryNode) error {
	if n.Op == tokAnd || n.Op == tokOr {
		return g.genShortCircuit(n)
	}
	if err := g.gen(n.Left); err != nil {
		return err
	}
	if err := g.gen(n.Right); err != nil {
		return err
	}
	switch n.Op {
	case tokPlus:
		g.emit(bytecode.OpAdd, 0)
	case tokMinus:
		g.emit(bytecode.OpSub, 0)
	case tokStar:
		g.emit(bytecode.OpMul, 0)
	case tokSlash:
		g.emit(bytecode.OpDiv, 0)
	case tokPercent:
		g.emit(bytecode.OpMod, 0)
	case tokEq:
		g.emit(bytecode.OpEq, 0)
	case tokNeq:
		g.emit(bytecode.OpNeq, 0)
	case tokLt:
		g.emit(bytecode.OpLt, 0)
	case tokLe:
		g.emit(bytecode.OpLe, 0)
	case tokGt:
		g.emit(bytecode.OpGt, 0)
	case tokGe:
		g.emit(bytecode.OpGe, 0)
	default:
		return fmt.Errorf("compile_error: unsupported binary operator")
	}
	return nil
}

// genShortCircuit compiles && and || with jump-based short-circuiting
// instead of eager evaluation of both sides.
func (g *generator) genShortCircuit(n BinaryNode) error {
	if err := g.gen(n.Left); err != nil {
		return err
	}
	var skipOp bytecode.Op
	if n.Op == tokAnd {
		skipOp = bytecode.OpJumpIfFalse
	} else {
		skipOp = bytecode.OpJumpIfTrue
	}
	g.emit(bytecode.OpDup, 0)
	jumpIdx := len(g.instructions)
	g.emit(skipOp, 0) // patched below
	g.emit(bytecode.OpPop, 0)
	if err := g.gen(n.Right); err != nil {
		return err
	}
	// Operand is relative to the instruction after jumpIdx (SPEC_FULL §4.3).
	g.instructions[jumpIdx].Operand = int32(len(g.instructions) - (jumpIdx + 1))
	return nil
}

// Compile parses src and emits a complete Bytecode program terminating in
// an implicit Halt. A nil schema skips state-path validation.
func Compile(src string, schema *Schema) (*bytecode.Bytecode, error) {
	ast, err := Parse(src)
	if err != nil {
		return nil, err
	}
	g := newGenerator(schema)
	if err := g.gen(ast); err != nil {
		return nil, err
	}
	g.emit(bytecode.OpHalt, 0)
	code := &bytecode.Bytecode{
		Instructions: g.instructions,
		Constants:    g.constants,
		Paths:        g.paths,
		FFINames:     g.ffiNames,
	}
	if err := code.Validate(); err != nil {
		return nil, err
	}
	return code, nil
}

// CompileAssignment compiles a "path = expr" statement body, used by
// Compute blocks: the right-hand side is evaluated then stored at the
// left-hand dot-path.
func CompileAssignment(targetPath, exprSrc string, schema *Schema) (*bytecode.Bytecode, error) {
	ast, err := Parse(exprSrc)
	if err != nil {
		return nil, err
	}
	g := newGenerator(schema)
	if err := g.gen(ast); err != nil {
		return nil, err
	}
	idx := g.internPath(targetPath)
	if idx < 0 {
		return nil, fmt.Errorf("state_schema_violation: path %q not permitted by schema", targetPath)
	}
	g.emit(bytecode.OpStore, idx)
	g.emit(bytecode.OpHalt, 0)
	code := &bytecode.Bytecode{
		Instructions: g.instructions,
		Constants:    g.constants,
		Paths:        g.paths,
		FFINames:     g.ffiNames,
	}
	if err := code.Validate(); err != nil {
		return nil, err
	}
	return code, nil
}
