package vm

import (
	"context"
	"fmt"
	"math"

	"github.com/oriys/theatre/internal/bytecode"
	"github.com/oriys/theatre/internal/value"
)

// execute runs a single non-yielding instruction, returning the next pc
// and whether execution halted.
func (m *Machine) execute(ctx context.Context, code *bytecode.Bytecode, pc int, ins bytecode.Instruction) (int, bool, error) {
	switch ins.Op {
	case bytecode.OpNop:
		return pc + 1, false, nil

	case bytecode.OpPushConst:
		m.push(code.Constants[ins.Operand])
		return pc + 1, false, nil

	case bytecode.OpPop:
		if _, err := m.pop(); err != nil {
			return pc, false, err
		}
		return pc + 1, false, nil

	case bytecode.OpDup:
		if len(m.stack) == 0 {
			return pc, false, ErrStackUnderflow
		}
		m.push(m.stack[len(m.stack)-1])
		return pc + 1, false, nil

	case bytecode.OpLoad:
		path := code.Paths[ins.Operand]
		v, ok := m.state.Get(path)
		if !ok {
			v = value.Null()
		}
		m.push(v)
		return pc + 1, false, nil

	case bytecode.OpStore:
		v, err := m.pop()
		if err != nil {
			return pc, false, err
		}
		path := code.Paths[ins.Operand]
		if err := m.state.Set(path, v); err != nil {
			return pc, false, fmt.Errorf("state_write_failed: %w", err)
		}
		return pc + 1, false, nil

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
		return pc + 1, false, m.arith(ins.Op)

	case bytecode.OpNeg:
		v, err := m.pop()
		if err != nil {
			return pc, false, err
		}
		if i, ok := v.AsInt(); ok {
			m.push(value.Int(-i))
		} else if f, ok := v.AsFloat(); ok {
			m.push(value.Float(-f))
		} else {
			return pc, false, fmt.Errorf("value_type_mismatch: neg requires numeric operand, got %s", v.Kind())
		}
		return pc + 1, false, nil

	case bytecode.OpEq, bytecode.OpNeq:
		b, err := m.pop()
		if err != nil {
			return pc, false, err
		}
		a, err := m.pop()
		if err != nil {
			return pc, false, err
		}
		eq := value.Equal(a, b)
		if ins.Op == bytecode.OpNeq {
			eq = !eq
		}
		m.push(value.Bool(eq))
		return pc + 1, false, nil

	case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
		return pc + 1, false, m.compare(ins.Op)

	case bytecode.OpAnd, bytecode.OpOr:
		b, err := m.pop()
		if err != nil {
			return pc, false, err
		}
		a, err := m.pop()
		if err != nil {
			return pc, false, err
		}
		if ins.Op == bytecode.OpAnd {
			m.push(value.Bool(a.Truthy() && b.Truthy()))
		} else {
			m.push(value.Bool(a.Truthy() || b.Truthy()))
		}
		return pc + 1, false, nil

	case bytecode.OpNot:
		v, err := m.pop()
		if err != nil {
			return pc, false, err
		}
		m.push(value.Bool(!v.Truthy()))
		return pc + 1, false, nil

	case bytecode.OpConcat:
		b, err := m.pop()
		if err != nil {
			return pc, false, err
		}
		a, err := m.pop()
		if err != nil {
			return pc, false, err
		}
		as, aok := a.AsString()
		bs, bok := b.AsString()
		if !aok || !bok {
			return pc, false, fmt.Errorf("value_type_mismatch: concat requires strings")
		}
		m.push(value.String(as + bs))
		return pc + 1, false, nil

	case bytecode.OpLen:
		v, err := m.pop()
		if err != nil {
			return pc, false, err
		}
		switch v.Kind() {
		case value.KindSeq:
			seq, _ := v.AsSeq()
			m.push(value.Int(int64(len(seq))))
		case value.KindMap:
			mp, _ := v.AsMap()
			m.push(value.Int(int64(len(mp))))
		case value.KindString:
			s, _ := v.AsString()
			m.push(value.Int(int64(len(s))))
		default:
			return pc, false, fmt.Errorf("value_type_mismatch: len requires seq, map, or string, got %s", v.Kind())
		}
		return pc + 1, false, nil

	case bytecode.OpIndex:
		idx, err := m.pop()
		if err != nil {
			return pc, false, err
		}
		container, err := m.pop()
		if err != nil {
			return pc, false, err
		}
		result, err := indexInto(container, idx)
		if err != nil {
			return pc, false, err
		}
		m.push(result)
		return pc + 1, false, nil

	case bytecode.OpJump:
		return pc + 1 + int(ins.Operand), false, nil

	case bytecode.OpJumpIfFalse:
		v, err := m.pop()
		if err != nil {
			return pc, false, err
		}
		if !v.Truthy() {
			return pc + 1 + int(ins.Operand), false, nil
		}
		return pc + 1, false, nil

	case bytecode.OpJumpIfTrue:
		v, err := m.pop()
		if err != nil {
			return pc, false, err
		}
		if v.Truthy() {
			return pc + 1 + int(ins.Operand), false, nil
		}
		return pc + 1, false, nil

	case bytecode.OpCall:
		if len(m.callStack) >= MaxCallDepth {
			return pc, false, fmt.Errorf("call_stack_overflow: call depth exceeds %d", MaxCallDepth)
		}
		m.callStack = append(m.callStack, pc+1)
		return pc + 1 + int(ins.Operand), false, nil

	case bytecode.OpReturn:
		if len(m.callStack) == 0 {
			return pc, false, fmt.Errorf("call_stack_underflow: return with no matching call")
		}
		ret := m.callStack[len(m.callStack)-1]
		m.callStack = m.callStack[:len(m.callStack)-1]
		return ret, false, nil

	case bytecode.OpHalt:
		return pc, true, nil

	case bytecode.OpCallFfi:
		return pc + 1, false, m.callFFI(ctx, code, ins)

	default:
		return pc, false, fmt.Errorf("vm_invalid_opcode: %s", ins.Op)
	}
}

func (m *Machine) arith(op bytecode.Op) error {
	b, err := m.pop()
	if err != nil {
		return err
	}
	a, err := m.pop()
	if err != nil {
		return err
	}
	ai, aIsInt := a.AsInt()
	bi, bIsInt := b.AsInt()
	if aIsInt && bIsInt {
		result, divErr := intArith(op, ai, bi)
		if divErr != nil {
			return divErr
		}
		m.push(value.Int(result))
		return nil
	}
	af, aok := a.AsFloat()
	if !aok {
		af = float64(ai)
		aok = aIsInt
	}
	bf, bok := b.AsFloat()
	if !bok {
		bf = float64(bi)
		bok = bIsInt
	}
	if !aok || !bok {
		return fmt.Errorf("value_type_mismatch: arithmetic requires numeric operands, got %s and %s", a.Kind(), b.Kind())
	}
	result, divErr := floatArith(op, af, bf)
	if divErr != nil {
		return divErr
	}
	m.push(value.Float(result))
	return nil
}

// intArith performs checked int64 arithmetic: add/sub/mul overflow is
// detected rather than silently wrapping, per the ArithmeticOverflow
// runtime error kind.
func intArith(op bytecode.Op, a, b int64) (int64, error) {
	switch op {
	case bytecode.OpAdd:
		result := a + b
		if (b > 0 && result < a) || (b < 0 && result > a) {
			return 0, fmt.Errorf("arithmetic_overflow: %d + %d overflows int64", a, b)
		}
		return result, nil
	case bytecode.OpSub:
		result := a - b
		if (b < 0 && result < a) || (b > 0 && result > a) {
			return 0, fmt.Errorf("arithmetic_overflow: %d - %d overflows int64", a, b)
		}
		return result, nil
	case bytecode.OpMul:
		if a == 0 || b == 0 {
			return 0, nil
		}
		if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
			return 0, fmt.Errorf("arithmetic_overflow: %d * %d overflows int64", a, b)
		}
		result := a * b
		if result/b != a {
			return 0, fmt.Errorf("arithmetic_overflow: %d * %d overflows int64", a, b)
		}
		return result, nil
	case bytecode.OpDiv:
		if b == 0 {
			return 0, fmt.Errorf("division_by_zero")
		}
		if a == math.MinInt64 && b == -1 {
			return 0, fmt.Errorf("arithmetic_overflow: %d / %d overflows int64", a, b)
		}
		return a / b, nil
	case bytecode.OpMod:
		if b == 0 {
			return 0, fmt.Errorf("division_by_zero")
		}
		if a == math.MinInt64 && b == -1 {
			return 0, fmt.Errorf("arithmetic_overflow: %d %% %d overflows int64", a, b)
		}
		return a % b, nil
	default:
		return 0, fmt.Errorf("vm_invalid_opcode: %s", op)
	}
}

func floatArith(op bytecode.Op, a, b float64) (float64, error) {
	switch op {
	case bytecode.OpAdd:
		return a + b, nil
	case bytecode.OpSub:
		return a - b, nil
	case bytecode.OpMul:
		return a * b, nil
	case bytecode.OpDiv:
		if b == 0 {
			return 0, fmt.Errorf("division_by_zero")
		}
		return a / b, nil
	case bytecode.OpMod:
		if b == 0 {
			return 0, fmt.Errorf("division_by_zero")
		}
		return float64(int64(a) % int64(b)), nil
	default:
		return 0, fmt.Errorf("vm_invalid_opcode: %s", op)
	}
}

func (m *Machine) compare(op bytecode.Op) error {
	b, err := m.pop()
	if err != nil {
		return err
	}
	a, err := m.pop()
	if err != nil {
		return err
	}
	cmp, err := value.Compare(a, b)
	if err != nil {
		return err
	}
	var result bool
	switch op {
	case bytecode.OpLt:
		result = cmp < 0
	case bytecode.OpLe:
		result = cmp <= 0
	case bytecode.OpGt:
		result = cmp > 0
	case bytecode.OpGe:
		result = cmp >= 0
	}
	m.push(value.Bool(result))
	return nil
}

func indexInto(container, idx value.Value) (value.Value, error) {
	switch container.Kind() {
	case value.KindSeq:
		seq, _ := container.AsSeq()
		i, ok := idx.AsInt()
		if !ok {
			return value.Null(), fmt.Errorf("value_type_mismatch: sequence index must be int")
		}
		if i < 0 || int(i) >= len(seq) {
			return value.Null(), fmt.Errorf("state_path_out_of_bounds: index %d out of range [0,%d)", i, len(seq))
		}
		return seq[i], nil
	case value.KindMap:
		mp, _ := container.AsMap()
		key, ok := idx.AsString()
		if !ok {
			return value.Null(), fmt.Errorf("value_type_mismatch: map key must be string")
		}
		v, ok := mp[key]
		if !ok {
			return value.Null(), nil
		}
		return v, nil
	default:
		return value.Null(), fmt.Errorf("value_type_mismatch: cannot index into %s", container.Kind())
	}
}

func (m *Machine) callFFI(ctx context.Context, code *bytecode.Bytecode, ins bytecode.Instruction) error {
	name := code.FFINames[ins.Operand]
	fn, ok := m.ffi.Lookup(name)
	if !ok {
		return fmt.Errorf("ffi_function_not_found: %q", name)
	}
	args, err := m.popN(fn.Arity)
	if err != nil {
		return fmt.Errorf("stack_underflow: calling ffi %q requires %d arguments", name, fn.Arity)
	}
	result, err := m.ffi.Invoke(ctx, name, args)
	if err != nil {
		return fmt.Errorf("ffi_call_failed: %w", err)
	}
	m.push(result)
	return nil
}
