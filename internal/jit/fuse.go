package jit

import (
	"fmt"

	"github.com/oriys/theatre/internal/bytecode"
	"github.com/oriys/theatre/internal/value"
)

// fuseRegion compiles a contiguous run of pure instructions into a single
// closure operating directly on a stack slice, eliminating the
// fetch/gas-check/dispatch overhead the interpreter pays per instruction.
// Gas accounting for the region is still charged by the caller (the
// hybrid executor) using the same GasTable, so fusing never changes the
// program's gas semantics, only how it is executed.
func fuseRegion(instrs []bytecode.Instruction, constants []value.Value) func(stack []value.Value) ([]value.Value, error) {
	// Copy the instruction slice so the closure does not alias the
	// original Bytecode's backing array beyond its lifetime.
	ops := make([]bytecode.Instruction, len(instrs))
	copy(ops, instrs)

	return func(stack []value.Value) ([]value.Value, error) {
		for _, ins := range ops {
			var err error
			stack, err = applyPure(stack, ins, constants)
			if err != nil {
				return stack, err
			}
		}
		return stack, nil
	}
}

func applyPure(stack []value.Value, ins bytecode.Instruction, constants []value.Value) ([]value.Value, error) {
	pop := func() (value.Value, error) {
		if len(stack) == 0 {
			return value.Null(), fmt.Errorf("stack_underflow")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}
	push := func(v value.Value) { stack = append(stack, v) }

	switch ins.Op {
	case bytecode.OpNop:
		return stack, nil
	case bytecode.OpPushConst:
		push(constants[ins.Operand])
		return stack, nil
	case bytecode.OpPop:
		_, err := pop()
		return stack, err
	case bytecode.OpDup:
		if len(stack) == 0 {
			return stack, fmt.Errorf("stack_underflow")
		}
		push(stack[len(stack)-1])
		return stack, nil
	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
		b, err := pop()
		if err != nil {
			return stack, err
		}
		a, err := pop()
		if err != nil {
			return stack, err
		}
		result, err := numericBinary(ins.Op, a, b)
		if err != nil {
			return stack, err
		}
		push(result)
		return stack, nil
	case bytecode.OpNeg:
		a, err := pop()
		if err != nil {
			return stack, err
		}
		if i, ok := a.AsInt(); ok {
			push(value.Int(-i))
		} else if f, ok := a.AsFloat(); ok {
			push(value.Float(-f))
		} else {
			return stack, fmt.Errorf("value_type_mismatch: neg requires numeric operand")
		}
		return stack, nil
	case bytecode.OpEq, bytecode.OpNeq:
		b, err := pop()
		if err != nil {
			return stack, err
		}
		a, err := pop()
		if err != nil {
			return stack, err
		}
		eq := value.Equal(a, b)
		if ins.Op == bytecode.OpNeq {
			eq = !eq
		}
		push(value.Bool(eq))
		return stack, nil
	case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
		b, err := pop()
		if err != nil {
			return stack, err
		}
		a, err := pop()
		if err != nil {
			return stack, err
		}
		cmp, err := value.Compare(a, b)
		if err != nil {
			return stack, err
		}
		var result bool
		switch ins.Op {
		case bytecode.OpLt:
			result = cmp < 0
		case bytecode.OpLe:
			result = cmp <= 0
		case bytecode.OpGt:
			result = cmp > 0
		case bytecode.OpGe:
			result = cmp >= 0
		}
		push(value.Bool(result))
		return stack, nil
	case bytecode.OpAnd, bytecode.OpOr:
		b, err := pop()
		if err != nil {
			return stack, err
		}
		a, err := pop()
		if err != nil {
			return stack, err
		}
		if ins.Op == bytecode.OpAnd {
			push(value.Bool(a.Truthy() && b.Truthy()))
		} else {
			push(value.Bool(a.Truthy() || b.Truthy()))
		}
		return stack, nil
	case bytecode.OpNot:
		a, err := pop()
		if err != nil {
			return stack, err
		}
		push(value.Bool(!a.Truthy()))
		return stack, nil
	case bytecode.OpConcat:
		b, err := pop()
		if err != nil {
			return stack, err
		}
		a, err := pop()
		if err != nil {
			return stack, err
		}
		as, aok := a.AsString()
		bs, bok := b.AsString()
		if !aok || !bok {
			return stack, fmt.Errorf("value_type_mismatch: concat requires strings")
		}
		push(value.String(as + bs))
		return stack, nil
	case bytecode.OpLen:
		a, err := pop()
		if err != nil {
			return stack, err
		}
		switch a.Kind() {
		case value.KindSeq:
			seq, _ := a.AsSeq()
			push(value.Int(int64(len(seq))))
		case value.KindMap:
			m, _ := a.AsMap()
			push(value.Int(int64(len(m))))
		case value.KindString:
			s, _ := a.AsString()
			push(value.Int(int64(len(s))))
		default:
			return stack, fmt.Errorf("value_type_mismatch: len requires seq, map, or string")
		}
		return stack, nil
	case bytecode.OpIndex:
		idx, err := pop()
		if err != nil {
			return stack, err
		}
		container, err := pop()
		if err != nil {
			return stack, err
		}
		result, err := indexPure(container, idx)
		if err != nil {
			return stack, err
		}
		push(result)
		return stack, nil
	default:
		return stack, fmt.Errorf("jit_invalid_pure_opcode: %s", ins.Op)
	}
}

func numericBinary(op bytecode.Op, a, b value.Value) (value.Value, error) {
	ai, aIsInt := a.AsInt()
	bi, bIsInt := b.AsInt()
	if aIsInt && bIsInt {
		switch op {
		case bytecode.OpAdd:
			return value.Int(ai + bi), nil
		case bytecode.OpSub:
			return value.Int(ai - bi), nil
		case bytecode.OpMul:
			return value.Int(ai * bi), nil
		case bytecode.OpDiv:
			if bi == 0 {
				return value.Null(), fmt.Errorf("division_by_zero")
			}
			return value.Int(ai / bi), nil
		case bytecode.OpMod:
			if bi == 0 {
				return value.Null(), fmt.Errorf("division_by_zero")
			}
			return value.Int(ai % bi), nil
		}
	}
	af, aok := a.AsFloat()
	if !aok {
		af, aok = float64(ai), aIsInt
	}
	bf, bok := b.AsFloat()
	if !bok {
		bf, bok = float64(bi), bIsInt
	}
	if !aok || !bok {
		return value.Null(), fmt.Errorf("value_type_mismatch: arithmetic requires numeric operands")
	}
	switch op {
	case bytecode.OpAdd:
		return value.Float(af + bf), nil
	case bytecode.OpSub:
		return value.Float(af - bf), nil
	case bytecode.OpMul:
		return value.Float(af * bf), nil
	case bytecode.OpDiv:
		if bf == 0 {
			return value.Null(), fmt.Errorf("division_by_zero")
		}
		return value.Float(af / bf), nil
	case bytecode.OpMod:
		if bf == 0 {
			return value.Null(), fmt.Errorf("division_by_zero")
		}
		return value.Float(float64(int64(af) % int64(bf))), nil
	default:
		return value.Null(), fmt.Errorf("jit_invalid_pure_opcode: %s", op)
	}
}

func indexPure(container, idx value.Value) (value.Value, error) {
	switch container.Kind() {
	case value.KindSeq:
		seq, _ := container.AsSeq()
		i, ok := idx.AsInt()
		if !ok {
			return value.Null(), fmt.Errorf("value_type_mismatch: sequence index must be int")
		}
		if i < 0 || int(i) >= len(seq) {
			return value.Null(), fmt.Errorf("state_path_out_of_bounds: index %d out of range", i)
		}
		return seq[i], nil
	case value.KindMap:
		m, _ := container.AsMap()
		key, ok := idx.AsString()
		if !ok {
			return value.Null(), fmt.Errorf("value_type_mismatch: map key must be string")
		}
		return m[key], nil
	default:
		return value.Null(), fmt.Errorf("value_type_mismatch: cannot index into %s", container.Kind())
	}
}
