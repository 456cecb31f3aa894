package compiler

import (
	"time"

	"github.com/oriys/theatre/internal/bytecode"
	"github.com/oriys/theatre/internal/logging"
)

// CompileExpr is the package's single entry point for compiling a block
// expression into bytecode: lex, parse, validate against schema, emit.
// It logs compile failures at the Op level the way the teacher's async
// compiler logs build failures, since a bad expression in a flow
// definition is an operational event worth surfacing outside the
// Transpiler's own error return.
func CompileExpr(src string, schema *Schema) (*bytecode.Bytecode, error) {
	start := time.Now()
	code, err := Compile(src, schema)
	if err != nil {
		logging.Op().Debug("expression compile failed", "source", src, "error", err, "duration", time.Since(start))
		return nil, err
	}
	logging.Op().Debug("expression compiled", "source", src, "instructions", code.Len(), "duration", time.Since(start))
	return code, nil
}

// CompileAssign compiles a "path = expr" statement body for Compute
// blocks, logging the same way as CompileExpr.
func CompileAssign(targetPath, exprSrc string, schema *Schema) (*bytecode.Bytecode, error) {
	start := time.Now()
	code, err := CompileAssignment(targetPath, exprSrc, schema)
	if err != nil {
		logging.Op().Debug("assignment compile failed", "target", targetPath, "source", exprSrc, "error", err, "duration", time.Since(start))
		return nil, err
	}
	logging.Op().Debug("assignment compiled", "target", targetPath, "source", exprSrc, "instructions", code.Len(), "duration", time.Since(start))
	return code, nil
}
