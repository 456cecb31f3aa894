package transpiler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/oriys/theatre/internal/bytecode"
	"github.com/oriys/theatre/internal/compiler"
	"github.com/oriys/theatre/internal/domain"
)

// compileBlock runs Pass 2 codegen for a single block: its expression
// bodies are compiled to bytecode via the Expression Compiler, and its
// declarative edges are carried through unchanged for the Coordinator's
// block-dispatch logic to follow.
func compileBlock(b domain.BlockDef, schema *compiler.Schema) (*domain.CompiledBlock, error) {
	cb := &domain.CompiledBlock{Def: b}
	if b.RequiredPermission == "" {
		b.RequiredPermission = defaultPermissionFor(b.Kind)
		cb.Def = b
	}

	switch b.Kind {
	case domain.BlockCompute:
		code, err := compiler.CompileAssign(b.TargetPath, b.Expr, schema)
		if err != nil {
			return nil, err
		}
		cb.Code = code
		cb.Edges = []domain.Edge{{To: b.Next}}

	case domain.BlockConditional:
		code, err := compiler.CompileExpr(b.Condition, schema)
		if err != nil {
			return nil, err
		}
		cb.Code = code
		if b.ThenEdge != "" {
			cb.Edges = append(cb.Edges, domain.Edge{Label: "then", To: b.ThenEdge})
		}
		if b.ElseEdge != "" {
			cb.Edges = append(cb.Edges, domain.Edge{Label: "else", To: b.ElseEdge})
		}

	case domain.BlockForEach:
		code, err := compiler.CompileExpr(b.IterablePath, schema)
		if err != nil {
			return nil, err
		}
		cb.Code = code
		cb.Edges = []domain.Edge{
			{Label: "body", To: b.BodyEntry},
			{Label: "after", To: b.AfterEdge},
		}

	case domain.BlockExternalData, domain.BlockAgentInteraction, domain.BlockLLMProcessing:
		argCode := make([]*bytecode.Bytecode, len(b.ArgExprs))
		for i, argSrc := range b.ArgExprs {
			code, err := compiler.CompileExpr(argSrc, schema)
			if err != nil {
				return nil, fmt.Errorf("arg %d: %w", i, err)
			}
			argCode[i] = code
		}
		cb.ArgCode = argCode
		cb.Edges = []domain.Edge{{To: b.Next}}

	case domain.BlockDisplay:
		code, err := compiler.CompileExpr(b.MessageExpr, schema)
		if err != nil {
			return nil, err
		}
		cb.Code = code
		cb.Edges = []domain.Edge{{To: b.Next}}

	case domain.BlockTryCatch:
		cb.Edges = []domain.Edge{
			{Label: "body", To: b.BodyEntry},
			{Label: "error", To: b.ErrorEdge},
			{Label: "after", To: b.AfterEdge},
		}

	case domain.BlockAwaitInput, domain.BlockStateCheckpoint, domain.BlockPersistCheckpoint,
		domain.BlockContinue, domain.BlockBreak:
		cb.Edges = []domain.Edge{{To: b.Next}}

	case domain.BlockTerminate:
		// no outgoing edges
	}

	return cb, nil
}

// fingerprintContract hashes the compiled block graph's per-block
// bytecode fingerprints in a stable (sorted-by-ID) order, giving the
// Contract a reproducible identity the Execution Profiler and JIT cache
// can key off at the whole-contract level when needed.
func fingerprintContract(c *domain.Contract) string {
	ids := make([]string, 0, len(c.Blocks))
	for id := range c.Blocks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	h.Write([]byte(c.Name))
	for _, id := range ids {
		h.Write([]byte(id))
		if code := c.Blocks[id].Code; code != nil {
			h.Write([]byte(code.Fingerprint()))
		}
		for _, argCode := range c.Blocks[id].ArgCode {
			h.Write([]byte(argCode.Fingerprint()))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
