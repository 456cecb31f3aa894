package transpiler

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/theatre/internal/bytecode"
	"github.com/oriys/theatre/internal/compiler"
	"github.com/oriys/theatre/internal/domain"
	"github.com/oriys/theatre/internal/logging"
)

// defaultPermissionFor maps a block kind to the permission the
// Coordinator should check before dispatching it, when a BlockDef does
// not explicitly override RequiredPermission.
func defaultPermissionFor(kind domain.BlockKind) domain.Permission {
	switch kind {
	case domain.BlockExternalData:
		return domain.PermExternalDataFetch
	case domain.BlockAgentInteraction:
		return domain.PermAgentInteract
	case domain.BlockLLMProcessing:
		return domain.PermLLMProcess
	case domain.BlockDisplay:
		return domain.PermDisplayEmit
	case domain.BlockStateCheckpoint, domain.BlockPersistCheckpoint:
		return domain.PermCheckpointWrite
	case domain.BlockCompute:
		return domain.PermStateWrite
	default:
		return ""
	}
}

// Compile runs the full two-pass transpilation: Pass 1 validates the
// block graph concurrently with symbol-table construction and schema
// setup (mirroring the teacher's errgroup-based parallel pre-fetch idiom);
// Pass 2 compiles each block's expression bodies into bytecode.
func Compile(def *domain.FlowDefinition) (*domain.Contract, error) {
	start := time.Now()

	var schema *compiler.Schema
	var symErr, graphErr error

	g := new(errgroup.Group)
	g.Go(func() error {
		graphErr = validateGraph(def)
		return graphErr
	})
	g.Go(func() error {
		schema = buildSchema(def)
		symErr = validateBlockShapes(def)
		return symErr
	})
	if err := g.Wait(); err != nil {
		logging.Op().Debug("transpile pass 1 failed", "flow", def.Name, "error", err)
		return nil, err
	}

	blocks := make(map[string]*domain.CompiledBlock, len(def.Blocks))
	for _, b := range def.Blocks {
		compiled, err := compileBlock(b, schema)
		if err != nil {
			logging.Op().Debug("transpile pass 2 failed", "flow", def.Name, "block", b.ID, "error", err)
			return nil, fmt.Errorf("block %q: %w", b.ID, err)
		}
		blocks[b.ID] = compiled
	}

	contract := &domain.Contract{
		Name:        def.Name,
		EntryBlock:  def.EntryBlock,
		Blocks:      blocks,
		Permissions: def.Permissions,
		GasTable:    bytecode.NewGasTable(),
		CompiledAt:  time.Now(),
	}
	contract.Fingerprint = fingerprintContract(contract)

	logging.Op().Info("flow transpiled", "flow", def.Name, "blocks", len(blocks), "duration", time.Since(start))
	return contract, nil
}

func buildSchema(def *domain.FlowDefinition) *compiler.Schema {
	if len(def.StateSchema) == 0 {
		return nil
	}
	return compiler.NewSchema(def.StateSchema)
}

// validateBlockShapes checks each block kind carries the fields its
// compile contract requires (spec §4.6 Pass 1 "symbol table").
func validateBlockShapes(def *domain.FlowDefinition) error {
	for _, b := range def.Blocks {
		switch b.Kind {
		case domain.BlockCompute:
			if b.TargetPath == "" || b.Expr == "" {
				return fmt.Errorf("compile_error: block %q (compute) requires target_path and expr", b.ID)
			}
		case domain.BlockConditional:
			if b.Condition == "" {
				return fmt.Errorf("compile_error: block %q (conditional) requires condition", b.ID)
			}
			if b.ThenEdge == "" && b.ElseEdge == "" {
				return fmt.Errorf("compile_error: block %q (conditional) requires then and/or else", b.ID)
			}
		case domain.BlockForEach:
			if b.IterablePath == "" || b.ElementPath == "" || b.BodyEntry == "" {
				return fmt.Errorf("compile_error: block %q (for_each) requires iterable_path, element_path, body_entry", b.ID)
			}
		case domain.BlockExternalData, domain.BlockAgentInteraction, domain.BlockLLMProcessing:
			if b.FFIFunction == "" {
				return fmt.Errorf("compile_error: block %q (%s) requires ffi_function", b.ID, b.Kind)
			}
		case domain.BlockDisplay:
			if b.MessageExpr == "" {
				return fmt.Errorf("compile_error: block %q (display) requires message_expr", b.ID)
			}
		case domain.BlockStateCheckpoint, domain.BlockPersistCheckpoint:
			if b.Label == "" {
				return fmt.Errorf("compile_error: block %q (%s) requires label", b.ID, b.Kind)
			}
		case domain.BlockTryCatch:
			if b.BodyEntry == "" {
				return fmt.Errorf("compile_error: block %q (try_catch) requires body_entry", b.ID)
			}
		case domain.BlockAwaitInput, domain.BlockContinue, domain.BlockBreak, domain.BlockTerminate:
			// no required fields beyond ID
		default:
			return fmt.Errorf("compile_error: block %q has unknown kind %q", b.ID, b.Kind)
		}
	}
	return nil
}
