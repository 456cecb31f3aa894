package domain

import (
	"time"

	"github.com/oriys/theatre/internal/bytecode"
)

// BlockKind tags the variant a Block currently holds, mirroring the
// tagged Block enumeration of SPEC_FULL §3.
type BlockKind string

const (
	BlockCompute           BlockKind = "compute"
	BlockConditional       BlockKind = "conditional"
	BlockAwaitInput        BlockKind = "await_input"
	BlockForEach           BlockKind = "for_each"
	BlockContinue          BlockKind = "continue"
	BlockBreak             BlockKind = "break"
	BlockTerminate         BlockKind = "terminate"
	BlockExternalData      BlockKind = "external_data"
	BlockAgentInteraction  BlockKind = "agent_interaction"
	BlockLLMProcessing     BlockKind = "llm_processing"
	BlockDisplay           BlockKind = "display"
	BlockStateCheckpoint   BlockKind = "state_checkpoint"
	BlockPersistCheckpoint BlockKind = "persist_checkpoint" // SPEC_FULL §6 supplement
	BlockTryCatch          BlockKind = "try_catch"          // SPEC_FULL §6 supplement
)

// Edge names the successor a block transitions to under normal
// completion; Conditional/TryCatch blocks carry additional named edges.
type Edge struct {
	Label string `json:"label,omitempty"`
	To    string `json:"to"`
}

// BlockDef is the declarative, pre-compile description of a single block
// in a flow definition, as authored by a flow designer (JSON or YAML).
type BlockDef struct {
	ID     string    `json:"id"`
	Kind   BlockKind `json:"kind"`
	Next   string    `json:"next,omitempty"`

	// Compute / assignment
	TargetPath string `json:"target_path,omitempty"`
	Expr       string `json:"expr,omitempty"`

	// Conditional
	Condition string `json:"condition,omitempty"`
	ThenEdge  string `json:"then,omitempty"`
	ElseEdge  string `json:"else,omitempty"`

	// ForEach
	IterablePath string `json:"iterable_path,omitempty"`
	ElementPath  string `json:"element_path,omitempty"`
	BodyEntry    string `json:"body_entry,omitempty"`
	AfterEdge    string `json:"after,omitempty"`

	// ExternalData / AgentInteraction / LLMProcessing share an FFI-call shape
	FFIFunction string   `json:"ffi_function,omitempty"`
	ArgExprs    []string `json:"arg_exprs,omitempty"`
	ResultPath  string   `json:"result_path,omitempty"`

	// Display
	MessageExpr string `json:"message_expr,omitempty"`

	// StateCheckpoint / PersistCheckpoint
	Label string `json:"label,omitempty"`

	// TryCatch
	ErrorEdge string `json:"error_edge,omitempty"`

	// RequiredPermission is the permission the Coordinator checks before
	// dispatching this block, derived from Kind by the Transpiler unless
	// explicitly overridden.
	RequiredPermission Permission `json:"required_permission,omitempty"`
}

// FlowDefinition is the user-submitted declarative graph the Transpiler
// compiles into a Contract.
type FlowDefinition struct {
	Name        string            `json:"name"`
	EntryBlock  string            `json:"entry_block"`
	Blocks      []BlockDef        `json:"blocks"`
	StateSchema []string          `json:"state_schema,omitempty"`
	Permissions []Permission      `json:"permissions,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CompiledBlock is the Transpiler's Pass 2 output for one block: its
// declarative shape plus the compiled bytecode body (nil for control-only
// blocks like Continue/Break/Terminate that carry no expression).
type CompiledBlock struct {
	Def   BlockDef
	Code  *bytecode.Bytecode
	Edges []Edge

	// ArgCode holds one compiled program per Def.ArgExprs entry, in order,
	// for the ExternalData/AgentInteraction/LLMProcessing block kinds; nil
	// for every other kind.
	ArgCode []*bytecode.Bytecode
}

// Contract is the immutable result of transpiling a FlowDefinition: a
// block graph with compiled bytecode per block, ready for repeated
// Session execution.
type Contract struct {
	Name        string
	EntryBlock  string
	Blocks      map[string]*CompiledBlock
	Permissions []Permission
	GasTable    *bytecode.GasTable
	CompiledAt  time.Time
	Fingerprint string
}

// Block returns the compiled block by ID, nil if absent.
func (c *Contract) Block(id string) *CompiledBlock {
	return c.Blocks[id]
}
