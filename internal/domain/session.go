package domain

import (
	"encoding/json"
	"time"

	"github.com/oriys/theatre/internal/value"
)

// SessionStatus is the Session lifecycle state (SPEC_FULL §4.7): Running,
// AwaitingInput, Completed, Failed, Cancelled. Suspension is purely an
// external terminal-state plus a resume operation; there is no
// opcode-level yield back into the scheduler loop.
type SessionStatus string

const (
	SessionRunning       SessionStatus = "running"
	SessionAwaitingInput SessionStatus = "awaiting_input"
	SessionCompleted     SessionStatus = "completed"
	SessionFailed        SessionStatus = "failed"
	SessionCancelled     SessionStatus = "cancelled"
)

// Terminal reports whether a status admits no further transitions other
// than a cancel-from-awaiting-input edge case already reflected in
// SessionCancelled itself.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// Session is one in-flight (or suspended, or finished) execution of a
// Contract. The Coordinator owns its lifecycle; the VM only ever sees one
// Session's State and current block at a time.
type Session struct {
	ID             string          `json:"id"`
	ContractName   string          `json:"contract_name"`
	ContractHash   string          `json:"contract_hash"`
	Status         SessionStatus   `json:"status"`
	CurrentBlock   string          `json:"current_block"`
	State          json.RawMessage `json:"state"` // value.State snapshot
	GasBudget      uint64          `json:"gas_budget"`
	GasConsumed    uint64          `json:"gas_consumed"`
	PendingPrompt  string          `json:"pending_prompt,omitempty"` // set when AwaitingInput
	ErrorEnvelope  *ErrorEnvelope  `json:"error,omitempty"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at,omitempty"`
	Attempt        int             `json:"attempt"`
	ForEachFrames  []ForEachFrame  `json:"for_each_frames,omitempty"`
	TryFrames      []TryFrame      `json:"try_frames,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TryFrame tracks one active TryCatch block's error edge so a block
// error raised anywhere in the try body (including across a suspend and
// resume) is routed to the catch edge rather than failing the Session.
type TryFrame struct {
	BlockID   string `json:"block_id"`
	ErrorEdge string `json:"error_edge"`
	AfterEdge string `json:"after_edge"`
}

// ForEachFrame tracks one active ForEach block's iteration position so a
// suspended-then-resumed Session continues from the right element rather
// than restarting the loop.
type ForEachFrame struct {
	BlockID      string          `json:"block_id"`
	AfterEdge    string          `json:"after_edge"`
	IterableLen  int             `json:"iterable_len"`
	Index        int             `json:"index"`
	ElementPath  string          `json:"element_path"`
	IterableJSON json.RawMessage `json:"iterable,omitempty"`
}

// ErrorKind enumerates the external error taxonomy (SPEC_FULL §3 / spec
// §7): the stable, documented category an ErrorEnvelope carries.
type ErrorKind string

const (
	ErrKindCompile             ErrorKind = "compile_error"
	ErrKindStackUnderflow      ErrorKind = "stack_underflow"
	ErrKindOutOfGas            ErrorKind = "out_of_gas"
	ErrKindValueTypeMismatch   ErrorKind = "value_type_mismatch"
	ErrKindStateSchema         ErrorKind = "state_schema_violation"
	ErrKindStatePath           ErrorKind = "state_path_invalid"
	ErrKindPermissionDenied    ErrorKind = "permission_denied"
	ErrKindFFINotFound         ErrorKind = "ffi_function_not_found"
	ErrKindFFICallFailed       ErrorKind = "ffi_call_failed"
	ErrKindVMInvalidOpcode     ErrorKind = "vm_invalid_opcode"
	ErrKindDivisionByZero      ErrorKind = "division_by_zero"
	ErrKindArithmeticOverflow  ErrorKind = "arithmetic_overflow"
	ErrKindCallStackOverflow   ErrorKind = "call_stack_overflow"
	ErrKindGraphUnreachable    ErrorKind = "graph_unreachable_block"
	ErrKindGraphCycle          ErrorKind = "graph_cycle_without_terminator"
	ErrKindSessionNotFound     ErrorKind = "session_not_found"
	ErrKindInvalidResume       ErrorKind = "invalid_resume_state"
	ErrKindFlowControlRejected ErrorKind = "flow_control_rejected"
	ErrKindInternal            ErrorKind = "internal_error"
)

// ErrorEnvelope is the external error shape returned at the Coordinator
// boundary (spec §6/§7). Internal packages return plain Go errors;
// only the Coordinator classifies and wraps them into this shape.
type ErrorEnvelope struct {
	Kind              ErrorKind `json:"kind"`
	Message           string    `json:"message"`
	Detail            string    `json:"detail,omitempty"`
	SessionID         string    `json:"session_id,omitempty"`
	BlockID           string    `json:"block_id,omitempty"`
	InstructionOffset int       `json:"instruction_offset,omitempty"`
}

func (e *ErrorEnvelope) Error() string { return string(e.Kind) + ": " + e.Message }

// StateSnapshot decodes the Session's stored state into a value.Value,
// the shape value.State.Restore expects.
func (s *Session) StateSnapshot() (value.Value, error) {
	var v value.Value
	if len(s.State) == 0 {
		return value.Map(nil), nil
	}
	if err := json.Unmarshal(s.State, &v); err != nil {
		return value.Null(), err
	}
	return v, nil
}
