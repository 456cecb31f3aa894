// Package coordinator implements the Orchestration Coordinator
// (SPEC_FULL §4.7): it owns Session lifecycle, drives the block-dispatch
// loop across a Contract's compiled graph, hands expression bodies to the
// VM, routes ForEach/TryCatch control flow through the Session's frame
// stacks, and suspends a Session to AwaitingInput whenever it reaches a
// block the Coordinator cannot resolve without external input.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/theatre/internal/bytecode"
	"github.com/oriys/theatre/internal/checkpoint"
	"github.com/oriys/theatre/internal/domain"
	"github.com/oriys/theatre/internal/eventbus"
	"github.com/oriys/theatre/internal/ffi"
	"github.com/oriys/theatre/internal/jit"
	"github.com/oriys/theatre/internal/logging"
	"github.com/oriys/theatre/internal/metrics"
	"github.com/oriys/theatre/internal/profiler"
	"github.com/oriys/theatre/internal/value"
	"github.com/oriys/theatre/internal/vm"
)

// maxStepsPerDispatch bounds how many blocks a single Start/Resume call
// walks; a call that reaches it without a suspend or terminal state fails
// the Session with an internal error, so a contract left cycling through
// Compute blocks with no yield can't hang a dispatch call forever. It is not a gas mechanism — gas already bounds VM work
// per block — this bounds the number of blocks visited per call.
const maxStepsPerDispatch = 100000

// Sink is the subset of asyncqueue.Pipeline the Coordinator needs to
// submit a PersistCheckpoint block's snapshot for out-of-process
// durability, kept as a narrow interface so tests can substitute a fake
// and so this package never imports asyncqueue directly.
type Sink interface {
	Submit(ctx context.Context, intent *domain.PersistenceIntent) error
}

// FlowControl is the narrow view of policy.Gate the Coordinator needs:
// the latest backpressure verdict, consulted before dispatching an
// intent-heavy block (ExternalData, AgentInteraction, LLMProcessing,
// PersistCheckpoint) so a Red signal rejects new admission into those
// blocks per SPEC_FULL §6 item 5 / spec §4.9. May be nil to disable
// backpressure admission control (tests, or a minimal deployment).
type FlowControl interface {
	Signal() domain.FlowControlSignal
}

// Config tunes a Coordinator.
type Config struct {
	DefaultGasBudget  uint64
	CheckpointTTL     time.Duration
	TenantIDFromState string // dot-path read for the tenant ID stamped on PersistenceIntents, empty disables
	MaxAutoExtend     int    // bound on Session state's sequence auto-extension-on-write, default: value.DefaultMaxAutoExtend
}

func mergeConfig(cfg Config) Config {
	if cfg.DefaultGasBudget == 0 {
		cfg.DefaultGasBudget = 1_000_000
	}
	if cfg.CheckpointTTL <= 0 {
		cfg.CheckpointTTL = time.Hour
	}
	if cfg.MaxAutoExtend <= 0 {
		cfg.MaxAutoExtend = value.DefaultMaxAutoExtend
	}
	return cfg
}

// Coordinator drives Sessions through a registry of compiled Contracts.
type Coordinator struct {
	cfg         Config
	sessions    SessionStore
	contracts   *ContractRegistry
	ffiCatalog  *ffi.Registry
	checkpoints *checkpoint.Store
	pipeline    Sink
	profiler    *profiler.Profiler
	jitCompiler *jit.Compiler
	flowControl FlowControl
	events      *eventbus.Bus
}

// New constructs a Coordinator. pipeline may be nil, in which case
// PersistCheckpoint blocks fail with a persist_checkpoint_unavailable
// error instead of submitting anywhere. prof may be nil to disable
// Execution Profiler feeding (tests, or a minimal deployment).
func New(sessions SessionStore, contracts *ContractRegistry, ffiCatalog *ffi.Registry, checkpoints *checkpoint.Store, pipeline Sink, prof *profiler.Profiler, cfg Config) *Coordinator {
	return &Coordinator{
		cfg:         mergeConfig(cfg),
		sessions:    sessions,
		contracts:   contracts,
		ffiCatalog:  ffiCatalog,
		checkpoints: checkpoints,
		pipeline:    pipeline,
		profiler:    prof,
	}
}

// WithFlowControl attaches a backpressure source, returning the same
// Coordinator for chaining at construction time.
func (c *Coordinator) WithFlowControl(fc FlowControl) *Coordinator {
	c.flowControl = fc
	return c
}

// WithJIT attaches the JIT compiler consulted by runExpr's fused fast
// path, returning the same Coordinator for chaining at construction
// time. Nil disables JIT execution entirely; the Profiler still tracks
// heat but never triggers a compile.
func (c *Coordinator) WithJIT(compiler *jit.Compiler) *Coordinator {
	c.jitCompiler = compiler
	return c
}

// WithEvents attaches the observational typed event stream (spec §6),
// returning the same Coordinator for chaining at construction time. Nil
// is safe and simply disables publication.
func (c *Coordinator) WithEvents(bus *eventbus.Bus) *Coordinator {
	c.events = bus
	return c
}

func (c *Coordinator) publish(ev eventbus.Event) {
	if c.events != nil {
		c.events.Publish(ev)
	}
}

// Start creates a new Session for contractName seeded with initialState
// and runs the dispatch loop from the Contract's entry block. gasBudget
// of 0 uses the Coordinator's configured default.
func (c *Coordinator) Start(ctx context.Context, contractName string, initialState value.Value, gasBudget uint64) (*domain.Session, error) {
	contract, ok := c.contracts.Lookup(contractName)
	if !ok {
		return nil, &domain.ErrorEnvelope{Kind: domain.ErrKindGraphUnreachable, Message: fmt.Sprintf("unknown contract %q", contractName)}
	}
	if gasBudget == 0 {
		gasBudget = c.cfg.DefaultGasBudget
	}

	stateJSON, err := json.Marshal(initialState)
	if err != nil {
		return nil, fmt.Errorf("internal_error: encoding initial state: %w", err)
	}

	now := time.Now()
	sess := &domain.Session{
		ID:           newID(),
		ContractName: contract.Name,
		ContractHash: contract.Fingerprint,
		Status:       domain.SessionRunning,
		CurrentBlock: contract.EntryBlock,
		State:        stateJSON,
		GasBudget:    gasBudget,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.sessions.Create(sess); err != nil {
		return nil, fmt.Errorf("internal_error: %w", err)
	}
	metrics.RecordSessionStarted()
	c.publish(eventbus.Event{Kind: eventbus.KindSessionStarted, SessionID: sess.ID})

	return c.dispatch(ctx, sess, contract)
}

// Resume feeds input into a Session suspended at SessionAwaitingInput and
// continues the dispatch loop from where it suspended.
func (c *Coordinator) Resume(ctx context.Context, sessionID string, input value.Value) (*domain.Session, error) {
	sess, err := c.sessions.Get(sessionID)
	if err != nil {
		return nil, &domain.ErrorEnvelope{Kind: domain.ErrKindSessionNotFound, Message: err.Error(), SessionID: sessionID}
	}
	if sess.Status != domain.SessionAwaitingInput {
		return nil, &domain.ErrorEnvelope{Kind: domain.ErrKindInvalidResume, Message: fmt.Sprintf("session is %s, not awaiting_input", sess.Status), SessionID: sessionID}
	}
	contract, ok := c.contracts.Lookup(sess.ContractName)
	if !ok {
		return nil, &domain.ErrorEnvelope{Kind: domain.ErrKindGraphUnreachable, Message: fmt.Sprintf("unknown contract %q", sess.ContractName), SessionID: sessionID}
	}

	if sess.PendingPrompt != "" {
		if err := c.writeResumeInput(sess, input); err != nil {
			return nil, fmt.Errorf("internal_error: %w", err)
		}
	}
	sess.Status = domain.SessionRunning
	sess.PendingPrompt = ""
	sess.Attempt++
	c.publish(eventbus.Event{Kind: eventbus.KindResumed, SessionID: sess.ID})

	block := contract.Block(sess.CurrentBlock)
	if block == nil {
		return c.fail(ctx, sess, &domain.ErrorEnvelope{Kind: domain.ErrKindGraphUnreachable, Message: fmt.Sprintf("block %q not found", sess.CurrentBlock), SessionID: sess.ID, BlockID: sess.CurrentBlock})
	}
	sess.CurrentBlock = block.Def.Next

	return c.dispatch(ctx, sess, contract)
}

// writeResumeInput binds the caller-supplied resume value into Session
// state at the awaiting block's result path (AwaitInput has no
// ResultPath of its own in the declarative shape; ExternalData /
// AgentInteraction / LLMProcessing already resolve their own result
// synchronously and never suspend, so the only block kind a Resume call
// ever targets is AwaitInput, writing into its TargetPath).
func (c *Coordinator) writeResumeInput(sess *domain.Session, input value.Value) error {
	st, err := c.sessionState(sess)
	if err != nil {
		return err
	}
	if err := st.Set(sess.PendingPrompt, input); err != nil {
		return err
	}
	return storeState(sess, st)
}

// Cancel transitions a non-terminal Session to SessionCancelled.
func (c *Coordinator) Cancel(sessionID string) (*domain.Session, error) {
	sess, err := c.sessions.Get(sessionID)
	if err != nil {
		return nil, &domain.ErrorEnvelope{Kind: domain.ErrKindSessionNotFound, Message: err.Error(), SessionID: sessionID}
	}
	if sess.Status.Terminal() {
		return sess, nil
	}
	sess.Status = domain.SessionCancelled
	if err := c.sessions.Save(sess); err != nil {
		return nil, fmt.Errorf("internal_error: %w", err)
	}
	metrics.RecordSessionTerminal(string(domain.SessionCancelled))
	return sess, nil
}

// Get returns a Session's current snapshot.
func (c *Coordinator) Get(sessionID string) (*domain.Session, error) {
	sess, err := c.sessions.Get(sessionID)
	if err != nil {
		return nil, &domain.ErrorEnvelope{Kind: domain.ErrKindSessionNotFound, Message: err.Error(), SessionID: sessionID}
	}
	return sess, nil
}

// Checkpoint captures a Session's current state and current block under a
// caller-supplied label, independently of any StateCheckpoint block the
// Session's graph may contain, and returns the new checkpoint's ID
// (SPEC_FULL §4.7). A later Restore to this ID reproduces the Session's
// state exactly, per the checkpoint/restore round-trip law.
func (c *Coordinator) Checkpoint(sessionID, label string) (string, error) {
	sess, err := c.sessions.Get(sessionID)
	if err != nil {
		return "", &domain.ErrorEnvelope{Kind: domain.ErrKindSessionNotFound, Message: err.Error(), SessionID: sessionID}
	}
	id := c.checkpoints.Create(sess.ID, label, sess.CurrentBlock, string(sess.Status), sess.PendingPrompt, sess.State)
	c.publish(eventbus.Event{Kind: eventbus.KindCheckpointCreated, SessionID: sess.ID, BlockID: sess.CurrentBlock, Label: label, CheckpointID: id})
	return id, nil
}

// Restore replaces a Session's state, current block, status, and pending
// prompt with a previously taken checkpoint's (SPEC_FULL §4.7). It does
// not replay execution: it resets the Session to exactly the point
// Checkpoint captured, including an AwaitingInput suspension if that was
// the Session's status at checkpoint time.
func (c *Coordinator) Restore(sessionID, checkpointID string) error {
	sess, err := c.sessions.Get(sessionID)
	if err != nil {
		return &domain.ErrorEnvelope{Kind: domain.ErrKindSessionNotFound, Message: err.Error(), SessionID: sessionID}
	}
	snap := c.checkpoints.Get(checkpointID, sessionID)
	if snap == nil {
		return &domain.ErrorEnvelope{Kind: domain.ErrKindInvalidResume, Message: fmt.Sprintf("checkpoint %q not found for session", checkpointID), SessionID: sessionID}
	}
	sess.State = snap.State
	sess.CurrentBlock = snap.BlockID
	sess.Status = domain.SessionStatus(snap.Status)
	sess.PendingPrompt = snap.PendingPrompt
	sess.ErrorEnvelope = nil
	sess.UpdatedAt = time.Now()
	if err := c.sessions.Save(sess); err != nil {
		return fmt.Errorf("internal_error: %w", err)
	}
	c.publish(eventbus.Event{Kind: eventbus.KindCheckpointRestored, SessionID: sess.ID, BlockID: sess.CurrentBlock, Label: snap.Label, CheckpointID: snap.ID})
	return nil
}

// dispatch walks the Contract's block graph starting at sess.CurrentBlock
// until the Session reaches a suspend point or a terminal status.
func (c *Coordinator) dispatch(ctx context.Context, sess *domain.Session, contract *domain.Contract) (*domain.Session, error) {
	grants := contract.Permissions
	reg := c.ffiCatalog.WithGrants(grants)

	for steps := 0; steps < maxStepsPerDispatch; steps++ {
		select {
		case <-ctx.Done():
			return c.fail(ctx, sess, &domain.ErrorEnvelope{Kind: domain.ErrKindInternal, Message: ctx.Err().Error(), SessionID: sess.ID, BlockID: sess.CurrentBlock})
		default:
		}

		block := contract.Block(sess.CurrentBlock)
		if block == nil {
			return c.fail(ctx, sess, &domain.ErrorEnvelope{Kind: domain.ErrKindGraphUnreachable, Message: fmt.Sprintf("block %q not found", sess.CurrentBlock), SessionID: sess.ID, BlockID: sess.CurrentBlock})
		}

		if !hasPermission(grants, block.Def.RequiredPermission) {
			return c.fail(ctx, sess, &domain.ErrorEnvelope{Kind: domain.ErrKindPermissionDenied, Message: fmt.Sprintf("block %q requires permission %q", block.Def.ID, block.Def.RequiredPermission), SessionID: sess.ID, BlockID: block.Def.ID})
		}

		c.publish(eventbus.Event{Kind: eventbus.KindBlockEntered, SessionID: sess.ID, BlockID: block.Def.ID})
		outcome, err := c.dispatchBlock(ctx, sess, contract, block, reg)
		if err != nil {
			if handled := c.routeToCatch(sess, err); handled {
				continue
			}
			return c.fail(ctx, sess, classifyErr(err, sess.ID, block.Def.ID))
		}
		c.publish(eventbus.Event{Kind: eventbus.KindBlockExited, SessionID: sess.ID, BlockID: block.Def.ID})

		switch outcome.kind {
		case outcomeSuspend:
			sess.Status = domain.SessionAwaitingInput
			sess.PendingPrompt = outcome.prompt
			if err := c.sessions.Save(sess); err != nil {
				return nil, fmt.Errorf("internal_error: %w", err)
			}
			c.publish(eventbus.Event{Kind: eventbus.KindSuspended, SessionID: sess.ID, BlockID: block.Def.ID, InteractionKind: string(block.Def.Kind)})
			return sess, nil
		case outcomeTerminate:
			sess.Status = domain.SessionCompleted
			if err := c.sessions.Save(sess); err != nil {
				return nil, fmt.Errorf("internal_error: %w", err)
			}
			metrics.RecordSessionTerminal(string(domain.SessionCompleted))
			c.publish(eventbus.Event{Kind: eventbus.KindSessionTerminated, SessionID: sess.ID, Status: string(domain.SessionCompleted)})
			return sess, nil
		case outcomeContinue:
			sess.CurrentBlock = outcome.next
		}

		if err := c.sessions.Save(sess); err != nil {
			return nil, fmt.Errorf("internal_error: %w", err)
		}
	}

	return c.fail(ctx, sess, &domain.ErrorEnvelope{Kind: domain.ErrKindInternal, Message: "dispatch exceeded step budget without reaching a suspend or terminal state", SessionID: sess.ID, BlockID: sess.CurrentBlock})
}

type outcomeKind uint8

const (
	outcomeContinue outcomeKind = iota
	outcomeSuspend
	outcomeTerminate
)

type blockOutcome struct {
	kind   outcomeKind
	next   string
	prompt string
}

// dispatchBlock executes one block and reports where the Session goes
// next, or that it must suspend or terminate.
func (c *Coordinator) dispatchBlock(ctx context.Context, sess *domain.Session, contract *domain.Contract, block *domain.CompiledBlock, reg *ffi.Registry) (blockOutcome, error) {
	start := time.Now()
	gasBefore := sess.GasConsumed
	outcome, err := c.dispatchBlockInner(ctx, sess, contract, block, reg)
	duration := time.Since(start)
	metrics.RecordBlockExecution(contract.Name, string(block.Def.Kind), duration.Milliseconds(), err == nil)

	entry := &logging.ExecutionLog{
		SessionID:    sess.ID,
		ContractName: contract.Name,
		BlockID:      block.Def.ID,
		BlockType:    string(block.Def.Kind),
		DurationMs:   duration.Milliseconds(),
		GasConsumed:  sess.GasConsumed - gasBefore,
		Success:      err == nil,
		Attempt:      sess.Attempt,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	logging.Default().Log(entry)

	return outcome, err
}

func (c *Coordinator) dispatchBlockInner(ctx context.Context, sess *domain.Session, contract *domain.Contract, block *domain.CompiledBlock, reg *ffi.Registry) (blockOutcome, error) {
	switch block.Def.Kind {
	case domain.BlockCompute:
		if _, err := c.runExpr(ctx, sess, contract, block.Code, reg); err != nil {
			return blockOutcome{}, err
		}
		return blockOutcome{kind: outcomeContinue, next: block.Def.Next}, nil

	case domain.BlockConditional:
		result, err := c.runExpr(ctx, sess, contract, block.Code, reg)
		if err != nil {
			return blockOutcome{}, err
		}
		label := "else"
		if result.Truthy() {
			label = "then"
		}
		to := edgeTo(block.Edges, label)
		if to == "" {
			return blockOutcome{}, fmt.Errorf("graph_unreachable_block: conditional %q has no %q edge", block.Def.ID, label)
		}
		return blockOutcome{kind: outcomeContinue, next: to}, nil

	case domain.BlockForEach:
		return c.dispatchForEach(ctx, sess, contract, block, reg)

	case domain.BlockContinue:
		return c.dispatchContinueBreak(sess, block, true)

	case domain.BlockBreak:
		return c.dispatchContinueBreak(sess, block, false)

	case domain.BlockTerminate:
		return blockOutcome{kind: outcomeTerminate}, nil

	case domain.BlockExternalData, domain.BlockAgentInteraction, domain.BlockLLMProcessing:
		if err := c.admitIntentHeavyBlock(); err != nil {
			return blockOutcome{}, err
		}
		args := make([]value.Value, len(block.ArgCode))
		for i, code := range block.ArgCode {
			v, err := c.runExpr(ctx, sess, contract, code, reg)
			if err != nil {
				return blockOutcome{}, fmt.Errorf("arg %d: %w", i, err)
			}
			args[i] = v
		}
		result, err := reg.Invoke(ctx, block.Def.FFIFunction, args)
		if err != nil {
			return blockOutcome{}, err
		}
		if block.Def.ResultPath != "" {
			st, err := c.sessionState(sess)
			if err != nil {
				return blockOutcome{}, err
			}
			if err := st.Set(block.Def.ResultPath, result); err != nil {
				return blockOutcome{}, fmt.Errorf("state_path_invalid: %w", err)
			}
			if err := storeState(sess, st); err != nil {
				return blockOutcome{}, err
			}
		}
		return blockOutcome{kind: outcomeContinue, next: block.Def.Next}, nil

	case domain.BlockDisplay:
		msg, err := c.runExpr(ctx, sess, contract, block.Code, reg)
		if err != nil {
			return blockOutcome{}, err
		}
		logging.Op().Info("display block emitted", "session_id", sess.ID, "block_id", block.Def.ID, "message", msg.String())
		return blockOutcome{kind: outcomeContinue, next: block.Def.Next}, nil

	case domain.BlockAwaitInput:
		return blockOutcome{kind: outcomeSuspend, prompt: block.Def.TargetPath}, nil

	case domain.BlockStateCheckpoint:
		st, err := c.sessionState(sess)
		if err != nil {
			return blockOutcome{}, err
		}
		payload, err := json.Marshal(st.Snapshot())
		if err != nil {
			return blockOutcome{}, fmt.Errorf("internal_error: encoding checkpoint state: %w", err)
		}
		ckptID := c.checkpoints.Create(sess.ID, block.Def.Label, block.Def.ID, string(sess.Status), sess.PendingPrompt, payload)
		c.publish(eventbus.Event{Kind: eventbus.KindCheckpointCreated, SessionID: sess.ID, BlockID: block.Def.ID, Label: block.Def.Label, CheckpointID: ckptID})
		return blockOutcome{kind: outcomeContinue, next: block.Def.Next}, nil

	case domain.BlockPersistCheckpoint:
		if c.pipeline == nil {
			return blockOutcome{}, fmt.Errorf("persist_checkpoint_unavailable: no pipeline wired")
		}
		if err := c.admitIntentHeavyBlock(); err != nil {
			return blockOutcome{}, err
		}
		st, err := c.sessionState(sess)
		if err != nil {
			return blockOutcome{}, err
		}
		payload, err := json.Marshal(st.Snapshot())
		if err != nil {
			return blockOutcome{}, fmt.Errorf("internal_error: encoding checkpoint state: %w", err)
		}
		intent := &domain.PersistenceIntent{
			ID:          newID(),
			SessionID:   sess.ID,
			TenantID:    c.tenantID(st),
			PayloadHash: payloadHash(payload),
			Payload:     payload,
			Priority:    domain.PriorityLow,
			Label:       block.Def.Label,
			SubmittedAt: time.Now(),
		}
		if err := c.pipeline.Submit(ctx, intent); err != nil {
			return blockOutcome{}, fmt.Errorf("ffi_call_failed: submitting persistence intent: %w", err)
		}
		c.publish(eventbus.Event{Kind: eventbus.KindCheckpointCreated, SessionID: sess.ID, BlockID: block.Def.ID, Label: block.Def.Label, IntentID: intent.ID})
		return blockOutcome{kind: outcomeContinue, next: block.Def.Next}, nil

	case domain.BlockTryCatch:
		sess.TryFrames = append(sess.TryFrames, domain.TryFrame{
			BlockID:   block.Def.ID,
			ErrorEdge: edgeTo(block.Edges, "error"),
			AfterEdge: edgeTo(block.Edges, "after"),
		})
		return blockOutcome{kind: outcomeContinue, next: edgeTo(block.Edges, "body")}, nil

	default:
		return blockOutcome{}, fmt.Errorf("graph_unreachable_block: unknown block kind %q", block.Def.Kind)
	}
}

// dispatchForEach advances or initializes a ForEach loop's frame. The
// iterable is re-evaluated only when the frame is first pushed; the
// element path is re-written from the cached iterable each visit so a
// suspend/resume inside the loop body resumes at the right element
// without re-running the (possibly FFI-free but non-idempotent) iterable
// expression.
func (c *Coordinator) dispatchForEach(ctx context.Context, sess *domain.Session, contract *domain.Contract, block *domain.CompiledBlock, reg *ffi.Registry) (blockOutcome, error) {
	frame := topForEachFrame(sess, block.Def.ID)
	if frame == nil {
		iterable, err := c.runExpr(ctx, sess, contract, block.Code, reg)
		if err != nil {
			return blockOutcome{}, err
		}
		seq, ok := iterable.AsSeq()
		if !ok {
			return blockOutcome{}, fmt.Errorf("value_type_mismatch: for_each iterable at %q must be a sequence", block.Def.IterablePath)
		}
		raw, err := json.Marshal(iterable)
		if err != nil {
			return blockOutcome{}, fmt.Errorf("internal_error: encoding for_each iterable: %w", err)
		}
		sess.ForEachFrames = append(sess.ForEachFrames, domain.ForEachFrame{
			BlockID:      block.Def.ID,
			AfterEdge:    edgeTo(block.Edges, "after"),
			IterableLen:  len(seq),
			Index:        0,
			ElementPath:  block.Def.ElementPath,
			IterableJSON: raw,
		})
		frame = topForEachFrame(sess, block.Def.ID)
	}

	if frame.Index >= frame.IterableLen {
		popForEachFrame(sess)
		return blockOutcome{kind: outcomeContinue, next: edgeTo(block.Edges, "after")}, nil
	}

	var iterable value.Value
	if err := json.Unmarshal(frame.IterableJSON, &iterable); err != nil {
		return blockOutcome{}, fmt.Errorf("internal_error: decoding for_each iterable: %w", err)
	}
	seq, _ := iterable.AsSeq()
	if frame.Index >= len(seq) {
		return blockOutcome{}, fmt.Errorf("state_path_out_of_bounds: for_each index %d out of range for %q", frame.Index, block.Def.ID)
	}

	st, err := c.sessionState(sess)
	if err != nil {
		return blockOutcome{}, err
	}
	if err := st.Set(frame.ElementPath, seq[frame.Index]); err != nil {
		return blockOutcome{}, fmt.Errorf("state_path_invalid: %w", err)
	}
	if err := storeState(sess, st); err != nil {
		return blockOutcome{}, err
	}

	return blockOutcome{kind: outcomeContinue, next: edgeTo(block.Edges, "body")}, nil
}

// dispatchContinueBreak advances a ForEach loop's index and jumps back to
// the loop head (Continue), or pops the innermost active loop entirely
// and jumps straight to its after edge (Break) without re-entering the
// ForEach block, which would otherwise see no matching frame and
// re-initialize the loop from scratch.
func (c *Coordinator) dispatchContinueBreak(sess *domain.Session, block *domain.CompiledBlock, isContinue bool) (blockOutcome, error) {
	if len(sess.ForEachFrames) == 0 {
		return blockOutcome{}, fmt.Errorf("graph_unreachable_block: %q outside any for_each loop", block.Def.ID)
	}
	idx := len(sess.ForEachFrames) - 1
	if isContinue {
		sess.ForEachFrames[idx].Index++
		return blockOutcome{kind: outcomeContinue, next: sess.ForEachFrames[idx].BlockID}, nil
	}
	frame := sess.ForEachFrames[idx]
	sess.ForEachFrames = sess.ForEachFrames[:idx]
	return blockOutcome{kind: outcomeContinue, next: frame.AfterEdge}, nil
}

// runExpr executes a compiled expression program against the Session's
// current state via a fresh vm.Machine, persisting any state mutation the
// program performed (Compute blocks Store into state mid-program) back
// onto the Session, and feeding the Execution Profiler.
func (c *Coordinator) runExpr(ctx context.Context, sess *domain.Session, contract *domain.Contract, code *bytecode.Bytecode, reg *ffi.Registry) (value.Value, error) {
	if code == nil {
		return value.Null(), nil
	}

	fingerprint := code.Fingerprint()
	if c.jitCompiler != nil {
		if routine, ok := c.jitCompiler.Lookup(fingerprint); ok {
			if result, gasUsed, handled := c.runFused(contract.GasTable, sess, code, routine); handled {
				metrics.RecordVMRun(int64(gasUsed), vmOutcomeLabel(vm.OutcomeHalted))
				sess.GasConsumed += gasUsed
				return result, nil
			}
		}
	}

	st, err := c.sessionState(sess)
	if err != nil {
		return value.Null(), err
	}

	gasTable := contract.GasTable
	machine := vm.New(st, reg, gasTable)

	remaining := sess.GasBudget - sess.GasConsumed
	start := time.Now()
	result := machine.Run(ctx, code, remaining)
	metrics.RecordVMRun(int64(result.GasUsed), vmOutcomeLabel(result.Outcome))
	if c.profiler != nil {
		c.profiler.Record(fingerprint, time.Since(start))
		if c.jitCompiler != nil {
			if rec, ok := c.profiler.Lookup(fingerprint); ok && rec.JITCompiled {
				if _, cached := c.jitCompiler.Lookup(fingerprint); !cached {
					c.jitCompiler.Compile(code)
				}
			}
		}
	}
	sess.GasConsumed += result.GasUsed

	switch result.Outcome {
	case vm.OutcomeHalted:
		if err := storeState(sess, st); err != nil {
			return value.Null(), err
		}
		return result.Value, nil
	case vm.OutcomeOutOfGas:
		return value.Null(), &domain.ErrorEnvelope{Kind: domain.ErrKindOutOfGas, Message: "gas budget exhausted", Detail: fmt.Sprintf("consumed %d of %d", sess.GasConsumed, sess.GasBudget), InstructionOffset: result.Instr}
	default:
		return value.Null(), result.Err
	}
}

// runFused executes a cached Routine directly against a fresh stack when
// its only impure region is the trailing Halt every compiled expression
// ends with (SPEC_FULL §4.5): a program that never touches ScopedState or
// the FFI boundary runs start to finish as fused closures with no
// per-instruction dispatch. Any other impure region (Load, Store,
// CallFfi, a jump) means the expression isn't state-free end to end, so
// handled is false and the caller falls back to the interpreter, which
// alone carries the PC and state-access machinery a conditional or
// state-touching expression needs.
func (c *Coordinator) runFused(gasTable *bytecode.GasTable, sess *domain.Session, code *bytecode.Bytecode, routine *jit.Routine) (value.Value, uint64, bool) {
	var gasCost uint64
	stack := make([]value.Value, 0, 8)
	for i, region := range routine.Regions {
		last := i == len(routine.Regions)-1
		if !region.Pure {
			if last && region.Instr.Op == bytecode.OpHalt {
				gasCost += gasTable.Cost(bytecode.OpHalt)
				break
			}
			return value.Null(), 0, false
		}
		for pc := region.StartPC; pc <= region.EndPC; pc++ {
			gasCost += gasTable.Cost(code.Instructions[pc].Op)
		}
		var err error
		stack, err = region.Run(stack)
		if err != nil {
			return value.Null(), 0, false
		}
	}

	if sess.GasBudget-sess.GasConsumed < gasCost {
		return value.Null(), 0, false
	}
	if len(stack) == 0 {
		return value.Null(), gasCost, true
	}
	return stack[len(stack)-1], gasCost, true
}

// routeToCatch checks whether err occurred inside an active TryCatch
// block; if so it pops that frame and redirects the Session's current
// block to the catch edge instead of failing, returning true when it
// handled the error this way.
func (c *Coordinator) routeToCatch(sess *domain.Session, err error) bool {
	if len(sess.TryFrames) == 0 {
		return false
	}
	idx := len(sess.TryFrames) - 1
	frame := sess.TryFrames[idx]
	sess.TryFrames = sess.TryFrames[:idx]
	if frame.ErrorEdge == "" {
		return false
	}
	sess.CurrentBlock = frame.ErrorEdge
	logging.Op().Debug("routed block error to try/catch error edge", "session_id", sess.ID, "try_block", frame.BlockID, "error", err)
	return true
}

func (c *Coordinator) fail(ctx context.Context, sess *domain.Session, envelope *domain.ErrorEnvelope) (*domain.Session, error) {
	sess.Status = domain.SessionFailed
	sess.ErrorEnvelope = envelope
	if err := c.sessions.Save(sess); err != nil {
		return nil, fmt.Errorf("internal_error: %w", err)
	}
	metrics.RecordSessionTerminal(string(domain.SessionFailed))
	logging.Op().Warn("session failed", "session_id", sess.ID, "kind", envelope.Kind, "message", envelope.Message, "block_id", envelope.BlockID)
	c.publish(eventbus.Event{Kind: eventbus.KindSessionTerminated, SessionID: sess.ID, Status: string(domain.SessionFailed)})
	return sess, envelope
}

// admitIntentHeavyBlock rejects dispatch of an intent-heavy block (one
// that calls out to an FFI function or submits a PersistenceIntent) when
// the Policy Gate's latest signal is Red.
func (c *Coordinator) admitIntentHeavyBlock() error {
	if c.flowControl == nil {
		return nil
	}
	if signal := c.flowControl.Signal(); signal.Level == domain.FlowRed {
		return fmt.Errorf("flow_control_rejected: backpressure at red level, composite_metric=%.3f", signal.CompositeMetric)
	}
	return nil
}

func (c *Coordinator) tenantID(st *value.State) string {
	if c.cfg.TenantIDFromState == "" {
		return ""
	}
	v, ok := st.Get(c.cfg.TenantIDFromState)
	if !ok {
		return ""
	}
	s, _ := v.AsString()
	return s
}

func hasPermission(granted []domain.Permission, required domain.Permission) bool {
	if required == "" {
		return true
	}
	for _, p := range granted {
		if p == required {
			return true
		}
	}
	return false
}

func edgeTo(edges []domain.Edge, label string) string {
	for _, e := range edges {
		if e.Label == label {
			return e.To
		}
	}
	return ""
}

func topForEachFrame(sess *domain.Session, blockID string) *domain.ForEachFrame {
	if len(sess.ForEachFrames) == 0 {
		return nil
	}
	f := &sess.ForEachFrames[len(sess.ForEachFrames)-1]
	if f.BlockID != blockID {
		return nil
	}
	return f
}

func popForEachFrame(sess *domain.Session) {
	if len(sess.ForEachFrames) == 0 {
		return
	}
	sess.ForEachFrames = sess.ForEachFrames[:len(sess.ForEachFrames)-1]
}

func (c *Coordinator) sessionState(sess *domain.Session) (*value.State, error) {
	snapshot, err := sess.StateSnapshot()
	if err != nil {
		return nil, fmt.Errorf("internal_error: decoding session state: %w", err)
	}
	seed := map[string]value.Value{}
	if m, ok := snapshot.AsMap(); ok {
		seed = m
	}
	return value.NewStateWithLimit(seed, c.cfg.MaxAutoExtend), nil
}

func storeState(sess *domain.Session, st *value.State) error {
	raw, err := json.Marshal(st.Snapshot())
	if err != nil {
		return fmt.Errorf("internal_error: encoding session state: %w", err)
	}
	sess.State = raw
	return nil
}

func vmOutcomeLabel(o vm.Outcome) string {
	switch o {
	case vm.OutcomeHalted:
		return "halted"
	case vm.OutcomeOutOfGas:
		return "out_of_gas"
	case vm.OutcomeYielded:
		return "yielded"
	default:
		return "error"
	}
}

func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func newID() string {
	return uuid.NewString()
}

// errKindPrefixes maps the stable string tag every internal package
// prefixes its error messages with (spec §7 taxonomy) to the
// corresponding ErrorKind, checked in order so the most specific prefix
// wins when one is a substring of another.
var errKindPrefixes = []struct {
	prefix string
	kind   domain.ErrorKind
}{
	{"stack_underflow", domain.ErrKindStackUnderflow},
	{"out_of_gas", domain.ErrKindOutOfGas},
	{"value_type_mismatch", domain.ErrKindValueTypeMismatch},
	{"state_schema_violation", domain.ErrKindStateSchema},
	{"state_path_invalid", domain.ErrKindStatePath},
	{"state_path_out_of_bounds", domain.ErrKindStatePath},
	{"permission_denied", domain.ErrKindPermissionDenied},
	{"ffi_function_not_found", domain.ErrKindFFINotFound},
	{"ffi_call_failed", domain.ErrKindFFICallFailed},
	{"vm_invalid_opcode", domain.ErrKindVMInvalidOpcode},
	{"division_by_zero", domain.ErrKindDivisionByZero},
	{"arithmetic_overflow", domain.ErrKindArithmeticOverflow},
	{"call_stack_overflow", domain.ErrKindCallStackOverflow},
	{"graph_unreachable_block", domain.ErrKindGraphUnreachable},
	{"graph_cycle_without_terminator", domain.ErrKindGraphCycle},
	{"flow_control_rejected", domain.ErrKindFlowControlRejected},
}

func classifyErr(err error, sessionID, blockID string) *domain.ErrorEnvelope {
	if envelope, ok := err.(*domain.ErrorEnvelope); ok {
		if envelope.SessionID == "" {
			envelope.SessionID = sessionID
		}
		if envelope.BlockID == "" {
			envelope.BlockID = blockID
		}
		return envelope
	}
	msg := err.Error()
	kind := domain.ErrKindInternal
	for _, p := range errKindPrefixes {
		if strings.HasPrefix(msg, p.prefix) {
			kind = p.kind
			break
		}
	}
	return &domain.ErrorEnvelope{Kind: kind, Message: msg, SessionID: sessionID, BlockID: blockID}
}
