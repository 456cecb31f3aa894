package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oriys/theatre/internal/bytecode"
	"github.com/oriys/theatre/internal/checkpoint"
	"github.com/oriys/theatre/internal/compiler"
	"github.com/oriys/theatre/internal/domain"
	"github.com/oriys/theatre/internal/ffi"
	"github.com/oriys/theatre/internal/value"
)

func mustCompileAssign(t *testing.T, target, expr string) *bytecode.Bytecode {
	t.Helper()
	code, err := compiler.CompileAssign(target, expr, nil)
	if err != nil {
		t.Fatalf("compile assign %q = %q: %v", target, expr, err)
	}
	return code
}

func mustCompileExpr(t *testing.T, expr string) *bytecode.Bytecode {
	t.Helper()
	code, err := compiler.CompileExpr(expr, nil)
	if err != nil {
		t.Fatalf("compile expr %q: %v", expr, err)
	}
	return code
}

func newTestCoordinator(t *testing.T, contract *domain.Contract) (*Coordinator, *ContractRegistry) {
	t.Helper()
	reg := NewContractRegistry()
	reg.Register(contract)
	cat := ffi.NewRegistry(nil)
	ck := checkpoint.NewStore(time.Minute)
	store := NewMemorySessionStore()
	c := New(store, reg, cat, ck, nil, nil, Config{})
	return c, reg
}

// linearContract builds a trivial two-block contract: a Compute block
// that sets counter = counter + 1, followed by Terminate.
func linearContract(t *testing.T) *domain.Contract {
	t.Helper()
	compute := &domain.CompiledBlock{
		Def:   domain.BlockDef{ID: "inc", Kind: domain.BlockCompute, Next: "done", TargetPath: "counter", Expr: "counter + 1"},
		Code:  mustCompileAssign(t, "counter", "counter + 1"),
		Edges: []domain.Edge{{To: "done"}},
	}
	term := &domain.CompiledBlock{
		Def: domain.BlockDef{ID: "done", Kind: domain.BlockTerminate},
	}
	return &domain.Contract{
		Name:        "linear",
		EntryBlock:  "inc",
		Permissions: []domain.Permission{domain.PermStateWrite, domain.PermStateRead},
		Blocks:      map[string]*domain.CompiledBlock{"inc": compute, "done": term},
	}
}

func TestCoordinator_StartRunsToCompletion(t *testing.T) {
	contract := linearContract(t)
	c, _ := newTestCoordinator(t, contract)

	sess, err := c.Start(context.Background(), "linear", value.Map(map[string]value.Value{"counter": value.Int(1)}), 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.Status != domain.SessionCompleted {
		t.Fatalf("expected completed, got %v (err %v)", sess.Status, sess.ErrorEnvelope)
	}

	snap, err := sess.StateSnapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	m, _ := snap.AsMap()
	counter, _ := m["counter"].AsInt()
	if counter != 2 {
		t.Fatalf("expected counter 2, got %d", counter)
	}
}

func TestCoordinator_AwaitInputSuspendsAndResumes(t *testing.T) {
	await := &domain.CompiledBlock{
		Def:   domain.BlockDef{ID: "ask", Kind: domain.BlockAwaitInput, Next: "done", TargetPath: "answer"},
		Edges: []domain.Edge{{To: "done"}},
	}
	term := &domain.CompiledBlock{Def: domain.BlockDef{ID: "done", Kind: domain.BlockTerminate}}
	contract := &domain.Contract{
		Name:       "awaiting",
		EntryBlock: "ask",
		Blocks:     map[string]*domain.CompiledBlock{"ask": await, "done": term},
	}
	c, _ := newTestCoordinator(t, contract)

	sess, err := c.Start(context.Background(), "awaiting", value.Map(nil), 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.Status != domain.SessionAwaitingInput {
		t.Fatalf("expected awaiting_input, got %v", sess.Status)
	}
	if sess.PendingPrompt != "answer" {
		t.Fatalf("expected pending prompt 'answer', got %q", sess.PendingPrompt)
	}

	sess, err = c.Resume(context.Background(), sess.ID, value.String("42"))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sess.Status != domain.SessionCompleted {
		t.Fatalf("expected completed after resume, got %v", sess.Status)
	}
	snap, _ := sess.StateSnapshot()
	m, _ := snap.AsMap()
	answer, _ := m["answer"].AsString()
	if answer != "42" {
		t.Fatalf("expected answer '42', got %q", answer)
	}
}

func TestCoordinator_CheckpointRestoreRoundTrip(t *testing.T) {
	await := &domain.CompiledBlock{
		Def:   domain.BlockDef{ID: "ask", Kind: domain.BlockAwaitInput, Next: "done", TargetPath: "answer"},
		Edges: []domain.Edge{{To: "done"}},
	}
	term := &domain.CompiledBlock{Def: domain.BlockDef{ID: "done", Kind: domain.BlockTerminate}}
	contract := &domain.Contract{
		Name:       "awaiting",
		EntryBlock: "ask",
		Blocks:     map[string]*domain.CompiledBlock{"ask": await, "done": term},
	}
	c, _ := newTestCoordinator(t, contract)

	sess, err := c.Start(context.Background(), "awaiting", value.Map(map[string]value.Value{"seed": value.Int(1)}), 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.Status != domain.SessionAwaitingInput {
		t.Fatalf("expected awaiting_input, got %v", sess.Status)
	}

	ckptID, err := c.Checkpoint(sess.ID, "before-answer")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if ckptID == "" {
		t.Fatalf("checkpoint returned empty id")
	}

	sess, err = c.Resume(context.Background(), sess.ID, value.String("42"))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sess.Status != domain.SessionCompleted {
		t.Fatalf("expected completed after resume, got %v", sess.Status)
	}

	if err := c.Restore(sess.ID, ckptID); err != nil {
		t.Fatalf("restore: %v", err)
	}

	restored, err := c.Get(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if restored.Status != domain.SessionAwaitingInput {
		t.Fatalf("expected awaiting_input after restore, got %v", restored.Status)
	}
	if restored.PendingPrompt != "answer" {
		t.Fatalf("expected pending prompt 'answer' after restore, got %q", restored.PendingPrompt)
	}
	snap, _ := restored.StateSnapshot()
	m, _ := snap.AsMap()
	if _, hasAnswer := m["answer"]; hasAnswer {
		t.Fatalf("restored state still has 'answer' key set by the resume that ran after the checkpoint")
	}
	seed, _ := m["seed"].AsInt()
	if seed != 1 {
		t.Fatalf("expected seed 1 restored, got %d", seed)
	}

	// Resuming the restored session replays forward from the same point.
	sess, err = c.Resume(context.Background(), restored.ID, value.String("99"))
	if err != nil {
		t.Fatalf("resume after restore: %v", err)
	}
	if sess.Status != domain.SessionCompleted {
		t.Fatalf("expected completed after second resume, got %v", sess.Status)
	}
	snap, _ = sess.StateSnapshot()
	m, _ = snap.AsMap()
	answer, _ := m["answer"].AsString()
	if answer != "99" {
		t.Fatalf("expected answer '99', got %q", answer)
	}
}

func TestCoordinator_RestoreUnknownCheckpointFails(t *testing.T) {
	contract := linearContract(t)
	c, _ := newTestCoordinator(t, contract)

	sess, err := c.Start(context.Background(), "linear", value.Map(map[string]value.Value{"counter": value.Int(1)}), 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := c.Restore(sess.ID, "does-not-exist"); err == nil {
		t.Fatalf("expected error restoring an unknown checkpoint id")
	}
}

func TestCoordinator_CheckpointUnknownSessionFails(t *testing.T) {
	contract := linearContract(t)
	c, _ := newTestCoordinator(t, contract)

	if _, err := c.Checkpoint("does-not-exist", "label"); err == nil {
		t.Fatalf("expected error checkpointing an unknown session")
	}
}

func TestCoordinator_ForEachIteratesAllElements(t *testing.T) {
	loop := &domain.CompiledBlock{
		Def:   domain.BlockDef{ID: "loop", Kind: domain.BlockForEach, IterablePath: "items", ElementPath: "item", BodyEntry: "body", AfterEdge: "done"},
		Code:  mustCompileExpr(t, "items"),
		Edges: []domain.Edge{{Label: "body", To: "body"}, {Label: "after", To: "done"}},
	}
	body := &domain.CompiledBlock{
		Def:   domain.BlockDef{ID: "body", Kind: domain.BlockCompute, Next: "cont", TargetPath: "sum", Expr: "sum + item"},
		Code:  mustCompileAssign(t, "sum", "sum + item"),
		Edges: []domain.Edge{{To: "cont"}},
	}
	cont := &domain.CompiledBlock{
		Def: domain.BlockDef{ID: "cont", Kind: domain.BlockContinue},
	}
	term := &domain.CompiledBlock{Def: domain.BlockDef{ID: "done", Kind: domain.BlockTerminate}}
	contract := &domain.Contract{
		Name:       "looping",
		EntryBlock: "loop",
		Blocks:     map[string]*domain.CompiledBlock{"loop": loop, "body": body, "cont": cont, "done": term},
	}
	c, _ := newTestCoordinator(t, contract)

	initial := value.Map(map[string]value.Value{
		"items": value.Seq([]value.Value{value.Int(1), value.Int(2), value.Int(3)}),
		"sum":   value.Int(0),
	})
	sess, err := c.Start(context.Background(), "looping", initial, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.Status != domain.SessionCompleted {
		t.Fatalf("expected completed, got %v (err %v)", sess.Status, sess.ErrorEnvelope)
	}
	snap, _ := sess.StateSnapshot()
	m, _ := snap.AsMap()
	sum, _ := m["sum"].AsInt()
	if sum != 6 {
		t.Fatalf("expected sum 6, got %d", sum)
	}
}

func TestCoordinator_TryCatchRoutesBlockErrorToErrorEdge(t *testing.T) {
	try := &domain.CompiledBlock{
		Def:   domain.BlockDef{ID: "try", Kind: domain.BlockTryCatch, BodyEntry: "risky", ErrorEdge: "recover", AfterEdge: "done"},
		Edges: []domain.Edge{{Label: "body", To: "risky"}, {Label: "error", To: "recover"}, {Label: "after", To: "done"}},
	}
	risky := &domain.CompiledBlock{
		Def:   domain.BlockDef{ID: "risky", Kind: domain.BlockCompute, Next: "done", TargetPath: "result", Expr: "1 / zero"},
		Code:  mustCompileAssign(t, "result", "1 / zero"),
		Edges: []domain.Edge{{To: "done"}},
	}
	recoverBlock := &domain.CompiledBlock{
		Def:   domain.BlockDef{ID: "recover", Kind: domain.BlockCompute, Next: "done", TargetPath: "result", Expr: "-1"},
		Code:  mustCompileAssign(t, "result", "-1"),
		Edges: []domain.Edge{{To: "done"}},
	}
	term := &domain.CompiledBlock{Def: domain.BlockDef{ID: "done", Kind: domain.BlockTerminate}}
	contract := &domain.Contract{
		Name:       "trying",
		EntryBlock: "try",
		Blocks:     map[string]*domain.CompiledBlock{"try": try, "risky": risky, "recover": recoverBlock, "done": term},
	}
	c, _ := newTestCoordinator(t, contract)

	initial := value.Map(map[string]value.Value{"zero": value.Int(0)})
	sess, err := c.Start(context.Background(), "trying", initial, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.Status != domain.SessionCompleted {
		t.Fatalf("expected completed via catch edge, got %v (err %v)", sess.Status, sess.ErrorEnvelope)
	}
	snap, _ := sess.StateSnapshot()
	m, _ := snap.AsMap()
	result, _ := m["result"].AsInt()
	if result != -1 {
		t.Fatalf("expected result -1 from recovery block, got %d", result)
	}
}

func TestCoordinator_BreakExitsLoopWithoutRestarting(t *testing.T) {
	loop := &domain.CompiledBlock{
		Def:   domain.BlockDef{ID: "loop", Kind: domain.BlockForEach, IterablePath: "items", ElementPath: "item", BodyEntry: "body", AfterEdge: "done"},
		Code:  mustCompileExpr(t, "items"),
		Edges: []domain.Edge{{Label: "body", To: "body"}, {Label: "after", To: "done"}},
	}
	body := &domain.CompiledBlock{
		Def:   domain.BlockDef{ID: "body", Kind: domain.BlockCompute, Next: "check", TargetPath: "sum", Expr: "sum + item"},
		Code:  mustCompileAssign(t, "sum", "sum + item"),
		Edges: []domain.Edge{{To: "check"}},
	}
	check := &domain.CompiledBlock{
		Def:   domain.BlockDef{ID: "check", Kind: domain.BlockConditional, Expr: "item == 2"},
		Code:  mustCompileExpr(t, "item == 2"),
		Edges: []domain.Edge{{Label: "then", To: "brk"}, {Label: "else", To: "cont"}},
	}
	brk := &domain.CompiledBlock{
		Def: domain.BlockDef{ID: "brk", Kind: domain.BlockBreak},
	}
	cont := &domain.CompiledBlock{
		Def: domain.BlockDef{ID: "cont", Kind: domain.BlockContinue},
	}
	term := &domain.CompiledBlock{Def: domain.BlockDef{ID: "done", Kind: domain.BlockTerminate}}
	contract := &domain.Contract{
		Name:       "breaking",
		EntryBlock: "loop",
		Blocks: map[string]*domain.CompiledBlock{
			"loop": loop, "body": body, "check": check, "brk": brk, "cont": cont, "done": term,
		},
	}
	c, _ := newTestCoordinator(t, contract)

	initial := value.Map(map[string]value.Value{
		"items": value.Seq([]value.Value{value.Int(1), value.Int(2), value.Int(3)}),
		"sum":   value.Int(0),
	})
	sess, err := c.Start(context.Background(), "breaking", initial, 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.Status != domain.SessionCompleted {
		t.Fatalf("expected completed, got %v (err %v)", sess.Status, sess.ErrorEnvelope)
	}
	snap, _ := sess.StateSnapshot()
	m, _ := snap.AsMap()
	sum, _ := m["sum"].AsInt()
	if sum != 3 {
		t.Fatalf("expected sum 3 (1+2, break before 3), got %d", sum)
	}
}

type fakePersistSink struct {
	mu       sync.Mutex
	received []*domain.PersistenceIntent
}

func (f *fakePersistSink) Submit(_ context.Context, intent *domain.PersistenceIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, intent)
	return nil
}

func TestCoordinator_PersistCheckpointSubmitsIntent(t *testing.T) {
	checkpointBlock := &domain.CompiledBlock{
		Def:   domain.BlockDef{ID: "save", Kind: domain.BlockPersistCheckpoint, Next: "done", Label: "mid-flow"},
		Edges: []domain.Edge{{To: "done"}},
	}
	term := &domain.CompiledBlock{Def: domain.BlockDef{ID: "done", Kind: domain.BlockTerminate}}
	contract := &domain.Contract{
		Name:       "persisting",
		EntryBlock: "save",
		Blocks:     map[string]*domain.CompiledBlock{"save": checkpointBlock, "done": term},
	}

	reg := NewContractRegistry()
	reg.Register(contract)
	sink := &fakePersistSink{}
	c := New(NewMemorySessionStore(), reg, ffi.NewRegistry(nil), checkpoint.NewStore(time.Minute), sink, nil, Config{})

	sess, err := c.Start(context.Background(), "persisting", value.Map(nil), 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.Status != domain.SessionCompleted {
		t.Fatalf("expected completed, got %v (err %v)", sess.Status, sess.ErrorEnvelope)
	}
	if len(sink.received) != 1 {
		t.Fatalf("expected one persistence intent submitted, got %d", len(sink.received))
	}
	if sink.received[0].Label != "mid-flow" {
		t.Fatalf("expected label 'mid-flow', got %q", sink.received[0].Label)
	}
}

type fakeFlowControl struct {
	level domain.FlowControlLevel
}

func (f *fakeFlowControl) Signal() domain.FlowControlSignal {
	return domain.FlowControlSignal{Level: f.level}
}

func TestCoordinator_RedFlowControlRejectsIntentHeavyBlock(t *testing.T) {
	ffiBlock := &domain.CompiledBlock{
		Def:     domain.BlockDef{ID: "fetch", Kind: domain.BlockExternalData, Next: "done", FFIFunction: "noop", ResultPath: "result"},
		ArgCode: nil,
		Edges:   []domain.Edge{{To: "done"}},
	}
	term := &domain.CompiledBlock{Def: domain.BlockDef{ID: "done", Kind: domain.BlockTerminate}}
	contract := &domain.Contract{
		Name:        "fetching",
		EntryBlock:  "fetch",
		Permissions: []domain.Permission{domain.PermExternalDataFetch},
		Blocks:      map[string]*domain.CompiledBlock{"fetch": ffiBlock, "done": term},
	}

	reg := NewContractRegistry()
	reg.Register(contract)
	cat := ffi.NewRegistry([]domain.Permission{domain.PermExternalDataFetch})
	cat.Register(ffi.Func{
		Name:       "noop",
		Arity:      0,
		Permission: domain.PermExternalDataFetch,
		Handler:    func(ctx context.Context, args []value.Value) (value.Value, error) { return value.Null(), nil },
	})
	c := New(NewMemorySessionStore(), reg, cat, checkpoint.NewStore(time.Minute), nil, nil, Config{}).
		WithFlowControl(&fakeFlowControl{level: domain.FlowRed})

	sess, err := c.Start(context.Background(), "fetching", value.Map(nil), 0)
	if err == nil {
		t.Fatal("expected flow_control_rejected error")
	}
	if sess.Status != domain.SessionFailed {
		t.Fatalf("expected failed, got %v", sess.Status)
	}
	if sess.ErrorEnvelope == nil || sess.ErrorEnvelope.Kind != domain.ErrKindFlowControlRejected {
		t.Fatalf("expected flow_control_rejected kind, got %+v", sess.ErrorEnvelope)
	}
}

func TestCoordinator_PermissionDeniedFailsSession(t *testing.T) {
	compute := &domain.CompiledBlock{
		Def:   domain.BlockDef{ID: "inc", Kind: domain.BlockCompute, Next: "done", TargetPath: "counter", Expr: "counter + 1", RequiredPermission: domain.PermStateWrite},
		Code:  mustCompileAssign(t, "counter", "counter + 1"),
		Edges: []domain.Edge{{To: "done"}},
	}
	term := &domain.CompiledBlock{Def: domain.BlockDef{ID: "done", Kind: domain.BlockTerminate}}
	contract := &domain.Contract{
		Name:        "locked",
		EntryBlock:  "inc",
		Permissions: nil,
		Blocks:      map[string]*domain.CompiledBlock{"inc": compute, "done": term},
	}
	c, _ := newTestCoordinator(t, contract)

	sess, err := c.Start(context.Background(), "locked", value.Map(map[string]value.Value{"counter": value.Int(0)}), 0)
	if err == nil {
		t.Fatal("expected an error for missing permission")
	}
	if sess.Status != domain.SessionFailed {
		t.Fatalf("expected failed, got %v", sess.Status)
	}
	if sess.ErrorEnvelope == nil || sess.ErrorEnvelope.Kind != domain.ErrKindPermissionDenied {
		t.Fatalf("expected permission_denied kind, got %+v", sess.ErrorEnvelope)
	}
}
