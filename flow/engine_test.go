package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/flowline-dev/flowline/flow/emit"
	"github.com/flowline-dev/flowline/flow/store"
)

var pairIn = MustJSONSchema(`{
	"type": "object",
	"required": ["a", "b"],
	"properties": {"a": {"type": "number"}, "b": {"type": "number"}}
}`)

var numberOut = MustJSONSchema(`{
	"type": "object",
	"required": ["value"],
	"properties": {"value": {"type": "number"}}
}`)

func addStep() *Step {
	return &Step{
		ID:           "add",
		InputSchema:  pairIn,
		OutputSchema: numberOut,
		Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			in := sc.InputData.(map[string]any)
			return map[string]any{"value": in["a"].(float64) + in["b"].(float64)}, nil
		},
	}
}

func doubleStep() *Step {
	return &Step{
		ID:           "double",
		InputSchema:  numberOut,
		OutputSchema: numberOut,
		Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			in := sc.InputData.(map[string]any)
			return map[string]any{"value": in["value"].(float64) * 2}, nil
		},
	}
}

func mathGraph(t *testing.T) *WorkflowGraph {
	t.Helper()
	b := NewBuilder("math")
	b.Add(addStep())
	b.Add(doubleStep())
	g, err := b.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return g
}

func TestEngine_ExecuteSequence(t *testing.T) {
	eng := New(store.NewMemStore())
	g := mathGraph(t)

	res, err := eng.Execute(context.Background(), g, ExecuteRequest{
		RunID: "run-001",
		Input: map[string]any{"a": 5.0, "b": 3.0},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("expected status %s, got %s (error: %v)", RunCompleted, res.Status, res.Error)
	}

	out, ok := res.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected map result, got %T", res.Result)
	}
	if out["value"] != 16.0 {
		t.Errorf("expected final value 16, got %v", out["value"])
	}

	for _, id := range []string{"add", "double"} {
		st, ok := res.Steps[id]
		if !ok {
			t.Fatalf("missing step state for %q", id)
		}
		if st.Status != StepCompleted {
			t.Errorf("step %q: expected %s, got %s", id, StepCompleted, st.Status)
		}
	}

	snap, err := eng.Snapshot(context.Background(), "run-001")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.CurrentPath) != 2 || snap.CurrentPath[0] != "add" || snap.CurrentPath[1] != "double" {
		t.Errorf("expected path [add double], got %v", snap.CurrentPath)
	}
}

func TestEngine_ExecuteBranch(t *testing.T) {
	isEven := func(cc *ConditionContext) bool {
		in, ok := cc.Input.(map[string]any)
		if !ok {
			return false
		}
		v, ok := in["value"].(float64)
		return ok && int(v)%2 == 0
	}

	armStep := func(id, label string) *Step {
		return &Step{
			ID:          id,
			InputSchema: numberOut,
			Execute: func(ctx context.Context, sc *StepContext) (any, error) {
				in := sc.InputData.(map[string]any)
				return fmt.Sprintf("%s: %d", label, int(in["value"].(float64))), nil
			},
		}
	}

	multiply := &Step{
		ID:           "multiply",
		InputSchema:  numberOut,
		OutputSchema: numberOut,
		Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			in := sc.InputData.(map[string]any)
			init := sc.InitData().(map[string]any)
			factor := init["a"].(float64) * init["b"].(float64)
			return map[string]any{"value": in["value"].(float64) * factor}, nil
		},
	}

	b := NewBuilder("parity")
	b.Add(addStep())
	b.Add(multiply)
	b.Add(Branch(
		When(isEven, armStep("even", "even")),
		Otherwise(armStep("odd", "odd")),
	))
	g, err := b.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	eng := New(store.NewMemStore())
	res, err := eng.Execute(context.Background(), g, ExecuteRequest{
		Input: map[string]any{"a": 2.0, "b": 3.0},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("expected %s, got %s (error: %v)", RunCompleted, res.Status, res.Error)
	}

	// 2+3=5, multiplied by 2*3 gives 30: the even arm must be selected.
	if res.Result != "even: 30" {
		t.Errorf("expected %q, got %v", "even: 30", res.Result)
	}
	if st, ran := res.Steps["odd"]; ran && st.Status != StepPending {
		t.Errorf("odd arm should not have executed, state %+v", st)
	}
}

func TestEngine_ExecuteParallel(t *testing.T) {
	child := func(id string, factor float64) *Step {
		return &Step{
			ID: id,
			Execute: func(ctx context.Context, sc *StepContext) (any, error) {
				in := sc.InputData.(map[string]any)
				return in["value"].(float64) * factor, nil
			},
		}
	}

	b := NewBuilder("fanout")
	b.Add(Parallel(child("twice", 2), child("thrice", 3)))
	g, err := b.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	eng := New(store.NewMemStore(), WithMaxConcurrent(2))
	res, err := eng.Execute(context.Background(), g, ExecuteRequest{
		Input: map[string]any{"value": 10.0},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("expected %s, got %s (error: %v)", RunCompleted, res.Status, res.Error)
	}

	out, ok := res.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected map result, got %T", res.Result)
	}
	if out["twice"] != 20.0 {
		t.Errorf("twice: expected 20, got %v", out["twice"])
	}
	if out["thrice"] != 30.0 {
		t.Errorf("thrice: expected 30, got %v", out["thrice"])
	}
}

func TestEngine_ExecuteForEach(t *testing.T) {
	square := &Step{
		ID: "square",
		Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			v := sc.InputData.(float64)
			return v * v, nil
		},
	}

	b := NewBuilder("squares")
	b.Add(ForEach(square, 2))
	g, err := b.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	eng := New(store.NewMemStore(), WithMaxConcurrent(4))
	res, err := eng.Execute(context.Background(), g, ExecuteRequest{
		RunID: "run-squares",
		Input: []any{2.0, 3.0, 4.0},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("expected %s, got %s (error: %v)", RunCompleted, res.Status, res.Error)
	}

	out, ok := res.Result.([]any)
	if !ok {
		t.Fatalf("expected slice result, got %T", res.Result)
	}
	want := []any{4.0, 9.0, 16.0}
	if len(out) != len(want) {
		t.Fatalf("expected %d outputs, got %d", len(want), len(out))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("item %d: expected %v, got %v", i, want[i], out[i])
		}
	}

	// The aggregate is recorded against the child step for later lookup.
	snap, err := eng.Snapshot(context.Background(), "run-squares")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, ok := snap.StepResults["square"]; !ok {
		t.Error("expected for-each aggregate recorded under step id square")
	}
}

func TestEngine_FailurePropagation(t *testing.T) {
	boom := errors.New("boom")
	failing := &Step{
		ID: "failing",
		Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			return nil, boom
		},
	}
	after := passStep("after")

	b := NewBuilder("fails")
	b.Add(failing)
	b.Add(after)
	g, err := b.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	eng := New(store.NewMemStore())
	res, err := eng.Execute(context.Background(), g, ExecuteRequest{Input: map[string]any{}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunFailed {
		t.Fatalf("expected %s, got %s", RunFailed, res.Status)
	}

	var stepErr *StepExecutionError
	if !errors.As(res.Error, &stepErr) {
		t.Fatalf("expected *StepExecutionError, got %v", res.Error)
	}
	if stepErr.StepID != "failing" {
		t.Errorf("expected step failing, got %q", stepErr.StepID)
	}
	if !errors.Is(res.Error, boom) {
		t.Error("expected wrapped cause to be reachable via errors.Is")
	}

	if st, ran := res.Steps["after"]; ran && st.Status != StepPending {
		t.Errorf("step after the failure should not have executed, state %+v", st)
	}
}

func TestEngine_OutputValidationFailure(t *testing.T) {
	bad := &Step{
		ID:           "bad",
		OutputSchema: numberOut,
		Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			return map[string]any{"wrong": true}, nil
		},
	}

	b := NewBuilder("wf")
	b.Add(bad)
	g, err := b.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	eng := New(store.NewMemStore())
	res, err := eng.Execute(context.Background(), g, ExecuteRequest{Input: map[string]any{}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunFailed {
		t.Fatalf("expected %s, got %s", RunFailed, res.Status)
	}

	var verr *ValidationError
	if !errors.As(res.Error, &verr) {
		t.Fatalf("expected *ValidationError, got %v", res.Error)
	}
	if verr.Stage != "output" || verr.StepID != "bad" {
		t.Errorf("expected output validation on step bad, got %+v", verr)
	}
}

func TestEngine_EventOrdering(t *testing.T) {
	buffered := emit.NewBufferedEmitter()
	eng := New(store.NewMemStore(), WithEmitter(buffered))
	g := mathGraph(t)

	_, err := eng.Execute(context.Background(), g, ExecuteRequest{
		RunID: "run-events",
		Input: map[string]any{"a": 1.0, "b": 2.0},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	events := buffered.History("run-events")
	if len(events) == 0 {
		t.Fatal("expected events")
	}

	if events[0].Type != emit.WorkflowStatusUpdate || events[0].Status != string(RunRunning) {
		t.Errorf("first event should be workflow running, got %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Type != emit.WorkflowStatusUpdate || last.Status != string(RunCompleted) {
		t.Errorf("last event should be workflow completed, got %+v", last)
	}

	for i, ev := range events {
		if ev.Seq != i+1 {
			t.Fatalf("event %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
	}

	// A step's completed event precedes the terminal workflow event that
	// depends on its output.
	doubleDone := -1
	for i, ev := range events {
		if ev.Type == emit.StepStatusUpdate && ev.StepID == "double" && ev.Status == string(StepCompleted) {
			doubleDone = i
		}
	}
	if doubleDone == -1 || doubleDone >= len(events)-1 {
		t.Errorf("double completed event missing or not before workflow completed (index %d)", doubleDone)
	}
}

func TestEngine_Watch(t *testing.T) {
	eng := New(store.NewMemStore())
	g := mathGraph(t)

	var seen []emit.Event
	unsubscribe := eng.Watch(func(ev emit.Event) {
		seen = append(seen, ev)
	})

	_, err := eng.Execute(context.Background(), g, ExecuteRequest{
		RunID: "run-watch",
		Input: map[string]any{"a": 1.0, "b": 1.0},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(seen) == 0 {
		t.Fatal("watcher received no events")
	}

	unsubscribe()
	count := len(seen)

	b := NewBuilder("other")
	b.Add(passStep("only"))
	g2, _ := b.Commit()
	if _, err := eng.Execute(context.Background(), g2, ExecuteRequest{Input: "x"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(seen) != count {
		t.Error("watcher received events after unsubscribe")
	}
}

func TestEngine_DuplicateRunID(t *testing.T) {
	eng := New(store.NewMemStore())
	g := mathGraph(t)
	input := map[string]any{"a": 1.0, "b": 1.0}

	if _, err := eng.Execute(context.Background(), g, ExecuteRequest{RunID: "dup", Input: input}); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	_, err := eng.Execute(context.Background(), g, ExecuteRequest{RunID: "dup", Input: input})
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != "DUPLICATE_RUN" {
		t.Fatalf("expected DUPLICATE_RUN, got %v", err)
	}
}

func TestEngine_AbortSuspendedRun(t *testing.T) {
	gate := &Step{
		ID: "gate",
		Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			if sc.IsResuming() {
				return sc.ResumeData(), nil
			}
			return nil, sc.Suspend(map[string]any{"reason": "waiting"})
		},
	}
	b := NewBuilder("abortable")
	b.Add(gate)
	g, err := b.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	eng := New(store.NewMemStore())
	res, err := eng.Execute(context.Background(), g, ExecuteRequest{RunID: "run-abort", Input: "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunSuspended {
		t.Fatalf("expected %s, got %s", RunSuspended, res.Status)
	}

	if err := eng.Abort(context.Background(), "run-abort"); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	snap, err := eng.Snapshot(context.Background(), "run-abort")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Status != string(RunFailed) {
		t.Errorf("expected aborted run %s, got %s", RunFailed, snap.Status)
	}

	_, err = eng.Resume(context.Background(), "run-abort", ResumeRequest{Step: "gate", ResumeData: "y"})
	var invalid *InvalidResumeStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *InvalidResumeStateError after abort, got %v", err)
	}

	if err := eng.Abort(context.Background(), "run-abort"); err == nil {
		t.Error("expected error aborting a finished run")
	}
}

func TestEngine_AbortDuringStep(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := &Step{
		ID: "slow",
		Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			close(started)
			<-release
			return "done", nil
		},
	}
	b := NewBuilder("abort-inflight")
	b.Add(slow)
	g, err := b.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	eng := New(store.NewMemStore())
	var res *RunResult
	var execErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, execErr = eng.Execute(context.Background(), g, ExecuteRequest{RunID: "run-inflight", Input: "x"})
	}()

	// Abort while the only step is executing: the step is not killed, but
	// its normal return must not finalize the run as completed.
	<-started
	if err := eng.Abort(context.Background(), "run-inflight"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	close(release)
	<-done

	if execErr != nil {
		t.Fatalf("Execute: %v", execErr)
	}
	if res.Status != RunFailed {
		t.Fatalf("expected %s, got %s", RunFailed, res.Status)
	}
	var cancelled *RunCancelledError
	if !errors.As(res.Error, &cancelled) {
		t.Fatalf("expected *RunCancelledError, got %v", res.Error)
	}
	if res.Result != nil {
		t.Errorf("expected no result from an aborted run, got %v", res.Result)
	}
}

func TestEngine_ForgetRun(t *testing.T) {
	eng := New(store.NewMemStore())
	g := mathGraph(t)
	input := map[string]any{"a": 2.0, "b": 2.0}

	if _, err := eng.Execute(context.Background(), g, ExecuteRequest{RunID: "run-old", Input: input}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := eng.Forget("run-old"); err != nil {
		t.Fatalf("Forget: %v", err)
	}

	// The checkpoint outlives the in-memory run.
	snap, err := eng.Snapshot(context.Background(), "run-old")
	if err != nil {
		t.Fatalf("Snapshot after Forget: %v", err)
	}
	if snap.Status != string(RunCompleted) {
		t.Errorf("expected archived %s, got %s", RunCompleted, snap.Status)
	}

	// Forgetting releases the run ID for reuse.
	if _, err := eng.Execute(context.Background(), g, ExecuteRequest{RunID: "run-old", Input: input}); err != nil {
		t.Errorf("Execute after Forget: %v", err)
	}

	var ee *EngineError
	if err := eng.Forget("run-absent"); !errors.As(err, &ee) || ee.Code != "RUN_NOT_FOUND" {
		t.Fatalf("expected RUN_NOT_FOUND, got %v", err)
	}

	// A suspended run is still live and cannot be forgotten.
	ag := approvalGraph(t)
	res, err := eng.Execute(context.Background(), ag, ExecuteRequest{
		RunID: "run-waiting",
		Input: map[string]any{"data": "please suspend"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != RunSuspended {
		t.Fatalf("expected %s, got %s", RunSuspended, res.Status)
	}
	if err := eng.Forget("run-waiting"); !errors.As(err, &ee) || ee.Code != "RUN_NOT_FINISHED" {
		t.Fatalf("expected RUN_NOT_FINISHED, got %v", err)
	}
}
