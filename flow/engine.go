package flow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowline-dev/flowline/flow/emit"
	"github.com/flowline-dev/flowline/flow/store"
)

// Engine executes compiled workflow graphs.
//
// The Engine:
//   - schedules graph traversal per run, bounded by MaxConcurrent
//   - validates step inputs and outputs against their schemas
//   - freezes runs on cooperative suspension and re-enters them on Resume
//   - checkpoints run state through the store on suspension and completion
//   - appends every transition to the per-run event log in causal order
//   - enforces the single-writer invariant: concurrent Execute/Resume
//     calls for one run ID are rejected with *RunBusyError
//
// Construct one Engine per process or per test and pass references
// explicitly; there is no shared global instance.
//
// Example:
//
//	engine := flow.New(store.NewMemStore(), flow.WithEmitter(buffered))
//	result, err := engine.Execute(ctx, graph, flow.ExecuteRequest{
//	    RunID: "run-001",
//	    Input: map[string]any{"a": 5, "b": 3},
//	})
type Engine struct {
	st            store.Store
	emitter       emit.Emitter
	metrics       *Metrics
	logger        *slog.Logger
	clock         func() time.Time
	maxConcurrent int
	hub           *watcherHub

	mu     sync.Mutex
	graphs map[string]*WorkflowGraph
	runs   map[string]*Run
	active map[string]*schedulerHandle
}

// schedulerHandle tracks one active scheduler so Abort can reach it.
type schedulerHandle struct {
	abort chan struct{}
	once  sync.Once
}

func (h *schedulerHandle) signal() {
	h.once.Do(func() { close(h.abort) })
}

func (h *schedulerHandle) aborted() bool {
	select {
	case <-h.abort:
		return true
	default:
		return false
	}
}

// New creates an Engine backed by the given store. A nil store disables
// checkpointing; suspended runs can then only be resumed in-process.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		st:            st,
		emitter:       emit.NewNullEmitter(),
		logger:        slog.Default(),
		clock:         time.Now,
		maxConcurrent: 1,
		graphs:        make(map[string]*WorkflowGraph),
		runs:          make(map[string]*Run),
		active:        make(map[string]*schedulerHandle),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.hub = newWatcherHub(e.logger)
	return e
}

// Register makes a compiled graph resumable by workflow ID. Execute
// registers its graph automatically; call Register explicitly when resuming
// runs checkpointed by a previous process.
func (e *Engine) Register(g *WorkflowGraph) {
	if g == nil {
		return
	}
	e.mu.Lock()
	e.graphs[g.ID()] = g
	e.mu.Unlock()
}

// ExecuteRequest parameterizes one run of a graph.
type ExecuteRequest struct {
	// RunID identifies the run. Generated when empty.
	RunID string

	// Input is the run's initial input, validated against the first
	// step's input schema when it reaches that step.
	Input any
}

// ResumeRequest re-enters a suspended run.
type ResumeRequest struct {
	// Step names the suspended step to re-enter. It must match a step the
	// run is currently suspended at.
	Step string

	// ResumeData is passed to the step's execute function, validated
	// against the step's resume schema first.
	ResumeData any
}

// Execute runs the graph from the start and returns the run outcome.
//
// The returned error reports caller or configuration problems (*RunBusyError,
// duplicate run ID, nil graph); run failures are reported through
// RunResult.Status and RunResult.Error so that suspension and failure are
// ordinary outcomes, not special control flow.
func (e *Engine) Execute(ctx context.Context, g *WorkflowGraph, req ExecuteRequest) (*RunResult, error) {
	if g == nil {
		return nil, &EngineError{Message: "graph is required", Code: "MISSING_GRAPH"}
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	e.mu.Lock()
	e.graphs[g.ID()] = g
	if _, busy := e.active[runID]; busy {
		e.mu.Unlock()
		return nil, &RunBusyError{RunID: runID}
	}
	if _, exists := e.runs[runID]; exists {
		e.mu.Unlock()
		return nil, &EngineError{Message: "run ID already used: " + runID, Code: "DUPLICATE_RUN"}
	}
	run := newRun(g, runID, req.Input)
	handle := &schedulerHandle{abort: make(chan struct{})}
	e.runs[runID] = run
	e.active[runID] = handle
	e.mu.Unlock()

	return e.drive(ctx, run, handle, "", nil)
}

// Resume re-enters a suspended run at the named step with externally
// supplied resume data, then continues traversal from that point, reusing
// all previously accumulated step results.
//
// Returns *InvalidResumeStateError unless the run is suspended at the named
// step, *ValidationError if the resume data fails the step's resume schema
// (the run stays suspended), and *RunBusyError if a scheduler is already
// active for the run.
func (e *Engine) Resume(ctx context.Context, runID string, req ResumeRequest) (*RunResult, error) {
	e.mu.Lock()
	if _, busy := e.active[runID]; busy {
		e.mu.Unlock()
		return nil, &RunBusyError{RunID: runID}
	}

	run, ok := e.runs[runID]
	if !ok {
		// Recover the run from the store (process restart path).
		loaded, err := e.loadRunLocked(ctx, runID)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		run = loaded
		e.runs[runID] = run
	}

	if run.Status != RunSuspended || !run.isSuspendedAt(req.Step) {
		status := run.Status
		suspendedAt := append([]string(nil), run.suspended...)
		e.mu.Unlock()
		return nil, &InvalidResumeStateError{
			RunID:       runID,
			Step:        req.Step,
			Status:      status,
			SuspendedAt: suspendedAt,
		}
	}

	step := run.graph.steps[req.Step]
	if err := step.resumeSchema().Validate(req.ResumeData); err != nil {
		e.mu.Unlock()
		if verr, ok := err.(*ValidationError); ok {
			verr.StepID = req.Step
			verr.Stage = "resume"
		}
		return nil, err
	}

	handle := &schedulerHandle{abort: make(chan struct{})}
	e.active[runID] = handle
	e.mu.Unlock()

	e.metrics.runResumed()
	return e.drive(ctx, run, handle, req.Step, req.ResumeData)
}

// drive runs one scheduler pass over the run and finalizes bookkeeping.
func (e *Engine) drive(ctx context.Context, run *Run, handle *schedulerHandle, resumeStep string, resumeData any) (*RunResult, error) {
	s := &scheduler{
		eng:          e,
		run:          run,
		handle:       handle,
		sem:          make(chan struct{}, e.maxConcurrent),
		resumeTarget: resumeStep,
		resumeData:   resumeData,
	}

	finalOutput := s.execute(ctx)

	e.mu.Lock()
	delete(e.active, run.RunID)
	e.mu.Unlock()

	run.mu.Lock()
	result := run.result(finalOutput)
	snap := run.snapshot(e.clock())
	run.mu.Unlock()

	e.checkpoint(ctx, run.RunID, snap)
	return result, nil
}

// Abort cancels a run. A currently executing step is not killed: the
// scheduler stops dispatching further nodes and marks the run failed with a
// *RunCancelledError once the in-flight step returns. Aborting a suspended
// run fails it immediately.
func (e *Engine) Abort(ctx context.Context, runID string) error {
	e.mu.Lock()
	if handle, ok := e.active[runID]; ok {
		e.mu.Unlock()
		handle.signal()
		return nil
	}

	run, ok := e.runs[runID]
	if !ok {
		e.mu.Unlock()
		return &EngineError{Message: "run not found: " + runID, Code: "RUN_NOT_FOUND"}
	}
	e.mu.Unlock()

	run.mu.Lock()
	if run.Status.Terminal() {
		run.mu.Unlock()
		return &EngineError{Message: "run already finished: " + runID, Code: "RUN_FINISHED"}
	}
	run.Status = RunFailed
	run.Err = &RunCancelledError{RunID: runID}
	run.seq++
	ev := emit.Event{
		Type:       emit.WorkflowStatusUpdate,
		Seq:        run.seq,
		RunID:      run.RunID,
		WorkflowID: run.WorkflowID,
		Status:     string(RunFailed),
		Timestamp:  e.clock(),
		Meta:       map[string]any{"error": run.Err.Error()},
	}
	snap := run.snapshot(e.clock())
	run.mu.Unlock()

	e.emitter.Emit(ev)
	e.hub.deliver(ev)
	e.metrics.runFinished(run.WorkflowID, RunFailed)
	e.checkpoint(ctx, runID, snap)
	return nil
}

// Watch registers a callback that receives every event the engine emits,
// synchronously and in per-run causal order. The returned function
// unsubscribes the callback.
//
// Late subscribers receive only future events; read committed history from a
// BufferedEmitter or the run snapshot.
func (e *Engine) Watch(cb func(emit.Event)) func() {
	return e.hub.subscribe(cb)
}

// Snapshot returns a point-in-time copy of the run's state, falling back to
// the store for runs not held in memory.
func (e *Engine) Snapshot(ctx context.Context, runID string) (store.Snapshot, error) {
	e.mu.Lock()
	run, ok := e.runs[runID]
	e.mu.Unlock()

	if ok {
		run.mu.Lock()
		defer run.mu.Unlock()
		return run.snapshot(e.clock()), nil
	}

	if e.st == nil {
		return store.Snapshot{}, store.ErrNotFound
	}
	return e.st.Load(ctx, runID)
}

// Forget drops a finished run from engine memory, releasing its run ID for
// reuse within this process. The persisted snapshot, if any, is untouched,
// so Snapshot still serves forgotten runs from the store. Runs that have
// not reached a terminal status cannot be forgotten; abort or resume them
// first.
func (e *Engine) Forget(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[runID]; busy {
		return &RunBusyError{RunID: runID}
	}
	run, ok := e.runs[runID]
	if !ok {
		return &EngineError{Message: "run not found: " + runID, Code: "RUN_NOT_FOUND"}
	}
	if !run.Status.Terminal() {
		return &EngineError{Message: "run not finished: " + runID, Code: "RUN_NOT_FINISHED"}
	}
	delete(e.runs, runID)
	return nil
}

// loadRunLocked rebuilds a run from its stored snapshot. Caller holds e.mu.
func (e *Engine) loadRunLocked(ctx context.Context, runID string) (*Run, error) {
	if e.st == nil {
		return nil, &EngineError{Message: "run not found: " + runID, Code: "RUN_NOT_FOUND"}
	}
	snap, err := e.st.Load(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &EngineError{Message: "run not found: " + runID, Code: "RUN_NOT_FOUND"}
	}
	if err != nil {
		return nil, &EngineError{Message: "load run " + runID + ": " + err.Error(), Code: "STORE_ERROR"}
	}
	g, ok := e.graphs[snap.WorkflowID]
	if !ok {
		return nil, &EngineError{
			Message: "workflow not registered: " + snap.WorkflowID + " (call Register before Resume)",
			Code:    "GRAPH_NOT_REGISTERED",
		}
	}
	return restoreRun(g, snap), nil
}

// checkpoint persists the snapshot, logging rather than failing the run on
// store errors: the in-memory run remains authoritative.
func (e *Engine) checkpoint(ctx context.Context, runID string, snap store.Snapshot) {
	if e.st == nil {
		return
	}
	if err := e.st.Save(ctx, runID, snap); err != nil {
		e.logger.Error("checkpoint failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()))
	}
}
