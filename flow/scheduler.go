package flow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/flowline-dev/flowline/flow/emit"
)

// scheduler walks a compiled graph for one run. Exactly one scheduler owns a
// run at a time; the engine's active-run registry enforces this before a
// scheduler is created.
//
// Traversal order is deterministic: sequences left to right, parallel and
// for-each children dispatched in declaration order (completion may
// interleave), branch arms tested in declaration order with short-circuit.
type scheduler struct {
	eng    *Engine
	run    *Run
	handle *schedulerHandle

	// sem bounds concurrent step execution across all fan-outs in the run.
	sem chan struct{}

	// resumeTarget is the suspended step being re-entered, if any.
	resumeTarget string
	resumeData   any
	resumeOnce   sync.Once
}

// execute performs one scheduler pass and returns the graph's final output
// for completed runs.
func (s *scheduler) execute(ctx context.Context) any {
	s.setRunStatus(RunRunning, nil)

	out, err := s.walk(ctx, s.run.graph.root, s.run.InitialInput, true)

	// An abort that lands while the final node is in flight must not be
	// outrun by a normal return or a suspension.
	if s.handle.aborted() && (err == nil || errors.Is(err, ErrSuspended)) {
		err = &RunCancelledError{RunID: s.run.RunID}
	}

	switch {
	case err == nil:
		s.setRunStatus(RunCompleted, nil)
		s.eng.metrics.runFinished(s.run.WorkflowID, RunCompleted)
		return out
	case errors.Is(err, ErrSuspended):
		s.setRunStatus(RunSuspended, nil)
		s.eng.metrics.runSuspended()
		return nil
	default:
		s.run.mu.Lock()
		s.run.Err = err
		s.run.mu.Unlock()
		s.setRunStatus(RunFailed, map[string]any{"error": err.Error()})
		s.eng.metrics.runFinished(s.run.WorkflowID, RunFailed)
		return nil
	}
}

// walk evaluates one node with the given inbound value. When record is
// false the node executes ephemerally: no memoization, step states, or
// events; for-each uses that mode for per-item applications.
func (s *scheduler) walk(ctx context.Context, n node, input any, record bool) (any, error) {
	if s.handle.aborted() {
		return nil, &RunCancelledError{RunID: s.run.RunID}
	}
	if err := ctx.Err(); err != nil {
		return nil, &RunCancelledError{RunID: s.run.RunID}
	}

	switch v := n.(type) {
	case *stepNode:
		return s.runStep(ctx, v.step, input, record)
	case *sequenceNode:
		return s.walkSequence(ctx, v, input, record)
	case *parallelNode:
		return s.walkParallel(ctx, v, input, record)
	case *branchNode:
		return s.walkBranch(ctx, v, input, record)
	case *forEachNode:
		return s.walkForEach(ctx, v, input, record)
	default:
		return nil, &EngineError{Message: fmt.Sprintf("unknown node type %T", n), Code: "BAD_NODE"}
	}
}

func (s *scheduler) walkSequence(ctx context.Context, n *sequenceNode, input any, record bool) (any, error) {
	current := input
	for _, child := range n.children {
		out, err := s.walk(ctx, child, current, record)
		if err != nil {
			return nil, err
		}
		current = out
	}
	return current, nil
}

// walkParallel dispatches children in declaration order and collects
// outputs as a map keyed by child. The run's concurrency bound applies per step
// execution inside each subtree, not per child walk, so nested fan-outs
// never starve each other. A failure stops further dispatch; a suspension
// does not, since every child of the node counts as started once the node
// is entered, which lets one pass suspend at several gates. Failure takes
// precedence over suspension in the returned error.
func (s *scheduler) walkParallel(ctx context.Context, n *parallelNode, input any, record bool) (any, error) {
	type childResult struct {
		key string
		out any
		err error
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stopped bool
	)
	results := make([]childResult, len(n.children))

	for i, child := range n.children {
		mu.Lock()
		skip := stopped
		mu.Unlock()
		if skip || s.handle.aborted() {
			break
		}

		wg.Add(1)
		go func(i int, child node) {
			defer wg.Done()

			out, err := s.walk(ctx, child, input, record)
			results[i] = childResult{key: child.key(), out: out, err: err}
			if err != nil && !errors.Is(err, ErrSuspended) {
				mu.Lock()
				stopped = true
				mu.Unlock()
			}
		}(i, child)
	}
	wg.Wait()

	collected := make(map[string]any, len(n.children))
	var suspendErr error
	for _, res := range results {
		if res.err != nil {
			if errors.Is(res.err, ErrSuspended) {
				if suspendErr == nil {
					suspendErr = res.err
				}
				continue
			}
			return nil, res.err
		}
		if res.key != "" {
			collected[res.key] = res.out
		}
	}
	if suspendErr != nil {
		return nil, suspendErr
	}
	return collected, nil
}

func (s *scheduler) walkBranch(ctx context.Context, n *branchNode, input any, record bool) (any, error) {
	s.run.mu.Lock()
	cc := &ConditionContext{Input: input, run: s.run}
	var selected *branchArmNode
	for i := range n.arms {
		if n.arms[i].when(cc) {
			selected = &n.arms[i]
			break
		}
	}
	s.run.mu.Unlock()

	// Commit guarantees a fallback arm, so selection cannot miss.
	if selected == nil {
		return nil, &EngineError{Message: "branch selected no arm", Code: "NO_BRANCH_ARM"}
	}
	return s.walk(ctx, selected.child, input, record)
}

// walkForEach applies the child once per collection element with the node's
// own concurrency bound; the run's per-step bound still applies
// inside each item's walk. The aggregate output is the per-item outputs in
// input order, recorded against the child's terminal step so later steps
// can look it up.
func (s *scheduler) walkForEach(ctx context.Context, n *forEachNode, input any, record bool) (any, error) {
	items, err := asCollection(input)
	if err != nil {
		return nil, err
	}

	// The child step represents the whole fan-out in the run record: it
	// starts before the first item and completes with the aggregate.
	var aggregateStep string
	if record {
		if steps := terminalSteps(n.child); len(steps) == 1 {
			aggregateStep = steps[0].ID
			now := s.eng.clock()
			s.run.mu.Lock()
			st := s.run.stepState(aggregateStep)
			st.Status = StepRunning
			st.StartedAt = now
			s.run.CurrentPath = append(s.run.CurrentPath, aggregateStep)
			ev := s.stepEventLocked(aggregateStep, StepRunning, nil)
			s.run.mu.Unlock()
			s.deliver(ev)
		}
	}

	outputs := make([]any, len(items))
	itemErrs := make([]error, len(items))
	itemSem := make(chan struct{}, n.concurrency)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stopped bool
	)

dispatch:
	for i, item := range items {
		mu.Lock()
		skip := stopped
		mu.Unlock()
		if skip || s.handle.aborted() {
			break
		}

		select {
		case itemSem <- struct{}{}:
		case <-s.handle.abort:
			break dispatch
		case <-ctx.Done():
			break dispatch
		}

		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			defer func() { <-itemSem }()

			out, err := s.walk(ctx, n.child, item, false)
			outputs[i] = out
			itemErrs[i] = err
			if err != nil {
				mu.Lock()
				stopped = true
				mu.Unlock()
			}
		}(i, item)
	}
	wg.Wait()

	if s.handle.aborted() || ctx.Err() != nil {
		err := &RunCancelledError{RunID: s.run.RunID}
		if aggregateStep != "" {
			s.recordFailure(aggregateStep, err)
		}
		return nil, err
	}

	for _, err := range itemErrs {
		if err != nil {
			// Items run without per-item identity, so there is nothing
			// to resume at: a suspension inside for-each is an error.
			if errors.Is(err, ErrSuspended) {
				var ss *suspendSignal
				errors.As(err, &ss)
				err = &StepExecutionError{
					StepID: ss.stepID,
					Cause:  errors.New("suspend is not supported inside for-each"),
				}
			}
			if aggregateStep != "" {
				s.recordFailure(aggregateStep, err)
			}
			return nil, err
		}
	}

	if aggregateStep != "" {
		s.recordAggregate(aggregateStep, outputs)
	}
	return outputs, nil
}

// recordAggregate stores a for-each aggregate as the child step's result so
// downstream steps and conditions can reference it by id.
func (s *scheduler) recordAggregate(stepID string, outputs []any) {
	now := s.eng.clock()
	s.run.mu.Lock()
	s.run.StepResults[stepID] = outputs
	st := s.run.stepState(stepID)
	st.Status = StepCompleted
	st.Output = outputs
	st.EndedAt = now
	ev := s.stepEventLocked(stepID, StepCompleted, nil)
	s.run.mu.Unlock()
	s.deliver(ev)
}

// runStep executes one step: validate input, invoke, classify the outcome,
// validate output, record, and emit.
func (s *scheduler) runStep(ctx context.Context, step *Step, input any, record bool) (any, error) {
	if record {
		s.run.mu.Lock()
		// Memoized result from a previous pass (resume path).
		if out, done := s.run.StepResults[step.ID]; done {
			s.run.mu.Unlock()
			return out, nil
		}
		// A step still suspended that is not the resume target
		// re-suspends silently with its stored payload.
		if s.run.isSuspendedAt(step.ID) && step.ID != s.resumeTarget {
			payload := s.run.suspendPayloads[step.ID]
			s.run.mu.Unlock()
			return nil, &suspendSignal{stepID: step.ID, payload: payload}
		}
		s.run.mu.Unlock()
	}

	if err := step.inputSchema().Validate(input); err != nil {
		verr := asStepValidation(err, step.ID, "input")
		if record {
			s.recordFailure(step.ID, verr)
		}
		return nil, verr
	}

	resuming := false
	var resumeData any
	if step.ID == s.resumeTarget {
		resuming = true
		resumeData = s.resumeData
	}

	// One slot per step execution: composite nodes hold no slot while
	// they dispatch, so fan-outs nest to any depth under any bound.
	if err := s.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer s.releaseSlot()

	started := s.eng.clock()
	if record {
		s.run.mu.Lock()
		st := s.run.stepState(step.ID)
		st.Status = StepRunning
		st.StartedAt = started
		if !resuming {
			s.run.CurrentPath = append(s.run.CurrentPath, step.ID)
		}
		ev := s.stepEventLocked(step.ID, StepRunning, nil)
		s.run.mu.Unlock()
		s.deliver(ev)
		s.eng.metrics.stepStarted()
	}

	sc := &StepContext{
		InputData: input,
		stepID:    step.ID,
		run:       s.run,
		resuming:  resuming,
		resume:    resumeData,
	}
	out, err := step.Execute(ctx, sc)
	elapsed := s.eng.clock().Sub(started)

	if resuming {
		// The resume target is consumed by its first execution this
		// pass, whatever the outcome.
		s.resumeOnce.Do(func() {
			s.run.mu.Lock()
			s.run.clearSuspended(step.ID)
			s.run.mu.Unlock()
			s.resumeTarget = ""
		})
	}

	if err != nil {
		var ss *suspendSignal
		if errors.As(err, &ss) {
			if record {
				s.recordSuspension(ss, elapsed)
			}
			return nil, ss
		}
		wrapped := err
		var verr *ValidationError
		if !errors.As(err, &verr) {
			wrapped = &StepExecutionError{StepID: step.ID, Cause: err}
		}
		if record {
			s.recordFailure(step.ID, wrapped)
			s.eng.metrics.stepFinished(step.ID, StepFailed, elapsed)
		}
		return nil, wrapped
	}

	if err := step.outputSchema().Validate(out); err != nil {
		verr := asStepValidation(err, step.ID, "output")
		if record {
			s.recordFailure(step.ID, verr)
			s.eng.metrics.stepFinished(step.ID, StepFailed, elapsed)
		}
		return nil, verr
	}

	if record {
		now := s.eng.clock()
		s.run.mu.Lock()
		s.run.StepResults[step.ID] = out
		st := s.run.stepState(step.ID)
		st.Status = StepCompleted
		st.Output = out
		st.EndedAt = now
		ev := s.stepEventLocked(step.ID, StepCompleted, nil)
		s.run.mu.Unlock()
		s.deliver(ev)
		s.eng.metrics.stepFinished(step.ID, StepCompleted, elapsed)
	}
	return out, nil
}

func (s *scheduler) recordSuspension(ss *suspendSignal, elapsed time.Duration) {
	s.run.mu.Lock()
	s.run.markSuspended(ss.stepID, ss.payload)
	st := s.run.stepState(ss.stepID)
	st.Status = StepSuspended
	ev := s.stepEventLocked(ss.stepID, StepSuspended, map[string]any{"payload": ss.payload})
	s.run.mu.Unlock()
	s.deliver(ev)
	s.eng.metrics.stepFinished(ss.stepID, StepSuspended, elapsed)
}

func (s *scheduler) recordFailure(stepID string, err error) {
	now := s.eng.clock()
	s.run.mu.Lock()
	st := s.run.stepState(stepID)
	st.Status = StepFailed
	st.Error = err.Error()
	st.EndedAt = now
	ev := s.stepEventLocked(stepID, StepFailed, map[string]any{"error": err.Error()})
	s.run.mu.Unlock()
	s.deliver(ev)
}

// setRunStatus transitions the run and emits the workflow status event.
func (s *scheduler) setRunStatus(status RunStatus, meta map[string]any) {
	s.run.mu.Lock()
	s.run.Status = status
	s.run.seq++
	ev := emit.Event{
		Type:       emit.WorkflowStatusUpdate,
		Seq:        s.run.seq,
		RunID:      s.run.RunID,
		WorkflowID: s.run.WorkflowID,
		Status:     string(status),
		Timestamp:  s.eng.clock(),
		Meta:       meta,
	}
	s.run.mu.Unlock()
	s.deliver(ev)
}

// stepEventLocked builds a step event. Caller holds run.mu; the sequence
// number assignment under that lock is what makes the per-run log totally
// ordered even when parallel children finish together.
func (s *scheduler) stepEventLocked(stepID string, status StepStatus, meta map[string]any) emit.Event {
	s.run.seq++
	return emit.Event{
		Type:       emit.StepStatusUpdate,
		Seq:        s.run.seq,
		RunID:      s.run.RunID,
		WorkflowID: s.run.WorkflowID,
		StepID:     stepID,
		Status:     string(status),
		Timestamp:  s.eng.clock(),
		Meta:       meta,
	}
}

// acquireSlot takes one of the run's step execution slots, giving up when the
// run is aborted or the context is cancelled.
func (s *scheduler) acquireSlot(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-s.handle.abort:
		return &RunCancelledError{RunID: s.run.RunID}
	case <-ctx.Done():
		return &RunCancelledError{RunID: s.run.RunID}
	}
}

func (s *scheduler) releaseSlot() { <-s.sem }

func (s *scheduler) deliver(ev emit.Event) {
	s.eng.emitter.Emit(ev)
	s.eng.hub.deliver(ev)
}

// asCollection coerces a for-each input into a slice of elements.
func asCollection(input any) ([]any, error) {
	if items, ok := input.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(input)
	if input == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, &ValidationError{
			Stage:      "input",
			Violations: []string{fmt.Sprintf("for-each input must be a collection, got %T", input)},
		}
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

func asStepValidation(err error, stepID, stage string) error {
	var verr *ValidationError
	if errors.As(err, &verr) {
		verr.StepID = stepID
		verr.Stage = stage
		return verr
	}
	return &ValidationError{StepID: stepID, Stage: stage, Violations: []string{err.Error()}, Cause: err}
}
