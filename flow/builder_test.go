package flow

import (
	"context"
	"errors"
	"testing"
)

func passStep(id string) *Step {
	return &Step{
		ID: id,
		Execute: func(ctx context.Context, sc *StepContext) (any, error) {
			return sc.InputData, nil
		},
	}
}

func TestBuilder_Commit(t *testing.T) {
	t.Run("commit freezes the graph", func(t *testing.T) {
		b := NewBuilder("wf")
		if err := b.Add(passStep("a")); err != nil {
			t.Fatalf("Add: %v", err)
		}
		g, err := b.Commit()
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if g.ID() != "wf" {
			t.Errorf("expected workflow ID %q, got %q", "wf", g.ID())
		}

		err = b.Add(passStep("b"))
		var frozen *GraphFrozenError
		if !errors.As(err, &frozen) {
			t.Fatalf("expected *GraphFrozenError after commit, got %v", err)
		}
	})

	t.Run("commit is idempotent", func(t *testing.T) {
		b := NewBuilder("wf")
		b.Add(passStep("a"))
		g1, err := b.Commit()
		if err != nil {
			t.Fatalf("first Commit: %v", err)
		}
		g2, err := b.Commit()
		if err != nil {
			t.Fatalf("second Commit: %v", err)
		}
		if g1 != g2 {
			t.Error("expected repeated Commit to return the same graph")
		}
	})

	t.Run("empty workflow rejected", func(t *testing.T) {
		b := NewBuilder("wf")
		if _, err := b.Commit(); err == nil {
			t.Fatal("expected error committing empty workflow")
		}
	})

	t.Run("empty step ID rejected", func(t *testing.T) {
		b := NewBuilder("wf")
		b.Add(passStep(""))
		_, err := b.Commit()
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Code != "EMPTY_STEP_ID" {
			t.Fatalf("expected EMPTY_STEP_ID, got %v", err)
		}
	})

	t.Run("missing execute rejected", func(t *testing.T) {
		b := NewBuilder("wf")
		b.Add(&Step{ID: "a"})
		_, err := b.Commit()
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Code != "NO_EXECUTE" {
			t.Fatalf("expected NO_EXECUTE, got %v", err)
		}
	})

	t.Run("duplicate step ID rejected", func(t *testing.T) {
		b := NewBuilder("wf")
		b.Add(passStep("a"))
		b.Add(passStep("a"))
		_, err := b.Commit()
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Code != "DUPLICATE_STEP" {
			t.Fatalf("expected DUPLICATE_STEP, got %v", err)
		}
	})

	t.Run("duplicate step ID inside composites rejected", func(t *testing.T) {
		b := NewBuilder("wf")
		b.Add(Parallel(passStep("a"), passStep("a")))
		if _, err := b.Commit(); err == nil {
			t.Fatal("expected duplicate ID error across parallel children")
		}
	})
}

func TestBuilder_BranchValidation(t *testing.T) {
	always := func(*ConditionContext) bool { return true }

	t.Run("branch without fallback rejected", func(t *testing.T) {
		b := NewBuilder("wf")
		b.Add(Branch(When(always, passStep("a"))))
		_, err := b.Commit()
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Code != "INVALID_BRANCH_FALLBACK" {
			t.Fatalf("expected INVALID_BRANCH_FALLBACK, got %v", err)
		}
	})

	t.Run("branch with two fallbacks rejected", func(t *testing.T) {
		b := NewBuilder("wf")
		b.Add(Branch(Otherwise(passStep("a")), Otherwise(passStep("b"))))
		_, err := b.Commit()
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Code != "INVALID_BRANCH_FALLBACK" {
			t.Fatalf("expected INVALID_BRANCH_FALLBACK, got %v", err)
		}
	})

	t.Run("branch with one fallback accepted", func(t *testing.T) {
		b := NewBuilder("wf")
		b.Add(Branch(When(always, passStep("a")), Otherwise(passStep("b"))))
		if _, err := b.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	})
}

func TestBuilder_EdgeSchemaValidation(t *testing.T) {
	numberOut := MustJSONSchema(`{
		"type": "object",
		"required": ["value"],
		"properties": {"value": {"type": "number"}}
	}`)

	t.Run("incompatible sequence edge rejected", func(t *testing.T) {
		producer := passStep("producer")
		producer.OutputSchema = numberOut

		consumer := passStep("consumer")
		consumer.InputSchema = MustJSONSchema(`{
			"type": "object",
			"required": ["missing"],
			"properties": {"missing": {"type": "string"}}
		}`)

		b := NewBuilder("wf")
		b.Add(producer)
		b.Add(consumer)
		_, err := b.Commit()
		var mismatch *SchemaMismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("expected *SchemaMismatchError, got %v", err)
		}
		if mismatch.Producer != "producer" || mismatch.Consumer != "consumer" {
			t.Errorf("mismatch names wrong steps: %+v", mismatch)
		}
	})

	t.Run("type disagreement rejected", func(t *testing.T) {
		producer := passStep("producer")
		producer.OutputSchema = MustJSONSchema(`{"type": "array"}`)

		consumer := passStep("consumer")
		consumer.InputSchema = MustJSONSchema(`{"type": "object"}`)

		b := NewBuilder("wf")
		b.Add(producer)
		b.Add(consumer)
		var mismatch *SchemaMismatchError
		if _, err := b.Commit(); !errors.As(err, &mismatch) {
			t.Fatalf("expected *SchemaMismatchError, got %v", err)
		}
	})

	t.Run("compatible edge accepted", func(t *testing.T) {
		producer := passStep("producer")
		producer.OutputSchema = numberOut

		consumer := passStep("consumer")
		consumer.InputSchema = MustJSONSchema(`{
			"type": "object",
			"required": ["value"],
			"properties": {"value": {"type": "number"}}
		}`)

		b := NewBuilder("wf")
		b.Add(producer)
		b.Add(consumer)
		if _, err := b.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	})

	t.Run("undeclared schemas pass at commit", func(t *testing.T) {
		b := NewBuilder("wf")
		b.Add(passStep("a"))
		b.Add(passStep("b"))
		if _, err := b.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	})
}
