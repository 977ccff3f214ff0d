package flow

// Element is anything that can occupy a position in a workflow graph: a
// *Step, or a combinator built with Sequence, Parallel, Branch, or ForEach.
type Element interface {
	compile(reg map[string]*Step) (node, error)
}

func (s *Step) compile(reg map[string]*Step) (node, error) {
	if s.ID == "" {
		return nil, &EngineError{Message: "step ID cannot be empty", Code: "EMPTY_STEP_ID"}
	}
	if s.Execute == nil {
		return nil, &EngineError{Message: "step " + s.ID + " has no execute function", Code: "NO_EXECUTE"}
	}
	if _, exists := reg[s.ID]; exists {
		return nil, &EngineError{Message: "duplicate step ID: " + s.ID, Code: "DUPLICATE_STEP"}
	}
	reg[s.ID] = s
	return &stepNode{step: s}, nil
}

type sequenceElement struct{ children []Element }

// Sequence composes elements so each child receives the previous child's
// output. A graph's top-level elements form an implicit sequence.
func Sequence(children ...Element) Element {
	return &sequenceElement{children: children}
}

func (e *sequenceElement) compile(reg map[string]*Step) (node, error) {
	n := &sequenceNode{children: make([]node, 0, len(e.children))}
	for _, c := range e.children {
		cn, err := c.compile(reg)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, cn)
	}
	return n, nil
}

type parallelElement struct{ children []Element }

// Parallel fans out to all children concurrently, bounded by the engine's
// concurrency limit. Results are collected as a map keyed by child.
func Parallel(children ...Element) Element {
	return &parallelElement{children: children}
}

func (e *parallelElement) compile(reg map[string]*Step) (node, error) {
	if len(e.children) == 0 {
		return nil, &EngineError{Message: "parallel requires at least one child", Code: "EMPTY_PARALLEL"}
	}
	n := &parallelNode{children: make([]node, 0, len(e.children))}
	for _, c := range e.children {
		cn, err := c.compile(reg)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, cn)
	}
	return n, nil
}

// BranchArm pairs a condition with the element it selects.
type BranchArm struct {
	when     Condition
	fallback bool
	child    Element
}

// When creates a branch arm selected if cond evaluates true. Arms are tested
// in declaration order; the first true condition short-circuits.
func When(cond Condition, child Element) BranchArm {
	return BranchArm{when: cond, child: child}
}

// Otherwise creates the universal fallback arm. Every branch must declare
// exactly one.
func Otherwise(child Element) BranchArm {
	return BranchArm{when: func(*ConditionContext) bool { return true }, fallback: true, child: child}
}

type branchElement struct{ arms []BranchArm }

// Branch selects exactly one arm by testing conditions in declaration order.
// Commit rejects branches without exactly one Otherwise fallback.
func Branch(arms ...BranchArm) Element {
	return &branchElement{arms: arms}
}

func (e *branchElement) compile(reg map[string]*Step) (node, error) {
	if len(e.arms) == 0 {
		return nil, &EngineError{Message: "branch requires at least one arm", Code: "EMPTY_BRANCH"}
	}
	fallbacks := 0
	n := &branchNode{arms: make([]branchArmNode, 0, len(e.arms))}
	for _, arm := range e.arms {
		if arm.fallback {
			fallbacks++
		} else if arm.when == nil {
			return nil, &EngineError{Message: "branch arm has nil condition", Code: "NIL_CONDITION"}
		}
		cn, err := arm.child.compile(reg)
		if err != nil {
			return nil, err
		}
		n.arms = append(n.arms, branchArmNode{when: arm.when, fallback: arm.fallback, child: cn})
	}
	if fallbacks != 1 {
		return nil, &EngineError{
			Message: "branch must declare exactly one Otherwise fallback",
			Code:    "INVALID_BRANCH_FALLBACK",
		}
	}
	return n, nil
}

type forEachElement struct {
	child       Element
	concurrency int
}

// ForEach applies child once per element of an input collection, with
// bounded concurrency. A concurrency of 0 or 1 processes items strictly in
// order.
func ForEach(child Element, concurrency int) Element {
	return &forEachElement{child: child, concurrency: concurrency}
}

func (e *forEachElement) compile(reg map[string]*Step) (node, error) {
	cn, err := e.child.compile(reg)
	if err != nil {
		return nil, err
	}
	c := e.concurrency
	if c < 1 {
		c = 1
	}
	return &forEachNode{child: cn, concurrency: c}, nil
}

// Builder assembles a workflow graph from elements. Structural mutation is
// allowed until Commit succeeds; afterwards every structural call returns
// *GraphFrozenError.
//
// Example:
//
//	b := flow.NewBuilder("math")
//	b.Add(addStep)
//	b.Add(doubleStep)
//	g, err := b.Commit()
type Builder struct {
	workflowID string
	elems      []Element
	graph      *WorkflowGraph
}

// NewBuilder creates a builder for the named workflow.
func NewBuilder(workflowID string) *Builder {
	return &Builder{workflowID: workflowID}
}

// Add appends an element to the workflow's top-level sequence.
func (b *Builder) Add(e Element) error {
	if b.graph != nil {
		return &GraphFrozenError{Op: "Add"}
	}
	if e == nil {
		return &EngineError{Message: "element cannot be nil", Code: "NIL_ELEMENT"}
	}
	b.elems = append(b.elems, e)
	return nil
}

// Commit validates the assembled graph and freezes it.
//
// Validation fails fast on:
//   - duplicate or empty step ids
//   - branches without exactly one fallback arm
//   - producer/consumer schema incompatibility along sequence edges
//
// Calling Commit again after success returns the same frozen graph.
func (b *Builder) Commit() (*WorkflowGraph, error) {
	if b.graph != nil {
		return b.graph, nil
	}
	if len(b.elems) == 0 {
		return nil, &EngineError{Message: "workflow has no steps", Code: "EMPTY_WORKFLOW"}
	}
	if b.workflowID == "" {
		return nil, &EngineError{Message: "workflow ID cannot be empty", Code: "EMPTY_WORKFLOW_ID"}
	}

	reg := make(map[string]*Step)
	root := &sequenceNode{children: make([]node, 0, len(b.elems))}
	for _, e := range b.elems {
		n, err := e.compile(reg)
		if err != nil {
			return nil, err
		}
		root.children = append(root.children, n)
	}

	if err := validateEdgeSchemas(root); err != nil {
		return nil, err
	}

	b.graph = &WorkflowGraph{id: b.workflowID, root: root, steps: reg}
	return b.graph, nil
}

// validateEdgeSchemas checks output/input schema compatibility along every
// sequence edge in the tree, recursing into composite children.
func validateEdgeSchemas(n node) error {
	switch v := n.(type) {
	case *sequenceNode:
		for i := 0; i+1 < len(v.children); i++ {
			for _, producer := range terminalSteps(v.children[i]) {
				for _, consumer := range entrySteps(v.children[i+1]) {
					err := checkCompatible(producer.ID, consumer.ID,
						producer.outputSchema(), consumer.inputSchema())
					if err != nil {
						return err
					}
				}
			}
		}
		for _, c := range v.children {
			if err := validateEdgeSchemas(c); err != nil {
				return err
			}
		}
	case *parallelNode:
		for _, c := range v.children {
			if err := validateEdgeSchemas(c); err != nil {
				return err
			}
		}
	case *branchNode:
		for _, arm := range v.arms {
			if err := validateEdgeSchemas(arm.child); err != nil {
				return err
			}
		}
	case *forEachNode:
		return validateEdgeSchemas(v.child)
	}
	return nil
}
