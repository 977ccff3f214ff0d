package flow

// WorkflowGraph is an immutable compiled workflow. Instances are produced by
// Builder.Commit and are safe for concurrent execution of independent runs.
type WorkflowGraph struct {
	id    string
	root  *sequenceNode
	steps map[string]*Step
}

// ID returns the workflow identifier.
func (g *WorkflowGraph) ID() string { return g.id }

// StepIDs returns the ids of every step in the graph, in declaration order.
func (g *WorkflowGraph) StepIDs() []string {
	ids := make([]string, 0, len(g.steps))
	collectStepIDs(g.root, &ids)
	return ids
}

func collectStepIDs(n node, ids *[]string) {
	switch v := n.(type) {
	case *stepNode:
		*ids = append(*ids, v.step.ID)
	case *sequenceNode:
		for _, c := range v.children {
			collectStepIDs(c, ids)
		}
	case *parallelNode:
		for _, c := range v.children {
			collectStepIDs(c, ids)
		}
	case *branchNode:
		for _, arm := range v.arms {
			collectStepIDs(arm.child, ids)
		}
	case *forEachNode:
		collectStepIDs(v.child, ids)
	}
}

// node is one vertex in the compiled graph tree. The scheduler walks the
// tree by node kind; values flow along the walk.
type node interface {
	// key names the node's slot in a parallel result map.
	key() string
}

type stepNode struct {
	step *Step
}

func (n *stepNode) key() string { return n.step.ID }

type sequenceNode struct {
	children []node
}

func (n *sequenceNode) key() string {
	if len(n.children) == 0 {
		return "sequence"
	}
	return n.children[len(n.children)-1].key()
}

type parallelNode struct {
	children []node
}

func (n *parallelNode) key() string { return "parallel" }

type branchArmNode struct {
	when     Condition
	fallback bool
	child    node
}

type branchNode struct {
	arms []branchArmNode
}

func (n *branchNode) key() string { return "branch" }

type forEachNode struct {
	child       node
	concurrency int
}

func (n *forEachNode) key() string { return n.child.key() }

// terminalSteps returns the steps whose output feeds the edge leaving n.
// Parallel and for-each nodes produce aggregate values (keyed maps, lists)
// and contribute no single producer.
func terminalSteps(n node) []*Step {
	switch v := n.(type) {
	case *stepNode:
		return []*Step{v.step}
	case *sequenceNode:
		if len(v.children) == 0 {
			return nil
		}
		return terminalSteps(v.children[len(v.children)-1])
	case *branchNode:
		var out []*Step
		for _, arm := range v.arms {
			out = append(out, terminalSteps(arm.child)...)
		}
		return out
	default:
		return nil
	}
}

// entrySteps returns the steps whose input receives the edge entering n.
// For-each children receive collection elements, not the edge value itself,
// so they contribute no consumer.
func entrySteps(n node) []*Step {
	switch v := n.(type) {
	case *stepNode:
		return []*Step{v.step}
	case *sequenceNode:
		if len(v.children) == 0 {
			return nil
		}
		return entrySteps(v.children[0])
	case *parallelNode:
		var out []*Step
		for _, c := range v.children {
			out = append(out, entrySteps(c)...)
		}
		return out
	case *branchNode:
		var out []*Step
		for _, arm := range v.arms {
			out = append(out, entrySteps(arm.child)...)
		}
		return out
	default:
		return nil
	}
}
