package phenotypes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rpattn/phenoql/internal/domain"
	"github.com/rpattn/phenoql/internal/tables"
)

var (
	// ErrDependencyNotExecuted marks a child or anchor result read before
	// that node has executed. A programming error, never silently defaulted.
	ErrDependencyNotExecuted = errors.New("dependency not yet executed")
	// ErrCycle marks a dependency cycle among phenotype nodes.
	ErrCycle = errors.New("phenotype dependency cycle")
	// ErrResultContract marks a node body that returned a table missing the
	// canonical phenotype-result columns.
	ErrResultContract = errors.New("phenotype result missing canonical columns")
)

// Tables maps domain names to the typed tables registered for an execution.
// Nodes read it and derive new tables; they never mutate entries in place.
type Tables map[string]*tables.TypedTable

// With returns a copy of the map with one extra registration. The receiver
// is left untouched.
func (t Tables) With(name string, table *tables.TypedTable) Tables {
	extended := make(Tables, len(t)+1)
	for key, value := range t {
		extended[key] = value
	}
	extended[name] = table
	return extended
}

// Phenotype is one node of the dependency graph: a declarative rule that
// computes, per subject, a boolean flag, an event date and a numeric value.
type Phenotype interface {
	Name() string
	Children() []Phenotype
	// Execute computes the node's result, executing every child first. The
	// result is cached: repeated calls return it without recomputation.
	Execute(ctx context.Context, domains Tables) (*tables.TypedTable, error)
	// Result returns the cached result, failing if Execute has not run.
	Result() (*tables.TypedTable, error)
}

// BodyFunc is a node's own computation, invoked after every declared child
// has a populated result.
type BodyFunc func(ctx context.Context, domains Tables) (*tables.TypedTable, error)

// Node is the execution engine shared by every concrete phenotype: it owns
// the child list, the memoized result slot and the in-progress mark used for
// cycle detection. Concrete phenotypes embed a Node around a body function.
type Node struct {
	name      string
	children  []Phenotype
	body      BodyFunc
	result    *tables.TypedTable
	executing bool
}

// NewNode builds a graph node. The node is pure data until first executed.
func NewNode(name string, children []Phenotype, body BodyFunc) *Node {
	return &Node{name: name, children: append([]Phenotype(nil), children...), body: body}
}

func (n *Node) Name() string { return n.name }

// Children returns the declared dependencies in execution order.
func (n *Node) Children() []Phenotype {
	return append([]Phenotype(nil), n.children...)
}

// Execute runs the node at most once: a cached result is returned
// immediately; otherwise every child executes first, then the body runs and
// its result is checked against the canonical column contract and cached.
func (n *Node) Execute(ctx context.Context, domains Tables) (*tables.TypedTable, error) {
	if n.result != nil {
		return n.result, nil
	}
	if n.executing {
		return nil, fmt.Errorf("%w: %s transitively depends on itself", ErrCycle, n.name)
	}
	n.executing = true
	defer func() { n.executing = false }()

	for _, child := range n.children {
		if _, err := child.Execute(ctx, domains); err != nil {
			return nil, fmt.Errorf("phenotype %s: dependency %s: %w", n.name, child.Name(), err)
		}
	}

	result, err := n.body(ctx, domains)
	if err != nil {
		return nil, fmt.Errorf("phenotype %s: %w", n.name, err)
	}
	var missing []string
	for _, col := range domain.ResultColumns() {
		if !result.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: phenotype %s lacks [%s]", ErrResultContract, n.name, strings.Join(missing, ", "))
	}
	n.result = result
	return result, nil
}

// Result returns the cached result table. Reading it before the node has
// executed is a dependency-ordering error.
func (n *Node) Result() (*tables.TypedTable, error) {
	if n.result == nil {
		return nil, fmt.Errorf("%w: %s", ErrDependencyNotExecuted, n.name)
	}
	return n.result, nil
}

// DetectCycle walks the declared child graph from the given roots and
// reports the first cycle found, naming the offending nodes. Diamond
// dependencies (shared children) are fine; back edges are not.
func DetectCycle(roots ...Phenotype) error {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[Phenotype]int)
	var stack []string

	var visit func(node Phenotype) error
	visit = func(node Phenotype) error {
		switch state[node] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s -> %s", ErrCycle, strings.Join(stack, " -> "), node.Name())
		}
		state[node] = visiting
		stack = append(stack, node.Name())
		for _, child := range node.Children() {
			if err := visit(child); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = done
		return nil
	}

	for _, root := range roots {
		if root == nil {
			continue
		}
		if err := visit(root); err != nil {
			return err
		}
	}
	return nil
}
