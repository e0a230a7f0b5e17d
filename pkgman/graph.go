package pkgman

import (
	"github.com/distr1/distri/pkgman/collab"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// State is a node's position in the lattice
// Pending < Ready < Running < {Ok, Failed} (spec.md §3, invariant 4).
type State int

const (
	Pending State = iota
	Ready
	Running
	Ok
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Ok:
		return "ok"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is an absorbing state.
func (s State) Terminal() bool { return s == Ok || s == Failed }

// Node is one install target in the graph. Nodes are created by
// BuildGraph and mutated exclusively by the Dispatcher's controller
// goroutine (spec.md §5); no locking is needed.
type Node struct {
	Name string
	Spec collab.PackageSpec

	// DepsRemaining counts in-graph effective prerequisite nodes not yet
	// Ok. Ready requires this to be zero (spec.md §3, invariant 3).
	DepsRemaining uint32

	// Dependents holds the reverse edges, populated once at build time.
	Dependents []string

	State State

	// Path is set when State == Ok.
	Path collab.InstallDir
	// Reason is set when State == Failed.
	Reason string
}

// Graph is the Plan Builder's output: a name-keyed node map plus the
// deterministic survivor order used to seed the Ready Queue.
type Graph struct {
	Nodes map[string]*Node
	// Order is the stable, resolver-ordering-preserving sequence of
	// surviving (Missing) node names.
	Order []string
}

// BuildGraph is the Plan Builder (component A). roots are the
// user-requested names; when opts.SkipDeps is set, only nodes named in
// roots survive into the graph (the resolved "skip_deps" open question:
// install only explicit roots, fail if a root's effective dependency
// isn't installed). Returns the graph and the names to seed the Ready
// Queue with, in builder order.
func BuildGraph(plan *collab.Plan, roots []string, opts collab.Options) (*Graph, []string, error) {
	installed := make(map[string]bool)
	present := make(map[string]bool) // every name the resolver mentioned at all
	for _, s := range plan.Specs {
		present[s.Name] = true
		if s.Status == collab.StatusInstalled {
			installed[s.Name] = true
		}
	}

	rootSet := make(map[string]bool, len(roots))
	for _, r := range roots {
		rootSet[r] = true
	}

	g := &Graph{Nodes: make(map[string]*Node)}
	for _, s := range plan.Specs {
		missing := s.Status == collab.StatusMissing
		forcedRoot := opts.Force && rootSet[s.Name] && s.Status == collab.StatusInstalled
		if !missing && !forcedRoot {
			continue
		}
		if opts.SkipDeps && !rootSet[s.Name] {
			continue // dropped: not an explicit root
		}
		g.Nodes[s.Name] = &Node{Name: s.Name, Spec: s, State: Pending}
		g.Order = append(g.Order, s.Name)
	}

	// Second pass: wire kept edges, compute deps_remaining, populate
	// dependents. An effective edge whose target is absent from the
	// node map and not Installed means the resolver's plan references a
	// dependency that is neither in the surviving graph nor reported
	// installed — this is ErrPlanInconsistent whether the cause is a
	// genuinely missing entry (skip_deps=false) or skip_deps having
	// pruned a required, not-yet-installed dependency away.
	for _, name := range g.Order {
		n := g.Nodes[name]
		for _, e := range n.Spec.DeclaredDeps {
			if !e.Effective(opts.IncludeOptional, opts.SkipRecommended) {
				continue
			}
			if installed[e.Name] {
				continue // folded away: already satisfied
			}
			target, ok := g.Nodes[e.Name]
			if !ok {
				return nil, nil, &RunError{
					Kind: ErrPlanInconsistent,
					Err:  xerrors.Errorf("package %q declares dependency %q which is neither installed nor in the plan", n.Name, e.Name),
				}
			}
			n.DepsRemaining++
			target.Dependents = append(target.Dependents, n.Name)
		}
	}

	if err := validateAcyclic(g); err != nil {
		return nil, nil, err
	}

	var ready []string
	for _, name := range g.Order {
		n := g.Nodes[name]
		if n.DepsRemaining == 0 {
			n.State = Ready
			ready = append(ready, name)
		}
	}

	return g, ready, nil
}

// validateAcyclic defensively re-verifies the DAG invariant (spec.md §3,
// invariant 2) using gonum's topological sort, the same mechanism
// internal/batch uses to validate and break cycles in the build graph.
// The resolver guarantees acyclicity; this is belt-and-suspenders.
func validateAcyclic(g *Graph) error {
	dg := simple.NewDirectedGraph()
	ids := make(map[string]int64, len(g.Nodes))
	var next int64
	idFor := func(name string) int64 {
		if id, ok := ids[name]; ok {
			return id
		}
		id := next
		next++
		ids[name] = id
		dg.AddNode(simple.Node(id))
		return id
	}
	for _, name := range g.Order {
		idFor(name)
	}
	for _, name := range g.Order {
		n := g.Nodes[name]
		for _, dep := range n.Dependents {
			// dependent depends on n: edge dependent -> n
			dg.SetEdge(dg.NewEdge(simple.Node(idFor(dep)), simple.Node(idFor(name))))
		}
	}
	if _, err := topo.Sort(dg); err != nil {
		if _, ok := err.(topo.Unorderable); ok {
			return &RunError{Kind: ErrInternalInvariant, Err: xerrors.Errorf("plan graph is cyclic: %w", err)}
		}
		return &RunError{Kind: ErrInternalInvariant, Err: err}
	}
	return nil
}
