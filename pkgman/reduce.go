package pkgman

import (
	"fmt"

	"github.com/distr1/distri/pkgman/collab"
)

// applySuccess is the success branch of the Outcome Reducer (component E,
// spec.md §4.5): it commits name's result and advances any dependent
// whose last kept prerequisite just resolved.
func applySuccess(g *Graph, q *readyQueue, name string, path collab.InstallDir) {
	n := g.Nodes[name]
	n.State = Ok
	n.Path = path
	for _, d := range n.Dependents {
		dn := g.Nodes[d]
		if dn.State != Pending && dn.State != Ready {
			continue
		}
		if dn.DepsRemaining > 0 {
			dn.DepsRemaining--
		}
		if dn.DepsRemaining == 0 && !q.Contains(d) {
			dn.State = Ready
			q.Push(d)
		}
	}
}

// applyFailure is the failure branch of the Outcome Reducer. It cascades
// transitively by recursing into dependents as soon as they are marked
// Failed, which is equivalent to the spec's "induction" framing (when a
// cascaded dependent later "completes" as Failed, its own dependents are
// processed the same way) without waiting for a completion event that,
// for a Pending/Ready node, will never arrive.
//
// Per spec.md §4.5 a Running dependent is also transitioned to Failed
// here; in practice this is unreachable because a node only becomes
// Running once all its kept prerequisites already reached Ok, so a
// Running node's dependencies can never retroactively fail. The check is
// kept for defensive symmetry with the spec text.
func applyFailure(g *Graph, q *readyQueue, name, reason string) {
	n := g.Nodes[name]
	if n.State.Terminal() {
		return // already absorbed; do not re-cascade or overwrite the reason
	}
	n.State = Failed
	n.Reason = reason
	q.Remove(name)

	msg := fmt.Sprintf("dependency '%s' failed: %s", name, reason)
	for _, d := range n.Dependents {
		dn := g.Nodes[d]
		if dn.State.Terminal() {
			continue
		}
		applyFailure(g, q, d, msg)
	}
}
