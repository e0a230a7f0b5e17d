package pkgman

import (
	"testing"

	"github.com/distr1/distri/pkgman/collab"
)

func diamondGraph(t *testing.T) (*Graph, []string) {
	t.Helper()
	plan := &collab.Plan{Specs: []collab.PackageSpec{
		spec("D"),
		spec("B", req("D")),
		spec("C", req("D")),
		spec("A", req("B"), req("C")),
	}}
	g, ready, err := BuildGraph(plan, []string{"A"}, collab.Options{})
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	return g, ready
}

func TestApplySuccessAdvancesReadiness(t *testing.T) {
	g, ready := diamondGraph(t)
	q := newReadyQueue(ready)

	name, _ := q.Pop()
	applySuccess(g, q, name, "path-D")

	if g.Nodes["D"].State != Ok {
		t.Fatalf("D.State = %v, want Ok", g.Nodes["D"].State)
	}
	if g.Nodes["B"].State != Ready || g.Nodes["C"].State != Ready {
		t.Fatalf("B/C not Ready after D succeeded: B=%v C=%v", g.Nodes["B"].State, g.Nodes["C"].State)
	}
	if q.Len() != 2 {
		t.Fatalf("queue len = %d, want 2", q.Len())
	}
	if g.Nodes["A"].State != Pending || g.Nodes["A"].DepsRemaining != 2 {
		t.Fatalf("A should be untouched by D alone: state=%v depsRemaining=%d", g.Nodes["A"].State, g.Nodes["A"].DepsRemaining)
	}
}

// TestCascadeClosure is the property test of spec.md §8: if n fails,
// every node transitively reachable from n via reverse edges ends in
// Failed with a reason mentioning n.
func TestCascadeClosure(t *testing.T) {
	g, ready := diamondGraph(t)
	q := newReadyQueue(ready)

	applyFailure(g, q, "D", "fetch 404")

	for _, name := range []string{"D", "B", "C", "A"} {
		n := g.Nodes[name]
		if n.State != Failed {
			t.Errorf("%s.State = %v, want Failed", name, n.State)
		}
	}
	if g.Nodes["D"].Reason != "fetch 404" {
		t.Errorf("D.Reason = %q, want %q", g.Nodes["D"].Reason, "fetch 404")
	}
	if want := "dependency 'D' failed: fetch 404"; g.Nodes["B"].Reason != want {
		t.Errorf("B.Reason = %q, want %q", g.Nodes["B"].Reason, want)
	}
	if q.Len() != 0 {
		t.Errorf("queue should be empty after full cascade, got len %d", q.Len())
	}
}

func TestPartialFailureSiblingsUnaffected(t *testing.T) {
	// X:[], Y:[], Z:[Y] -- Y fails, X untouched, Z cascades.
	plan := &collab.Plan{Specs: []collab.PackageSpec{
		spec("X"),
		spec("Y"),
		spec("Z", req("Y")),
	}}
	g, ready, err := BuildGraph(plan, []string{"X", "Y", "Z"}, collab.Options{})
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	q := newReadyQueue(ready)

	applySuccess(g, q, "X", "path-X")
	applyFailure(g, q, "Y", "checksum mismatch")

	if g.Nodes["X"].State != Ok {
		t.Fatalf("X.State = %v, want Ok", g.Nodes["X"].State)
	}
	if g.Nodes["Y"].State != Failed {
		t.Fatalf("Y.State = %v, want Failed", g.Nodes["Y"].State)
	}
	if g.Nodes["Z"].State != Failed {
		t.Fatalf("Z.State = %v, want Failed", g.Nodes["Z"].State)
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	g, ready := diamondGraph(t)
	q := newReadyQueue(ready)

	applySuccess(g, q, "D", "path-D")
	// A bogus second "failure" of an already-Ok node must not overwrite it.
	applyFailure(g, q, "D", "should not apply")
	if g.Nodes["D"].State != Ok {
		t.Fatalf("D.State = %v, want Ok (terminal states are absorbing)", g.Nodes["D"].State)
	}
}
