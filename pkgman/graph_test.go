package pkgman

import (
	"testing"

	"github.com/distr1/distri/pkgman/collab"
)

func TestBuildGraphDiamond(t *testing.T) {
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
	if len(g.Nodes) != 4 {
		t.Fatalf("got %d nodes, want 4", len(g.Nodes))
	}
	if got, want := ready, []string{"D"}; len(got) != 1 || got[0] != want[0] {
		t.Fatalf("ready = %v, want %v", got, want)
	}
	if g.Nodes["D"].DepsRemaining != 0 {
		t.Fatalf("D.DepsRemaining = %d, want 0", g.Nodes["D"].DepsRemaining)
	}
	if g.Nodes["A"].DepsRemaining != 2 {
		t.Fatalf("A.DepsRemaining = %d, want 2", g.Nodes["A"].DepsRemaining)
	}
	wantDependents := map[string]int{"D": 2, "B": 1, "C": 1, "A": 0}
	for name, want := range wantDependents {
		if got := len(g.Nodes[name].Dependents); got != want {
			t.Errorf("%s has %d dependents, want %d", name, got, want)
		}
	}
}

func TestBuildGraphDropsInstalledDeps(t *testing.T) {
	plan := &collab.Plan{Specs: []collab.PackageSpec{
		{Name: "libc", Status: collab.StatusInstalled},
		spec("app", req("libc")),
	}}
	g, ready, err := BuildGraph(plan, []string{"app"}, collab.Options{})
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if len(g.Nodes) != 1 {
		t.Fatalf("got %d nodes, want 1 (installed dep should be folded away)", len(g.Nodes))
	}
	if len(ready) != 1 || ready[0] != "app" {
		t.Fatalf("ready = %v, want [app]", ready)
	}
}

func TestBuildGraphPlanInconsistent(t *testing.T) {
	plan := &collab.Plan{Specs: []collab.PackageSpec{
		spec("app", req("missing-lib")),
	}}
	_, _, err := BuildGraph(plan, []string{"app"}, collab.Options{})
	if err == nil {
		t.Fatal("expected PlanInconsistent error, got nil")
	}
	re, ok := err.(*RunError)
	if !ok || re.Kind != ErrPlanInconsistent {
		t.Fatalf("err = %v, want *RunError{Kind: ErrPlanInconsistent}", err)
	}
}

func TestBuildGraphEffectiveEdgeFiltering(t *testing.T) {
	testDep := collab.DepEdge{Name: "harness", Tags: map[collab.Tag]bool{collab.TagTest: true}}
	optionalDep := collab.DepEdge{Name: "extra", Tags: map[collab.Tag]bool{collab.TagOptional: true}}
	recommendedDep := collab.DepEdge{Name: "nice", Tags: map[collab.Tag]bool{collab.TagRecommended: true}}
	plan := &collab.Plan{Specs: []collab.PackageSpec{
		spec("app", testDep, optionalDep, recommendedDep),
	}}
	g, ready, err := BuildGraph(plan, []string{"app"}, collab.Options{SkipRecommended: true})
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	// harness/extra/nice are never in the plan, but test, non-included-optional
	// and (with SkipRecommended) recommended edges are simply not effective, so
	// they must not be kept and must not trigger PlanInconsistent.
	if g.Nodes["app"].DepsRemaining != 0 {
		t.Fatalf("DepsRemaining = %d, want 0 (all edges ineffective)", g.Nodes["app"].DepsRemaining)
	}
	if len(ready) != 1 {
		t.Fatalf("ready = %v, want [app]", ready)
	}
}

func TestBuildGraphSkipDepsHonoursRootsOnly(t *testing.T) {
	plan := &collab.Plan{Specs: []collab.PackageSpec{
		spec("lib"),
		spec("app", req("lib")),
	}}
	_, _, err := BuildGraph(plan, []string{"app"}, collab.Options{SkipDeps: true})
	if err == nil {
		t.Fatal("expected PlanInconsistent: skip_deps drops lib, app still declares it")
	}
	re, ok := err.(*RunError)
	if !ok || re.Kind != ErrPlanInconsistent {
		t.Fatalf("err = %v, want ErrPlanInconsistent", err)
	}
}

func TestBuildGraphSkipDepsRootOnlyNoDeps(t *testing.T) {
	plan := &collab.Plan{Specs: []collab.PackageSpec{
		spec("lib"),
		spec("app"), // app does not declare lib as a dep here
	}}
	g, ready, err := BuildGraph(plan, []string{"app"}, collab.Options{SkipDeps: true})
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if len(g.Nodes) != 1 {
		t.Fatalf("got %d nodes, want 1 (lib dropped by skip_deps)", len(g.Nodes))
	}
	if len(ready) != 1 || ready[0] != "app" {
		t.Fatalf("ready = %v, want [app]", ready)
	}
}

func TestBuildGraphForceReinstallsRoot(t *testing.T) {
	plan := &collab.Plan{Specs: []collab.PackageSpec{
		{Name: "app", Status: collab.StatusInstalled},
	}}
	g, ready, err := BuildGraph(plan, []string{"app"}, collab.Options{Force: true})
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if len(g.Nodes) != 1 {
		t.Fatalf("got %d nodes, want 1 (forced root reinstall)", len(g.Nodes))
	}
	if len(ready) != 1 || ready[0] != "app" {
		t.Fatalf("ready = %v, want [app]", ready)
	}
}

func TestBuildGraphEmptyPlan(t *testing.T) {
	plan := &collab.Plan{Specs: []collab.PackageSpec{
		{Name: "app", Status: collab.StatusInstalled},
	}}
	g, ready, err := BuildGraph(plan, []string{"app"}, collab.Options{})
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if len(g.Nodes) != 0 || len(ready) != 0 {
		t.Fatalf("got %d nodes / %d ready, want 0/0", len(g.Nodes), len(ready))
	}
}
