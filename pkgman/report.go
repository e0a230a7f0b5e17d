package pkgman

import "github.com/distr1/distri/pkgman/collab"

// Succeeded is one successfully installed package (spec.md §6).
type Succeeded struct {
	Name string
	Path collab.InstallDir
}

// FailedPkg is one package that ended in the Failed state, with its
// (possibly cascade-derived) reason.
type FailedPkg struct {
	Name   string
	Reason string
}

// InstallReport is the aggregate outcome of a run (spec.md §4.5, §6).
type InstallReport struct {
	Succeeded []Succeeded
	Failed    []FailedPkg
}

// OK reports whether the run should be considered a success: no node
// reached Failed, even if every requested root otherwise succeeded
// (spec.md §7).
func (r *InstallReport) OK() bool { return len(r.Failed) == 0 }

// buildReport partitions a fully-terminal graph into Ok/Failed, in
// builder order, and is the Outcome Reducer's final step (spec.md §4.5).
func buildReport(g *Graph) *InstallReport {
	r := &InstallReport{}
	for _, name := range g.Order {
		n := g.Nodes[name]
		switch n.State {
		case Ok:
			r.Succeeded = append(r.Succeeded, Succeeded{Name: n.Name, Path: n.Path})
		case Failed:
			r.Failed = append(r.Failed, FailedPkg{Name: n.Name, Reason: n.Reason})
		}
	}
	return r
}

// AsInstallFailed returns the InstallFailed error view of a failed
// report, or nil if the run succeeded.
func (r *InstallReport) AsInstallFailed() *InstallFailed {
	if r.OK() {
		return nil
	}
	reasons := make(map[string]string, len(r.Failed))
	for _, f := range r.Failed {
		reasons[f.Name] = f.Reason
	}
	return &InstallFailed{Count: len(r.Failed), PerPackageErrs: reasons}
}
