package pkgman

import "github.com/distr1/distri/pkgman/collab"

// DefaultMaxConcurrentInstalls is P's default (spec.md §6).
const DefaultMaxConcurrentInstalls = 4

// Options is the scheduler-facing options struct of spec.md §6's
// run(names, options).
type Options struct {
	Kind                  collab.Kind
	SkipDeps              bool
	IncludeOptional       bool
	SkipRecommended       bool
	Force                 bool
	MaxConcurrentInstalls int

	// DryRun prints the install plan without dispatching any task
	// (supplemented feature, see SPEC_FULL.md).
	DryRun bool
}

func (o Options) normalized() Options {
	if o.MaxConcurrentInstalls < 1 {
		o.MaxConcurrentInstalls = DefaultMaxConcurrentInstalls
	}
	return o
}

func (o Options) collabOptions() collab.Options {
	return collab.Options{
		IncludeOptional: o.IncludeOptional,
		SkipRecommended: o.SkipRecommended,
		SkipDeps:        o.SkipDeps,
		Force:           o.Force,
	}
}
