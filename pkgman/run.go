package pkgman

import (
	"context"
	"errors"
	"log"

	"github.com/distr1/distri/pkgman/cask"
	"github.com/distr1/distri/pkgman/collab"
	"golang.org/x/xerrors"
)

// Collaborators bundles the external collaborators the core consumes
// (spec.md §6): the Resolver, Fetcher, Installer and, for cask installs,
// the Catalog.
type Collaborators struct {
	Resolver  collab.Resolver
	Fetcher   collab.Fetcher
	Installer collab.Installer
	Catalog   collab.Catalog
	Log       *log.Logger
}

func (c Collaborators) logger() *log.Logger {
	if c.Log != nil {
		return c.Log
	}
	return log.Default()
}

// Run is the core's entry point, run(names, options) of spec.md §6. It
// resolves names through the Resolver, builds the install graph, and
// dispatches it to completion, with the kind=auto bottle→cask fallback
// policy.
func Run(ctx context.Context, names []string, opts Options, c Collaborators) (*InstallReport, error) {
	opts = opts.normalized()

	switch opts.Kind {
	case collab.KindCask:
		return runCaskPath(ctx, names, opts, c)
	case collab.KindBottle:
		return runBottlePath(ctx, names, opts, c)
	default: // collab.KindAuto
		report, err := runBottlePath(ctx, names, opts, c)
		if err == nil {
			return report, nil
		}
		if !formulaNotFoundForAll(err, names) {
			return nil, err
		}
		c.logger().Printf("no formula found for %v, retrying as casks", names)
		return runCaskPath(ctx, names, opts, c)
	}
}

// runBottlePath resolves names on the formula/bottle path, builds the
// install graph (component A) and dispatches it (component C).
func runBottlePath(ctx context.Context, names []string, opts Options, c Collaborators) (*InstallReport, error) {
	plan, err := c.Resolver.Resolve(ctx, names, opts.collabOptions())
	if err != nil {
		return nil, &RunError{Kind: ErrResolve, Err: err}
	}

	g, ready, err := BuildGraph(plan, names, opts.collabOptions())
	if err != nil {
		return nil, err // already a *RunError (ErrPlanInconsistent/ErrInternalInvariant)
	}

	if len(g.Nodes) == 0 {
		// Idempotence (spec.md §8): the resolver reported everything
		// already installed, so there is nothing to dispatch.
		return &InstallReport{}, nil
	}

	if opts.DryRun {
		c.logger().Printf("dry run: %d package(s) would be installed: %v", len(g.Order), g.Order)
		return &InstallReport{}, nil
	}

	d := &Dispatcher{
		Graph:                 g,
		Fetcher:               c.Fetcher,
		Installer:             c.Installer,
		MaxConcurrentInstalls: opts.MaxConcurrentInstalls,
		Log:                   c.logger(),
	}
	return d.Run(ctx, ready)
}

// runCaskPath resolves names as cask tokens and dispatches the cask
// sub-scheduler (component D), re-entering runBottlePath for any formula
// dependencies a cask declares.
func runCaskPath(ctx context.Context, names []string, opts Options, c Collaborators) (*InstallReport, error) {
	if c.Catalog == nil {
		return nil, &RunError{Kind: ErrResolve, Err: xerrors.Errorf("no cask catalog configured")}
	}

	formulaInstall := func(ctx context.Context, deps []string) error {
		depOpts := opts
		depOpts.Kind = collab.KindBottle
		report, err := runBottlePath(ctx, deps, depOpts, c)
		if err != nil {
			return err
		}
		if !report.OK() {
			return report.AsInstallFailed()
		}
		return nil
	}

	sched := &cask.Scheduler{
		Collab: cask.Collaborators{
			Catalog:   c.Catalog,
			Fetcher:   c.Fetcher,
			Installer: c.Installer,
		},
		FormulaInstall: formulaInstall,
		MaxParallel:    opts.MaxConcurrentInstalls,
	}

	result, err := sched.Run(ctx, names)
	if err != nil {
		var nf *collab.NotFoundError
		var mnf *collab.MultiNotFoundError
		if errors.As(err, &nf) || errors.As(err, &mnf) {
			return nil, &RunError{Kind: ErrResolve, Err: err}
		}
		return nil, &RunError{Kind: ErrInternalInvariant, Err: err}
	}

	report := &InstallReport{}
	for _, name := range result.Succeeded {
		report.Succeeded = append(report.Succeeded, Succeeded{Name: name})
	}
	for _, f := range result.Failed {
		report.Failed = append(report.Failed, FailedPkg{Name: f.Token, Reason: f.Reason})
	}
	return report, nil
}

// formulaNotFoundForAll reports whether err is a typed not-found result
// covering every requested name (spec.md §6, §9 — the auto-fallback
// policy tests this typed variant rather than formatted error strings).
func formulaNotFoundForAll(err error, names []string) bool {
	var nf *collab.NotFoundError
	if errors.As(err, &nf) {
		return len(names) == 1 && nf.Name == names[0]
	}
	var mnf *collab.MultiNotFoundError
	if errors.As(err, &mnf) {
		if len(mnf.Names) != len(names) {
			return false
		}
		want := make(map[string]bool, len(names))
		for _, n := range names {
			want[n] = true
		}
		for _, n := range mnf.Names {
			if !want[n] {
				return false
			}
		}
		return true
	}
	return false
}
