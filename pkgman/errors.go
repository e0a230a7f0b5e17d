package pkgman

import (
	"fmt"

	"golang.org/x/xerrors"
)

// ErrKind classifies a fatal run-level error (spec.md §7). Per-node
// failures never take this path; they are recorded in the InstallReport
// instead.
type ErrKind int

const (
	// ErrResolve means the Resolver itself failed before any dispatch.
	ErrResolve ErrKind = iota
	// ErrPlanInconsistent means the Plan Builder found a dependency name
	// that is neither in the plan nor reported installed.
	ErrPlanInconsistent
	// ErrStalled means the Dispatcher's defensive stall check fired: the
	// Ready Queue emptied, nothing is running, yet some node is
	// non-terminal. Unreachable given the DAG invariant; defensive only.
	ErrStalled
	// ErrInternalInvariant covers infrastructure failures such as a
	// closed permit semaphore.
	ErrInternalInvariant
)

func (k ErrKind) String() string {
	switch k {
	case ErrResolve:
		return "ResolveError"
	case ErrPlanInconsistent:
		return "PlanInconsistent"
	case ErrStalled:
		return "Stalled"
	case ErrInternalInvariant:
		return "InternalInvariant"
	default:
		return "Unknown"
	}
}

// ExitCode returns the stable per-reason exit code from spec.md §6.
func (k ErrKind) ExitCode() int {
	switch k {
	case ErrResolve:
		return 2
	case ErrPlanInconsistent, ErrInternalInvariant:
		return 6
	case ErrStalled:
		return 5
	default:
		return 1
	}
}

// RunError is a fatal, run-aborting error: the scheduler never reached a
// final per-node accounting.
type RunError struct {
	Kind ErrKind
	Err  error
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

func newRunError(kind ErrKind, format string, args ...interface{}) *RunError {
	return &RunError{Kind: kind, Err: xerrors.Errorf(format, args...)}
}

// InstallFailed aggregates per-package failures after a completed run
// that had at least one Failed node (spec.md §4.5, §7).
type InstallFailed struct {
	Count          int
	PerPackageErrs map[string]string
}

func (e *InstallFailed) Error() string {
	return fmt.Sprintf("install failed: %d package(s) did not install", e.Count)
}
