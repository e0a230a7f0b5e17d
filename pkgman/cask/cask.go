// Package cask implements the Cask Sub-Scheduler (component D of
// spec.md §4.4): a parallel installer for cask packages, with recursive
// cask-of-cask dependency expansion and formula-dependency re-entry into
// the formula scheduler.
//
// This package does not import the formula scheduler package to avoid an
// import cycle (the formula scheduler's auto-fallback path constructs a
// Scheduler here); the re-entry point is injected as a plain function
// value (FormulaInstaller).
package cask

import (
	"context"
	"errors"
	"sync"

	"github.com/distr1/distri/pkgman/collab"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"
)

// DefaultChildParallelism bounds recursion-induced parallelism for
// cask-of-cask dependency expansion (design choice P_cask_child = 2,
// spec.md §4.4 step 3).
const DefaultChildParallelism = 2

// FormulaInstaller re-enters the formula scheduler for a cask's formula
// dependencies. A non-nil error aborts the cask install that required it.
type FormulaInstaller func(ctx context.Context, names []string) error

// Collaborators bundles the external collaborators the cask scheduler
// consumes.
type Collaborators struct {
	Catalog   collab.Catalog
	Fetcher   collab.Fetcher
	Installer collab.Installer
}

// FailedCask is one cask token whose install did not complete.
type FailedCask struct {
	Token  string
	Reason string
}

// Result is the cask scheduler's aggregate outcome, mirroring
// pkgman.InstallReport's succeeded/failed split (spec.md §6) without
// depending on the pkgman package.
type Result struct {
	Succeeded []string
	Failed    []FailedCask
}

// OK reports whether every requested token installed successfully.
func (r *Result) OK() bool { return len(r.Failed) == 0 }

// Scheduler is the top-level cask sub-scheduler.
type Scheduler struct {
	Collab         Collaborators
	FormulaInstall FormulaInstaller
	// MaxParallel is the top-level concurrency ceiling across sibling
	// casks (spec.md §4.4: "Parallelism across sibling casks at the top
	// level equals the user-supplied max_parallel").
	MaxParallel int
}

// Run installs each requested cask token, independently: one token's
// failure does not cancel its siblings (only a cask's own dependency
// recursion aborts that cask's install, per the resolved open question
// in SPEC_FULL.md).
func (s *Scheduler) Run(ctx context.Context, tokens []string) (*Result, error) {
	return s.runTokens(ctx, tokens, maxOf(1, s.MaxParallel))
}

func (s *Scheduler) runTokens(ctx context.Context, tokens []string, parallel int) (*Result, error) {
	sem := semaphore.NewWeighted(int64(parallel))
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result Result
		errs   = make(map[string]error, len(tokens))
	)
	for _, tok := range tokens {
		tok := tok
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, xerrors.Errorf("acquire cask install permit: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			err := s.installOne(ctx, tok, parallel)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[tok] = err
				result.Failed = append(result.Failed, FailedCask{Token: tok, Reason: err.Error()})
			} else {
				result.Succeeded = append(result.Succeeded, tok)
			}
		}()
	}
	wg.Wait()

	// If every requested token failed because its own Catalog.GetCask
	// lookup came back not-found, surface that as a typed error instead
	// of folding it into Result.Failed: spec.md §6's auto-fallback policy
	// (and its bottle-path counterpart in run.go) tests against
	// *collab.NotFoundError/*collab.MultiNotFoundError, not Result
	// bookkeeping.
	if len(tokens) > 0 && len(errs) == len(tokens) {
		if nf := allNotFound(tokens, errs); nf != nil {
			return nil, nf
		}
	}
	return &result, nil
}

// allNotFound returns a typed not-found error covering tokens when every
// one of them failed with *collab.NotFoundError, or nil if any failure had
// a different cause.
func allNotFound(tokens []string, errs map[string]error) error {
	for _, tok := range tokens {
		var nf *collab.NotFoundError
		if !errors.As(errs[tok], &nf) {
			return nil
		}
	}
	if len(tokens) == 1 {
		return &collab.NotFoundError{Name: tokens[0]}
	}
	return &collab.MultiNotFoundError{Names: append([]string(nil), tokens...)}
}

// installOne implements spec.md §4.4 steps 1-5 for a single cask token.
func (s *Scheduler) installOne(ctx context.Context, token string, parallel int) error {
	installed, err := s.Collab.Installer.CaskInstalled(ctx, token)
	if err != nil {
		return xerrors.Errorf("probe %s: %w", token, err)
	}
	if installed {
		return nil
	}

	meta, err := s.Collab.Catalog.GetCask(ctx, token)
	if err != nil {
		return err // keep typed (e.g. *collab.NotFoundError) for callers
	}

	if len(meta.FormulaDeps) > 0 {
		if s.FormulaInstall == nil {
			return xerrors.Errorf("cask %s declares formula dependencies but no formula scheduler is wired", token)
		}
		if err := s.FormulaInstall(ctx, meta.FormulaDeps); err != nil {
			return xerrors.Errorf("formula dependency of %s: %w", token, err)
		}
	}

	if len(meta.CaskDeps) > 0 {
		// Cask-of-cask recursion is trampolined through runTokens (an
		// explicit, flattened batch per level) rather than unbounded
		// recursive goroutine stacks, per spec.md §9's "Recursive async
		// expansion" design note. The catalog guarantees the
		// cask-dependency graph is a DAG, so this terminates.
		childResult, err := s.runTokens(ctx, meta.CaskDeps, childParallelism(parallel))
		if err != nil {
			return xerrors.Errorf("cask dependencies of %s: %w", token, err)
		}
		if !childResult.OK() {
			// Mandated by spec.md §9: a failing cask-dependency child
			// aborts the parent install, rather than merely being
			// logged.
			return xerrors.Errorf("cask dependencies of %s failed: %v", token, childResult.Failed)
		}
	}

	path, err := s.Collab.Fetcher.DownloadCask(ctx, meta)
	if err != nil {
		return xerrors.Errorf("download %s: %w", token, err)
	}
	if err := s.Collab.Installer.InstallCask(ctx, meta, path); err != nil {
		return xerrors.Errorf("install %s: %w", token, err)
	}
	return nil
}

func childParallelism(parent int) int {
	if parent < DefaultChildParallelism {
		return parent
	}
	return DefaultChildParallelism
}

func maxOf(a, b int) int {
	if a > b {
		return a
	}
	return b
}
