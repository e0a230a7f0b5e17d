// Package collab defines the external collaborators the scheduler core
// consumes: the Resolver, Fetcher, Installer and Catalog. The core never
// talks to a repo, the network or the filesystem directly; it only calls
// these interfaces, so it can be driven by fakes in tests.
package collab

import (
	"context"
	"fmt"
)

// Kind selects which install path a request is resolved against.
type Kind int

const (
	KindBottle Kind = iota
	KindCask
	KindAuto
)

// Tag annotates a declared dependency edge.
type Tag string

const (
	TagRequired    Tag = "required"
	TagRecommended Tag = "recommended"
	TagOptional    Tag = "optional"
	TagTest        Tag = "test"
	TagBuild       Tag = "build"
)

// DepEdge is one declared dependency of a package.
type DepEdge struct {
	Name string
	Tags map[Tag]bool
}

// Effective reports whether the edge survives filtering under the given
// options (spec.md §3).
func (e DepEdge) Effective(includeOptional, skipRecommended bool) bool {
	if e.Tags[TagTest] {
		return false
	}
	if e.Tags[TagOptional] && !includeOptional {
		return false
	}
	if e.Tags[TagRecommended] && skipRecommended {
		return false
	}
	return true
}

// Status is the resolver's view of whether a package still needs work.
type Status int

const (
	StatusMissing Status = iota
	StatusInstalled
)

// PackageSpec is one resolved package, as returned by the Resolver.
type PackageSpec struct {
	Name         string
	Kind         Kind
	DeclaredDeps []DepEdge
	Status       Status

	// Handle is an opaque value the Fetcher/Installer understand (e.g. a
	// repo-relative path or a catalog token). The core never inspects it.
	Handle interface{}
}

// Plan is the resolver's ordered output for a set of requested names.
type Plan struct {
	Specs []PackageSpec
}

// NotFoundError is returned by a Resolver/Catalog when a requested name
// does not exist on the bottle/cask path it was asked about. The core
// tests this typed variant for the kind=auto fallback policy rather than
// sniffing error text (spec.md §9).
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string { return "not found: " + e.Name }

// MultiNotFoundError is returned by a Resolver when every name in a
// batch resolve request is not found (the auto-fallback policy's
// multi-name case; spec.md §6, §9).
type MultiNotFoundError struct {
	Names []string
}

func (e *MultiNotFoundError) Error() string {
	return fmt.Sprintf("not found: %v", e.Names)
}

// ResolveError wraps any other resolver failure.
type ResolveError struct {
	Err error
}

func (e *ResolveError) Error() string { return "resolve: " + e.Err.Error() }
func (e *ResolveError) Unwrap() error { return e.Err }

// Options carries user-facing install options through to the Resolver
// and the Plan Builder.
type Options struct {
	IncludeOptional bool
	SkipRecommended bool
	SkipDeps        bool
	// Force re-installs an explicitly requested root even if the
	// Resolver reports it Installed (supplemented feature, see
	// SPEC_FULL.md).
	Force bool
}

// Resolver turns requested names into a resolved plan.
type Resolver interface {
	Resolve(ctx context.Context, names []string, opts Options) (*Plan, error)
}

// LocalPath is a filesystem path to a downloaded artifact.
type LocalPath string

// Fetcher downloads artifacts referenced by a PackageSpec/CaskMeta.
type Fetcher interface {
	DownloadBottle(ctx context.Context, spec PackageSpec) (LocalPath, error)
	DownloadCask(ctx context.Context, cask CaskMeta) (LocalPath, error)
}

// InstallDir is the on-disk directory a bottle was unpacked into.
type InstallDir string

// Installer unpacks/links a downloaded artifact.
type Installer interface {
	InstallBottle(ctx context.Context, path LocalPath, spec PackageSpec) (InstallDir, error)
	Link(ctx context.Context, spec PackageSpec, dir InstallDir) error
	InstallCask(ctx context.Context, cask CaskMeta, path LocalPath) error
	// CaskInstalled probes whether a cask is already installed.
	CaskInstalled(ctx context.Context, token string) (bool, error)
}

// CaskMeta describes a cask's dependencies, as looked up from the Catalog.
type CaskMeta struct {
	Token        string
	FormulaDeps  []string
	CaskDeps     []string
}

// Catalog resolves cask tokens to metadata.
type Catalog interface {
	GetCask(ctx context.Context, token string) (CaskMeta, error)
}
