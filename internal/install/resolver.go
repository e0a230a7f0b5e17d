package install

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/distr1/distri"
	"github.com/distr1/distri/internal/repo"
	"github.com/distr1/distri/pb"
	"github.com/distr1/distri/pkgman/collab"
	"github.com/golang/protobuf/proto"
)

// Resolver implements collab.Resolver against a set of distri repos,
// grounded on installTransitively1's per-package meta lookup (picking the
// highest version present across all configured repos) and resolve1's
// runtime-dependency walk. Unlike the historical install path, it never
// downloads or unpacks anything itself: it only builds the Plan the
// scheduler core dispatches.
type Resolver struct {
	Root  string
	Repos []distri.Repo
}

// fetchMeta returns the highest-versioned pb.Meta for pkg across r.Repos,
// along with the repo it was found on.
func (r *Resolver) fetchMeta(ctx context.Context, pkg string) (*pb.Meta, distri.Repo, error) {
	var best *pb.Meta
	var bestRepo distri.Repo
	for _, rp := range r.Repos {
		rd, err := repo.Reader(ctx, rp, "pkg/"+pkg+".meta.textproto", false)
		if err != nil {
			if isNotExist(err) {
				continue
			}
			return nil, distri.Repo{}, err
		}
		b, err := ioutil.ReadAll(rd)
		rd.Close()
		if err != nil {
			return nil, distri.Repo{}, err
		}
		var m pb.Meta
		if err := proto.UnmarshalText(string(b), &m); err != nil {
			return nil, distri.Repo{}, err
		}
		if best == nil || m.GetVersion() > best.GetVersion() {
			best = &m
			bestRepo = rp
		}
	}
	if best == nil {
		return nil, distri.Repo{}, &errPackageNotFound{pkg: pkg}
	}
	return best, bestRepo, nil
}

func (r *Resolver) installed(pkg string) bool {
	_, err := os.Stat(filepath.Join(r.Root, "roimg", pkg+".squashfs"))
	return err == nil
}

// walk resolves pkg and its transitive runtime deps into specs, appending to
// *out and guarding against revisiting a name via seen.
func (r *Resolver) walk(ctx context.Context, pkg string, seen map[string]bool, out *[]collab.PackageSpec) error {
	if seen[pkg] {
		return nil
	}
	seen[pkg] = true

	meta, foundRepo, err := r.fetchMeta(ctx, pkg)
	if err != nil {
		return err
	}

	deps := meta.GetRuntimeDep()
	edges := make([]collab.DepEdge, 0, len(deps))
	for _, dep := range deps {
		if dep == pkg {
			continue // e.g. gcc depends on itself
		}
		edges = append(edges, collab.DepEdge{Name: dep, Tags: map[collab.Tag]bool{collab.TagRequired: true}})
	}

	status := collab.StatusMissing
	if r.installed(pkg) {
		status = collab.StatusInstalled
	}

	*out = append(*out, collab.PackageSpec{
		Name:         pkg,
		Kind:         collab.KindBottle,
		DeclaredDeps: edges,
		Status:       status,
		Handle:       foundRepo,
	})

	for _, dep := range deps {
		if dep == pkg {
			continue
		}
		if err := r.walk(ctx, dep, seen, out); err != nil {
			return err
		}
	}
	return nil
}

// Resolve implements collab.Resolver.
func (r *Resolver) Resolve(ctx context.Context, names []string, opts collab.Options) (*collab.Plan, error) {
	qualified := make([]string, len(names))
	for i, pkg := range names {
		if _, ok := distri.HasArchSuffix(pkg); !ok && !distri.LikelyFullySpecified(pkg) {
			pkg += "-amd64" // TODO: configurable / auto-detect
		}
		qualified[i] = pkg
	}

	var notFound []string
	seen := make(map[string]bool)
	var specs []collab.PackageSpec
	for _, pkg := range qualified {
		if err := r.walk(ctx, pkg, seen, &specs); err != nil {
			if _, ok := err.(*errPackageNotFound); ok {
				notFound = append(notFound, pkg)
				continue
			}
			return nil, err
		}
	}

	if len(notFound) == len(qualified) {
		if len(names) == 1 {
			return nil, &collab.NotFoundError{Name: names[0]}
		}
		return nil, &collab.MultiNotFoundError{Names: names}
	}
	if len(notFound) > 0 {
		return nil, &collab.ResolveError{Err: &errPackageNotFound{pkg: notFound[0]}}
	}

	return &collab.Plan{Specs: specs}, nil
}
