package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/distr1/distri"
	"github.com/distr1/distri/internal/catalog"
	"github.com/distr1/distri/internal/env"
	installadapt "github.com/distr1/distri/internal/install"
	"github.com/distr1/distri/pb"
	"github.com/distr1/distri/pkgman"
	"github.com/distr1/distri/pkgman/collab"
	"golang.org/x/xerrors"
	"google.golang.org/grpc"
)

const installHelp = `distri install [-flags] <package> [<package>...]

Installs the specified packages (and their runtime dependencies) into
-root, resolving them via the repos from ~/.config/distri/repo.conf
(or -repo).

Example:
  % distri install i3status
`

func install(args []string) error {
	fset := flag.NewFlagSet("install", flag.ExitOnError)
	var (
		root = fset.String("root",
			"/",
			"root directory for optionally installing into a chroot")

		repo = fset.String("repo", "", "repository from which to install packages from. path (default TODO) or HTTP URL (e.g. TODO)")

		update = fset.Bool("update", false, "internal flag set by distri update, do not use")

		cask = fset.Bool("cask", false, "install <package> as a cask (a GUI/app bundle) rather than trying both")

		formulaOnly = fset.Bool("formula", false, "only try the formula (bottle) path, never fall back to casks")

		dryRun = fset.Bool("dry_run", false, "print what would be installed without installing anything")

		force = fset.Bool("force", false, "reinstall even if the package is already installed")

		includeOptional = fset.Bool("include_optional", false, "also install optional dependencies")

		skipRecommended = fset.Bool("skip_recommended", false, "skip recommended (non-required) dependencies")

		skipDeps = fset.Bool("skip_deps", false, "only install the named packages, not their dependencies")

		jobs = fset.Int("jobs", pkgman.DefaultMaxConcurrentInstalls, "maximum number of concurrent package installs")

		caskCatalog = fset.String("cask_catalog", "https://github.com/distr1/casks", "GitHub repository URL holding cask metadata (casks/<token>.json)")
	)
	fset.Parse(args)
	if fset.NArg() < 1 {
		return xerrors.Errorf("syntax: install [options] <package> [<package>...]")
	}

	repos, err := env.Repos()
	if err != nil {
		return err
	}
	if *repo != "" {
		repos = []distri.Repo{{Path: *repo}}
	}
	if len(repos) == 0 {
		return xerrors.Errorf("no repos configured")
	}

	tmpDir := filepath.Join(*root, "roimg", "tmp")
	if err := os.RemoveAll(tmpDir); err != nil {
		return err
	}
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return err
	}

	kind := collab.KindAuto
	switch {
	case *cask:
		kind = collab.KindCask
	case *formulaOnly:
		kind = collab.KindBottle
	}

	catalogClient, err := catalog.New(context.Background(), *caskCatalog, os.Getenv("DISTRI_GITHUB_TOKEN"))
	if err != nil {
		log.Printf("cask catalog unavailable: %v (cask installs and kind=auto fallback will fail)", err)
		catalogClient = nil
	}

	fetcher := &installadapt.Fetcher{Root: *root, Repos: repos}
	installer := &installadapt.Installer{Root: *root}
	resolver := &installadapt.Resolver{Root: *root, Repos: repos}

	var cat collab.Catalog
	if catalogClient != nil {
		cat = catalogClient
	}

	opts := pkgman.Options{
		Kind:                  kind,
		SkipDeps:              *skipDeps,
		IncludeOptional:       *includeOptional,
		SkipRecommended:       *skipRecommended,
		Force:                 *force,
		MaxConcurrentInstalls: *jobs,
		DryRun:                *dryRun,
	}

	report, err := pkgman.Run(context.Background(), fset.Args(), opts, pkgman.Collaborators{
		Resolver:  resolver,
		Fetcher:   fetcher,
		Installer: installer,
		Catalog:   cat,
	})
	if err != nil {
		if re, ok := err.(*pkgman.RunError); ok {
			if re.Kind == pkgman.ErrResolve && *update {
				return nil // distri update tolerates packages that no longer exist
			}
			os.Exit(re.Kind.ExitCode())
		}
		return err
	}

	for _, s := range report.Succeeded {
		log.Printf("installed %s", s.Name)
	}
	for _, f := range report.Failed {
		log.Printf("failed to install %s: %s", f.Name, f.Reason)
	}
	if !report.OK() {
		os.Exit(1)
	}

	return notifyFUSE(context.Background(), *root)
}

// notifyFUSE tells a running FUSE daemon to rescan roimg, same as
// internal/install.Packages used to inline into its own errgroup.
func notifyFUSE(ctx context.Context, root string) error {
	ctl, err := os.Readlink(filepath.Join(root, "ro", "ctl"))
	if err != nil {
		log.Printf("not updating FUSE daemon: %v", err)
		return nil // no FUSE daemon running?
	}

	log.Printf("connecting to %s", ctl)

	conn, err := grpc.DialContext(ctx, "unix://"+ctl, grpc.WithBlock(), grpc.WithInsecure())
	if err != nil {
		return err
	}
	cl := pb.NewFUSEClient(conn)
	_, err = cl.ScanPackages(ctx, &pb.ScanPackagesRequest{})
	return err
}
