package cask

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/distr1/distri/pkgman/collab"
)

type fakeCatalog struct {
	mu    sync.Mutex
	metas map[string]collab.CaskMeta
}

func (c *fakeCatalog) GetCask(ctx context.Context, token string) (collab.CaskMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metas[token]
	if !ok {
		return collab.CaskMeta{}, &collab.NotFoundError{Name: token}
	}
	return m, nil
}

type fakeInstaller struct {
	mu          sync.Mutex
	alreadyDone map[string]bool
	fail        map[string]string
	installed   []string
	running     int
	peak        int
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{alreadyDone: map[string]bool{}, fail: map[string]string{}}
}

func (i *fakeInstaller) InstallBottle(ctx context.Context, path collab.LocalPath, spec collab.PackageSpec) (collab.InstallDir, error) {
	return collab.InstallDir(spec.Name), nil
}
func (i *fakeInstaller) Link(ctx context.Context, spec collab.PackageSpec, dir collab.InstallDir) error {
	return nil
}
func (i *fakeInstaller) CaskInstalled(ctx context.Context, token string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.alreadyDone[token], nil
}
func (i *fakeInstaller) InstallCask(ctx context.Context, c collab.CaskMeta, path collab.LocalPath) error {
	i.mu.Lock()
	i.running++
	if i.running > i.peak {
		i.peak = i.running
	}
	i.mu.Unlock()

	i.mu.Lock()
	i.running--
	reason, fail := i.fail[c.Token]
	i.installed = append(i.installed, c.Token)
	i.mu.Unlock()

	if fail {
		return fmt.Errorf("%s", reason)
	}
	return nil
}

type fakeFetcher struct{}

func (fakeFetcher) DownloadBottle(ctx context.Context, spec collab.PackageSpec) (collab.LocalPath, error) {
	return collab.LocalPath(spec.Name), nil
}
func (fakeFetcher) DownloadCask(ctx context.Context, c collab.CaskMeta) (collab.LocalPath, error) {
	return collab.LocalPath(c.Token), nil
}

func TestAlreadyInstalledCaskSkipped(t *testing.T) {
	installer := newFakeInstaller()
	installer.alreadyDone["already"] = true
	catalog := &fakeCatalog{metas: map[string]collab.CaskMeta{}}
	s := &Scheduler{
		Collab:      Collaborators{Catalog: catalog, Fetcher: fakeFetcher{}, Installer: installer},
		MaxParallel: 4,
	}
	result, err := s.Run(context.Background(), []string{"already"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.OK() || len(result.Succeeded) != 1 {
		t.Fatalf("result = %+v, want already-installed cask reported succeeded with no install call", result)
	}
	if len(installer.installed) != 0 {
		t.Fatalf("InstallCask should not have been called for an already-installed cask, got %v", installer.installed)
	}
}

func TestCaskOfCaskRecursion(t *testing.T) {
	installer := newFakeInstaller()
	catalog := &fakeCatalog{metas: map[string]collab.CaskMeta{
		"top":  {Token: "top", CaskDeps: []string{"mid"}},
		"mid":  {Token: "mid", CaskDeps: []string{"leaf"}},
		"leaf": {Token: "leaf"},
	}}
	s := &Scheduler{
		Collab:      Collaborators{Catalog: catalog, Fetcher: fakeFetcher{}, Installer: installer},
		MaxParallel: 4,
	}
	result, err := s.Run(context.Background(), []string{"top"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.OK() {
		t.Fatalf("result.Failed = %v, want none", result.Failed)
	}
	seen := map[string]bool{}
	for _, tok := range installer.installed {
		seen[tok] = true
	}
	for _, want := range []string{"top", "mid", "leaf"} {
		if !seen[want] {
			t.Errorf("expected %s to be installed, installed = %v", want, installer.installed)
		}
	}
}

// TestCaskDependencyFailureAbortsParent covers the resolved open
// question: a failing cask-dependency child aborts the parent install
// rather than being merely logged.
func TestCaskDependencyFailureAbortsParent(t *testing.T) {
	installer := newFakeInstaller()
	installer.fail["leaf"] = "download failed"
	catalog := &fakeCatalog{metas: map[string]collab.CaskMeta{
		"top":  {Token: "top", CaskDeps: []string{"leaf"}},
		"leaf": {Token: "leaf"},
	}}
	s := &Scheduler{
		Collab:      Collaborators{Catalog: catalog, Fetcher: fakeFetcher{}, Installer: installer},
		MaxParallel: 4,
	}
	result, err := s.Run(context.Background(), []string{"top"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.OK() {
		t.Fatal("expected top to fail because its cask dependency failed")
	}
	found := false
	for _, f := range result.Failed {
		if f.Token == "top" {
			found = true
		}
	}
	if !found {
		t.Fatalf("result.Failed = %v, want top present", result.Failed)
	}
	for _, tok := range installer.installed {
		if tok == "top" {
			t.Fatal("top must not have been installed after its dependency failed")
		}
	}
}

func TestFormulaDependencyInstalledBeforeCask(t *testing.T) {
	installer := newFakeInstaller()
	catalog := &fakeCatalog{metas: map[string]collab.CaskMeta{
		"bar": {Token: "bar", FormulaDeps: []string{"libbaz"}},
	}}
	var calledWith []string
	s := &Scheduler{
		Collab: Collaborators{Catalog: catalog, Fetcher: fakeFetcher{}, Installer: installer},
		FormulaInstall: func(ctx context.Context, names []string) error {
			calledWith = append(calledWith, names...)
			return nil
		},
		MaxParallel: 4,
	}
	result, err := s.Run(context.Background(), []string{"bar"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.OK() {
		t.Fatalf("result.Failed = %v, want none", result.Failed)
	}
	if len(calledWith) != 1 || calledWith[0] != "libbaz" {
		t.Fatalf("FormulaInstall called with %v, want [libbaz]", calledWith)
	}
}

func TestFormulaDependencyFailureAbortsCask(t *testing.T) {
	installer := newFakeInstaller()
	catalog := &fakeCatalog{metas: map[string]collab.CaskMeta{
		"bar": {Token: "bar", FormulaDeps: []string{"libbaz"}},
	}}
	s := &Scheduler{
		Collab: Collaborators{Catalog: catalog, Fetcher: fakeFetcher{}, Installer: installer},
		FormulaInstall: func(ctx context.Context, names []string) error {
			return fmt.Errorf("libbaz: build failed")
		},
		MaxParallel: 4,
	}
	result, err := s.Run(context.Background(), []string{"bar"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.OK() {
		t.Fatal("expected bar to fail because its formula dependency failed")
	}
}
