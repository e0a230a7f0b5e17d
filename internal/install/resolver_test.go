package install

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/distr1/distri"
	"github.com/distr1/distri/pkgman/collab"
)

// writeMeta drops a pkg/<name>.meta.textproto file into a repo directory,
// the same layout internal/repo.Reader reads for a local-path distri.Repo.
func writeMeta(t *testing.T, repoDir, name, version string, runtimeDeps ...string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(repoDir, "pkg"), 0755); err != nil {
		t.Fatal(err)
	}
	content := "hash: \"\"\nversion: \"" + version + "\"\n"
	for _, d := range runtimeDeps {
		content += "runtime_dep: \"" + d + "\"\n"
	}
	fn := filepath.Join(repoDir, "pkg", name+".meta.textproto")
	if err := ioutil.WriteFile(fn, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestResolverResolveTransitive(t *testing.T) {
	repoDir, err := ioutil.TempDir("", "distritest-resolver")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(repoDir)

	writeMeta(t, repoDir, "i3status-amd64-2.13-3", "1", "bash-amd64-5.0-4")
	writeMeta(t, repoDir, "bash-amd64-5.0-4", "1")

	root, err := ioutil.TempDir("", "distritest-root")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	r := &Resolver{
		Root:  root,
		Repos: []distri.Repo{{Path: repoDir, PkgPath: repoDir}},
	}

	plan, err := r.Resolve(context.Background(), []string{"i3status-amd64-2.13-3"}, collab.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(plan.Specs), 2; got != want {
		t.Fatalf("got %d specs, want %d: %+v", got, want, plan.Specs)
	}
	byName := make(map[string]collab.PackageSpec)
	for _, s := range plan.Specs {
		byName[s.Name] = s
	}
	root1, ok := byName["i3status-amd64-2.13-3"]
	if !ok {
		t.Fatalf("root package missing from plan: %+v", plan.Specs)
	}
	if got, want := len(root1.DeclaredDeps), 1; got != want {
		t.Fatalf("got %d declared deps, want %d", got, want)
	}
	if got, want := root1.DeclaredDeps[0].Name, "bash-amd64-5.0-4"; got != want {
		t.Errorf("declared dep = %q, want %q", got, want)
	}
	if _, ok := byName["bash-amd64-5.0-4"]; !ok {
		t.Errorf("transitive dependency bash-amd64-5.0-4 missing from plan")
	}
}

func TestResolverNotFoundSingle(t *testing.T) {
	repoDir, err := ioutil.TempDir("", "distritest-resolver")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(repoDir)
	if err := os.MkdirAll(filepath.Join(repoDir, "pkg"), 0755); err != nil {
		t.Fatal(err)
	}

	root, err := ioutil.TempDir("", "distritest-root")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	r := &Resolver{Root: root, Repos: []distri.Repo{{Path: repoDir, PkgPath: repoDir}}}

	_, err = r.Resolve(context.Background(), []string{"nonexistent-amd64-1-1"}, collab.Options{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if _, ok := err.(*collab.NotFoundError); !ok {
		t.Errorf("got error %T (%v), want *collab.NotFoundError", err, err)
	}
}

func TestResolverInstalledStatus(t *testing.T) {
	repoDir, err := ioutil.TempDir("", "distritest-resolver")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(repoDir)
	writeMeta(t, repoDir, "bash-amd64-5.0-4", "1")

	root, err := ioutil.TempDir("", "distritest-root")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)
	if err := os.MkdirAll(filepath.Join(root, "roimg"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(root, "roimg", "bash-amd64-5.0-4.squashfs"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	r := &Resolver{Root: root, Repos: []distri.Repo{{Path: repoDir, PkgPath: repoDir}}}
	plan, err := r.Resolve(context.Background(), []string{"bash-amd64-5.0-4"}, collab.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := plan.Specs[0].Status, collab.StatusInstalled; got != want {
		t.Errorf("status = %v, want %v", got, want)
	}
}
