package pkgman

import (
	"context"
	"testing"

	"github.com/distr1/distri/pkgman/collab"
)

type fakeCatalog struct {
	metas map[string]collab.CaskMeta
}

func (c *fakeCatalog) GetCask(ctx context.Context, token string) (collab.CaskMeta, error) {
	m, ok := c.metas[token]
	if !ok {
		return collab.CaskMeta{}, &collab.NotFoundError{Name: token}
	}
	return m, nil
}

func TestRunIdempotentOnAllInstalled(t *testing.T) {
	resolver := &fakeResolver{plan: &collab.Plan{Specs: []collab.PackageSpec{
		{Name: "app", Status: collab.StatusInstalled},
	}}}
	w := newFakeWorker()
	report, err := Run(context.Background(), []string{"app"}, Options{Kind: collab.KindBottle}, Collaborators{
		Resolver: resolver, Fetcher: w, Installer: w,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.OK() || len(report.Succeeded) != 0 {
		t.Fatalf("report = %+v, want empty success report", report)
	}
	if len(w.callOrder()) != 0 {
		t.Fatalf("expected no install calls, got %v", w.callOrder())
	}
}

func TestRunAutoFallsBackToCaskOnNotFound(t *testing.T) {
	resolver := &fakeResolver{err: &collab.NotFoundError{Name: "foo"}}
	catalog := &fakeCatalog{metas: map[string]collab.CaskMeta{
		"foo": {Token: "foo"},
	}}
	w := newFakeWorker()
	report, err := Run(context.Background(), []string{"foo"}, Options{Kind: collab.KindAuto}, Collaborators{
		Resolver: resolver, Fetcher: w, Installer: w, Catalog: catalog,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.OK() || len(report.Succeeded) != 1 || report.Succeeded[0].Name != "foo" {
		t.Fatalf("report = %+v, want foo succeeded via cask fallback", report)
	}
}

func TestRunAutoFallbackExhaustedIsResolveError(t *testing.T) {
	resolver := &fakeResolver{err: &collab.NotFoundError{Name: "foo"}}
	catalog := &fakeCatalog{metas: map[string]collab.CaskMeta{}}
	w := newFakeWorker()
	_, err := Run(context.Background(), []string{"foo"}, Options{Kind: collab.KindAuto}, Collaborators{
		Resolver: resolver, Fetcher: w, Installer: w, Catalog: catalog,
	})
	if err == nil {
		t.Fatal("expected ResolveError, got nil")
	}
	re, ok := err.(*RunError)
	if !ok || re.Kind != ErrResolve {
		t.Fatalf("err = %v, want *RunError{Kind: ErrResolve}", err)
	}
}

func TestRunBottleKindDoesNotFallBack(t *testing.T) {
	resolver := &fakeResolver{err: &collab.NotFoundError{Name: "foo"}}
	w := newFakeWorker()
	_, err := Run(context.Background(), []string{"foo"}, Options{Kind: collab.KindBottle}, Collaborators{
		Resolver: resolver, Fetcher: w, Installer: w,
	})
	re, ok := err.(*RunError)
	if !ok || re.Kind != ErrResolve {
		t.Fatalf("err = %v, want *RunError{Kind: ErrResolve} (no fallback for kind=bottle)", err)
	}
}

// TestCaskWithFormulaDep is end-to-end scenario 5: a cask declares a
// formula dependency, which must install (via the formula scheduler)
// before the cask install begins.
func TestCaskWithFormulaDep(t *testing.T) {
	resolver := &fakeResolver{plan: &collab.Plan{Specs: []collab.PackageSpec{spec("libbaz")}}}
	catalog := &fakeCatalog{metas: map[string]collab.CaskMeta{
		"bar": {Token: "bar", FormulaDeps: []string{"libbaz"}},
	}}
	w := newFakeWorker()
	report, err := Run(context.Background(), []string{"bar"}, Options{Kind: collab.KindCask}, Collaborators{
		Resolver: resolver, Fetcher: w, Installer: w, Catalog: catalog,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.OK() {
		t.Fatalf("report.Failed = %v, want none", report.Failed)
	}
	order := w.callOrder()
	if len(order) != 1 || order[0] != "libbaz" {
		t.Fatalf("call order = %v, want [libbaz] (the formula dep)", order)
	}
}
