package pkgman

import (
	"context"
	"fmt"
	"sync"

	"github.com/distr1/distri/pkgman/collab"
)

// fakeResolver returns a fixed plan or error, regardless of the names
// asked for -- tests construct the plan they want directly.
type fakeResolver struct {
	plan *collab.Plan
	err  error
}

func (r *fakeResolver) Resolve(ctx context.Context, names []string, opts collab.Options) (*collab.Plan, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.plan, nil
}

// barrier lets a test force N goroutines to rendezvous before any of
// them proceeds, to deterministically observe concurrency without
// relying on sleeps.
type barrier struct {
	mu    sync.Mutex
	n     int
	count int
	ch    chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, ch: make(chan struct{})}
}

func (b *barrier) Wait() {
	b.mu.Lock()
	b.count++
	if b.count == b.n {
		close(b.ch)
	}
	b.mu.Unlock()
	<-b.ch
}

// fakeWorker implements both collab.Fetcher and collab.Installer with
// in-memory bookkeeping: no real downloads or unpacking.
type fakeWorker struct {
	mu        sync.Mutex
	fail      map[string]string
	gate      map[string]*barrier
	running   int
	peak      int
	installed map[string]bool // names InstallBottle was called for
	order     []string        // order of InstallBottle calls, for assertions
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		fail:      make(map[string]string),
		gate:      make(map[string]*barrier),
		installed: make(map[string]bool),
	}
}

func (w *fakeWorker) DownloadBottle(ctx context.Context, spec collab.PackageSpec) (collab.LocalPath, error) {
	return collab.LocalPath(spec.Name), nil
}

func (w *fakeWorker) DownloadCask(ctx context.Context, c collab.CaskMeta) (collab.LocalPath, error) {
	return collab.LocalPath(c.Token), nil
}

func (w *fakeWorker) InstallBottle(ctx context.Context, path collab.LocalPath, spec collab.PackageSpec) (collab.InstallDir, error) {
	w.mu.Lock()
	w.running++
	if w.running > w.peak {
		w.peak = w.running
	}
	w.order = append(w.order, spec.Name)
	gate := w.gate[spec.Name]
	w.mu.Unlock()

	if gate != nil {
		gate.Wait()
	}

	w.mu.Lock()
	w.running--
	reason, shouldFail := w.fail[spec.Name]
	w.installed[spec.Name] = true
	w.mu.Unlock()

	if shouldFail {
		return "", fmt.Errorf("%s", reason)
	}
	return collab.InstallDir(spec.Name), nil
}

func (w *fakeWorker) Link(ctx context.Context, spec collab.PackageSpec, dir collab.InstallDir) error {
	return nil
}

func (w *fakeWorker) InstallCask(ctx context.Context, c collab.CaskMeta, path collab.LocalPath) error {
	return nil
}

func (w *fakeWorker) CaskInstalled(ctx context.Context, token string) (bool, error) {
	return false, nil
}

func (w *fakeWorker) peakConcurrency() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peak
}

func (w *fakeWorker) callOrder() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.order))
	copy(out, w.order)
	return out
}

func spec(name string, deps ...collab.DepEdge) collab.PackageSpec {
	return collab.PackageSpec{Name: name, Kind: collab.KindBottle, DeclaredDeps: deps, Status: collab.StatusMissing}
}

func req(name string) collab.DepEdge {
	return collab.DepEdge{Name: name, Tags: map[collab.Tag]bool{collab.TagRequired: true}}
}
