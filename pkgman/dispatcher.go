package pkgman

import (
	"context"
	"log"

	"github.com/distr1/distri/pkgman/collab"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"
)

// Dispatcher is component C: it acquires concurrency permits, spawns
// install tasks, awaits completions and feeds results back into the
// graph via the Outcome Reducer.
type Dispatcher struct {
	Graph     *Graph
	Fetcher   collab.Fetcher
	Installer collab.Installer
	// MaxConcurrentInstalls is P, the concurrency ceiling (spec.md §4.3).
	MaxConcurrentInstalls int
	Log                   *log.Logger

	queue *readyQueue
}

type taskResult struct {
	name string
	path collab.InstallDir
	err  error
}

// Run drives the scheduling loop of spec.md §4.3 to completion: it
// repeatedly dispatches every currently Ready node (subject to the
// permit ceiling), then blocks for the next task completion and feeds it
// through the Outcome Reducer, until every node is terminal.
func (d *Dispatcher) Run(ctx context.Context, ready []string) (*InstallReport, error) {
	if d.Log == nil {
		d.Log = log.New(log.Writer(), "", log.LstdFlags)
	}
	p := d.MaxConcurrentInstalls
	if p < 1 {
		p = 1
	}
	d.queue = newReadyQueue(ready)
	sem := semaphore.NewWeighted(int64(p))
	total := len(d.Graph.Nodes)
	done := make(chan taskResult, total)
	inFlight := 0

	apply := func(res taskResult) {
		inFlight--
		if res.err != nil {
			applyFailure(d.Graph, d.queue, res.name, res.err.Error())
		} else {
			applySuccess(d.Graph, d.queue, res.name, res.path)
		}
	}

	for {
		// Dispatch phase: drain the Ready Queue in FIFO order.
		for d.queue.Len() > 0 {
			name, _ := d.queue.Pop()
			n := d.Graph.Nodes[name]
			if n.State != Ready {
				continue // stale hint: cascaded away since it was enqueued
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil, newRunError(ErrInternalInvariant, "acquire install permit: %w", err)
			}
			n.State = Running
			inFlight++
			go d.spawn(ctx, n.Name, n.Spec, sem, done)
		}

		if countTerminal(d.Graph) == total {
			break
		}

		// Stall check (spec.md §4.3 step 2): the DAG invariant makes
		// this unreachable; it is defensive.
		if d.queue.Len() == 0 && inFlight == 0 {
			return nil, newRunError(ErrStalled, "no ready node and no running task, but the graph is not fully terminal")
		}

		// Harvest phase: block for the next completion, then drain any
		// others that arrived concurrently before dispatching again.
		apply(<-done)
	drain:
		for {
			select {
			case res := <-done:
				apply(res)
			default:
				break drain
			}
		}
	}

	return buildReport(d.Graph), nil
}

// spawn runs one install task on its own goroutine. A panic is converted
// into a Failed("panic: …") result rather than crashing the scheduler
// (spec.md §7, WorkerCrash).
func (d *Dispatcher) spawn(ctx context.Context, name string, spec collab.PackageSpec, sem *semaphore.Weighted, done chan<- taskResult) {
	defer sem.Release(1)
	path, err := func() (path collab.InstallDir, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = xerrors.Errorf("panic: %v", r)
			}
		}()
		return d.installOne(ctx, spec)
	}()
	done <- taskResult{name: name, path: path, err: err}
}

func (d *Dispatcher) installOne(ctx context.Context, spec collab.PackageSpec) (collab.InstallDir, error) {
	local, err := d.Fetcher.DownloadBottle(ctx, spec)
	if err != nil {
		return "", xerrors.Errorf("fetch %s: %w", spec.Name, err)
	}
	dir, err := d.Installer.InstallBottle(ctx, local, spec)
	if err != nil {
		return "", xerrors.Errorf("install %s: %w", spec.Name, err)
	}
	if err := d.Installer.Link(ctx, spec, dir); err != nil {
		return "", xerrors.Errorf("link %s: %w", spec.Name, err)
	}
	return dir, nil
}

func countTerminal(g *Graph) int {
	n := 0
	for _, node := range g.Nodes {
		if node.State.Terminal() {
			n++
		}
	}
	return n
}
