// Package workerpool holds status-line support for distri's worker pools.
// Its user is the build graph's batch scheduler (internal/batch); the
// package-install scheduler (pkgman) does not use it.
package workerpool

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// IsTerminal reports whether stdout is a terminal, checked once at
// startup the same way internal/batch always has.
var IsTerminal = func() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdout.Fd()), unix.TCGETS)
	return err == nil
}()

// Reporter renders a fixed number of in-place status lines to stdout, one
// per concurrent worker slot, overwriting the previous render in place.
// It is a no-op when stdout is not a terminal.
type Reporter struct {
	mu         sync.Mutex
	lines      []string
	lastRender time.Time
}

// NewReporter creates a Reporter with the given number of slots (e.g.
// jobs+1 to reserve slot 0 for an overall progress line).
func NewReporter(slots int) *Reporter {
	return &Reporter{lines: make([]string, slots)}
}

// Update sets the status line for slot and re-renders, throttled to once
// per 100ms so frequent updates don't slow the program down.
func (r *Reporter) Update(slot int, status string) {
	if !IsTerminal {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if diff := len(r.lines[slot]) - len(status); diff > 0 {
		status += strings.Repeat(" ", diff) // overwrite stale characters with whitespace
	}
	r.lines[slot] = status
	if time.Since(r.lastRender) < 100*time.Millisecond {
		return
	}
	r.render()
}

// Refresh unconditionally re-renders all status lines.
func (r *Reporter) Refresh() {
	if !IsTerminal {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.render()
}

func (r *Reporter) render() {
	r.lastRender = time.Now()
	var maxLen int
	for _, line := range r.lines {
		if len(line) > maxLen {
			maxLen = len(line)
		}
	}
	for _, line := range r.lines {
		if len(line) < maxLen {
			line += strings.Repeat(" ", maxLen-len(line))
		}
		fmt.Println(line)
	}
	fmt.Printf("\033[%dA", len(r.lines)) // restore cursor position
}
