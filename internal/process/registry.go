// Package process tracks every ffmpeg child this run has launched, so a
// signal handler can terminate all of them regardless of which scheduler
// worker started which process.
package process

import (
	"sync"
	"time"

	"github.com/nonomal/superbatchvideocompressor/internal/logger"
)

// Handle is the set of child-process operations the registry needs. Batch
// code passes a *CmdHandle wrapping its *exec.Cmd here; tests pass a fake.
type Handle interface {
	// Signal sends a graceful termination request (SIGTERM on unix).
	Signal() error
	// Kill forces termination (SIGKILL on unix).
	Kill() error
	// Wait blocks until the process has exited or the timeout elapses.
	// Returns true if the process exited before the timeout.
	Wait(timeout time.Duration) bool
	// Exited reports whether the process has already been reaped.
	Exited() bool
}

// Registry is a process-wide set of live child handles plus a shutdown flag.
// There is exactly one Registry per run (see Global below); its mutex is
// only ever held for the duration of a map mutation, never across a spawn
// or a Wait.
type Registry struct {
	mu        sync.Mutex
	handles   map[Handle]struct{}
	shutdown  bool
}

// New constructs an empty, not-yet-shutting-down registry.
func New() *Registry {
	return &Registry{handles: make(map[Handle]struct{})}
}

// Global is the process-wide registry. The codebase intentionally keeps
// this as the one piece of package-level mutable state (see SPEC_FULL.md
// "Global state") because a single OS signal handler must see every child
// launched by every scheduler worker.
var Global = New()

// Register inserts a live child handle. Returns false without inserting
// if shutdown has already been requested, so a worker can refuse to spawn
// work after TerminateAll has started.
func (r *Registry) Register(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return false
	}
	r.handles[h] = struct{}{}
	return true
}

// Unregister removes a handle after it has been reaped.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, h)
}

// IsShuttingDown reports whether TerminateAll has been called.
func (r *Registry) IsShuttingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdown
}

// TerminateAll sets the shutdown flag, sends a graceful termination signal
// to every registered handle, waits up to a short grace window for each to
// exit, and force-kills any survivor. Idempotent and safe to call from a
// signal handler.
func (r *Registry) TerminateAll() {
	const grace = 3 * time.Second

	r.mu.Lock()
	r.shutdown = true
	victims := make([]Handle, 0, len(r.handles))
	for h := range r.handles {
		victims = append(victims, h)
	}
	r.mu.Unlock()

	if len(victims) == 0 {
		return
	}
	logger.Warn("terminating children", "count", len(victims))

	for _, h := range victims {
		if h.Exited() {
			r.Unregister(h)
			continue
		}
		if err := h.Signal(); err != nil {
			logger.Debug("signal failed", "error", err)
		}
	}

	for _, h := range victims {
		if h.Exited() {
			r.Unregister(h)
			continue
		}
		if h.Wait(grace) {
			r.Unregister(h)
			continue
		}
		logger.Warn("child did not exit after grace period, killing")
		_ = h.Kill()
		h.Wait(grace)
		r.Unregister(h)
	}
}

// Count returns the number of currently registered handles. Used by tests
// to assert the "no leaked children" invariant (SPEC_FULL.md §8, property 4).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
