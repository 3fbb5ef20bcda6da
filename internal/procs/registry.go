// Package procs tracks every subprocess Oxide spawns so that interrupt,
// termination, or normal shutdown can reap them: graceful terminate first,
// force-kill after a grace window. Adapters and the backend manager register
// processes for their lifetime; tests construct private registries.
package procs

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/oxidehq/oxide/internal/logging"
)

// DefaultGrace is the wait between terminate and kill during cleanup.
const DefaultGrace = 3 * time.Second

type entry struct {
	name string
	cmd  *exec.Cmd
}

// Registry is safe for concurrent use. One instance is shared process-wide
// by the daemon; tests use private instances.
type Registry struct {
	mu       sync.Mutex
	procs    map[uint64]entry
	next     uint64
	cleaning atomic.Bool
	log      zerolog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		procs: make(map[uint64]entry),
		log:   logging.Component("procs"),
	}
}

// Register tracks a started command and returns a handle for Unregister.
// The command must already have been started (cmd.Process non-nil).
func (r *Registry) Register(name string, cmd *exec.Cmd) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	id := r.next
	r.procs[id] = entry{name: name, cmd: cmd}
	r.log.Debug().Str("name", name).Int("pid", pidOf(cmd)).Msg("process registered")
	return id
}

// Unregister drops a process after its natural exit. Unknown ids are ignored
// so racing with Shutdown is harmless.
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, id)
}

// Len reports the number of live registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Shutdown terminates every registered process: SIGTERM, then kill after the
// grace window for any that have not exited (observed via Unregister or
// process state). Concurrent re-entry is a no-op.
func (r *Registry) Shutdown(grace time.Duration) {
	if !r.cleaning.CompareAndSwap(false, true) {
		return
	}
	defer r.cleaning.Store(false)

	if grace <= 0 {
		grace = DefaultGrace
	}

	r.mu.Lock()
	pending := make(map[uint64]entry, len(r.procs))
	for id, e := range r.procs {
		pending[id] = e
	}
	r.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	r.log.Info().Int("count", len(pending)).Msg("terminating registered processes")

	for _, e := range pending {
		terminate(e.cmd)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if r.allExited(pending) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	for id, e := range pending {
		if !exited(e.cmd) {
			r.log.Warn().Str("name", e.name).Int("pid", pidOf(e.cmd)).Msg("force killing process")
			_ = e.cmd.Process.Kill()
		}
		r.Unregister(id)
	}
}

// HandleSignals installs interrupt/termination handling that drains the
// registry exactly once, then re-raises the default behavior by returning on
// ctx. The returned stop function releases the signal handler.
func (r *Registry) HandleSignals(ctx context.Context, grace time.Duration) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			r.log.Info().Str("signal", sig.String()).Msg("signal received, cleaning up processes")
			r.Shutdown(grace)
		case <-ctx.Done():
		case <-done:
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func (r *Registry) allExited(pending map[uint64]entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range pending {
		if _, live := r.procs[id]; live && !exited(e.cmd) {
			return false
		}
	}
	return true
}

// terminate asks politely; platforms without SIGTERM fall through to Kill
// during the sweep.
func terminate(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
	}
}

func exited(cmd *exec.Cmd) bool {
	if cmd == nil || cmd.Process == nil {
		return true
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.Exited()
	}
	// Signal 0 probes liveness without delivering anything.
	return cmd.Process.Signal(syscall.Signal(0)) != nil
}

func pidOf(cmd *exec.Cmd) int {
	if cmd == nil || cmd.Process == nil {
		return 0
	}
	return cmd.Process.Pid
}
