package procs

import (
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSleep(t *testing.T, seconds string) *exec.Cmd {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on sleep and unix signals")
	}
	cmd := exec.Command("sleep", seconds)
	require.NoError(t, cmd.Start())
	return cmd
}

func TestRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	cmd := startSleep(t, "10")
	defer cmd.Process.Kill()

	id := r.Register("sleeper", cmd)
	assert.Equal(t, 1, r.Len())

	r.Unregister(id)
	assert.Equal(t, 0, r.Len())

	// Unknown ids are ignored.
	r.Unregister(id)
	assert.Equal(t, 0, r.Len())
}

func TestShutdownTerminatesProcesses(t *testing.T) {
	r := NewRegistry()
	cmd := startSleep(t, "30")
	r.Register("sleeper", cmd)

	start := time.Now()
	r.Shutdown(2 * time.Second)

	assert.Equal(t, 0, r.Len())
	// sleep exits promptly on SIGTERM; the full grace window is not consumed.
	assert.Less(t, time.Since(start), 2*time.Second)

	err := cmd.Wait()
	require.Error(t, err) // killed by signal, not clean exit
}

func TestShutdownForceKillsStubborn(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}
	r := NewRegistry()

	// Trap TERM so only the kill path can reap it.
	cmd := exec.Command("sh", "-c", `trap "" TERM; sleep 30`)
	require.NoError(t, cmd.Start())
	r.Register("stubborn", cmd)

	r.Shutdown(500 * time.Millisecond)
	assert.Equal(t, 0, r.Len())

	err := cmd.Wait()
	require.Error(t, err)
}

func TestShutdownEmptyIsNoop(t *testing.T) {
	r := NewRegistry()
	done := make(chan struct{})
	go func() {
		r.Shutdown(time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown of empty registry blocked")
	}
}
