package adapter

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/internal/fault"
	"github.com/oxidehq/oxide/internal/procs"
)

// writeScript drops an executable shell script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-llm")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func cliService(executable string) config.ServiceConfig {
	return config.ServiceConfig{
		ID:         "claude_cli",
		Kind:       config.KindCLI,
		Enabled:    true,
		Executable: executable,
	}
}

func TestCLIExecute(t *testing.T) {
	t.Run("streams stdout line by line", func(t *testing.T) {
		script := writeScript(t, "echo one\necho two\n")
		a := NewCLI(cliService(script), nil)

		ch, err := a.Execute(context.Background(), Request{Prompt: "hi"})
		require.NoError(t, err)

		text, chunks, err := Drain(ch)
		require.NoError(t, err)
		assert.Equal(t, "one\ntwo\n", text)
		assert.Equal(t, 2, chunks)
	})

	t.Run("prompt and files travel as argv, files as @path tokens", func(t *testing.T) {
		script := writeScript(t, `for arg in "$@"; do echo "ARG:$arg"; done`)
		a := NewCLI(cliService(script), nil)

		ch, err := a.Execute(context.Background(), Request{
			Prompt: "review; echo injected",
			Files:  []string{"/tmp/a.go"},
		})
		require.NoError(t, err)

		text, _, err := Drain(ch)
		require.NoError(t, err)
		// The semicolon arrives literally: argv, never a shell.
		assert.Contains(t, text, "ARG:review; echo injected\n")
		assert.Contains(t, text, "ARG:@/tmp/a.go\n")
	})

	t.Run("missing executable is unavailable", func(t *testing.T) {
		a := NewCLI(cliService("definitely-not-installed-xyz"), nil)
		_, err := a.Execute(context.Background(), Request{Prompt: "hi"})
		require.Error(t, err)
		assert.Equal(t, fault.KindUnavailable, fault.KindOf(err))
	})

	t.Run("non-zero exit is a protocol error carrying stderr", func(t *testing.T) {
		script := writeScript(t, "echo some output\necho 'model quota exceeded' >&2\nexit 3\n")
		a := NewCLI(cliService(script), nil)

		ch, err := a.Execute(context.Background(), Request{Prompt: "hi"})
		require.NoError(t, err)

		text, _, err := Drain(ch)
		require.Error(t, err)
		assert.Equal(t, fault.KindProtocol, fault.KindOf(err))
		assert.Contains(t, err.Error(), "model quota exceeded")
		assert.Equal(t, "some output\n", text)
	})

	t.Run("cancellation terminates the subprocess and empties the registry", func(t *testing.T) {
		script := writeScript(t, "echo first\nsleep 30\necho never\n")
		registry := procs.NewRegistry()
		a := NewCLI(cliService(script), registry)

		ctx, cancel := context.WithCancel(context.Background())
		ch, err := a.Execute(ctx, Request{Prompt: "hi"})
		require.NoError(t, err)

		first := <-ch
		assert.Equal(t, "first\n", first.Text)
		cancel()

		_, _, err = Drain(ch)
		require.Error(t, err)
		assert.Equal(t, fault.KindCancelled, fault.KindOf(err))

		assert.Eventually(t, func() bool { return registry.Len() == 0 },
			5*time.Second, 20*time.Millisecond, "subprocess must be unregistered after cancel")
	})

	t.Run("abandoned stream with a full buffer still reaps the subprocess", func(t *testing.T) {
		// More output than the chunk buffer holds, so the producer is
		// mid-send when the consumer cancels and walks away.
		script := writeScript(t, "i=0\nwhile [ $i -lt 100 ]; do echo line$i; i=$((i+1)); done\nsleep 30\n")
		registry := procs.NewRegistry()
		a := NewCLI(cliService(script), registry)

		ctx, cancel := context.WithCancel(context.Background())
		ch, err := a.Execute(ctx, Request{Prompt: "hi"})
		require.NoError(t, err)

		<-ch
		time.Sleep(200 * time.Millisecond)
		cancel()
		// No further reads: the producer must unblock on ctx alone.

		assert.Eventually(t, func() bool { return registry.Len() == 0 },
			5*time.Second, 20*time.Millisecond, "subprocess must be unregistered even when nobody drains the stream")
	})

	t.Run("natural exit unregisters from the registry", func(t *testing.T) {
		script := writeScript(t, "echo done\n")
		registry := procs.NewRegistry()
		a := NewCLI(cliService(script), registry)

		ch, err := a.Execute(context.Background(), Request{Prompt: "hi"})
		require.NoError(t, err)
		_, _, err = Drain(ch)
		require.NoError(t, err)
		assert.Equal(t, 0, registry.Len())
	})
}

func TestCLIHealth(t *testing.T) {
	t.Run("resolvable executable answering --version is healthy", func(t *testing.T) {
		script := writeScript(t, `[ "$1" = "--version" ] && echo 1.0.0 && exit 0; exit 1`)
		a := NewCLI(cliService(script), nil)
		assert.NoError(t, a.Health(context.Background()))
	})

	t.Run("missing executable is unavailable", func(t *testing.T) {
		a := NewCLI(cliService("definitely-not-installed-xyz"), nil)
		err := a.Health(context.Background())
		require.Error(t, err)
		assert.Equal(t, fault.KindUnavailable, fault.KindOf(err))
	})
}

func TestCLIListModels(t *testing.T) {
	svc := cliService("claude")
	svc.Model = "sonnet"
	a := NewCLI(svc, nil)

	models, err := a.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sonnet"}, models)
}
