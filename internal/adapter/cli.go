package adapter

import (
	"bufio"
	"context"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/internal/fault"
	"github.com/oxidehq/oxide/internal/logging"
	"github.com/oxidehq/oxide/internal/procs"
)

const (
	// cliGrace is how long a cancelled subprocess gets between SIGTERM
	// and SIGKILL.
	cliGrace = 3 * time.Second

	// stderrTailBytes bounds the captured diagnostic tail.
	stderrTailBytes = 4096

	// scanBufBytes is the line scanner's maximum token size.
	scanBufBytes = 1 << 20
)

// CLIAdapter runs a local command-line tool per request. The prompt and
// any attachments travel as argv entries, never through a shell, so user
// input cannot be interpolated.
type CLIAdapter struct {
	id         string
	executable string
	args       []string
	model      string
	registry   *procs.Registry
	log        zerolog.Logger
}

// NewCLI builds a CLI adapter. The executable is resolved lazily so a
// missing binary surfaces as unavailability at call time, not as a
// construction failure at boot.
func NewCLI(cfg config.ServiceConfig, registry *procs.Registry) *CLIAdapter {
	return &CLIAdapter{
		id:         cfg.ID,
		executable: cfg.Executable,
		args:       append([]string(nil), cfg.Args...),
		model:      cfg.Model,
		registry:   registry,
		log:        logging.Component("adapter").With().Str("service", cfg.ID).Logger(),
	}
}

func (a *CLIAdapter) ID() string { return a.id }

func (a *CLIAdapter) Describe() Info {
	return Info{ID: a.id, Kind: config.KindCLI, Model: a.model}
}

// Execute spawns one subprocess and streams its stdout line-by-line.
// Attachments are passed as @path tokens, the convention the wrapped tools
// recognise.
func (a *CLIAdapter) Execute(ctx context.Context, req Request) (<-chan Chunk, error) {
	path, err := exec.LookPath(a.executable)
	if err != nil {
		return nil, fault.Unavailable(a.id, "executable %q not found", a.executable)
	}

	args := append([]string(nil), a.args...)
	model := req.Model
	if model == "" {
		model = a.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, req.Prompt)
	for _, f := range req.Files {
		args = append(args, "@"+f)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = cliGrace
	cmd.Cancel = func() error {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}

	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fault.Wrap(fault.KindProtocol, a.id, err, "create stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, a.id, err, "start %s", a.executable)
	}

	var regID uint64
	if a.registry != nil {
		regID = a.registry.Register(a.id, cmd)
	}

	a.log.Debug().Str("executable", path).Int("args", len(args)).Msg("subprocess started")

	out := make(chan Chunk, 8)
	// A cancelling consumer stops reading, so every send must also watch
	// ctx or the goroutine wedges mid-send and the child is never reaped.
	emit := func(c Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(out)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), scanBufBytes)
		for scanner.Scan() {
			if !emit(Chunk{Text: scanner.Text() + "\n"}) {
				break
			}
		}
		scanErr := scanner.Err()

		// Wait and Unregister run on every exit path, including an
		// abandoned stream; WaitDelay bounds Wait after cancellation.
		waitErr := cmd.Wait()
		if a.registry != nil {
			a.registry.Unregister(regID)
		}

		switch {
		case ctx.Err() != nil:
			emit(Chunk{Err: ctxFault(ctx, a.id)})
		case waitErr != nil:
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = waitErr.Error()
			}
			emit(Chunk{Err: fault.Protocol(a.id, "%s exited: %s", a.executable, msg)})
		case scanErr != nil:
			emit(Chunk{Err: fault.Wrap(fault.KindProtocol, a.id, scanErr, "read subprocess output")})
		default:
			emit(Chunk{Done: true})
		}
	}()

	return out, nil
}

// Health verifies the executable resolves and answers --version within the
// probe window.
func (a *CLIAdapter) Health(ctx context.Context) error {
	path, err := exec.LookPath(a.executable)
	if err != nil {
		return fault.Unavailable(a.id, "executable %q not found", a.executable)
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, path, "--version")
	if err := cmd.Run(); err != nil {
		return fault.Wrap(fault.KindUnavailable, a.id, err, "%s --version failed", a.executable)
	}
	return nil
}

// ListModels returns the configured model, if any. CLI tools do not
// enumerate models.
func (a *CLIAdapter) ListModels(ctx context.Context) ([]string, error) {
	if a.model == "" {
		return nil, nil
	}
	return []string{a.model}, nil
}

// tailBuffer keeps the last max bytes written to it. Used to bound stderr
// capture on long-running subprocesses.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
