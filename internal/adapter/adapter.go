// Package adapter normalizes heterogeneous LLM backends behind one
// streaming interface. Three families are supported: locally-spawned CLI
// tools, Ollama servers, and OpenAI-compatible HTTP endpoints.
package adapter

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/internal/fault"
	"github.com/oxidehq/oxide/internal/procs"
)

const (
	// healthTimeout bounds every Health probe. A backend that cannot
	// answer within this window is treated as unavailable.
	healthTimeout = 5 * time.Second

	// MaxErrorBodySize limits how much error response body we read (1MB).
	// This prevents memory exhaustion from malformed error responses.
	MaxErrorBodySize = 1 * 1024 * 1024
)

// Request is one execution against a backend. The prompt is the enriched
// text the orchestrator assembled; Files are already sandbox-validated
// paths.
type Request struct {
	Prompt  string
	Files   []string
	Model   string            // overrides the adapter's default when set
	Timeout time.Duration     // full-call budget, enforced by the caller's context
	Options map[string]string // adapter-specific knobs, passed through
}

// Chunk is one streamed fragment. A stream is zero or more text chunks
// followed by exactly one terminal chunk: Done on success, Err on failure.
// The channel is closed after the terminal chunk.
type Chunk struct {
	Text string
	Done bool
	Err  error
}

// Info describes an adapter for status output and peer advertisement.
type Info struct {
	ID      string             `json:"id"`
	Kind    config.ServiceKind `json:"kind"`
	Model   string             `json:"model,omitempty"`
	BaseURL string             `json:"base_url,omitempty"`
}

// Adapter is the uniform surface over one backend service.
//
// Execute returns a lazy, single-pass chunk stream. Pre-flight failures
// (bad configuration, unreachable backend after retries) surface as the
// returned error; mid-stream failures arrive as the terminal chunk's Err.
// Cancelling ctx tears the stream down and yields a cancelled terminal
// chunk.
type Adapter interface {
	ID() string
	Describe() Info
	Execute(ctx context.Context, req Request) (<-chan Chunk, error)
	Health(ctx context.Context) error
	ListModels(ctx context.Context) ([]string, error)
}

// Readier prepares a backend before its first execution and resolves the
// model to run. The backend manager implements this with autostart plus
// model auto-detection; adapters call it lazily and cache success.
type Readier interface {
	Ready(ctx context.Context) (model string, err error)
}

// Deps carries cross-cutting collaborators into the factory.
type Deps struct {
	// Registry tracks spawned CLI subprocesses for shutdown sweeps.
	Registry *procs.Registry
	// Readier runs the ensure-ready phase for autostart-capable backends.
	Readier Readier
	// ConnectRetries bounds connection-refused retries before giving up
	// (Ollama only; each retry re-runs the Readier). Zero means 3.
	ConnectRetries int
	// ConnectRetryDelay is the fixed pause between those retries. Zero
	// means 2s.
	ConnectRetryDelay time.Duration
}

// New builds the adapter for a service definition.
func New(cfg config.ServiceConfig, deps Deps) (Adapter, error) {
	if deps.ConnectRetries <= 0 {
		deps.ConnectRetries = 3
	}
	if deps.ConnectRetryDelay <= 0 {
		deps.ConnectRetryDelay = 2 * time.Second
	}

	switch cfg.Kind {
	case config.KindCLI:
		return NewCLI(cfg, deps.Registry), nil
	case config.KindOllama:
		return NewOllama(cfg, deps), nil
	case config.KindOpenAI:
		return NewOpenAI(cfg), nil
	default:
		return nil, fault.Config("service %s: unknown kind %q", cfg.ID, cfg.Kind)
	}
}

// Drain consumes a chunk stream to completion, concatenating the text and
// counting non-empty chunks. The terminal chunk's error, if any, is
// returned alongside whatever text arrived before it.
func Drain(ch <-chan Chunk) (text string, chunks int, err error) {
	var b strings.Builder
	for c := range ch {
		if c.Err != nil {
			return b.String(), chunks, c.Err
		}
		if c.Text != "" {
			b.WriteString(c.Text)
			chunks++
		}
	}
	return b.String(), chunks, nil
}

// readLimitedBody reads up to maxBytes from r. Used for error responses to
// prevent unbounded allocation.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

var (
	_ Adapter = (*CLIAdapter)(nil)
	_ Adapter = (*OllamaAdapter)(nil)
	_ Adapter = (*OpenAIAdapter)(nil)
)
