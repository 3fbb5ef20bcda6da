package adapter

import (
	"context"
	"errors"
	"net/url"
	"syscall"
	"time"

	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/internal/fault"
)

// TimeoutConfig is the 3-phase timeout system for streaming HTTP backends.
// Phase 1 (connection): time to establish the connection and receive headers.
// Phase 2 (first token): time to the first streamed token; model loading
// happens here, so cold starts need a generous budget.
// Phase 3 (stream idle): maximum gap between tokens, detecting stalls.
type TimeoutConfig struct {
	Connection time.Duration
	FirstToken time.Duration
	StreamIdle time.Duration
}

// DefaultTimeoutConfig returns timeouts tuned for local backends. Cold
// start model loading can take 60-90s depending on model size and hardware.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Connection: 30 * time.Second,
		FirstToken: 120 * time.Second,
		StreamIdle: 30 * time.Second,
	}
}

// RemoteTimeoutConfig returns timeouts for non-local endpoints, which add
// network latency, shared queues, and jitter on top of cold starts.
func RemoteTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Connection: 60 * time.Second,
		FirstToken: 300 * time.Second,
		StreamIdle: 60 * time.Second,
	}
}

// timeoutsFor selects the base timeouts by endpoint locality, then applies
// any per-service overrides from the config file.
func timeoutsFor(svc config.ServiceConfig) TimeoutConfig {
	tc := DefaultTimeoutConfig()
	if isRemoteEndpoint(svc.BaseURL) {
		tc = RemoteTimeoutConfig()
	}
	if o := svc.Timeouts; o != nil {
		if o.ConnectionTimeoutSec > 0 {
			tc.Connection = time.Duration(o.ConnectionTimeoutSec) * time.Second
		}
		if o.FirstTokenTimeoutSec > 0 {
			tc.FirstToken = time.Duration(o.FirstTokenTimeoutSec) * time.Second
		}
		if o.StreamIdleTimeoutSec > 0 {
			tc.StreamIdle = time.Duration(o.StreamIdleTimeoutSec) * time.Second
		}
	}
	return tc
}

// isRemoteEndpoint reports whether the endpoint is something other than
// this machine.
func isRemoteEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false // assume local if unparseable
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1", "host.docker.internal":
		return false
	}
	return u.Hostname() != ""
}

// streamEvent is one decoded fragment from the wire.
type streamEvent struct {
	text string
	done bool
	err  error
}

// runStream bridges a blocking wire decoder onto the public chunk channel,
// enforcing the first-token and stream-idle phases. next is called from a
// dedicated goroutine and must return done=true at end of stream; interrupt
// must unblock a stuck next call (typically by closing the response body).
// Empty fragments count as activity but are not forwarded.
func runStream(ctx context.Context, out chan<- Chunk, service string, tc TimeoutConfig, next func() (string, bool, error), interrupt func()) {
	inner := make(chan streamEvent, 1)

	// A cancelling consumer stops reading the chunk channel, so every send
	// must also watch ctx or the forwarder wedges mid-send.
	emit := func(c Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(inner)
		for {
			text, done, err := next()
			select {
			case inner <- streamEvent{text: text, done: done, err: err}:
			case <-ctx.Done():
				interrupt()
				return
			}
			if done || err != nil {
				return
			}
		}
	}()

	firstTimer := time.NewTimer(tc.FirstToken)
	defer firstTimer.Stop()
	var idleTimer *time.Timer
	received := false

	for {
		var timeout <-chan time.Time
		if !received {
			timeout = firstTimer.C
		} else {
			timeout = idleTimer.C
		}

		select {
		case <-ctx.Done():
			interrupt()
			emit(Chunk{Err: ctxFault(ctx, service)})
			return

		case ev, ok := <-inner:
			if !ok {
				// Decoder stopped without a terminal event, which only
				// happens when it lost the race against cancellation.
				if ctx.Err() != nil {
					emit(Chunk{Err: ctxFault(ctx, service)})
				} else {
					emit(Chunk{Done: true})
				}
				return
			}
			if ev.err != nil {
				emit(Chunk{Err: ev.err})
				return
			}
			if ev.done {
				emit(Chunk{Done: true})
				return
			}

			if !received {
				received = true
				firstTimer.Stop()
				idleTimer = time.NewTimer(tc.StreamIdle)
				defer idleTimer.Stop()
			} else {
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(tc.StreamIdle)
			}

			if ev.text != "" {
				if !emit(Chunk{Text: ev.text}) {
					interrupt()
					return
				}
			}

		case <-timeout:
			interrupt()
			if !received {
				emit(Chunk{Err: fault.Timeout(service, "timeout waiting for first token (limit %v), model may still be loading", tc.FirstToken)})
			} else {
				emit(Chunk{Err: fault.Timeout(service, "stream idle timeout (no token for %v)", tc.StreamIdle)})
			}
			return
		}
	}
}

// ctxFault maps a finished context onto the error taxonomy.
func ctxFault(ctx context.Context, service string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fault.Timeout(service, "request deadline exceeded")
	}
	return fault.Cancelled()
}

// classifyTransportErr maps a transport-level failure (dial, TLS, reset)
// onto the taxonomy. Context expiry wins over the wrapped network error.
func classifyTransportErr(ctx context.Context, service string, err error) error {
	if ctx.Err() != nil {
		return ctxFault(ctx, service)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Timeout(service, "connection timed out: %v", err)
	}
	return fault.Wrap(fault.KindUnavailable, service, err, "backend unreachable")
}

// isConnRefused reports whether err is a TCP connection refusal, the
// signature of a backend that is installed but not running.
func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
