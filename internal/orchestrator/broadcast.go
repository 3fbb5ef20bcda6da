package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oxidehq/oxide/internal/adapter"
	"github.com/oxidehq/oxide/pkg/types"
)

// runBroadcast fans the request out to every available service at once and
// merges the tagged per-service streams into the caller's channel. Order is
// preserved within a service; across services chunks interleave as they
// arrive. Each service's outcome is recorded on the task record as it
// finishes, so a broadcast survives individual service failures.
func (o *Orchestrator) runBroadcast(ctx context.Context, out chan<- Chunk, req execRequest) {
	services := req.decision.Available
	if len(services) == 0 {
		services = req.decision.Services()
	}

	type outcome struct {
		service string
		text    string
	}
	outcomes := make([]outcome, len(services))

	var wg sync.WaitGroup
	for i, svc := range services {
		wg.Add(1)
		go func(idx int, svc string) {
			defer wg.Done()
			outcomes[idx] = outcome{service: svc, text: o.broadcastOne(ctx, out, svc, req)}
		}(i, svc)
	}
	wg.Wait()

	if ctx.Err() != nil {
		o.abortTask(out, req, "cancelled", "")
		return
	}

	// Primary's answer stands in as the canonical result for memory and
	// the task record; the per-service detail lives in broadcast_results.
	canonical := ""
	for _, oc := range outcomes {
		if oc.service == req.decision.Primary && oc.text != "" {
			canonical = oc.text
			break
		}
	}
	if canonical == "" {
		for _, oc := range outcomes {
			if oc.text != "" {
				canonical = oc.text
				break
			}
		}
	}
	o.completeTask(out, req, req.decision.Primary, canonical)
}

// broadcastOne streams one service's contribution, tagging every chunk with
// the service id, and records its sub-result. Returns the accumulated text,
// empty on failure.
func (o *Orchestrator) broadcastOne(ctx context.Context, out chan<- Chunk, svc string, req execRequest) string {
	var buf strings.Builder
	chunks := 0

	record := func(errMsg string) {
		bctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
		defer cancel()
		res := types.BroadcastResult{
			Service:     svc,
			Chunks:      chunks,
			Bytes:       buf.Len(),
			Error:       errMsg,
			CompletedAt: time.Now(),
		}
		if err := o.store.AppendBroadcastResult(bctx, req.taskID, res); err != nil {
			o.log.Warn().Err(err).Str("task", req.taskID).Str("service", svc).Msg("failed to record broadcast result")
		}
	}

	a, ok := o.adapters[svc]
	if !ok {
		record("no adapter for service")
		return ""
	}

	execCtx, cancel := context.WithTimeout(ctx, req.decision.Timeout)
	defer cancel()

	ch, err := a.Execute(execCtx, adapter.Request{
		Prompt:  req.prompt,
		Files:   req.files,
		Timeout: req.decision.Timeout,
	})
	if err != nil {
		record(err.Error())
		return ""
	}

	for c := range ch {
		if c.Err != nil {
			record(c.Err.Error())
			return ""
		}
		if c.Done {
			break
		}
		buf.WriteString(c.Text)
		chunks++
		select {
		case out <- Chunk{Type: ChunkText, Service: svc, Text: c.Text, Timestamp: time.Now()}:
		case <-ctx.Done():
			record("cancelled")
			return ""
		}
	}

	record("")
	select {
	case out <- Chunk{Type: ChunkDone, Service: svc, Done: true, Timestamp: time.Now()}:
	case <-ctx.Done():
	}
	return buf.String()
}
