package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oxidehq/oxide/internal/adapter"
	"github.com/oxidehq/oxide/internal/fault"
)

// shard is one service's slice of the attached files in parallel mode.
type shard struct {
	service string
	files   []string
	bytes   int64
}

// runParallel splits the attached files across the available services, runs
// every shard concurrently under a bounded worker pool, and streams one
// aggregated response. A failed shard is reported inline inside its section
// rather than failing the whole task.
func (o *Orchestrator) runParallel(ctx context.Context, out chan<- Chunk, req execRequest) {
	shards := assignShards(req.files, req.decision.Available)
	if len(shards) == 0 {
		o.runSingle(ctx, out, req)
		return
	}

	workers := req.cfg.Execution.MaxParallelWorkers
	if workers < 1 {
		workers = 1
	}

	results := make([]string, len(shards))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := range shards {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = o.runShard(ctx, shards[idx], req)
		}(i)
	}
	wg.Wait()

	if ctx.Err() != nil {
		o.abortTask(out, req, "cancelled", "")
		return
	}

	var agg strings.Builder
	for i, sh := range shards {
		fmt.Fprintf(&agg, "## Results from %s\n", sh.service)
		agg.WriteString(results[i])
		if i < len(shards)-1 {
			agg.WriteString("\n\n")
		}
	}
	text := agg.String()

	select {
	case out <- Chunk{Type: ChunkText, Text: text, Timestamp: time.Now()}:
	case <-ctx.Done():
		o.abortTask(out, req, "cancelled", "")
		return
	}
	o.completeTask(out, req, req.decision.Primary, text)
}

// runShard executes one shard to completion, returning either the shard's
// text or an inline failure note.
func (o *Orchestrator) runShard(ctx context.Context, sh shard, req execRequest) string {
	a, ok := o.adapters[sh.service]
	if !ok {
		return fmt.Sprintf("(shard failed: no adapter for %s)", sh.service)
	}

	execCtx, cancel := context.WithTimeout(ctx, req.decision.Timeout)
	defer cancel()

	ch, err := a.Execute(execCtx, adapter.Request{
		Prompt:  req.prompt,
		Files:   sh.files,
		Timeout: req.decision.Timeout,
	})
	if err != nil {
		o.log.Warn().Str("task", req.taskID).Str("service", sh.service).Err(err).Msg("parallel shard failed to start")
		return fmt.Sprintf("(shard failed: %v)", err)
	}

	var buf strings.Builder
	for c := range ch {
		if c.Err != nil {
			o.log.Warn().Str("task", req.taskID).Str("service", sh.service).
				Str("kind", string(fault.KindOf(c.Err))).Err(c.Err).Msg("parallel shard failed")
			return fmt.Sprintf("(shard failed: %v)", c.Err)
		}
		if c.Done {
			break
		}
		buf.WriteString(c.Text)
	}
	return buf.String()
}

// assignShards distributes files across services balancing total bytes:
// files sorted by size descending, each assigned to the currently lightest
// shard, ties broken by lowest shard index. Services that end up with no
// files are dropped.
func assignShards(files []string, services []string) []shard {
	if len(files) < 2 || len(services) == 0 {
		return nil
	}

	type sized struct {
		path string
		size int64
	}
	items := make([]sized, len(files))
	for i, f := range files {
		items[i] = sized{path: f}
		if st, err := os.Stat(f); err == nil {
			items[i].size = st.Size()
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].size > items[j].size })

	shards := make([]shard, len(services))
	for i, svc := range services {
		shards[i].service = svc
	}
	for _, it := range items {
		lightest := 0
		for i := 1; i < len(shards); i++ {
			if shards[i].bytes < shards[lightest].bytes {
				lightest = i
			}
		}
		shards[lightest].files = append(shards[lightest].files, it.path)
		shards[lightest].bytes += it.size
	}

	var nonEmpty []shard
	for _, sh := range shards {
		if len(sh.files) > 0 {
			nonEmpty = append(nonEmpty, sh)
		}
	}
	return nonEmpty
}
