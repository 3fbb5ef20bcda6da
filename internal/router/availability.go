package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oxidehq/oxide/internal/adapter"
	"github.com/oxidehq/oxide/internal/fault"
)

// probeBudget bounds one availability probe. Matches the adapters'
// internal health window so a slow backend fails here, not downstream.
const probeBudget = 5 * time.Second

// Prober answers "is this service alive right now". Verdicts are never
// cached: routing demands fresh probes so a backend that just came up is
// picked immediately.
type Prober struct {
	adapters map[string]adapter.Adapter
}

// NewProber wraps the adapter set.
func NewProber(adapters map[string]adapter.Adapter) *Prober {
	return &Prober{adapters: adapters}
}

// IDs lists the known service ids in stable order.
func (p *Prober) IDs() []string {
	ids := make([]string, 0, len(p.adapters))
	for id := range p.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Probe runs one live health check.
func (p *Prober) Probe(ctx context.Context, id string) error {
	a, ok := p.adapters[id]
	if !ok {
		return fault.Unavailable(id, "no adapter for service")
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeBudget)
	defer cancel()
	return a.Health(probeCtx)
}

// Filter probes ids concurrently and returns the available subset in the
// original order.
func (p *Prober) Filter(ctx context.Context, ids []string) []string {
	alive := make([]bool, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			alive[i] = p.Probe(ctx, id) == nil
		}(i, id)
	}
	wg.Wait()

	var out []string
	for i, id := range ids {
		if alive[i] {
			out = append(out, id)
		}
	}
	return out
}

// Status probes every known service concurrently. Used by the status
// command and peer advertisement.
func (p *Prober) Status(ctx context.Context) map[string]bool {
	ids := p.IDs()
	status := make(map[string]bool, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok := p.Probe(ctx, id) == nil
			mu.Lock()
			status[id] = ok
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return status
}
