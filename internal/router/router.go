package router

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/oxidehq/oxide/internal/adapter"
	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/internal/fault"
	"github.com/oxidehq/oxide/internal/logging"
	"github.com/oxidehq/oxide/pkg/types"
)

// Decision is the router's verdict for one request: where to run it, in
// what order to fall back, how, and for how long. Produced fresh per
// request; every id it references exists and is enabled.
type Decision struct {
	Primary   string
	Fallbacks []string
	Mode      types.ExecutionMode
	Timeout   time.Duration
	// Available carries the probe-confirmed service set for parallel and
	// broadcast modes, in rule order.
	Available []string
}

// Services returns the full candidate list: primary first, then fallbacks.
func (d Decision) Services() []string {
	return append([]string{d.Primary}, d.Fallbacks...)
}

// Options are the orchestrator's per-request routing demands.
type Options struct {
	// BroadcastAll forces the broadcast-all mode over routing.
	BroadcastAll bool
	// FilesAttached is the validated attachment count; parallel mode needs
	// more than one file to be worth sharding.
	FilesAttached int
	// TimeoutOverride replaces the rule timeout when positive.
	TimeoutOverride time.Duration
}

// Router resolves a task category to a decision under live availability.
// It holds an immutable snapshot of service descriptors and routing rules;
// hot reloads swap in a whole new Router.
type Router struct {
	services map[string]config.ServiceConfig
	rules    map[string]config.RoutingRule
	prober   *Prober
	timeout  time.Duration
	log      zerolog.Logger
}

// New builds a router over a config snapshot and the adapter set.
func New(cfg *config.Config, adapters map[string]adapter.Adapter) *Router {
	services := make(map[string]config.ServiceConfig, len(cfg.Services))
	for _, svc := range cfg.Services {
		services[svc.ID] = svc
	}
	return &Router{
		services: services,
		rules:    cfg.Routing,
		prober:   NewProber(adapters),
		timeout:  time.Duration(cfg.Execution.DefaultTimeoutSec) * time.Second,
		log:      logging.Component("router"),
	}
}

// Route produces the decision for a classified request. Availability probes
// are fresh per call: a service that was down a minute ago gets another
// chance now.
func (r *Router) Route(ctx context.Context, info TaskInfo, opts Options) (Decision, error) {
	if opts.BroadcastAll {
		return r.routeBroadcast(ctx, info, opts)
	}

	primary, fallbacks := r.candidates(info)
	if primary == "" {
		return Decision{}, fault.NoServiceAvailable(string(info.Category))
	}

	mode := types.ModeSingle
	if r.parallelWanted(info, opts) {
		mode = types.ModeParallel
	}

	timeout := r.timeoutFor(info.Category, opts)

	if mode == types.ModeParallel {
		// Parallel mode needs every live candidate, not just the first.
		available := r.prober.Filter(ctx, r.enabledOnly(append([]string{primary}, fallbacks...)))
		if len(available) == 0 {
			return Decision{}, fault.NoServiceAvailable(string(info.Category))
		}
		return Decision{
			Primary:   available[0],
			Fallbacks: available[1:],
			Mode:      types.ModeParallel,
			Timeout:   timeout,
			Available: available,
		}, nil
	}

	// Single mode: first available candidate wins; the rest stay as the
	// fallback walk for the orchestrator.
	ordered := r.enabledOnly(append([]string{primary}, fallbacks...))
	for i, id := range ordered {
		if err := r.prober.Probe(ctx, id); err != nil {
			r.log.Debug().Str("service", id).Err(err).Msg("candidate unavailable")
			continue
		}
		return Decision{
			Primary:   id,
			Fallbacks: ordered[i+1:],
			Mode:      types.ModeSingle,
			Timeout:   timeout,
		}, nil
	}
	return Decision{}, fault.NoServiceAvailable(string(info.Category))
}

// Direct builds a single-target decision for an explicitly preferred
// service. No probe gating: the caller asked for this service by name, so
// it gets attempted even if a probe would have failed. The service must
// still exist and be enabled.
func (r *Router) Direct(serviceID string, category Category, opts Options) (Decision, error) {
	svc, ok := r.services[serviceID]
	if !ok {
		return Decision{}, fault.Config("preferred service %q is not configured", serviceID)
	}
	if !svc.Enabled {
		return Decision{}, fault.Config("preferred service %q is disabled", serviceID)
	}
	return Decision{
		Primary: serviceID,
		Mode:    types.ModeSingle,
		Timeout: r.timeoutFor(category, opts),
	}, nil
}

// Availability probes every registered service and reports which are live.
func (r *Router) Availability(ctx context.Context) map[string]bool {
	return r.prober.Status(ctx)
}

// routeBroadcast fans the decision out to every currently-available service.
func (r *Router) routeBroadcast(ctx context.Context, info TaskInfo, opts Options) (Decision, error) {
	var all []string
	for _, id := range r.prober.IDs() {
		if svc, ok := r.services[id]; ok && svc.Enabled {
			all = append(all, id)
		}
	}
	available := r.prober.Filter(ctx, all)
	if len(available) == 0 {
		return Decision{}, fault.NoServiceAvailable(string(info.Category))
	}
	return Decision{
		Primary:   available[0],
		Fallbacks: available[1:],
		Mode:      types.ModeBroadcast,
		Timeout:   r.timeoutFor(info.Category, opts),
		Available: available,
	}, nil
}

// parallelWanted decides whether to shard across services. A per-category
// rule threshold takes precedence over the classifier's global hint; either
// way sharding needs at least two files to split.
func (r *Router) parallelWanted(info TaskInfo, opts Options) bool {
	if opts.FilesAttached < 2 {
		return false
	}
	if rule, ok := r.rules[string(info.Category)]; ok && rule.ParallelThreshold > 0 {
		return opts.FilesAttached > rule.ParallelThreshold
	}
	return info.UseParallel
}

// candidates resolves the configured rule for a category, falling back to
// the classifier's recommendation list treated as {primary, fallbacks}.
func (r *Router) candidates(info TaskInfo) (primary string, fallbacks []string) {
	if rule, ok := r.rules[string(info.Category)]; ok && rule.Primary != "" {
		return rule.Primary, append([]string(nil), rule.Fallbacks...)
	}
	recommended := r.enabledOnly(info.Recommended)
	if len(recommended) == 0 {
		return "", nil
	}
	return recommended[0], recommended[1:]
}

// enabledOnly filters ids down to configured, enabled services, preserving
// order and dropping duplicates.
func (r *Router) enabledOnly(ids []string) []string {
	var out []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if svc, ok := r.services[id]; ok && svc.Enabled {
			out = append(out, id)
		}
	}
	return out
}

// timeoutFor picks the decision timeout: explicit override, rule override,
// else the global default.
func (r *Router) timeoutFor(category Category, opts Options) time.Duration {
	if opts.TimeoutOverride > 0 {
		return opts.TimeoutOverride
	}
	if rule, ok := r.rules[string(category)]; ok && rule.TimeoutSec > 0 {
		return time.Duration(rule.TimeoutSec) * time.Second
	}
	if r.timeout > 0 {
		return r.timeout
	}
	return 120 * time.Second
}
