package router

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidehq/oxide/internal/adapter"
	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/internal/fault"
	"github.com/oxidehq/oxide/pkg/types"
)

// fakeAdapter is a controllable Adapter for routing tests.
type fakeAdapter struct {
	id          string
	healthy     atomic.Bool
	healthCalls atomic.Int64
}

func newFakeAdapter(id string, healthy bool) *fakeAdapter {
	a := &fakeAdapter{id: id}
	a.healthy.Store(healthy)
	return a
}

func (a *fakeAdapter) ID() string { return a.id }
func (a *fakeAdapter) Describe() adapter.Info {
	return adapter.Info{ID: a.id, Kind: config.KindOllama}
}
func (a *fakeAdapter) Execute(ctx context.Context, req adapter.Request) (<-chan adapter.Chunk, error) {
	ch := make(chan adapter.Chunk, 1)
	ch <- adapter.Chunk{Done: true}
	close(ch)
	return ch, nil
}
func (a *fakeAdapter) Health(ctx context.Context) error {
	a.healthCalls.Add(1)
	if a.healthy.Load() {
		return nil
	}
	return fault.Unavailable(a.id, "down")
}
func (a *fakeAdapter) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Services = []config.ServiceConfig{
		{ID: "svc_a", Kind: config.KindOllama, Enabled: true, BaseURL: "http://a"},
		{ID: "svc_b", Kind: config.KindOllama, Enabled: true, BaseURL: "http://b"},
		{ID: "svc_c", Kind: config.KindOllama, Enabled: true, BaseURL: "http://c"},
	}
	cfg.Routing = map[string]config.RoutingRule{
		"bug_search": {Primary: "svc_a", Fallbacks: []string{"svc_b", "svc_c"}, TimeoutSec: 45},
	}
	cfg.Execution.DefaultTimeoutSec = 120
	return cfg
}

func adapterMap(adapters ...*fakeAdapter) map[string]adapter.Adapter {
	m := make(map[string]adapter.Adapter, len(adapters))
	for _, a := range adapters {
		m[a.id] = a
	}
	return m
}

func TestRoute(t *testing.T) {
	ctx := context.Background()
	info := TaskInfo{Category: CategoryBugSearch, Recommended: []string{"svc_a", "svc_b"}}

	t.Run("healthy primary wins", func(t *testing.T) {
		r := New(testConfig(), adapterMap(
			newFakeAdapter("svc_a", true),
			newFakeAdapter("svc_b", true),
			newFakeAdapter("svc_c", true),
		))
		d, err := r.Route(ctx, info, Options{})
		require.NoError(t, err)
		assert.Equal(t, "svc_a", d.Primary)
		assert.Equal(t, []string{"svc_b", "svc_c"}, d.Fallbacks)
		assert.Equal(t, types.ModeSingle, d.Mode)
		assert.Equal(t, 45*time.Second, d.Timeout, "rule timeout overrides global default")
	})

	t.Run("unavailable primary walks to first healthy fallback", func(t *testing.T) {
		r := New(testConfig(), adapterMap(
			newFakeAdapter("svc_a", false),
			newFakeAdapter("svc_b", true),
			newFakeAdapter("svc_c", true),
		))
		d, err := r.Route(ctx, info, Options{})
		require.NoError(t, err)
		assert.Equal(t, "svc_b", d.Primary)
		assert.Equal(t, []string{"svc_c"}, d.Fallbacks)
	})

	t.Run("all down yields NoServiceAvailable", func(t *testing.T) {
		r := New(testConfig(), adapterMap(
			newFakeAdapter("svc_a", false),
			newFakeAdapter("svc_b", false),
			newFakeAdapter("svc_c", false),
		))
		_, err := r.Route(ctx, info, Options{})
		require.Error(t, err)
		assert.Equal(t, fault.KindNoServiceAvailable, fault.KindOf(err))
	})

	t.Run("probes are fresh per request", func(t *testing.T) {
		a := newFakeAdapter("svc_a", false)
		r := New(testConfig(), adapterMap(a,
			newFakeAdapter("svc_b", true),
			newFakeAdapter("svc_c", true),
		))

		d, err := r.Route(ctx, info, Options{})
		require.NoError(t, err)
		assert.Equal(t, "svc_b", d.Primary)

		// Backend recovers; the next request must see it immediately.
		a.healthy.Store(true)
		d, err = r.Route(ctx, info, Options{})
		require.NoError(t, err)
		assert.Equal(t, "svc_a", d.Primary)
	})

	t.Run("disabled services are never selected", func(t *testing.T) {
		cfg := testConfig()
		cfg.Services[0].Enabled = false
		r := New(cfg, adapterMap(
			newFakeAdapter("svc_a", true),
			newFakeAdapter("svc_b", true),
			newFakeAdapter("svc_c", true),
		))
		d, err := r.Route(ctx, info, Options{})
		require.NoError(t, err)
		assert.Equal(t, "svc_b", d.Primary)
		assert.NotContains(t, d.Fallbacks, "svc_a")
	})

	t.Run("missing rule falls back to recommendations", func(t *testing.T) {
		r := New(testConfig(), adapterMap(
			newFakeAdapter("svc_a", true),
			newFakeAdapter("svc_b", true),
		))
		d, err := r.Route(ctx, TaskInfo{
			Category:    CategoryGeneral,
			Recommended: []string{"svc_b", "svc_a"},
		}, Options{})
		require.NoError(t, err)
		assert.Equal(t, "svc_b", d.Primary)
		assert.Equal(t, 120*time.Second, d.Timeout)
	})

	t.Run("parallel hint with multiple files selects parallel mode", func(t *testing.T) {
		r := New(testConfig(), adapterMap(
			newFakeAdapter("svc_a", true),
			newFakeAdapter("svc_b", true),
			newFakeAdapter("svc_c", false),
		))
		d, err := r.Route(ctx, TaskInfo{
			Category:    CategoryBugSearch,
			UseParallel: true,
		}, Options{FilesAttached: 6})
		require.NoError(t, err)
		assert.Equal(t, types.ModeParallel, d.Mode)
		assert.Equal(t, []string{"svc_a", "svc_b"}, d.Available, "only live services shard work")
	})

	t.Run("parallel hint with a single file stays single", func(t *testing.T) {
		r := New(testConfig(), adapterMap(newFakeAdapter("svc_a", true), newFakeAdapter("svc_b", true), newFakeAdapter("svc_c", true)))
		d, err := r.Route(ctx, TaskInfo{Category: CategoryBugSearch, UseParallel: true}, Options{FilesAttached: 1})
		require.NoError(t, err)
		assert.Equal(t, types.ModeSingle, d.Mode)
	})

	t.Run("rule parallel thresholds are per category", func(t *testing.T) {
		cfg := testConfig()
		cfg.Routing = map[string]config.RoutingRule{
			"code_review": {Primary: "svc_a", Fallbacks: []string{"svc_b"}, ParallelThreshold: 2},
			"refactor":    {Primary: "svc_a", Fallbacks: []string{"svc_b"}, ParallelThreshold: 8},
		}
		r := New(cfg, adapterMap(
			newFakeAdapter("svc_a", true),
			newFakeAdapter("svc_b", true),
			newFakeAdapter("svc_c", true),
		))

		// Same five files, two categories, opposite verdicts.
		d, err := r.Route(ctx, TaskInfo{Category: CategoryCodeReview}, Options{FilesAttached: 5})
		require.NoError(t, err)
		assert.Equal(t, types.ModeParallel, d.Mode, "5 files clears a threshold of 2")

		d, err = r.Route(ctx, TaskInfo{Category: CategoryRefactor, UseParallel: true}, Options{FilesAttached: 5})
		require.NoError(t, err)
		assert.Equal(t, types.ModeSingle, d.Mode, "rule threshold of 8 overrides the classifier hint")
	})

	t.Run("broadcast-all carries every available service", func(t *testing.T) {
		r := New(testConfig(), adapterMap(
			newFakeAdapter("svc_a", true),
			newFakeAdapter("svc_b", false),
			newFakeAdapter("svc_c", true),
		))
		d, err := r.Route(ctx, info, Options{BroadcastAll: true})
		require.NoError(t, err)
		assert.Equal(t, types.ModeBroadcast, d.Mode)
		assert.Equal(t, []string{"svc_a", "svc_c"}, d.Available)
	})
}

func TestDirect(t *testing.T) {
	r := New(testConfig(), adapterMap(newFakeAdapter("svc_a", false)))

	t.Run("no probe gating for an explicit service", func(t *testing.T) {
		d, err := r.Direct("svc_a", CategoryGeneral, Options{})
		require.NoError(t, err)
		assert.Equal(t, "svc_a", d.Primary)
		assert.Empty(t, d.Fallbacks)
	})

	t.Run("unknown service is a config error", func(t *testing.T) {
		_, err := r.Direct("nope", CategoryGeneral, Options{})
		require.Error(t, err)
		assert.Equal(t, fault.KindConfig, fault.KindOf(err))
	})

	t.Run("disabled service is a config error", func(t *testing.T) {
		cfg := testConfig()
		cfg.Services[0].Enabled = false
		r := New(cfg, adapterMap(newFakeAdapter("svc_a", true)))
		_, err := r.Direct("svc_a", CategoryGeneral, Options{})
		require.Error(t, err)
		assert.Equal(t, fault.KindConfig, fault.KindOf(err))
	})
}

func TestProberStatus(t *testing.T) {
	p := NewProber(adapterMap(
		newFakeAdapter("svc_a", true),
		newFakeAdapter("svc_b", false),
	))
	status := p.Status(context.Background())
	assert.Equal(t, map[string]bool{"svc_a": true, "svc_b": false}, status)
}
