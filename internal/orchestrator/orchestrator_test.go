package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidehq/oxide/internal/adapter"
	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/internal/cost"
	"github.com/oxidehq/oxide/internal/data"
	"github.com/oxidehq/oxide/internal/fault"
	"github.com/oxidehq/oxide/internal/memory"
	"github.com/oxidehq/oxide/internal/router"
	"github.com/oxidehq/oxide/internal/sandbox"
	"github.com/oxidehq/oxide/pkg/types"
)

// mockService is the scriptable adapter used across these tests.
type mockService struct {
	id        string
	chunks    []string
	execErr   error // returned from Execute itself
	streamErr error // emitted as the terminal chunk after the scripted text
	failFirst int   // number of leading Execute calls that fail with streamErr
	block     bool  // stream the scripted chunks, then hang until cancelled
	unhealthy bool

	mu         sync.Mutex
	calls      int
	lastFiles  []string
	lastPrompt string
}

func (m *mockService) ID() string { return m.id }
func (m *mockService) Describe() adapter.Info {
	return adapter.Info{ID: m.id, Kind: config.KindOllama}
}
func (m *mockService) Health(ctx context.Context) error {
	if m.unhealthy {
		return fault.Unavailable(m.id, "down")
	}
	return nil
}
func (m *mockService) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func (m *mockService) Execute(ctx context.Context, req adapter.Request) (<-chan adapter.Chunk, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.lastFiles = append([]string(nil), req.Files...)
	m.lastPrompt = req.Prompt
	m.mu.Unlock()

	if m.execErr != nil {
		return nil, m.execErr
	}

	ch := make(chan adapter.Chunk, len(m.chunks)+2)
	go func() {
		defer close(ch)
		if m.failFirst > 0 && call <= m.failFirst {
			ch <- adapter.Chunk{Err: m.streamErr}
			return
		}
		for _, text := range m.chunks {
			select {
			case ch <- adapter.Chunk{Text: text}:
			case <-ctx.Done():
				ch <- adapter.Chunk{Err: fault.Cancelled()}
				return
			}
		}
		if m.block {
			<-ctx.Done()
			ch <- adapter.Chunk{Err: fault.Cancelled()}
			return
		}
		if m.streamErr != nil {
			ch <- adapter.Chunk{Err: m.streamErr}
			return
		}
		ch <- adapter.Chunk{Done: true}
	}()
	return ch, nil
}

func (m *mockService) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockService) receivedFiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lastFiles...)
}

func testOrchConfig(services ...string) *config.Config {
	cfg := config.Default()
	cfg.Services = nil
	for _, id := range services {
		cfg.Services = append(cfg.Services, config.ServiceConfig{
			ID: id, Kind: config.KindOllama, Enabled: true, BaseURL: "http://" + id,
		})
	}
	cfg.Routing = map[string]config.RoutingRule{}
	cfg.Execution.RetryEnabled = false
	cfg.Execution.RetryDelaySec = 0
	cfg.Execution.DefaultTimeoutSec = 30
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, mocks ...*mockService) (*Orchestrator, *data.Store, string) {
	t.Helper()
	tmp := t.TempDir()

	store, err := data.New(filepath.Join(tmp, "oxide.db"), filepath.Join(tmp, "oxide.key"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	adapters := make(map[string]adapter.Adapter, len(mocks))
	for _, m := range mocks {
		adapters[m.id] = m
	}

	o := New(Deps{
		Config:     cfg,
		Adapters:   adapters,
		Store:      store,
		Sandbox:    sandbox.New([]string{tmp}),
		Router:     router.New(cfg, adapters),
		Classifier: router.NewClassifier(cfg.Execution.ParallelFileThreshold, 10),
		Memory:     memory.New(store),
		Costs:      cost.New(store),
	})
	return o, store, tmp
}

// drain collects the full stream with a deadline so a stuck orchestrator
// fails the test instead of hanging it.
func drain(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var got []Chunk
	deadline := time.After(10 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, c)
		case <-deadline:
			t.Fatal("stream did not terminate")
		}
	}
}

func textOf(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		if c.Type == ChunkText {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func TestExecuteTaskHappyPath(t *testing.T) {
	svc := &mockService{id: "ollama", chunks: []string{"Hel", "lo"}}
	o, store, _ := newHarness(t, testOrchConfig("ollama"), svc)
	ctx := context.Background()

	ch, err := o.ExecuteTask(ctx, "Say hi", nil, Preferences{ConversationID: "conv_hi", TaskID: "task_hi"})
	require.NoError(t, err)
	chunks := drain(t, ch)

	assert.Equal(t, "Hello", textOf(chunks))
	last := chunks[len(chunks)-1]
	assert.Equal(t, ChunkDone, last.Type)
	assert.True(t, last.Done)

	rec, err := store.GetTask(ctx, "task_hi")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.Equal(t, "Hello", rec.Result)
	assert.Equal(t, "ollama", rec.Service)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.CompletedAt)

	// "Say hi" is 6 characters, one estimated input token.
	totals, err := store.TokenTotals(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.InputTokens)
	assert.Equal(t, int64(1), totals.OutputTokens)

	conv, err := store.GetConversation(ctx, "conv_hi")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, types.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "Say hi", conv.Messages[0].Content)
	assert.Equal(t, types.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "Hello", conv.Messages[1].Content)

	assert.Equal(t, 0, o.ActiveTasks())
	assert.Equal(t, 1, o.TotalTasks())
}

func TestExecuteTaskFallbackWalk(t *testing.T) {
	primary := &mockService{id: "svc_a", execErr: fault.Unavailable("svc_a", "connection refused")}
	backup := &mockService{id: "svc_b", chunks: []string{"fixed"}}

	cfg := testOrchConfig("svc_a", "svc_b")
	cfg.Routing["bug_search"] = config.RoutingRule{Primary: "svc_a", Fallbacks: []string{"svc_b"}}

	o, store, _ := newHarness(t, cfg, primary, backup)
	ctx := context.Background()

	ch, err := o.ExecuteTask(ctx, "find the bug in this handler", nil, Preferences{TaskID: "task_fb"})
	require.NoError(t, err)
	chunks := drain(t, ch)

	assert.Equal(t, "fixed", textOf(chunks))
	for _, c := range chunks {
		if c.Type == ChunkText {
			assert.Equal(t, "svc_b", c.Service)
		}
	}

	rec, err := store.GetTask(ctx, "task_fb")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 1, backup.callCount())
}

func TestExecuteTaskRetriesTransientInPlace(t *testing.T) {
	svc := &mockService{
		id:        "svc_a",
		chunks:    []string{"ok"},
		streamErr: fault.Protocol("svc_a", "malformed frame"),
		failFirst: 2,
	}

	cfg := testOrchConfig("svc_a")
	cfg.Execution.RetryEnabled = true
	cfg.Execution.MaxRetries = 3
	cfg.Execution.RetryDelaySec = 0

	o, store, _ := newHarness(t, cfg, svc)
	ctx := context.Background()

	ch, err := o.ExecuteTask(ctx, "hello there", nil, Preferences{TaskID: "task_retry", PreferredService: "svc_a"})
	require.NoError(t, err)
	chunks := drain(t, ch)

	assert.Equal(t, "ok", textOf(chunks))
	assert.Equal(t, 3, svc.callCount(), "two protocol failures then success")

	rec, err := store.GetTask(ctx, "task_retry")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, rec.Status)
}

func TestExecuteTaskMidStreamFailureKeepsPartial(t *testing.T) {
	svc := &mockService{
		id:        "svc_a",
		chunks:    []string{"partial answer "},
		streamErr: fault.Protocol("svc_a", "stream truncated"),
	}
	backup := &mockService{id: "svc_b", chunks: []string{"never used"}}

	cfg := testOrchConfig("svc_a", "svc_b")
	cfg.Routing["quick_query"] = config.RoutingRule{Primary: "svc_a", Fallbacks: []string{"svc_b"}}

	o, store, _ := newHarness(t, cfg, svc, backup)
	ctx := context.Background()

	ch, err := o.ExecuteTask(ctx, "tell me something long and interesting please", nil, Preferences{TaskID: "task_mid"})
	require.NoError(t, err)
	chunks := drain(t, ch)

	last := chunks[len(chunks)-1]
	assert.Equal(t, ChunkError, last.Type)
	require.Error(t, last.Err)

	rec, err := store.GetTask(ctx, "task_mid")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, "partial answer ", rec.Result, "partial output preserved on the record")
	assert.Equal(t, 0, backup.callCount(), "no fallback once output reached the caller")
}

func TestExecuteTaskParallelShards(t *testing.T) {
	svcA := &mockService{id: "svc_a", chunks: []string{"alpha findings"}}
	svcB := &mockService{id: "svc_b", chunks: []string{"beta findings"}}

	cfg := testOrchConfig("svc_a", "svc_b")
	cfg.Routing["code_review"] = config.RoutingRule{Primary: "svc_a", Fallbacks: []string{"svc_b"}}
	cfg.Execution.ParallelFileThreshold = 3

	o, store, tmp := newHarness(t, cfg, svcA, svcB)
	ctx := context.Background()

	var files []string
	for _, name := range []string{"a.go", "b.go", "c.go", "d.go", "e.go", "f.go"} {
		p := filepath.Join(tmp, name)
		require.NoError(t, os.WriteFile(p, []byte("0123456789"), 0o644))
		files = append(files, p)
	}

	ch, err := o.ExecuteTask(ctx, "review these files for style problems", files, Preferences{TaskID: "task_par"})
	require.NoError(t, err)
	chunks := drain(t, ch)

	rec, err := store.GetTask(ctx, "task_par")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.Equal(t, types.ModeParallel, rec.Mode)

	// Six equal files over two services balance 3 and 3.
	assert.Len(t, svcA.receivedFiles(), 3)
	assert.Len(t, svcB.receivedFiles(), 3)

	text := textOf(chunks)
	idxA := strings.Index(text, "## Results from svc_a")
	idxB := strings.Index(text, "## Results from svc_b")
	require.GreaterOrEqual(t, idxA, 0)
	require.Greater(t, idxB, idxA, "sections follow decision service order")
	assert.Contains(t, text, "alpha findings")
	assert.Contains(t, text, "beta findings")
}

func TestExecuteTaskBroadcast(t *testing.T) {
	mocks := []*mockService{
		{id: "svc_a", chunks: []string{"answer from a"}},
		{id: "svc_b", chunks: []string{"answer from b"}},
		{id: "svc_c", chunks: []string{"answer from c"}},
	}

	cfg := testOrchConfig("svc_a", "svc_b", "svc_c")
	o, store, _ := newHarness(t, cfg, mocks[0], mocks[1], mocks[2])
	ctx := context.Background()

	ch, err := o.ExecuteTask(ctx, "compare your answers", nil, Preferences{TaskID: "task_bc", BroadcastAll: true})
	require.NoError(t, err)
	chunks := drain(t, ch)

	perService := map[string]string{}
	doneServices := map[string]bool{}
	for _, c := range chunks {
		switch c.Type {
		case ChunkText:
			require.NotEmpty(t, c.Service, "broadcast text chunks are tagged")
			perService[c.Service] += c.Text
		case ChunkDone:
			assert.True(t, c.Done, "every done chunk carries done=true")
			if c.Service != "" {
				doneServices[c.Service] = true
			}
		}
	}
	assert.Equal(t, "answer from a", perService["svc_a"])
	assert.Equal(t, "answer from b", perService["svc_b"])
	assert.Equal(t, "answer from c", perService["svc_c"])
	assert.Len(t, doneServices, 3, "each service closes its sub-stream")

	rec, err := store.GetTask(ctx, "task_bc")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.Equal(t, types.ModeBroadcast, rec.Mode)
	require.Len(t, rec.BroadcastResults, 3)
	for _, res := range rec.BroadcastResults {
		assert.Empty(t, res.Error)
		assert.Positive(t, res.Bytes)
	}
}

func TestExecuteTaskCancellation(t *testing.T) {
	svc := &mockService{id: "svc_a", chunks: []string{"Once upon a time"}, block: true}
	o, store, _ := newHarness(t, testOrchConfig("svc_a"), svc)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := o.ExecuteTask(ctx, "tell me a very long story", nil, Preferences{TaskID: "task_cancel", PreferredService: "svc_a"})
	require.NoError(t, err)

	// Read the first text chunk, then cancel mid-stream.
	select {
	case c := <-ch:
		assert.Equal(t, ChunkText, c.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no chunk before cancel")
	}
	cancel()
	chunks := drain(t, ch)

	require.NotEmpty(t, chunks)
	assert.Equal(t, ChunkError, chunks[len(chunks)-1].Type)

	rec, err := store.GetTask(context.Background(), "task_cancel")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, "cancelled", rec.Error)
	assert.LessOrEqual(t, len(rec.Result), 500)
}

func TestExecuteTaskPreflightErrors(t *testing.T) {
	t.Run("unknown preferred service", func(t *testing.T) {
		o, store, _ := newHarness(t, testOrchConfig("svc_a"), &mockService{id: "svc_a"})

		_, err := o.ExecuteTask(context.Background(), "hi", nil, Preferences{TaskID: "task_cfg", PreferredService: "nope"})
		require.Error(t, err)
		assert.Equal(t, fault.KindConfig, fault.KindOf(err))

		rec, err := store.GetTask(context.Background(), "task_cfg")
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, rec.Status)
	})

	t.Run("all services down", func(t *testing.T) {
		o, store, _ := newHarness(t, testOrchConfig("ollama"), &mockService{id: "ollama", unhealthy: true})

		_, err := o.ExecuteTask(context.Background(), "hi", nil, Preferences{TaskID: "task_down"})
		require.Error(t, err)
		assert.Equal(t, fault.KindNoServiceAvailable, fault.KindOf(err))

		rec, err := store.GetTask(context.Background(), "task_down")
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, rec.Status)
	})
}

func TestExecuteTaskRejectedFileWarns(t *testing.T) {
	svc := &mockService{id: "svc_a", chunks: []string{"done"}}
	o, _, _ := newHarness(t, testOrchConfig("svc_a"), svc)

	ch, err := o.ExecuteTask(context.Background(), "summarize", []string{"/etc/passwd"},
		Preferences{TaskID: "task_warn", PreferredService: "svc_a"})
	require.NoError(t, err)
	chunks := drain(t, ch)

	var warned bool
	for _, c := range chunks {
		if c.Type == ChunkWarning && strings.Contains(c.Text, "/etc/passwd") {
			warned = true
		}
	}
	assert.True(t, warned, "rejected file surfaces as a warning chunk")
	assert.Empty(t, svc.receivedFiles(), "rejected file never reaches the adapter")
}

func TestMemoryEnrichment(t *testing.T) {
	svc := &mockService{id: "svc_a", chunks: []string{"based on earlier context"}}
	o, store, _ := newHarness(t, testOrchConfig("svc_a"), svc)
	ctx := context.Background()

	// Seed a prior conversation sharing vocabulary with the next prompt.
	mem := memory.New(store)
	_, err := mem.Add(ctx, "conv_prior", types.RoleUser, "how do I configure the websocket server port", nil)
	require.NoError(t, err)
	_, err = mem.Add(ctx, "conv_prior", types.RoleAssistant, "set port 8080 in the config", nil)
	require.NoError(t, err)

	ch, err := o.ExecuteTask(ctx, "how do I configure the websocket server timeout", nil,
		Preferences{TaskID: "task_mem", ConversationID: "conv_new", PreferredService: "svc_a"})
	require.NoError(t, err)
	drain(t, ch)

	svc.mu.Lock()
	prompt := svc.lastPrompt
	svc.mu.Unlock()
	assert.Contains(t, prompt, "Previous relevant conversation history:")
	assert.Contains(t, prompt, "Current task:")
	assert.Contains(t, prompt, "how do I configure the websocket server timeout")
}

func TestApplyConfigSwapsRouting(t *testing.T) {
	svcA := &mockService{id: "svc_a", chunks: []string{"from a"}}
	svcB := &mockService{id: "svc_b", chunks: []string{"from b"}}

	cfg := testOrchConfig("svc_a", "svc_b")
	cfg.Routing["quick_query"] = config.RoutingRule{Primary: "svc_a"}
	o, _, _ := newHarness(t, cfg, svcA, svcB)
	ctx := context.Background()

	ch, err := o.ExecuteTask(ctx, "hi there", nil, Preferences{})
	require.NoError(t, err)
	assert.Equal(t, "from a", textOf(drain(t, ch)))

	next := testOrchConfig("svc_a", "svc_b")
	next.Routing["quick_query"] = config.RoutingRule{Primary: "svc_b"}
	o.ApplyConfig(next)

	ch, err = o.ExecuteTask(ctx, "hi there", nil, Preferences{})
	require.NoError(t, err)
	assert.Equal(t, "from b", textOf(drain(t, ch)))
}

func TestDeriveConversationID(t *testing.T) {
	at := time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC)

	a := deriveConversationID("same prompt", at)
	b := deriveConversationID("same prompt", at.Add(10*time.Minute))
	assert.Equal(t, a, b, "same prompt within the hour shares a conversation")

	c := deriveConversationID("same prompt", at.Add(2*time.Hour))
	assert.NotEqual(t, a, c, "hour bucket rolls the conversation over")

	d := deriveConversationID("different prompt", at)
	assert.NotEqual(t, a, d)

	assert.True(t, strings.HasPrefix(a, "conv_"))
	assert.Contains(t, a, "_2026082614")
}

func TestParsePreferences(t *testing.T) {
	prefs, warnings := ParsePreferences(map[string]any{
		"preferred_service": "ollama",
		"task_type":         "code_review",
		"timeout":           float64(90),
		"use_memory":        false,
		"mystery_option":    true,
	})

	assert.Equal(t, "ollama", prefs.PreferredService)
	assert.Equal(t, "code_review", prefs.TaskType)
	assert.Equal(t, 90*time.Second, prefs.Timeout)
	require.NotNil(t, prefs.UseMemory)
	assert.False(t, *prefs.UseMemory)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "mystery_option")

	round, _ := ParsePreferences(prefs.Map())
	assert.Equal(t, prefs, round)
}
