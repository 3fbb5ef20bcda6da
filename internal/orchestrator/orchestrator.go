// Package orchestrator drives the request life cycle: sandbox validation,
// classification, memory enrichment, routing, adapter execution with
// retries and fallbacks, and terminal bookkeeping of cost, memory, and the
// task record.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oxidehq/oxide/internal/adapter"
	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/internal/cost"
	"github.com/oxidehq/oxide/internal/data"
	"github.com/oxidehq/oxide/internal/fault"
	"github.com/oxidehq/oxide/internal/logging"
	"github.com/oxidehq/oxide/internal/memory"
	"github.com/oxidehq/oxide/internal/router"
	"github.com/oxidehq/oxide/internal/sandbox"
	"github.com/oxidehq/oxide/pkg/types"
)

// bookkeepingTimeout bounds the terminal store/memory/cost writes. They run
// on a fresh context so caller cancellation cannot lose the task record.
const bookkeepingTimeout = 10 * time.Second

// ChunkType tags what a streamed chunk carries.
type ChunkType string

const (
	// ChunkText is response text from a backend.
	ChunkText ChunkType = "text"
	// ChunkWarning is a non-fatal notice (rejected file, ignored option).
	ChunkWarning ChunkType = "warning"
	// ChunkDone terminates a stream, or one service's sub-stream in
	// broadcast mode.
	ChunkDone ChunkType = "done"
	// ChunkError terminates a stream with a failure.
	ChunkError ChunkType = "error"
)

// Chunk is one item of the response stream. Service tags the producing
// backend; broadcast consumers demultiplex on it.
type Chunk struct {
	Type      ChunkType `json:"type"`
	Service   string    `json:"service,omitempty"`
	Text      string    `json:"text,omitempty"`
	Done      bool      `json:"done,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Err       error     `json:"-"`
}

// Deps are the orchestrator's collaborators, constructed by the caller so
// tests can wire private instances.
type Deps struct {
	Config     *config.Config
	Adapters   map[string]adapter.Adapter
	Store      *data.Store
	Sandbox    *sandbox.Validator
	Router     *router.Router
	Classifier *router.Classifier
	Memory     *memory.Memory
	Costs      *cost.Tracker
}

// routingState is the per-request-immutable snapshot of everything a config
// reload may replace. Requests load it once at entry; a reload swaps the
// pointer and never mutates a snapshot in place.
type routingState struct {
	cfg        *config.Config
	router     *router.Router
	classifier *router.Classifier
}

// Orchestrator is the life-cycle driver. Safe for concurrent use; each
// request gets its own stream.
type Orchestrator struct {
	adapters map[string]adapter.Adapter
	store    *data.Store
	sandbox  *sandbox.Validator
	memory   *memory.Memory
	costs    *cost.Tracker
	log      zerolog.Logger

	state  atomic.Pointer[routingState]
	active atomic.Int64
	total  atomic.Int64
}

// New builds an orchestrator.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		adapters: d.Adapters,
		store:    d.Store,
		sandbox:  d.Sandbox,
		memory:   d.Memory,
		costs:    d.Costs,
		log:      logging.Component("orchestrator"),
	}
	o.state.Store(&routingState{cfg: d.Config, router: d.Router, classifier: d.Classifier})
	return o
}

// ApplyConfig installs a freshly loaded configuration. Routing rules,
// execution limits, and memory/cost toggles take effect for subsequent
// requests; the adapter set stays fixed until restart. In-flight requests
// finish on the snapshot they started with.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	o.state.Store(&routingState{
		cfg:        cfg,
		router:     router.New(cfg, o.adapters),
		classifier: router.NewClassifier(cfg.Execution.ParallelFileThreshold, cfg.Execution.AnalysisFileThreshold),
	})
	o.log.Info().Msg("configuration snapshot applied")
}

// ExecuteTask runs one request end to end and returns its chunk stream.
// Pre-flight failures (invalid config, no service available) surface as the
// returned error with the task record already marked failed; everything
// after routing arrives through the stream. Cancelling ctx tears down
// in-flight adapters and fails the record with "cancelled".
func (o *Orchestrator) ExecuteTask(ctx context.Context, prompt string, files []string, prefs Preferences) (<-chan Chunk, error) {
	st := o.state.Load()

	taskID := prefs.TaskID
	if taskID == "" {
		taskID = "task_" + uuid.NewString()
	}

	validated, warnings := o.validateFiles(files)

	rec := &types.TaskRecord{
		ID:          taskID,
		Status:      types.StatusQueued,
		Prompt:      prompt,
		Files:       validated,
		Preferences: prefs.Map(),
		CreatedAt:   time.Now(),
	}
	if err := o.store.CreateTask(ctx, rec); err != nil {
		return nil, fmt.Errorf("create task record: %w", err)
	}

	info := st.classifier.Classify(prompt, validated)
	if prefs.TaskType != "" {
		if override := router.Category(prefs.TaskType); override.Valid() {
			info.Category = override
		} else {
			warnings = append(warnings, fmt.Sprintf("unknown task type %q ignored", prefs.TaskType))
		}
	}

	useMemory := st.cfg.Memory.Enabled && prefs.MemoryEnabled()
	convID := prefs.ConversationID
	if convID == "" {
		convID = deriveConversationID(prompt, time.Now())
	}

	if useMemory {
		if _, err := o.memory.Add(ctx, convID, types.RoleUser, prompt, nil); err != nil {
			o.log.Warn().Err(err).Str("conversation", convID).Msg("failed to record user turn")
		}
	}

	enriched := prompt
	if useMemory {
		enriched = o.enrich(ctx, st.cfg, info, prompt)
	}

	opts := router.Options{
		BroadcastAll:    prefs.BroadcastAll,
		FilesAttached:   len(validated),
		TimeoutOverride: prefs.Timeout,
	}
	var decision router.Decision
	var err error
	if prefs.PreferredService != "" {
		decision, err = st.router.Direct(prefs.PreferredService, info.Category, opts)
	} else {
		decision, err = st.router.Route(ctx, info, opts)
	}
	if err != nil {
		o.failTask(taskID, err.Error())
		return nil, err
	}

	if err := o.store.MarkTaskRunning(ctx, taskID, decision.Primary, string(info.Category), decision.Mode); err != nil {
		return nil, fmt.Errorf("mark task running: %w", err)
	}

	o.log.Info().Str("task", taskID).Str("category", string(info.Category)).
		Str("primary", decision.Primary).Str("mode", string(decision.Mode)).
		Int("files", len(validated)).Msg("task routed")

	out := make(chan Chunk, 16)
	o.active.Add(1)
	o.total.Add(1)
	go func() {
		defer close(out)
		defer o.active.Add(-1)

		for _, w := range warnings {
			out <- Chunk{Type: ChunkWarning, Text: w, Timestamp: time.Now()}
		}

		req := execRequest{
			cfg:      st.cfg,
			taskID:   taskID,
			convID:   convID,
			memory:   useMemory,
			prompt:   enriched,
			raw:      prompt,
			files:    validated,
			decision: decision,
		}
		switch decision.Mode {
		case types.ModeParallel:
			o.runParallel(ctx, out, req)
		case types.ModeBroadcast:
			o.runBroadcast(ctx, out, req)
		default:
			o.runSingle(ctx, out, req)
		}
	}()
	return out, nil
}

// execRequest carries one request's resolved inputs through the execution
// paths.
type execRequest struct {
	cfg      *config.Config
	taskID   string
	convID   string
	memory   bool
	prompt   string // enriched
	raw      string // original, for cost estimation
	files    []string
	decision router.Decision
}

// runSingle walks primary then fallbacks, retrying transient failures in
// place. Once any text has reached the caller a later failure ends the
// request: the caller already consumed part of one backend's answer, so
// switching mid-stream would interleave two models' output.
func (o *Orchestrator) runSingle(ctx context.Context, out chan<- Chunk, req execRequest) {
	maxAttempts := 1
	if req.cfg.Execution.RetryEnabled {
		maxAttempts = req.cfg.Execution.MaxRetries
	}
	retryDelay := time.Duration(req.cfg.Execution.RetryDelaySec) * time.Second

	var buf strings.Builder
	var lastErr error

	for _, svc := range req.decision.Services() {
	attempts:
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			err := o.attempt(ctx, out, svc, req, &buf)
			if err == nil {
				o.completeTask(out, req, svc, buf.String())
				return
			}
			lastErr = err

			switch fault.KindOf(err) {
			case fault.KindCancelled:
				o.abortTask(out, req, "cancelled", buf.String())
				return
			case fault.KindConfig:
				o.abortTask(out, req, err.Error(), buf.String())
				return
			}

			if buf.Len() > 0 {
				// Partial output already reached the caller.
				o.abortTask(out, req, err.Error(), buf.String())
				return
			}

			if !fault.IsTransient(err) {
				o.log.Warn().Str("task", req.taskID).Str("service", svc).Err(err).Msg("service unavailable, walking to fallback")
				break attempts
			}

			o.log.Warn().Str("task", req.taskID).Str("service", svc).Int("attempt", attempt).Err(err).Msg("transient failure")
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					o.abortTask(out, req, "cancelled", buf.String())
					return
				case <-time.After(retryDelay):
				}
			}
		}
	}

	if lastErr == nil {
		lastErr = fault.NoServiceAvailable("")
	}
	o.abortTask(out, req, lastErr.Error(), buf.String())
}

// attempt runs one adapter execution, forwarding chunks and accumulating
// the response buffer. Returns nil only on a clean terminal chunk.
func (o *Orchestrator) attempt(ctx context.Context, out chan<- Chunk, svc string, req execRequest, buf *strings.Builder) error {
	a, ok := o.adapters[svc]
	if !ok {
		return fault.Unavailable(svc, "no adapter for service")
	}

	execCtx, cancel := context.WithTimeout(ctx, req.decision.Timeout)
	defer cancel()

	ch, err := a.Execute(execCtx, adapter.Request{
		Prompt:  req.prompt,
		Files:   req.files,
		Timeout: req.decision.Timeout,
	})
	if err != nil {
		return err
	}

	for c := range ch {
		if c.Err != nil {
			if ctx.Err() != nil {
				return fault.Cancelled()
			}
			return c.Err
		}
		if c.Done {
			return nil
		}
		buf.WriteString(c.Text)
		select {
		case out <- Chunk{Type: ChunkText, Service: svc, Text: c.Text, Timestamp: time.Now()}:
		case <-ctx.Done():
			return fault.Cancelled()
		}
	}
	return nil
}

// enrich prepends relevant conversation history to the prompt.
func (o *Orchestrator) enrich(ctx context.Context, cfg *config.Config, info router.TaskInfo, prompt string) string {
	msgs, err := o.memory.ContextForTask(ctx, string(info.Category), prompt,
		cfg.Memory.SearchLimit, cfg.Memory.MinSimilarity,
		cfg.Memory.MaxPerConversation, cfg.Memory.MaxAgeHours)
	if err != nil {
		o.log.Warn().Err(err).Msg("context retrieval failed, proceeding without")
		return prompt
	}
	if len(msgs) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString("Previous relevant conversation history:\n")
	for _, msg := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.Content)
	}
	b.WriteString("\nCurrent task:\n")
	b.WriteString(prompt)
	return b.String()
}

// validateFiles runs every path through the sandbox, keeping the canonical
// form of those that pass. Rejections become caller warnings; the request
// proceeds without the offending file.
func (o *Orchestrator) validateFiles(files []string) (validated []string, warnings []string) {
	for _, f := range files {
		canon, err := o.sandbox.Validate(f)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("file %q rejected: %v", f, err))
			continue
		}
		validated = append(validated, canon)
	}
	return validated, warnings
}

// completeTask performs the success bookkeeping: assistant turn, cost
// record, terminal task state, done chunk.
func (o *Orchestrator) completeTask(out chan<- Chunk, req execRequest, svc, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()

	if req.memory && text != "" {
		if _, err := o.memory.Add(ctx, req.convID, types.RoleAssistant, text, map[string]string{"service": svc}); err != nil {
			o.log.Warn().Err(err).Msg("failed to record assistant turn")
		}
	}
	if req.cfg.Cost.Enabled {
		if _, err := o.costs.Record(ctx, req.taskID, svc, 0, 0, req.raw, text); err != nil {
			o.log.Warn().Err(err).Msg("failed to record cost")
		}
	}
	if err := o.store.MarkTaskCompleted(ctx, req.taskID, truncate(text, truncateAt(req.cfg))); err != nil {
		o.log.Error().Err(err).Str("task", req.taskID).Msg("failed to mark task completed")
	}
	out <- Chunk{Type: ChunkDone, Done: true, Timestamp: time.Now()}
}

// abortTask performs the failure bookkeeping, preserving any partial result
// on the record, and emits the error chunk.
func (o *Orchestrator) abortTask(out chan<- Chunk, req execRequest, errMsg, partial string) {
	o.failTaskWithResult(req.taskID, errMsg, truncate(partial, truncateAt(req.cfg)))
	out <- Chunk{Type: ChunkError, Timestamp: time.Now(), Err: fmt.Errorf("%s", errMsg)}
}

// failTask marks a task failed before any output was produced.
func (o *Orchestrator) failTask(taskID, errMsg string) {
	o.failTaskWithResult(taskID, errMsg, "")
}

func (o *Orchestrator) failTaskWithResult(taskID, errMsg, partial string) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()

	err := o.store.MarkTaskFailedWithResult(ctx, taskID, errMsg, partial)
	if err != nil {
		o.log.Error().Err(err).Str("task", taskID).Msg("failed to mark task failed")
	}
}

func truncateAt(cfg *config.Config) int {
	if n := cfg.Execution.ResultTruncateChars; n > 0 {
		return n
	}
	return 500
}

// truncate caps s at n characters.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ActiveTasks reports the number of in-flight requests.
func (o *Orchestrator) ActiveTasks() int { return int(o.active.Load()) }

// TotalTasks reports how many requests this process has accepted.
func (o *Orchestrator) TotalTasks() int { return int(o.total.Load()) }

// ServicesSnapshot summarises the adapter set for peer advertisement: a
// read-only view, so the cluster coordinator never holds the orchestrator.
func (o *Orchestrator) ServicesSnapshot() map[string]types.PeerService {
	out := make(map[string]types.PeerService, len(o.adapters))
	for id, a := range o.adapters {
		info := a.Describe()
		svc := types.PeerService{Type: string(info.Kind), BaseURL: info.BaseURL}
		if info.Model != "" {
			svc.Models = []string{info.Model}
		}
		if cfg, ok := o.state.Load().cfg.Service(id); ok {
			svc.Capabilities = append([]string(nil), cfg.Capabilities...)
		}
		out[id] = svc
	}
	return out
}

// Status is the snapshot served to the status command.
type Status struct {
	Services    map[string]bool `json:"services"`
	ActiveTasks int             `json:"active_tasks"`
	TotalTasks  int             `json:"total_tasks"`
}

// Status probes every service and reports live availability.
func (o *Orchestrator) Status(ctx context.Context) Status {
	return Status{
		Services:    o.state.Load().router.Availability(ctx),
		ActiveTasks: o.ActiveTasks(),
		TotalTasks:  o.TotalTasks(),
	}
}
