// Package types defines shared types used across all Oxide modules.
package types

import "time"

// ═══════════════════════════════════════════════════════════════════════════════
// TOKEN ESTIMATION
// ═══════════════════════════════════════════════════════════════════════════════

// CharsPerToken is the heuristic for token estimation (~4 chars per token).
// This is a common approximation for English text with LLM tokenizers.
const CharsPerToken = 4

// EstimateTokens provides a rough token estimate for a given text.
func EstimateTokens(text string) int {
	return len(text) / CharsPerToken
}

// ═══════════════════════════════════════════════════════════════════════════════
// TASK TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// TaskStatus is the life-cycle state of a task record.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses for monotonicity checks. Terminal states share a rank;
// a task never moves between completed and failed.
func (s TaskStatus) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next respects the
// queued → running → {completed, failed} state machine. A queued task may
// fail directly when routing rejects it before execution starts; it may
// never complete without running.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.rank() < 0 || next.rank() < 0 {
		return false
	}
	if s == StatusQueued && next == StatusFailed {
		return true
	}
	return next.rank() == s.rank()+1
}

// ExecutionMode describes how a task was dispatched.
type ExecutionMode string

const (
	ModeSingle    ExecutionMode = "single"
	ModeParallel  ExecutionMode = "parallel"
	ModeBroadcast ExecutionMode = "broadcast"
)

// BroadcastResult is one service's contribution to a broadcast-all task.
// Re-recording the same service replaces the prior entry.
type BroadcastResult struct {
	Service     string    `json:"service"`
	Chunks      int       `json:"chunks"`
	Bytes       int       `json:"bytes"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// TaskRecord is the durable row describing one request through its life
// cycle. Timestamps are set exactly once per transition; Duration is
// CompletedAt minus StartedAt in seconds.
type TaskRecord struct {
	ID          string         `json:"id"`
	Status      TaskStatus     `json:"status"`
	Prompt      string         `json:"prompt"`
	Files       []string       `json:"files,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`

	Service  string        `json:"service,omitempty"`
	Category string        `json:"category,omitempty"`
	Mode     ExecutionMode `json:"mode,omitempty"`

	Result           string            `json:"result,omitempty"` // truncated per execution settings
	Error            string            `json:"error,omitempty"`
	BroadcastResults []BroadcastResult `json:"broadcast_results,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    float64    `json:"duration_seconds,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONVERSATION TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn inside a conversation. Messages are append-only.
type Message struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Conversation groups ordered messages under one id. UpdatedAt always equals
// the timestamp of the last message.
type Conversation struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Messages  []Message         `json:"messages"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// COST TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// CostRecord is an immutable per-execution billing row.
type CostRecord struct {
	ID           int64     `json:"id"`
	TaskID       string    `json:"task_id"`
	Service      string    `json:"service"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	Timestamp    time.Time `json:"timestamp"`
}

// Pricing is the per-service dollar-per-token table row.
type Pricing struct {
	Service        string  `json:"service"`
	InputPerToken  float64 `json:"cost_per_input_token"`
	OutputPerToken float64 `json:"cost_per_output_token"`
	Currency       string  `json:"currency"`
}

// Budget caps spending for a period (an opaque key such as "2026-08").
// At most one budget is active per period.
type Budget struct {
	ID            int64     `json:"id"`
	Period        string    `json:"period"`
	Limit         float64   `json:"limit"`
	AlertFraction float64   `json:"alert_fraction"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// BudgetStatus is the result of a budget check.
type BudgetStatus struct {
	Period        string  `json:"period"`
	Limit         float64 `json:"limit"`
	Current       float64 `json:"current"`
	Ratio         float64 `json:"ratio"`
	AlertFraction float64 `json:"alert_fraction"`
	Exceeded      bool    `json:"exceeded"`
}

// ServiceCost aggregates spend for one service.
type ServiceCost struct {
	Service      string  `json:"service"`
	Cost         float64 `json:"cost"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Requests     int64   `json:"requests"`
}

// DailyCost is one day's spend bucket.
type DailyCost struct {
	Day  string  `json:"day"` // YYYY-MM-DD
	Cost float64 `json:"cost"`
}

// TokenTotals sums token consumption over a range.
type TokenTotals struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLUSTER TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// PeerService summarises one service a peer advertises.
type PeerService struct {
	Type         string   `json:"type"`
	Models       []string `json:"models,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	BaseURL      string   `json:"base_url,omitempty"`
}

// PeerNode is a node descriptor as carried in discovery datagrams and the
// peers table. FirstSeen is local bookkeeping and never broadcast.
type PeerNode struct {
	NodeID        string                 `json:"node_id"`
	Hostname      string                 `json:"hostname"`
	IPAddress     string                 `json:"ip_address"`
	Port          int                    `json:"port"`
	Services      map[string]PeerService `json:"services"`
	CPUPercent    float64                `json:"cpu_percent"`
	MemoryPercent float64                `json:"memory_percent"`
	ActiveTasks   int                    `json:"active_tasks"`
	TotalTasks    int                    `json:"total_tasks"`
	LastSeen      time.Time              `json:"last_seen"`
	Healthy       bool                   `json:"healthy"`
	Enabled       bool                   `json:"enabled"`
	Version       string                 `json:"oxide_version"`
	Features      []string               `json:"features,omitempty"`
	FirstSeen     time.Time              `json:"-"`
}

// Score is the delegation load score: lower is better. CPU and memory weigh
// equally; every active task adds a flat penalty.
func (n *PeerNode) Score() float64 {
	return (n.CPUPercent+n.MemoryPercent)/2 + 10*float64(n.ActiveTasks)
}

// HasService reports whether the peer advertises the given service id.
func (n *PeerNode) HasService(id string) bool {
	_, ok := n.Services[id]
	return ok
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION SETTINGS
// ═══════════════════════════════════════════════════════════════════════════════

// ExecutionSettings is the runtime-mutable singleton persisted in the store.
// The execution section of the config file seeds it on first boot.
type ExecutionSettings struct {
	RetryEnabled          bool      `json:"retry_enabled"`
	MaxRetries            int       `json:"max_retries"`
	RetryDelaySec         int       `json:"retry_delay_sec"`
	MaxParallelWorkers    int       `json:"max_parallel_workers"`
	DefaultTimeoutSec     int       `json:"default_timeout_sec"`
	ParallelFileThreshold int       `json:"parallel_file_threshold"`
	AnalysisFileThreshold int       `json:"analysis_file_threshold"`
	ResultTruncateChars   int       `json:"result_truncate_chars"`
	UpdatedAt             time.Time `json:"updated_at"`
}
