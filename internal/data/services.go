package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVICE OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// UpsertService persists a service definition. The API key is encrypted
// before it touches disk; the caller's struct is never mutated.
func (s *Store) UpsertService(ctx context.Context, svc *config.ServiceConfig) error {
	if svc.ID == "" {
		return fmt.Errorf("service ID cannot be empty")
	}
	if !svc.Kind.Valid() {
		return fmt.Errorf("service %s: unknown kind %q", svc.ID, svc.Kind)
	}

	argsJSON, err := json.Marshal(svc.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	capsJSON, err := json.Marshal(svc.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	apiKey, err := s.cipher.Encrypt(svc.APIKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO services (
			id, kind, enabled, base_url, model, executable,
			args, api_key, capabilities, context_window, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			enabled = excluded.enabled,
			base_url = excluded.base_url,
			model = excluded.model,
			executable = excluded.executable,
			args = excluded.args,
			api_key = excluded.api_key,
			capabilities = excluded.capabilities,
			context_window = excluded.context_window,
			updated_at = excluded.updated_at
	`,
		svc.ID, svc.Kind, boolToInt(svc.Enabled), nullString(svc.BaseURL),
		nullString(svc.Model), nullString(svc.Executable),
		string(argsJSON), nullString(apiKey), string(capsJSON), svc.ContextWindow, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert service: %w", err)
	}

	return nil
}

// GetService retrieves one service definition with its API key decrypted.
func (s *Store) GetService(ctx context.Context, id string) (*config.ServiceConfig, error) {
	svc, err := s.scanService(s.db.QueryRowContext(ctx, serviceSelect+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("service not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query service: %w", err)
	}
	return svc, nil
}

// ListServices returns every persisted service definition in ID order.
func (s *Store) ListServices(ctx context.Context) ([]config.ServiceConfig, error) {
	rows, err := s.db.QueryContext(ctx, serviceSelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query services: %w", err)
	}
	defer rows.Close()

	var out []config.ServiceConfig
	for rows.Next() {
		svc, err := s.scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, *svc)
	}
	return out, rows.Err()
}

// DeleteService removes a service definition.
func (s *Store) DeleteService(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("service not found: %s", id)
	}
	return nil
}

const serviceSelect = `
	SELECT id, kind, enabled, base_url, model, executable,
	       args, api_key, capabilities, context_window
	FROM services
`

func (s *Store) scanService(row rowScanner) (*config.ServiceConfig, error) {
	var svc config.ServiceConfig
	var enabled int
	var baseURL, model, executable, apiKey sql.NullString
	var argsJSON, capsJSON string

	err := row.Scan(
		&svc.ID, &svc.Kind, &enabled, &baseURL, &model, &executable,
		&argsJSON, &apiKey, &capsJSON, &svc.ContextWindow,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(argsJSON), &svc.Args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if err := json.Unmarshal([]byte(capsJSON), &svc.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}

	svc.Enabled = enabled == 1
	svc.BaseURL = baseURL.String
	svc.Model = model.String
	svc.Executable = executable.String

	if apiKey.Valid {
		plain, err := s.cipher.Decrypt(apiKey.String)
		if err != nil {
			return nil, fmt.Errorf("decrypt api key for %s: %w", svc.ID, err)
		}
		svc.APIKey = plain
	}

	return &svc, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTING RULE OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// UpsertRoutingRule persists the service preference order for a category.
func (s *Store) UpsertRoutingRule(ctx context.Context, category string, rule config.RoutingRule) error {
	if category == "" {
		return fmt.Errorf("routing rule category cannot be empty")
	}
	if rule.Primary == "" {
		return fmt.Errorf("routing rule %s: primary service cannot be empty", category)
	}

	fallbacksJSON, err := json.Marshal(rule.Fallbacks)
	if err != nil {
		return fmt.Errorf("marshal fallbacks: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO routing_rules (category, primary_service, fallbacks, parallel_threshold, timeout_seconds, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(category) DO UPDATE SET
			primary_service = excluded.primary_service,
			fallbacks = excluded.fallbacks,
			parallel_threshold = excluded.parallel_threshold,
			timeout_seconds = excluded.timeout_seconds,
			updated_at = excluded.updated_at
	`, category, rule.Primary, string(fallbacksJSON), rule.ParallelThreshold, rule.TimeoutSec, time.Now())
	if err != nil {
		return fmt.Errorf("upsert routing rule: %w", err)
	}
	return nil
}

// ListRoutingRules returns all persisted category rules keyed by category.
func (s *Store) ListRoutingRules(ctx context.Context) (map[string]config.RoutingRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, primary_service, fallbacks, parallel_threshold, timeout_seconds
		FROM routing_rules
	`)
	if err != nil {
		return nil, fmt.Errorf("query routing rules: %w", err)
	}
	defer rows.Close()

	out := make(map[string]config.RoutingRule)
	for rows.Next() {
		var category, fallbacksJSON string
		var rule config.RoutingRule
		if err := rows.Scan(&category, &rule.Primary, &fallbacksJSON, &rule.ParallelThreshold, &rule.TimeoutSec); err != nil {
			return nil, fmt.Errorf("scan routing rule: %w", err)
		}
		if err := json.Unmarshal([]byte(fallbacksJSON), &rule.Fallbacks); err != nil {
			return nil, fmt.Errorf("unmarshal fallbacks: %w", err)
		}
		out[category] = rule
	}
	return out, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION SETTINGS
// ═══════════════════════════════════════════════════════════════════════════════

// GetExecutionSettings returns the singleton settings row, or nil when the
// store has not been seeded yet.
func (s *Store) GetExecutionSettings(ctx context.Context) (*types.ExecutionSettings, error) {
	var set types.ExecutionSettings
	var retryEnabled int
	err := s.db.QueryRowContext(ctx, `
		SELECT retry_enabled, max_retries, retry_delay_sec, max_parallel_workers,
		       default_timeout_sec, parallel_file_threshold, analysis_file_threshold,
		       result_truncate_chars, updated_at
		FROM execution_settings WHERE id = 1
	`).Scan(
		&retryEnabled, &set.MaxRetries, &set.RetryDelaySec, &set.MaxParallelWorkers,
		&set.DefaultTimeoutSec, &set.ParallelFileThreshold, &set.AnalysisFileThreshold,
		&set.ResultTruncateChars, &set.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query execution settings: %w", err)
	}
	set.RetryEnabled = retryEnabled == 1
	return &set, nil
}

// SaveExecutionSettings writes the singleton settings row.
func (s *Store) SaveExecutionSettings(ctx context.Context, set *types.ExecutionSettings) error {
	set.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_settings (
			id, retry_enabled, max_retries, retry_delay_sec, max_parallel_workers,
			default_timeout_sec, parallel_file_threshold, analysis_file_threshold,
			result_truncate_chars, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			retry_enabled = excluded.retry_enabled,
			max_retries = excluded.max_retries,
			retry_delay_sec = excluded.retry_delay_sec,
			max_parallel_workers = excluded.max_parallel_workers,
			default_timeout_sec = excluded.default_timeout_sec,
			parallel_file_threshold = excluded.parallel_file_threshold,
			analysis_file_threshold = excluded.analysis_file_threshold,
			result_truncate_chars = excluded.result_truncate_chars,
			updated_at = excluded.updated_at
	`,
		boolToInt(set.RetryEnabled), set.MaxRetries, set.RetryDelaySec, set.MaxParallelWorkers,
		set.DefaultTimeoutSec, set.ParallelFileThreshold, set.AnalysisFileThreshold,
		set.ResultTruncateChars, set.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save execution settings: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG HISTORY
// ═══════════════════════════════════════════════════════════════════════════════

// ConfigSnapshot is one append-only entry of the effective configuration.
type ConfigSnapshot struct {
	ID        int64     `json:"id"`
	Snapshot  string    `json:"snapshot"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendConfigSnapshot records the effective configuration as YAML, with an
// optional note naming what triggered it (startup, reload).
func (s *Store) AppendConfigSnapshot(ctx context.Context, snapshot, note string) error {
	if snapshot == "" {
		return fmt.Errorf("config snapshot cannot be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config_history (snapshot, note, created_at) VALUES (?, ?, ?)
	`, snapshot, nullString(note), time.Now())
	if err != nil {
		return fmt.Errorf("append config snapshot: %w", err)
	}
	return nil
}

// ListConfigSnapshots returns the most recent snapshots, newest first.
func (s *Store) ListConfigSnapshots(ctx context.Context, limit int) ([]ConfigSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, snapshot, note, created_at
		FROM config_history ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query config history: %w", err)
	}
	defer rows.Close()

	var out []ConfigSnapshot
	for rows.Next() {
		var cs ConfigSnapshot
		var note sql.NullString
		if err := rows.Scan(&cs.ID, &cs.Snapshot, &note, &cs.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan config snapshot: %w", err)
		}
		cs.Note = note.String
		out = append(out, cs)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
