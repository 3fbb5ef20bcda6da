package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/oxidehq/oxide/internal/fault"
	"github.com/oxidehq/oxide/pkg/types"
)

// delegateRequest is the JSON payload posted to a peer.
type delegateRequest struct {
	Prompt      string         `json:"prompt"`
	Files       []string       `json:"files,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

// DelegateResponse is a peer's reply to a delegated task.
type DelegateResponse struct {
	TaskID  string `json:"task_id,omitempty"`
	Result  string `json:"result"`
	Service string `json:"service,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (c *Coordinator) delegateTimeout() time.Duration {
	if c.cfg.DelegateTimeoutSec > 0 {
		return time.Duration(c.cfg.DelegateTimeoutSec) * time.Second
	}
	return 300 * time.Second
}

// Delegate posts one task to a peer and decodes its reply. The peer runs
// the task to completion; there is no streaming across nodes.
func (c *Coordinator) Delegate(ctx context.Context, peer *types.PeerNode, prompt string, files []string, prefs map[string]any) (*DelegateResponse, error) {
	payload, err := json.Marshal(delegateRequest{Prompt: prompt, Files: files, Preferences: prefs})
	if err != nil {
		return nil, fmt.Errorf("marshal delegation payload: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/api/tasks/execute", peer.IPAddress, peer.Port)
	reqCtx, cancel := context.WithTimeout(ctx, c.delegateTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build delegation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fault.Unavailable(peer.NodeID, "delegation failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fault.Protocol(peer.NodeID, "read delegation reply: %v", err)
	}

	var out DelegateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fault.Protocol(peer.NodeID, "decode delegation reply: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return nil, fault.Unavailable(peer.NodeID, "peer rejected task: %s", out.Error)
		}
		return nil, fault.Unavailable(peer.NodeID, "peer returned status %d", resp.StatusCode)
	}
	return &out, nil
}

// DelegateTask runs one task on a peer while keeping the local task record
// authoritative: the record's service field carries the peer's node id, and
// its result is the peer's final aggregated answer.
func (c *Coordinator) DelegateTask(ctx context.Context, peer *types.PeerNode, prompt string, files []string, prefs map[string]any) (*DelegateResponse, error) {
	taskID := "task_" + uuid.NewString()
	rec := &types.TaskRecord{
		ID:          taskID,
		Status:      types.StatusQueued,
		Prompt:      prompt,
		Files:       files,
		Preferences: prefs,
		CreatedAt:   time.Now(),
	}
	if err := c.store.CreateTask(ctx, rec); err != nil {
		return nil, fmt.Errorf("create delegated task record: %w", err)
	}
	if err := c.store.MarkTaskRunning(ctx, taskID, peer.NodeID, "delegated", types.ModeSingle); err != nil {
		return nil, fmt.Errorf("mark delegated task running: %w", err)
	}

	resp, err := c.Delegate(ctx, peer, prompt, files, prefs)

	bctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err != nil {
		if ferr := c.store.MarkTaskFailed(bctx, taskID, err.Error()); ferr != nil {
			c.log.Error().Err(ferr).Str("task", taskID).Msg("failed to mark delegated task failed")
		}
		return nil, err
	}

	if cerr := c.store.MarkTaskCompleted(bctx, taskID, resp.Result); cerr != nil {
		c.log.Error().Err(cerr).Str("task", taskID).Msg("failed to mark delegated task completed")
	}
	if resp.TaskID == "" {
		resp.TaskID = taskID
	}
	return resp, nil
}
