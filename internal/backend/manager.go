// Package backend keeps local inference backends usable: health probing,
// platform-specific autostart, model auto-detection, and background
// monitoring. The adapter layer consults it through its ensure-ready phase.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/internal/fault"
	"github.com/oxidehq/oxide/internal/logging"
	"github.com/oxidehq/oxide/internal/procs"
)

const (
	// probeTimeout bounds every health probe.
	probeTimeout = 5 * time.Second

	// pollInterval is the health-poll cadence while waiting for a spawned
	// backend to come up.
	pollInterval = 1 * time.Second
)

// Manager probes and starts local backends and picks default models.
type Manager struct {
	cfg      config.BackendConfig
	logDir   string
	registry *procs.Registry
	client   *http.Client
	log      zerolog.Logger

	// spawnMu serialises autostart so concurrent requests cannot race two
	// `ollama serve` processes into the same port.
	spawnMu sync.Mutex
}

// NewManager builds a backend manager. logDir receives per-backend log
// files; empty discards spawned process output.
func NewManager(cfg config.BackendConfig, logDir string, registry *procs.Registry) *Manager {
	return &Manager{
		cfg:      cfg,
		logDir:   logDir,
		registry: registry,
		client:   &http.Client{Timeout: probeTimeout},
		log:      logging.Component("backend"),
	}
}

// Probe checks whether the backend at base answers its model-list endpoint.
func (m *Manager) Probe(ctx context.Context, base string, kind config.ServiceKind) error {
	_, err := m.ListModels(ctx, base, kind)
	return err
}

// EnsureRunning makes sure a backend is up. It probes first; on a miss with
// autostart enabled it spawns the backend per platform convention and polls
// health every second until the deadline. Returns true when the backend
// answers, false when it stayed down.
func (m *Manager) EnsureRunning(ctx context.Context, base string, kind config.ServiceKind, autostart bool, deadline time.Duration) (bool, error) {
	if m.Probe(ctx, base, kind) == nil {
		return true, nil
	}
	if !autostart {
		return false, nil
	}
	if deadline <= 0 {
		deadline = time.Duration(m.cfg.StartDeadlineSec) * time.Second
	}
	if deadline <= 0 {
		deadline = 30 * time.Second
	}

	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	// A concurrent caller may have started it while we waited for the lock.
	if m.Probe(ctx, base, kind) == nil {
		return true, nil
	}

	if err := m.spawn(base); err != nil {
		return false, fmt.Errorf("autostart backend: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			m.log.Warn().Str("base", base).Dur("deadline", deadline).Msg("backend did not come up before deadline")
			return false, nil
		case <-ticker.C:
			if m.Probe(ctx, base, kind) == nil {
				m.log.Info().Str("base", base).Msg("backend started")
				return true, nil
			}
		}
	}
}

// ListModels returns the backend's model identifiers via a thin parse of
// the kind-appropriate endpoint.
func (m *Manager) ListModels(ctx context.Context, base string, kind config.ServiceKind) ([]string, error) {
	base = strings.TrimSuffix(base, "/")

	var path string
	switch kind {
	case config.KindOllama:
		path = "/api/tags"
	case config.KindOpenAI:
		path = "/v1/models"
	default:
		return nil, fault.Config("kind %q has no model-list endpoint", kind)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create probe request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, "", err, "backend unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fault.Unavailable("", "%s returned status %d", path, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, 1<<20)
	switch kind {
	case config.KindOllama:
		var parsed struct {
			Models []struct {
				Name string `json:"name"`
			} `json:"models"`
		}
		if err := json.NewDecoder(body).Decode(&parsed); err != nil {
			return nil, fault.Wrap(fault.KindProtocol, "", err, "decode %s", path)
		}
		names := make([]string, 0, len(parsed.Models))
		for _, mo := range parsed.Models {
			names = append(names, mo.Name)
		}
		return names, nil
	default:
		var parsed struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.NewDecoder(body).Decode(&parsed); err != nil {
			return nil, fault.Wrap(fault.KindProtocol, "", err, "decode %s", path)
		}
		ids := make([]string, 0, len(parsed.Data))
		for _, mo := range parsed.Data {
			ids = append(ids, mo.ID)
		}
		return ids, nil
	}
}

// AutoDetectModel picks the model to use: first preference present exactly,
// else the first model whose name contains a preference token
// case-insensitively, else the first model. ok is false when the backend
// reports no models at all.
func (m *Manager) AutoDetectModel(ctx context.Context, base string, kind config.ServiceKind, prefs []string) (model string, ok bool, err error) {
	models, err := m.ListModels(ctx, base, kind)
	if err != nil {
		return "", false, err
	}
	if len(models) == 0 {
		return "", false, nil
	}

	for _, pref := range prefs {
		for _, name := range models {
			if name == pref {
				return name, true, nil
			}
		}
	}
	for _, pref := range prefs {
		lower := strings.ToLower(pref)
		for _, name := range models {
			if strings.Contains(strings.ToLower(name), lower) {
				return name, true, nil
			}
		}
	}
	return models[0], true, nil
}

// Report is the outcome of one ensure-healthy pass over a service.
type Report struct {
	Healthy          bool     `json:"healthy"`
	Models           []string `json:"models,omitempty"`
	RecommendedModel string   `json:"recommended_model,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// EnsureHealthy composes EnsureRunning, ListModels, and AutoDetectModel
// into one structured report.
func (m *Manager) EnsureHealthy(ctx context.Context, svc config.ServiceConfig) Report {
	up, err := m.EnsureRunning(ctx, svc.BaseURL, svc.Kind, m.cfg.AutostartEnabled, 0)
	if err != nil {
		return Report{Error: err.Error()}
	}
	if !up {
		return Report{Error: "backend not running"}
	}

	models, err := m.ListModels(ctx, svc.BaseURL, svc.Kind)
	if err != nil {
		return Report{Error: err.Error()}
	}
	if len(models) == 0 {
		return Report{Models: models, Error: "backend reports no models"}
	}

	recommended, _, err := m.AutoDetectModel(ctx, svc.BaseURL, svc.Kind, m.cfg.ModelPreferences)
	if err != nil {
		return Report{Models: models, Error: err.Error()}
	}
	return Report{Healthy: true, Models: models, RecommendedModel: recommended}
}

// Monitor re-runs EnsureHealthy on a fixed cadence until ctx ends, logging
// health transitions edge-triggered.
func (m *Manager) Monitor(ctx context.Context, svc config.ServiceConfig, interval time.Duration) {
	if interval <= 0 {
		return
	}

	lg := m.log.With().Str("service", svc.ID).Logger()
	var wasHealthy, seen bool

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := m.EnsureHealthy(ctx, svc)
			if !seen || report.Healthy != wasHealthy {
				if report.Healthy {
					lg.Info().Str("model", report.RecommendedModel).Msg("backend healthy")
				} else {
					lg.Warn().Str("error", report.Error).Msg("backend unhealthy")
				}
			}
			wasHealthy, seen = report.Healthy, true
		}
	}
}

// Warmup issues a tiny generate call so the first user request does not pay
// the model-load latency. Errors are logged, never surfaced: warmup is best
// effort.
func (m *Manager) Warmup(ctx context.Context, base, model string) {
	base = strings.TrimSuffix(base, "/")
	payload, _ := json.Marshal(map[string]any{
		"model":  model,
		"prompt": "hi",
		"stream": false,
	})

	warmCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(warmCtx, http.MethodPost, base+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		m.log.Debug().Err(err).Str("model", model).Msg("warmup request failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	m.log.Debug().Str("model", model).Int("status", resp.StatusCode).Msg("warmup complete")
}

// backendLog opens an append-mode log file for a spawned backend.
func (m *Manager) backendLog(name string) *os.File {
	if m.logDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.logDir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(m.logDir, name+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil
	}
	return f
}

// ServiceReadier binds the manager to one service, implementing the
// adapter's ensure-ready phase: guarantee the backend runs, then resolve
// the model it should use.
type ServiceReadier struct {
	Manager *Manager
	Service config.ServiceConfig
}

// Ready ensures the backend is up and returns the detected model.
func (r *ServiceReadier) Ready(ctx context.Context) (string, error) {
	up, err := r.Manager.EnsureRunning(ctx, r.Service.BaseURL, r.Service.Kind, r.Manager.cfg.AutostartEnabled, 0)
	if err != nil {
		return "", fault.Wrap(fault.KindUnavailable, r.Service.ID, err, "ensure backend running")
	}
	if !up {
		return "", fault.Unavailable(r.Service.ID, "backend not running and autostart %s",
			map[bool]string{true: "failed", false: "disabled"}[r.Manager.cfg.AutostartEnabled])
	}

	if r.Service.Model != "" {
		return r.Service.Model, nil
	}
	model, ok, err := r.Manager.AutoDetectModel(ctx, r.Service.BaseURL, r.Service.Kind, r.Manager.cfg.ModelPreferences)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fault.Unavailable(r.Service.ID, "backend reports no models")
	}
	return model, nil
}
