package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/internal/fault"
	"github.com/oxidehq/oxide/internal/logging"
)

// OllamaAdapter speaks the Ollama generate protocol: POST /api/generate
// with stream:true, newline-delimited JSON back.
type OllamaAdapter struct {
	id      string
	baseURL string
	model   string
	tc      TimeoutConfig
	client  *http.Client
	deps    Deps
	log     zerolog.Logger

	// ready caches the ensure-ready outcome: first successful call wins,
	// later executions read the resolved model from here.
	readyMu    sync.Mutex
	readyDone  bool
	readyModel string
}

// NewOllama builds an Ollama adapter.
//
// The HTTP client deliberately has no Client.Timeout: that deadline covers
// the whole request including body reads, which kills long streams. The
// transport's ResponseHeaderTimeout covers connection plus model loading;
// the first-token and stream-idle phases are enforced by runStream.
func NewOllama(cfg config.ServiceConfig, deps Deps) *OllamaAdapter {
	tc := timeoutsFor(cfg)
	return &OllamaAdapter{
		id:      cfg.ID,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		model:   cfg.Model,
		tc:      tc,
		deps:    deps,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: tc.FirstToken,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
		log: logging.Component("adapter").With().Str("service", cfg.ID).Logger(),
	}
}

func (a *OllamaAdapter) ID() string { return a.id }

func (a *OllamaAdapter) Describe() Info {
	return Info{ID: a.id, Kind: config.KindOllama, Model: a.model, BaseURL: a.baseURL}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateLine struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Execute streams one generation. Connection refusals are retried a fixed
// number of times with a fixed delay, each retry re-running the ensure-ready
// phase (the backend may just need starting); every other failure surfaces
// immediately so the orchestrator can apply its own policy.
func (a *OllamaAdapter) Execute(ctx context.Context, req Request) (<-chan Chunk, error) {
	model, err := a.resolveModel(ctx, req.Model)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  model,
		Prompt: BuildPrompt(req.Prompt, req.Files),
		Stream: true,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindProtocol, a.id, err, "marshal generate request")
	}

	var resp *http.Response
	for attempt := 1; ; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewReader(body))
		if err != nil {
			return nil, fault.Wrap(fault.KindProtocol, a.id, err, "create generate request")
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err = a.client.Do(httpReq)
		if err == nil {
			break
		}
		if !isConnRefused(err) || attempt >= a.deps.ConnectRetries {
			return nil, classifyTransportErr(ctx, a.id, err)
		}

		a.log.Warn().Int("attempt", attempt).Err(err).Msg("connection refused, re-running ensure-ready")
		a.retriggerReady(ctx)

		select {
		case <-ctx.Done():
			return nil, ctxFault(ctx, a.id)
		case <-time.After(a.deps.ConnectRetryDelay):
		}
	}

	if resp.StatusCode != http.StatusOK {
		b, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		resp.Body.Close()
		return nil, fault.Protocol(a.id, "generate returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	out := make(chan Chunk, 8)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), scanBufBytes)

		next := func() (string, bool, error) {
			for scanner.Scan() {
				line := bytes.TrimSpace(scanner.Bytes())
				if len(line) == 0 {
					continue
				}
				var ev ollamaGenerateLine
				if err := json.Unmarshal(line, &ev); err != nil {
					return "", false, fault.Wrap(fault.KindProtocol, a.id, err, "malformed stream line")
				}
				return ev.Response, ev.Done, nil
			}
			if err := scanner.Err(); err != nil && ctx.Err() == nil {
				return "", false, fault.Wrap(fault.KindProtocol, a.id, err, "read stream")
			}
			// Stream closed without done:true; treat EOF as termination.
			return "", true, nil
		}

		runStream(ctx, out, a.id, a.tc, next, func() { resp.Body.Close() })
	}()

	return out, nil
}

// resolveModel picks the model for a request: explicit override, configured
// default, else the ensure-ready phase's auto-detected model.
func (a *OllamaAdapter) resolveModel(ctx context.Context, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if a.model != "" {
		return a.model, nil
	}

	a.readyMu.Lock()
	defer a.readyMu.Unlock()
	if a.readyDone {
		return a.readyModel, nil
	}
	if a.deps.Readier == nil {
		return "", fault.Config("service %s: no model configured and no backend manager to detect one", a.id)
	}

	model, err := a.deps.Readier.Ready(ctx)
	if err != nil {
		return "", err
	}
	a.readyDone = true
	a.readyModel = model
	a.log.Info().Str("model", model).Msg("backend ready, model auto-detected")
	return model, nil
}

// retriggerReady re-runs autostart after a connection refusal. The cached
// model survives; only the running-state assumption is refreshed.
func (a *OllamaAdapter) retriggerReady(ctx context.Context) {
	if a.deps.Readier == nil {
		return
	}
	if _, err := a.deps.Readier.Ready(ctx); err != nil {
		a.log.Warn().Err(err).Msg("ensure-ready failed during retry")
	}
}

// Health probes /api/tags. A reachable backend that reports zero models is
// unavailable: it cannot serve a single request.
func (a *OllamaAdapter) Health(ctx context.Context) error {
	models, err := a.ListModels(ctx)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return fault.Unavailable(a.id, "backend reports no models")
	}
	return nil
}

// ListModels parses models[].name from /api/tags.
func (a *OllamaAdapter) ListModels(ctx context.Context) ([]string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindProtocol, a.id, err, "create tags request")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(probeCtx, a.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fault.Unavailable(a.id, "tags returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxErrorBodySize)).Decode(&parsed); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, a.id, err, "decode tags response")
	}

	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
