package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/internal/fault"
	"github.com/oxidehq/oxide/internal/logging"
)

// OpenAIAdapter speaks the OpenAI-compatible chat protocol: POST
// /v1/chat/completions with stream:true, Server-Sent-Events back. It covers
// hosted APIs and local servers exposing the same surface (LM Studio, vLLM,
// llama.cpp).
type OpenAIAdapter struct {
	id      string
	baseURL string
	model   string
	apiKey  string
	tc      TimeoutConfig
	client  *http.Client
	log     zerolog.Logger
}

// NewOpenAI builds an OpenAI-compatible adapter. Same streaming-client rule
// as Ollama: no Client.Timeout, phases enforced by runStream.
func NewOpenAI(cfg config.ServiceConfig) *OpenAIAdapter {
	tc := timeoutsFor(cfg)
	return &OpenAIAdapter{
		id:      cfg.ID,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		tc:      tc,
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

func (a *OpenAIAdapter) ID() string { return a.id }

func (a *OpenAIAdapter) Describe() Info {
	return Info{ID: a.id, Kind: config.KindOpenAI, Model: a.model, BaseURL: a.baseURL}
}

type openAIChatRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIStreamFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Execute streams one chat completion as a single user message.
func (a *OpenAIAdapter) Execute(ctx context.Context, req Request) (<-chan Chunk, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	body, err := json.Marshal(openAIChatRequest{
		Model:    model,
		Messages: []openAIMessage{{Role: "user", Content: BuildPrompt(req.Prompt, req.Files)}},
		Stream:   true,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindProtocol, a.id, err, "marshal chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindProtocol, a.id, err, "create chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(ctx, a.id, err)
	}

	if resp.StatusCode != http.StatusOK {
		b, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		resp.Body.Close()
		return nil, fault.Protocol(a.id, "chat/completions returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	out := make(chan Chunk, 8)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), scanBufBytes)

		next := func() (string, bool, error) {
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || !strings.HasPrefix(line, "data:") {
					continue
				}
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if payload == "[DONE]" {
					return "", true, nil
				}
				var frame openAIStreamFrame
				if err := json.Unmarshal([]byte(payload), &frame); err != nil {
					return "", false, fault.Wrap(fault.KindProtocol, a.id, err, "malformed SSE frame")
				}
				if len(frame.Choices) == 0 {
					continue
				}
				return frame.Choices[0].Delta.Content, false, nil
			}
			if err := scanner.Err(); err != nil && ctx.Err() == nil {
				return "", false, fault.Wrap(fault.KindProtocol, a.id, err, "read stream")
			}
			// Stream closed without the [DONE] sentinel.
			return "", true, nil
		}

		runStream(ctx, out, a.id, a.tc, next, func() { resp.Body.Close() })
	}()

	return out, nil
}

// Health probes /v1/models within the 5s window.
func (a *OpenAIAdapter) Health(ctx context.Context) error {
	_, err := a.ListModels(ctx)
	return err
}

// ListModels parses data[].id from /v1/models.
func (a *OpenAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, a.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindProtocol, a.id, err, "create models request")
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(probeCtx, a.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fault.Unavailable(a.id, "models returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxErrorBodySize)).Decode(&parsed); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, a.id, err, "decode models response")
	}

	ids := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
