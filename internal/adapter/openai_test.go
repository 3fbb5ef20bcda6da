package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/internal/fault"
)

func openAIService(baseURL string) config.ServiceConfig {
	return config.ServiceConfig{
		ID:      "lmstudio",
		Kind:    config.KindOpenAI,
		Enabled: true,
		BaseURL: baseURL,
		Model:   "local-model",
	}
}

// newOpenAIMock serves /v1/models and /v1/chat/completions as SSE.
func newOpenAIMock(t *testing.T, models []string, deltas []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			type model struct {
				ID string `json:"id"`
			}
			out := struct {
				Data []model `json:"data"`
			}{}
			for _, m := range models {
				out.Data = append(out.Data, model{ID: m})
			}
			json.NewEncoder(w).Encode(out)

		case "/v1/chat/completions":
			var req openAIChatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.True(t, req.Stream)
			require.Len(t, req.Messages, 1)
			assert.Equal(t, "user", req.Messages[0].Role)

			flusher, ok := w.(http.Flusher)
			require.True(t, ok)
			w.Header().Set("Content-Type", "text/event-stream")
			for _, d := range deltas {
				fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
				flusher.Flush()
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()

		default:
			http.NotFound(w, r)
		}
	}))
}

func TestOpenAIExecute(t *testing.T) {
	t.Run("streams SSE deltas until DONE", func(t *testing.T) {
		srv := newOpenAIMock(t, []string{"local-model"}, []string{"Hel", "lo"})
		defer srv.Close()

		a := NewOpenAI(openAIService(srv.URL))
		ch, err := a.Execute(context.Background(), Request{Prompt: "Say hi"})
		require.NoError(t, err)

		text, chunks, err := Drain(ch)
		require.NoError(t, err)
		assert.Equal(t, "Hello", text)
		assert.Equal(t, 2, chunks)
	})

	t.Run("api key travels as bearer token", func(t *testing.T) {
		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			fmt.Fprint(w, "data: [DONE]\n\n")
		}))
		defer srv.Close()

		svc := openAIService(srv.URL)
		svc.APIKey = "sk-test"
		a := NewOpenAI(svc)
		ch, err := a.Execute(context.Background(), Request{Prompt: "hi"})
		require.NoError(t, err)
		_, _, err = Drain(ch)
		require.NoError(t, err)
		assert.Equal(t, "Bearer sk-test", gotAuth)
	})

	t.Run("non-200 is a protocol error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":{"message":"invalid model"}}`, http.StatusBadRequest)
		}))
		defer srv.Close()

		a := NewOpenAI(openAIService(srv.URL))
		_, err := a.Execute(context.Background(), Request{Prompt: "hi"})
		require.Error(t, err)
		assert.Equal(t, fault.KindProtocol, fault.KindOf(err))
	})

	t.Run("unreachable backend is unavailable", func(t *testing.T) {
		a := NewOpenAI(openAIService("http://127.0.0.1:1"))
		_, err := a.Execute(context.Background(), Request{Prompt: "hi"})
		require.Error(t, err)
		assert.Equal(t, fault.KindUnavailable, fault.KindOf(err))
	})
}

func TestOpenAIHealth(t *testing.T) {
	t.Run("lists model ids", func(t *testing.T) {
		srv := newOpenAIMock(t, []string{"model-a", "model-b"}, nil)
		defer srv.Close()

		a := NewOpenAI(openAIService(srv.URL))
		assert.NoError(t, a.Health(context.Background()))

		models, err := a.ListModels(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"model-a", "model-b"}, models)
	})

	t.Run("unreachable is unavailable", func(t *testing.T) {
		a := NewOpenAI(openAIService("http://127.0.0.1:1"))
		err := a.Health(context.Background())
		require.Error(t, err)
		assert.Equal(t, fault.KindUnavailable, fault.KindOf(err))
	})
}
