package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	} `json:"messages"`
}

func TestCompleter(t *testing.T) {
	var (
		mutex    sync.Mutex
		requests []chatRequest
	)
	answers := []string{"Hi, how can I help?", "It is sunny."}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		mutex.Lock()
		requests = append(requests, req)
		answer := answers[(len(requests)-1)%len(answers)]
		mutex.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": answer},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	}))
	defer srv.Close()

	c := &Completer{
		ServerURL:    srv.URL,
		APIKey:       "fake-key",
		Model:        "fake-model",
		SystemPrompt: "You are a helpful assistant.",
		HTTPClient:   srv.Client(),
	}

	answer, err := c.Complete(context.Background(), "Hello")
	require.NoError(t, err)
	require.Equal(t, "Hi, how can I help?", answer)

	answer, err = c.Complete(context.Background(), "How is the weather?")
	require.NoError(t, err)
	require.Equal(t, "It is sunny.", answer)

	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, requests, 2)
	require.Equal(t, "fake-model", requests[1].Model)
	roles := make([]string, len(requests[1].Messages))
	for i, m := range requests[1].Messages {
		roles[i] = m.Role
	}
	require.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
}

func TestCompleterServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := &Completer{ServerURL: srv.URL, APIKey: "fake-key", Model: "fake-model", HTTPClient: srv.Client()}

	_, err := c.Complete(context.Background(), "Hello")
	require.Error(t, err)
	require.Empty(t, c.messages)
}
