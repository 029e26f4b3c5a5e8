package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onchain-agent/internal/provider"
)

func completionHandler(t *testing.T, status int, response string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}
}

func TestChatCompletion(t *testing.T) {
	body := `{
		"id": "cmpl-123",
		"model": "gpt-4o",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello there"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19}
	}`
	server := httptest.NewServer(completionHandler(t, http.StatusOK, body))
	defer server.Close()

	client := New("openai", server.URL)
	resp, err := client.ChatCompletion(context.Background(), provider.Request{
		APIKey:   "sk-test",
		Model:    "gpt-4o",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "cmpl-123", resp.ID)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, int64(12), resp.Usage.PromptTokens)
	assert.Equal(t, int64(7), resp.Usage.CompletionTokens)
}

func TestChatCompletionErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, provider.ErrRateLimited},
		{"unauthorized", http.StatusUnauthorized, provider.ErrAuthFailed},
		{"forbidden", http.StatusForbidden, provider.ErrAuthFailed},
		{"bad request", http.StatusBadRequest, provider.ErrInvalidRequest},
		{"server error", http.StatusInternalServerError, provider.ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(completionHandler(t, tc.status, `{"error":"nope"}`))
			defer server.Close()

			client := New("openai", server.URL)
			_, err := client.ChatCompletion(context.Background(), provider.Request{
				APIKey:   "sk-test",
				Model:    "gpt-4o",
				Messages: []provider.Message{{Role: "user", Content: "hi"}},
			})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestChatCompletionEmptyChoices(t *testing.T) {
	body := `{"id": "cmpl-0", "model": "gpt-4o", "choices": [], "usage": {}}`
	server := httptest.NewServer(completionHandler(t, http.StatusOK, body))
	defer server.Close()

	client := New("openai", server.URL)
	_, err := client.ChatCompletion(context.Background(), provider.Request{
		APIKey:   "sk-test",
		Model:    "gpt-4o",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	assert.Error(t, err)
}

func TestChatCompletionUnreachable(t *testing.T) {
	client := New("openai", "http://127.0.0.1:1")
	_, err := client.ChatCompletion(context.Background(), provider.Request{
		APIKey:   "sk-test",
		Model:    "gpt-4o",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	assert.ErrorIs(t, err, provider.ErrUnavailable)
}
