package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ai-research-be/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatReturnsContentAndUsage(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Message:         ollamaMessage{Role: "assistant", Content: "First"},
			Done:            true,
			PromptEvalCount: 120,
			EvalCount:       3,
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3", time.Second)
	c, err := p.Chat(context.Background(), []llm.Message{{Role: "model", Content: "hi"}}, llm.WithJSON(), llm.WithModel("qwen2.5"))

	require.NoError(t, err)
	assert.Equal(t, "First", c.Content)
	assert.Equal(t, llm.Usage{PromptTokens: 120, CompletionTokens: 3}, c.Usage)
	assert.Equal(t, "qwen2.5", got.Model)
	assert.Equal(t, "json", got.Format)
	assert.False(t, got.Stream)
	assert.Equal(t, "assistant", got.Messages[0].Role)
}

func TestStreamDeliversChunksInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, part := range []string{"Solar ", "and ", "wind."} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", part)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":50,"eval_count":7}`)
	}))
	defer srv.Close()

	var chunks []string
	p := NewOllamaProvider(srv.URL, "llama3", time.Second)
	c, err := p.Stream(context.Background(), []llm.Message{{Role: "user", Content: "q"}}, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Solar ", "and ", "wind."}, chunks)
	assert.Equal(t, "Solar and wind.", c.Content)
	assert.Equal(t, 7, c.Usage.CompletionTokens)
}

func TestStreamStoppedByHandlerKeepsPartialContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, part := range []string{"Solar ", "and ", "wind."} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", part)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"eval_count":7}`)
	}))
	defer srv.Close()

	stop := errors.New("client gone")
	p := NewOllamaProvider(srv.URL, "llama3", time.Second)
	c, err := p.Stream(context.Background(), []llm.Message{{Role: "user", Content: "q"}}, func(chunk string) error {
		return stop
	})

	require.ErrorIs(t, err, stop)
	require.NotNil(t, c)
	assert.Equal(t, "Solar ", c.Content)
	assert.Zero(t, c.Usage.CompletionTokens)
}

func TestStreamErrorChunkKeepsPartialContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Wind "},"done":false}`)
		fmt.Fprintln(w, `{"error":"model runner crashed"}`)
	}))
	defer srv.Close()

	c, err := NewOllamaProvider(srv.URL, "llama3", time.Second).Stream(context.Background(), nil, func(string) error { return nil })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "model runner crashed")
	require.NotNil(t, c)
	assert.Equal(t, "Wind ", c.Content)
}

func TestNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "missing", time.Second).Chat(context.Background(), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}
