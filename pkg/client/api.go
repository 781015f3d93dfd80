package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrMemoryNotFound = errors.New("memory not found")

// Turn is a chat log entry on the wire.
type Turn struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// ChatRequest starts or continues a turn.
type ChatRequest struct {
	ChatLog                     []Turn  `json:"chatLog"`
	WsClientID                  string  `json:"wsClientId,omitempty"`
	MemoryID                    string  `json:"memoryId,omitempty"`
	NumberOfSelectQueries       int     `json:"numberOfSelectQueries,omitempty"`
	PercentOfTopQueriesToSearch float64 `json:"percentOfTopQueriesToSearch,omitempty"`
	PercentOfTopResultsToScan   float64 `json:"percentOfTopResultsToScan,omitempty"`
	SilentMode                  bool    `json:"silentMode,omitempty"`
	Persist                     *bool   `json:"persist,omitempty"`
}

type ChatAccepted struct {
	MemoryID string `json:"memoryId"`
}

type MemoryView struct {
	ChatLog    []Turn  `json:"chatLog"`
	TotalCosts float64 `json:"totalCosts"`
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// API calls the research REST endpoints.
type API struct {
	baseURL string
	http    *http.Client
	token   func() (string, error)
}

type APIOption func(*API)

// WithToken adds a bearer token from src to every request.
func WithToken(src func() (string, error)) APIOption {
	return func(a *API) { a.token = src }
}

// NewAPI talks to baseURL (e.g. http://localhost:3000). Requests time out
// after timeout, 40s when zero.
func NewAPI(baseURL string, timeout time.Duration, opts ...APIOption) *API {
	if timeout <= 0 {
		timeout = 40 * time.Second
	}
	a := &API{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) StartChat(ctx context.Context, req ChatRequest) (*ChatAccepted, error) {
	var out ChatAccepted
	if err := a.do(ctx, http.MethodPost, "/api/research/chat", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) GetMemory(ctx context.Context, memoryID string) (*MemoryView, error) {
	var out MemoryView
	if err := a.do(ctx, http.MethodGet, "/api/research/memory/"+memoryID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != nil {
		tok, err := a.token()
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/api/research/memory/") {
		return ErrMemoryNotFound
	}
	if resp.StatusCode >= 300 {
		msg := env.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
