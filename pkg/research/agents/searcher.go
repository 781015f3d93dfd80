package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ai-research-be/pkg/research/memory"
)

// Searcher runs one web search.
type Searcher interface {
	Search(ctx context.Context, query string) ([]memory.SearchResult, error)
}

// SearxNGSearcher queries a SearxNG instance's JSON API.
type SearxNGSearcher struct {
	baseURL    string
	maxResults int
	client     *http.Client
}

func NewSearxNGSearcher(baseURL string, maxResults int, timeout time.Duration) *SearxNGSearcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &SearxNGSearcher{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		maxResults: maxResults,
		client:     &http.Client{Timeout: timeout},
	}
}

type searxResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"results"`
}

func (s *SearxNGSearcher) Search(ctx context.Context, query string) ([]memory.SearchResult, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("search %q: status %d: %s", query, resp.StatusCode, string(body))
	}

	var decoded searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]memory.SearchResult, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, memory.SearchResult{
			URL:         r.URL,
			Title:       strings.TrimSpace(r.Title),
			Description: strings.TrimSpace(r.Content),
			Query:       query,
		})
		if s.maxResults > 0 && len(results) == s.maxResults {
			break
		}
	}
	return results, nil
}
