package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ai-research-be/pkg/llm"
	"ai-research-be/pkg/research/memory"
	"ai-research-be/pkg/utils"
)

var ErrEmptyPage = errors.New("page has no readable text")

// Scanner fetches a page and extracts what it says about the question.
type Scanner interface {
	Scan(ctx context.Context, page memory.SearchResult, question string) (*memory.PageExtraction, error)
}

// PageScanner fetches over HTTP, flattens HTML to text and asks the model
// for a structured extraction.
type PageScanner struct {
	llm      llm.LLMProvider
	client   *http.Client
	maxBytes int64
	maxChars int
}

func NewPageScanner(p llm.LLMProvider, maxBytes int64, timeout time.Duration) *PageScanner {
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PageScanner{
		llm:      p,
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		maxChars: 12000,
	}
}

func (s *PageScanner) Scan(ctx context.Context, page memory.SearchResult, question string) (*memory.PageExtraction, error) {
	title, text, err := s.fetch(ctx, page.URL)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = page.Title
	}
	text = utils.Clip(text, s.maxChars)

	resp, err := s.llm.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You extract research-relevant facts from web pages. Never invent sources."},
		{Role: llm.RoleUser, Content: buildExtractionPrompt(question, page.URL, title, text)},
	}, llm.WithJSON(), llm.WithTemperature(0.2))
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", page.URL, err)
	}

	ext, err := parseExtraction(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", page.URL, err)
	}
	ext.URL = page.URL
	ext.Title = title
	return ext, nil
}

func (s *PageScanner) fetch(ctx context.Context, url string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; research-assistant/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes))
	if err != nil {
		return "", "", fmt.Errorf("read %s: %w", url, err)
	}

	var title, text string
	if strings.Contains(resp.Header.Get("Content-Type"), "text/plain") {
		text = strings.TrimSpace(string(body))
	} else if title, text, err = pageText(string(body)); err != nil {
		return "", "", fmt.Errorf("parse %s: %w", url, err)
	}
	if text == "" {
		return "", "", fmt.Errorf("%s: %w", url, ErrEmptyPage)
	}
	return title, text, nil
}

func buildExtractionPrompt(question, url, title, text string) string {
	var prompt strings.Builder
	prompt.WriteString("<question>\n")
	prompt.WriteString(question)
	prompt.WriteString("\n</question>\n\n")
	fmt.Fprintf(&prompt, "<page url=%q title=%q>\n", url, title)
	prompt.WriteString(text)
	prompt.WriteString("\n</page>\n\n")
	prompt.WriteString("Respond with ONLY valid JSON in this exact structure:\n")
	prompt.WriteString("{\n")
	prompt.WriteString("  \"potentialSources\": [\"datasets, APIs or publications the page points to\"],\n")
	prompt.WriteString("  \"potentialBarriers\": [\"licensing, access or quality problems\"],\n")
	prompt.WriteString("  \"summary\": \"what the page says about the question\",\n")
	prompt.WriteString("  \"relevanceExplanation\": \"why it matters, or not\",\n")
	prompt.WriteString("  \"relevanceScore\": 0.0\n")
	prompt.WriteString("}\n")
	return prompt.String()
}

func parseExtraction(response string) (*memory.PageExtraction, error) {
	var ext memory.PageExtraction
	if err := json.Unmarshal([]byte(extractJSON(response)), &ext); err != nil {
		return nil, fmt.Errorf("json unmarshal failed: %w", err)
	}
	if ext.RelevanceScore < 0 {
		ext.RelevanceScore = 0
	}
	if ext.RelevanceScore > 10 {
		ext.RelevanceScore = 10
	}
	return &ext, nil
}
