package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ai-research-be/pkg/llm"
)

var ErrNoQueries = errors.New("query generator returned no queries")

// QueryGenerator turns a research question into candidate web searches.
type QueryGenerator interface {
	Generate(ctx context.Context, question string, n int) ([]string, error)
}

type LLMQueryGenerator struct {
	llm llm.LLMProvider
}

func NewLLMQueryGenerator(p llm.LLMProvider) *LLMQueryGenerator {
	return &LLMQueryGenerator{llm: p}
}

func (g *LLMQueryGenerator) Generate(ctx context.Context, question string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	resp, err := g.llm.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: queryGeneratorSystemPrompt},
		{Role: llm.RoleUser, Content: buildQueryPrompt(question, n)},
	}, llm.WithJSON(), llm.WithTemperature(0.8))
	if err != nil {
		return nil, fmt.Errorf("generate queries: %w", err)
	}

	queries, err := parseQueries(resp.Content)
	if err != nil {
		return nil, err
	}
	if len(queries) > n {
		queries = queries[:n]
	}
	return queries, nil
}

const queryGeneratorSystemPrompt = "You write web search queries for a research assistant. " +
	"Each query must be short, specific and likely to surface primary data sources."

func buildQueryPrompt(question string, n int) string {
	var prompt strings.Builder
	prompt.WriteString("<question>\n")
	prompt.WriteString(question)
	prompt.WriteString("\n</question>\n\n")
	fmt.Fprintf(&prompt, "Write %d distinct search queries that together cover the question.\n", n)
	prompt.WriteString("Respond with ONLY valid JSON: {\"queries\": [\"...\", \"...\"]}\n")
	return prompt.String()
}

// parseQueries accepts {"queries": [...]} or a bare array, trims and
// de-duplicates case-insensitively.
func parseQueries(response string) ([]string, error) {
	content := extractJSON(response)

	var raw []string
	var wrapped struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(content), &wrapped); err == nil && len(wrapped.Queries) > 0 {
		raw = wrapped.Queries
	} else if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("%w: unparseable response", ErrNoQueries)
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, q := range raw {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, q)
	}
	if len(out) == 0 {
		return nil, ErrNoQueries
	}
	return out, nil
}
