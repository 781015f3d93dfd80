package agents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ai-research-be/pkg/llm"
	"ai-research-be/pkg/ranking"

	"github.com/patrickmn/go-cache"
)

// LLMComparator asks the model which of two items better serves the
// ranking context. Verdicts are cached per (context, pair of contents) so a
// repeated pair costs nothing, whichever order it arrives in. Item IDs play
// no part in the key: callers number items per run.
type LLMComparator struct {
	llm      llm.LLMProvider
	criteria string
	verdicts *cache.Cache
}

// NewLLMComparator judges items by criteria, e.g. "search query" or "web
// page". Cached verdicts expire after ttl.
func NewLLMComparator(p llm.LLMProvider, criteria string, ttl time.Duration) *LLMComparator {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &LLMComparator{
		llm:      p,
		criteria: criteria,
		verdicts: cache.New(ttl, 10*time.Minute),
	}
}

var _ ranking.Comparator = (*LLMComparator)(nil)

func verdictKey(rankCtx string, a, b ranking.Item) string {
	return rankCtx + "\x00" + contentKey(a) + "\x00" + contentKey(b)
}

func contentKey(it ranking.Item) string {
	sum := sha256.Sum256([]byte(it.Title + "\x00" + it.Description))
	return hex.EncodeToString(sum[:16])
}

func flip(v ranking.Verdict) ranking.Verdict {
	switch v {
	case ranking.First:
		return ranking.Second
	case ranking.Second:
		return ranking.First
	default:
		return ranking.Neither
	}
}

func (c *LLMComparator) Compare(ctx context.Context, a, b ranking.Item, rankCtx string) (ranking.Verdict, error) {
	if v, ok := c.verdicts.Get(verdictKey(rankCtx, a, b)); ok {
		return v.(ranking.Verdict), nil
	}
	if v, ok := c.verdicts.Get(verdictKey(rankCtx, b, a)); ok {
		return flip(v.(ranking.Verdict)), nil
	}

	resp, err := c.llm.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a strict judge. Pick the better option or say neither."},
		{Role: llm.RoleUser, Content: c.buildPrompt(a, b, rankCtx)},
	}, llm.WithJSON(), llm.WithTemperature(0.1), llm.WithMaxTokens(64))
	if err != nil {
		return ranking.Neither, fmt.Errorf("compare %s vs %s: %w", a.ID, b.ID, err)
	}

	v := parseVerdict(resp.Content)
	c.verdicts.Set(verdictKey(rankCtx, a, b), v, cache.DefaultExpiration)
	return v, nil
}

func (c *LLMComparator) buildPrompt(a, b ranking.Item, rankCtx string) string {
	var prompt strings.Builder
	prompt.WriteString("<goal>\n")
	prompt.WriteString(rankCtx)
	prompt.WriteString("\n</goal>\n\n")
	fmt.Fprintf(&prompt, "Which %s is more useful for the goal?\n\n", c.criteria)
	fmt.Fprintf(&prompt, "FIRST:\n%s\n%s\n\n", a.Title, a.Description)
	fmt.Fprintf(&prompt, "SECOND:\n%s\n%s\n\n", b.Title, b.Description)
	prompt.WriteString("Respond with ONLY valid JSON: {\"better\": \"first\" | \"second\" | \"neither\"}\n")
	return prompt.String()
}

// parseVerdict reads {"better": ...}, falling back to a keyword scan of the
// raw text. Anything unrecognisable is Neither.
func parseVerdict(response string) ranking.Verdict {
	var out struct {
		Better string `json:"better"`
	}
	answer := response
	if err := json.Unmarshal([]byte(extractJSON(response)), &out); err == nil && out.Better != "" {
		answer = out.Better
	}
	answer = strings.ToLower(strings.TrimSpace(answer))

	hasFirst := strings.Contains(answer, "first")
	hasSecond := strings.Contains(answer, "second")
	switch {
	case hasFirst && !hasSecond:
		return ranking.First
	case hasSecond && !hasFirst:
		return ranking.Second
	case answer == "1" || answer == "a":
		return ranking.First
	case answer == "2" || answer == "b":
		return ranking.Second
	default:
		return ranking.Neither
	}
}
