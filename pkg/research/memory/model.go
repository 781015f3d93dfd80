package memory

import (
	"strings"
	"time"
)

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAssistant || s == SenderSystem
}

type ChatTurn struct {
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// SearchResult is one page returned by the web searcher.
type SearchResult struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Query       string `json:"query"`
}

// PageExtraction is the structured summary pulled out of one scanned page.
type PageExtraction struct {
	URL                  string   `json:"url"`
	Title                string   `json:"title"`
	PotentialSources     []string `json:"potentialSources"`
	PotentialBarriers    []string `json:"potentialBarriers"`
	Summary              string   `json:"summary"`
	RelevanceExplanation string   `json:"relevanceExplanation"`
	RelevanceScore       float64  `json:"relevanceScore"`
}

// TurnArtifacts are the intermediate results of one research turn.
type TurnArtifacts struct {
	Question         string           `json:"question"`
	GeneratedQueries []string         `json:"generatedQueries"`
	RankedQueries    []string         `json:"rankedQueries"`
	SearchResults    []SearchResult   `json:"searchResults"`
	RankedResults    []SearchResult   `json:"rankedResults"`
	PageExtractions  []PageExtraction `json:"pageExtractions"`
	CreatedAt        time.Time        `json:"createdAt"`
}

type CostEntry struct {
	In  float64   `json:"in"`
	Out float64   `json:"out"`
	At  time.Time `json:"at"`
}

// CostLedger is sum-preserving: In and Out are the running sums of Entries.
type CostLedger struct {
	In      float64     `json:"in"`
	Out     float64     `json:"out"`
	Entries []CostEntry `json:"entries"`
}

func (c CostLedger) Total() float64 {
	return c.In + c.Out
}

type ConversationMemory struct {
	ID        string          `json:"memoryId"`
	ChatLog   []ChatTurn      `json:"chatLog"`
	Turns     []TurnArtifacts `json:"turns"`
	Costs     CostLedger      `json:"costLedger"`
	Persist   bool            `json:"persist"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func New(id string, persist bool, now time.Time) *ConversationMemory {
	return &ConversationMemory{
		ID:        id,
		ChatLog:   []ChatTurn{},
		Turns:     []TurnArtifacts{},
		Persist:   persist,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy, so callers can hand out snapshots.
func (m *ConversationMemory) Clone() *ConversationMemory {
	if m == nil {
		return nil
	}
	c := *m
	c.ChatLog = append([]ChatTurn(nil), m.ChatLog...)
	c.Turns = append([]TurnArtifacts(nil), m.Turns...)
	c.Costs.Entries = append([]CostEntry(nil), m.Costs.Entries...)
	return &c
}

// SeenURLs lists every URL already returned by a search in this
// conversation, so later turns do not scan the same page twice.
func (m *ConversationMemory) SeenURLs() map[string]struct{} {
	seen := make(map[string]struct{})
	for _, t := range m.Turns {
		for _, r := range t.SearchResults {
			seen[NormalizeURL(r.URL)] = struct{}{}
		}
	}
	return seen
}

// LastAssistantText is the newest assistant turn's text, or "".
func (m *ConversationMemory) LastAssistantText() string {
	for i := len(m.ChatLog) - 1; i >= 0; i-- {
		if m.ChatLog[i].Sender == SenderAssistant {
			return m.ChatLog[i].Text
		}
	}
	return ""
}

// NormalizeURL is the identity used for dedup: scheme and host lowercased,
// fragment and trailing slash dropped.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if i := strings.Index(u, "#"); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimSuffix(u, "/")
	if i := strings.Index(u, "://"); i >= 0 {
		rest := u[i+3:]
		host, path := rest, ""
		if j := strings.Index(rest, "/"); j >= 0 {
			host, path = rest[:j], rest[j:]
		}
		u = strings.ToLower(u[:i]) + "://" + strings.ToLower(host) + path
	}
	return u
}
