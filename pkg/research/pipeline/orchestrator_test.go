package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ai-research-be/pkg/events"
	"ai-research-be/pkg/llm"
	"ai-research-be/pkg/ranking"
	"ai-research-be/pkg/research/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	answer  string
	chunked bool
	err     error

	mu        sync.Mutex
	histories [][]llm.Message
}

func (f *fakeLLM) Chat(ctx context.Context, history []llm.Message, _ ...llm.Option) (*llm.Completion, error) {
	return f.Stream(ctx, history, func(string) error { return nil })
}

func (f *fakeLLM) Stream(_ context.Context, history []llm.Message, onToken llm.TokenHandler, _ ...llm.Option) (*llm.Completion, error) {
	f.mu.Lock()
	f.histories = append(f.histories, history)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.chunked {
		for _, w := range strings.SplitAfter(f.answer, " ") {
			if err := onToken(w); err != nil {
				return nil, err
			}
		}
	}
	return &llm.Completion{Content: f.answer, Usage: llm.Usage{PromptTokens: 400, CompletionTokens: 100}}, nil
}

func (f *fakeLLM) lastHistory() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.histories[len(f.histories)-1]
}

type fakeGenerator struct {
	calls   atomic.Int32
	queries []string
	err     error
	hook    func()
}

func (g *fakeGenerator) Generate(_ context.Context, _ string, n int) ([]string, error) {
	g.calls.Add(1)
	if g.hook != nil {
		g.hook()
	}
	if g.err != nil {
		return nil, g.err
	}
	if len(g.queries) > n {
		return g.queries[:n], nil
	}
	return g.queries, nil
}

type fakeSearcher struct {
	perQuery int
	fail     map[string]bool
	extra    []memory.SearchResult
}

func (s *fakeSearcher) Search(_ context.Context, q string) ([]memory.SearchResult, error) {
	if s.fail[q] {
		return nil, errors.New("search backend down")
	}
	var out []memory.SearchResult
	for j := 0; j < s.perQuery; j++ {
		out = append(out, memory.SearchResult{
			URL:   fmt.Sprintf("https://site%d.example/%s", j, strings.ReplaceAll(q, " ", "-")),
			Title: fmt.Sprintf("%02d %s", j, q),
			Query: q,
		})
	}
	return append(out, s.extra...), nil
}

type fakeScanner struct {
	mu      sync.Mutex
	scanned []string
	fail    func(url string) bool
}

func (s *fakeScanner) Scan(_ context.Context, page memory.SearchResult, _ string) (*memory.PageExtraction, error) {
	s.mu.Lock()
	s.scanned = append(s.scanned, page.URL)
	s.mu.Unlock()
	if s.fail != nil && s.fail(page.URL) {
		return nil, errors.New("fetch failed")
	}
	return &memory.PageExtraction{URL: page.URL, Title: page.Title, Summary: "facts from " + page.URL, RelevanceScore: 7}, nil
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []events.TurnCompleted
}

func (p *recordingPublisher) PublishTurnCompleted(_ context.Context, ev events.TurnCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, ev)
	return nil
}

// byTitle prefers the lexicographically smaller title.
var byTitle = ranking.ComparatorFunc(func(_ context.Context, a, b ranking.Item, _ string) (ranking.Verdict, error) {
	if a.Title < b.Title {
		return ranking.First, nil
	}
	return ranking.Second, nil
})

type harness struct {
	orch      *Orchestrator
	ledger    *memory.Ledger
	model     *fakeLLM
	generator *fakeGenerator
	searcher  *fakeSearcher
	scanner   *fakeScanner
	publisher *recordingPublisher
}

func newHarness(cfg Config) *harness {
	h := &harness{
		ledger: memory.NewLedger(memory.NewCacheStore(0), memory.NewCacheStore(0), nil),
		model:  &fakeLLM{answer: "Renewable energy comes from sources that replenish naturally.", chunked: true},
		generator: &fakeGenerator{queries: []string{
			"a renewable energy definition", "b solar", "c wind", "d hydro", "e geothermal", "f biomass", "g tidal",
		}},
		searcher:  &fakeSearcher{perQuery: 8},
		scanner:   &fakeScanner{},
		publisher: &recordingPublisher{},
	}
	metered := &llm.Metered{
		Provider: h.model,
		Pricing:  llm.Pricing{InputPer1K: 0.5, OutputPer1K: 1.5},
		Counter:  llm.TokenCounterFunc(func(s string) int { return len(s) }),
	}
	h.orch = NewOrchestrator(Deps{
		LLM:             metered,
		Generator:       h.generator,
		QueryComparator: byTitle,
		PageComparator:  byTitle,
		Searcher:        h.searcher,
		Scanner:         h.scanner,
		Ledger:          h.ledger,
		Publisher:       h.publisher,
	}, cfg)
	return h
}

func turn(memoryID, msg string) Turn {
	return Turn{MemoryID: memoryID, Message: msg, Options: DefaultOptions(), Persist: true}
}

func TestTopFraction(t *testing.T) {
	tests := []struct {
		n    int
		pct  float64
		want int
	}{
		{8, 0.25, 2},
		{0, 0.25, 0},
		{7, 0.25, 1},
		{3, 1, 3},
		{5, 0, 0},
		{4, 1.5, 4},
		{100, 0.29, 29},
		{100, 0.57, 57},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d*%v", tt.n, tt.pct), func(t *testing.T) {
			assert.Equal(t, tt.want, topFraction(tt.n, tt.pct))
		})
	}
}

func TestFirstTurnRunsFullPipeline(t *testing.T) {
	h := newHarness(DefaultConfig())
	rec := &events.Recorder{}
	ctx := context.Background()

	run := h.orch.NewRun(turn("m1", "What is renewable energy?"), rec)
	res, err := run.Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, Completed, run.State())
	assert.Equal(t, ModeResearch, res.Mode)
	assert.NotEmpty(t, res.Answer)

	require.NotNil(t, res.Artifacts)
	assert.Len(t, res.Artifacts.GeneratedQueries, 7)
	assert.Equal(t, []string{"a renewable energy definition"}, res.Artifacts.RankedQueries[:1])
	assert.Len(t, res.Artifacts.SearchResults, 8)
	assert.Len(t, res.Artifacts.PageExtractions, 2)
	assert.Len(t, h.scanner.scanned, 2)
	assert.Equal(t, "00 a renewable energy definition", res.Artifacts.RankedResults[0].Title)

	total, err := h.ledger.TotalCost(ctx, "m1")
	require.NoError(t, err)
	assert.Greater(t, total, 0.0)
	assert.InDelta(t, res.Cost.Total, total, 1e-9)

	mem, ok, err := h.ledger.Load(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, mem.ChatLog, 2)
	assert.Equal(t, memory.SenderAssistant, mem.ChatLog[1].Sender)
	assert.Len(t, mem.Turns, 1)

	require.Len(t, h.publisher.got, 1)
	assert.Equal(t, "m1", h.publisher.got[0].MemoryID)
	assert.Equal(t, len(res.Answer), h.publisher.got[0].AnswerLength)
}

func TestEventOrdering(t *testing.T) {
	h := newHarness(DefaultConfig())
	rec := &events.Recorder{}
	_, err := h.orch.RunTurn(context.Background(), turn("m1", "What is renewable energy?"), rec)
	require.NoError(t, err)

	types := rec.Types(events.CostUpdate)
	require.NotEmpty(t, types)
	assert.Equal(t, events.AgentStart, types[0])

	firstStream, streamEnd, midCompleted := -1, -1, -1
	for i, typ := range types {
		switch typ {
		case events.StreamResponse:
			if firstStream < 0 {
				firstStream = i
			}
		case events.StreamEnd:
			streamEnd = i
		case events.AgentCompleted:
			if midCompleted < 0 {
				midCompleted = i
			}
		case events.Error, events.ChatResponse:
			t.Fatalf("unexpected %s", typ)
		}
	}
	require.Positive(t, firstStream)
	assert.Less(t, midCompleted, firstStream)
	assert.Greater(t, streamEnd, firstStream)
	assert.Equal(t, events.AgentCompleted, types[len(types)-1])
	assert.Equal(t, len(types)-2, streamEnd)

	all := rec.Events()
	last := all[len(all)-1]
	assert.True(t, last.IsFinal)
	for _, ev := range all {
		if ev.Type == events.AgentCompleted && ev != last {
			assert.False(t, ev.IsFinal)
		}
	}

	var updates int
	for _, typ := range types {
		if typ == events.AgentUpdate {
			updates++
		}
	}
	assert.Equal(t, 5, updates)
}

func TestFollowUpUsesChatMode(t *testing.T) {
	h := newHarness(DefaultConfig())
	ctx := context.Background()
	_, err := h.orch.RunTurn(ctx, turn("m1", "What is renewable energy?"), nil)
	require.NoError(t, err)

	rec := &events.Recorder{}
	h.model.answer = "Solar and wind lead the growth."
	res, err := h.orch.RunTurn(ctx, turn("m1", "Which grows fastest?"), rec)
	require.NoError(t, err)

	assert.Equal(t, ModeChat, res.Mode)
	assert.Nil(t, res.Artifacts)
	assert.Equal(t, int32(1), h.generator.calls.Load())

	history := h.model.lastHistory()
	require.Len(t, history, 4)
	assert.Equal(t, llm.RoleSystem, history[0].Role)
	assert.Equal(t, "What is renewable energy?", history[1].Content)
	assert.Equal(t, llm.RoleAssistant, history[2].Role)
	assert.Equal(t, "Which grows fastest?", history[3].Content)

	types := rec.Types(events.CostUpdate)
	assert.Equal(t, events.AgentStart, types[0])
	assert.NotContains(t, types, events.AgentUpdate)
	assert.Equal(t, events.StreamEnd, types[len(types)-2])
	assert.Equal(t, events.AgentCompleted, types[len(types)-1])

	mem, _, err := h.ledger.Load(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, mem.ChatLog, 4)
	assert.Equal(t, "Solar and wind lead the growth.", mem.LastAssistantText())
}

func TestPriorTurnsSeedNewConversation(t *testing.T) {
	h := newHarness(DefaultConfig())
	tr := turn("m2", "And offshore?")
	tr.Prior = []memory.ChatTurn{
		{Sender: memory.SenderUser, Text: "Wind capacity in Europe?"},
		{Sender: memory.SenderAssistant, Text: "About 250 GW."},
	}
	res, err := h.orch.RunTurn(context.Background(), tr, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeChat, res.Mode)
	assert.Zero(t, h.generator.calls.Load())
}

func TestChatResponseWhenNothingStreamed(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.model.chunked = false
	rec := &events.Recorder{}

	_, err := h.orch.RunTurn(context.Background(), turn("m1", "What is renewable energy?"), rec)
	require.NoError(t, err)

	types := rec.Types(events.CostUpdate)
	assert.NotContains(t, types, events.StreamResponse)
	n := len(types)
	assert.Equal(t, []events.ProgressType{events.ChatResponse, events.StreamEnd, events.AgentCompleted}, types[n-3:])
}

func TestGeneratorFailureIsFatal(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.generator.err = errors.New("model offline")
	rec := &events.Recorder{}

	run := h.orch.NewRun(turn("m1", "What is renewable energy?"), rec)
	_, err := run.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, Error, run.State())

	types := rec.Types(events.CostUpdate)
	var errorsSeen int
	for _, typ := range types {
		assert.NotEqual(t, events.StreamResponse, typ)
		if typ == events.Error {
			errorsSeen++
		}
	}
	assert.Equal(t, 1, errorsSeen)
	assert.Equal(t, events.Error, types[len(types)-1])

	mem, _, err := h.ledger.Load(context.Background(), "m1")
	require.NoError(t, err)
	assert.Empty(t, mem.LastAssistantText())
	assert.Empty(t, h.publisher.got)
}

func TestRetryAfterFailedFirstTurnStillResearches(t *testing.T) {
	h := newHarness(DefaultConfig())
	ctx := context.Background()
	h.generator.err = errors.New("model offline")

	_, err := h.orch.RunTurn(ctx, turn("m1", "What is renewable energy?"), nil)
	require.Error(t, err)

	mem, ok, err := h.ledger.Load(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, mem.ChatLog)

	h.generator.err = nil
	res, err := h.orch.RunTurn(ctx, turn("m1", "What is renewable energy?"), nil)
	require.NoError(t, err)
	assert.Equal(t, ModeResearch, res.Mode)
	assert.Equal(t, int32(2), h.generator.calls.Load())

	mem, _, err = h.ledger.Load(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, mem.ChatLog, 2)
	assert.Equal(t, memory.SenderUser, mem.ChatLog[0].Sender)
	assert.Equal(t, memory.SenderAssistant, mem.ChatLog[1].Sender)
}

func TestFailedFollowUpKeepsEarlierTurns(t *testing.T) {
	h := newHarness(DefaultConfig())
	ctx := context.Background()
	_, err := h.orch.RunTurn(ctx, turn("m1", "What is renewable energy?"), nil)
	require.NoError(t, err)

	h.model.err = errors.New("context length exceeded")
	_, err = h.orch.RunTurn(ctx, turn("m1", "Which grows fastest?"), nil)
	require.Error(t, err)

	mem, _, err := h.ledger.Load(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, mem.ChatLog, 2)
	assert.Len(t, mem.Turns, 1)
	assert.Equal(t, "What is renewable energy?", mem.ChatLog[0].Text)
}

func TestSynthesisFailureIsFatal(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.model.err = errors.New("context length exceeded")
	rec := &events.Recorder{}

	_, err := h.orch.RunTurn(context.Background(), turn("m1", "What is renewable energy?"), rec)
	require.Error(t, err)

	types := rec.Types(events.CostUpdate)
	assert.Equal(t, events.Error, types[len(types)-1])
	assert.NotContains(t, types, events.StreamEnd)
}

func TestInvalidTurnIsRejected(t *testing.T) {
	h := newHarness(DefaultConfig())

	tests := []struct {
		name string
		turn Turn
	}{
		{"empty message", turn("m1", "  ")},
		{"missing memory id", turn("", "q")},
		{"bad fraction", Turn{MemoryID: "m1", Message: "q", Options: Options{NumberOfSelectQueries: 7, PercentOfTopQueriesToSearch: 2}}},
		{"zero queries", Turn{MemoryID: "m1", Message: "q", Options: Options{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &events.Recorder{}
			_, err := h.orch.RunTurn(context.Background(), tt.turn, rec)
			assert.ErrorIs(t, err, ErrInvalidTurn)
			assert.Equal(t, []events.ProgressType{events.Error}, rec.Types())
		})
	}
	assert.Zero(t, h.generator.calls.Load())
}

func TestFailedSearchesAndScansAreSkipped(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.searcher.fail = map[string]bool{"b solar": true}
	h.scanner.fail = func(url string) bool { return strings.HasPrefix(url, "https://site0.") }
	tr := turn("m1", "What is renewable energy?")
	tr.Options.PercentOfTopQueriesToSearch = 0.5

	res, err := h.orch.RunTurn(context.Background(), tr, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a renewable energy definition", "b solar", "c wind"}, res.Artifacts.RankedQueries[:3])
	assert.Len(t, res.Artifacts.SearchResults, 16)
	assert.Len(t, h.scanner.scanned, 4)
	assert.Len(t, res.Artifacts.PageExtractions, 2)
}

func TestURLsFromEarlierTurnsAreSkipped(t *testing.T) {
	h := newHarness(DefaultConfig())
	ctx := context.Background()
	seenURL := "https://site3.example/a-renewable-energy-definition"

	_, err := h.ledger.LoadOrCreate(ctx, "m1", true)
	require.NoError(t, err)
	require.NoError(t, h.ledger.SaveArtifacts(ctx, "m1", memory.TurnArtifacts{
		SearchResults: []memory.SearchResult{{URL: seenURL + "/"}},
	}))
	h.searcher.extra = []memory.SearchResult{{URL: "https://SITE1.example/a-renewable-energy-definition", Title: "dup"}}

	res, err := h.orch.RunTurn(ctx, turn("m1", "What is renewable energy?"), nil)
	require.NoError(t, err)

	require.Len(t, res.Artifacts.SearchResults, 7)
	for _, r := range res.Artifacts.SearchResults {
		assert.NotEqual(t, seenURL, r.URL)
		assert.NotEqual(t, "dup", r.Title)
	}
}

func TestCancellationStopsPipeline(t *testing.T) {
	h := newHarness(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.generator.hook = cancel
	rec := &events.Recorder{}

	run := h.orch.NewRun(turn("m1", "What is renewable energy?"), rec)
	_, err := run.Execute(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Error, run.State())
	assert.Empty(t, h.scanner.scanned)

	types := rec.Types(events.CostUpdate)
	assert.Equal(t, events.Error, types[len(types)-1])
	assert.NotContains(t, types, events.StreamResponse)
	assert.Equal(t, "Research cancelled", rec.Events()[len(rec.Events())-1].Message)
}

func TestCostTickerStops(t *testing.T) {
	rec := &events.Recorder{}
	ticker := StartCostTicker(2*time.Millisecond, rec, func() (float64, float64) { return 0.25, 0.5 })

	require.Eventually(t, func() bool { return len(rec.Events()) >= 2 }, time.Second, time.Millisecond)
	ticker.Stop()
	n := len(rec.Events())
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, rec.Events(), n)

	ev := rec.Events()[0]
	assert.Equal(t, events.CostUpdate, ev.Type)
	assert.InDelta(t, 0.75, ev.Cost.Total, 1e-9)

	ticker.Stop()
	StartCostTicker(0, rec, nil).Stop()
}

func TestTickerReportsDuringTurn(t *testing.T) {
	h := newHarness(Config{MaxConcurrency: 2, CostUpdateInterval: time.Millisecond})
	rec := &events.Recorder{}

	_, err := h.orch.RunTurn(context.Background(), turn("m1", "What is renewable energy?"), rec)
	require.NoError(t, err)

	var costs int
	for _, ev := range rec.Events() {
		if ev.Type == events.CostUpdate {
			costs++
		}
	}
	assert.GreaterOrEqual(t, costs, 1)
}

func TestAgentStartPrecedesCostUpdates(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(Config{MaxConcurrency: 2, CostUpdateInterval: time.Nanosecond})
		rec := &events.Recorder{}

		_, err := h.orch.RunTurn(context.Background(), turn(fmt.Sprintf("m%d", i), "What is renewable energy?"), rec)
		require.NoError(t, err)
		require.Equal(t, events.AgentStart, rec.Events()[0].Type)
	}
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "scanning_pages", ScanningPages.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, Completed.Terminal())
	assert.False(t, StreamingAnswer.Terminal())
}
