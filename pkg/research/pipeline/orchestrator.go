// Package pipeline runs one research turn: generate queries, rank them,
// search, rank the pages, scan the best ones and stream a synthesized
// answer. Follow-up turns in a conversation skip straight to a streamed
// chat answer over the full history.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ai-research-be/internal/pkg/logger"
	"ai-research-be/pkg/events"
	"ai-research-be/pkg/llm"
	"ai-research-be/pkg/ranking"
	"ai-research-be/pkg/research/agents"
	"ai-research-be/pkg/research/memory"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// CompletionPublisher announces finished turns. The bridge waits on these.
type CompletionPublisher interface {
	PublishTurnCompleted(ctx context.Context, ev events.TurnCompleted) error
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	LLM             llm.LLMProvider
	Generator       agents.QueryGenerator
	QueryComparator ranking.Comparator
	PageComparator  ranking.Comparator
	Searcher        agents.Searcher
	Scanner         agents.Scanner
	Ledger          *memory.Ledger
	Publisher       CompletionPublisher
	Logger          logger.ILogger
}

type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger logger.ILogger
	tracer trace.Tracer
}

func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: log,
		tracer: otel.Tracer("research-pipeline"),
	}
}

// Turn is one user message against one conversation.
type Turn struct {
	MemoryID string
	Message  string
	Options  Options
	Persist  bool
	// Prior seeds a conversation that does not exist yet with turns the
	// client already holds.
	Prior []memory.ChatTurn
}

type Result struct {
	MemoryID  string
	Mode      Mode
	Answer    string
	Cost      events.CostSnapshot
	Artifacts *memory.TurnArtifacts
}

// Run is one execution of a Turn. State is safe to read from any
// goroutine.
type Run struct {
	o     *Orchestrator
	turn  Turn
	sink  events.Sink
	state atomic.Int32
}

func (o *Orchestrator) NewRun(turn Turn, sink events.Sink) *Run {
	if sink == nil {
		sink = events.Discard
	}
	return &Run{o: o, turn: turn, sink: sink}
}

// RunTurn builds a Run and executes it.
func (o *Orchestrator) RunTurn(ctx context.Context, turn Turn, sink events.Sink) (*Result, error) {
	return o.NewRun(turn, sink).Execute(ctx)
}

func (r *Run) State() State {
	return State(r.state.Load())
}

func (r *Run) enter(ctx context.Context, s State) (context.Context, trace.Span) {
	r.state.Store(int32(s))
	return r.o.tracer.Start(ctx, "pipeline."+s.String(), trace.WithAttributes(
		attribute.String("memory_id", r.turn.MemoryID),
	))
}

// fail ends the run: one error event, state Error.
func (r *Run) fail(err error) error {
	r.state.Store(int32(Error))
	msg := err.Error()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		msg = "Research cancelled"
	}
	r.sink.Emit(events.Failure(msg))
	r.o.logger.Error("Pipeline", "Turn failed", map[string]interface{}{
		"memory_id": r.turn.MemoryID,
		"error":     err,
	})
	return err
}

func (r *Run) validate() error {
	if strings.TrimSpace(r.turn.MemoryID) == "" {
		return fmt.Errorf("%w: memoryId is required", ErrInvalidTurn)
	}
	if strings.TrimSpace(r.turn.Message) == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidTurn)
	}
	return r.turn.Options.Validate()
}

// Execute runs the turn to Completed or Error. The caller is expected to
// hold the ledger's turn lock for the memoryId.
func (r *Run) Execute(ctx context.Context) (*Result, error) {
	o := r.o
	if err := r.validate(); err != nil {
		return nil, r.fail(err)
	}
	ctx, span := o.tracer.Start(ctx, "pipeline.turn", trace.WithAttributes(attribute.String("memory_id", r.turn.MemoryID)))
	defer span.End()

	mem, mark, err := r.prepareMemory(ctx)
	if err != nil {
		r.rollback(ctx, mark)
		return nil, r.fail(err)
	}

	mode := ModeChat
	if userTurns(mem.ChatLog) == 1 {
		mode = ModeResearch
	}
	span.SetAttributes(attribute.String("mode", string(mode)))

	if mode == ModeResearch {
		r.sink.Emit(events.Start("Researching: " + r.turn.Message))
	} else {
		r.sink.Emit(events.Start("Thinking about your follow-up"))
	}

	meter := newCostMeter(o.deps.Ledger, r.turn.MemoryID, mem.Costs.In, mem.Costs.Out, o.logger)
	ctx = llm.WithCostRecorder(ctx, meter.recorder(ctx))
	ticker := StartCostTicker(o.cfg.CostUpdateInterval, r.sink, meter.snapshot)
	defer ticker.Stop()

	o.logger.Info("Pipeline", "Turn started", map[string]interface{}{
		"memory_id": r.turn.MemoryID,
		"mode":      mode,
	})

	var res *Result
	if mode == ModeResearch {
		res, err = r.research(ctx, mem)
	} else {
		res, err = r.chat(ctx, mem)
	}
	if err != nil {
		ticker.Stop()
		r.rollback(ctx, mark)
		return nil, r.fail(err)
	}

	ticker.Stop()
	in, out := meter.snapshot()
	res.Cost = events.CostSnapshot{In: in, Out: out, Total: in + out}
	r.sink.Emit(events.Cost(in, out))

	r.state.Store(int32(Completed))
	r.sink.Emit(events.Completed("Answer ready", true))
	r.publish(ctx, res)

	o.logger.Info("Pipeline", "Turn completed", map[string]interface{}{
		"memory_id":     r.turn.MemoryID,
		"mode":          mode,
		"answer_length": len(res.Answer),
		"total_cost":    res.Cost.Total,
	})
	return res, nil
}

func userTurns(log []memory.ChatTurn) int {
	n := 0
	for _, t := range log {
		if t.Sender == memory.SenderUser {
			n++
		}
	}
	return n
}

// logMark is the length of a conversation's chat log and artifacts before
// a turn touched it.
type logMark struct {
	chat  int
	turns int
}

func (r *Run) prepareMemory(ctx context.Context) (*memory.ConversationMemory, *logMark, error) {
	ledger := r.o.deps.Ledger
	mem, err := ledger.LoadOrCreate(ctx, r.turn.MemoryID, r.turn.Persist)
	if err != nil {
		return nil, nil, fmt.Errorf("load memory: %w", err)
	}
	mark := &logMark{chat: len(mem.ChatLog), turns: len(mem.Turns)}
	if len(mem.ChatLog) == 0 && len(r.turn.Prior) > 0 {
		for _, t := range r.turn.Prior {
			if _, err := ledger.Append(ctx, r.turn.MemoryID, t); err != nil {
				return nil, mark, fmt.Errorf("seed memory: %w", err)
			}
		}
	}
	mem, err = ledger.Append(ctx, r.turn.MemoryID, memory.ChatTurn{Sender: memory.SenderUser, Text: r.turn.Message})
	if err != nil {
		return nil, mark, fmt.Errorf("append user turn: %w", err)
	}
	return mem, mark, nil
}

// rollback drops what a failed turn added to the conversation, so a retry
// of the same message sees it as it was. Costs already spent stay.
func (r *Run) rollback(ctx context.Context, mark *logMark) {
	if mark == nil {
		return
	}
	_, err := r.o.deps.Ledger.Update(context.WithoutCancel(ctx), r.turn.MemoryID, func(m *memory.ConversationMemory) error {
		if len(m.ChatLog) > mark.chat {
			m.ChatLog = m.ChatLog[:mark.chat]
		}
		if len(m.Turns) > mark.turns {
			m.Turns = m.Turns[:mark.turns]
		}
		return nil
	})
	if err != nil {
		r.o.logger.Warn("Pipeline", "Failed to roll back turn", map[string]interface{}{
			"memory_id": r.turn.MemoryID,
			"error":     err.Error(),
		})
	}
}

func (r *Run) research(ctx context.Context, mem *memory.ConversationMemory) (*Result, error) {
	o := r.o
	question := r.turn.Message
	opts := r.turn.Options
	art := memory.TurnArtifacts{Question: question}

	// Generate
	stageCtx, span := r.enter(ctx, GeneratingQueries)
	r.sink.Emit(events.Update("Generating search queries"))
	queries, err := o.deps.Generator.Generate(stageCtx, question, opts.NumberOfSelectQueries)
	span.End()
	if err != nil {
		return nil, err
	}
	art.GeneratedQueries = queries
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Rank queries
	stageCtx, span = r.enter(ctx, RankingQueries)
	r.sink.Emit(events.Update(fmt.Sprintf("Ranking %d candidate queries", len(queries))))
	ranked := o.tournament(o.deps.QueryComparator, "queries").Rank(stageCtx, queryItems(queries), question, ranking.ComparisonBudget(len(queries)))
	span.End()
	art.RankedQueries = make([]string, len(ranked))
	for i, it := range ranked {
		art.RankedQueries[i] = it.Payload.(string)
	}
	selected := art.RankedQueries[:topFraction(len(ranked), opts.PercentOfTopQueriesToSearch)]
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Search
	stageCtx, span = r.enter(ctx, SearchingWeb)
	r.sink.Emit(events.Update(fmt.Sprintf("Searching the web with %d queries", len(selected))))
	art.SearchResults = r.search(stageCtx, selected, mem.SeenURLs())
	span.SetAttributes(attribute.Int("results", len(art.SearchResults)))
	span.End()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Rank pages
	stageCtx, span = r.enter(ctx, RankingResults)
	r.sink.Emit(events.Update(fmt.Sprintf("Ranking %d pages", len(art.SearchResults))))
	rankedPages := o.tournament(o.deps.PageComparator, "pages").Rank(stageCtx, pageItems(art.SearchResults), question, ranking.ComparisonBudget(len(art.SearchResults)))
	span.End()
	art.RankedResults = make([]memory.SearchResult, len(rankedPages))
	for i, it := range rankedPages {
		art.RankedResults[i] = it.Payload.(memory.SearchResult)
	}
	toScan := art.RankedResults[:topFraction(len(rankedPages), opts.PercentOfTopResultsToScan)]
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Scan
	stageCtx, span = r.enter(ctx, ScanningPages)
	r.sink.Emit(events.Update(fmt.Sprintf("Scanning %d pages", len(toScan))))
	art.PageExtractions = r.scan(stageCtx, toScan, question)
	span.End()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.sink.Emit(events.Completed(fmt.Sprintf("Scanned %d of %d pages", len(art.PageExtractions), len(toScan)), false))

	// Synthesize
	stageCtx, span = r.enter(ctx, Synthesizing)
	answer, err := r.stream(stageCtx, []llm.Message{
		{Role: llm.RoleSystem, Content: synthesisSystemPrompt},
		{Role: llm.RoleUser, Content: buildSynthesisPrompt(question, art.PageExtractions)},
	})
	span.End()
	if err != nil {
		return nil, err
	}

	if err := r.persistAnswer(ctx, answer, &art); err != nil {
		return nil, err
	}
	return &Result{MemoryID: r.turn.MemoryID, Mode: ModeResearch, Answer: answer, Artifacts: &art}, nil
}

func (r *Run) chat(ctx context.Context, mem *memory.ConversationMemory) (*Result, error) {
	stageCtx, span := r.enter(ctx, Synthesizing)
	answer, err := r.stream(stageCtx, chatHistory(mem.ChatLog))
	span.End()
	if err != nil {
		return nil, err
	}
	if err := r.persistAnswer(ctx, answer, nil); err != nil {
		return nil, err
	}
	return &Result{MemoryID: r.turn.MemoryID, Mode: ModeChat, Answer: answer}, nil
}

// stream pushes chunks as stream_response and closes with stream_end. A
// backend that produced no chunks gets its whole answer as chat_response.
func (r *Run) stream(ctx context.Context, history []llm.Message) (string, error) {
	chunks := 0
	c, err := r.o.deps.LLM.Stream(ctx, history, func(chunk string) error {
		if chunk == "" {
			return nil
		}
		if chunks == 0 {
			r.state.Store(int32(StreamingAnswer))
		}
		chunks++
		r.sink.Emit(events.Token(chunk))
		return ctx.Err()
	})
	if err != nil {
		return "", fmt.Errorf("synthesize answer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.state.Store(int32(StreamingAnswer))
	answer := strings.TrimSpace(c.Content)
	if chunks == 0 && answer != "" {
		r.sink.Emit(events.Chat(answer))
	}
	r.sink.Emit(events.End())
	if answer == "" {
		return "", errors.New("synthesize answer: model returned an empty answer")
	}
	return answer, nil
}

func (r *Run) persistAnswer(ctx context.Context, answer string, art *memory.TurnArtifacts) error {
	ledger := r.o.deps.Ledger
	writeCtx := context.WithoutCancel(ctx)
	if art != nil {
		if err := ledger.SaveArtifacts(writeCtx, r.turn.MemoryID, *art); err != nil {
			return fmt.Errorf("save artifacts: %w", err)
		}
	}
	if _, err := ledger.Append(writeCtx, r.turn.MemoryID, memory.ChatTurn{Sender: memory.SenderAssistant, Text: answer}); err != nil {
		return fmt.Errorf("append answer: %w", err)
	}
	return nil
}

func (r *Run) publish(ctx context.Context, res *Result) {
	if r.o.deps.Publisher == nil {
		return
	}
	ev := events.TurnCompleted{
		MemoryID:     res.MemoryID,
		Mode:         string(res.Mode),
		AnswerLength: len(res.Answer),
		TotalCost:    res.Cost.Total,
		CompletedAt:  time.Now(),
	}
	if err := r.o.deps.Publisher.PublishTurnCompleted(context.WithoutCancel(ctx), ev); err != nil {
		r.o.logger.Warn("Pipeline", "Failed to publish turn completion", map[string]interface{}{
			"memory_id": res.MemoryID,
			"error":     err.Error(),
		})
	}
}

func (o *Orchestrator) tournament(cmp ranking.Comparator, name string) *ranking.Tournament {
	return ranking.NewTournament(cmp,
		ranking.WithName(name),
		ranking.WithLogger(o.logger),
		ranking.WithConvergenceWindow(o.cfg.ConvergenceWindow),
	)
}

func queryItems(queries []string) []ranking.Item {
	items := make([]ranking.Item, len(queries))
	for i, q := range queries {
		items[i] = ranking.Item{ID: fmt.Sprintf("q%d", i), Title: q, Payload: q}
	}
	return items
}

func pageItems(results []memory.SearchResult) []ranking.Item {
	items := make([]ranking.Item, len(results))
	for i, res := range results {
		items[i] = ranking.Item{ID: memory.NormalizeURL(res.URL), Title: res.Title, Description: res.Description, Payload: res}
	}
	return items
}

// search runs the selected queries on a bounded pool. Failed searches are
// skipped. Results keep query order and drop any URL already seen in this
// turn or an earlier one.
func (r *Run) search(ctx context.Context, queries []string, seen map[string]struct{}) []memory.SearchResult {
	perQuery := make([][]memory.SearchResult, len(queries))
	var g errgroup.Group
	g.SetLimit(r.o.cfg.MaxConcurrency)
	for i, q := range queries {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, err := r.o.deps.Searcher.Search(ctx, q)
			if err != nil {
				r.o.logger.Warn("Pipeline", "Search failed, skipping query", map[string]interface{}{
					"query": q,
					"error": err.Error(),
				})
				return nil
			}
			perQuery[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var out []memory.SearchResult
	for _, results := range perQuery {
		for _, res := range results {
			key := memory.NormalizeURL(res.URL)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, res)
		}
	}
	return out
}

// scan extracts every page on a bounded pool. Failed pages are skipped and
// never retried.
func (r *Run) scan(ctx context.Context, pages []memory.SearchResult, question string) []memory.PageExtraction {
	slots := make([]*memory.PageExtraction, len(pages))
	var g errgroup.Group
	g.SetLimit(r.o.cfg.MaxConcurrency)
	var failed sync.Map
	for i, page := range pages {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			ext, err := r.o.deps.Scanner.Scan(ctx, page, question)
			if err != nil {
				failed.Store(page.URL, err.Error())
				return nil
			}
			slots[i] = ext
			return nil
		})
	}
	_ = g.Wait()

	failed.Range(func(url, reason any) bool {
		r.o.logger.Warn("Pipeline", "Scan failed, skipping page", map[string]interface{}{"url": url, "error": reason})
		return true
	})

	out := make([]memory.PageExtraction, 0, len(pages))
	for _, ext := range slots {
		if ext != nil {
			out = append(out, *ext)
		}
	}
	return out
}
