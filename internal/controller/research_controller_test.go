package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ai-research-be/internal/dto"
	"ai-research-be/internal/pkg/serverutils"
	"ai-research-be/internal/service"
	"ai-research-be/pkg/events"
	"ai-research-be/pkg/research/bridge"
	"ai-research-be/pkg/research/memory"
	"ai-research-be/pkg/research/pipeline"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records turns and answers them through the ledger. A turn
// blocks on release when one is set.
type fakeRunner struct {
	ledger  *memory.Ledger
	release chan struct{}

	mu    sync.Mutex
	turns []pipeline.Turn
	ctxs  []context.Context
}

func (f *fakeRunner) RunTurn(ctx context.Context, turn pipeline.Turn, sink events.Sink) (*pipeline.Result, error) {
	f.mu.Lock()
	f.turns = append(f.turns, turn)
	f.ctxs = append(f.ctxs, ctx)
	f.mu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			sink.Emit(events.Failure("Research cancelled"))
			return nil, ctx.Err()
		}
	}

	if _, err := f.ledger.LoadOrCreate(ctx, turn.MemoryID, turn.Persist); err != nil {
		return nil, err
	}
	for _, t := range append(turn.Prior, memory.ChatTurn{Sender: memory.SenderUser, Text: turn.Message}) {
		if _, err := f.ledger.Append(ctx, turn.MemoryID, t); err != nil {
			return nil, err
		}
	}
	if err := f.ledger.AddCost(ctx, turn.MemoryID, 0.01, 0.02); err != nil {
		return nil, err
	}
	if _, err := f.ledger.Append(ctx, turn.MemoryID, memory.ChatTurn{Sender: memory.SenderAssistant, Text: "answer"}); err != nil {
		return nil, err
	}
	sink.Emit(events.Completed("Answer ready", true))
	return &pipeline.Result{MemoryID: turn.MemoryID, Answer: "answer"}, nil
}

func (f *fakeRunner) recorded() []pipeline.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Turn(nil), f.turns...)
}

type fakeHub struct {
	connected map[string]bool
	rec       events.Recorder
}

func (h *fakeHub) Connected(id string) bool { return h.connected[id] }
func (h *fakeHub) Sink(string) events.Sink { return &h.rec }

type fakeRetriever struct {
	got bridge.Request
}

func (f *fakeRetriever) Retrieve(_ context.Context, req bridge.Request) (*bridge.Response, error) {
	f.got = req
	if req.Question == " " {
		return nil, bridge.ErrEmptyQuestion
	}
	return &bridge.Response{Context: "raw data", MemoryID: "rag-1", Degraded: false}, nil
}

type harness struct {
	app       *fiber.App
	svc       service.IResearchService
	runner    *fakeRunner
	hub       *fakeHub
	retriever *fakeRetriever
	ledger    *memory.Ledger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ledger := memory.NewLedger(memory.NewCacheStore(0), nil, nil)
	h := &harness{
		runner:    &fakeRunner{ledger: ledger},
		hub:       &fakeHub{connected: map[string]bool{"client-1": true}},
		retriever: &fakeRetriever{},
		ledger:    ledger,
	}
	h.svc = service.NewResearchService(h.runner, ledger, h.hub, h.retriever, pipeline.DefaultOptions(), nil)

	h.app = fiber.New()
	h.app.Use(serverutils.ErrorHandlerMiddleware())
	NewResearchController(h.svc).RegisterRoutes(h.app.Group("/api"), serverutils.JwtMiddleware(""))
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, serverutils.Response[json.RawMessage]) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	var env serverutils.Response[json.RawMessage]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func userLog(texts ...string) []dto.ChatTurnDTO {
	out := make([]dto.ChatTurnDTO, len(texts))
	for i, t := range texts {
		sender := "user"
		if i%2 == 1 {
			sender = "assistant"
		}
		out[i] = dto.ChatTurnDTO{Sender: sender, Text: t}
	}
	return out
}

func TestStartChatAcceptsAndRunsTurn(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, "POST", "/api/research/chat", dto.ChatRequest{
		ChatLog:    userLog("What drives solar adoption?"),
		WsClientID: "client-1",
	})
	require.Equal(t, fiber.StatusAccepted, code)
	var accepted dto.ChatAcceptedResponse
	require.NoError(t, json.Unmarshal(env.Data, &accepted))
	assert.NotEmpty(t, accepted.MemoryID)

	h.svc.Wait()
	turns := h.runner.recorded()
	require.Len(t, turns, 1)
	assert.Equal(t, accepted.MemoryID, turns[0].MemoryID)
	assert.Equal(t, "What drives solar adoption?", turns[0].Message)
	assert.Equal(t, pipeline.DefaultOptions(), turns[0].Options)
	assert.True(t, turns[0].Persist)
	assert.Empty(t, turns[0].Prior)
	assert.Equal(t, []events.ProgressType{events.AgentCompleted}, h.hub.rec.Types())

	code, env = h.do(t, "GET", "/api/research/memory/"+accepted.MemoryID, nil)
	require.Equal(t, fiber.StatusOK, code)
	var view dto.MemoryResponse
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.Len(t, view.ChatLog, 2)
	assert.Equal(t, "assistant", view.ChatLog[1].Sender)
	assert.InDelta(t, 0.03, view.TotalCosts, 1e-9)
}

func TestStartChatPassesOptionsAndPrior(t *testing.T) {
	h := newHarness(t)
	persist := false

	code, _ := h.do(t, "POST", "/api/research/chat", dto.ChatRequest{
		ChatLog:                     userLog("first", "earlier answer", "follow up"),
		WsClientID:                  "client-1",
		MemoryID:                    "mem-7",
		NumberOfSelectQueries:       8,
		PercentOfTopQueriesToSearch: 0.5,
		Persist:                     &persist,
	})
	require.Equal(t, fiber.StatusAccepted, code)
	h.svc.Wait()

	turn := h.runner.recorded()[0]
	assert.Equal(t, "mem-7", turn.MemoryID)
	assert.Equal(t, "follow up", turn.Message)
	assert.Equal(t, 8, turn.Options.NumberOfSelectQueries)
	assert.Equal(t, 0.5, turn.Options.PercentOfTopQueriesToSearch)
	assert.Equal(t, 0.25, turn.Options.PercentOfTopResultsToScan)
	assert.False(t, turn.Persist)
	require.Len(t, turn.Prior, 2)
	assert.Equal(t, memory.SenderAssistant, turn.Prior[1].Sender)
}

func TestStartChatRejections(t *testing.T) {
	tests := []struct {
		name string
		req  dto.ChatRequest
		code int
	}{
		{"empty log", dto.ChatRequest{WsClientID: "client-1"}, fiber.StatusBadRequest},
		{"last turn not user", dto.ChatRequest{ChatLog: userLog("q", "a"), WsClientID: "client-1"}, fiber.StatusBadRequest},
		{"unknown sender", dto.ChatRequest{ChatLog: []dto.ChatTurnDTO{{Sender: "bot", Text: "x"}}, WsClientID: "client-1"}, fiber.StatusBadRequest},
		{"missing client", dto.ChatRequest{ChatLog: userLog("q")}, fiber.StatusBadRequest},
		{"disconnected client", dto.ChatRequest{ChatLog: userLog("q"), WsClientID: "ghost"}, fiber.StatusBadRequest},
		{"bad fraction", dto.ChatRequest{ChatLog: userLog("q"), WsClientID: "client-1", PercentOfTopResultsToScan: 1.5}, fiber.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			code, env := h.do(t, "POST", "/api/research/chat", tt.req)
			assert.Equal(t, tt.code, code)
			assert.False(t, env.Success)
			assert.Empty(t, h.runner.recorded())
		})
	}
}

func TestSilentModeNeedsNoClient(t *testing.T) {
	h := newHarness(t)
	code, _ := h.do(t, "POST", "/api/research/chat", dto.ChatRequest{
		ChatLog:    userLog("raw data please"),
		MemoryID:   "rag-abc",
		SilentMode: true,
	})
	require.Equal(t, fiber.StatusAccepted, code)
	h.svc.Wait()
	assert.Empty(t, h.hub.rec.Events())
	require.Len(t, h.runner.recorded(), 1)
}

func TestConcurrentTurnOnSameMemoryConflicts(t *testing.T) {
	h := newHarness(t)
	h.runner.release = make(chan struct{})
	req := dto.ChatRequest{ChatLog: userLog("q"), WsClientID: "client-1", MemoryID: "busy"}

	code, _ := h.do(t, "POST", "/api/research/chat", req)
	require.Equal(t, fiber.StatusAccepted, code)

	code, env := h.do(t, "POST", "/api/research/chat", req)
	assert.Equal(t, fiber.StatusConflict, code)
	assert.False(t, env.Success)

	close(h.runner.release)
	h.svc.Wait()

	code, _ = h.do(t, "POST", "/api/research/chat", req)
	assert.Equal(t, fiber.StatusAccepted, code)
	h.svc.Wait()
}

func TestCancelClientStopsItsTurns(t *testing.T) {
	h := newHarness(t)
	h.runner.release = make(chan struct{})
	defer close(h.runner.release)

	code, _ := h.do(t, "POST", "/api/research/chat", dto.ChatRequest{ChatLog: userLog("q"), WsClientID: "client-1"})
	require.Equal(t, fiber.StatusAccepted, code)
	require.Eventually(t, func() bool { return len(h.runner.recorded()) == 1 }, time.Second, 5*time.Millisecond)

	h.svc.CancelClient("client-1")
	h.svc.Wait()

	assert.Equal(t, []events.ProgressType{events.Error}, h.hub.rec.Types())
}

func TestGetMemoryNotFound(t *testing.T) {
	h := newHarness(t)
	code, env := h.do(t, "GET", "/api/research/memory/nope", nil)
	assert.Equal(t, fiber.StatusNotFound, code)
	assert.False(t, env.Success)
}

func TestGetMemoryWithArtifacts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledger.LoadOrCreate(ctx, "m1", true)
	require.NoError(t, err)
	require.NoError(t, h.ledger.SaveArtifacts(ctx, "m1", memory.TurnArtifacts{Question: "q", GeneratedQueries: []string{"a", "b"}}))

	_, env := h.do(t, "GET", "/api/research/memory/m1", nil)
	var plain dto.MemoryResponse
	require.NoError(t, json.Unmarshal(env.Data, &plain))
	assert.Empty(t, plain.Artifacts)

	_, env = h.do(t, "GET", "/api/research/memory/m1?artifacts=true", nil)
	var full dto.MemoryResponse
	require.NoError(t, json.Unmarshal(env.Data, &full))
	require.Len(t, full.Artifacts, 1)
	assert.Equal(t, []string{"a", "b"}, full.Artifacts[0].GeneratedQueries)
}

func TestGetContext(t *testing.T) {
	h := newHarness(t)
	code, env := h.do(t, "POST", "/api/research/context", dto.ContextRequest{Question: "wind?", WsClientID: "client-9"})
	require.Equal(t, fiber.StatusOK, code)
	var res dto.ContextResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "raw data", res.Context)
	assert.Equal(t, "rag-1", res.MemoryID)
	assert.Equal(t, "client-9", h.retriever.got.RequestingClientID)

	code, _ = h.do(t, "POST", "/api/research/context", dto.ContextRequest{})
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, _ = h.do(t, "POST", "/api/research/context", dto.ContextRequest{Question: " "})
	assert.Equal(t, fiber.StatusBadRequest, code)
}
