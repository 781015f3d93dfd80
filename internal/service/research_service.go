package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"ai-research-be/internal/dto"
	"ai-research-be/internal/pkg/logger"
	"ai-research-be/pkg/events"
	"ai-research-be/pkg/research/bridge"
	"ai-research-be/pkg/research/memory"
	"ai-research-be/pkg/research/pipeline"
)

var (
	ErrTurnInProgress     = errors.New("a turn is already running for this memory")
	ErrClientNotConnected = errors.New("wsClientId is not connected")
	ErrInvalidChatLog     = errors.New("chatLog must end with a non-empty user message")
	ErrMemoryNotFound     = errors.New("memory not found")
)

// TurnRunner executes one pipeline turn.
type TurnRunner interface {
	RunTurn(ctx context.Context, turn pipeline.Turn, sink events.Sink) (*pipeline.Result, error)
}

// ProgressHub is where progress frames for a client go.
type ProgressHub interface {
	Connected(clientID string) bool
	Sink(clientID string) events.Sink
}

// ContextRetriever is the bridge as seen by the API.
type ContextRetriever interface {
	Retrieve(ctx context.Context, req bridge.Request) (*bridge.Response, error)
}

type IResearchService interface {
	StartChat(ctx context.Context, req *dto.ChatRequest) (*dto.ChatAcceptedResponse, error)
	GetMemory(ctx context.Context, memoryID string, withArtifacts bool) (*dto.MemoryResponse, error)
	GetContext(ctx context.Context, req *dto.ContextRequest) (*dto.ContextResponse, error)
	CancelClient(clientID string)
	Wait()
}

type researchService struct {
	runner   TurnRunner
	ledger   *memory.Ledger
	hub      ProgressHub
	bridge   ContextRetriever
	defaults pipeline.Options
	logger   logger.ILogger

	mu      sync.Mutex
	cancels map[string]map[string]context.CancelFunc // clientId -> memoryId -> cancel
	running sync.WaitGroup
}

func NewResearchService(runner TurnRunner, ledger *memory.Ledger, hub ProgressHub, retriever ContextRetriever, defaults pipeline.Options, log logger.ILogger) IResearchService {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &researchService{
		runner:   runner,
		ledger:   ledger,
		hub:      hub,
		bridge:   retriever,
		defaults: defaults,
		logger:   log,
		cancels:  make(map[string]map[string]context.CancelFunc),
	}
}

// StartChat validates the request, takes the memory's turn lock and runs
// the turn in the background. The lock is released when the turn ends.
func (s *researchService) StartChat(_ context.Context, req *dto.ChatRequest) (*dto.ChatAcceptedResponse, error) {
	last := req.ChatLog[len(req.ChatLog)-1]
	message := strings.TrimSpace(last.Text)
	if memory.Sender(last.Sender) != memory.SenderUser || message == "" {
		return nil, ErrInvalidChatLog
	}

	clientID := strings.TrimSpace(req.WsClientID)
	if !req.SilentMode && (clientID == "" || !s.hub.Connected(clientID)) {
		return nil, ErrClientNotConnected
	}

	opts := s.options(req)
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	memoryID := strings.TrimSpace(req.MemoryID)
	if memoryID == "" {
		memoryID = memory.NewMemoryID()
	}
	persist := true
	if req.Persist != nil {
		persist = *req.Persist
	}

	unlock, ok := s.ledger.TryLock(memoryID)
	if !ok {
		return nil, ErrTurnInProgress
	}

	turn := pipeline.Turn{
		MemoryID: memoryID,
		Message:  message,
		Options:  opts,
		Persist:  persist,
		Prior:    priorTurns(req.ChatLog[:len(req.ChatLog)-1]),
	}

	sink := events.Discard
	if !req.SilentMode {
		sink = s.hub.Sink(clientID)
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	if !req.SilentMode {
		s.track(clientID, memoryID, cancel)
	}

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer unlock()
		defer cancel()
		if !req.SilentMode {
			defer s.untrack(clientID, memoryID)
		}
		if _, err := s.runner.RunTurn(turnCtx, turn, sink); err != nil {
			s.logger.Warn("ResearchService", "Turn ended with error", map[string]interface{}{
				"memory_id": memoryID,
				"silent":    req.SilentMode,
				"error":     err.Error(),
			})
		}
	}()

	s.logger.Info("ResearchService", "Turn accepted", map[string]interface{}{
		"memory_id": memoryID,
		"client_id": clientID,
		"silent":    req.SilentMode,
	})
	return &dto.ChatAcceptedResponse{MemoryID: memoryID}, nil
}

func (s *researchService) options(req *dto.ChatRequest) pipeline.Options {
	opts := s.defaults
	if req.NumberOfSelectQueries != 0 {
		opts.NumberOfSelectQueries = req.NumberOfSelectQueries
	}
	if req.PercentOfTopQueriesToSearch != 0 {
		opts.PercentOfTopQueriesToSearch = req.PercentOfTopQueriesToSearch
	}
	if req.PercentOfTopResultsToScan != 0 {
		opts.PercentOfTopResultsToScan = req.PercentOfTopResultsToScan
	}
	return opts
}

func priorTurns(log []dto.ChatTurnDTO) []memory.ChatTurn {
	out := make([]memory.ChatTurn, 0, len(log))
	for _, t := range log {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		out = append(out, memory.ChatTurn{Sender: memory.Sender(t.Sender), Text: t.Text})
	}
	return out
}

func (s *researchService) track(clientID, memoryID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancels[clientID] == nil {
		s.cancels[clientID] = make(map[string]context.CancelFunc)
	}
	s.cancels[clientID][memoryID] = cancel
}

func (s *researchService) untrack(clientID, memoryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels[clientID], memoryID)
	if len(s.cancels[clientID]) == 0 {
		delete(s.cancels, clientID)
	}
}

// CancelClient stops every turn streaming to clientID. The hub calls it
// when the socket closes.
func (s *researchService) CancelClient(clientID string) {
	s.mu.Lock()
	turns := s.cancels[clientID]
	delete(s.cancels, clientID)
	s.mu.Unlock()

	for memoryID, cancel := range turns {
		s.logger.Info("ResearchService", "Cancelling turn of disconnected client", map[string]interface{}{
			"client_id": clientID,
			"memory_id": memoryID,
		})
		cancel()
	}
}

// Wait blocks until every background turn has returned.
func (s *researchService) Wait() {
	s.running.Wait()
}

func (s *researchService) GetMemory(ctx context.Context, memoryID string, withArtifacts bool) (*dto.MemoryResponse, error) {
	mem, found, err := s.ledger.LoadAny(ctx, memoryID)
	if err != nil {
		return nil, fmt.Errorf("load memory %s: %w", memoryID, err)
	}
	if !found {
		return nil, ErrMemoryNotFound
	}

	res := &dto.MemoryResponse{
		ChatLog:    make([]dto.ChatTurnDTO, len(mem.ChatLog)),
		TotalCosts: mem.Costs.Total(),
	}
	for i, t := range mem.ChatLog {
		res.ChatLog[i] = dto.ChatTurnDTO{Sender: string(t.Sender), Text: t.Text}
	}
	if withArtifacts {
		res.Artifacts = mem.Turns
	}
	return res, nil
}

func (s *researchService) GetContext(ctx context.Context, req *dto.ContextRequest) (*dto.ContextResponse, error) {
	res, err := s.bridge.Retrieve(ctx, bridge.Request{Question: req.Question, RequestingClientID: req.WsClientID})
	if err != nil {
		return nil, err
	}
	return &dto.ContextResponse{Context: res.Context, MemoryID: res.MemoryID, Degraded: res.Degraded}, nil
}
