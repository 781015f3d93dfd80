// Package bridge lets another assistant borrow this one's research: it
// starts a silent research turn under a fresh memoryId, waits for it to
// finish and reads the answer back from the conversation ledger.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ai-research-be/internal/pkg/logger"
	"ai-research-be/pkg/client"
	"ai-research-be/pkg/events"
	"ai-research-be/pkg/research/memory"

	"github.com/google/uuid"
)

var ErrEmptyQuestion = errors.New("bridge: question is empty")

// Trigger starts a research turn on the assistant that owns the pipeline.
type Trigger interface {
	StartChat(ctx context.Context, req client.ChatRequest) (*client.ChatAccepted, error)
}

// Waiter blocks until a turn completes or the timeout passes.
type Waiter interface {
	Wait(ctx context.Context, memoryID string, timeout time.Duration) (events.TurnCompleted, bool)
}

// Reader is the ledger's read side.
type Reader interface {
	LoadAny(ctx context.Context, memoryID string) (*memory.ConversationMemory, bool, error)
}

type Config struct {
	PollBase        time.Duration
	PollAttempts    int
	MinUsableLength int
	SignalTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollBase:        5 * time.Second,
		PollAttempts:    3,
		MinUsableLength: 200,
		SignalTimeout:   3 * time.Minute,
	}
}

type Request struct {
	Question           string
	RequestingClientID string
}

type Response struct {
	Context  string
	MemoryID string
	Degraded bool
	// Attempts is how many ledger reads it took.
	Attempts int
}

type Bridge struct {
	trigger Trigger
	waiter  Waiter
	reader  Reader
	cfg     Config
	logger  logger.ILogger

	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// New builds a Bridge. waiter may be nil, in which case only polling is
// used.
func New(trigger Trigger, waiter Waiter, reader Reader, cfg Config, log logger.ILogger) *Bridge {
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 3
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Bridge{
		trigger: trigger,
		waiter:  waiter,
		reader:  reader,
		cfg:     cfg,
		logger:  log,
		sleep:   sleepCtx,
		newID:   func() string { return "rag-" + uuid.NewString() },
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetContext returns research text for question, or a placeholder when the
// research could not be retrieved in time. Only an empty question or a
// cancelled ctx produce an error.
func (b *Bridge) GetContext(ctx context.Context, question, requestingClientID string) (string, error) {
	res, err := b.Retrieve(ctx, Request{Question: question, RequestingClientID: requestingClientID})
	if err != nil {
		return "", err
	}
	return res.Context, nil
}

func (b *Bridge) Retrieve(ctx context.Context, req Request) (*Response, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	memoryID := b.newID()
	res := &Response{MemoryID: memoryID}
	fields := map[string]interface{}{"memory_id": memoryID, "client_id": req.RequestingClientID}

	_, err := b.trigger.StartChat(ctx, client.ChatRequest{
		ChatLog:    []client.Turn{{Sender: string(memory.SenderUser), Text: rawDataPrompt(question)}},
		WsClientID: req.RequestingClientID,
		MemoryID:   memoryID,
		SilentMode: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.logger.Warn("Bridge", "Research trigger failed, returning placeholder", merge(fields, "error", err.Error()))
		return b.degraded(res, question), nil
	}
	b.logger.Info("Bridge", "Research triggered", fields)

	signalled := false
	if b.waiter != nil && b.cfg.SignalTimeout > 0 {
		_, signalled = b.waiter.Wait(ctx, memoryID, b.cfg.SignalTimeout)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	for attempt := 1; attempt <= b.cfg.PollAttempts; attempt++ {
		// With a completion signal the answer is already there; check before
		// the first sleep.
		if !(signalled && attempt == 1) {
			if err := b.sleep(ctx, b.cfg.PollBase*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
		res.Attempts = attempt

		text, err := b.read(ctx, memoryID)
		if err != nil {
			b.logger.Warn("Bridge", "Ledger read failed", merge(fields, "error", err.Error()))
			continue
		}
		if len(text) >= b.cfg.MinUsableLength {
			res.Context = text
			b.logger.Info("Bridge", "Research context retrieved", merge(fields, "attempts", attempt))
			return res, nil
		}
		b.logger.Debug("Bridge", "Research not ready", merge(fields, "attempt", attempt, "length", len(text)))
	}

	b.logger.Warn("Bridge", "Research context unavailable, returning placeholder", fields)
	return b.degraded(res, question), nil
}

func (b *Bridge) read(ctx context.Context, memoryID string) (string, error) {
	mem, ok, err := b.reader.LoadAny(ctx, memoryID)
	if err != nil || !ok {
		return "", err
	}
	return strings.TrimSpace(mem.LastAssistantText()), nil
}

func (b *Bridge) degraded(res *Response, question string) *Response {
	res.Degraded = true
	res.Context = Placeholder(question)
	return res
}

// Placeholder is what callers get when no research could be retrieved.
func Placeholder(question string) string {
	return fmt.Sprintf("[Research data unavailable for %q. Answer from general knowledge and say that no fresh sources were consulted.]", question)
}

func rawDataPrompt(question string) string {
	return "Return only raw data: facts, figures and source URLs relevant to the question below. " +
		"No analysis, no opinions, no recommendations.\n\nQuestion: " + question
}

func merge(base map[string]interface{}, kv ...interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(kv)/2)
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
