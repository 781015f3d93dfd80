package pipeline

import (
	"context"
	"sync"
	"time"

	"ai-research-be/internal/pkg/logger"
	"ai-research-be/pkg/events"
	"ai-research-be/pkg/research/memory"
)

// costMeter forwards every metered LLM call of one run into the ledger and
// keeps a running view for the ticker, so ticks never read the store.
type costMeter struct {
	ledger   *memory.Ledger
	memoryID string
	logger   logger.ILogger

	mu      sync.Mutex
	in, out float64
}

func newCostMeter(ledger *memory.Ledger, memoryID string, baseIn, baseOut float64, log logger.ILogger) *costMeter {
	return &costMeter{ledger: ledger, memoryID: memoryID, in: baseIn, out: baseOut, logger: log}
}

// recorder returns the llm.CostRecorder for this run. Ledger writes outlive
// cancellation of ctx, since the spend already happened.
func (m *costMeter) recorder(ctx context.Context) func(in, out float64) {
	writeCtx := context.WithoutCancel(ctx)
	return func(in, out float64) {
		m.mu.Lock()
		m.in += in
		m.out += out
		m.mu.Unlock()
		if err := m.ledger.AddCost(writeCtx, m.memoryID, in, out); err != nil {
			m.logger.Error("Pipeline", "Failed to record cost", map[string]interface{}{
				"memory_id": m.memoryID,
				"error":     err,
			})
		}
	}
}

func (m *costMeter) snapshot() (in, out float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.in, m.out
}

// CostTicker emits cost_update on a fixed interval until stopped.
type CostTicker struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartCostTicker begins ticking. A non-positive interval starts nothing;
// Stop is still safe to call.
func StartCostTicker(interval time.Duration, sink events.Sink, snapshot func() (float64, float64)) *CostTicker {
	t := &CostTicker{stop: make(chan struct{}), done: make(chan struct{})}
	if interval <= 0 {
		close(t.done)
		return t
	}
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				in, out := snapshot()
				sink.Emit(events.Cost(in, out))
			}
		}
	}()
	return t
}

// Stop returns once no further cost_update can be emitted.
func (t *CostTicker) Stop() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}
