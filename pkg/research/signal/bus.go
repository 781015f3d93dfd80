// Package signal carries "turn completed" notices from the pipeline to
// whoever is waiting on a memoryId, typically the bridge.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ai-research-be/internal/pkg/logger"
	"ai-research-be/pkg/events"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/patrickmn/go-cache"
)

const DefaultTopic = "research.turn_completed"

// Publisher is anything that can announce a finished turn.
type Publisher interface {
	PublishTurnCompleted(ctx context.Context, ev events.TurnCompleted) error
}

// Bus is an in-process completion bus on a watermill GoChannel.
// Completions are remembered for a while, so a Wait that starts after the
// turn finished still returns at once.
type Bus struct {
	pubSub *gochannel.GoChannel
	topic  string
	logger logger.ILogger
	recent *cache.Cache

	mu      sync.Mutex
	waiters map[string][]chan events.TurnCompleted
}

func NewBus(pubSub *gochannel.GoChannel, topic string, log logger.ILogger) *Bus {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Bus{
		pubSub:  pubSub,
		topic:   topic,
		logger:  log,
		recent:  cache.New(15*time.Minute, 5*time.Minute),
		waiters: make(map[string][]chan events.TurnCompleted),
	}
}

// NewGoChannel is the pub/sub the bus runs on when nothing else is shared.
func NewGoChannel() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NewStdLogger(false, false))
}

// Start subscribes to the topic. It returns once the subscription is
// live; delivery stops when ctx is done.
func (b *Bus) Start(ctx context.Context) error {
	messages, err := b.pubSub.Subscribe(ctx, b.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.topic, err)
	}
	go func() {
		for msg := range messages {
			b.handle(msg)
		}
	}()
	return nil
}

func (b *Bus) handle(msg *message.Message) {
	defer msg.Ack()
	var ev events.TurnCompleted
	if err := json.Unmarshal(msg.Payload, &ev); err != nil || ev.MemoryID == "" {
		b.logger.Warn("Signal", "Dropping malformed completion", map[string]interface{}{"message_id": msg.UUID})
		return
	}
	b.Deliver(ev)
}

// Deliver hands ev to local waiters without going through the pub/sub.
func (b *Bus) Deliver(ev events.TurnCompleted) {
	b.recent.Set(ev.MemoryID, ev, cache.DefaultExpiration)

	b.mu.Lock()
	chans := b.waiters[ev.MemoryID]
	delete(b.waiters, ev.MemoryID)
	b.mu.Unlock()

	for _, ch := range chans {
		ch <- ev
	}
}

func (b *Bus) PublishTurnCompleted(_ context.Context, ev events.TurnCompleted) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("memory_id", ev.MemoryID)
	if err := b.pubSub.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}
	return nil
}

// Wait blocks until memoryID completes, timeout passes or ctx is done.
func (b *Bus) Wait(ctx context.Context, memoryID string, timeout time.Duration) (events.TurnCompleted, bool) {
	ch := make(chan events.TurnCompleted, 1)

	b.mu.Lock()
	if x, ok := b.recent.Get(memoryID); ok {
		b.mu.Unlock()
		return x.(events.TurnCompleted), true
	}
	b.waiters[memoryID] = append(b.waiters[memoryID], ch)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-ch:
		return ev, true
	case <-timer.C:
	case <-ctx.Done():
	}
	b.removeWaiter(memoryID, ch)
	return events.TurnCompleted{}, false
}

func (b *Bus) removeWaiter(memoryID string, ch chan events.TurnCompleted) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := b.waiters[memoryID]
	for i, c := range chans {
		if c == ch {
			b.waiters[memoryID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(b.waiters[memoryID]) == 0 {
		delete(b.waiters, memoryID)
	}
}
