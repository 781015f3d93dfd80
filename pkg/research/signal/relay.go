package signal

import (
	"context"
	"errors"

	"ai-research-be/internal/pkg/logger"
	"ai-research-be/pkg/events"
	pktNats "ai-research-be/pkg/nats"
)

// Multi publishes to every publisher, joining their errors.
type Multi []Publisher

func (m Multi) PublishTurnCompleted(ctx context.Context, ev events.TurnCompleted) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.PublishTurnCompleted(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RelayHandler feeds completions published by other instances over NATS
// into the local bus.
func RelayHandler(bus *Bus, log logger.ILogger) pktNats.EventHandler {
	return func(_ context.Context, event events.Event) error {
		ev, ok := events.TurnCompletedFromPayload(event.Payload())
		if !ok {
			log.Warn("Signal", "Ignoring completion without memory id", map[string]interface{}{"type": event.EventType()})
			return nil
		}
		bus.Deliver(ev)
		return nil
	}
}

// StartRelay subscribes the bus to completions on NATS.
func StartRelay(sub *pktNats.Subscriber, bus *Bus, durable string, log logger.ILogger) error {
	return sub.Subscribe(pktNats.Subject(events.TypeResearchTurnCompleted), durable, RelayHandler(bus, log))
}
