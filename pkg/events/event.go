package events

import "time"

// Event defines the contract for domain events that leave the process
// (NATS subjects "events.<TYPE>").
type Event interface {
	// EventType returns the unique code for this event (e.g., "RESEARCH_TURN_COMPLETED").
	EventType() string

	// Payload returns the data associated with the event.
	Payload() map[string]interface{}

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

type BaseEvent struct {
	Type       string
	Data       map[string]interface{}
	OccurredAt time.Time
}

func (e BaseEvent) EventType() string {
	return e.Type
}

func (e BaseEvent) Payload() map[string]interface{} {
	return e.Data
}

func (e BaseEvent) Timestamp() time.Time {
	return e.OccurredAt
}

const TypeResearchTurnCompleted = "RESEARCH_TURN_COMPLETED"

// TurnCompleted is published once a pipeline run reaches Completed.
type TurnCompleted struct {
	MemoryID     string    `json:"memory_id"`
	Mode         string    `json:"mode"`
	AnswerLength int       `json:"answer_length"`
	TotalCost    float64   `json:"total_cost"`
	CompletedAt  time.Time `json:"completed_at"`
}

func (t TurnCompleted) EventType() string {
	return TypeResearchTurnCompleted
}

func (t TurnCompleted) Payload() map[string]interface{} {
	return map[string]interface{}{
		"memory_id":     t.MemoryID,
		"mode":          t.Mode,
		"answer_length": t.AnswerLength,
		"total_cost":    t.TotalCost,
		"completed_at":  t.CompletedAt.Format(time.RFC3339Nano),
	}
}

func (t TurnCompleted) Timestamp() time.Time {
	return t.CompletedAt
}

// TurnCompletedFromPayload rebuilds a TurnCompleted from a decoded NATS
// payload. Numbers arrive as float64 after JSON decoding.
func TurnCompletedFromPayload(p map[string]interface{}) (TurnCompleted, bool) {
	id, _ := p["memory_id"].(string)
	if id == "" {
		return TurnCompleted{}, false
	}
	t := TurnCompleted{MemoryID: id}
	t.Mode, _ = p["mode"].(string)
	if n, ok := p["answer_length"].(float64); ok {
		t.AnswerLength = int(n)
	}
	t.TotalCost, _ = p["total_cost"].(float64)
	if raw, ok := p["completed_at"].(string); ok {
		t.CompletedAt, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return t, true
}
