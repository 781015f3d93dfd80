package events

import (
	"encoding/json"
	"sync"
)

// ProgressType is the canonical wire vocabulary for frames pushed to a
// connected client during a pipeline run.
type ProgressType string

const (
	AgentStart     ProgressType = "agent_start"
	AgentUpdate    ProgressType = "agent_update"
	AgentCompleted ProgressType = "agent_completed"
	StreamResponse ProgressType = "stream_response"
	StreamEnd      ProgressType = "stream_end"
	ChatResponse   ProgressType = "chat_response"
	CostUpdate     ProgressType = "cost_update"
	Error          ProgressType = "error"
)

// ProgressEvent is ephemeral: it is forwarded over the connection and never
// persisted.
type ProgressEvent struct {
	Type    ProgressType  `json:"type"`
	Message string        `json:"message,omitempty"`
	Content string        `json:"content,omitempty"`
	IsFinal bool          `json:"isFinal,omitempty"`
	Cost    *CostSnapshot `json:"cost,omitempty"`
}

type CostSnapshot struct {
	In    float64 `json:"in"`
	Out   float64 `json:"out"`
	Total float64 `json:"total"`
}

func Start(msg string) ProgressEvent {
	return ProgressEvent{Type: AgentStart, Message: msg}
}

func Update(msg string) ProgressEvent {
	return ProgressEvent{Type: AgentUpdate, Message: msg}
}

func Completed(msg string, final bool) ProgressEvent {
	return ProgressEvent{Type: AgentCompleted, Message: msg, IsFinal: final}
}

func Token(content string) ProgressEvent {
	return ProgressEvent{Type: StreamResponse, Content: content}
}

func End() ProgressEvent {
	return ProgressEvent{Type: StreamEnd}
}

func Chat(content string) ProgressEvent {
	return ProgressEvent{Type: ChatResponse, Content: content}
}

func Cost(in, out float64) ProgressEvent {
	return ProgressEvent{Type: CostUpdate, Cost: &CostSnapshot{In: in, Out: out, Total: in + out}}
}

func Failure(msg string) ProgressEvent {
	return ProgressEvent{Type: Error, Message: msg}
}

func (e ProgressEvent) Marshal() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Sink receives progress events. Implementations must be safe for
// concurrent use: the cost ticker emits from its own goroutine.
type Sink interface {
	Emit(ev ProgressEvent)
}

type SinkFunc func(ev ProgressEvent)

func (f SinkFunc) Emit(ev ProgressEvent) { f(ev) }

// Discard drops everything; used for silent runs.
var Discard Sink = SinkFunc(func(ProgressEvent) {})

// Recorder keeps every event in order.
type Recorder struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *Recorder) Emit(ev ProgressEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProgressEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Types lists recorded types, optionally skipping some (e.g. cost_update,
// whose timing depends on the ticker).
func (r *Recorder) Types(skip ...ProgressType) []ProgressType {
	var out []ProgressType
outer:
	for _, ev := range r.Events() {
		for _, s := range skip {
			if ev.Type == s {
				continue outer
			}
		}
		out = append(out, ev.Type)
	}
	return out
}
