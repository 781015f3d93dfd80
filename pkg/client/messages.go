package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ai-research-be/pkg/events"
)

// MessageType is the canonical type of an inbound frame.
type MessageType string

const (
	AgentStart     = MessageType(events.AgentStart)
	AgentUpdate    = MessageType(events.AgentUpdate)
	AgentCompleted = MessageType(events.AgentCompleted)
	StreamResponse = MessageType(events.StreamResponse)
	StreamEnd      = MessageType(events.StreamEnd)
	ChatResponse   = MessageType(events.ChatResponse)
	CostUpdate     = MessageType(events.CostUpdate)
	Error          = MessageType(events.Error)

	// Wildcard handlers receive every dispatched message.
	Wildcard MessageType = "*"
)

// spellings maps a squashed type name (lowercase, no separators) to its
// canonical type. It covers every spelling servers have used.
var spellings = map[string]MessageType{
	"agentstart":     AgentStart,
	"agentstarted":   AgentStart,
	"agentupdate":    AgentUpdate,
	"agentprogress":  AgentUpdate,
	"agentcompleted": AgentCompleted,
	"agentcomplete":  AgentCompleted,
	"agentdone":      AgentCompleted,
	"streamresponse": StreamResponse,
	"streamtoken":    StreamResponse,
	"streamchunk":    StreamResponse,
	"streamend":      StreamEnd,
	"streamdone":     StreamEnd,
	"chatresponse":   ChatResponse,
	"costupdate":     CostUpdate,
	"costupdated":    CostUpdate,
	"error":          Error,
	"agenterror":     Error,
}

// Canonical resolves a wire spelling such as "agentStart", "AGENT_START" or
// "agent-start".
func Canonical(wire string) (MessageType, bool) {
	squashed := strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ', '.':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(wire)))
	t, ok := spellings[squashed]
	return t, ok
}

// Message is a decoded, normalized inbound frame.
type Message struct {
	Type    MessageType
	Message string
	Content string
	IsFinal bool
	Cost    *events.CostSnapshot
	Raw     json.RawMessage
}

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown message type")
)

type wireFrame struct {
	Type     string               `json:"type"`
	ClientID string               `json:"clientId"`
	Message  string               `json:"message"`
	Content  string               `json:"content"`
	Text     string               `json:"text"`
	IsFinal  bool                 `json:"isFinal"`
	Final    bool                 `json:"is_final"`
	Cost     *events.CostSnapshot `json:"cost"`
	In       *float64             `json:"in"`
	Out      *float64             `json:"out"`
}

// Decode parses one frame. Handshake frames ({"clientId": ...}) return the
// id with a zero Message.
func Decode(data []byte) (Message, string, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Message{}, "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		if f.ClientID != "" {
			return Message{}, f.ClientID, nil
		}
		return Message{}, "", fmt.Errorf("%w: no type", ErrMalformedFrame)
	}
	t, ok := Canonical(f.Type)
	if !ok {
		return Message{}, "", fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}

	msg := Message{
		Type:    t,
		Message: f.Message,
		Content: f.Content,
		IsFinal: f.IsFinal || f.Final,
		Cost:    f.Cost,
		Raw:     append(json.RawMessage(nil), data...),
	}
	if msg.Content == "" {
		msg.Content = f.Text
	}
	if msg.Cost == nil && (f.In != nil || f.Out != nil) {
		c := &events.CostSnapshot{}
		if f.In != nil {
			c.In = *f.In
		}
		if f.Out != nil {
			c.Out = *f.Out
		}
		c.Total = c.In + c.Out
		msg.Cost = c
	}
	return msg, f.ClientID, nil
}

// activity is the spinner signal a message implies, if any.
func activity(t MessageType) (active, changes bool) {
	switch t {
	case AgentStart, AgentUpdate, StreamResponse:
		return true, true
	case AgentCompleted, StreamEnd, ChatResponse, Error:
		return false, true
	}
	return false, false
}
