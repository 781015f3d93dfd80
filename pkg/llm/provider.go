package llm

import (
	"context"
)

// Message represents a chat message in a provider-agnostic format
type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Option allows for optional parameters like Temperature, MaxTokens, etc.
type Option func(*Options)

type Options struct {
	Temperature float64
	MaxTokens   int
	Model       string // Override default model
	JSON        bool   // Ask the backend for a JSON-only answer
}

func WithTemperature(temp float64) Option {
	return func(o *Options) {
		o.Temperature = temp
	}
}

func WithModel(model string) Option {
	return func(o *Options) {
		o.Model = model
	}
}

func WithMaxTokens(n int) Option {
	return func(o *Options) {
		o.MaxTokens = n
	}
}

func WithJSON() Option {
	return func(o *Options) {
		o.JSON = true
	}
}

func ApplyOptions(opts ...Option) *Options {
	options := &Options{Temperature: 0.7}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// Usage is the token accounting for one call. Zero values mean the backend
// did not report counts.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

type Completion struct {
	Content string
	Usage   Usage
}

// TokenHandler receives streamed chunks in order. Returning an error stops
// the stream.
type TokenHandler func(chunk string) error

// LLMProvider defines the contract for any LLM backend
type LLMProvider interface {
	// Chat sends a chat history to the model and returns the response
	Chat(ctx context.Context, history []Message, options ...Option) (*Completion, error)

	// Stream is Chat with incremental delivery of the answer. When the
	// stream breaks after the request was accepted, it returns what was
	// generated so far together with the error.
	Stream(ctx context.Context, history []Message, onToken TokenHandler, options ...Option) (*Completion, error)
}

// Generate sends a single prompt to the model.
func Generate(ctx context.Context, p LLMProvider, prompt string, opts ...Option) (*Completion, error) {
	return p.Chat(ctx, []Message{{Role: RoleUser, Content: prompt}}, opts...)
}
