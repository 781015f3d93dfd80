package llm

import (
	"context"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Pricing converts token counts into spend.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

func (p Pricing) Cost(u Usage) (in, out float64) {
	return float64(u.PromptTokens) / 1000 * p.InputPer1K,
		float64(u.CompletionTokens) / 1000 * p.OutputPer1K
}

// CostRecorder receives the (input, output) spend of every metered call.
type CostRecorder func(in, out float64)

type costRecorderKey struct{}

// WithCostRecorder attaches a recorder to ctx; Metered providers report to
// it. The pipeline binds one recorder per turn.
func WithCostRecorder(ctx context.Context, rec CostRecorder) context.Context {
	return context.WithValue(ctx, costRecorderKey{}, rec)
}

func recordCost(ctx context.Context, in, out float64) {
	if rec, ok := ctx.Value(costRecorderKey{}).(CostRecorder); ok && rec != nil {
		rec(in, out)
	}
}

// Metered wraps a provider, fills in missing usage by counting tokens
// locally, prices it and reports it to the context's CostRecorder.
type Metered struct {
	Provider LLMProvider
	Pricing  Pricing
	Counter  TokenCounter
}

var _ LLMProvider = (*Metered)(nil)

func NewMetered(p LLMProvider, pricing Pricing) *Metered {
	return &Metered{Provider: p, Pricing: pricing, Counter: DefaultTokenCounter()}
}

func (m *Metered) Chat(ctx context.Context, history []Message, opts ...Option) (*Completion, error) {
	c, err := m.Provider.Chat(ctx, history, opts...)
	if c != nil {
		m.account(ctx, history, c)
	}
	return c, err
}

// Stream charges a broken stream for its prompt and the part of the answer
// that was generated before the error.
func (m *Metered) Stream(ctx context.Context, history []Message, onToken TokenHandler, opts ...Option) (*Completion, error) {
	c, err := m.Provider.Stream(ctx, history, onToken, opts...)
	if c != nil {
		m.account(ctx, history, c)
	}
	return c, err
}

func (m *Metered) account(ctx context.Context, history []Message, c *Completion) {
	if m.Counter != nil {
		if c.Usage.PromptTokens == 0 {
			for _, msg := range history {
				c.Usage.PromptTokens += m.Counter.Count(msg.Content)
			}
		}
		if c.Usage.CompletionTokens == 0 {
			c.Usage.CompletionTokens = m.Counter.Count(c.Content)
		}
	}
	in, out := m.Pricing.Cost(c.Usage)
	recordCost(ctx, in, out)
}

// TokenCounter estimates token counts for backends that do not report them.
type TokenCounter interface {
	Count(text string) int
}

type TokenCounterFunc func(text string) int

func (f TokenCounterFunc) Count(text string) int { return f(text) }

type bpeCounter struct {
	codec tokenizer.Codec
}

func (b bpeCounter) Count(text string) int {
	ids, _, err := b.codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}

var (
	defaultCounterOnce sync.Once
	defaultCounter     TokenCounter
)

// DefaultTokenCounter uses the cl100k_base vocabulary, falling back to a
// four-characters-per-token estimate if the codec cannot be loaded.
func DefaultTokenCounter() TokenCounter {
	defaultCounterOnce.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			defaultCounter = TokenCounterFunc(func(text string) int { return len(text) / 4 })
			return
		}
		defaultCounter = bpeCounter{codec: codec}
	})
	return defaultCounter
}
