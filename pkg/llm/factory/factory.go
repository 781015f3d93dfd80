package factory

import (
	"fmt"
	"time"

	"ai-research-be/pkg/llm"
	"ai-research-be/pkg/llm/ollama"
)

// NewLLMProvider builds the configured backend wrapped in cost metering.
func NewLLMProvider(providerType, modelName, baseURL string, timeout time.Duration, pricing llm.Pricing) (llm.LLMProvider, error) {
	var base llm.LLMProvider
	switch providerType {
	case "ollama":
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		base = ollama.NewOllamaProvider(baseURL, modelName, timeout)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", providerType)
	}
	return llm.NewMetered(base, pricing), nil
}
