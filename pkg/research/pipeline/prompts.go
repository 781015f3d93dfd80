package pipeline

import (
	"encoding/json"
	"strings"

	"ai-research-be/pkg/llm"
	"ai-research-be/pkg/research/memory"
)

const chatSystemPrompt = "You are a research assistant continuing a conversation. " +
	"Answer using the earlier findings in this conversation. Cite URLs when you rely on them. " +
	"If the question needs new research, say so."

const synthesisSystemPrompt = "You are a research assistant. Write a clear answer to the question " +
	"using only the page extractions provided. Cite the URL of every source you use."

func buildSynthesisPrompt(question string, extractions []memory.PageExtraction) string {
	var prompt strings.Builder
	prompt.WriteString("<question>\n")
	prompt.WriteString(question)
	prompt.WriteString("\n</question>\n\n")

	prompt.WriteString("<extractions>\n")
	if len(extractions) == 0 {
		prompt.WriteString("(no page could be scanned; answer from general knowledge and say so)\n")
	}
	for _, ext := range extractions {
		data, _ := json.Marshal(ext)
		prompt.Write(data)
		prompt.WriteString("\n")
	}
	prompt.WriteString("</extractions>\n")
	return prompt.String()
}

func chatHistory(log []memory.ChatTurn) []llm.Message {
	history := make([]llm.Message, 0, len(log)+1)
	history = append(history, llm.Message{Role: llm.RoleSystem, Content: chatSystemPrompt})
	for _, turn := range log {
		role := llm.RoleUser
		switch turn.Sender {
		case memory.SenderAssistant:
			role = llm.RoleAssistant
		case memory.SenderSystem:
			role = llm.RoleSystem
		}
		history = append(history, llm.Message{Role: role, Content: turn.Text})
	}
	return history
}
