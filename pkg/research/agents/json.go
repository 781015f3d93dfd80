package agents

import (
	"strings"
)

// extractJSON isolates the first JSON object or array in an LLM response,
// dropping code fences and any chatter around it.
func extractJSON(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	start := strings.IndexAny(response, "{[")
	if start == -1 {
		return response
	}
	closer := "}"
	if response[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(response, closer)
	if end <= start {
		return response
	}
	return response[start : end+1]
}
