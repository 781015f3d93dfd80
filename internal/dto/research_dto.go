package dto

import "ai-research-be/pkg/research/memory"

type ChatTurnDTO struct {
	Sender string `json:"sender" validate:"required,oneof=user assistant system"`
	Text   string `json:"text"`
}

// ChatRequest starts a research turn. Zero option values take the server
// defaults.
type ChatRequest struct {
	ChatLog                     []ChatTurnDTO `json:"chatLog" validate:"required,min=1,dive"`
	WsClientID                  string        `json:"wsClientId"`
	MemoryID                    string        `json:"memoryId" validate:"omitempty,max=128"`
	NumberOfSelectQueries       int           `json:"numberOfSelectQueries" validate:"omitempty,min=1,max=50"`
	PercentOfTopQueriesToSearch float64       `json:"percentOfTopQueriesToSearch" validate:"omitempty,gte=0,lte=1"`
	PercentOfTopResultsToScan   float64       `json:"percentOfTopResultsToScan" validate:"omitempty,gte=0,lte=1"`
	SilentMode                  bool          `json:"silentMode"`
	Persist                     *bool         `json:"persist"`
}

type ChatAcceptedResponse struct {
	MemoryID string `json:"memoryId"`
}

type MemoryResponse struct {
	ChatLog    []ChatTurnDTO          `json:"chatLog"`
	TotalCosts float64                `json:"totalCosts"`
	Artifacts  []memory.TurnArtifacts `json:"artifacts,omitempty"`
}

type ContextRequest struct {
	Question   string `json:"question" validate:"required"`
	WsClientID string `json:"wsClientId"`
}

type ContextResponse struct {
	Context  string `json:"context"`
	MemoryID string `json:"memoryId"`
	Degraded bool   `json:"degraded"`
}

type LogListResponse struct {
	Id        string                 `json:"id"` // MD5 hash, not UUID
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Module    string                 `json:"module"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
