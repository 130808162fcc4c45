package server

import (
	"time"

	"github.com/ameureka/ai-deepresearch-agent/internal/task"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// TokenRequest exchanges an API key for a bearer token.
type TokenRequest struct {
	APIKey string `json:"api_key"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// ResearchRequest starts a report, queued or streamed.
type ResearchRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// TaskAccepted is returned when a task is queued.
type TaskAccepted struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

// TaskListResponse wraps a page of tasks.
type TaskListResponse struct {
	Tasks []task.Task `json:"tasks"`
	Count int         `json:"count"`
}

// EstimateRequest asks for the chunking cost projection of a text.
type EstimateRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// QueueStatsResponse describes the task backlog.
type QueueStatsResponse struct {
	Backend    string        `json:"backend"`
	Pending    int64         `json:"pending"`
	Lag        int64         `json:"lag,omitempty"`
	OldestIdle time.Duration `json:"oldest_idle,omitempty"`
}
