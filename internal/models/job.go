package models

import (
	"time"

	"github.com/google/uuid"
)

// Generation job status enums. The state machine is forward-only:
// pending -> processing -> {completed, failed}.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// SweepFailureReason is written by the stale-job sweeper.
const SweepFailureReason = "System Timeout"

type GenerationJob struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	ToolID       string    `json:"tool_id"`
	Prompt       string    `json:"prompt"`
	Cost         int       `json:"cost"`
	UsageLogID   uuid.UUID `json:"usage_log_id"`
	Status       string    `json:"status"`
	ResultURL    *string   `json:"result_url,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsTerminal reports whether the job can no longer transition.
func (j *GenerationJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
