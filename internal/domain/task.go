package domain

import "time"

// ProviderID names one external lookup tool.
type ProviderID string

// TaskStatus is the status of a ProviderTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskRetrying  TaskStatus = "retrying"
	TaskSucceeded TaskStatus = "succeeded"
	TaskSkipped   TaskStatus = "skipped"
	TaskFailed    TaskStatus = "failed"
)

// IsTerminal reports whether the task has finished.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskSkipped || s == TaskFailed
}

// Skip reasons recorded on Skipped tasks.
const (
	SkipUnsupportedTargetType = "UnsupportedTargetType"
	SkipProviderUnavailable   = "ProviderUnavailable"
	SkipCancelled             = "Cancelled"
)

// ProviderTask is the unit of dispatched work keyed by (job, target, provider).
// A single goroutine owns its transitions while it runs.
type ProviderTask struct {
	ID           string     `gorm:"type:text;primaryKey" json:"id"`
	JobID        string     `gorm:"type:text;not null;uniqueIndex:idx_task_key" json:"job_id"`
	TargetID     string     `gorm:"type:text;not null;uniqueIndex:idx_task_key" json:"target_id"`
	ProviderID   ProviderID `gorm:"type:text;not null;uniqueIndex:idx_task_key" json:"provider_id"`
	Status       TaskStatus `gorm:"type:text;default:pending" json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	SkipReason   string     `json:"skip_reason,omitempty"`
	FindingCount int        `json:"finding_count"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// TableName returns the database table name for ProviderTask.
func (ProviderTask) TableName() string {
	return "provider_tasks"
}

// Billable reports whether the task produced billable work.
func (t *ProviderTask) Billable() bool {
	return t.Status == TaskSucceeded
}
