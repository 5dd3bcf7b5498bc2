// Package progress fans out ordered scan progress events to subscribers and
// external sinks.
package progress

import "time"

// EventType distinguishes task, job and advisory events.
type EventType string

const (
	EventTask       EventType = "task"
	EventJob        EventType = "job"
	EventZeroResult EventType = "zero_result"
	EventSuggestion EventType = "suggestion"
)

// Event is one progress update. Seq is assigned by the Publisher and is strictly
// increasing within a job.
type Event struct {
	Seq        int64     `json:"seq"`
	Type       EventType `json:"type"`
	JobID      string    `json:"job_id"`
	TaskID     string    `json:"task_id,omitempty"`
	ProviderID string    `json:"provider_id,omitempty"`
	TargetID   string    `json:"target_id,omitempty"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Percent    float64   `json:"percent"`
	Attempt    int       `json:"attempt,omitempty"`
	Terminal   bool      `json:"terminal"`
	Time       time.Time `json:"time"`
	Data       []string  `json:"data,omitempty"`
}
