package domain

import (
	"fmt"
	"time"
)

// JobState is the lifecycle state of a ScanJob.
type JobState string

const (
	JobQueued            JobState = "queued"
	JobDispatching       JobState = "dispatching"
	JobPartiallyComplete JobState = "partially_complete"
	JobCompleted         JobState = "completed"
	JobFailed            JobState = "failed"
	JobCancelled         JobState = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobPartiallyComplete, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// jobTransitions holds the forward-only edges of the job state machine.
var jobTransitions = map[JobState][]JobState{
	JobQueued:      {JobDispatching, JobCancelled},
	JobDispatching: {JobPartiallyComplete, JobCompleted, JobFailed, JobCancelled},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to JobState) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ScanJob is one orchestration unit.
type ScanJob struct {
	ID                 string       `gorm:"type:text;primaryKey" json:"id"`
	WorkspaceID        string       `gorm:"type:text;not null;index" json:"workspace_id"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	FinishedAt         *time.Time   `json:"finished_at,omitempty"`
	RequestedTargets   []Target     `gorm:"serializer:json" json:"requested_targets"`
	RequestedProviders []ProviderID `gorm:"serializer:json" json:"requested_providers"`
	State              JobState     `gorm:"type:text;default:queued" json:"state"`
	ReservationID      string       `gorm:"type:text" json:"reservation_id,omitempty"`
	CreditsReserved    int64        `json:"credits_reserved"`
	CreditsConsumed    int64        `json:"credits_consumed"`
	CreditsRefunded    int64        `json:"credits_refunded"`
	ZeroResult         bool         `json:"zero_result"`
}

// TableName returns the database table name for ScanJob.
func (ScanJob) TableName() string {
	return "scan_jobs"
}

// Transition moves the job to the next state, enforcing forward-only edges.
// Parameters:
//   - to: requested state.
//   - now: transition time.
// Returns:
//   - error: non-nil if the edge is not allowed.
func (j *ScanJob) Transition(to JobState, now time.Time) error {
	if !CanTransition(j.State, to) {
		return fmt.Errorf("illegal job transition %s -> %s", j.State, to)
	}
	j.State = to
	j.UpdatedAt = now
	if to.IsTerminal() {
		j.FinishedAt = &now
	}
	return nil
}

// ClassifyOutcome derives the terminal job state from the multiset of task statuses.
// Skipped tasks never block Completed. A job with no failures is Completed, a job with
// both successes and failures is PartiallyComplete, and a job with failures only is Failed.
func ClassifyOutcome(statuses []TaskStatus) JobState {
	var succeeded, failed int
	for _, s := range statuses {
		switch s {
		case TaskSucceeded:
			succeeded++
		case TaskFailed:
			failed++
		}
	}
	switch {
	case failed == 0:
		return JobCompleted
	case succeeded > 0:
		return JobPartiallyComplete
	default:
		return JobFailed
	}
}
