package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/logger"
	"github.com/timmy/exposcan/internal/progress"
	"github.com/timmy/exposcan/internal/provider"
)

// runTask executes one provider task through the retry policy. The task value is
// owned by this goroutine; commit publishes snapshots of it to the run.
func (c *Controller) runTask(r *run, i int) {
	r.mu.Lock()
	task := r.tasks[i]
	target := r.targets[task.TargetID]
	cancelled := r.cancelled
	r.mu.Unlock()

	ctx := logger.SetProvider(logger.SetTaskID(r.ctx, task.ID), string(task.ProviderID))
	commit := func() {
		r.mu.Lock()
		r.tasks[i] = task
		r.mu.Unlock()
		c.persistTask(context.WithoutCancel(ctx), &task)
	}

	if cancelled {
		c.skip(&task, domain.SkipCancelled)
		commit()
		return
	}

	adapter, ok := c.registry.Adapter(task.ProviderID)
	if !ok {
		c.skip(&task, domain.SkipProviderUnavailable)
		commit()
		return
	}

	start := c.now()
	task.StartedAt = &start
	var result *provider.Result

	attempts, err := c.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		release, err := c.limiter.Acquire(ctx, r.job.WorkspaceID)
		if err != nil {
			return err
		}
		defer release()

		task.Attempts = attempt
		task.Status = domain.TaskRunning
		commit()
		c.publishTask(r, &task, 0, fmt.Sprintf("attempt %d started", attempt))

		// Cancellation stops retries, not the call already in flight.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TaskTimeout)
		defer cancel()
		res, err := adapter.Invoke(callCtx, target)
		if err != nil {
			return err
		}
		if res == nil {
			res = &provider.Result{}
		}
		result = res
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		task.Status = domain.TaskRetrying
		task.LastError = err.Error()
		commit()
		c.publishTask(r, &task, 0, fmt.Sprintf("attempt %d failed, retrying in %s", attempt, delay.Round(time.Millisecond)))
		logger.With(logger.Fields{"error_kind": provider.KindOf(err).String()}).WithAttempt(attempt).WithDuration(delay).Warn(ctx, "Provider call failed, retrying: %v", err)
	})

	finished := c.now()
	task.FinishedAt = &finished

	r.mu.Lock()
	jobCancelled := r.cancelled
	r.mu.Unlock()

	switch {
	case err == nil:
		if result.Provider == "" {
			result.Provider = task.ProviderID
		}
		if result.ReceivedAt.IsZero() {
			result.ReceivedAt = finished
		}
		findings := c.normalizer.Normalize(result, task.ProviderID, target)
		task.Status = domain.TaskSucceeded
		task.LastError = ""
		task.FindingCount = len(findings)
		r.mu.Lock()
		r.findings = append(r.findings, findings...)
		r.mu.Unlock()
	case provider.IsUnavailable(err):
		task.SkipReason = domain.SkipProviderUnavailable
		task.Status = domain.TaskSkipped
		task.LastError = err.Error()
	case jobCancelled && (attempts == 0 || provider.IsTransient(err) || errors.Is(err, context.Canceled)):
		task.SkipReason = domain.SkipCancelled
		task.Status = domain.TaskSkipped
		task.LastError = err.Error()
	default:
		task.Status = domain.TaskFailed
		task.LastError = err.Error()
	}
	commit()

	logger.With(logger.Fields{
		logger.FieldStatus:  string(task.Status),
		logger.FieldAttempt: task.Attempts,
		logger.FieldCount:   task.FindingCount,
	}).WithDuration(finished.Sub(start)).Info(ctx, "Provider task finished")
}

func (c *Controller) skip(task *domain.ProviderTask, reason string) {
	now := c.now()
	task.Status = domain.TaskSkipped
	task.SkipReason = reason
	task.FinishedAt = &now
}

// publishTask emits a task event. Terminal task events carry the job's progress percentage.
func (c *Controller) publishTask(r *run, task *domain.ProviderTask, percent float64, message string) {
	if message == "" {
		switch task.Status {
		case domain.TaskSkipped:
			message = "skipped: " + task.SkipReason
		case domain.TaskFailed:
			message = task.LastError
		case domain.TaskSucceeded:
			message = fmt.Sprintf("%d finding(s)", task.FindingCount)
		}
	}
	c.publisher.Publish(task.JobID, progress.Event{
		Type:       progress.EventTask,
		TaskID:     task.ID,
		ProviderID: string(task.ProviderID),
		TargetID:   task.TargetID,
		Status:     string(task.Status),
		Message:    message,
		Percent:    percent,
		Attempt:    task.Attempts,
		Terminal:   task.Status.IsTerminal(),
	})
}
