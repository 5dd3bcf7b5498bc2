// Package scan runs scan jobs: it fans provider tasks out to a bounded pool,
// joins on their outcomes, classifies the job and settles its credits.
package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/timmy/exposcan/internal/credits"
	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/logger"
	"github.com/timmy/exposcan/internal/normalize"
	"github.com/timmy/exposcan/internal/progress"
	"github.com/timmy/exposcan/internal/provider"
	"github.com/timmy/exposcan/internal/retry"
	"github.com/timmy/exposcan/internal/storage"
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("scan job not found")
	// ErrJobFinished is returned when cancelling a job that already reached a terminal state.
	ErrJobFinished = errors.New("scan job already finished")
	// ErrInvalidRequest wraps malformed submissions.
	ErrInvalidRequest = errors.New("invalid scan request")
)

// Config holds controller tuning.
type Config struct {
	// WorkersPerJob bounds concurrent tasks of one job.
	WorkersPerJob int
	// GlobalConcurrency bounds concurrent provider calls across all jobs.
	GlobalConcurrency int
	// PerWorkspaceConcurrency bounds concurrent provider calls per workspace; 0 disables it.
	PerWorkspaceConcurrency int
	// TaskTimeout bounds each adapter invocation.
	TaskTimeout time.Duration
	// SuggestionTimeout bounds the advisory rescan suggestion call.
	SuggestionTimeout time.Duration
	// RetainFinished is how many finished jobs stay in memory when there is no
	// store to read them back from. With a store they are dropped at once.
	RetainFinished int
	Retry          retry.Policy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WorkersPerJob:     5,
		GlobalConcurrency: 10,
		TaskTimeout:       30 * time.Second,
		SuggestionTimeout: 10 * time.Second,
		RetainFinished:    256,
		Retry:             retry.DefaultPolicy(),
	}
}

// Store persists jobs, tasks and findings.
type Store interface {
	CreateJob(ctx context.Context, job *domain.ScanJob, tasks []domain.ProviderTask) error
	UpdateJob(ctx context.Context, job *domain.ScanJob) error
	UpdateTask(ctx context.Context, task *domain.ProviderTask) error
	SaveFindings(ctx context.Context, jobID string, findings []domain.Finding) error
	LoadJob(ctx context.Context, jobID string) (*domain.ScanJob, []domain.ProviderTask, []domain.Finding, error)
}

// Archive stores finished job reports. storage.ObjectStorage satisfies it.
type Archive interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
}

// Suggester proposes alternate spellings for a target that produced nothing.
type Suggester interface {
	Suggest(ctx context.Context, target domain.Target) ([]string, error)
}

// Request is a scan submission.
type Request struct {
	WorkspaceID string
	Targets     []domain.Target
	Providers   []domain.ProviderID
}

// Option configures optional collaborators.
type Option func(*Controller)

// WithStore persists jobs through s.
func WithStore(s Store) Option { return func(c *Controller) { c.store = s } }

// WithArchive uploads each finished report to a.
func WithArchive(a Archive) Option { return func(c *Controller) { c.archive = a } }

// WithSuggester enables rescan suggestions on zero-result jobs.
func WithSuggester(s Suggester) Option { return func(c *Controller) { c.suggester = s } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// Controller owns every running job's lifecycle.
type Controller struct {
	cfg        Config
	registry   *provider.Registry
	ledger     *credits.Ledger
	normalizer *normalize.Normalizer
	publisher  *progress.Publisher
	limiter    *Limiter

	store     Store
	archive   Archive
	suggester Suggester
	now       func() time.Time

	mu       sync.RWMutex
	runs     map[string]*run
	finished []string
	wg       sync.WaitGroup
}

// NewController creates a Controller.
func NewController(cfg Config, registry *provider.Registry, ledger *credits.Ledger, normalizer *normalize.Normalizer, publisher *progress.Publisher, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.WorkersPerJob <= 0 {
		cfg.WorkersPerJob = def.WorkersPerJob
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = def.GlobalConcurrency
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.SuggestionTimeout <= 0 {
		cfg.SuggestionTimeout = def.SuggestionTimeout
	}
	if cfg.RetainFinished <= 0 {
		cfg.RetainFinished = def.RetainFinished
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}

	c := &Controller{
		cfg:        cfg,
		registry:   registry,
		ledger:     ledger,
		normalizer: normalizer,
		publisher:  publisher,
		limiter:    NewLimiter(cfg.GlobalConcurrency, cfg.PerWorkspaceConcurrency),
		now:        time.Now,
		runs:       make(map[string]*run),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run is the in-memory state of one job. Task slots are written only by the
// goroutine executing that task; mu guards the committed snapshots readers see.
type run struct {
	mu          sync.Mutex
	job         domain.ScanJob
	tasks       []domain.ProviderTask
	targets     map[string]domain.Target
	reservation *credits.Reservation
	findings    []domain.Finding
	merged      []domain.Finding
	settlement  *credits.Settlement
	suggestions []string
	cancelled   bool
	finishing   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Submit admits a job and starts it in the background.
// Parameters:
//   - ctx: request context; the job itself outlives it.
//   - req: workspace, targets and providers.
// Returns:
//   - *domain.ScanJob: the queued job.
//   - error: ErrInvalidRequest, a *credits.DeniedError, or a store error. No
//     task runs and no credits are held when an error is returned.
func (c *Controller) Submit(ctx context.Context, req Request) (*domain.ScanJob, error) {
	if req.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: workspace id is required", ErrInvalidRequest)
	}
	if len(req.Targets) == 0 {
		return nil, fmt.Errorf("%w: at least one target is required", ErrInvalidRequest)
	}
	providers := uniqueProviders(req.Providers)
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: at least one provider is required", ErrInvalidRequest)
	}

	targets := make([]domain.Target, len(req.Targets))
	targetByID := make(map[string]domain.Target, len(req.Targets))
	for i, t := range req.Targets {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if _, dup := targetByID[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate target id %s", ErrInvalidRequest, t.ID)
		}
		targets[i] = t
		targetByID[t.ID] = t
	}

	now := c.now()
	job := domain.ScanJob{
		ID:                 uuid.NewString(),
		WorkspaceID:        req.WorkspaceID,
		CreatedAt:          now,
		UpdatedAt:          now,
		RequestedTargets:   targets,
		RequestedProviders: providers,
		State:              domain.JobQueued,
	}
	ctx = logger.SetWorkspaceID(logger.SetJobID(ctx, job.ID), job.WorkspaceID)

	reservation, err := c.ledger.Authorize(ctx, credits.AdmissionRequest{
		WorkspaceID: job.WorkspaceID,
		JobID:       job.ID,
		Providers:   providers,
		TargetCount: len(targets),
	})
	if err != nil {
		logger.CtxWarn(ctx, "Scan job denied: %v", err)
		return nil, err
	}
	job.ReservationID = reservation.ID
	job.CreditsReserved = reservation.Total

	tasks := c.planTasks(job.ID, targets, providers)

	runCtx, cancel := context.WithCancel(logger.FromContext(ctx).WithContext(context.Background()))
	r := &run{
		job:         job,
		tasks:       tasks,
		targets:     targetByID,
		reservation: reservation,
		ctx:         runCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	// The run is visible while it is persisted, so a job can be cancelled in Queued.
	c.mu.Lock()
	c.runs[job.ID] = r
	c.mu.Unlock()
	c.publisher.Publish(job.ID, progress.Event{Type: progress.EventJob, Status: string(domain.JobQueued), Message: fmt.Sprintf("%d task(s) planned", len(tasks))})

	if c.store != nil {
		if err := c.store.CreateJob(ctx, &job, tasks); err != nil {
			c.mu.Lock()
			delete(c.runs, job.ID)
			c.mu.Unlock()
			cancel()
			close(r.done)
			c.publisher.Close(job.ID)
			c.releaseReservation(ctx, reservation)
			return nil, fmt.Errorf("failed to persist scan job: %w", err)
		}
	}
	logger.With(logger.Fields{"targets": len(targets), "providers": len(providers), logger.FieldCredits: reservation.Total}).Info(ctx, "Scan job queued")

	c.wg.Add(1)
	go c.coordinate(r)

	snapshot := job
	return &snapshot, nil
}

// planTasks creates one task per (target, provider). Pairs the provider cannot
// serve start out Skipped.
func (c *Controller) planTasks(jobID string, targets []domain.Target, providers []domain.ProviderID) []domain.ProviderTask {
	tasks := make([]domain.ProviderTask, 0, len(targets)*len(providers))
	now := c.now()
	for _, t := range targets {
		for _, p := range providers {
			task := domain.ProviderTask{
				ID:         uuid.NewString(),
				JobID:      jobID,
				TargetID:   t.ID,
				ProviderID: p,
				Status:     domain.TaskPending,
			}
			spec, _ := c.registry.Spec(p)
			switch {
			case !spec.Supports(t.Type):
				task.Status = domain.TaskSkipped
				task.SkipReason = domain.SkipUnsupportedTargetType
				task.FinishedAt = &now
			case !c.registry.Available(p):
				task.Status = domain.TaskSkipped
				task.SkipReason = domain.SkipProviderUnavailable
				task.FinishedAt = &now
			}
			tasks = append(tasks, task)
		}
	}
	return tasks
}

// coordinate drives one job from Queued to a terminal state.
func (c *Controller) coordinate(r *run) {
	defer c.wg.Done()
	defer c.retire(r.job.ID)
	defer close(r.done)
	defer r.cancel()
	ctx := r.ctx

	r.mu.Lock()
	cancelled := r.cancelled
	if !cancelled {
		if err := r.job.Transition(domain.JobDispatching, c.now()); err != nil {
			logger.CtxError(ctx, "Failed to start dispatch: %v", err)
		}
	}
	job := r.job
	tasks := append([]domain.ProviderTask(nil), r.tasks...)
	r.mu.Unlock()

	if cancelled {
		c.abandon(r, tasks)
		c.finish(r)
		return
	}

	c.persistJob(ctx, &job)
	c.publisher.Publish(job.ID, progress.Event{Type: progress.EventJob, Status: string(domain.JobDispatching)})

	total := len(tasks)
	var finished int
	var finishedMu sync.Mutex
	percent := func() float64 {
		finishedMu.Lock()
		defer finishedMu.Unlock()
		finished++
		return float64(finished) * 100 / float64(total)
	}

	wp := pool.New().WithMaxGoroutines(c.cfg.WorkersPerJob)
	for i := range tasks {
		if tasks[i].Status.IsTerminal() {
			c.publishTask(r, &tasks[i], percent(), "")
			continue
		}
		wp.Go(func() {
			c.runTask(r, i)
			r.mu.Lock()
			task := r.tasks[i]
			r.mu.Unlock()
			c.publishTask(r, &task, percent(), "")
		})
	}
	wp.Wait()

	c.finish(r)
}

// abandon skips every task of a job cancelled before dispatch.
func (c *Controller) abandon(r *run, tasks []domain.ProviderTask) {
	now := c.now()
	for i := range tasks {
		if !tasks[i].Status.IsTerminal() {
			tasks[i].Status = domain.TaskSkipped
			tasks[i].SkipReason = domain.SkipCancelled
			tasks[i].FinishedAt = &now
			c.persistTask(context.WithoutCancel(r.ctx), &tasks[i])
		}
	}

	r.mu.Lock()
	copy(r.tasks, tasks)
	r.mu.Unlock()

	for i := range tasks {
		c.publishTask(r, &tasks[i], float64(i+1)*100/float64(len(tasks)), "")
	}
}

// finish classifies the job, settles credits and emits the terminal events.
// Every task is terminal when it runs.
func (c *Controller) finish(r *run) {
	ctx := r.ctx
	now := c.now()

	r.mu.Lock()
	statuses := make([]domain.TaskStatus, 0, len(r.tasks))
	outcomes := make([]credits.TaskOutcome, 0, len(r.tasks))
	for i := range r.tasks {
		t := &r.tasks[i]
		if !t.Status.IsTerminal() {
			t.Status = domain.TaskSkipped
			t.SkipReason = domain.SkipCancelled
			t.FinishedAt = &now
		}
		statuses = append(statuses, t.Status)
		outcomes = append(outcomes, credits.TaskOutcome{TargetID: t.TargetID, ProviderID: t.ProviderID, Billable: t.Billable()})
	}
	// From here on Cancel reports the job as finished, so the state below is final.
	r.finishing = true
	state := domain.ClassifyOutcome(statuses)
	if r.cancelled {
		state = domain.JobCancelled
	}
	merged := normalize.Merge(r.findings)
	for i := range merged {
		merged[i].JobID = r.job.ID
	}
	r.merged = merged
	r.mu.Unlock()

	settleCtx := context.WithoutCancel(ctx)
	settlement, err := c.ledger.Reconcile(settleCtx, r.reservation, outcomes)
	if err != nil {
		logger.CtxError(ctx, "Failed to reconcile credits: %v", err)
	}

	r.mu.Lock()
	if err == nil {
		r.settlement = &settlement
		r.job.CreditsConsumed = settlement.Consumed
		r.job.CreditsRefunded = settlement.Refunded
	}
	r.job.ZeroResult = (state == domain.JobCompleted || state == domain.JobPartiallyComplete) && len(merged) == 0
	if err := r.job.Transition(state, now); err != nil {
		logger.CtxError(ctx, "Failed to finish job: %v", err)
	}
	job := r.job
	r.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveFindings(settleCtx, job.ID, merged); err != nil {
			logger.CtxError(ctx, "Failed to save findings: %v", err)
		}
	}
	c.persistJob(settleCtx, &job)

	c.publisher.Publish(job.ID, progress.Event{
		Type:     progress.EventJob,
		Status:   string(job.State),
		Message:  fmt.Sprintf("%d finding(s), %d credit(s) refunded", len(merged), job.CreditsRefunded),
		Percent:  100,
		Terminal: true,
	})
	logger.With(logger.Fields{
		logger.FieldStatus: string(job.State),
		logger.FieldCount:  len(merged),
		"consumed":         job.CreditsConsumed,
		"refunded":         job.CreditsRefunded,
	}).Info(ctx, "Scan job finished")

	if job.ZeroResult {
		c.publisher.Publish(job.ID, progress.Event{Type: progress.EventZeroResult, Status: string(job.State), Message: "no findings"})
		c.suggest(settleCtx, r)
	}

	c.archiveReport(settleCtx, r)
	c.publisher.Close(job.ID)
}

// suggest asks the suggestion service for alternate spellings. It never changes the job.
func (c *Controller) suggest(ctx context.Context, r *run) {
	if c.suggester == nil {
		return
	}
	var suggestions []string
	for _, t := range r.job.RequestedTargets {
		if t.Type != domain.TargetUsername && t.Type != domain.TargetName && t.Type != domain.TargetEmail {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, c.cfg.SuggestionTimeout)
		got, err := c.suggester.Suggest(sctx, t)
		cancel()
		if err != nil {
			logger.CtxWarn(ctx, "Rescan suggestion failed for target %s: %v", t.ID, err)
			continue
		}
		suggestions = append(suggestions, got...)
	}
	if len(suggestions) == 0 {
		return
	}

	r.mu.Lock()
	r.suggestions = suggestions
	r.mu.Unlock()
	c.publisher.Publish(r.job.ID, progress.Event{Type: progress.EventSuggestion, Status: "suggested", Data: suggestions})
}

func (c *Controller) archiveReport(ctx context.Context, r *run) {
	if c.archive == nil {
		return
	}
	report := r.report()
	body, err := json.Marshal(report)
	if err != nil {
		logger.CtxError(ctx, "Failed to encode report: %v", err)
		return
	}
	key := storage.ReportKey(report.Job.WorkspaceID, report.Job.ID)
	if err := c.archive.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		logger.CtxError(ctx, "Failed to archive report: %v", err)
		return
	}
	logger.With(logger.Fields{"key": key}).Info(ctx, "Archived scan report")
}

// Cancel requests cancellation. In-flight adapter calls are not interrupted;
// their tasks stop retrying and the job becomes Cancelled once all tasks are terminal.
// Once every task is terminal and the job is being settled, Cancel returns
// ErrJobFinished.
func (c *Controller) Cancel(ctx context.Context, jobID string) error {
	r, ok := c.lookup(jobID)
	if !ok {
		return ErrJobNotFound
	}

	r.mu.Lock()
	if r.finishing || r.job.State.IsTerminal() {
		r.mu.Unlock()
		return ErrJobFinished
	}
	already := r.cancelled
	r.cancelled = true
	r.mu.Unlock()

	if already {
		return nil
	}
	r.cancel()
	c.publisher.Publish(jobID, progress.Event{Type: progress.EventJob, Status: "cancelling", Message: "cancellation requested"})
	logger.CtxInfo(logger.SetJobID(ctx, jobID), "Scan job cancellation requested")
	return nil
}

// Wait blocks until the job is terminal and returns its report.
func (c *Controller) Wait(ctx context.Context, jobID string) (*Report, error) {
	r, ok := c.lookup(jobID)
	if !ok {
		return c.Get(ctx, jobID)
	}
	select {
	case <-r.done:
		return r.report(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns a snapshot of a job, from memory or from the store.
func (c *Controller) Get(ctx context.Context, jobID string) (*Report, error) {
	if r, ok := c.lookup(jobID); ok {
		return r.report(), nil
	}
	if c.store == nil {
		return nil, ErrJobNotFound
	}
	job, tasks, findings, err := c.store.LoadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return buildReport(*job, tasks, findings), nil
}

// Shutdown waits for running jobs. When ctx expires first, remaining jobs are
// cancelled and awaited.
func (c *Controller) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	c.mu.RLock()
	ids := make([]string, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	for _, id := range ids {
		_ = c.Cancel(context.Background(), id)
	}
	<-done
	return ctx.Err()
}

// retire drops a finished run from memory. With a store it is read back from
// there; without one the most recent RetainFinished runs stay readable.
func (c *Controller) retire(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		delete(c.runs, jobID)
		return
	}
	c.finished = append(c.finished, jobID)
	for len(c.finished) > c.cfg.RetainFinished {
		delete(c.runs, c.finished[0])
		c.finished = c.finished[1:]
	}
}

func (c *Controller) lookup(jobID string) (*run, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.runs[jobID]
	return r, ok
}

func (c *Controller) releaseReservation(ctx context.Context, res *credits.Reservation) {
	if _, err := c.ledger.Reconcile(context.WithoutCancel(ctx), res, nil); err != nil {
		logger.CtxError(ctx, "Failed to release reservation %s: %v", res.ID, err)
	}
}

func (c *Controller) persistJob(ctx context.Context, job *domain.ScanJob) {
	if c.store == nil {
		return
	}
	if err := c.store.UpdateJob(ctx, job); err != nil {
		logger.CtxError(ctx, "Failed to persist job: %v", err)
	}
}

func (c *Controller) persistTask(ctx context.Context, task *domain.ProviderTask) {
	if c.store == nil {
		return
	}
	if err := c.store.UpdateTask(ctx, task); err != nil {
		logger.CtxError(ctx, "Failed to persist task %s: %v", task.ID, err)
	}
}

func (r *run) report() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := buildReport(r.job, append([]domain.ProviderTask(nil), r.tasks...), append([]domain.Finding(nil), r.merged...))
	if r.settlement != nil {
		s := *r.settlement
		rep.Settlement = &s
	}
	rep.Suggestions = append([]string(nil), r.suggestions...)
	rep.CancelRequested = r.cancelled
	return rep
}

func uniqueProviders(ids []domain.ProviderID) []domain.ProviderID {
	seen := make(map[domain.ProviderID]struct{}, len(ids))
	out := make([]domain.ProviderID, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
