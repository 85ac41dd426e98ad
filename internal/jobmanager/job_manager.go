// ============================================================================
// Job state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: owns job status and the event log. Every status change goes through
// Transition (table checked) or Readmit (operator/recovery admission to
// queued). Both work on a clone: the caller's job is never mutated, and an
// invalid edge leaves the durable record untouched.
//
// Failure policy:
//   HandleDownloadFailure  retryCount++ then failed or dead_letter
//   HandleStall            downloading without progress -> stalled -> queued | dead_letter
//   ScanStalled            HandleStall over every downloading job, unlocked
//   RetryFromDeadLetter    retryCount = 0, requeueCount++, readmit, delete item
//
// Side effects per transition: event log entry, state timestamp, SaveJob,
// dead-letter item (dead_letter only), metrics, notifications. Notification
// delivery never fails a transition.
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/download-queue/internal/classifier"
	"github.com/ChuLiYu/download-queue/internal/metrics"
	"github.com/ChuLiYu/download-queue/internal/notify"
	"github.com/ChuLiYu/download-queue/internal/storage"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrInvalidTransition is returned for an edge missing from the table.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrJobNotFound is returned when the job row does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrDeadLetterNotFound is returned when the dead-letter item does not exist.
	ErrDeadLetterNotFound = errors.New("dead letter item not found")
	// ErrNotRetryable is returned when retrying an item with CanRetry unset.
	ErrNotRetryable = errors.New("dead letter item is not retryable")
)

// Event names written to the job event log.
const (
	EventTransition = "transition"
	EventReadmitted = "readmitted"
)

// Store is the part of the durable store the state machine writes.
type Store interface {
	storage.JobStore
	storage.DeadLetterStore
}

// Config holds the failure policy thresholds.
type Config struct {
	MaxRetryCount    int
	MaxRequeueCount  int
	StallTimeout     time.Duration
	ExtraTransitions map[types.JobStatus][]types.JobStatus
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetryCount:   5,
		MaxRequeueCount: 3,
		StallTimeout:    15 * time.Minute,
	}
}

// StateMachine is the sole writer of Job.Status and the event log.
type StateMachine struct {
	store   Store
	bus     notify.Publisher
	cfg     Config
	table   TransitionTable
	log     *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
	newID   func() string
}

// Option configures a StateMachine.
type Option func(*StateMachine)

func WithLogger(l *zap.Logger) Option {
	return func(sm *StateMachine) { sm.log = l.Named("statemachine") }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(sm *StateMachine) { sm.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(sm *StateMachine) { sm.now = now }
}

// New creates a state machine. Zero thresholds in cfg take their defaults.
func New(store Store, bus notify.Publisher, cfg Config, opts ...Option) *StateMachine {
	def := DefaultConfig()
	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = def.MaxRetryCount
	}
	if cfg.MaxRequeueCount <= 0 {
		cfg.MaxRequeueCount = def.MaxRequeueCount
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = def.StallTimeout
	}
	if bus == nil {
		bus = notify.Discard
	}

	sm := &StateMachine{
		store: store,
		bus:   bus,
		cfg:   cfg,
		table: DefaultTransitions().Merge(cfg.ExtraTransitions),
		log:   zap.NewNop(),
		now:   time.Now,
		newID: newItemID,
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// Config returns the effective configuration.
func (sm *StateMachine) Config() Config { return sm.cfg }

// Table returns a copy of the effective transition table.
func (sm *StateMachine) Table() TransitionTable { return sm.table.Clone() }

// CanTransition reports whether from -> to is allowed.
func (sm *StateMachine) CanTransition(from, to types.JobStatus) bool {
	return sm.table.Allows(from, to)
}

// ============================================================================
// Transitions
// ============================================================================

// Transition moves job to the status to.
//
// Parameters:
//   - job: current job; never mutated
//   - to: destination status
//   - meta: extra event metadata; "reason" becomes the dead-letter reason
//
// Returns the updated copy. A same-state transition returns an unchanged copy
// without touching the store. An edge missing from the table returns
// ErrInvalidTransition and persists nothing.
func (sm *StateMachine) Transition(ctx context.Context, job *types.Job, to types.JobStatus, meta map[string]any) (*types.Job, error) {
	if job == nil {
		return nil, fmt.Errorf("transition: nil job")
	}
	from := job.Status
	if from == to {
		return job.Clone(), nil
	}
	if !sm.table.Allows(from, to) {
		sm.log.Warn("rejected state transition",
			zap.String("job_id", string(job.ID)),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return nil, fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, from, to, job.ID)
	}

	next := job.Clone()
	now := sm.now()
	sm.applyStatus(next, to, now)
	next.Events = append(next.Events, newEvent(EventTransition, from, to, now, meta))

	if err := sm.persist(ctx, next, from, to, meta); err != nil {
		return nil, err
	}
	return next, nil
}

// Readmit puts job back into queued regardless of the transition table. It is
// the admission path for dead-letter retries, recovery of interrupted
// dispatches and orphan repair; a readmission is a new admission, not a
// resumed transition. A job that is already queued is returned unchanged.
func (sm *StateMachine) Readmit(ctx context.Context, job *types.Job, reason string, meta map[string]any) (*types.Job, error) {
	if job == nil {
		return nil, fmt.Errorf("readmit: nil job")
	}
	from := job.Status
	if from == types.StatusQueued {
		return job.Clone(), nil
	}

	next := job.Clone()
	now := sm.now()
	sm.applyStatus(next, types.StatusQueued, now)

	m := copyMeta(meta)
	m["reason"] = reason
	next.Events = append(next.Events, newEvent(EventReadmitted, from, types.StatusQueued, now, m))

	if err := sm.persist(ctx, next, from, types.StatusQueued, m); err != nil {
		return nil, err
	}
	sm.log.Info("job readmitted",
		zap.String("job_id", string(next.ID)),
		zap.String("from", string(from)),
		zap.String("reason", reason))
	return next, nil
}

// persist writes next and runs the post-transition side effects.
func (sm *StateMachine) persist(ctx context.Context, next *types.Job, from, to types.JobStatus, meta map[string]any) error {
	var item *types.DeadLetterItem
	if to == types.StatusDeadLetter {
		item = sm.newDeadLetterItem(next, reasonOf(meta))
		if err := sm.store.SaveDeadLetter(ctx, item); err != nil {
			return fmt.Errorf("create dead letter item for %s: %w", next.ID, err)
		}
	}

	if err := sm.store.SaveJob(ctx, next); err != nil {
		if item != nil {
			if delErr := sm.store.DeleteDeadLetter(ctx, item.ID); delErr != nil {
				sm.log.Error("orphaned dead letter item", zap.String("item_id", item.ID), zap.Error(delErr))
			}
		}
		return fmt.Errorf("persist job %s (%s -> %s): %w", next.ID, from, to, err)
	}

	sm.metrics.RecordTransition(from, to)
	if item != nil {
		sm.log.Warn("job dead-lettered",
			zap.String("job_id", string(next.ID)),
			zap.String("kind", string(next.Kind)),
			zap.String("error_type", string(next.ErrorType)),
			zap.String("reason", item.Reason))
	} else {
		sm.log.Debug("state transition",
			zap.String("job_id", string(next.ID)),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
	sm.publish(next, from, to, meta)
	return nil
}

func (sm *StateMachine) applyStatus(job *types.Job, to types.JobStatus, now time.Time) {
	job.Status = to
	job.UpdatedAt = now
	t := now
	switch to {
	case types.StatusRequested:
		if job.RequestedAt.IsZero() {
			job.RequestedAt = now
		}
	case types.StatusQueued:
		job.QueuedAt = &t
	case types.StatusSearching:
		job.SearchingAt = &t
	case types.StatusDownloading:
		// stall detection measures from the hand-off
		job.StartedAt = &t
		job.LastProgressAt = &t
		job.BytesDone = 0
	case types.StatusCompleted, types.StatusAdded:
		job.CompletedAt = &t
	case types.StatusFailed:
		job.FailedAt = &t
	case types.StatusStalled:
		job.StalledAt = &t
	case types.StatusCancelled:
		job.CancelledAt = &t
	case types.StatusDeadLetter:
		job.DeadLetteredAt = &t
	}
}

func (sm *StateMachine) publish(job *types.Job, from, to types.JobStatus, meta map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			sm.log.Error("notification publish panicked", zap.String("job_id", string(job.ID)), zap.Any("panic", r))
		}
	}()

	base := notify.Notification{
		JobID:   job.ID,
		Kind:    job.Kind,
		From:    from,
		To:      to,
		Message: reasonOf(meta),
		At:      job.UpdatedAt,
	}
	n := base
	n.Type = notify.TypeStateChange
	sm.bus.Publish(n)

	switch to {
	case types.StatusCompleted, types.StatusAdded:
		n = base
		n.Type = notify.TypeCompleted
		sm.bus.Publish(n)
	case types.StatusFailed, types.StatusDeadLetter:
		n = base
		n.Type = notify.TypeFailed
		n.Message = job.LastError
		n.Data = map[string]any{"error_type": string(job.ErrorType), "retry_count": job.RetryCount}
		sm.bus.Publish(n)
	}
}

// ============================================================================
// Failure policy
// ============================================================================

// ShouldMoveToDeadLetter evaluates dead-letter admission for job as it is now.
func (sm *StateMachine) ShouldMoveToDeadLetter(job *types.Job) (bool, string) {
	switch {
	case job.RetryCount >= sm.cfg.MaxRetryCount:
		return true, fmt.Sprintf("max retries exceeded (%d/%d)", job.RetryCount, sm.cfg.MaxRetryCount)
	case job.RequeueCount >= sm.cfg.MaxRequeueCount:
		return true, fmt.Sprintf("max requeues exceeded (%d/%d)", job.RequeueCount, sm.cfg.MaxRequeueCount)
	case job.ErrorType == types.ErrorPermanent || job.ErrorType == types.ErrorNotFound:
		return true, fmt.Sprintf("permanent error: %s", job.ErrorType)
	}
	return false, ""
}

// HandleDownloadFailure records a failed attempt on job.
//
// Parameters:
//   - err: the executor error; classified when kind is empty
//   - kind: a pre-classified error kind, or ""
//
// Returns the job in failed or dead_letter.
func (sm *StateMachine) HandleDownloadFailure(ctx context.Context, job *types.Job, err error, kind types.ErrorKind) (*types.Job, error) {
	if job == nil {
		return nil, fmt.Errorf("handle failure: nil job")
	}
	if kind == "" {
		kind = classifier.Classify(err)
	}

	next := job.Clone()
	next.RetryCount++
	next.LastError = errorMessage(err)
	next.ErrorType = kind
	sm.metrics.RecordFailure(kind)

	meta := map[string]any{
		"error":       next.LastError,
		"error_type":  string(kind),
		"retry_count": next.RetryCount,
	}

	if move, reason := sm.ShouldMoveToDeadLetter(next); move {
		meta["reason"] = reason
		return sm.Transition(ctx, next, types.StatusDeadLetter, meta)
	}

	if next.Status == types.StatusFailed {
		// already failed: keep the counters without a second failed event
		next.UpdatedAt = sm.now()
		if err := sm.store.SaveJob(ctx, next); err != nil {
			return nil, fmt.Errorf("persist failure for %s: %w", next.ID, err)
		}
		return next, nil
	}
	return sm.Transition(ctx, next, types.StatusFailed, meta)
}

// RecordProgress stores byte progress for an in-flight job. It changes no
// status and appends no event.
func (sm *StateMachine) RecordProgress(ctx context.Context, id types.JobID, done, total int64) (*types.Job, error) {
	job, err := sm.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	now := sm.now()
	job.BytesDone = done
	if total > 0 {
		job.BytesTotal = total
	}
	job.LastProgressAt = &now
	job.UpdatedAt = now
	if err := sm.store.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist progress for %s: %w", id, err)
	}

	sm.bus.Publish(notify.Notification{
		Type:       notify.TypeProgress,
		JobID:      job.ID,
		Kind:       job.Kind,
		To:         job.Status,
		BytesDone:  job.BytesDone,
		BytesTotal: job.BytesTotal,
		At:         now,
	})
	return job, nil
}

// Stalled reports how long job has gone without progress and whether that
// reaches StallTimeout. Only downloading jobs stall.
func (sm *StateMachine) Stalled(job *types.Job) (time.Duration, bool) {
	if job == nil || job.Status != types.StatusDownloading {
		return 0, false
	}
	idle := sm.now().Sub(lastActivity(job))
	return idle, idle >= sm.cfg.StallTimeout
}

// HandleStall moves a stalled job to stalled, closing its open attempt as a
// slow_transfer failure, then either dead-letters it or requeues it with
// retryCount incremented. A job that is not stalled is returned unchanged.
// Callers pass a fresh read and hold the job's write lock.
func (sm *StateMachine) HandleStall(ctx context.Context, job *types.Job) (*types.Job, error) {
	idle, ok := sm.Stalled(job)
	if !ok {
		return job, nil
	}
	now := sm.now()
	reason := fmt.Sprintf("no progress for %s", idle.Round(time.Second))

	next := job.Clone()
	next.LastError = reason
	next.ErrorType = types.ErrorSlowTransfer
	if last := next.LastAttempt(); last != nil && last.EndedAt == nil {
		last.EndedAt = &now
		last.Duration = now.Sub(last.StartedAt)
		last.Success = false
		last.Error = reason
		last.ErrorType = types.ErrorSlowTransfer
		if last.SourceID == "" {
			last.SourceID = next.SourceID
		}
	}

	stalled, err := sm.Transition(ctx, next, types.StatusStalled, map[string]any{"reason": reason})
	if err != nil {
		return nil, err
	}
	sm.log.Warn("job stalled",
		zap.String("job_id", string(job.ID)),
		zap.Duration("idle", idle),
		zap.String("source", job.SourceID))

	if move, why := sm.ShouldMoveToDeadLetter(stalled); move {
		return sm.Transition(ctx, stalled, types.StatusDeadLetter, map[string]any{"reason": why})
	}

	stalled.RetryCount++
	return sm.Transition(ctx, stalled, types.StatusQueued, map[string]any{
		"reason":      "auto retry after stall",
		"retry_count": stalled.RetryCount,
	})
}

// ScanStalled runs HandleStall over every downloading job and returns the
// requeued ones. Per-job errors do not stop the scan; they are joined into
// the returned error. It reads and writes without per-job locking, so a
// caller with concurrent writers should call HandleStall per job instead.
func (sm *StateMachine) ScanStalled(ctx context.Context) ([]*types.Job, error) {
	jobs, err := sm.store.ListJobs(ctx, types.JobFilter{Statuses: []types.JobStatus{types.StatusDownloading}})
	if err != nil {
		return nil, fmt.Errorf("list downloading jobs: %w", err)
	}

	var (
		requeued []*types.Job
		errs     []error
	)
	for _, job := range jobs {
		if _, ok := sm.Stalled(job); !ok {
			continue
		}
		next, err := sm.HandleStall(ctx, job)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if next.Status == types.StatusQueued {
			requeued = append(requeued, next)
		}
	}
	return requeued, errors.Join(errs...)
}

// ============================================================================
// Helpers
// ============================================================================

func (sm *StateMachine) getJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	job, err := sm.store.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func lastActivity(job *types.Job) time.Time {
	switch {
	case job.LastProgressAt != nil:
		return *job.LastProgressAt
	case job.StartedAt != nil:
		return *job.StartedAt
	}
	return job.UpdatedAt
}

func newEvent(name string, from, to types.JobStatus, at time.Time, meta map[string]any) types.Event {
	return types.Event{At: at, Event: name, From: from, To: to, Metadata: copyMeta(meta)}
}

func copyMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func reasonOf(meta map[string]any) string {
	if s, ok := meta["reason"].(string); ok {
		return s
	}
	return ""
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
