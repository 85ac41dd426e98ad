package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/download-queue/internal/classifier"
	"github.com/ChuLiYu/download-queue/internal/executor"
	"github.com/ChuLiYu/download-queue/internal/storage"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

var _ executor.Reporter = (*Queue)(nil)

// ============================================================================
// Dispatch loop
// ============================================================================

// Dispatch runs one dispatch cycle and returns how many jobs it started.
// It does nothing when paused, outside the schedule window, at the
// concurrency ceiling, or while another cycle is running.
func (q *Queue) Dispatch() int {
	if !q.dispatching.CompareAndSwap(false, true) {
		return 0
	}
	defer q.dispatching.Store(false)

	now := q.now()
	q.mu.Lock()
	if q.stopped || q.paused || !q.window.Contains(now) {
		q.mu.Unlock()
		return 0
	}
	free := q.cfg.MaxConcurrent - len(q.active)
	var picked []types.JobID
	for _, e := range q.entries {
		if len(picked) >= free {
			break
		}
		if _, busy := q.active[e.ID]; busy {
			continue
		}
		q.active[e.ID] = struct{}{}
		picked = append(picked, e.ID)
	}
	depth, active := len(q.entries), len(q.active)
	// Add under q.mu so Stop cannot start waiting before these exist
	q.dispatchWg.Add(len(picked))
	q.mu.Unlock()

	q.metrics.UpdateQueueStats(depth, active)
	for i, id := range picked {
		go q.dispatchOne(id, time.Duration(i)*q.cfg.StaggerDelay)
	}
	return len(picked)
}

// dispatchOne runs one job through the executor. The active slot is
// released whatever happens.
func (q *Queue) dispatchOne(id types.JobID, delay time.Duration) {
	started := time.Now()
	defer q.dispatchWg.Done()
	defer q.release(id)
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("dispatch panicked", zap.String("job_id", string(id)), zap.Any("panic", r))
		}
		q.metrics.ObserveDispatch(time.Since(started))
	}()

	if delay > 0 {
		select {
		case <-q.stopCh:
			return
		case <-time.After(delay):
		}
	}

	ctx := q.ctx
	job, exec, excluded, ok := q.beginAttempt(ctx, id)
	if !ok {
		return
	}
	q.metrics.RecordDispatch()

	res, execErr := q.execute(ctx, exec, job, executor.Options{ExcludeSources: excluded, Reporter: q})

	if execErr != nil && ctx.Err() != nil {
		// shutdown: the job keeps its state and is recovered on restart
		q.log.Info("dispatch interrupted by shutdown", zap.String("job_id", string(id)))
		return
	}

	var siblings []types.JobID
	lock := q.jobLock(id)
	lock.Lock()
	switch {
	case errors.Is(execErr, executor.ErrAlreadySatisfied):
		siblings = q.onAlreadySatisfied(ctx, id, res)
	case execErr == nil:
		q.onHandedOff(ctx, id, res)
	default:
		q.onExecuteError(ctx, id, res, execErr, started)
	}
	lock.Unlock()

	for _, sib := range siblings {
		if _, err := q.Dequeue(ctx, sib, "album already satisfied"); err != nil {
			q.log.Warn("cancel sibling", zap.String("job_id", string(sib)), zap.Error(err))
		}
	}
}

// beginAttempt re-reads the job, records a new attempt and moves it to
// searching. ok is false when the job must not be executed.
func (q *Queue) beginAttempt(ctx context.Context, id types.JobID) (*types.Job, executor.Executor, []string, bool) {
	lock := q.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	log := q.log.With(zap.String("job_id", string(id)))
	job, err := q.store.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("queued job has no durable record, dropping")
		q.removeEntry(id)
		return nil, nil, nil, false
	}
	if err != nil {
		log.Error("load job for dispatch", zap.Error(err))
		return nil, nil, nil, false
	}
	if job.Status.IsTerminal() {
		q.removeEntry(id)
		return nil, nil, nil, false
	}

	switch job.Status {
	case types.StatusQueued:
	case types.StatusRequested, types.StatusFailed, types.StatusStalled:
		if job, err = q.sm.Transition(ctx, job, types.StatusQueued, map[string]any{"reason": "dispatch"}); err != nil {
			log.Error("requeue before dispatch", zap.Error(err))
			return nil, nil, nil, false
		}
	default:
		if q.tracker.HasActiveTransfer(id) {
			// already handed off by an earlier attempt
			q.removeEntry(id)
			return nil, nil, nil, false
		}
		if job, err = q.sm.Readmit(ctx, job, "redispatch without live transfer", nil); err != nil {
			log.Error("readmit before dispatch", zap.Error(err))
			return nil, nil, nil, false
		}
	}

	exec, lookupErr := q.executors.Lookup(job.Kind)

	attempt := types.Attempt{Number: len(job.Attempts) + 1, StartedAt: q.now()}
	job.Attempts = append(job.Attempts, attempt)

	excluded, err := q.tracker.ExcludedSources(ctx, job)
	if err != nil {
		log.Warn("exclusion list unavailable, using job history", zap.Error(err))
		excluded = job.FailedSources()
	}

	searching, err := q.sm.Transition(ctx, job, types.StatusSearching, map[string]any{
		"attempt":          attempt.Number,
		"excluded_sources": len(excluded),
	})
	if err != nil {
		log.Error("enter searching", zap.Error(err))
		return nil, nil, nil, false
	}

	if lookupErr != nil {
		q.onExecuteError(ctx, id, executor.Result{}, classifier.WithKind(lookupErr, types.ErrorPermanent), time.Now())
		return nil, nil, nil, false
	}

	log.Info("dispatching",
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", attempt.Number),
		zap.Strings("excluded", excluded))
	return searching, exec, excluded, true
}

// execute calls the executor, turning a panic into an error.
func (q *Queue) execute(ctx context.Context, exec executor.Executor, job *types.Job, opts executor.Options) (res executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("executor panicked", zap.String("job_id", string(job.ID)), zap.Any("panic", r))
			err = classifier.WithKind(fmt.Errorf("executor panic: %v", r), types.ErrorUnknown)
		}
	}()
	return exec.Execute(ctx, job.Clone(), opts)
}

// onAlreadySatisfied moves the job to added and returns the sibling entries
// for the same album.
func (q *Queue) onAlreadySatisfied(ctx context.Context, id types.JobID, res executor.Result) []types.JobID {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		q.log.Error("load satisfied job", zap.String("job_id", string(id)), zap.Error(err))
		return nil
	}
	q.finishAttempt(job, true, res.SourceID, nil)
	if !job.Status.IsTerminal() {
		if _, err := q.sm.Transition(ctx, job, types.StatusAdded, map[string]any{"reason": "already exists"}); err != nil {
			q.log.Error("mark already satisfied", zap.String("job_id", string(id)), zap.Error(err))
		}
	}
	if err := q.tracker.TrackTransferComplete(ctx, id, true); err != nil {
		q.log.Warn("close transfer", zap.String("job_id", string(id)), zap.Error(err))
	}
	q.removeEntry(id)
	return q.siblingsOf(job)
}

// siblingsOf lists working-set entries for the same album as job.
func (q *Queue) siblingsOf(job *types.Job) []types.JobID {
	if job.Kind != types.KindAlbum {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []types.JobID
	for _, e := range q.entries {
		if e.ID == job.ID || e.Job == nil {
			continue
		}
		if _, busy := q.active[e.ID]; busy {
			continue
		}
		if sameAlbum(job, e.Job) {
			out = append(out, e.ID)
		}
	}
	return out
}

func sameAlbum(a, b *types.Job) bool {
	if a.AlbumID != "" && b.AlbumID != "" {
		return a.AlbumID == b.AlbumID
	}
	return a.AlbumName != "" && a.AlbumName == b.AlbumName && a.ArtistName == b.ArtistName
}

// onHandedOff records the hand-off: downloading, entry removed.
func (q *Queue) onHandedOff(ctx context.Context, id types.JobID, res executor.Result) {
	log := q.log.With(zap.String("job_id", string(id)))
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		log.Error("load job after hand-off", zap.Error(err))
		q.removeEntry(id)
		return
	}

	source := res.SourceID
	if source == "" {
		source = q.tracker.ActiveSource(id)
	}
	if source == "" {
		source = job.SourceID
	}
	job.SourceID = source
	if last := job.LastAttempt(); last != nil && last.SourceID == "" {
		last.SourceID = source
	}

	// the executor may already have moved the job on through the reporter
	switch {
	case job.Status == types.StatusSearching:
		if _, err := q.sm.Transition(ctx, job, types.StatusDownloading, map[string]any{
			"reason": "handed off",
			"source": source,
		}); err != nil {
			log.Error("enter downloading", zap.Error(err))
		}
	case job.Status.IsTerminal():
	case job.Status.IsActive() && job.Status != types.StatusQueued && job.Status != types.StatusRequested:
		if err := q.store.SaveJob(ctx, job); err != nil {
			log.Warn("persist source attribution", zap.Error(err))
		}
	default:
		// failed asynchronously and already requeued
		return
	}
	q.removeEntry(id)
	log.Info("transfer handed off", zap.String("source", source))
}

// onExecuteError handles a synchronous executor failure.
func (q *Queue) onExecuteError(ctx context.Context, id types.JobID, res executor.Result, execErr error, started time.Time) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		q.log.Error("load failed job", zap.String("job_id", string(id)), zap.Error(err))
		q.removeEntry(id)
		return
	}
	if job.Status.IsTerminal() {
		q.removeEntry(id)
		return
	}
	if job.SourceID == "" {
		job.SourceID = res.SourceID
	}
	q.handleFailure(ctx, job, execErr, "", false, time.Since(started))
}

// handleFailure is the failure path shared by dispatch errors, executor
// callbacks and slow-transfer aborts. charged is true when the source
// failure was already recorded. Caller holds the job lock.
func (q *Queue) handleFailure(ctx context.Context, job *types.Job, execErr error, kind types.ErrorKind, charged bool, took time.Duration) {
	log := q.log.With(zap.String("job_id", string(job.ID)))
	if kind == "" {
		kind = classifier.Classify(execErr)
	}

	if source := q.tracker.ActiveSource(job.ID); source != "" {
		job.SourceID = source
	}
	q.finishAttempt(job, false, job.SourceID, execErr)
	if last := job.LastAttempt(); last != nil {
		last.ErrorType = kind
		if took > 0 {
			last.Duration = took
		}
	}

	var excluded []string
	var err error
	if charged {
		excluded, err = q.tracker.ExcludedSources(ctx, job)
	} else {
		excluded, err = q.tracker.FindAlternativeSource(ctx, job, kind, errorText(execErr))
	}
	if err != nil {
		log.Warn("update source reputation", zap.Error(err))
	}
	if err := q.tracker.TrackTransferComplete(ctx, job.ID, false); err != nil {
		log.Warn("close transfer", zap.Error(err))
	}

	failed, err := q.sm.HandleDownloadFailure(ctx, job, execErr, kind)
	if err != nil {
		log.Error("record failure", zap.Error(err))
		q.removeEntry(job.ID)
		return
	}

	if failed.Status != types.StatusFailed {
		q.removeEntry(job.ID)
		log.Warn("job abandoned",
			zap.String("status", string(failed.Status)),
			zap.String("error_type", string(kind)),
			zap.Int("retry_count", failed.RetryCount))
		return
	}

	queued, err := q.sm.Transition(ctx, failed, types.StatusQueued, map[string]any{
		"reason":      "auto retry",
		"retry_count": failed.RetryCount,
		"error_type":  string(kind),
	})
	if err != nil {
		log.Error("requeue failed job", zap.Error(err))
		q.removeEntry(job.ID)
		return
	}
	entry := q.requeue(queued)
	log.Info("job requeued after failure",
		zap.String("error_type", string(kind)),
		zap.Int("retry_count", queued.RetryCount),
		zap.Int("priority", entry.Priority),
		zap.Int("excluded_sources", len(excluded)))
}

// finishAttempt closes the open attempt on job in place.
func (q *Queue) finishAttempt(job *types.Job, success bool, source string, err error) {
	last := job.LastAttempt()
	if last == nil || last.EndedAt != nil {
		return
	}
	now := q.now()
	last.EndedAt = &now
	last.Duration = now.Sub(last.StartedAt)
	last.Success = success
	if source != "" {
		last.SourceID = source
	}
	if err != nil {
		last.Error = err.Error()
	}
}

func transferring(s types.JobStatus) bool {
	switch s {
	case types.StatusSearching, types.StatusDownloading, types.StatusProcessing, types.StatusMoving:
		return true
	}
	return false
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// ============================================================================
// Executor callbacks
// ============================================================================

// ReportSource attributes jobID to sourceID and opens its active transfer.
func (q *Queue) ReportSource(jobID types.JobID, sourceID string, expectedBytes int64) {
	q.tracker.TrackTransferStart(jobID, sourceID, expectedBytes)

	lock := q.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := q.store.GetJob(q.ctx, jobID)
	if err != nil {
		q.log.Warn("attribute source", zap.String("job_id", string(jobID)), zap.Error(err))
		return
	}
	job.SourceID = sourceID
	if last := job.LastAttempt(); last != nil && last.EndedAt == nil {
		last.SourceID = sourceID
	}
	job.UpdatedAt = q.now()
	if err := q.store.SaveJob(q.ctx, job); err != nil {
		q.log.Warn("persist source attribution", zap.String("job_id", string(jobID)), zap.Error(err))
	}
}

// ReportProgress records transfer progress. It returns ErrJobClosed once the
// job is terminal so the executor can stop.
func (q *Queue) ReportProgress(ctx context.Context, jobID types.JobID, bytesDone, bytesTotal int64) error {
	q.tracker.UpdateTransferProgress(jobID, bytesDone, bytesTotal)

	lock := q.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := q.sm.RecordProgress(ctx, jobID, bytesDone, bytesTotal)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobClosed, jobID, job.Status)
	}
	return nil
}

// Advance moves jobID towards completion on behalf of its executor.
func (q *Queue) Advance(ctx context.Context, jobID types.JobID, to types.JobStatus, meta map[string]any) error {
	lock := q.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobClosed, jobID, job.Status)
	}
	if job.Status == types.StatusSearching && to != types.StatusDownloading && to != types.StatusFailed {
		// the executor got ahead of the dispatch goroutine
		if job, err = q.sm.Transition(ctx, job, types.StatusDownloading, map[string]any{"reason": "handed off"}); err != nil {
			return err
		}
	}

	success := to == types.StatusCompleted || to == types.StatusAdded
	if to.IsTerminal() {
		q.finishAttempt(job, success, "", nil)
	}
	next, err := q.sm.Transition(ctx, job, to, meta)
	if err != nil {
		return err
	}
	if next.Status.IsTerminal() {
		if err := q.tracker.TrackTransferComplete(ctx, jobID, success); err != nil {
			q.log.Warn("close transfer", zap.String("job_id", string(jobID)), zap.Error(err))
		}
		q.removeEntry(jobID)
	}
	return nil
}

// Fail reports an asynchronous transfer failure. The job goes through the
// same failure path as a synchronous executor error. It returns ErrJobClosed
// when the job already left the transfer states, for example after a stall
// requeue.
func (q *Queue) Fail(ctx context.Context, jobID types.JobID, err error) error {
	lock := q.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, loadErr := q.store.GetJob(ctx, jobID)
	if loadErr != nil {
		return loadErr
	}
	if !transferring(job.Status) {
		return fmt.Errorf("%w: %s is %s", ErrJobClosed, jobID, job.Status)
	}
	var took time.Duration
	if job.StartedAt != nil {
		took = q.now().Sub(*job.StartedAt)
	}
	q.handleFailure(ctx, job, err, "", false, took)
	return nil
}

// ============================================================================
// Periodic scans
// ============================================================================

// CheckStalled requeues or dead-letters downloading jobs that stopped
// making progress. Each job is re-read under its lock before it is touched.
func (q *Queue) CheckStalled(ctx context.Context) {
	if !q.stallScan.CompareAndSwap(false, true) {
		return
	}
	defer q.stallScan.Store(false)

	jobs, err := q.store.ListJobs(ctx, types.JobFilter{Statuses: []types.JobStatus{types.StatusDownloading}})
	if err != nil {
		q.log.Error("stall scan", zap.Error(err))
	}
	for _, job := range jobs {
		if _, stalled := q.sm.Stalled(job); stalled {
			q.handleStall(ctx, job.ID)
		}
	}
	q.pruneTransfers(ctx)
}

func (q *Queue) handleStall(ctx context.Context, id types.JobID) {
	lock := q.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	log := q.log.With(zap.String("job_id", string(id)))
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		log.Warn("load stalled job", zap.Error(err))
		return
	}
	idle, stalled := q.sm.Stalled(job)
	if !stalled {
		return
	}

	if source := q.tracker.ActiveSource(id); source != "" {
		job.SourceID = source
	}
	if err := q.executors.Abort(ctx, job.Kind, id); err != nil {
		log.Debug("abort not delivered", zap.Error(err))
	}
	if err := q.tracker.TrackTransferComplete(ctx, id, false); err != nil {
		log.Warn("close transfer", zap.Error(err))
	}
	if job.SourceID != "" {
		reason := fmt.Sprintf("%s: no progress for %s", types.ErrorSlowTransfer, idle.Round(time.Second))
		if _, err := q.tracker.RecordSourceFailure(ctx, job.SourceID, reason); err != nil {
			log.Warn("charge stalled source", zap.Error(err))
		}
	}

	next, err := q.sm.HandleStall(ctx, job)
	if err != nil {
		log.Error("handle stall", zap.Error(err))
		return
	}
	if next.Status != types.StatusQueued {
		q.removeEntry(id)
		return
	}
	entry := q.requeue(next)
	log.Info("stalled job requeued",
		zap.Int("retry_count", next.RetryCount),
		zap.Int("priority", entry.Priority))
}

// pruneTransfers closes active transfers whose job left the transfer states
// and asks their executors to stop.
func (q *Queue) pruneTransfers(ctx context.Context) {
	for _, t := range q.tracker.ActiveTransfers() {
		job, err := q.store.GetJob(ctx, t.JobID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if job != nil {
			if transferring(job.Status) {
				continue
			}
			if err := q.executors.Abort(ctx, job.Kind, job.ID); err != nil {
				q.log.Debug("abort not delivered", zap.String("job_id", string(job.ID)), zap.Error(err))
			}
		}
		if err := q.tracker.TrackTransferComplete(ctx, t.JobID, false); err != nil {
			q.log.Warn("close transfer", zap.String("job_id", string(t.JobID)), zap.Error(err))
		}
	}
}

// CheckSlowTransfers surfaces slow transfers and, when configured, aborts
// them so the job retries with another source.
func (q *Queue) CheckSlowTransfers(ctx context.Context) {
	if !q.slowScan.CompareAndSwap(false, true) {
		return
	}
	defer q.slowScan.Store(false)

	slow := q.tracker.FindSlowTransfers()
	if !q.cfg.AbortSlowTransfers {
		return
	}
	for _, s := range slow {
		q.abortSlow(ctx, s.JobID, s.AverageSpeed)
	}
}

func (q *Queue) abortSlow(ctx context.Context, id types.JobID, speed float64) {
	lock := q.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := q.store.GetJob(ctx, id)
	if err != nil || job.Status.IsTerminal() {
		return
	}
	if err := q.executors.Abort(ctx, job.Kind, id); err != nil {
		q.log.Debug("abort not delivered", zap.String("job_id", string(id)), zap.Error(err))
	}
	source := q.tracker.ActiveSource(id)
	if err := q.tracker.AbortSlowTransfer(ctx, id); err != nil {
		q.log.Warn("abort slow transfer", zap.String("job_id", string(id)), zap.Error(err))
	}
	if source != "" {
		job.SourceID = source
	}
	var took time.Duration
	if job.StartedAt != nil {
		took = q.now().Sub(*job.StartedAt)
	}
	slowErr := classifier.WithKind(fmt.Errorf("transfer too slow: %.1f KiB/s", speed/1024), types.ErrorSlowTransfer)
	q.handleFailure(ctx, job, slowErr, types.ErrorSlowTransfer, true, took)
}

// CollectMetrics refreshes the gauges and writes a metric row.
func (q *Queue) CollectMetrics(ctx context.Context) {
	if !q.collecting.CompareAndSwap(false, true) {
		return
	}
	defer q.collecting.Store(false)

	stats, err := q.Stats(ctx)
	if err != nil {
		q.log.Error("collect metrics", zap.Error(err))
		return
	}
	q.metrics.UpdateQueueStats(stats.Queued, stats.Active)
	q.metrics.SetBlockedSources(stats.BlockedSources)

	values := map[string]float64{
		"queued":           float64(stats.Queued),
		"active":           float64(stats.Active),
		"dead_letters":     float64(stats.DeadLetters),
		"blocked_sources":  float64(stats.BlockedSources),
		"active_transfers": float64(stats.ActiveTransfers),
	}
	for status, n := range stats.ByStatus {
		values["status_"+string(status)] = float64(n)
	}
	if err := q.store.RecordMetric(ctx, types.Metric{At: q.now(), Name: "queue", Values: values}); err != nil {
		q.log.Warn("record metric", zap.Error(err))
	}
}

// CleanupBlocks removes expired source blocks.
func (q *Queue) CleanupBlocks(ctx context.Context) {
	if !q.cleaning.CompareAndSwap(false, true) {
		return
	}
	defer q.cleaning.Store(false)

	if _, err := q.tracker.CleanupExpiredBlocks(ctx); err != nil {
		q.log.Error("block cleanup", zap.Error(err))
	}
}
