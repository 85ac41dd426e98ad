package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ChuLiYu/download-queue/pkg/types"
)

// ReconcileReport counts what a reconciliation pass did with each durable job.
type ReconcileReport struct {
	Seen      int `json:"seen"`
	Admitted  int `json:"admitted"`
	Satisfied int `json:"satisfied"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// reconcile rebuilds the working set from the durable store. Terminal jobs
// stay out. Active jobs whose output already exists go straight to added.
// Other active jobs are admitted, as are failed and stalled jobs below the
// startup retry ceiling. Jobs already in the working set, mid-dispatch or
// with a live transfer are left alone.
func (q *Queue) reconcile(ctx context.Context, reason string) (ReconcileReport, error) {
	var report ReconcileReport
	jobs, err := q.store.ListJobs(ctx, types.JobFilter{})
	if err != nil {
		return report, fmt.Errorf("list jobs: %w", err)
	}

	for _, job := range jobs {
		report.Seen++
		if job.Status.IsTerminal() {
			report.Skipped++
			continue
		}
		if q.inWorkingSet(job.ID) || q.isActive(job.ID) || q.tracker.HasActiveTransfer(job.ID) {
			report.Skipped++
			continue
		}

		outcome, err := q.reconcileJob(ctx, job, reason)
		if err != nil {
			report.Errors++
			q.log.Error("reconcile job",
				zap.String("job_id", string(job.ID)),
				zap.String("status", string(job.Status)),
				zap.Error(err))
			continue
		}
		switch outcome {
		case outcomeAdmitted:
			report.Admitted++
		case outcomeSatisfied:
			report.Satisfied++
		default:
			report.Skipped++
		}
	}
	return report, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeAdmitted
	outcomeSatisfied
)

func (q *Queue) reconcileJob(ctx context.Context, job *types.Job, reason string) (outcome, error) {
	lock := q.jobLock(job.ID)
	lock.Lock()
	defer lock.Unlock()

	if job.Status.IsActive() {
		satisfied, err := q.alreadySatisfied(ctx, job)
		if err != nil {
			q.log.Warn("completion check failed, re-admitting", zap.String("job_id", string(job.ID)), zap.Error(err))
		}
		if satisfied {
			if _, err := q.markSatisfied(ctx, job); err != nil {
				return outcomeSkipped, err
			}
			return outcomeSatisfied, nil
		}
	}

	var (
		admitted *types.Job
		err      error
	)
	switch job.Status {
	case types.StatusQueued:
		admitted = job
	case types.StatusRequested:
		admitted, err = q.sm.Transition(ctx, job, types.StatusQueued, map[string]any{"reason": reason})
	case types.StatusSearching, types.StatusDownloading, types.StatusProcessing, types.StatusMoving:
		admitted, err = q.sm.Readmit(ctx, job, reason, map[string]any{"interrupted_in": string(job.Status)})
	case types.StatusFailed, types.StatusStalled:
		if job.RetryCount >= q.cfg.StartupRetryCeiling {
			return outcomeSkipped, nil
		}
		admitted, err = q.sm.Transition(ctx, job, types.StatusQueued, map[string]any{
			"reason":      reason,
			"retry_count": job.RetryCount,
		})
	default:
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}
	q.admit(admitted)
	return outcomeAdmitted, nil
}

// alreadySatisfied asks the oracle whether job's output already exists.
func (q *Queue) alreadySatisfied(ctx context.Context, job *types.Job) (bool, error) {
	if !q.oracle.Supports(job.Kind) {
		return false, nil
	}
	cov, err := q.oracle.Check(ctx, job)
	if err != nil {
		return false, err
	}
	return cov.Satisfied(q.cfg.CompletionRatio), nil
}

// markSatisfied moves job to added. Caller holds the job lock.
func (q *Queue) markSatisfied(ctx context.Context, job *types.Job) (*types.Job, error) {
	added, err := q.sm.Transition(ctx, job, types.StatusAdded, map[string]any{
		"reason": "output already present",
	})
	if err != nil {
		return nil, err
	}
	q.log.Info("job already satisfied on disk",
		zap.String("job_id", string(job.ID)),
		zap.String("target", job.Target()))
	return added, nil
}
