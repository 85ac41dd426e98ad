package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/download-queue/internal/storage"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

// Integrity issue types.
const (
	IssueOrphanedActive   = "orphaned_active_download"
	IssueAlreadySatisfied = "already_satisfied"
	IssueMissingRecord    = "missing_durable_record"
)

// Issue is one inconsistency found by VerifyIntegrity.
type Issue struct {
	Type   string          `json:"type"`
	JobID  types.JobID     `json:"job_id"`
	Status types.JobStatus `json:"status,omitempty"`
	Detail string          `json:"detail"`
	Fixed  bool            `json:"fixed"`
	Error  string          `json:"error,omitempty"`
}

// IntegrityReport lists every issue found and whether it was repaired.
type IntegrityReport struct {
	CheckedAt   time.Time `json:"checked_at"`
	JobsChecked int       `json:"jobs_checked"`
	Issues      []Issue   `json:"issues"`
	Fixed       int       `json:"fixed"`
}

func (r *IntegrityReport) add(issue Issue, err error) {
	if err != nil {
		issue.Error = err.Error()
	} else {
		issue.Fixed = true
		r.Fixed++
	}
	r.Issues = append(r.Issues, issue)
}

// VerifyIntegrity compares the working set with the durable store and repairs
// what it finds in the same pass:
//   - active jobs whose output already exists are moved to added and dropped
//     from the working set
//   - active jobs in neither the working set nor the active set, and with no
//     live transfer, are readmitted
//   - working-set entries without a durable record are re-persisted
func (q *Queue) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	report := IntegrityReport{CheckedAt: q.now(), Issues: []Issue{}}

	jobs, err := q.store.ListJobs(ctx, types.JobFilter{})
	if err != nil {
		return report, fmt.Errorf("list jobs: %w", err)
	}
	report.JobsChecked = len(jobs)

	for _, job := range jobs {
		if !job.Status.IsActive() {
			continue
		}
		if issue, found, err := q.checkActiveJob(ctx, job.ID); found {
			report.add(issue, err)
		}
	}

	for _, e := range q.Entries() {
		_, err := q.store.GetJob(ctx, e.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			q.log.Warn("integrity lookup", zap.String("job_id", string(e.ID)), zap.Error(err))
			continue
		}
		issue := Issue{Type: IssueMissingRecord, JobID: e.ID, Detail: "working-set entry has no durable record"}
		report.add(issue, q.repersist(ctx, e))
	}

	q.log.Info("integrity check finished",
		zap.Int("jobs_checked", report.JobsChecked),
		zap.Int("issues", len(report.Issues)),
		zap.Int("fixed", report.Fixed))
	return report, nil
}

// checkActiveJob re-reads id under its lock so a concurrent dispatch cannot
// be mistaken for an orphan.
func (q *Queue) checkActiveJob(ctx context.Context, id types.JobID) (Issue, bool, error) {
	lock := q.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := q.store.GetJob(ctx, id)
	if err != nil || !job.Status.IsActive() {
		return Issue{}, false, nil
	}

	satisfied, err := q.alreadySatisfied(ctx, job)
	if err != nil {
		q.log.Warn("completion check", zap.String("job_id", string(id)), zap.Error(err))
	}
	if satisfied && !q.isActive(id) && !q.tracker.HasActiveTransfer(id) {
		issue := Issue{Type: IssueAlreadySatisfied, JobID: id, Status: job.Status,
			Detail: "output already present for an active job"}
		_, err := q.markSatisfied(ctx, job)
		if err == nil {
			q.removeEntry(id)
		}
		return issue, true, err
	}

	if q.inWorkingSet(id) || q.isActive(id) || q.tracker.HasActiveTransfer(id) {
		return Issue{}, false, nil
	}
	issue := Issue{Type: IssueOrphanedActive, JobID: id, Status: job.Status,
		Detail: fmt.Sprintf("%s job is neither queued nor dispatched", job.Status)}
	return issue, true, q.readmitOrphan(ctx, job)
}

func (q *Queue) readmitOrphan(ctx context.Context, job *types.Job) error {
	var (
		queued *types.Job
		err    error
	)
	if job.Status == types.StatusRequested {
		queued, err = q.sm.Transition(ctx, job, types.StatusQueued, map[string]any{"reason": "orphan repair"})
	} else {
		queued, err = q.sm.Readmit(ctx, job, "orphan repair", map[string]any{"orphaned_in": string(job.Status)})
	}
	if err != nil {
		return err
	}
	q.admit(queued)
	return nil
}

func (q *Queue) repersist(ctx context.Context, e Entry) error {
	lock := q.jobLock(e.ID)
	lock.Lock()
	defer lock.Unlock()

	if e.Job == nil {
		return fmt.Errorf("no snapshot for %s", e.ID)
	}
	job := e.Job.Clone()
	if job.Status.IsTerminal() || job.Status == "" {
		job.Status = types.StatusQueued
	}
	job.UpdatedAt = q.now()
	return q.store.SaveJob(ctx, job)
}
