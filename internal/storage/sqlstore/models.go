package sqlstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChuLiYu/download-queue/pkg/types"
)

type jobRow struct {
	ID           string    `gorm:"column:id;primaryKey;size:64"`
	Kind         string    `gorm:"column:kind;size:32;index"`
	Status       string    `gorm:"column:status;size:32;index"`
	RetryCount   int       `gorm:"column:retry_count;default:0"`
	RequeueCount int       `gorm:"column:requeue_count;default:0"`
	RequestedAt  time.Time `gorm:"column:requested_at;index"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
	Data         string    `gorm:"column:data;type:longtext"`
}

func (jobRow) TableName() string { return "dlq_jobs" }

func toJobRow(job *types.Job) (*jobRow, error) {
	if job == nil || job.ID == "" {
		return nil, fmt.Errorf("save job: missing id")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	updated := job.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return &jobRow{
		ID:           string(job.ID),
		Kind:         string(job.Kind),
		Status:       string(job.Status),
		RetryCount:   job.RetryCount,
		RequeueCount: job.RequeueCount,
		RequestedAt:  job.RequestedAt,
		UpdatedAt:    updated,
		Data:         string(data),
	}, nil
}

func (r *jobRow) toJob() (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal([]byte(r.Data), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", r.ID, err)
	}
	return &job, nil
}

type deadLetterRow struct {
	ID        string    `gorm:"column:id;primaryKey;size:64"`
	JobID     string    `gorm:"column:job_id;size:64;index"`
	Kind      string    `gorm:"column:kind;size:32;index"`
	ErrorType string    `gorm:"column:error_type;size:32;index"`
	CanRetry  bool      `gorm:"column:can_retry"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
	Data      string    `gorm:"column:data;type:longtext"`
}

func (deadLetterRow) TableName() string { return "dlq_dead_letters" }

func toDeadLetterRow(item *types.DeadLetterItem) (*deadLetterRow, error) {
	if item == nil || item.ID == "" {
		return nil, fmt.Errorf("save dead letter: missing id")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode dead letter %s: %w", item.ID, err)
	}
	return &deadLetterRow{
		ID:        item.ID,
		JobID:     string(item.JobID),
		Kind:      string(item.Kind),
		ErrorType: string(item.ErrorType),
		CanRetry:  item.CanRetry,
		CreatedAt: item.CreatedAt,
		Data:      string(data),
	}, nil
}

func (r *deadLetterRow) toItem() (*types.DeadLetterItem, error) {
	var item types.DeadLetterItem
	if err := json.Unmarshal([]byte(r.Data), &item); err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", r.ID, err)
	}
	return &item, nil
}

type blockedSourceRow struct {
	SourceID      string     `gorm:"column:source_id;primaryKey;size:191"`
	FailureCount  int        `gorm:"column:failure_count;default:0"`
	Permanent     bool       `gorm:"column:permanent"`
	UnblockAfter  *time.Time `gorm:"column:unblock_after;index"`
	Reason        string     `gorm:"column:reason;size:512"`
	BlockedAt     time.Time  `gorm:"column:blocked_at"`
	LastFailureAt *time.Time `gorm:"column:last_failure_at"`
}

func (blockedSourceRow) TableName() string { return "dlq_blocked_sources" }

func toBlockedSourceRow(src *types.BlockedSource) *blockedSourceRow {
	return &blockedSourceRow{
		SourceID:      src.SourceID,
		FailureCount:  src.FailureCount,
		Permanent:     src.Permanent,
		UnblockAfter:  src.UnblockAfter,
		Reason:        src.Reason,
		BlockedAt:     src.BlockedAt,
		LastFailureAt: src.LastFailureAt,
	}
}

func (r *blockedSourceRow) toSource() *types.BlockedSource {
	return (&types.BlockedSource{
		SourceID:      r.SourceID,
		FailureCount:  r.FailureCount,
		Permanent:     r.Permanent,
		UnblockAfter:  r.UnblockAfter,
		Reason:        r.Reason,
		BlockedAt:     r.BlockedAt,
		LastFailureAt: r.LastFailureAt,
	}).Clone()
}

type metricRow struct {
	ID     uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Name   string    `gorm:"column:name;size:64;index"`
	At     time.Time `gorm:"column:at;index"`
	Values string    `gorm:"column:metric_values;type:text"`
}

func (metricRow) TableName() string { return "dlq_metrics" }
