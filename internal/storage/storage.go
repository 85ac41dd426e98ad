// Package storage defines the durable store contract shared by the queue core.
//
// Every write is a single-row atomic upsert. Reads return copies, so callers
// may mutate what they get back without racing the store.
package storage

import (
	"context"
	"errors"

	"github.com/ChuLiYu/download-queue/pkg/types"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: store closed")
)

// JobStore holds job rows. Attempt records live inside the job row.
type JobStore interface {
	SaveJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)
	ListJobs(ctx context.Context, filter types.JobFilter) ([]*types.Job, error)
	DeleteJob(ctx context.Context, id types.JobID) error
}

// DeadLetterStore holds dead-letter items.
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, item *types.DeadLetterItem) error
	GetDeadLetter(ctx context.Context, id string) (*types.DeadLetterItem, error)
	ListDeadLetters(ctx context.Context, filter types.DeadLetterFilter) ([]*types.DeadLetterItem, error)
	DeleteDeadLetter(ctx context.Context, id string) error
}

// SourceStore holds blocked-source records.
type SourceStore interface {
	SaveBlockedSource(ctx context.Context, src *types.BlockedSource) error
	GetBlockedSource(ctx context.Context, sourceID string) (*types.BlockedSource, error)
	ListBlockedSources(ctx context.Context) ([]*types.BlockedSource, error)
	DeleteBlockedSource(ctx context.Context, sourceID string) error
}

// MetricSink receives periodic metric snapshots.
type MetricSink interface {
	RecordMetric(ctx context.Context, m types.Metric) error
}

// Store is the full durable store.
type Store interface {
	JobStore
	DeadLetterStore
	SourceStore
	MetricSink
	Close() error
}
