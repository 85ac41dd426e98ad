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

// ExportVersion is the schema version written by Export and accepted by Import.
const ExportVersion = 1

const exportPageSize = 500

// ExportData is a full snapshot of the queue and its durable state.
type ExportData struct {
	Version        int                     `json:"version"`
	ExportedAt     time.Time               `json:"exported_at"`
	Queue          []Entry                 `json:"queue"`
	Jobs           []*types.Job            `json:"jobs"`
	DeadLetters    []*types.DeadLetterItem `json:"dead_letters"`
	BlockedSources []*types.BlockedSource  `json:"blocked_sources"`
	Schedule       Window                  `json:"schedule"`
	Paused         bool                    `json:"paused"`
}

// ImportResult counts inserted and skipped records per collection.
type ImportResult struct {
	JobsImported        int             `json:"jobs_imported"`
	JobsSkipped         int             `json:"jobs_skipped"`
	DeadLettersImported int             `json:"dead_letters_imported"`
	DeadLettersSkipped  int             `json:"dead_letters_skipped"`
	BlocksImported      int             `json:"blocks_imported"`
	BlocksSkipped       int             `json:"blocks_skipped"`
	Reconciled          ReconcileReport `json:"reconciled"`
}

// Export snapshots the working set and every durable record.
func (q *Queue) Export(ctx context.Context) (*ExportData, error) {
	data := &ExportData{
		Version:    ExportVersion,
		ExportedAt: q.now(),
		Queue:      q.Entries(),
		Schedule:   q.Schedule(),
		Paused:     q.Paused(),
	}

	for offset := 0; ; offset += exportPageSize {
		page, err := q.store.ListJobs(ctx, types.JobFilter{Limit: exportPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("export jobs at %d: %w", offset, err)
		}
		data.Jobs = append(data.Jobs, page...)
		if len(page) < exportPageSize {
			break
		}
	}

	items, err := q.store.ListDeadLetters(ctx, types.DeadLetterFilter{})
	if err != nil {
		return nil, fmt.Errorf("export dead letters: %w", err)
	}
	data.DeadLetters = items

	blocks, err := q.store.ListBlockedSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("export blocked sources: %w", err)
	}
	data.BlockedSources = blocks

	q.log.Info("queue exported",
		zap.Int("entries", len(data.Queue)),
		zap.Int("jobs", len(data.Jobs)),
		zap.Int("dead_letters", len(data.DeadLetters)),
		zap.Int("blocked_sources", len(data.BlockedSources)))
	return data, nil
}

// Import inserts the records of data that are not already stored, never
// overwriting, then reconciles the working set against the merged store.
func (q *Queue) Import(ctx context.Context, data *ExportData) (ImportResult, error) {
	var res ImportResult
	if data == nil {
		return res, fmt.Errorf("%w: empty export", ErrIncompatibleExport)
	}
	if data.Version != ExportVersion {
		return res, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleExport, data.Version, ExportVersion)
	}

	for _, job := range data.Jobs {
		if job == nil || job.ID == "" {
			continue
		}
		inserted, err := insertAbsent(
			func() error { _, err := q.store.GetJob(ctx, job.ID); return err },
			func() error { return q.store.SaveJob(ctx, job) },
		)
		if err != nil {
			return res, fmt.Errorf("import job %s: %w", job.ID, err)
		}
		if inserted {
			res.JobsImported++
		} else {
			res.JobsSkipped++
		}
	}

	for _, item := range data.DeadLetters {
		if item == nil || item.ID == "" {
			continue
		}
		inserted, err := insertAbsent(
			func() error { _, err := q.store.GetDeadLetter(ctx, item.ID); return err },
			func() error { return q.store.SaveDeadLetter(ctx, item) },
		)
		if err != nil {
			return res, fmt.Errorf("import dead letter %s: %w", item.ID, err)
		}
		if inserted {
			res.DeadLettersImported++
		} else {
			res.DeadLettersSkipped++
		}
	}

	for _, block := range data.BlockedSources {
		if block == nil || block.SourceID == "" {
			continue
		}
		inserted, err := insertAbsent(
			func() error { _, err := q.store.GetBlockedSource(ctx, block.SourceID); return err },
			func() error { return q.store.SaveBlockedSource(ctx, block) },
		)
		if err != nil {
			return res, fmt.Errorf("import blocked source %s: %w", block.SourceID, err)
		}
		if inserted {
			res.BlocksImported++
		} else {
			res.BlocksSkipped++
		}
	}

	report, err := q.reconcile(ctx, "imported")
	if err != nil {
		return res, fmt.Errorf("reconcile after import: %w", err)
	}
	res.Reconciled = report

	q.log.Info("queue imported",
		zap.Int("jobs_imported", res.JobsImported),
		zap.Int("jobs_skipped", res.JobsSkipped),
		zap.Int("dead_letters_imported", res.DeadLettersImported),
		zap.Int("blocks_imported", res.BlocksImported),
		zap.Int("admitted", report.Admitted))
	return res, nil
}

// insertAbsent runs save only when get reports storage.ErrNotFound.
func insertAbsent(get, save func() error) (bool, error) {
	err := get()
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	if err := save(); err != nil {
		return false, err
	}
	return true, nil
}
