package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/download-queue/internal/storage"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

const bulkRetryParallelism = 4

// BulkRetryResult reports a RetryAllDeadLetters batch. Errors is keyed by
// dead-letter item id.
type BulkRetryResult struct {
	Attempted int               `json:"attempted"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
	Jobs      []*types.Job      `json:"-"`
}

// CanRetry reports whether a job dead-lettered with kind may be retried.
func CanRetry(kind types.ErrorKind) bool {
	return kind != types.ErrorPermanent
}

func newItemID() string { return uuid.NewString() }

func (sm *StateMachine) newDeadLetterItem(job *types.Job, reason string) *types.DeadLetterItem {
	return &types.DeadLetterItem{
		ID:           sm.newID(),
		JobID:        job.ID,
		Kind:         job.Kind,
		ArtistID:     job.ArtistID,
		AlbumID:      job.AlbumID,
		TrackID:      job.TrackID,
		ArtistName:   job.ArtistName,
		AlbumName:    job.AlbumName,
		TrackName:    job.TrackName,
		ErrorType:    job.ErrorType,
		LastError:    job.LastError,
		Reason:       reason,
		RetryCount:   job.RetryCount,
		RequeueCount: job.RequeueCount,
		Events:       types.CloneEvents(job.Events),
		CanRetry:     CanRetry(job.ErrorType),
		CreatedAt:    sm.now(),
	}
}

// ListDeadLetters returns the items matching filter.
func (sm *StateMachine) ListDeadLetters(ctx context.Context, filter types.DeadLetterFilter) ([]*types.DeadLetterItem, error) {
	return sm.store.ListDeadLetters(ctx, filter)
}

// GetDeadLetter returns one item.
func (sm *StateMachine) GetDeadLetter(ctx context.Context, id string) (*types.DeadLetterItem, error) {
	item, err := sm.store.GetDeadLetter(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return item, err
}

// PurgeDeadLetter deletes an item without retrying its job.
func (sm *StateMachine) PurgeDeadLetter(ctx context.Context, id string) error {
	err := sm.store.DeleteDeadLetter(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return err
}

// RetryFromDeadLetter resurrects the job behind item id: retryCount is reset
// to 0, requeueCount is incremented, the job is readmitted to queued and the
// item is deleted. The job's history is kept.
func (sm *StateMachine) RetryFromDeadLetter(ctx context.Context, id string) (*types.Job, error) {
	item, err := sm.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if !item.CanRetry {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotRetryable, id, item.ErrorType)
	}

	job, err := sm.store.GetJob(ctx, item.JobID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		job = jobFromItem(item)
	case err != nil:
		return nil, fmt.Errorf("load job %s: %w", item.JobID, err)
	}

	job.RetryCount = 0
	job.RequeueCount++
	// the item keeps the classification; the new admission starts clean
	job.ErrorType = ""

	if err := sm.store.DeleteDeadLetter(ctx, item.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("delete dead letter %s: %w", item.ID, err)
	}

	readmitted, err := sm.Readmit(ctx, job, "dead_letter_retry", map[string]any{
		"dead_letter_id": item.ID,
		"requeue_count":  job.RequeueCount,
	})
	if err != nil {
		if restoreErr := sm.store.SaveDeadLetter(ctx, item); restoreErr != nil {
			sm.log.Error("lost dead letter item after failed retry",
				zap.String("item_id", item.ID), zap.Error(restoreErr))
		}
		return nil, err
	}
	return readmitted, nil
}

// RetryAllDeadLetters retries every retryable item matching filter. Failures
// are collected per item and never abort the batch.
func (sm *StateMachine) RetryAllDeadLetters(ctx context.Context, filter types.DeadLetterFilter) (BulkRetryResult, error) {
	filter.RetryableOnly = true
	items, err := sm.store.ListDeadLetters(ctx, filter)
	if err != nil {
		return BulkRetryResult{}, fmt.Errorf("list dead letters: %w", err)
	}

	result := BulkRetryResult{Attempted: len(items), Errors: make(map[string]string)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkRetryParallelism)
	for _, item := range items {
		item := item
		g.Go(func() error {
			job, err := sm.RetryFromDeadLetter(gctx, item.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Errors[item.ID] = err.Error()
				return nil
			}
			result.Succeeded++
			result.Jobs = append(result.Jobs, job)
			return nil
		})
	}
	_ = g.Wait()

	sm.log.Info("bulk dead letter retry",
		zap.Int("attempted", result.Attempted),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed))
	return result, nil
}

func jobFromItem(item *types.DeadLetterItem) *types.Job {
	return &types.Job{
		ID:           item.JobID,
		Kind:         item.Kind,
		ArtistID:     item.ArtistID,
		AlbumID:      item.AlbumID,
		TrackID:      item.TrackID,
		ArtistName:   item.ArtistName,
		AlbumName:    item.AlbumName,
		TrackName:    item.TrackName,
		Status:       types.StatusDeadLetter,
		RetryCount:   item.RetryCount,
		RequeueCount: item.RequeueCount,
		RequestedAt:  item.CreatedAt,
		Events:       types.CloneEvents(item.Events),
		LastError:    item.LastError,
		ErrorType:    item.ErrorType,
	}
}
