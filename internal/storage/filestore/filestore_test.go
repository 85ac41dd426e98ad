package filestore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/download-queue/internal/storage"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return s
}

func TestJobCRUD(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	defer s.Close()

	job := &types.Job{ID: "job-1", Kind: types.KindAlbum, Status: types.StatusQueued, RequestedAt: time.Now()}
	require.NoError(t, s.SaveJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)

	// mutating the returned copy does not leak into the store
	got.Status = types.StatusFailed
	again, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, again.Status)

	// mutating the saved pointer does not leak either
	job.Status = types.StatusCancelled
	again, err = s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, again.Status)

	require.NoError(t, s.DeleteJob(ctx, "job-1"))
	_, err = s.GetJob(ctx, "job-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteJob(ctx, "job-1"), storage.ErrNotFound)
}

func TestListJobsFilterAndPaging(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	defer s.Close()

	base := time.Now()
	for i := 0; i < 10; i++ {
		kind := types.KindTrack
		if i%2 == 0 {
			kind = types.KindAlbum
		}
		require.NoError(t, s.SaveJob(ctx, &types.Job{
			ID:          types.JobID(fmt.Sprintf("job-%02d", i)),
			Kind:        kind,
			Status:      types.StatusQueued,
			RequestedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	albums, err := s.ListJobs(ctx, types.JobFilter{Kinds: []types.Kind{types.KindAlbum}})
	require.NoError(t, err)
	assert.Len(t, albums, 5)

	page, err := s.ListJobs(ctx, types.JobFilter{Limit: 3, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, types.JobID("job-02"), page[0].ID)
	assert.Equal(t, types.JobID("job-04"), page[2].ID)

	empty, err := s.ListJobs(ctx, types.JobFilter{Offset: 50})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRecoveryFromWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openStore(t, dir)
	require.NoError(t, s.SaveJob(ctx, &types.Job{ID: "job-1", Status: types.StatusDownloading}))
	require.NoError(t, s.SaveJob(ctx, &types.Job{ID: "job-2", Status: types.StatusQueued}))
	require.NoError(t, s.DeleteJob(ctx, "job-2"))
	require.NoError(t, s.SaveDeadLetter(ctx, &types.DeadLetterItem{ID: "dl-1", JobID: "job-9", CanRetry: true}))
	require.NoError(t, s.SaveBlockedSource(ctx, &types.BlockedSource{SourceID: "peer", FailureCount: 1}))
	require.NoError(t, s.RecordMetric(ctx, types.Metric{Name: "queue", Values: map[string]float64{"depth": 3}}))

	// simulate a crash: flush the journal but skip the final snapshot
	require.NoError(t, s.wal.Close())

	recovered := openStore(t, dir)
	defer recovered.Close()

	job, err := recovered.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDownloading, job.Status)
	_, err = recovered.GetJob(ctx, "job-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	item, err := recovered.GetDeadLetter(ctx, "dl-1")
	require.NoError(t, err)
	assert.True(t, item.CanRetry)

	src, err := recovered.GetBlockedSource(ctx, "peer")
	require.NoError(t, err)
	assert.Equal(t, 1, src.FailureCount)

	require.Len(t, recovered.Metrics(), 1)
	assert.Equal(t, 3.0, recovered.Metrics()[0].Values["depth"])
}

func TestCompactThenReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openStore(t, dir)
	require.NoError(t, s.SaveJob(ctx, &types.Job{ID: "job-1", Status: types.StatusQueued}))
	require.NoError(t, s.Compact())
	require.NoError(t, s.SaveJob(ctx, &types.Job{ID: "job-1", Status: types.StatusCompleted}))
	require.NoError(t, s.SaveJob(ctx, &types.Job{ID: "job-2", Status: types.StatusQueued}))
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close(), "close is idempotent")

	reopened := openStore(t, dir)
	defer reopened.Close()

	job, err := reopened.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
	all, err := reopened.ListJobs(ctx, types.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeadLettersAndSources(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	defer s.Close()

	now := time.Now()
	require.NoError(t, s.SaveDeadLetter(ctx, &types.DeadLetterItem{ID: "b", Kind: types.KindTrack, CreatedAt: now.Add(time.Second), CanRetry: true}))
	require.NoError(t, s.SaveDeadLetter(ctx, &types.DeadLetterItem{ID: "a", Kind: types.KindAlbum, CreatedAt: now, ErrorType: types.ErrorPermanent}))

	items, err := s.ListDeadLetters(ctx, types.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)

	retryable, err := s.ListDeadLetters(ctx, types.DeadLetterFilter{RetryableOnly: true})
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, "b", retryable[0].ID)

	require.NoError(t, s.DeleteDeadLetter(ctx, "a"))
	assert.ErrorIs(t, s.DeleteDeadLetter(ctx, "a"), storage.ErrNotFound)

	require.NoError(t, s.SaveBlockedSource(ctx, &types.BlockedSource{SourceID: "zed"}))
	require.NoError(t, s.SaveBlockedSource(ctx, &types.BlockedSource{SourceID: "amy", Permanent: true}))
	srcs, err := s.ListBlockedSources(ctx)
	require.NoError(t, err)
	require.Len(t, srcs, 2)
	assert.Equal(t, "amy", srcs[0].SourceID)
	require.NoError(t, s.DeleteBlockedSource(ctx, "zed"))
	_, err = s.GetBlockedSource(ctx, "zed")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWritesAfterClose(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Close())
	err := s.SaveJob(context.Background(), &types.Job{ID: "x"})
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestSaveRequiresID(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	assert.Error(t, s.SaveJob(context.Background(), &types.Job{}))
	assert.Error(t, s.SaveDeadLetter(context.Background(), &types.DeadLetterItem{}))
	assert.Error(t, s.SaveBlockedSource(context.Background(), &types.BlockedSource{}))
}
