package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/download-queue/internal/notify"
	"github.com/ChuLiYu/download-queue/internal/storage"
	"github.com/ChuLiYu/download-queue/internal/storage/filestore"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type capturePublisher struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (p *capturePublisher) Publish(n notify.Notification) {
	p.mu.Lock()
	p.got = append(p.got, n)
	p.mu.Unlock()
}

func (p *capturePublisher) types() []notify.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.Type, len(p.got))
	for i, n := range p.got {
		out[i] = n.Type
	}
	return out
}

type panicPublisher struct{}

func (panicPublisher) Publish(notify.Notification) { panic("subscriber gone") }

type fixture struct {
	sm    *StateMachine
	store *filestore.Store
	clock *fakeClock
	pub   *capturePublisher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := filestore.Open(t.TempDir(), filestore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := newFakeClock()
	pub := &capturePublisher{}
	sm := New(store, pub, cfg, WithLogger(zaptest.NewLogger(t)), WithClock(clock.Now))
	return &fixture{sm: sm, store: store, clock: clock, pub: pub}
}

func (f *fixture) saveJob(t *testing.T, job *types.Job) *types.Job {
	t.Helper()
	if job.RequestedAt.IsZero() {
		job.RequestedAt = f.clock.Now()
	}
	require.NoError(t, f.store.SaveJob(context.Background(), job))
	return job
}

func (f *fixture) reload(t *testing.T, id types.JobID) *types.Job {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func newJob(id string, status types.JobStatus) *types.Job {
	return &types.Job{
		ID:         types.JobID(id),
		Kind:       types.KindAlbum,
		ArtistName: "Boards of Canada",
		AlbumName:  "Geogaddi",
		Status:     status,
	}
}

// ============================================================================
// Transition table
// ============================================================================

func TestDefaultTransitions_MinimumEdges(t *testing.T) {
	table := DefaultTransitions()
	required := [][2]types.JobStatus{
		{types.StatusRequested, types.StatusQueued},
		{types.StatusQueued, types.StatusSearching},
		{types.StatusSearching, types.StatusDownloading},
		{types.StatusDownloading, types.StatusProcessing},
		{types.StatusDownloading, types.StatusFailed},
		{types.StatusDownloading, types.StatusStalled},
		{types.StatusProcessing, types.StatusMoving},
		{types.StatusProcessing, types.StatusFailed},
		{types.StatusMoving, types.StatusCompleted},
		{types.StatusMoving, types.StatusFailed},
		{types.StatusFailed, types.StatusQueued},
		{types.StatusFailed, types.StatusDeadLetter},
		{types.StatusStalled, types.StatusQueued},
		{types.StatusStalled, types.StatusDeadLetter},
		{types.StatusSearching, types.StatusAdded},
	}
	for _, e := range required {
		assert.True(t, table.Allows(e[0], e[1]), "%s -> %s", e[0], e[1])
	}

	for _, s := range types.AllStatuses {
		if !s.IsTerminal() {
			assert.True(t, table.Allows(s, types.StatusCancelled), "%s -> cancelled", s)
		}
	}
	for _, terminal := range []types.JobStatus{types.StatusCompleted, types.StatusAdded, types.StatusDeadLetter, types.StatusCancelled} {
		assert.Empty(t, table[terminal], "%s has no automatic exits", terminal)
	}
}

func TestTransition_AllValidEdges(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for i, edge := range f.sm.Table().Edges() {
		from, to := edge[0], edge[1]
		t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
			job := f.saveJob(t, newJob(fmt.Sprintf("valid-%d", i), from))
			before := len(job.Events)

			got, err := f.sm.Transition(ctx, job, to, map[string]any{"reason": "test"})
			require.NoError(t, err)
			assert.Equal(t, to, got.Status)
			require.Len(t, got.Events, before+1)
			last := got.Events[len(got.Events)-1]
			assert.Equal(t, from, last.From)
			assert.Equal(t, to, last.To)
			assert.Equal(t, "test", last.Metadata["reason"])

			assert.Equal(t, from, job.Status, "input job is not mutated")
			assert.Equal(t, to, f.reload(t, job.ID).Status)
		})
	}
}

func TestTransition_AllInvalidEdgesLeaveJobUnchanged(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	table := f.sm.Table()

	for _, from := range types.AllStatuses {
		for _, to := range types.AllStatuses {
			if from == to || table.Allows(from, to) {
				continue
			}
			job := newJob(fmt.Sprintf("invalid-%s-%s", from, to), from)
			job.Events = []types.Event{{Event: "seed", To: from}}
			before := job.Clone()

			got, err := f.sm.Transition(ctx, job, to, nil)
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
			assert.Nil(t, got)
			assert.Equal(t, before, job, "%s -> %s mutated the job", from, to)

			_, err = f.store.GetJob(ctx, job.ID)
			assert.ErrorIs(t, err, storage.ErrNotFound, "%s -> %s persisted", from, to)
		}
	}
}

func TestTransition_SameStateIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	job := newJob("same", types.StatusQueued)

	got, err := f.sm.Transition(context.Background(), job, types.StatusQueued, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Empty(t, got.Events)
	assert.Empty(t, f.pub.types())
}

func TestTransition_SetsStateTimestamps(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	job := f.saveJob(t, newJob("ts", types.StatusRequested))

	steps := []types.JobStatus{
		types.StatusQueued, types.StatusSearching, types.StatusDownloading,
		types.StatusProcessing, types.StatusMoving, types.StatusCompleted,
	}
	var err error
	for _, to := range steps {
		f.clock.Advance(time.Second)
		job, err = f.sm.Transition(ctx, job, to, nil)
		require.NoError(t, err)
	}

	require.NotNil(t, job.QueuedAt)
	require.NotNil(t, job.SearchingAt)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.True(t, job.QueuedAt.Before(*job.SearchingAt))
	assert.True(t, job.StartedAt.Before(*job.CompletedAt))
	assert.Len(t, job.Events, len(steps))
	assert.Equal(t, f.clock.Now(), job.UpdatedAt)
}

func TestTransition_ExtraTransitionsFromConfig(t *testing.T) {
	f := newFixture(t, Config{ExtraTransitions: map[types.JobStatus][]types.JobStatus{
		types.StatusMoving: {types.StatusQueued},
	}})
	job := f.saveJob(t, newJob("extra", types.StatusMoving))

	got, err := f.sm.Transition(context.Background(), job, types.StatusQueued, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.False(t, DefaultTransitions().Allows(types.StatusMoving, types.StatusQueued), "defaults are not modified")
}

func TestTransition_Notifications(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	job := f.saveJob(t, newJob("n1", types.StatusSearching))
	_, err := f.sm.Transition(ctx, job, types.StatusAdded, map[string]any{"reason": "already exists"})
	require.NoError(t, err)
	assert.Equal(t, []notify.Type{notify.TypeStateChange, notify.TypeCompleted}, f.pub.types())

	f.pub.got = nil
	job = f.saveJob(t, newJob("n2", types.StatusDownloading))
	_, err = f.sm.Transition(ctx, job, types.StatusFailed, nil)
	require.NoError(t, err)
	assert.Equal(t, []notify.Type{notify.TypeStateChange, notify.TypeFailed}, f.pub.types())
}

func TestTransition_PublisherPanicDoesNotFailTransition(t *testing.T) {
	store, err := filestore.Open(t.TempDir(), filestore.Options{})
	require.NoError(t, err)
	defer store.Close()

	sm := New(store, panicPublisher{}, Config{})
	got, err := sm.Transition(context.Background(), newJob("p", types.StatusQueued), types.StatusSearching, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSearching, got.Status)
}

func TestTransition_DeadLetterCreatesItem(t *testing.T) {
	tests := []struct {
		errorType types.ErrorKind
		canRetry  bool
	}{
		{types.ErrorNetwork, true},
		{types.ErrorNotFound, true},
		{types.ErrorPermanent, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			f := newFixture(t, Config{})
			ctx := context.Background()
			job := newJob("dl", types.StatusFailed)
			job.ErrorType = tt.errorType
			job.LastError = "boom"
			job.RetryCount = 5
			job.Events = []types.Event{{Event: EventTransition, To: types.StatusFailed}}
			f.saveJob(t, job)

			got, err := f.sm.Transition(ctx, job, types.StatusDeadLetter, map[string]any{"reason": "max retries"})
			require.NoError(t, err)
			require.NotNil(t, got.DeadLetteredAt)

			items, err := f.sm.ListDeadLetters(ctx, types.DeadLetterFilter{})
			require.NoError(t, err)
			require.Len(t, items, 1)
			item := items[0]
			assert.Equal(t, job.ID, item.JobID)
			assert.Equal(t, "max retries", item.Reason)
			assert.Equal(t, tt.canRetry, item.CanRetry)
			assert.Equal(t, 5, item.RetryCount)
			assert.Len(t, item.Events, 2, "item carries the full event log")
		})
	}
}

// ============================================================================
// Failure policy
// ============================================================================

func TestShouldMoveToDeadLetter(t *testing.T) {
	sm := New(nil, nil, Config{})
	tests := []struct {
		name string
		job  types.Job
		want bool
	}{
		{"fresh", types.Job{}, false},
		{"below retry ceiling", types.Job{RetryCount: 4, ErrorType: types.ErrorNetwork}, false},
		{"at retry ceiling", types.Job{RetryCount: 5}, true},
		{"at requeue ceiling", types.Job{RequeueCount: 3}, true},
		{"permanent", types.Job{ErrorType: types.ErrorPermanent}, true},
		{"not found", types.Job{ErrorType: types.ErrorNotFound}, true},
		{"rate limited", types.Job{ErrorType: types.ErrorRateLimit}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := sm.ShouldMoveToDeadLetter(&tt.job)
			assert.Equal(t, tt.want, got)
			if tt.want {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

// cycle drives a failed job back through queued -> searching.
func cycle(t *testing.T, f *fixture, job *types.Job) *types.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.sm.Transition(ctx, job, types.StatusQueued, nil)
	require.NoError(t, err)
	job, err = f.sm.Transition(ctx, job, types.StatusSearching, nil)
	require.NoError(t, err)
	return job
}

func TestHandleDownloadFailure_FifthNetworkFailureDeadLetters(t *testing.T) {
	f := newFixture(t, Config{MaxRetryCount: 5})
	ctx := context.Background()
	job := f.saveJob(t, newJob("net", types.StatusSearching))

	for attempt := 1; attempt <= 5; attempt++ {
		var err error
		job, err = f.sm.HandleDownloadFailure(ctx, job, errors.New("connect: connection refused"), "")
		require.NoError(t, err)
		assert.Equal(t, attempt, job.RetryCount)
		assert.Equal(t, types.ErrorNetwork, job.ErrorType)

		if attempt < 5 {
			require.Equal(t, types.StatusFailed, job.Status, "attempt %d", attempt)
			job = cycle(t, f, job)
			continue
		}
		assert.Equal(t, types.StatusDeadLetter, job.Status)
	}

	items, err := f.sm.ListDeadLetters(ctx, types.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].CanRetry)
	assert.Equal(t, "connect: connection refused", items[0].LastError)
}

func TestHandleDownloadFailure_NotFoundDeadLettersImmediately(t *testing.T) {
	f := newFixture(t, Config{})
	job := f.saveJob(t, newJob("nf", types.StatusSearching))

	got, err := f.sm.HandleDownloadFailure(context.Background(), job, errors.New("album not found"), "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeadLetter, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestHandleDownloadFailure_ExplicitKind(t *testing.T) {
	f := newFixture(t, Config{})
	job := f.saveJob(t, newJob("kind", types.StatusDownloading))

	got, err := f.sm.HandleDownloadFailure(context.Background(), job, errors.New("whatever"), types.ErrorSlowTransfer)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, types.ErrorSlowTransfer, got.ErrorType)
}

func TestHandleDownloadFailure_AlreadyFailedKeepsCounters(t *testing.T) {
	f := newFixture(t, Config{})
	job := newJob("twice", types.StatusFailed)
	job.RetryCount = 1
	f.saveJob(t, job)

	got, err := f.sm.HandleDownloadFailure(context.Background(), job, errors.New("timeout"), "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, 2, f.reload(t, job.ID).RetryCount)
	assert.Empty(t, got.Events)
}

// ============================================================================
// Stall detection
// ============================================================================

func TestScanStalled(t *testing.T) {
	f := newFixture(t, Config{MaxRetryCount: 5, StallTimeout: 15 * time.Minute})
	ctx := context.Background()

	old := f.clock.Now()
	retryable := newJob("stall-retry", types.StatusDownloading)
	retryable.LastProgressAt = &old
	retryable.RetryCount = 1
	f.saveJob(t, retryable)

	atCeiling := newJob("stall-dead", types.StatusDownloading)
	atCeiling.StartedAt = &old
	atCeiling.RetryCount = 5
	f.saveJob(t, atCeiling)

	f.clock.Advance(20 * time.Minute)
	recent := f.clock.Now()
	fresh := newJob("stall-fresh", types.StatusDownloading)
	fresh.LastProgressAt = &recent
	f.saveJob(t, fresh)

	requeued, err := f.sm.ScanStalled(ctx)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Equal(t, retryable.ID, requeued[0].ID)

	got := f.reload(t, retryable.ID)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	require.Len(t, got.Events, 2)
	assert.Equal(t, types.StatusStalled, got.Events[0].To)
	assert.NotNil(t, got.StalledAt)

	assert.Equal(t, types.StatusDeadLetter, f.reload(t, atCeiling.ID).Status)
	assert.Equal(t, types.StatusDownloading, f.reload(t, fresh.ID).Status)

	// nothing is left in stalled
	stalled, err := f.store.ListJobs(ctx, types.JobFilter{Statuses: []types.JobStatus{types.StatusStalled}})
	require.NoError(t, err)
	assert.Empty(t, stalled)
}

func TestHandleStall(t *testing.T) {
	f := newFixture(t, Config{StallTimeout: 15 * time.Minute})
	ctx := context.Background()

	started := f.clock.Now()
	job := newJob("stall-1", types.StatusDownloading)
	job.SourceID = "peer-a"
	job.StartedAt = &started
	job.Attempts = []types.Attempt{{Number: 1, StartedAt: started}}
	f.saveJob(t, job)

	f.clock.Advance(10 * time.Minute)
	_, stalled := f.sm.Stalled(job)
	assert.False(t, stalled)
	same, err := f.sm.HandleStall(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDownloading, same.Status)
	assert.Empty(t, f.reload(t, job.ID).Events)

	f.clock.Advance(6 * time.Minute)
	idle, stalled := f.sm.Stalled(job)
	require.True(t, stalled)
	assert.Equal(t, 16*time.Minute, idle)

	queued, err := f.sm.HandleStall(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, queued.Status)
	assert.Equal(t, 1, queued.RetryCount)
	assert.Equal(t, types.ErrorSlowTransfer, queued.ErrorType)

	got := f.reload(t, job.ID)
	require.Len(t, got.Attempts, 1)
	attempt := got.Attempts[0]
	require.NotNil(t, attempt.EndedAt)
	assert.Equal(t, 16*time.Minute, attempt.Duration)
	assert.False(t, attempt.Success)
	assert.Equal(t, types.ErrorSlowTransfer, attempt.ErrorType)
	assert.Equal(t, "peer-a", attempt.SourceID)
	assert.Contains(t, attempt.Error, "no progress for 16m0s")

	processing := newJob("stall-2", types.StatusProcessing)
	processing.StartedAt = &started
	_, stalled = f.sm.Stalled(processing)
	assert.False(t, stalled, "only downloading jobs stall")
}

// ============================================================================
// Dead letters
// ============================================================================

func deadLetter(t *testing.T, f *fixture, id string) *types.DeadLetterItem {
	t.Helper()
	ctx := context.Background()
	job := f.saveJob(t, newJob(id, types.StatusSearching))
	for i := 0; i < 5; i++ {
		var err error
		job, err = f.sm.HandleDownloadFailure(ctx, job, errors.New("socket hang up"), "")
		require.NoError(t, err)
		if job.Status == types.StatusFailed {
			job = cycle(t, f, job)
		}
	}
	require.Equal(t, types.StatusDeadLetter, job.Status)

	items, err := f.sm.ListDeadLetters(ctx, types.DeadLetterFilter{})
	require.NoError(t, err)
	for _, item := range items {
		if item.JobID == job.ID {
			return item
		}
	}
	t.Fatalf("no dead letter item for %s", id)
	return nil
}

func TestRetryFromDeadLetter_RoundTrip(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	item := deadLetter(t, f, "roundtrip")
	eventsBefore := len(f.reload(t, item.JobID).Events)

	job, err := f.sm.RetryFromDeadLetter(ctx, item.ID)
	require.NoError(t, err)

	assert.Equal(t, types.StatusQueued, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, 1, job.RequeueCount)
	assert.Len(t, job.Events, eventsBefore+1, "history is kept")
	assert.Equal(t, EventReadmitted, job.Events[len(job.Events)-1].Event)

	_, err = f.sm.GetDeadLetter(ctx, item.ID)
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)
	assert.Equal(t, types.StatusQueued, f.reload(t, item.JobID).Status)
}

func TestRetryFromDeadLetter_Errors(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.sm.RetryFromDeadLetter(ctx, "missing")
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)

	job := newJob("perm", types.StatusSearching)
	f.saveJob(t, job)
	_, err = f.sm.HandleDownloadFailure(ctx, job, &testStatusError{code: 403}, "")
	require.NoError(t, err)

	items, err := f.sm.ListDeadLetters(ctx, types.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.False(t, items[0].CanRetry)

	_, err = f.sm.RetryFromDeadLetter(ctx, items[0].ID)
	assert.ErrorIs(t, err, ErrNotRetryable)
	assert.Equal(t, types.StatusDeadLetter, f.reload(t, job.ID).Status)
}

func TestRetryFromDeadLetter_RebuildsMissingJob(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	item := deadLetter(t, f, "purged-row")
	require.NoError(t, f.store.DeleteJob(ctx, item.JobID))

	job, err := f.sm.RetryFromDeadLetter(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.JobID, job.ID)
	assert.Equal(t, types.StatusQueued, job.Status)
	assert.Equal(t, "Geogaddi", job.AlbumName)
}

func TestRetryAllDeadLetters_PartialFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		deadLetter(t, f, fmt.Sprintf("bulk-%d", i))
	}
	// a retryable item whose job can no longer be readmitted
	require.NoError(t, f.store.SaveDeadLetter(ctx, &types.DeadLetterItem{ID: "broken", JobID: "", CanRetry: true}))

	result, err := f.sm.RetryAllDeadLetters(ctx, types.DeadLetterFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Attempted)
	assert.Equal(t, 3, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Contains(t, result.Errors, "broken")
	assert.Len(t, result.Jobs, 3)
}

func TestPurgeDeadLetter(t *testing.T) {
	f := newFixture(t, Config{})
	item := deadLetter(t, f, "purge")
	require.NoError(t, f.sm.PurgeDeadLetter(context.Background(), item.ID))
	assert.ErrorIs(t, f.sm.PurgeDeadLetter(context.Background(), item.ID), ErrDeadLetterNotFound)
}

// ============================================================================
// Readmission and progress
// ============================================================================

func TestReadmit(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	job := f.saveJob(t, newJob("readmit", types.StatusDownloading))

	got, err := f.sm.Readmit(ctx, job, "orphan repair", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)
	require.Len(t, got.Events, 1)
	ev := got.Events[0]
	assert.Equal(t, EventReadmitted, ev.Event)
	assert.Equal(t, types.StatusDownloading, ev.From)
	assert.Equal(t, "orphan repair", ev.Metadata["reason"])

	again, err := f.sm.Readmit(ctx, got, "noop", nil)
	require.NoError(t, err)
	assert.Len(t, again.Events, 1, "readmitting a queued job is a no-op")
}

func TestRecordProgress(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.saveJob(t, newJob("prog", types.StatusDownloading))

	f.clock.Advance(time.Minute)
	got, err := f.sm.RecordProgress(ctx, "prog", 1024, 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), got.BytesDone)
	assert.Equal(t, int64(4096), got.BytesTotal)
	require.NotNil(t, got.LastProgressAt)
	assert.Equal(t, f.clock.Now(), *got.LastProgressAt)
	assert.Empty(t, got.Events)
	assert.Equal(t, []notify.Type{notify.TypeProgress}, f.pub.types())

	_, err = f.sm.RecordProgress(ctx, "nope", 1, 1)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

type testStatusError struct{ code int }

func (e *testStatusError) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *testStatusError) StatusCode() int { return e.code }
