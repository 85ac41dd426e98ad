package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/download-queue/internal/classifier"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type recordingReporter struct {
	mu       sync.Mutex
	sources  map[types.JobID]string
	progress []int64
	advanced []types.JobStatus
	failed   []error
	done     chan struct{}
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{sources: make(map[types.JobID]string), done: make(chan struct{}, 1)}
}

func (r *recordingReporter) ReportSource(id types.JobID, source string, _ int64) {
	r.mu.Lock()
	r.sources[id] = source
	r.mu.Unlock()
}

func (r *recordingReporter) ReportProgress(_ context.Context, _ types.JobID, done, _ int64) error {
	r.mu.Lock()
	r.progress = append(r.progress, done)
	r.mu.Unlock()
	return nil
}

func (r *recordingReporter) Advance(_ context.Context, _ types.JobID, to types.JobStatus, _ map[string]any) error {
	r.mu.Lock()
	r.advanced = append(r.advanced, to)
	r.mu.Unlock()
	if to == types.StatusCompleted {
		r.done <- struct{}{}
	}
	return nil
}

func (r *recordingReporter) Fail(_ context.Context, _ types.JobID, err error) error {
	r.mu.Lock()
	r.failed = append(r.failed, err)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func fastConfig() SimConfig {
	return SimConfig{
		FailureRate:   0,
		MinDelay:      time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		StepDelay:     time.Millisecond,
		ProgressSteps: 4,
		TransferSize:  400,
		Sources:       []string{"peer-a", "peer-b", "peer-c"},
	}
}

// ============================================================================
// Registry
// ============================================================================

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	album := Func(func(context.Context, *types.Job, Options) (Result, error) {
		return Result{Message: "album"}, nil
	})
	r.Register(types.KindAlbum, album)
	r.Register(types.KindTrack, album)

	e, err := r.Lookup(types.KindAlbum)
	require.NoError(t, err)
	res, err := e.Execute(context.Background(), &types.Job{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "album", res.Message)

	_, err = r.Lookup("podcast")
	assert.ErrorIs(t, err, ErrNoExecutor)

	assert.Equal(t, []types.Kind{types.KindAlbum, types.KindTrack}, r.Kinds())

	r.SetDefault(album)
	_, err = r.Lookup("podcast")
	assert.NoError(t, err)
}

func TestRegistry_AbortWithoutAborter(t *testing.T) {
	r := NewRegistry()
	r.Register(types.KindAlbum, Func(func(context.Context, *types.Job, Options) (Result, error) {
		return Result{}, nil
	}))
	assert.NoError(t, r.Abort(context.Background(), types.KindAlbum, "job-1"))
	assert.ErrorIs(t, r.Abort(context.Background(), "podcast", "job-1"), ErrNoExecutor)
}

func TestOptionsExcluded(t *testing.T) {
	o := Options{ExcludeSources: []string{"a", "b"}}
	assert.True(t, o.Excluded("b"))
	assert.False(t, o.Excluded("c"))
}

// ============================================================================
// Simulated executor
// ============================================================================

func TestSimulated_CompletesThroughReporter(t *testing.T) {
	sim := NewSimulated(fastConfig(), zaptest.NewLogger(t), 42)
	defer sim.Stop()
	rep := newRecordingReporter()

	res, err := sim.Execute(context.Background(), &types.Job{ID: "job-1"}, Options{Reporter: rep})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SourceID)

	select {
	case <-rep.done:
	case <-time.After(2 * time.Second):
		t.Fatal("transfer did not finish")
	}

	rep.mu.Lock()
	defer rep.mu.Unlock()
	assert.Equal(t, res.SourceID, rep.sources["job-1"])
	assert.Equal(t, []int64{100, 200, 300, 400}, rep.progress)
	assert.Equal(t, []types.JobStatus{types.StatusProcessing, types.StatusMoving, types.StatusCompleted}, rep.advanced)
	assert.Empty(t, rep.failed)
}

func TestSimulated_RespectsExclusions(t *testing.T) {
	sim := NewSimulated(fastConfig(), zaptest.NewLogger(t), 7)
	defer sim.Stop()

	for i := 0; i < 20; i++ {
		res, err := sim.Execute(context.Background(), &types.Job{ID: "job-1"},
			Options{ExcludeSources: []string{"peer-a", "peer-c"}})
		require.NoError(t, err)
		assert.Equal(t, "peer-b", res.SourceID)
	}

	_, err := sim.Execute(context.Background(), &types.Job{ID: "job-1"},
		Options{ExcludeSources: []string{"peer-a", "peer-b", "peer-c"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sources")
}

func TestSimulated_NoSourcesIgnoresTargetName(t *testing.T) {
	sim := NewSimulated(fastConfig(), zaptest.NewLogger(t), 7)
	defer sim.Stop()

	job := &types.Job{ID: "job-1", Kind: types.KindTrack, ArtistName: "Network", TrackName: "Connection Timeout"}
	_, err := sim.Execute(context.Background(), job,
		Options{ExcludeSources: []string{"peer-a", "peer-b", "peer-c"}})
	require.Error(t, err)
	assert.Equal(t, types.ErrorNoSources, classifier.Classify(err))
}

func TestSimulated_AlwaysFails(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureRate = 1
	sim := NewSimulated(cfg, zaptest.NewLogger(t), 1)
	defer sim.Stop()

	_, err := sim.Execute(context.Background(), &types.Job{ID: "job-1"}, Options{})
	assert.Error(t, err)
}

func TestSimulated_ContextCancelled(t *testing.T) {
	cfg := fastConfig()
	cfg.MinDelay = time.Second
	cfg.MaxDelay = time.Second
	sim := NewSimulated(cfg, zaptest.NewLogger(t), 1)
	defer sim.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sim.Execute(ctx, &types.Job{ID: "job-1"}, Options{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSimulated_Abort(t *testing.T) {
	cfg := fastConfig()
	cfg.StepDelay = time.Hour
	sim := NewSimulated(cfg, zaptest.NewLogger(t), 3)
	rep := newRecordingReporter()

	_, err := sim.Execute(context.Background(), &types.Job{ID: "job-1"}, Options{Reporter: rep})
	require.NoError(t, err)
	assert.Equal(t, 1, sim.Running())

	require.NoError(t, sim.Abort(context.Background(), "job-1"))
	assert.Equal(t, 0, sim.Running())

	done := make(chan struct{})
	go func() {
		sim.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	rep.mu.Lock()
	defer rep.mu.Unlock()
	assert.Empty(t, rep.advanced)
	assert.Empty(t, rep.failed)
}
