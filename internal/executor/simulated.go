// ============================================================================
// Simulated Executor - Transfer Stand-in
// ============================================================================
//
// Package: internal/executor
// File: simulated.go
// Function: Executor that fakes search and transfer so the queue can run
// without a real peer network (demo binary, local development).
//
// Execution Model:
//   Execute (synchronous, inside the dispatch goroutine)
//     ├─ random search delay, honours ctx
//     ├─ failure roll: returns a classified error
//     ├─ picks a source not in the exclusion list
//     └─ hands off: ReportSource, start transfer goroutine, return
//
//   transfer goroutine (asynchronous)
//     ├─ N progress steps via Reporter.ReportProgress
//     ├─ failure roll: Reporter.Fail
//     └─ Reporter.Advance processing -> moving -> completed
//
// Stop cancels every transfer goroutine and waits for them.
//
// ============================================================================

package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/download-queue/internal/classifier"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

// SimConfig tunes the simulated executor.
type SimConfig struct {
	FailureRate   float64       // probability of a failure in each phase
	MinDelay      time.Duration // search delay lower bound
	MaxDelay      time.Duration // search delay upper bound
	StepDelay     time.Duration // delay between progress reports
	ProgressSteps int
	TransferSize  int64
	Sources       []string
}

func DefaultSimConfig() SimConfig {
	return SimConfig{
		FailureRate:   0.1,
		MinDelay:      500 * time.Millisecond,
		MaxDelay:      3 * time.Second,
		StepDelay:     time.Second,
		ProgressSteps: 5,
		TransferSize:  40 << 20,
		Sources:       []string{"peer-amber", "peer-birch", "peer-cedar", "peer-dune", "peer-elm"},
	}
}

// simulated failures, one per class the classifier distinguishes
var simFailures = []func() error{
	func() error { return errors.New("connection reset by peer") },
	func() error { return &classifier.StatusError{Code: 503, Message: "search backend unavailable"} },
	func() error { return &classifier.StatusError{Code: 429, Message: "too many searches"} },
	func() error { return errors.New("no results for query") },
}

type run struct {
	cancel context.CancelFunc
}

// Simulated is an Executor and Aborter backed by random delays.
type Simulated struct {
	cfg SimConfig
	log *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	running map[types.JobID]*run
	base    context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var (
	_ Executor = (*Simulated)(nil)
	_ Aborter  = (*Simulated)(nil)
)

// NewSimulated creates a simulated executor. seed 0 uses the current time.
func NewSimulated(cfg SimConfig, log *zap.Logger, seed int64) *Simulated {
	def := DefaultSimConfig()
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.ProgressSteps <= 0 {
		cfg.ProgressSteps = def.ProgressSteps
	}
	if cfg.TransferSize <= 0 {
		cfg.TransferSize = def.TransferSize
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = def.Sources
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if log == nil {
		log = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Simulated{
		cfg:     cfg,
		log:     log.Named("simulated"),
		rng:     rand.New(rand.NewSource(seed)),
		running: make(map[types.JobID]*run),
		base:    base,
		cancel:  cancel,
	}
}

func (s *Simulated) float() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func (s *Simulated) intn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

func (s *Simulated) searchDelay() time.Duration {
	span := s.cfg.MaxDelay - s.cfg.MinDelay
	if span <= 0 {
		return s.cfg.MinDelay
	}
	return s.cfg.MinDelay + time.Duration(s.float()*float64(span))
}

// Execute fakes a search and hands the transfer off to a goroutine.
func (s *Simulated) Execute(ctx context.Context, job *types.Job, opts Options) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(s.searchDelay()):
	}

	if s.float() < s.cfg.FailureRate {
		return Result{}, simFailures[s.intn(len(simFailures))]()
	}

	source, ok := s.pickSource(opts)
	if !ok {
		err := fmt.Errorf("no sources left for %s after excluding %d", job.Target(), len(opts.ExcludeSources))
		return Result{}, classifier.WithKind(err, types.ErrorNoSources)
	}
	if opts.Reporter == nil {
		return Result{SourceID: source, Message: "search only"}, nil
	}

	opts.Reporter.ReportSource(job.ID, source, s.cfg.TransferSize)

	tctx, cancel := context.WithCancel(s.base)
	r := &run{cancel: cancel}
	s.mu.Lock()
	if prev, ok := s.running[job.ID]; ok {
		prev.cancel()
	}
	s.running[job.ID] = r
	s.mu.Unlock()

	s.wg.Add(1)
	go s.transfer(tctx, r, job.ID, source, opts.Reporter)

	return Result{SourceID: source, Message: "transfer started"}, nil
}

func (s *Simulated) pickSource(opts Options) (string, bool) {
	n := len(s.cfg.Sources)
	start := s.intn(n)
	for i := 0; i < n; i++ {
		src := s.cfg.Sources[(start+i)%n]
		if !opts.Excluded(src) {
			return src, true
		}
	}
	return "", false
}

func (s *Simulated) transfer(ctx context.Context, r *run, id types.JobID, source string, rep Reporter) {
	defer s.wg.Done()
	defer s.finish(id, r)

	log := s.log.With(zap.String("job_id", string(id)), zap.String("source", source))
	failAt := -1
	if s.float() < s.cfg.FailureRate {
		failAt = s.intn(s.cfg.ProgressSteps)
	}

	step := s.cfg.TransferSize / int64(s.cfg.ProgressSteps)
	for i := 0; i < s.cfg.ProgressSteps; i++ {
		select {
		case <-ctx.Done():
			log.Debug("transfer aborted")
			return
		case <-time.After(s.cfg.StepDelay):
		}
		if i == failAt {
			if err := rep.Fail(ctx, id, errors.New("connection reset by peer mid-transfer")); err != nil {
				log.Warn("report failure", zap.Error(err))
			}
			return
		}
		done := step * int64(i+1)
		if i == s.cfg.ProgressSteps-1 {
			done = s.cfg.TransferSize
		}
		if err := rep.ReportProgress(ctx, id, done, s.cfg.TransferSize); err != nil {
			log.Debug("progress rejected, stopping", zap.Error(err))
			return
		}
	}

	for _, to := range []types.JobStatus{types.StatusProcessing, types.StatusMoving, types.StatusCompleted} {
		if ctx.Err() != nil {
			return
		}
		if err := rep.Advance(ctx, id, to, map[string]any{"source": source}); err != nil {
			log.Warn("advance failed", zap.String("to", string(to)), zap.Error(err))
			return
		}
	}
}

func (s *Simulated) finish(id types.JobID, r *run) {
	r.cancel()
	s.mu.Lock()
	if s.running[id] == r {
		delete(s.running, id)
	}
	s.mu.Unlock()
}

// Abort cancels the transfer goroutine for jobID, if any.
func (s *Simulated) Abort(_ context.Context, jobID types.JobID) error {
	s.mu.Lock()
	r, ok := s.running[jobID]
	delete(s.running, jobID)
	s.mu.Unlock()
	if ok {
		r.cancel()
	}
	return nil
}

// Running returns the number of transfers in flight.
func (s *Simulated) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Stop cancels all transfers and waits for their goroutines.
func (s *Simulated) Stop() {
	s.cancel()
	s.wg.Wait()
}
