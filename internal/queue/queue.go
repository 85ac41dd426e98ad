// ============================================================================
// Download queue - scheduler core
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Purpose: the in-memory, priority-ordered working set in front of the
// durable store. It admits jobs, dispatches them to kind-specific executors
// within the concurrency ceiling and schedule window, and reconciles itself
// against durable state on startup and on demand.
//
// Loops (each non-reentrant, all stopped by Stop):
//   dispatch       5s + once on start   select up to (ceiling - active) entries
//   stall scan     60s                  downloading without progress -> queued | dead_letter
//   slow scan      30s                  transfers under the minimum speed
//   metrics        5m                   gauges + durable metric row
//   block cleanup  10m                  expired source blocks
//
// Concurrency:
//   q.mu guards the working set, the active set, pause and schedule state;
//   it is never held across store, state machine or executor calls.
//   A striped per-job mutex serialises read-then-write sequences on one job
//   row between dispatch goroutines, executor callbacks and admin calls.
//   Job locks are never nested.
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/download-queue/internal/executor"
	"github.com/ChuLiYu/download-queue/internal/jobmanager"
	"github.com/ChuLiYu/download-queue/internal/metrics"
	"github.com/ChuLiYu/download-queue/internal/notify"
	"github.com/ChuLiYu/download-queue/internal/oracle"
	"github.com/ChuLiYu/download-queue/internal/reputation"
	"github.com/ChuLiYu/download-queue/internal/storage"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrTerminalJob is returned when enqueueing a job in a terminal state.
	ErrTerminalJob = errors.New("job is in a terminal state")
	// ErrJobInFlight is returned when enqueueing a job an executor is working on.
	ErrJobInFlight = errors.New("job is already in flight")
	// ErrJobClosed is returned to executors reporting on a finished job.
	ErrJobClosed = errors.New("job is no longer active")
	// ErrIncompatibleExport is returned by Import for an unknown schema version.
	ErrIncompatibleExport = errors.New("incompatible export version")
	// ErrInvalidSchedule is returned by SetSchedule.
	ErrInvalidSchedule = errors.New("invalid schedule window")
)

// ============================================================================
// Priority
// ============================================================================

const (
	PriorityAlbum      = 10
	PriorityTrack      = 8
	PriorityDefault    = 5
	PriorityWeeklyFlow = 1

	retryPenalty = 3
	minPriority  = 1
)

func basePriority(kind types.Kind) int {
	switch kind {
	case types.KindAlbum:
		return PriorityAlbum
	case types.KindTrack:
		return PriorityTrack
	case types.KindWeeklyFlow:
		return PriorityWeeklyFlow
	}
	return PriorityDefault
}

// Priority ranks job; higher dispatches first. Jobs with failure history
// drop retryPenalty below their kind's baseline and one more tier for every
// retry after the first. Never below 1.
func Priority(job *types.Job) int {
	p := basePriority(job.Kind)
	if job.RetryCount > 0 || job.Status == types.StatusFailed || job.Status == types.StatusStalled {
		p -= retryPenalty
	}
	if job.RetryCount > 1 {
		p -= job.RetryCount - 1
	}
	if p < minPriority {
		p = minPriority
	}
	return p
}

// ============================================================================
// Types
// ============================================================================

// Entry is a working-set slot. Job is the snapshot taken at admission and is
// used to repair a missing durable record.
type Entry struct {
	ID        types.JobID `json:"id"`
	Kind      types.Kind  `json:"kind"`
	Priority  int         `json:"priority"`
	CreatedAt time.Time   `json:"created_at"`
	Job       *types.Job  `json:"job,omitempty"`

	seq uint64
}

func (e *Entry) clone() Entry {
	c := *e
	c.Job = e.Job.Clone()
	return c
}

// Config holds the scheduler knobs. Zero values take their defaults, except
// StaggerDelay where zero disables staggering.
type Config struct {
	MaxConcurrent        int
	DispatchInterval     time.Duration
	StaggerDelay         time.Duration
	StallScanInterval    time.Duration
	SlowScanInterval     time.Duration
	MetricsInterval      time.Duration
	BlockCleanupInterval time.Duration
	StartupRetryCeiling  int
	CompletionRatio      float64
	AbortSlowTransfers   bool
	Schedule             Window
	Paused               bool
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:        3,
		DispatchInterval:     5 * time.Second,
		StaggerDelay:         2 * time.Second,
		StallScanInterval:    time.Minute,
		SlowScanInterval:     30 * time.Second,
		MetricsInterval:      5 * time.Minute,
		BlockCleanupInterval: 10 * time.Minute,
		StartupRetryCeiling:  3,
		CompletionRatio:      oracle.DefaultRatio,
		AbortSlowTransfers:   true,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = def.DispatchInterval
	}
	if c.StaggerDelay < 0 {
		c.StaggerDelay = 0
	}
	if c.StallScanInterval <= 0 {
		c.StallScanInterval = def.StallScanInterval
	}
	if c.SlowScanInterval <= 0 {
		c.SlowScanInterval = def.SlowScanInterval
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = def.MetricsInterval
	}
	if c.BlockCleanupInterval <= 0 {
		c.BlockCleanupInterval = def.BlockCleanupInterval
	}
	if c.StartupRetryCeiling <= 0 {
		c.StartupRetryCeiling = def.StartupRetryCeiling
	}
	if c.CompletionRatio <= 0 || c.CompletionRatio > 1 {
		c.CompletionRatio = def.CompletionRatio
	}
	return c
}

// Deps are the collaborators of a Queue. Store, StateMachine, Tracker and
// Executors are required.
type Deps struct {
	Store        storage.Store
	StateMachine *jobmanager.StateMachine
	Tracker      *reputation.Tracker
	Executors    *executor.Registry
	Oracle       oracle.CompletionOracle
	Bus          notify.Publisher
	Metrics      *metrics.Collector
	Logger       *zap.Logger
	Now          func() time.Time
}

const jobLockStripes = 64

// Queue is the download scheduler.
type Queue struct {
	mu      sync.Mutex
	entries []*Entry
	index   map[types.JobID]*Entry
	active  map[types.JobID]struct{}
	seq     uint64
	paused  bool
	window  Window

	jobLocks [jobLockStripes]sync.Mutex

	store     storage.Store
	sm        *jobmanager.StateMachine
	tracker   *reputation.Tracker
	executors *executor.Registry
	oracle    oracle.CompletionOracle
	bus       notify.Publisher
	metrics   *metrics.Collector
	log       *zap.Logger
	now       func() time.Time
	cfg       Config

	// base context of dispatch goroutines, cancelled by Stop
	ctx    context.Context
	cancel context.CancelFunc

	stopCh     chan struct{}
	loopWg     sync.WaitGroup
	dispatchWg sync.WaitGroup
	started    bool
	stopped    bool
	startTime  time.Time

	// re-entrancy guards, one per timer body
	dispatching atomic.Bool
	stallScan   atomic.Bool
	slowScan    atomic.Bool
	collecting  atomic.Bool
	cleaning    atomic.Bool
}

// New builds the queue and reconciles it against the durable store.
func New(ctx context.Context, deps Deps, cfg Config) (*Queue, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("queue: store is required")
	case deps.StateMachine == nil:
		return nil, errors.New("queue: state machine is required")
	case deps.Tracker == nil:
		return nil, errors.New("queue: reputation tracker is required")
	case deps.Executors == nil:
		return nil, errors.New("queue: executor registry is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, err
	}

	q := &Queue{
		index:     make(map[types.JobID]*Entry),
		active:    make(map[types.JobID]struct{}),
		paused:    cfg.Paused,
		window:    cfg.Schedule.clone(),
		store:     deps.Store,
		sm:        deps.StateMachine,
		tracker:   deps.Tracker,
		executors: deps.Executors,
		oracle:    deps.Oracle,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		log:       deps.Logger,
		now:       deps.Now,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
	if q.oracle == nil {
		q.oracle = oracle.Nop{}
	}
	if q.bus == nil {
		q.bus = notify.Discard
	}
	if q.log == nil {
		q.log = zap.NewNop()
	}
	q.log = q.log.Named("queue")
	if q.now == nil {
		q.now = time.Now
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())

	start := time.Now()
	report, err := q.reconcile(ctx, "recovered after restart")
	if err != nil {
		q.cancel()
		return nil, fmt.Errorf("startup reconciliation: %w", err)
	}
	elapsed := time.Since(start)
	q.metrics.SetRecoveryTime(elapsed)
	q.log.Info("queue recovered",
		zap.Duration("duration", elapsed),
		zap.Int("jobs_seen", report.Seen),
		zap.Int("admitted", report.Admitted),
		zap.Int("already_satisfied", report.Satisfied),
		zap.Int("skipped", report.Skipped))
	return q, nil
}

func (q *Queue) jobLock(id types.JobID) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &q.jobLocks[h.Sum32()%jobLockStripes]
}

// ============================================================================
// Working set
// ============================================================================

// admit inserts job into the working set unless it is already there and
// returns the entry.
func (q *Queue) admit(job *types.Job) Entry {
	q.mu.Lock()
	e, ok := q.index[job.ID]
	if !ok {
		q.seq++
		e = &Entry{
			ID:        job.ID,
			Kind:      job.Kind,
			Priority:  Priority(job),
			CreatedAt: q.now(),
			Job:       job.Clone(),
			seq:       q.seq,
		}
		q.entries = append(q.entries, e)
		q.index[job.ID] = e
		q.sortLocked()
	}
	out := e.clone()
	depth := len(q.entries)
	q.mu.Unlock()

	if !ok {
		q.publishQueue("admitted", job.ID, depth)
	}
	return out
}

// requeue re-ranks job after a failure from its retry history, keeping the
// existing entry when it has one. Priority never rises here.
func (q *Queue) requeue(job *types.Job) Entry {
	q.mu.Lock()
	e, ok := q.index[job.ID]
	if ok {
		if p := Priority(job); p < e.Priority {
			e.Priority = p
		}
		e.Job = job.Clone()
		q.sortLocked()
		out := e.clone()
		q.mu.Unlock()
		return out
	}
	q.mu.Unlock()
	return q.admit(job)
}

func (q *Queue) removeEntry(id types.JobID) (*Entry, bool) {
	q.mu.Lock()
	e, ok := q.index[id]
	if ok {
		delete(q.index, id)
		for i, v := range q.entries {
			if v == e {
				q.entries = append(q.entries[:i], q.entries[i+1:]...)
				break
			}
		}
	}
	depth := len(q.entries)
	q.mu.Unlock()

	if !ok {
		return nil, false
	}
	q.publishQueue("removed", id, depth)
	c := e.clone()
	return &c, true
}

// sortLocked orders by priority desc, then admission order.
func (q *Queue) sortLocked() {
	sort.SliceStable(q.entries, func(i, j int) bool {
		a, b := q.entries[i], q.entries[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.seq < b.seq
	})
}

func (q *Queue) inWorkingSet(id types.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok
}

func (q *Queue) isActive(id types.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[id]
	return ok
}

func (q *Queue) release(id types.JobID) {
	q.mu.Lock()
	delete(q.active, id)
	depth, active := len(q.entries), len(q.active)
	q.mu.Unlock()
	q.metrics.UpdateQueueStats(depth, active)
}

func (q *Queue) publishQueue(action string, id types.JobID, depth int) {
	q.bus.Publish(notify.Notification{
		Type:  notify.TypeQueue,
		JobID: id,
		Data:  map[string]any{"action": action, "depth": depth},
		At:    q.now(),
	})
}

// ============================================================================
// Admission
// ============================================================================

// Enqueue admits job. It is idempotent: a job already in the working set
// returns its existing entry and nothing is written. Id-less jobs get a new
// id. A job with a durable record keeps that record's state; new jobs are
// persisted as requested and moved to queued.
func (q *Queue) Enqueue(ctx context.Context, job *types.Job) (Entry, error) {
	if job == nil {
		return Entry{}, errors.New("enqueue: nil job")
	}
	job = job.Clone()
	if job.ID == "" {
		job.ID = types.JobID(uuid.NewString())
	}

	q.mu.Lock()
	if e, ok := q.index[job.ID]; ok {
		out := e.clone()
		q.mu.Unlock()
		return out, nil
	}
	q.mu.Unlock()

	lock := q.jobLock(job.ID)
	lock.Lock()
	defer lock.Unlock()

	queued, err := q.prepare(ctx, job)
	if err != nil {
		return Entry{}, err
	}
	q.metrics.RecordEnqueue()
	entry := q.admit(queued)
	q.log.Info("job enqueued",
		zap.String("job_id", string(entry.ID)),
		zap.String("kind", string(entry.Kind)),
		zap.Int("priority", entry.Priority))
	return entry, nil
}

// prepare brings job to queued in the durable store.
func (q *Queue) prepare(ctx context.Context, job *types.Job) (*types.Job, error) {
	stored, err := q.store.GetJob(ctx, job.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		now := q.now()
		job.Status = types.StatusRequested
		if job.RequestedAt.IsZero() {
			job.RequestedAt = now
		}
		job.UpdatedAt = now
		if err := q.store.SaveJob(ctx, job); err != nil {
			return nil, fmt.Errorf("persist job %s: %w", job.ID, err)
		}
		return q.sm.Transition(ctx, job, types.StatusQueued, map[string]any{"reason": "enqueued"})
	case err != nil:
		return nil, fmt.Errorf("load job %s: %w", job.ID, err)
	}

	switch {
	case stored.Status.IsTerminal():
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalJob, stored.ID, stored.Status)
	case stored.Status == types.StatusQueued:
		return stored, nil
	case stored.Status == types.StatusRequested,
		stored.Status == types.StatusFailed,
		stored.Status == types.StatusStalled:
		return q.sm.Transition(ctx, stored, types.StatusQueued, map[string]any{"reason": "enqueued"})
	}
	// searching, downloading, processing, moving
	if q.isActive(stored.ID) || q.tracker.HasActiveTransfer(stored.ID) {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobInFlight, stored.ID, stored.Status)
	}
	return q.sm.Readmit(ctx, stored, "enqueued without live transfer", nil)
}

// Dequeue removes id from the working set and cancels the job. It returns
// nil when id is not in the working set.
func (q *Queue) Dequeue(ctx context.Context, id types.JobID, reason string) (*Entry, error) {
	entry, ok := q.removeEntry(id)
	if !ok {
		return nil, nil
	}
	if reason == "" {
		reason = "removed from queue"
	}
	if _, err := q.cancelJob(ctx, id, reason); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return entry, err
	}
	return entry, nil
}

// Cancel moves any non-terminal job to cancelled, whether or not it is in
// the working set, and asks its executor to abort. Aborting is cooperative.
func (q *Queue) Cancel(ctx context.Context, id types.JobID, reason string) (*types.Job, error) {
	q.removeEntry(id)
	if reason == "" {
		reason = "cancelled by operator"
	}
	return q.cancelJob(ctx, id, reason)
}

func (q *Queue) cancelJob(ctx context.Context, id types.JobID, reason string) (*types.Job, error) {
	lock := q.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}
	inFlight := job.Status != types.StatusQueued && job.Status != types.StatusRequested
	cancelled, err := q.sm.Transition(ctx, job, types.StatusCancelled, map[string]any{"reason": reason})
	if err != nil {
		return nil, err
	}
	if inFlight {
		if err := q.executors.Abort(ctx, job.Kind, id); err != nil {
			q.log.Debug("abort not delivered", zap.String("job_id", string(id)), zap.Error(err))
		}
		if err := q.tracker.TrackTransferComplete(ctx, id, false); err != nil {
			q.log.Warn("close transfer", zap.String("job_id", string(id)), zap.Error(err))
		}
	}
	q.log.Info("job cancelled", zap.String("job_id", string(id)), zap.String("reason", reason))
	return cancelled, nil
}

// Clear cancels every entry that is not mid-dispatch and returns how many
// were removed.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	q.mu.Lock()
	var ids []types.JobID
	for _, e := range q.entries {
		if _, busy := q.active[e.ID]; !busy {
			ids = append(ids, e.ID)
		}
	}
	q.mu.Unlock()

	var errs []error
	n := 0
	for _, id := range ids {
		if _, err := q.Dequeue(ctx, id, "queue cleared"); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	q.log.Info("queue cleared", zap.Int("removed", n))
	return n, errors.Join(errs...)
}

// ============================================================================
// Control and queries
// ============================================================================

func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.log.Info("queue paused")
	q.publishQueue("paused", "", q.Len())
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.log.Info("queue resumed")
	q.publishQueue("resumed", "", q.Len())
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *Queue) Schedule() Window {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.window.clone()
}

// SetSchedule replaces the dispatch window.
func (q *Queue) SetSchedule(w Window) error {
	if err := w.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	q.window = w.clone()
	q.mu.Unlock()
	q.log.Info("schedule updated",
		zap.Bool("enabled", w.Enabled),
		zap.Int("start_hour", w.StartHour),
		zap.Int("end_hour", w.EndHour))
	return nil
}

// Len returns the working set size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns the working set in dispatch order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.clone()
	}
	return out
}

// ActiveIDs returns the jobs currently holding a concurrency slot.
func (q *Queue) ActiveIDs() []types.JobID {
	q.mu.Lock()
	out := make([]types.JobID, 0, len(q.active))
	for id := range q.active {
		out = append(out, id)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Job returns the durable record of id.
func (q *Queue) Job(ctx context.Context, id types.JobID) (*types.Job, error) {
	return q.store.GetJob(ctx, id)
}

// Search returns durable jobs matching filter whose id or display names
// contain query, case-insensitively. Limit and Offset apply after matching.
func (q *Queue) Search(ctx context.Context, query string, filter types.JobFilter) ([]*types.Job, error) {
	limit, offset := filter.Limit, filter.Offset
	filter.Limit, filter.Offset = 0, 0
	jobs, err := q.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	out := jobs[:0]
	for _, job := range jobs {
		if needle == "" || matches(job, needle) {
			out = append(out, job)
		}
	}
	if offset > 0 {
		if offset >= len(out) {
			return []*types.Job{}, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(job *types.Job, needle string) bool {
	for _, s := range []string{string(job.ID), job.ArtistName, job.AlbumName, job.TrackName} {
		if strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

// Stats summarises the queue and the durable store.
type Stats struct {
	Queued          int                     `json:"queued"`
	Active          int                     `json:"active"`
	MaxConcurrent   int                     `json:"max_concurrent"`
	Paused          bool                    `json:"paused"`
	InWindow        bool                    `json:"in_window"`
	Schedule        Window                  `json:"schedule"`
	ByStatus        map[types.JobStatus]int `json:"by_status"`
	ByKind          map[types.Kind]int      `json:"by_kind"`
	DeadLetters     int                     `json:"dead_letters"`
	BlockedSources  int                     `json:"blocked_sources"`
	ActiveTransfers int                     `json:"active_transfers"`
	Uptime          string                  `json:"uptime,omitempty"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	now := q.now()
	q.mu.Lock()
	s := Stats{
		Queued:        len(q.entries),
		Active:        len(q.active),
		MaxConcurrent: q.cfg.MaxConcurrent,
		Paused:        q.paused,
		InWindow:      q.window.Contains(now),
		Schedule:      q.window.clone(),
		ByStatus:      make(map[types.JobStatus]int),
		ByKind:        make(map[types.Kind]int),
	}
	if q.started {
		s.Uptime = time.Since(q.startTime).Round(time.Second).String()
	}
	q.mu.Unlock()

	jobs, err := q.store.ListJobs(ctx, types.JobFilter{})
	if err != nil {
		return Stats{}, fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range jobs {
		s.ByStatus[job.Status]++
		s.ByKind[job.Kind]++
	}
	items, err := q.store.ListDeadLetters(ctx, types.DeadLetterFilter{})
	if err != nil {
		return Stats{}, fmt.Errorf("list dead letters: %w", err)
	}
	s.DeadLetters = len(items)
	blocked, err := q.tracker.ListBlocked(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list blocked sources: %w", err)
	}
	s.BlockedSources = len(blocked)
	s.ActiveTransfers = len(q.tracker.ActiveTransfers())
	return s, nil
}

// ============================================================================
// Dead letters
// ============================================================================

// RetryDeadLetter resurrects the job behind item id and admits it.
func (q *Queue) RetryDeadLetter(ctx context.Context, id string) (Entry, error) {
	job, err := q.sm.RetryFromDeadLetter(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	return q.admit(job), nil
}

// RetryAllDeadLetters retries every retryable item matching filter and
// admits the resurrected jobs.
func (q *Queue) RetryAllDeadLetters(ctx context.Context, filter types.DeadLetterFilter) (jobmanager.BulkRetryResult, error) {
	res, err := q.sm.RetryAllDeadLetters(ctx, filter)
	if err != nil {
		return res, err
	}
	for _, job := range res.Jobs {
		q.admit(job)
	}
	return res, nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches the scheduler loops. Calling it twice is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.startTime = time.Now()
	q.mu.Unlock()

	q.loopWg.Add(5)
	go q.runLoop("dispatch", q.cfg.DispatchInterval, true, func() { q.Dispatch() })
	go q.runLoop("stall scan", q.cfg.StallScanInterval, false, func() { q.CheckStalled(q.ctx) })
	go q.runLoop("slow scan", q.cfg.SlowScanInterval, false, func() { q.CheckSlowTransfers(q.ctx) })
	go q.runLoop("metrics", q.cfg.MetricsInterval, false, func() { q.CollectMetrics(q.ctx) })
	go q.runLoop("block cleanup", q.cfg.BlockCleanupInterval, false, func() { q.CleanupBlocks(q.ctx) })

	q.log.Info("queue started",
		zap.Int("max_concurrent", q.cfg.MaxConcurrent),
		zap.Duration("dispatch_interval", q.cfg.DispatchInterval),
		zap.Int("entries", q.Len()))
}

func (q *Queue) runLoop(name string, interval time.Duration, immediate bool, body func()) {
	defer q.loopWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if immediate {
		body()
	}
	for {
		select {
		case <-q.stopCh:
			q.log.Debug("loop stopped", zap.String("loop", name))
			return
		case <-ticker.C:
			// ticker and stop may fire together
			select {
			case <-q.stopCh:
				q.log.Debug("loop stopped", zap.String("loop", name))
				return
			default:
			}
			body()
		}
	}
}

// Stop ends the loops, interrupts in-flight dispatches and waits for them.
// Jobs interrupted mid-dispatch keep their state and are recovered on the
// next start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.stopCh)
	q.cancel()
	q.loopWg.Wait()
	q.dispatchWg.Wait()
	q.log.Info("queue stopped")
}
