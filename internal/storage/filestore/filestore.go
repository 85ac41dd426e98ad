// Package filestore is the default durable store: an in-memory table set that
// journals every mutation to a write-ahead log before applying it, and
// compacts the log into an atomic snapshot on an interval and on Close.
//
// Recovery is loadSnapshot followed by replayWAL; replaying upserts and
// deletes is idempotent, so a crash between snapshot and rotation is safe.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/download-queue/internal/snapshot"
	"github.com/ChuLiYu/download-queue/internal/storage"
	"github.com/ChuLiYu/download-queue/internal/storage/wal"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

const (
	walFile      = "store.wal"
	snapshotFile = "store.snapshot.json"

	// metricRetention bounds the in-memory metric history (24h at 5 minute ticks).
	metricRetention = 288
)

// Options configures Open.
type Options struct {
	// SnapshotInterval between background compactions. Zero disables the loop.
	SnapshotInterval time.Duration
	// SyncWrites fsyncs the journal on every mutation.
	SyncWrites bool
	Logger     *zap.Logger
}

// Store implements storage.Store on local files.
type Store struct {
	mu          sync.RWMutex
	jobs        map[types.JobID]*types.Job
	deadLetters map[string]*types.DeadLetterItem
	sources     map[string]*types.BlockedSource
	metrics     []types.Metric

	wal      *wal.WAL
	snapshot *snapshot.Manager
	log      *zap.Logger
	closed   bool

	stopCh    chan struct{}
	loopWg    sync.WaitGroup
	closeOnce sync.Once
}

var _ storage.Store = (*Store)(nil)

// Open recovers the store rooted at dir, creating it if needed.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		snapshot: snapshot.NewManager(filepath.Join(dir, snapshotFile)),
		log:      logger.Named("filestore"),
		stopCh:   make(chan struct{}),
	}

	start := time.Now()
	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}

	w, err := wal.NewWAL(filepath.Join(dir, walFile), opts.SyncWrites)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	s.wal = w

	replayed, err := s.replayWAL()
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("replay wal: %w", err)
	}

	s.log.Info("store recovered",
		zap.Duration("duration", time.Since(start)),
		zap.Int("jobs", len(s.jobs)),
		zap.Int("dead_letters", len(s.deadLetters)),
		zap.Int("blocked_sources", len(s.sources)),
		zap.Int("replayed_events", replayed))

	if opts.SnapshotInterval > 0 {
		s.loopWg.Add(1)
		go s.snapshotLoop(opts.SnapshotInterval)
	}
	return s, nil
}

func (s *Store) loadSnapshot() error {
	data, err := s.snapshot.Load()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	s.jobs = data.Jobs
	s.deadLetters = data.DeadLetters
	s.sources = data.BlockedSources
	s.metrics = data.Metrics
	return nil
}

func (s *Store) replayWAL() (int, error) {
	n := 0
	err := s.wal.Replay(func(e wal.Event) error {
		n++
		return s.apply(e)
	})
	return n, err
}

// apply mutates in-memory state from a journal record. Callers hold s.mu or
// run before the store is shared.
func (s *Store) apply(e wal.Event) error {
	switch e.Type {
	case wal.EventPutJob:
		var job types.Job
		if err := json.Unmarshal(e.Payload, &job); err != nil {
			return fmt.Errorf("decode job %s: %w", e.Key, err)
		}
		s.jobs[job.ID] = &job
	case wal.EventDeleteJob:
		delete(s.jobs, types.JobID(e.Key))
	case wal.EventPutDeadLetter:
		var item types.DeadLetterItem
		if err := json.Unmarshal(e.Payload, &item); err != nil {
			return fmt.Errorf("decode dead letter %s: %w", e.Key, err)
		}
		s.deadLetters[item.ID] = &item
	case wal.EventDeleteDeadLetter:
		delete(s.deadLetters, e.Key)
	case wal.EventPutSource:
		var src types.BlockedSource
		if err := json.Unmarshal(e.Payload, &src); err != nil {
			return fmt.Errorf("decode blocked source %s: %w", e.Key, err)
		}
		s.sources[src.SourceID] = &src
	case wal.EventDeleteSource:
		delete(s.sources, e.Key)
	case wal.EventMetric:
		var m types.Metric
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return fmt.Errorf("decode metric: %w", err)
		}
		s.appendMetric(m)
	default:
		s.log.Warn("skipping unknown wal event", zap.String("type", string(e.Type)), zap.Uint64("seq", e.Seq))
	}
	return nil
}

func (s *Store) appendMetric(m types.Metric) {
	s.metrics = append(s.metrics, m)
	if over := len(s.metrics) - metricRetention; over > 0 {
		s.metrics = append([]types.Metric(nil), s.metrics[over:]...)
	}
}

// write journals the record first, then applies it.
func (s *Store) write(eventType wal.EventType, key string, payload any) error {
	if s.closed {
		return storage.ErrClosed
	}
	if err := s.wal.Append(eventType, key, payload, false); err != nil {
		return fmt.Errorf("journal %s %s: %w", eventType, key, err)
	}
	switch v := payload.(type) {
	case *types.Job:
		s.jobs[v.ID] = v.Clone()
	case *types.DeadLetterItem:
		s.deadLetters[v.ID] = v.Clone()
	case *types.BlockedSource:
		s.sources[v.SourceID] = v.Clone()
	case types.Metric:
		s.appendMetric(v)
	case nil:
		switch eventType {
		case wal.EventDeleteJob:
			delete(s.jobs, types.JobID(key))
		case wal.EventDeleteDeadLetter:
			delete(s.deadLetters, key)
		case wal.EventDeleteSource:
			delete(s.sources, key)
		}
	}
	return nil
}

// ============================================================================
// Jobs
// ============================================================================

func (s *Store) SaveJob(_ context.Context, job *types.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("save job: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(wal.EventPutJob, string(job.ID), job)
}

func (s *Store) GetJob(_ context.Context, id types.JobID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}
	return job.Clone(), nil
}

// ListJobs returns matching jobs ordered by request time, then id.
func (s *Store) ListJobs(_ context.Context, filter types.JobFilter) ([]*types.Job, error) {
	s.mu.RLock()
	matched := make([]*types.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Match(job) {
			matched = append(matched, job)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].RequestedAt.Equal(matched[j].RequestedAt) {
			return matched[i].RequestedAt.Before(matched[j].RequestedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*types.Job{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	out := make([]*types.Job, len(matched))
	for i, job := range matched {
		out[i] = job.Clone()
	}
	return out, nil
}

func (s *Store) DeleteJob(_ context.Context, id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}
	return s.write(wal.EventDeleteJob, string(id), nil)
}

// ============================================================================
// Dead letters
// ============================================================================

func (s *Store) SaveDeadLetter(_ context.Context, item *types.DeadLetterItem) error {
	if item == nil || item.ID == "" {
		return fmt.Errorf("save dead letter: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(wal.EventPutDeadLetter, item.ID, item)
}

func (s *Store) GetDeadLetter(_ context.Context, id string) (*types.DeadLetterItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.deadLetters[id]
	if !ok {
		return nil, fmt.Errorf("dead letter %s: %w", id, storage.ErrNotFound)
	}
	return item.Clone(), nil
}

// ListDeadLetters returns matching items, oldest first.
func (s *Store) ListDeadLetters(_ context.Context, filter types.DeadLetterFilter) ([]*types.DeadLetterItem, error) {
	s.mu.RLock()
	out := make([]*types.DeadLetterItem, 0, len(s.deadLetters))
	for _, item := range s.deadLetters {
		if filter.Match(item) {
			out = append(out, item.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteDeadLetter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadLetters[id]; !ok {
		return fmt.Errorf("dead letter %s: %w", id, storage.ErrNotFound)
	}
	return s.write(wal.EventDeleteDeadLetter, id, nil)
}

// ============================================================================
// Blocked sources
// ============================================================================

func (s *Store) SaveBlockedSource(_ context.Context, src *types.BlockedSource) error {
	if src == nil || src.SourceID == "" {
		return fmt.Errorf("save blocked source: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(wal.EventPutSource, src.SourceID, src)
}

func (s *Store) GetBlockedSource(_ context.Context, sourceID string) (*types.BlockedSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("blocked source %s: %w", sourceID, storage.ErrNotFound)
	}
	return src.Clone(), nil
}

func (s *Store) ListBlockedSources(_ context.Context) ([]*types.BlockedSource, error) {
	s.mu.RLock()
	out := make([]*types.BlockedSource, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

func (s *Store) DeleteBlockedSource(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[sourceID]; !ok {
		return fmt.Errorf("blocked source %s: %w", sourceID, storage.ErrNotFound)
	}
	return s.write(wal.EventDeleteSource, sourceID, nil)
}

// ============================================================================
// Metrics
// ============================================================================

func (s *Store) RecordMetric(_ context.Context, m types.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(wal.EventMetric, m.Name, m)
}

// Metrics returns the retained metric history, oldest first.
func (s *Store) Metrics() []types.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Metric(nil), s.metrics...)
}

// ============================================================================
// Compaction and shutdown
// ============================================================================

func (s *Store) snapshotLoop(interval time.Duration) {
	defer s.loopWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Compact(); err != nil {
				s.log.Error("compaction failed", zap.Error(err))
			}
		}
	}
}

// Compact writes a snapshot of the current state and truncates the journal.
func (s *Store) Compact() error {
	start := time.Now()

	// Holding the write lock keeps the snapshot and the rotation consistent.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	data := snapshot.Data{
		LastSeq:        s.wal.GetLastSeq(),
		Jobs:           s.jobs,
		DeadLetters:    s.deadLetters,
		BlockedSources: s.sources,
		Metrics:        s.metrics,
	}
	if err := s.snapshot.Write(data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}

	s.log.Debug("snapshot taken",
		zap.Duration("duration", time.Since(start)),
		zap.Int("jobs", len(s.jobs)),
		zap.Uint64("last_seq", data.LastSeq))
	return nil
}

// Close stops compaction, takes a final snapshot and closes the journal.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.loopWg.Wait()

		if cerr := s.Compact(); cerr != nil {
			s.log.Error("final snapshot failed", zap.Error(cerr))
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		err = s.wal.Close()
	})
	return err
}
