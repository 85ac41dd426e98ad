// Package reputation tracks remote sources: live transfer speed per job and
// persisted failure counts per source. Sources that keep failing are blocked
// network-wide for a while so retries route around them.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/download-queue/internal/metrics"
	"github.com/ChuLiYu/download-queue/internal/notify"
	"github.com/ChuLiYu/download-queue/internal/storage"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

var (
	// ErrNoTransfer is returned when no transfer is open for a job.
	ErrNoTransfer = errors.New("no active transfer")
	// ErrEmptySource is returned for an empty source id.
	ErrEmptySource = errors.New("empty source id")
)

// Config holds the blocking and speed thresholds.
type Config struct {
	BlockThreshold         int
	TempBlockDuration      time.Duration
	EscalatedBlockDuration time.Duration
	SpeedWindow            int
	MinSpeedBytes          int64 // bytes per second
	SlowGracePeriod        time.Duration
}

func DefaultConfig() Config {
	return Config{
		BlockThreshold:         3,
		TempBlockDuration:      2 * time.Hour,
		EscalatedBlockDuration: 4 * time.Hour,
		SpeedWindow:            10,
		MinSpeedBytes:          50 * 1024,
		SlowGracePeriod:        time.Minute,
	}
}

// Progress is the result of a progress update.
type Progress struct {
	JobID        types.JobID    `json:"job_id"`
	SourceID     string         `json:"source_id"`
	BytesDone    int64          `json:"bytes_done"`
	BytesTotal   int64          `json:"bytes_total,omitempty"`
	Speed        float64        `json:"speed"`
	AverageSpeed float64        `json:"average_speed"`
	Percent      float64        `json:"percent,omitempty"`
	ETA          *time.Duration `json:"eta,omitempty"`
}

// TransferSnapshot is a read-only view of an active transfer.
type TransferSnapshot struct {
	JobID        types.JobID `json:"job_id"`
	SourceID     string      `json:"source_id"`
	StartedAt    time.Time   `json:"started_at"`
	LastUpdate   time.Time   `json:"last_update"`
	BytesDone    int64       `json:"bytes_done"`
	BytesTotal   int64       `json:"bytes_total,omitempty"`
	AverageSpeed float64     `json:"average_speed"`
	Warned       bool        `json:"warned"`
}

// SlowTransfer is a transfer below the minimum speed after the grace period.
type SlowTransfer struct {
	JobID        types.JobID   `json:"job_id"`
	SourceID     string        `json:"source_id"`
	AverageSpeed float64       `json:"average_speed"`
	Elapsed      time.Duration `json:"elapsed"`
}

type transfer struct {
	sourceID   string
	started    time.Time
	lastUpdate time.Time
	bytes      int64
	expected   int64
	samples    []float64
	warned     bool
}

func (t *transfer) average() float64 {
	if len(t.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range t.samples {
		sum += s
	}
	return sum / float64(len(t.samples))
}

// Tracker is the sole writer of blocked-source records and active transfers.
type Tracker struct {
	mu        sync.Mutex
	transfers map[types.JobID]*transfer

	store   storage.SourceStore
	cfg     Config
	bus     notify.Publisher
	log     *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

type Option func(*Tracker)

func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.log = l.Named("reputation") }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(t *Tracker) { t.metrics = m }
}

func WithPublisher(p notify.Publisher) Option {
	return func(t *Tracker) { t.bus = p }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker. Zero values in cfg take their defaults.
func New(store storage.SourceStore, cfg Config, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.BlockThreshold <= 0 {
		cfg.BlockThreshold = def.BlockThreshold
	}
	if cfg.TempBlockDuration <= 0 {
		cfg.TempBlockDuration = def.TempBlockDuration
	}
	if cfg.EscalatedBlockDuration <= 0 {
		cfg.EscalatedBlockDuration = def.EscalatedBlockDuration
	}
	if cfg.SpeedWindow <= 0 {
		cfg.SpeedWindow = def.SpeedWindow
	}
	if cfg.MinSpeedBytes <= 0 {
		cfg.MinSpeedBytes = def.MinSpeedBytes
	}
	if cfg.SlowGracePeriod <= 0 {
		cfg.SlowGracePeriod = def.SlowGracePeriod
	}

	t := &Tracker{
		transfers: make(map[types.JobID]*transfer),
		store:     store,
		cfg:       cfg,
		bus:       notify.Discard,
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ============================================================================
// Active transfers
// ============================================================================

// TrackTransferStart opens a transfer for jobID, replacing any previous one.
func (t *Tracker) TrackTransferStart(jobID types.JobID, sourceID string, expectedBytes int64) {
	now := t.now()
	t.mu.Lock()
	t.transfers[jobID] = &transfer{
		sourceID:   sourceID,
		started:    now,
		lastUpdate: now,
		expected:   expectedBytes,
	}
	t.mu.Unlock()
	t.log.Debug("transfer started",
		zap.String("job_id", string(jobID)),
		zap.String("source", sourceID),
		zap.Int64("expected_bytes", expectedBytes))
}

// UpdateTransferProgress records cumulative bytes for jobID and returns the
// refreshed speed figures, or nil when no transfer is open.
func (t *Tracker) UpdateTransferProgress(jobID types.JobID, bytes, total int64) *Progress {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.transfers[jobID]
	if !ok {
		return nil
	}

	var speed float64
	if dt := now.Sub(tr.lastUpdate).Seconds(); dt > 0 && bytes >= tr.bytes {
		speed = float64(bytes-tr.bytes) / dt
		tr.samples = append(tr.samples, speed)
		if over := len(tr.samples) - t.cfg.SpeedWindow; over > 0 {
			tr.samples = tr.samples[over:]
		}
	}
	tr.bytes = bytes
	if total > 0 {
		tr.expected = total
	}
	tr.lastUpdate = now

	p := &Progress{
		JobID:        jobID,
		SourceID:     tr.sourceID,
		BytesDone:    tr.bytes,
		BytesTotal:   tr.expected,
		Speed:        speed,
		AverageSpeed: tr.average(),
	}
	if tr.expected > 0 {
		p.Percent = float64(tr.bytes) / float64(tr.expected) * 100
	}
	if tr.bytes > 0 && p.AverageSpeed > 0 && tr.expected > tr.bytes {
		eta := time.Duration(float64(tr.expected-tr.bytes) / p.AverageSpeed * float64(time.Second))
		p.ETA = &eta
	}
	return p
}

// TrackTransferComplete closes the transfer for jobID. A success lifts a
// non-permanent block on the source while its failure count is still below
// the escalation threshold.
func (t *Tracker) TrackTransferComplete(ctx context.Context, jobID types.JobID, success bool) error {
	t.mu.Lock()
	tr, ok := t.transfers[jobID]
	delete(t.transfers, jobID)
	t.mu.Unlock()

	if !ok || !success || tr.sourceID == "" {
		return nil
	}

	block, err := t.store.GetBlockedSource(ctx, tr.sourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load block for %s: %w", tr.sourceID, err)
	}
	if block.Permanent || block.FailureCount >= t.cfg.BlockThreshold {
		return nil
	}
	if err := t.store.DeleteBlockedSource(ctx, tr.sourceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("lift block for %s: %w", tr.sourceID, err)
	}
	t.log.Info("source forgiven after success",
		zap.String("source", tr.sourceID),
		zap.Int("failure_count", block.FailureCount))
	return nil
}

// ActiveSource returns the source of the open transfer for jobID, or "".
func (t *Tracker) ActiveSource(jobID types.JobID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.transfers[jobID]; ok {
		return tr.sourceID
	}
	return ""
}

func (t *Tracker) HasActiveTransfer(jobID types.JobID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.transfers[jobID]
	return ok
}

// ActiveTransfers lists open transfers ordered by job id.
func (t *Tracker) ActiveTransfers() []TransferSnapshot {
	t.mu.Lock()
	out := make([]TransferSnapshot, 0, len(t.transfers))
	for id, tr := range t.transfers {
		out = append(out, TransferSnapshot{
			JobID:        id,
			SourceID:     tr.sourceID,
			StartedAt:    tr.started,
			LastUpdate:   tr.lastUpdate,
			BytesDone:    tr.bytes,
			BytesTotal:   tr.expected,
			AverageSpeed: tr.average(),
			Warned:       tr.warned,
		})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// ============================================================================
// Slow transfers
// ============================================================================

// FindSlowTransfers returns transfers past the grace period whose rolling
// average is below the minimum speed. A transfer that has reported nothing
// by then averages 0. Each transfer is warned about once.
func (t *Tracker) FindSlowTransfers() []SlowTransfer {
	now := t.now()
	var slow, fresh []SlowTransfer

	t.mu.Lock()
	for id, tr := range t.transfers {
		elapsed := now.Sub(tr.started)
		if elapsed < t.cfg.SlowGracePeriod {
			continue
		}
		avg := tr.average()
		if avg >= float64(t.cfg.MinSpeedBytes) {
			continue
		}
		s := SlowTransfer{JobID: id, SourceID: tr.sourceID, AverageSpeed: avg, Elapsed: elapsed}
		slow = append(slow, s)
		if !tr.warned {
			tr.warned = true
			fresh = append(fresh, s)
		}
	}
	t.mu.Unlock()

	for _, s := range fresh {
		t.metrics.RecordSlowTransfer()
		t.log.Warn("slow transfer",
			zap.String("job_id", string(s.JobID)),
			zap.String("source", s.SourceID),
			zap.Float64("avg_kib_s", s.AverageSpeed/1024),
			zap.Duration("elapsed", s.Elapsed))
		t.bus.Publish(notify.Notification{
			Type:    notify.TypeSlowTransfer,
			JobID:   s.JobID,
			Message: fmt.Sprintf("%.1f KiB/s from %s", s.AverageSpeed/1024, s.SourceID),
			At:      now,
		})
	}
	sort.Slice(slow, func(i, j int) bool { return slow[i].JobID < slow[j].JobID })
	return slow
}

// AbortSlowTransfer closes the transfer as failed and records a
// slow_transfer failure against its source.
func (t *Tracker) AbortSlowTransfer(ctx context.Context, jobID types.JobID) error {
	t.mu.Lock()
	tr, ok := t.transfers[jobID]
	delete(t.transfers, jobID)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w for job %s", ErrNoTransfer, jobID)
	}
	if tr.sourceID == "" {
		return nil
	}
	reason := fmt.Sprintf("%s: average %.1f KiB/s below minimum %.1f KiB/s",
		types.ErrorSlowTransfer, tr.average()/1024, float64(t.cfg.MinSpeedBytes)/1024)
	_, err := t.RecordSourceFailure(ctx, tr.sourceID, reason)
	return err
}

// ============================================================================
// Blocked sources
// ============================================================================

// RecordSourceFailure increments the persisted failure counter of sourceID
// and blocks it: briefly below the threshold, longer at or above it.
// Permanent blocks stay permanent.
func (t *Tracker) RecordSourceFailure(ctx context.Context, sourceID, reason string) (*types.BlockedSource, error) {
	if sourceID == "" {
		return nil, ErrEmptySource
	}
	now := t.now()

	block, err := t.store.GetBlockedSource(ctx, sourceID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		block = &types.BlockedSource{SourceID: sourceID, BlockedAt: now}
	case err != nil:
		return nil, fmt.Errorf("load block for %s: %w", sourceID, err)
	}

	if !block.Active(now) {
		block.BlockedAt = now
	}
	block.FailureCount++
	block.Reason = reason
	block.LastFailureAt = &now

	escalated := false
	if !block.Permanent {
		d := t.cfg.TempBlockDuration
		if block.FailureCount >= t.cfg.BlockThreshold {
			d = t.cfg.EscalatedBlockDuration
			escalated = true
		}
		until := now.Add(d)
		block.UnblockAfter = &until
	}

	if err := t.store.SaveBlockedSource(ctx, block); err != nil {
		return nil, fmt.Errorf("save block for %s: %w", sourceID, err)
	}
	t.metrics.RecordSourceFailure()

	fields := []zap.Field{
		zap.String("source", sourceID),
		zap.Int("failure_count", block.FailureCount),
		zap.String("reason", reason),
	}
	switch {
	case block.Permanent:
		t.log.Info("failure recorded for permanently blocked source", fields...)
	case escalated:
		t.log.Warn("source block escalated", append(fields, zap.Duration("duration", t.cfg.EscalatedBlockDuration))...)
	default:
		t.log.Info("source temporarily blocked", append(fields, zap.Duration("duration", t.cfg.TempBlockDuration))...)
	}

	t.bus.Publish(notify.Notification{
		Type:    notify.TypeSourceBlocked,
		Message: reason,
		Data: map[string]any{
			"source":        sourceID,
			"failure_count": block.FailureCount,
			"permanent":     block.Permanent,
			"escalated":     escalated,
		},
		At: now,
	})
	return block, nil
}

// IsBlocked reports whether sourceID is currently excluded.
func (t *Tracker) IsBlocked(ctx context.Context, sourceID string) (bool, error) {
	block, err := t.store.GetBlockedSource(ctx, sourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return block.Active(t.now()), nil
}

// BlockSource blocks sourceID by operator decision. duration is ignored for
// permanent blocks.
func (t *Tracker) BlockSource(ctx context.Context, sourceID string, permanent bool, duration time.Duration, reason string) (*types.BlockedSource, error) {
	if sourceID == "" {
		return nil, ErrEmptySource
	}
	now := t.now()
	block, err := t.store.GetBlockedSource(ctx, sourceID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		block = &types.BlockedSource{SourceID: sourceID}
	case err != nil:
		return nil, err
	}

	block.BlockedAt = now
	block.Reason = reason
	block.Permanent = permanent
	if permanent {
		block.UnblockAfter = nil
	} else {
		if duration <= 0 {
			duration = t.cfg.TempBlockDuration
		}
		until := now.Add(duration)
		block.UnblockAfter = &until
	}
	if err := t.store.SaveBlockedSource(ctx, block); err != nil {
		return nil, err
	}
	t.log.Info("source blocked by operator",
		zap.String("source", sourceID),
		zap.Bool("permanent", permanent),
		zap.String("reason", reason))
	return block, nil
}

// UnblockSource removes any block on sourceID.
func (t *Tracker) UnblockSource(ctx context.Context, sourceID string) error {
	if err := t.store.DeleteBlockedSource(ctx, sourceID); err != nil {
		return err
	}
	t.log.Info("source unblocked", zap.String("source", sourceID))
	return nil
}

// ListBlocked returns the blocks active now.
func (t *Tracker) ListBlocked(ctx context.Context) ([]*types.BlockedSource, error) {
	all, err := t.store.ListBlockedSources(ctx)
	if err != nil {
		return nil, err
	}
	now := t.now()
	out := all[:0]
	for _, b := range all {
		if b.Active(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

// ExcludedSources returns the sources a new attempt of job must avoid: the
// sources of its failed attempts followed by every actively blocked source,
// deduplicated in first-seen order.
func (t *Tracker) ExcludedSources(ctx context.Context, job *types.Job) ([]string, error) {
	blocked, err := t.ListBlocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blocked sources: %w", err)
	}

	seen := make(map[string]struct{})
	out := []string{}
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if job != nil {
		for _, s := range job.FailedSources() {
			add(s)
		}
	}
	for _, b := range blocked {
		add(b.SourceID)
	}
	return out, nil
}

// FindAlternativeSource charges the failure to the source the job was using,
// when one is known, and returns the refreshed exclusion list for the retry.
func (t *Tracker) FindAlternativeSource(ctx context.Context, job *types.Job, kind types.ErrorKind, reason string) ([]string, error) {
	source := t.ActiveSource(job.ID)
	if source == "" {
		source = job.SourceID
	}
	if source == "" {
		if last := job.LastAttempt(); last != nil {
			source = last.SourceID
		}
	}
	if source != "" {
		if _, err := t.RecordSourceFailure(ctx, source, fmt.Sprintf("%s: %s", kind, reason)); err != nil {
			return nil, err
		}
	}
	return t.ExcludedSources(ctx, job)
}

// CleanupExpiredBlocks deletes non-permanent blocks whose time has passed.
func (t *Tracker) CleanupExpiredBlocks(ctx context.Context) (int, error) {
	all, err := t.store.ListBlockedSources(ctx)
	if err != nil {
		return 0, err
	}
	now := t.now()
	removed, active := 0, 0
	var errs []error
	for _, b := range all {
		if b.Active(now) {
			active++
			continue
		}
		if err := t.store.DeleteBlockedSource(ctx, b.SourceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	t.metrics.SetBlockedSources(active)
	if removed > 0 {
		t.log.Info("expired source blocks cleared", zap.Int("removed", removed), zap.Int("remaining", active))
	}
	return removed, errors.Join(errs...)
}
