// Package notify fans job notifications out to observers. Publishing never
// blocks the caller: when the bus buffer is full the notification is dropped
// and counted.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/download-queue/internal/metrics"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

// Type names a notification category.
type Type string

const (
	TypeStateChange   Type = "state_change"
	TypeProgress      Type = "progress"
	TypeCompleted     Type = "completed"
	TypeFailed        Type = "failed"
	TypeQueue         Type = "queue"
	TypeSourceBlocked Type = "source_blocked"
	TypeSlowTransfer  Type = "slow_transfer"
)

// Notification is the payload delivered to every sink.
type Notification struct {
	Type       Type            `json:"type"`
	JobID      types.JobID     `json:"job_id,omitempty"`
	Kind       types.Kind      `json:"kind,omitempty"`
	From       types.JobStatus `json:"from,omitempty"`
	To         types.JobStatus `json:"to,omitempty"`
	Message    string          `json:"message,omitempty"`
	BytesDone  int64           `json:"bytes_done,omitempty"`
	BytesTotal int64           `json:"bytes_total,omitempty"`
	Data       map[string]any  `json:"data,omitempty"`
	At         time.Time       `json:"timestamp"`
}

// Publisher accepts notifications without blocking.
type Publisher interface {
	Publish(n Notification)
}

// Sink delivers notifications somewhere. Errors are logged by the bus.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

type discard struct{}

func (discard) Publish(Notification) {}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

// Bus is a bounded Publisher draining into sinks on a single goroutine.
type Bus struct {
	ch      chan Notification
	mu      sync.RWMutex
	sinks   []Sink
	dropped atomic.Uint64
	log     *zap.Logger
	metrics *metrics.Collector
}

// Option configures a Bus.
type Option func(*Bus)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.log = l.Named("notify") }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates a bus buffering up to size notifications.
func NewBus(size int, opts ...Option) *Bus {
	if size <= 0 {
		size = 256
	}
	b := &Bus{ch: make(chan Notification, size), log: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddSink registers a sink. Safe to call while Run is active.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish enqueues n or drops it when the buffer is full.
func (b *Bus) Publish(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	select {
	case b.ch <- n:
	default:
		b.dropped.Add(1)
		b.metrics.RecordNotificationDropped()
		b.log.Debug("notification dropped", zap.String("type", string(n.Type)), zap.String("job_id", string(n.JobID)))
	}
}

// Dropped returns how many notifications were discarded.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Pending returns the number of buffered notifications.
func (b *Bus) Pending() int { return len(b.ch) }

// Run delivers notifications until ctx is done, then flushes what is left.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case n := <-b.ch:
			b.deliver(ctx, n)
		case <-ctx.Done():
			b.flush()
			return
		}
	}
}

func (b *Bus) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case n := <-b.ch:
			b.deliver(ctx, n)
		default:
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, n Notification) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		if err := b.send(ctx, s, n); err != nil {
			b.log.Warn("notification sink failed",
				zap.String("sink", s.Name()),
				zap.String("type", string(n.Type)),
				zap.Error(err))
		}
	}
}

func (b *Bus) send(ctx context.Context, s Sink, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("notification sink panicked", zap.String("sink", s.Name()), zap.Any("panic", r))
		}
	}()
	return s.Send(ctx, n)
}

// LogSink writes every notification to a logger at debug level.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(l *zap.Logger) *LogSink {
	return &LogSink{log: l.Named("events")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, n Notification) error {
	s.log.Debug(string(n.Type),
		zap.String("job_id", string(n.JobID)),
		zap.String("kind", string(n.Kind)),
		zap.String("from", string(n.From)),
		zap.String("to", string(n.To)),
		zap.String("message", n.Message))
	return nil
}
