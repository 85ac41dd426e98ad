// Package executor defines the boundary between the queue and the clients
// that actually locate and transfer files. Executors are registered per job
// kind and resolved at startup.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/download-queue/pkg/types"
)

var (
	// ErrAlreadySatisfied is returned by Execute when the job's output
	// already exists and no transfer is needed.
	ErrAlreadySatisfied = errors.New("already satisfied")
	// ErrNoExecutor is returned by Lookup for a kind nobody registered.
	ErrNoExecutor = errors.New("no executor registered")
)

// Reporter is how an executor talks back to the queue once a transfer has
// been handed off. It is implemented by the queue.
type Reporter interface {
	// ReportSource attributes the job to a remote source and opens its
	// active transfer.
	ReportSource(jobID types.JobID, sourceID string, expectedBytes int64)
	// ReportProgress records cumulative bytes transferred.
	ReportProgress(ctx context.Context, jobID types.JobID, bytesDone, bytesTotal int64) error
	// Advance moves the job through processing, moving and completed.
	Advance(ctx context.Context, jobID types.JobID, to types.JobStatus, meta map[string]any) error
	// Fail reports an asynchronous transfer failure.
	Fail(ctx context.Context, jobID types.JobID, err error) error
}

// Options are passed to every Execute call.
type Options struct {
	ExcludeSources []string
	Reporter       Reporter
}

// Excluded reports whether source is in the exclusion list.
func (o Options) Excluded(source string) bool {
	for _, s := range o.ExcludeSources {
		if s == source {
			return true
		}
	}
	return false
}

// Result describes a successful hand-off.
type Result struct {
	SourceID string `json:"source_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Executor starts the transfer for one job. A nil error means the transfer
// has been handed off; completion is reported later through the Reporter.
type Executor interface {
	Execute(ctx context.Context, job *types.Job, opts Options) (Result, error)
}

// Aborter is implemented by executors that can stop an in-flight transfer.
type Aborter interface {
	Abort(ctx context.Context, jobID types.JobID) error
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, job *types.Job, opts Options) (Result, error)

func (f Func) Execute(ctx context.Context, job *types.Job, opts Options) (Result, error) {
	return f(ctx, job, opts)
}

// Registry maps job kinds to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[types.Kind]Executor
	fallback  Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[types.Kind]Executor)}
}

// Register binds kind to e, replacing any previous binding.
func (r *Registry) Register(kind types.Kind, e Executor) {
	r.mu.Lock()
	r.executors[kind] = e
	r.mu.Unlock()
}

// SetDefault sets the executor used for kinds without a binding.
func (r *Registry) SetDefault(e Executor) {
	r.mu.Lock()
	r.fallback = e
	r.mu.Unlock()
}

// Lookup returns the executor for kind.
func (r *Registry) Lookup(kind types.Kind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.executors[kind]; ok {
		return e, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w for kind %q", ErrNoExecutor, kind)
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []types.Kind {
	r.mu.RLock()
	out := make([]types.Kind, 0, len(r.executors))
	for k := range r.executors {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Abort forwards to the executor for kind when it supports aborting.
func (r *Registry) Abort(ctx context.Context, kind types.Kind, jobID types.JobID) error {
	e, err := r.Lookup(kind)
	if err != nil {
		return err
	}
	if a, ok := e.(Aborter); ok {
		return a.Abort(ctx, jobID)
	}
	return nil
}
