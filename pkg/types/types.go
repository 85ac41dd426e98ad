// Package types defines the domain model shared by the download queue core:
// jobs, their lifecycle states, attempts, dead-letter items and blocked sources.
package types

import (
	"time"
)

// JobID uniquely identifies a download job.
type JobID string

// Kind is an open tag selecting which transfer executor handles a job.
type Kind string

const (
	KindAlbum      Kind = "album"       // user-initiated full album
	KindTrack      Kind = "track"       // user-initiated single track
	KindWeeklyFlow Kind = "weekly-flow" // background playlist refresh
)

// JobStatus is a lifecycle state of a job.
type JobStatus string

const (
	StatusRequested   JobStatus = "requested"
	StatusQueued      JobStatus = "queued"
	StatusSearching   JobStatus = "searching"
	StatusDownloading JobStatus = "downloading"
	StatusProcessing  JobStatus = "processing"
	StatusMoving      JobStatus = "moving"
	StatusCompleted   JobStatus = "completed"
	StatusAdded       JobStatus = "added"
	StatusFailed      JobStatus = "failed"
	StatusStalled     JobStatus = "stalled"
	StatusDeadLetter  JobStatus = "dead_letter"
	StatusCancelled   JobStatus = "cancelled"
)

// AllStatuses lists every lifecycle state in declaration order.
var AllStatuses = []JobStatus{
	StatusRequested, StatusQueued, StatusSearching, StatusDownloading,
	StatusProcessing, StatusMoving, StatusCompleted, StatusAdded,
	StatusFailed, StatusStalled, StatusDeadLetter, StatusCancelled,
}

// IsTerminal reports whether no automatic transition leaves the state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusAdded, StatusDeadLetter, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the job is still working towards a result.
func (s JobStatus) IsActive() bool {
	switch s {
	case StatusRequested, StatusQueued, StatusSearching, StatusDownloading,
		StatusProcessing, StatusMoving:
		return true
	}
	return false
}

// ErrorKind is the closed set of failure categories produced by the classifier.
type ErrorKind string

const (
	ErrorRateLimit    ErrorKind = "rate_limit"
	ErrorNetwork      ErrorKind = "network"
	ErrorNotFound     ErrorKind = "not_found"
	ErrorServer       ErrorKind = "server_error"
	ErrorPermanent    ErrorKind = "permanent"
	ErrorNoSources    ErrorKind = "no_sources"
	ErrorSlowTransfer ErrorKind = "slow_transfer"
	ErrorUnknown      ErrorKind = "unknown"
)

// Event is one append-only entry of a job's event log.
type Event struct {
	At       time.Time      `json:"timestamp"`
	Event    string         `json:"event"`
	From     JobStatus      `json:"from,omitempty"`
	To       JobStatus      `json:"to,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Attempt records a single dispatch of a job.
type Attempt struct {
	Number    int           `json:"number"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration"`
	SourceID  string        `json:"source_id,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	ErrorType ErrorKind     `json:"error_type,omitempty"`
}

// Job is the durable unit of work.
type Job struct {
	ID   JobID `json:"id"`
	Kind Kind  `json:"kind"`

	// Target references. Which ones are set depends on Kind.
	ArtistID       string `json:"artist_id,omitempty"`
	AlbumID        string `json:"album_id,omitempty"`
	TrackID        string `json:"track_id,omitempty"`
	ArtistName     string `json:"artist_name,omitempty"`
	AlbumName      string `json:"album_name,omitempty"`
	TrackName      string `json:"track_name,omitempty"`
	ExpectedTracks int    `json:"expected_tracks,omitempty"`

	Status       JobStatus `json:"status"`
	RetryCount   int       `json:"retry_count"`
	RequeueCount int       `json:"requeue_count"`

	RequestedAt    time.Time  `json:"requested_at"`
	QueuedAt       *time.Time `json:"queued_at,omitempty"`
	SearchingAt    *time.Time `json:"searching_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
	StalledAt      *time.Time `json:"stalled_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	DeadLetteredAt *time.Time `json:"dead_lettered_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`

	BytesDone      int64      `json:"bytes_done,omitempty"`
	BytesTotal     int64      `json:"bytes_total,omitempty"`
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`

	Events   []Event   `json:"events,omitempty"`
	Attempts []Attempt `json:"attempts,omitempty"`

	LastError string    `json:"last_error,omitempty"`
	ErrorType ErrorKind `json:"error_type,omitempty"`
	SourceID  string    `json:"source_id,omitempty"`
}

// Clone returns a deep copy so callers never share slices or maps with the store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.QueuedAt = cloneTime(j.QueuedAt)
	c.SearchingAt = cloneTime(j.SearchingAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.FailedAt = cloneTime(j.FailedAt)
	c.StalledAt = cloneTime(j.StalledAt)
	c.CancelledAt = cloneTime(j.CancelledAt)
	c.DeadLetteredAt = cloneTime(j.DeadLetteredAt)
	c.LastProgressAt = cloneTime(j.LastProgressAt)
	c.Events = CloneEvents(j.Events)
	if j.Attempts != nil {
		c.Attempts = make([]Attempt, len(j.Attempts))
		for i, a := range j.Attempts {
			a.EndedAt = cloneTime(a.EndedAt)
			c.Attempts[i] = a
		}
	}
	return &c
}

// FailedSources returns the sources of failed attempts, deduplicated, in first-seen order.
func (j *Job) FailedSources() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range j.Attempts {
		if a.Success || a.SourceID == "" {
			continue
		}
		if _, ok := seen[a.SourceID]; ok {
			continue
		}
		seen[a.SourceID] = struct{}{}
		out = append(out, a.SourceID)
	}
	return out
}

// LastAttempt returns a pointer into Attempts, or nil when there is none.
func (j *Job) LastAttempt() *Attempt {
	if len(j.Attempts) == 0 {
		return nil
	}
	return &j.Attempts[len(j.Attempts)-1]
}

// Target renders a human readable label for logs and notifications.
func (j *Job) Target() string {
	switch {
	case j.TrackName != "" && j.ArtistName != "":
		return j.ArtistName + " - " + j.TrackName
	case j.AlbumName != "" && j.ArtistName != "":
		return j.ArtistName + " - " + j.AlbumName
	case j.AlbumName != "":
		return j.AlbumName
	case j.ArtistName != "":
		return j.ArtistName
	}
	return string(j.ID)
}

// DeadLetterItem is a durable snapshot of a job that exhausted its retries.
type DeadLetterItem struct {
	ID           string    `json:"id"`
	JobID        JobID     `json:"job_id"`
	Kind         Kind      `json:"kind"`
	ArtistID     string    `json:"artist_id,omitempty"`
	AlbumID      string    `json:"album_id,omitempty"`
	TrackID      string    `json:"track_id,omitempty"`
	ArtistName   string    `json:"artist_name,omitempty"`
	AlbumName    string    `json:"album_name,omitempty"`
	TrackName    string    `json:"track_name,omitempty"`
	ErrorType    ErrorKind `json:"error_type,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	RetryCount   int       `json:"retry_count"`
	RequeueCount int       `json:"requeue_count"`
	Events       []Event   `json:"events,omitempty"`
	CanRetry     bool      `json:"can_retry"`
	CreatedAt    time.Time `json:"created_at"`
}

// Clone returns a deep copy of the item.
func (d *DeadLetterItem) Clone() *DeadLetterItem {
	if d == nil {
		return nil
	}
	c := *d
	c.Events = CloneEvents(d.Events)
	return &c
}

// BlockedSource is a network-wide exclusion of a peer.
type BlockedSource struct {
	SourceID      string     `json:"source_id"`
	FailureCount  int        `json:"failure_count"`
	Permanent     bool       `json:"permanent"`
	UnblockAfter  *time.Time `json:"unblock_after,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	BlockedAt     time.Time  `json:"blocked_at"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
}

// Active reports whether the block still excludes the source at now.
func (b *BlockedSource) Active(now time.Time) bool {
	if b == nil {
		return false
	}
	if b.Permanent {
		return true
	}
	return b.UnblockAfter != nil && now.Before(*b.UnblockAfter)
}

// Clone returns a deep copy of the record.
func (b *BlockedSource) Clone() *BlockedSource {
	if b == nil {
		return nil
	}
	c := *b
	c.UnblockAfter = cloneTime(b.UnblockAfter)
	c.LastFailureAt = cloneTime(b.LastFailureAt)
	return &c
}

// JobFilter narrows job listings. Zero values match everything.
type JobFilter struct {
	Kinds    []Kind      `json:"kinds,omitempty"`
	Statuses []JobStatus `json:"statuses,omitempty"`
	Limit    int         `json:"limit,omitempty"`
	Offset   int         `json:"offset,omitempty"`
}

// Match reports whether job satisfies the kind and status constraints.
func (f JobFilter) Match(job *Job) bool {
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, job.Kind) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, job.Status) {
		return false
	}
	return true
}

// DeadLetterFilter narrows dead-letter listings and bulk retries.
type DeadLetterFilter struct {
	Kinds         []Kind      `json:"kinds,omitempty"`
	ErrorTypes    []ErrorKind `json:"error_types,omitempty"`
	RetryableOnly bool        `json:"retryable_only,omitempty"`
}

// Match reports whether item satisfies the filter.
func (f DeadLetterFilter) Match(item *DeadLetterItem) bool {
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, item.Kind) {
		return false
	}
	if len(f.ErrorTypes) > 0 {
		found := false
		for _, k := range f.ErrorTypes {
			if k == item.ErrorType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RetryableOnly && !item.CanRetry {
		return false
	}
	return true
}

// Metric is a point-in-time measurement written to the durable metric sink.
type Metric struct {
	At     time.Time          `json:"at"`
	Name   string             `json:"name"`
	Values map[string]float64 `json:"values"`
}

// CloneEvents copies an event log including metadata maps.
func CloneEvents(events []Event) []Event {
	if events == nil {
		return nil
	}
	out := make([]Event, len(events))
	for i, e := range events {
		if e.Metadata != nil {
			m := make(map[string]any, len(e.Metadata))
			for k, v := range e.Metadata {
				m[k] = v
			}
			e.Metadata = m
		}
		out[i] = e
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

func containsStatus(statuses []JobStatus, s JobStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}
