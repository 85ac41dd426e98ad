package jobmanager

import (
	"sort"

	"github.com/ChuLiYu/download-queue/pkg/types"
)

// TransitionTable maps a source state to the states it may move to.
type TransitionTable map[types.JobStatus][]types.JobStatus

// DefaultTransitions returns the standard lifecycle:
//
//	requested -> queued -> searching -> downloading -> processing -> moving -> completed
//	downloading -> stalled
//	failed, stalled -> queued | dead_letter
//
// Every active state may also fail or be dead-lettered directly, and every
// non-terminal state may be short-circuited to added or cancelled.
func DefaultTransitions() TransitionTable {
	t := TransitionTable{
		types.StatusRequested:   {types.StatusQueued},
		types.StatusQueued:      {types.StatusSearching},
		types.StatusSearching:   {types.StatusDownloading},
		types.StatusDownloading: {types.StatusProcessing, types.StatusStalled},
		types.StatusProcessing:  {types.StatusMoving},
		types.StatusMoving:      {types.StatusCompleted},
		types.StatusFailed:      {types.StatusQueued, types.StatusDeadLetter},
		types.StatusStalled:     {types.StatusQueued, types.StatusDeadLetter},
	}
	for _, s := range types.AllStatuses {
		if s.IsActive() {
			t.add(s, types.StatusFailed, types.StatusDeadLetter)
		}
		if !s.IsTerminal() {
			t.add(s, types.StatusAdded, types.StatusCancelled)
		}
	}
	return t
}

func (t TransitionTable) add(from types.JobStatus, to ...types.JobStatus) {
	for _, s := range to {
		if s == from || t.Allows(from, s) {
			continue
		}
		t[from] = append(t[from], s)
	}
}

// Allows reports whether from -> to is an edge of the table.
func (t TransitionTable) Allows(from, to types.JobStatus) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Clone returns an independent copy.
func (t TransitionTable) Clone() TransitionTable {
	out := make(TransitionTable, len(t))
	for from, to := range t {
		out[from] = append([]types.JobStatus(nil), to...)
	}
	return out
}

// Merge returns a copy of t extended with extra edges.
func (t TransitionTable) Merge(extra map[types.JobStatus][]types.JobStatus) TransitionTable {
	out := t.Clone()
	for from, to := range extra {
		out.add(from, to...)
	}
	return out
}

// Edges lists every (from, to) pair in a stable order.
func (t TransitionTable) Edges() [][2]types.JobStatus {
	var edges [][2]types.JobStatus
	for from, targets := range t {
		for _, to := range targets {
			edges = append(edges, [2]types.JobStatus{from, to})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i][0] != edges[j][0] {
			return edges[i][0] < edges[j][0]
		}
		return edges[i][1] < edges[j][1]
	})
	return edges
}
