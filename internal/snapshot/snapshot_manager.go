package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize the complete store state into one JSON snapshot file
// 2. Write atomically (temp file + rename) so a crash never leaves half a file
// 3. Reject snapshots written with another schema version
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/download-queue/pkg/types"
)

// SchemaVersion is the only snapshot layout this build understands.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Data is the persisted form of every durable record.
type Data struct {
	SchemaVer      int                              `json:"schema_ver"`
	LastSeq        uint64                           `json:"last_seq"`
	TakenAt        time.Time                        `json:"taken_at"`
	Jobs           map[types.JobID]*types.Job       `json:"jobs"`
	DeadLetters    map[string]*types.DeadLetterItem `json:"dead_letters"`
	BlockedSources map[string]*types.BlockedSource  `json:"blocked_sources"`
	Metrics        []types.Metric                   `json:"metrics,omitempty"`
}

// Empty returns a first-boot snapshot.
func Empty() Data {
	return Data{
		SchemaVer:      SchemaVersion,
		Jobs:           make(map[types.JobID]*types.Job),
		DeadLetters:    make(map[string]*types.DeadLetterItem),
		BlockedSources: make(map[string]*types.BlockedSource),
	}
}

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a manager for the snapshot at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically replaces the snapshot with data.
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.TakenAt.IsZero() {
		data.TakenAt = time.Now()
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields Empty().
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return Data{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data Data
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return Data{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	if data.DeadLetters == nil {
		data.DeadLetters = make(map[string]*types.DeadLetterItem)
	}
	if data.BlockedSources == nil {
		data.BlockedSources = make(map[string]*types.BlockedSource)
	}
	return data, nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot file path.
func (m *Manager) GetPath() string {
	return m.path
}
