package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/download-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Basic behaviour
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	until := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)

	original := Empty()
	original.LastSeq = 42
	original.Jobs["job-001"] = &types.Job{ID: "job-001", Kind: types.KindAlbum, Status: types.StatusQueued, RetryCount: 1}
	original.Jobs["job-002"] = &types.Job{ID: "job-002", Kind: types.KindTrack, Status: types.StatusDownloading}
	original.DeadLetters["dl-1"] = &types.DeadLetterItem{ID: "dl-1", JobID: "job-003", ErrorType: types.ErrorNetwork, CanRetry: true}
	original.BlockedSources["peer"] = &types.BlockedSource{SourceID: "peer", FailureCount: 2, UnblockAfter: &until}

	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(42), loaded.LastSeq)
	assert.False(t, loaded.TakenAt.IsZero())
	require.Len(t, loaded.Jobs, 2)
	assert.Equal(t, types.StatusQueued, loaded.Jobs["job-001"].Status)
	assert.Equal(t, 1, loaded.Jobs["job-001"].RetryCount)
	assert.Equal(t, types.ErrorNetwork, loaded.DeadLetters["dl-1"].ErrorType)
	assert.True(t, until.Equal(*loaded.BlockedSources["peer"].UnblockAfter))
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(path)

	initial := Empty()
	initial.LastSeq = 50
	require.NoError(t, manager.Write(initial))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		next := Empty()
		next.LastSeq = 100
		assert.NoError(t, manager.Write(next))
	}()

	var loaded Data
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()
	wg.Wait()

	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100,
		"should load either old (50) or new (100) snapshot, got %d", loaded.LastSeq)
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not survive a write")
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(Empty()))
	assert.True(t, manager.Exists())
}

// ============================================================================
// Error handling
// ============================================================================

func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Zero(t, loaded.LastSeq)
	assert.NotNil(t, loaded.Jobs)
	assert.NotNil(t, loaded.DeadLetters)
	assert.NotNil(t, loaded.BlockedSources)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(path)

	bad := Empty()
	bad.SchemaVer = 2
	raw, err := json.Marshal(bad)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(path)
	require.NoError(t, os.WriteFile(path, []byte(`{"jobs": {"job-001": {"id": "job-001"`), 0644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(dir, 0555))
	defer os.Chmod(dir, 0755)

	manager := NewManager(filepath.Join(dir, "snapshot.json"))
	assert.Error(t, manager.Write(Empty()))
}

// ============================================================================
// Load
// ============================================================================

func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	data := Empty()
	for i := 0; i < 5000; i++ {
		id := types.JobID(fmt.Sprintf("job-%05d", i))
		data.Jobs[id] = &types.Job{ID: id, Kind: types.KindTrack, Status: types.StatusQueued}
	}

	start := time.Now()
	require.NoError(t, manager.Write(data))
	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Jobs, 5000)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			data := Empty()
			data.LastSeq = uint64(seq)
			assert.NoError(t, manager.Write(data))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Less(t, loaded.LastSeq, uint64(10))
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "snapshot.json"))
	data := Empty()
	for i := 0; i < 1000; i++ {
		id := types.JobID(fmt.Sprintf("job-%d", i))
		data.Jobs[id] = &types.Job{ID: id}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := manager.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}
