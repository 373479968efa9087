package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與備份輪替
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/strategy-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(id string, status types.JobStatus) *types.Job {
	return &types.Job{
		ID:         types.JobID(id),
		Name:       "job " + id,
		DataFileID: "sample.bin",
		Presets:    []types.Preset{{StrategyID: "s1", Iterations: 2}},
		Priority:   types.PriorityNormal,
		Status:     status,
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(snapshotPath)

	completed := testJob("job-003", types.StatusCompleted)
	completed.Results = []types.ExecutionResult{{ID: "r1", StrategyID: "s1", Success: true, FinalBudget: 2}}
	original := types.SnapshotData{
		Jobs: map[types.JobID]*types.Job{
			"job-001": testJob("job-001", types.StatusPending),
			"job-002": testJob("job-002", types.StatusRunning),
			"job-003": completed,
		},
		NextSeq: 4,
		LastSeq: 42,
	}
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(42), loaded.LastSeq)
	assert.Equal(t, uint64(4), loaded.NextSeq)
	require.Len(t, loaded.Jobs, 3)
	assert.Equal(t, types.StatusRunning, loaded.Jobs["job-002"].Status)
	assert.Equal(t, 2, loaded.Jobs["job-001"].Presets[0].Iterations)
	require.Len(t, loaded.Jobs["job-003"].Results, 1)
	assert.Equal(t, 2.0, loaded.Jobs["job-003"].Results[0].FinalBudget)
}

// TestAtomicWrite 測試原子性寫入（關鍵測試）
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(types.SnapshotData{
		Jobs:    map[types.JobID]*types.Job{"job-old": testJob("job-old", types.StatusPending)},
		LastSeq: 50,
	}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(types.SnapshotData{
			Jobs:    map[types.JobID]*types.Job{"job-new": testJob("job-new", types.StatusPending)},
			LastSeq: 100,
		}))
	}()

	var loaded types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()
	wg.Wait()

	// 應該讀到完整的快照（舊的或新的），不會是半成品
	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100,
		"Should load either old (50) or new (100) snapshot, got %d", loaded.LastSeq)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

func TestWriteFileAtomicCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "history.json")
	require.NoError(t, WriteFileAtomic(path, []byte(`[]`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(data))
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(types.SnapshotData{Jobs: map[types.JobID]*types.Job{}}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 首次啟動（無快照）應回傳空狀態
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(0), loaded.LastSeq)
	assert.NotNil(t, loaded.Jobs)
	assert.Empty(t, loaded.Jobs)
}

func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(snapshotPath)

	jsonBytes, err := json.Marshal(types.SnapshotData{Jobs: map[types.JobID]*types.Job{}, SchemaVer: 2})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0o644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(snapshotPath)

	corrupted := `{"jobs": {"job-001": {"id": "job-001", "status": "pending"`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(corrupted), 0o644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 父路徑是檔案時寫入必須失敗
func TestWriteFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	manager := NewManager(filepath.Join(blocker, "snapshot.json"))
	assert.Error(t, manager.Write(types.SnapshotData{Jobs: map[types.JobID]*types.Job{}}))
}

// ============================================================================
// 備份輪替
// ============================================================================

func TestWriteWithBackupPrunesOldBackups(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(snapshotPath)

	for i := 1; i <= 5; i++ {
		require.NoError(t, manager.WriteWithBackup(types.SnapshotData{
			Jobs:    map[types.JobID]*types.Job{},
			LastSeq: uint64(i),
		}, 2))
		time.Sleep(2 * time.Millisecond)
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), loaded.LastSeq)
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			assert.NoError(t, manager.Write(types.SnapshotData{
				Jobs:    map[types.JobID]*types.Job{types.JobID(id): testJob(id, types.StatusPending)},
				LastSeq: uint64(i),
			}))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Jobs, 1)
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "snapshot.json"))
	data := types.SnapshotData{Jobs: make(map[types.JobID]*types.Job, 1000)}
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("job-%d", i)
		data.Jobs[types.JobID(id)] = testJob(id, types.StatusCompleted)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(data)
	}
}
