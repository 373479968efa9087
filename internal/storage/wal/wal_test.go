package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/strategy-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestWAL(t *testing.T, opts Options) *WAL {
	t.Helper()
	w, err := NewWAL(filepath.Join(t.TempDir(), "jobs.wal"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func newTestJob(id string, status types.JobStatus) types.Job {
	return types.Job{
		ID:         types.JobID(id),
		Name:       "job " + id,
		DataFileID: "df-1",
		Presets:    []types.Preset{{StrategyID: "s1", Iterations: 2}},
		Priority:   types.PriorityNormal,
		Status:     status,
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func collect(t *testing.T, w *WAL, after uint64) []Event {
	t.Helper()
	var events []Event
	_, err := w.Replay(after, func(e Event) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)
	return events
}

// ============================================================================
// Append / Replay
// ============================================================================

func TestAppendAndReplay(t *testing.T) {
	w := newTestWAL(t, DefaultOptions())

	seq1, err := w.Append(EventCreate, newTestJob("a", types.StatusPending), true)
	require.NoError(t, err)
	seq2, err := w.Append(EventStart, newTestJob("a", types.StatusRunning), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)

	events := collect(t, w, 0)
	require.Len(t, events, 2)
	assert.Equal(t, EventCreate, events[0].Type)
	assert.Equal(t, EventStart, events[1].Type)

	job, err := events[1].Job()
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, job.Status)
	assert.Equal(t, "df-1", job.DataFileID)
}

func TestReplaySkipsEventsCoveredBySnapshot(t *testing.T) {
	w := newTestWAL(t, DefaultOptions())
	for _, id := range []string{"a", "b", "c"} {
		_, err := w.Append(EventCreate, newTestJob(id, types.StatusPending), true)
		require.NoError(t, err)
	}

	events := collect(t, w, 2)
	require.Len(t, events, 1)
	assert.Equal(t, types.JobID("c"), events[0].JobID)
}

func TestBufferedEventsAreFlushedBeforeReplay(t *testing.T) {
	w := newTestWAL(t, Options{BufferSize: 100, FlushInterval: time.Hour})
	_, err := w.Append(EventCreate, newTestJob("a", types.StatusPending), false)
	require.NoError(t, err)

	raw, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	assert.Empty(t, raw, "event stays buffered until flush")

	assert.Len(t, collect(t, w, 0), 1)
}

func TestReopenContinuesSeq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.wal")
	w, err := NewWAL(path, DefaultOptions())
	require.NoError(t, err)
	_, err = w.Append(EventCreate, newTestJob("a", types.StatusPending), true)
	require.NoError(t, err)
	_, err = w.Append(EventCancel, newTestJob("a", types.StatusCancelled), true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	reopened, err := NewWAL(path, DefaultOptions())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(2), reopened.GetLastSeq())

	seq, err := reopened.Append(EventDelete, newTestJob("a", types.StatusCancelled), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestClosedWALRejectsAppend(t *testing.T) {
	w, err := NewWAL(filepath.Join(t.TempDir(), "jobs.wal"), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close is a no-op")

	_, err = w.Append(EventCreate, newTestJob("a", types.StatusPending), true)
	assert.ErrorIs(t, err, ErrWALClosed)
}

// ============================================================================
// Corruption
// ============================================================================

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	w := newTestWAL(t, DefaultOptions())
	_, err := w.Append(EventCreate, newTestJob("a", types.StatusPending), true)
	require.NoError(t, err)

	raw, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"job a"`, `"job z"`, 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(w.Path(), []byte(tampered), 0o644))

	_, err = w.Replay(0, func(Event) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var ce *ChecksumError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(1), ce.Seq)
}

func TestReplayToleratesTornTail(t *testing.T) {
	w := newTestWAL(t, DefaultOptions())
	_, err := w.Append(EventCreate, newTestJob("a", types.StatusPending), true)
	require.NoError(t, err)

	f, err := os.OpenFile(w.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"STA`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Len(t, collect(t, w, 0), 1)
}

func TestReplayReportsMidFileCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.wal")
	require.NoError(t, os.WriteFile(path, []byte("garbage\n{}\n"), 0o644))
	w, err := NewWAL(path, DefaultOptions())
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Replay(0, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrCorruptedWAL)
}

// ============================================================================
// Rotate
// ============================================================================

func TestRotateKeepsSeqMonotonic(t *testing.T) {
	w := newTestWAL(t, DefaultOptions())
	_, err := w.Append(EventCreate, newTestJob("a", types.StatusPending), true)
	require.NoError(t, err)

	old, err := w.Rotate()
	require.NoError(t, err)
	assert.FileExists(t, old)
	assert.Empty(t, collect(t, w, 0))

	seq, err := w.Append(EventCreate, newTestJob("b", types.StatusPending), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestRotateCompressesSegment(t *testing.T) {
	w := newTestWAL(t, Options{SyncOnAppend: true, CompressRotated: true})
	_, err := w.Append(EventCreate, newTestJob("a", types.StatusPending), true)
	require.NoError(t, err)

	old, err := w.Rotate()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(old, ".gz"))

	last, err := GetLastEvent(old)
	require.NoError(t, err)
	assert.Equal(t, types.JobID("a"), last.JobID)
}

func TestEnsureSeq(t *testing.T) {
	w := newTestWAL(t, DefaultOptions())
	w.EnsureSeq(41)
	seq, err := w.Append(EventCreate, newTestJob("a", types.StatusPending), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)

	w.EnsureSeq(10)
	assert.Equal(t, uint64(42), w.GetLastSeq(), "never moves backwards")
}

// ============================================================================
// Utilities
// ============================================================================

func TestGetLastEventEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wal")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

func TestDumpAndStats(t *testing.T) {
	w := newTestWAL(t, DefaultOptions())
	_, err := w.Append(EventCreate, newTestJob("a", types.StatusPending), true)
	require.NoError(t, err)
	_, err = w.Append(EventCreate, newTestJob("b", types.StatusPending), true)
	require.NoError(t, err)
	_, err = w.Append(EventStart, newTestJob("a", types.StatusRunning), true)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, DumpWAL(w.Path(), &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "[Seq:1] CREATE a at "))
	assert.NotContains(t, buf.String(), "CORRUPTED")

	stats, err := GetWALStats(w.Path())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEvents)
	assert.Equal(t, 2, stats.EventTypes[EventCreate])
	assert.Equal(t, uint64(1), stats.FirstSeq)
	assert.Equal(t, uint64(3), stats.LastSeq)
	assert.Equal(t, 2, stats.Jobs)
	assert.Zero(t, stats.CorruptedCount)
}

func TestEventTypeTerminal(t *testing.T) {
	tests := []struct {
		typ  EventType
		want bool
	}{
		{EventCreate, false},
		{EventStart, false},
		{EventPause, false},
		{EventRequeue, false},
		{EventComplete, true},
		{EventFail, true},
		{EventCancel, true},
		{EventDelete, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.Terminal())
		})
	}
}
