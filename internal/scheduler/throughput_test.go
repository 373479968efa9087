package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/ChuLiYu/strategy-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Throughput
// ============================================================================
//
// 以自動派發跑完一批短任務，並記錄完成速率。
// StepInterval 設為 0，量測的是排程與持久化本身的開銷。

func TestAutoDispatchThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	f := newFixture(t)
	cfg := persistentConfig(f, t.TempDir())
	cfg.StepInterval = 0
	cfg.MaxConcurrent = 8
	cfg.DispatchInterval = 2 * time.Millisecond
	s := New(cfg)
	t.Cleanup(s.Stop)
	require.NoError(t, s.Start())

	const totalJobs = 200
	priorities := []types.Priority{types.PriorityLow, types.PriorityNormal, types.PriorityHigh, types.PriorityCritical}

	startTime := time.Now()
	for i := 0; i < totalJobs; i++ {
		_, err := s.CreateJob(fmt.Sprintf("perf-%d", i), "f1", presets("quick", 1),
			CreateOptions{Priority: priorities[i%len(priorities)]})
		require.NoError(t, err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if s.Counts()[types.StatusCompleted] >= totalJobs {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	elapsed := time.Since(startTime)

	counts := s.Counts()
	t.Logf("=== Throughput ===")
	t.Logf("Completed: %d/%d in %v (%.1f jobs/s)",
		counts[types.StatusCompleted], totalJobs, elapsed, float64(counts[types.StatusCompleted])/elapsed.Seconds())

	assert.Equal(t, totalJobs, counts[types.StatusCompleted])
	assert.Zero(t, counts[types.StatusFailed])
	assert.Equal(t, 3*totalJobs, int(f.applied.Load()), "three steps per job")
}

func BenchmarkCreateJob(b *testing.B) {
	s := newFixture(b).scheduler(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.CreateJob("bench", "f1", presets("quick", 1), CreateOptions{}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRunJob(b *testing.B) {
	f := newFixture(b)
	f.cfg.StepInterval = 0
	s := f.scheduler(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		job, err := s.CreateJob("bench", "f1", presets("quick", 1), CreateOptions{})
		if err != nil {
			b.Fatal(err)
		}
		if err := s.StartJob(job.ID); err != nil {
			b.Fatal(err)
		}
		for {
			got, _ := s.GetJob(job.ID)
			if got.Status.IsTerminal() {
				break
			}
			time.Sleep(50 * time.Microsecond)
		}
	}
}
