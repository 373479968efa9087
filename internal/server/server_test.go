package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/batch"
	"github.com/ChuLiYu/strategy-queue/internal/catalog"
	"github.com/ChuLiYu/strategy-queue/internal/datafile"
	"github.com/ChuLiYu/strategy-queue/internal/dispatch"
	"github.com/ChuLiYu/strategy-queue/internal/engine"
	"github.com/ChuLiYu/strategy-queue/internal/scheduler"
	"github.com/ChuLiYu/strategy-queue/internal/scoring"
	"github.com/ChuLiYu/strategy-queue/internal/strategy"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const testBits = "1100101011110000"

type testEnv struct {
	srv    *Server
	sched  *scheduler.Scheduler
	client *Client
	conn   *grpc.ClientConn
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	loader := scoring.NewLoader(nil)
	loader.AddScoring(scoring.Source{ID: "default", Format: scoring.FormatYAML, Content: "initial_budget: 100\ndefault_cost: 1\n"})
	loader.AddPolicy(scoring.Source{ID: "default", Format: scoring.FormatYAML, Content: "max_operations: 100\n"})

	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register(types.Strategy{
		ID:                "flip",
		Name:              "Flip",
		Language:          types.LanguageLua,
		Source:            strings.Repeat(`apply_operation("NOT")`+"\n", 5),
		EnabledOperations: []string{"NOT"},
		EnabledMetrics:    []string{catalog.MetricEntropy},
	}))

	files := datafile.NewStore()
	for _, id := range []string{"f1", "f2"} {
		_, err := files.LoadBits(id, id+".bin", testBits)
		require.NoError(t, err)
	}

	vm := dispatch.VMFunc(func(context.Context) error { return nil })
	sched := scheduler.New(scheduler.Config{
		Loader:       loader,
		Dispatcher:   dispatch.NewDispatcher(dispatch.NewLuaBackend(vm)),
		Strategies:   reg,
		DataFiles:    files,
		StepInterval: 2 * time.Millisecond,
	})
	t.Cleanup(sched.Stop)

	srv := NewServer(Config{
		Scheduler:  sched,
		Batches:    batch.New(batch.Config{Scheduler: sched, DataFiles: files}),
		Strategies: reg,
		DataFiles:  files,
	})

	lis := bufconn.Listen(1024 * 1024)
	g := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(nil)))
	srv.Register(g)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(func() {
		srv.Shutdown()
		g.Stop()
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testEnv{srv: srv, sched: sched, client: NewClient(conn), conn: conn}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func flipJob(name, file string) CreateJobRequest {
	return CreateJobRequest{Name: name, DataFileID: file, Presets: []types.Preset{{StrategyID: "flip", Iterations: 2}}}
}

// ============================================================================
// Jobs
// ============================================================================

func TestCreateAndGetJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)

	created, err := env.client.CreateJob(ctx, CreateJobRequest{
		Name:       "remote",
		DataFileID: "f1",
		Presets:    []types.Preset{{StrategyID: "flip"}},
		Priority:   types.PriorityCritical,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, created.Status)
	assert.Equal(t, types.PriorityCritical, created.Priority)
	assert.Equal(t, 1, created.QueuePosition)
	assert.Equal(t, 1, created.Presets[0].Iterations)

	got, err := env.client.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "f1.bin", got.DataFileName)
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt))

	stats, err := env.client.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Counts[types.StatusPending])
	require.Len(t, stats.Queue, 1)
}

func TestCreateJobValidationIsInvalidArgument(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.client.CreateJob(testCtx(t), CreateJobRequest{DataFileID: "missing"})

	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, st.Code())
	assert.Contains(t, st.Message(), "job name is required")
	assert.Contains(t, st.Message(), `data file "missing" has no loaded bits`)
}

func TestErrorCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	job, err := env.client.CreateJob(ctx, flipJob("j", "f1"))
	require.NoError(t, err)

	_, err = env.client.GetJob(ctx, "nope")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = env.client.PauseJob(ctx, job.ID)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = env.client.GetBatch(ctx, "nope")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = env.client.LoadDataFile(ctx, LoadDataFileRequest{ID: "bad", Bits: "01x"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRunJobAndWatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	job, err := env.client.CreateJob(ctx, flipJob("watched", "f1"))
	require.NoError(t, err)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	subscribed := make(chan struct{})
	final := make(chan types.Job, 1)
	var seen []scheduler.EventType
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- env.client.WatchJobs(watchCtx, job.ID, func(ev scheduler.Event) error {
			seen = append(seen, ev.Type)
			if ev.Type == EventSnapshot {
				close(subscribed)
			}
			if ev.Job.Status.IsTerminal() {
				final <- ev.Job
				return errors.New("done")
			}
			return nil
		})
	}()

	select {
	case <-subscribed:
	case <-ctx.Done():
		t.Fatal("watch never subscribed")
	}

	started, err := env.client.StartJob(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, types.StatusPending, started.Status)

	select {
	case done := <-final:
		assert.Equal(t, types.StatusCompleted, done.Status)
		assert.Equal(t, 100.0, done.Progress)
		require.Len(t, done.Results, 2)
		assert.Len(t, done.Results[0].Steps, 5)
		assert.NotEmpty(t, done.Results[0].Steps[0].MetricsAfter)
	case <-ctx.Done():
		t.Fatal("job never finished")
	}
	assert.EqualError(t, <-watchErr, "done")
	assert.Equal(t, EventSnapshot, seen[0])
	assert.Contains(t, seen, scheduler.EventProgress)

	require.NoError(t, env.client.DeleteJob(ctx, job.ID))
	jobs, err := env.client.ListJobs(ctx, ListJobsRequest{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCancelPendingJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	a, _ := env.client.CreateJob(ctx, flipJob("a", "f1"))
	_, _ = env.client.CreateJob(ctx, flipJob("b", "f2"))

	cancelled, err := env.client.CancelJob(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)

	pending, err := env.client.ListJobs(ctx, ListJobsRequest{Status: types.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].Name)
	assert.Equal(t, 1, pending[0].QueuePosition)
}

// ============================================================================
// Batches, strategies, data files
// ============================================================================

func TestBatchOverGRPC(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)

	b, err := env.client.CreateBatch(ctx, types.BatchConfig{
		Name:        "remote-batch",
		DataFileIDs: []string{"f1", "f2"},
		Presets:     []types.Preset{{StrategyID: "flip"}},
		RunParallel: true,
		MaxParallel: 2,
	})
	require.NoError(t, err)
	require.Len(t, b.JobIDs, 2)

	_, err = env.client.StartBatch(ctx, b.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := env.client.GetBatch(ctx, b.ID)
		return err == nil && s.Counts[types.StatusCompleted] == 2 && !s.Running
	}, 5*time.Second, 10*time.Millisecond)

	jobs, err := env.client.ListJobs(ctx, ListJobsRequest{BatchID: b.ID})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	batches, err := env.client.ListBatches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "remote-batch", batches[0].Name)
}

func TestCatalogQueries(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)

	strategies, err := env.client.ListStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, strategies, 1)
	assert.Equal(t, "flip", strategies[0].ID)

	f, err := env.client.LoadDataFile(ctx, LoadDataFileRequest{ID: "f3", Bits: "0101"})
	require.NoError(t, err)
	assert.Equal(t, 4, f.Size)

	files, err := env.client.ListDataFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	hc := healthpb.NewHealthClient(env.conn)

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	env.srv.Shutdown()
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.srv.Handle(context.Background(), "Nope", nil)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

// ============================================================================
// Error mapping
// ============================================================================

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{&engine.ValidationError{Problems: []string{"x"}}, codes.InvalidArgument},
		{fmt.Errorf("%w: j1", scheduler.ErrJobNotFound), codes.NotFound},
		{fmt.Errorf("%w: b1", batch.ErrBatchNotFound), codes.NotFound},
		{fmt.Errorf("%w: s1", strategy.ErrStrategyNotFound), codes.NotFound},
		{fmt.Errorf("%w: paused", scheduler.ErrInvalidTransition), codes.FailedPrecondition},
		{batch.ErrBatchRunning, codes.FailedPrecondition},
		{scheduler.ErrStopped, codes.Unavailable},
		{fmt.Errorf("lua: %w", dispatch.ErrRuntimeUnavailable), codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{status.Error(codes.Aborted, "kept"), codes.Aborted},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(toStatus(tt.err)))
		})
	}
	assert.NoError(t, toStatus(nil))
}

func TestStructRoundTripKeepsJobFields(t *testing.T) {
	eta := 1500 * time.Millisecond
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := types.Job{ID: "j1", Name: "n", Seq: 42, Progress: 12.5, ETA: &eta, StartTime: &now,
		Presets: []types.Preset{{StrategyID: "s", Iterations: 3}}}

	st, err := toStruct(in)
	require.NoError(t, err)
	var out types.Job
	require.NoError(t, fromStruct(st, &out))

	assert.Equal(t, in.Seq, out.Seq)
	assert.Equal(t, in.Progress, out.Progress)
	require.NotNil(t, out.ETA)
	assert.Equal(t, eta, *out.ETA)
	assert.True(t, now.Equal(*out.StartTime))
	assert.Equal(t, in.Presets, out.Presets)
}
