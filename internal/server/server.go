// ============================================================================
// gRPC 控制服務
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 把排程器、批次協調器、策略與資料檔透過 gRPC 暴露出去
//
// 訊息格式:
//   所有請求與回應都是 google.protobuf.Struct，內容是本套件中
//   請求/回應型別的 JSON 形式（見 messages.go）
//
// 錯誤對應:
//   ValidationError         → InvalidArgument
//   找不到任務/批次/策略     → NotFound
//   狀態不允許              → FailedPrecondition
//   排程器已停止/執行環境不可用 → Unavailable
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/strategy-queue/internal/batch"
	"github.com/ChuLiYu/strategy-queue/internal/datafile"
	"github.com/ChuLiYu/strategy-queue/internal/dispatch"
	"github.com/ChuLiYu/strategy-queue/internal/engine"
	"github.com/ChuLiYu/strategy-queue/internal/scheduler"
	"github.com/ChuLiYu/strategy-queue/internal/strategy"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultWatchBuffer 每個 WatchJobs 串流可緩衝的事件數
const DefaultWatchBuffer = 256

// Config 服務依賴
type Config struct {
	Scheduler  *scheduler.Scheduler
	Batches    *batch.Coordinator
	Strategies *strategy.Registry
	DataFiles  *datafile.Store
	Logger     *slog.Logger

	// WatchBuffer 超出時丟棄事件並記錄警告，避免拖慢排程器
	WatchBuffer int
}

type route func(ctx context.Context, req *structpb.Struct) (any, error)

// Server implements StrategyQueueServer.
type Server struct {
	cfg    Config
	log    *slog.Logger
	health *health.Server
	routes map[string]route

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewServer creates the control service.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WatchBuffer <= 0 {
		cfg.WatchBuffer = DefaultWatchBuffer
	}
	s := &Server{
		cfg:      cfg,
		log:      logger.With("component", "grpc"),
		health:   health.NewServer(),
		shutdown: make(chan struct{}),
	}
	s.routes = map[string]route{
		MethodCreateJob:      s.createJob,
		MethodStartJob:       s.jobAction(cfg.Scheduler.StartJob),
		MethodPauseJob:       s.jobAction(cfg.Scheduler.PauseJob),
		MethodResumeJob:      s.jobAction(cfg.Scheduler.ResumeJob),
		MethodStepJob:        s.jobAction(cfg.Scheduler.StepJob),
		MethodCancelJob:      s.jobAction(cfg.Scheduler.CancelJob),
		MethodDeleteJob:      s.deleteJob,
		MethodGetJob:         s.jobAction(nil),
		MethodListJobs:       s.listJobs,
		MethodQueueStats:     s.queueStats,
		MethodCreateBatch:    s.createBatch,
		MethodStartBatch:     s.batchAction(s.startBatch),
		MethodCancelBatch:    s.batchAction(s.cancelBatch),
		MethodGetBatch:       s.batchAction(nil),
		MethodListBatches:    s.listBatches,
		MethodListStrategies: s.listStrategies,
		MethodListDataFiles:  s.listDataFiles,
		MethodLoadDataFile:   s.loadDataFile,
	}
	return s
}

// Register 在 g 上註冊控制服務與 grpc.health.v1
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(g, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// Shutdown 將健康狀態設為 NOT_SERVING，並結束所有 WatchJobs 串流，
// 之後 grpc.Server.GracefulStop 才不會被長連線卡住
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.health.Shutdown()
		close(s.shutdown)
	})
}

// Handle dispatches a unary call by method name.
func (s *Server) Handle(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	r, ok := s.routes[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
	}
	out, err := r(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := toStruct(out)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

// ============================================================================
// 任務
// ============================================================================

func (s *Server) createJob(_ context.Context, req *structpb.Struct) (any, error) {
	var in CreateJobRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	job, err := s.cfg.Scheduler.CreateJob(in.Name, in.DataFileID, in.Presets, scheduler.CreateOptions{Priority: in.Priority})
	if err != nil {
		return nil, err
	}
	return JobResponse{Job: job}, nil
}

// jobAction 執行 fn 後回傳任務目前狀態；fn 為 nil 時只查詢
func (s *Server) jobAction(fn func(types.JobID) error) route {
	return func(_ context.Context, req *structpb.Struct) (any, error) {
		var in JobRequest
		if err := decode(req, &in); err != nil {
			return nil, err
		}
		if fn != nil {
			if err := fn(in.ID); err != nil {
				return nil, err
			}
		}
		job, ok := s.cfg.Scheduler.GetJob(in.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, in.ID)
		}
		return JobResponse{Job: job}, nil
	}
}

func (s *Server) deleteJob(_ context.Context, req *structpb.Struct) (any, error) {
	var in JobRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if err := s.cfg.Scheduler.DeleteJob(in.ID); err != nil {
		return nil, err
	}
	return empty{}, nil
}

func (s *Server) listJobs(_ context.Context, req *structpb.Struct) (any, error) {
	var in ListJobsRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	var jobs []types.Job
	if in.BatchID != "" {
		jobs = s.cfg.Scheduler.GetBatchJobs(in.BatchID)
	} else {
		jobs = s.cfg.Scheduler.GetAllJobs()
	}
	out := make([]types.Job, 0, len(jobs))
	for _, j := range jobs {
		if in.Status == "" || j.Status == in.Status {
			out = append(out, j)
		}
	}
	return ListJobsResponse{Jobs: out}, nil
}

func (s *Server) queueStats(context.Context, *structpb.Struct) (any, error) {
	return QueueStatsResponse{Counts: s.cfg.Scheduler.Counts(), Queue: s.cfg.Scheduler.Queue()}, nil
}

// WatchJobs 串流任務事件，直到 client 取消或服務關閉
func (s *Server) WatchJobs(req *structpb.Struct, stream grpc.ServerStream) error {
	var in WatchRequest
	if err := decode(req, &in); err != nil {
		return toStatus(err)
	}

	events := make(chan scheduler.Event, s.cfg.WatchBuffer)
	unsubscribe := s.cfg.Scheduler.Subscribe(func(ev scheduler.Event) {
		if in.JobID != "" && ev.Job.ID != in.JobID {
			return
		}
		select {
		case events <- ev:
		default:
			s.log.Warn("Watch stream lagging, event dropped", "job_id", ev.Job.ID, "type", ev.Type)
		}
	})
	defer unsubscribe()

	// 訂閱之後才送快照，client 收到快照即代表不會漏掉之後的事件
	for _, job := range s.cfg.Scheduler.GetAllJobs() {
		if in.JobID != "" && job.ID != in.JobID {
			continue
		}
		if err := send(stream, scheduler.Event{Type: EventSnapshot, Job: job}); err != nil {
			return err
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.shutdown:
			return status.Error(codes.Unavailable, "server shutting down")
		case ev := <-events:
			if err := send(stream, ev); err != nil {
				return err
			}
		}
	}
}

func send(stream grpc.ServerStream, ev scheduler.Event) error {
	msg, err := toStruct(ev)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(msg)
}

// ============================================================================
// 批次
// ============================================================================

func (s *Server) createBatch(_ context.Context, req *structpb.Struct) (any, error) {
	var in types.BatchConfig
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	b, err := s.cfg.Batches.CreateBatch(in)
	if err != nil {
		return nil, err
	}
	return BatchResponse{Batch: b}, nil
}

// batchAction 執行 fn 後回傳批次狀態摘要；fn 為 nil 時只查詢
func (s *Server) batchAction(fn func(types.BatchID) error) route {
	return func(_ context.Context, req *structpb.Struct) (any, error) {
		var in BatchRequest
		if err := decode(req, &in); err != nil {
			return nil, err
		}
		if fn != nil {
			if err := fn(in.ID); err != nil {
				return nil, err
			}
		}
		return s.cfg.Batches.Status(in.ID)
	}
}

func (s *Server) startBatch(id types.BatchID) error  { return s.cfg.Batches.StartBatch(id) }
func (s *Server) cancelBatch(id types.BatchID) error { return s.cfg.Batches.CancelBatch(id) }

func (s *Server) listBatches(context.Context, *structpb.Struct) (any, error) {
	return ListBatchesResponse{Batches: s.cfg.Batches.ListBatches()}, nil
}

// ============================================================================
// 策略與資料檔
// ============================================================================

func (s *Server) listStrategies(context.Context, *structpb.Struct) (any, error) {
	return ListStrategiesResponse{Strategies: s.cfg.Strategies.List()}, nil
}

func (s *Server) listDataFiles(context.Context, *structpb.Struct) (any, error) {
	return ListDataFilesResponse{Files: s.cfg.DataFiles.List()}, nil
}

func (s *Server) loadDataFile(_ context.Context, req *structpb.Struct) (any, error) {
	var in LoadDataFileRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	f, err := s.cfg.DataFiles.LoadBits(in.ID, in.Name, in.Bits)
	if err != nil {
		return nil, err
	}
	return *f, nil
}

// ============================================================================
// 錯誤與攔截器
// ============================================================================

// errBadRequest 標記無法解碼的請求
var errBadRequest = errors.New("malformed request")

func decode(req *structpb.Struct, v any) error {
	if err := fromStruct(req, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// toStatus 將領域錯誤對應到 gRPC 狀態碼
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var verr *engine.ValidationError
	code := codes.Internal
	switch {
	case errors.As(err, &verr),
		errors.Is(err, errBadRequest),
		errors.Is(err, datafile.ErrInvalidBits):
		code = codes.InvalidArgument
	case errors.Is(err, scheduler.ErrJobNotFound),
		errors.Is(err, batch.ErrBatchNotFound),
		errors.Is(err, strategy.ErrStrategyNotFound),
		errors.Is(err, datafile.ErrFileNotFound):
		code = codes.NotFound
	case errors.Is(err, scheduler.ErrInvalidTransition),
		errors.Is(err, batch.ErrBatchRunning):
		code = codes.FailedPrecondition
	case errors.Is(err, scheduler.ErrStopped),
		errors.Is(err, dispatch.ErrRuntimeUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// LoggingInterceptor 記錄每個 unary 呼叫的方法、耗時與狀態碼
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		level := slog.LevelDebug
		if code != codes.OK && code != codes.NotFound && code != codes.InvalidArgument {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "RPC handled", "method", info.FullMethod, "code", code, "duration", time.Since(start))
		return resp, err
	}
}
