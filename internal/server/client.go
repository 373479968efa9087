package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ChuLiYu/strategy-queue/internal/batch"
	"github.com/ChuLiYu/strategy-queue/internal/datafile"
	"github.com/ChuLiYu/strategy-queue/internal/scheduler"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client 控制服務的 gRPC client
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial 以 insecure transport 連線到 addr
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient 包裝既有連線；Close 不會關閉它
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close 關閉 Dial 建立的連線
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethodName(method), in, out); err != nil {
		return err
	}
	return fromStruct(out, resp)
}

func (c *Client) jobCall(ctx context.Context, method string, id types.JobID) (types.Job, error) {
	var resp JobResponse
	err := c.call(ctx, method, JobRequest{ID: id}, &resp)
	return resp.Job, err
}

// CreateJob 建立任務
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (types.Job, error) {
	var resp JobResponse
	err := c.call(ctx, MethodCreateJob, req, &resp)
	return resp.Job, err
}

// StartJob 啟動任務並回傳其狀態
func (c *Client) StartJob(ctx context.Context, id types.JobID) (types.Job, error) {
	return c.jobCall(ctx, MethodStartJob, id)
}

// PauseJob 暫停任務
func (c *Client) PauseJob(ctx context.Context, id types.JobID) (types.Job, error) {
	return c.jobCall(ctx, MethodPauseJob, id)
}

// ResumeJob 恢復任務
func (c *Client) ResumeJob(ctx context.Context, id types.JobID) (types.Job, error) {
	return c.jobCall(ctx, MethodResumeJob, id)
}

// StepJob 暫停中的任務前進一步
func (c *Client) StepJob(ctx context.Context, id types.JobID) (types.Job, error) {
	return c.jobCall(ctx, MethodStepJob, id)
}

// CancelJob 取消任務
func (c *Client) CancelJob(ctx context.Context, id types.JobID) (types.Job, error) {
	return c.jobCall(ctx, MethodCancelJob, id)
}

// GetJob 查詢任務
func (c *Client) GetJob(ctx context.Context, id types.JobID) (types.Job, error) {
	return c.jobCall(ctx, MethodGetJob, id)
}

// DeleteJob 刪除任務
func (c *Client) DeleteJob(ctx context.Context, id types.JobID) error {
	return c.call(ctx, MethodDeleteJob, JobRequest{ID: id}, &empty{})
}

// ListJobs 列出任務
func (c *Client) ListJobs(ctx context.Context, req ListJobsRequest) ([]types.Job, error) {
	var resp ListJobsResponse
	err := c.call(ctx, MethodListJobs, req, &resp)
	return resp.Jobs, err
}

// QueueStats 各狀態數量與佇列
func (c *Client) QueueStats(ctx context.Context) (QueueStatsResponse, error) {
	var resp QueueStatsResponse
	err := c.call(ctx, MethodQueueStats, empty{}, &resp)
	return resp, err
}

// CreateBatch 建立批次
func (c *Client) CreateBatch(ctx context.Context, cfg types.BatchConfig) (types.Batch, error) {
	var resp BatchResponse
	err := c.call(ctx, MethodCreateBatch, cfg, &resp)
	return resp.Batch, err
}

func (c *Client) batchCall(ctx context.Context, method string, id types.BatchID) (batch.Summary, error) {
	var resp batch.Summary
	err := c.call(ctx, method, BatchRequest{ID: id}, &resp)
	return resp, err
}

// StartBatch 啟動批次
func (c *Client) StartBatch(ctx context.Context, id types.BatchID) (batch.Summary, error) {
	return c.batchCall(ctx, MethodStartBatch, id)
}

// CancelBatch 取消批次
func (c *Client) CancelBatch(ctx context.Context, id types.BatchID) (batch.Summary, error) {
	return c.batchCall(ctx, MethodCancelBatch, id)
}

// GetBatch 查詢批次摘要
func (c *Client) GetBatch(ctx context.Context, id types.BatchID) (batch.Summary, error) {
	return c.batchCall(ctx, MethodGetBatch, id)
}

// ListBatches 列出批次
func (c *Client) ListBatches(ctx context.Context) ([]types.Batch, error) {
	var resp ListBatchesResponse
	err := c.call(ctx, MethodListBatches, empty{}, &resp)
	return resp.Batches, err
}

// ListStrategies 列出已註冊策略
func (c *Client) ListStrategies(ctx context.Context) ([]types.Strategy, error) {
	var resp ListStrategiesResponse
	err := c.call(ctx, MethodListStrategies, empty{}, &resp)
	return resp.Strategies, err
}

// ListDataFiles 列出資料檔
func (c *Client) ListDataFiles(ctx context.Context) ([]datafile.File, error) {
	var resp ListDataFilesResponse
	err := c.call(ctx, MethodListDataFiles, empty{}, &resp)
	return resp.Files, err
}

// LoadDataFile 載入 0/1 字串為資料檔
func (c *Client) LoadDataFile(ctx context.Context, req LoadDataFileRequest) (datafile.File, error) {
	var resp datafile.File
	err := c.call(ctx, MethodLoadDataFile, req, &resp)
	return resp, err
}

// WatchJobs 對每個事件呼叫 fn，直到 ctx 取消、串流結束或 fn 回傳錯誤。
// 第一批事件是 EventSnapshot。ctx 取消時回傳 nil。
func (c *Client) WatchJobs(ctx context.Context, jobID types.JobID, fn func(scheduler.Event) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethodName(MethodWatchJobs))
	if err != nil {
		return err
	}
	req, err := toStruct(WatchRequest{JobID: jobID})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var ev scheduler.Event
		if err := fromStruct(msg, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
