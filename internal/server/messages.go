package server

import (
	"github.com/ChuLiYu/strategy-queue/internal/datafile"
	"github.com/ChuLiYu/strategy-queue/internal/scheduler"
	"github.com/ChuLiYu/strategy-queue/pkg/types"
)

// CreateJobRequest 建立任務
type CreateJobRequest struct {
	Name       string         `json:"name"`
	DataFileID string         `json:"data_file_id"`
	Presets    []types.Preset `json:"presets"`
	Priority   types.Priority `json:"priority,omitempty"`
}

// JobRequest 以 id 指定任務
type JobRequest struct {
	ID types.JobID `json:"id"`
}

// JobResponse 單一任務
type JobResponse struct {
	Job types.Job `json:"job"`
}

// ListJobsRequest 兩個過濾條件都可省略
type ListJobsRequest struct {
	Status  types.JobStatus `json:"status,omitempty"`
	BatchID types.BatchID   `json:"batch_id,omitempty"`
}

// ListJobsResponse 依建立順序的任務列表
type ListJobsResponse struct {
	Jobs []types.Job `json:"jobs"`
}

// QueueStatsResponse 各狀態數量與目前佇列
type QueueStatsResponse struct {
	Counts map[types.JobStatus]int `json:"counts"`
	Queue  []types.Job             `json:"queue"`
}

// BatchRequest 以 id 指定批次
type BatchRequest struct {
	ID types.BatchID `json:"id"`
}

// BatchResponse 單一批次
type BatchResponse struct {
	Batch types.Batch `json:"batch"`
}

// ListBatchesResponse 依建立時間的批次列表
type ListBatchesResponse struct {
	Batches []types.Batch `json:"batches"`
}

// ListStrategiesResponse 已註冊的策略
type ListStrategiesResponse struct {
	Strategies []types.Strategy `json:"strategies"`
}

// LoadDataFileRequest 以 0/1 字串載入資料檔
type LoadDataFileRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Bits string `json:"bits"`
}

// ListDataFilesResponse 已載入的資料檔（不含 bits）
type ListDataFilesResponse struct {
	Files []datafile.File `json:"files"`
}

// WatchRequest JobID 為空時訂閱所有任務
type WatchRequest struct {
	JobID types.JobID `json:"job_id,omitempty"`
}

// EventSnapshot 訂閱建立後，先送出每個符合條件的任務目前狀態
const EventSnapshot scheduler.EventType = "snapshot"

type empty struct{}
