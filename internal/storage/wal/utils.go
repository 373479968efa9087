package wal

// ============================================================================
// WAL 工具函式
// 職責：讀取最後事件、dump 與統計（CLI wal 指令使用）
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// scanEvents 逐行解析事件並交給 fn
//
// 最後一行沒有換行且無法解析時視為寫到一半的殘尾，直接結束。
func scanEvents(r io.Reader, fn func(Event) error) error {
	reader := bufio.NewReader(r)
	var offset int64
	var lastSeq uint64
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var event Event
			if err := json.Unmarshal(line, &event); err != nil {
				if readErr == io.EOF {
					return nil
				}
				return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
			}
			if err := fn(event); err != nil {
				return err
			}
			lastSeq = event.Seq
		}
		offset += int64(len(line))
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// openSegment 開啟 WAL 檔案，.gz 結尾的旋轉檔會自動解壓
func openSegment(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{gz, closers{gz, f}}, nil
}

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}

// GetLastEvent 從 WAL 檔案讀取最後一個完整事件
//
// 採用從頭掃描：WAL 在每次快照後旋轉，檔案不會太大。
// 檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	rc, err := openSegment(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var last *Event
	err = scanEvents(rc, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if last == nil {
		if err != nil {
			return nil, err
		}
		return nil, ErrEmptyWAL
	}
	return last, err
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] CREATE job-001 at 2026-01-01T00:00:00Z (checksum:0x12345678)
//
// checksum 不符的事件會標記 CORRUPTED。
func DumpWAL(path string, w io.Writer) error {
	rc, err := openSegment(path)
	if err != nil {
		return err
	}
	defer rc.Close()

	return scanEvents(rc, func(e Event) error {
		mark := ""
		if !VerifyChecksum(e) {
			mark = " CORRUPTED"
		}
		ts := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339)
		_, err := fmt.Fprintf(w, "[Seq:%d] %s %s at %s (checksum:0x%08x)%s\n",
			e.Seq, e.Type, e.JobID, ts, e.Checksum, mark)
		return err
	})
}

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents    int               `json:"total_events"`    // 總事件數
	EventTypes     map[EventType]int `json:"event_types"`     // 各類型事件計數
	FirstSeq       uint64            `json:"first_seq"`       // 第一個事件的 seq
	LastSeq        uint64            `json:"last_seq"`        // 最後一個事件的 seq
	TimeRange      [2]int64          `json:"time_range"`      // 時間範圍 [最早, 最晚]
	CorruptedCount int               `json:"corrupted_count"` // checksum 不符的事件數
	Jobs           int               `json:"jobs"`            // 涉及的不同任務數
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	rc, err := openSegment(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	stats := &WALStats{EventTypes: make(map[EventType]int)}
	jobs := make(map[string]struct{})
	err = scanEvents(rc, func(e Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
			stats.TimeRange[0] = e.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		if e.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = e.Timestamp
		}
		if e.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = e.Timestamp
		}
		if !VerifyChecksum(e) {
			stats.CorruptedCount++
		}
		jobs[string(e.JobID)] = struct{}{}
		return nil
	})
	stats.Jobs = len(jobs)
	return stats, err
}
