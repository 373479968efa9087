package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加任務事件到日誌檔案（append-only）
// 2. 提供重放功能以恢復任務表
// 3. 支援日誌旋轉（快照後清空，舊檔可 gzip 壓縮）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/strategy-queue/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options 控制 WAL 的寫入行為
type Options struct {
	SyncOnAppend    bool          // 每次 flush 後 fsync
	BufferSize      int           // 緩衝事件數上限，滿了就 flush
	FlushInterval   time.Duration // 距上次 flush 超過此時間就 flush
	CompressRotated bool          // 旋轉後的舊檔以 gzip 壓縮
}

// DefaultOptions 回傳預設選項
func DefaultOptions() Options {
	return Options{
		SyncOnAppend:  true,
		BufferSize:    256,
		FlushInterval: time.Second,
	}
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex    // 保護並發寫入
	file    FileInterface // WAL 檔案
	encoder *json.Encoder // JSON 編碼器
	path    string        // WAL 檔案路徑
	seq     uint64        // 最後分配的事件序號
	opts    Options
	closed  bool

	buffer        []Event // 批次寫入事件緩衝區
	lastFlushTime time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個完整事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultOptions().FlushInterval
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: create dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := GetLastEvent(path)
		if err == nil && last != nil {
			seq = last.Seq
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 將任務序列化為 payload 並計算 checksum
// - 先進緩衝區；force、緩衝滿或超時才寫入磁碟
//
// 回傳：分配到的 seq
func (w *WAL) Append(eventType EventType, job types.Job, force bool) (uint64, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("wal: encode job %s: %w", job.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     job.ID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
	event.Checksum = CalculateChecksum(eventType, job.ID, w.seq, payload)
	w.buffer = append(w.buffer, event)

	if force || len(w.buffer) >= w.opts.BufferSize || time.Since(w.lastFlushTime) > w.opts.FlushInterval {
		if err := w.flushLocked(); err != nil {
			return event.Seq, err
		}
	}
	return event.Seq, nil
}

// Flush 將緩衝事件寫入磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放 seq 大於 afterSeq 的事件
//
// 行為：
// - 先 flush 緩衝，再從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum，不符時回傳 *ChecksumError
// - 檔尾殘缺的一行（寫到一半當機）視為結束，不算錯誤
// - 中段無法解析回傳 *CorruptionError
// - handler 回傳錯誤立即停止
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}

	file, err := os.Open(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	applied := 0
	err = scanEvents(file, func(event Event) error {
		if event.Seq <= afterSeq {
			return nil
		}
		if !VerifyChecksum(event) {
			return &ChecksumError{
				Seq:      event.Seq,
				Expected: event.Checksum,
				Actual:   CalculateChecksum(event.Type, event.JobID, event.Seq, event.Payload),
			}
		}
		if err := handler(event); err != nil {
			return err
		}
		applied++
		return nil
	})
	return applied, err
}

// Rotate 旋轉日誌檔案
//
// 舊檔改名為 <path>.<timestamp>，啟用壓縮時再轉成 .gz。
// seq 不歸零：快照記錄的 LastSeq 之後的事件仍可正確過濾。
// 回傳舊檔最終路徑。
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrWALClosed
	}

	if err := w.flushLocked(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return "", err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()

	if w.opts.CompressRotated {
		gzPath := backupPath + ".gz"
		if err := compressWALFile(backupPath, gzPath); err != nil {
			return backupPath, fmt.Errorf("wal: compress rotated segment: %w", err)
		}
		if err := os.Remove(backupPath); err != nil {
			return gzPath, err
		}
		return gzPath, nil
	}
	return backupPath, nil
}

// EnsureSeq 確保下一個 seq 大於 min
//
// 用途：從快照恢復且 WAL 已被旋轉清空時，延續快照的 LastSeq。
func (w *WAL) EnsureSeq(min uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seq < min {
		w.seq = min
	}
}

// Close 關閉 WAL，之後的操作回傳 ErrWALClosed
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得最後分配的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if w.opts.SyncOnAppend {
		return w.file.Sync()
	}
	return nil
}

// compressWALFile 以 gzip 壓縮 WAL 檔案
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gz, srcFile); err != nil {
		gz.Close()
		dstFile.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		dstFile.Close()
		return err
	}
	return dstFile.Close()
}
