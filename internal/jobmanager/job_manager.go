// ============================================================================
// jobfarm 任務表 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 以 (client, job) 為鍵追蹤每個任務的提交、上傳進度與執行交接
//
// 任務狀態轉換 (State Machine):
//   Submitted (已建立，0 個檔案)
//      ↓ RecordFileArrived()
//   Uploading (部分檔案已到)
//      ↓ RecordFileArrived() 使 received == file_count
//   Ready (等待執行)
//      ↓ TakeReady()
//   Executing (執行中)
//      ↓ Complete()
//   (紀錄移除)
//
//   file_count == 0 的任務在建立時直接進入 Ready
//
// 數據結構設計:
//   jobs map[JobKey]*job - 主存儲，單一真實來源
//   ready []JobKey       - 等待執行的 FIFO 佇列
//   notify chan          - 有新的 Ready 任務時喚醒執行迴圈
//
// 恰好一次交接:
//   「最後一個檔案到達 → 加入 ready 佇列」與「TakeReady → 標記 Executing」
//   都在同一把鎖內完成，重複或並發的完成通知不會造成第二次執行
//
// 並發安全:
//   - sync.RWMutex 保護所有數據結構
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/jobfarm/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrJobNotFound 任務不存在（查詢未命中，非致命）
	ErrJobNotFound = errors.New("job not found")
	// ErrJobConflict 同一個鍵已存在，但命令或檔案數不同
	ErrJobConflict = errors.New("job exists with different parameters")
	// ErrJobCreateFailed 工作目錄建立失敗
	ErrJobCreateFailed = errors.New("job creation failed")
	// ErrNotAcceptingFiles 任務已齊全或正在執行
	ErrNotAcceptingFiles = errors.New("job is not accepting files")
	// ErrNotExecuting 任務不在執行中狀態
	ErrNotExecuting = errors.New("job not executing")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// DirCreator 建立任務工作目錄（由 jobdir.Store 實作）
type DirCreator interface {
	Create(key types.JobKey, command string, fileCount int, submittedAt time.Time) (string, error)
}

// Submission 一次任務提交的內容
type Submission struct {
	Key       types.JobKey
	Command   string
	FileCount int
	ReplyAddr netip.AddrPort
	RequestID uint32
}

// JobInfo 任務的唯讀副本
type JobInfo struct {
	Key         types.JobKey   `json:"key"`
	Command     string         `json:"command"`
	FileCount   int            `json:"file_count"`
	Received    int            `json:"received"`
	State       types.JobState `json:"state"`
	Dir         string         `json:"dir"`
	ReplyAddr   netip.AddrPort `json:"reply_addr"`
	RequestID   uint32         `json:"request_id"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

type job struct {
	info  JobInfo
	files map[string]struct{} // 已到達的檔名，重複到達不重複計數
}

func (j *job) snapshot() JobInfo {
	info := j.info
	info.Received = len(j.files)
	return info
}

// JobManager 任務表
type JobManager struct {
	mu     sync.RWMutex
	jobs   map[types.JobKey]*job
	ready  []types.JobKey
	notify chan struct{}
	dirs   DirCreator
	now    func() time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewJobManager 建立新的任務表
func NewJobManager(dirs DirCreator) *JobManager {
	return &JobManager{
		jobs:   make(map[types.JobKey]*job),
		ready:  make([]types.JobKey, 0),
		notify: make(chan struct{}, 1),
		dirs:   dirs,
		now:    time.Now,
	}
}

// CreateOrGet 建立任務，或回傳已存在的同鍵任務
//
// 返回值：
//   - JobInfo: 新建或既有任務的副本
//   - bool: 是否為新建
//   - error:
//   - ErrJobConflict: 鍵已存在且參數不同（JobInfo 為既有任務）
//   - ErrJobCreateFailed: 工作目錄建立失敗，任務表不變
//
// 冪等性：相同參數的重複提交（客戶端重送）回傳既有任務，不產生副作用
func (jm *JobManager) CreateOrGet(sub Submission) (JobInfo, bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if existing, ok := jm.jobs[sub.Key]; ok {
		if existing.info.Command != sub.Command || existing.info.FileCount != sub.FileCount {
			return existing.snapshot(), false, ErrJobConflict
		}
		return existing.snapshot(), false, nil
	}

	now := jm.now()
	dir, err := jm.dirs.Create(sub.Key, sub.Command, sub.FileCount, now)
	if err != nil {
		return JobInfo{}, false, fmt.Errorf("%w: %v", ErrJobCreateFailed, err)
	}

	j := &job{
		info: JobInfo{
			Key:         sub.Key,
			Command:     sub.Command,
			FileCount:   sub.FileCount,
			State:       types.StateSubmitted,
			Dir:         dir,
			ReplyAddr:   sub.ReplyAddr,
			RequestID:   sub.RequestID,
			SubmittedAt: now,
		},
		files: make(map[string]struct{}),
	}
	jm.jobs[sub.Key] = j

	if sub.FileCount == 0 {
		jm.markReadyLocked(j)
	}
	return j.snapshot(), true, nil
}

// Lookup 查詢任務
func (jm *JobManager) Lookup(key types.JobKey) (JobInfo, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	j, ok := jm.jobs[key]
	if !ok {
		return JobInfo{}, false
	}
	return j.snapshot(), true
}

// AcceptsFiles 任務存在且仍在等待檔案
func (jm *JobManager) AcceptsFiles(key types.JobKey) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	j, ok := jm.jobs[key]
	return ok && acceptsFiles(j.info.State)
}

// RecordFileArrived 記錄一個檔案完整到達
//
// 返回值：
//   - bool: 此次到達是否使任務進入 Ready
//   - error:
//   - ErrJobNotFound: 任務已不存在（例如已執行完畢）
//   - ErrNotAcceptingFiles: 任務已齊全或執行中
//
// 同一檔名重複到達只計數一次；received 永遠不會超過 file_count
func (jm *JobManager) RecordFileArrived(key types.JobKey, filename string) (bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	j, ok := jm.jobs[key]
	if !ok {
		return false, ErrJobNotFound
	}
	if !acceptsFiles(j.info.State) {
		return false, ErrNotAcceptingFiles
	}

	j.files[filename] = struct{}{}
	if len(j.files) < j.info.FileCount {
		j.info.State = types.StateUploading
		return false, nil
	}
	jm.markReadyLocked(j)
	return true, nil
}

// TakeReady 取出所有 Ready 任務並標記為 Executing（FIFO 順序）
func (jm *JobManager) TakeReady() []JobInfo {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if len(jm.ready) == 0 {
		return nil
	}
	out := make([]JobInfo, 0, len(jm.ready))
	for _, key := range jm.ready {
		j, ok := jm.jobs[key]
		if !ok || j.info.State != types.StateReady {
			continue
		}
		j.info.State = types.StateExecuting
		out = append(out, j.snapshot())
	}
	jm.ready = jm.ready[:0]
	return out
}

// Ready 有新任務進入 Ready 時收到通知（可能合併多次通知）
func (jm *JobManager) Ready() <-chan struct{} {
	return jm.notify
}

// Complete 執行完畢，移除任務紀錄
func (jm *JobManager) Complete(key types.JobKey) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	j, ok := jm.jobs[key]
	if !ok {
		return ErrJobNotFound
	}
	if j.info.State != types.StateExecuting {
		return ErrNotExecuting
	}
	delete(jm.jobs, key)
	return nil
}

// Snapshot 依提交時間排序的所有任務副本
func (jm *JobManager) Snapshot() []JobInfo {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]JobInfo, 0, len(jm.jobs))
	for _, j := range jm.jobs {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].SubmittedAt.Equal(out[k].SubmittedAt) {
			return out[i].Key.String() < out[k].Key.String()
		}
		return out[i].SubmittedAt.Before(out[k].SubmittedAt)
	})
	return out
}

// Counts 各狀態的任務數量
func (jm *JobManager) Counts() map[types.JobState]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	counts := make(map[types.JobState]int)
	for _, j := range jm.jobs {
		counts[j.info.State]++
	}
	return counts
}

// Len 任務總數
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// ============================================================================
// 內部輔助函數
// ============================================================================

// markReadyLocked 呼叫者必須持有寫鎖
func (jm *JobManager) markReadyLocked(j *job) {
	j.info.State = types.StateReady
	jm.ready = append(jm.ready, j.info.Key)
	select {
	case jm.notify <- struct{}{}:
	default:
	}
}

func acceptsFiles(state types.JobState) bool {
	return state == types.StateSubmitted || state == types.StateUploading
}
