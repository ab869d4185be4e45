// ============================================================================
// jobfarm 命令執行器
// ============================================================================
//
// Package: internal/executor
// 文件: executor.go
// 功能: 在任務工作目錄中以 shell 執行任務命令，並回報結果
//
// 執行模型:
//   獨立的執行迴圈（不在控制面的接收迴圈上）：
//   1. 被 Ready() 通知喚醒，或每 poll_interval 輪詢一次
//   2. TakeReady() 取出所有齊全的任務（Ready → Executing）
//   3. 依序執行 <shell> -c <command>，cmd.Dir = 任務目錄
//   4. 無論成功失敗都送出一則 JobResult
//   5. Complete() 移除任務紀錄
//
// 輸出:
//   stdout/stderr 寫入任務目錄的 job.log，不回傳給客戶端
//
// ============================================================================

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobfarm/internal/jobmanager"
	"github.com/ChuLiYu/jobfarm/internal/metrics"
	"github.com/ChuLiYu/jobfarm/internal/protocol"
	"github.com/ChuLiYu/jobfarm/internal/storage/jobdir"
	"github.com/ChuLiYu/jobfarm/pkg/types"
)

const (
	// MsgSuccess 成功時的結果訊息
	MsgSuccess = "Job completed successfully"
	// MsgFailurePrefix 失敗訊息前綴
	MsgFailurePrefix = "Job execution failed: "
	// MsgShuttingDown 關閉時尚未執行的任務
	MsgShuttingDown = MsgFailurePrefix + "server shutting down"

	maxResultMessage = 1024
)

// ErrWorkDirUnavailable 任務目錄不存在
var ErrWorkDirUnavailable = errors.New("working directory unavailable")

// Source 提供待執行任務（由 jobmanager.JobManager 實作）
type Source interface {
	TakeReady() []jobmanager.JobInfo
	Ready() <-chan struct{}
	Complete(key types.JobKey) error
}

// Notifier 把結果送回客戶端
type Notifier interface {
	NotifyResult(job jobmanager.JobInfo, result *protocol.JobResult) error
}

// Config 執行器配置
type Config struct {
	Shell        string        // 預設 /bin/sh
	Timeout      time.Duration // 單一命令上限，0 表示不限
	PollInterval time.Duration // 輪詢間隔
}

// Result 單次執行結果
type Result struct {
	Status  protocol.Status
	Message string
	Err     error
	Elapsed time.Duration
}

// Executor 命令執行器
type Executor struct {
	cfg      Config
	source   Source
	notifier Notifier
	log      *zap.Logger
	metrics  *metrics.Collector
}

// New 建立執行器
func New(cfg Config, source Source, notifier Notifier, logger *zap.Logger, m *metrics.Collector) *Executor {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Executor{cfg: cfg, source: source, notifier: notifier, log: logger, metrics: m}
}

// Run 執行迴圈，直到 ctx 結束
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.source.Ready():
		case <-ticker.C:
		}
		batch := e.source.TakeReady()
		for i, job := range batch {
			if ctx.Err() != nil {
				e.abandon(batch[i:])
				return
			}
			e.process(ctx, job)
		}
	}
}

// process 執行、回報、移除
func (e *Executor) process(ctx context.Context, job jobmanager.JobInfo) {
	log := e.log.With(zap.Stringer("job", job.Key))
	log.Info("executing job", zap.String("command", job.Command))

	res := e.Execute(ctx, job)
	if res.Err != nil {
		log.Warn("job failed", zap.Error(res.Err), zap.Duration("elapsed", res.Elapsed))
	} else {
		log.Info("job completed", zap.Duration("elapsed", res.Elapsed))
	}
	e.report(job, res)
}

// abandon 已取出但來不及執行的任務：回報 ERROR 並移除
func (e *Executor) abandon(jobs []jobmanager.JobInfo) {
	for _, job := range jobs {
		e.log.Warn("job not executed before shutdown", zap.Stringer("job", job.Key))
		e.report(job, Result{Status: protocol.StatusError, Message: MsgShuttingDown})
	}
}

// report 送出 JobResult 並把任務從任務表移除
func (e *Executor) report(job jobmanager.JobInfo, res Result) {
	log := e.log.With(zap.Stringer("job", job.Key))
	e.metrics.RecordJobResult(res.Status == protocol.StatusOK, res.Elapsed)

	msg := &protocol.JobResult{
		RequestID: job.RequestID,
		ClientID:  job.Key.Client,
		JobID:     job.Key.Job,
		Status:    res.Status,
		Message:   res.Message,
	}
	if err := e.notifier.NotifyResult(job, msg); err != nil {
		log.Warn("failed to deliver job result", zap.Error(err))
	}
	if err := e.source.Complete(job.Key); err != nil {
		log.Warn("failed to retire job", zap.Error(err))
	}
}

// Execute 在任務目錄執行命令
func (e *Executor) Execute(ctx context.Context, job jobmanager.JobInfo) Result {
	start := time.Now()
	fail := func(err error) Result {
		return Result{
			Status:  protocol.StatusError,
			Message: truncate(MsgFailurePrefix + err.Error()),
			Err:     err,
			Elapsed: time.Since(start),
		}
	}

	if info, err := os.Stat(job.Dir); err != nil || !info.IsDir() {
		return fail(fmt.Errorf("%w: %s", ErrWorkDirUnavailable, job.Dir))
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	var out io.Writer = io.Discard
	if f, err := os.OpenFile(filepath.Join(job.Dir, jobdir.LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		defer f.Close()
		out = f
	}

	cmd := exec.CommandContext(ctx, e.cfg.Shell, "-c", job.Command)
	cmd.Dir = job.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", e.cfg.Timeout, err)
		}
		return fail(err)
	}
	return Result{Status: protocol.StatusOK, Message: MsgSuccess, Elapsed: time.Since(start)}
}

func truncate(s string) string {
	if len(s) <= maxResultMessage {
		return s
	}
	return s[:maxResultMessage]
}
