package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/jobfarm/internal/jobmanager"
	"github.com/ChuLiYu/jobfarm/internal/protocol"
	"github.com/ChuLiYu/jobfarm/internal/storage/jobdir"
	"github.com/ChuLiYu/jobfarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu      sync.Mutex
	results []*protocol.JobResult
}

func (n *recordingNotifier) NotifyResult(job jobmanager.JobInfo, res *protocol.JobResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, res)
	return nil
}

func (n *recordingNotifier) all() []*protocol.JobResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*protocol.JobResult(nil), n.results...)
}

func newJob(t *testing.T, command string) jobmanager.JobInfo {
	t.Helper()
	return jobmanager.JobInfo{
		Key:       types.JobKey{Client: types.ClientID{1}, Job: 3},
		Command:   command,
		Dir:       t.TempDir(),
		RequestID: 77,
	}
}

func newTestExecutor(cfg Config) *Executor {
	return New(cfg, nil, &recordingNotifier{}, zap.NewNop(), nil)
}

func TestExecuteSuccess(t *testing.T) {
	e := newTestExecutor(Config{})
	job := newJob(t, "echo hello > out.txt")

	res := e.Execute(context.Background(), job)
	require.NoError(t, res.Err)
	assert.Equal(t, protocol.StatusOK, res.Status)
	assert.Equal(t, MsgSuccess, res.Message)

	// 命令在任務目錄內執行
	data, err := os.ReadFile(filepath.Join(job.Dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestExecuteFailure(t *testing.T) {
	e := newTestExecutor(Config{})
	job := newJob(t, "echo oops >&2; exit 3")

	res := e.Execute(context.Background(), job)
	require.Error(t, res.Err)
	assert.Equal(t, protocol.StatusError, res.Status)
	assert.True(t, strings.HasPrefix(res.Message, MsgFailurePrefix), res.Message)
	assert.Contains(t, res.Message, "exit status 3")

	// stderr 進入 job.log
	data, err := os.ReadFile(filepath.Join(job.Dir, jobdir.LogFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "oops")
}

func TestExecuteMissingDirectory(t *testing.T) {
	e := newTestExecutor(Config{})
	job := newJob(t, "true")
	job.Dir = filepath.Join(job.Dir, "gone")

	res := e.Execute(context.Background(), job)
	assert.ErrorIs(t, res.Err, ErrWorkDirUnavailable)
	assert.Equal(t, protocol.StatusError, res.Status)
}

func TestExecuteTimeout(t *testing.T) {
	e := newTestExecutor(Config{Timeout: 100 * time.Millisecond})
	job := newJob(t, "sleep 5")

	start := time.Now()
	res := e.Execute(context.Background(), job)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, protocol.StatusError, res.Status)
	assert.Contains(t, res.Message, "timed out")
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 5000)
	assert.Len(t, truncate(long), maxResultMessage)
	assert.Equal(t, "short", truncate("short"))
}

// TestRunLoop 齊全的任務被執行、回報、並從任務表移除
func TestRunLoop(t *testing.T) {
	store, err := jobdir.New(t.TempDir())
	require.NoError(t, err)
	jobs := jobmanager.NewJobManager(store)
	notifier := &recordingNotifier{}
	e := New(Config{PollInterval: 20 * time.Millisecond}, jobs, notifier, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	okKey := types.JobKey{Client: types.ClientID{9}, Job: 1}
	badKey := types.JobKey{Client: types.ClientID{9}, Job: 2}
	_, _, err = jobs.CreateOrGet(jobmanager.Submission{Key: okKey, Command: "test -f input.bin", FileCount: 1, RequestID: 5})
	require.NoError(t, err)
	_, _, err = jobs.CreateOrGet(jobmanager.Submission{Key: badKey, Command: "false", FileCount: 0, RequestID: 6})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(okKey), "input.bin"), []byte("x"), 0o644))
	ready, err := jobs.RecordFileArrived(okKey, "input.bin")
	require.NoError(t, err)
	require.True(t, ready)

	require.Eventually(t, func() bool { return len(notifier.all()) == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return jobs.Len() == 0 }, time.Second, 10*time.Millisecond)

	byJob := map[types.JobID]*protocol.JobResult{}
	for _, r := range notifier.all() {
		byJob[r.JobID] = r
	}
	assert.Equal(t, protocol.StatusOK, byJob[1].Status)
	assert.Equal(t, uint32(5), byJob[1].RequestID)
	assert.Equal(t, okKey.Client, byJob[1].ClientID)
	assert.Equal(t, protocol.StatusError, byJob[2].Status)
}

// cancellingNotifier 收到第一個結果時取消執行迴圈
type cancellingNotifier struct {
	recordingNotifier
	cancel context.CancelFunc
}

func (n *cancellingNotifier) NotifyResult(job jobmanager.JobInfo, res *protocol.JobResult) error {
	n.cancel()
	return n.recordingNotifier.NotifyResult(job, res)
}

// TestRunShutdownReportsRemainingBatch 關閉時同批取出的其餘任務仍收到 ERROR 結果並被移除
func TestRunShutdownReportsRemainingBatch(t *testing.T) {
	store, err := jobdir.New(t.TempDir())
	require.NoError(t, err)
	jobs := jobmanager.NewJobManager(store)
	for id := types.JobID(1); id <= 3; id++ {
		key := types.JobKey{Client: types.ClientID{4}, Job: id}
		_, _, err := jobs.CreateOrGet(jobmanager.Submission{Key: key, Command: "true", RequestID: uint32(id)})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifier := &cancellingNotifier{cancel: cancel}
	e := New(Config{PollInterval: 20 * time.Millisecond}, jobs, notifier, zap.NewNop(), nil)

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	results := notifier.all()
	require.Len(t, results, 3)
	statuses := map[protocol.Status]int{}
	for _, r := range results {
		statuses[r.Status]++
		if r.Status == protocol.StatusError {
			assert.Equal(t, MsgShuttingDown, r.Message)
		}
	}
	assert.Equal(t, map[protocol.Status]int{protocol.StatusOK: 1, protocol.StatusError: 2}, statuses)
	assert.Equal(t, 0, jobs.Len())
}
