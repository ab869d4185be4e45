package jobmanager

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/jobfarm/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeDirs records Create calls and can be told to fail
type fakeDirs struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (f *fakeDirs) Create(key types.JobKey, command string, fileCount int, submittedAt time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return "", f.fail
	}
	return "/jobs/" + key.String(), nil
}

func newTestJobManager() (*JobManager, *fakeDirs) {
	dirs := &fakeDirs{}
	return NewJobManager(dirs), dirs
}

func testKey(job uint32) types.JobKey {
	return types.JobKey{Client: types.ClientID{0x01, 0x02}, Job: types.JobID(job)}
}

func newSubmission(job uint32, files int) Submission {
	return Submission{
		Key:       testKey(job),
		Command:   "echo hello",
		FileCount: files,
		ReplyAddr: netip.MustParseAddrPort("127.0.0.1:40000"),
		RequestID: 11,
	}
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertJobState asserts job state
func assertJobState(t *testing.T, jm *JobManager, key types.JobKey, want types.JobState) {
	t.Helper()
	info, ok := jm.Lookup(key)
	if !ok {
		t.Errorf("job %s not found", key)
		return
	}
	if info.State != want {
		t.Errorf("job %s state = %s, want %s", key, info.State, want)
	}
}

// ============================================================================
// CreateOrGet Tests
// ============================================================================

func TestCreateOrGet(t *testing.T) {
	jm, dirs := newTestJobManager()

	info, created, err := jm.CreateOrGet(newSubmission(1, 2))
	assertNoError(t, err)
	if !created {
		t.Fatal("expected job to be created")
	}
	if info.Dir != "/jobs/"+testKey(1).String() {
		t.Errorf("unexpected dir %s", info.Dir)
	}
	if info.RequestID != 11 {
		t.Errorf("request id = %d, want 11", info.RequestID)
	}
	assertJobState(t, jm, testKey(1), types.StateSubmitted)
	if dirs.calls != 1 {
		t.Errorf("dir creations = %d, want 1", dirs.calls)
	}
}

// TestCreateOrGetIdempotent 重複提交不應產生第二筆紀錄或第二次目錄建立
func TestCreateOrGetIdempotent(t *testing.T) {
	jm, dirs := newTestJobManager()

	_, _, err := jm.CreateOrGet(newSubmission(1, 2))
	assertNoError(t, err)

	info, created, err := jm.CreateOrGet(newSubmission(1, 2))
	assertNoError(t, err)
	if created {
		t.Error("duplicate submission must not create")
	}
	if info.Key != testKey(1) {
		t.Errorf("got key %s", info.Key)
	}
	if jm.Len() != 1 || dirs.calls != 1 {
		t.Errorf("len=%d dirs=%d, want 1/1", jm.Len(), dirs.calls)
	}
}

func TestCreateOrGetConflict(t *testing.T) {
	jm, _ := newTestJobManager()

	_, _, err := jm.CreateOrGet(newSubmission(1, 2))
	assertNoError(t, err)

	sub := newSubmission(1, 2)
	sub.Command = "rm -rf /"
	info, created, err := jm.CreateOrGet(sub)
	assertError(t, err, ErrJobConflict)
	if created || info.Command != "echo hello" {
		t.Errorf("conflict should return the existing job, got %+v", info)
	}
}

func TestCreateOrGetDirFailure(t *testing.T) {
	jm, dirs := newTestJobManager()
	dirs.fail = errors.New("disk full")

	_, _, err := jm.CreateOrGet(newSubmission(1, 1))
	assertError(t, err, ErrJobCreateFailed)
	if jm.Len() != 0 {
		t.Error("failed creation must leave the table unchanged")
	}
}

func TestZeroFileJobIsReadyImmediately(t *testing.T) {
	jm, _ := newTestJobManager()

	_, _, err := jm.CreateOrGet(newSubmission(1, 0))
	assertNoError(t, err)
	assertJobState(t, jm, testKey(1), types.StateReady)

	select {
	case <-jm.Ready():
	default:
		t.Error("expected ready notification")
	}
}

// ============================================================================
// RecordFileArrived Tests
// ============================================================================

func TestRecordFileArrived(t *testing.T) {
	jm, _ := newTestJobManager()
	_, _, err := jm.CreateOrGet(newSubmission(1, 2))
	assertNoError(t, err)

	ready, err := jm.RecordFileArrived(testKey(1), "a.bin")
	assertNoError(t, err)
	if ready {
		t.Error("job should not be ready after 1 of 2 files")
	}
	assertJobState(t, jm, testKey(1), types.StateUploading)

	// 同一檔名重複到達不計數
	ready, err = jm.RecordFileArrived(testKey(1), "a.bin")
	assertNoError(t, err)
	if ready {
		t.Error("duplicate filename must not complete the job")
	}

	ready, err = jm.RecordFileArrived(testKey(1), "b.bin")
	assertNoError(t, err)
	if !ready {
		t.Error("job should be ready after 2 of 2 files")
	}
	assertJobState(t, jm, testKey(1), types.StateReady)

	info, _ := jm.Lookup(testKey(1))
	if info.Received != 2 {
		t.Errorf("received = %d, want 2", info.Received)
	}

	// 齊全後再到達的檔案被拒絕
	_, err = jm.RecordFileArrived(testKey(1), "c.bin")
	assertError(t, err, ErrNotAcceptingFiles)
	info, _ = jm.Lookup(testKey(1))
	if info.Received > info.FileCount {
		t.Errorf("received %d exceeds file count %d", info.Received, info.FileCount)
	}
}

func TestRecordFileArrivedUnknownJob(t *testing.T) {
	jm, _ := newTestJobManager()
	_, err := jm.RecordFileArrived(testKey(9), "a.bin")
	assertError(t, err, ErrJobNotFound)
}

// TestConcurrentCompletionExactlyOnce 大量並發完成通知，任務只交接一次
func TestConcurrentCompletionExactlyOnce(t *testing.T) {
	jm, _ := newTestJobManager()
	const files = 8
	_, _, err := jm.CreateOrGet(newSubmission(1, files))
	assertNoError(t, err)

	var readyCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < files; i++ {
		for dup := 0; dup < 4; dup++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ready, err := jm.RecordFileArrived(testKey(1), fmt.Sprintf("f%d", i))
				if err != nil && !errors.Is(err, ErrNotAcceptingFiles) {
					t.Errorf("unexpected error: %v", err)
				}
				if ready {
					readyCount.Add(1)
				}
			}(i)
		}
	}
	wg.Wait()

	if got := readyCount.Load(); got != 1 {
		t.Fatalf("job became ready %d times, want 1", got)
	}
	taken := jm.TakeReady()
	if len(taken) != 1 {
		t.Fatalf("took %d jobs, want 1", len(taken))
	}
	if again := jm.TakeReady(); len(again) != 0 {
		t.Fatalf("second take returned %d jobs", len(again))
	}
}

// ============================================================================
// Execution Handoff Tests
// ============================================================================

func TestTakeReadyAndComplete(t *testing.T) {
	jm, _ := newTestJobManager()
	for i := uint32(1); i <= 3; i++ {
		_, _, err := jm.CreateOrGet(newSubmission(i, 1))
		assertNoError(t, err)
	}
	for _, id := range []uint32{2, 1} {
		_, err := jm.RecordFileArrived(testKey(id), "in")
		assertNoError(t, err)
	}

	taken := jm.TakeReady()
	if len(taken) != 2 {
		t.Fatalf("took %d jobs, want 2", len(taken))
	}
	// FIFO：先齊全的先執行
	if taken[0].Key != testKey(2) || taken[1].Key != testKey(1) {
		t.Errorf("unexpected order: %s, %s", taken[0].Key, taken[1].Key)
	}
	assertJobState(t, jm, testKey(1), types.StateExecuting)

	// 執行中的任務重複提交仍然是冪等的
	_, created, err := jm.CreateOrGet(newSubmission(1, 1))
	assertNoError(t, err)
	if created {
		t.Error("resubmission during execution must not create")
	}

	assertNoError(t, jm.Complete(testKey(1)))
	if _, ok := jm.Lookup(testKey(1)); ok {
		t.Error("completed job should be removed")
	}
	assertError(t, jm.Complete(testKey(1)), ErrJobNotFound)
	assertError(t, jm.Complete(testKey(3)), ErrNotExecuting)

	// 完成後的遲到檔案：查詢未命中
	_, err = jm.RecordFileArrived(testKey(1), "late")
	assertError(t, err, ErrJobNotFound)
}

func TestSnapshotAndCounts(t *testing.T) {
	jm, _ := newTestJobManager()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	jm.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i := uint32(3); i >= 1; i-- {
		_, _, err := jm.CreateOrGet(newSubmission(i, 1))
		assertNoError(t, err)
	}
	_, err := jm.RecordFileArrived(testKey(2), "x")
	assertNoError(t, err)

	snap := jm.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	if snap[0].Key != testKey(3) || snap[2].Key != testKey(1) {
		t.Errorf("snapshot not ordered by submission time")
	}

	// 修改副本不影響內部狀態
	snap[0].Command = "mutated"
	info, _ := jm.Lookup(testKey(3))
	if info.Command != "echo hello" {
		t.Error("snapshot must be a copy")
	}

	counts := jm.Counts()
	if counts[types.StateSubmitted] != 2 || counts[types.StateReady] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}
