// ============================================================================
// jobfarm Upload Worker - 單一檔案傳輸單元
// ============================================================================
//
// Package: internal/upload
// File: worker.go
// Function: 每個 Worker 是獨立 goroutine，一次處理一張上傳票據
//
// How it works:
//   1. 從 Pool 取得優先權最高的票據（受並發上限管制）
//   2. 領取一條來自申請者 IP 的資料連線（等待上限 accept_timeout）
//   3. 精確讀取宣告大小的位元組寫入 <file>.part（每次讀取有 idle_timeout），
//      之後對端必須關閉連線；多送的資料表示配錯連線，整筆放棄
//   4. 成功後 rename 為正式檔名，並通知任務表
//   5. 任何錯誤都放棄該票據，不重試
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for ticket := pool.next()    │   │
//   │  │   ├─ conns.take(peer)        │   │
//   │  │   ├─ io.CopyN(file, conn)    │   │
//   │  │   ├─ jobs.RecordFileArrived  │   │
//   │  │   └─ pool.release(ticket)    │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// ============================================================================

package upload

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobfarm/internal/jobmanager"
)

// Worker represents one upload execution unit
type Worker struct {
	id   int
	pool *Pool
	log  *zap.Logger
}

func newWorker(id int, pool *Pool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
		log:  pool.log.With(zap.Int("worker", id)),
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		ticket, ok := w.pool.next()
		if !ok {
			return
		}
		w.handle(ticket)
		w.pool.release(ticket)
	}
}

func (w *Worker) handle(t *Ticket) {
	p := w.pool
	log := w.log.With(zap.Stringer("job", t.Job), zap.String("file", t.Filename), zap.Uint64("size", t.Size))
	log.Info("upload started", zap.Duration("waited", p.now().Sub(t.EnqueuedAt)))

	start := time.Now()
	n, err := w.transfer(t)
	if err != nil {
		p.metrics.RecordUploadAborted(n)
		log.Warn("upload aborted", zap.Int64("received", n), zap.Error(err))
		return
	}
	p.metrics.RecordUploadCompleted(n, time.Since(start))

	ready, err := p.jobs.RecordFileArrived(t.Job, t.Filename)
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound), errors.Is(err, jobmanager.ErrNotAcceptingFiles):
		log.Info("upload finished for a job that no longer accepts files", zap.Error(err))
	case err != nil:
		log.Error("failed to record file arrival", zap.Error(err))
	case ready:
		log.Info("upload complete, job ready to execute", zap.Duration("elapsed", time.Since(start)))
	default:
		log.Info("upload complete", zap.Duration("elapsed", time.Since(start)))
	}
}

// transfer 領取連線並接收檔案，回傳實際寫入的位元組數
func (w *Worker) transfer(t *Ticket) (int64, error) {
	p := w.pool

	conn, err := p.conns.take(t.Peer, p.cfg.AcceptTimeout, p.stopCh)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransferAborted, err)
	}
	p.track(conn)
	defer p.untrack(conn)
	defer conn.Close()

	path, err := p.files.FilePath(t.Job, t.Filename)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransferAborted, err)
	}
	part := path + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %w", ErrTransferAborted, part, err)
	}

	n, err := io.CopyN(f, &idleReader{conn: conn, timeout: p.cfg.IdleTimeout}, int64(t.Size))
	if err == nil {
		err = expectEOF(conn, trailingWait)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("peer closed after %d of %d bytes: %w", n, t.Size, io.ErrUnexpectedEOF)
		}
		return n, fmt.Errorf("%w: %w", ErrTransferAborted, err)
	}
	if err := os.Rename(part, path); err != nil {
		os.Remove(part)
		return n, fmt.Errorf("%w: rename: %w", ErrTransferAborted, err)
	}
	return n, nil
}

// trailingWait 讀滿宣告大小後，等待對端關閉連線的上限
const trailingWait = 250 * time.Millisecond

// expectEOF 確認對端在宣告大小之後沒有多送資料
//
// 多出的資料代表這條連線屬於另一張票據（同一 IP 的連線只能依到達順序配對），
// 此時整筆傳輸視為失敗。等待逾時或連線錯誤不算多送。
func expectEOF(conn net.Conn, wait time.Duration) error {
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return nil
	}
	var b [1]byte
	if n, _ := conn.Read(b[:]); n > 0 {
		return ErrTrailingData
	}
	return nil
}

// idleReader 每次 Read 前重設讀取期限，停滯超過 timeout 即失敗
type idleReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *idleReader) Read(b []byte) (int, error) {
	if r.timeout > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
			return 0, err
		}
	}
	return r.conn.Read(b)
}
