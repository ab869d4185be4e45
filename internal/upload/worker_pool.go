// ============================================================================
// jobfarm Upload Pool - 上傳准入控制器
// ============================================================================
//
// Package: internal/upload
// 文件: worker_pool.go
// 功能: 上傳票據的准入、排序、並發上限與 Worker 生命週期
//
// 架構組件:
//   ┌─────────────┐
//   │ UDP server  │ --Enqueue()--> Queue (priority heap)
//   └─────────────┘                    │
//                                      ↓ next(): active < limit
//   ┌──────────────────────────────────────────┐
//   │   Pool                                   │
//   │  ┌────────┐                              │
//   │  │Worker 1│←── ticket ──→ conns.take()   │
//   │  │Worker 2│←── ticket ──→ conns.take()   │←── acceptLoop ←── TCP listener
//   │  │Worker N│  (N 可於執行期調整)           │
//   │  └────────┘                              │
//   └──────────────────────────────────────────┘
//
// 並發控制:
//   - mu + cond 保護 queue / active / limit / pending，單一互斥域
//   - active <= limit 永遠成立；SetLimit 降低時，執行中的傳輸照常完成，
//     只是不再取新票據
//   - SetLimit 提高時補足 Worker goroutine
//
// 生命週期:
//   1. NewPool() - 建立 Pool
//   2. Start() - 啟動 acceptLoop 與 limit 個 Worker
//   3. Enqueue(req) - 准入檢查後入隊
//   4. Stop() - 關閉監聽、中斷進行中的連線、等待所有 goroutine 結束
//
// ============================================================================

package upload

import (
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobfarm/internal/metrics"
	"github.com/ChuLiYu/jobfarm/pkg/types"
)

// Jobs 任務表中與上傳相關的操作
type Jobs interface {
	AcceptsFiles(key types.JobKey) bool
	RecordFileArrived(key types.JobKey, filename string) (bool, error)
}

// Files 任務檔案的落地路徑
type Files interface {
	FilePath(key types.JobKey, name string) (string, error)
}

// Config 上傳控制器配置
type Config struct {
	MaxUploads    int           // 並發傳輸上限
	MaxQueued     int           // 佇列長度上限，0 表示不限
	MaxFileSize   uint64        // 單檔大小上限，0 表示不限
	AgingFactor   float64       // 每秒等待增加的優先權
	AcceptTimeout time.Duration // Worker 等待資料連線的上限
	IdleTimeout   time.Duration // 傳輸中單次讀取的停滯上限
}

// 等待配對的資料連線上限（全部 / 每個來源 IP）
const (
	maxWaitingConns   = 256
	maxWaitingPerPeer = 16
)

// Pool 上傳准入控制器
type Pool struct {
	cfg     Config
	jobs    Jobs
	files   Files
	ln      net.Listener
	log     *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *Queue
	pending map[ticketKey]bool // true 表示傳輸中
	running map[ticketKey]*Ticket
	active  int
	limit   int
	workers int
	live    map[net.Conn]struct{}
	started bool
	stopped bool

	conns  *connQueue
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool 建立上傳控制器；ln 為所有上傳共用的 TCP 監聽
func NewPool(cfg Config, ln net.Listener, jobs Jobs, files Files, logger *zap.Logger, m *metrics.Collector) *Pool {
	if cfg.MaxUploads < 1 {
		cfg.MaxUploads = 1
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 30 * time.Second
	}
	now := time.Now
	p := &Pool{
		cfg:     cfg,
		jobs:    jobs,
		files:   files,
		ln:      ln,
		log:     logger,
		metrics: m,
		now:     now,
		queue:   NewQueue(cfg.AgingFactor, now()),
		pending: make(map[ticketKey]bool),
		running: make(map[ticketKey]*Ticket),
		limit:   cfg.MaxUploads,
		live:    make(map[net.Conn]struct{}),
		conns:   newConnQueue(cfg.AcceptTimeout, maxWaitingConns, maxWaitingPerPeer),
		stopCh:  make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start 啟動 acceptLoop 與 Worker
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	p.started = true

	p.wg.Add(1)
	go p.acceptLoop()
	p.spawnLocked(p.limit)
	p.metrics.SetUploadStats(0, 0, p.limit)
	return nil
}

// Enqueue 准入檢查後入隊
//
// 錯誤處理：
//   - ErrFileTooLarge: 宣告大小超過上限
//   - ErrJobNotFound: 任務不存在或已齊全
//   - ErrQueueFull: 佇列已滿
//   - jobdir.ErrInvalidFilename: 檔名不合法
//
// 同一 (job, filename) 已在佇列或傳輸中時直接回傳 nil（客戶端重送）
func (p *Pool) Enqueue(req Request) error {
	if err := p.admit(req); err != nil {
		p.metrics.RecordUploadRejected()
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if !p.started {
		return ErrPoolNotStarted
	}
	key := ticketKey{job: req.Job, name: req.Filename}
	if _, dup := p.pending[key]; dup {
		return nil
	}
	if p.cfg.MaxQueued > 0 && p.queue.Len() >= p.cfg.MaxQueued {
		p.metrics.RecordUploadRejected()
		return ErrQueueFull
	}

	p.queue.Push(&Ticket{
		Job:        req.Job,
		Filename:   req.Filename,
		Size:       req.Size,
		Peer:       req.Peer.Unmap(),
		EnqueuedAt: p.now(),
	})
	p.pending[key] = false
	p.metrics.RecordUploadEnqueued()
	p.publishStatsLocked()
	p.cond.Signal()
	return nil
}

func (p *Pool) admit(req Request) error {
	if req.Size > math.MaxInt64 || (p.cfg.MaxFileSize > 0 && req.Size > p.cfg.MaxFileSize) {
		return fmt.Errorf("%w: %d bytes", ErrFileTooLarge, req.Size)
	}
	if _, err := p.files.FilePath(req.Job, req.Filename); err != nil {
		return err
	}
	if !p.jobs.AcceptsFiles(req.Job) {
		return ErrJobNotFound
	}
	return nil
}

// SetLimit 調整並發上限，立即生效
func (p *Pool) SetLimit(n int) error {
	if n < 1 {
		return ErrInvalidLimit
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.limit
	p.limit = n
	if p.started && !p.stopped && n > p.workers {
		p.spawnLocked(n - p.workers)
	}
	p.publishStatsLocked()
	p.cond.Broadcast()
	p.log.Info("upload limit changed", zap.Int("from", old), zap.Int("to", n))
	return nil
}

// Limit 目前並發上限
func (p *Pool) Limit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// Stats 佇列與並發狀態
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{InFlight: p.active, Queued: p.queue.Len(), Limit: p.limit}
}

// Snapshot 傳輸中的票據（Active，依入隊時間）在前，其後為佇列中的票據（出隊順序）
func (p *Pool) Snapshot() []TicketInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]TicketInfo, 0, len(p.running)+p.queue.Len())
	for _, t := range p.running {
		out = append(out, TicketInfo{
			Job:        t.Job,
			Filename:   t.Filename,
			Size:       t.Size,
			EnqueuedAt: t.EnqueuedAt,
			Waiting:    now.Sub(t.EnqueuedAt),
			Priority:   t.Priority(now, p.cfg.AgingFactor),
			Active:     true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return append(out, p.queue.Snapshot(now)...)
}

// Addr 上傳監聽位址
func (p *Pool) Addr() net.Addr {
	return p.ln.Addr()
}

// Stop 停止所有 Worker；佇列中的票據被丟棄，進行中的傳輸被中斷
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for conn := range p.live {
		conn.Close()
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	close(p.stopCh)
	p.ln.Close()
	p.conns.close()
	p.wg.Wait()
}

// ============================================================================
// Worker 調度
// ============================================================================

// next 阻塞直到可以開始一次傳輸；Pool 關閉時回傳 false
func (p *Pool) next() (*Ticket, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.stopped && (p.queue.Len() == 0 || p.active >= p.limit) {
		p.cond.Wait()
	}
	if p.stopped {
		return nil, false
	}
	t := p.queue.Pop()
	p.active++
	p.pending[t.key()] = true
	p.running[t.key()] = t
	p.publishStatsLocked()
	return t, true
}

func (p *Pool) release(t *Ticket) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active--
	delete(p.pending, t.key())
	delete(p.running, t.key())
	p.publishStatsLocked()
	p.cond.Broadcast()
}

func (p *Pool) spawnLocked(n int) {
	for i := 0; i < n; i++ {
		w := newWorker(p.workers, p)
		p.workers++
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run()
		}()
	}
}

func (p *Pool) publishStatsLocked() {
	p.metrics.SetUploadStats(p.active, p.queue.Len(), p.limit)
}

func (p *Pool) track(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		conn.Close()
		return
	}
	p.live[conn] = struct{}{}
}

func (p *Pool) untrack(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, conn)
}

// acceptLoop 接受資料連線，放入待配對佇列
func (p *Pool) acceptLoop() {
	defer p.wg.Done()

	for {
		conn, err := p.ln.Accept()
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.log.Warn("accept failed", zap.Error(err))
			select {
			case <-p.stopCh:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if !p.conns.put(conn) {
			p.log.Warn("upload connection refused, too many waiting",
				zap.Stringer("addr", conn.RemoteAddr()))
		}
	}
}
