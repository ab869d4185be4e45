// ============================================================================
// jobfarm 下載分派器
// ============================================================================
//
// Package: internal/download
// 文件: dispatcher.go
// 功能: 下載票據的 FIFO 佇列，把下載埠上的連線與票據配對後串流檔案
//
// 流程:
//   1. Request() - 檔案存在才入隊（stat 失敗 → ErrFileNotFound）
//   2. acceptLoop - 每接受一條連線，取佇列最前端的票據
//   3. 驗證連線對端 IP == 註冊表中該客戶端最後的位址
//      ├─ 相符: 交給串流 goroutine（並發上限 max_downloads）
//      └─ 不符: 關閉連線，記錄安全事件，票據放回佇列最前端
//   4. 票據所屬客戶端已被清除 → 丟棄票據，繼續取下一張
//
// 配對是序列化的（單一 acceptLoop），確保 FIFO；
// 串流本身可以並行。
//
// ============================================================================

package download

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobfarm/internal/metrics"
	"github.com/ChuLiYu/jobfarm/pkg/types"
)

var (
	// ErrFileNotFound 檔案不存在或不是一般檔案
	ErrFileNotFound = errors.New("file not found")
	// ErrDispatcherClosed 分派器已關閉
	ErrDispatcherClosed = errors.New("download dispatcher is closed")
	// ErrInvalidLimit 並發上限必須 >= 1
	ErrInvalidLimit = errors.New("download limit must be at least 1")
)

// Addresses 查詢客戶端最後的位址（由 registry.Registry 實作）
type Addresses interface {
	AddressOf(id types.ClientID) (netip.AddrPort, bool)
}

// Files 任務檔案路徑
type Files interface {
	FilePath(key types.JobKey, name string) (string, error)
}

// Config 下載分派器配置
type Config struct {
	MaxDownloads int           // 同時串流的上限
	WaitTimeout  time.Duration // 連線到達但佇列為空時的等待上限
	WriteTimeout time.Duration // 單次寫入的停滯上限
}

// Ticket 下載票據
type Ticket struct {
	Job        types.JobKey `json:"job"`
	Filename   string       `json:"filename"`
	Path       string       `json:"-"`
	Size       int64        `json:"size"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// Dispatcher 下載分派器
type Dispatcher struct {
	cfg     Config
	ln      net.Listener
	addrs   Addresses
	files   Files
	log     *zap.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	queue   []*Ticket
	notify  chan struct{}
	limit   int
	active  int
	slotCh  chan struct{} // 有串流結束時通知
	live    map[net.Conn]struct{}
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher 建立下載分派器
func NewDispatcher(cfg Config, ln net.Listener, addrs Addresses, files Files, logger *zap.Logger, m *metrics.Collector) *Dispatcher {
	if cfg.MaxDownloads < 1 {
		cfg.MaxDownloads = 1
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:     cfg,
		ln:      ln,
		addrs:   addrs,
		files:   files,
		log:     logger,
		metrics: m,
		notify:  make(chan struct{}, 1),
		limit:   cfg.MaxDownloads,
		slotCh:  make(chan struct{}, 1),
		live:    make(map[net.Conn]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start 啟動 acceptLoop
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.acceptLoop()
}

// Request 檔案存在時入隊並回傳大小
func (d *Dispatcher) Request(key types.JobKey, filename string) (int64, error) {
	path, err := d.files.FilePath(key, filename)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFileNotFound, err)
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, ErrFileNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return 0, ErrDispatcherClosed
	}
	d.queue = append(d.queue, &Ticket{
		Job:        key,
		Filename:   filename,
		Path:       path,
		Size:       info.Size(),
		EnqueuedAt: time.Now(),
	})
	d.metrics.SetDownloadQueueDepth(len(d.queue))
	d.signal()
	return info.Size(), nil
}

// Len 佇列長度
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Snapshot 佇列副本（FIFO 順序）
func (d *Dispatcher) Snapshot() []Ticket {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Ticket, len(d.queue))
	for i, t := range d.queue {
		out[i] = *t
	}
	return out
}

// SetLimit 調整同時串流上限
func (d *Dispatcher) SetLimit(n int) error {
	if n < 1 {
		return ErrInvalidLimit
	}
	d.mu.Lock()
	d.limit = n
	d.mu.Unlock()
	d.releaseSlot()
	return nil
}

// Limit 目前同時串流上限
func (d *Dispatcher) Limit() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limit
}

// Addr 下載監聽位址
func (d *Dispatcher) Addr() net.Addr {
	return d.ln.Addr()
}

// Stop 關閉監聽並中斷進行中的串流
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for conn := range d.live {
		conn.Close()
	}
	d.mu.Unlock()

	close(d.stopCh)
	d.ln.Close()
	d.wg.Wait()
}

// ============================================================================
// 配對與串流
// ============================================================================

func (d *Dispatcher) acceptLoop() {
	defer d.wg.Done()

	for {
		conn, err := d.ln.Accept()
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Warn("accept failed", zap.Error(err))
			select {
			case <-d.stopCh:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		d.serve(conn)
	}
}

// serve 為一條連線配對票據；配對成功後串流在獨立 goroutine 進行
func (d *Dispatcher) serve(conn net.Conn) {
	peer := peerAddr(conn)

	for {
		t := d.next(d.cfg.WaitTimeout)
		if t == nil {
			d.log.Debug("no download queued for connection", zap.Stringer("peer", peer))
			conn.Close()
			return
		}

		expected, ok := d.addrs.AddressOf(t.Job.Client)
		if !ok {
			d.log.Info("dropping download for departed client", zap.Stringer("job", t.Job), zap.String("file", t.Filename))
			continue
		}
		if want := expected.Addr().Unmap(); !peer.IsValid() || peer != want {
			d.pushFront(t)
			d.metrics.RecordDownloadRefused()
			d.log.Warn("SECURITY: download connection address mismatch",
				zap.Stringer("job", t.Job),
				zap.String("file", t.Filename),
				zap.Stringer("peer", peer),
				zap.Stringer("expected", want))
			conn.Close()
			return
		}

		if !d.acquireSlot() {
			d.pushFront(t)
			conn.Close()
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.freeSlot()
			d.stream(conn, t)
		}()
		return
	}
}

func (d *Dispatcher) stream(conn net.Conn, t *Ticket) {
	log := d.log.With(zap.Stringer("job", t.Job), zap.String("file", t.Filename))
	if !d.track(conn) {
		return
	}
	defer d.untrack(conn)
	defer conn.Close()

	f, err := os.Open(t.Path)
	if err != nil {
		log.Warn("download source disappeared", zap.Error(err))
		return
	}
	defer f.Close()

	start := time.Now()
	n, err := io.Copy(&idleWriter{conn: conn, timeout: d.cfg.WriteTimeout}, f)
	if err != nil {
		log.Warn("download aborted", zap.Int64("sent", n), zap.Error(err))
		return
	}
	d.metrics.RecordDownloadServed()
	log.Info("download complete", zap.Int64("bytes", n), zap.Duration("elapsed", time.Since(start)))
}

// next 取出佇列最前端的票據，最多等待 timeout
func (d *Dispatcher) next(timeout time.Duration) *Ticket {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			t := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.metrics.SetDownloadQueueDepth(len(d.queue))
			d.mu.Unlock()
			return t
		}
		d.mu.Unlock()

		select {
		case <-d.notify:
		case <-timer.C:
			return nil
		case <-d.stopCh:
			return nil
		}
	}
}

func (d *Dispatcher) pushFront(t *Ticket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append([]*Ticket{t}, d.queue...)
	d.metrics.SetDownloadQueueDepth(len(d.queue))
	d.signal()
}

// signal 呼叫者必須持有鎖
func (d *Dispatcher) signal() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// acquireSlot 等待串流名額；分派器關閉時回傳 false
func (d *Dispatcher) acquireSlot() bool {
	for {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return false
		}
		if d.active < d.limit {
			d.active++
			d.mu.Unlock()
			return true
		}
		d.mu.Unlock()

		select {
		case <-d.slotCh:
		case <-d.stopCh:
			return false
		}
	}
}

func (d *Dispatcher) freeSlot() {
	d.mu.Lock()
	d.active--
	d.mu.Unlock()
	d.releaseSlot()
}

func (d *Dispatcher) releaseSlot() {
	select {
	case d.slotCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) track(conn net.Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		conn.Close()
		return false
	}
	d.live[conn] = struct{}{}
	return true
}

func (d *Dispatcher) untrack(conn net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.live, conn)
}

type idleWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *idleWriter) Write(b []byte) (int, error) {
	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return 0, err
		}
	}
	return w.conn.Write(b)
}

func peerAddr(conn net.Conn) netip.Addr {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap()
	}
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}
