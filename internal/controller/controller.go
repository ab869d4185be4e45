// ============================================================================
// jobfarm 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 建立並串接所有元件，綁定所有監聽埠，管理背景循環與優雅關閉
//
// 組件:
//   - Registry:   客戶端登錄表（心跳、逾時清除）
//   - JobManager: 任務表（Submitted → Uploading → Ready → Executing）
//   - Server:     UDP 控制面（登錄、任務、上傳/下載請求）
//   - Pool:       上傳准入控制（優先權佇列 + 有上限的 worker）
//   - Dispatcher: 下載分派（FIFO，對端位址驗證）
//   - Executor:   命令執行器
//   - Console:    管理控制台（可選）
//   - HTTP / gRPC: /metrics /healthz /status 與健康檢查服務（可選）
//
// 背景循環:
//   1. Sweep Loop - 定期清除心跳逾時的客戶端，並回收閒置的限流桶
//   2. Stats Loop - 定期更新登錄表與任務表的 gauge
//   3. Exec Loop  - 執行齊全的任務並回報結果
//
// 啟動與關閉:
//   - Start 先綁定所有監聽埠；任一失敗則關閉已綁定者並返回錯誤（唯一的致命錯誤）
//   - 各元件的服務 goroutine 由 errgroup 管理
//   - Stop 並行關閉各元件，等待所有 goroutine 退出
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/jobfarm/internal/admin"
	"github.com/ChuLiYu/jobfarm/internal/download"
	"github.com/ChuLiYu/jobfarm/internal/executor"
	"github.com/ChuLiYu/jobfarm/internal/jobmanager"
	"github.com/ChuLiYu/jobfarm/internal/logbus"
	"github.com/ChuLiYu/jobfarm/internal/metrics"
	"github.com/ChuLiYu/jobfarm/internal/registry"
	"github.com/ChuLiYu/jobfarm/internal/server"
	"github.com/ChuLiYu/jobfarm/internal/storage/jobdir"
	"github.com/ChuLiYu/jobfarm/internal/upload"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	DataDir string // 任務工作目錄的根目錄

	ControlAddr  string // UDP 控制面
	UploadAddr   string // TCP 上傳
	DownloadAddr string // TCP 下載
	AdvertiseIP  string // UploadAck 中公告的 IP，空值使用上傳監聽 IP
	RateLimit    float64
	RateBurst    int

	HeartbeatTimeout time.Duration // 超過此時間未收到心跳即清除
	SweepInterval    time.Duration // 清除循環間隔

	MaxUploads          int
	MaxQueuedUploads    int
	MaxFileSize         uint64
	AgingFactor         float64
	UploadAcceptTimeout time.Duration
	UploadIdleTimeout   time.Duration

	MaxDownloads         int
	DownloadWaitTimeout  time.Duration
	DownloadWriteTimeout time.Duration

	Shell            string
	ExecTimeout      time.Duration
	ExecPollInterval time.Duration

	AdminNetwork     string // unix 或 tcp
	AdminAddr        string // 空值停用管理控制台
	AdminIdleTimeout time.Duration
	AdminLogPoll     time.Duration

	HTTPAddr      string // 空值停用 /metrics /healthz /status
	GRPCAddr      string // 空值停用 gRPC 健康檢查
	StatsInterval time.Duration
}

// Addrs 實際綁定的位址（監聽 :0 時測試需要）
type Addrs struct {
	Control  netip.AddrPort
	Upload   net.Addr
	Download net.Addr
	Admin    net.Addr
	HTTP     net.Addr
	GRPC     net.Addr
}

// Controller 核心控制器
type Controller struct {
	config    Config
	log       *zap.Logger
	bus       *logbus.Bus
	promReg   *prometheus.Registry
	metrics   *metrics.Collector
	store     *jobdir.Store
	clients   *registry.Registry
	jobs      *jobmanager.JobManager
	control   *server.Server
	uploads   *upload.Pool
	downloads *download.Dispatcher
	executor  *executor.Executor
	console   *admin.Console
	health    *server.HealthServer
	httpSrv   *http.Server
	httpLn    net.Listener

	mu        sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
	startTime time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立 Controller；不綁定任何監聽埠
func NewController(config Config, logger *zap.Logger, bus *logbus.Bus) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = logbus.New(logbus.DefaultCapacity)
	}
	if config.HeartbeatTimeout <= 0 {
		return nil, errors.New("heartbeat timeout must be positive")
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = config.HeartbeatTimeout / 3
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = 5 * time.Second
	}
	if config.AdminNetwork == "" {
		config.AdminNetwork = "unix"
	}

	store, err := jobdir.New(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open data dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Controller{
		config:   config,
		log:      logger,
		bus:      bus,
		promReg:  reg,
		metrics:  metrics.NewCollector(reg),
		store:    store,
		clients:  registry.New(config.HeartbeatTimeout),
		jobs:     jobmanager.NewJobManager(store),
		stopCh:   make(chan struct{}),
	}, nil
}

// listeners 啟動時綁定的所有監聽埠
type listeners struct {
	control  *net.UDPConn
	upload   net.Listener
	download net.Listener
	admin    net.Listener
	http     net.Listener
	grpc     net.Listener

	bound []io.Closer
}

func (l *listeners) close() {
	for _, c := range l.bound {
		c.Close()
	}
}

func (c *Controller) bind() (*listeners, error) {
	l := &listeners{}
	fail := func(what string, err error) (*listeners, error) {
		l.close()
		return nil, fmt.Errorf("failed to bind %s listener: %w", what, err)
	}
	listen := func(network, addr string) (net.Listener, error) {
		ln, err := net.Listen(network, addr)
		if err == nil {
			l.bound = append(l.bound, ln)
		}
		return ln, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", c.config.ControlAddr)
	if err != nil {
		return fail("control", err)
	}
	if l.control, err = net.ListenUDP("udp", udpAddr); err != nil {
		return fail("control", err)
	}
	l.bound = append(l.bound, l.control)

	if l.upload, err = listen("tcp", c.config.UploadAddr); err != nil {
		return fail("upload", err)
	}
	if l.download, err = listen("tcp", c.config.DownloadAddr); err != nil {
		return fail("download", err)
	}
	if c.config.AdminAddr != "" {
		if c.config.AdminNetwork == "unix" {
			removeStaleSocket(c.config.AdminAddr)
		}
		if l.admin, err = listen(c.config.AdminNetwork, c.config.AdminAddr); err != nil {
			return fail("admin", err)
		}
	}
	if c.config.HTTPAddr != "" {
		if l.http, err = listen("tcp", c.config.HTTPAddr); err != nil {
			return fail("http", err)
		}
	}
	if c.config.GRPCAddr != "" {
		if l.grpc, err = listen("tcp", c.config.GRPCAddr); err != nil {
			return fail("grpc", err)
		}
	}
	return l, nil
}

// removeStaleSocket 移除上次執行遺留的 unix socket 檔案
func removeStaleSocket(path string) {
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSocket != 0 {
		os.Remove(path)
	}
}

// uploadEndpoint 決定 UploadAck 公告的位址；未指定 IP 時公告 0.0.0.0，
// 客戶端以控制面的伺服器位址連線
func (c *Controller) uploadEndpoint(ln net.Listener) (netip.AddrPort, error) {
	port := uint16(0)
	ip := netip.IPv4Unspecified()
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		port = uint16(tcp.Port)
		if a, ok := netip.AddrFromSlice(tcp.IP); ok && !a.Unmap().IsUnspecified() && a.Unmap().Is4() {
			ip = a.Unmap()
		}
	}
	if c.config.AdvertiseIP != "" {
		a, err := netip.ParseAddr(c.config.AdvertiseIP)
		if err != nil || !a.Unmap().Is4() {
			return netip.AddrPort{}, fmt.Errorf("advertise ip %q must be an IPv4 address", c.config.AdvertiseIP)
		}
		ip = a.Unmap()
	}
	return netip.AddrPortFrom(ip, port), nil
}

// Start 綁定監聽埠並啟動所有元件
//
// 流程：
//  1. 綁定所有監聽埠（失敗即返回）
//  2. 建立 Server / Pool / Dispatcher / Executor / Console
//  3. 啟動服務 goroutine 與背景循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("controller already started")
	}
	c.startTime = time.Now()

	// 1. 綁定
	l, err := c.bind()
	if err != nil {
		return err
	}
	endpoint, err := c.uploadEndpoint(l.upload)
	if err != nil {
		l.close()
		return err
	}

	// 2. 建立元件
	c.uploads = upload.NewPool(upload.Config{
		MaxUploads:    c.config.MaxUploads,
		MaxQueued:     c.config.MaxQueuedUploads,
		MaxFileSize:   c.config.MaxFileSize,
		AgingFactor:   c.config.AgingFactor,
		AcceptTimeout: c.config.UploadAcceptTimeout,
		IdleTimeout:   c.config.UploadIdleTimeout,
	}, l.upload, c.jobs, c.store, c.log.Named("upload"), c.metrics)

	c.downloads = download.NewDispatcher(download.Config{
		MaxDownloads: c.config.MaxDownloads,
		WaitTimeout:  c.config.DownloadWaitTimeout,
		WriteTimeout: c.config.DownloadWriteTimeout,
	}, l.download, c.clients, c.store, c.log.Named("download"), c.metrics)

	c.control = server.NewServer(server.Config{
		UploadEndpoint: endpoint,
		RateLimit:      c.config.RateLimit,
		RateBurst:      c.config.RateBurst,
	}, l.control, c.clients, c.jobs, c.uploads, c.downloads, c.log.Named("control"), c.metrics)

	c.executor = executor.New(executor.Config{
		Shell:        c.config.Shell,
		Timeout:      c.config.ExecTimeout,
		PollInterval: c.config.ExecPollInterval,
	}, c.jobs, c.control, c.log.Named("executor"), c.metrics)

	if l.admin != nil {
		c.console = admin.New(admin.Config{
			LogPoll:     c.config.AdminLogPoll,
			IdleTimeout: c.config.AdminIdleTimeout,
		}, l.admin, c.clients, c.jobs, c.uploads, c.downloads, c.bus, c.log.Named("admin"), c.metrics)
	}
	if l.http != nil {
		c.httpLn = l.http
		c.httpSrv = &http.Server{Handler: c.routes(), ReadHeaderTimeout: 5 * time.Second}
	}
	if l.grpc != nil {
		c.health = server.NewHealthServer(l.grpc, c.log.Named("grpc"))
	}

	// 3. 啟動
	if err := c.uploads.Start(); err != nil {
		l.close()
		return fmt.Errorf("failed to start upload pool: %w", err)
	}
	c.downloads.Start()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.group = &errgroup.Group{}

	c.group.Go(c.control.Serve)
	c.group.Go(func() error {
		c.executor.Run(ctx)
		return nil
	})
	if c.console != nil {
		c.group.Go(c.console.Serve)
	}
	if c.httpSrv != nil {
		c.group.Go(func() error {
			if err := c.httpSrv.Serve(c.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	if c.health != nil {
		c.group.Go(c.health.Serve)
		c.health.MarkServing()
	}

	c.loopWg.Add(2)
	go c.sweepLoop()
	go c.statsLoop()

	c.started = true
	c.log.Info("controller started",
		zap.String("control", l.control.LocalAddr().String()),
		zap.Stringer("upload", l.upload.Addr()),
		zap.Stringer("download", l.download.Addr()),
		zap.Stringer("advertise", endpoint),
		zap.Int("max_uploads", c.uploads.Limit()),
		zap.Int("max_downloads", c.downloads.Limit()))
	return nil
}

// Stop 關閉所有元件並等待背景 goroutine 退出
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.log.Info("stopping controller")
	close(c.stopCh)
	c.loopWg.Wait()

	// 各元件並行關閉
	var stops errgroup.Group
	stops.Go(c.control.Close)
	stops.Go(func() error {
		c.uploads.Stop()
		return nil
	})
	stops.Go(func() error {
		c.downloads.Stop()
		return nil
	})
	if c.console != nil {
		stops.Go(func() error {
			c.console.Stop()
			return nil
		})
	}
	if c.health != nil {
		stops.Go(func() error {
			c.health.Stop()
			return nil
		})
	}
	if c.httpSrv != nil {
		stops.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return c.httpSrv.Shutdown(ctx)
		})
	}
	stopErr := stops.Wait()

	c.cancel()
	serveErr := c.group.Wait()

	c.log.Info("controller stopped", zap.Duration("uptime", time.Since(c.startTime)))
	return errors.Join(stopErr, serveErr)
}

// Addrs 實際綁定位址；Start 之前呼叫得到零值
func (c *Controller) Addrs() Addrs {
	c.mu.Lock()
	defer c.mu.Unlock()
	var a Addrs
	if !c.started {
		return a
	}
	if udp, ok := c.control.Addr().(*net.UDPAddr); ok {
		a.Control = udp.AddrPort()
	}
	a.Upload = c.uploads.Addr()
	a.Download = c.downloads.Addr()
	if c.console != nil {
		a.Admin = c.console.Addr()
	}
	if c.httpLn != nil {
		a.HTTP = c.httpLn.Addr()
	}
	if c.health != nil {
		a.GRPC = c.health.Addr()
	}
	return a
}

// ============================================================================
// 背景循環
// ============================================================================

// sweepLoop 清除逾時客戶端；客戶端留下的任務與票據在被參照時才回收
func (c *Controller) sweepLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			evicted := c.clients.Sweep()
			if len(evicted) > 0 {
				c.metrics.RecordClientsEvicted(len(evicted))
				for _, id := range evicted {
					c.log.Info("client timed out", zap.Stringer("client", id))
				}
			}
			c.control.PruneLimiters()
		}
	}
}

func (c *Controller) statsLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.metrics.SetTableStats(c.clients.Len(), c.jobs.Len())
			c.metrics.SetDownloadQueueDepth(c.downloads.Len())
		}
	}
}
