// ============================================================================
// jobfarm 管理控制台
// ============================================================================
//
// Package: internal/admin
// 文件: console.go
// 功能: 文字行協議的管理介面（unix 或 tcp socket）
//
// 會話模型:
//   - 同一時間只服務一個管理會話；其他連線收到說明後立即關閉
//   - 讀取 goroutine 把輸入行送進 channel，會話迴圈負責處理命令
//   - SHOW_LOGS 之後，會話迴圈在命令之間以有限等待拉取日誌匯流排
//
// ============================================================================

package admin

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobfarm/internal/download"
	"github.com/ChuLiYu/jobfarm/internal/jobmanager"
	"github.com/ChuLiYu/jobfarm/internal/logbus"
	"github.com/ChuLiYu/jobfarm/internal/metrics"
	"github.com/ChuLiYu/jobfarm/internal/registry"
	"github.com/ChuLiYu/jobfarm/internal/upload"
	"github.com/ChuLiYu/jobfarm/pkg/types"
)

const (
	// Prompt 命令提示字元
	Prompt = "admin> "
	// BusyMessage 已有會話時的拒絕訊息
	BusyMessage = "Another admin session is active. Try again later.\n"

	banner  = "Welcome to Admin Console.\nType HELP to see available commands.\n"
	maxLine = 4096
)

// ============================================================================
// 依賴介面
// ============================================================================

// Clients 客戶端登錄表
type Clients interface {
	Snapshot() []registry.ClientInfo
	Remove(id types.ClientID) bool
}

// Jobs 任務表
type Jobs interface {
	Snapshot() []jobmanager.JobInfo
}

// Uploads 上傳准入控制
type Uploads interface {
	Snapshot() []upload.TicketInfo
	Stats() upload.Stats
	SetLimit(n int) error
}

// Downloads 下載分派
type Downloads interface {
	Snapshot() []download.Ticket
	Limit() int
	SetLimit(n int) error
}

// Config 控制台配置
type Config struct {
	// LogPoll SHOW_LOGS 模式下每次等待日誌的上限
	LogPoll time.Duration
	// IdleTimeout 無輸入多久後關閉會話，0 表示不限
	IdleTimeout time.Duration
}

// Console 管理控制台
type Console struct {
	cfg       Config
	ln        net.Listener
	clients   Clients
	jobs      Jobs
	uploads   Uploads
	downloads Downloads
	bus       *logbus.Bus
	log       *zap.Logger
	metrics   *metrics.Collector

	mu      sync.Mutex
	active  net.Conn
	stopped bool
	wg      sync.WaitGroup
}

// New 建立控制台
func New(cfg Config, ln net.Listener, clients Clients, jobs Jobs, uploads Uploads, downloads Downloads,
	bus *logbus.Bus, logger *zap.Logger, m *metrics.Collector) *Console {
	if cfg.LogPoll <= 0 {
		cfg.LogPoll = 250 * time.Millisecond
	}
	return &Console{
		cfg:       cfg,
		ln:        ln,
		clients:   clients,
		jobs:      jobs,
		uploads:   uploads,
		downloads: downloads,
		bus:       bus,
		log:       logger,
		metrics:   m,
	}
}

// Addr 監聽位址
func (c *Console) Addr() net.Addr {
	return c.ln.Addr()
}

// Serve 接受連線直到 Stop
func (c *Console) Serve() error {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			c.log.Warn("admin accept failed", zap.Error(err))
			continue
		}
		if !c.claim(conn) {
			io.WriteString(conn, BusyMessage)
			conn.Close()
			c.log.Info("admin connection rejected, session already active")
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.release(conn)
			c.session(conn)
		}()
	}
}

// Stop 關閉監聽與目前的會話
func (c *Console) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.active != nil {
		c.active.Close()
	}
	c.mu.Unlock()
	c.ln.Close()
	c.wg.Wait()
}

func (c *Console) claim(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil || c.stopped {
		return false
	}
	c.active = conn
	return true
}

func (c *Console) release(conn net.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.active == conn {
		c.active = nil
	}
	c.mu.Unlock()
}

// ============================================================================
// 會話
// ============================================================================

type session struct {
	console *Console
	w       *bufio.Writer
	sub     *logbus.Subscription
	done    bool
}

func (c *Console) session(conn net.Conn) {
	c.log.Info("admin session opened", zap.Stringer("remote", conn.RemoteAddr()))
	defer c.log.Info("admin session closed", zap.Stringer("remote", conn.RemoteAddr()))

	lines := make(chan string)
	quit := make(chan struct{})
	defer close(quit)
	go c.readLines(conn, lines, quit)

	s := &session{console: c, w: bufio.NewWriter(conn)}
	defer s.stopLogs()

	s.w.WriteString(banner)
	s.prompt()

	for !s.done {
		if s.sub == nil {
			var idle <-chan time.Time
			var timer *time.Timer
			if c.cfg.IdleTimeout > 0 {
				timer = time.NewTimer(c.cfg.IdleTimeout)
				idle = timer.C
			}
			select {
			case line, ok := <-lines:
				if timer != nil {
					timer.Stop()
				}
				if !ok {
					return
				}
				s.exec(line)
			case <-idle:
				s.w.WriteString("Session idle, closing.\n")
				s.w.Flush()
				return
			}
			continue
		}

		// 串流模式：先處理已到的輸入，再有限等待一筆日誌
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			s.exec(line)
			continue
		default:
		}
		if ev, ok := s.sub.Next(c.cfg.LogPoll); ok {
			s.writeEvent(ev)
			for _, more := range s.sub.Drain() {
				s.writeEvent(more)
			}
			if s.w.Flush() != nil {
				return
			}
		}
	}
}

func (c *Console) readLines(conn net.Conn, out chan<- string, quit <-chan struct{}) {
	defer close(out)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 512), maxLine)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-quit:
			return
		}
	}
}

func (s *session) prompt() {
	s.w.WriteString(Prompt)
	s.w.Flush()
}

func (s *session) printf(format string, args ...any) {
	fmt.Fprintf(s.w, format, args...)
}

func (s *session) writeEvent(ev logbus.Event) {
	fmt.Fprintf(s.w, "%s %s %s\n", ev.Time.Format("2006-01-02 15:04:05"), ev.Category, ev.Text)
}

func (s *session) startLogs() error {
	if s.sub != nil {
		return nil
	}
	sub, err := s.console.bus.Subscribe()
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *session) stopLogs() {
	if s.sub != nil {
		s.sub.Close()
		s.sub = nil
	}
}

func (s *session) exec(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		if s.sub == nil {
			s.prompt()
		}
		return
	}
	name, arg, _ := strings.Cut(line, " ")
	cmd, ok := lookup(name)
	if !ok {
		s.printf("Unknown command.\n")
		s.prompt()
		return
	}
	cmd.run(s, strings.TrimSpace(arg))
	if !s.done && s.sub == nil {
		s.prompt()
	} else {
		s.w.Flush()
	}
}
