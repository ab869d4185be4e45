// ============================================================================
// jobfarm 端到端測試套件
// ============================================================================
//
// Package: test/integration
// 文件: e2e_test.go
// 功能: 透過真實的 UDP/TCP socket 驗證完整的任務生命週期
//
// TestEndToEndJob:
//   1. IdentityRequest → 取得 ClientID
//   2. JobRequest（兩個輸入檔）
//   3. UploadRequest → 依 UploadAck 連線 TCP 並傳送檔案內容
//   4. 所有檔案到齊後自動執行，收到 JobResult
//   5. DownloadRequest → 透過 TCP 取得輸出檔
//
// TestConcurrentClients:
//   多個客戶端同時提交任務，每個都應得到正確的結果
//
// ============================================================================

package integration

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChuLiYu/jobfarm/internal/controller"
	"github.com/ChuLiYu/jobfarm/internal/logbus"
	"github.com/ChuLiYu/jobfarm/internal/protocol"
	"github.com/ChuLiYu/jobfarm/pkg/types"
)

func startServer(t *testing.T) *controller.Controller {
	t.Helper()
	ctrl, err := controller.NewController(controller.Config{
		DataDir:              filepath.Join(t.TempDir(), "jobs"),
		ControlAddr:          "127.0.0.1:0",
		UploadAddr:           "127.0.0.1:0",
		DownloadAddr:         "127.0.0.1:0",
		HeartbeatTimeout:     30 * time.Second,
		MaxUploads:           2,
		AgingFactor:          0.001,
		UploadAcceptTimeout:  3 * time.Second,
		UploadIdleTimeout:    3 * time.Second,
		MaxDownloads:         2,
		DownloadWaitTimeout:  3 * time.Second,
		DownloadWriteTimeout: 3 * time.Second,
		ExecTimeout:          10 * time.Second,
		ExecPollInterval:     50 * time.Millisecond,
	}, zap.NewNop(), logbus.New(256))
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	t.Cleanup(func() { ctrl.Stop() })
	return ctrl
}

// client 模擬一個遠端客戶端
type client struct {
	t      *testing.T
	ctrl   *controller.Controller
	conn   *net.UDPConn
	id     types.ClientID
	nextID uint32
	// 非同步到達的 JobResult
	results []*protocol.JobResult
}

func newClient(t *testing.T, ctrl *controller.Controller) *client {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(ctrl.Addrs().Control))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &client{t: t, ctrl: ctrl, conn: conn}
	ack, ok := c.call(&protocol.IdentityRequest{RequestID: c.reqID()}).(*protocol.IdentityAck)
	require.True(t, ok)
	require.False(t, ack.ClientID.IsZero())
	c.id = ack.ClientID
	return c
}

func (c *client) reqID() uint32 {
	c.nextID++
	return c.nextID
}

func (c *client) send(m protocol.Message) {
	buf, err := protocol.Encode(m)
	require.NoError(c.t, err)
	_, err = c.conn.Write(buf)
	require.NoError(c.t, err)
}

func (c *client) recv(wait time.Duration) protocol.Message {
	buf := make([]byte, protocol.MaxMessageLen)
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(wait)))
	n, err := c.conn.Read(buf)
	require.NoError(c.t, err)
	msg, err := protocol.Decode(buf[:n])
	require.NoError(c.t, err)
	return msg
}

// call 送出請求並等待回覆；期間到達的 JobResult 暫存起來
func (c *client) call(m protocol.Message) protocol.Message {
	c.send(m)
	for {
		reply := c.recv(5 * time.Second)
		if res, ok := reply.(*protocol.JobResult); ok {
			c.results = append(c.results, res)
			continue
		}
		return reply
	}
}

func (c *client) waitResult(job types.JobID) *protocol.JobResult {
	for {
		for _, r := range c.results {
			if r.JobID == job {
				return r
			}
		}
		if res, ok := c.recv(10 * time.Second).(*protocol.JobResult); ok {
			c.results = append(c.results, res)
		}
	}
}

func (c *client) upload(job types.JobID, name string, data []byte) {
	ack, ok := c.call(&protocol.UploadRequest{
		RequestID: c.reqID(),
		ClientID:  c.id,
		JobID:     job,
		FileSize:  uint64(len(data)),
		Filename:  name,
	}).(*protocol.UploadAck)
	require.True(c.t, ok)
	require.Equal(c.t, protocol.StatusOK, ack.Status, "upload %s rejected", name)

	// 0.0.0.0 表示沿用控制面的伺服器位址
	ip := ack.IP
	if ip.IsUnspecified() {
		ip = c.ctrl.Addrs().Control.Addr()
	}
	conn, err := net.Dial("tcp", netip.AddrPortFrom(ip, ack.Port).String())
	require.NoError(c.t, err)
	defer conn.Close()
	_, err = io.Copy(conn, bytes.NewReader(data))
	require.NoError(c.t, err)
}

func (c *client) download(job types.JobID, name string) []byte {
	ack, ok := c.call(&protocol.DownloadRequest{
		RequestID: c.reqID(),
		ClientID:  c.id,
		JobID:     job,
		Filename:  name,
	}).(*protocol.DownloadAck)
	require.True(c.t, ok)
	require.Equal(c.t, protocol.StatusOK, ack.Status, "download %s rejected", name)

	conn, err := net.Dial("tcp", c.ctrl.Addrs().Download.String())
	require.NoError(c.t, err)
	defer conn.Close()
	require.NoError(c.t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	data, err := io.ReadAll(conn)
	require.NoError(c.t, err)
	require.Len(c.t, data, int(ack.FileSize))
	return data
}

// TestEndToEndJob 完整的任務生命週期
func TestEndToEndJob(t *testing.T) {
	ctrl := startServer(t)
	c := newClient(t, ctrl)

	const job = types.JobID(7)
	ack, ok := c.call(&protocol.JobRequest{
		RequestID: c.reqID(),
		ClientID:  c.id,
		JobID:     job,
		FileCount: 2,
		Command:   "cat a.txt b.bin | wc -c > count.txt",
	}).(*protocol.JobAck)
	require.True(t, ok)
	require.Equal(t, protocol.StatusOK, ack.Status)

	c.upload(job, "a.txt", []byte("hello\n"))
	// 同一 IP 的傳輸連線只能依到達順序配對，等第一個檔案落地再傳第二個
	require.Eventually(t, func() bool {
		for _, j := range ctrl.Snapshot().Jobs {
			if j.Key.Job == job && j.Received == 1 {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
	c.upload(job, "b.bin", bytes.Repeat([]byte{0xAB}, 1024))

	res := c.waitResult(job)
	assert.Equal(t, protocol.StatusOK, res.Status)
	assert.Equal(t, c.id, res.ClientID)

	out := c.download(job, "count.txt")
	assert.Equal(t, "1030", strings.TrimSpace(string(out)))

	// 任務完成後輸入檔仍可下載
	assert.Equal(t, []byte("hello\n"), c.download(job, "a.txt"))
}

// TestFailedCommandReportsError 命令失敗時回報 ERROR
func TestFailedCommandReportsError(t *testing.T) {
	ctrl := startServer(t)
	c := newClient(t, ctrl)

	c.send(&protocol.JobRequest{RequestID: c.reqID(), ClientID: c.id, JobID: 1, Command: "exit 3"})
	res := c.waitResult(1)
	assert.Equal(t, protocol.StatusError, res.Status)
}

// TestConcurrentClients 多個客戶端同時提交任務
// 所有客戶端共用 127.0.0.1，傳輸連線只能以 IP 配對，因此下載逐一進行
func TestConcurrentClients(t *testing.T) {
	ctrl := startServer(t)

	const clients = 4
	var wg sync.WaitGroup
	var transfer sync.Mutex
	outputs := make([]string, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newClient(t, ctrl)
			job := types.JobID(100 + i)

			c.send(&protocol.JobRequest{
				RequestID: c.reqID(),
				ClientID:  c.id,
				JobID:     job,
				Command:   fmt.Sprintf("echo client-%d | tr a-z A-Z > out.txt", i),
			})
			if res := c.waitResult(job); res.Status != protocol.StatusOK {
				return
			}

			transfer.Lock()
			defer transfer.Unlock()
			outputs[i] = string(c.download(job, "out.txt"))
		}(i)
	}
	wg.Wait()

	for i, out := range outputs {
		assert.Equal(t, fmt.Sprintf("CLIENT-%d\n", i), out)
	}
	assert.Len(t, ctrl.Snapshot().Clients, clients)
}
