package server

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/jobfarm/internal/download"
	"github.com/ChuLiYu/jobfarm/internal/jobmanager"
	"github.com/ChuLiYu/jobfarm/internal/protocol"
	"github.com/ChuLiYu/jobfarm/internal/registry"
	"github.com/ChuLiYu/jobfarm/internal/storage/jobdir"
	"github.com/ChuLiYu/jobfarm/internal/upload"
	"github.com/ChuLiYu/jobfarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeUploads struct {
	mu   sync.Mutex
	err  error
	reqs []upload.Request
}

func (f *fakeUploads) Enqueue(req upload.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

func (f *fakeUploads) requests() []upload.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upload.Request(nil), f.reqs...)
}

type fakeDownloads struct {
	mu   sync.Mutex
	size int64
	err  error
}

func (f *fakeDownloads) Request(types.JobKey, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size, f.err
}

func (f *fakeDownloads) set(size int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.size, f.err = size, err
}

type harness struct {
	srv       *Server
	clients   *registry.Registry
	jobs      *jobmanager.JobManager
	uploads   *fakeUploads
	downloads *fakeDownloads
	client    *net.UDPConn
}

var uploadEndpoint = netip.MustParseAddrPort("10.1.2.3:6000")

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	store, err := jobdir.New(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		clients:   registry.New(time.Minute),
		jobs:      jobmanager.NewJobManager(store),
		uploads:   &fakeUploads{},
		downloads: &fakeDownloads{},
	}
	cfg.UploadEndpoint = uploadEndpoint
	h.srv = NewServer(cfg, conn, h.clients, h.jobs, h.uploads, h.downloads, zap.NewNop(), nil)

	done := make(chan struct{})
	go func() {
		h.srv.Serve()
		close(done)
	}()
	t.Cleanup(func() {
		h.srv.Close()
		<-done
	})

	h.client, err = net.DialUDP("udp", nil, h.srv.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { h.client.Close() })
	return h
}

func (h *harness) send(t *testing.T, m protocol.Message) {
	t.Helper()
	buf, err := protocol.Encode(m)
	require.NoError(t, err)
	_, err = h.client.Write(buf)
	require.NoError(t, err)
}

func (h *harness) recv(t *testing.T) protocol.Message {
	t.Helper()
	buf := make([]byte, protocol.MaxMessageLen)
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := h.client.Read(buf)
	require.NoError(t, err)
	msg, err := protocol.Decode(buf[:n])
	require.NoError(t, err)
	return msg
}

// expectSilence 確認伺服器沒有回覆
func (h *harness) expectSilence(t *testing.T) {
	t.Helper()
	buf := make([]byte, protocol.MaxMessageLen)
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err := h.client.Read(buf)
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "expected no reply, got %v", err)
}

func (h *harness) register(t *testing.T) types.ClientID {
	t.Helper()
	h.send(t, &protocol.IdentityRequest{RequestID: 1})
	ack, ok := h.recv(t).(*protocol.IdentityAck)
	require.True(t, ok)
	require.False(t, ack.ClientID.IsZero())
	return ack.ClientID
}

func TestIdentityRetryReturnsSameID(t *testing.T) {
	h := newHarness(t, Config{})

	first := h.register(t)
	second := h.register(t)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.clients.Len())
}

func TestJobRequestStatuses(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.register(t)

	h.send(t, &protocol.JobRequest{RequestID: 2, ClientID: id, JobID: 7, FileCount: 1, Command: "make"})
	ack := h.recv(t).(*protocol.JobAck)
	assert.Equal(t, protocol.StatusOK, ack.Status)
	assert.Equal(t, msgJobCreated, ack.Message)
	assert.Equal(t, types.JobID(7), ack.JobID)

	// 重送：同一任務
	h.send(t, &protocol.JobRequest{RequestID: 2, ClientID: id, JobID: 7, FileCount: 1, Command: "make"})
	ack = h.recv(t).(*protocol.JobAck)
	assert.Equal(t, protocol.StatusOK, ack.Status)
	assert.Equal(t, msgJobRegistered, ack.Message)

	h.send(t, &protocol.JobRequest{RequestID: 3, ClientID: id, JobID: 7, FileCount: 1, Command: "make clean"})
	ack = h.recv(t).(*protocol.JobAck)
	assert.Equal(t, protocol.StatusJobExists, ack.Status)

	h.send(t, &protocol.JobRequest{RequestID: 4, ClientID: id, JobID: 8, FileCount: 0, Command: ""})
	ack = h.recv(t).(*protocol.JobAck)
	assert.Equal(t, protocol.StatusInvalidRequest, ack.Status)

	assert.Equal(t, 1, h.jobs.Len())
}

func TestUnknownClientDropped(t *testing.T) {
	h := newHarness(t, Config{})

	h.send(t, &protocol.JobRequest{RequestID: 2, ClientID: types.ClientID{0xee}, JobID: 1, Command: "true"})
	h.expectSilence(t)
	assert.Equal(t, 0, h.jobs.Len())
}

func TestMalformedDatagramIgnored(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.client.Write([]byte{0xff, 0x00, 0x01})
	require.NoError(t, err)
	h.expectSilence(t)

	// 伺服器仍可服務
	h.register(t)
}

func TestUploadRequestStatuses(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.register(t)

	h.send(t, &protocol.UploadRequest{RequestID: 5, ClientID: id, JobID: 1, FileSize: 1024, Filename: "in.bin"})
	ack := h.recv(t).(*protocol.UploadAck)
	assert.Equal(t, protocol.StatusOK, ack.Status)
	assert.Equal(t, uploadEndpoint.Addr(), ack.IP)
	assert.Equal(t, uploadEndpoint.Port(), ack.Port)
	assert.Equal(t, "in.bin", ack.Filename)

	reqs := h.uploads.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), reqs[0].Peer.Unmap())
	assert.Equal(t, uint64(1024), reqs[0].Size)

	cases := []struct {
		err  error
		want protocol.Status
	}{
		{upload.ErrJobNotFound, protocol.StatusInvalidRequest},
		{jobdir.ErrInvalidFilename, protocol.StatusInvalidRequest},
		{upload.ErrQueueFull, protocol.StatusUploadLimit},
		{upload.ErrFileTooLarge, protocol.StatusUploadLimit},
		{upload.ErrPoolClosed, protocol.StatusError},
	}
	for _, tc := range cases {
		h.uploads.mu.Lock()
		h.uploads.err = tc.err
		h.uploads.mu.Unlock()

		h.send(t, &protocol.UploadRequest{RequestID: 6, ClientID: id, JobID: 1, FileSize: 1, Filename: "x"})
		ack := h.recv(t).(*protocol.UploadAck)
		assert.Equal(t, tc.want, ack.Status, tc.err.Error())
		assert.True(t, ack.IP.IsUnspecified())
		assert.Zero(t, ack.Port)
	}
}

func TestDownloadRequestStatuses(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.register(t)

	h.downloads.set(4096, nil)
	h.send(t, &protocol.DownloadRequest{RequestID: 9, ClientID: id, JobID: 1, Filename: "out.txt"})
	ack := h.recv(t).(*protocol.DownloadAck)
	assert.Equal(t, protocol.StatusOK, ack.Status)
	assert.Equal(t, uint64(4096), ack.FileSize)

	h.downloads.set(0, download.ErrFileNotFound)
	h.send(t, &protocol.DownloadRequest{RequestID: 10, ClientID: id, JobID: 1, Filename: "nope"})
	ack = h.recv(t).(*protocol.DownloadAck)
	assert.Equal(t, protocol.StatusFileNotFound, ack.Status)
	assert.Equal(t, "nope", ack.Filename)
}

func TestHeartbeatRefreshesAddress(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.register(t)

	h.send(t, &protocol.Heartbeat{ClientID: id})
	h.expectSilence(t)

	addr, ok := h.clients.AddressOf(id)
	require.True(t, ok)
	assert.Equal(t, h.client.LocalAddr().(*net.UDPAddr).AddrPort().Port(), addr.Port())
}

func TestNotifyResult(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.register(t)

	job := jobmanager.JobInfo{Key: types.JobKey{Client: id, Job: 4}, RequestID: 11}
	err := h.srv.NotifyResult(job, &protocol.JobResult{RequestID: 11, ClientID: id, JobID: 4, Status: protocol.StatusOK, Message: "done"})
	require.NoError(t, err)

	res := h.recv(t).(*protocol.JobResult)
	assert.Equal(t, uint32(11), res.RequestID)
	assert.Equal(t, "done", res.Message)

	// 未知客戶端且無回覆位址
	err = h.srv.NotifyResult(jobmanager.JobInfo{Key: types.JobKey{Client: types.ClientID{1}}}, &protocol.JobResult{})
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 1, RateBurst: 2})

	h.register(t)
	h.register(t)
	// 第三個封包超過 burst
	h.send(t, &protocol.IdentityRequest{RequestID: 1})
	h.expectSilence(t)
}

func TestLimiterPrune(t *testing.T) {
	l := newLimiterSet(10, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.allow(netip.MustParseAddr("10.0.0.1")))
	assert.False(t, l.allow(netip.MustParseAddr("10.0.0.1")))
	assert.True(t, l.allow(netip.MustParseAddr("10.0.0.2")))
	assert.Equal(t, 2, l.len())

	now = now.Add(limiterIdle + time.Second)
	l.prune()
	assert.Equal(t, 0, l.len())

	var disabled *limiterSet
	assert.True(t, disabled.allow(netip.MustParseAddr("10.0.0.1")))
	disabled.prune()
}
