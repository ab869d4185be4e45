package server

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobfarm/internal/download"
	"github.com/ChuLiYu/jobfarm/internal/jobmanager"
	"github.com/ChuLiYu/jobfarm/internal/metrics"
	"github.com/ChuLiYu/jobfarm/internal/protocol"
	"github.com/ChuLiYu/jobfarm/internal/storage/jobdir"
	"github.com/ChuLiYu/jobfarm/internal/upload"
	"github.com/ChuLiYu/jobfarm/pkg/types"
)

// Reply messages carried in JobAck.
const (
	msgJobCreated     = "Job created"
	msgJobRegistered  = "Job already registered"
	msgJobConflict    = "Job already exists with a different command"
	msgJobCreateError = "Failed to create job directory"
	msgEmptyCommand   = "Command must not be empty"
)

// Clients is the part of the client registry the control plane needs.
type Clients interface {
	Register(addr netip.AddrPort, requestID uint32) (types.ClientID, bool, error)
	Touch(id types.ClientID, addr netip.AddrPort) bool
	AddressOf(id types.ClientID) (netip.AddrPort, bool)
}

// Jobs creates job table entries.
type Jobs interface {
	CreateOrGet(sub jobmanager.Submission) (jobmanager.JobInfo, bool, error)
}

// Uploads admits upload tickets.
type Uploads interface {
	Enqueue(req upload.Request) error
}

// Downloads queues download tickets.
type Downloads interface {
	Request(key types.JobKey, filename string) (int64, error)
}

// Config configures the control-plane server.
type Config struct {
	// UploadEndpoint is advertised in every accepted UploadAck.
	UploadEndpoint netip.AddrPort
	// RateLimit is datagrams per second per source IP; zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Server is the datagram control plane. One goroutine reads and dispatches
// every message; replies go back to the datagram's source address.
type Server struct {
	cfg       Config
	conn      *net.UDPConn
	clients   Clients
	jobs      Jobs
	uploads   Uploads
	downloads Downloads
	log       *zap.Logger
	metrics   *metrics.Collector
	limiter   *limiterSet

	writeMu sync.Mutex
}

// NewServer creates a control-plane server on an already bound socket.
func NewServer(cfg Config, conn *net.UDPConn, clients Clients, jobs Jobs, uploads Uploads, downloads Downloads, logger *zap.Logger, m *metrics.Collector) *Server {
	return &Server{
		cfg:       cfg,
		conn:      conn,
		clients:   clients,
		jobs:      jobs,
		uploads:   uploads,
		downloads: downloads,
		log:       logger,
		metrics:   m,
		limiter:   newLimiterSet(cfg.RateLimit, cfg.RateBurst),
	}
}

// Addr returns the bound control address.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve reads datagrams until the socket is closed.
func (s *Server) Serve() error {
	buf := make([]byte, protocol.MaxMessageLen)
	for {
		n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("control read failed", zap.Error(err))
			continue
		}
		if !s.limiter.allow(addr.Addr()) {
			s.metrics.RecordRateLimited()
			continue
		}
		s.Handle(addr, buf[:n])
	}
}

// Close stops Serve.
func (s *Server) Close() error {
	return s.conn.Close()
}

// PruneLimiters forgets rate limiters for quiet sources.
func (s *Server) PruneLimiters() {
	s.limiter.prune()
}

// Handle decodes and dispatches one datagram.
func (s *Server) Handle(addr netip.AddrPort, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.metrics.RecordMalformed()
		s.log.Debug("dropping malformed datagram", zap.Stringer("addr", addr), zap.Error(err))
		return
	}

	var reply protocol.Message
	switch m := msg.(type) {
	case *protocol.IdentityRequest:
		reply = s.handleIdentity(addr, m)
	case *protocol.Heartbeat:
		if !s.clients.Touch(m.ClientID, addr) {
			s.log.Debug("heartbeat from unknown client", zap.Stringer("client", m.ClientID), zap.Stringer("addr", addr))
		}
	case *protocol.JobRequest:
		if s.known(m.ClientID, addr, m.Type()) {
			reply = s.handleJob(addr, m)
		}
	case *protocol.UploadRequest:
		if s.known(m.ClientID, addr, m.Type()) {
			reply = s.handleUpload(addr, m)
		}
	case *protocol.DownloadRequest:
		if s.known(m.ClientID, addr, m.Type()) {
			reply = s.handleDownload(m)
		}
	default:
		s.log.Debug("ignoring server-bound message type", zap.Stringer("type", msg.Type()), zap.Stringer("addr", addr))
	}

	if reply != nil {
		if err := s.send(addr, reply); err != nil {
			s.log.Warn("failed to send reply", zap.Stringer("type", reply.Type()), zap.Stringer("addr", addr), zap.Error(err))
		}
	}
}

// known refreshes the sender's registry entry; unknown senders are dropped
// silently and are expected to re-register after their retries time out.
func (s *Server) known(id types.ClientID, addr netip.AddrPort, t protocol.MessageType) bool {
	if s.clients.Touch(id, addr) {
		return true
	}
	s.log.Info("dropping request from unknown client",
		zap.Stringer("type", t), zap.Stringer("client", id), zap.Stringer("addr", addr))
	return false
}

func (s *Server) handleIdentity(addr netip.AddrPort, m *protocol.IdentityRequest) protocol.Message {
	id, created, err := s.clients.Register(addr, m.RequestID)
	if err != nil {
		s.log.Error("client registration failed", zap.Stringer("addr", addr), zap.Error(err))
		return nil
	}
	if created {
		s.metrics.RecordClientRegistered()
		s.log.Info("client registered", zap.Stringer("client", id), zap.Stringer("addr", addr))
	}
	return &protocol.IdentityAck{RequestID: m.RequestID, ClientID: id}
}

func (s *Server) handleJob(addr netip.AddrPort, m *protocol.JobRequest) protocol.Message {
	ack := &protocol.JobAck{RequestID: m.RequestID, JobID: m.JobID}
	key := types.JobKey{Client: m.ClientID, Job: m.JobID}

	if m.Command == "" {
		ack.Status, ack.Message = protocol.StatusInvalidRequest, msgEmptyCommand
		return ack
	}

	_, created, err := s.jobs.CreateOrGet(jobmanager.Submission{
		Key:       key,
		Command:   m.Command,
		FileCount: int(m.FileCount),
		ReplyAddr: addr,
		RequestID: m.RequestID,
	})
	switch {
	case errors.Is(err, jobmanager.ErrJobConflict):
		ack.Status, ack.Message = protocol.StatusJobExists, msgJobConflict
	case err != nil:
		s.log.Error("job creation failed", zap.Stringer("job", key), zap.Error(err))
		ack.Status, ack.Message = protocol.StatusError, msgJobCreateError
	case created:
		s.metrics.RecordJobSubmitted()
		s.log.Info("job created", zap.Stringer("job", key), zap.Uint8("files", m.FileCount), zap.String("command", m.Command))
		ack.Status, ack.Message = protocol.StatusOK, msgJobCreated
	default:
		ack.Status, ack.Message = protocol.StatusOK, msgJobRegistered
	}
	return ack
}

func (s *Server) handleUpload(addr netip.AddrPort, m *protocol.UploadRequest) protocol.Message {
	key := types.JobKey{Client: m.ClientID, Job: m.JobID}
	ack := &protocol.UploadAck{RequestID: m.RequestID, Filename: m.Filename}

	err := s.uploads.Enqueue(upload.Request{Job: key, Filename: m.Filename, Size: m.FileSize, Peer: addr.Addr()})
	ack.Status = uploadStatus(err)
	if err != nil {
		s.log.Info("upload rejected", zap.Stringer("job", key), zap.String("file", m.Filename),
			zap.Uint64("size", m.FileSize), zap.Stringer("status", ack.Status), zap.Error(err))
		return ack
	}
	ack.IP = s.cfg.UploadEndpoint.Addr()
	ack.Port = s.cfg.UploadEndpoint.Port()
	s.log.Info("upload queued", zap.Stringer("job", key), zap.String("file", m.Filename), zap.Uint64("size", m.FileSize))
	return ack
}

func (s *Server) handleDownload(m *protocol.DownloadRequest) protocol.Message {
	key := types.JobKey{Client: m.ClientID, Job: m.JobID}
	ack := &protocol.DownloadAck{RequestID: m.RequestID, Filename: m.Filename}

	size, err := s.downloads.Request(key, m.Filename)
	switch {
	case errors.Is(err, download.ErrFileNotFound):
		ack.Status = protocol.StatusFileNotFound
	case err != nil:
		s.log.Warn("download request failed", zap.Stringer("job", key), zap.String("file", m.Filename), zap.Error(err))
		ack.Status = protocol.StatusError
	default:
		ack.Status = protocol.StatusOK
		ack.FileSize = uint64(size)
		s.log.Info("download queued", zap.Stringer("job", key), zap.String("file", m.Filename), zap.Int64("size", size))
	}
	return ack
}

// NotifyResult pushes a JobResult to the client's most recent address,
// falling back to the address the job was submitted from.
func (s *Server) NotifyResult(job jobmanager.JobInfo, res *protocol.JobResult) error {
	addr, ok := s.clients.AddressOf(job.Key.Client)
	if !ok {
		addr = job.ReplyAddr
	}
	if !addr.IsValid() {
		return fmt.Errorf("no reply address for %s", job.Key)
	}
	return s.send(addr, res)
}

func (s *Server) send(addr netip.AddrPort, msg protocol.Message) error {
	buf, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.conn.WriteToUDPAddrPort(buf, addr)
	return err
}

func uploadStatus(err error) protocol.Status {
	switch {
	case err == nil:
		return protocol.StatusOK
	case errors.Is(err, upload.ErrJobNotFound), errors.Is(err, jobdir.ErrInvalidFilename):
		return protocol.StatusInvalidRequest
	case errors.Is(err, upload.ErrQueueFull), errors.Is(err, upload.ErrFileTooLarge):
		return protocol.StatusUploadLimit
	default:
		return protocol.StatusError
	}
}
