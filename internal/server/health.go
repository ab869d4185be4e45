package server

import (
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// gRPC health service names, one per listener.
const (
	ServiceControl  = "jobfarm.control"
	ServiceUpload   = "jobfarm.upload"
	ServiceDownload = "jobfarm.download"
)

// Services lists every component reported through the health service.
var Services = []string{ServiceControl, ServiceUpload, ServiceDownload}

// HealthServer exposes per-component serving status over gRPC.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	ln     net.Listener
	log    *zap.Logger
}

// NewHealthServer registers the standard health service on a new gRPC server.
// Every component starts NOT_SERVING until MarkServing is called.
func NewHealthServer(ln net.Listener, logger *zap.Logger) *HealthServer {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for _, svc := range Services {
		hs.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return &HealthServer{grpc: gs, health: hs, ln: ln, log: logger}
}

// Addr returns the gRPC listen address.
func (h *HealthServer) Addr() net.Addr {
	return h.ln.Addr()
}

// MarkServing flips every component, and the overall status, to SERVING.
func (h *HealthServer) MarkServing() {
	for _, svc := range Services {
		h.health.SetServingStatus(svc, healthpb.HealthCheckResponse_SERVING)
	}
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Serve blocks until Stop.
func (h *HealthServer) Serve() error {
	h.log.Info("gRPC health service listening", zap.Stringer("addr", h.ln.Addr()))
	if err := h.grpc.Serve(h.ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop reports NOT_SERVING to watchers, then stops the gRPC server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
