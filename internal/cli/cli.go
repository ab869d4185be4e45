// ============================================================================
// jobfarm CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based command line interface for the job farm server
//
// Command Structure:
//   jobfarm                        # Root command
//   ├── run                        # Start the server
//   ├── status                     # Print config summary / probe health
//   │   └── --grpc-addr           # Query a running server's health service
//   ├── --config, -c              # Config file (default: configs/default.yaml)
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// run Command:
//   1. Load config file (defaults applied, then validated)
//   2. Build the zap logger, teed into the log bus
//   3. Create and start Controller (binds every listener)
//   4. Wait for SIGINT / SIGTERM
//   5. Gracefully stop the Controller
//
// status Command:
//   Prints the effective configuration. With --grpc-addr, also checks every
//   component through the gRPC health service and prints the responses.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/ChuLiYu/jobfarm/internal/controller"
	"github.com/ChuLiYu/jobfarm/internal/logbus"
	"github.com/ChuLiYu/jobfarm/internal/server"
)

var (
	version    = "1.0.0"
	configFile string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "jobfarm",
		Short: "jobfarm: a networked job orchestration server",
		Long: `jobfarm accepts jobs from remote clients over a datagram control channel:
- client registration with heartbeat liveness
- priority-scheduled input uploads over TCP
- shell command execution per job directory
- result file downloads over TCP
- an admin console with live log streaming`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the jobfarm server",
		Long:  "Bind the control, upload, download and admin listeners and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, configFile)
		},
	}
	return cmd
}

func runServer(ctx context.Context, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	bus := logbus.New(cfg.Log.BusCapacity)
	logger, err := buildLogger(cfg, bus, nil)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting jobfarm", zap.String("version", version), zap.String("config", path))

	ctrl, err := controller.NewController(cfg.controllerConfig(), logger, bus)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal, stopping gracefully")

	if err := ctrl.Stop(); err != nil {
		logger.Warn("shutdown finished with errors", zap.Error(err))
	}
	logger.Info("system stopped")
	return nil
}

func buildStatusCommand() *cobra.Command {
	var grpcAddr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and server status",
		Long:  "Print the effective configuration; with --grpc-addr also query the running server's health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			out := cmd.OutOrStdout()
			printConfig(out, configFile, cfg)
			if grpcAddr == "" {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return probeHealth(ctx, out, grpcAddr)
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "address of a running server's gRPC health service (e.g. localhost:50051)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "health check timeout")
	return cmd
}

func printConfig(w io.Writer, path string, cfg *Config) {
	fmt.Fprintln(w, "jobfarm configuration")
	fmt.Fprintf(w, "  config file:      %s\n", path)
	fmt.Fprintf(w, "  data dir:         %s\n", cfg.Server.DataDir)
	fmt.Fprintf(w, "  control (udp):    %s\n", cfg.Control.Addr)
	fmt.Fprintf(w, "  upload (tcp):     %s  max=%d queued<=%d aging=%g\n",
		cfg.Upload.Addr, cfg.Upload.MaxUploads, cfg.Upload.MaxQueued, cfg.Upload.AgingFactor)
	fmt.Fprintf(w, "  download (tcp):   %s  max=%d\n", cfg.Download.Addr, cfg.Download.MaxDownloads)
	fmt.Fprintf(w, "  heartbeat:        every %s, timeout %s\n", cfg.Heartbeat.Interval, cfg.Heartbeat.Timeout)
	fmt.Fprintf(w, "  exec:             %s -c <command>, timeout %s\n", cfg.Exec.Shell, cfg.Exec.Timeout)
	if *cfg.Admin.Enabled {
		fmt.Fprintf(w, "  admin:            %s %s\n", cfg.Admin.Network, cfg.Admin.Addr)
	} else {
		fmt.Fprintln(w, "  admin:            disabled")
	}
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  metrics:          http://%s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(w, "  metrics:          disabled")
	}
	if cfg.GRPC.Enabled {
		fmt.Fprintf(w, "  grpc health:      %s\n", cfg.GRPC.Addr)
	} else {
		fmt.Fprintln(w, "  grpc health:      disabled")
	}
}

// probeHealth checks the overall status and every component service.
func probeHealth(ctx context.Context, w io.Writer, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	marshal := protojson.MarshalOptions{UseProtoNames: true}

	fmt.Fprintf(w, "health (%s)\n", addr)
	unhealthy := 0
	for _, svc := range append([]string{""}, server.Services...) {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		if err != nil {
			return fmt.Errorf("health check %q failed: %w", svc, err)
		}
		name := svc
		if name == "" {
			name = "(overall)"
		}
		body, err := marshal.Marshal(resp)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %-18s %s\n", name, body)
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			unhealthy++
		}
	}
	if unhealthy > 0 {
		return fmt.Errorf("%d service(s) not serving", unhealthy)
	}
	return nil
}

// Execute runs the CLI with the process arguments.
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
