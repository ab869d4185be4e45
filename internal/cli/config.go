package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/jobfarm/internal/controller"
	"github.com/ChuLiYu/jobfarm/internal/logbus"
	"github.com/ChuLiYu/jobfarm/internal/protocol"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Server struct {
		DataDir     string `yaml:"data_dir"`
		AdvertiseIP string `yaml:"advertise_ip"`
	} `yaml:"server"`

	Control struct {
		Addr      string  `yaml:"addr"`
		RateLimit float64 `yaml:"rate_limit"`
		RateBurst int     `yaml:"rate_burst"`
	} `yaml:"control"`

	Heartbeat struct {
		Interval time.Duration `yaml:"interval"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"heartbeat"`

	Upload struct {
		Addr          string        `yaml:"addr"`
		MaxUploads    int           `yaml:"max_uploads"`
		MaxQueued     int           `yaml:"max_queued"`
		MaxFileSize   uint64        `yaml:"max_file_size"`
		AgingFactor   float64       `yaml:"aging_factor"`
		AcceptTimeout time.Duration `yaml:"accept_timeout"`
		IdleTimeout   time.Duration `yaml:"idle_timeout"`
	} `yaml:"upload"`

	Download struct {
		Addr         string        `yaml:"addr"`
		MaxDownloads int           `yaml:"max_downloads"`
		WaitTimeout  time.Duration `yaml:"wait_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"download"`

	Exec struct {
		Shell        string        `yaml:"shell"`
		Timeout      time.Duration `yaml:"timeout"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"exec"`

	Admin struct {
		Enabled     *bool         `yaml:"enabled"`
		Network     string        `yaml:"network"`
		Addr        string        `yaml:"addr"`
		IdleTimeout time.Duration `yaml:"idle_timeout"`
		LogPoll     time.Duration `yaml:"log_poll"`
	} `yaml:"admin"`

	Log struct {
		Level       string `yaml:"level"`
		Encoding    string `yaml:"encoding"`
		BusLevel    string `yaml:"bus_level"`
		BusCapacity int    `yaml:"bus_capacity"`
	} `yaml:"log"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	GRPC struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"grpc"`
}

// Defaults
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultMaxUploads        = 4
	DefaultMaxDownloads      = 4
	DefaultAgingFactor       = 0.001 // 每秒等待增加的優先權，大小項為 1/bytes
	DefaultAdminSocket       = "/tmp/jobfarm-admin.sock"
)

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills every zero value the service cannot run without.
func (c *Config) applyDefaults() {
	setString(&c.Server.DataDir, "./data/jobs")
	setString(&c.Control.Addr, fmt.Sprintf(":%d", protocol.DefaultPort))
	setDuration(&c.Heartbeat.Interval, DefaultHeartbeatInterval)
	setDuration(&c.Heartbeat.Timeout, DefaultHeartbeatTimeout)

	setString(&c.Upload.Addr, fmt.Sprintf(":%d", protocol.DefaultPort+1))
	setInt(&c.Upload.MaxUploads, DefaultMaxUploads)
	if c.Upload.AgingFactor == 0 {
		c.Upload.AgingFactor = DefaultAgingFactor
	}
	setDuration(&c.Upload.AcceptTimeout, 30*time.Second)
	setDuration(&c.Upload.IdleTimeout, time.Minute)

	setString(&c.Download.Addr, fmt.Sprintf(":%d", protocol.DefaultPort+2))
	setInt(&c.Download.MaxDownloads, DefaultMaxDownloads)
	setDuration(&c.Download.WaitTimeout, 30*time.Second)
	setDuration(&c.Download.WriteTimeout, time.Minute)

	setString(&c.Exec.Shell, "/bin/sh")
	setDuration(&c.Exec.PollInterval, time.Second)

	if c.Admin.Enabled == nil {
		enabled := true
		c.Admin.Enabled = &enabled
	}
	setString(&c.Admin.Network, "unix")
	setString(&c.Admin.Addr, DefaultAdminSocket)
	setDuration(&c.Admin.LogPoll, 250*time.Millisecond)

	setString(&c.Log.Level, "info")
	setString(&c.Log.Encoding, "console")
	setString(&c.Log.BusLevel, "info")
	setInt(&c.Log.BusCapacity, logbus.DefaultCapacity)

	setString(&c.Metrics.Addr, ":9090")
	setString(&c.GRPC.Addr, ":50051")
}

func (c *Config) validate() error {
	var errs []error
	if c.Upload.MaxUploads < 1 {
		errs = append(errs, errors.New("upload.max_uploads must be at least 1"))
	}
	if c.Download.MaxDownloads < 1 {
		errs = append(errs, errors.New("download.max_downloads must be at least 1"))
	}
	if c.Upload.MaxQueued < 0 {
		errs = append(errs, errors.New("upload.max_queued must not be negative"))
	}
	if c.Upload.AgingFactor < 0 {
		errs = append(errs, errors.New("upload.aging_factor must not be negative"))
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		errs = append(errs, fmt.Errorf("heartbeat.timeout (%s) must exceed heartbeat.interval (%s)",
			c.Heartbeat.Timeout, c.Heartbeat.Interval))
	}
	if c.Control.RateLimit < 0 {
		errs = append(errs, errors.New("control.rate_limit must not be negative"))
	}
	switch c.Admin.Network {
	case "unix", "tcp":
	default:
		errs = append(errs, fmt.Errorf("admin.network must be unix or tcp, got %q", c.Admin.Network))
	}
	switch c.Log.Encoding {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.encoding must be console or json, got %q", c.Log.Encoding))
	}
	return errors.Join(errs...)
}

// controllerConfig maps the YAML sections onto the flat controller.Config.
func (c *Config) controllerConfig() controller.Config {
	cc := controller.Config{
		DataDir:      c.Server.DataDir,
		AdvertiseIP:  c.Server.AdvertiseIP,
		ControlAddr:  c.Control.Addr,
		UploadAddr:   c.Upload.Addr,
		DownloadAddr: c.Download.Addr,
		RateLimit:    c.Control.RateLimit,
		RateBurst:    c.Control.RateBurst,

		HeartbeatTimeout: c.Heartbeat.Timeout,
		SweepInterval:    c.Heartbeat.Interval,

		MaxUploads:          c.Upload.MaxUploads,
		MaxQueuedUploads:    c.Upload.MaxQueued,
		MaxFileSize:         c.Upload.MaxFileSize,
		AgingFactor:         c.Upload.AgingFactor,
		UploadAcceptTimeout: c.Upload.AcceptTimeout,
		UploadIdleTimeout:   c.Upload.IdleTimeout,

		MaxDownloads:         c.Download.MaxDownloads,
		DownloadWaitTimeout:  c.Download.WaitTimeout,
		DownloadWriteTimeout: c.Download.WriteTimeout,

		Shell:            c.Exec.Shell,
		ExecTimeout:      c.Exec.Timeout,
		ExecPollInterval: c.Exec.PollInterval,

		AdminNetwork:     c.Admin.Network,
		AdminIdleTimeout: c.Admin.IdleTimeout,
		AdminLogPoll:     c.Admin.LogPoll,
	}
	if *c.Admin.Enabled {
		cc.AdminAddr = c.Admin.Addr
	}
	if c.Metrics.Enabled {
		cc.HTTPAddr = c.Metrics.Addr
	}
	if c.GRPC.Enabled {
		cc.GRPCAddr = c.GRPC.Addr
	}
	return cc
}

func setString(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func setInt(p *int, v int) {
	if *p == 0 {
		*p = v
	}
}

func setDuration(p *time.Duration, v time.Duration) {
	if *p == 0 {
		*p = v
	}
}
