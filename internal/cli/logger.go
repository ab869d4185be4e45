package cli

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ChuLiYu/jobfarm/internal/logbus"
)

// buildLogger tees the process log into the log bus so the admin console
// can stream it. out defaults to stderr.
func buildLogger(cfg *Config, bus *logbus.Bus, out zapcore.WriteSyncer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log.level: %w", err)
	}
	busLevel, err := zapcore.ParseLevel(cfg.Log.BusLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log.bus_level: %w", err)
	}
	if out == nil {
		out = zapcore.Lock(os.Stderr)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Log.Encoding == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewTee(
		zapcore.NewCore(enc, out, level),
		logbus.NewCore(bus, busLevel),
	)
	return zap.New(core, zap.AddCaller()), nil
}
