package logbus

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// Core 把 zap 日誌轉送到 Bus 的 zapcore.Core
//
// 分類標籤取自 logger 名稱（logger.Named("upload") → "[UPLOAD]"），
// 沒有名稱時使用等級（"[INFO]"）。
type Core struct {
	zapcore.LevelEnabler
	bus *Bus
	enc zapcore.Encoder
}

// NewCore 建立 Core；等級低於 level 的日誌不會進入匯流排
func NewCore(bus *Bus, level zapcore.LevelEnabler) *Core {
	cfg := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LineEnding:     "",
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
	}
	return &Core{
		LevelEnabler: level,
		bus:          bus,
		enc:          zapcore.NewConsoleEncoder(cfg),
	}
}

// With 帶入欄位的子 Core
func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	enc := c.enc.Clone()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return &Core{LevelEnabler: c.LevelEnabler, bus: c.bus, enc: enc}
}

// Check implements zapcore.Core.
func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

// Write implements zapcore.Core.
func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(zapcore.Entry{Message: ent.Message}, fields)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(buf.String())
	buf.Free()

	c.bus.Publish(Event{Time: ent.Time, Category: category(ent), Text: text})
	return nil
}

// Sync implements zapcore.Core.
func (c *Core) Sync() error { return nil }

func category(ent zapcore.Entry) string {
	if ent.LoggerName != "" {
		return "[" + strings.ToUpper(ent.LoggerName) + "]"
	}
	return "[" + ent.Level.CapitalString() + "]"
}
