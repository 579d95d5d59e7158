package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	// Path is the JSON log file. Parent directories are created.
	Path string
	// Profile and Component are attached to every entry.
	Profile   string
	Component string
	// Level is a zap level name; empty means info.
	Level string
	// Console also writes human-readable entries to stderr.
	Console bool
}

// New builds the process logger: JSON lines to Options.Path, optionally
// teed to stderr. Each entry carries profile, component and pid.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		l, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = l
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(file), level),
	}
	if opts.Console {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), level))
	}

	fields := []zap.Field{zap.String("profile", opts.Profile), zap.Int("pid", os.Getpid())}
	if opts.Component != "" {
		fields = append(fields, zap.String("component", opts.Component))
	}
	return zap.New(zapcore.NewTee(cores...), zap.Fields(fields...)), nil
}
