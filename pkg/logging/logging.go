// Package logging builds the zap loggers used by kbreader components.
//
// Components take a *zap.Logger and never build one themselves; the
// command line builds one from Config and passes it down:
//
//	logger, err := logging.New(logging.Config{Level: "debug", Format: "json"})
//	if err != nil {
//		return err
//	}
//	defer logger.Sync()
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config selects level, encoding and development mode
type Config struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Development bool   `yaml:"development"`
}

// DefaultConfig logs info and above to stderr in console format
func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatConsole}
}

// New builds a logger writing to stderr
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Sampling = nil
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	switch strings.ToLower(cfg.Format) {
	case "", FormatConsole:
		zc.Encoding = FormatConsole
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case FormatJSON:
		zc.Encoding = FormatJSON
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q (expected console or json)", cfg.Format)
	}

	return zc.Build()
}

// Default returns a console info logger, or a no-op logger if it cannot
// be built
func Default() *zap.Logger {
	logger, err := New(DefaultConfig())
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
