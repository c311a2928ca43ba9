// Package logging builds the zap loggers used by the binaries.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aggiestack/aggiestack/internal/config"
)

// New configures the zap logger based on configuration.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	switch cfg.Output {
	case "", "stdout":
		zapConfig.OutputPaths = []string{"stdout"}
	case "stderr":
		zapConfig.OutputPaths = []string{"stderr"}
	default:
		zapConfig.OutputPaths = []string{cfg.Output}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

// ParseLevel maps a level name to a zap level. Unknown names yield info.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(name) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// CommandLog appends one line per CLI command to a file:
//
//	<2024 13:25:53>	<SUCCESS> <aggiestack show hardware>
//	<2024 13:43:56>	<ERROR> <aggiestack can_host m9 small> <Exception:: server "m9" not found>
type CommandLog struct {
	logger *zap.Logger
}

// NewCommandLog opens path for appending. An empty path discards entries.
func NewCommandLog(path string) (*CommandLog, error) {
	if path == "" {
		return &CommandLog{logger: zap.NewNop()}, nil
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(zapcore.InfoLevel),
		Encoding:          "console",
		DisableCaller:     true,
		DisableStacktrace: true,
		OutputPaths:       []string{path},
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:    "ts",
			MessageKey: "msg",
			EncodeTime: zapcore.TimeEncoderOfLayout("<2006 15:04:05>"),
		},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to open command log %s: %w", path, err)
	}
	return &CommandLog{logger: logger}, nil
}

// Success records a command that completed.
func (l *CommandLog) Success(cmdline string) {
	l.logger.Info(fmt.Sprintf("<SUCCESS> <%s>", cmdline))
}

// Failure records a command that returned err.
func (l *CommandLog) Failure(cmdline string, err error) {
	l.logger.Error(fmt.Sprintf("<ERROR> <%s> <Exception:: %s>", cmdline, err))
}

// Close flushes buffered entries.
func (l *CommandLog) Close() error {
	return l.logger.Sync()
}
