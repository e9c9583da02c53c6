// Package observability owns logger construction for the CLI and the
// long-running run internals.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the operator-facing logger: console encoding on stderr,
// human timestamps. Commands use it for progress and error reporting.
var CLILogger = zap.NewNop()

// Logger is the structured logger handed to run internals.
var Logger = zap.NewNop()

// Init builds the process loggers at the given level ("debug", "info",
// "warn", "error"). Must be called once, before any command logic runs.
func Init(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	cliCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cli, err := cliCfg.Build()
	if err != nil {
		return fmt.Errorf("build CLI logger: %w", err)
	}
	CLILogger = cli
	Logger = cli.Named("run")
	return nil
}

// Sync flushes buffered log entries; called on process exit.
func Sync() {
	_ = CLILogger.Sync()
	_ = Logger.Sync()
}
