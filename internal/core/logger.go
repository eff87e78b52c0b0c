package core

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Init initializes zap's global logger
// After calling this, we use zap.L() directly.
func Init(pretty bool, level string) error {
	var config zap.Config

	if pretty {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(parsed)
	}

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	zap.ReplaceGlobals(logger)
	return nil
}

// StdoutIsTerminal reports whether stdout is attached to a terminal.
// Used to pick pretty logs when no format was requested explicitly.
func StdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd())) // #nosec G115 -- fd values fit in int
}

// LogProcessExit logs the exit of a supervised process using zap's global logger
func LogProcessExit(name string, status ExitStatus, critical bool) {
	fields := []zap.Field{
		zap.String("process", name),
		zap.Int("exit_code", status.Code),
		zap.Bool("critical", critical),
		zap.Float64("uptime_seconds", status.Uptime.Seconds()),
	}

	if status.Err != nil {
		fields = append(fields, zap.Error(status.Err))
	}

	if critical {
		zap.L().Error("Critical process exited", fields...)
		return
	}

	zap.L().Warn("Process exited", fields...)
}

// LogPanicRecovery logs a recovered panic with its stack trace
func LogPanicRecovery(component string, panicValue any) {
	zap.L().Error("Panic recovered",
		zap.String("component", component),
		zap.Any("panic_value", panicValue),
		zap.String("note", BugReportMessage()),
		zap.Stack("stack"))
}

// LogDeferredError runs fn and logs its error, if any. Meant for deferred Close calls.
func LogDeferredError(fn func() error) {
	if err := fn(); err != nil {
		zap.L().Error("Deferred error", zap.Error(err), zap.Stack("stack"))
	}
}
