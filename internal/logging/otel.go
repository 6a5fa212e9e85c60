// internal/logging/otel.go
package logging

import (
	"errors"
	"io"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// instrumentationScope names the otelzap logger; log records exported over
// OTLP carry it as their scope.
const instrumentationScope = "github.com/fyrsmithlabs/weightopt"

var errNoOutput = errors.New("no log output available")

// consoleWriter maps a console destination to its stream. Reports go to
// stdout, so stderr is the default.
func consoleWriter(dest string) io.Writer {
	switch dest {
	case ConsoleStdout:
		return os.Stdout
	case ConsoleStderr:
		return os.Stderr
	default:
		return nil
	}
}

// buildCore tees the console core with the otelzap bridge and samples the
// result. The bridge is skipped when no provider is given.
func buildCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	var cores []zapcore.Core

	if w := consoleWriter(cfg.Output.Console); w != nil {
		cores = append(cores, zapcore.NewCore(newEncoder(cfg.Format), zapcore.AddSync(w), cfg.Level))
	}
	if cfg.Output.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore(instrumentationScope, otelzap.WithLoggerProvider(otelProvider)))
	}

	switch len(cores) {
	case 0:
		return nil, errNoOutput
	case 1:
		return newSampledCore(cores[0], cfg.Sampling), nil
	default:
		return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling), nil
	}
}
