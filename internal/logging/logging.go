// Package logging builds the zap loggers used by upcache components.
//
// Components accept a *zap.Logger and fall back to zap.NewNop when none is
// given. Executables build one with New from the configured level and format.
// The "logrus" format routes entries through a logrus text logger, for
// deployments whose log pipelines already parse logrus output.
package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger writing to stderr.
//
// Parameters:
//   - level: debug, info, warn or error
//   - format: "json" for production JSON output, "console" for human-readable
//     output, "logrus" for logrus text output
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	case "logrus":
		base := logrus.New()
		base.SetLevel(logrusLevel(lvl))
		return NewLogrus(base), nil
	default:
		return nil, fmt.Errorf("logging: unknown format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
