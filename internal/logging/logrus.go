package logging

import (
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogrus returns a zap logger whose entries are written by l. Level
// filtering follows l's level. Panic and fatal entries are logged at error
// level by logrus; zap itself still panics or exits after writing them.
func NewLogrus(l *logrus.Logger) *zap.Logger {
	return zap.New(&logrusCore{l: l})
}

type logrusCore struct {
	l      *logrus.Logger
	fields []zapcore.Field
}

func (c *logrusCore) Enabled(lvl zapcore.Level) bool {
	return c.l.IsLevelEnabled(logrusLevel(lvl))
}

func (c *logrusCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &logrusCore{l: c.l, fields: merged}
}

func (c *logrusCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *logrusCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	if ent.LoggerName != "" {
		enc.Fields["logger"] = ent.LoggerName
	}

	c.l.WithFields(logrus.Fields(enc.Fields)).WithTime(ent.Time).Log(logrusLevel(ent.Level), ent.Message)
	return nil
}

func (c *logrusCore) Sync() error { return nil }

func logrusLevel(lvl zapcore.Level) logrus.Level {
	switch lvl {
	case zapcore.DebugLevel:
		return logrus.DebugLevel
	case zapcore.InfoLevel:
		return logrus.InfoLevel
	case zapcore.WarnLevel:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}
