package logging

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console", "logrus", ""} {
		l, err := New("warn", format)
		require.NoError(t, err, format)
		assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
		assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
	}
}

func TestNewLogrusFormat(t *testing.T) {
	l, err := New("debug", "logrus")
	require.NoError(t, err)

	core, ok := l.Core().(*logrusCore)
	require.True(t, ok, "logrus format builds a logrus-backed core")
	assert.Equal(t, logrus.DebugLevel, core.l.GetLevel())
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestNewRejectsUnknown(t *testing.T) {
	_, err := New("loud", "json")
	assert.Error(t, err)

	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}

func TestNewLogrus(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.InfoLevel)

	l := NewLogrus(base).Named("server").With(zap.String("addr", "127.0.0.1:7000"))

	l.Debug("dropped")
	assert.Empty(t, hook.AllEntries())

	l.Warn("connection closed", zap.Error(errors.New("bad magic")), zap.Int("conns", 3))
	require.Len(t, hook.AllEntries(), 1)

	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "connection closed", entry.Message)
	assert.Equal(t, "127.0.0.1:7000", entry.Data["addr"])
	assert.Equal(t, "bad magic", entry.Data["error"])
	assert.Equal(t, int64(3), entry.Data["conns"])
	assert.Equal(t, "server", entry.Data["logger"])
}

func TestNewLogrusErrorLevels(t *testing.T) {
	base, hook := test.NewNullLogger()
	l := NewLogrus(base)

	l.Error("boom")
	l.DPanic("not in development")

	require.Len(t, hook.AllEntries(), 2)
	for _, e := range hook.AllEntries() {
		assert.Equal(t, logrus.ErrorLevel, e.Level)
	}
}
