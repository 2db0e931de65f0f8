//go:build unix

package lifecycle

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHandleSignalsCleansUpAndExits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upcache.json")
	require.NoError(t, WriteDiscovery(path, 9000))

	codes := make(chan int, 1)
	p := NewProcess(zaptest.NewLogger(t), WithExit(func(code int) { codes <- code }))
	p.RemoveOnExit(path)
	p.HandleSignals(syscall.SIGUSR1)
	defer p.Stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	select {
	case code := <-codes:
		assert.Equal(t, 128+int(syscall.SIGUSR1), code)
	case <-time.After(2 * time.Second):
		t.Fatal("signal was not handled")
	}

	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStopIgnoresLaterSignals(t *testing.T) {
	codes := make(chan int, 1)
	p := NewProcess(zaptest.NewLogger(t), WithExit(func(code int) { codes <- code }))
	p.HandleSignals(syscall.SIGUSR2)
	p.Stop()

	// Keep SIGUSR2 from reaching its default action once our handler is gone.
	guard := make(chan os.Signal, 1)
	signal.Notify(guard, syscall.SIGUSR2)
	defer signal.Stop(guard)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))

	select {
	case <-guard:
	case <-time.After(2 * time.Second):
		t.Fatal("guard did not receive signal")
	}
	select {
	case code := <-codes:
		t.Fatalf("exit called with %d after Stop", code)
	case <-time.After(50 * time.Millisecond):
	}
}
