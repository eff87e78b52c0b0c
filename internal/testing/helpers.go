// Package testing provides helpers shared by stackvisor tests.
package testing

import (
	"fmt"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/presenton/stackvisor/internal/core"
)

// Shell is the interpreter used by the stand-in service commands below.
const Shell = "/bin/sh"

// SkipOnWindows skips tests that spawn POSIX shell children.
func SkipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("Skipping process test on Windows")
	}
}

// FreePort returns a loopback port with nothing listening on it
func FreePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

// Listen opens a loopback listener on port that accepts and immediately
// closes connections until the test ends.
func Listen(t *testing.T, port int) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	go acceptAndClose(listener)
	return listener
}

// ListenAfter opens a listener on port once delay has passed. The listener is
// closed when the test ends.
func ListenAfter(t *testing.T, port int, delay time.Duration) {
	t.Helper()
	var (
		mu       sync.Mutex
		listener net.Listener
		stopped  bool
	)
	timer := time.AfterFunc(delay, func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return
		}
		listener = l
		go acceptAndClose(l)
	})
	t.Cleanup(func() {
		timer.Stop()
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		if listener != nil {
			_ = listener.Close()
		}
	})
}

func acceptAndClose(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		_ = conn.Close()
	}
}

// SleeperSpec is a service that runs until it is terminated.
func SleeperSpec(name string, critical bool) core.ProcessSpec {
	return core.ProcessSpec{
		Name:     name,
		Command:  Shell,
		Args:     []string{"-c", "exec sleep 60"},
		Critical: critical,
	}
}

// ExitSpec is a service that exits with code after delay.
func ExitSpec(name string, code int, delay time.Duration, critical bool) core.ProcessSpec {
	return core.ProcessSpec{
		Name:     name,
		Command:  Shell,
		Args:     []string{"-c", fmt.Sprintf("sleep %.3f; exit %d", delay.Seconds(), code)},
		Critical: critical,
	}
}
