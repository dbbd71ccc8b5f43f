package systemd

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "ttbot/pkg/logx"
)

func listenNotify(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram not available: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func TestNotifyStates(t *testing.T) {
	conn := listenNotify(t)
	tests := []struct {
		send func() (bool, error)
		want string
	}{
		{Ready, "READY=1"},
		{Reloading, "RELOADING=1"},
		{Stopping, "STOPPING=1"},
		{func() (bool, error) { return Status("3 sources") }, "STATUS=3 sources"},
	}
	for _, tt := range tests {
		sent, err := tt.send()
		if err != nil || !sent {
			t.Fatalf("sent=%v err=%v", sent, err)
		}
		if got := read(t, conn); got != tt.want {
			t.Fatalf("got %q want %q", got, tt.want)
		}
	}
}

func TestNotifyWithoutSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	sent, err := Ready()
	if sent || err != nil {
		t.Fatalf("sent=%v err=%v", sent, err)
	}
}

func TestWatchdog(t *testing.T) {
	conn := listenNotify(t)
	t.Setenv("WATCHDOG_USEC", "20000")
	t.Setenv("WATCHDOG_PID", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watchdog(ctx, logx.Nop()) }()

	if got := read(t, conn); !strings.HasPrefix(got, "WATCHDOG=1") {
		t.Fatalf("got %q", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}

func TestWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	if err := Watchdog(context.Background(), logx.Nop()); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}
