package server

import (
	"context"
	"net"
	"testing"
	"time"

	"tinyredis/internal/logging"
)

// startTestServer launches a Server on an ephemeral port and returns its
// address. The server and its connections are torn down when the test ends.
func startTestServer(t *testing.T, cfg *Config) string {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Host = "127.0.0.1"
	cfg.Port = 0

	reserved, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, "0"))
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := reserved.Addr().String()
	_, portStr, _ := net.SplitHostPort(addr)
	reserved.Close()
	cfg.Port = mustAtoi(t, portStr)

	srv := New(cfg, logging.New())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
	})

	waitForDial(t, addr)
	return addr
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			t.Fatalf("not a port: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func waitForDial(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server at %s never came up", addr)
}
