package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/inboxd/inboxd/internal/config"
)

func startTestListener(t *testing.T, cfg ListenerConfig) (*Listener, context.CancelFunc) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := NewListener(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("listener did not stop")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for l.BoundAddr() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("listener did not bind")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return l, cancel
}

func TestListenerBindsEphemeralPort(t *testing.T) {
	l, _ := startTestListener(t, ListenerConfig{
		Address: "127.0.0.1:0",
		Mode:    config.ModeSmtp,
		Handler: func(ctx context.Context, conn *Connection) {},
	})

	addr, ok := l.BoundAddr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("BoundAddr type = %T", l.BoundAddr())
	}
	if addr.Port == 0 {
		t.Errorf("port = 0, want assigned port")
	}
}

func TestListenerRejectsOverCapacity(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	l, _ := startTestListener(t, ListenerConfig{
		Address:        "127.0.0.1:0",
		Mode:           config.ModeSmtp,
		MaxConnections: 1,
		RejectLine:     "421 Too many connections",
		Handler: func(ctx context.Context, conn *Connection) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
		},
	})
	defer close(release)

	first, err := net.Dial("tcp", l.BoundAddr().String())
	if err != nil {
		t.Fatalf("first dial failed: %v", err)
	}
	defer func() { _ = first.Close() }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never started")
	}

	second, err := net.Dial("tcp", l.BoundAddr().String())
	if err != nil {
		t.Fatalf("second dial failed: %v", err)
	}
	defer func() { _ = second.Close() }()

	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(second).ReadString('\n')
	if err != nil {
		t.Fatalf("reading reject line: %v", err)
	}
	if strings.TrimRight(line, "\r\n") != "421 Too many connections" {
		t.Errorf("reject line = %q", line)
	}

	// The rejected connection is closed right after the line
	if _, err := second.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read after reject = %v, want EOF", err)
	}
}

func TestListenerStopsOnCancel(t *testing.T) {
	l, cancel := startTestListener(t, ListenerConfig{
		Address: "127.0.0.1:0",
		Mode:    config.ModePop3,
		Handler: func(ctx context.Context, conn *Connection) {
			<-ctx.Done()
		},
	})

	addr := l.BoundAddr().String()
	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return
		}
		_ = conn.Close()
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("listener still accepting after cancel")
}
