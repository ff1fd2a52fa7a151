package redis

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func testConfig(t *testing.T, mr *miniredis.Miniredis) Config {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("bad miniredis port: %v", err)
	}
	return Config{
		Host:            mr.Host(),
		Port:            port,
		ConnectAttempts: 2,
		RetryBase:       5 * time.Millisecond,
		RetryMax:        20 * time.Millisecond,
		PingInterval:    10 * time.Millisecond,
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := Backoff(tt.attempt, time.Second, 30*time.Second); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNew_Connects(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := New(context.Background(), testConfig(t, mr), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("expected connected after New")
	}
}

func TestNew_FailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	mr.Close()

	client, err := New(context.Background(), cfg, zap.NewNop())
	if err == nil {
		client.Close()
		t.Fatal("expected error for unreachable redis")
	}
}

func TestMonitor_ReportsDisconnectAndReconnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := New(context.Background(), testConfig(t, mr), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	var mu sync.Mutex
	var seen []bool
	client.OnStateChange(func(connected bool, _ error) {
		mu.Lock()
		seen = append(seen, connected)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Monitor(ctx)

	mr.SetError("ERR simulated outage")
	waitFor(t, func() bool { return !client.IsConnected() })

	mr.SetError("")
	waitFor(t, client.IsConnected)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 || seen[0] != false || seen[1] != true {
		t.Errorf("expected [false true ...], got %v", seen)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
