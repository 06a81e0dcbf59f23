package cluster

import (
	"context"
	"testing"
	"time"
)

func TestDNSDiscovery_EmptyHostIsNoOp(t *testing.T) {
	var called bool
	d := NewDNSDiscovery("", func(addr string) { called = true })

	done := make(chan struct{})
	go func() {
		d.Start(context.Background(), time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Start to return immediately for an empty host")
	}
	if called {
		t.Fatal("expected onPeer never called for an empty host")
	}
}

func TestDNSDiscovery_StopsOnContextCancel(t *testing.T) {
	d := NewDNSDiscovery("localhost", func(addr string) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx, time.Hour)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Start to return promptly after context cancellation")
	}
}
