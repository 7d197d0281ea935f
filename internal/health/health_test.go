package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(0)
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry(0)
	r.Register(Ping("ledger", func(context.Context) error { return nil }))
	r.Register(Ping("orders", func(context.Context) error { return errors.New("connection refused") }))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected unhealthy aggregate")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Healthy || statuses[0].Name != "ledger" {
		t.Errorf("unexpected ledger status %+v", statuses[0])
	}
	if statuses[1].Healthy || statuses[1].Detail != "connection refused" {
		t.Errorf("unexpected orders status %+v", statuses[1])
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register(Ping("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected timeout to make the check unhealthy")
	}
	if time.Since(start) > time.Second {
		t.Fatal("checker was not bounded by the registry timeout")
	}
}

func TestWorker(t *testing.T) {
	running := true
	last := time.Time{}
	check := Worker("sweeper", func() bool { return running }, func() time.Time { return last }, time.Minute)

	if s := check(context.Background()); !s.Healthy {
		t.Errorf("fresh worker should be healthy, got %+v", s)
	}

	last = time.Now().Add(-2 * time.Minute)
	if s := check(context.Background()); s.Healthy {
		t.Errorf("stale worker should be unhealthy, got %+v", s)
	}

	last = time.Now()
	running = false
	if s := check(context.Background()); s.Healthy || s.Detail != "not running" {
		t.Errorf("stopped worker should be unhealthy, got %+v", s)
	}
}

func TestRegistryConcurrentRegister(t *testing.T) {
	r := NewRegistry(0)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register(Ping("x", func(context.Context) error { return nil }))
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	_, statuses := r.CheckAll(context.Background())
	if len(statuses) != 20 {
		t.Fatalf("expected 20 statuses, got %d", len(statuses))
	}
}
