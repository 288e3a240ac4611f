package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", Ping("database", func(context.Context) error { return nil }))
	r.Register("redis", Ping("redis", func(context.Context) error { return errors.New("connection refused") }))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "database" || !statuses[0].Healthy {
		t.Fatalf("unexpected first status %+v", statuses[0])
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRunningChecker(t *testing.T) {
	running := false
	check := Running("expiry_timer", func() bool { return running })

	if st := check(context.Background()); st.Healthy || st.Detail != "not running" {
		t.Fatalf("expected unhealthy, got %+v", st)
	}
	running = true
	if st := check(context.Background()); !st.Healthy {
		t.Fatalf("expected healthy, got %+v", st)
	}
}

func TestCheckAllFillsMissingName(t *testing.T) {
	r := NewRegistry()
	r.Register("kafka", func(context.Context) Status { return Status{Healthy: true} })
	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "kafka" {
		t.Fatalf("expected registered name, got %q", statuses[0].Name)
	}
}

func TestCheckAllAppliesTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 10 * time.Millisecond
	r.Register("slow", Ping("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed out check should be unhealthy")
	}
	if statuses[0].Detail == "" {
		t.Fatal("expected a detail for the timed out check")
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(context.Context) Status { return Status{Healthy: true} })
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	if _, statuses := r.CheckAll(context.Background()); len(statuses) != 10 {
		t.Fatalf("expected 10 statuses, got %d", len(statuses))
	}
}
