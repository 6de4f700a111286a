package resilience

import (
	"sync"
	"testing"
	"time"

	routererrors "github.com/havenline/routecore/pkg/errors"
)

func TestGuardAllowsBelowThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, Cooldown: time.Minute})
	b.RecordFailure("a")
	b.RecordFailure("a")

	if err := b.Guard("a"); err != nil {
		t.Fatalf("expected circuit still closed at threshold-1, got %v", err)
	}
}

func TestGuardTripsAtThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, Cooldown: time.Minute})
	b.RecordFailure("a")
	b.RecordFailure("a")
	b.RecordFailure("a")

	err := b.Guard("a")
	if err == nil {
		t.Fatal("expected circuit open error")
	}
	var rerr *routererrors.RouterError
	if !asRouterError(err, &rerr) || rerr.Kind != routererrors.KindCircuitOpen {
		t.Fatalf("expected KindCircuitOpen, got %v", err)
	}
}

func TestRecordSuccessResetsFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 3, Cooldown: time.Minute})
	b.RecordFailure("a")
	b.RecordFailure("a")
	b.RecordSuccess("a")
	b.RecordFailure("a")
	b.RecordFailure("a")

	if err := b.Guard("a"); err != nil {
		t.Fatalf("expected circuit closed after reset + two failures, got %v", err)
	}
}

func TestGuardAdmitsAfterCooldown(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})
	b.RecordFailure("a")

	if err := b.Guard("a"); err == nil {
		t.Fatal("expected circuit open immediately after trip")
	}

	time.Sleep(20 * time.Millisecond)

	if err := b.Guard("a"); err != nil {
		t.Fatalf("expected circuit to admit after cooldown elapsed, got %v", err)
	}
}

func TestConcurrentFailuresTripExactlyAtThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 50, Cooldown: time.Minute})
	var wg sync.WaitGroup
	for i := 0; i < 49; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure("a")
		}()
	}
	wg.Wait()

	if err := b.Guard("a"); err != nil {
		t.Fatalf("expected still closed at threshold-1, got %v", err)
	}

	b.RecordFailure("a")
	if err := b.Guard("a"); err == nil {
		t.Fatal("expected circuit open at threshold")
	}
}

type fakeSharedStore struct {
	mu   sync.Mutex
	open map[string]bool
}

func newFakeSharedStore() *fakeSharedStore {
	return &fakeSharedStore{open: make(map[string]bool)}
}

func (f *fakeSharedStore) SetOpen(provider string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open[provider] = true
	return nil
}

func (f *fakeSharedStore) IsOpen(provider string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[provider], nil
}

func (f *fakeSharedStore) Clear(provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, provider)
	return nil
}

func TestSharedBreakerConsultsSharedKey(t *testing.T) {
	shared := newFakeSharedStore()
	b := NewShared(Config{FailureThreshold: 100, Cooldown: time.Minute}, shared)

	// Simulate another instance tripping the breaker.
	_ = shared.SetOpen("a", time.Minute)

	if err := b.Guard("a"); err == nil {
		t.Fatal("expected shared OPEN key to trip the guard even with local failure count at zero")
	}
}

func TestSharedBreakerClearsOnSuccess(t *testing.T) {
	shared := newFakeSharedStore()
	b := NewShared(Config{FailureThreshold: 1, Cooldown: time.Minute}, shared)

	b.RecordFailure("a")
	if open, _ := shared.IsOpen("a"); !open {
		t.Fatal("expected shared key set after trip")
	}

	b.RecordSuccess("a")
	if open, _ := shared.IsOpen("a"); open {
		t.Fatal("expected shared key cleared after success")
	}
}

func asRouterError(err error, target **routererrors.RouterError) bool {
	re, ok := err.(*routererrors.RouterError)
	if ok {
		*target = re
	}
	return ok
}
