package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestFixedWindowBoundary(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLimiter(60*time.Second, 10)
	l.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		if !l.Check("alice") {
			t.Fatalf("call %d within limit should pass", i+1)
		}
	}
	if l.Check("alice") {
		t.Fatalf("11th call within window must be rejected")
	}
	if l.RetryAfter("alice") <= 0 {
		t.Fatalf("rejected key should report a positive retry delay")
	}

	// After the window elapses the key is admitted again.
	now = now.Add(61 * time.Second)
	if !l.Check("alice") {
		t.Fatalf("call after window elapsed should pass")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewLimiter(time.Minute, 1)
	if !l.Check("alice") {
		t.Fatalf("first alice call should pass")
	}
	if l.Check("alice") {
		t.Fatalf("second alice call should be rejected")
	}
	if !l.Check("bob") {
		t.Fatalf("bob must not be affected by alice's limit")
	}
}

func TestConcurrentChecks(t *testing.T) {
	l := NewLimiter(time.Minute, 50)
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("shared") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 50 {
		t.Fatalf("expected exactly 50 admissions, got %d", admitted)
	}
}
