package connlimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAcquire_UnderBudgetIsImmediate(t *testing.T) {
	l := New(2, zerolog.Nop())
	ctx := context.Background()

	a, err := l.Acquire(ctx, "api.example.org")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	b, err := l.Acquire(ctx, "api.example.org")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if got := l.Active("api.example.org"); got != 2 {
		t.Errorf("Active = %d, want 2", got)
	}

	a.Release()
	b.Release()
	if got := l.Active("api.example.org"); got != 0 {
		t.Errorf("Active after release = %d, want 0", got)
	}
}

func TestAcquire_NeverExceedsBudget(t *testing.T) {
	const max = 4
	const workers = 32

	l := New(max, zerolog.Nop())
	ctx := context.Background()

	var current, peak int64
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := l.Acquire(ctx, "api.example.org")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			defer token.Release()

			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&current, -1)
		}()
	}
	wg.Wait()

	if peak > max {
		t.Errorf("peak concurrency = %d, exceeds budget %d", peak, max)
	}
	if got := l.Active("api.example.org"); got != 0 {
		t.Errorf("Active after all released = %d, want 0", got)
	}
}

func TestAcquire_FIFOFairness(t *testing.T) {
	l := New(1, zerolog.Nop())
	ctx := context.Background()

	held, err := l.Acquire(ctx, "api.example.org")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	queue := func(name string) {
		wg.Add(1)
		ready := make(chan struct{})
		go func() {
			defer wg.Done()
			close(ready)
			token, err := l.Acquire(ctx, "api.example.org")
			if err != nil {
				t.Errorf("Acquire %s failed: %v", name, err)
				return
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			token.Release()
		}()
		<-ready
		// Let the goroutine reach the waiter queue before the next one.
		time.Sleep(10 * time.Millisecond)
	}

	queue("A")
	queue("B")
	queue("C")

	held.Release()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"A", "B", "C"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("resume order = %v, want %v", order, want)
		}
	}
}

func TestRelease_Idempotent(t *testing.T) {
	l := New(1, zerolog.Nop())
	ctx := context.Background()

	a, _ := l.Acquire(ctx, "api.example.org")
	a.Release()
	a.Release() // must not double-free

	if got := l.Active("api.example.org"); got != 0 {
		t.Errorf("Active = %d, want 0", got)
	}

	// Capacity must still be exactly 1.
	b, _ := l.Acquire(ctx, "api.example.org")
	defer b.Release()
	if got := l.Active("api.example.org"); got != 1 {
		t.Errorf("Active = %d, want 1", got)
	}
}

func TestAcquire_SlotTransfersToWaiter(t *testing.T) {
	l := New(1, zerolog.Nop())
	ctx := context.Background()

	held, _ := l.Acquire(ctx, "api.example.org")

	acquired := make(chan *Token)
	go func() {
		token, err := l.Acquire(ctx, "api.example.org")
		if err != nil {
			t.Errorf("Acquire failed: %v", err)
			return
		}
		acquired <- token
	}()

	time.Sleep(10 * time.Millisecond)
	held.Release()

	token := <-acquired
	// The slot transferred: the count never dropped to zero.
	if got := l.Active("api.example.org"); got != 1 {
		t.Errorf("Active = %d, want 1 (transferred slot)", got)
	}
	token.Release()
}

func TestAcquire_HostsAreIndependent(t *testing.T) {
	l := New(1, zerolog.Nop())
	ctx := context.Background()

	a, err := l.Acquire(ctx, "api.example.org")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer a.Release()

	done := make(chan struct{})
	go func() {
		b, err := l.Acquire(ctx, "cdn.example.org")
		if err != nil {
			t.Errorf("Acquire failed: %v", err)
			return
		}
		b.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire on an independent host blocked")
	}
}

func TestAcquire_ContextCancelledWhileWaiting(t *testing.T) {
	l := New(1, zerolog.Nop())

	held, _ := l.Acquire(context.Background(), "api.example.org")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() {
		_, err := l.Acquire(ctx, "api.example.org")
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-errCh; err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	// The cancelled waiter must not corrupt accounting.
	held.Release()
	token, err := l.Acquire(context.Background(), "api.example.org")
	if err != nil {
		t.Fatalf("Acquire after cancel failed: %v", err)
	}
	token.Release()
}

func TestProtocolFailureFlags(t *testing.T) {
	l := New(DefaultMaxPerHost, zerolog.Nop())

	if l.HasProtocolFailed("api.example.org") {
		t.Error("fresh host should not be flagged")
	}

	l.MarkProtocolFailed("api.example.org")
	l.MarkProtocolFailed("api.example.org") // idempotent

	if !l.HasProtocolFailed("api.example.org") {
		t.Error("host should be flagged after MarkProtocolFailed")
	}
	if l.HasProtocolFailed("cdn.example.org") {
		t.Error("unrelated host should not be flagged")
	}
}

func TestNew_DefaultBudget(t *testing.T) {
	l := New(0, zerolog.Nop())
	if l.maxPerHost != DefaultMaxPerHost {
		t.Errorf("maxPerHost = %d, want %d", l.maxPerHost, DefaultMaxPerHost)
	}
}
