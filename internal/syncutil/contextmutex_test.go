package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLockContext_AcquireAndRelease(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "esc_1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	unlock()

	// The shard must be reusable after release.
	unlock, err = m.LockContext(context.Background(), "esc_1")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	unlock()
}

func TestLockContext_SerializesSameKey(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	// Plain increments under the lock. The race detector flags this if two
	// goroutines ever hold the same key concurrently.
	var balance int64
	var wg sync.WaitGroup
	const workers = 100

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "esc_contended")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			defer unlock()
			balance++
		}()
	}
	wg.Wait()

	if balance != workers {
		t.Fatalf("balance = %d, want %d", balance, workers)
	}
}

func TestLockContext_CancelledWhileWaiting(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "esc_held")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	u, err := m.LockContext(ctx, "esc_held")
	if err == nil {
		u()
		t.Fatal("expected deadline error while waiting on a held key")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestLockContext_IndependentKeys(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock1, err := m.LockContext(ctx, "esc_a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock1()

	// Distinct keys normally land on distinct shards; if these two happen to
	// collide the test cannot prove anything, so skip rather than hang.
	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	unlock2, err := m.LockContext(shortCtx, "esc_b")
	if err != nil {
		t.Skip("keys share a shard")
	}
	unlock2()
}

func TestLockContext_WaiterProceedsAfterUnlock(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "esc_handoff")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "esc_handoff")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired the key while it was held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the key after release")
	}
}
