package locker_test

import (
	"sync"
	"testing"
	"time"

	"github.com/mcarata/blueprints/internal/worker/locker"
)

func TestLock_MutualExclusion(t *testing.T) {
	k := locker.New()
	var inCritical int
	var maxInCritical int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := k.Lock("project-1")
			defer release()

			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxInCritical != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInCritical)
	}
}

func TestLock_IndependentKeys(t *testing.T) {
	k := locker.New()
	releaseA := k.Lock("a")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB := k.Lock("b")
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key b blocked behind unrelated key a")
	}
}

func TestLock_FIFOOrder(t *testing.T) {
	k := locker.New()
	release := k.Lock("scope")

	const waiters = 5
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r := k.Lock("scope")
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			r()
		}(i)
		// Stagger arrivals so the queue order is deterministic.
		time.Sleep(10 * time.Millisecond)
	}

	release()
	wg.Wait()

	for i, n := range order {
		if n != i {
			t.Fatalf("acquisition order %v, want FIFO", order)
		}
	}
}

func TestRelease_Idempotent(t *testing.T) {
	k := locker.New()
	release := k.Lock("x")
	release()
	release() // second call must not hand the lock to a phantom waiter

	done := make(chan struct{})
	go func() {
		r := k.Lock("x")
		r()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock unavailable after double release")
	}
}
