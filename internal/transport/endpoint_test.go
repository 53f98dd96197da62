package transport

import (
	"errors"
	"sync"
	"testing"
)

func TestLeaseReturnsUniqueEndpoints(t *testing.T) {
	a := NewAllocator(16)
	eps, err := a.Lease(16)
	if err != nil {
		t.Fatalf("lease 16/16: %v", err)
	}
	seen := make(map[Endpoint]bool, len(eps))
	for _, ep := range eps {
		if seen[ep] {
			t.Fatalf("endpoint %s leased twice", ep)
		}
		seen[ep] = true
	}
	if a.Available() != 0 {
		t.Errorf("Available = %d after full lease, want 0", a.Available())
	}
}

func TestLeaseExhaustionLeavesPoolUnchanged(t *testing.T) {
	a := NewAllocator(4)
	if _, err := a.Lease(2); err != nil {
		t.Fatalf("lease 2/4: %v", err)
	}

	if _, err := a.Lease(3); !errors.Is(err, ErrExhaustedPool) {
		t.Fatalf("lease 3 with 2 free: err = %v, want ErrExhaustedPool", err)
	}
	if a.Available() != 2 {
		t.Fatalf("failed lease changed the pool: Available = %d, want 2", a.Available())
	}

	// The two that remained must still be leasable.
	if _, err := a.Lease(2); err != nil {
		t.Errorf("lease 2 after failed over-lease: %v", err)
	}
}

func TestReleaseReturnsEndpointsToPool(t *testing.T) {
	a := NewAllocator(3)
	eps, err := a.Lease(3)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := a.Release(eps); err != nil {
		t.Fatalf("release: %v", err)
	}
	if a.Available() != 3 {
		t.Errorf("Available = %d after release, want 3", a.Available())
	}
}

func TestDoubleReleaseFails(t *testing.T) {
	a := NewAllocator(2)
	eps, err := a.Lease(1)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := a.Release(eps); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := a.Release(eps); !errors.Is(err, ErrInvalidRelease) {
		t.Fatalf("second release: err = %v, want ErrInvalidRelease", err)
	}

	eps, err = a.Lease(1)
	if err != nil {
		t.Fatalf("re-lease: %v", err)
	}
	dup := []Endpoint{eps[0], eps[0]}
	if err := a.Release(dup); !errors.Is(err, ErrInvalidRelease) {
		t.Fatalf("duplicate in one batch: err = %v, want ErrInvalidRelease", err)
	}
	if err := a.Release(eps); err != nil {
		t.Errorf("release after failed duplicate batch: %v", err)
	}
}

func TestReleaseIsAtomic(t *testing.T) {
	a := NewAllocator(2)
	eps, err := a.Lease(1)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}

	batch := []Endpoint{eps[0], Endpoint("mem://other/0")}
	if err := a.Release(batch); !errors.Is(err, ErrInvalidRelease) {
		t.Fatalf("release with foreign endpoint: err = %v, want ErrInvalidRelease", err)
	}

	// The leased endpoint must not have been returned by the failed call.
	if err := a.Release(eps); err != nil {
		t.Errorf("release after failed batch: %v", err)
	}
}

func TestConcurrentLeaseRelease(t *testing.T) {
	const workers = 8
	a := NewAllocator(workers)

	var wg sync.WaitGroup
	var mu sync.Mutex
	all := make(map[Endpoint]bool)
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eps, err := a.Lease(1)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			if all[eps[0]] {
				mu.Unlock()
				errs <- errors.New("endpoint leased to two callers: " + string(eps[0]))
				return
			}
			all[eps[0]] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	if a.Available() != 0 {
		t.Fatalf("Available = %d with all endpoints leased, want 0", a.Available())
	}
	for ep := range all {
		if err := a.Release([]Endpoint{ep}); err != nil {
			t.Fatalf("release %s: %v", ep, err)
		}
	}
	if a.Available() != workers {
		t.Errorf("Available = %d after releasing all, want %d", a.Available(), workers)
	}
}
