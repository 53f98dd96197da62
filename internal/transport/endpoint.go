// Package transport provides the point-to-point substrate components talk
// over: an allocator leasing unique endpoints from a fixed pool, and a bus
// of bounded mailboxes carrying framed bytes between components. No
// component shares memory with another; everything rides the mailboxes.
package transport

import (
	"errors"
	"fmt"
	"sync"

	"simflow/logger"

	"github.com/google/uuid"
)

// Endpoint is an opaque transport address. Components receive endpoints
// from the simulator and have no other transport-layer knowledge.
type Endpoint string

// String returns the printable address.
func (e Endpoint) String() string { return string(e) }

var (
	// ErrExhaustedPool is returned when a lease asks for more endpoints
	// than remain; the pool is left untouched.
	ErrExhaustedPool = errors.New("endpoint pool exhausted")

	// ErrInvalidRelease is returned when releasing an endpoint that is
	// not currently leased, a double release included.
	ErrInvalidRelease = errors.New("endpoint not leased")
)

// Allocator leases unique endpoints from a fixed-size pool. Safe for
// concurrent use; the pool is the only shared mutable resource in the
// system and every lease/release serializes here.
type Allocator struct {
	mu     sync.Mutex
	free   []Endpoint
	leased map[Endpoint]bool
	size   int
	log    *logger.Log
}

// NewAllocator builds a pool of size endpoints. Addresses embed a fresh
// pool id, so endpoints from different allocators never collide.
func NewAllocator(size int) *Allocator {
	if size < 0 {
		size = 0
	}
	poolID := uuid.NewString()[:8]
	free := make([]Endpoint, 0, size)
	for i := 0; i < size; i++ {
		free = append(free, Endpoint(fmt.Sprintf("mem://%s/%d", poolID, i)))
	}

	a := &Allocator{
		free:   free,
		leased: make(map[Endpoint]bool, size),
		size:   size,
		log:    logger.GetLogger(),
	}

	a.log.WithComponent("allocator").WithFields(logger.Fields{
		"pool_id":   poolID,
		"pool_size": size,
	}).Info("address pool initialized")

	return a
}

// Lease hands out n endpoints not currently leased. If fewer than n
// remain it fails with ErrExhaustedPool and leases nothing.
func (a *Allocator) Lease(n int) ([]Endpoint, error) {
	if n < 0 {
		return nil, fmt.Errorf("lease of %d endpoints", n)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) < n {
		return nil, fmt.Errorf("lease of %d endpoints with %d free: %w", n, len(a.free), ErrExhaustedPool)
	}

	out := make([]Endpoint, n)
	copy(out, a.free[len(a.free)-n:])
	a.free = a.free[:len(a.free)-n]
	for _, ep := range out {
		a.leased[ep] = true
	}
	return out, nil
}

// Release returns endpoints to the pool. If any endpoint in the batch is
// not currently leased the whole call fails with ErrInvalidRelease and
// nothing is released.
func (a *Allocator) Release(eps []Endpoint) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[Endpoint]bool, len(eps))
	for _, ep := range eps {
		if !a.leased[ep] || seen[ep] {
			return fmt.Errorf("release of %s: %w", ep, ErrInvalidRelease)
		}
		seen[ep] = true
	}
	for _, ep := range eps {
		delete(a.leased, ep)
		a.free = append(a.free, ep)
	}
	return nil
}

// Available reports how many endpoints remain leasable.
func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

// Size reports the fixed pool size.
func (a *Allocator) Size() int {
	return a.size
}
