package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"simflow/logger"
)

// ErrBusClosed is returned for traffic attempted after the bus shut down.
var ErrBusClosed = errors.New("transport bus closed")

// Stats is a point-in-time snapshot of one mailbox's frame counters.
// Dropped counts frames still queued when the bus closed; on a clean run
// it reads zero everywhere.
type Stats struct {
	Sent     int64
	Received int64
	Dropped  int64
}

// Mailbox is the bounded frame queue behind one endpoint. Sends block
// under backpressure and abort when the context is cancelled; there is no
// silent drop path while the run is live.
type Mailbox struct {
	ep Endpoint
	ch chan []byte

	sent     atomic.Int64
	received atomic.Int64
	dropped  atomic.Int64
	closed   atomic.Bool
}

// Send queues one frame, blocking while the mailbox is full.
func (m *Mailbox) Send(ctx context.Context, frame []byte) error {
	if m.closed.Load() {
		return ErrBusClosed
	}
	select {
	case m.ch <- frame:
		m.sent.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks for the next frame.
func (m *Mailbox) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-m.ch:
		m.received.Add(1)
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Endpoint returns the address this mailbox serves.
func (m *Mailbox) Endpoint() Endpoint { return m.ep }

// Depth reports the frames currently queued.
func (m *Mailbox) Depth() int { return len(m.ch) }

// Capacity reports the mailbox buffer size.
func (m *Mailbox) Capacity() int { return cap(m.ch) }

// Stats snapshots the mailbox counters.
func (m *Mailbox) Stats() Stats {
	return Stats{
		Sent:     m.sent.Load(),
		Received: m.received.Load(),
		Dropped:  m.dropped.Load(),
	}
}

func (m *Mailbox) drain() int {
	n := 0
	for {
		select {
		case <-m.ch:
			n++
		default:
			m.dropped.Add(int64(n))
			return n
		}
	}
}

// Bus owns the mailboxes behind leased endpoints. Opening is lazy and
// idempotent: both ends of a point-to-point link get the same mailbox.
type Bus struct {
	mu       sync.RWMutex
	boxes    map[Endpoint]*Mailbox
	capacity int
	closed   bool
	log      *logger.Log
}

// NewBus builds a bus whose mailboxes buffer capacity frames each.
func NewBus(capacity int) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	b := &Bus{
		boxes:    make(map[Endpoint]*Mailbox),
		capacity: capacity,
		log:      logger.GetLogger(),
	}

	b.log.WithComponent("bus").WithFields(logger.Fields{
		"mailbox_capacity": capacity,
	}).Info("transport bus initialized")

	return b
}

// Open returns the mailbox for an endpoint, creating it on first use.
func (b *Bus) Open(ep Endpoint) *Mailbox {
	b.mu.RLock()
	box, ok := b.boxes[ep]
	b.mu.RUnlock()
	if ok {
		return box
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if box, ok = b.boxes[ep]; ok {
		return box
	}
	box = &Mailbox{ep: ep, ch: make(chan []byte, b.capacity)}
	b.boxes[ep] = box
	return box
}

// Mailboxes snapshots the open mailboxes, for gauges and the dashboard.
func (b *Bus) Mailboxes() []*Mailbox {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Mailbox, 0, len(b.boxes))
	for _, box := range b.boxes {
		out = append(out, box)
	}
	return out
}

// Close drains every mailbox, counting leftover frames as dropped, and
// rejects further sends. Called only after all components have stopped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	boxes := make([]*Mailbox, 0, len(b.boxes))
	for _, box := range b.boxes {
		boxes = append(boxes, box)
	}
	b.mu.Unlock()

	leftover := 0
	for _, box := range boxes {
		box.closed.Store(true)
		leftover += box.drain()
	}

	entry := b.log.WithComponent("bus").WithFields(logger.Fields{
		"mailboxes": len(boxes),
		"leftover":  leftover,
	})
	if leftover > 0 {
		entry.Warn("transport bus closed with queued frames")
	} else {
		entry.Info("transport bus closed")
	}
}
