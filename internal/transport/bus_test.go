package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestMailboxDeliversInOrder(t *testing.T) {
	bus := NewBus(8)
	box := bus.Open(Endpoint("mem://test/0"))
	ctx := context.Background()

	frames := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, f := range frames {
		if err := box.Send(ctx, f); err != nil {
			t.Fatalf("send %q: %v", f, err)
		}
	}
	for _, want := range frames {
		got, err := box.Recv(ctx)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("recv = %q, want %q", got, want)
		}
	}

	stats := box.Stats()
	if stats.Sent != 3 || stats.Received != 3 || stats.Dropped != 0 {
		t.Errorf("stats = %+v, want 3 sent, 3 received, 0 dropped", stats)
	}
}

func TestSendAbortsOnCancelWhenFull(t *testing.T) {
	bus := NewBus(1)
	box := bus.Open(Endpoint("mem://test/1"))

	if err := box.Send(context.Background(), []byte("fill")); err != nil {
		t.Fatalf("fill send: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := box.Send(ctx, []byte("blocked")); !errors.Is(err, context.Canceled) {
		t.Fatalf("send on full mailbox with cancelled ctx: err = %v, want context.Canceled", err)
	}
	if box.Depth() != 1 {
		t.Errorf("Depth = %d after aborted send, want 1", box.Depth())
	}
}

func TestRecvAbortsOnCancelWhenEmpty(t *testing.T) {
	bus := NewBus(1)
	box := bus.Open(Endpoint("mem://test/2"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := box.Recv(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("recv on empty mailbox with cancelled ctx: err = %v, want context.Canceled", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	bus := NewBus(4)
	ep := Endpoint("mem://test/3")
	if bus.Open(ep) != bus.Open(ep) {
		t.Fatal("two opens of one endpoint returned different mailboxes")
	}
	if len(bus.Mailboxes()) != 1 {
		t.Errorf("Mailboxes() = %d entries, want 1", len(bus.Mailboxes()))
	}
}

func TestCloseDrainsLeftoverAsDropped(t *testing.T) {
	bus := NewBus(4)
	box := bus.Open(Endpoint("mem://test/4"))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := box.Send(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	bus.Close()

	stats := box.Stats()
	if stats.Dropped != 2 {
		t.Errorf("Dropped = %d after close, want 2", stats.Dropped)
	}
	if box.Depth() != 0 {
		t.Errorf("Depth = %d after close, want 0", box.Depth())
	}
	if err := box.Send(ctx, []byte("late")); !errors.Is(err, ErrBusClosed) {
		t.Errorf("send after close: err = %v, want ErrBusClosed", err)
	}

	// A second close is a no-op.
	bus.Close()
}
