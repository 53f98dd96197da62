package ordersource

import (
	"bytes"
	"context"
	"testing"
	"time"

	"simflow/controller"
	"simflow/internal/protocol"
	"simflow/internal/transport"
	"simflow/models"
)

var baseTS = time.Date(2020, time.January, 2, 9, 30, 0, 0, time.UTC)

func newOrderSource(t *testing.T) (*OrderSource, *transport.Mailbox, *transport.Mailbox) {
	t.Helper()

	bus := transport.NewBus(64)
	in := bus.Open("mem://ordersourcetest/in")
	out := bus.Open("mem://ordersourcetest/out")
	ctrl := bus.Open("mem://ordersourcetest/ctrl")

	o := New(in, out, controller.NewReporter("ordersource", ctrl, time.Second))
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("failed to start order source: %v", err)
	}
	t.Cleanup(o.Stop)
	return o, in, out
}

func send(t *testing.T, box *transport.Mailbox, frame []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := box.Send(ctx, frame); err != nil {
		t.Fatalf("failed to send frame: %v", err)
	}
}

func recvFrame(t *testing.T, box *transport.Mailbox) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := box.Recv(ctx)
	if err != nil {
		t.Fatalf("failed to receive frame: %v", err)
	}
	return frame
}

func orderFrame(t *testing.T, sid int64, ts time.Time, amount int64) []byte {
	t.Helper()
	rec, err := models.OrderEvent{SID: sid, DT: ts, Amount: amount}.Record()
	if err != nil {
		t.Fatalf("failed to build order record: %v", err)
	}
	frame, err := protocol.Frame(protocol.KindOrder, rec)
	if err != nil {
		t.Fatalf("failed to frame order: %v", err)
	}
	return frame
}

func ackFrame(t *testing.T, seq int64) []byte {
	t.Helper()
	rec, err := models.Ack{Seq: seq}.Record()
	if err != nil {
		t.Fatalf("failed to build ack record: %v", err)
	}
	frame, err := protocol.Frame(protocol.KindSync, rec)
	if err != nil {
		t.Fatalf("failed to frame ack: %v", err)
	}
	return frame
}

func waitForState(t *testing.T, o *OrderSource, state models.ComponentState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o.reporter.State() == state {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for order source state %s, at %s", state, o.reporter.State())
}

func TestOrderSourceRelaysOrdersAsData(t *testing.T) {
	o, in, out := newOrderSource(t)

	send(t, in, orderFrame(t, 7, baseTS, 100))

	kind, rec, err := protocol.Unframe(recvFrame(t, out))
	if err != nil {
		t.Fatalf("failed to decode relayed frame: %v", err)
	}
	if kind != protocol.KindData {
		t.Fatalf("relayed frame kind = 0x%02x, want data", byte(kind))
	}
	order, err := models.OrderEventFromRecord(rec)
	if err != nil {
		t.Fatalf("failed to decode relayed order: %v", err)
	}
	if order.SID != 7 || order.Amount != 100 || !order.DT.Equal(baseTS) {
		t.Fatalf("relayed order = %+v, want sid 7 amount 100 at the original timestamp", order)
	}
	if order.SourceID != models.OrderSourceID {
		t.Fatalf("relayed source id = %q, want %q", order.SourceID, models.OrderSourceID)
	}
	if got := o.OrdersSent(); got != 1 {
		t.Fatalf("orders sent = %d, want 1", got)
	}
}

func TestOrderSourceRelaysAcksVerbatim(t *testing.T) {
	o, in, out := newOrderSource(t)

	frame := ackFrame(t, 3)
	send(t, in, frame)

	if got := recvFrame(t, out); !bytes.Equal(got, frame) {
		t.Fatalf("relayed ack differs from the original frame")
	}
	if got := o.AcksSent(); got != 1 {
		t.Fatalf("acks sent = %d, want 1", got)
	}
}

func TestOrderSourceKeepsOrderBeforeAck(t *testing.T) {
	_, in, out := newOrderSource(t)

	send(t, in, orderFrame(t, 7, baseTS, 100))
	send(t, in, ackFrame(t, 1))

	kind, _, err := protocol.Unframe(recvFrame(t, out))
	if err != nil {
		t.Fatalf("failed to decode first frame: %v", err)
	}
	if kind != protocol.KindData {
		t.Fatalf("first relayed kind = 0x%02x, want the order as data", byte(kind))
	}

	kind, _, err = protocol.Unframe(recvFrame(t, out))
	if err != nil {
		t.Fatalf("failed to decode second frame: %v", err)
	}
	if kind != protocol.KindSync {
		t.Fatalf("second relayed kind = 0x%02x, want the trailing ack", byte(kind))
	}
}

func TestOrderSourceEndsFeedLaneOnClientDone(t *testing.T) {
	o, in, out := newOrderSource(t)

	send(t, in, protocol.Done(protocol.KindOrder))

	kind, rec, err := protocol.Unframe(recvFrame(t, out))
	if err != nil {
		t.Fatalf("failed to decode end-of-stream frame: %v", err)
	}
	if kind != protocol.KindData || !protocol.IsDone(rec) {
		t.Fatalf("end frame = kind 0x%02x done=%v, want data done", byte(kind), protocol.IsDone(rec))
	}
	waitForState(t, o, models.StateDone)
}

func TestOrderSourceRejectsForeignFrameKind(t *testing.T) {
	o, in, _ := newOrderSource(t)

	rec, err := models.TradeEvent{SID: 1, DT: baseTS, Price: 10, Volume: 1, SourceID: "alpha"}.Record()
	if err != nil {
		t.Fatalf("failed to build trade record: %v", err)
	}
	frame, err := protocol.Frame(protocol.KindFeed, rec)
	if err != nil {
		t.Fatalf("failed to frame trade: %v", err)
	}
	send(t, in, frame)

	waitForState(t, o, models.StateFailed)
}
