package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"simflow/internal/protocol"
	"simflow/internal/transport"
	"simflow/models"
)

func newTestMailbox() *transport.Mailbox {
	bus := transport.NewBus(64)
	return bus.Open(transport.Endpoint("mem://test/controller"))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func sendBeat(t *testing.T, ctx context.Context, mbox *transport.Mailbox, component string, state models.ComponentState, seq int64) {
	t.Helper()
	h := models.Heartbeat{Component: component, State: state, Seq: seq, At: time.Now().UTC()}
	rec, err := h.Record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	frame, err := protocol.Frame(protocol.KindSync, rec)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if err := mbox.Send(ctx, frame); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestControllerTracksCleanLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mbox := newTestMailbox()

	c := New(Config{HeartbeatInterval: 50 * time.Millisecond, MissThreshold: 10}, mbox, cancel)
	if err := c.Register("alpha", transport.Endpoint("mem://p/0")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	for i, state := range []models.ComponentState{
		models.StateRegistered, models.StateReady, models.StateRunning, models.StateDone,
	} {
		sendBeat(t, ctx, mbox, "alpha", state, int64(i+1))
	}

	waitFor(t, func() bool { return closed(c.Done()) }, "controller never completed")

	if err := c.Err(); err != nil {
		t.Errorf("clean run reported error: %v", err)
	}
	reg, err := c.Component("alpha")
	if err != nil {
		t.Fatalf("component: %v", err)
	}
	if reg.State != models.StateDone || reg.Seq != 4 {
		t.Errorf("alpha = %+v, want DONE at seq 4", reg)
	}
	if len(reg.Endpoints) != 1 {
		t.Errorf("alpha endpoints = %v", reg.Endpoints)
	}
}

func TestControllerFlagsSilentComponent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mbox := newTestMailbox()

	c := New(Config{HeartbeatInterval: 10 * time.Millisecond, MissThreshold: 3}, mbox, cancel)
	for _, id := range []string{"alpha", "beta"} {
		if err := c.Register(id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// alpha stays chatty; beta never says a word.
	r := NewReporter("alpha", mbox, 10*time.Millisecond)
	r.Start(ctx)
	r.SetState(models.StateReady)
	r.SetState(models.StateRunning)
	defer r.Stop()

	waitFor(t, func() bool { return closed(ctx.Done()) }, "silent component never cancelled the run")

	f := c.Failure()
	if f == nil {
		t.Fatal("no failure recorded")
	}
	if f.Component != "beta" {
		t.Errorf("failing component = %s, want beta", f.Component)
	}
	if !errors.Is(f.Err, ErrLivenessTimeout) {
		t.Errorf("failure err = %v, want ErrLivenessTimeout", f.Err)
	}

	c.Stop()
	for _, reg := range c.Components() {
		if reg.State == models.StateRunning {
			t.Errorf("component %s left RUNNING after shutdown", reg.Identity)
		}
	}
}

func TestControllerRejectsIllegalTransition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mbox := newTestMailbox()

	c := New(Config{HeartbeatInterval: 50 * time.Millisecond, MissThreshold: 10}, mbox, cancel)
	if err := c.Register("alpha"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	sendBeat(t, ctx, mbox, "alpha", models.StateRegistered, 1)
	// RUNNING without passing through READY.
	sendBeat(t, ctx, mbox, "alpha", models.StateRunning, 2)

	waitFor(t, func() bool { return c.Failure() != nil }, "illegal transition not flagged")

	f := c.Failure()
	if f.Component != "alpha" || !errors.Is(f.Err, ErrInvalidTransition) {
		t.Errorf("failure = %+v, want alpha with ErrInvalidTransition", f)
	}
	reg, _ := c.Component("alpha")
	if reg.State != models.StateFailed {
		t.Errorf("alpha state = %s, want FAILED", reg.State)
	}
	if !closed(ctx.Done()) {
		t.Error("run context not cancelled on failure")
	}
}

func TestControllerIgnoresStaleSeq(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mbox := newTestMailbox()

	c := New(Config{HeartbeatInterval: 50 * time.Millisecond, MissThreshold: 10}, mbox, cancel)
	if err := c.Register("alpha"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	sendBeat(t, ctx, mbox, "alpha", models.StateRegistered, 1)
	sendBeat(t, ctx, mbox, "alpha", models.StateReady, 2)
	sendBeat(t, ctx, mbox, "alpha", models.StateRunning, 3)
	// A delayed refresh from the READY phase arrives out of order.
	sendBeat(t, ctx, mbox, "alpha", models.StateReady, 2)
	sendBeat(t, ctx, mbox, "alpha", models.StateRunning, 4)

	waitFor(t, func() bool {
		reg, err := c.Component("alpha")
		return err == nil && reg.Seq == 4
	}, "beats never drained")

	reg, _ := c.Component("alpha")
	if reg.State != models.StateRunning {
		t.Errorf("alpha state = %s, want RUNNING", reg.State)
	}
	if err := c.Err(); err != nil {
		t.Errorf("stale beat caused failure: %v", err)
	}
}

func TestControllerRegistration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mbox := newTestMailbox()

	c := New(Config{}, mbox, cancel)
	if err := c.Register("alpha"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Register("alpha"); err == nil {
		t.Error("duplicate identity accepted")
	}
	if _, err := c.Component("ghost"); !errors.Is(err, ErrUnknownComponent) {
		t.Errorf("ghost lookup err = %v, want ErrUnknownComponent", err)
	}

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()
	if err := c.Register("beta"); err == nil {
		t.Error("registration after start accepted")
	}
}

func TestReporterBeatsTransitionsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mbox := newTestMailbox()

	// Interval far above the test duration keeps refreshes out of the way.
	r := NewReporter("feed", mbox, time.Second)
	r.Start(ctx)
	r.SetState(models.StateReady)
	r.SetState(models.StateRunning)
	r.SetState(models.StateDone)
	r.Stop()

	want := []models.ComponentState{
		models.StateRegistered, models.StateReady, models.StateRunning, models.StateDone,
	}
	for i, wantState := range want {
		recvCtx, recvCancel := context.WithTimeout(ctx, time.Second)
		frame, err := mbox.Recv(recvCtx)
		recvCancel()
		if err != nil {
			t.Fatalf("recv beat %d: %v", i, err)
		}
		kind, rec, err := protocol.Unframe(frame)
		if err != nil {
			t.Fatalf("unframe beat %d: %v", i, err)
		}
		if kind != protocol.KindSync {
			t.Fatalf("beat %d kind = %s, want sync", i, kind)
		}
		h, err := models.HeartbeatFromRecord(rec)
		if err != nil {
			t.Fatalf("decode beat %d: %v", i, err)
		}
		if h.Component != "feed" || h.State != wantState || h.Seq != int64(i+1) {
			t.Errorf("beat %d = %+v, want %s at seq %d", i, h, wantState, i+1)
		}
	}
}

func TestReporterRefreshesBetweenTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mbox := newTestMailbox()

	r := NewReporter("feed", mbox, 10*time.Millisecond)
	r.Start(ctx)
	defer r.Stop()

	beats := 0
	deadline := time.Now().Add(time.Second)
	for beats < 3 && time.Now().Before(deadline) {
		recvCtx, recvCancel := context.WithTimeout(ctx, time.Second)
		frame, err := mbox.Recv(recvCtx)
		recvCancel()
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		_, rec, err := protocol.Unframe(frame)
		if err != nil {
			t.Fatalf("unframe: %v", err)
		}
		h, err := models.HeartbeatFromRecord(rec)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if h.State != models.StateRegistered {
			t.Errorf("refresh state = %s, want REGISTERED", h.State)
		}
		beats++
	}
	if beats < 3 {
		t.Errorf("got %d beats, want at least 3", beats)
	}
}
