package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"simflow/internal/protocol"
	"simflow/internal/transport"
	"simflow/logger"
	"simflow/models"
)

// Reporter is the component side of liveness supervision. Each component
// holds one and beats its current lifecycle state onto the controller
// mailbox: immediately on every SetState, and periodically in between so
// silence stays distinguishable from slow progress.
type Reporter struct {
	identity string
	mailbox  *transport.Mailbox
	interval time.Duration

	mu      sync.Mutex
	state   models.ComponentState
	running bool

	seq    atomic.Int64
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Log
}

// NewReporter builds a reporter for one component identity. The interval
// should match the controller's heartbeat interval.
func NewReporter(identity string, mailbox *transport.Mailbox, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Reporter{
		identity: identity,
		mailbox:  mailbox,
		interval: interval,
		state:    models.StateRegistered,
		log:      logger.GetLogger(),
	}
}

// Identity returns the component name beats are reported under.
func (r *Reporter) Identity() string { return r.identity }

// State returns the lifecycle state currently being reported.
func (r *Reporter) State() models.ComponentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start sends the first beat and launches the periodic refresh. Beats stop
// when ctx is cancelled or Stop is called.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	state := r.state
	r.mu.Unlock()

	r.beat(state)

	r.wg.Add(1)
	go r.refreshWorker()
}

// SetState records a lifecycle transition and beats it out immediately, in
// the caller's goroutine, so consecutive transitions reach the controller
// in order.
func (r *Reporter) SetState(state models.ComponentState) {
	r.mu.Lock()
	r.state = state
	running := r.running
	r.mu.Unlock()

	if running {
		r.beat(state)
	}
}

// Stop halts the periodic refresh. The caller beats its terminal state via
// SetState before stopping.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Reporter) refreshWorker() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.beat(r.State())
		}
	}
}

// beat frames one heartbeat and sends it, giving up after one interval so a
// wedged controller mailbox cannot deadlock the component.
func (r *Reporter) beat(state models.ComponentState) {
	h := models.Heartbeat{
		Component: r.identity,
		State:     state,
		Seq:       r.seq.Add(1),
		At:        time.Now().UTC(),
	}
	rec, err := h.Record()
	if err != nil {
		r.log.WithComponent(r.identity).WithError(err).Warn("heartbeat record failed")
		return
	}
	frame, err := protocol.Frame(protocol.KindSync, rec)
	if err != nil {
		r.log.WithComponent(r.identity).WithError(err).Warn("heartbeat frame failed")
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.interval)
	defer cancel()
	if err := r.mailbox.Send(ctx, frame); err != nil {
		r.log.WithComponent(r.identity).WithError(err).Debug("heartbeat dropped")
	}
}
