// Package controller supervises component liveness for a run. Components
// register before the run starts, then report framed sync heartbeats on the
// controller's intake mailbox. The controller drives each component through
// the REGISTERED, READY, RUNNING, DONE/FAILED lifecycle, flags the ones that
// go silent, and cancels the run context on the first failure.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"simflow/internal/metrics"
	"simflow/internal/protocol"
	"simflow/internal/transport"
	"simflow/logger"
	"simflow/models"
)

var (
	// ErrLivenessTimeout is returned when a component misses its heartbeat
	// deadline and the run is shut down.
	ErrLivenessTimeout = errors.New("component liveness timeout")

	// ErrUnknownComponent is returned when looking up an identity that was
	// never registered.
	ErrUnknownComponent = errors.New("component not registered")

	// ErrInvalidTransition is returned when a heartbeat reports a lifecycle
	// state the component cannot legally reach from its current one.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// Registration is a snapshot of one supervised component.
type Registration struct {
	Identity  string
	Endpoints []transport.Endpoint
	State     models.ComponentState
	Seq       int64
	LastSeen  time.Time
}

// Failure describes the first component failure of a run: who failed, the
// last state it reported before failing, and why.
type Failure struct {
	Component string
	State     models.ComponentState
	Err       error
}

// Config carries the liveness policy. A component missing
// Interval * MissThreshold of silence is declared dead.
type Config struct {
	HeartbeatInterval time.Duration
	MissThreshold     int
}

// Controller tracks component lifecycles for one run. All state lives behind
// the mutex; the intake worker and the deadline checker are the only writers
// once the run starts.
type Controller struct {
	cfg       Config
	mailbox   *transport.Mailbox
	cancelRun context.CancelFunc

	mu       sync.RWMutex
	registry map[string]*registration
	order    []string
	failure  *Failure
	doneOnce sync.Once
	done     chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runMu   sync.Mutex
	running bool

	log *logger.Log
}

type registration struct {
	identity  string
	endpoints []transport.Endpoint
	state     models.ComponentState
	seq       int64
	lastSeen  time.Time
}

// New builds a controller reading heartbeats from mailbox. cancelRun is
// invoked exactly once, on the first component failure; it is the only
// shutdown broadcast in the system.
func New(cfg Config, mailbox *transport.Mailbox, cancelRun context.CancelFunc) *Controller {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 250 * time.Millisecond
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = 4
	}
	c := &Controller{
		cfg:       cfg,
		mailbox:   mailbox,
		cancelRun: cancelRun,
		registry:  make(map[string]*registration),
		done:      make(chan struct{}),
		log:       logger.GetLogger(),
	}

	c.log.WithComponent("controller").WithFields(logger.Fields{
		"heartbeat_interval": cfg.HeartbeatInterval,
		"miss_threshold":     cfg.MissThreshold,
	}).Info("controller initialized")

	return c
}

// Deadline is the silence budget before a component is declared dead.
func (c *Controller) Deadline() time.Duration {
	return c.cfg.HeartbeatInterval * time.Duration(c.cfg.MissThreshold)
}

// Register adds a component to the supervised set. Must happen before Start;
// identities are unique for the run.
func (c *Controller) Register(identity string, endpoints ...transport.Endpoint) error {
	if identity == "" {
		return fmt.Errorf("registration without identity")
	}
	c.runMu.Lock()
	started := c.running
	c.runMu.Unlock()
	if started {
		return fmt.Errorf("registration of %s after start", identity)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registry[identity]; ok {
		return fmt.Errorf("identity %s already registered", identity)
	}
	eps := make([]transport.Endpoint, len(endpoints))
	copy(eps, endpoints)
	c.registry[identity] = &registration{
		identity:  identity,
		endpoints: eps,
		state:     models.StateRegistered,
	}
	c.order = append(c.order, identity)
	return nil
}

// Start launches the heartbeat intake and the deadline checker. The silence
// clock for every component starts now.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return fmt.Errorf("controller already started")
	}
	c.mu.Lock()
	if len(c.registry) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("no components registered")
	}
	now := time.Now().UTC()
	for _, reg := range c.registry {
		reg.lastSeen = now
	}
	c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true

	c.wg.Add(2)
	go c.intakeWorker()
	go c.deadlineWorker()

	c.log.WithComponent("controller").WithFields(logger.Fields{
		"components": len(c.order),
	}).Info("controller started")
	return nil
}

// Stop halts the workers and marks any component still mid-lifecycle as
// FAILED, so a finished run never leaves a RUNNING entry behind.
func (c *Controller) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	c.runMu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	swept := 0
	for _, reg := range c.registry {
		if !reg.state.Terminal() {
			reg.state = models.StateFailed
			swept++
		}
	}
	c.mu.Unlock()
	c.closeDone()

	entry := c.log.WithComponent("controller").WithFields(logger.Fields{
		"swept": swept,
	})
	if swept > 0 {
		entry.Warn("controller stopped with unfinished components")
	} else {
		entry.Info("controller stopped")
	}
}

// Done closes once every registered component has reached a terminal state.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err reports the first failure of the run, nil on a clean run.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.failure == nil {
		return nil
	}
	return c.failure.Err
}

// Failure reports who failed first and why, nil on a clean run.
func (c *Controller) Failure() *Failure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.failure == nil {
		return nil
	}
	f := *c.failure
	return &f
}

// Component looks up one registration snapshot.
func (c *Controller) Component(identity string) (Registration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reg, ok := c.registry[identity]
	if !ok {
		return Registration{}, fmt.Errorf("lookup of %s: %w", identity, ErrUnknownComponent)
	}
	return reg.snapshot(), nil
}

// Components snapshots every registration in registration order.
func (c *Controller) Components() []Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Registration, 0, len(c.order))
	for _, identity := range c.order {
		out = append(out, c.registry[identity].snapshot())
	}
	return out
}

func (r *registration) snapshot() Registration {
	eps := make([]transport.Endpoint, len(r.endpoints))
	copy(eps, r.endpoints)
	return Registration{
		Identity:  r.identity,
		Endpoints: eps,
		State:     r.state,
		Seq:       r.seq,
		LastSeen:  r.lastSeen,
	}
}

func (c *Controller) intakeWorker() {
	defer c.wg.Done()
	log := c.log.WithComponent("controller")

	for {
		frame, err := c.mailbox.Recv(c.ctx)
		if err != nil {
			return
		}
		kind, rec, err := protocol.Unframe(frame)
		if err != nil {
			metrics.ReportProtocolViolation(c.log, "controller", "", err.Error())
			continue
		}
		if kind != protocol.KindSync {
			metrics.ReportProtocolViolation(c.log, "controller", "", fmt.Sprintf("%s frame on heartbeat mailbox", kind))
			continue
		}
		if protocol.IsDone(rec) {
			log.Debug("end-of-stream on heartbeat mailbox ignored")
			continue
		}
		beat, err := models.HeartbeatFromRecord(rec)
		if err != nil {
			metrics.ReportProtocolViolation(c.log, "controller", models.FieldState, err.Error())
			continue
		}
		c.handleBeat(beat)
	}
}

func (c *Controller) handleBeat(beat models.Heartbeat) {
	log := c.log.WithComponent("controller")

	c.mu.Lock()
	reg, ok := c.registry[beat.Component]
	if !ok {
		c.mu.Unlock()
		log.WithError(ErrUnknownComponent).WithFields(logger.Fields{
			"identity": beat.Component,
		}).Warn("heartbeat from unregistered component dropped")
		return
	}
	if beat.Seq <= reg.seq {
		c.mu.Unlock()
		return
	}
	reg.seq = beat.Seq
	logger.IncrementHeartbeat()

	if reg.state.Terminal() {
		// Terminal states are frozen; late beats can race teardown.
		c.mu.Unlock()
		return
	}

	from := reg.state
	reg.lastSeen = time.Now().UTC()

	if !transitionAllowed(from, beat.State) {
		err := fmt.Errorf("component %s transition %s to %s: %w",
			beat.Component, from, beat.State, ErrInvalidTransition)
		c.failLocked(reg, from, err)
		c.mu.Unlock()
		metrics.ReportProtocolViolation(c.log, "controller", models.FieldState, err.Error())
		return
	}

	reg.state = beat.State
	changed := from != beat.State
	if beat.State == models.StateFailed {
		err := fmt.Errorf("component %s reported FAILED", beat.Component)
		c.failLocked(reg, from, err)
		c.mu.Unlock()
		log.WithFields(logger.Fields{
			"identity": beat.Component,
			"from":     string(from),
		}).Error("component reported failure")
		return
	}
	allDone := beat.State.Terminal() && c.allTerminalLocked()
	c.mu.Unlock()

	if changed {
		log.WithFields(logger.Fields{
			"identity": beat.Component,
			"from":     string(from),
			"to":       string(beat.State),
			"seq":      beat.Seq,
		}).Info("component state change")
	}
	if allDone {
		c.closeDone()
	}
}

func (c *Controller) deadlineWorker() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	deadline := c.Deadline()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			var silent []*registration
			c.mu.Lock()
			for _, identity := range c.order {
				reg := c.registry[identity]
				if reg.state.Terminal() {
					continue
				}
				if now.Sub(reg.lastSeen) > deadline {
					silent = append(silent, reg)
				}
			}
			for _, reg := range silent {
				err := fmt.Errorf("component %s silent for %s in state %s: %w",
					reg.identity, deadline, reg.state, ErrLivenessTimeout)
				c.failLocked(reg, reg.state, err)
			}
			c.mu.Unlock()

			for _, reg := range silent {
				metrics.ReportLivenessTimeout(c.log, reg.identity, c.cfg.MissThreshold)
			}
		}
	}
}

// failLocked marks a component FAILED and, on the first failure of the run,
// records it and broadcasts shutdown. Callers hold c.mu.
func (c *Controller) failLocked(reg *registration, lastState models.ComponentState, err error) {
	reg.state = models.StateFailed
	if c.failure == nil {
		c.failure = &Failure{
			Component: reg.identity,
			State:     lastState,
			Err:       err,
		}
		if c.cancelRun != nil {
			c.cancelRun()
		}
	}
	if c.allTerminalLocked() {
		c.closeDone()
	}
}

func (c *Controller) allTerminalLocked() bool {
	for _, reg := range c.registry {
		if !reg.state.Terminal() {
			return false
		}
	}
	return true
}

func (c *Controller) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// transitionAllowed enforces the forward-only lifecycle. Re-reporting the
// current state is a refresh; any live state may fail.
func transitionAllowed(from, to models.ComponentState) bool {
	if from == to {
		return true
	}
	if to == models.StateFailed {
		return true
	}
	switch from {
	case models.StateRegistered:
		return to == models.StateReady
	case models.StateReady:
		return to == models.StateRunning
	case models.StateRunning:
		return to == models.StateDone
	}
	return false
}
