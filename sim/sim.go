// Package sim orchestrates complete runs. The simulator builds every
// component from config plus whatever the caller registered, leases their
// transport endpoints from one fixed pool, wires the pipeline, starts the
// controller and the components, and hands back a joinable run handle.
// Registration closes when Simulate is invoked; the controller's run
// context is the sole shutdown broadcast.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"simflow/client"
	"simflow/config"
	"simflow/controller"
	"simflow/feed"
	"simflow/internal/metrics"
	"simflow/internal/transport"
	"simflow/logger"
	"simflow/merge"
	"simflow/models"
	"simflow/ordersource"
	"simflow/perf"
	"simflow/source"
	"simflow/transform"
)

// ErrLateRegistration is returned for any registration attempted after
// Simulate has been invoked.
var ErrLateRegistration = errors.New("registration after simulate")

// component is one supervised lifecycle unit.
type component interface {
	Start(ctx context.Context) error
	Stop()
}

type runComponent struct {
	name string
	unit component
}

// Counters aggregates the pipeline's frame accounting at a point in time.
// EventsEmitted counts everything the feed pushed downstream, replayed
// orders included, so on a clean run it matches EventsMerged and
// EventsProcessed. The two pending gauges read exactly zero.
type Counters struct {
	EventsEmitted   int64
	OrdersReplayed  int64
	EventsMerged    int64
	EventsProcessed int64
	OrdersPlaced    int64
	OrdersSent      int64
	Transactions    int64
	FeedPending     int64
	MergePending    int64
}

// MailboxStatus is one mailbox's live depth and traffic counters.
type MailboxStatus struct {
	Endpoint string
	Depth    int
	Capacity int
	Sent     int64
	Received int64
	Dropped  int64
}

// Status is a live snapshot of the run, served by the monitor.
type Status struct {
	RunID      string
	State      models.ComponentState
	StartedAt  time.Time
	Components []controller.Registration
	Counters   Counters
	Mailboxes  []MailboxStatus
}

// Result is the final outcome of a run.
type Result struct {
	RunID       string
	State       models.ComponentState
	Failure     *controller.Failure
	Components  []controller.Registration
	Counters    Counters
	Performance perf.Summary
	Duration    time.Duration
}

// Simulator assembles one run. Register the strategy, extra sources,
// transforms and subscribers first, then call Simulate exactly once.
type Simulator struct {
	cfg *config.Config

	mu          sync.Mutex
	simulated   bool
	strategy    client.Strategy
	sources     []source.Source
	transforms  []transform.Transform
	subscribers []client.Subscriber

	log *logger.Log
}

// New builds a simulator over the given config.
func New(cfg *config.Config) *Simulator {
	s := &Simulator{
		cfg: cfg,
		log: logger.GetLogger(),
	}

	s.log.WithComponent("simulator").WithFields(logger.Fields{
		"sources":   len(cfg.Sources),
		"pool_size": cfg.Transport.PoolSize,
	}).Info("simulator initialized")

	return s
}

// RegisterStrategy sets the trading strategy. Without one, the config's
// strategy block selects the built-in fixed-orders strategy.
func (s *Simulator) RegisterStrategy(strategy client.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.simulated {
		return s.lateRegistration("strategy")
	}
	s.strategy = strategy
	return nil
}

// RegisterSource adds a data source beyond the configured ones.
func (s *Simulator) RegisterSource(src source.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.simulated {
		return s.lateRegistration(src.Name())
	}
	s.sources = append(s.sources, src)
	return nil
}

// RegisterTransform adds a transform leg after the configured ones.
func (s *Simulator) RegisterTransform(tr transform.Transform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.simulated {
		return s.lateRegistration(tr.Name())
	}
	s.transforms = append(s.transforms, tr)
	return nil
}

// RegisterSubscriber adds a client event observer. The performance tracker
// is always subscribed first; registered subscribers follow in order.
func (s *Simulator) RegisterSubscriber(sub client.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.simulated {
		return s.lateRegistration("subscriber")
	}
	s.subscribers = append(s.subscribers, sub)
	return nil
}

func (s *Simulator) lateRegistration(what string) error {
	metrics.IncViolation(metrics.ViolationLateRegistration)
	s.log.WithComponent("simulator").WithFields(logger.Fields{
		"registration": what,
	}).Error("registration rejected, run already assembled")
	return fmt.Errorf("register %s: %w", what, ErrLateRegistration)
}

// Simulate assembles and starts the run. It returns once every component
// is running; the returned handle joins the run to completion. Endpoint
// exhaustion and build failures surface here, before anything starts.
func (s *Simulator) Simulate(ctx context.Context) (*RunHandle, error) {
	s.mu.Lock()
	if s.simulated {
		s.mu.Unlock()
		return nil, fmt.Errorf("simulate already invoked")
	}
	s.simulated = true
	strategy := s.strategy
	extraSources := s.sources
	extraTransforms := s.transforms
	subscribers := s.subscribers
	s.mu.Unlock()

	runID := uuid.NewString()[:8]
	log := s.log.WithComponent("simulator").WithFields(logger.Fields{"run_id": runID})

	srcs, err := s.buildSources(extraSources)
	if err != nil {
		return nil, err
	}
	if len(srcs) == 0 {
		return nil, fmt.Errorf("run has no data sources")
	}

	transforms := s.buildTransforms(extraTransforms)
	names := make([]string, len(transforms))
	for i, tr := range transforms {
		names[i] = tr.Name()
	}

	if strategy == nil && s.cfg.Strategy.OrderCount > 0 {
		strategy = client.NewFixedOrders(s.cfg.Strategy)
	}

	// One lane per source, plus order lane, feed out, transform out,
	// merge out, client orders, controller intake.
	allocator := transport.NewAllocator(s.cfg.Transport.PoolSize)
	need := len(srcs) + 6
	eps, err := allocator.Lease(need)
	if err != nil {
		return nil, fmt.Errorf("lease %d endpoints: %w", need, err)
	}

	epCtrl := eps[0]
	laneEps := eps[1 : 1+len(srcs)]
	epOrderLane := eps[1+len(srcs)]
	epFeedOut := eps[2+len(srcs)]
	epTransformOut := eps[3+len(srcs)]
	epMergeOut := eps[4+len(srcs)]
	epOrders := eps[5+len(srcs)]

	bus := transport.NewBus(s.cfg.Transport.MailboxCapacity)
	runCtx, cancelRun := context.WithCancel(ctx)

	ctrl := controller.New(controller.Config{
		HeartbeatInterval: s.cfg.Run.Heartbeat.Interval,
		MissThreshold:     s.cfg.Run.Heartbeat.MissThreshold,
	}, bus.Open(epCtrl), cancelRun)
	reporter := func(identity string) *controller.Reporter {
		return controller.NewReporter(identity, bus.Open(epCtrl), s.cfg.Run.Heartbeat.Interval)
	}

	lanes := make([]feed.Lane, 0, len(srcs))
	runners := make([]*source.Runner, 0, len(srcs))
	for i, src := range srcs {
		box := bus.Open(laneEps[i])
		lanes = append(lanes, feed.Lane{Name: src.Name(), Mailbox: box})
		runners = append(runners, source.NewRunner(src, box, reporter(src.Name())))
		if err := ctrl.Register(src.Name(), laneEps[i]); err != nil {
			cancelRun()
			return nil, fmt.Errorf("register source %s: %w", src.Name(), err)
		}
	}

	fd := feed.New(lanes, feed.Lane{Name: "ordersource", Mailbox: bus.Open(epOrderLane)}, bus.Open(epFeedOut), reporter("feed"))
	stage := transform.NewStage(bus.Open(epFeedOut), bus.Open(epTransformOut), reporter("transform"), transforms...)
	mg := merge.New(bus.Open(epTransformOut), bus.Open(epMergeOut), reporter("merge"), names)
	cl := client.New(bus.Open(epMergeOut), bus.Open(epOrders), reporter("client"), s.cfg.Strategy.Cash, strategy)
	orders := ordersource.New(bus.Open(epOrders), bus.Open(epOrderLane), reporter("ordersource"))

	tracker := perf.NewTracker(s.cfg.Strategy.Cash)
	if err := cl.Subscribe(tracker); err != nil {
		cancelRun()
		return nil, fmt.Errorf("subscribe performance tracker: %w", err)
	}
	for _, sub := range subscribers {
		if err := cl.Subscribe(sub); err != nil {
			cancelRun()
			return nil, fmt.Errorf("subscribe observer: %w", err)
		}
	}

	for _, reg := range []struct {
		identity string
		endpoint transport.Endpoint
	}{
		{"feed", epFeedOut},
		{"transform", epTransformOut},
		{"merge", epMergeOut},
		{"client", epOrders},
		{"ordersource", epOrderLane},
	} {
		if err := ctrl.Register(reg.identity, reg.endpoint); err != nil {
			cancelRun()
			return nil, fmt.Errorf("register %s: %w", reg.identity, err)
		}
	}

	h := &RunHandle{
		id:        runID,
		startedAt: time.Now().UTC(),
		runCtx:    runCtx,
		cancel:    cancelRun,
		ctrl:      ctrl,
		bus:       bus,
		allocator: allocator,
		endpoints: eps,
		feed:      fd,
		stage:     stage,
		merge:     mg,
		client:    cl,
		orders:    orders,
		tracker:   tracker,
		log:       log,
	}

	// Consumers start first so producers never flood a dark mailbox;
	// teardown walks the same list backwards.
	h.components = []runComponent{
		{"ordersource", orders},
		{"client", cl},
		{"merge", mg},
		{"transform", stage},
		{"feed", fd},
	}
	for _, r := range runners {
		h.components = append(h.components, runComponent{r.Name(), r})
	}

	if err := ctrl.Start(runCtx); err != nil {
		cancelRun()
		return nil, fmt.Errorf("start controller: %w", err)
	}

	for i, c := range h.components {
		if err := c.unit.Start(runCtx); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"component": c.name,
			}).Error("component failed to start")
			cancelRun()
			for j := i - 1; j >= 0; j-- {
				h.components[j].unit.Stop()
			}
			ctrl.Stop()
			bus.Close()
			return nil, fmt.Errorf("start %s: %w", c.name, err)
		}
	}

	log.WithFields(logger.Fields{
		"components": len(h.components) + 1,
		"endpoints":  need,
	}).Info("run started")

	return h, nil
}

func (s *Simulator) buildSources(extra []source.Source) ([]source.Source, error) {
	srcs := make([]source.Source, 0, len(s.cfg.Sources)+len(extra))
	for _, spec := range s.cfg.Sources {
		src, err := source.New(spec)
		if err != nil {
			return nil, fmt.Errorf("build source %q: %w", spec.Name, err)
		}
		srcs = append(srcs, src)
	}
	srcs = append(srcs, extra...)

	if s.cfg.Run.Replay.EventsPerSecond > 0 {
		for i, src := range srcs {
			srcs[i] = source.NewReplay(src, s.cfg.Run.Replay)
		}
	}
	return srcs, nil
}

func (s *Simulator) buildTransforms(extra []transform.Transform) []transform.Transform {
	var transforms []transform.Transform
	if s.cfg.Transforms.Fill.Enabled {
		transforms = append(transforms, transform.NewFill(s.cfg.Transforms.Fill))
	}
	return append(transforms, extra...)
}

// RunHandle is a live run. Join blocks to completion; Status snapshots the
// run for the monitor while it is still going.
type RunHandle struct {
	id        string
	startedAt time.Time

	runCtx context.Context
	cancel context.CancelFunc

	ctrl       *controller.Controller
	bus        *transport.Bus
	allocator  *transport.Allocator
	endpoints  []transport.Endpoint
	components []runComponent

	feed    *feed.Feed
	stage   *transform.Stage
	merge   *merge.Merge
	client  *client.Client
	orders  *ordersource.OrderSource
	tracker *perf.Tracker

	joinOnce sync.Once
	result   Result

	log *logger.Entry
}

// ID returns the run identifier carried in every run log line.
func (h *RunHandle) ID() string { return h.id }

// Join blocks until the run completes or fails, tears everything down, and
// returns the result. Safe to call from multiple goroutines; teardown
// happens once.
func (h *RunHandle) Join() Result {
	h.joinOnce.Do(h.wait)
	return h.result
}

// Cancel aborts the run. Join still returns the full result.
func (h *RunHandle) Cancel() { h.cancel() }

func (h *RunHandle) wait() {
	select {
	case <-h.ctrl.Done():
	case <-h.runCtx.Done():
	}

	h.cancel()
	for i := len(h.components) - 1; i >= 0; i-- {
		h.components[i].unit.Stop()
	}
	h.ctrl.Stop()
	h.bus.Close()
	if err := h.allocator.Release(h.endpoints); err != nil {
		h.log.WithError(err).Warn("endpoint release failed")
	}

	h.result = h.buildResult()

	entry := h.log.WithFields(logger.Fields{
		"state":            string(h.result.State),
		"duration":         h.result.Duration.String(),
		"events_emitted":   h.result.Counters.EventsEmitted,
		"events_processed": h.result.Counters.EventsProcessed,
		"orders_placed":    h.result.Counters.OrdersPlaced,
		"transactions":     h.result.Counters.Transactions,
	})
	if h.result.State == models.StateDone {
		entry.Info("run finished")
	} else {
		entry.Error("run failed")
	}
}

// Status snapshots the live run for the monitor.
func (h *RunHandle) Status() Status {
	components := h.ctrl.Components()

	state := models.StateRunning
	if h.ctrl.Failure() != nil {
		state = models.StateFailed
	} else {
		done := true
		for _, reg := range components {
			if reg.State != models.StateDone {
				done = false
				break
			}
		}
		if done {
			state = models.StateDone
		}
	}

	boxes := h.bus.Mailboxes()
	mailboxes := make([]MailboxStatus, 0, len(boxes))
	for _, box := range boxes {
		stats := box.Stats()
		mailboxes = append(mailboxes, MailboxStatus{
			Endpoint: box.Endpoint().String(),
			Depth:    box.Depth(),
			Capacity: box.Capacity(),
			Sent:     stats.Sent,
			Received: stats.Received,
			Dropped:  stats.Dropped,
		})
	}

	return Status{
		RunID:      h.id,
		State:      state,
		StartedAt:  h.startedAt,
		Components: components,
		Counters:   h.counters(),
		Mailboxes:  mailboxes,
	}
}

func (h *RunHandle) counters() Counters {
	return Counters{
		EventsEmitted:   h.feed.EventsEmitted() + h.feed.OrdersReplayed(),
		OrdersReplayed:  h.feed.OrdersReplayed(),
		EventsMerged:    h.merge.EventsOut(),
		EventsProcessed: h.client.EventsProcessed(),
		OrdersPlaced:    h.client.OrdersPlaced(),
		OrdersSent:      h.orders.OrdersSent(),
		Transactions:    h.stage.Stats().Transactions,
		FeedPending:     h.feed.Pending(),
		MergePending:    h.merge.Pending(),
	}
}

func (h *RunHandle) buildResult() Result {
	components := h.ctrl.Components()
	failure := h.ctrl.Failure()

	state := models.StateDone
	if failure != nil {
		state = models.StateFailed
	} else {
		for _, reg := range components {
			if reg.State != models.StateDone {
				state = models.StateFailed
				break
			}
		}
	}

	return Result{
		RunID:       h.id,
		State:       state,
		Failure:     failure,
		Components:  components,
		Counters:    h.counters(),
		Performance: h.tracker.Finish(),
		Duration:    time.Since(h.startedAt),
	}
}
