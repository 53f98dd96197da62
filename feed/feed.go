// Package feed merges the event streams of every registered source into a
// single totally ordered stream. Events are emitted oldest first; when two
// sources hold events with the same timestamp, the source registered first
// wins, and relayed orders always sort after the trades that triggered them.
//
// The feed paces itself against the downstream consumer: each emitted event
// must be acknowledged by the client before the next one leaves the merge.
// Because the order source relays orders and acknowledgements on one FIFO
// lane, a zero outstanding count proves every order triggered by previously
// emitted events has already been queued, so the merge decision is never
// made against an incomplete order lane.
package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"simflow/controller"
	"simflow/internal/metrics"
	"simflow/internal/protocol"
	"simflow/internal/transport"
	"simflow/logger"
	"simflow/models"
)

const metricsInterval = 30 * time.Second

// Lane binds one upstream identity to the mailbox its frames arrive on.
type Lane struct {
	Name    string
	Mailbox *transport.Mailbox
}

type queuedEvent struct {
	rec *protocol.Record
	ts  time.Time
}

// queue buffers decoded events for one lane between arrival and emission.
type queue struct {
	name    string
	isOrder bool
	events  []queuedEvent
	lastTS  time.Time
	seen    bool
	done    bool
}

type intakeMsg struct {
	lane  int
	frame []byte
}

// Feed is the merge component. One pump per lane moves frames into the
// sequential merge loop, which owns all queue state.
type Feed struct {
	lanes    []Lane
	out      *transport.Mailbox
	reporter *controller.Reporter

	intake chan intakeMsg

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool

	// Counters written by the merge loop, read by metrics and callers.
	emitted     atomic.Int64
	replayed    atomic.Int64
	pending     atomic.Int64
	outstanding atomic.Int64
	sourcesDone atomic.Int64

	// ackSeq is owned by the merge loop.
	ackSeq int64

	log *logger.Log
}

// New builds a feed over the given source lanes. The order lane is appended
// after the regular sources so its events lose every timestamp tie.
func New(sources []Lane, orderLane Lane, out *transport.Mailbox, reporter *controller.Reporter) *Feed {
	lanes := make([]Lane, 0, len(sources)+1)
	lanes = append(lanes, sources...)
	lanes = append(lanes, orderLane)

	f := &Feed{
		lanes:    lanes,
		out:      out,
		reporter: reporter,
		intake:   make(chan intakeMsg, len(lanes)*16),
		log:      logger.GetLogger(),
	}

	f.log.WithComponent("feed").WithFields(logger.Fields{
		"sources":  len(sources),
		"endpoint": out.Endpoint().String(),
	}).Info("feed initialized")

	return f
}

// Start launches the lane pumps and the merge loop.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return fmt.Errorf("feed is already running")
	}

	f.ctx, f.cancel = context.WithCancel(ctx)
	f.running = true

	log := f.log.WithComponent("feed")
	log.Info("starting feed")

	f.reporter.Start(f.ctx)
	f.reporter.SetState(models.StateReady)

	for i := range f.lanes {
		f.wg.Add(1)
		go f.pump(i)
	}

	f.wg.Add(1)
	go f.mergeLoop()

	f.wg.Add(1)
	go f.metricsReporter()

	log.Info("feed started successfully")
	return nil
}

// Stop tears the feed down and waits for its workers.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	log := f.log.WithComponent("feed")
	log.Info("stopping feed")

	f.cancel()
	f.wg.Wait()
	f.reporter.Stop()

	metrics.ReportFeed(f.log, f.Stats())
	log.Info("feed stopped")
}

// EventsEmitted reports how many source events have been sent downstream.
func (f *Feed) EventsEmitted() int64 { return f.emitted.Load() }

// OrdersReplayed reports how many relayed order events have been sent
// downstream.
func (f *Feed) OrdersReplayed() int64 { return f.replayed.Load() }

// Pending reports how many decoded events are queued but not yet emitted.
func (f *Feed) Pending() int64 { return f.pending.Load() }

// Outstanding reports how many emitted events still await acknowledgement.
func (f *Feed) Outstanding() int64 { return f.outstanding.Load() }

// Stats snapshots the feed counters.
func (f *Feed) Stats() metrics.FeedStats {
	return metrics.FeedStats{
		EventsEmitted:  f.emitted.Load(),
		OrdersReplayed: f.replayed.Load(),
		Pending:        f.pending.Load(),
		SourcesDone:    int(f.sourcesDone.Load()),
		SourcesTotal:   len(f.lanes) - 1,
	}
}

// pump moves frames from one lane's mailbox into the merge loop without
// touching them.
func (f *Feed) pump(lane int) {
	defer f.wg.Done()

	box := f.lanes[lane].Mailbox
	for {
		frame, err := box.Recv(f.ctx)
		if err != nil {
			return
		}
		select {
		case f.intake <- intakeMsg{lane: lane, frame: frame}:
		case <-f.ctx.Done():
			return
		}
	}
}

// mergeLoop owns the queues and runs the ordered emission protocol.
func (f *Feed) mergeLoop() {
	defer f.wg.Done()

	log := f.log.WithComponent("feed").WithFields(logger.Fields{"worker": "merge"})

	queues := make([]*queue, len(f.lanes))
	for i, lane := range f.lanes {
		queues[i] = &queue{name: lane.Name, isOrder: i == len(f.lanes)-1}
	}
	orderLane := queues[len(queues)-1]

	f.reporter.SetState(models.StateRunning)

	doneSent := false
	for {
		if !doneSent {
			if !f.emitReady(queues, log) {
				return
			}
			if f.streamComplete(queues) {
				if err := f.out.Send(f.ctx, protocol.Done(protocol.KindFeed)); err != nil {
					if f.ctx.Err() == nil {
						metrics.EmitDropMetric(f.log, metrics.DropMetricFeedFrame, "feed", f.out.Endpoint().String(), "feed")
						log.WithError(err).Error("failed to send end of stream")
						f.reporter.SetState(models.StateFailed)
					}
					return
				}
				doneSent = true
				log.WithFields(logger.Fields{
					"events_emitted":  f.emitted.Load(),
					"orders_replayed": f.replayed.Load(),
				}).Info("feed stream complete")
			}
		}

		if doneSent && orderLane.done {
			f.reporter.SetState(models.StateDone)
			log.Info("feed finished")
			return
		}

		select {
		case <-f.ctx.Done():
			log.Info("feed merge stopped due to context cancellation")
			return
		case msg := <-f.intake:
			if !f.handleFrame(queues[msg.lane], msg.frame, log) {
				return
			}
		}
	}
}

// emitReady sends every event the protocol allows: the oldest queued event,
// as long as no emitted event is still unacknowledged and every live source
// has shown its next event.
func (f *Feed) emitReady(queues []*queue, log *logger.Entry) bool {
	for f.outstanding.Load() == 0 {
		idx := nextEmittable(queues)
		if idx < 0 {
			return true
		}

		q := queues[idx]
		ev := q.events[0]
		q.events = q.events[1:]
		f.pending.Add(-1)

		frame, err := protocol.Frame(protocol.KindFeed, ev.rec)
		if err != nil {
			metrics.ReportProtocolViolation(f.log, "feed", "", err.Error())
			f.reporter.SetState(models.StateFailed)
			return false
		}
		if err := f.out.Send(f.ctx, frame); err != nil {
			if f.ctx.Err() == nil {
				metrics.EmitDropMetric(f.log, metrics.DropMetricFeedFrame, "feed", f.out.Endpoint().String(), "feed")
				log.WithError(err).WithField("source", q.name).Error("failed to send feed frame")
				f.reporter.SetState(models.StateFailed)
			}
			return false
		}

		if q.isOrder {
			f.replayed.Add(1)
		} else {
			f.emitted.Add(1)
		}
		logger.IncrementEventForwarded()
		f.outstanding.Add(1)
	}
	return true
}

// nextEmittable picks the lane whose head event should be emitted next, or
// -1 when emission must wait. A regular lane with no queued event blocks the
// merge until it delivers or finishes; the order lane never blocks because
// with nothing outstanding it is provably complete.
func nextEmittable(queues []*queue) int {
	best := -1
	for i, q := range queues {
		if len(q.events) == 0 {
			if q.done || q.isOrder {
				continue
			}
			return -1
		}
		if best < 0 || q.events[0].ts.Before(queues[best].events[0].ts) {
			best = i
		}
	}
	return best
}

// streamComplete reports whether every event that will ever exist has been
// emitted and acknowledged.
func (f *Feed) streamComplete(queues []*queue) bool {
	if f.outstanding.Load() != 0 {
		return false
	}
	for _, q := range queues {
		if len(q.events) > 0 {
			return false
		}
		if !q.isOrder && !q.done {
			return false
		}
	}
	return true
}

// handleFrame decodes one frame into its lane's queue. It returns false when
// the frame breaks the protocol and the feed must stop.
func (f *Feed) handleFrame(q *queue, frame []byte, log *logger.Entry) bool {
	kind, rec, err := protocol.Unframe(frame)
	if err != nil {
		metrics.ReportProtocolViolation(f.log, "feed", "", err.Error())
		log.WithError(err).WithField("source", q.name).Error("failed to decode frame")
		f.reporter.SetState(models.StateFailed)
		return false
	}

	if q.done {
		metrics.ReportProtocolViolation(f.log, "feed", "", fmt.Sprintf("frame from %s after end of stream", q.name))
		f.reporter.SetState(models.StateFailed)
		return false
	}

	switch {
	case kind == protocol.KindSync && q.isOrder:
		return f.handleAck(rec, log)

	case kind == protocol.KindData:
		if protocol.IsDone(rec) {
			q.done = true
			if !q.isOrder {
				f.sourcesDone.Add(1)
			}
			log.WithField("source", q.name).Debug("source stream ended")
			return true
		}
		return f.enqueue(q, rec, log)

	default:
		metrics.ReportProtocolViolation(f.log, "feed", "", fmt.Sprintf("unexpected frame kind 0x%02x from %s", byte(kind), q.name))
		f.reporter.SetState(models.StateFailed)
		return false
	}
}

func (f *Feed) handleAck(rec *protocol.Record, log *logger.Entry) bool {
	if protocol.IsDone(rec) {
		metrics.ReportProtocolViolation(f.log, "feed", "", "sync end-of-stream on order lane")
		f.reporter.SetState(models.StateFailed)
		return false
	}

	ack, err := models.AckFromRecord(rec)
	if err != nil {
		metrics.ReportProtocolViolation(f.log, "feed", models.FieldSeq, err.Error())
		f.reporter.SetState(models.StateFailed)
		return false
	}

	if f.outstanding.Load() == 0 {
		metrics.ReportProtocolViolation(f.log, "feed", models.FieldSeq, fmt.Sprintf("ack %d with no outstanding events", ack.Seq))
		f.reporter.SetState(models.StateFailed)
		return false
	}
	if ack.Seq != f.ackSeq+1 {
		metrics.ReportProtocolViolation(f.log, "feed", models.FieldSeq, fmt.Sprintf("ack %d out of order, expected %d", ack.Seq, f.ackSeq+1))
		f.reporter.SetState(models.StateFailed)
		return false
	}

	f.ackSeq = ack.Seq
	f.outstanding.Add(-1)
	return true
}

func (f *Feed) enqueue(q *queue, rec *protocol.Record, log *logger.Entry) bool {
	ts, err := models.RecordTime(rec)
	if err != nil {
		metrics.ReportProtocolViolation(f.log, "feed", models.FieldDT, err.Error())
		log.WithError(err).WithField("source", q.name).Error("event without a readable timestamp")
		f.reporter.SetState(models.StateFailed)
		return false
	}

	if q.seen && ts.Before(q.lastTS) {
		detail := fmt.Sprintf("timestamp %s after %s", ts.Format(time.RFC3339Nano), q.lastTS.Format(time.RFC3339Nano))
		metrics.ReportOrderingViolation(f.log, "feed", q.name, detail)
		f.reporter.SetState(models.StateFailed)
		return false
	}

	q.lastTS = ts
	q.seen = true
	q.events = append(q.events, queuedEvent{rec: rec, ts: ts})
	f.pending.Add(1)
	return true
}

// metricsReporter periodically reports feed metrics.
func (f *Feed) metricsReporter() {
	defer f.wg.Done()

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportFeed(f.log, f.Stats())
		}
	}
}
