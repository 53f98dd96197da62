// Package merge realigns the transform legs back into single merged events.
// Every leg emits exactly one frame per logical event in feed order, so
// matching is positional: the merge buffers one FIFO queue per leg and
// unions the heads once every queue is non-empty. The passthrough payload is
// unframed once into the builder; named results contribute their fields on
// top. A field-name collision is a protocol violation, never a silent
// overwrite.
package merge

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

// leg buffers one transform leg's frames between arrival and union. The
// passthrough leg queues decoded payload records; named legs queue result
// records, nil for an empty result.
type leg struct {
	name  string
	queue []*protocol.Record
}

// Merge is the fan-in component downstream of the transform stage.
type Merge struct {
	in       *transport.Mailbox
	out      *transport.Mailbox
	reporter *controller.Reporter

	legs  []*leg
	index map[string]int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool

	framesIn   atomic.Int64
	eventsOut  atomic.Int64
	pending    atomic.Int64
	violations atomic.Int64

	log *logger.Log
}

// New builds the merge over the passthrough leg plus one leg per named
// transform, in the stage's registration order.
func New(in, out *transport.Mailbox, reporter *controller.Reporter, transforms []string) *Merge {
	legs := make([]*leg, 0, len(transforms)+1)
	index := make(map[string]int, len(transforms)+1)
	legs = append(legs, &leg{name: protocol.TransformPassthrough})
	index[protocol.TransformPassthrough] = 0
	for _, name := range transforms {
		index[name] = len(legs)
		legs = append(legs, &leg{name: name})
	}

	m := &Merge{
		in:       in,
		out:      out,
		reporter: reporter,
		legs:     legs,
		index:    index,
		log:      logger.GetLogger(),
	}

	m.log.WithComponent("merge").WithFields(logger.Fields{
		"legs": len(legs),
	}).Info("merge initialized")

	return m
}

// Start launches the merge worker.
func (m *Merge) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("merge is already running")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	log := m.log.WithComponent("merge")
	log.Info("starting merge")

	m.reporter.Start(m.ctx)
	m.reporter.SetState(models.StateReady)

	m.wg.Add(1)
	go m.worker()

	m.wg.Add(1)
	go m.metricsReporter()

	log.Info("merge started successfully")
	return nil
}

// Stop tears the merge down and waits for its workers.
func (m *Merge) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	log := m.log.WithComponent("merge")
	log.Info("stopping merge")

	m.cancel()
	m.wg.Wait()
	m.reporter.Stop()

	metrics.ReportMerge(m.log, m.Stats())
	log.Info("merge stopped")
}

// FramesIn reports how many leg frames have arrived.
func (m *Merge) FramesIn() int64 { return m.framesIn.Load() }

// EventsOut reports how many merged events have been emitted.
func (m *Merge) EventsOut() int64 { return m.eventsOut.Load() }

// Pending reports how many logical events have buffered frames awaiting
// their remaining legs.
func (m *Merge) Pending() int64 { return m.pending.Load() }

// Stats snapshots the merge counters.
func (m *Merge) Stats() metrics.MergeStats {
	return metrics.MergeStats{
		FramesIn:   m.framesIn.Load(),
		EventsOut:  m.eventsOut.Load(),
		Pending:    m.pending.Load(),
		Violations: m.violations.Load(),
	}
}

func (m *Merge) worker() {
	defer m.wg.Done()

	log := m.log.WithComponent("merge").WithFields(logger.Fields{"worker": "fan-in"})

	m.reporter.SetState(models.StateRunning)

	for {
		frame, err := m.in.Recv(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				log.Info("worker stopped due to context cancellation")
			}
			return
		}

		kind, rec, err := protocol.Unframe(frame)
		if err != nil {
			m.fail("", err.Error())
			return
		}
		if kind != protocol.KindTransform {
			m.fail("", fmt.Sprintf("unexpected frame kind 0x%02x on transform input", byte(kind)))
			return
		}

		if protocol.IsDone(rec) {
			m.finish(log)
			return
		}

		if !m.bufferFrame(rec) {
			return
		}
		if !m.unionReady(log) {
			return
		}
	}
}

// bufferFrame queues one leg frame in arrival order.
func (m *Merge) bufferFrame(rec *protocol.Record) bool {
	tf, err := protocol.ParseTransform(rec)
	if err != nil {
		m.fail(protocol.FieldTransform, err.Error())
		return false
	}

	if tf.Name == protocol.TransformPassthrough {
		innerKind, innerRec, err := protocol.Unframe(tf.Payload)
		if err != nil {
			m.fail(protocol.FieldPayload, err.Error())
			return false
		}
		if innerKind != protocol.KindFeed || protocol.IsDone(innerRec) {
			m.fail(protocol.FieldPayload, fmt.Sprintf("passthrough payload is a 0x%02x frame with %d fields, want a feed event", byte(innerKind), innerRec.Len()))
			return false
		}
		m.legs[0].queue = append(m.legs[0].queue, innerRec)
	} else {
		idx, ok := m.index[tf.Name]
		if !ok {
			m.fail(protocol.FieldTransform, fmt.Sprintf("result from unregistered transform %q", tf.Name))
			return false
		}
		m.legs[idx].queue = append(m.legs[idx].queue, tf.Result)
	}

	m.framesIn.Add(1)
	m.updatePending()
	return true
}

// unionReady merges and emits every logical event whose legs are all
// buffered.
func (m *Merge) unionReady(log *logger.Entry) bool {
	for m.allLegsReady() {
		builder := m.legs[0].queue[0]
		m.legs[0].queue = m.legs[0].queue[1:]

		for _, lg := range m.legs[1:] {
			result := lg.queue[0]
			lg.queue = lg.queue[1:]
			if result == nil {
				continue
			}
			for _, fld := range result.Fields() {
				if err := builder.Set(fld.Name, fld.Value); err != nil {
					m.fail(fld.Name, fmt.Sprintf("transform %q field collides with the merged event: %v", lg.name, err))
					return false
				}
			}
		}

		frame, err := protocol.Frame(protocol.KindMerge, builder)
		if err != nil {
			m.fail("", err.Error())
			return false
		}
		if err := m.out.Send(m.ctx, frame); err != nil {
			if m.ctx.Err() == nil {
				metrics.EmitDropMetric(m.log, metrics.DropMetricMergedFrame, "merge", m.out.Endpoint().String(), "client")
				log.WithError(err).Error("failed to send merged event")
				m.reporter.SetState(models.StateFailed)
			}
			return false
		}

		m.eventsOut.Add(1)
		metrics.IncEventMerged()
		m.updatePending()
	}
	return true
}

// finish validates the leg queues after the upstream Done and closes the
// stream.
func (m *Merge) finish(log *logger.Entry) {
	if len(m.legs[0].queue) > 0 {
		m.violations.Add(1)
		metrics.ReportOrderingViolation(m.log, "merge", m.legs[0].name, fmt.Sprintf("%d passthrough events left without transform results", len(m.legs[0].queue)))
		m.reporter.SetState(models.StateFailed)
		return
	}
	for _, lg := range m.legs[1:] {
		if len(lg.queue) > 0 {
			m.fail(protocol.FieldTransform, fmt.Sprintf("%d results from %q left without a matching event: %v", len(lg.queue), lg.name, protocol.ErrUnmatchedTransformResult))
			return
		}
	}

	if err := m.out.Send(m.ctx, protocol.Done(protocol.KindMerge)); err != nil {
		if m.ctx.Err() == nil {
			metrics.EmitDropMetric(m.log, metrics.DropMetricMergedFrame, "merge", m.out.Endpoint().String(), "client")
			log.WithError(err).Error("failed to send end of stream")
			m.reporter.SetState(models.StateFailed)
		}
		return
	}

	m.reporter.SetState(models.StateDone)
	log.WithFields(logger.Fields{
		"frames_in":  m.framesIn.Load(),
		"events_out": m.eventsOut.Load(),
	}).Info("merge finished")
}

func (m *Merge) allLegsReady() bool {
	for _, lg := range m.legs {
		if len(lg.queue) == 0 {
			return false
		}
	}
	return true
}

// updatePending tracks logical events in flight: an event is pending from
// its first buffered frame until its merged emission.
func (m *Merge) updatePending() {
	depth := 0
	for _, lg := range m.legs {
		if len(lg.queue) > depth {
			depth = len(lg.queue)
		}
	}
	m.pending.Store(int64(depth))
	metrics.SetPending("merge", int64(depth))
}

func (m *Merge) fail(field, detail string) {
	m.violations.Add(1)
	metrics.ReportProtocolViolation(m.log, "merge", field, detail)
	m.reporter.SetState(models.StateFailed)
}

// metricsReporter periodically reports merge metrics.
func (m *Merge) metricsReporter() {
	defer m.wg.Done()

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportMerge(m.log, m.Stats())
		}
	}
}
