// Package transform hosts the per-event computation legs between the feed
// and the merge. For every feed event the stage emits one passthrough frame
// carrying the upstream bytes untouched plus exactly one result frame per
// registered transform, empty when a transform has nothing to say. The merge
// realigns the legs positionally, so the one-frame-per-event contract is
// load-bearing: a transform that cannot produce a result fails the run
// rather than desync the legs.
package transform

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

// Transform computes one named result per feed event. Apply returns the
// result record to union into the merged event, or nil for an empty result.
type Transform interface {
	Name() string
	Apply(rec *protocol.Record) (*protocol.Record, error)
}

// txnCounter is implemented by transforms that simulate fills.
type txnCounter interface {
	Filled() int64
}

// Stage runs the registered transforms over the feed stream sequentially,
// preserving event order across all legs.
type Stage struct {
	in         *transport.Mailbox
	out        *transport.Mailbox
	reporter   *controller.Reporter
	transforms []Transform

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool

	eventsIn    atomic.Int64
	framesOut   atomic.Int64
	errorsCount atomic.Int64

	log *logger.Log
}

// NewStage builds the transform stage. Transform registration order fixes
// the leg order the merge sees.
func NewStage(in, out *transport.Mailbox, reporter *controller.Reporter, transforms ...Transform) *Stage {
	s := &Stage{
		in:         in,
		out:        out,
		reporter:   reporter,
		transforms: transforms,
		log:        logger.GetLogger(),
	}

	names := make([]string, len(transforms))
	for i, tr := range transforms {
		names[i] = tr.Name()
	}
	s.log.WithComponent("transform").WithFields(logger.Fields{
		"transforms": names,
	}).Info("transform stage initialized")

	return s
}

// Start launches the stage worker.
func (s *Stage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("transform stage is already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	log := s.log.WithComponent("transform")
	log.Info("starting transform stage")

	s.reporter.Start(s.ctx)
	s.reporter.SetState(models.StateReady)

	s.wg.Add(1)
	go s.worker()

	s.wg.Add(1)
	go s.metricsReporter()

	log.Info("transform stage started successfully")
	return nil
}

// Stop tears the stage down and waits for its workers.
func (s *Stage) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log := s.log.WithComponent("transform")
	log.Info("stopping transform stage")

	s.cancel()
	s.wg.Wait()
	s.reporter.Stop()

	metrics.ReportTransformStage(s.log, "transform", s.Stats())
	log.Info("transform stage stopped")
}

// EventsIn reports how many feed events the stage has consumed.
func (s *Stage) EventsIn() int64 { return s.eventsIn.Load() }

// FramesOut reports how many leg frames the stage has emitted.
func (s *Stage) FramesOut() int64 { return s.framesOut.Load() }

// Stats snapshots the stage counters.
func (s *Stage) Stats() metrics.TransformStats {
	var txns int64
	for _, tr := range s.transforms {
		if tc, ok := tr.(txnCounter); ok {
			txns += tc.Filled()
		}
	}
	return metrics.TransformStats{
		EventsIn:     s.eventsIn.Load(),
		FramesOut:    s.framesOut.Load(),
		Transactions: txns,
		ErrorsCount:  s.errorsCount.Load(),
	}
}

// worker consumes the feed stream sequentially and fans each event out to
// every leg.
func (s *Stage) worker() {
	defer s.wg.Done()

	log := s.log.WithComponent("transform").WithFields(logger.Fields{"worker": "stage"})

	s.reporter.SetState(models.StateRunning)

	for {
		frame, err := s.in.Recv(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				log.Info("worker stopped due to context cancellation")
			}
			return
		}

		kind, rec, err := protocol.Unframe(frame)
		if err != nil {
			metrics.ReportProtocolViolation(s.log, "transform", "", err.Error())
			log.WithError(err).Error("failed to decode feed frame")
			s.reporter.SetState(models.StateFailed)
			return
		}
		if kind != protocol.KindFeed {
			metrics.ReportProtocolViolation(s.log, "transform", "", fmt.Sprintf("unexpected frame kind 0x%02x on feed input", byte(kind)))
			s.reporter.SetState(models.StateFailed)
			return
		}

		if protocol.IsDone(rec) {
			if !s.send(protocol.Done(protocol.KindTransform), log) {
				return
			}
			logger.LogDataFlowEntry(log, "feed", "merge", int(s.eventsIn.Load()), "events")
			s.reporter.SetState(models.StateDone)
			log.WithFields(logger.Fields{
				"events_in":  s.eventsIn.Load(),
				"frames_out": s.framesOut.Load(),
			}).Info("transform stage finished")
			return
		}

		if !s.applyEvent(frame, rec, log) {
			return
		}
	}
}

// applyEvent emits the passthrough leg and every named leg for one event.
func (s *Stage) applyEvent(frame []byte, rec *protocol.Record, log *logger.Entry) bool {
	s.eventsIn.Add(1)

	passthrough, err := protocol.FramePassthrough(frame)
	if err != nil {
		s.errorsCount.Add(1)
		log.WithError(err).Error("failed to frame passthrough leg")
		s.reporter.SetState(models.StateFailed)
		return false
	}
	if !s.send(passthrough, log) {
		return false
	}

	for _, tr := range s.transforms {
		result, err := tr.Apply(rec)
		if err != nil {
			s.errorsCount.Add(1)
			log.WithError(err).WithField("transform", tr.Name()).Error("transform failed")
			s.reporter.SetState(models.StateFailed)
			return false
		}
		legFrame, err := protocol.FrameResult(tr.Name(), result)
		if err != nil {
			s.errorsCount.Add(1)
			log.WithError(err).WithField("transform", tr.Name()).Error("failed to frame transform result")
			s.reporter.SetState(models.StateFailed)
			return false
		}
		if !s.send(legFrame, log) {
			return false
		}
	}
	return true
}

func (s *Stage) send(frame []byte, log *logger.Entry) bool {
	if err := s.out.Send(s.ctx, frame); err != nil {
		if s.ctx.Err() == nil {
			metrics.EmitDropMetric(s.log, metrics.DropMetricTransformFrame, "transform", s.out.Endpoint().String(), "merge")
			log.WithError(err).Error("failed to send transform frame")
			s.reporter.SetState(models.StateFailed)
		}
		return false
	}
	s.framesOut.Add(1)
	return true
}

// metricsReporter periodically reports stage metrics.
func (s *Stage) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportTransformStage(s.log, "transform", s.Stats())
		}
	}
}
