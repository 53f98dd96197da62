// Package source produces the historical trade events a run replays. A
// Source yields typed events in timestamp order; a Runner drives one source
// as a supervised component, framing every event as DATA onto its feed
// mailbox and closing the stream with the zero-field marker. Synthetic
// generators cover deterministic runs, venue-backed sources replay real
// kline history.
package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"simflow/controller"
	"simflow/internal/metrics"
	"simflow/internal/protocol"
	"simflow/internal/transport"
	"simflow/logger"
	"simflow/models"
)

// Source yields trade events in non-decreasing timestamp order. Next
// reports ok=false once the series is exhausted; after that every call
// keeps reporting exhaustion.
type Source interface {
	Name() string
	Next(ctx context.Context) (models.TradeEvent, bool, error)
}

// Runner drives one source as a run component. It owns the pump goroutine,
// the liveness reporter and the emit counter; all event traffic leaves
// through the feed mailbox as framed DATA.
type Runner struct {
	src      Source
	mailbox  *transport.Mailbox
	reporter *controller.Reporter

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool

	emitted atomic.Int64
	log     *logger.Log
}

// NewRunner wires a source to its feed mailbox and liveness reporter.
func NewRunner(src Source, mailbox *transport.Mailbox, reporter *controller.Reporter) *Runner {
	r := &Runner{
		src:      src,
		mailbox:  mailbox,
		reporter: reporter,
		log:      logger.GetLogger(),
	}

	r.log.WithComponent(src.Name()).WithFields(logger.Fields{
		"endpoint": string(mailbox.Endpoint()),
	}).Info("source runner initialized")

	return r
}

// Name returns the source identity events are emitted under.
func (r *Runner) Name() string { return r.src.Name() }

// Emitted reports how many events have been framed and sent so far.
func (r *Runner) Emitted() int64 { return r.emitted.Load() }

// Start launches the pump. The runner reports READY once launched and
// RUNNING from the pump itself.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("source %s already running", r.src.Name())
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.reporter.Start(r.ctx)
	r.reporter.SetState(models.StateReady)

	r.wg.Add(1)
	go r.pump()

	r.log.WithComponent(r.src.Name()).Info("source runner started")
	return nil
}

// Stop halts the pump and the liveness reporter. On a finished stream the
// pump has already exited and this only releases the reporter.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.reporter.Stop()
	r.log.WithComponent(r.src.Name()).Info("source runner stopped")
}

func (r *Runner) pump() {
	defer r.wg.Done()
	log := r.log.WithComponent(r.src.Name())

	r.reporter.SetState(models.StateRunning)
	for {
		ev, ok, err := r.src.Next(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("source failed")
			r.reporter.SetState(models.StateFailed)
			return
		}
		if !ok {
			if err := r.mailbox.Send(r.ctx, protocol.Done(protocol.KindData)); err != nil {
				r.sendFailed(log, err)
				return
			}
			r.reporter.SetState(models.StateDone)
			log.WithFields(logger.Fields{
				"events": r.emitted.Load(),
			}).Info("source exhausted")
			return
		}

		rec, err := ev.Record()
		if err != nil {
			log.WithError(err).Error("event record failed")
			r.reporter.SetState(models.StateFailed)
			return
		}
		frame, err := protocol.Frame(protocol.KindData, rec)
		if err != nil {
			log.WithError(err).Error("event framing failed")
			r.reporter.SetState(models.StateFailed)
			return
		}
		if err := r.mailbox.Send(r.ctx, frame); err != nil {
			r.sendFailed(log, err)
			return
		}

		r.emitted.Add(1)
		metrics.IncEventEmitted(r.src.Name())
		logger.IncrementEventForwarded()
	}
}

// sendFailed separates teardown (run context cancelled, everything is
// winding down) from a genuinely broken transport mid-run.
func (r *Runner) sendFailed(log *logger.Entry, err error) {
	if r.ctx.Err() != nil {
		return
	}
	metrics.EmitDropMetric(r.log, metrics.DropMetricFeedFrame, r.src.Name(), string(r.mailbox.Endpoint()), "feed")
	log.WithError(err).Error("feed send failed")
	r.reporter.SetState(models.StateFailed)
}
