// Package ordersource closes the simulation loop: orders the client places
// come in as ORDER frames and go back out to the feed as DATA events under
// the reserved ORDER_SOURCE identity, so the feed can merge them against
// the regular sources by timestamp. Sync acknowledgements ride the same
// lane untouched, preserving the order-then-ack sequence the feed's
// watermark depends on.
package ordersource

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

// OrderSource relays the client's order stream onto the feed's order lane.
type OrderSource struct {
	in       *transport.Mailbox
	out      *transport.Mailbox
	reporter *controller.Reporter

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	ordersSent atomic.Int64
	acksSent   atomic.Int64

	log *logger.Log
}

// New builds the order source reading client frames from in and feeding
// the feed's order lane at out.
func New(in, out *transport.Mailbox, reporter *controller.Reporter) *OrderSource {
	o := &OrderSource{
		in:       in,
		out:      out,
		reporter: reporter,
		log:      logger.GetLogger(),
	}

	o.log.WithComponent("ordersource").WithFields(logger.Fields{
		"endpoint": out.Endpoint().String(),
	}).Info("order source initialized")

	return o
}

// Start launches the relay worker.
func (o *OrderSource) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return fmt.Errorf("order source is already running")
	}

	o.ctx, o.cancel = context.WithCancel(ctx)
	o.running = true

	log := o.log.WithComponent("ordersource")
	log.Info("starting order source")

	o.reporter.Start(o.ctx)
	o.reporter.SetState(models.StateReady)

	o.wg.Add(1)
	go o.worker()

	o.wg.Add(1)
	go o.metricsReporter()

	log.Info("order source started successfully")
	return nil
}

// Stop tears the relay down and waits for its worker.
func (o *OrderSource) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	log := o.log.WithComponent("ordersource")
	log.Info("stopping order source")

	o.cancel()
	o.wg.Wait()
	o.reporter.Stop()

	log.WithFields(logger.Fields{
		"orders_sent": o.ordersSent.Load(),
		"acks_sent":   o.acksSent.Load(),
	}).Info("order source stopped")
}

// OrdersSent reports how many orders have been re-injected into the feed.
func (o *OrderSource) OrdersSent() int64 { return o.ordersSent.Load() }

// AcksSent reports how many acknowledgements have been relayed.
func (o *OrderSource) AcksSent() int64 { return o.acksSent.Load() }

// worker relays the client stream one frame at a time. Relaying is
// strictly FIFO so an order placed while handling an event always reaches
// the feed before that event's acknowledgement.
func (o *OrderSource) worker() {
	defer o.wg.Done()

	log := o.log.WithComponent("ordersource").WithFields(logger.Fields{"worker": "relay"})

	o.reporter.SetState(models.StateRunning)

	for {
		frame, err := o.in.Recv(o.ctx)
		if err != nil {
			if o.ctx.Err() != nil {
				log.Info("worker stopped due to context cancellation")
			}
			return
		}

		kind, rec, err := protocol.Unframe(frame)
		if err != nil {
			metrics.ReportProtocolViolation(o.log, "ordersource", "", err.Error())
			log.WithError(err).Error("failed to decode client frame")
			o.reporter.SetState(models.StateFailed)
			return
		}

		switch kind {
		case protocol.KindSync:
			// Acks cross unchanged; re-framing could only corrupt them.
			if !o.send(frame, log) {
				return
			}
			o.acksSent.Add(1)

		case protocol.KindOrder:
			if protocol.IsDone(rec) {
				if !o.send(protocol.Done(protocol.KindData), log) {
					return
				}
				logger.LogDataFlowEntry(log, "client", "feed", int(o.ordersSent.Load()), "orders")
				o.reporter.SetState(models.StateDone)
				log.WithFields(logger.Fields{
					"orders_sent": o.ordersSent.Load(),
				}).Info("order source finished")
				return
			}
			if !o.relayOrder(rec, log) {
				return
			}

		default:
			metrics.ReportProtocolViolation(o.log, "ordersource", "", fmt.Sprintf("unexpected frame kind 0x%02x on order input", byte(kind)))
			o.reporter.SetState(models.StateFailed)
			return
		}
	}
}

// relayOrder reshapes one client order into a data event under the
// reserved order-source identity, keeping the order's timestamp.
func (o *OrderSource) relayOrder(rec *protocol.Record, log *logger.Entry) bool {
	order, err := models.OrderEventFromRecord(rec)
	if err != nil {
		metrics.ReportProtocolViolation(o.log, "ordersource", models.FieldAmount, err.Error())
		log.WithError(err).Error("failed to decode order event")
		o.reporter.SetState(models.StateFailed)
		return false
	}
	order.SourceID = models.OrderSourceID

	out, err := order.Record()
	if err != nil {
		log.WithError(err).Error("failed to rebuild order event")
		o.reporter.SetState(models.StateFailed)
		return false
	}
	frame, err := protocol.Frame(protocol.KindData, out)
	if err != nil {
		log.WithError(err).Error("failed to frame order event")
		o.reporter.SetState(models.StateFailed)
		return false
	}
	if !o.send(frame, log) {
		return false
	}

	o.ordersSent.Add(1)
	logger.IncrementOrderRelayed()
	return true
}

func (o *OrderSource) send(frame []byte, log *logger.Entry) bool {
	if err := o.out.Send(o.ctx, frame); err != nil {
		if o.ctx.Err() == nil {
			metrics.EmitDropMetric(o.log, metrics.DropMetricOrderFrame, "ordersource", o.out.Endpoint().String(), "feed")
			log.WithError(err).Error("failed to send on feed order lane")
			o.reporter.SetState(models.StateFailed)
		}
		return false
	}
	return true
}

// metricsReporter periodically logs relay counters.
func (o *OrderSource) metricsReporter() {
	defer o.wg.Done()

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			l := o.log.WithComponent("ordersource")
			l.LogMetric("ordersource", "orders_sent", o.ordersSent.Load(), "counter", logger.Fields{})
			l.LogMetric("ordersource", "acks_sent", o.acksSent.Load(), "counter", logger.Fields{})
		}
	}
}
