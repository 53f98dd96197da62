// Package client consumes the merged event stream, drives the trading
// strategy, and closes the simulation loop: orders the strategy places go
// back out on the order mailbox, followed by one sync acknowledgement per
// processed event. The acknowledgement trails any orders the event
// triggered on the same mailbox, which is what lets the feed treat an
// empty order lane as complete whenever nothing is outstanding.
package client

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
	"simflow/perf"
)

const metricsInterval = 30 * time.Second

// Subscriber observes every processed event after the strategy has run.
// Subscribers are invoked in registration order; an error fails the run.
type Subscriber interface {
	OnEvent(rec *protocol.Record) error
}

// Strategy reacts to merged events. HandleEvent sees the event after it
// has been applied to the portfolio, a snapshot of the resulting account
// state, and a place function that queues an order at the event's
// timestamp.
type Strategy interface {
	Name() string
	HandleEvent(rec *protocol.Record, snapshot perf.Snapshot, place func(sid, amount int64)) error
}

// Client is the terminal pipeline stage. It owns the portfolio, runs the
// strategy and subscribers over each merged event, and acknowledges every
// event back upstream.
type Client struct {
	in       *transport.Mailbox
	orders   *transport.Mailbox
	reporter *controller.Reporter
	strategy Strategy

	subscribers []Subscriber
	portfolio   *perf.Portfolio

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool

	eventsProcessed atomic.Int64
	ordersPlaced    atomic.Int64
	ackSeq          int64

	log *logger.Log
}

// New builds the client. The strategy may be nil for a replay that only
// observes the stream.
func New(in, orders *transport.Mailbox, reporter *controller.Reporter, startingCash float64, strategy Strategy) *Client {
	c := &Client{
		in:        in,
		orders:    orders,
		reporter:  reporter,
		strategy:  strategy,
		portfolio: perf.NewPortfolio(startingCash),
		log:       logger.GetLogger(),
	}

	name := "none"
	if strategy != nil {
		name = strategy.Name()
	}
	c.log.WithComponent("client").WithFields(logger.Fields{
		"strategy":      name,
		"starting_cash": startingCash,
	}).Info("client initialized")

	return c
}

// Subscribe registers an event observer. Must be called before Start.
func (c *Client) Subscribe(sub Subscriber) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("cannot subscribe after the client has started")
	}
	c.subscribers = append(c.subscribers, sub)
	return nil
}

// Start launches the client worker.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("client is already running")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true

	log := c.log.WithComponent("client")
	log.Info("starting client")

	c.reporter.Start(c.ctx)
	c.reporter.SetState(models.StateReady)

	c.wg.Add(1)
	go c.worker()

	c.wg.Add(1)
	go c.metricsReporter()

	log.Info("client started successfully")
	return nil
}

// Stop tears the client down and waits for its workers.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	log := c.log.WithComponent("client")
	log.Info("stopping client")

	c.cancel()
	c.wg.Wait()
	c.reporter.Stop()

	metrics.ReportClient(c.log, c.Stats())
	log.Info("client stopped")
}

// EventsProcessed reports how many merged events have been handled.
func (c *Client) EventsProcessed() int64 { return c.eventsProcessed.Load() }

// OrdersPlaced reports how many orders the strategy has sent upstream.
func (c *Client) OrdersPlaced() int64 { return c.ordersPlaced.Load() }

// Portfolio snapshots the account state.
func (c *Client) Portfolio() perf.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.portfolio.Snapshot()
}

// Stats snapshots the client counters.
func (c *Client) Stats() metrics.ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return metrics.ClientStats{
		EventsProcessed: c.eventsProcessed.Load(),
		OrdersPlaced:    c.ordersPlaced.Load(),
		Transactions:    c.portfolio.Transactions(),
		PortfolioValue:  c.portfolio.Value(),
	}
}

// worker consumes the merged stream sequentially: apply the event to the
// portfolio, run the strategy, notify subscribers, acknowledge.
func (c *Client) worker() {
	defer c.wg.Done()

	log := c.log.WithComponent("client").WithFields(logger.Fields{"worker": "events"})

	c.reporter.SetState(models.StateRunning)

	for {
		frame, err := c.in.Recv(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				log.Info("worker stopped due to context cancellation")
			}
			return
		}

		kind, rec, err := protocol.Unframe(frame)
		if err != nil {
			metrics.ReportProtocolViolation(c.log, "client", "", err.Error())
			log.WithError(err).Error("failed to decode merged frame")
			c.reporter.SetState(models.StateFailed)
			return
		}
		if kind != protocol.KindMerge {
			metrics.ReportProtocolViolation(c.log, "client", "", fmt.Sprintf("unexpected frame kind 0x%02x on merge input", byte(kind)))
			c.reporter.SetState(models.StateFailed)
			return
		}

		if protocol.IsDone(rec) {
			if !c.send(protocol.Done(protocol.KindOrder), log) {
				return
			}
			logger.LogDataFlowEntry(log, "merge", "orders", int(c.eventsProcessed.Load()), "events")
			c.reporter.SetState(models.StateDone)
			log.WithFields(logger.Fields{
				"events_processed": c.eventsProcessed.Load(),
				"orders_placed":    c.ordersPlaced.Load(),
			}).Info("client finished")
			return
		}

		if !c.processEvent(rec, log) {
			return
		}
	}
}

// processEvent handles one merged event end to end. The portfolio is
// updated before the strategy sees the event, and the acknowledgement is
// sent after any orders so it trails them on the order mailbox.
func (c *Client) processEvent(rec *protocol.Record, log *logger.Entry) bool {
	c.eventsProcessed.Add(1)

	ts, err := models.RecordTime(rec)
	if err != nil {
		metrics.ReportProtocolViolation(c.log, "client", models.FieldDT, err.Error())
		c.reporter.SetState(models.StateFailed)
		return false
	}

	if err := c.applyToPortfolio(rec); err != nil {
		metrics.ReportProtocolViolation(c.log, "client", models.FieldTxn, err.Error())
		c.reporter.SetState(models.StateFailed)
		return false
	}

	if c.strategy != nil {
		var placeErr error
		place := func(sid, amount int64) {
			if placeErr != nil {
				return
			}
			placeErr = c.placeOrder(sid, amount, ts)
		}
		if err := c.strategy.HandleEvent(rec, c.Portfolio(), place); err != nil {
			log.WithError(err).WithField("strategy", c.strategy.Name()).Error("strategy failed")
			c.reporter.SetState(models.StateFailed)
			return false
		}
		if placeErr != nil {
			if c.ctx.Err() == nil {
				log.WithError(placeErr).Error("failed to place order")
				c.reporter.SetState(models.StateFailed)
			}
			return false
		}
	}

	for _, sub := range c.subscribers {
		if err := sub.OnEvent(rec); err != nil {
			log.WithError(err).Error("subscriber failed")
			c.reporter.SetState(models.StateFailed)
			return false
		}
	}

	return c.ack(log)
}

// applyToPortfolio folds the event into the account: trades mark the last
// price, a nested transaction field is applied as a fill.
func (c *Client) applyToPortfolio(rec *protocol.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !models.IsOrderRecord(rec) {
		trade, err := models.TradeEventFromRecord(rec)
		if err != nil {
			return err
		}
		c.portfolio.MarkPrice(trade.SID, trade.Price)
	}

	v, ok := rec.Get(models.FieldTxn)
	if !ok {
		return nil
	}
	nested, ok := v.Record()
	if !ok {
		return fmt.Errorf("event field %q is %s, want record: %w", models.FieldTxn, v.Type(), protocol.ErrMalformedFrame)
	}
	txn, err := models.TransactionFromRecord(nested)
	if err != nil {
		return err
	}
	c.portfolio.ApplyTransaction(txn)
	return nil
}

// placeOrder frames one order event at the given timestamp and sends it
// on the order mailbox.
func (c *Client) placeOrder(sid, amount int64, ts time.Time) error {
	rec, err := models.OrderEvent{SID: sid, DT: ts, Amount: amount}.Record()
	if err != nil {
		return err
	}
	frame, err := protocol.Frame(protocol.KindOrder, rec)
	if err != nil {
		return err
	}
	if err := c.orders.Send(c.ctx, frame); err != nil {
		if c.ctx.Err() == nil {
			metrics.EmitDropMetric(c.log, metrics.DropMetricOrderFrame, "client", c.orders.Endpoint().String(), "orders")
		}
		return err
	}
	c.ordersPlaced.Add(1)
	metrics.IncOrderPlaced()
	return nil
}

// ack sends the processed-event acknowledgement. It always trails the
// orders the event triggered because both share the order mailbox.
func (c *Client) ack(log *logger.Entry) bool {
	c.ackSeq++
	rec, err := models.Ack{Seq: c.ackSeq}.Record()
	if err != nil {
		log.WithError(err).Error("failed to build ack record")
		c.reporter.SetState(models.StateFailed)
		return false
	}
	frame, err := protocol.Frame(protocol.KindSync, rec)
	if err != nil {
		log.WithError(err).Error("failed to frame ack")
		c.reporter.SetState(models.StateFailed)
		return false
	}
	return c.send(frame, log)
}

func (c *Client) send(frame []byte, log *logger.Entry) bool {
	if err := c.orders.Send(c.ctx, frame); err != nil {
		if c.ctx.Err() == nil {
			metrics.EmitDropMetric(c.log, metrics.DropMetricOrderFrame, "client", c.orders.Endpoint().String(), "orders")
			log.WithError(err).Error("failed to send on order mailbox")
			c.reporter.SetState(models.StateFailed)
		}
		return false
	}
	return true
}

// metricsReporter periodically reports client metrics.
func (c *Client) metricsReporter() {
	defer c.wg.Done()

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportClient(c.log, c.Stats())
		}
	}
}
