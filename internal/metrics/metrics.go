// Registers:
//
//	#simflow_events_emitted_total
//	#simflow_events_merged_total
//	#simflow_orders_placed_total
//	#simflow_transactions_filled_total
//	#simflow_frames_dropped_total
//	#simflow_violations_total
//	#simflow_mailbox_depth / #simflow_pending_messages gauges
//	#go_* and process_* system metrics
//
// The registry is exposed through Handler so the monitor server can mount
// /metrics next to its status endpoints.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once               sync.Once
	eventsEmitted      *prometheus.CounterVec
	eventsMerged       prometheus.Counter
	ordersPlaced       prometheus.Counter
	transactionsFilled prometheus.Counter
	framesDropped      *prometheus.CounterVec
	violations         *prometheus.CounterVec
	mailboxDepth       *prometheus.GaugeVec
	pendingMessages    *prometheus.GaugeVec
)

func Init() {
	once.Do(func() {
		eventsEmitted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simflow_events_emitted_total",
				Help: "Number of data events emitted into the feed per source",
			},
			[]string{"source"},
		)

		eventsMerged = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "simflow_events_merged_total",
				Help: "Number of merged events delivered to the client",
			},
		)

		ordersPlaced = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "simflow_orders_placed_total",
				Help: "Number of orders placed by the trading client",
			},
		)

		transactionsFilled = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "simflow_transactions_filled_total",
				Help: "Number of simulated transactions produced by the fill transform",
			},
		)

		framesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simflow_frames_dropped_total",
				Help: "Number of frames discarded before processing",
			},
			[]string{"component"},
		)

		violations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simflow_violations_total",
				Help: "Number of protocol, ordering and liveness violations",
			},
			[]string{"kind"},
		)

		mailboxDepth = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "simflow_mailbox_depth",
				Help: "Current occupancy of transport mailboxes",
			},
			[]string{"endpoint"},
		)

		pendingMessages = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "simflow_pending_messages",
				Help: "Messages accepted but not yet fully processed per stage",
			},
			[]string{"stage"},
		)

		_ = prometheus.Register(eventsEmitted)
		_ = prometheus.Register(eventsMerged)
		_ = prometheus.Register(ordersPlaced)
		_ = prometheus.Register(transactionsFilled)
		_ = prometheus.Register(framesDropped)
		_ = prometheus.Register(violations)
		_ = prometheus.Register(mailboxDepth)
		_ = prometheus.Register(pendingMessages)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler returns the HTTP handler serving the Prometheus registry. Init is
// called implicitly so a bare monitor setup cannot observe an empty registry.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// IncEventEmitted increases the emitted event counter for a given source.
func IncEventEmitted(source string) {
	if eventsEmitted != nil {
		eventsEmitted.WithLabelValues(source).Inc()
	}
}

// IncEventMerged increases the merged event counter.
func IncEventMerged() {
	if eventsMerged != nil {
		eventsMerged.Inc()
	}
}

// IncOrderPlaced increases the placed order counter.
func IncOrderPlaced() {
	if ordersPlaced != nil {
		ordersPlaced.Inc()
	}
}

// IncTransactionFilled increases the filled transaction counter.
func IncTransactionFilled() {
	if transactionsFilled != nil {
		transactionsFilled.Inc()
	}
}

// IncFrameDropped increases the dropped frame counter for a component.
func IncFrameDropped(component string) {
	if framesDropped != nil {
		framesDropped.WithLabelValues(component).Inc()
	}
}

// IncViolation increases the violation counter for a taxonomy kind.
func IncViolation(kind string) {
	if violations != nil {
		violations.WithLabelValues(kind).Inc()
	}
}

// SetMailboxDepth records the current occupancy of a mailbox.
func SetMailboxDepth(endpoint string, depth int) {
	if mailboxDepth != nil {
		mailboxDepth.WithLabelValues(endpoint).Set(float64(depth))
	}
}

// SetPending records the pending message gauge for a pipeline stage.
func SetPending(stage string, pending int64) {
	if pendingMessages != nil {
		pendingMessages.WithLabelValues(stage).Set(float64(pending))
	}
}
