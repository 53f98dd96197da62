package dashboard

import "time"

// Status is the live run snapshot served at /status. The simulator owns
// the numbers; the monitor only shapes them for readers.
type Status struct {
	RunID      string            `json:"run_id"`
	State      string            `json:"state"`
	StartedAt  time.Time         `json:"started_at"`
	Components []ComponentStatus `json:"components"`
	Counters   CounterStatus     `json:"counters"`
	Mailboxes  []MailboxStatus   `json:"mailboxes"`
}

// ComponentStatus is one supervised component's registration as the
// controller last saw it.
type ComponentStatus struct {
	Identity string    `json:"identity"`
	State    string    `json:"state"`
	Seq      int64     `json:"seq"`
	LastSeen time.Time `json:"last_seen"`
}

// CounterStatus aggregates the pipeline frame accounting.
type CounterStatus struct {
	EventsEmitted   int64 `json:"events_emitted"`
	OrdersReplayed  int64 `json:"orders_replayed"`
	EventsMerged    int64 `json:"events_merged"`
	EventsProcessed int64 `json:"events_processed"`
	OrdersPlaced    int64 `json:"orders_placed"`
	OrdersSent      int64 `json:"orders_sent"`
	Transactions    int64 `json:"transactions"`
	FeedPending     int64 `json:"feed_pending"`
	MergePending    int64 `json:"merge_pending"`
}

// MailboxStatus is one mailbox's depth and traffic counters.
type MailboxStatus struct {
	Endpoint string `json:"endpoint"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
	Sent     int64  `json:"sent"`
	Received int64  `json:"received"`
	Dropped  int64  `json:"dropped"`
}

// StatusFunc supplies the current run snapshot. Nil means no run is
// attached to the monitor.
type StatusFunc func() Status
