package events

import "time"

// Event enumerates high-level topics inside the copy-trading core.
type Event string

const (
	EventStreamingTransition Event = "streaming.transition"
	EventTradeClosed         Event = "trade.closed"
	EventAccountRebalanced   Event = "account.rebalanced"
	EventAccountPaused       Event = "account.paused"
	EventAccountResumed      Event = "account.resumed"
	EventAccountDisconnected Event = "account.disconnected"
)

// StreamingTransition is published on every streaming state change.
type StreamingTransition struct {
	From   string
	To     string
	Reason string
	At     time.Time
}

// TradeClosed is published when the terminal reports a closed trade on the
// master account.
type TradeClosed struct {
	AccountID string
	Symbol    string
	Side      string
	Volume    float64
	Profit    float64
	ClosedAt  time.Time
}

// AccountAction is published when an automation rule mutates an account.
type AccountAction struct {
	AccountID string
	UserID    string
	Reason    string
	At        time.Time
}
