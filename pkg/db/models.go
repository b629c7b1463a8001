package db

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a follower account.
type Status string

const (
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
	StatusInactive     Status = "inactive"
)

// SchemaVersion is stamped on every record written by this build.
const SchemaVersion = 1

// RebalancingRules bound how far and how fast the risk multiplier may move.
type RebalancingRules struct {
	MinMultiplier  float64
	MaxMultiplier  float64
	AdjustmentStep float64
}

// Present reports whether the rules are configured at all.
func (r RebalancingRules) Present() bool {
	return r.AdjustmentStep > 0 && r.MaxMultiplier > r.MinMultiplier
}

// AlertThresholds gate per-type trade alerts.
type AlertThresholds struct {
	MinProfit    float64
	MinLoss      float64
	MinTradeSize float64
}

// FollowerAccount is one linked brokerage account mirroring the master
// strategy. The automation orchestrator is the sole writer of its automation
// fields.
type FollowerAccount struct {
	ID     string
	UserID string
	Status Status

	RiskMultiplier         float64
	OriginalRiskMultiplier float64
	Rules                  RebalancingRules

	AutoRebalancingEnabled bool
	AutoPauseEnabled       bool
	MaxDrawdownPercent     float64
	AutoResumeEnabled      bool
	ResumeDrawdownPercent  float64
	AutoDisconnectEnabled  bool
	MaxConsecutiveErrors   int
	ErrorWindowMinutes     int

	ConsecutiveErrorCount int
	LastErrorAt           *time.Time
	AutoPausedAt          *time.Time
	AutoDisconnectedAt    *time.Time
	LastRebalancedAt      *time.Time

	TradeAlertsEnabled bool
	AlertTypes         []string
	Alerts             AlertThresholds

	SchemaVersion int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AutomationEnabled reports whether any automation rule applies to the account.
func (a FollowerAccount) AutomationEnabled() bool {
	return a.AutoRebalancingEnabled || a.AutoPauseEnabled || a.AutoResumeEnabled ||
		a.AutoDisconnectEnabled || a.TradeAlertsEnabled
}

// AutoPaused reports whether the account was paused by automation (as opposed
// to a manual pause, which leaves AutoPausedAt unset).
func (a FollowerAccount) AutoPaused() bool {
	return a.Status == StatusPaused && a.AutoPausedAt != nil
}

// HasAlertType reports whether the account subscribed to the given alert type.
func (a FollowerAccount) HasAlertType(alertType string) bool {
	for _, t := range a.AlertTypes {
		if strings.EqualFold(t, alertType) {
			return true
		}
	}
	return false
}

// RebalanceEntry is one append-only rebalancing history row.
type RebalanceEntry struct {
	ID            string
	AccountID     string
	OldMultiplier float64
	NewMultiplier float64
	Reason        string
	CreatedAt     time.Time
}

// StreamingTransition is one append-only streaming lifecycle log row.
type StreamingTransition struct {
	ID        int64
	FromState string
	ToState   string
	Reason    string
	CreatedAt time.Time
}

// Defaults are applied at the store boundary so optional fields are never
// defaulted ad hoc at call sites.
type Defaults struct {
	Rules                 RebalancingRules
	MaxDrawdownPercent    float64
	ResumeDrawdownPercent float64
	MaxConsecutiveErrors  int
	ErrorWindowMinutes    int
	Alerts                AlertThresholds
}

// DefaultSettings mirror the shipped automation.yaml values; they are used
// when no rules file is configured.
func DefaultSettings() Defaults {
	return Defaults{
		Rules: RebalancingRules{
			MinMultiplier:  0.2,
			MaxMultiplier:  3.0,
			AdjustmentStep: 0.1,
		},
		MaxDrawdownPercent:    15,
		ResumeDrawdownPercent: 7.5,
		MaxConsecutiveErrors:  3,
		ErrorWindowMinutes:    60,
		Alerts: AlertThresholds{
			MinProfit:    100,
			MinLoss:      100,
			MinTradeSize: 1,
		},
	}
}
