// Package decision holds the pure rule evaluation for follower accounts.
// Nothing here performs I/O; every function is deterministic over its inputs
// so the orchestrator can safely re-evaluate under at-least-once scheduling.
package decision

import (
	"fmt"
	"math"
	"time"

	"copy-core/pkg/db"
)

// AccountStats is a point-in-time telemetry snapshot. It is produced fresh
// for every evaluation and never persisted by this core.
type AccountStats struct {
	Balance        float64
	Equity         float64
	ProfitLoss     float64 // equity - balance
	MarginLevel    float64
	OpenPositions  int
	AccountAgeDays int
	FetchedAt      time.Time
}

// Result is the outcome of a single rule evaluation.
type Result struct {
	Act    bool
	Reason string
}

// Drawdown thresholds that drive multiplier reductions, and profit thresholds
// that allow stepping back up. Percent of balance.
const (
	severeDrawdownPct  = 20.0
	lossDrawdownPct    = 10.0
	strongProfitPct    = 20.0
	profitPct          = 10.0
	marginWarningLevel = 150.0

	eps = 1e-9
)

// Drawdown returns the percentage shortfall of equity below balance.
// Zero or missing balance yields 0 rather than a division by zero.
func Drawdown(s AccountStats) float64 {
	if s.Balance <= 0 {
		return 0
	}
	dd := (s.Balance - s.Equity) / s.Balance * 100
	if dd < 0 {
		return 0
	}
	return dd
}

// ProfitPercent returns equity gain over balance as a percentage (0 when the
// account is flat or under water).
func ProfitPercent(s AccountStats) float64 {
	if s.Balance <= 0 {
		return 0
	}
	pp := (s.Equity - s.Balance) / s.Balance * 100
	if pp < 0 {
		return 0
	}
	return pp
}

// marginAtRisk distinguishes "no exposure" from "high risk": a margin level
// of 0 with no open positions is simply an idle account.
func marginAtRisk(s AccountStats) bool {
	return s.OpenPositions > 0 && s.MarginLevel > 0 && s.MarginLevel < marginWarningLevel
}

// targetMultiplier maps current account health onto the multiplier the rules
// would prescribe, before step limiting. Loss conditions dominate profit
// conditions.
func targetMultiplier(s AccountStats, original float64, rules db.RebalancingRules) float64 {
	dd := Drawdown(s)
	pp := ProfitPercent(s)

	target := original
	switch {
	case dd >= severeDrawdownPct:
		target = original * 0.5
	case marginAtRisk(s):
		target = original * 0.5
	case dd >= lossDrawdownPct:
		target = original * 0.75
	case pp >= strongProfitPct:
		target = original * 1.25
	case pp >= profitPct:
		target = original * 1.1
	}
	return clamp(target, rules)
}

// OptimalMultiplier returns the multiplier the account should run at after
// this evaluation. The result is clamped to [MinMultiplier, MaxMultiplier]
// and never moves more than one AdjustmentStep away from current, so a single
// extreme snapshot cannot overshoot.
func OptimalMultiplier(s AccountStats, current, original float64, rules db.RebalancingRules) float64 {
	target := targetMultiplier(s, original, rules)
	if rules.AdjustmentStep <= 0 {
		return target
	}

	diff := target - current
	switch {
	case diff > rules.AdjustmentStep:
		target = current + rules.AdjustmentStep
	case diff < -rules.AdjustmentStep:
		target = current - rules.AdjustmentStep
	}
	return clamp(target, rules)
}

func clamp(v float64, rules db.RebalancingRules) float64 {
	if !rules.Present() {
		return v
	}
	if v < rules.MinMultiplier {
		return rules.MinMultiplier
	}
	if v > rules.MaxMultiplier {
		return rules.MaxMultiplier
	}
	return v
}

// ShouldRebalance decides whether the account's multiplier should move this
// cycle. When several conditions qualify, the most severe reason wins:
// loss-driven, then profit-driven, then scheduled drift. The cooldown keeps
// back-to-back invocations from stepping repeatedly on unchanged telemetry.
func ShouldRebalance(a db.FollowerAccount, s AccountStats, now time.Time, cooldown time.Duration) Result {
	if !a.AutoRebalancingEnabled || !a.Rules.Present() {
		return Result{}
	}
	if a.Status == db.StatusDisconnected || a.AutoDisconnectedAt != nil {
		return Result{}
	}
	if a.LastRebalancedAt != nil && cooldown > 0 && now.Sub(*a.LastRebalancedAt) < cooldown {
		return Result{Reason: "recently rebalanced"}
	}

	optimal := OptimalMultiplier(s, a.RiskMultiplier, a.OriginalRiskMultiplier, a.Rules)
	if math.Abs(optimal-a.RiskMultiplier) < eps {
		return Result{}
	}

	dd := Drawdown(s)
	pp := ProfitPercent(s)
	full := targetMultiplier(s, a.OriginalRiskMultiplier, a.Rules)

	switch {
	case dd >= lossDrawdownPct:
		return Result{Act: true, Reason: fmt.Sprintf("drawdown %.1f%%: reducing multiplier %.2f -> %.2f", dd, a.RiskMultiplier, optimal)}
	case marginAtRisk(s):
		return Result{Act: true, Reason: fmt.Sprintf("margin level %.0f with %d open positions: reducing multiplier %.2f -> %.2f", s.MarginLevel, s.OpenPositions, a.RiskMultiplier, optimal)}
	case pp >= profitPct:
		return Result{Act: true, Reason: fmt.Sprintf("profit %.1f%%: raising multiplier %.2f -> %.2f", pp, a.RiskMultiplier, optimal)}
	case math.Abs(full-a.RiskMultiplier) > a.Rules.AdjustmentStep+eps:
		return Result{Act: true, Reason: fmt.Sprintf("multiplier drift: %.2f -> %.2f (prescribed %.2f)", a.RiskMultiplier, optimal, full)}
	default:
		return Result{}
	}
}

// ShouldPauseCopying pauses an active account whose drawdown exceeds its
// configured maximum.
func ShouldPauseCopying(a db.FollowerAccount, s AccountStats) Result {
	if !a.AutoPauseEnabled || a.Status != db.StatusActive || a.AutoDisconnectedAt != nil {
		return Result{}
	}
	if a.MaxDrawdownPercent <= 0 {
		return Result{}
	}

	dd := Drawdown(s)
	if dd > a.MaxDrawdownPercent {
		return Result{Act: true, Reason: fmt.Sprintf("drawdown %.1f%% exceeds maximum %.1f%%", dd, a.MaxDrawdownPercent)}
	}
	return Result{}
}

// ShouldResumeCopying resumes an auto-paused account once drawdown recovers
// below the resume threshold. The resume threshold must sit strictly below
// the pause threshold; an invalid configuration never resumes (the store
// rejects such records, this is the defensive half).
func ShouldResumeCopying(a db.FollowerAccount, s AccountStats) Result {
	if !a.AutoResumeEnabled || !a.AutoPaused() || a.AutoDisconnectedAt != nil {
		return Result{}
	}
	if a.ResumeDrawdownPercent <= 0 || a.ResumeDrawdownPercent >= a.MaxDrawdownPercent {
		return Result{}
	}

	dd := Drawdown(s)
	if dd < a.ResumeDrawdownPercent {
		return Result{Act: true, Reason: fmt.Sprintf("drawdown recovered to %.1f%%, below resume threshold %.1f%%", dd, a.ResumeDrawdownPercent)}
	}
	return Result{}
}

// ShouldDisconnect reports whether the account has accumulated enough
// consecutive telemetry errors inside its error window to be forcibly
// disconnected. Once AutoDisconnectedAt is set the state is terminal until a
// human clears it.
func ShouldDisconnect(a db.FollowerAccount, now time.Time) bool {
	if !a.AutoDisconnectEnabled || a.Status == db.StatusDisconnected || a.AutoDisconnectedAt != nil {
		return false
	}
	if a.MaxConsecutiveErrors <= 0 || a.ConsecutiveErrorCount < a.MaxConsecutiveErrors {
		return false
	}
	if a.ErrorWindowMinutes > 0 {
		if a.LastErrorAt == nil {
			return false
		}
		window := time.Duration(a.ErrorWindowMinutes) * time.Minute
		if now.Sub(*a.LastErrorAt) > window {
			// Stale errors; the streak no longer counts.
			return false
		}
	}
	return true
}
