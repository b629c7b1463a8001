// Package automation runs the per-rule maintenance passes over follower
// accounts: rebalancing, pause, resume, forced disconnect, and daily
// summaries. Rules are pure (internal/decision); this package does the I/O
// around them and isolates per-account failures.
package automation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"copy-core/internal/decision"
	"copy-core/internal/events"
	"copy-core/internal/notify"
	"copy-core/pkg/db"
)

// AccountStore is the slice of the persistence layer the orchestrator needs.
type AccountStore interface {
	ListAutomationEnabled(ctx context.Context) ([]db.FollowerAccount, error)
	Update(ctx context.Context, accountID string, u db.AccountUpdate) error
	RecordTelemetryError(ctx context.Context, accountID string, at time.Time) error
	ResetTelemetryErrors(ctx context.Context, accountID string) error
	AppendHistory(ctx context.Context, e db.RebalanceEntry) error
}

// StatsSource fetches a fresh telemetry snapshot. Decisions never run on
// cached data.
type StatsSource interface {
	GetAccountStats(ctx context.Context, accountID string) (decision.AccountStats, error)
}

// Config holds orchestrator settings.
type Config struct {
	Enabled           bool
	BatchSize         int           // concurrent telemetry fetches per batch
	RunBudget         time.Duration // hard deadline for one rule run
	RebalanceCooldown time.Duration
}

// RunSummary is the outcome of one rule run. Errors carry one entry per
// failed account; a failure never aborts the rest of the run.
type RunSummary struct {
	Rule      string        `json:"rule"`
	Checked   int           `json:"checked"`
	Acted     int           `json:"acted"`
	Skipped   int           `json:"skipped"`
	Errors    []string      `json:"errors"`
	Disabled  bool          `json:"disabled"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Orchestrator coordinates rule runs. Safe for concurrent use; runs for
// different rules may overlap, the store serializes writes.
type Orchestrator struct {
	cfg   Config
	store AccountStore
	stats StatsSource
	sink  notify.Sink
	bus   *events.Bus
	now   func() time.Time
}

func New(cfg Config, store AccountStore, stats StatsSource, sink notify.Sink, bus *events.Bus) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.RunBudget <= 0 {
		cfg.RunBudget = 4 * time.Minute
	}
	return &Orchestrator{
		cfg:   cfg,
		store: store,
		stats: stats,
		sink:  sink,
		bus:   bus,
		now:   time.Now,
	}
}

// outcome is one account's result within a run.
type outcome struct {
	acted   bool
	skipped bool
	err     error
}

func acted() outcome           { return outcome{acted: true} }
func skipped() outcome         { return outcome{skipped: true} }
func failed(err error) outcome { return outcome{err: err} }

// run is the shared skeleton: flag check, enumeration, batched evaluation,
// summary assembly. eval handles exactly one account.
func (o *Orchestrator) run(ctx context.Context, rule string, eval func(ctx context.Context, a db.FollowerAccount) outcome) (summary RunSummary) {
	summary = RunSummary{Rule: rule, StartedAt: o.now(), Errors: []string{}}
	defer func() { summary.Duration = time.Since(summary.StartedAt) }()

	if !o.cfg.Enabled {
		summary.Disabled = true
		log.Printf("automation: %s run skipped, feature flag disabled", rule)
		return summary
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunBudget)
	defer cancel()

	accounts, err := o.store.ListAutomationEnabled(runCtx)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("list accounts: %v", err))
		return summary
	}

	var mu sync.Mutex
	for start := 0; start < len(accounts); start += o.cfg.BatchSize {
		if runCtx.Err() != nil {
			mu.Lock()
			summary.Errors = append(summary.Errors, fmt.Sprintf("run budget exhausted after %d of %d accounts", summary.Checked, len(accounts)))
			mu.Unlock()
			break
		}

		end := start + o.cfg.BatchSize
		if end > len(accounts) {
			end = len(accounts)
		}

		var wg sync.WaitGroup
		for _, account := range accounts[start:end] {
			wg.Add(1)
			go func(a db.FollowerAccount) {
				defer wg.Done()
				res := eval(runCtx, a)

				mu.Lock()
				defer mu.Unlock()
				summary.Checked++
				switch {
				case res.err != nil:
					summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", a.ID, res.err))
				case res.acted:
					summary.Acted++
				case res.skipped:
					summary.Skipped++
				}
			}(account)
		}
		// The whole batch completes before the next one starts.
		wg.Wait()
	}

	log.Printf("automation: %s run done: checked=%d acted=%d skipped=%d errors=%d",
		rule, summary.Checked, summary.Acted, summary.Skipped, len(summary.Errors))
	return summary
}

// fetchStats wraps the telemetry fetch with the error-counter bookkeeping:
// failures increment the account's consecutive error count, successes reset
// it.
func (o *Orchestrator) fetchStats(ctx context.Context, a db.FollowerAccount) (decision.AccountStats, error) {
	stats, err := o.stats.GetAccountStats(ctx, a.ID)
	if err != nil {
		if rerr := o.store.RecordTelemetryError(ctx, a.ID, o.now()); rerr != nil {
			log.Printf("automation: record telemetry error account=%s: %v", a.ID, rerr)
		}
		return decision.AccountStats{}, err
	}
	if a.ConsecutiveErrorCount > 0 {
		if rerr := o.store.ResetTelemetryErrors(ctx, a.ID); rerr != nil {
			log.Printf("automation: reset telemetry errors account=%s: %v", a.ID, rerr)
		}
	}
	return stats, nil
}

// RunRebalance evaluates the multiplier rules for every eligible account and
// applies at most one adjustment step per account.
func (o *Orchestrator) RunRebalance(ctx context.Context) RunSummary {
	return o.run(ctx, "rebalance", func(ctx context.Context, a db.FollowerAccount) outcome {
		if !a.AutoRebalancingEnabled || !a.Rules.Present() {
			return skipped()
		}
		if a.AutoDisconnectedAt != nil || a.Status == db.StatusDisconnected {
			return skipped()
		}

		stats, err := o.fetchStats(ctx, a)
		if err != nil {
			return failed(fmt.Errorf("fetch stats: %w", err))
		}

		now := o.now()
		res := decision.ShouldRebalance(a, stats, now, o.cfg.RebalanceCooldown)
		if !res.Act {
			return skipped()
		}

		optimal := decision.OptimalMultiplier(stats, a.RiskMultiplier, a.OriginalRiskMultiplier, a.Rules)
		if err := o.store.Update(ctx, a.ID, db.AccountUpdate{
			RiskMultiplier:   &optimal,
			LastRebalancedAt: &now,
		}); err != nil {
			return failed(fmt.Errorf("apply multiplier: %w", err))
		}
		if err := o.store.AppendHistory(ctx, db.RebalanceEntry{
			ID:            uuid.NewString(),
			AccountID:     a.ID,
			OldMultiplier: a.RiskMultiplier,
			NewMultiplier: optimal,
			Reason:        res.Reason,
			CreatedAt:     now,
		}); err != nil {
			// The multiplier change already landed; history is best effort.
			log.Printf("automation: append history account=%s: %v", a.ID, err)
		}
		o.publish(events.EventAccountRebalanced, a, res.Reason, now)
		log.Printf("automation: rebalanced account=%s: %s", a.ID, res.Reason)
		return acted()
	})
}

// RunPauseChecks pauses active accounts whose drawdown breached their limit.
func (o *Orchestrator) RunPauseChecks(ctx context.Context) RunSummary {
	return o.run(ctx, "pause", func(ctx context.Context, a db.FollowerAccount) outcome {
		if !a.AutoPauseEnabled || a.Status != db.StatusActive || a.AutoDisconnectedAt != nil {
			return skipped()
		}

		stats, err := o.fetchStats(ctx, a)
		if err != nil {
			return failed(fmt.Errorf("fetch stats: %w", err))
		}

		res := decision.ShouldPauseCopying(a, stats)
		if !res.Act {
			return skipped()
		}

		now := o.now()
		paused := db.StatusPaused
		if err := o.store.Update(ctx, a.ID, db.AccountUpdate{
			Status:       &paused,
			AutoPausedAt: &now,
		}); err != nil {
			return failed(fmt.Errorf("pause account: %w", err))
		}
		o.publish(events.EventAccountPaused, a, res.Reason, now)
		log.Printf("automation: paused account=%s: %s", a.ID, res.Reason)
		return acted()
	})
}

// RunResumeChecks resumes auto-paused accounts whose drawdown recovered.
// Manually paused accounts (no AutoPausedAt marker) are never touched.
func (o *Orchestrator) RunResumeChecks(ctx context.Context) RunSummary {
	return o.run(ctx, "resume", func(ctx context.Context, a db.FollowerAccount) outcome {
		if !a.AutoResumeEnabled || !a.AutoPaused() || a.AutoDisconnectedAt != nil {
			return skipped()
		}

		stats, err := o.fetchStats(ctx, a)
		if err != nil {
			return failed(fmt.Errorf("fetch stats: %w", err))
		}

		res := decision.ShouldResumeCopying(a, stats)
		if !res.Act {
			return skipped()
		}

		now := o.now()
		active := db.StatusActive
		if err := o.store.Update(ctx, a.ID, db.AccountUpdate{
			Status:            &active,
			ClearAutoPausedAt: true,
		}); err != nil {
			return failed(fmt.Errorf("resume account: %w", err))
		}
		o.publish(events.EventAccountResumed, a, res.Reason, now)
		log.Printf("automation: resumed account=%s: %s", a.ID, res.Reason)
		return acted()
	})
}

// RunDisconnectChecks probes telemetry for each eligible account and forces a
// disconnect once the consecutive error streak exceeds the account's limit
// within its error window.
func (o *Orchestrator) RunDisconnectChecks(ctx context.Context) RunSummary {
	return o.run(ctx, "disconnect", func(ctx context.Context, a db.FollowerAccount) outcome {
		if !a.AutoDisconnectEnabled || a.Status == db.StatusDisconnected || a.AutoDisconnectedAt != nil {
			return skipped()
		}

		_, err := o.fetchStats(ctx, a)
		if err == nil {
			return skipped()
		}

		// Evaluate against the streak including this probe's failure.
		now := o.now()
		a.ConsecutiveErrorCount++
		a.LastErrorAt = &now
		if !decision.ShouldDisconnect(a, now) {
			return failed(fmt.Errorf("fetch stats: %w", err))
		}

		reason := fmt.Sprintf("%d consecutive telemetry errors within %d minutes", a.ConsecutiveErrorCount, a.ErrorWindowMinutes)
		disconnected := db.StatusDisconnected
		if uerr := o.store.Update(ctx, a.ID, db.AccountUpdate{
			Status:             &disconnected,
			AutoDisconnectedAt: &now,
		}); uerr != nil {
			return failed(fmt.Errorf("disconnect account: %w", uerr))
		}
		o.publish(events.EventAccountDisconnected, a, reason, now)
		log.Printf("automation: disconnected account=%s: %s", a.ID, reason)
		return acted()
	})
}

// RunDailySummaries sends each alert-subscribed account a snapshot of its
// current standing. Delivery failures are per-account errors, never fatal.
func (o *Orchestrator) RunDailySummaries(ctx context.Context) RunSummary {
	return o.run(ctx, "daily-summary", func(ctx context.Context, a db.FollowerAccount) outcome {
		if !a.TradeAlertsEnabled || a.AutoDisconnectedAt != nil {
			return skipped()
		}

		stats, err := o.fetchStats(ctx, a)
		if err != nil {
			return failed(fmt.Errorf("fetch stats: %w", err))
		}
		if err := o.sink.SendDailySummary(ctx, a, stats); err != nil {
			return failed(fmt.Errorf("send summary: %w", err))
		}
		return acted()
	})
}

// RunAll executes every rule once, in severity order: disconnect first so
// broken accounts drop out, then pause, resume, rebalance, and summaries.
func (o *Orchestrator) RunAll(ctx context.Context) []RunSummary {
	return []RunSummary{
		o.RunDisconnectChecks(ctx),
		o.RunPauseChecks(ctx),
		o.RunResumeChecks(ctx),
		o.RunRebalance(ctx),
		o.RunDailySummaries(ctx),
	}
}

func (o *Orchestrator) publish(e events.Event, a db.FollowerAccount, reason string, at time.Time) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(e, events.AccountAction{
		AccountID: a.ID,
		UserID:    a.UserID,
		Reason:    reason,
		At:        at,
	})
}
