package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"copy-core/internal/decision"
	"copy-core/internal/events"
	"copy-core/pkg/db"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return db.NewStore(database, db.DefaultSettings())
}

// fakeStats serves canned snapshots per account and fails accounts listed in
// down.
type fakeStats struct {
	mu          sync.Mutex
	stats       map[string]decision.AccountStats
	down        map[string]error
	fetches     atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
}

func (f *fakeStats) GetAccountStats(ctx context.Context, accountID string) (decision.AccountStats, error) {
	f.fetches.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return decision.AccountStats{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.down[accountID]; ok {
		return decision.AccountStats{}, err
	}
	s, ok := f.stats[accountID]
	if !ok {
		return decision.AccountStats{}, fmt.Errorf("no snapshot for %s", accountID)
	}
	s.FetchedAt = time.Now()
	return s, nil
}

type nopSink struct {
	summaries atomic.Int32
	fail      bool
}

func (s *nopSink) SendTradeAlert(context.Context, db.FollowerAccount, decision.TradeAlert, decision.ClosedTrade) error {
	return nil
}

func (s *nopSink) SendDailySummary(context.Context, db.FollowerAccount, decision.AccountStats) error {
	if s.fail {
		return errors.New("delivery refused")
	}
	s.summaries.Add(1)
	return nil
}

func testOrchestrator(store *db.Store, stats StatsSource) *Orchestrator {
	return New(Config{
		Enabled:           true,
		BatchSize:         5,
		RunBudget:         time.Minute,
		RebalanceCooldown: 30 * time.Minute,
	}, store, stats, &nopSink{}, events.NewBus())
}

func seedAccount(t *testing.T, store *db.Store, a db.FollowerAccount) db.FollowerAccount {
	t.Helper()
	if err := store.Upsert(context.Background(), a); err != nil {
		t.Fatalf("upsert %s: %v", a.ID, err)
	}
	got, err := store.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get %s: %v", a.ID, err)
	}
	return *got
}

func TestRunRebalanceAdjustsMultiplier(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedAccount(t, store, db.FollowerAccount{
		ID:                     "a1",
		UserID:                 "u1",
		RiskMultiplier:         1.0,
		OriginalRiskMultiplier: 1.0,
		AutoRebalancingEnabled: true,
	})

	// 12% drawdown: the rules prescribe 0.75x, step limited to 0.9.
	stats := &fakeStats{stats: map[string]decision.AccountStats{
		"a1": {Balance: 10000, Equity: 8800},
	}}

	summary := testOrchestrator(store, stats).RunRebalance(ctx)
	if summary.Checked != 1 || summary.Acted != 1 || len(summary.Errors) != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	got, err := store.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RiskMultiplier != 0.9 {
		t.Fatalf("RiskMultiplier = %.2f, expected 0.9", got.RiskMultiplier)
	}
	if got.LastRebalancedAt == nil {
		t.Fatal("LastRebalancedAt should be stamped")
	}

	history, err := store.ListHistory(ctx, "a1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].NewMultiplier != 0.9 {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestRunRebalanceIsIdempotentUnderCooldown(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedAccount(t, store, db.FollowerAccount{
		ID:                     "a1",
		RiskMultiplier:         1.0,
		OriginalRiskMultiplier: 1.0,
		AutoRebalancingEnabled: true,
	})
	stats := &fakeStats{stats: map[string]decision.AccountStats{
		"a1": {Balance: 10000, Equity: 7500},
	}}
	o := testOrchestrator(store, stats)

	first := o.RunRebalance(ctx)
	if first.Acted != 1 {
		t.Fatalf("first run: %+v", first)
	}
	second := o.RunRebalance(ctx)
	if second.Acted != 0 || second.Skipped != 1 {
		t.Fatalf("second run should be suppressed by the cooldown: %+v", second)
	}

	got, _ := store.Get(ctx, "a1")
	if got.RiskMultiplier != 0.9 {
		t.Fatalf("multiplier drifted across runs: %.2f", got.RiskMultiplier)
	}
}

func TestRunDisabledByFeatureFlag(t *testing.T) {
	store := newTestStore(t)
	seedAccount(t, store, db.FollowerAccount{ID: "a1", AutoPauseEnabled: true})

	stats := &fakeStats{stats: map[string]decision.AccountStats{}}
	o := New(Config{Enabled: false}, store, stats, &nopSink{}, nil)

	summary := o.RunPauseChecks(context.Background())
	if !summary.Disabled {
		t.Fatal("expected a disabled summary")
	}
	if summary.Checked != 0 || stats.fetches.Load() != 0 {
		t.Fatal("disabled run must not touch accounts or telemetry")
	}
}

func TestRunPauseAndResumeLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedAccount(t, store, db.FollowerAccount{
		ID:                "a1",
		AutoPauseEnabled:  true,
		AutoResumeEnabled: true,
	})

	stats := &fakeStats{stats: map[string]decision.AccountStats{
		"a1": {Balance: 10000, Equity: 8000}, // 20% drawdown, over the 15% default
	}}
	o := testOrchestrator(store, stats)

	pause := o.RunPauseChecks(ctx)
	if pause.Acted != 1 {
		t.Fatalf("pause run: %+v", pause)
	}
	got, _ := store.Get(ctx, "a1")
	if got.Status != db.StatusPaused || got.AutoPausedAt == nil {
		t.Fatalf("expected auto-paused account, got %+v", got)
	}

	// Still above the resume threshold: stays paused.
	stats.mu.Lock()
	stats.stats["a1"] = decision.AccountStats{Balance: 10000, Equity: 9000}
	stats.mu.Unlock()
	if r := o.RunResumeChecks(ctx); r.Acted != 0 {
		t.Fatalf("resume should not trigger at 10%% drawdown: %+v", r)
	}

	// Recovered below 7.5%: resumes and clears the marker.
	stats.mu.Lock()
	stats.stats["a1"] = decision.AccountStats{Balance: 10000, Equity: 9500}
	stats.mu.Unlock()
	if r := o.RunResumeChecks(ctx); r.Acted != 1 {
		t.Fatalf("resume run: %+v", r)
	}
	got, _ = store.Get(ctx, "a1")
	if got.Status != db.StatusActive || got.AutoPausedAt != nil {
		t.Fatalf("expected resumed account, got %+v", got)
	}
}

func TestResumeNeverTouchesManualPause(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, store, db.FollowerAccount{
		ID:                "a1",
		AutoResumeEnabled: true,
	})
	// Manual pause: status changes without the AutoPausedAt marker.
	paused := db.StatusPaused
	if err := store.Update(ctx, a.ID, db.AccountUpdate{Status: &paused}); err != nil {
		t.Fatalf("update: %v", err)
	}

	stats := &fakeStats{stats: map[string]decision.AccountStats{
		"a1": {Balance: 10000, Equity: 10000},
	}}
	summary := testOrchestrator(store, stats).RunResumeChecks(ctx)
	if summary.Acted != 0 {
		t.Fatalf("manual pause must never auto-resume: %+v", summary)
	}

	got, _ := store.Get(ctx, "a1")
	if got.Status != db.StatusPaused {
		t.Fatalf("status = %q, expected paused", got.Status)
	}
}

func TestRunDisconnectAfterErrorStreak(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedAccount(t, store, db.FollowerAccount{
		ID:                    "a1",
		AutoDisconnectEnabled: true,
	})

	stats := &fakeStats{
		stats: map[string]decision.AccountStats{},
		down:  map[string]error{"a1": errors.New("telemetry unavailable")},
	}
	o := testOrchestrator(store, stats)

	// Defaults allow 3 consecutive errors; the first two probes only count.
	for i := 0; i < 2; i++ {
		summary := o.RunDisconnectChecks(ctx)
		if summary.Acted != 0 || len(summary.Errors) != 1 {
			t.Fatalf("probe %d: %+v", i+1, summary)
		}
	}
	got, _ := store.Get(ctx, "a1")
	if got.ConsecutiveErrorCount != 2 {
		t.Fatalf("error count = %d, expected 2", got.ConsecutiveErrorCount)
	}

	summary := o.RunDisconnectChecks(ctx)
	if summary.Acted != 1 {
		t.Fatalf("third probe should disconnect: %+v", summary)
	}
	got, _ = store.Get(ctx, "a1")
	if got.Status != db.StatusDisconnected || got.AutoDisconnectedAt == nil {
		t.Fatalf("expected disconnected account, got %+v", got)
	}

	// Terminal: further runs skip the account entirely.
	if s := o.RunDisconnectChecks(ctx); s.Acted != 0 || s.Skipped != 1 {
		t.Fatalf("disconnected account must be skipped: %+v", s)
	}
}

func TestErrorCounterResetsOnSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedAccount(t, store, db.FollowerAccount{
		ID:                    "a1",
		AutoDisconnectEnabled: true,
		AutoPauseEnabled:      true,
	})

	stats := &fakeStats{
		stats: map[string]decision.AccountStats{},
		down:  map[string]error{"a1": errors.New("telemetry unavailable")},
	}
	o := testOrchestrator(store, stats)

	o.RunDisconnectChecks(ctx)
	o.RunDisconnectChecks(ctx)
	got, _ := store.Get(ctx, "a1")
	if got.ConsecutiveErrorCount != 2 {
		t.Fatalf("error count = %d, expected 2", got.ConsecutiveErrorCount)
	}

	// Telemetry recovers: the next successful fetch clears the streak.
	stats.mu.Lock()
	delete(stats.down, "a1")
	stats.stats["a1"] = decision.AccountStats{Balance: 10000, Equity: 10000}
	stats.mu.Unlock()

	o.RunPauseChecks(ctx)
	got, _ = store.Get(ctx, "a1")
	if got.ConsecutiveErrorCount != 0 {
		t.Fatalf("error count = %d, expected reset to 0", got.ConsecutiveErrorCount)
	}
}

func TestRunIsolatesPerAccountFailures(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seedAccount(t, store, db.FollowerAccount{
			ID:                     fmt.Sprintf("a%d", i),
			RiskMultiplier:         1.0,
			OriginalRiskMultiplier: 1.0,
			AutoRebalancingEnabled: true,
		})
	}

	stats := &fakeStats{
		stats: map[string]decision.AccountStats{
			"a1": {Balance: 10000, Equity: 8800},
			"a3": {Balance: 10000, Equity: 8800},
		},
		down: map[string]error{"a2": errors.New("telemetry unavailable")},
	}

	summary := testOrchestrator(store, stats).RunRebalance(ctx)
	if summary.Checked != 3 || summary.Acted != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(summary.Errors) != 1 {
		t.Fatalf("errors = %v, expected one entry for a2", summary.Errors)
	}
}

func TestRunBatchesConcurrentFetches(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stats := &fakeStats{stats: map[string]decision.AccountStats{}, delay: 20 * time.Millisecond}
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("a%02d", i)
		seedAccount(t, store, db.FollowerAccount{ID: id, AutoPauseEnabled: true})
		stats.mu.Lock()
		stats.stats[id] = decision.AccountStats{Balance: 10000, Equity: 10000}
		stats.mu.Unlock()
	}

	summary := testOrchestrator(store, stats).RunPauseChecks(ctx)
	if summary.Checked != 12 {
		t.Fatalf("checked = %d, expected 12", summary.Checked)
	}
	if max := stats.maxInFlight.Load(); max > 5 {
		t.Fatalf("max concurrent fetches = %d, batch size is 5", max)
	}
}

func TestRunBudgetReturnsPartialResults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stats := &fakeStats{stats: map[string]decision.AccountStats{}, delay: 50 * time.Millisecond}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("a%02d", i)
		seedAccount(t, store, db.FollowerAccount{ID: id, AutoPauseEnabled: true})
		stats.mu.Lock()
		stats.stats[id] = decision.AccountStats{Balance: 10000, Equity: 10000}
		stats.mu.Unlock()
	}

	o := New(Config{
		Enabled:   true,
		BatchSize: 5,
		RunBudget: 30 * time.Millisecond, // expires inside the first batch
	}, store, stats, &nopSink{}, nil)

	summary := o.RunPauseChecks(ctx)
	if summary.Checked != 5 {
		t.Fatalf("expected one evaluated batch, checked=%d", summary.Checked)
	}
	found := false
	for _, e := range summary.Errors {
		if strings.Contains(e, "run budget exhausted") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the summary to report the exhausted budget, errors=%v", summary.Errors)
	}
}

func TestRunDailySummaries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedAccount(t, store, db.FollowerAccount{
		ID:                 "a1",
		TradeAlertsEnabled: true,
	})
	seedAccount(t, store, db.FollowerAccount{
		ID:               "a2",
		AutoPauseEnabled: true, // no alerts: not summarized
	})

	stats := &fakeStats{stats: map[string]decision.AccountStats{
		"a1": {Balance: 10000, Equity: 10100},
		"a2": {Balance: 5000, Equity: 5000},
	}}
	sink := &nopSink{}
	o := New(Config{Enabled: true, BatchSize: 5, RunBudget: time.Minute}, store, stats, sink, nil)

	summary := o.RunDailySummaries(ctx)
	if summary.Acted != 1 || summary.Skipped != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if sink.summaries.Load() != 1 {
		t.Fatalf("deliveries = %d, expected 1", sink.summaries.Load())
	}
}
