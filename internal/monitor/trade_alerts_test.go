package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"copy-core/internal/decision"
	"copy-core/internal/events"
	"copy-core/pkg/db"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []struct {
		AccountID string
		Type      string
	}
}

func (s *recordingSink) SendTradeAlert(_ context.Context, a db.FollowerAccount, alert decision.TradeAlert, _ decision.ClosedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, struct {
		AccountID string
		Type      string
	}{a.ID, alert.Type})
	return nil
}

func (s *recordingSink) SendDailySummary(context.Context, db.FollowerAccount, decision.AccountStats) error {
	return nil
}

func (s *recordingSink) snapshot() []struct {
	AccountID string
	Type      string
} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]struct {
		AccountID string
		Type      string
	}(nil), s.alerts...)
}

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

func TestTradeAlertWatcher(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	subscribed := db.FollowerAccount{
		ID:                 "a-subscribed",
		UserID:             "u1",
		TradeAlertsEnabled: true,
		AlertTypes:         []string{decision.AlertHighProfit},
		Alerts:             db.AlertThresholds{MinProfit: 100},
	}
	silent := db.FollowerAccount{
		ID:     "a-silent",
		UserID: "u2",
		// Automation on, but no trade alerts.
		AutoPauseEnabled: true,
	}
	for _, a := range []db.FollowerAccount{subscribed, silent} {
		if err := store.Upsert(ctx, a); err != nil {
			t.Fatalf("upsert %s: %v", a.ID, err)
		}
	}

	bus := events.NewBus()
	sink := &recordingSink{}
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	NewTradeAlertWatcher(store, bus, sink).Start(watchCtx)

	bus.Publish(events.EventTradeClosed, events.TradeClosed{
		AccountID: "master-1",
		Symbol:    "EURUSD",
		Profit:    250,
		ClosedAt:  time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	alerts := sink.snapshot()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, expected exactly one", len(alerts))
	}
	if alerts[0].AccountID != "a-subscribed" || alerts[0].Type != decision.AlertHighProfit {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}
}
