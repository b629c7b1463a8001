// Package monitor reacts to live terminal events. It bridges the streaming
// feed to the notification sink without blocking either side.
package monitor

import (
	"context"
	"log"
	"time"

	"copy-core/internal/decision"
	"copy-core/internal/events"
	"copy-core/internal/notify"
	"copy-core/pkg/db"
)

// TradeAlertWatcher listens for closed trades on the master terminal and
// fans out at most one alert per trade to every subscribed follower account.
type TradeAlertWatcher struct {
	store *db.Store
	bus   *events.Bus
	sink  notify.Sink
}

func NewTradeAlertWatcher(store *db.Store, bus *events.Bus, sink notify.Sink) *TradeAlertWatcher {
	return &TradeAlertWatcher{store: store, bus: bus, sink: sink}
}

// Start subscribes to trade.closed events and processes them until the
// context ends.
func (w *TradeAlertWatcher) Start(ctx context.Context) {
	ch, unsub := w.bus.Subscribe(events.EventTradeClosed, 64)

	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				trade, ok := payload.(events.TradeClosed)
				if !ok {
					continue
				}
				w.handleTrade(ctx, trade)
			}
		}
	}()
	log.Println("monitor: trade alert watcher started")
}

func (w *TradeAlertWatcher) handleTrade(ctx context.Context, t events.TradeClosed) {
	opCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	accounts, err := w.store.ListAutomationEnabled(opCtx)
	if err != nil {
		log.Printf("monitor: list accounts: %v", err)
		return
	}

	trade := decision.ClosedTrade{
		Symbol:   t.Symbol,
		Side:     t.Side,
		Volume:   t.Volume,
		Profit:   t.Profit,
		ClosedAt: t.ClosedAt,
	}

	for _, account := range accounts {
		if !account.TradeAlertsEnabled || account.AutoDisconnectedAt != nil {
			continue
		}
		alert, ok := decision.ClassifyTradeAlert(account, trade)
		if !ok {
			continue
		}
		if err := w.sink.SendTradeAlert(opCtx, account, alert, trade); err != nil {
			// Delivery is best effort; the trade itself is already recorded.
			log.Printf("monitor: send alert account=%s: %v", account.ID, err)
		}
	}
}
