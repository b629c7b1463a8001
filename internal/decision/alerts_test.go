package decision

import (
	"strings"
	"testing"

	"copy-core/pkg/db"
)

func alertAccount(types ...string) db.FollowerAccount {
	return db.FollowerAccount{
		ID:                 "acct-1",
		TradeAlertsEnabled: true,
		AlertTypes:         types,
		Alerts: db.AlertThresholds{
			MinProfit:    100,
			MinLoss:      100,
			MinTradeSize: 5,
		},
	}
}

func TestClassifyTradeAlert(t *testing.T) {
	tests := []struct {
		name     string
		account  db.FollowerAccount
		trade    ClosedTrade
		wantType string
		wantOK   bool
	}{
		{
			"high profit",
			alertAccount(AlertHighProfit, AlertHighLoss),
			ClosedTrade{Symbol: "EURUSD", Profit: 150},
			AlertHighProfit, true,
		},
		{
			"high loss outranks large trade",
			alertAccount(AlertHighLoss, AlertLargeTrade),
			ClosedTrade{Symbol: "XAUUSD", Profit: -250, Volume: 10},
			AlertHighLoss, true,
		},
		{
			"large trade only",
			alertAccount(AlertLargeTrade),
			ClosedTrade{Symbol: "GBPUSD", Profit: 10, Volume: 8},
			AlertLargeTrade, true,
		},
		{
			"below every threshold",
			alertAccount(AlertHighProfit, AlertHighLoss, AlertLargeTrade),
			ClosedTrade{Symbol: "EURUSD", Profit: 20, Volume: 1},
			"", false,
		},
		{
			"unsubscribed type is ignored",
			alertAccount(AlertHighLoss),
			ClosedTrade{Symbol: "EURUSD", Profit: 500},
			"", false,
		},
		{
			"other catches the rest",
			alertAccount(AlertOther),
			ClosedTrade{Symbol: "USDJPY", Side: "SELL", Profit: 3},
			AlertOther, true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert, ok := ClassifyTradeAlert(tt.account, tt.trade)
			if ok != tt.wantOK {
				t.Fatalf("ok=%v, expected %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if alert.Type != tt.wantType {
				t.Fatalf("Type=%q, expected %q", alert.Type, tt.wantType)
			}
			if alert.Reason == "" || !strings.Contains(alert.Reason, tt.trade.Symbol) {
				t.Fatalf("reason should name the symbol, got %q", alert.Reason)
			}
		})
	}
}

func TestClassifyTradeAlertDisabled(t *testing.T) {
	a := alertAccount(AlertHighProfit)
	a.TradeAlertsEnabled = false

	if _, ok := ClassifyTradeAlert(a, ClosedTrade{Symbol: "EURUSD", Profit: 500}); ok {
		t.Fatal("expected no alert when trade alerts are disabled")
	}
}
