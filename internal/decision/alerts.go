package decision

import (
	"fmt"
	"time"

	"copy-core/pkg/db"
)

// Alert types in descending priority order.
const (
	AlertHighLoss   = "highLoss"
	AlertHighProfit = "highProfit"
	AlertLargeTrade = "largeTrade"
	AlertOther      = "other"
)

// ClosedTrade is a trade reported closed on the mirrored terminal.
type ClosedTrade struct {
	Symbol   string
	Side     string
	Volume   float64
	Profit   float64
	ClosedAt time.Time
}

// TradeAlert is the single most relevant alert for a closed trade.
type TradeAlert struct {
	Type   string
	Reason string
}

// ClassifyTradeAlert picks at most one alert for the trade, by priority
// highLoss > highProfit > largeTrade > other, considering only the types the
// account subscribed to.
func ClassifyTradeAlert(a db.FollowerAccount, t ClosedTrade) (TradeAlert, bool) {
	if !a.TradeAlertsEnabled {
		return TradeAlert{}, false
	}

	if a.HasAlertType(AlertHighLoss) && a.Alerts.MinLoss > 0 && t.Profit <= -a.Alerts.MinLoss {
		return TradeAlert{
			Type:   AlertHighLoss,
			Reason: fmt.Sprintf("%s closed with loss %.2f (threshold %.2f)", t.Symbol, -t.Profit, a.Alerts.MinLoss),
		}, true
	}
	if a.HasAlertType(AlertHighProfit) && a.Alerts.MinProfit > 0 && t.Profit >= a.Alerts.MinProfit {
		return TradeAlert{
			Type:   AlertHighProfit,
			Reason: fmt.Sprintf("%s closed with profit %.2f (threshold %.2f)", t.Symbol, t.Profit, a.Alerts.MinProfit),
		}, true
	}
	if a.HasAlertType(AlertLargeTrade) && a.Alerts.MinTradeSize > 0 && t.Volume >= a.Alerts.MinTradeSize {
		return TradeAlert{
			Type:   AlertLargeTrade,
			Reason: fmt.Sprintf("%s closed with volume %.2f (threshold %.2f)", t.Symbol, t.Volume, a.Alerts.MinTradeSize),
		}, true
	}
	if a.HasAlertType(AlertOther) {
		return TradeAlert{
			Type:   AlertOther,
			Reason: fmt.Sprintf("%s %s closed, profit %.2f", t.Symbol, t.Side, t.Profit),
		}, true
	}
	return TradeAlert{}, false
}
