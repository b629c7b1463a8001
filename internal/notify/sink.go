// Package notify delivers user-facing notifications. The core only decides
// WHAT to send; rendering and routing to a messenger live behind Sink.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"copy-core/internal/decision"
	"copy-core/pkg/db"
)

// Sink receives notification requests. Implementations must be safe for
// concurrent use; delivery failures are reported back but never retried by
// the caller.
type Sink interface {
	SendTradeAlert(ctx context.Context, account db.FollowerAccount, alert decision.TradeAlert, trade decision.ClosedTrade) error
	SendDailySummary(ctx context.Context, account db.FollowerAccount, stats decision.AccountStats) error
}

// LogSink writes notifications to the process log. Default when no webhook is
// configured.
type LogSink struct{}

func (LogSink) SendTradeAlert(_ context.Context, account db.FollowerAccount, alert decision.TradeAlert, _ decision.ClosedTrade) error {
	log.Printf("notify: trade alert [%s] account=%s user=%s: %s", alert.Type, account.ID, account.UserID, alert.Reason)
	return nil
}

func (LogSink) SendDailySummary(_ context.Context, account db.FollowerAccount, stats decision.AccountStats) error {
	log.Printf("notify: daily summary account=%s balance=%.2f equity=%.2f pnl=%.2f positions=%d",
		account.ID, stats.Balance, stats.Equity, stats.ProfitLoss, stats.OpenPositions)
	return nil
}

// WebhookSink POSTs notification payloads as JSON to a single endpoint.
type WebhookSink struct {
	URL        string
	httpClient *http.Client
}

// NewWebhookSink creates a webhook sink with a per-delivery timeout.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		URL:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type webhookPayload struct {
	Kind      string    `json:"kind"`
	AccountID string    `json:"accountId"`
	UserID    string    `json:"userId,omitempty"`
	AlertType string    `json:"alertType,omitempty"`
	Message   string    `json:"message"`
	Symbol    string    `json:"symbol,omitempty"`
	Profit    float64   `json:"profit,omitempty"`
	Balance   float64   `json:"balance,omitempty"`
	Equity    float64   `json:"equity,omitempty"`
	SentAt    time.Time `json:"sentAt"`
}

func (s *WebhookSink) SendTradeAlert(ctx context.Context, account db.FollowerAccount, alert decision.TradeAlert, trade decision.ClosedTrade) error {
	return s.post(ctx, webhookPayload{
		Kind:      "tradeAlert",
		AccountID: account.ID,
		UserID:    account.UserID,
		AlertType: alert.Type,
		Message:   alert.Reason,
		Symbol:    trade.Symbol,
		Profit:    trade.Profit,
		SentAt:    time.Now(),
	})
}

func (s *WebhookSink) SendDailySummary(ctx context.Context, account db.FollowerAccount, stats decision.AccountStats) error {
	return s.post(ctx, webhookPayload{
		Kind:      "dailySummary",
		AccountID: account.ID,
		UserID:    account.UserID,
		Message:   fmt.Sprintf("balance %.2f, equity %.2f, open positions %d", stats.Balance, stats.Equity, stats.OpenPositions),
		Balance:   stats.Balance,
		Equity:    stats.Equity,
		Profit:    stats.ProfitLoss,
		SentAt:    time.Now(),
	})
}

func (s *WebhookSink) post(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", res.StatusCode)
	}
	return nil
}
