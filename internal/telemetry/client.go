// Package telemetry fetches point-in-time account metrics from the trading
// venue. Correctness-critical automation decisions always go through
// GetAccountStats (fresh fetch); read-only paths may prefer the streaming
// manager's cached terminal view via GetAccountStatsCached.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"copy-core/internal/decision"
	"copy-core/pkg/retry"
)

var (
	// ErrUnavailable marks timeouts and 5xx responses. Transient: the next
	// automation cycle retries; callers must not mutate state on it.
	ErrUnavailable = errors.New("telemetry unavailable")
	// ErrRejected marks 4xx/auth responses. Not retryable until the account
	// configuration is fixed.
	ErrRejected = errors.New("telemetry rejected")
)

// Config holds venue endpoint settings.
type Config struct {
	BaseURL   string
	APIToken  string
	Timeout   time.Duration
	RateLimit float64 // requests per second
	Burst     int
}

// LiveSource is a cached terminal view, typically the streaming manager.
// The second return value reports whether the snapshot is fresh enough to
// serve a read.
type LiveSource interface {
	TerminalStats(accountID string) (decision.AccountStats, bool)
}

// Client talks to the venue's request/response API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	live       LiveSource
	backoff    retry.Backoff
}

// New creates a telemetry client. Timeout bounds every call so a stuck remote
// request cannot stall an automation run.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 8
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		backoff:    retry.DefaultBackoff(),
	}
}

// SetLiveSource attaches a cached terminal view for read-only paths.
func (c *Client) SetLiveSource(src LiveSource) {
	c.live = src
}

// AccountInfo is the venue's account metrics payload.
type AccountInfo struct {
	Balance     float64   `json:"balance"`
	Equity      float64   `json:"equity"`
	Margin      float64   `json:"margin"`
	MarginLevel float64   `json:"marginLevel"`
	Currency    string    `json:"currency"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Position is one open position on the venue.
type Position struct {
	ID        string  `json:"id"`
	Symbol    string  `json:"symbol"`
	Type      string  `json:"type"`
	Volume    float64 `json:"volume"`
	OpenPrice float64 `json:"openPrice"`
	Profit    float64 `json:"profit"`
}

// GetAccountInfo fetches current account metrics.
func (c *Client) GetAccountInfo(ctx context.Context, accountID string) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.getJSON(ctx, fmt.Sprintf("/users/current/accounts/%s/account-information", accountID), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetPositions fetches the open positions for an account.
func (c *Client) GetPositions(ctx context.Context, accountID string) ([]Position, error) {
	var positions []Position
	if err := c.getJSON(ctx, fmt.Sprintf("/users/current/accounts/%s/positions", accountID), &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// GetAccountStats fetches a fresh snapshot for one account. No in-cycle
// retry: an ErrUnavailable result is picked up by the next automation cycle.
func (c *Client) GetAccountStats(ctx context.Context, accountID string) (decision.AccountStats, error) {
	info, err := c.GetAccountInfo(ctx, accountID)
	if err != nil {
		return decision.AccountStats{}, err
	}
	positions, err := c.GetPositions(ctx, accountID)
	if err != nil {
		return decision.AccountStats{}, err
	}

	stats := decision.AccountStats{
		Balance:       info.Balance,
		Equity:        info.Equity,
		ProfitLoss:    info.Equity - info.Balance,
		MarginLevel:   info.MarginLevel,
		OpenPositions: len(positions),
		FetchedAt:     time.Now(),
	}
	if !info.CreatedAt.IsZero() {
		stats.AccountAgeDays = int(time.Since(info.CreatedAt).Hours() / 24)
	}
	return stats, nil
}

// GetAccountStatsCached serves a read from the streaming manager's terminal
// view when it is fresh and covers the requested account, falling back to a
// direct fetch. Never used for automation decisions.
func (c *Client) GetAccountStatsCached(ctx context.Context, accountID string) (decision.AccountStats, error) {
	if c.live != nil {
		if stats, ok := c.live.TerminalStats(accountID); ok {
			return stats, nil
		}
	}
	return c.GetAccountStats(ctx, accountID)
}

// VerifyAccount checks that an account is reachable on the venue, retrying
// transient failures with backoff. Used when linking/seeding accounts.
func (c *Client) VerifyAccount(ctx context.Context, accountID string) error {
	return retry.Do(ctx, 3, c.backoff, func(ctx context.Context) error {
		_, err := c.GetAccountInfo(ctx, accountID)
		if errors.Is(err, ErrRejected) {
			return retry.Abort(err)
		}
		return err
	})
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.cfg.APIToken != "" {
		req.Header.Set("auth-token", c.cfg.APIToken)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and transport failures are indistinguishable from a down
		// venue; both are transient.
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
		}
		return nil
	case res.StatusCode >= 400 && res.StatusCode < 500:
		return fmt.Errorf("%w: status %d", ErrRejected, res.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, res.StatusCode)
	}
}
