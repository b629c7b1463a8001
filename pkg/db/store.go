// Package db implements the durable account store for the copy-trading core
// on SQLite. Records are explicitly typed and versioned; configuration
// defaults are applied here, at the store boundary, not at call sites.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("account not found")
	ErrAccountIDRequired = errors.New("account id is required")
	// ErrInvalidThresholds rejects configurations where the resume threshold
	// does not sit strictly below the pause threshold; anything else flaps at
	// the boundary.
	ErrInvalidThresholds = errors.New("resume drawdown threshold must be below pause threshold")
)

// Store provides follower-account persistence with defaults applied at the
// boundary. All writes are last-write-wins per row.
type Store struct {
	db       *sql.DB
	defaults Defaults
}

// NewStore creates a Store over an opened database.
func NewStore(database *Database, defaults Defaults) *Store {
	return &Store{db: database.DB, defaults: defaults}
}

// SetDefaults replaces the boundary defaults (used by the rules-file sync).
func (s *Store) SetDefaults(d Defaults) {
	s.defaults = d
}

// applyDefaults fills unset optional fields from the configured defaults and
// stamps the schema version.
func (s *Store) applyDefaults(a *FollowerAccount) {
	if a.Status == "" {
		a.Status = StatusActive
	}
	if a.RiskMultiplier == 0 {
		a.RiskMultiplier = 1
	}
	if a.OriginalRiskMultiplier == 0 {
		a.OriginalRiskMultiplier = a.RiskMultiplier
	}
	if !a.Rules.Present() {
		a.Rules = s.defaults.Rules
	}
	if a.MaxDrawdownPercent == 0 {
		a.MaxDrawdownPercent = s.defaults.MaxDrawdownPercent
	}
	if a.ResumeDrawdownPercent == 0 {
		a.ResumeDrawdownPercent = s.defaults.ResumeDrawdownPercent
	}
	if a.MaxConsecutiveErrors == 0 {
		a.MaxConsecutiveErrors = s.defaults.MaxConsecutiveErrors
	}
	if a.ErrorWindowMinutes == 0 {
		a.ErrorWindowMinutes = s.defaults.ErrorWindowMinutes
	}
	if a.Alerts == (AlertThresholds{}) {
		a.Alerts = s.defaults.Alerts
	}
	if a.Rules.Present() {
		if a.RiskMultiplier < a.Rules.MinMultiplier {
			a.RiskMultiplier = a.Rules.MinMultiplier
		}
		if a.RiskMultiplier > a.Rules.MaxMultiplier {
			a.RiskMultiplier = a.Rules.MaxMultiplier
		}
	}
	a.SchemaVersion = SchemaVersion
}

// validate enforces configuration invariants before anything is written.
func validate(a FollowerAccount) error {
	if a.ID == "" {
		return ErrAccountIDRequired
	}
	if a.AutoPauseEnabled && a.AutoResumeEnabled &&
		a.ResumeDrawdownPercent >= a.MaxDrawdownPercent {
		return ErrInvalidThresholds
	}
	return nil
}

// Upsert creates or replaces a follower account record.
func (s *Store) Upsert(ctx context.Context, a FollowerAccount) error {
	s.applyDefaults(&a)
	if err := validate(a); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO follower_accounts (
			id, user_id, status, risk_multiplier, original_risk_multiplier,
			min_multiplier, max_multiplier, adjustment_step,
			auto_rebalancing_enabled, auto_pause_enabled, max_drawdown_percent,
			auto_resume_enabled, resume_drawdown_percent,
			auto_disconnect_enabled, max_consecutive_errors, error_window_minutes,
			consecutive_error_count, last_error_at, auto_paused_at,
			auto_disconnected_at, last_rebalanced_at,
			trade_alerts_enabled, alert_types,
			min_profit_for_alert, min_loss_for_alert, min_trade_size_for_alert,
			schema_version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			risk_multiplier = excluded.risk_multiplier,
			original_risk_multiplier = excluded.original_risk_multiplier,
			min_multiplier = excluded.min_multiplier,
			max_multiplier = excluded.max_multiplier,
			adjustment_step = excluded.adjustment_step,
			auto_rebalancing_enabled = excluded.auto_rebalancing_enabled,
			auto_pause_enabled = excluded.auto_pause_enabled,
			max_drawdown_percent = excluded.max_drawdown_percent,
			auto_resume_enabled = excluded.auto_resume_enabled,
			resume_drawdown_percent = excluded.resume_drawdown_percent,
			auto_disconnect_enabled = excluded.auto_disconnect_enabled,
			max_consecutive_errors = excluded.max_consecutive_errors,
			error_window_minutes = excluded.error_window_minutes,
			consecutive_error_count = excluded.consecutive_error_count,
			last_error_at = excluded.last_error_at,
			auto_paused_at = excluded.auto_paused_at,
			auto_disconnected_at = excluded.auto_disconnected_at,
			last_rebalanced_at = excluded.last_rebalanced_at,
			trade_alerts_enabled = excluded.trade_alerts_enabled,
			alert_types = excluded.alert_types,
			min_profit_for_alert = excluded.min_profit_for_alert,
			min_loss_for_alert = excluded.min_loss_for_alert,
			min_trade_size_for_alert = excluded.min_trade_size_for_alert,
			schema_version = excluded.schema_version,
			updated_at = CURRENT_TIMESTAMP
	`,
		a.ID, a.UserID, string(a.Status), a.RiskMultiplier, a.OriginalRiskMultiplier,
		a.Rules.MinMultiplier, a.Rules.MaxMultiplier, a.Rules.AdjustmentStep,
		boolToInt(a.AutoRebalancingEnabled), boolToInt(a.AutoPauseEnabled), a.MaxDrawdownPercent,
		boolToInt(a.AutoResumeEnabled), a.ResumeDrawdownPercent,
		boolToInt(a.AutoDisconnectEnabled), a.MaxConsecutiveErrors, a.ErrorWindowMinutes,
		a.ConsecutiveErrorCount, nullTime(a.LastErrorAt), nullTime(a.AutoPausedAt),
		nullTime(a.AutoDisconnectedAt), nullTime(a.LastRebalancedAt),
		boolToInt(a.TradeAlertsEnabled), strings.Join(a.AlertTypes, ","),
		a.Alerts.MinProfit, a.Alerts.MinLoss, a.Alerts.MinTradeSize,
		a.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", a.ID, err)
	}
	return nil
}

// Seed creates an account or refreshes its configuration. Unlike Upsert, an
// existing row keeps its runtime state untouched: status, the current risk
// multiplier, error counters, and the automation timestamps (auto_paused_at,
// auto_disconnected_at, last_rebalanced_at) are written only on first insert.
// In particular a force-disconnected account stays disconnected across
// re-seeding; that state is terminal until a human clears it.
func (s *Store) Seed(ctx context.Context, a FollowerAccount) error {
	s.applyDefaults(&a)
	if err := validate(a); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO follower_accounts (
			id, user_id, status, risk_multiplier, original_risk_multiplier,
			min_multiplier, max_multiplier, adjustment_step,
			auto_rebalancing_enabled, auto_pause_enabled, max_drawdown_percent,
			auto_resume_enabled, resume_drawdown_percent,
			auto_disconnect_enabled, max_consecutive_errors, error_window_minutes,
			consecutive_error_count, last_error_at, auto_paused_at,
			auto_disconnected_at, last_rebalanced_at,
			trade_alerts_enabled, alert_types,
			min_profit_for_alert, min_loss_for_alert, min_trade_size_for_alert,
			schema_version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, NULL, NULL, ?, ?, ?, ?, ?, ?,
			CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			original_risk_multiplier = excluded.original_risk_multiplier,
			min_multiplier = excluded.min_multiplier,
			max_multiplier = excluded.max_multiplier,
			adjustment_step = excluded.adjustment_step,
			auto_rebalancing_enabled = excluded.auto_rebalancing_enabled,
			auto_pause_enabled = excluded.auto_pause_enabled,
			max_drawdown_percent = excluded.max_drawdown_percent,
			auto_resume_enabled = excluded.auto_resume_enabled,
			resume_drawdown_percent = excluded.resume_drawdown_percent,
			auto_disconnect_enabled = excluded.auto_disconnect_enabled,
			max_consecutive_errors = excluded.max_consecutive_errors,
			error_window_minutes = excluded.error_window_minutes,
			trade_alerts_enabled = excluded.trade_alerts_enabled,
			alert_types = excluded.alert_types,
			min_profit_for_alert = excluded.min_profit_for_alert,
			min_loss_for_alert = excluded.min_loss_for_alert,
			min_trade_size_for_alert = excluded.min_trade_size_for_alert,
			schema_version = excluded.schema_version,
			updated_at = CURRENT_TIMESTAMP
	`,
		a.ID, a.UserID, string(a.Status), a.RiskMultiplier, a.OriginalRiskMultiplier,
		a.Rules.MinMultiplier, a.Rules.MaxMultiplier, a.Rules.AdjustmentStep,
		boolToInt(a.AutoRebalancingEnabled), boolToInt(a.AutoPauseEnabled), a.MaxDrawdownPercent,
		boolToInt(a.AutoResumeEnabled), a.ResumeDrawdownPercent,
		boolToInt(a.AutoDisconnectEnabled), a.MaxConsecutiveErrors, a.ErrorWindowMinutes,
		boolToInt(a.TradeAlertsEnabled), strings.Join(a.AlertTypes, ","),
		a.Alerts.MinProfit, a.Alerts.MinLoss, a.Alerts.MinTradeSize,
		a.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("seed account %s: %w", a.ID, err)
	}
	return nil
}

const accountColumns = `
	id, user_id, status, risk_multiplier, original_risk_multiplier,
	min_multiplier, max_multiplier, adjustment_step,
	auto_rebalancing_enabled, auto_pause_enabled, max_drawdown_percent,
	auto_resume_enabled, resume_drawdown_percent,
	auto_disconnect_enabled, max_consecutive_errors, error_window_minutes,
	consecutive_error_count, last_error_at, auto_paused_at,
	auto_disconnected_at, last_rebalanced_at,
	trade_alerts_enabled, COALESCE(alert_types, ''),
	min_profit_for_alert, min_loss_for_alert, min_trade_size_for_alert,
	COALESCE(schema_version, 1), created_at, updated_at`

// Get returns one follower account or ErrNotFound.
func (s *Store) Get(ctx context.Context, accountID string) (*FollowerAccount, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM follower_accounts WHERE id = ?`, accountID)

	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account %s: %w", accountID, err)
	}
	return a, nil
}

// ListAutomationEnabled returns accounts with at least one automation flag
// set, excluding inactive accounts. This is the population every automation
// run iterates; accounts without flags are never fetched (telemetry calls
// are rate-limited and billed).
func (s *Store) ListAutomationEnabled(ctx context.Context) ([]FollowerAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM follower_accounts
		WHERE status != 'inactive'
		  AND (auto_rebalancing_enabled = 1
		       OR auto_pause_enabled = 1
		       OR auto_resume_enabled = 1
		       OR auto_disconnect_enabled = 1
		       OR trade_alerts_enabled = 1)
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query automation accounts: %w", err)
	}
	defer rows.Close()

	var accounts []FollowerAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// AccountUpdate is a partial mutation; nil fields are left untouched.
// Clear* flags null out timestamp columns (a nil pointer means "keep").
type AccountUpdate struct {
	Status                *Status
	RiskMultiplier        *float64
	ConsecutiveErrorCount *int
	LastErrorAt           *time.Time
	LastRebalancedAt      *time.Time
	AutoPausedAt          *time.Time
	ClearAutoPausedAt     bool
	AutoDisconnectedAt    *time.Time
}

// Update applies a partial mutation to one account row.
func (s *Store) Update(ctx context.Context, accountID string, u AccountUpdate) error {
	if accountID == "" {
		return ErrAccountIDRequired
	}

	set := make([]string, 0, 8)
	args := make([]any, 0, 8)

	if u.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.RiskMultiplier != nil {
		set = append(set, "risk_multiplier = ?")
		args = append(args, *u.RiskMultiplier)
	}
	if u.ConsecutiveErrorCount != nil {
		set = append(set, "consecutive_error_count = ?")
		args = append(args, *u.ConsecutiveErrorCount)
	}
	if u.LastErrorAt != nil {
		set = append(set, "last_error_at = ?")
		args = append(args, *u.LastErrorAt)
	}
	if u.LastRebalancedAt != nil {
		set = append(set, "last_rebalanced_at = ?")
		args = append(args, *u.LastRebalancedAt)
	}
	if u.AutoPausedAt != nil {
		set = append(set, "auto_paused_at = ?")
		args = append(args, *u.AutoPausedAt)
	} else if u.ClearAutoPausedAt {
		set = append(set, "auto_paused_at = NULL")
	}
	if u.AutoDisconnectedAt != nil {
		set = append(set, "auto_disconnected_at = ?")
		args = append(args, *u.AutoDisconnectedAt)
	}

	if len(set) == 0 {
		return nil
	}
	set = append(set, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, accountID)

	res, err := s.db.ExecContext(ctx,
		"UPDATE follower_accounts SET "+strings.Join(set, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update account %s: %w", accountID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTelemetryError increments the consecutive error counter and stamps
// last_error_at in one statement.
func (s *Store) RecordTelemetryError(ctx context.Context, accountID string, at time.Time) error {
	if accountID == "" {
		return ErrAccountIDRequired
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE follower_accounts
		SET consecutive_error_count = consecutive_error_count + 1,
		    last_error_at = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, at, accountID)
	if err != nil {
		return fmt.Errorf("record telemetry error for %s: %w", accountID, err)
	}
	return nil
}

// ResetTelemetryErrors zeroes the consecutive error counter. Called on every
// successful telemetry fetch.
func (s *Store) ResetTelemetryErrors(ctx context.Context, accountID string) error {
	if accountID == "" {
		return ErrAccountIDRequired
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE follower_accounts
		SET consecutive_error_count = 0,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND consecutive_error_count != 0
	`, accountID)
	if err != nil {
		return fmt.Errorf("reset telemetry errors for %s: %w", accountID, err)
	}
	return nil
}

// AppendHistory appends one rebalancing history entry (append-only).
func (s *Store) AppendHistory(ctx context.Context, e RebalanceEntry) error {
	if e.AccountID == "" {
		return ErrAccountIDRequired
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rebalance_history (id, account_id, old_multiplier, new_multiplier, reason, created_at)
		VALUES (?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, e.ID, e.AccountID, e.OldMultiplier, e.NewMultiplier, e.Reason, nullTimeValue(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append history for %s: %w", e.AccountID, err)
	}
	return nil
}

// ListHistory returns the newest rebalancing entries for an account.
func (s *Store) ListHistory(ctx context.Context, accountID string, limit int) ([]RebalanceEntry, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, old_multiplier, new_multiplier, reason, created_at
		FROM rebalance_history
		WHERE account_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []RebalanceEntry
	for rows.Next() {
		var e RebalanceEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.OldMultiplier, &e.NewMultiplier, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AppendStreamingTransition records one streaming lifecycle transition
// (append-only, independent of account state).
func (s *Store) AppendStreamingTransition(ctx context.Context, from, to, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streaming_log (from_state, to_state, reason)
		VALUES (?, ?, ?)
	`, from, to, reason)
	if err != nil {
		return fmt.Errorf("append streaming transition: %w", err)
	}
	return nil
}

// ListStreamingTransitions returns the newest streaming log rows.
func (s *Store) ListStreamingTransitions(ctx context.Context, limit int) ([]StreamingTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_state, to_state, COALESCE(reason, ''), created_at
		FROM streaming_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query streaming log: %w", err)
	}
	defer rows.Close()

	var ts []StreamingTransition
	for rows.Next() {
		var t StreamingTransition
		if err := rows.Scan(&t.ID, &t.FromState, &t.ToState, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan streaming log: %w", err)
		}
		ts = append(ts, t)
	}
	return ts, rows.Err()
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*FollowerAccount, error) {
	var (
		a                                  FollowerAccount
		status                             string
		autoRebal, autoPause, autoResume   int
		autoDisc, tradeAlerts              int
		lastErr, pausedAt, discAt, rebalAt sql.NullTime
		alertTypes                         string
	)

	err := row.Scan(
		&a.ID, &a.UserID, &status, &a.RiskMultiplier, &a.OriginalRiskMultiplier,
		&a.Rules.MinMultiplier, &a.Rules.MaxMultiplier, &a.Rules.AdjustmentStep,
		&autoRebal, &autoPause, &a.MaxDrawdownPercent,
		&autoResume, &a.ResumeDrawdownPercent,
		&autoDisc, &a.MaxConsecutiveErrors, &a.ErrorWindowMinutes,
		&a.ConsecutiveErrorCount, &lastErr, &pausedAt,
		&discAt, &rebalAt,
		&tradeAlerts, &alertTypes,
		&a.Alerts.MinProfit, &a.Alerts.MinLoss, &a.Alerts.MinTradeSize,
		&a.SchemaVersion, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Status = Status(status)
	a.AutoRebalancingEnabled = autoRebal == 1
	a.AutoPauseEnabled = autoPause == 1
	a.AutoResumeEnabled = autoResume == 1
	a.AutoDisconnectEnabled = autoDisc == 1
	a.TradeAlertsEnabled = tradeAlerts == 1
	a.LastErrorAt = timePtr(lastErr)
	a.AutoPausedAt = timePtr(pausedAt)
	a.AutoDisconnectedAt = timePtr(discAt)
	a.LastRebalancedAt = timePtr(rebalAt)
	a.AlertTypes = splitAndTrim(alertTypes)
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullTimeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func splitAndTrim(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
