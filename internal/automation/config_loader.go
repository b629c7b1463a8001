package automation

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"copy-core/pkg/db"
)

// RulesFile is the top-level structure of automation.yaml: default rule
// thresholds plus optionally seeded follower accounts.
type RulesFile struct {
	Defaults DefaultsConfig  `yaml:"defaults"`
	Accounts []AccountConfig `yaml:"accounts"`
}

// DefaultsConfig holds the rule thresholds applied to accounts that do not
// override them.
type DefaultsConfig struct {
	MinMultiplier         float64 `yaml:"min_multiplier"`
	MaxMultiplier         float64 `yaml:"max_multiplier"`
	AdjustmentStep        float64 `yaml:"adjustment_step"`
	MaxDrawdownPercent    float64 `yaml:"max_drawdown_percent"`
	ResumeDrawdownPercent float64 `yaml:"resume_drawdown_percent"`
	MaxConsecutiveErrors  int     `yaml:"max_consecutive_errors"`
	ErrorWindowMinutes    int     `yaml:"error_window_minutes"`
	AlertMinProfit        float64 `yaml:"alert_min_profit"`
	AlertMinLoss          float64 `yaml:"alert_min_loss"`
	AlertMinTradeSize     float64 `yaml:"alert_min_trade_size"`
}

// AccountConfig is one follower account seeded from YAML.
type AccountConfig struct {
	ID                     string   `yaml:"id"`
	UserID                 string   `yaml:"user_id"`
	RiskMultiplier         float64  `yaml:"risk_multiplier"`
	AutoRebalancingEnabled bool     `yaml:"auto_rebalancing"`
	AutoPauseEnabled       bool     `yaml:"auto_pause"`
	AutoResumeEnabled      bool     `yaml:"auto_resume"`
	AutoDisconnectEnabled  bool     `yaml:"auto_disconnect"`
	TradeAlertsEnabled     bool     `yaml:"trade_alerts"`
	AlertTypes             []string `yaml:"alert_types"`
}

// LoadRulesFile reads automation defaults and seeded accounts from a YAML
// file.
func LoadRulesFile(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &file, nil
}

// StoreDefaults converts the YAML thresholds into store defaults, falling back to
// the shipped values for anything left zero.
func (f *RulesFile) StoreDefaults() db.Defaults {
	d := db.DefaultSettings()
	c := f.Defaults
	if c.MinMultiplier > 0 {
		d.Rules.MinMultiplier = c.MinMultiplier
	}
	if c.MaxMultiplier > 0 {
		d.Rules.MaxMultiplier = c.MaxMultiplier
	}
	if c.AdjustmentStep > 0 {
		d.Rules.AdjustmentStep = c.AdjustmentStep
	}
	if c.MaxDrawdownPercent > 0 {
		d.MaxDrawdownPercent = c.MaxDrawdownPercent
	}
	if c.ResumeDrawdownPercent > 0 {
		d.ResumeDrawdownPercent = c.ResumeDrawdownPercent
	}
	if c.MaxConsecutiveErrors > 0 {
		d.MaxConsecutiveErrors = c.MaxConsecutiveErrors
	}
	if c.ErrorWindowMinutes > 0 {
		d.ErrorWindowMinutes = c.ErrorWindowMinutes
	}
	if c.AlertMinProfit > 0 {
		d.Alerts.MinProfit = c.AlertMinProfit
	}
	if c.AlertMinLoss > 0 {
		d.Alerts.MinLoss = c.AlertMinLoss
	}
	if c.AlertMinTradeSize > 0 {
		d.Alerts.MinTradeSize = c.AlertMinTradeSize
	}
	return d
}

// SyncRulesToStore applies the file's defaults to the store and seeds every
// configured account. Seeding runs on every boot, so it must never clobber
// runtime state: an existing account keeps its status, current multiplier,
// error streak, and automation timestamps; only configuration columns are
// refreshed (db.Store.Seed).
func SyncRulesToStore(ctx context.Context, store *db.Store, file *RulesFile) error {
	store.SetDefaults(file.StoreDefaults())

	for _, c := range file.Accounts {
		if c.ID == "" {
			return fmt.Errorf("account entry without id")
		}
		account := db.FollowerAccount{
			ID:                     c.ID,
			UserID:                 c.UserID,
			RiskMultiplier:         c.RiskMultiplier,
			OriginalRiskMultiplier: c.RiskMultiplier,
			AutoRebalancingEnabled: c.AutoRebalancingEnabled,
			AutoPauseEnabled:       c.AutoPauseEnabled,
			AutoResumeEnabled:      c.AutoResumeEnabled,
			AutoDisconnectEnabled:  c.AutoDisconnectEnabled,
			TradeAlertsEnabled:     c.TradeAlertsEnabled,
			AlertTypes:             c.AlertTypes,
		}
		if err := store.Seed(ctx, account); err != nil {
			return fmt.Errorf("seed account %s: %w", c.ID, err)
		}
	}
	return nil
}
