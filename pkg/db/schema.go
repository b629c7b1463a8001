package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS follower_accounts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    risk_multiplier REAL NOT NULL DEFAULT 1,
    original_risk_multiplier REAL NOT NULL DEFAULT 1,
    min_multiplier REAL DEFAULT 0,
    max_multiplier REAL DEFAULT 0,
    adjustment_step REAL DEFAULT 0,
    auto_rebalancing_enabled INTEGER DEFAULT 0,
    auto_pause_enabled INTEGER DEFAULT 0,
    max_drawdown_percent REAL DEFAULT 0,
    auto_resume_enabled INTEGER DEFAULT 0,
    resume_drawdown_percent REAL DEFAULT 0,
    auto_disconnect_enabled INTEGER DEFAULT 0,
    max_consecutive_errors INTEGER DEFAULT 0,
    error_window_minutes INTEGER DEFAULT 0,
    consecutive_error_count INTEGER DEFAULT 0,
    last_error_at DATETIME,
    auto_paused_at DATETIME,
    auto_disconnected_at DATETIME,
    last_rebalanced_at DATETIME,
    trade_alerts_enabled INTEGER DEFAULT 0,
    alert_types TEXT DEFAULT '',
    min_profit_for_alert REAL DEFAULT 0,
    min_loss_for_alert REAL DEFAULT 0,
    min_trade_size_for_alert REAL DEFAULT 0,
    schema_version INTEGER DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_follower_accounts_user ON follower_accounts(user_id);

CREATE TABLE IF NOT EXISTS rebalance_history (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    old_multiplier REAL NOT NULL,
    new_multiplier REAL NOT NULL,
    reason TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(account_id) REFERENCES follower_accounts(id)
);

CREATE INDEX IF NOT EXISTS idx_rebalance_history_account ON rebalance_history(account_id);

CREATE TABLE IF NOT EXISTS streaming_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    reason TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "follower_accounts", "schema_version", "INTEGER DEFAULT 1"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "follower_accounts", "error_window_minutes", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "follower_accounts", "min_trade_size_for_alert", "REAL DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
