package repository

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) a SQLite ledger at path. Timestamps are
// stored as unix seconds; a single connection serializes writers.
func OpenSQLite(path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqlStore{db: db, d: sqliteDialect}, nil
}

func initSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		user_id                  TEXT PRIMARY KEY,
		plan_name                TEXT NOT NULL DEFAULT 'free',
		status                   TEXT NOT NULL DEFAULT 'free',
		provider_customer_id     TEXT UNIQUE,
		provider_subscription_id TEXT,
		ended_subscription_id    TEXT,
		current_period_end       INTEGER,
		cancel_at_period_end     INTEGER NOT NULL DEFAULT 0,
		last_event_at            INTEGER,
		last_invoice_event_at    INTEGER,
		version                  INTEGER NOT NULL DEFAULT 0,
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_provider_subscription_id
		ON subscriptions(provider_subscription_id);

	CREATE TABLE IF NOT EXISTS usage_periods (
		id                       TEXT PRIMARY KEY,
		user_id                  TEXT NOT NULL REFERENCES subscriptions(user_id),
		period_start             INTEGER NOT NULL,
		period_end               INTEGER NOT NULL,
		pro_used                 INTEGER NOT NULL DEFAULT 0 CHECK (pro_used >= 0),
		draft_used               INTEGER NOT NULL DEFAULT 0 CHECK (draft_used >= 0),
		pro_overage_used         INTEGER NOT NULL DEFAULT 0 CHECK (pro_overage_used >= 0),
		pro_limit                INTEGER,
		draft_limit              INTEGER,
		pro_overage_limit        INTEGER NOT NULL DEFAULT 0,
		overage_unit_price       INTEGER NOT NULL DEFAULT 0,
		overage_charge           INTEGER NOT NULL DEFAULT 0,
		plan_name                TEXT NOT NULL,
		provider_subscription_id TEXT,
		version                  INTEGER NOT NULL DEFAULT 0,
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL,
		UNIQUE (user_id, period_start)
	);

	CREATE TABLE IF NOT EXISTS webhook_events (
		id                TEXT PRIMARY KEY,
		provider_event_id TEXT NOT NULL UNIQUE,
		event_type        TEXT NOT NULL,
		payload           BLOB,
		event_created_at  INTEGER NOT NULL,
		processed         INTEGER NOT NULL DEFAULT 0,
		outcome           TEXT,
		processing_error  TEXT,
		retry_count       INTEGER NOT NULL DEFAULT 0,
		locked_until      INTEGER,
		received_at       INTEGER NOT NULL,
		processed_at      INTEGER
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	// Databases created before the columns existed.
	if err := addSQLiteColumn(db, "subscriptions", "ended_subscription_id", "TEXT"); err != nil {
		return err
	}
	return addSQLiteColumn(db, "subscriptions", "last_invoice_event_at", "INTEGER")
}

func addSQLiteColumn(db *sql.DB, table, column, decl string) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect %s.%s: %w", table, column, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}
