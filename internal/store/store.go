// Package store holds the sqlx repositories behind the pipeline: rules and
// prompts, feature settings, inbox/log rows, and nurse availability. Rules
// and settings are read fresh on every run so admin edits take effect
// immediately; nothing in this package caches across runs.
package store

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// Store bundles the repositories over one database handle.
type Store struct {
	Rules        *Rules
	Settings     *Settings
	Emails       *Emails
	Availability *Availability

	db *sqlx.DB
}

// New creates the repository bundle.
func New(db *sqlx.DB) *Store {
	return &Store{
		Rules:        &Rules{db: db},
		Settings:     &Settings{db: db},
		Emails:       &Emails{db: db},
		Availability: &Availability{db: db},
		db:           db,
	}
}

// DB exposes the underlying handle for transactional commits.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// CreateTables creates the pipeline tables if they don't exist.
func (s *Store) CreateTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS inbox_emails (
			id SERIAL PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			provider_message_id VARCHAR(255) NOT NULL,
			from_email VARCHAR(255) NOT NULL,
			from_name VARCHAR(255) DEFAULT '',
			subject TEXT,
			body TEXT,
			received_at TIMESTAMP NOT NULL,
			is_read BOOLEAN DEFAULT FALSE,
			is_starred BOOLEAN DEFAULT FALSE,
			category VARCHAR(32),
			has_attachments BOOLEAN DEFAULT FALSE,
			UNIQUE (account_id, provider_message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS email_logs (
			id SERIAL PRIMARY KEY,
			inbox_email_id INTEGER NOT NULL,
			sender_email VARCHAR(255) NOT NULL,
			subject TEXT,
			body TEXT,
			classification VARCHAR(32),
			shift_date VARCHAR(10),
			shift_start VARCHAR(5),
			shift_end VARCHAR(5),
			unit VARCHAR(64),
			grade VARCHAR(32),
			matched_nurse_id INTEGER,
			response_body TEXT,
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_retry_at TIMESTAMP,
			response_time_ms BIGINT,
			processed_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (inbox_email_id)
		)`,
		`CREATE TABLE IF NOT EXISTS nurses (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			grade VARCHAR(32) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS nurse_units (
			nurse_id INTEGER NOT NULL,
			unit VARCHAR(64) NOT NULL,
			PRIMARY KEY (nurse_id, unit)
		)`,
		`CREATE TABLE IF NOT EXISTS nurse_availability (
			id SERIAL PRIMARY KEY,
			nurse_id INTEGER NOT NULL,
			available_date VARCHAR(10) NOT NULL,
			shift_start VARCHAR(5) NOT NULL,
			shift_end VARCHAR(5) NOT NULL,
			unit VARCHAR(64) NOT NULL,
			is_assigned BOOLEAN DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS matching_rules (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			rule_type VARCHAR(64) NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			is_active BOOLEAN DEFAULT TRUE,
			priority INTEGER NOT NULL DEFAULT 100
		)`,
		`CREATE TABLE IF NOT EXISTS booking_rules (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			description TEXT DEFAULT '',
			rule_type VARCHAR(64) NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			is_active BOOLEAN DEFAULT TRUE,
			priority INTEGER NOT NULL DEFAULT 100
		)`,
		`CREATE TABLE IF NOT EXISTS approved_senders (
			email VARCHAR(255) PRIMARY KEY,
			is_active BOOLEAN DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS prompts (
			name VARCHAR(64) PRIMARY KEY,
			content TEXT NOT NULL,
			is_active BOOLEAN DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			setting_key VARCHAR(64) PRIMARY KEY,
			setting_value VARCHAR(255) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			account_id VARCHAR(64) PRIMARY KEY,
			last_cursor VARCHAR(255) NOT NULL DEFAULT ''
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return s.createIndexes()
}

// indexDDL lists the secondary indexes. Kept apart from the table DDL
// because MySQL has no IF NOT EXISTS for CREATE INDEX.
var indexDDL = []struct {
	name, table, columns string
}{
	{"idx_email_logs_status", "email_logs", "status"},
	{"idx_email_logs_created_at", "email_logs", "created_at"},
	{"idx_nurse_availability_date", "nurse_availability", "available_date, is_assigned"},
}

func (s *Store) createIndexes() error {
	for _, idx := range indexDDL {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", idx.name, idx.table, idx.columns)
		if s.db.DriverName() == "mysql" {
			stmt = fmt.Sprintf("CREATE INDEX %s ON %s (%s)", idx.name, idx.table, idx.columns)
		}
		if _, err := s.db.Exec(stmt); err != nil && !isDuplicateIndex(err) {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// isDuplicateIndex reports MySQL error 1061 (duplicate key name), the one
// failure a repeated boot is allowed to hit.
func isDuplicateIndex(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1061
}
