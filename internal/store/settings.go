package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
)

// Settings reads feature toggles from the settings table. Values are read
// fresh at the start of each coordinator run, never cached.
type Settings struct {
	db *sqlx.DB
}

// GetString returns the setting value, or "" when the key is absent.
func (s *Settings) GetString(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.db.Rebind(`
		SELECT setting_value FROM settings WHERE setting_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %q: %w", key, err)
	}
	return value, nil
}

// GetBool returns the setting parsed as a boolean; absent or unparsable
// values are false.
func (s *Settings) GetBool(ctx context.Context, key string) (bool, error) {
	value, err := s.GetString(ctx, key)
	if err != nil {
		return false, err
	}
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, nil
	}
	return parsed, nil
}
