package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"golang.org/x/text/cases"

	"shiftdesk/internal/models"
)

// Rules reads matching rules, booking rules, approved senders, and prompts.
type Rules struct {
	db *sqlx.DB
}

// ListActiveMatchingRules returns active matching rules ascending by priority.
func (r *Rules) ListActiveMatchingRules(ctx context.Context) ([]models.MatchingRule, error) {
	var rules []models.MatchingRule
	err := r.db.SelectContext(ctx, &rules, `
		SELECT id, name, rule_type, config, is_active, priority
		FROM matching_rules
		WHERE is_active = TRUE
		ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list matching rules: %w", err)
	}
	return rules, nil
}

// ListActiveBookingRules returns active booking rules ascending by priority.
func (r *Rules) ListActiveBookingRules(ctx context.Context) ([]models.BookingRule, error) {
	var rules []models.BookingRule
	err := r.db.SelectContext(ctx, &rules, `
		SELECT id, name, description, rule_type, config, is_active, priority
		FROM booking_rules
		WHERE is_active = TRUE
		ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list booking rules: %w", err)
	}
	return rules, nil
}

// ListApprovedSenders returns the active allow-list as a set keyed by
// case-folded address. Inactive entries do not approve.
func (r *Rules) ListApprovedSenders(ctx context.Context) (map[string]bool, error) {
	var senders []models.ApprovedSender
	err := r.db.SelectContext(ctx, &senders, `
		SELECT email, is_active FROM approved_senders WHERE is_active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved senders: %w", err)
	}

	folder := cases.Fold()
	set := make(map[string]bool, len(senders))
	for _, s := range senders {
		set[folder.String(s.Email)] = true
	}
	return set, nil
}

// GetActivePrompt returns the active prompt by name, or nil when no active
// prompt with that name exists.
func (r *Rules) GetActivePrompt(ctx context.Context, name string) (*models.Prompt, error) {
	var prompt models.Prompt
	err := r.db.GetContext(ctx, &prompt, r.db.Rebind(`
		SELECT name, content, is_active FROM prompts
		WHERE name = ? AND is_active = TRUE`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt %q: %w", name, err)
	}
	return &prompt, nil
}
