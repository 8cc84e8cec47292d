package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"shiftdesk/internal/models"
)

// Resend preconditions, surfaced as sentinels so the HTTP layer can map
// them to statuses with errors.Is.
var (
	ErrLogNotFound = errors.New("email log not found")
	ErrLogBlocked  = errors.New("email log is blocked and cannot be resent")
)

// Emails owns the inbox_emails and email_logs tables. The email log is the
// pipeline's sole externally visible state machine; all status transitions
// go through these methods.
type Emails struct {
	db *sqlx.DB
}

// UpsertInbox inserts a fetched message unless its provider message id was
// already seen for the account. Returns true when a new row was inserted.
func (e *Emails) UpsertInbox(ctx context.Context, accountID string, msg models.RawMessage) (bool, error) {
	var existing int64
	err := e.db.GetContext(ctx, &existing, e.db.Rebind(`
		SELECT id FROM inbox_emails
		WHERE account_id = ? AND provider_message_id = ?`),
		accountID, msg.ProviderMessageID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to check inbox dedupe: %w", err)
	}

	_, err = e.db.ExecContext(ctx, e.db.Rebind(`
		INSERT INTO inbox_emails
			(account_id, provider_message_id, from_email, from_name, subject, body, received_at, has_attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		accountID, msg.ProviderMessageID, msg.FromEmail, msg.FromName,
		msg.Subject, msg.Body, msg.ReceivedAt, msg.HasAttachments)
	if err != nil {
		return false, fmt.Errorf("failed to insert inbox email: %w", err)
	}
	return true, nil
}

// MirrorPending creates a pending email_logs row for every inbox email that
// has none yet. Idempotent; the unique constraint on inbox_email_id keeps a
// lineage to exactly one row.
func (e *Emails) MirrorPending(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO email_logs (inbox_email_id, sender_email, subject, body, status)
		SELECT i.id, i.from_email, i.subject, i.body, 'pending'
		FROM inbox_emails i
		LEFT JOIN email_logs l ON l.inbox_email_id = i.id
		WHERE l.id IS NULL`)
	if err != nil {
		return fmt.Errorf("failed to mirror inbox emails into log: %w", err)
	}
	return nil
}

// ListPending returns pending log rows FIFO by created_at.
func (e *Emails) ListPending(ctx context.Context) ([]models.EmailLog, error) {
	var logs []models.EmailLog
	err := e.db.SelectContext(ctx, &logs, `
		SELECT * FROM email_logs
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending emails: %w", err)
	}
	return logs, nil
}

// ListLogs returns the newest rows for the log view.
func (e *Emails) ListLogs(ctx context.Context, limit int) ([]models.EmailLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var logs []models.EmailLog
	err := e.db.SelectContext(ctx, &logs, e.db.Rebind(`
		SELECT * FROM email_logs
		ORDER BY created_at DESC, id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list email logs: %w", err)
	}
	return logs, nil
}

// GetLog returns one log row by id, or nil when absent.
func (e *Emails) GetLog(ctx context.Context, id int64) (*models.EmailLog, error) {
	var logRow models.EmailLog
	err := e.db.GetContext(ctx, &logRow, e.db.Rebind(`
		SELECT * FROM email_logs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email log %d: %w", id, err)
	}
	return &logRow, nil
}

// RecordClassification persists the classifier verdict on the log row and
// mirrors the category onto the inbox row so a later run (for example after
// the auto-response toggle turns on) skips the second model call.
func (e *Emails) RecordClassification(ctx context.Context, logRow *models.EmailLog, classification string, req *models.ShiftRequest) error {
	var shiftDate, shiftStart, shiftEnd, unit, grade *string
	if req != nil {
		shiftDate, shiftStart, shiftEnd = &req.ShiftDate, &req.ShiftStart, &req.ShiftEnd
		unit, grade = &req.Unit, &req.Grade
	}

	_, err := e.db.ExecContext(ctx, e.db.Rebind(`
		UPDATE email_logs
		SET classification = ?, shift_date = ?, shift_start = ?, shift_end = ?, unit = ?, grade = ?
		WHERE id = ?`),
		classification, shiftDate, shiftStart, shiftEnd, unit, grade, logRow.ID)
	if err != nil {
		return fmt.Errorf("failed to record classification: %w", err)
	}

	_, err = e.db.ExecContext(ctx, e.db.Rebind(`
		UPDATE inbox_emails SET category = ? WHERE id = ?`),
		classification, logRow.InboxEmailID)
	if err != nil {
		return fmt.Errorf("failed to record inbox category: %w", err)
	}
	return nil
}

// MarkBlocked writes the terminal blocked status and mirrors the category
// onto the inbox row, which otherwise only happens in RecordClassification.
func (e *Emails) MarkBlocked(ctx context.Context, id int64, reason string) error {
	now := time.Now().UTC()
	_, err := e.db.ExecContext(ctx, e.db.Rebind(`
		UPDATE email_logs
		SET status = 'blocked', classification = 'blocked', error_message = ?, processed_at = ?
		WHERE id = ?`), reason, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark email log %d blocked: %w", id, err)
	}

	_, err = e.db.ExecContext(ctx, e.db.Rebind(`
		UPDATE inbox_emails SET category = 'blocked'
		WHERE id = (SELECT inbox_email_id FROM email_logs WHERE id = ?)`), id)
	if err != nil {
		return fmt.Errorf("failed to record inbox category for blocked email log %d: %w", id, err)
	}
	return nil
}

// MarkFailed writes the failed status with a human-readable reason.
// incrementRetry bumps retry_count and stamps last_retry_at; retry_count
// never decreases.
func (e *Emails) MarkFailed(ctx context.Context, id int64, reason string, incrementRetry bool) error {
	now := time.Now().UTC()
	var err error
	if incrementRetry {
		_, err = e.db.ExecContext(ctx, e.db.Rebind(`
			UPDATE email_logs
			SET status = 'failed', error_message = ?, processed_at = ?,
			    retry_count = retry_count + 1, last_retry_at = ?
			WHERE id = ?`), reason, now, now, id)
	} else {
		_, err = e.db.ExecContext(ctx, e.db.Rebind(`
			UPDATE email_logs
			SET status = 'failed', error_message = ?, processed_at = ?
			WHERE id = ?`), reason, now, id)
	}
	if err != nil {
		return fmt.Errorf("failed to mark email log %d failed: %w", id, err)
	}
	return nil
}

// MarkSent writes the terminal sent status with the rendered reply and the
// wall-clock duration of the provider send call.
func (e *Emails) MarkSent(ctx context.Context, id int64, responseBody string, responseTimeMs int64) error {
	now := time.Now().UTC()
	_, err := e.db.ExecContext(ctx, e.db.Rebind(`
		UPDATE email_logs
		SET status = 'sent', response_body = ?, response_time_ms = ?, error_message = NULL, processed_at = ?
		WHERE id = ?`), responseBody, responseTimeMs, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark email log %d sent: %w", id, err)
	}
	return nil
}

// SetMatchTx records the matched nurse on the log row inside the same
// transaction that flips the availability slot.
func (e *Emails) SetMatchTx(ctx context.Context, tx *sqlx.Tx, id, nurseID int64) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE email_logs SET matched_nurse_id = ? WHERE id = ?`), nurseID, id)
	if err != nil {
		return fmt.Errorf("failed to set match on email log %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("email log %d not found for match write", id)
	}
	return nil
}

// ClearMatch removes the matched nurse after the availability slot has been
// released on a send failure.
func (e *Emails) ClearMatch(ctx context.Context, id int64) error {
	_, err := e.db.ExecContext(ctx, e.db.Rebind(`
		UPDATE email_logs SET matched_nurse_id = NULL WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to clear match on email log %d: %w", id, err)
	}
	return nil
}

// GetSyncCursor returns the persisted fetch cursor for the account, or ""
// before the first pull.
func (e *Emails) GetSyncCursor(ctx context.Context, accountID string) (string, error) {
	var cursor string
	err := e.db.GetContext(ctx, &cursor, e.db.Rebind(`
		SELECT last_cursor FROM sync_cursors WHERE account_id = ?`), accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return cursor, nil
}

// SetSyncCursor persists the fetch cursor for the account.
func (e *Emails) SetSyncCursor(ctx context.Context, accountID, cursor string) error {
	res, err := e.db.ExecContext(ctx, e.db.Rebind(`
		UPDATE sync_cursors SET last_cursor = ? WHERE account_id = ?`), cursor, accountID)
	if err != nil {
		return fmt.Errorf("failed to update sync cursor: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = e.db.ExecContext(ctx, e.db.Rebind(`
		INSERT INTO sync_cursors (account_id, last_cursor) VALUES (?, ?)`), accountID, cursor)
	if err != nil {
		return fmt.Errorf("failed to insert sync cursor: %w", err)
	}
	return nil
}

// ResendReset moves a row back to pending and clears error_message without
// creating a new row. Blocked rows are terminal.
func (e *Emails) ResendReset(ctx context.Context, id int64) (*models.EmailLog, error) {
	logRow, err := e.GetLog(ctx, id)
	if err != nil {
		return nil, err
	}
	if logRow == nil {
		return nil, fmt.Errorf("email log %d: %w", id, ErrLogNotFound)
	}
	if logRow.Status == models.StatusBlocked {
		return nil, fmt.Errorf("email log %d: %w", id, ErrLogBlocked)
	}
	if logRow.Status == models.StatusPending {
		return logRow, nil
	}

	_, err = e.db.ExecContext(ctx, e.db.Rebind(`
		UPDATE email_logs
		SET status = 'pending', error_message = NULL
		WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to reset email log %d: %w", id, err)
	}

	logRow.Status = models.StatusPending
	logRow.ErrorMessage = nil
	return logRow, nil
}
