// Package pipeline defines the error taxonomy shared by the classifier,
// matcher, responder, and coordinator. Every failure that can land on an
// email log row maps to exactly one of these kinds.
package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. All are terminal for the current attempt; none may
// crash the coordinator's run loop.
var (
	// ErrBlockedSender marks mail from a sender not on the allow-list.
	// Terminal, not a failure.
	ErrBlockedSender = errors.New("sender not approved")

	// ErrClassificationAmbiguous marks a shift request whose fields could
	// not be extracted. Soft failure; retry is user-initiated.
	ErrClassificationAmbiguous = errors.New("classification ambiguous")

	// ErrNoMatch marks a shift request no candidate nurse survived.
	ErrNoMatch = errors.New("no match found")

	// ErrTransport marks a recoverable provider failure (network, rate
	// limit, timeout). Eligible for manual resend.
	ErrTransport = errors.New("transport error")

	// ErrConfigurationMissing marks a setup gap (no active prompt, no
	// provider connected). The UI should prompt setup, not a blind retry.
	ErrConfigurationMissing = errors.New("configuration missing")
)

// Fail wraps a sentinel kind with human-readable detail for the log row.
func Fail(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Reason returns the error_message text persisted for err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsUnconfigured reports whether err should surface the distinct
// "unconfigured" reason so the UI prompts setup rather than a retry.
func IsUnconfigured(err error) bool {
	return errors.Is(err, ErrConfigurationMissing)
}

// IsRecoverable reports whether a manual resend has a chance of succeeding
// without an admin change. Transport failures are recoverable; blocked
// senders and configuration gaps are not.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrTransport)
}
