// Package mailbox abstracts the external email service. The pipeline treats
// any provider call failure uniformly as a recoverable transport error; the
// provider owns its own credential lifecycle.
package mailbox

import (
	"context"

	"shiftdesk/internal/models"
)

// Fetcher pulls new messages for a mailbox account.
type Fetcher interface {
	// FetchNewMessages returns messages after sinceCursor along with the
	// cursor to persist for the next pull.
	FetchNewMessages(ctx context.Context, accountID, sinceCursor string) ([]models.RawMessage, string, error)
}

// Sender sends a reply for a mailbox account.
type Sender interface {
	// SendMessage sends an HTML reply and returns the provider message id.
	SendMessage(ctx context.Context, accountID, to, subject, htmlBody string) (string, error)
}

// Provider is a full mailbox: fetch plus send.
type Provider interface {
	Fetcher
	Sender
}

// Split combines independent fetch and send implementations into one
// Provider, e.g. IMAP inbox plus SendGrid outbound.
type Split struct {
	Fetcher
	Sender
}
