package syncd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"shiftdesk/internal/guard"
	"shiftdesk/internal/mailbox"
	"shiftdesk/internal/models"
)

// ErrInFlight is returned when a manual sync overlaps a running pull.
var ErrInFlight = errors.New("sync already in flight for account")

// Inbox is the slice of the store the daemon writes through.
type Inbox interface {
	UpsertInbox(ctx context.Context, accountID string, msg models.RawMessage) (bool, error)
	GetSyncCursor(ctx context.Context, accountID string) (string, error)
	SetSyncCursor(ctx context.Context, accountID, cursor string) error
}

// Daemon pulls new messages from the mailbox provider on a fixed interval
// and mirrors them into inbox_emails. At most one pull runs per account at
// a time; overlapping triggers are reported as skipped, not queued.
type Daemon struct {
	fetcher   mailbox.Fetcher
	inbox     Inbox
	guard     guard.Guard
	accountID string
	interval  time.Duration
	onNewMail func()
	logger    zerolog.Logger
}

// Result summarizes one pull.
type Result struct {
	Fetched  int
	Inserted int
}

// New builds a daemon for a single account. onNewMail may be nil; when set
// it is invoked after a pull that inserted at least one message.
func New(fetcher mailbox.Fetcher, inbox Inbox, g guard.Guard, accountID string, interval time.Duration, onNewMail func(), logger zerolog.Logger) *Daemon {
	if g == nil {
		g = guard.NewMemory()
	}
	return &Daemon{
		fetcher:   fetcher,
		inbox:     inbox,
		guard:     g,
		accountID: accountID,
		interval:  interval,
		onNewMail: onNewMail,
		logger:    logger.With().Str("component", "syncd").Str("account", accountID).Logger(),
	}
}

// Run blocks until ctx is cancelled, pulling once immediately and then on
// every interval tick. Pull errors are logged and do not stop the loop.
func (d *Daemon) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.pull(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pull(ctx)
		}
	}
}

func (d *Daemon) pull(ctx context.Context) {
	res, err := d.SyncNow(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("Mailbox pull failed")
		return
	}
	if res.Fetched > 0 {
		d.logger.Info().Int("fetched", res.Fetched).Int("inserted", res.Inserted).Msg("Mailbox pull complete")
	}
}

// SyncNow performs one pull for the account. When a pull is already in
// flight it returns ErrInFlight without touching the provider.
func (d *Daemon) SyncNow(ctx context.Context) (Result, error) {
	release, ok := d.guard.TryAcquire(ctx, "sync:"+d.accountID)
	if !ok {
		return Result{}, ErrInFlight
	}
	defer release()

	cursor, err := d.inbox.GetSyncCursor(ctx, d.accountID)
	if err != nil {
		return Result{}, err
	}

	msgs, nextCursor, err := d.fetcher.FetchNewMessages(ctx, d.accountID, cursor)
	if err != nil {
		return Result{}, fmt.Errorf("fetch failed for account %s: %w", d.accountID, err)
	}

	res := Result{Fetched: len(msgs)}
	for _, msg := range msgs {
		inserted, err := d.inbox.UpsertInbox(ctx, d.accountID, msg)
		if err != nil {
			return res, fmt.Errorf("failed to store message %s: %w", msg.ProviderMessageID, err)
		}
		if inserted {
			res.Inserted++
		}
	}

	if nextCursor != "" && nextCursor != cursor {
		if err := d.inbox.SetSyncCursor(ctx, d.accountID, nextCursor); err != nil {
			return res, err
		}
	}

	if res.Inserted > 0 && d.onNewMail != nil {
		d.onNewMail()
	}
	return res, nil
}
