package syncd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftdesk/internal/guard"
	"shiftdesk/internal/models"
)

type fakeInbox struct {
	mu      sync.Mutex
	seen    map[string]bool
	cursors map[string]string
	failAt  string
}

func newFakeInbox() *fakeInbox {
	return &fakeInbox{seen: map[string]bool{}, cursors: map[string]string{}}
}

func (f *fakeInbox) UpsertInbox(_ context.Context, _ string, msg models.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.ProviderMessageID == f.failAt {
		return false, errors.New("insert failed")
	}
	if f.seen[msg.ProviderMessageID] {
		return false, nil
	}
	f.seen[msg.ProviderMessageID] = true
	return true, nil
}

func (f *fakeInbox) GetSyncCursor(_ context.Context, accountID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[accountID], nil
}

func (f *fakeInbox) SetSyncCursor(_ context.Context, accountID, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[accountID] = cursor
	return nil
}

type fakeFetcher struct {
	mu       sync.Mutex
	msgs     []models.RawMessage
	cursor   string
	err      error
	calls    int
	gotSince string
	block    chan struct{}
}

func (f *fakeFetcher) FetchNewMessages(ctx context.Context, _ string, since string) ([]models.RawMessage, string, error) {
	f.mu.Lock()
	f.calls++
	f.gotSince = since
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	if f.err != nil {
		return nil, "", f.err
	}
	return f.msgs, f.cursor, nil
}

func msg(id string) models.RawMessage {
	return models.RawMessage{
		ProviderMessageID: id,
		FromEmail:         "ward@hospital.test",
		Subject:           "Night shift cover",
		Body:              "Need an RN for ICU tomorrow",
		ReceivedAt:        time.Now(),
	}
}

func TestSyncNowInsertsAndAdvancesCursor(t *testing.T) {
	inbox := newFakeInbox()
	fetcher := &fakeFetcher{msgs: []models.RawMessage{msg("m1"), msg("m2")}, cursor: "42"}
	var notified int
	d := New(fetcher, inbox, guard.NewMemory(), "primary", time.Minute,
		func() { notified++ }, zerolog.Nop())

	res, err := d.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, "42", inbox.cursors["primary"])
	assert.Equal(t, 1, notified)
}

func TestSyncNowDeduplicatesByProviderID(t *testing.T) {
	inbox := newFakeInbox()
	fetcher := &fakeFetcher{msgs: []models.RawMessage{msg("m1")}, cursor: "7"}
	d := New(fetcher, inbox, guard.NewMemory(), "primary", time.Minute, nil, zerolog.Nop())

	_, err := d.SyncNow(context.Background())
	require.NoError(t, err)

	res, err := d.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 0, res.Inserted, "second pull of the same message should insert nothing")
}

func TestSyncNowPassesStoredCursor(t *testing.T) {
	inbox := newFakeInbox()
	inbox.cursors["primary"] = "100"
	fetcher := &fakeFetcher{cursor: "100"}
	d := New(fetcher, inbox, guard.NewMemory(), "primary", time.Minute, nil, zerolog.Nop())

	_, err := d.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "100", fetcher.gotSince)
}

func TestSyncNowRejectsOverlappingPull(t *testing.T) {
	inbox := newFakeInbox()
	fetcher := &fakeFetcher{block: make(chan struct{})}
	d := New(fetcher, inbox, guard.NewMemory(), "primary", time.Minute, nil, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.SyncNow(context.Background())
	}()

	// Wait for the first pull to reach the provider.
	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return fetcher.calls == 1
	}, time.Second, 5*time.Millisecond)

	_, err := d.SyncNow(context.Background())
	assert.ErrorIs(t, err, ErrInFlight)

	close(fetcher.block)
	<-done

	_, err = d.SyncNow(context.Background())
	assert.NoError(t, err, "guard must be released after the pull finishes")
}

func TestSyncNowNoNotifyWithoutNewMail(t *testing.T) {
	inbox := newFakeInbox()
	fetcher := &fakeFetcher{}
	var notified int
	d := New(fetcher, inbox, guard.NewMemory(), "primary", time.Minute,
		func() { notified++ }, zerolog.Nop())

	_, err := d.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, notified)
}

func TestSyncNowFetchErrorSurfaces(t *testing.T) {
	inbox := newFakeInbox()
	fetcher := &fakeFetcher{err: errors.New("imap dial failed")}
	d := New(fetcher, inbox, guard.NewMemory(), "primary", time.Minute, nil, zerolog.Nop())

	_, err := d.SyncNow(context.Background())
	assert.ErrorContains(t, err, "fetch failed for account primary")
}

func TestRunStopsOnCancel(t *testing.T) {
	inbox := newFakeInbox()
	fetcher := &fakeFetcher{}
	d := New(fetcher, inbox, guard.NewMemory(), "primary", 10*time.Millisecond, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return fetcher.calls >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
