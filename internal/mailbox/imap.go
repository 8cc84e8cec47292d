package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"

	"shiftdesk/internal/models"
	"shiftdesk/internal/pipeline"
)

// IMAPFetcher pulls inbox mail over IMAP. The sync cursor is the highest UID
// seen so far; each pull fetches everything above it. Connections are opened
// per pull so a dead connection never poisons the next run.
type IMAPFetcher struct {
	host     string
	port     int
	username string
	password string
	logger   zerolog.Logger
}

// NewIMAPFetcher creates an IMAP-backed fetcher.
func NewIMAPFetcher(host string, port int, username, password string, logger zerolog.Logger) *IMAPFetcher {
	return &IMAPFetcher{
		host:     host,
		port:     port,
		username: username,
		password: password,
		logger:   logger,
	}
}

// FetchNewMessages connects, selects INBOX, and fetches every message with a
// UID above sinceCursor. Returns the fetched messages and the new cursor.
func (f *IMAPFetcher) FetchNewMessages(ctx context.Context, accountID, sinceCursor string) ([]models.RawMessage, string, error) {
	addr := fmt.Sprintf("%s:%d", f.host, f.port)
	cl, err := client.DialTLS(addr, &tls.Config{
		ServerName: f.host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return nil, "", pipeline.Fail(pipeline.ErrTransport, "failed to connect to IMAP server: %v", err)
	}
	defer func() { _ = cl.Logout() }()

	if err := cl.Login(f.username, f.password); err != nil {
		return nil, "", pipeline.Fail(pipeline.ErrTransport, "failed to login to IMAP server: %v", err)
	}

	mbox, err := cl.Select("INBOX", true)
	if err != nil {
		return nil, "", pipeline.Fail(pipeline.ErrTransport, "failed to select INBOX: %v", err)
	}
	if mbox.Messages == 0 {
		return nil, sinceCursor, nil
	}

	lastUID := parseCursor(sinceCursor)

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(lastUID+1, 0) // 0 means "*"

	section := &imap.BodySectionName{BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier}, Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchInternalDate, imap.FetchBodyStructure, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- cl.UidFetch(seqSet, items, messages)
	}()

	var fetched []models.RawMessage
	newCursor := lastUID
	for msg := range messages {
		if msg.Uid <= lastUID {
			continue
		}
		if msg.Uid > newCursor {
			newCursor = msg.Uid
		}
		fetched = append(fetched, f.toRawMessage(msg, section))
	}

	select {
	case err = <-done:
	case <-ctx.Done():
		return nil, "", pipeline.Fail(pipeline.ErrTransport, "IMAP fetch canceled: %v", ctx.Err())
	}
	if err != nil {
		return nil, "", pipeline.Fail(pipeline.ErrTransport, "failed to fetch messages: %v", err)
	}

	f.logger.Debug().
		Str("account", accountID).
		Int("fetched", len(fetched)).
		Uint32("cursor", newCursor).
		Msg("IMAP pull complete")

	return fetched, formatCursor(newCursor), nil
}

func (f *IMAPFetcher) toRawMessage(msg *imap.Message, section *imap.BodySectionName) models.RawMessage {
	raw := models.RawMessage{
		ProviderMessageID: formatCursor(msg.Uid),
		ReceivedAt:        msg.InternalDate,
	}

	if env := msg.Envelope; env != nil {
		raw.Subject = env.Subject
		if env.MessageId != "" {
			raw.ProviderMessageID = env.MessageId
		}
		if len(env.From) > 0 {
			raw.FromEmail = env.From[0].Address()
			raw.FromName = env.From[0].PersonalName
		}
		if !env.Date.IsZero() {
			raw.ReceivedAt = env.Date
		}
	}

	if body := msg.GetBody(section); body != nil {
		if data, err := io.ReadAll(body); err == nil {
			raw.Body = strings.TrimSpace(string(data))
		}
	}

	if bs := msg.BodyStructure; bs != nil {
		raw.HasAttachments = hasAttachments(bs)
	}

	return raw
}

func hasAttachments(bs *imap.BodyStructure) bool {
	if strings.EqualFold(bs.Disposition, "attachment") {
		return true
	}
	for _, part := range bs.Parts {
		if hasAttachments(part) {
			return true
		}
	}
	return false
}

func parseCursor(cursor string) uint32 {
	if cursor == "" {
		return 0
	}
	uid, err := strconv.ParseUint(cursor, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(uid)
}

func formatCursor(uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10)
}
