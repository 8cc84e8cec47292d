// Package coordinator owns the email log state machine. It is the only
// writer of status transitions: the classifier, matcher, and responder
// report outcomes, and the coordinator decides what lands on the row.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"shiftdesk/internal/classifier"
	"shiftdesk/internal/guard"
	"shiftdesk/internal/matcher"
	"shiftdesk/internal/models"
	"shiftdesk/internal/pipeline"
	"shiftdesk/internal/responder"
)

// ErrEmailInFlight is returned when a resend targets a row another run is
// currently holding.
var ErrEmailInFlight = errors.New("email is already being processed")

// EmailStore is the slice of the store the coordinator drives transitions
// through.
type EmailStore interface {
	MirrorPending(ctx context.Context) error
	ListPending(ctx context.Context) ([]models.EmailLog, error)
	GetLog(ctx context.Context, id int64) (*models.EmailLog, error)
	RecordClassification(ctx context.Context, logRow *models.EmailLog, classification string, req *models.ShiftRequest) error
	MarkBlocked(ctx context.Context, id int64, reason string) error
	MarkFailed(ctx context.Context, id int64, reason string, incrementRetry bool) error
	MarkSent(ctx context.Context, id int64, responseBody string, responseTimeMs int64) error
	ResendReset(ctx context.Context, id int64) (*models.EmailLog, error)
}

// SettingSource reads the operator toggles snapshotted at the start of a run.
type SettingSource interface {
	GetBool(ctx context.Context, key string) (bool, error)
}

// Classifier produces a verdict for one email.
type Classifier interface {
	Classify(ctx context.Context, senderEmail, subject, body string) (classifier.Verdict, error)
}

// Matcher evaluates and books a nurse for an extracted shift request.
type Matcher interface {
	Evaluate(ctx context.Context, req models.ShiftRequest) (*matcher.Result, error)
	Existing(ctx context.Context, nurseID int64) (*matcher.Result, error)
	Commit(ctx context.Context, logID int64, result *matcher.Result) error
	Rollback(ctx context.Context, logID int64, result *matcher.Result) error
}

// Responder renders and delivers templated replies.
type Responder interface {
	RenderReply(ctx context.Context, promptName string, values map[string]string) (string, error)
	Send(ctx context.Context, accountID, to, subject, body string) (*responder.SendResult, error)
}

// Coordinator walks pending log rows FIFO and takes each to exactly one
// outcome. One row's failure never aborts the run.
type Coordinator struct {
	emails     EmailStore
	settings   SettingSource
	classifier Classifier
	matcher    Matcher
	responder  Responder
	guard      guard.Guard
	accountID  string
	logger     zerolog.Logger
}

// New wires the pipeline stages together. g may be nil; a process-local
// guard is used then.
func New(emails EmailStore, settings SettingSource, cl Classifier, m Matcher, r Responder, g guard.Guard, accountID string, logger zerolog.Logger) *Coordinator {
	if g == nil {
		g = guard.NewMemory()
	}
	return &Coordinator{
		emails:     emails,
		settings:   settings,
		classifier: cl,
		matcher:    m,
		responder:  r,
		guard:      g,
		accountID:  accountID,
		logger:     logger.With().Str("component", "coordinator").Logger(),
	}
}

// Run executes one processing pass. The operator toggles are read once at
// the start; a toggle flipped mid-run does not affect rows already picked
// up. With processing disabled the run is a no-op.
func (c *Coordinator) Run(ctx context.Context) (*models.ProcessResponse, error) {
	enabled, err := c.settings.GetBool(ctx, models.SettingProcessingEnabled)
	if err != nil {
		return nil, err
	}
	res := &models.ProcessResponse{Success: true}
	if !enabled {
		c.logger.Info().Msg("Email processing disabled, skipping run")
		return res, nil
	}
	autoRespond, err := c.settings.GetBool(ctx, models.SettingAutoResponseEnabled)
	if err != nil {
		return nil, err
	}

	if err := c.emails.MirrorPending(ctx); err != nil {
		return nil, err
	}
	pending, err := c.emails.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	for i := range pending {
		logRow := &pending[i]
		release, ok := c.guard.TryAcquire(ctx, fmt.Sprintf("email:%d", logRow.ID))
		if !ok {
			res.Skipped++
			continue
		}
		c.processOne(ctx, logRow, autoRespond, res)
		release()
	}

	c.logger.Info().
		Int("processed", res.Processed).
		Int("sent", res.Sent).
		Int("failed", res.Failed).
		Int("blocked", res.Blocked).
		Int("skipped", res.Skipped).
		Msg("Processing run complete")
	return res, nil
}

// Resend re-queues a single row and processes it immediately, bypassing the
// processing toggle. The operator asked for a send, so the auto-response
// snapshot is forced on for this row only.
func (c *Coordinator) Resend(ctx context.Context, id int64) (*models.EmailLog, error) {
	release, ok := c.guard.TryAcquire(ctx, fmt.Sprintf("email:%d", id))
	if !ok {
		return nil, ErrEmailInFlight
	}
	defer release()

	logRow, err := c.emails.ResendReset(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &models.ProcessResponse{}
	c.processOne(ctx, logRow, true, res)

	return c.emails.GetLog(ctx, id)
}

// processOne takes a pending row to exactly one outcome. Counters: every
// outcome increments Processed plus one of Sent, Failed, or Blocked; a row
// left pending because auto-response is off counts as Skipped only.
func (c *Coordinator) processOne(ctx context.Context, logRow *models.EmailLog, autoRespond bool, res *models.ProcessResponse) {
	verdict, err := c.verdictFor(ctx, logRow)
	if err != nil {
		c.fail(ctx, res, logRow.ID, err)
		return
	}

	if verdict.Classification == models.ClassBlocked {
		reason := pipeline.Reason(pipeline.Fail(pipeline.ErrBlockedSender,
			"%s is not on the approved sender list", logRow.SenderEmail))
		if err := c.emails.MarkBlocked(ctx, logRow.ID, reason); err != nil {
			c.logger.Error().Err(err).Int64("email_log_id", logRow.ID).Msg("Failed to mark email blocked")
			return
		}
		res.Blocked++
		res.Processed++
		return
	}

	if !autoRespond {
		c.logger.Debug().Int64("email_log_id", logRow.ID).Msg("Auto-response disabled, leaving row pending")
		res.Skipped++
		return
	}

	switch verdict.Classification {
	case models.ClassShiftRequest:
		c.handleShiftRequest(ctx, logRow, verdict, res)
	case models.ClassShiftConfirmed:
		c.sendReply(ctx, logRow, models.PromptConfirmReply, responder.ReplyMatch{}, res)
	default:
		c.fail(ctx, res, logRow.ID,
			fmt.Errorf("no automated response for classification %q", verdict.Classification))
	}
}

// verdictFor reuses a verdict already persisted on the row (a resend, or a
// run after the auto-response toggle turned on) so a row is classified by
// the model at most once. A fresh verdict is recorded before any further
// step can fail.
func (c *Coordinator) verdictFor(ctx context.Context, logRow *models.EmailLog) (classifier.Verdict, error) {
	if logRow.Classification != nil && *logRow.Classification != "" {
		v := classifier.Verdict{Classification: *logRow.Classification}
		if v.Classification == models.ClassShiftRequest && logRow.ShiftDate != nil &&
			logRow.ShiftStart != nil && logRow.ShiftEnd != nil && logRow.Unit != nil && logRow.Grade != nil {
			v.Shift = &models.ShiftRequest{
				ShiftDate:  *logRow.ShiftDate,
				ShiftStart: *logRow.ShiftStart,
				ShiftEnd:   *logRow.ShiftEnd,
				Unit:       *logRow.Unit,
				Grade:      *logRow.Grade,
			}
		}
		return v, nil
	}

	v, err := c.classifier.Classify(ctx, logRow.SenderEmail, logRow.Subject, logRow.Body)
	if err != nil {
		return classifier.Verdict{}, err
	}
	if v.Classification != models.ClassBlocked {
		if err := c.emails.RecordClassification(ctx, logRow, v.Classification, v.Shift); err != nil {
			return classifier.Verdict{}, err
		}
		logRow.Classification = &v.Classification
		if v.Shift != nil {
			s := *v.Shift
			logRow.ShiftDate, logRow.ShiftStart, logRow.ShiftEnd = &s.ShiftDate, &s.ShiftStart, &s.ShiftEnd
			logRow.Unit, logRow.Grade = &s.Unit, &s.Grade
		}
	}
	return v, nil
}

// handleShiftRequest books a nurse and replies. The booking is released if
// anything after the commit fails, so a failed row never pins a slot.
func (c *Coordinator) handleShiftRequest(ctx context.Context, logRow *models.EmailLog, verdict classifier.Verdict, res *models.ProcessResponse) {
	if verdict.Shift == nil {
		c.fail(ctx, res, logRow.ID, pipeline.Fail(pipeline.ErrClassificationAmbiguous,
			"shift request is missing extracted fields"))
		return
	}

	// A row that already carries a match (a resend after the booking stuck)
	// keeps its nurse; only the reply is re-sent.
	if logRow.MatchedNurseID != nil {
		match, err := c.matcher.Existing(ctx, *logRow.MatchedNurseID)
		if err != nil {
			c.fail(ctx, res, logRow.ID, err)
			return
		}
		reply := responder.ReplyMatch{NurseName: match.NurseName, NurseGrade: match.NurseGrade}
		c.sendReply(ctx, logRow, models.PromptShiftReply, reply, res)
		return
	}

	match, err := c.matcher.Evaluate(ctx, *verdict.Shift)
	if err != nil {
		c.fail(ctx, res, logRow.ID, err)
		return
	}
	if err := c.matcher.Commit(ctx, logRow.ID, match); err != nil {
		c.fail(ctx, res, logRow.ID, err)
		return
	}

	reply := responder.ReplyMatch{NurseName: match.NurseName, NurseGrade: match.NurseGrade}
	if !c.sendReply(ctx, logRow, models.PromptShiftReply, reply, res) {
		if err := c.matcher.Rollback(ctx, logRow.ID, match); err != nil {
			c.logger.Error().Err(err).Int64("email_log_id", logRow.ID).Msg("Failed to release booking")
		}
	}
}

// sendReply renders the named prompt and delivers it, reporting the outcome
// on the row. Returns true when the reply was sent.
func (c *Coordinator) sendReply(ctx context.Context, logRow *models.EmailLog, promptName string, reply responder.ReplyMatch, res *models.ProcessResponse) bool {
	values := responder.ReplyValues(logRow, reply)
	body, err := c.responder.RenderReply(ctx, promptName, values)
	if err != nil {
		c.fail(ctx, res, logRow.ID, err)
		return false
	}

	sent, err := c.responder.Send(ctx, c.accountID, logRow.SenderEmail, responder.ReplySubject(logRow.Subject), body)
	if err != nil {
		c.fail(ctx, res, logRow.ID, err)
		return false
	}

	if err := c.emails.MarkSent(ctx, logRow.ID, sent.Body, sent.ResponseTimeMs); err != nil {
		c.logger.Error().Err(err).Int64("email_log_id", logRow.ID).Msg("Failed to mark email sent")
		return true
	}
	res.Sent++
	res.Processed++
	return true
}

// fail records a failed outcome. retry_count is bumped only for failures a
// plain resend could recover from without an admin change.
func (c *Coordinator) fail(ctx context.Context, res *models.ProcessResponse, id int64, err error) {
	increment := errors.Is(err, pipeline.ErrTransport) ||
		errors.Is(err, pipeline.ErrClassificationAmbiguous)
	if markErr := c.emails.MarkFailed(ctx, id, pipeline.Reason(err), increment); markErr != nil {
		c.logger.Error().Err(markErr).Int64("email_log_id", id).Msg("Failed to record failure")
	}
	res.Failed++
	res.Processed++
	c.logger.Warn().Err(err).Int64("email_log_id", id).Msg("Email processing failed")
}
