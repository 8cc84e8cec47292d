package coordinator

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftdesk/internal/classifier"
	"shiftdesk/internal/guard"
	"shiftdesk/internal/matcher"
	"shiftdesk/internal/models"
	"shiftdesk/internal/pipeline"
	"shiftdesk/internal/responder"
	"shiftdesk/internal/store"
)

// fakeEmails keeps log rows in memory and records every transition.
type fakeEmails struct {
	rows        map[int64]*models.EmailLog
	order       []int64
	transitions []string
}

func newFakeEmails(rows ...*models.EmailLog) *fakeEmails {
	f := &fakeEmails{rows: map[int64]*models.EmailLog{}}
	for _, r := range rows {
		f.rows[r.ID] = r
		f.order = append(f.order, r.ID)
	}
	return f
}

func (f *fakeEmails) MirrorPending(context.Context) error { return nil }

func (f *fakeEmails) ListPending(context.Context) ([]models.EmailLog, error) {
	var out []models.EmailLog
	for _, id := range f.order {
		if f.rows[id].Status == models.StatusPending {
			out = append(out, *f.rows[id])
		}
	}
	return out, nil
}

func (f *fakeEmails) GetLog(_ context.Context, id int64) (*models.EmailLog, error) {
	row, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (f *fakeEmails) RecordClassification(_ context.Context, logRow *models.EmailLog, classification string, req *models.ShiftRequest) error {
	row := f.rows[logRow.ID]
	row.Classification = &classification
	if req != nil {
		s := *req
		row.ShiftDate, row.ShiftStart, row.ShiftEnd = &s.ShiftDate, &s.ShiftStart, &s.ShiftEnd
		row.Unit, row.Grade = &s.Unit, &s.Grade
	}
	f.transitions = append(f.transitions, fmt.Sprintf("classify:%d:%s", logRow.ID, classification))
	return nil
}

func (f *fakeEmails) MarkBlocked(_ context.Context, id int64, reason string) error {
	row := f.rows[id]
	row.Status = models.StatusBlocked
	row.ErrorMessage = &reason
	f.transitions = append(f.transitions, fmt.Sprintf("blocked:%d", id))
	return nil
}

func (f *fakeEmails) MarkFailed(_ context.Context, id int64, reason string, incrementRetry bool) error {
	row := f.rows[id]
	row.Status = models.StatusFailed
	row.ErrorMessage = &reason
	if incrementRetry {
		row.RetryCount++
	}
	f.transitions = append(f.transitions, fmt.Sprintf("failed:%d:retry=%v", id, incrementRetry))
	return nil
}

func (f *fakeEmails) MarkSent(_ context.Context, id int64, body string, ms int64) error {
	row := f.rows[id]
	row.Status = models.StatusSent
	row.ResponseBody = &body
	row.ResponseTimeMs = &ms
	row.ErrorMessage = nil
	f.transitions = append(f.transitions, fmt.Sprintf("sent:%d", id))
	return nil
}

func (f *fakeEmails) ResendReset(_ context.Context, id int64) (*models.EmailLog, error) {
	row, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("email log %d: %w", id, store.ErrLogNotFound)
	}
	if row.Status == models.StatusBlocked {
		return nil, fmt.Errorf("email log %d: %w", id, store.ErrLogBlocked)
	}
	row.Status = models.StatusPending
	row.ErrorMessage = nil
	cp := *row
	return &cp, nil
}

type fakeSettings struct {
	processing bool
	autoReply  bool
}

func (f *fakeSettings) GetBool(_ context.Context, key string) (bool, error) {
	if key == models.SettingProcessingEnabled {
		return f.processing, nil
	}
	return f.autoReply, nil
}

type fakeClassifier struct {
	verdicts map[string]classifier.Verdict
	errs     map[string]error
	calls    int
}

func (f *fakeClassifier) Classify(_ context.Context, sender, _, _ string) (classifier.Verdict, error) {
	f.calls++
	if err, ok := f.errs[sender]; ok {
		return classifier.Verdict{}, err
	}
	return f.verdicts[sender], nil
}

type fakeMatcher struct {
	result      *matcher.Result
	evalErr     error
	commitErr   error
	committed   []int64
	rolledBack  []int64
	evaluations int
}

func (f *fakeMatcher) Evaluate(context.Context, models.ShiftRequest) (*matcher.Result, error) {
	f.evaluations++
	if f.evalErr != nil {
		return nil, f.evalErr
	}
	return f.result, nil
}

func (f *fakeMatcher) Existing(_ context.Context, nurseID int64) (*matcher.Result, error) {
	if f.result != nil && f.result.NurseID == nurseID {
		return &matcher.Result{NurseID: nurseID, NurseName: f.result.NurseName, NurseGrade: f.result.NurseGrade}, nil
	}
	return nil, fmt.Errorf("matched nurse %d no longer exists", nurseID)
}

func (f *fakeMatcher) Commit(_ context.Context, logID int64, _ *matcher.Result) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = append(f.committed, logID)
	return nil
}

func (f *fakeMatcher) Rollback(_ context.Context, logID int64, _ *matcher.Result) error {
	f.rolledBack = append(f.rolledBack, logID)
	return nil
}

type fakeResponder struct {
	renderErr error
	sendErr   error
	sentTo    []string
	values    map[string]string
	prompt    string
}

func (f *fakeResponder) RenderReply(_ context.Context, promptName string, values map[string]string) (string, error) {
	f.prompt = promptName
	f.values = values
	if f.renderErr != nil {
		return "", f.renderErr
	}
	return "rendered reply", nil
}

func (f *fakeResponder) Send(_ context.Context, _, to, _, body string) (*responder.SendResult, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sentTo = append(f.sentTo, to)
	return &responder.SendResult{ProviderMessageID: "msg-1", Body: body, ResponseTimeMs: 12}, nil
}

func pendingRow(id int64, sender string) *models.EmailLog {
	return &models.EmailLog{
		ID:           id,
		InboxEmailID: id,
		SenderEmail:  sender,
		Subject:      "Night shift cover",
		Body:         "Need an RN for ICU on Friday 19:00-07:00",
		Status:       models.StatusPending,
	}
}

func shiftVerdict() classifier.Verdict {
	return classifier.Verdict{
		Classification: models.ClassShiftRequest,
		Shift: &models.ShiftRequest{
			ShiftDate:  "2026-09-04",
			ShiftStart: "19:00",
			ShiftEnd:   "07:00",
			Unit:       "ICU",
			Grade:      "RN",
		},
	}
}

func newTestCoordinator(emails *fakeEmails, settings *fakeSettings, cl *fakeClassifier, m *fakeMatcher, r *fakeResponder) *Coordinator {
	return New(emails, settings, cl, m, r, guard.NewMemory(), "primary", zerolog.Nop())
}

func TestRun_ProcessingDisabledIsNoOp(t *testing.T) {
	emails := newFakeEmails(pendingRow(1, "ward@hospital.test"))
	cl := &fakeClassifier{}
	c := newTestCoordinator(emails, &fakeSettings{processing: false, autoReply: true}, cl, &fakeMatcher{}, &fakeResponder{})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.Processed)
	assert.Zero(t, cl.calls, "disabled processing must not call the model")
	assert.Equal(t, models.StatusPending, emails.rows[1].Status)
}

func TestRun_ShiftRequestMatchedAndSent(t *testing.T) {
	emails := newFakeEmails(pendingRow(1, "ward@hospital.test"))
	cl := &fakeClassifier{verdicts: map[string]classifier.Verdict{"ward@hospital.test": shiftVerdict()}}
	m := &fakeMatcher{result: &matcher.Result{NurseID: 7, NurseName: "Priya Shah", NurseGrade: "RN", AvailabilityID: 3}}
	r := &fakeResponder{}
	c := newTestCoordinator(emails, &fakeSettings{processing: true, autoReply: true}, cl, m, r)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, models.StatusSent, emails.rows[1].Status)
	assert.Equal(t, []int64{1}, m.committed)
	assert.Empty(t, m.rolledBack)
	assert.Equal(t, models.PromptShiftReply, r.prompt)
	assert.Equal(t, "Priya Shah", r.values["nurse_name"])
	assert.Equal(t, "ICU", r.values["unit"])
	assert.Equal(t, []string{"ward@hospital.test"}, r.sentTo)
}

func TestRun_BlockedSenderNeverReachesMatcherOrSender(t *testing.T) {
	emails := newFakeEmails(pendingRow(1, "spam@example.test"))
	cl := &fakeClassifier{verdicts: map[string]classifier.Verdict{
		"spam@example.test": {Classification: models.ClassBlocked},
	}}
	m := &fakeMatcher{}
	r := &fakeResponder{}
	c := newTestCoordinator(emails, &fakeSettings{processing: true, autoReply: true}, cl, m, r)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Blocked)
	assert.Equal(t, models.StatusBlocked, emails.rows[1].Status)
	assert.Contains(t, *emails.rows[1].ErrorMessage, "not on the approved sender list")
	assert.Zero(t, m.evaluations)
	assert.Empty(t, r.sentTo)
}

func TestRun_AutoResponseDisabledLeavesRowPendingWithVerdict(t *testing.T) {
	emails := newFakeEmails(pendingRow(1, "ward@hospital.test"))
	cl := &fakeClassifier{verdicts: map[string]classifier.Verdict{"ward@hospital.test": shiftVerdict()}}
	c := newTestCoordinator(emails, &fakeSettings{processing: true, autoReply: false}, cl, &fakeMatcher{}, &fakeResponder{})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Processed)
	assert.Equal(t, models.StatusPending, emails.rows[1].Status)
	require.NotNil(t, emails.rows[1].Classification)
	assert.Equal(t, models.ClassShiftRequest, *emails.rows[1].Classification)
}

func TestRun_PersistedVerdictSkipsSecondModelCall(t *testing.T) {
	row := pendingRow(1, "ward@hospital.test")
	class := models.ClassShiftRequest
	date, start, end, unit, grade := "2026-09-04", "19:00", "07:00", "ICU", "RN"
	row.Classification = &class
	row.ShiftDate, row.ShiftStart, row.ShiftEnd, row.Unit, row.Grade = &date, &start, &end, &unit, &grade

	emails := newFakeEmails(row)
	cl := &fakeClassifier{}
	m := &fakeMatcher{result: &matcher.Result{NurseID: 7, NurseName: "Priya Shah", NurseGrade: "RN", AvailabilityID: 3}}
	c := newTestCoordinator(emails, &fakeSettings{processing: true, autoReply: true}, cl, m, &fakeResponder{})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Zero(t, cl.calls, "a recorded verdict must not be re-classified")
}

func TestRun_NoMatchFailsWithoutRetryIncrement(t *testing.T) {
	emails := newFakeEmails(pendingRow(1, "ward@hospital.test"))
	cl := &fakeClassifier{verdicts: map[string]classifier.Verdict{"ward@hospital.test": shiftVerdict()}}
	m := &fakeMatcher{evalErr: pipeline.Fail(pipeline.ErrNoMatch, "no available nurse for unit ICU in window 19:00-07:00 on 2026-09-04")}
	c := newTestCoordinator(emails, &fakeSettings{processing: true, autoReply: true}, cl, m, &fakeResponder{})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, models.StatusFailed, emails.rows[1].Status)
	assert.Zero(t, emails.rows[1].RetryCount)
	assert.Contains(t, *emails.rows[1].ErrorMessage, "no available nurse")
}

func TestRun_SendFailureReleasesBookingAndIncrementsRetry(t *testing.T) {
	emails := newFakeEmails(pendingRow(1, "ward@hospital.test"))
	cl := &fakeClassifier{verdicts: map[string]classifier.Verdict{"ward@hospital.test": shiftVerdict()}}
	m := &fakeMatcher{result: &matcher.Result{NurseID: 7, NurseName: "Priya Shah", NurseGrade: "RN", AvailabilityID: 3}}
	r := &fakeResponder{sendErr: pipeline.Fail(pipeline.ErrTransport, "send failed: 502")}
	c := newTestCoordinator(emails, &fakeSettings{processing: true, autoReply: true}, cl, m, r)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, models.StatusFailed, emails.rows[1].Status)
	assert.Equal(t, 1, emails.rows[1].RetryCount)
	assert.Equal(t, []int64{1}, m.committed)
	assert.Equal(t, []int64{1}, m.rolledBack, "the booked slot must be released on send failure")
}

func TestRun_AmbiguousClassificationIncrementsRetry(t *testing.T) {
	emails := newFakeEmails(pendingRow(1, "ward@hospital.test"))
	cl := &fakeClassifier{errs: map[string]error{
		"ward@hospital.test": pipeline.Fail(pipeline.ErrClassificationAmbiguous, "missing shift fields: unit"),
	}}
	c := newTestCoordinator(emails, &fakeSettings{processing: true, autoReply: true}, cl, &fakeMatcher{}, &fakeResponder{})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, emails.rows[1].RetryCount)
}

func TestRun_OtherClassificationFailsTerminally(t *testing.T) {
	emails := newFakeEmails(pendingRow(1, "ward@hospital.test"))
	cl := &fakeClassifier{verdicts: map[string]classifier.Verdict{
		"ward@hospital.test": {Classification: models.ClassOther},
	}}
	m := &fakeMatcher{}
	c := newTestCoordinator(emails, &fakeSettings{processing: true, autoReply: true}, cl, m, &fakeResponder{})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, emails.rows[1].RetryCount)
	assert.Zero(t, m.evaluations)
	assert.Contains(t, *emails.rows[1].ErrorMessage, `no automated response for classification "other"`)
}

func TestRun_ConfirmationSendsWithoutMatcher(t *testing.T) {
	emails := newFakeEmails(pendingRow(1, "ward@hospital.test"))
	cl := &fakeClassifier{verdicts: map[string]classifier.Verdict{
		"ward@hospital.test": {Classification: models.ClassShiftConfirmed},
	}}
	m := &fakeMatcher{}
	r := &fakeResponder{}
	c := newTestCoordinator(emails, &fakeSettings{processing: true, autoReply: true}, cl, m, r)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Zero(t, m.evaluations)
	assert.Equal(t, models.PromptConfirmReply, r.prompt)
}

func TestRun_OneFailureDoesNotAbortTheRun(t *testing.T) {
	emails := newFakeEmails(pendingRow(1, "bad@hospital.test"), pendingRow(2, "ward@hospital.test"))
	cl := &fakeClassifier{
		verdicts: map[string]classifier.Verdict{"ward@hospital.test": {Classification: models.ClassShiftConfirmed}},
		errs:     map[string]error{"bad@hospital.test": pipeline.Fail(pipeline.ErrTransport, "classification call failed")},
	}
	c := newTestCoordinator(emails, &fakeSettings{processing: true, autoReply: true}, cl, &fakeMatcher{}, &fakeResponder{})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, models.StatusFailed, emails.rows[1].Status)
	assert.Equal(t, models.StatusSent, emails.rows[2].Status)
}

func TestRun_GuardedRowIsSkipped(t *testing.T) {
	emails := newFakeEmails(pendingRow(1, "ward@hospital.test"))
	g := guard.NewMemory()
	release, ok := g.TryAcquire(context.Background(), "email:1")
	require.True(t, ok)
	defer release()

	cl := &fakeClassifier{}
	c := New(emails, &fakeSettings{processing: true, autoReply: true}, cl, &fakeMatcher{}, &fakeResponder{}, g, "primary", zerolog.Nop())

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, cl.calls)
	assert.Equal(t, models.StatusPending, emails.rows[1].Status)
}

func TestResend_FailedRowGoesThroughFullPipeline(t *testing.T) {
	row := pendingRow(1, "ward@hospital.test")
	row.Status = models.StatusFailed
	reason := "transport error: send failed"
	row.ErrorMessage = &reason
	class := models.ClassShiftConfirmed
	row.Classification = &class

	emails := newFakeEmails(row)
	cl := &fakeClassifier{}
	r := &fakeResponder{}
	c := newTestCoordinator(emails, &fakeSettings{processing: true, autoReply: false}, cl, &fakeMatcher{}, r)

	updated, err := c.Resend(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, models.StatusSent, updated.Status)
	assert.Nil(t, updated.ErrorMessage)
	assert.Zero(t, cl.calls, "resend reuses the persisted verdict")
	assert.Equal(t, []string{"ward@hospital.test"}, r.sentTo, "resend sends even with auto-response off")
}

func TestResend_SentShiftRequestKeepsItsNurse(t *testing.T) {
	row := pendingRow(1, "ward@hospital.test")
	row.Status = models.StatusSent
	class := models.ClassShiftRequest
	date, start, end, unit, grade := "2026-09-04", "19:00", "07:00", "ICU", "RN"
	nurseID := int64(7)
	row.Classification = &class
	row.ShiftDate, row.ShiftStart, row.ShiftEnd, row.Unit, row.Grade = &date, &start, &end, &unit, &grade
	row.MatchedNurseID = &nurseID

	emails := newFakeEmails(row)
	m := &fakeMatcher{result: &matcher.Result{NurseID: 7, NurseName: "Priya Shah", NurseGrade: "RN", AvailabilityID: 3}}
	r := &fakeResponder{}
	c := newTestCoordinator(emails, &fakeSettings{processing: true, autoReply: true}, &fakeClassifier{}, m, r)

	updated, err := c.Resend(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, updated.Status)
	assert.Zero(t, m.evaluations, "an existing match must not be re-evaluated")
	assert.Empty(t, m.committed, "no second slot may be booked")
	assert.Equal(t, "Priya Shah", r.values["nurse_name"])
}

func TestResend_BlockedRowIsRejected(t *testing.T) {
	row := pendingRow(1, "spam@example.test")
	row.Status = models.StatusBlocked

	emails := newFakeEmails(row)
	c := newTestCoordinator(emails, &fakeSettings{processing: true, autoReply: true}, &fakeClassifier{}, &fakeMatcher{}, &fakeResponder{})

	_, err := c.Resend(context.Background(), 1)
	assert.ErrorIs(t, err, store.ErrLogBlocked)
	assert.Equal(t, models.StatusBlocked, emails.rows[1].Status)
}

func TestResend_InFlightRowIsRejected(t *testing.T) {
	emails := newFakeEmails(pendingRow(1, "ward@hospital.test"))
	g := guard.NewMemory()
	release, ok := g.TryAcquire(context.Background(), "email:1")
	require.True(t, ok)
	defer release()

	c := New(emails, &fakeSettings{processing: true, autoReply: true}, &fakeClassifier{}, &fakeMatcher{}, &fakeResponder{}, g, "primary", zerolog.Nop())

	_, err := c.Resend(context.Background(), 1)
	assert.ErrorIs(t, err, ErrEmailInFlight)
}

func TestRun_CommitConflictFailsWithoutSend(t *testing.T) {
	emails := newFakeEmails(pendingRow(1, "ward@hospital.test"))
	cl := &fakeClassifier{verdicts: map[string]classifier.Verdict{"ward@hospital.test": shiftVerdict()}}
	m := &fakeMatcher{
		result:    &matcher.Result{NurseID: 7, NurseName: "Priya Shah", NurseGrade: "RN", AvailabilityID: 3},
		commitErr: fmt.Errorf("availability 3 already assigned"),
	}
	r := &fakeResponder{}
	c := newTestCoordinator(emails, &fakeSettings{processing: true, autoReply: true}, cl, m, r)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, r.sentTo)
	assert.Zero(t, emails.rows[1].RetryCount)
}
