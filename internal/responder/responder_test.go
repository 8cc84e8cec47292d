package responder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftdesk/internal/models"
	"shiftdesk/internal/pipeline"
)

type fakeSender struct {
	messageID string
	err       error
	delay     time.Duration
	lastTo    string
	lastBody  string
	calls     int
}

func (f *fakeSender) SendMessage(ctx context.Context, accountID, to, subject, htmlBody string) (string, error) {
	f.calls++
	f.lastTo = to
	f.lastBody = htmlBody
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.messageID, f.err
}

type fakePrompts struct {
	prompt *models.Prompt
}

func (f *fakePrompts) GetActivePrompt(ctx context.Context, name string) (*models.Prompt, error) {
	return f.prompt, nil
}

func TestRender_SubstitutesPlaceholders(t *testing.T) {
	body, err := Render(
		"Hi, {{nurse_name}} ({{nurse_grade}}) can cover {{unit}} on {{shift_date}}.",
		map[string]string{
			"nurse_name":  "A. Smith",
			"nurse_grade": "RN",
			"unit":        "ICU",
			"shift_date":  "2024-06-01",
		})

	require.NoError(t, err)
	assert.Equal(t, "Hi, A. Smith (RN) can cover ICU on 2024-06-01.", body)
}

func TestRender_ToleratesWhitespaceInsidePlaceholders(t *testing.T) {
	body, err := Render("{{ nurse_name }} confirmed.", map[string]string{"nurse_name": "A. Smith"})

	require.NoError(t, err)
	assert.Equal(t, "A. Smith confirmed.", body)
}

func TestRender_MissingPlaceholderIsConfigurationError(t *testing.T) {
	_, err := Render("{{nurse_name}} covers {{unit}}.", map[string]string{"nurse_name": "A. Smith"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrConfigurationMissing))
	assert.Contains(t, err.Error(), "unit")
}

func TestRender_EmptyValueCountsAsMissing(t *testing.T) {
	_, err := Render("{{unit}}", map[string]string{"unit": "  "})

	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrConfigurationMissing))
}

func TestRenderReply_NoActivePrompt(t *testing.T) {
	r := New(&fakePrompts{prompt: nil}, &fakeSender{}, time.Second, zerolog.Nop())

	_, err := r.RenderReply(context.Background(), models.PromptShiftReply, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrConfigurationMissing))
	assert.Contains(t, err.Error(), models.PromptShiftReply)
}

func TestSend_Success(t *testing.T) {
	sender := &fakeSender{messageID: "prov-123"}
	r := New(&fakePrompts{}, sender, time.Second, zerolog.Nop())

	result, err := r.Send(context.Background(), "primary", "jane@approved.com", "Re: Need RN", "<p>done</p>")

	require.NoError(t, err)
	assert.Equal(t, "prov-123", result.ProviderMessageID)
	assert.Equal(t, "<p>done</p>", result.Body)
	assert.GreaterOrEqual(t, result.ResponseTimeMs, int64(0))
	assert.Equal(t, "jane@approved.com", sender.lastTo)
}

func TestSend_ProviderFailureIsTransportError(t *testing.T) {
	sender := &fakeSender{err: errors.New("rate limited")}
	r := New(&fakePrompts{}, sender, time.Second, zerolog.Nop())

	_, err := r.Send(context.Background(), "primary", "jane@approved.com", "Re: Need RN", "body")

	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrTransport))
}

func TestSend_TimeoutIsTransportError(t *testing.T) {
	sender := &fakeSender{delay: 200 * time.Millisecond}
	r := New(&fakePrompts{}, sender, 20*time.Millisecond, zerolog.Nop())

	_, err := r.Send(context.Background(), "primary", "jane@approved.com", "Re: Need RN", "body")

	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrTransport))
	assert.Contains(t, err.Error(), "timed out")
}

func TestSend_NoSenderIsConfigurationError(t *testing.T) {
	r := New(&fakePrompts{}, nil, time.Second, zerolog.Nop())

	_, err := r.Send(context.Background(), "primary", "jane@approved.com", "Re: Need RN", "body")

	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrConfigurationMissing))
}

func TestReplyValues(t *testing.T) {
	unit := "ICU"
	date := "2024-06-01"
	logRow := &models.EmailLog{
		SenderEmail: "jane@approved.com",
		Subject:     "Need RN for ICU",
		Unit:        &unit,
		ShiftDate:   &date,
	}

	values := ReplyValues(logRow, ReplyMatch{NurseName: "A. Smith", NurseGrade: "RN"})

	assert.Equal(t, "jane@approved.com", values["sender_email"])
	assert.Equal(t, "A. Smith", values["nurse_name"])
	assert.Equal(t, "RN", values["nurse_grade"])
	assert.Equal(t, "ICU", values["unit"])
	assert.Equal(t, "2024-06-01", values["shift_date"])
	_, hasStart := values["shift_start"]
	assert.False(t, hasStart, "nil fields stay absent so templates fail loudly")
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: Need RN", ReplySubject("Need RN"))
	assert.Equal(t, "Re: Need RN", ReplySubject("Re: Need RN"))
	assert.Equal(t, "RE: Need RN", ReplySubject("RE: Need RN"))
}
