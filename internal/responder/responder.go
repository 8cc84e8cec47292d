// Package responder renders the reply for a processed email from its
// template and hands it to the mailbox provider. The send is timed; the
// wall-clock duration lands on the log row as response_time_ms.
package responder

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"shiftdesk/internal/mailbox"
	"shiftdesk/internal/models"
	"shiftdesk/internal/pipeline"
)

// placeholderRe matches {{name}} placeholders in prompt templates.
var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// PromptSource looks up the active reply template by name.
type PromptSource interface {
	GetActivePrompt(ctx context.Context, name string) (*models.Prompt, error)
}

// SendResult is the outcome of a successful send.
type SendResult struct {
	ProviderMessageID string
	Body              string
	ResponseTimeMs    int64
}

// Responder renders and sends replies.
type Responder struct {
	prompts PromptSource
	sender  mailbox.Sender
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a responder. timeout bounds a single provider send call;
// a timeout surfaces as a recoverable transport error.
func New(prompts PromptSource, sender mailbox.Sender, timeout time.Duration, logger zerolog.Logger) *Responder {
	return &Responder{
		prompts: prompts,
		sender:  sender,
		timeout: timeout,
		logger:  logger,
	}
}

// Render substitutes values into every {{placeholder}} of the template. A
// placeholder with no value is a configuration error, never silently
// dropped.
func Render(template string, values map[string]string) (string, error) {
	var missing []string
	body := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		value, ok := values[name]
		if !ok || strings.TrimSpace(value) == "" {
			missing = append(missing, name)
			return match
		}
		return value
	})
	if len(missing) > 0 {
		return "", pipeline.Fail(pipeline.ErrConfigurationMissing,
			"prompt placeholder(s) with no value: %s", strings.Join(missing, ", "))
	}
	return body, nil
}

// RenderReply looks up the active prompt by name and renders it.
func (r *Responder) RenderReply(ctx context.Context, promptName string, values map[string]string) (string, error) {
	prompt, err := r.prompts.GetActivePrompt(ctx, promptName)
	if err != nil {
		return "", err
	}
	if prompt == nil {
		return "", pipeline.Fail(pipeline.ErrConfigurationMissing,
			"no active %q prompt configured", promptName)
	}
	return Render(prompt.Content, values)
}

// Send delivers the rendered reply through the provider and measures the
// call. Provider failures and timeouts map to the recoverable transport
// error path.
func (r *Responder) Send(ctx context.Context, accountID, to, subject, body string) (*SendResult, error) {
	if r.sender == nil {
		return nil, pipeline.Fail(pipeline.ErrConfigurationMissing, "no mailbox provider connected")
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	messageID, err := r.sender.SendMessage(sendCtx, accountID, to, subject, body)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		if sendCtx.Err() != nil {
			return nil, pipeline.Fail(pipeline.ErrTransport,
				"send timed out after %s", r.timeout)
		}
		// Providers already wrap their failures in the taxonomy; anything
		// else is a transport error.
		if pipeline.IsUnconfigured(err) || pipeline.IsRecoverable(err) {
			return nil, err
		}
		return nil, pipeline.Fail(pipeline.ErrTransport, "send failed: %v", err)
	}

	r.logger.Info().
		Str("to", to).
		Str("provider_message_id", messageID).
		Int64("response_time_ms", elapsed).
		Msg("Reply sent")

	return &SendResult{
		ProviderMessageID: messageID,
		Body:              body,
		ResponseTimeMs:    elapsed,
	}, nil
}

// ReplyValues builds the substitution map for a reply template from the
// matched nurse and the extracted shift.
func ReplyValues(logRow *models.EmailLog, result ReplyMatch) map[string]string {
	values := map[string]string{
		"sender_email": logRow.SenderEmail,
		"subject":      logRow.Subject,
		"nurse_name":   result.NurseName,
		"nurse_grade":  result.NurseGrade,
	}
	for name, field := range map[string]*string{
		"shift_date":  logRow.ShiftDate,
		"shift_start": logRow.ShiftStart,
		"shift_end":   logRow.ShiftEnd,
		"unit":        logRow.Unit,
		"grade":       logRow.Grade,
	} {
		if field != nil {
			values[name] = *field
		}
	}
	return values
}

// ReplyMatch carries the nurse fields a reply template may reference.
type ReplyMatch struct {
	NurseName  string
	NurseGrade string
}

// ReplySubject derives the reply subject line.
func ReplySubject(original string) string {
	if strings.HasPrefix(strings.ToLower(original), "re:") {
		return original
	}
	return fmt.Sprintf("Re: %s", original)
}
