package mailbox

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"shiftdesk/internal/pipeline"
)

// SendGridSender sends replies via SendGrid. It implements the Sender half
// of a Provider.
type SendGridSender struct {
	apiKey    string
	fromEmail string
	fromName  string
}

// NewSendGridSender creates a SendGrid-backed sender.
func NewSendGridSender(apiKey, fromEmail, fromName string) *SendGridSender {
	return &SendGridSender{
		apiKey:    apiKey,
		fromEmail: fromEmail,
		fromName:  fromName,
	}
}

// SendMessage sends an HTML reply and returns the provider message id.
func (s *SendGridSender) SendMessage(ctx context.Context, accountID, to, subject, htmlBody string) (string, error) {
	if s.apiKey == "" {
		return "", pipeline.Fail(pipeline.ErrConfigurationMissing, "SendGrid API key not configured")
	}

	from := mail.NewEmail(s.fromName, s.fromEmail)
	recipient := mail.NewEmail("", to)
	message := mail.NewSingleEmail(from, subject, recipient, htmlBody, htmlBody)

	client := sendgrid.NewSendClient(s.apiKey)
	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return "", pipeline.Fail(pipeline.ErrTransport, "failed to send email: %v", err)
	}

	if response.StatusCode >= 400 {
		return "", pipeline.Fail(pipeline.ErrTransport,
			"SendGrid API error: status %d, body: %s", response.StatusCode, response.Body)
	}

	messageID := response.Headers["X-Message-Id"]
	if len(messageID) > 0 {
		return messageID[0], nil
	}
	return fmt.Sprintf("sendgrid-%d", response.StatusCode), nil
}
