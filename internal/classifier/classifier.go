// Package classifier decides what an inbound email is and pulls the shift
// fields out of it. The approved-sender gate runs before anything else, so
// mail from unknown senders never reaches the model.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/text/cases"

	"shiftdesk/internal/models"
	"shiftdesk/internal/pipeline"
)

// LLM is the chat-completion surface the classifier needs.
type LLM interface {
	CreateChatCompletion(ctx context.Context, messages []openai.ChatCompletionMessage, maxTokens int, temperature float32) (*openai.ChatCompletionResponse, error)
}

// RuleSource supplies the allow-list and the classification prompt, read
// fresh on every call so admin edits take effect immediately.
type RuleSource interface {
	ListApprovedSenders(ctx context.Context) (map[string]bool, error)
	GetActivePrompt(ctx context.Context, name string) (*models.Prompt, error)
}

// Verdict is the classification outcome. Shift is non-nil only for
// nhs_shift_asking.
type Verdict struct {
	Classification string
	Shift          *models.ShiftRequest
}

// Classifier applies the sender gate and the active classification prompt.
type Classifier struct {
	llm     LLM
	rules   RuleSource
	timeout time.Duration
	logger  zerolog.Logger
	folder  cases.Caser
}

// New creates a classifier. timeout bounds a single model call.
func New(llm LLM, rules RuleSource, timeout time.Duration, logger zerolog.Logger) *Classifier {
	return &Classifier{
		llm:     llm,
		rules:   rules,
		timeout: timeout,
		logger:  logger,
		folder:  cases.Fold(),
	}
}

// verdictPayload is the strict JSON shape the model must answer with.
type verdictPayload struct {
	Classification string `json:"classification"`
	ShiftDate      string `json:"shift_date"`
	ShiftStart     string `json:"shift_start"`
	ShiftEnd       string `json:"shift_end"`
	Unit           string `json:"unit"`
	Grade          string `json:"grade"`
}

// Classify runs the sender gate and, for approved senders, the prompt-driven
// classification. Blocked mail costs no model call and no extraction. An
// ambiguous or incomplete extraction is a soft failure
// (pipeline.ErrClassificationAmbiguous), never a crash.
func (c *Classifier) Classify(ctx context.Context, senderEmail, subject, body string) (Verdict, error) {
	approved, err := c.rules.ListApprovedSenders(ctx)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to load approved senders: %w", err)
	}
	if !approved[c.folder.String(senderEmail)] {
		return Verdict{Classification: models.ClassBlocked}, nil
	}

	prompt, err := c.rules.GetActivePrompt(ctx, models.PromptClassify)
	if err != nil {
		return Verdict{}, err
	}
	if prompt == nil {
		return Verdict{}, pipeline.Fail(pipeline.ErrConfigurationMissing,
			"no active %q prompt configured", models.PromptClassify)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: prompt.Content},
		{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("From: %s\nSubject: %s\n\n%s", senderEmail, subject, body)},
	}

	resp, err := c.llm.CreateChatCompletion(callCtx, messages, 300, 0.0)
	if err != nil {
		return Verdict{}, pipeline.Fail(pipeline.ErrTransport, "classification call failed: %v", err)
	}
	if len(resp.Choices) == 0 {
		return Verdict{}, pipeline.Fail(pipeline.ErrClassificationAmbiguous, "model returned no answer")
	}

	verdict, err := parseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		return Verdict{}, err
	}

	c.logger.Debug().
		Str("sender", senderEmail).
		Str("classification", verdict.Classification).
		Msg("Email classified")

	return verdict, nil
}

// parseVerdict decodes the model answer into a Verdict. Extraction is
// attempted only for shift requests; all five shift fields are required.
func parseVerdict(answer string) (Verdict, error) {
	var payload verdictPayload
	if err := json.Unmarshal([]byte(stripCodeFence(answer)), &payload); err != nil {
		return Verdict{}, pipeline.Fail(pipeline.ErrClassificationAmbiguous,
			"model answer is not valid JSON: %v", err)
	}

	switch payload.Classification {
	case models.ClassShiftConfirmed, models.ClassOther:
		return Verdict{Classification: payload.Classification}, nil
	case models.ClassShiftRequest:
		// fall through to extraction
	default:
		return Verdict{}, pipeline.Fail(pipeline.ErrClassificationAmbiguous,
			"model returned unknown classification %q", payload.Classification)
	}

	var missing []string
	for _, field := range []struct{ name, value string }{
		{"shift_date", payload.ShiftDate},
		{"shift_start", payload.ShiftStart},
		{"shift_end", payload.ShiftEnd},
		{"unit", payload.Unit},
		{"grade", payload.Grade},
	} {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return Verdict{}, pipeline.Fail(pipeline.ErrClassificationAmbiguous,
			"could not extract shift fields: %s", strings.Join(missing, ", "))
	}

	if _, err := time.Parse("2006-01-02", payload.ShiftDate); err != nil {
		return Verdict{}, pipeline.Fail(pipeline.ErrClassificationAmbiguous,
			"shift_date %q is not a valid date", payload.ShiftDate)
	}
	for _, tv := range []struct{ name, value string }{
		{"shift_start", payload.ShiftStart},
		{"shift_end", payload.ShiftEnd},
	} {
		if _, err := time.Parse("15:04", tv.value); err != nil {
			return Verdict{}, pipeline.Fail(pipeline.ErrClassificationAmbiguous,
				"%s %q is not a valid time", tv.name, tv.value)
		}
	}

	return Verdict{
		Classification: models.ClassShiftRequest,
		Shift: &models.ShiftRequest{
			ShiftDate:  payload.ShiftDate,
			ShiftStart: payload.ShiftStart,
			ShiftEnd:   payload.ShiftEnd,
			Unit:       strings.TrimSpace(payload.Unit),
			Grade:      strings.ToUpper(strings.TrimSpace(payload.Grade)),
		},
	}, nil
}

// stripCodeFence removes a markdown ```json fence if the model wrapped its
// answer in one.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
