package models

import "time"

// EmailLog status values. Status is the pipeline's externally visible state
// machine: pending -> {sent, failed, blocked}; failed -> pending via resend.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusBlocked = "blocked"
)

// Classification outcomes produced by the classifier.
const (
	ClassShiftRequest   = "nhs_shift_asking"
	ClassShiftConfirmed = "nhs_shift_confirmed"
	ClassOther          = "other"
	ClassBlocked        = "blocked"
)

// Prompt names, keyed to classification outcomes.
const (
	PromptClassify     = "classify"
	PromptShiftReply   = "shift_reply"
	PromptConfirmReply = "confirm_reply"
)

// Settings keys read by the coordinator at the start of each run.
const (
	SettingProcessingEnabled   = "email_processing_enabled"
	SettingAutoResponseEnabled = "auto_response_enabled"
)

// InboxEmail mirrors a provider message pulled by the sync daemon. Immutable
// once created except for the read/star flags (set by the UI) and the
// classification category written after processing.
type InboxEmail struct {
	ID                int64     `db:"id" json:"id"`
	AccountID         string    `db:"account_id" json:"account_id"`
	ProviderMessageID string    `db:"provider_message_id" json:"provider_message_id"`
	FromEmail         string    `db:"from_email" json:"from_email"`
	FromName          string    `db:"from_name" json:"from_name"`
	Subject           string    `db:"subject" json:"subject"`
	Body              string    `db:"body" json:"body"`
	ReceivedAt        time.Time `db:"received_at" json:"received_at"`
	IsRead            bool      `db:"is_read" json:"is_read"`
	IsStarred         bool      `db:"is_starred" json:"is_starred"`
	Category          *string   `db:"category" json:"category,omitempty"`
	HasAttachments    bool      `db:"has_attachments" json:"has_attachments"`
}

// EmailLog is one processing-attempt lineage for an inbox email. A resend
// updates the same row back to pending rather than creating a new one.
type EmailLog struct {
	ID             int64      `db:"id" json:"id"`
	InboxEmailID   int64      `db:"inbox_email_id" json:"inbox_email_id"`
	SenderEmail    string     `db:"sender_email" json:"sender_email"`
	Subject        string     `db:"subject" json:"subject"`
	Body           string     `db:"body" json:"body"`
	Classification *string    `db:"classification" json:"classification,omitempty"`
	ShiftDate      *string    `db:"shift_date" json:"shift_date,omitempty"`
	ShiftStart     *string    `db:"shift_start" json:"shift_start,omitempty"`
	ShiftEnd       *string    `db:"shift_end" json:"shift_end,omitempty"`
	Unit           *string    `db:"unit" json:"unit,omitempty"`
	Grade          *string    `db:"grade" json:"grade,omitempty"`
	MatchedNurseID *int64     `db:"matched_nurse_id" json:"matched_nurse_id,omitempty"`
	ResponseBody   *string    `db:"response_body" json:"response_body,omitempty"`
	Status         string     `db:"status" json:"status"`
	ErrorMessage   *string    `db:"error_message" json:"error_message,omitempty"`
	RetryCount     int        `db:"retry_count" json:"retry_count"`
	LastRetryAt    *time.Time `db:"last_retry_at" json:"last_retry_at,omitempty"`
	ResponseTimeMs *int64     `db:"response_time_ms" json:"response_time_ms,omitempty"`
	ProcessedAt    *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// ShiftRequest holds the structured fields extracted from a shift-request
// email. All values are normalized strings: date "2006-01-02", times "15:04".
type ShiftRequest struct {
	ShiftDate  string `json:"shift_date"`
	ShiftStart string `json:"shift_start"`
	ShiftEnd   string `json:"shift_end"`
	Unit       string `json:"unit"`
	Grade      string `json:"grade"`
}

// Nurse is read-only input to the matcher.
type Nurse struct {
	ID    int64    `db:"id" json:"id"`
	Name  string   `db:"name" json:"name"`
	Grade string   `db:"grade" json:"grade"`
	Units []string `db:"-" json:"units"`
}

// NurseAvailability is an open slot a nurse can be booked into. The matcher
// flips IsAssigned inside the same transaction as the EmailLog write.
type NurseAvailability struct {
	ID            int64  `db:"id" json:"id"`
	NurseID       int64  `db:"nurse_id" json:"nurse_id"`
	AvailableDate string `db:"available_date" json:"available_date"`
	ShiftStart    string `db:"shift_start" json:"shift_start"`
	ShiftEnd      string `db:"shift_end" json:"shift_end"`
	Unit          string `db:"unit" json:"unit"`
	IsAssigned    bool   `db:"is_assigned" json:"is_assigned"`
}

// MatchingRule narrows or reorders the candidate set. Config is stored as a
// JSON object and decoded into a typed variant by the matcher.
type MatchingRule struct {
	ID       int64  `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	RuleType string `db:"rule_type" json:"rule_type"`
	Config   []byte `db:"config" json:"config"`
	IsActive bool   `db:"is_active" json:"is_active"`
	Priority int    `db:"priority" json:"priority"`
}

// BookingRule governs whether a surviving match may be finalized.
type BookingRule struct {
	ID          int64  `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description"`
	RuleType    string `db:"rule_type" json:"rule_type"`
	Config      []byte `db:"config" json:"config"`
	IsActive    bool   `db:"is_active" json:"is_active"`
	Priority    int    `db:"priority" json:"priority"`
}

// ApprovedSender is one allow-list entry. Inactive entries do not approve.
type ApprovedSender struct {
	Email    string `db:"email" json:"email"`
	IsActive bool   `db:"is_active" json:"is_active"`
}

// Prompt is an admin-editable template selected by name.
type Prompt struct {
	Name     string `db:"name" json:"name"`
	Content  string `db:"content" json:"content"`
	IsActive bool   `db:"is_active" json:"is_active"`
}

// RawMessage is a provider message as fetched, before it becomes an InboxEmail.
type RawMessage struct {
	ProviderMessageID string
	FromEmail         string
	FromName          string
	Subject           string
	Body              string
	ReceivedAt        time.Time
	HasAttachments    bool
}
