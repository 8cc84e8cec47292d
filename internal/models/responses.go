package models

import "time"

// HealthResponse represents a basic health check response
// @Description Health check response
type HealthResponse struct {
	Status    string    `json:"status" example:"healthy"`                 // Health status
	Timestamp time.Time `json:"timestamp" example:"2023-01-01T00:00:00Z"` // Timestamp of the check
	Version   string    `json:"version" example:"1.0.0"`                  // Application version
}

// DBHealthResponse represents a database health check response
// @Description Database health check response
type DBHealthResponse struct {
	Status    string        `json:"status" example:"healthy"`                   // Health status
	Timestamp time.Time     `json:"timestamp" example:"2023-01-01T00:00:00Z"`   // Timestamp of the check
	Connected bool          `json:"connected" example:"true"`                   // Database connection status
	Latency   time.Duration `json:"latency" swaggertype:"string" example:"1ms"` // Database ping latency
	Error     string        `json:"error,omitempty" example:""`                 // Error message if any
}

// ProcessResponse represents the outcome of a process-now trigger
// @Description Processing run summary
type ProcessResponse struct {
	Success   bool   `json:"success" example:"true"`     // Whether the run completed
	Processed int    `json:"processed" example:"3"`      // Messages processed this run
	Sent      int    `json:"sent" example:"2"`           // Replies sent
	Failed    int    `json:"failed" example:"1"`         // Messages that failed
	Blocked   int    `json:"blocked" example:"0"`        // Messages from unapproved senders
	Skipped   int    `json:"skipped" example:"0"`        // Messages locked by a concurrent run
	Error     string `json:"error,omitempty" example:""` // Error message if any
}

// ResendResponse represents the outcome of a manual resend request
// @Description Manual resend response
type ResendResponse struct {
	Success bool   `json:"success" example:"true"`             // Whether the row was re-queued
	Message string `json:"message" example:"re-queued"`        // Response message
	Error   string `json:"error,omitempty" example:""`         // Error message if any
	ID      int64  `json:"id,omitempty" example:"42"`          // EmailLog id
	Status  string `json:"status,omitempty" example:"pending"` // Status after the resend
}

// SyncResponse represents the outcome of a sync-now trigger
// @Description Mailbox sync response
type SyncResponse struct {
	Success  bool   `json:"success" example:"true"`     // Whether the sync ran
	Fetched  int    `json:"fetched" example:"5"`        // Messages fetched from the provider
	Inserted int    `json:"inserted" example:"2"`       // New inbox rows after dedupe
	Error    string `json:"error,omitempty" example:""` // Error message if any
}

// LogsResponse represents a page of email log rows
// @Description Email log listing
type LogsResponse struct {
	Logs  []EmailLog `json:"logs"`                       // Email log rows, newest first
	Count int        `json:"count" example:"20"`         // Number of rows returned
	Error string     `json:"error,omitempty" example:""` // Error message if any
}
