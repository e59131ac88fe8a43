package model

import "time"

// ExecutionRecord is the write-once log entry for one stage execution.
type ExecutionRecord struct {
	ID         string         `json:"id"`
	UploadID   string         `json:"upload_id"`
	Stage      Stage          `json:"stage"`
	Success    bool           `json:"success"`
	Counts     map[string]int `json:"counts,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Warnings   []string       `json:"warnings,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
}
