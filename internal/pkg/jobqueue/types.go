package jobqueue

import (
	"encoding/json"
	"time"
)

type JobType string

// JobTypeArchivePayload copies one verified webhook body to object storage.
const JobTypeArchivePayload JobType = "archive_payload"

// JobStatus is the lifecycle state stored on the job record. Retrying jobs
// wait in the retry set until their delay elapses.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job is the JSON record kept under ArchiveJobKeyPrefix+ID.
type Job struct {
	ID      string                 `json:"id"`
	Type    JobType                `json:"type"`
	Status  JobStatus              `json:"status"`
	Payload map[string]interface{} `json:"payload"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	ErrorMsg   string `json:"error_msg,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ArchivePayloadJobPayload carries one verified webhook body to the archive
// workers. Body is base64 in the stored JSON.
type ArchivePayloadJobPayload struct {
	Provider      string    `json:"provider"`
	Body          []byte    `json:"body"`
	ReceivedAt    time.Time `json:"received_at"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// ToMap flattens the payload into the generic Job.Payload form.
func (p ArchivePayloadJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"provider":    p.Provider,
		"body":        p.Body,
		"received_at": p.ReceivedAt,
	}
	if p.CorrelationID != "" {
		m["correlation_id"] = p.CorrelationID
	}
	return m
}

// ArchivePayloadJobPayloadFromMap decodes a payload read back from Redis.
func ArchivePayloadJobPayloadFromMap(data map[string]interface{}) (*ArchivePayloadJobPayload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	payload := &ArchivePayloadJobPayload{}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// IsRetryable is true for a failed job with attempts left.
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status, j.UpdatedAt, j.ProcessedAt = JobStatusProcessing, now, &now
}

func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status, j.UpdatedAt, j.CompletedAt = JobStatusCompleted, now, &now
	j.ErrorMsg = ""
}

// MarkAsFailed records the error and consumes one attempt.
func (j *Job) MarkAsFailed(reason string) {
	j.Status, j.UpdatedAt, j.ErrorMsg = JobStatusFailed, time.Now(), reason
	j.RetryCount++
}

func (j *Job) MarkAsRetrying() {
	j.Status, j.UpdatedAt = JobStatusRetrying, time.Now()
}
