package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeProvision       JobType = "provision"
	JobTypeDeprovision     JobType = "deprovision"
	JobTypeArchiveAttempts JobType = "archive_attempts"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	ErrorKind   string                 `json:"error_kind,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// ProvisionJobPayload asks a worker to bring a subscription onto a panel.
type ProvisionJobPayload struct {
	SubscriptionID uint   `json:"subscription_id"`
	Source         string `json:"source,omitempty"` // "event", "admin"
}

// ToMap converts the payload to a map for storage
func (p ProvisionJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"subscription_id": p.SubscriptionID,
	}
	if p.Source != "" {
		m["source"] = p.Source
	}
	return m
}

// ProvisionJobPayloadFromMap decodes a stored provision payload.
func ProvisionJobPayloadFromMap(data map[string]interface{}) (*ProvisionJobPayload, error) {
	var payload ProvisionJobPayload
	return &payload, decodePayload(data, &payload)
}

// DeprovisionJobPayload asks a worker to remove the panel account of a subscription.
type DeprovisionJobPayload struct {
	SubscriptionID uint `json:"subscription_id"`
}

func (p DeprovisionJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"subscription_id": p.SubscriptionID,
	}
}

func DeprovisionJobPayloadFromMap(data map[string]interface{}) (*DeprovisionJobPayload, error) {
	var payload DeprovisionJobPayload
	return &payload, decodePayload(data, &payload)
}

// ArchiveAttemptsJobPayload selects the attempt rows created in [From, To).
type ArchiveAttemptsJobPayload struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (p ArchiveAttemptsJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"from": p.From.UTC().Format(time.RFC3339Nano),
		"to":   p.To.UTC().Format(time.RFC3339Nano),
	}
}

func ArchiveAttemptsJobPayloadFromMap(data map[string]interface{}) (*ArchiveAttemptsJobPayload, error) {
	var payload ArchiveAttemptsJobPayload
	return &payload, decodePayload(data, &payload)
}

// decodePayload round-trips through JSON so numbers stored as float64 land in typed fields.
func decodePayload(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
	j.ErrorKind = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsPermanentlyFailed fails the job and exhausts its retries.
func (j *Job) MarkAsPermanentlyFailed(errorMsg string) {
	j.MarkAsFailed(errorMsg)
	if j.RetryCount < j.MaxRetries {
		j.RetryCount = j.MaxRetries
	}
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
