package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_IsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		job       *Job
		retryable bool
	}{
		{
			name:      "Failed job with retries remaining",
			job:       &Job{Status: JobStatusFailed, RetryCount: 1, MaxRetries: 3},
			retryable: true,
		},
		{
			name:      "Failed job with no retries remaining",
			job:       &Job{Status: JobStatusFailed, RetryCount: 3, MaxRetries: 3},
			retryable: false,
		},
		{
			name:      "Completed job",
			job:       &Job{Status: JobStatusCompleted, RetryCount: 1, MaxRetries: 3},
			retryable: false,
		},
		{
			name:      "Pending job",
			job:       &Job{Status: JobStatusPending, MaxRetries: 3},
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.job.IsRetryable())
		})
	}
}

func TestJob_MarkAsProcessing(t *testing.T) {
	job := &Job{Status: JobStatusPending}

	before := time.Now()
	job.MarkAsProcessing()

	assert.Equal(t, JobStatusProcessing, job.Status)
	require.NotNil(t, job.ProcessedAt)
	assert.False(t, job.ProcessedAt.Before(before))
	assert.Equal(t, *job.ProcessedAt, job.UpdatedAt)
}

func TestJob_MarkAsCompletedClearsError(t *testing.T) {
	job := &Job{Status: JobStatusProcessing, ErrorMsg: "timeout", ErrorKind: "transport_timeout"}

	job.MarkAsCompleted()

	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.ErrorMsg)
	assert.Empty(t, job.ErrorKind)
}

func TestJob_MarkAsFailed(t *testing.T) {
	job := &Job{Status: JobStatusProcessing, RetryCount: 1, MaxRetries: 3}

	job.MarkAsFailed("panel unreachable")

	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "panel unreachable", job.ErrorMsg)
	assert.Equal(t, 2, job.RetryCount)
	assert.True(t, job.IsRetryable())
}

func TestJob_MarkAsPermanentlyFailed(t *testing.T) {
	job := &Job{Status: JobStatusProcessing, MaxRetries: 3}

	job.MarkAsPermanentlyFailed("plan is not bound to any panel")

	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, 3, job.RetryCount)
	assert.False(t, job.IsRetryable())
}

func TestProvisionJobPayloadFromStoredMap(t *testing.T) {
	// payloads come back from Redis JSON with float64 numbers
	payload, err := ProvisionJobPayloadFromMap(map[string]interface{}{
		"subscription_id": float64(42),
		"source":          "event",
	})
	require.NoError(t, err)
	assert.Equal(t, uint(42), payload.SubscriptionID)
	assert.Equal(t, "event", payload.Source)

	assert.NotContains(t, ProvisionJobPayload{SubscriptionID: 1}.ToMap(), "source")

	_, err = DeprovisionJobPayloadFromMap(map[string]interface{}{"subscription_id": "nope"})
	assert.Error(t, err)
}

func TestArchiveAttemptsJobPayloadKeepsWindow(t *testing.T) {
	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	stored := map[string]interface{}{}
	for k, v := range (ArchiveAttemptsJobPayload{From: from, To: to}).ToMap() {
		stored[k] = v
	}
	payload, err := ArchiveAttemptsJobPayloadFromMap(stored)
	require.NoError(t, err)
	assert.True(t, payload.From.Equal(from))
	assert.True(t, payload.To.Equal(to))
}
