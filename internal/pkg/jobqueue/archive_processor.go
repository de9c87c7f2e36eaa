package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TunnelFox/internal/pkg/s3archive"
)

// AttemptArchiver exports attempt rows of a time window.
type AttemptArchiver interface {
	Archive(ctx context.Context, from, to time.Time) (*s3archive.Result, error)
}

// EnqueueArchiveAttemptsJob queues the export of attempts created in [from, to).
func (q *Queue) EnqueueArchiveAttemptsJob(from, to time.Time) (*Job, error) {
	payload := ArchiveAttemptsJobPayload{From: from, To: to}
	return q.EnqueueJob(JobTypeArchiveAttempts, payload.ToMap())
}

// ArchiveHandler runs archive_attempts jobs.
func ArchiveHandler(a AttemptArchiver) Handler {
	return func(ctx context.Context, job *Job) error {
		payload, err := ArchiveAttemptsJobPayloadFromMap(job.Payload)
		if err != nil {
			return Permanent(fmt.Errorf("invalid archive payload: %w", err))
		}
		if !payload.To.After(payload.From) {
			return Permanent(fmt.Errorf("archive window %s..%s is empty", payload.From, payload.To))
		}
		res, err := a.Archive(ctx, payload.From, payload.To)
		if err != nil {
			return err
		}
		log.Infof("[JobQueue] Archived %d attempts (%s)", res.Count, res.ObjectKey)
		return nil
	}
}

// previousDay returns the UTC day before now as [from, to).
func previousDay(now time.Time) (time.Time, time.Time) {
	to := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)
	return to.AddDate(0, 0, -1), to
}
