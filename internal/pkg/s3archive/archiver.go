package s3archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/TunnelFox/app/repository"
)

const (
	defaultBatchSize = 500
	contentTypeJSONL = "application/x-ndjson"
)

// Result describes one archive run.
type Result struct {
	ObjectKey string    `json:"object_key,omitempty"`
	Count     int       `json:"count"`
	Bytes     int       `json:"bytes"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
}

// Archiver exports attempt log rows as JSON Lines.
type Archiver struct {
	attempts  repository.ProvisionAttemptRepository
	uploader  Uploader
	config    *Config
	batchSize int
}

func NewArchiver(attempts repository.ProvisionAttemptRepository, uploader Uploader, cfg *Config) *Archiver {
	return &Archiver{
		attempts:  attempts,
		uploader:  uploader,
		config:    cfg,
		batchSize: defaultBatchSize,
	}
}

// Archive uploads every attempt created in [from, to) as one object. An empty
// window uploads nothing. Rows stay in the database.
func (a *Archiver) Archive(ctx context.Context, from, to time.Time) (*Result, error) {
	if !to.After(from) {
		return nil, errors.New("archive window is empty: to must be after from")
	}

	res := &Result{From: from.UTC(), To: to.UTC()}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	var afterID uint
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := a.attempts.ListBetween(from, to, afterID, a.batchSize)
		if err != nil {
			return nil, fmt.Errorf("list attempts: %w", err)
		}
		for i := range batch {
			if err := enc.Encode(&batch[i]); err != nil {
				return nil, fmt.Errorf("encode attempt %d: %w", batch[i].ID, err)
			}
		}
		res.Count += len(batch)
		if len(batch) < a.batchSize {
			break
		}
		afterID = batch[len(batch)-1].ID
	}

	if res.Count == 0 {
		log.Debugf("[S3Archive] No attempts between %s and %s", res.From, res.To)
		return res, nil
	}

	res.ObjectKey = a.config.ObjectKey(from, uuid.NewString())
	res.Bytes = buf.Len()
	if err := a.uploader.PutObject(ctx, res.ObjectKey, buf.Bytes(), contentTypeJSONL); err != nil {
		return nil, err
	}
	log.Infof("[S3Archive] Archived %d attempts to %s", res.Count, res.ObjectKey)
	return res, nil
}
