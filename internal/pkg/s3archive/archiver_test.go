package s3archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/TunnelFox/app/models"
	"github.com/ManuelReschke/TunnelFox/app/repository"
	"github.com/ManuelReschke/TunnelFox/app/repository/repositorytest"
)

type recordingUploader struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (u *recordingUploader) PutObject(_ context.Context, key string, body []byte, contentType string) error {
	if u.err != nil {
		return u.err
	}
	u.keys = append(u.keys, key)
	u.bodies = append(u.bodies, append([]byte(nil), body...))
	return nil
}

func seedAttempts(t *testing.T, repos *repository.Repositories, at ...time.Time) {
	t.Helper()
	for i, ts := range at {
		require.NoError(t, repos.Attempt.Create(&models.ProvisionAttempt{
			SubscriptionID: uint(i + 1),
			Function:       models.AttemptFunctionCreate,
			Success:        i%2 == 0,
			CreatedAt:      ts,
		}))
	}
}

func TestArchiveWritesJSONLinesForWindow(t *testing.T) {
	day := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	repos := repositorytest.NewRepositories()
	seedAttempts(t, repos,
		day.Add(-time.Minute),
		day.Add(time.Hour),
		day.Add(2*time.Hour),
		day.Add(3*time.Hour),
		day.Add(24*time.Hour),
	)
	up := &recordingUploader{}
	a := NewArchiver(repos.Attempt, up, &Config{Prefix: "prod"})
	a.batchSize = 2

	res, err := a.Archive(context.Background(), day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
	require.Len(t, up.keys, 1)
	assert.True(t, strings.HasPrefix(res.ObjectKey, "prod/attempts/2026/03/07/"))
	assert.True(t, strings.HasSuffix(res.ObjectKey, ".jsonl"))
	assert.Equal(t, len(up.bodies[0]), res.Bytes)

	var subs []uint
	scanner := bufio.NewScanner(bytes.NewReader(up.bodies[0]))
	for scanner.Scan() {
		var row models.ProvisionAttempt
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		subs = append(subs, row.SubscriptionID)
	}
	assert.Equal(t, []uint{2, 3, 4}, subs)
}

func TestArchiveEmptyWindowUploadsNothing(t *testing.T) {
	repos := repositorytest.NewRepositories()
	up := &recordingUploader{}
	a := NewArchiver(repos.Attempt, up, &Config{})

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := a.Archive(context.Background(), from, from.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Count)
	assert.Empty(t, res.ObjectKey)
	assert.Empty(t, up.keys)

	_, err = a.Archive(context.Background(), from, from)
	assert.Error(t, err)
}

func TestArchiveSurfacesUploadError(t *testing.T) {
	now := time.Now().UTC()
	repos := repositorytest.NewRepositories()
	seedAttempts(t, repos, now)
	a := NewArchiver(repos.Attempt, &recordingUploader{err: errors.New("bucket gone")}, &Config{})

	_, err := a.Archive(context.Background(), now.Add(-time.Minute), now.Add(time.Minute))
	assert.EqualError(t, err, "bucket gone")
}

func TestObjectKey(t *testing.T) {
	cfg := &Config{}
	day := time.Date(2025, 12, 31, 23, 0, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "attempts/2025/12/31/abc.jsonl", cfg.ObjectKey(day, "abc"))
}

func TestLoadConfigRequiresCredentialsWhenEnabled(t *testing.T) {
	t.Setenv("S3_ARCHIVE_ENABLED", "true")
	t.Setenv("S3_ACCESS_KEY_ID", "")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("S3_ACCESS_KEY_ID", "key")
	t.Setenv("S3_SECRET_ACCESS_KEY", "secret")
	t.Setenv("S3_BUCKET_NAME", "attempts")
	t.Setenv("S3_ARCHIVE_PREFIX", "/prod/")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsEnabled())
	assert.Equal(t, "prod", cfg.Prefix)
}
