package jobqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ManuelReschke/TunnelFox/internal/pkg/env"
	"github.com/redis/go-redis/v9"
)

// queueTestRedisDB keeps queue tests away from the cache and limiter databases.
const queueTestRedisDB = 14

// newIsolatedRedisClient connects to CACHE_HOST:CACHE_PORT on db and skips the
// test when no Redis answers.
func newIsolatedRedisClient(t *testing.T, db int) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379")),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	err := client.Ping(ctx).Err()
	cancel()
	if err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: %v", err)
	}

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

// resetQueueKeys removes the queue lists, the stats hash and every stored job.
func resetQueueKeys(t *testing.T, client *redis.Client) {
	t.Helper()

	ctx := context.Background()
	keys := []string{JobQueueKey, JobProcessingKey, JobStatsKey}
	iter := client.Scan(ctx, 0, JobKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		t.Fatalf("scan job keys: %v", err)
	}
	if err := client.Del(ctx, keys...).Err(); err != nil {
		t.Fatalf("delete job keys: %v", err)
	}
}
