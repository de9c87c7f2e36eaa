package counter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/TunnelFox/internal/pkg/cache"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/database"
)

const (
	panelSuccessKey = "panel:counters:success"
	panelFailureKey = "panel:counters:failure"
)

// Recorder feeds provisioning outcomes into the pending Redis counters.
type Recorder struct{}

// Record increments the success or failure counter of a panel. Errors are
// logged only; counters never fail a provisioning call.
func (Recorder) Record(panelID uint, success bool) {
	if err := AddOutcome(panelID, success); err != nil {
		log.Warnf("[Counter] Failed to record outcome for panel %d: %v", panelID, err)
	}
}

// AddOutcome increments the pending counter for a panel in Redis
func AddOutcome(panelID uint, success bool) error {
	key := panelFailureKey
	if success {
		key = panelSuccessKey
	}
	field := strconv.FormatUint(uint64(panelID), 10)
	return cache.GetClient().HIncrBy(context.Background(), key, field, 1).Err()
}

// Pending returns the not yet flushed counters of a panel.
func Pending(ctx context.Context, panelID uint) (success, failure int64, err error) {
	rdb := cache.GetClient()
	field := strconv.FormatUint(uint64(panelID), 10)
	success, err = hgetInt(ctx, rdb, panelSuccessKey, field)
	if err != nil {
		return 0, 0, err
	}
	failure, err = hgetInt(ctx, rdb, panelFailureKey, field)
	return success, failure, err
}

func hgetInt(ctx context.Context, rdb *redis.Client, key, field string) (int64, error) {
	v, err := rdb.HGet(ctx, key, field).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// FlushAll moves the pending panel counters into the panels table
func FlushAll() error {
	if err := flushHashToTable(panelSuccessKey, "panels", "success_count"); err != nil {
		return err
	}
	return flushHashToTable(panelFailureKey, "panels", "failure_count")
}

type increment struct {
	id  uint64
	inc int64
}

// flushHashToTable drains a Redis hash atomically and applies batched increments to table.
// Uses RENAME to a temporary key so in-flight increments land in a fresh hash.
func flushHashToTable(redisKey, table, column string) error {
	ctx := context.Background()
	pairs, err := drain(ctx, cache.GetClient(), redisKey)
	if err != nil || len(pairs) == 0 {
		return err
	}
	sql, args := incrementSQL(table, column, pairs)
	return database.GetDB().Exec(sql, args...).Error
}

func drain(ctx context.Context, rdb *redis.Client, redisKey string) ([]increment, error) {
	tmpKey := fmt.Sprintf("%s:tmp:%d", redisKey, time.Now().UnixNano())
	if err := rdb.Rename(ctx, redisKey, tmpKey).Err(); err != nil {
		// nothing pending
		if strings.Contains(strings.ToLower(err.Error()), "no such key") || err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	defer rdb.Del(ctx, tmpKey)

	data, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return nil, err
	}

	pairs := make([]increment, 0, len(data))
	for k, v := range data {
		id, perr := strconv.ParseUint(k, 10, 64)
		if perr != nil {
			continue
		}
		inc, ierr := strconv.ParseInt(v, 10, 64)
		if ierr != nil || inc == 0 {
			continue
		}
		pairs = append(pairs, increment{id: id, inc: inc})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].id < pairs[j].id })
	return pairs, nil
}

// incrementSQL builds
// UPDATE <table> SET <column> = <column> + CASE id WHEN ? THEN ? ... END WHERE id IN (...)
func incrementSQL(table, column string, pairs []increment) (string, []interface{}) {
	var builder strings.Builder
	args := make([]interface{}, 0, len(pairs)*3)
	builder.WriteString("UPDATE ")
	builder.WriteString(table)
	builder.WriteString(" SET ")
	builder.WriteString(column)
	builder.WriteString(" = ")
	builder.WriteString(column)
	builder.WriteString(" + CASE id")
	for _, p := range pairs {
		builder.WriteString(" WHEN ? THEN ?")
		args = append(args, p.id, p.inc)
	}
	builder.WriteString(" END WHERE id IN (")
	for i, p := range pairs {
		if i > 0 {
			builder.WriteString(",")
		}
		builder.WriteString("?")
		args = append(args, p.id)
	}
	builder.WriteString(")")
	return builder.String(), args
}
