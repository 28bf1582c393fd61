// Package jobs is the Redis signalling layer between the API server and the
// standalone workers: enqueueing pushes a wake-up marker per source,
// listening workers block on those lists instead of polling Postgres.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nacsos/meta-cache/internal/domain"
)

// QueueName returns the Redis list for one source's wake-up markers.
func QueueName(tag domain.SourceTag) string {
	return "meta-cache-" + string(tag)
}

type Bus struct {
	rdb *redis.Client
}

// New connects the bus. url is a redis URL (redis://host:port/db).
func New(url string) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Bus{rdb: redis.NewClient(opts)}, nil
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}

// Wake drops a marker for every given source. Markers carry the enqueue
// timestamp; their content is informational, their presence is the signal.
func (b *Bus) Wake(ctx context.Context, tags []domain.SourceTag) error {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, tag := range tags {
		if err := b.rdb.LPush(ctx, QueueName(tag), now).Err(); err != nil {
			return fmt.Errorf("wake %s: %w", tag, err)
		}
	}
	return nil
}

// Wait blocks until any of the sources has a marker, then drains that
// source's list (one drain run covers every pending marker) and returns the
// tag. A zero timeout blocks forever; an elapsed timeout returns ("", nil).
func (b *Bus) Wait(ctx context.Context, tags []domain.SourceTag, timeout time.Duration) (domain.SourceTag, error) {
	keys := make([]string, len(tags))
	byKey := make(map[string]domain.SourceTag, len(tags))
	for i, tag := range tags {
		keys[i] = QueueName(tag)
		byKey[keys[i]] = tag
	}

	res, err := b.rdb.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("wait for jobs: %w", err)
	}
	tag := byKey[res[0]]
	if err := b.rdb.Del(ctx, res[0]).Err(); err != nil {
		return tag, fmt.Errorf("drain job markers: %w", err)
	}
	return tag, nil
}
