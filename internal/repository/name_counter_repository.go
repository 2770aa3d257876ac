package repository

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const nameCounterPrefix = "media:name-counter:"

// NameCounterRepository keeps the per-base-name counters in Redis so that
// instances never hand out the same suffix.
type NameCounterRepository struct {
	rdb *redis.Client
}

func NewNameCounterRepository(rdb *redis.Client) *NameCounterRepository {
	return &NameCounterRepository{rdb: rdb}
}

// Next increments the counter of base. A missing counter is initialised with
// the value returned by seed; if another instance initialises it first the
// counter is incremented instead.
func (r *NameCounterRepository) Next(ctx context.Context, base string, seed func(ctx context.Context) (int64, error)) (int64, error) {
	key := nameCounterPrefix + base

	exists, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to check counter %q: %w", base, err)
	}
	if exists == 1 {
		return r.incr(ctx, key)
	}

	value, err := seed(ctx)
	if err != nil {
		return 0, err
	}

	ok, err := r.rdb.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to seed counter %q: %w", base, err)
	}
	if ok {
		return value, nil
	}
	return r.incr(ctx, key)
}

func (r *NameCounterRepository) incr(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %q: %w", key, err)
	}
	return n, nil
}
