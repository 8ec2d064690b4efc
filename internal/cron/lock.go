package cron

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/redis"
)

// Lock coordinates exclusive cron cycles across worker instances.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

var _ Lock = (*redis.Lock)(nil)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}
