package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/dispensary-engine/pkg/logger"
)

const defaultPendingPaymentTTL = 72 * time.Hour

// OrderTTLJobParams configure the stale order expiry job.
type OrderTTLJobParams struct {
	Logger *logger.Logger
	Orders staleOrderExpirer
	// TTL is how long an order may wait in pending_payment before it is cancelled.
	TTL time.Duration
}

type staleOrderExpirer interface {
	ExpireStaleOrders(ctx context.Context, cutoff time.Time) (int, error)
}

// NewOrderTTLJob builds the job that cancels orders whose payment never arrived.
func NewOrderTTLJob(params OrderTTLJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders service required")
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = defaultPendingPaymentTTL
	}
	return &orderTTLJob{
		logg:   params.Logger,
		orders: params.Orders,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

type orderTTLJob struct {
	logg   *logger.Logger
	orders staleOrderExpirer
	ttl    time.Duration
	now    func() time.Time
}

func (j *orderTTLJob) Name() string { return "order-ttl" }

func (j *orderTTLJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.ttl)
	expired, err := j.orders.ExpireStaleOrders(ctx, cutoff)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":  cutoff,
		"expired": expired,
	})
	if err != nil {
		return fmt.Errorf("expire stale orders: %w", err)
	}
	j.logg.Info(logCtx, "order expiration loop complete")
	return nil
}
