package webhooks

import "context"

const (
	squareConsumer = "square-webhook"
	stripeConsumer = "stripe-webhook"
)

// eventGuard remembers delivered provider event ids so retries are acknowledged without reprocessing.
type eventGuard interface {
	CheckAndMarkProcessed(ctx context.Context, consumer, eventID string) (bool, error)
	Delete(ctx context.Context, consumer, eventID string) error
}
