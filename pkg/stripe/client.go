package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/angelmondragon/dispensary-engine/pkg/config"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type refundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// Client wraps the PaymentIntent and Refund endpoints plus env metadata.
type Client struct {
	intents       intentAPI
	refunds       refundAPI
	environment   string
	signingSecret string
	logg          *logger.Logger
}

// IntentParams authorizes a card for later capture.
type IntentParams struct {
	AmountCents     int64
	Currency        string
	PaymentMethodID string
	ReferenceID     string
	IdempotencyKey  string
}

// NewClient initializes Stripe once with the configured secrets and env.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}

	signingSecret := strings.TrimSpace(cfg.WebhookSecret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}

	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	api := client.New(apiKey, nil)

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s)", env))
	}

	return &Client{
		intents:       api.PaymentIntents,
		refunds:       api.Refunds,
		environment:   env,
		signingSecret: signingSecret,
		logg:          logg,
	}, nil
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

// Authorize confirms a manual-capture PaymentIntent; funds are held until CaptureIntent.
func (c *Client) Authorize(ctx context.Context, in IntentParams) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(in.AmountCents),
		Currency:      stripe.String(strings.ToLower(defaultCurrency(in.Currency))),
		PaymentMethod: stripe.String(in.PaymentMethodID),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if ref := strings.TrimSpace(in.ReferenceID); ref != "" {
		params.AddMetadata("reference_id", ref)
	}
	intent, err := c.intents.New(params)
	if err != nil {
		return nil, c.mapError(ctx, err, "authorize")
	}
	c.info(ctx, "authorize", intent)
	return intent, nil
}

// CaptureIntent collects the held amount.
func (c *Client) CaptureIntent(ctx context.Context, intentID, idempotencyKey string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	intent, err := c.intents.Capture(intentID, params)
	if err != nil {
		return nil, c.mapError(ctx, err, "capture")
	}
	c.info(ctx, "capture", intent)
	return intent, nil
}

// CancelIntent releases an uncaptured authorization.
func (c *Client) CancelIntent(ctx context.Context, intentID string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	intent, err := c.intents.Cancel(intentID, params)
	if err != nil {
		return nil, c.mapError(ctx, err, "cancel")
	}
	c.info(ctx, "cancel", intent)
	return intent, nil
}

// Refund returns part or all of a captured intent.
func (c *Client) Refund(ctx context.Context, intentID string, amountCents int64, reason, idempotencyKey string) (*stripe.Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Amount:        stripe.Int64(amountCents),
	}
	params.Context = ctx
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if mapped := refundReason(reason); mapped != "" {
		params.Reason = stripe.String(mapped)
	}
	refund, err := c.refunds.New(params)
	if err != nil {
		return nil, c.mapError(ctx, err, "refund")
	}
	if c.logg != nil {
		ctx = c.logg.WithFields(ctx, map[string]any{"refund_id": refund.ID, "status": refund.Status})
		c.logg.Info(ctx, "stripe refund created")
	}
	return refund, nil
}

func (c *Client) info(ctx context.Context, op string, intent *stripe.PaymentIntent) {
	if c.logg == nil || intent == nil {
		return
	}
	ctx = c.logg.WithFields(ctx, map[string]any{
		"operation":      op,
		"payment_intent": intent.ID,
		"status":         intent.Status,
	})
	c.logg.Info(ctx, "stripe payment intent")
}

func (c *Client) mapError(ctx context.Context, err error, op string) error {
	if c.logg != nil {
		c.logg.Error(c.logg.WithField(ctx, "operation", op), "stripe request failed", err)
	}
	return MapError(err, op)
}

// MapError converts Stripe SDK errors into domain codes.
func MapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pkgerrors.Wrap(pkgerrors.CodeProviderTimeout, err, fmt.Sprintf("stripe %s timed out", op))
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := pkgerrors.CodeDependency
		switch {
		case stripeErr.Type == stripe.ErrorTypeCard:
			code = pkgerrors.CodeProviderDeclined
		case stripeErr.Code == stripe.ErrorCodeIdempotencyKeyInUse:
			code = pkgerrors.CodeIdempotency
		case stripeErr.HTTPStatusCode == http.StatusUnauthorized:
			code = pkgerrors.CodeUnauthorized
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
			code = pkgerrors.CodeRateLimit
		case stripeErr.HTTPStatusCode == http.StatusNotFound:
			code = pkgerrors.CodeNotFound
		case stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState:
			code = pkgerrors.CodeStateConflict
		}
		return pkgerrors.Wrap(code, err, fmt.Sprintf("stripe %s failed", op))
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("stripe %s failed", op))
}

func refundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer), "customer_return", "order_cancelled":
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}

func defaultCurrency(currency string) string {
	if strings.TrimSpace(currency) == "" {
		return "usd"
	}
	return currency
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
