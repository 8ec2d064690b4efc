package stripe

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"

	"github.com/angelmondragon/dispensary-engine/pkg/config"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
)

type stubIntents struct {
	lastNew    *stripe.PaymentIntentParams
	captured   string
	cancelled  string
	err        error
	captureErr error
}

func (s *stubIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.lastNew = params
	if s.err != nil {
		return nil, s.err
	}
	return &stripe.PaymentIntent{ID: "pi_123", Status: stripe.PaymentIntentStatusRequiresCapture}, nil
}

func (s *stubIntents) Capture(id string, _ *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	s.captured = id
	if s.captureErr != nil {
		return nil, s.captureErr
	}
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusSucceeded}, nil
}

func (s *stubIntents) Cancel(id string, _ *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	s.cancelled = id
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusCanceled}, nil
}

type stubRefunds struct {
	last *stripe.RefundParams
}

func (s *stubRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	s.last = params
	return &stripe.Refund{ID: "re_1", Status: stripe.RefundStatusSucceeded}, nil
}

func TestNewClientValidatesKeys(t *testing.T) {
	_, err := NewClient(context.Background(), config.StripeConfig{APIKey: "sk_live_x", Env: "test", WebhookSecret: "whsec"}, nil)
	require.Error(t, err)

	_, err = NewClient(context.Background(), config.StripeConfig{APIKey: "sk_test_x", Env: "test"}, nil)
	require.ErrorIs(t, err, errSecretRequired)

	c, err := NewClient(context.Background(), config.StripeConfig{APIKey: "sk_test_x", Env: "", WebhookSecret: "whsec"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "test", c.Environment())
	assert.Equal(t, "whsec", c.SigningSecret())
}

func TestAuthorizeUsesManualCapture(t *testing.T) {
	intents := &stubIntents{}
	c := &Client{intents: intents, refunds: &stubRefunds{}}

	intent, err := c.Authorize(context.Background(), IntentParams{
		AmountCents:     1250,
		Currency:        "USD",
		PaymentMethodID: "pm_card_visa",
		ReferenceID:     "ORDER-9",
		IdempotencyKey:  "payment:abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", intent.ID)
	require.NotNil(t, intents.lastNew)
	assert.Equal(t, string(stripe.PaymentIntentCaptureMethodManual), *intents.lastNew.CaptureMethod)
	assert.Equal(t, "usd", *intents.lastNew.Currency)
	assert.Equal(t, int64(1250), *intents.lastNew.Amount)
	assert.Equal(t, "ORDER-9", intents.lastNew.Metadata["reference_id"])
}

func TestAuthorizeMapsCardDecline(t *testing.T) {
	intents := &stubIntents{err: &stripe.Error{Type: stripe.ErrorTypeCard, HTTPStatusCode: http.StatusPaymentRequired, Msg: "declined"}}
	c := &Client{intents: intents}

	_, err := c.Authorize(context.Background(), IntentParams{AmountCents: 100, PaymentMethodID: "pm"})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeProviderDeclined))
}

func TestMapErrorTimeout(t *testing.T) {
	err := MapError(context.DeadlineExceeded, "capture")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeProviderTimeout))

	err = MapError(errors.New("socket closed"), "capture")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
}

func TestRefundMapsReason(t *testing.T) {
	refunds := &stubRefunds{}
	c := &Client{intents: &stubIntents{}, refunds: refunds}

	refund, err := c.Refund(context.Background(), "pi_1", 300, "customer_return", "refund:1")
	require.NoError(t, err)
	assert.Equal(t, "re_1", refund.ID)
	assert.Equal(t, string(stripe.RefundReasonRequestedByCustomer), *refunds.last.Reason)
	assert.Equal(t, int64(300), *refunds.last.Amount)
}

func TestCaptureAndCancel(t *testing.T) {
	intents := &stubIntents{}
	c := &Client{intents: intents}

	_, err := c.CaptureIntent(context.Background(), "pi_9", "payment:9:captured")
	require.NoError(t, err)
	assert.Equal(t, "pi_9", intents.captured)

	_, err = c.CancelIntent(context.Background(), "pi_9")
	require.NoError(t, err)
	assert.Equal(t, "pi_9", intents.cancelled)
}
