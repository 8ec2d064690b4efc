package payments

import (
	"context"
	"strings"

	sq "github.com/square/square-go-sdk"
	stripego "github.com/stripe/stripe-go/v78"

	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/square"
	stripeapi "github.com/angelmondragon/dispensary-engine/pkg/stripe"
)

type squareAPI interface {
	CreatePayment(ctx context.Context, params square.PaymentCreateParams) (*sq.Payment, error)
	CompletePayment(ctx context.Context, paymentID string) (*sq.Payment, error)
	CancelPayment(ctx context.Context, paymentID string) (*sq.Payment, error)
	RefundPayment(ctx context.Context, params square.RefundCreateParams) (*sq.PaymentRefund, error)
}

// SquareProvider authorizes with autocomplete disabled and completes on capture.
type SquareProvider struct {
	api squareAPI
}

func NewSquareProvider(api squareAPI) *SquareProvider {
	return &SquareProvider{api: api}
}

func (p *SquareProvider) Name() string { return "square" }

func (p *SquareProvider) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if strings.TrimSpace(req.SourceToken) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "card source token is required")
	}
	payment, err := p.api.CreatePayment(ctx, square.PaymentCreateParams{
		AmountCents:    int64(req.AmountCents),
		Currency:       string(req.Currency),
		SourceID:       req.SourceToken,
		CustomerID:     req.CustomerRef,
		IdempotencyKey: req.IdempotencyKey,
		ReferenceID:    req.OrderReference,
		Autocomplete:   false,
	})
	if err != nil {
		return nil, err
	}
	status := squareStatus(payment)
	if status == "FAILED" || status == "CANCELED" {
		return nil, pkgerrors.New(pkgerrors.CodeProviderDeclined, "square declined the payment").
			WithDetails(map[string]any{"status": status})
	}
	ref := ""
	if payment != nil && payment.GetID() != nil {
		ref = *payment.GetID()
	}
	if ref == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "square returned no payment id")
	}
	return &AuthorizeResult{ProviderRef: ref}, nil
}

func (p *SquareProvider) Capture(ctx context.Context, providerRef, _ string) error {
	payment, err := p.api.CompletePayment(ctx, providerRef)
	if err != nil {
		return err
	}
	if status := squareStatus(payment); status != "" && status != "COMPLETED" {
		return pkgerrors.New(pkgerrors.CodePaymentNotCapturable, "square did not complete the payment").
			WithDetails(map[string]any{"status": status})
	}
	return nil
}

func (p *SquareProvider) Void(ctx context.Context, providerRef string) error {
	_, err := p.api.CancelPayment(ctx, providerRef)
	return err
}

func (p *SquareProvider) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	refund, err := p.api.RefundPayment(ctx, square.RefundCreateParams{
		PaymentID:      req.ProviderRef,
		AmountCents:    int64(req.AmountCents),
		Currency:       string(req.Currency),
		Reason:         string(req.Reason),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if refund == nil {
		return &RefundResult{}, nil
	}
	return &RefundResult{ProviderRef: refund.GetID()}, nil
}

func squareStatus(payment *sq.Payment) string {
	if payment == nil || payment.GetStatus() == nil {
		return ""
	}
	return strings.ToUpper(*payment.GetStatus())
}

type stripeAPI interface {
	Authorize(ctx context.Context, in stripeapi.IntentParams) (*stripego.PaymentIntent, error)
	CaptureIntent(ctx context.Context, intentID, idempotencyKey string) (*stripego.PaymentIntent, error)
	CancelIntent(ctx context.Context, intentID string) (*stripego.PaymentIntent, error)
	Refund(ctx context.Context, intentID string, amountCents int64, reason, idempotencyKey string) (*stripego.Refund, error)
}

// StripeProvider uses manual-capture PaymentIntents.
type StripeProvider struct {
	api stripeAPI
}

func NewStripeProvider(api stripeAPI) *StripeProvider {
	return &StripeProvider{api: api}
}

func (p *StripeProvider) Name() string { return "stripe" }

func (p *StripeProvider) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if strings.TrimSpace(req.SourceToken) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "card payment method is required")
	}
	intent, err := p.api.Authorize(ctx, stripeapi.IntentParams{
		AmountCents:     int64(req.AmountCents),
		Currency:        string(req.Currency),
		PaymentMethodID: req.SourceToken,
		ReferenceID:     req.OrderReference,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if intent == nil || intent.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "stripe returned no payment intent")
	}
	if intent.Status != stripego.PaymentIntentStatusRequiresCapture {
		return nil, pkgerrors.New(pkgerrors.CodeProviderDeclined, "stripe did not authorize the payment").
			WithDetails(map[string]any{"status": intent.Status})
	}
	result := &AuthorizeResult{ProviderRef: intent.ID}
	if intent.LatestCharge != nil && intent.LatestCharge.Outcome != nil {
		score := int(intent.LatestCharge.Outcome.RiskScore)
		result.RiskScore = &score
	}
	return result, nil
}

func (p *StripeProvider) Capture(ctx context.Context, providerRef, idempotencyKey string) error {
	intent, err := p.api.CaptureIntent(ctx, providerRef, idempotencyKey)
	if err != nil {
		return err
	}
	if intent != nil && intent.Status != stripego.PaymentIntentStatusSucceeded {
		return pkgerrors.New(pkgerrors.CodePaymentNotCapturable, "stripe did not capture the payment").
			WithDetails(map[string]any{"status": intent.Status})
	}
	return nil
}

func (p *StripeProvider) Void(ctx context.Context, providerRef string) error {
	_, err := p.api.CancelIntent(ctx, providerRef)
	return err
}

func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	refund, err := p.api.Refund(ctx, req.ProviderRef, int64(req.AmountCents), string(req.Reason), req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if refund == nil {
		return &RefundResult{}, nil
	}
	return &RefundResult{ProviderRef: refund.ID}, nil
}
