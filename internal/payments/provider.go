package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
)

const ProviderManual = "manual"

// AuthorizeRequest asks a provider to hold funds for a payment attempt.
type AuthorizeRequest struct {
	PaymentID      uuid.UUID
	OrderReference string
	AmountCents    int
	Currency       enums.Currency
	SourceToken    string
	CustomerRef    string
	IdempotencyKey string
}

type AuthorizeResult struct {
	ProviderRef string
	RiskScore   *int
}

type RefundRequest struct {
	RefundID       uuid.UUID
	ProviderRef    string
	AmountCents    int
	Currency       enums.Currency
	Reason         enums.RefundReason
	IdempotencyKey string
}

type RefundResult struct {
	ProviderRef string
}

// Provider is the seam between the payment workflow and a money mover.
// Declines must surface as PROVIDER_DECLINED and deadlines as PROVIDER_TIMEOUT.
type Provider interface {
	Name() string
	Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error)
	Capture(ctx context.Context, providerRef, idempotencyKey string) error
	Void(ctx context.Context, providerRef string) error
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// Manager routes payment methods to providers and bounds every provider call with a deadline.
type Manager struct {
	card    Provider
	manual  Provider
	timeout time.Duration
}

func NewManager(card, manual Provider, timeout time.Duration) (*Manager, error) {
	if manual == nil {
		manual = NewManualProvider()
	}
	if card == nil {
		return nil, errors.New("card provider required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Manager{card: card, manual: manual, timeout: timeout}, nil
}

// For returns the provider that settles the method.
func (m *Manager) For(method enums.PaymentMethod) (Provider, error) {
	switch {
	case method.IsCard():
		return m.card, nil
	case method.RequiresEvidence():
		return m.manual, nil
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unsupported payment method %q", method))
	}
}

func (m *Manager) Authorize(ctx context.Context, method enums.PaymentMethod, req AuthorizeRequest) (*AuthorizeResult, string, error) {
	provider, err := m.For(method)
	if err != nil {
		return nil, "", err
	}
	var result *AuthorizeResult
	err = m.call(ctx, provider, "authorize", func(ctx context.Context) error {
		var callErr error
		result, callErr = provider.Authorize(ctx, req)
		return callErr
	})
	return result, provider.Name(), err
}

func (m *Manager) Capture(ctx context.Context, method enums.PaymentMethod, providerRef, idempotencyKey string) error {
	provider, err := m.For(method)
	if err != nil {
		return err
	}
	return m.call(ctx, provider, "capture", func(ctx context.Context) error {
		return provider.Capture(ctx, providerRef, idempotencyKey)
	})
}

func (m *Manager) Void(ctx context.Context, method enums.PaymentMethod, providerRef string) error {
	provider, err := m.For(method)
	if err != nil {
		return err
	}
	return m.call(ctx, provider, "void", func(ctx context.Context) error {
		return provider.Void(ctx, providerRef)
	})
}

func (m *Manager) Refund(ctx context.Context, method enums.PaymentMethod, req RefundRequest) (*RefundResult, error) {
	provider, err := m.For(method)
	if err != nil {
		return nil, err
	}
	var result *RefundResult
	err = m.call(ctx, provider, "refund", func(ctx context.Context) error {
		var callErr error
		result, callErr = provider.Refund(ctx, req)
		return callErr
	})
	return result, err
}

func (m *Manager) call(ctx context.Context, provider Provider, op string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if pkgerrors.As(err) != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return pkgerrors.Wrap(pkgerrors.CodeProviderTimeout, err, fmt.Sprintf("%s %s timed out", provider.Name(), op))
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("%s %s failed", provider.Name(), op))
}

// ManualProvider settles cash and bank transfers. Nothing leaves the process; capture is an admin action.
type ManualProvider struct{}

func NewManualProvider() *ManualProvider {
	return &ManualProvider{}
}

func (ManualProvider) Name() string { return ProviderManual }

func (ManualProvider) Authorize(_ context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	return &AuthorizeResult{ProviderRef: "manual_" + req.PaymentID.String()}, nil
}

func (ManualProvider) Capture(context.Context, string, string) error { return nil }

func (ManualProvider) Void(context.Context, string) error { return nil }

func (ManualProvider) Refund(_ context.Context, req RefundRequest) (*RefundResult, error) {
	return &RefundResult{ProviderRef: "manual_refund_" + req.RefundID.String()}, nil
}
