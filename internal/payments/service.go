package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/internal/ledger"
	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
	"github.com/angelmondragon/dispensary-engine/pkg/metrics"
	"github.com/angelmondragon/dispensary-engine/pkg/money"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// PendingInput opens a payment attempt for an order.
type PendingInput struct {
	OrderID        uuid.UUID
	CustomerID     uuid.UUID
	Method         enums.PaymentMethod
	AmountCents    int
	Currency       enums.Currency
	IdempotencyKey string
}

type AuthorizeInput struct {
	SourceToken    string
	OrderReference string
	CustomerRef    string
	Actor          string
}

type CaptureInput struct {
	Evidence *models.CaptureEvidence
	Actor    string
}

// CaptureResult reports AlreadyCaptured when a retry found the work done; callers treat it as success.
type CaptureResult struct {
	Payment         *models.Payment
	AlreadyCaptured bool
}

type RefundInput struct {
	PaymentID   uuid.UUID          `json:"payment_id" validate:"required"`
	AmountCents int                `json:"amount_cents" validate:"required,gt=0"`
	Reason      enums.RefundReason `json:"reason_code" validate:"required"`
	Note        string             `json:"note"`
	RequestedBy string             `json:"-"`
}

type ChargebackInput struct {
	PaymentID   uuid.UUID             `json:"payment_id" validate:"required"`
	CaseID      string                `json:"case_id" validate:"required"`
	AmountCents int                   `json:"amount_cents" validate:"required,gt=0"`
	Reason      string                `json:"reason"`
	Stage       enums.ChargebackStage `json:"stage"`
	Deadline    *time.Time            `json:"deadline"`
	Actor       string                `json:"-"`
}

type ServiceParams struct {
	DB        txRunner
	Repo      Repository
	Providers *Manager
	Ledger    ledger.Service
	Outbox    outbox.Emitter
	Config    config.PaymentsConfig
	Logger    *logger.Logger
	Metrics   *metrics.EngineMetrics
}

// Service drives payments through authorize, capture, refund and dispute.
type Service struct {
	db        txRunner
	tx        *gorm.DB
	repo      Repository
	providers *Manager
	ledger    ledger.Service
	outbox    outbox.Emitter
	cfg       config.PaymentsConfig
	logg      *logger.Logger
	metrics   *metrics.EngineMetrics
	now       func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.DB == nil:
		return nil, fmt.Errorf("db required")
	case params.Repo == nil:
		return nil, fmt.Errorf("payment repository required")
	case params.Providers == nil:
		return nil, fmt.Errorf("provider manager required")
	case params.Ledger == nil:
		return nil, fmt.Errorf("ledger service required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	}
	return &Service{
		db:        params.DB,
		repo:      params.Repo,
		providers: params.Providers,
		ledger:    params.Ledger,
		outbox:    params.Outbox,
		cfg:       params.Config,
		logg:      params.Logger,
		metrics:   params.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithTx binds the service to a caller's transaction. Provider calls made while bound hold that
// transaction open, so card authorization and capture should run unbound.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	clone := *s
	clone.tx = tx
	return &clone
}

func (s *Service) run(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.WithTx(ctx, fn)
}

func (s *Service) reader() Repository {
	return s.repo.WithTx(s.tx)
}

// CreatePending records a new attempt. Replays with the same idempotency key return the first row;
// a second open attempt for the order is rejected.
func (s *Service) CreatePending(ctx context.Context, in PendingInput) (*models.Payment, error) {
	if in.OrderID == uuid.Nil || in.CustomerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order and customer are required")
	}
	if !in.Method.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid payment method %q", in.Method))
	}
	if in.AmountCents < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount cannot be negative")
	}
	if in.Currency == "" {
		in.Currency = enums.CurrencyUSD
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		key = ledger.Key("order", in.OrderID, "payment")
	}

	var payment *models.Payment
	err := s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		existing, err := repo.FindPaymentByIdempotencyKey(ctx, key)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment by idempotency key")
		}
		if existing != nil {
			if existing.OrderID != in.OrderID {
				return pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused for a different order")
			}
			payment = existing
			return nil
		}
		open, err := repo.FindOpenPayment(ctx, in.OrderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load open payment")
		}
		if open != nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "order already has an open payment").
				WithDetails(map[string]any{"payment_id": open.ID, "status": open.Status})
		}
		payment = &models.Payment{
			OrderID:          in.OrderID,
			CustomerID:       in.CustomerID,
			Method:           in.Method,
			Provider:         s.providerName(in.Method),
			IdempotencyKey:   key,
			Status:           enums.PaymentStatusPending,
			Currency:         in.Currency,
			AmountGrossCents: in.AmountCents,
			AmountNetCents:   in.AmountCents,
		}
		if err := repo.CreatePayment(ctx, payment); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create payment")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// Authorize asks the provider to hold funds. A decline fails the attempt and returns PROVIDER_DECLINED;
// a timeout leaves it pending so the caller can retry with the same key.
func (s *Service) Authorize(ctx context.Context, paymentID uuid.UUID, in AuthorizeInput) (*models.Payment, error) {
	payment, err := s.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	switch payment.Status {
	case enums.PaymentStatusPending:
	case enums.PaymentStatusAuthorized, enums.PaymentStatusCaptured:
		return payment, nil
	default:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment cannot be authorized").
			WithDetails(map[string]any{"status": payment.Status})
	}

	// nothing is owed once stored value covers the order, so no provider holds funds
	result, providerName := &AuthorizeResult{}, payment.Provider
	if payment.AmountGrossCents > 0 {
		result, providerName, err = s.providers.Authorize(ctx, payment.Method, AuthorizeRequest{
			PaymentID:      payment.ID,
			OrderReference: in.OrderReference,
			AmountCents:    payment.AmountGrossCents,
			Currency:       payment.Currency,
			SourceToken:    in.SourceToken,
			CustomerRef:    in.CustomerRef,
			IdempotencyKey: ledger.Key("payment", payment.ID, "authorize"),
		})
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeProviderDeclined) {
				if _, failErr := s.Fail(ctx, payment.ID, "provider_declined", err.Error(), in.Actor); failErr != nil {
					s.logError(ctx, payment, "record declined payment", failErr)
				}
			}
			return nil, err
		}
	}

	fee := s.feeFor(payment.Method, payment.AmountGrossCents)
	now := s.now()
	err = s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		updates := map[string]any{
			"status":           enums.PaymentStatusAuthorized,
			"provider":         providerName,
			"fee_cents":        fee,
			"amount_net_cents": payment.AmountGrossCents - fee,
			"authorized_at":    now,
		}
		if result.ProviderRef != "" {
			updates["provider_ref"] = result.ProviderRef
		}
		if result.RiskScore != nil {
			updates["risk_score"] = *result.RiskScore
		}
		changed, err := repo.TransitionPayment(ctx, payment.ID, []enums.PaymentStatus{enums.PaymentStatusPending}, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "authorize payment")
		}
		if !changed {
			return nil
		}
		_, err = s.ledger.WithTx(tx).Record(ctx, ledger.Entry{
			Type:           enums.LedgerEventTypePaymentAuthorized,
			AggregateType:  enums.AggregatePayment,
			AggregateID:    payment.ID,
			OrderID:        &payment.OrderID,
			PaymentID:      &payment.ID,
			Actor:          in.Actor,
			AmountCents:    payment.AmountGrossCents,
			Currency:       payment.Currency,
			IdempotencyKey: ledger.Key("payment", payment.ID, "authorized"),
			Metadata: map[string]any{
				"provider":     providerName,
				"provider_ref": result.ProviderRef,
				"fee_cents":    fee,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, payment.ID)
}

// Fail closes a pending or authorized attempt. Failing an already failed payment is a no-op.
func (s *Service) Fail(ctx context.Context, paymentID uuid.UUID, code, message, actor string) (*models.Payment, error) {
	var payment *models.Payment
	err := s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		current, err := s.lockPayment(ctx, repo, paymentID)
		if err != nil {
			return err
		}
		payment = current
		if current.Status == enums.PaymentStatusFailed {
			return nil
		}
		now := s.now()
		changed, err := repo.TransitionPayment(ctx, paymentID,
			[]enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusAuthorized},
			map[string]any{
				"status":          enums.PaymentStatusFailed,
				"failure_code":    code,
				"failure_message": message,
				"failed_at":       now,
			})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "fail payment")
		}
		if !changed {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment can no longer fail").
				WithDetails(map[string]any{"status": current.Status})
		}
		payment.Status = enums.PaymentStatusFailed
		payment.FailureCode = &code
		payment.FailureMessage = &message
		payment.FailedAt = &now

		if _, err := s.ledger.WithTx(tx).Record(ctx, ledger.Entry{
			Type:           enums.LedgerEventTypePaymentFailed,
			AggregateType:  enums.AggregatePayment,
			AggregateID:    paymentID,
			OrderID:        &current.OrderID,
			PaymentID:      &current.ID,
			Actor:          actor,
			AmountCents:    current.AmountGrossCents,
			Currency:       current.Currency,
			IdempotencyKey: ledger.Key("payment", paymentID, "failed"),
			Metadata:       map[string]any{"failure_code": code, "failure_message": message},
		}); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentFailed,
			AggregateType: enums.AggregatePayment,
			AggregateID:   paymentID,
			Actor:         actorRef(actor),
			Data: payloads.PaymentFailedEvent{
				PaymentID: paymentID,
				OrderID:   current.OrderID,
				Code:      code,
				Message:   message,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// Capture moves an authorized payment to captured. Cash and transfer captures are admin actions
// that must carry evidence; card captures go through the provider first.
func (s *Service) Capture(ctx context.Context, paymentID uuid.UUID, in CaptureInput) (*CaptureResult, error) {
	payment, err := s.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return s.capture(ctx, payment, in, true)
}

// CaptureByProviderRef records a capture the provider already performed, as reported by a webhook.
func (s *Service) CaptureByProviderRef(ctx context.Context, provider, providerRef, actor string) (*CaptureResult, error) {
	payment, err := s.FindByProviderRef(ctx, provider, providerRef)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found for provider reference")
	}
	return s.capture(ctx, payment, CaptureInput{Actor: actor}, false)
}

func (s *Service) capture(ctx context.Context, payment *models.Payment, in CaptureInput, callProvider bool) (*CaptureResult, error) {
	method := string(payment.Method)
	if isCaptured(payment.Status) {
		s.metrics.Capture(method, metrics.OutcomeAlready)
		return &CaptureResult{Payment: payment, AlreadyCaptured: true}, nil
	}
	if payment.Status != enums.PaymentStatusAuthorized {
		s.metrics.Capture(method, metrics.OutcomeFailed)
		return nil, pkgerrors.New(pkgerrors.CodePaymentNotCapturable, "payment is not authorized").
			WithDetails(map[string]any{"status": payment.Status})
	}

	var evidence *models.CaptureEvidence
	switch {
	case !callProvider || payment.AmountGrossCents == 0:
	case payment.Method.RequiresEvidence():
		if in.Evidence == nil || strings.TrimSpace(in.Evidence.Reference) == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "capture evidence with a reference is required")
		}
		copied := *in.Evidence
		evidence = &copied
	case payment.ProviderRef == nil || *payment.ProviderRef == "":
		s.metrics.Capture(method, metrics.OutcomeFailed)
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "authorized card payment has no provider reference").
			WithDetails(map[string]any{"payment_id": payment.ID})
	default:
		if err := s.providers.Capture(ctx, payment.Method, *payment.ProviderRef, ledger.Key("payment", payment.ID, "capture")); err != nil {
			s.metrics.Capture(method, metrics.OutcomeFailed)
			return nil, err
		}
	}

	now := s.now()
	if evidence != nil {
		evidence.RecordedAt = now
		if evidence.CapturedBy == "" {
			evidence.CapturedBy = in.Actor
		}
	}

	var already bool
	err := s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		updates := map[string]any{
			"status":      enums.PaymentStatusCaptured,
			"captured_at": now,
		}
		if evidence != nil {
			raw, err := json.Marshal(evidence)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode capture evidence")
			}
			updates["capture_evidence"] = string(raw)
		}
		changed, err := repo.TransitionPayment(ctx, payment.ID, []enums.PaymentStatus{enums.PaymentStatusAuthorized}, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "capture payment")
		}
		if !changed {
			current, err := repo.FindPayment(ctx, payment.ID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload payment")
			}
			if current != nil && isCaptured(current.Status) {
				already = true
				return nil
			}
			return pkgerrors.New(pkgerrors.CodePaymentNotCapturable, "payment changed before capture")
		}

		if _, err := s.ledger.WithTx(tx).Record(ctx, ledger.Entry{
			Type:           enums.LedgerEventTypePaymentCaptured,
			AggregateType:  enums.AggregatePayment,
			AggregateID:    payment.ID,
			OrderID:        &payment.OrderID,
			PaymentID:      &payment.ID,
			Actor:          in.Actor,
			AmountCents:    payment.AmountGrossCents,
			Currency:       payment.Currency,
			IdempotencyKey: ledger.Key("payment", payment.ID, "captured"),
			Metadata: map[string]any{
				"method":           payment.Method,
				"fee_cents":        payment.FeeCents,
				"amount_net_cents": payment.AmountNetCents,
			},
		}); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentCaptured,
			AggregateType: enums.AggregatePayment,
			AggregateID:   payment.ID,
			Actor:         actorRef(in.Actor),
			Data: payloads.PaymentCapturedEvent{
				PaymentID:   payment.ID,
				OrderID:     payment.OrderID,
				Method:      payment.Method,
				AmountCents: payment.AmountGrossCents,
				CapturedAt:  now,
			},
		})
	})
	if err != nil {
		s.metrics.Capture(method, metrics.OutcomeFailed)
		return nil, err
	}

	updated, err := s.reader().FindPayment(ctx, payment.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload payment")
	}
	if already {
		s.metrics.Capture(method, metrics.OutcomeAlready)
	} else {
		s.metrics.Capture(method, metrics.OutcomeOK)
	}
	return &CaptureResult{Payment: updated, AlreadyCaptured: already}, nil
}

// Void releases an authorization that will never be captured.
func (s *Service) Void(ctx context.Context, paymentID uuid.UUID, actor string) (*models.Payment, error) {
	payment, err := s.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	switch payment.Status {
	case enums.PaymentStatusVoided:
		return payment, nil
	case enums.PaymentStatusPending, enums.PaymentStatusAuthorized:
	default:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only uncaptured payments can be voided").
			WithDetails(map[string]any{"status": payment.Status})
	}
	if payment.Status == enums.PaymentStatusAuthorized && payment.ProviderRef != nil {
		if err := s.providers.Void(ctx, payment.Method, *payment.ProviderRef); err != nil {
			return nil, err
		}
	}

	err = s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		changed, err := repo.TransitionPayment(ctx, paymentID,
			[]enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusAuthorized},
			map[string]any{"status": enums.PaymentStatusVoided})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "void payment")
		}
		if !changed {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment changed before void")
		}
		_, err = s.ledger.WithTx(tx).Record(ctx, ledger.Entry{
			Type:           enums.LedgerEventTypePaymentVoided,
			AggregateType:  enums.AggregatePayment,
			AggregateID:    paymentID,
			OrderID:        &payment.OrderID,
			PaymentID:      &payment.ID,
			Actor:          actor,
			AmountCents:    payment.AmountGrossCents,
			Currency:       payment.Currency,
			IdempotencyKey: ledger.Key("payment", paymentID, "voided"),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, paymentID)
}

func (s *Service) Get(ctx context.Context, paymentID uuid.UUID) (*models.Payment, error) {
	payment, err := s.reader().FindPayment(ctx, paymentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment")
	}
	if payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	return payment, nil
}

func (s *Service) ListForOrder(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error) {
	rows, err := s.reader().ListPaymentsByOrder(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list payments")
	}
	return rows, nil
}

// FindByProviderRef returns the payment a provider knows by ref, or nil.
func (s *Service) FindByProviderRef(ctx context.Context, provider, providerRef string) (*models.Payment, error) {
	payment, err := s.reader().FindPaymentByProviderRef(ctx, provider, providerRef)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment by provider reference")
	}
	return payment, nil
}

// OpenForOrder returns the attempt that currently blocks new attempts, or nil.
func (s *Service) OpenForOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	payment, err := s.reader().FindOpenPayment(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load open payment")
	}
	return payment, nil
}

func (s *Service) lockPayment(ctx context.Context, repo Repository, paymentID uuid.UUID) (*models.Payment, error) {
	payment, err := repo.FindPaymentForUpdate(ctx, paymentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock payment")
	}
	if payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	return payment, nil
}

func (s *Service) feeFor(method enums.PaymentMethod, gross int) int {
	if gross <= 0 {
		return 0
	}
	switch method {
	case enums.PaymentMethodCreditCard, enums.PaymentMethodDebitCard:
		return money.Fee(gross, s.cfg.CardFeeBps, s.cfg.CardFeeFixed)
	case enums.PaymentMethodTransfer:
		return money.Fee(gross, s.cfg.TransferFeeBps, 0)
	default:
		return money.Fee(gross, s.cfg.CashFeeBps, 0)
	}
}

func (s *Service) providerName(method enums.PaymentMethod) string {
	provider, err := s.providers.For(method)
	if err != nil {
		return ProviderManual
	}
	return provider.Name()
}

func (s *Service) logError(ctx context.Context, payment *models.Payment, msg string, err error) {
	if s.logg == nil {
		return
	}
	ctx = s.logg.WithPaymentID(ctx, payment.ID.String())
	ctx = s.logg.WithOrderID(ctx, payment.OrderID.String())
	s.logg.Error(ctx, msg, err)
}

func isCaptured(status enums.PaymentStatus) bool {
	switch status {
	case enums.PaymentStatusCaptured, enums.PaymentStatusPartiallyRefunded, enums.PaymentStatusRefunded, enums.PaymentStatusDisputed:
		return true
	default:
		return false
	}
}

func actorRef(actor string) *outbox.ActorRef {
	if actor == "" {
		actor = ledger.SystemActor
	}
	return &outbox.ActorRef{ID: actor}
}
