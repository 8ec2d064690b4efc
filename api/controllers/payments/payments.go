package payments

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/dispensary-engine/api/middleware"
	"github.com/angelmondragon/dispensary-engine/api/responses"
	"github.com/angelmondragon/dispensary-engine/api/validators"
	internalpayments "github.com/angelmondragon/dispensary-engine/internal/payments"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
)

// Service is the payment workflow surface exposed to admins.
type Service interface {
	Get(ctx context.Context, paymentID uuid.UUID) (*models.Payment, error)
	Capture(ctx context.Context, paymentID uuid.UUID, in internalpayments.CaptureInput) (*internalpayments.CaptureResult, error)
	Void(ctx context.Context, paymentID uuid.UUID, actor string) (*models.Payment, error)

	DraftRefund(ctx context.Context, in internalpayments.RefundInput) (*models.Refund, error)
	RequestRefund(ctx context.Context, refundID uuid.UUID, actor string) (*models.Refund, error)
	ApproveRefund(ctx context.Context, refundID uuid.UUID, approver string) (*models.Refund, error)
	RejectRefund(ctx context.Context, refundID uuid.UUID, actor, reason string) (*models.Refund, error)
	ProcessRefund(ctx context.Context, refundID uuid.UUID, actor string) (*models.Refund, error)
	GetRefund(ctx context.Context, refundID uuid.UUID) (*models.Refund, error)
	ListRefunds(ctx context.Context, paymentID uuid.UUID) ([]models.Refund, error)
	RefundableRemainder(ctx context.Context, paymentID uuid.UUID) (int, error)

	OpenChargeback(ctx context.Context, in internalpayments.ChargebackInput) (*models.Chargeback, bool, error)
	ResolveChargeback(ctx context.Context, chargebackID uuid.UUID, outcome enums.ChargebackOutcome, actor string) (*models.Chargeback, error)
	ListChargebacks(ctx context.Context, paymentID uuid.UUID) ([]models.Chargeback, error)
}

type captureRequest struct {
	Evidence *models.CaptureEvidence `json:"evidence"`
}

type captureResponse struct {
	Payment         *models.Payment `json:"payment"`
	AlreadyCaptured bool            `json:"already_captured"`
}

type refundableResponse struct {
	PaymentID        uuid.UUID `json:"payment_id"`
	RefundableCents  int       `json:"refundable_cents"`
	AmountGrossCents int       `json:"amount_gross_cents"`
}

func Detail(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		paymentID, err := validators.ParseUUIDParam(r, "paymentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		payment, err := svc.Get(r.Context(), paymentID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, payment)
	}
}

// Capture settles an authorized card payment, or records a cash/transfer capture with evidence.
// A retried capture answers 200 with already_captured set.
func Capture(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		paymentID, err := validators.ParseUUIDParam(r, "paymentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload captureRequest
		if err := decodeOptionalBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Capture(r.Context(), paymentID, internalpayments.CaptureInput{
			Evidence: payload.Evidence,
			Actor:    middleware.ActorFromContext(r.Context()),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, captureResponse{Payment: result.Payment, AlreadyCaptured: result.AlreadyCaptured})
	}
}

func Void(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		paymentID, err := validators.ParseUUIDParam(r, "paymentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		payment, err := svc.Void(r.Context(), paymentID, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, payment)
	}
}

// Refundable reports how much of a captured payment can still be refunded.
func Refundable(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		paymentID, err := validators.ParseUUIDParam(r, "paymentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		payment, err := svc.Get(r.Context(), paymentID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		remainder, err := svc.RefundableRemainder(r.Context(), paymentID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, refundableResponse{
			PaymentID:        paymentID,
			RefundableCents:  remainder,
			AmountGrossCents: payment.AmountGrossCents,
		})
	}
}

func ListRefunds(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		paymentID, err := validators.ParseUUIDParam(r, "paymentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		refunds, err := svc.ListRefunds(r.Context(), paymentID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if refunds == nil {
			refunds = []models.Refund{}
		}
		responses.WriteSuccess(w, refunds)
	}
}

func ListChargebacks(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		paymentID, err := validators.ParseUUIDParam(r, "paymentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		chargebacks, err := svc.ListChargebacks(r.Context(), paymentID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if chargebacks == nil {
			chargebacks = []models.Chargeback{}
		}
		responses.WriteSuccess(w, chargebacks)
	}
}

func decodeOptionalBody(r *http.Request, dest any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return validators.DecodeJSONBody(r, dest)
}
