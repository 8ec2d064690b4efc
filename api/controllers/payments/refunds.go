package payments

import (
	"net/http"

	"github.com/angelmondragon/dispensary-engine/api/middleware"
	"github.com/angelmondragon/dispensary-engine/api/responses"
	"github.com/angelmondragon/dispensary-engine/api/validators"
	internalpayments "github.com/angelmondragon/dispensary-engine/internal/payments"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
)

type rejectRefundRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type resolveChargebackRequest struct {
	Outcome string `json:"outcome" validate:"required"`
}

type chargebackResponse struct {
	Chargeback *models.Chargeback `json:"chargeback"`
	Created    bool               `json:"created"`
}

// CreateRefund drafts a refund against a captured payment. It moves no money.
func CreateRefund(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		var payload internalpayments.RefundInput
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !payload.Reason.IsValid() {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid refund reason").WithDetails(map[string]any{"field": "reason_code"}))
			return
		}
		payload.Note = validators.SanitizeString(payload.Note, 1000)
		payload.RequestedBy = middleware.ActorFromContext(r.Context())

		refund, err := svc.DraftRefund(r.Context(), payload)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteCreated(w, refund)
	}
}

func RefundDetail(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		refundID, err := validators.ParseUUIDParam(r, "refundId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		refund, err := svc.GetRefund(r.Context(), refundID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, refund)
	}
}

// RefundTransition drives one step of the refund approval workflow.
func RefundTransition(svc Service, step string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		refundID, err := validators.ParseUUIDParam(r, "refundId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		actor := middleware.ActorFromContext(r.Context())

		var refund *models.Refund
		switch step {
		case "request":
			refund, err = svc.RequestRefund(r.Context(), refundID, actor)
		case "approve":
			refund, err = svc.ApproveRefund(r.Context(), refundID, actor)
		case "process":
			refund, err = svc.ProcessRefund(r.Context(), refundID, actor)
		case "reject":
			var payload rejectRefundRequest
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			refund, err = svc.RejectRefund(r.Context(), refundID, actor, validators.SanitizeString(payload.Reason, 500))
		default:
			err = pkgerrors.New(pkgerrors.CodeInternal, "unknown refund step "+step)
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, refund)
	}
}

// OpenChargeback records a dispute. Replaying the same case id returns the existing row with 200.
func OpenChargeback(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		var payload internalpayments.ChargebackInput
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if payload.Stage == "" {
			payload.Stage = enums.ChargebackStageChargeback
		}
		payload.Actor = middleware.ActorFromContext(r.Context())

		chargeback, created, err := svc.OpenChargeback(r.Context(), payload)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		responses.WriteSuccessStatus(w, status, chargebackResponse{Chargeback: chargeback, Created: created})
	}
}

func ResolveChargeback(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payments service unavailable"))
			return
		}
		chargebackID, err := validators.ParseUUIDParam(r, "chargebackId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload resolveChargebackRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		outcome, err := enums.ParseChargebackOutcome(payload.Outcome)
		if err != nil || outcome == enums.ChargebackOutcomeOpen {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "outcome must be won, lost or withdrawn").WithDetails(map[string]any{"field": "outcome"}))
			return
		}

		chargeback, err := svc.ResolveChargeback(r.Context(), chargebackID, outcome, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, chargeback)
	}
}
