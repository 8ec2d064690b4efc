package orders

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/dispensary-engine/api/middleware"
	"github.com/angelmondragon/dispensary-engine/api/responses"
	"github.com/angelmondragon/dispensary-engine/api/validators"
	internalorders "github.com/angelmondragon/dispensary-engine/internal/orders"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
	"github.com/angelmondragon/dispensary-engine/pkg/pagination"
)

// Service is the slice of the order orchestrator the HTTP layer drives.
type Service interface {
	CreateOrder(ctx context.Context, in internalorders.CreateOrderInput) (*models.Order, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*internalorders.OrderDetail, error)
	ListOrders(ctx context.Context, filter internalorders.ListFilter) ([]models.Order, int64, error)
	Cancel(ctx context.Context, orderID uuid.UUID, in internalorders.CancelInput) (*models.Order, error)
	RequestReturn(ctx context.Context, orderID uuid.UUID, in internalorders.ReturnInput) (*internalorders.ReturnResult, error)
	VerifyPayment(ctx context.Context, orderID uuid.UUID, note, actor string) (*models.Order, error)
	ConfirmPayment(ctx context.Context, orderID uuid.UUID, in internalorders.ConfirmInput) (*models.Order, error)
	RejectPayment(ctx context.Context, orderID uuid.UUID, reason, actor string) (*models.Order, error)
	MarkShipped(ctx context.Context, orderID uuid.UUID, tracking, actor string) (*models.Order, error)
	MarkDelivered(ctx context.Context, orderID uuid.UUID, actor string) (*models.Order, error)
	RetryPayment(ctx context.Context, orderID uuid.UUID, in internalorders.RetryPaymentInput) (*models.Order, error)
}

// Checkout places an order. Customers always order for themselves; admins may name the customer.
func Checkout(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		scope, err := customerScope(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload internalorders.CreateOrderInput
		if scope != nil {
			payload.CustomerID = *scope
		}
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if scope != nil && payload.CustomerID != *scope {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "customers can only order for themselves"))
			return
		}
		payload.Notes = validators.SanitizeString(payload.Notes, 2000)
		payload.Actor = middleware.ActorFromContext(r.Context())

		order, err := svc.CreateOrder(r.Context(), payload)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteCreated(w, order)
	}
}

// List pages orders. Customer tokens only ever see their own.
func List(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		scope, err := customerScope(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		filter := internalorders.ListFilter{CustomerID: scope}
		if scope == nil {
			customerID, err := validators.ParseQueryUUID(r, "customer_id")
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			filter.CustomerID = customerID
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err := enums.ParseOrderStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status"))
				return
			}
			filter.Status = status
		}

		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		filter.Limit = params.Limit
		filter.Offset = params.Offset

		items, total, err := svc.ListOrders(r.Context(), filter)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, pagination.NewPage(items, total, params))
	}
}

// Detail returns the order with its history, payments and returns.
func Detail(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		detail, err := ownedOrder(r, svc, orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, detail)
	}
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// CancelOrder cancels an order that has not shipped. The cancel kind follows the caller's role.
func CancelOrder(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if _, err := ownedOrder(r, svc, orderID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload cancelRequest
		if err := decodeOptionalBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		kind := enums.CancelReasonCustomer
		if isAdmin(r) {
			kind = enums.CancelReasonAdmin
		}
		order, err := svc.Cancel(r.Context(), orderID, internalorders.CancelInput{
			Kind:   kind,
			Reason: validators.SanitizeString(payload.Reason, 500),
			Actor:  middleware.ActorFromContext(r.Context()),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, order)
	}
}

// RetryPayment re-runs payment for an order left in pending_payment by a decline or a gateway timeout.
func RetryPayment(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if _, err := ownedOrder(r, svc, orderID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload internalorders.RetryPaymentInput
		if err := decodeOptionalBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		payload.PaymentSource = strings.TrimSpace(payload.PaymentSource)
		payload.Actor = middleware.ActorFromContext(r.Context())

		order, err := svc.RetryPayment(r.Context(), orderID, payload)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, order)
	}
}

// RequestReturn records a return against a delivered order and drafts the matching refund.
func RequestReturn(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if _, err := ownedOrder(r, svc, orderID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload internalorders.ReturnInput
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		payload.Reason = validators.SanitizeString(payload.Reason, 500)
		payload.Actor = middleware.ActorFromContext(r.Context())

		result, err := svc.RequestReturn(r.Context(), orderID, payload)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteCreated(w, result)
	}
}

func isAdmin(r *http.Request) bool {
	return enums.ActorRole(middleware.RoleFromContext(r.Context())).CanAdminister()
}

// customerScope returns the caller's customer id, or nil when the caller administers.
func customerScope(r *http.Request) (*uuid.UUID, error) {
	if isAdmin(r) {
		return nil, nil
	}
	raw := middleware.ActorIDFromContext(r.Context())
	if raw == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "actor context missing")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid customer id")
	}
	return &id, nil
}

// ownedOrder loads an order and hides it from customers who do not own it.
func ownedOrder(r *http.Request, svc Service, orderID uuid.UUID) (*internalorders.OrderDetail, error) {
	scope, err := customerScope(r)
	if err != nil {
		return nil, err
	}
	detail, err := svc.GetOrder(r.Context(), orderID)
	if err != nil {
		return nil, err
	}
	if scope != nil && (detail == nil || detail.Order == nil || detail.Order.CustomerID != *scope) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return detail, nil
}

func pageParams(r *http.Request) (pagination.Params, error) {
	limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
	if err != nil {
		return pagination.Params{}, err
	}
	offset, err := validators.ParseQueryInt(r, "offset", 0, 0, 1<<30)
	if err != nil {
		return pagination.Params{}, err
	}
	return pagination.Params{Limit: limit, Offset: offset}.Normalize(), nil
}

// decodeOptionalBody accepts an empty body as the zero value.
func decodeOptionalBody(r *http.Request, dest any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return validators.DecodeJSONBody(r, dest)
}
