package giftcards

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/dispensary-engine/api/middleware"
	"github.com/angelmondragon/dispensary-engine/api/responses"
	"github.com/angelmondragon/dispensary-engine/api/validators"
	internalgiftcards "github.com/angelmondragon/dispensary-engine/internal/giftcards"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
)

type Service interface {
	Issue(ctx context.Context, input internalgiftcards.IssueInput) (*models.GiftCard, error)
	Debit(ctx context.Context, code string, amount int, mv internalgiftcards.Movement) (*models.GiftCardTransaction, error)
	Credit(ctx context.Context, code string, amount int, mv internalgiftcards.Movement) (*models.GiftCardTransaction, error)
	Reverse(ctx context.Context, transactionID uuid.UUID, actor string) (*models.GiftCardTransaction, error)
	Revoke(ctx context.Context, code string, actor string) (*models.GiftCard, error)
	Balance(ctx context.Context, code string) (*models.GiftCard, error)
	ListTransactions(ctx context.Context, code string) ([]models.GiftCardTransaction, error)
	Audit(ctx context.Context, code string) (*internalgiftcards.AuditResult, error)
	Campaign(ctx context.Context, campaign string) (*internalgiftcards.CampaignSummary, error)
}

// cardView is the public shape of a card. The PIN hash never leaves the service.
type cardView struct {
	ID                 uuid.UUID           `json:"id"`
	Code               string              `json:"code"`
	BalanceCents       int                 `json:"balance_cents"`
	InitialValueCents  int                 `json:"initial_value_cents"`
	Currency           enums.Currency      `json:"currency"`
	State              enums.GiftCardState `json:"state"`
	PINProtected       bool                `json:"pin_protected"`
	Campaign           *string             `json:"campaign,omitempty"`
	IssuedToCustomerID *uuid.UUID          `json:"issued_to_customer_id,omitempty"`
	ExpiresAt          *time.Time          `json:"expires_at,omitempty"`
	RevokedAt          *time.Time          `json:"revoked_at,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
}

// balanceView is what a shopper may learn about a card they hold.
type balanceView struct {
	Code         string              `json:"code"`
	BalanceCents int                 `json:"balance_cents"`
	Currency     enums.Currency      `json:"currency"`
	State        enums.GiftCardState `json:"state"`
	ExpiresAt    *time.Time          `json:"expires_at,omitempty"`
}

func toCardView(card *models.GiftCard) cardView {
	return cardView{
		ID:                 card.ID,
		Code:               card.Code,
		BalanceCents:       card.BalanceCents,
		InitialValueCents:  card.InitialValueCents,
		Currency:           card.Currency,
		State:              card.State,
		PINProtected:       card.PinHash != nil,
		Campaign:           card.Campaign,
		IssuedToCustomerID: card.IssuedToCustomerID,
		ExpiresAt:          card.ExpiresAt,
		RevokedAt:          card.RevokedAt,
		CreatedAt:          card.CreatedAt,
	}
}

type movementRequest struct {
	AmountCents int        `json:"amount_cents" validate:"required,gt=0"`
	OrderID     *uuid.UUID `json:"order_id"`
	PaymentID   *uuid.UUID `json:"payment_id"`
	RefundID    *uuid.UUID `json:"refund_id"`
	PIN         string     `json:"pin"`
	Note        string     `json:"note" validate:"max=500"`
}

// Balance is the shopper-facing lookup. It sits behind the gift card rate limiter.
func Balance(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "gift card service unavailable"))
			return
		}
		code, err := codeParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		card, err := svc.Balance(r.Context(), code)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, balanceView{
			Code:         card.Code,
			BalanceCents: card.BalanceCents,
			Currency:     card.Currency,
			State:        card.State,
			ExpiresAt:    card.ExpiresAt,
		})
	}
}

func Issue(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "gift card service unavailable"))
			return
		}
		var payload internalgiftcards.IssueInput
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		payload.Campaign = validators.SanitizeString(payload.Campaign, 120)
		payload.Actor = middleware.ActorFromContext(r.Context())

		card, err := svc.Issue(r.Context(), payload)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteCreated(w, toCardView(card))
	}
}

func Detail(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "gift card service unavailable"))
			return
		}
		code, err := codeParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		card, err := svc.Balance(r.Context(), code)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toCardView(card))
	}
}

func Transactions(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "gift card service unavailable"))
			return
		}
		code, err := codeParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rows, err := svc.ListTransactions(r.Context(), code)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if rows == nil {
			rows = []models.GiftCardTransaction{}
		}
		responses.WriteSuccess(w, rows)
	}
}

// Audit replays the transaction log and reports whether it agrees with the stored balance.
func Audit(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "gift card service unavailable"))
			return
		}
		code, err := codeParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Audit(r.Context(), code)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// Campaign totals issued, outstanding and redeemed value for one campaign label.
func Campaign(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "gift card service unavailable"))
			return
		}
		campaign := strings.TrimSpace(chi.URLParam(r, "campaign"))
		if campaign == "" || len(campaign) > 128 {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "campaign must be 1-128 characters"))
			return
		}

		summary, err := svc.Campaign(r.Context(), campaign)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}

// Debit spends stored value. A PIN is required when the card has one.
func Debit(svc Service, logg *logger.Logger) http.HandlerFunc {
	return movement(svc, logg, false)
}

// Credit adds value back, for manual top-ups and goodwill.
func Credit(svc Service, logg *logger.Logger) http.HandlerFunc {
	return movement(svc, logg, true)
}

func movement(svc Service, logg *logger.Logger, credit bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "gift card service unavailable"))
			return
		}
		code, err := codeParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload movementRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		mv := internalgiftcards.Movement{
			OrderID:   payload.OrderID,
			PaymentID: payload.PaymentID,
			RefundID:  payload.RefundID,
			PIN:       payload.PIN,
			Note:      validators.SanitizeString(payload.Note, 500),
			Actor:     middleware.ActorFromContext(r.Context()),
		}

		var tx *models.GiftCardTransaction
		if credit {
			tx, err = svc.Credit(r.Context(), code, payload.AmountCents, mv)
		} else {
			tx, err = svc.Debit(r.Context(), code, payload.AmountCents, mv)
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteCreated(w, tx)
	}
}

func Revoke(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "gift card service unavailable"))
			return
		}
		code, err := codeParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		card, err := svc.Revoke(r.Context(), code, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toCardView(card))
	}
}

// Reverse writes the compensating transaction for a debit or credit.
func Reverse(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "gift card service unavailable"))
			return
		}
		txID, err := validators.ParseUUIDParam(r, "transactionId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		tx, err := svc.Reverse(r.Context(), txID, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteCreated(w, tx)
	}
}

func codeParam(r *http.Request) (string, error) {
	code := strings.TrimSpace(chi.URLParam(r, "code"))
	if code == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "gift card code is required")
	}
	if len(code) > 64 {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "gift card code is too long")
	}
	return code, nil
}
