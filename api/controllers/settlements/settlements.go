package settlements

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/dispensary-engine/api/middleware"
	"github.com/angelmondragon/dispensary-engine/api/responses"
	"github.com/angelmondragon/dispensary-engine/api/validators"
	internalsettlements "github.com/angelmondragon/dispensary-engine/internal/settlements"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
	"github.com/angelmondragon/dispensary-engine/pkg/pagination"
)

type Service interface {
	Ingest(ctx context.Context, in internalsettlements.IngestInput) (*models.Settlement, error)
	Match(ctx context.Context) (*internalsettlements.MatchSummary, error)
	MatchLine(ctx context.Context, lineID, paymentID uuid.UUID, actor string) (*models.SettlementLine, []models.SettlementDiscrepancy, error)
	UnmatchedReport(ctx context.Context, settlementID *uuid.UUID) ([]models.SettlementLine, error)
	Discrepancies(ctx context.Context, openOnly bool) ([]models.SettlementDiscrepancy, error)
	ResolveDiscrepancy(ctx context.Context, id uuid.UUID, note, actor string) (*models.SettlementDiscrepancy, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Settlement, error)
	List(ctx context.Context, filter internalsettlements.ListFilter) ([]models.Settlement, int64, error)
}

type matchLineRequest struct {
	PaymentID uuid.UUID `json:"payment_id" validate:"required"`
}

type matchLineResponse struct {
	Line          *models.SettlementLine         `json:"line"`
	Discrepancies []models.SettlementDiscrepancy `json:"discrepancies"`
}

type resolveRequest struct {
	Note string `json:"note" validate:"required,max=1000"`
}

// Ingest stores a provider payout batch. Re-sending the same batch returns the stored settlement.
func Ingest(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlements service unavailable"))
			return
		}
		var payload internalsettlements.IngestInput
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !payload.PeriodEnd.After(payload.PeriodStart) {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "period_end must be after period_start"))
			return
		}
		payload.Actor = middleware.ActorFromContext(r.Context())

		settlement, err := svc.Ingest(r.Context(), payload)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteCreated(w, settlement)
	}
}

func List(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlements service unavailable"))
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		offset, err := validators.ParseQueryInt(r, "offset", 0, 0, 1<<30)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params := pagination.Params{Limit: limit, Offset: offset}.Normalize()

		filter := internalsettlements.ListFilter{
			Provider: strings.ToLower(strings.TrimSpace(r.URL.Query().Get("provider"))),
			Limit:    params.Limit,
			Offset:   params.Offset,
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err := enums.ParseSettlementStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status"))
				return
			}
			filter.Status = status
		}

		items, total, err := svc.List(r.Context(), filter)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, pagination.NewPage(items, total, params))
	}
}

func Detail(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlements service unavailable"))
			return
		}
		id, err := validators.ParseUUIDParam(r, "settlementId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		settlement, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, settlement)
	}
}

// Match runs one reconciliation pass over every unmatched line.
func Match(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlements service unavailable"))
			return
		}
		summary, err := svc.Match(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}

// MatchLine pins a line to a payment by hand when the provider reference did not resolve.
func MatchLine(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlements service unavailable"))
			return
		}
		lineID, err := validators.ParseUUIDParam(r, "lineId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload matchLineRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		line, discrepancies, err := svc.MatchLine(r.Context(), lineID, payload.PaymentID, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if discrepancies == nil {
			discrepancies = []models.SettlementDiscrepancy{}
		}
		responses.WriteSuccess(w, matchLineResponse{Line: line, Discrepancies: discrepancies})
	}
}

func Unmatched(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlements service unavailable"))
			return
		}
		settlementID, err := validators.ParseQueryUUID(r, "settlement_id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		lines, err := svc.UnmatchedReport(r.Context(), settlementID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if lines == nil {
			lines = []models.SettlementLine{}
		}
		responses.WriteSuccess(w, lines)
	}
}

func Discrepancies(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlements service unavailable"))
			return
		}
		rows, err := svc.Discrepancies(r.Context(), validators.ParseQueryBool(r, "open"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if rows == nil {
			rows = []models.SettlementDiscrepancy{}
		}
		responses.WriteSuccess(w, rows)
	}
}

func ResolveDiscrepancy(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlements service unavailable"))
			return
		}
		id, err := validators.ParseUUIDParam(r, "discrepancyId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload resolveRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		row, err := svc.ResolveDiscrepancy(r.Context(), id, validators.SanitizeString(payload.Note, 1000), middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, row)
	}
}
