package inventory

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/dispensary-engine/api/responses"
	"github.com/angelmondragon/dispensary-engine/api/validators"
	internalinventory "github.com/angelmondragon/dispensary-engine/internal/inventory"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
)

type Service interface {
	Get(ctx context.Context, key internalinventory.Key) (*models.InventoryItem, error)
	ListMovements(ctx context.Context, key internalinventory.Key) ([]models.InventoryMovement, error)
	Reconstruct(ctx context.Context, key internalinventory.Key) (*internalinventory.AuditResult, error)
	Restock(ctx context.Context, key internalinventory.Key, qty int, ref internalinventory.Reference, reason string) error
}

type restockRequest struct {
	internalinventory.Key
	Quantity   int        `json:"quantity" validate:"required,gt=0"`
	Reason     string     `json:"reason" validate:"required,max=255"`
	PurchaseID *uuid.UUID `json:"purchase_id"`
}

func Item(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "inventory service unavailable"))
			return
		}
		key, err := keyFromPath(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		item, err := svc.Get(r.Context(), key)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, item)
	}
}

func Movements(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "inventory service unavailable"))
			return
		}
		key, err := keyFromPath(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rows, err := svc.ListMovements(r.Context(), key)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if rows == nil {
			rows = []models.InventoryMovement{}
		}
		responses.WriteSuccess(w, rows)
	}
}

// Audit replays the movement log for one counter and reports drift.
func Audit(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "inventory service unavailable"))
			return
		}
		key, err := keyFromPath(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Reconstruct(r.Context(), key)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// Restock receives units into a warehouse and answers with the updated counter.
func Restock(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "inventory service unavailable"))
			return
		}
		var payload restockRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ref := internalinventory.Reference{Type: internalinventory.RefManual, ID: uuid.New()}
		if payload.PurchaseID != nil {
			ref = internalinventory.Reference{Type: internalinventory.RefPurchase, ID: *payload.PurchaseID}
		}
		if err := svc.Restock(r.Context(), payload.Key, payload.Quantity, ref, validators.SanitizeString(payload.Reason, 255)); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		item, err := svc.Get(r.Context(), payload.Key)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, item)
	}
}

func keyFromPath(r *http.Request) (internalinventory.Key, error) {
	warehouseID, err := validators.ParseUUIDParam(r, "warehouseId")
	if err != nil {
		return internalinventory.Key{}, err
	}
	productID, err := validators.ParseUUIDParam(r, "productId")
	if err != nil {
		return internalinventory.Key{}, err
	}
	variantID, err := validators.ParseUUIDParam(r, "variantId")
	if err != nil {
		return internalinventory.Key{}, err
	}
	return internalinventory.Key{WarehouseID: warehouseID, ProductID: productID, VariantID: variantID}, nil
}
