package inventory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	internalinventory "github.com/angelmondragon/dispensary-engine/internal/inventory"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
)

type restockCall struct {
	key    internalinventory.Key
	qty    int
	ref    internalinventory.Reference
	reason string
}

type stubInventory struct {
	item     *models.InventoryItem
	restocks []restockCall
}

func (s *stubInventory) Get(_ context.Context, key internalinventory.Key) (*models.InventoryItem, error) {
	if s.item == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "inventory item not found")
	}
	return s.item, nil
}

func (s *stubInventory) ListMovements(context.Context, internalinventory.Key) ([]models.InventoryMovement, error) {
	return nil, nil
}

func (s *stubInventory) Reconstruct(_ context.Context, key internalinventory.Key) (*internalinventory.AuditResult, error) {
	return &internalinventory.AuditResult{Key: key, Consistent: true}, nil
}

func (s *stubInventory) Restock(_ context.Context, key internalinventory.Key, qty int, ref internalinventory.Reference, reason string) error {
	s.restocks = append(s.restocks, restockCall{key: key, qty: qty, ref: ref, reason: reason})
	s.item = &models.InventoryItem{Quantity: qty}
	return nil
}

func withParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func keyParams(key internalinventory.Key) map[string]string {
	return map[string]string{
		"warehouseId": key.WarehouseID.String(),
		"productId":   key.ProductID.String(),
		"variantId":   key.VariantID.String(),
	}
}

func newKey() internalinventory.Key {
	return internalinventory.Key{WarehouseID: uuid.New(), ProductID: uuid.New(), VariantID: uuid.New()}
}

func TestItemNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	Item(&stubInventory{}, nil).ServeHTTP(rec, withParams(httptest.NewRequest(http.MethodGet, "/", nil), keyParams(newKey())))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestItemRejectsBadKey(t *testing.T) {
	params := keyParams(newKey())
	params["variantId"] = "not-a-uuid"

	rec := httptest.NewRecorder()
	Item(&stubInventory{}, nil).ServeHTTP(rec, withParams(httptest.NewRequest(http.MethodGet, "/", nil), params))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAuditEchoesKey(t *testing.T) {
	key := newKey()
	rec := httptest.NewRecorder()
	Audit(&stubInventory{}, nil).ServeHTTP(rec, withParams(httptest.NewRequest(http.MethodGet, "/", nil), keyParams(key)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"consistent":true`) || !strings.Contains(rec.Body.String(), key.VariantID.String()) {
		t.Fatalf("unexpected audit body %s", rec.Body.String())
	}
}

func TestMovementsNeverNull(t *testing.T) {
	rec := httptest.NewRecorder()
	Movements(&stubInventory{}, nil).ServeHTTP(rec, withParams(httptest.NewRequest(http.MethodGet, "/", nil), keyParams(newKey())))
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
}

func TestRestockReferences(t *testing.T) {
	svc := &stubInventory{}
	key := newKey()
	purchase := uuid.New()
	base := `"warehouse_id":"` + key.WarehouseID.String() + `","product_id":"` + key.ProductID.String() + `","variant_id":"` + key.VariantID.String() + `"`

	rec := httptest.NewRecorder()
	Restock(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/restock", strings.NewReader(`{`+base+`,"quantity":12,"reason":"count correction"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	Restock(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/restock", strings.NewReader(`{`+base+`,"quantity":40,"reason":"PO received","purchase_id":"`+purchase.String()+`"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if len(svc.restocks) != 2 {
		t.Fatalf("expected two restocks, got %d", len(svc.restocks))
	}
	if svc.restocks[0].ref.Type != internalinventory.RefManual || svc.restocks[0].key != key {
		t.Fatalf("unexpected manual restock %+v", svc.restocks[0])
	}
	if svc.restocks[1].ref.Type != internalinventory.RefPurchase || svc.restocks[1].ref.ID != purchase || svc.restocks[1].qty != 40 {
		t.Fatalf("unexpected purchase restock %+v", svc.restocks[1])
	}
}

func TestRestockValidatesQuantity(t *testing.T) {
	key := newKey()
	body := `{"warehouse_id":"` + key.WarehouseID.String() + `","product_id":"` + key.ProductID.String() + `","variant_id":"` + key.VariantID.String() + `","quantity":0,"reason":"x"}`

	rec := httptest.NewRecorder()
	Restock(&stubInventory{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/restock", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
