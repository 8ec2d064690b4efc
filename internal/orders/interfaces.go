package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// Repository persists orders, their items, status history and returns.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateOrder(ctx context.Context, order *models.Order) error
	// AddItems refuses to write once the order has left pending_payment.
	AddItems(ctx context.Context, orderID uuid.UUID, items []models.OrderItem) error
	FindOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindOrderByReference(ctx context.Context, reference string) (*models.Order, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]models.Order, int64, error)
	FindPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	// UpdateStatus applies updates only while the order is still in from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from enums.OrderStatus, updates map[string]any) (bool, error)
	UpdateOrder(ctx context.Context, id uuid.UUID, updates map[string]any) error

	ListItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error)
	// AddReturnedQuantity bumps returned_qty without letting it pass the ordered quantity.
	AddReturnedQuantity(ctx context.Context, itemID uuid.UUID, qty int) (bool, error)

	AppendHistory(ctx context.Context, row *models.OrderStatusHistory) error
	ListHistory(ctx context.Context, orderID uuid.UUID) ([]models.OrderStatusHistory, error)

	CreateReturn(ctx context.Context, ret *models.ReturnRequest) error
	ListReturns(ctx context.Context, orderID uuid.UUID) ([]models.ReturnRequest, error)
}
