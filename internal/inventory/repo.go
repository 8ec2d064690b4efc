package inventory

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
)

// Repository owns the inventory counters. Every counter write is a single guarded statement.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Get(ctx context.Context, key Key) (*models.InventoryItem, error)
	GetForUpdate(ctx context.Context, key Key) (*models.InventoryItem, error)
	Reserve(ctx context.Context, key Key, qty int) (bool, error)
	Release(ctx context.Context, key Key, qty int) error
	Commit(ctx context.Context, key Key, qty int) (bool, error)
	AddQuantity(ctx context.Context, key Key, qty int) error
	InsertMovement(ctx context.Context, movement *models.InventoryMovement) error
	ListMovements(ctx context.Context, key Key) ([]models.InventoryMovement, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) scoped(ctx context.Context, key Key) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&models.InventoryItem{}).
		Where("warehouse_id = ? AND product_id = ? AND variant_id = ?", key.WarehouseID, key.ProductID, key.VariantID)
}

func (r *repository) Get(ctx context.Context, key Key) (*models.InventoryItem, error) {
	return r.first(r.scoped(ctx, key))
}

func (r *repository) GetForUpdate(ctx context.Context, key Key) (*models.InventoryItem, error) {
	return r.first(r.scoped(ctx, key).Clauses(clause.Locking{Strength: "UPDATE"}))
}

func (r *repository) first(scope *gorm.DB) (*models.InventoryItem, error) {
	var item models.InventoryItem
	err := scope.First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Reserve bumps reserved_quantity only while enough stock is available. False means no row changed.
func (r *repository) Reserve(ctx context.Context, key Key, qty int) (bool, error) {
	res := r.scoped(ctx, key).
		Where("quantity - reserved_quantity >= ?", qty).
		Updates(map[string]any{
			"reserved_quantity": gorm.Expr("reserved_quantity + ?", qty),
			"updated_at":        time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

// Release lowers reserved_quantity, flooring at zero.
func (r *repository) Release(ctx context.Context, key Key, qty int) error {
	return r.scoped(ctx, key).
		Updates(map[string]any{
			"reserved_quantity": gorm.Expr("CASE WHEN reserved_quantity >= ? THEN reserved_quantity - ? ELSE 0 END", qty, qty),
			"updated_at":        time.Now().UTC(),
		}).Error
}

// Commit consumes a reservation: both counters drop, guarded by the reservation being present.
func (r *repository) Commit(ctx context.Context, key Key, qty int) (bool, error) {
	res := r.scoped(ctx, key).
		Where("reserved_quantity >= ? AND quantity >= ?", qty, qty).
		Updates(map[string]any{
			"quantity":          gorm.Expr("quantity - ?", qty),
			"reserved_quantity": gorm.Expr("reserved_quantity - ?", qty),
			"updated_at":        time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

// AddQuantity upserts the counter row and raises on-hand quantity.
func (r *repository) AddQuantity(ctx context.Context, key Key, qty int) error {
	item := models.InventoryItem{
		WarehouseID: key.WarehouseID,
		ProductID:   key.ProductID,
		VariantID:   key.VariantID,
		Quantity:    qty,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "warehouse_id"}, {Name: "product_id"}, {Name: "variant_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"quantity":   gorm.Expr("inventory_items.quantity + ?", qty),
				"updated_at": time.Now().UTC(),
			}),
		}).
		Create(&item).Error
}

func (r *repository) InsertMovement(ctx context.Context, movement *models.InventoryMovement) error {
	return r.db.WithContext(ctx).Create(movement).Error
}

func (r *repository) ListMovements(ctx context.Context, key Key) ([]models.InventoryMovement, error) {
	var rows []models.InventoryMovement
	err := r.db.WithContext(ctx).
		Where("warehouse_id = ? AND product_id = ? AND variant_id = ?", key.WarehouseID, key.ProductID, key.VariantID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}
