package giftcards

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// Repository persists cards and their transaction log.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CodeExists(ctx context.Context, code string) (bool, error)
	Create(ctx context.Context, card *models.GiftCard) error
	FindByCode(ctx context.Context, code string) (*models.GiftCard, error)
	FindByCodeForUpdate(ctx context.Context, code string) (*models.GiftCard, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.GiftCard, error)
	SwapBalance(ctx context.Context, id uuid.UUID, expected, next int) (bool, error)
	UpdateState(ctx context.Context, id uuid.UUID, state enums.GiftCardState, at time.Time) error
	InsertTransaction(ctx context.Context, txn *models.GiftCardTransaction) error
	FindTransaction(ctx context.Context, id uuid.UUID) (*models.GiftCardTransaction, error)
	FindReversalOf(ctx context.Context, id uuid.UUID) (*models.GiftCardTransaction, error)
	ListOrderTransactions(ctx context.Context, cardID, orderID uuid.UUID) ([]models.GiftCardTransaction, error)
	ListTransactions(ctx context.Context, cardID uuid.UUID) ([]models.GiftCardTransaction, error)
	ListByCampaign(ctx context.Context, campaign string) ([]models.GiftCard, error)
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

func (r *repository) CodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.GiftCard{}).Where("code = ?", code).Count(&count).Error
	return count > 0, err
}

func (r *repository) Create(ctx context.Context, card *models.GiftCard) error {
	return r.db.WithContext(ctx).Create(card).Error
}

func (r *repository) FindByCode(ctx context.Context, code string) (*models.GiftCard, error) {
	return firstCard(r.db.WithContext(ctx).Where("code = ?", code))
}

func (r *repository) FindByCodeForUpdate(ctx context.Context, code string) (*models.GiftCard, error) {
	return firstCard(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("code = ?", code))
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.GiftCard, error) {
	return firstCard(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id))
}

func firstCard(scope *gorm.DB) (*models.GiftCard, error) {
	var card models.GiftCard
	err := scope.First(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// SwapBalance writes next only if the stored balance still equals expected.
func (r *repository) SwapBalance(ctx context.Context, id uuid.UUID, expected, next int) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.GiftCard{}).
		Where("id = ? AND balance_cents = ?", id, expected).
		Updates(map[string]any{
			"balance_cents": next,
			"updated_at":    time.Now().UTC(),
		})
	return res.RowsAffected == 1, res.Error
}

func (r *repository) UpdateState(ctx context.Context, id uuid.UUID, state enums.GiftCardState, at time.Time) error {
	updates := map[string]any{"state": state, "updated_at": at}
	if state == enums.GiftCardStateRevoked {
		updates["revoked_at"] = at
	}
	return r.db.WithContext(ctx).Model(&models.GiftCard{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repository) InsertTransaction(ctx context.Context, txn *models.GiftCardTransaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repository) FindTransaction(ctx context.Context, id uuid.UUID) (*models.GiftCardTransaction, error) {
	return firstTransaction(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *repository) FindReversalOf(ctx context.Context, id uuid.UUID) (*models.GiftCardTransaction, error) {
	return firstTransaction(r.db.WithContext(ctx).Where("reversed_transaction_id = ?", id))
}

func (r *repository) ListOrderTransactions(ctx context.Context, cardID, orderID uuid.UUID) ([]models.GiftCardTransaction, error) {
	var rows []models.GiftCardTransaction
	err := r.db.WithContext(ctx).
		Where("gift_card_id = ? AND order_id = ?", cardID, orderID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

func firstTransaction(scope *gorm.DB) (*models.GiftCardTransaction, error) {
	var txn models.GiftCardTransaction
	err := scope.First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repository) ListTransactions(ctx context.Context, cardID uuid.UUID) ([]models.GiftCardTransaction, error) {
	var rows []models.GiftCardTransaction
	err := r.db.WithContext(ctx).
		Where("gift_card_id = ?", cardID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) ListByCampaign(ctx context.Context, campaign string) ([]models.GiftCard, error) {
	var rows []models.GiftCard
	err := r.db.WithContext(ctx).
		Where("campaign = ?", campaign).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}
