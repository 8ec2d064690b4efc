package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// Repository persists payments, refunds and chargebacks.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreatePayment(ctx context.Context, payment *models.Payment) error
	FindPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindPaymentForUpdate(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindPaymentByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error)
	FindPaymentByProviderRef(ctx context.Context, provider, ref string) (*models.Payment, error)
	FindOpenPayment(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
	ListPaymentsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error)
	// TransitionPayment applies updates only while the row is in one of from. It reports whether a row changed.
	TransitionPayment(ctx context.Context, id uuid.UUID, from []enums.PaymentStatus, updates map[string]any) (bool, error)

	CreateRefund(ctx context.Context, refund *models.Refund) error
	FindRefund(ctx context.Context, id uuid.UUID) (*models.Refund, error)
	ListRefunds(ctx context.Context, paymentID uuid.UUID) ([]models.Refund, error)
	SumRefunds(ctx context.Context, paymentID uuid.UUID, statuses []enums.RefundStatus, excluding *uuid.UUID) (int, error)
	TransitionRefund(ctx context.Context, id uuid.UUID, from []enums.RefundStatus, updates map[string]any) (bool, error)

	// InsertChargeback ignores a duplicate (payment, case) pair and reports whether a row was written.
	InsertChargeback(ctx context.Context, chargeback *models.Chargeback) (bool, error)
	FindChargeback(ctx context.Context, id uuid.UUID) (*models.Chargeback, error)
	FindChargebackByCase(ctx context.Context, paymentID uuid.UUID, caseID string) (*models.Chargeback, error)
	ListChargebacks(ctx context.Context, paymentID uuid.UUID) ([]models.Chargeback, error)
	CountOpenChargebacks(ctx context.Context, paymentID uuid.UUID) (int64, error)
	TransitionChargeback(ctx context.Context, id uuid.UUID, from enums.ChargebackOutcome, updates map[string]any) (bool, error)
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

func (r *repository) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *repository) FindPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return first[models.Payment](r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *repository) FindPaymentForUpdate(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return first[models.Payment](r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (r *repository) FindPaymentByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error) {
	return first[models.Payment](r.db.WithContext(ctx).Where("idempotency_key = ?", key))
}

func (r *repository) FindPaymentByProviderRef(ctx context.Context, provider, ref string) (*models.Payment, error) {
	query := r.db.WithContext(ctx).Where("provider_ref = ?", ref)
	if provider != "" {
		query = query.Where("provider = ?", provider)
	}
	return first[models.Payment](query)
}

func (r *repository) FindOpenPayment(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	return first[models.Payment](r.db.WithContext(ctx).
		Where("order_id = ? AND status IN ?", orderID, openStatuses()).
		Order("created_at DESC"))
}

func (r *repository) ListPaymentsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error) {
	var rows []models.Payment
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) TransitionPayment(ctx context.Context, id uuid.UUID, from []enums.PaymentStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

func (r *repository) CreateRefund(ctx context.Context, refund *models.Refund) error {
	return r.db.WithContext(ctx).Create(refund).Error
}

func (r *repository) FindRefund(ctx context.Context, id uuid.UUID) (*models.Refund, error) {
	return first[models.Refund](r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *repository) ListRefunds(ctx context.Context, paymentID uuid.UUID) ([]models.Refund, error) {
	var rows []models.Refund
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) SumRefunds(ctx context.Context, paymentID uuid.UUID, statuses []enums.RefundStatus, excluding *uuid.UUID) (int, error) {
	var total int64
	query := r.db.WithContext(ctx).
		Model(&models.Refund{}).
		Select("COALESCE(SUM(amount_cents), 0)").
		Where("payment_id = ? AND status IN ?", paymentID, statuses)
	if excluding != nil {
		query = query.Where("id <> ?", *excluding)
	}
	err := query.Scan(&total).Error
	return int(total), err
}

func (r *repository) TransitionRefund(ctx context.Context, id uuid.UUID, from []enums.RefundStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Refund{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

func (r *repository) InsertChargeback(ctx context.Context, chargeback *models.Chargeback) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "payment_id"}, {Name: "case_id"}},
			DoNothing: true,
		}).
		Create(chargeback)
	return res.RowsAffected == 1, res.Error
}

func (r *repository) FindChargeback(ctx context.Context, id uuid.UUID) (*models.Chargeback, error) {
	return first[models.Chargeback](r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *repository) FindChargebackByCase(ctx context.Context, paymentID uuid.UUID, caseID string) (*models.Chargeback, error) {
	return first[models.Chargeback](r.db.WithContext(ctx).Where("payment_id = ? AND case_id = ?", paymentID, caseID))
}

func (r *repository) ListChargebacks(ctx context.Context, paymentID uuid.UUID) ([]models.Chargeback, error) {
	var rows []models.Chargeback
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) CountOpenChargebacks(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Chargeback{}).
		Where("payment_id = ? AND outcome = ?", paymentID, enums.ChargebackOutcomeOpen).
		Count(&count).Error
	return count, err
}

func (r *repository) TransitionChargeback(ctx context.Context, id uuid.UUID, from enums.ChargebackOutcome, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Chargeback{}).
		Where("id = ? AND outcome = ?", id, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

func first[T any](query *gorm.DB) (*T, error) {
	var row T
	if err := query.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func openStatuses() []enums.PaymentStatus {
	return []enums.PaymentStatus{
		enums.PaymentStatusPending,
		enums.PaymentStatusAuthorized,
		enums.PaymentStatusCaptured,
		enums.PaymentStatusPartiallyRefunded,
		enums.PaymentStatusDisputed,
	}
}
