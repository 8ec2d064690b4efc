package settlements

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// ListFilter narrows settlement listings.
type ListFilter struct {
	Provider string
	Status   enums.SettlementStatus
	Limit    int
	Offset   int
}

// LineCursor marks the last line a match pass has seen. Lines are walked in (created_at, id) order.
type LineCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByBatch(ctx context.Context, provider, externalBatchID string) (*models.Settlement, error)
	Create(ctx context.Context, settlement *models.Settlement) error
	Find(ctx context.Context, id uuid.UUID, withLines bool) (*models.Settlement, error)
	List(ctx context.Context, filter ListFilter) ([]models.Settlement, int64, error)
	MarkReconciled(ctx context.Context, id uuid.UUID, updates map[string]any) error
	CountLines(ctx context.Context, settlementID uuid.UUID, status enums.SettlementMatchStatus) (int64, error)

	FindLine(ctx context.Context, id uuid.UUID) (*models.SettlementLine, error)
	ListLines(ctx context.Context, status enums.SettlementMatchStatus, settlementID *uuid.UUID, limit int) ([]models.SettlementLine, error)
	ListUnmatchedAfter(ctx context.Context, after *LineCursor, limit int) ([]models.SettlementLine, error)
	// StampLine moves a line out of unmatched. It reports false when another matcher got there first.
	StampLine(ctx context.Context, id uuid.UUID, updates map[string]any) (bool, error)

	CreateDiscrepancy(ctx context.Context, d *models.SettlementDiscrepancy) error
	FindDiscrepancy(ctx context.Context, id uuid.UUID) (*models.SettlementDiscrepancy, error)
	ListDiscrepancies(ctx context.Context, openOnly bool) ([]models.SettlementDiscrepancy, error)
	ResolveDiscrepancy(ctx context.Context, id uuid.UUID, updates map[string]any) (bool, error)
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

func (r *repository) FindByBatch(ctx context.Context, provider, externalBatchID string) (*models.Settlement, error) {
	var row models.Settlement
	err := r.db.WithContext(ctx).
		Where("provider = ? AND external_batch_id = ?", provider, externalBatchID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Create inserts the batch together with its lines.
func (r *repository) Create(ctx context.Context, settlement *models.Settlement) error {
	return r.db.WithContext(ctx).Create(settlement).Error
}

func (r *repository) Find(ctx context.Context, id uuid.UUID, withLines bool) (*models.Settlement, error) {
	query := r.db.WithContext(ctx)
	if withLines {
		query = query.Preload("Lines", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC")
		})
	}
	var row models.Settlement
	err := query.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) List(ctx context.Context, filter ListFilter) ([]models.Settlement, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Settlement{})
	if filter.Provider != "" {
		query = query.Where("provider = ?", filter.Provider)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rows []models.Settlement
	err := query.Order("period_end DESC").Limit(filter.Limit).Offset(filter.Offset).Find(&rows).Error
	return rows, total, err
}

func (r *repository) MarkReconciled(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).
		Model(&models.Settlement{}).
		Where("id = ? AND status = ?", id, enums.SettlementStatusIngested).
		Updates(updates).Error
}

func (r *repository) CountLines(ctx context.Context, settlementID uuid.UUID, status enums.SettlementMatchStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.SettlementLine{}).
		Where("settlement_id = ? AND match_status = ?", settlementID, status).
		Count(&count).Error
	return count, err
}

func (r *repository) FindLine(ctx context.Context, id uuid.UUID) (*models.SettlementLine, error) {
	var row models.SettlementLine
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) ListLines(ctx context.Context, status enums.SettlementMatchStatus, settlementID *uuid.UUID, limit int) ([]models.SettlementLine, error) {
	query := r.db.WithContext(ctx).Where("match_status = ?", status)
	if settlementID != nil {
		query = query.Where("settlement_id = ?", *settlementID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []models.SettlementLine
	err := query.Order("created_at ASC").Order("id ASC").Find(&rows).Error
	return rows, err
}

func (r *repository) ListUnmatchedAfter(ctx context.Context, after *LineCursor, limit int) ([]models.SettlementLine, error) {
	query := r.db.WithContext(ctx).Where("match_status = ?", enums.SettlementMatchUnmatched)
	if after != nil {
		query = query.Where("created_at > ? OR (created_at = ? AND id > ?)", after.CreatedAt, after.CreatedAt, after.ID)
	}
	var rows []models.SettlementLine
	err := query.Order("created_at ASC").Order("id ASC").Limit(limit).Find(&rows).Error
	return rows, err
}

func (r *repository) StampLine(ctx context.Context, id uuid.UUID, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.SettlementLine{}).
		Where("id = ? AND match_status = ?", id, enums.SettlementMatchUnmatched).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

func (r *repository) CreateDiscrepancy(ctx context.Context, d *models.SettlementDiscrepancy) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *repository) FindDiscrepancy(ctx context.Context, id uuid.UUID) (*models.SettlementDiscrepancy, error) {
	var row models.SettlementDiscrepancy
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) ListDiscrepancies(ctx context.Context, openOnly bool) ([]models.SettlementDiscrepancy, error) {
	query := r.db.WithContext(ctx)
	if openOnly {
		query = query.Where("resolved = ?", false)
	}
	var rows []models.SettlementDiscrepancy
	err := query.Order("created_at ASC").Find(&rows).Error
	return rows, err
}

func (r *repository) ResolveDiscrepancy(ctx context.Context, id uuid.UUID, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.SettlementDiscrepancy{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}
