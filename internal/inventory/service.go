package inventory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
	"github.com/angelmondragon/dispensary-engine/pkg/metrics"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service is the inventory reservation manager. Each operation touches one key and appends
// exactly one movement in the same transaction as the counter change.
type Service struct {
	db      txRunner
	tx      *gorm.DB
	repo    Repository
	logg    *logger.Logger
	metrics *metrics.EngineMetrics
}

func NewService(db txRunner, repo Repository, logg *logger.Logger, m *metrics.EngineMetrics) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("db required")
	}
	if repo == nil {
		return nil, fmt.Errorf("inventory repository required")
	}
	return &Service{db: db, repo: repo, logg: logg, metrics: m}, nil
}

// WithTx binds the service to an outer transaction; operations then join it instead of opening their own.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	clone := *s
	clone.tx = tx
	return &clone
}

func (s *Service) run(ctx context.Context, fn func(repo Repository) error) error {
	if s.tx != nil {
		return fn(s.repo.WithTx(s.tx))
	}
	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return fn(s.repo.WithTx(tx))
	})
}

// Reserve holds qty units of key. Fails with INSUFFICIENT_STOCK and changes nothing when
// quantity - reserved_quantity < qty.
func (s *Service) Reserve(ctx context.Context, key Key, qty int, ref Reference) error {
	if err := validate(key, qty); err != nil {
		return err
	}
	err := s.run(ctx, func(repo Repository) error {
		ok, err := repo.Reserve(ctx, key, qty)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reserve inventory")
		}
		if !ok {
			return s.insufficient(ctx, repo, key, qty)
		}
		return s.appendMovement(ctx, repo, key, enums.InventoryMovementReserve, 0, qty, ref, "")
	})
	s.metrics.Inventory("reserve", outcome(err))
	return err
}

// Release returns reserved units to availability. The counter never goes below zero; a floor hit
// is logged because it points at an accounting bug upstream.
func (s *Service) Release(ctx context.Context, key Key, qty int, ref Reference) error {
	if err := validate(key, qty); err != nil {
		return err
	}
	err := s.run(ctx, func(repo Repository) error {
		item, err := repo.GetForUpdate(ctx, key)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load inventory item")
		}
		if item == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "inventory item not found").WithDetails(key.fields())
		}
		applied := qty
		if item.ReservedQuantity < qty {
			applied = item.ReservedQuantity
			if s.logg != nil {
				fields := key.fields()
				fields["requested"] = qty
				fields["reserved"] = item.ReservedQuantity
				fields["reference_id"] = ref.ID.String()
				s.logg.Warn(s.logg.WithFields(ctx, fields), "inventory release floored at zero")
			}
		}
		if err := repo.Release(ctx, key, qty); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "release inventory")
		}
		return s.appendMovement(ctx, repo, key, enums.InventoryMovementRelease, 0, -applied, ref, "")
	})
	s.metrics.Inventory("release", outcome(err))
	return err
}

// Commit consumes a reservation when goods leave the warehouse.
func (s *Service) Commit(ctx context.Context, key Key, qty int, ref Reference) error {
	if err := validate(key, qty); err != nil {
		return err
	}
	err := s.run(ctx, func(repo Repository) error {
		ok, err := repo.Commit(ctx, key, qty)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "commit inventory")
		}
		if !ok {
			details := key.fields()
			details["requested"] = qty
			return pkgerrors.New(pkgerrors.CodeStateConflict, "no reservation to commit").WithDetails(details)
		}
		return s.appendMovement(ctx, repo, key, enums.InventoryMovementCommit, -qty, -qty, ref, "")
	})
	s.metrics.Inventory("commit", outcome(err))
	return err
}

// Restock adds on-hand units, creating the counter row on first receipt.
func (s *Service) Restock(ctx context.Context, key Key, qty int, ref Reference, reason string) error {
	if err := validate(key, qty); err != nil {
		return err
	}
	err := s.run(ctx, func(repo Repository) error {
		if err := repo.AddQuantity(ctx, key, qty); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "restock inventory")
		}
		return s.appendMovement(ctx, repo, key, enums.InventoryMovementRestock, qty, 0, ref, reason)
	})
	s.metrics.Inventory("restock", outcome(err))
	return err
}

// ReserveLines reserves each line in its own short transaction. When a line fails, or the context
// is cancelled between lines, the lines already reserved are released before returning.
func (s *Service) ReserveLines(ctx context.Context, lines []Line, ref Reference) error {
	reserved := make([]Line, 0, len(lines))
	for _, line := range lines {
		err := ctx.Err()
		if err == nil {
			err = s.Reserve(ctx, line.Key, line.Quantity, ref)
		}
		if err != nil {
			if len(reserved) == 0 {
				return err
			}
			return multierr.Append(err, s.compensate(ctx, reserved, ref))
		}
		reserved = append(reserved, line)
	}
	return nil
}

// compensate runs detached from ctx so a cancelled request still returns its holds.
func (s *Service) compensate(ctx context.Context, reserved []Line, ref Reference) error {
	detached := context.WithoutCancel(ctx)
	var errs error
	for i := len(reserved) - 1; i >= 0; i-- {
		line := reserved[i]
		if err := s.Release(detached, line.Key, line.Quantity, ref); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("release %s: %w", line.Key, err))
		}
	}
	if s.logg != nil {
		fields := map[string]any{"lines": len(reserved), "reference_id": ref.ID.String()}
		if errs != nil {
			s.logg.Error(s.logg.WithFields(detached, fields), "inventory compensation incomplete", errs)
		} else {
			s.logg.Info(s.logg.WithFields(detached, fields), "inventory reservations compensated")
		}
	}
	return errs
}

// ReleaseLines releases every line, continuing past failures.
func (s *Service) ReleaseLines(ctx context.Context, lines []Line, ref Reference) error {
	var errs error
	for _, line := range lines {
		errs = multierr.Append(errs, s.Release(ctx, line.Key, line.Quantity, ref))
	}
	return errs
}

// CommitLines stops at the first failure so the caller's transaction can roll back.
func (s *Service) CommitLines(ctx context.Context, lines []Line, ref Reference) error {
	for _, line := range lines {
		if err := s.Commit(ctx, line.Key, line.Quantity, ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) RestockLines(ctx context.Context, lines []Line, ref Reference, reason string) error {
	for _, line := range lines {
		if err := s.Restock(ctx, line.Key, line.Quantity, ref, reason); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, key Key) (*models.InventoryItem, error) {
	if !key.valid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "warehouse, product and variant are required")
	}
	item, err := s.repo.WithTx(s.tx).Get(ctx, key)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load inventory item")
	}
	if item == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "inventory item not found").WithDetails(key.fields())
	}
	return item, nil
}

func (s *Service) ListMovements(ctx context.Context, key Key) ([]models.InventoryMovement, error) {
	if !key.valid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "warehouse, product and variant are required")
	}
	rows, err := s.repo.WithTx(s.tx).ListMovements(ctx, key)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list inventory movements")
	}
	return rows, nil
}

// Reconstruct replays the movement log and compares it with the stored counters.
func (s *Service) Reconstruct(ctx context.Context, key Key) (*AuditResult, error) {
	item, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	movements, err := s.ListMovements(ctx, key)
	if err != nil {
		return nil, err
	}
	result := &AuditResult{
		Key:       key,
		Stored:    Snapshot{Quantity: item.Quantity, Reserved: item.ReservedQuantity},
		Movements: len(movements),
	}
	for _, m := range movements {
		result.Replayed.Quantity += m.QuantityDelta
		result.Replayed.Reserved += m.ReservedDelta
	}
	result.Consistent = result.Stored == result.Replayed
	return result, nil
}

func (s *Service) insufficient(ctx context.Context, repo Repository, key Key, qty int) error {
	available := 0
	item, err := repo.Get(ctx, key)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load inventory item")
	}
	if item != nil {
		available = item.Available()
	}
	details := key.fields()
	details["requested"] = qty
	details["available"] = available
	return pkgerrors.New(pkgerrors.CodeInsufficientStock, "insufficient stock").WithDetails(details)
}

func (s *Service) appendMovement(ctx context.Context, repo Repository, key Key, typ enums.InventoryMovementType, qtyDelta, reservedDelta int, ref Reference, reason string) error {
	movement := &models.InventoryMovement{
		WarehouseID:   key.WarehouseID,
		ProductID:     key.ProductID,
		VariantID:     key.VariantID,
		Type:          typ,
		QuantityDelta: qtyDelta,
		ReservedDelta: reservedDelta,
	}
	if ref.Type != "" {
		refType := ref.Type
		refID := ref.ID
		movement.ReferenceType = &refType
		movement.ReferenceID = &refID
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		movement.Reason = &reason
	}
	if err := repo.InsertMovement(ctx, movement); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "append inventory movement")
	}
	return nil
}

func validate(key Key, qty int) error {
	if !key.valid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "warehouse, product and variant are required")
	}
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock):
		return metrics.OutcomeInsufficient
	default:
		return metrics.OutcomeFailed
	}
}
