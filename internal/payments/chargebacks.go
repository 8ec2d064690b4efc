package payments

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/internal/ledger"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox/payloads"
)

// OpenChargeback records a dispute and flags the payment disputed. A repeated (payment, case)
// pair returns the existing chargeback with created=false.
func (s *Service) OpenChargeback(ctx context.Context, in ChargebackInput) (*models.Chargeback, bool, error) {
	caseID := strings.TrimSpace(in.CaseID)
	if caseID == "" {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "case id is required")
	}
	if in.AmountCents <= 0 {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "chargeback amount must be positive")
	}
	if in.Stage == "" {
		in.Stage = enums.ChargebackStageChargeback
	}
	if !in.Stage.IsValid() {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "invalid chargeback stage")
	}

	var (
		chargeback *models.Chargeback
		created    bool
	)
	err := s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		payment, err := s.lockPayment(ctx, repo, in.PaymentID)
		if err != nil {
			return err
		}
		if !isCaptured(payment.Status) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "only captured payments can be disputed").
				WithDetails(map[string]any{"status": payment.Status})
		}

		candidate := &models.Chargeback{
			PaymentID:   payment.ID,
			CaseID:      caseID,
			AmountCents: in.AmountCents,
			Stage:       in.Stage,
			Outcome:     enums.ChargebackOutcomeOpen,
			Deadline:    in.Deadline,
		}
		if reason := strings.TrimSpace(in.Reason); reason != "" {
			candidate.Reason = &reason
		}
		inserted, err := repo.InsertChargeback(ctx, candidate)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert chargeback")
		}
		if !inserted {
			chargeback, err = repo.FindChargebackByCase(ctx, payment.ID, caseID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load chargeback")
			}
			return nil
		}
		chargeback, created = candidate, true

		if payment.Status != enums.PaymentStatusDisputed {
			if _, err := repo.TransitionPayment(ctx, payment.ID, []enums.PaymentStatus{payment.Status},
				map[string]any{"status": enums.PaymentStatusDisputed}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "flag payment disputed")
			}
		}

		if _, err := s.ledger.WithTx(tx).Record(ctx, ledger.Entry{
			Type:           enums.LedgerEventTypeChargebackOpened,
			AggregateType:  enums.AggregateChargeback,
			AggregateID:    candidate.ID,
			OrderID:        &payment.OrderID,
			PaymentID:      &payment.ID,
			Actor:          in.Actor,
			AmountCents:    candidate.AmountCents,
			Currency:       payment.Currency,
			IdempotencyKey: ledger.Key("chargeback", candidate.ID, "opened"),
			Metadata:       map[string]any{"case_id": caseID, "stage": candidate.Stage},
		}); err != nil {
			return err
		}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventChargebackOpened,
			AggregateType: enums.AggregateChargeback,
			AggregateID:   candidate.ID,
			Actor:         actorRef(in.Actor),
			Data: payloads.ChargebackOpenedEvent{
				ChargebackID: candidate.ID,
				PaymentID:    payment.ID,
				OrderID:      payment.OrderID,
				CaseID:       caseID,
				Stage:        candidate.Stage,
				AmountCents:  candidate.AmountCents,
				Deadline:     candidate.Deadline,
			},
		}); err != nil {
			return err
		}
		return s.outbox.RequestNotification(ctx, tx, actorRef(in.Actor), payloads.NotificationRequestedEvent{
			Type:        enums.NotificationTypeChargebackOpened,
			OrderID:     payment.OrderID,
			RecipientID: payment.CustomerID,
			Data:        map[string]any{"case_id": caseID, "amount_cents": candidate.AmountCents},
		})
	})
	if err != nil {
		return nil, false, err
	}
	return chargeback, created, nil
}

// ResolveChargeback closes a dispute. Won and withdrawn cases restore the payment once no other
// case is open; a lost case leaves it disputed and refunds nothing on its own.
func (s *Service) ResolveChargeback(ctx context.Context, chargebackID uuid.UUID, outcome enums.ChargebackOutcome, actor string) (*models.Chargeback, error) {
	if !outcome.IsValid() || outcome == enums.ChargebackOutcomeOpen {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "outcome must be won, lost or withdrawn")
	}

	var chargeback *models.Chargeback
	err := s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		current, err := repo.FindChargeback(ctx, chargebackID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load chargeback")
		}
		if current == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "chargeback not found")
		}
		chargeback = current
		if current.Outcome == outcome {
			return nil
		}
		if current.Outcome != enums.ChargebackOutcomeOpen {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "chargeback already resolved").
				WithDetails(map[string]any{"outcome": current.Outcome})
		}

		payment, err := s.lockPayment(ctx, repo, current.PaymentID)
		if err != nil {
			return err
		}
		now := s.now()
		changed, err := repo.TransitionChargeback(ctx, current.ID, enums.ChargebackOutcomeOpen, map[string]any{
			"outcome":     outcome,
			"resolved_at": now,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolve chargeback")
		}
		if !changed {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "chargeback changed before resolution")
		}
		chargeback.Outcome = outcome
		chargeback.ResolvedAt = &now

		if outcome != enums.ChargebackOutcomeLost && payment.Status == enums.PaymentStatusDisputed {
			open, err := repo.CountOpenChargebacks(ctx, payment.ID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count open chargebacks")
			}
			if open == 0 {
				if _, err := repo.TransitionPayment(ctx, payment.ID, []enums.PaymentStatus{enums.PaymentStatusDisputed},
					map[string]any{"status": restoredStatus(payment)}); err != nil {
					return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "restore payment status")
				}
			}
		}

		_, err = s.ledger.WithTx(tx).Record(ctx, ledger.Entry{
			Type:           enums.LedgerEventTypeChargebackResolved,
			AggregateType:  enums.AggregateChargeback,
			AggregateID:    current.ID,
			OrderID:        &payment.OrderID,
			PaymentID:      &payment.ID,
			Actor:          actor,
			AmountCents:    current.AmountCents,
			Currency:       payment.Currency,
			IdempotencyKey: ledger.Key("chargeback", current.ID, "resolved"),
			Metadata:       map[string]any{"outcome": outcome, "case_id": current.CaseID},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return chargeback, nil
}

// FindChargebackByCase returns the dispute a provider case id was recorded under, or nil.
func (s *Service) FindChargebackByCase(ctx context.Context, paymentID uuid.UUID, caseID string) (*models.Chargeback, error) {
	row, err := s.reader().FindChargebackByCase(ctx, paymentID, strings.TrimSpace(caseID))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load chargeback")
	}
	return row, nil
}

func (s *Service) ListChargebacks(ctx context.Context, paymentID uuid.UUID) ([]models.Chargeback, error) {
	rows, err := s.reader().ListChargebacks(ctx, paymentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list chargebacks")
	}
	return rows, nil
}

func restoredStatus(payment *models.Payment) enums.PaymentStatus {
	switch {
	case payment.RefundedCents == 0:
		return enums.PaymentStatusCaptured
	case payment.RefundedCents >= payment.AmountNetCents:
		return enums.PaymentStatusRefunded
	default:
		return enums.PaymentStatusPartiallyRefunded
	}
}
