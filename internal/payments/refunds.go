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

var committedRefundStatuses = []enums.RefundStatus{enums.RefundStatusApproved, enums.RefundStatusProcessed}

// DraftRefund opens a refund against a captured payment. The amount may not exceed the net
// amount minus what is already approved or processed.
func (s *Service) DraftRefund(ctx context.Context, in RefundInput) (*models.Refund, error) {
	if in.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund amount must be positive")
	}
	if !in.Reason.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid refund reason")
	}
	if strings.TrimSpace(in.RequestedBy) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund requester is required")
	}

	var refund *models.Refund
	err := s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		payment, err := s.lockPayment(ctx, repo, in.PaymentID)
		if err != nil {
			return err
		}
		if !payment.Status.IsRefundable() {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment is not refundable").
				WithDetails(map[string]any{"status": payment.Status})
		}
		if err := s.checkRefundable(ctx, repo, payment, in.AmountCents, nil); err != nil {
			return err
		}
		refund = &models.Refund{
			PaymentID:   payment.ID,
			OrderID:     payment.OrderID,
			AmountCents: in.AmountCents,
			ReasonCode:  in.Reason,
			Status:      enums.RefundStatusDraft,
			RequestedBy: in.RequestedBy,
		}
		if note := strings.TrimSpace(in.Note); note != "" {
			refund.Note = &note
		}
		if err := repo.CreateRefund(ctx, refund); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create refund")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Refund(string(enums.RefundStatusDraft))
	return refund, nil
}

func (s *Service) RequestRefund(ctx context.Context, refundID uuid.UUID, actor string) (*models.Refund, error) {
	return s.moveRefund(ctx, refundID, enums.RefundStatusRequested,
		[]enums.RefundStatus{enums.RefundStatusDraft},
		map[string]any{"requested_at": s.now()})
}

// ApproveRefund needs a second identity: the requester cannot approve their own refund.
func (s *Service) ApproveRefund(ctx context.Context, refundID uuid.UUID, approver string) (*models.Refund, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "approver is required")
	}
	refund, err := s.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if refund.Status == enums.RefundStatusApproved {
		return refund, nil
	}
	if refund.Status != enums.RefundStatusRequested {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only requested refunds can be approved").
			WithDetails(map[string]any{"status": refund.Status})
	}
	if refund.RequestedBy == approver {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "refund approver must differ from requester")
	}

	err = s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		payment, err := s.lockPayment(ctx, repo, refund.PaymentID)
		if err != nil {
			return err
		}
		if err := s.checkRefundable(ctx, repo, payment, refund.AmountCents, &refund.ID); err != nil {
			return err
		}
		changed, err := repo.TransitionRefund(ctx, refund.ID, []enums.RefundStatus{enums.RefundStatusRequested}, map[string]any{
			"status":      enums.RefundStatusApproved,
			"approved_by": approver,
			"approved_at": s.now(),
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "approve refund")
		}
		if !changed {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "refund changed before approval")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Refund(string(enums.RefundStatusApproved))
	return s.GetRefund(ctx, refundID)
}

func (s *Service) RejectRefund(ctx context.Context, refundID uuid.UUID, actor, reason string) (*models.Refund, error) {
	updates := map[string]any{}
	if reason = strings.TrimSpace(reason); reason != "" {
		updates["failure_reason"] = reason
	}
	refund, err := s.moveRefund(ctx, refundID, enums.RefundStatusRejected,
		[]enums.RefundStatus{enums.RefundStatusDraft, enums.RefundStatusRequested}, updates)
	if err == nil {
		s.metrics.Refund(string(enums.RefundStatusRejected))
	}
	return refund, err
}

// ProcessRefund moves the money. The running total is re-checked under the payment row lock so two
// processors cannot push refunds past the net amount.
func (s *Service) ProcessRefund(ctx context.Context, refundID uuid.UUID, actor string) (*models.Refund, error) {
	refund, err := s.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if refund.Status == enums.RefundStatusProcessed {
		return refund, nil
	}
	if refund.Status != enums.RefundStatusApproved {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only approved refunds can be processed").
			WithDetails(map[string]any{"status": refund.Status})
	}
	payment, err := s.Get(ctx, refund.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment.RefundedCents+refund.AmountCents > payment.AmountNetCents {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund exceeds refundable amount").
			WithDetails(map[string]any{"refundable_cents": payment.RefundableCents()})
	}

	providerRef := ""
	if payment.ProviderRef != nil {
		providerRef = *payment.ProviderRef
	}
	result, err := s.providers.Refund(ctx, payment.Method, RefundRequest{
		RefundID:       refund.ID,
		ProviderRef:    providerRef,
		AmountCents:    refund.AmountCents,
		Currency:       payment.Currency,
		Reason:         refund.ReasonCode,
		IdempotencyKey: ledger.Key("refund", refund.ID, "process"),
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeProviderDeclined) {
			if _, markErr := s.moveRefund(ctx, refund.ID, enums.RefundStatusFailed,
				[]enums.RefundStatus{enums.RefundStatusApproved},
				map[string]any{"failure_reason": err.Error()}); markErr != nil {
				s.logError(ctx, payment, "record failed refund", markErr)
			}
			s.metrics.Refund(string(enums.RefundStatusFailed))
		}
		return nil, err
	}

	now := s.now()
	err = s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		locked, err := s.lockPayment(ctx, repo, payment.ID)
		if err != nil {
			return err
		}
		refunded := locked.RefundedCents + refund.AmountCents
		if refunded > locked.AmountNetCents {
			return pkgerrors.New(pkgerrors.CodeValidation, "refund exceeds refundable amount").
				WithDetails(map[string]any{"refundable_cents": locked.RefundableCents()})
		}

		updates := map[string]any{"status": enums.RefundStatusProcessed, "processed_at": now}
		if result != nil && result.ProviderRef != "" {
			updates["provider_ref"] = result.ProviderRef
		}
		changed, err := repo.TransitionRefund(ctx, refund.ID, []enums.RefundStatus{enums.RefundStatusApproved}, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "process refund")
		}
		if !changed {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "refund changed before processing")
		}

		next := enums.PaymentStatusPartiallyRefunded
		if refunded >= locked.AmountNetCents {
			next = enums.PaymentStatusRefunded
		}
		if locked.Status == enums.PaymentStatusDisputed {
			next = enums.PaymentStatusDisputed
		}
		if _, err := repo.TransitionPayment(ctx, locked.ID, []enums.PaymentStatus{locked.Status}, map[string]any{
			"status":         next,
			"refunded_cents": refunded,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update refunded amount")
		}

		if _, err := s.ledger.WithTx(tx).Record(ctx, ledger.Entry{
			Type:           enums.LedgerEventTypeRefundProcessed,
			AggregateType:  enums.AggregateRefund,
			AggregateID:    refund.ID,
			OrderID:        &refund.OrderID,
			PaymentID:      &refund.PaymentID,
			RefundID:       &refund.ID,
			Actor:          actor,
			AmountCents:    refund.AmountCents,
			Currency:       locked.Currency,
			IdempotencyKey: ledger.Key("refund", refund.ID, "processed"),
			Metadata: map[string]any{
				"reason_code":    refund.ReasonCode,
				"refunded_cents": refunded,
				"payment_status": next,
			},
		}); err != nil {
			return err
		}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventRefundProcessed,
			AggregateType: enums.AggregateRefund,
			AggregateID:   refund.ID,
			Actor:         actorRef(actor),
			Data: payloads.RefundProcessedEvent{
				RefundID:    refund.ID,
				PaymentID:   refund.PaymentID,
				OrderID:     refund.OrderID,
				AmountCents: refund.AmountCents,
				ProcessedAt: now,
			},
		}); err != nil {
			return err
		}
		return s.outbox.RequestNotification(ctx, tx, actorRef(actor), payloads.NotificationRequestedEvent{
			Type:        enums.NotificationTypeRefundProcessed,
			OrderID:     refund.OrderID,
			RecipientID: locked.CustomerID,
			Data:        map[string]any{"amount_cents": refund.AmountCents},
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Refund(string(enums.RefundStatusProcessed))
	return s.GetRefund(ctx, refundID)
}

func (s *Service) GetRefund(ctx context.Context, refundID uuid.UUID) (*models.Refund, error) {
	refund, err := s.reader().FindRefund(ctx, refundID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load refund")
	}
	if refund == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "refund not found")
	}
	return refund, nil
}

func (s *Service) ListRefunds(ctx context.Context, paymentID uuid.UUID) ([]models.Refund, error) {
	rows, err := s.reader().ListRefunds(ctx, paymentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list refunds")
	}
	return rows, nil
}

func (s *Service) checkRefundable(ctx context.Context, repo Repository, payment *models.Payment, amount int, excluding *uuid.UUID) error {
	committed, err := repo.SumRefunds(ctx, payment.ID, committedRefundStatuses, excluding)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "sum refunds")
	}
	remaining := payment.AmountNetCents - committed
	if amount > remaining {
		if remaining < 0 {
			remaining = 0
		}
		return pkgerrors.New(pkgerrors.CodeValidation, "refund exceeds refundable amount").
			WithDetails(map[string]any{"refundable_cents": remaining, "requested_cents": amount})
	}
	return nil
}

// moveRefund applies a status change that needs no payment lock. Repeating a change that
// already happened returns the refund unchanged.
func (s *Service) moveRefund(ctx context.Context, refundID uuid.UUID, to enums.RefundStatus, from []enums.RefundStatus, extra map[string]any) (*models.Refund, error) {
	err := s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		updates := map[string]any{"status": to}
		for k, v := range extra {
			updates[k] = v
		}
		changed, err := repo.TransitionRefund(ctx, refundID, from, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update refund")
		}
		if changed {
			return nil
		}
		current, err := repo.FindRefund(ctx, refundID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load refund")
		}
		if current == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "refund not found")
		}
		if current.Status == to {
			return nil
		}
		return pkgerrors.New(pkgerrors.CodeStateConflict, "refund cannot move to "+string(to)).
			WithDetails(map[string]any{"status": current.Status})
	})
	if err != nil {
		return nil, err
	}
	return s.GetRefund(ctx, refundID)
}

// RefundableRemainder is what a new refund against the payment may still claim.
func (s *Service) RefundableRemainder(ctx context.Context, paymentID uuid.UUID) (int, error) {
	payment, err := s.Get(ctx, paymentID)
	if err != nil {
		return 0, err
	}
	committed, err := s.reader().SumRefunds(ctx, paymentID, committedRefundStatuses, nil)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "sum refunds")
	}
	left := payment.AmountNetCents - committed
	if left < 0 {
		return 0, nil
	}
	return left, nil
}
