package settlements

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/internal/ledger"
	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/logger"
	"github.com/angelmondragon/dispensary-engine/pkg/metrics"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox/payloads"
	"github.com/angelmondragon/dispensary-engine/pkg/redis"
)

const (
	defaultMatchBatch = 500
	defaultListLimit  = 50
	maxListLimit      = 200
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// LockStore is the redis surface the reconciler needs for advisory locks.
type LockStore interface {
	redis.LockStore
	LockKey(parts ...string) string
}

// PaymentLookup resolves provider transaction ids to payments.
type PaymentLookup interface {
	FindByProviderRef(ctx context.Context, provider, providerRef string) (*models.Payment, error)
	Get(ctx context.Context, paymentID uuid.UUID) (*models.Payment, error)
}

type LineInput struct {
	ProviderTxID string `json:"provider_tx_id" validate:"required"`
	AmountCents  int    `json:"amount_cents"`
	FeeCents     int    `json:"fee_cents" validate:"gte=0"`
}

type IngestInput struct {
	Provider        string         `json:"provider" validate:"required"`
	ExternalBatchID string         `json:"external_batch_id" validate:"required"`
	PeriodStart     time.Time      `json:"period_start" validate:"required"`
	PeriodEnd       time.Time      `json:"period_end" validate:"required"`
	Currency        enums.Currency `json:"currency"`
	Lines           []LineInput    `json:"lines" validate:"required,min=1,dive"`
	Actor           string         `json:"-"`
}

// MatchSummary counts what one Match pass did.
type MatchSummary struct {
	Scanned       int `json:"scanned"`
	Matched       int `json:"matched"`
	Discrepancies int `json:"discrepancies"`
	Unmatched     int `json:"unmatched"`
	Reconciled    int `json:"settlements_reconciled"`
}

type ServiceParams struct {
	DB       txRunner
	Repo     Repository
	Payments PaymentLookup
	Ledger   ledger.Service
	Outbox   outbox.Emitter
	Locks    LockStore
	Config   config.SettlementsConfig
	Logger   *logger.Logger
	Metrics  *metrics.EngineMetrics
}

// Service reconciles provider settlement batches against captured payments.
type Service struct {
	db       txRunner
	repo     Repository
	payments PaymentLookup
	ledger   ledger.Service
	outbox   outbox.Emitter
	locks    LockStore
	cfg      config.SettlementsConfig
	logg     *logger.Logger
	metrics  *metrics.EngineMetrics
	now      func() time.Time

	matchBatch int
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.DB == nil:
		return nil, fmt.Errorf("db required")
	case params.Repo == nil:
		return nil, fmt.Errorf("settlement repository required")
	case params.Payments == nil:
		return nil, fmt.Errorf("payment lookup required")
	case params.Ledger == nil:
		return nil, fmt.Errorf("ledger service required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	case params.Locks == nil:
		return nil, fmt.Errorf("lock store required")
	}
	batch := params.Config.MatchBatch
	if batch <= 0 {
		batch = defaultMatchBatch
	}
	return &Service{
		db:       params.DB,
		repo:     params.Repo,
		payments: params.Payments,
		ledger:   params.Ledger,
		outbox:   params.Outbox,
		locks:    params.Locks,
		cfg:      params.Config,
		logg:     params.Logger,
		metrics:  params.Metrics,
		now:      func() time.Time { return time.Now().UTC() },

		matchBatch: batch,
	}, nil
}

// Ingest stores a batch with every line unmatched. Concurrent ingestion of the same provider period
// is blocked by an advisory lock, and a batch id seen before is rejected.
func (s *Service) Ingest(ctx context.Context, in IngestInput) (settlement *models.Settlement, err error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	batchID := strings.TrimSpace(in.ExternalBatchID)
	if err := validateIngest(provider, batchID, in); err != nil {
		return nil, err
	}
	if in.Currency == "" {
		in.Currency = enums.CurrencyUSD
	}

	lock, err := redis.NewLock(s.locks, s.locks.LockKey("settlement", provider,
		in.PeriodStart.UTC().Format(time.DateOnly), in.PeriodEnd.UTC().Format(time.DateOnly)), s.cfg.LockTTL)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build settlement lock")
	}
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire settlement lock")
	}
	if !acquired {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "settlement period is already being ingested").
			WithDetails(map[string]any{"lock": lock.Key()})
	}
	defer func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			s.warn(ctx, "settlement lock release failed: "+releaseErr.Error())
		}
	}()

	settlement = &models.Settlement{
		Provider:        provider,
		ExternalBatchID: batchID,
		PeriodStart:     in.PeriodStart.UTC(),
		PeriodEnd:       in.PeriodEnd.UTC(),
		Currency:        in.Currency,
		Status:          enums.SettlementStatusIngested,
	}
	for _, line := range in.Lines {
		settlement.GrossCents += line.AmountCents
		settlement.FeeCents += line.FeeCents
		settlement.Lines = append(settlement.Lines, models.SettlementLine{
			ProviderTxID: strings.TrimSpace(line.ProviderTxID),
			AmountCents:  line.AmountCents,
			FeeCents:     line.FeeCents,
			NetCents:     line.AmountCents - line.FeeCents,
			MatchStatus:  enums.SettlementMatchUnmatched,
		})
	}
	settlement.NetCents = settlement.GrossCents - settlement.FeeCents

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		existing, err := repo.FindByBatch(ctx, provider, batchID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load settlement")
		}
		if existing != nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "settlement batch already ingested").
				WithDetails(map[string]any{"settlement_id": existing.ID})
		}
		if err := repo.Create(ctx, settlement); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create settlement")
		}
		_, err = s.ledger.WithTx(tx).Record(ctx, ledger.Entry{
			Type:           enums.LedgerEventTypeSettlementIngested,
			AggregateType:  enums.AggregateSettlement,
			AggregateID:    settlement.ID,
			SettlementID:   &settlement.ID,
			Actor:          in.Actor,
			AmountCents:    settlement.NetCents,
			Currency:       settlement.Currency,
			IdempotencyKey: ledger.Key("settlement", settlement.ID, "ingested"),
			Metadata: map[string]any{
				"provider":          provider,
				"external_batch_id": batchID,
				"lines":             len(settlement.Lines),
				"gross_cents":       settlement.GrossCents,
				"fee_cents":         settlement.FeeCents,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

// Match walks unmatched lines and links each to the payment carrying its provider transaction id.
// Differences become discrepancy records for operators; lines without a payment stay unmatched.
// Lines are read in keyset pages so orphans at the head of the table never hide newer lines.
func (s *Service) Match(ctx context.Context) (*MatchSummary, error) {
	summary := &MatchSummary{}
	touched := map[uuid.UUID]struct{}{}
	providers := map[uuid.UUID]string{}
	var (
		errs   error
		cursor *LineCursor
	)
pages:
	for {
		lines, err := s.repo.ListUnmatchedAfter(ctx, cursor, s.matchBatch)
		if err != nil {
			errs = multierr.Append(errs, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list unmatched lines"))
			break
		}
		for i := range lines {
			if err := ctx.Err(); err != nil {
				errs = multierr.Append(errs, err)
				break pages
			}
			line := lines[i]
			cursor = &LineCursor{CreatedAt: line.CreatedAt, ID: line.ID}
			summary.Scanned++
			if err := s.matchOne(ctx, line, providers, touched, summary); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		if len(lines) < s.matchBatch {
			break
		}
	}

	for settlementID := range touched {
		reconciled, err := s.closeIfDone(ctx, settlementID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if reconciled {
			summary.Reconciled++
		}
	}

	if s.logg != nil {
		fields := map[string]any{
			"scanned":       summary.Scanned,
			"matched":       summary.Matched,
			"discrepancies": summary.Discrepancies,
			"unmatched":     summary.Unmatched,
		}
		s.logg.Info(s.logg.WithFields(ctx, fields), "settlement match pass finished")
	}
	return summary, errs
}

func (s *Service) matchOne(ctx context.Context, line models.SettlementLine, providers map[uuid.UUID]string, touched map[uuid.UUID]struct{}, summary *MatchSummary) error {
	provider, ok := providers[line.SettlementID]
	if !ok {
		settlement, err := s.repo.Find(ctx, line.SettlementID, false)
		if err != nil || settlement == nil {
			return fmt.Errorf("load settlement %s: %w", line.SettlementID, err)
		}
		provider = settlement.Provider
		providers[line.SettlementID] = provider
	}

	payment, err := s.payments.FindByProviderRef(ctx, provider, line.ProviderTxID)
	if err != nil {
		return err
	}
	if payment == nil {
		summary.Unmatched++
		s.metrics.SettlementLine(metrics.OutcomeUnmatched)
		return nil
	}

	found, stamped, err := s.stamp(ctx, line, payment, ledger.SystemActor)
	if err != nil || !stamped {
		return err
	}
	touched[line.SettlementID] = struct{}{}
	if len(found) > 0 {
		summary.Discrepancies++
		s.metrics.SettlementLine(metrics.OutcomeDiscrepancy)
	} else {
		summary.Matched++
		s.metrics.SettlementLine(metrics.OutcomeMatched)
	}
	return nil
}

// MatchLine lets an operator link a line to a payment by hand, for provider ids that never line up.
func (s *Service) MatchLine(ctx context.Context, lineID, paymentID uuid.UUID, actor string) (*models.SettlementLine, []models.SettlementDiscrepancy, error) {
	line, err := s.repo.FindLine(ctx, lineID)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load settlement line")
	}
	if line == nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "settlement line not found")
	}
	if line.MatchStatus != enums.SettlementMatchUnmatched {
		return nil, nil, pkgerrors.New(pkgerrors.CodeStateConflict, "settlement line already matched").
			WithDetails(map[string]any{"match_status": line.MatchStatus})
	}
	payment, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	found, stamped, err := s.stamp(ctx, *line, payment, actor)
	if err != nil {
		return nil, nil, err
	}
	if !stamped {
		return nil, nil, pkgerrors.New(pkgerrors.CodeConcurrencyConflict, "settlement line matched concurrently")
	}
	if _, err := s.closeIfDone(ctx, line.SettlementID); err != nil {
		return nil, nil, err
	}
	updated, err := s.repo.FindLine(ctx, lineID)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload settlement line")
	}
	return updated, found, nil
}

// stamp links one line to a payment and writes its discrepancies, all in one transaction.
func (s *Service) stamp(ctx context.Context, line models.SettlementLine, payment *models.Payment, actor string) ([]models.SettlementDiscrepancy, bool, error) {
	found := compare(line, payment)
	status := enums.SettlementMatchMatched
	if len(found) > 0 {
		status = enums.SettlementMatchDiscrepancy
	}
	now := s.now()

	var stamped bool
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ok, err := repo.StampLine(ctx, line.ID, map[string]any{
			"matched_payment_id": payment.ID,
			"match_status":       status,
			"matched_at":         now,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "stamp settlement line")
		}
		if !ok {
			return nil
		}
		stamped = true

		ledgerSvc := s.ledger.WithTx(tx)
		if _, err := ledgerSvc.Record(ctx, ledger.Entry{
			Type:           enums.LedgerEventTypeSettlementMatched,
			AggregateType:  enums.AggregateSettlement,
			AggregateID:    line.SettlementID,
			SettlementID:   &line.SettlementID,
			PaymentID:      &payment.ID,
			OrderID:        &payment.OrderID,
			Actor:          actor,
			AmountCents:    line.AmountCents,
			Currency:       payment.Currency,
			IdempotencyKey: ledger.Key("settlement_line", line.ID, "matched"),
			Metadata: map[string]any{
				"provider_tx_id": line.ProviderTxID,
				"match_status":   status,
				"fee_cents":      line.FeeCents,
			},
		}); err != nil {
			return err
		}

		for i := range found {
			d := &found[i]
			if err := repo.CreateDiscrepancy(ctx, d); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create discrepancy")
			}
			if _, err := ledgerSvc.Record(ctx, ledger.Entry{
				Type:           enums.LedgerEventTypeSettlementDiscrepancy,
				AggregateType:  enums.AggregateSettlement,
				AggregateID:    line.SettlementID,
				SettlementID:   &line.SettlementID,
				PaymentID:      &payment.ID,
				Actor:          actor,
				AmountCents:    d.ActualCents - d.ExpectedCents,
				Currency:       payment.Currency,
				IdempotencyKey: ledger.Key("settlement_discrepancy", d.ID),
				Metadata: map[string]any{
					"kind":           d.Kind,
					"expected_cents": d.ExpectedCents,
					"actual_cents":   d.ActualCents,
				},
			}); err != nil {
				return err
			}
			if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventSettlementDiscrepancy,
				AggregateType: enums.AggregateSettlement,
				AggregateID:   line.SettlementID,
				Actor:         &outbox.ActorRef{ID: actor},
				Data: payloads.SettlementDiscrepancyEvent{
					DiscrepancyID:    d.ID,
					SettlementID:     line.SettlementID,
					SettlementLineID: line.ID,
					PaymentID:        payment.ID,
					Kind:             d.Kind,
					ExpectedCents:    d.ExpectedCents,
					ActualCents:      d.ActualCents,
				},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return found, stamped, nil
}

func compare(line models.SettlementLine, payment *models.Payment) []models.SettlementDiscrepancy {
	var found []models.SettlementDiscrepancy
	add := func(kind enums.DiscrepancyKind, expected, actual int) {
		found = append(found, models.SettlementDiscrepancy{
			SettlementLineID: line.ID,
			PaymentID:        payment.ID,
			Kind:             kind,
			ExpectedCents:    expected,
			ActualCents:      actual,
		})
	}
	if !settled(payment.Status) {
		add(enums.DiscrepancyPaymentNotCaptured, payment.AmountGrossCents, line.AmountCents)
	}
	if line.AmountCents != payment.AmountGrossCents {
		add(enums.DiscrepancyAmountMismatch, payment.AmountGrossCents, line.AmountCents)
	}
	if line.FeeCents != payment.FeeCents {
		add(enums.DiscrepancyFeeMismatch, payment.FeeCents, line.FeeCents)
	}
	return found
}

// settled reports whether the provider should have paid the money out.
func settled(status enums.PaymentStatus) bool {
	switch status {
	case enums.PaymentStatusCaptured, enums.PaymentStatusPartiallyRefunded, enums.PaymentStatusRefunded, enums.PaymentStatusDisputed:
		return true
	default:
		return false
	}
}

func (s *Service) closeIfDone(ctx context.Context, settlementID uuid.UUID) (bool, error) {
	remaining, err := s.repo.CountLines(ctx, settlementID, enums.SettlementMatchUnmatched)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count unmatched lines")
	}
	if remaining > 0 {
		return false, nil
	}
	if err := s.repo.MarkReconciled(ctx, settlementID, map[string]any{
		"status":        enums.SettlementStatusReconciled,
		"reconciled_at": s.now(),
	}); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark settlement reconciled")
	}
	return true, nil
}

// UnmatchedReport lists lines no payment claimed. They are never resolved automatically.
func (s *Service) UnmatchedReport(ctx context.Context, settlementID *uuid.UUID) ([]models.SettlementLine, error) {
	rows, err := s.repo.ListLines(ctx, enums.SettlementMatchUnmatched, settlementID, 0)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list unmatched lines")
	}
	return rows, nil
}

func (s *Service) Discrepancies(ctx context.Context, openOnly bool) ([]models.SettlementDiscrepancy, error) {
	rows, err := s.repo.ListDiscrepancies(ctx, openOnly)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list discrepancies")
	}
	return rows, nil
}

func (s *Service) ResolveDiscrepancy(ctx context.Context, id uuid.UUID, note, actor string) (*models.SettlementDiscrepancy, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "resolution note is required")
	}
	current, err := s.repo.FindDiscrepancy(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load discrepancy")
	}
	if current == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "discrepancy not found")
	}
	if current.Resolved {
		return current, nil
	}
	if _, err := s.repo.ResolveDiscrepancy(ctx, id, map[string]any{
		"resolved":        true,
		"resolution_note": fmt.Sprintf("%s (%s)", note, actorOrSystem(actor)),
		"resolved_at":     s.now(),
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolve discrepancy")
	}
	return s.repo.FindDiscrepancy(ctx, id)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Settlement, error) {
	settlement, err := s.repo.Find(ctx, id, true)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load settlement")
	}
	if settlement == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "settlement not found")
	}
	return settlement, nil
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]models.Settlement, int64, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.Provider = strings.ToLower(strings.TrimSpace(filter.Provider))
	rows, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list settlements")
	}
	return rows, total, nil
}

func (s *Service) warn(ctx context.Context, msg string) {
	if s.logg != nil {
		s.logg.Warn(ctx, msg)
	}
}

func validateIngest(provider, batchID string, in IngestInput) error {
	switch {
	case provider == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "provider is required")
	case batchID == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "external batch id is required")
	case in.PeriodStart.IsZero() || in.PeriodEnd.IsZero() || !in.PeriodEnd.After(in.PeriodStart):
		return pkgerrors.New(pkgerrors.CodeValidation, "settlement period is invalid")
	case len(in.Lines) == 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "settlement has no lines")
	}
	seen := make(map[string]struct{}, len(in.Lines))
	for i, line := range in.Lines {
		txID := strings.TrimSpace(line.ProviderTxID)
		if txID == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("line %d has no provider transaction id", i))
		}
		if line.FeeCents < 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("line %d has a negative fee", i))
		}
		if _, dup := seen[txID]; dup {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("provider transaction %s appears twice", txID))
		}
		seen[txID] = struct{}{}
	}
	return nil
}

func actorOrSystem(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return ledger.SystemActor
	}
	return actor
}
