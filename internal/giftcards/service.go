package giftcards

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
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
	"github.com/angelmondragon/dispensary-engine/pkg/security"
)

// CodeAlphabet leaves out 0/O and 1/I so codes survive being read aloud.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// IssueInput describes a new card.
type IssueInput struct {
	AmountCents        int            `json:"amount_cents" validate:"required,gt=0"`
	Currency           enums.Currency `json:"currency"`
	Campaign           string         `json:"campaign"`
	ExpiresAt          *time.Time     `json:"expires_at"`
	PIN                string         `json:"pin"`
	IssuedToCustomerID *uuid.UUID     `json:"issued_to_customer_id"`
	Actor              string         `json:"-"`
}

// Movement carries the links and identity attached to a debit or credit.
type Movement struct {
	OrderID   *uuid.UUID
	PaymentID *uuid.UUID
	RefundID  *uuid.UUID
	PIN       string
	Note      string
	Actor     string
}

// AuditResult recomputes a card balance from its transactions.
type AuditResult struct {
	GiftCardID        uuid.UUID `json:"gift_card_id"`
	Code              string    `json:"code"`
	BalanceCents      int       `json:"balance_cents"`
	InitialValueCents int       `json:"initial_value_cents"`
	TransactionSum    int       `json:"transaction_sum_cents"`
	NonIssueSum       int       `json:"non_issue_sum_cents"`
	Transactions      int       `json:"transactions"`
	BrokenRows        []string  `json:"broken_rows,omitempty"`
	Consistent        bool      `json:"consistent"`
}

// CampaignSummary totals the cards issued under one campaign label.
type CampaignSummary struct {
	Campaign         string                      `json:"campaign"`
	Cards            int                         `json:"cards"`
	IssuedCents      int                         `json:"issued_cents"`
	OutstandingCents int                         `json:"outstanding_cents"`
	RevokedCents     int                         `json:"revoked_cents"`
	RedeemedCents    int                         `json:"redeemed_cents"`
	ByState          map[enums.GiftCardState]int `json:"by_state"`
}

type ServiceParams struct {
	DB        txRunner
	Repo      Repository
	Ledger    ledger.Service
	Outbox    outbox.Emitter
	Config    config.GiftCardsConfig
	PINConfig config.PasswordConfig
	Logger    *logger.Logger
	Metrics   *metrics.EngineMetrics
}

// Service is the gift card ledger. Balance only changes through a transaction row written in
// the same database transaction, behind a row lock and a compare-and-swap on the balance.
type Service struct {
	db      txRunner
	tx      *gorm.DB
	repo    Repository
	ledger  ledger.Service
	outbox  outbox.Emitter
	cfg     config.GiftCardsConfig
	pinCfg  config.PasswordConfig
	logg    *logger.Logger
	metrics *metrics.EngineMetrics
	now     func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("gift card repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	cfg := params.Config
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 16
	}
	if cfg.CodeAttempts <= 0 {
		cfg.CodeAttempts = 5
	}
	return &Service{
		db:      params.DB,
		repo:    params.Repo,
		ledger:  params.Ledger,
		outbox:  params.Outbox,
		cfg:     cfg,
		pinCfg:  params.PINConfig,
		logg:    params.Logger,
		metrics: params.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithTx binds the service to an outer transaction, used by checkout and cancellation.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	clone := *s
	clone.tx = tx
	return &clone
}

func (s *Service) run(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.WithTx(ctx, fn)
}

// NormalizeCode uppercases and strips separators customers tend to type.
func NormalizeCode(code string) string {
	replacer := strings.NewReplacer("-", "", " ", "")
	return strings.ToUpper(replacer.Replace(strings.TrimSpace(code)))
}

// Issue creates a card with balance equal to its initial value and an opening issue transaction.
func (s *Service) Issue(ctx context.Context, input IssueInput) (*models.GiftCard, error) {
	if input.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if input.Currency == "" {
		input.Currency = enums.CurrencyUSD
	}
	if !input.Currency.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid currency %q", input.Currency))
	}
	now := s.now()
	if input.ExpiresAt != nil && !input.ExpiresAt.After(now) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "expiry must be in the future")
	}

	card := &models.GiftCard{
		BalanceCents:       input.AmountCents,
		InitialValueCents:  input.AmountCents,
		Currency:           input.Currency,
		State:              enums.GiftCardStateActive,
		ExpiresAt:          input.ExpiresAt,
		IssuedToCustomerID: input.IssuedToCustomerID,
	}
	if campaign := strings.TrimSpace(input.Campaign); campaign != "" {
		card.Campaign = &campaign
	}
	if input.PIN != "" {
		hash, err := security.HashPIN(input.PIN, s.pinCfg)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid pin")
		}
		card.PinHash = &hash
	}

	err := s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		code, err := s.uniqueCode(ctx, repo)
		if err != nil {
			return err
		}
		card.Code = code
		if err := repo.Create(ctx, card); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create gift card")
		}
		txn := &models.GiftCardTransaction{
			GiftCardID:         card.ID,
			Type:               enums.GiftCardTransactionIssue,
			AmountCents:        card.InitialValueCents,
			BalanceBeforeCents: 0,
			BalanceAfterCents:  card.InitialValueCents,
		}
		if err := repo.InsertTransaction(ctx, txn); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert issue transaction")
		}
		if _, err := s.ledger.WithTx(tx).Record(ctx, ledger.Entry{
			Type:           enums.LedgerEventTypeGiftCardIssued,
			AggregateType:  enums.AggregateGiftCard,
			AggregateID:    card.ID,
			GiftCardID:     &card.ID,
			Actor:          input.Actor,
			AmountCents:    card.InitialValueCents,
			Currency:       card.Currency,
			IdempotencyKey: ledger.Key("gift_card", card.ID, "issued"),
			Metadata:       map[string]any{"campaign": input.Campaign},
		}); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventGiftCardIssued,
			AggregateType: enums.AggregateGiftCard,
			AggregateID:   card.ID,
			Actor:         &outbox.ActorRef{ID: actorOrSystem(input.Actor)},
			Data: payloads.GiftCardIssuedEvent{
				GiftCardID:  card.ID,
				AmountCents: card.InitialValueCents,
				Campaign:    input.Campaign,
				ExpiresAt:   card.ExpiresAt,
			},
		})
	})
	s.metrics.GiftCard("issue", outcome(err))
	if err != nil {
		return nil, err
	}
	return card, nil
}

func (s *Service) uniqueCode(ctx context.Context, repo Repository) (string, error) {
	for attempt := 0; attempt < s.cfg.CodeAttempts; attempt++ {
		code, err := security.RandomCode(s.cfg.CodeLength, CodeAlphabet)
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate gift card code")
		}
		exists, err := repo.CodeExists(ctx, code)
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check gift card code")
		}
		if !exists {
			return code, nil
		}
	}
	return "", pkgerrors.New(pkgerrors.CodeConflict, "could not allocate a unique gift card code")
}

// Debit redeems amount from an active card. Fails with INSUFFICIENT_BALANCE without writing.
func (s *Service) Debit(ctx context.Context, code string, amount int, mv Movement) (*models.GiftCardTransaction, error) {
	if amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	var txn *models.GiftCardTransaction
	err := s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		card, err := s.lockByCode(ctx, repo, code)
		if err != nil {
			return err
		}
		if err := s.checkRedeemable(card, mv.PIN); err != nil {
			return err
		}
		if card.BalanceCents < amount {
			return pkgerrors.New(pkgerrors.CodeInsufficientBalance, "gift card balance too low").
				WithDetails(map[string]any{"balance_cents": card.BalanceCents, "requested_cents": amount})
		}
		txn, err = s.apply(ctx, tx, card, enums.GiftCardTransactionRedeem, -amount, mv, nil)
		return err
	})
	s.metrics.GiftCard("debit", outcome(err))
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// Credit adds amount back to a card. Credits apply regardless of state so compensations never strand funds.
func (s *Service) Credit(ctx context.Context, code string, amount int, mv Movement) (*models.GiftCardTransaction, error) {
	if amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	var txn *models.GiftCardTransaction
	err := s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		card, err := s.lockByCode(ctx, repo, code)
		if err != nil {
			return err
		}
		txn, err = s.apply(ctx, tx, card, enums.GiftCardTransactionCredit, amount, mv, nil)
		return err
	})
	s.metrics.GiftCard("credit", outcome(err))
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// CompensateOrder credits back whatever the order still has outstanding on the card: its
// redemptions minus credits and reversals already tied to it. When nothing is owed the latest
// restoring row is returned and nothing is written.
func (s *Service) CompensateOrder(ctx context.Context, code string, orderID uuid.UUID, amount int, actor string) (*models.GiftCardTransaction, bool, error) {
	if orderID == uuid.Nil {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	if amount <= 0 {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	var (
		txn     *models.GiftCardTransaction
		created bool
	)
	err := s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		card, err := s.lockByCode(ctx, repo, code)
		if err != nil {
			return err
		}
		exposure, err := s.orderExposure(ctx, repo, card.ID, orderID)
		if err != nil {
			return err
		}
		owed := min(amount, exposure.owed)
		if owed <= 0 {
			txn = exposure.lastRestore
			return nil
		}
		txn, err = s.apply(ctx, tx, card, enums.GiftCardTransactionCredit, owed, Movement{
			OrderID: &orderID,
			Note:    "order cancelled",
			Actor:   actor,
		}, nil)
		created = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return txn, created, nil
}

// Reverse undoes a redemption. Only redeem rows can be reversed, and only once. A redemption
// tied to an order gives back no more than the order still has outstanding on the card.
func (s *Service) Reverse(ctx context.Context, transactionID uuid.UUID, actor string) (*models.GiftCardTransaction, error) {
	var txn *models.GiftCardTransaction
	err := s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		original, err := repo.FindTransaction(ctx, transactionID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load gift card transaction")
		}
		if original == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "gift card transaction not found")
		}
		if original.Type != enums.GiftCardTransactionRedeem {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "only redemptions can be reversed").
				WithDetails(map[string]any{"type": original.Type})
		}
		card, err := repo.FindByIDForUpdate(ctx, original.GiftCardID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock gift card")
		}
		if card == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "gift card not found")
		}
		prior, err := repo.FindReversalOf(ctx, original.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load reversal")
		}
		if prior != nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "transaction already reversed").
				WithDetails(map[string]any{"reversal_id": prior.ID})
		}
		restore := -original.AmountCents
		if original.OrderID != nil {
			exposure, err := s.orderExposure(ctx, repo, card.ID, *original.OrderID)
			if err != nil {
				return err
			}
			restore = min(restore, exposure.owed)
			if restore <= 0 {
				return pkgerrors.New(pkgerrors.CodeConflict, "order redemption already credited back").
					WithDetails(map[string]any{"order_id": original.OrderID})
			}
		}
		txn, err = s.apply(ctx, tx, card, enums.GiftCardTransactionReversal, restore, Movement{
			OrderID:   original.OrderID,
			PaymentID: original.PaymentID,
			Actor:     actor,
			Note:      "reversal",
		}, &original.ID)
		return err
	})
	s.metrics.GiftCard("reverse", outcome(err))
	if err != nil {
		return nil, err
	}
	return txn, nil
}

type orderNet struct {
	owed        int
	lastRestore *models.GiftCardTransaction
}

// orderExposure nets an order's rows on one card. Callers hold the card row lock.
func (s *Service) orderExposure(ctx context.Context, repo Repository, cardID, orderID uuid.UUID) (orderNet, error) {
	rows, err := repo.ListOrderTransactions(ctx, cardID, orderID)
	if err != nil {
		return orderNet{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order gift card transactions")
	}
	var out orderNet
	for i := range rows {
		row := rows[i]
		switch row.Type {
		case enums.GiftCardTransactionRedeem:
			out.owed -= row.AmountCents
		case enums.GiftCardTransactionCredit, enums.GiftCardTransactionReversal:
			out.owed -= row.AmountCents
			out.lastRestore = &row
		}
	}
	return out, nil
}

// Revoke blocks further redemption. The remaining balance is left on record.
func (s *Service) Revoke(ctx context.Context, code string, actor string) (*models.GiftCard, error) {
	var card *models.GiftCard
	err := s.run(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var err error
		card, err = s.lockByCode(ctx, repo, code)
		if err != nil {
			return err
		}
		if card.State == enums.GiftCardStateRevoked {
			return nil
		}
		now := s.now()
		if err := repo.UpdateState(ctx, card.ID, enums.GiftCardStateRevoked, now); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "revoke gift card")
		}
		card.State = enums.GiftCardStateRevoked
		card.RevokedAt = &now
		_, err = s.ledger.WithTx(tx).Record(ctx, ledger.Entry{
			Type:           enums.LedgerEventTypeGiftCardRevoked,
			AggregateType:  enums.AggregateGiftCard,
			AggregateID:    card.ID,
			GiftCardID:     &card.ID,
			Actor:          actor,
			AmountCents:    0,
			Currency:       card.Currency,
			IdempotencyKey: ledger.Key("gift_card", card.ID, "revoked"),
			Metadata:       map[string]any{"balance_cents": card.BalanceCents},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return card, nil
}

// Balance returns the card. Expired cards are reported as expired without being rewritten.
func (s *Service) Balance(ctx context.Context, code string) (*models.GiftCard, error) {
	card, err := s.repo.WithTx(s.tx).FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load gift card")
	}
	if card == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "gift card not found")
	}
	if card.State == enums.GiftCardStateActive && card.IsExpiredAt(s.now()) {
		card.State = enums.GiftCardStateExpired
	}
	return card, nil
}

func (s *Service) ListTransactions(ctx context.Context, code string) ([]models.GiftCardTransaction, error) {
	card, err := s.Balance(ctx, code)
	if err != nil {
		return nil, err
	}
	rows, err := s.repo.WithTx(s.tx).ListTransactions(ctx, card.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list gift card transactions")
	}
	return rows, nil
}

// Audit checks balance == sum(transactions) == initial_value + sum(non-issue transactions) and
// that every row satisfies after == before + amount with after >= 0.
func (s *Service) Audit(ctx context.Context, code string) (*AuditResult, error) {
	card, err := s.Balance(ctx, code)
	if err != nil {
		return nil, err
	}
	rows, err := s.repo.WithTx(s.tx).ListTransactions(ctx, card.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list gift card transactions")
	}
	result := &AuditResult{
		GiftCardID:        card.ID,
		Code:              card.Code,
		BalanceCents:      card.BalanceCents,
		InitialValueCents: card.InitialValueCents,
		Transactions:      len(rows),
	}
	for _, row := range rows {
		result.TransactionSum += row.AmountCents
		if row.Type != enums.GiftCardTransactionIssue {
			result.NonIssueSum += row.AmountCents
		}
		if row.BalanceAfterCents != row.BalanceBeforeCents+row.AmountCents || row.BalanceAfterCents < 0 {
			result.BrokenRows = append(result.BrokenRows, row.ID.String())
		}
	}
	result.Consistent = len(result.BrokenRows) == 0 &&
		result.BalanceCents == result.TransactionSum &&
		result.BalanceCents == result.InitialValueCents+result.NonIssueSum &&
		result.BalanceCents >= 0
	return result, nil
}

// Campaign reports how much of a campaign's issued value is still spendable.
// Balances stranded on revoked cards are reported apart from outstanding value.
func (s *Service) Campaign(ctx context.Context, campaign string) (*CampaignSummary, error) {
	campaign = strings.TrimSpace(campaign)
	if campaign == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "campaign is required")
	}
	cards, err := s.repo.WithTx(s.tx).ListByCampaign(ctx, campaign)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list campaign gift cards")
	}
	if len(cards) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "campaign has no gift cards").
			WithDetails(map[string]any{"campaign": campaign})
	}
	summary := &CampaignSummary{
		Campaign: campaign,
		Cards:    len(cards),
		ByState:  map[enums.GiftCardState]int{},
	}
	for _, card := range cards {
		summary.IssuedCents += card.InitialValueCents
		summary.ByState[card.State]++
		if card.State == enums.GiftCardStateRevoked {
			summary.RevokedCents += card.BalanceCents
			continue
		}
		summary.OutstandingCents += card.BalanceCents
	}
	summary.RedeemedCents = summary.IssuedCents - summary.OutstandingCents - summary.RevokedCents
	return summary, nil
}

func (s *Service) lockByCode(ctx context.Context, repo Repository, code string) (*models.GiftCard, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "gift card code is required")
	}
	card, err := repo.FindByCodeForUpdate(ctx, normalized)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock gift card")
	}
	if card == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "gift card not found")
	}
	return card, nil
}

func (s *Service) checkRedeemable(card *models.GiftCard, pin string) error {
	switch {
	case card.State != enums.GiftCardStateActive:
		return pkgerrors.New(pkgerrors.CodeStateConflict, "gift card is not active").
			WithDetails(map[string]any{"state": card.State})
	case card.IsExpiredAt(s.now()):
		return pkgerrors.New(pkgerrors.CodeStateConflict, "gift card has expired").
			WithDetails(map[string]any{"expires_at": card.ExpiresAt})
	}
	if card.PinHash == nil {
		return nil
	}
	ok, err := security.VerifyPIN(pin, *card.PinHash)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "verify gift card pin")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeForbidden, "gift card pin does not match")
	}
	return nil
}

// apply swaps the balance and appends the transaction plus its ledger entry. A lost swap means a
// writer slipped in between the read and the update, so the caller should retry.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, card *models.GiftCard, typ enums.GiftCardTransactionType, delta int, mv Movement, reversed *uuid.UUID) (*models.GiftCardTransaction, error) {
	repo := s.repo.WithTx(tx)
	before := card.BalanceCents
	after := before + delta
	if after < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientBalance, "gift card balance too low").
			WithDetails(map[string]any{"balance_cents": before, "requested_cents": -delta})
	}

	swapped, err := repo.SwapBalance(ctx, card.ID, before, after)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update gift card balance")
	}
	if !swapped {
		return nil, pkgerrors.New(pkgerrors.CodeConcurrencyConflict, "gift card balance changed concurrently")
	}
	card.BalanceCents = after

	txn := &models.GiftCardTransaction{
		GiftCardID:            card.ID,
		Type:                  typ,
		AmountCents:           delta,
		BalanceBeforeCents:    before,
		BalanceAfterCents:     after,
		OrderID:               mv.OrderID,
		PaymentID:             mv.PaymentID,
		RefundID:              mv.RefundID,
		ReversedTransactionID: reversed,
	}
	if note := strings.TrimSpace(mv.Note); note != "" {
		txn.Note = &note
	}
	if err := repo.InsertTransaction(ctx, txn); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert gift card transaction")
	}

	if _, err := s.ledger.WithTx(tx).Record(ctx, ledger.Entry{
		Type:           ledgerTypeFor(typ),
		AggregateType:  enums.AggregateGiftCard,
		AggregateID:    card.ID,
		GiftCardID:     &card.ID,
		OrderID:        mv.OrderID,
		PaymentID:      mv.PaymentID,
		RefundID:       mv.RefundID,
		Actor:          mv.Actor,
		AmountCents:    delta,
		Currency:       card.Currency,
		IdempotencyKey: ledger.Key("gift_card_transaction", txn.ID),
		Metadata: map[string]any{
			"balance_before_cents": before,
			"balance_after_cents":  after,
		},
	}); err != nil {
		return nil, err
	}

	if s.logg != nil {
		fields := map[string]any{
			"gift_card_id": card.ID.String(),
			"type":         typ,
			"amount_cents": delta,
			"balance":      after,
		}
		s.logg.Info(s.logg.WithFields(ctx, fields), "gift card balance changed")
	}
	return txn, nil
}

func ledgerTypeFor(typ enums.GiftCardTransactionType) enums.LedgerEventType {
	switch typ {
	case enums.GiftCardTransactionRedeem:
		return enums.LedgerEventTypeGiftCardRedeemed
	case enums.GiftCardTransactionReversal:
		return enums.LedgerEventTypeGiftCardReversed
	case enums.GiftCardTransactionIssue:
		return enums.LedgerEventTypeGiftCardIssued
	default:
		return enums.LedgerEventTypeGiftCardCredited
	}
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return ledger.SystemActor
	}
	return actor
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case pkgerrors.IsCode(err, pkgerrors.CodeInsufficientBalance):
		return metrics.OutcomeInsufficient
	case pkgerrors.IsCode(err, pkgerrors.CodeConcurrencyConflict):
		return metrics.OutcomeConflict
	default:
		return metrics.OutcomeFailed
	}
}
