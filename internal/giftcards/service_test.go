package giftcards

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/internal/ledger"
	"github.com/angelmondragon/dispensary-engine/pkg/config"
	"github.com/angelmondragon/dispensary-engine/pkg/db"
	"github.com/angelmondragon/dispensary-engine/pkg/db/dbtest"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
	"github.com/angelmondragon/dispensary-engine/pkg/outbox"
)

var testPIN = config.PasswordConfig{
	ArgonMemoryKB:    8192,
	ArgonTime:        1,
	ArgonParallelism: 1,
	ArgonSaltLen:     16,
	ArgonKeyLen:      32,
}

type fixture struct {
	conn   *gorm.DB
	svc    *Service
	ledger ledger.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(conn), nil)
	require.NoError(t, err)
	svc, err := NewService(ServiceParams{
		DB:        db.FromGorm(conn),
		Repo:      NewRepository(conn),
		Ledger:    ledgerSvc,
		Outbox:    outbox.NewService(outbox.NewRepository(conn), nil),
		Config:    config.GiftCardsConfig{CodeLength: 16, CodeAttempts: 5},
		PINConfig: testPIN,
	})
	require.NoError(t, err)
	return &fixture{conn: conn, svc: svc, ledger: ledgerSvc}
}

func (f *fixture) issue(t *testing.T, amount int) *models.GiftCard {
	t.Helper()
	card, err := f.svc.Issue(context.Background(), IssueInput{AmountCents: amount, Campaign: "spring"})
	require.NoError(t, err)
	return card
}

func requireCode(t *testing.T, err error, code pkgerrors.Code) {
	t.Helper()
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, code), "expected %s, got %v", code, err)
}

func TestIssueWritesOpeningTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.issue(t, 10000)

	assert.Len(t, card.Code, 16)
	for _, r := range card.Code {
		assert.True(t, strings.ContainsRune(CodeAlphabet, r), "unexpected symbol %q", r)
	}
	assert.Equal(t, 10000, card.BalanceCents)
	assert.Equal(t, enums.GiftCardStateActive, card.State)

	txns, err := f.svc.ListTransactions(ctx, card.Code)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, enums.GiftCardTransactionIssue, txns[0].Type)
	assert.Equal(t, 0, txns[0].BalanceBeforeCents)
	assert.Equal(t, 10000, txns[0].BalanceAfterCents)

	events, err := f.ledger.ListForAggregate(ctx, enums.AggregateGiftCard, card.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, enums.LedgerEventTypeGiftCardIssued, events[0].Type)

	var outboxRows int64
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).Where("aggregate_id = ?", card.ID).Count(&outboxRows).Error)
	assert.Equal(t, int64(1), outboxRows)
}

func TestIssueRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	_, err := f.svc.Issue(ctx, IssueInput{AmountCents: 0})
	requireCode(t, err, pkgerrors.CodeValidation)

	_, err = f.svc.Issue(ctx, IssueInput{AmountCents: 500, ExpiresAt: &past})
	requireCode(t, err, pkgerrors.CodeValidation)

	_, err = f.svc.Issue(ctx, IssueInput{AmountCents: 500, PIN: "12ab"})
	requireCode(t, err, pkgerrors.CodeValidation)
}

func TestDebitInsufficientBalanceLeavesCardUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.issue(t, 10000)
	orderID := uuid.New()

	txn, err := f.svc.Debit(ctx, card.Code, 4000, Movement{OrderID: &orderID})
	require.NoError(t, err)
	assert.Equal(t, 10000, txn.BalanceBeforeCents)
	assert.Equal(t, 6000, txn.BalanceAfterCents)
	assert.Equal(t, -4000, txn.AmountCents)

	_, err = f.svc.Debit(ctx, card.Code, 7000, Movement{OrderID: &orderID})
	requireCode(t, err, pkgerrors.CodeInsufficientBalance)

	current, err := f.svc.Balance(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, 6000, current.BalanceCents)

	txns, err := f.svc.ListTransactions(ctx, card.Code)
	require.NoError(t, err)
	assert.Len(t, txns, 2, "the rejected debit must not write a row")
}

func TestDebitNormalizesCode(t *testing.T) {
	f := newFixture(t)
	card := f.issue(t, 2500)

	typed := strings.ToLower(card.Code[:4]) + "-" + card.Code[4:8] + " " + card.Code[8:]
	_, err := f.svc.Debit(context.Background(), typed, 500, Movement{})
	require.NoError(t, err)

	current, err := f.svc.Balance(context.Background(), card.Code)
	require.NoError(t, err)
	assert.Equal(t, 2000, current.BalanceCents)
}

func TestDebitChecksPIN(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card, err := f.svc.Issue(ctx, IssueInput{AmountCents: 3000, PIN: "4821"})
	require.NoError(t, err)
	require.NotNil(t, card.PinHash)

	_, err = f.svc.Debit(ctx, card.Code, 100, Movement{PIN: "0000"})
	requireCode(t, err, pkgerrors.CodeForbidden)

	_, err = f.svc.Debit(ctx, card.Code, 100, Movement{PIN: "4821"})
	require.NoError(t, err)
}

func TestDebitRejectsExpiredAndRevokedCards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expiring := time.Now().UTC().Add(time.Hour)
	expired, err := f.svc.Issue(ctx, IssueInput{AmountCents: 1000, ExpiresAt: &expiring})
	require.NoError(t, err)
	f.svc.now = func() time.Time { return expiring.Add(time.Minute) }

	_, err = f.svc.Debit(ctx, expired.Code, 100, Movement{})
	requireCode(t, err, pkgerrors.CodeStateConflict)

	view, err := f.svc.Balance(ctx, expired.Code)
	require.NoError(t, err)
	assert.Equal(t, enums.GiftCardStateExpired, view.State)

	f.svc.now = func() time.Time { return time.Now().UTC() }
	revoked := f.issue(t, 1000)
	_, err = f.svc.Revoke(ctx, revoked.Code, "admin-1")
	require.NoError(t, err)

	_, err = f.svc.Debit(ctx, revoked.Code, 100, Movement{})
	requireCode(t, err, pkgerrors.CodeStateConflict)

	credit, err := f.svc.Credit(ctx, revoked.Code, 200, Movement{Note: "goodwill"})
	require.NoError(t, err, "credits still land on revoked cards")
	assert.Equal(t, 1200, credit.BalanceAfterCents)
}

func TestRevokeIsRepeatable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.issue(t, 1000)

	first, err := f.svc.Revoke(ctx, card.Code, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, enums.GiftCardStateRevoked, first.State)
	require.NotNil(t, first.RevokedAt)

	_, err = f.svc.Revoke(ctx, card.Code, "admin-1")
	require.NoError(t, err)

	events, err := f.ledger.ListForAggregate(ctx, enums.AggregateGiftCard, card.ID)
	require.NoError(t, err)
	var revokes int
	for _, event := range events {
		if event.Type == enums.LedgerEventTypeGiftCardRevoked {
			revokes++
			assert.Equal(t, 0, event.AmountCents)
		}
	}
	assert.Equal(t, 1, revokes)
}

func TestReverseRestoresRedemptionOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.issue(t, 5000)

	redeem, err := f.svc.Debit(ctx, card.Code, 1500, Movement{})
	require.NoError(t, err)

	reversal, err := f.svc.Reverse(ctx, redeem.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 1500, reversal.AmountCents)
	assert.Equal(t, 5000, reversal.BalanceAfterCents)
	require.NotNil(t, reversal.ReversedTransactionID)
	assert.Equal(t, redeem.ID, *reversal.ReversedTransactionID)

	_, err = f.svc.Reverse(ctx, redeem.ID, "admin-1")
	requireCode(t, err, pkgerrors.CodeConflict)

	txns, err := f.svc.ListTransactions(ctx, card.Code)
	require.NoError(t, err)
	var issueID uuid.UUID
	for _, txn := range txns {
		if txn.Type == enums.GiftCardTransactionIssue {
			issueID = txn.ID
		}
	}
	_, err = f.svc.Reverse(ctx, issueID, "admin-1")
	requireCode(t, err, pkgerrors.CodeStateConflict)

	_, err = f.svc.Reverse(ctx, uuid.New(), "admin-1")
	requireCode(t, err, pkgerrors.CodeNotFound)
}

func TestCompensateOrderCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.issue(t, 8000)
	orderID := uuid.New()

	_, err := f.svc.Debit(ctx, card.Code, 3000, Movement{OrderID: &orderID})
	require.NoError(t, err)

	first, created, err := f.svc.CompensateOrder(ctx, card.Code, orderID, 3000, ledger.SystemActor)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 8000, first.BalanceAfterCents)

	second, created, err := f.svc.CompensateOrder(ctx, card.Code, orderID, 3000, ledger.SystemActor)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	current, err := f.svc.Balance(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, 8000, current.BalanceCents)
}

func TestServiceJoinsOuterTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.issue(t, 4000)

	rollback := pkgerrors.New(pkgerrors.CodeInternal, "abort checkout")
	err := db.FromGorm(f.conn).WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := f.svc.WithTx(tx).Debit(ctx, card.Code, 1000, Movement{}); err != nil {
			return err
		}
		return rollback
	})
	require.ErrorIs(t, err, rollback)

	current, err := f.svc.Balance(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, 4000, current.BalanceCents)
}

func TestAuditDetectsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.issue(t, 9000)

	_, err := f.svc.Debit(ctx, card.Code, 2500, Movement{})
	require.NoError(t, err)
	_, err = f.svc.Credit(ctx, card.Code, 500, Movement{})
	require.NoError(t, err)

	result, err := f.svc.Audit(ctx, card.Code)
	require.NoError(t, err)
	assert.True(t, result.Consistent)
	assert.Equal(t, 7000, result.BalanceCents)
	assert.Equal(t, 7000, result.TransactionSum)
	assert.Equal(t, 3, result.Transactions)

	require.NoError(t, f.conn.Model(&models.GiftCard{}).Where("id = ?", card.ID).Update("balance_cents", 6900).Error)

	result, err = f.svc.Audit(ctx, card.Code)
	require.NoError(t, err)
	assert.False(t, result.Consistent)
}

func TestReverseThenCompensateCreditsOrderOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.issue(t, 10000)
	orderID := uuid.New()

	redeem, err := f.svc.Debit(ctx, card.Code, 2000, Movement{OrderID: &orderID})
	require.NoError(t, err)
	_, err = f.svc.Reverse(ctx, redeem.ID, "admin-1")
	require.NoError(t, err)

	txn, created, err := f.svc.CompensateOrder(ctx, card.Code, orderID, 2000, ledger.SystemActor)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, txn)
	assert.Equal(t, enums.GiftCardTransactionReversal, txn.Type)

	current, err := f.svc.Balance(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, 10000, current.BalanceCents)

	result, err := f.svc.Audit(ctx, card.Code)
	require.NoError(t, err)
	assert.True(t, result.Consistent)
}

func TestReverseAfterCompensationIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.issue(t, 10000)
	orderID := uuid.New()

	redeem, err := f.svc.Debit(ctx, card.Code, 2000, Movement{OrderID: &orderID})
	require.NoError(t, err)
	_, created, err := f.svc.CompensateOrder(ctx, card.Code, orderID, 2000, ledger.SystemActor)
	require.NoError(t, err)
	require.True(t, created)

	_, err = f.svc.Reverse(ctx, redeem.ID, "admin-1")
	requireCode(t, err, pkgerrors.CodeConflict)

	current, err := f.svc.Balance(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, 10000, current.BalanceCents)
}

func TestReverseCreditsOnlyTheOrderRemainder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.issue(t, 10000)
	orderID := uuid.New()

	redeem, err := f.svc.Debit(ctx, card.Code, 3000, Movement{OrderID: &orderID})
	require.NoError(t, err)
	_, err = f.svc.Credit(ctx, card.Code, 1000, Movement{OrderID: &orderID, Note: "partial refund"})
	require.NoError(t, err)

	reversal, err := f.svc.Reverse(ctx, redeem.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 2000, reversal.AmountCents)
	assert.Equal(t, 10000, reversal.BalanceAfterCents)

	_, created, err := f.svc.CompensateOrder(ctx, card.Code, orderID, 3000, ledger.SystemActor)
	require.NoError(t, err)
	assert.False(t, created)

	current, err := f.svc.Balance(ctx, card.Code)
	require.NoError(t, err)
	assert.Equal(t, 10000, current.BalanceCents)
}

func TestCampaignSummarySplitsSpendableAndRevokedValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	spent := f.issue(t, 1000)
	f.issue(t, 2000)
	revoked := f.issue(t, 3000)
	_, err := f.svc.Issue(ctx, IssueInput{AmountCents: 9000, Campaign: "autumn"})
	require.NoError(t, err)

	_, err = f.svc.Debit(ctx, spent.Code, 400, Movement{})
	require.NoError(t, err)
	_, err = f.svc.Revoke(ctx, revoked.Code, "admin-1")
	require.NoError(t, err)

	summary, err := f.svc.Campaign(ctx, " spring ")
	require.NoError(t, err)
	assert.Equal(t, "spring", summary.Campaign)
	assert.Equal(t, 3, summary.Cards)
	assert.Equal(t, 6000, summary.IssuedCents)
	assert.Equal(t, 2600, summary.OutstandingCents)
	assert.Equal(t, 3000, summary.RevokedCents)
	assert.Equal(t, 400, summary.RedeemedCents)
	assert.Equal(t, 2, summary.ByState[enums.GiftCardStateActive])
	assert.Equal(t, 1, summary.ByState[enums.GiftCardStateRevoked])
}

func TestCampaignSummaryUnknownCampaign(t *testing.T) {
	f := newFixture(t)
	f.issue(t, 1000)

	_, err := f.svc.Campaign(context.Background(), "winter")
	requireCode(t, err, pkgerrors.CodeNotFound)

	_, err = f.svc.Campaign(context.Background(), "  ")
	requireCode(t, err, pkgerrors.CodeValidation)
}
