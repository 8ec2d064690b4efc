package ledger

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/dispensary-engine/pkg/db/dbtest"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispensary-engine/pkg/errors"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	svc, err := NewService(NewRepository(dbtest.Open(t)), nil)
	require.NoError(t, err)
	return svc
}

func captureEntry(paymentID, orderID uuid.UUID) Entry {
	return Entry{
		Type:           enums.LedgerEventTypePaymentCaptured,
		AggregateType:  enums.AggregatePayment,
		AggregateID:    paymentID,
		PaymentID:      &paymentID,
		OrderID:        &orderID,
		AmountCents:    4200,
		IdempotencyKey: Key("payment", paymentID, "captured"),
		Metadata:       map[string]any{"method": "cash"},
	}
}

func TestRecordPersistsEvent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	paymentID, orderID := uuid.New(), uuid.New()

	event, err := svc.Record(ctx, captureEntry(paymentID, orderID))
	require.NoError(t, err)
	assert.Equal(t, SystemActor, event.Actor)
	assert.Equal(t, enums.CurrencyUSD, event.Currency)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(event.Metadata, &meta))
	assert.Equal(t, "cash", meta["method"])

	events, err := svc.ListForOrder(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "payment:"+paymentID.String()+":captured", events[0].IdempotencyKey)
}

func TestRecordIsIdempotentOnKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	paymentID, orderID := uuid.New(), uuid.New()

	first, err := svc.Record(ctx, captureEntry(paymentID, orderID))
	require.NoError(t, err)
	second, err := svc.Record(ctx, captureEntry(paymentID, orderID))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	events, err := svc.ListForPayment(ctx, paymentID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	recorded, err := svc.Recorded(ctx, Key("payment", paymentID, "captured"))
	require.NoError(t, err)
	assert.True(t, recorded)
}

func TestRecordRejectsKeyReuseAcrossTypes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	paymentID, orderID := uuid.New(), uuid.New()

	_, err := svc.Record(ctx, captureEntry(paymentID, orderID))
	require.NoError(t, err)

	other := captureEntry(paymentID, orderID)
	other.Type = enums.LedgerEventTypePaymentFailed
	_, err = svc.Record(ctx, other)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIdempotency), "got %v", err)
}

func TestRecordValidatesEntry(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := map[string]Entry{
		"type":      {AggregateType: enums.AggregateOrder, AggregateID: uuid.New(), IdempotencyKey: "k"},
		"aggregate": {Type: enums.LedgerEventTypeOrderCreated, AggregateID: uuid.New(), IdempotencyKey: "k"},
		"id":        {Type: enums.LedgerEventTypeOrderCreated, AggregateType: enums.AggregateOrder, IdempotencyKey: "k"},
		"key":       {Type: enums.LedgerEventTypeOrderCreated, AggregateType: enums.AggregateOrder, AggregateID: uuid.New()},
	}
	for name, entry := range cases {
		_, err := svc.Record(ctx, entry)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "%s: got %v", name, err)
	}
}

func TestListForAggregate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	cardID := uuid.New()

	for i, typ := range []enums.LedgerEventType{enums.LedgerEventTypeGiftCardIssued, enums.LedgerEventTypeGiftCardRedeemed} {
		_, err := svc.Record(ctx, Entry{
			Type:           typ,
			AggregateType:  enums.AggregateGiftCard,
			AggregateID:    cardID,
			GiftCardID:     &cardID,
			AmountCents:    1000 * (i + 1),
			IdempotencyKey: Key("gift_card", cardID, string(typ)),
		})
		require.NoError(t, err)
	}

	events, err := svc.ListForAggregate(ctx, enums.AggregateGiftCard, cardID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.ElementsMatch(t,
		[]enums.LedgerEventType{enums.LedgerEventTypeGiftCardIssued, enums.LedgerEventTypeGiftCardRedeemed},
		[]enums.LedgerEventType{events[0].Type, events[1].Type})

	_, err = svc.ListForAggregate(ctx, "bogus", cardID)
	assert.Error(t, err)
}
