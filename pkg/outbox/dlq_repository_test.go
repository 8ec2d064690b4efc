package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/dispensary-engine/pkg/db/dbtest"
	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

func envelopeFor(t *testing.T, data string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(PayloadEnvelope{Version: 1, EventID: uuid.NewString(), OccurredAt: time.Now().UTC(), Data: json.RawMessage(data)})
	require.NoError(t, err)
	return raw
}

func TestOrderRefFollowsAggregateOrPayload(t *testing.T) {
	orderID := uuid.New()

	order := models.OutboxEvent{AggregateType: enums.AggregateOrder, AggregateID: orderID, Payload: envelopeFor(t, `{}`)}
	require.NotNil(t, OrderRef(order))
	assert.Equal(t, orderID, *OrderRef(order))

	refund := models.OutboxEvent{
		AggregateType: enums.AggregateRefund,
		AggregateID:   uuid.New(),
		Payload:       envelopeFor(t, `{"refund_id":"`+uuid.NewString()+`","order_id":"`+orderID.String()+`"}`),
	}
	require.NotNil(t, OrderRef(refund))
	assert.Equal(t, orderID, *OrderRef(refund))

	settlement := models.OutboxEvent{AggregateType: enums.AggregateSettlement, AggregateID: uuid.New(), Payload: envelopeFor(t, `{"lines":3}`)}
	assert.Nil(t, OrderRef(settlement))

	garbled := models.OutboxEvent{AggregateType: enums.AggregatePayment, AggregateID: uuid.New(), Payload: json.RawMessage(`not json`)}
	assert.Nil(t, OrderRef(garbled))
}

func TestDeadLetterTruncatesCause(t *testing.T) {
	event := models.OutboxEvent{ID: uuid.New(), EventType: enums.EventPaymentCaptured, AggregateType: enums.AggregatePayment, AggregateID: uuid.New(), AttemptCount: 4}
	entry := DeadLetter(event, enums.OutboxDLQReasonMaxAttempts, "payments", errors.New(strings.Repeat("x", 4096)), time.Now().UTC())

	require.NotNil(t, entry.ErrorMessage)
	assert.Len(t, *entry.ErrorMessage, maxDeadLetterMessage)
	require.NotNil(t, entry.Topic)
	assert.Equal(t, "payments", *entry.Topic)
	assert.Equal(t, 4, entry.AttemptCount)
	assert.Nil(t, entry.OrderID)
}

func TestDeadLettersListedPerOrder(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewDLQRepository(conn)
	ctx := context.Background()
	orderID := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []models.OutboxEvent{
		{ID: uuid.New(), EventType: enums.EventOrderCreated, AggregateType: enums.AggregateOrder, AggregateID: orderID, Payload: envelopeFor(t, `{}`)},
		{ID: uuid.New(), EventType: enums.EventPaymentCaptured, AggregateType: enums.AggregatePayment, AggregateID: uuid.New(), Payload: envelopeFor(t, `{"order_id":"`+orderID.String()+`"}`)},
		{ID: uuid.New(), EventType: enums.EventOrderCreated, AggregateType: enums.AggregateOrder, AggregateID: uuid.New(), Payload: envelopeFor(t, `{}`)},
	}
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		for i, event := range events {
			entry := DeadLetter(event, enums.OutboxDLQReasonNonRetryable, "", errors.New("bad payload"), base.Add(time.Duration(i)*time.Minute))
			if err := repo.Record(tx, entry); err != nil {
				return err
			}
		}
		return repo.Record(tx, DeadLetter(events[0], enums.OutboxDLQReasonMaxAttempts, "", nil, base))
	}))

	forOrder, err := repo.List(ctx, DeadLetterFilter{OrderID: &orderID})
	require.NoError(t, err)
	require.Len(t, forOrder, 2)
	assert.Equal(t, events[1].ID, forOrder[0].EventID)
	assert.Equal(t, events[0].ID, forOrder[1].EventID)
	assert.Equal(t, enums.OutboxDLQReasonNonRetryable, forOrder[1].ErrorReason)

	payments, err := repo.List(ctx, DeadLetterFilter{AggregateType: enums.AggregatePayment})
	require.NoError(t, err)
	require.Len(t, payments, 1)

	all, err := repo.List(ctx, DeadLetterFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.Error(t, repo.Record(nil, models.OutboxDLQ{}))
}
