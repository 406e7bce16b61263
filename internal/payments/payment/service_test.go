package payment_test

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fooddelivery/internal/payments/payment"
	"fooddelivery/internal/payments/payment/paymenttest"
)

func seed(t *testing.T, store *paymenttest.Store, id string, final payment.Status) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &payment.Payment{ID: id, CorrelationID: "c-" + id, OrderID: "o-" + id, Status: payment.StatusPending}))
	_, err := store.Transition(ctx, id, payment.StatusPending, payment.StatusProcessing, payment.Update{})
	require.NoError(t, err)
	upd := payment.Update{TransactionID: "TXN-" + id}
	if final == payment.StatusFailed {
		upd = payment.Update{ErrorMessage: "declined"}
	}
	_, err = store.Transition(ctx, id, payment.StatusProcessing, final, upd)
	require.NoError(t, err)
}

func TestRefund(t *testing.T) {
	store := paymenttest.NewStore()
	seed(t, store, "p1", payment.StatusCompleted)
	seed(t, store, "p2", payment.StatusFailed)
	svc := payment.NewService(store, zap.NewNop())
	ctx := context.Background()

	refunded, err := svc.Refund(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, refunded.Status)
	assert.Equal(t, "TXN-p1", refunded.TransactionID)

	history, err := svc.History(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, payment.StatusRefunded, history[3].Status)

	_, err = svc.Refund(ctx, "p1")
	assert.True(t, errors.Is(err, payment.ErrInvalidTransition))
	_, err = svc.Refund(ctx, "p2")
	assert.True(t, errors.Is(err, payment.ErrInvalidTransition))
	_, err = svc.Refund(ctx, "missing")
	assert.True(t, errors.Is(err, payment.ErrPaymentNotFound))
}

func TestLookups(t *testing.T) {
	store := paymenttest.NewStore()
	seed(t, store, "p1", payment.StatusCompleted)
	svc := payment.NewService(store, zap.NewNop())
	ctx := context.Background()

	byOrder, err := svc.GetByOrder(ctx, "o-p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", byOrder.ID)

	_, err = svc.GetByOrder(ctx, "o-none")
	assert.True(t, errors.Is(err, payment.ErrPaymentNotFound))

	_, err = svc.History(ctx, "missing")
	assert.True(t, errors.Is(err, payment.ErrPaymentNotFound))
}
