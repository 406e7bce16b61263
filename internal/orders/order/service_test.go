package order_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fooddelivery/internal/orders/order"
	"fooddelivery/internal/orders/order/ordertest"
	"fooddelivery/pkg/contracts"
	"fooddelivery/pkg/messaging"
	"fooddelivery/pkg/messaging/messagingtest"
)

type recordingNotifier struct {
	mu      sync.Mutex
	updates []order.Status
}

func (n *recordingNotifier) OrderUpdated(o *order.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, o.Status)
}

func (n *recordingNotifier) statuses() []order.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]order.Status(nil), n.updates...)
}

type fixture struct {
	store    *ordertest.Store
	broker   *messagingtest.Broker
	notifier *recordingNotifier
	svc      *order.Service
}

func newFixture() *fixture {
	store := ordertest.NewStore()
	broker := messagingtest.NewBroker()
	notifier := &recordingNotifier{}
	pub := messaging.NewPublisher(broker, zap.NewNop())
	return &fixture{
		store:    store,
		broker:   broker,
		notifier: notifier,
		svc:      order.NewService(store, pub, notifier, "EUR", zap.NewNop()),
	}
}

func input(method order.PaymentMethod) order.CreateInput {
	in := order.CreateInput{
		CustomerID:      "cust-1",
		RestaurantID:    "rest-1",
		DeliveryAddress: "1 Main St",
		Items: []order.Item{
			{MenuItemID: "m1", Name: "Margherita", Quantity: 2, UnitPrice: decimal.RequireFromString("12.50")},
			{MenuItemID: "m2", Name: "Tiramisu", Quantity: 1, UnitPrice: decimal.RequireFromString("17.99")},
		},
		DeliveryFee:   decimal.RequireFromString("3.00"),
		PaymentMethod: method,
	}
	if method == order.PaymentCard {
		in.Card = &order.Card{Number: "4242424242424242", Expiry: "12/25", CVV: "123", HolderName: "John Doe"}
	}
	return in
}

func TestCreateCashConfirmsSynchronously(t *testing.T) {
	f := newFixture()

	o, err := f.svc.Create(context.Background(), input(order.PaymentCash))
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, o.Status)
	assert.Equal(t, order.ReasonCashOnDelivery, o.StatusReason)
	assert.Empty(t, f.broker.Messages(contracts.QueuePaymentProcess))
	assert.Equal(t, []order.Status{order.StatusConfirmed}, f.notifier.statuses())
}

func TestCreateCardRequestsPayment(t *testing.T) {
	f := newFixture()

	o, err := f.svc.Create(context.Background(), input(order.PaymentCard))
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, "EUR", o.Currency)
	assert.True(t, o.TotalAmount.Equal(decimal.RequireFromString("45.99")))

	msgs := f.broker.Messages(contracts.QueuePaymentProcess)
	require.Len(t, msgs, 1)
	decoded, err := contracts.Decode(contracts.KindProcessPayment, msgs[0].Body)
	require.NoError(t, err)
	req := decoded.(*contracts.ProcessPaymentMessage)
	assert.Equal(t, o.ID, req.OrderID)
	assert.Equal(t, 45.99, req.Amount)
	assert.Equal(t, "CARD", req.PaymentMethod)
	assert.Equal(t, "4242424242424242", req.CardNumber)
	assert.NotEmpty(t, req.CorrelationID)
}

func TestCreateIgnoresCallerTotal(t *testing.T) {
	f := newFixture()
	in := input(order.PaymentCash)
	in.DeliveryFee = decimal.Zero

	o, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, o.TotalAmount.Equal(decimal.RequireFromString("42.99")), o.TotalAmount.String())
}

func TestCreateCardBrokerUnavailable(t *testing.T) {
	f := newFixture()
	f.broker.SetConnected(false)

	o, err := f.svc.Create(context.Background(), input(order.PaymentCard))
	require.Error(t, err)
	assert.Nil(t, o)
	assert.True(t, errors.Is(err, order.ErrPaymentUnavailable))

	all := f.store.All()
	require.Len(t, all, 1)
	assert.Equal(t, order.StatusCancelled, all[0].Status)
	assert.Equal(t, order.ReasonPaymentUnavailable, all[0].StatusReason)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*order.CreateInput)
	}{
		{"no customer", func(in *order.CreateInput) { in.CustomerID = "" }},
		{"no restaurant", func(in *order.CreateInput) { in.RestaurantID = "" }},
		{"no address", func(in *order.CreateInput) { in.DeliveryAddress = "" }},
		{"no items", func(in *order.CreateInput) { in.Items = nil }},
		{"zero quantity", func(in *order.CreateInput) { in.Items[0].Quantity = 0 }},
		{"negative price", func(in *order.CreateInput) { in.Items[0].UnitPrice = decimal.NewFromInt(-1) }},
		{"negative fee", func(in *order.CreateInput) { in.DeliveryFee = decimal.NewFromInt(-1) }},
		{"unknown method", func(in *order.CreateInput) { in.PaymentMethod = "CRYPTO" }},
		{"card without details", func(in *order.CreateInput) { in.Card = nil }},
		{"free card order", func(in *order.CreateInput) {
			in.Items = []order.Item{{MenuItemID: "m1", Name: "Water", Quantity: 1, UnitPrice: decimal.Zero}}
			in.DeliveryFee = decimal.Zero
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			in := input(order.PaymentCard)
			tt.mutate(&in)

			_, err := f.svc.Create(context.Background(), in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, order.ErrValidation))
			assert.Empty(t, f.store.All())
			assert.Empty(t, f.broker.Messages(contracts.QueuePaymentProcess))
		})
	}
}

func TestCreateFreeCashOrder(t *testing.T) {
	f := newFixture()
	in := input(order.PaymentCash)
	in.Items = []order.Item{{MenuItemID: "m1", Name: "Water", Quantity: 1, UnitPrice: decimal.Zero}}
	in.DeliveryFee = decimal.Zero

	o, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, o.Status)
	assert.True(t, o.TotalAmount.IsZero())
}

func pendingOrder(f *fixture, id string) {
	f.store.Put(order.Order{
		ID:            id,
		PaymentMethod: order.PaymentCard,
		Status:        order.StatusPending,
		CreatedAt:     time.Now().UTC(),
	})
}

func TestApplyPaymentResultIsIdempotent(t *testing.T) {
	tests := []struct {
		status contracts.PaymentStatus
		want   order.Status
	}{
		{contracts.PaymentCompleted, order.StatusConfirmed},
		{contracts.PaymentFailed, order.StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			f := newFixture()
			pendingOrder(f, "o1")
			res := &contracts.PaymentResultMessage{CorrelationID: "c1", OrderID: "o1", PaymentID: "p1", Status: tt.status}

			require.NoError(t, f.svc.ApplyPaymentResult(context.Background(), res))
			once, err := f.svc.Get(context.Background(), "o1")
			require.NoError(t, err)

			require.NoError(t, f.svc.ApplyPaymentResult(context.Background(), res))
			twice, err := f.svc.Get(context.Background(), "o1")
			require.NoError(t, err)

			assert.Equal(t, tt.want, once.Status)
			assert.Equal(t, once.Status, twice.Status)
			assert.Equal(t, []string{"o1:" + string(tt.want)}, f.store.Writes())
		})
	}
}

func TestApplyPaymentResultRetriesAfterLookupFailure(t *testing.T) {
	f := newFixture()
	pendingOrder(f, "o1")
	f.store.GetErr = errors.New("connection reset")
	res := &contracts.PaymentResultMessage{CorrelationID: "c1", OrderID: "o1", PaymentID: "p1", Status: contracts.PaymentCompleted}

	require.Error(t, f.svc.ApplyPaymentResult(context.Background(), res))
	o, err := f.svc.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status)

	require.NoError(t, f.svc.ApplyPaymentResult(context.Background(), res))
	o, err = f.svc.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, o.Status)
}

func TestApplyPaymentResultUnknownOrder(t *testing.T) {
	f := newFixture()
	err := f.svc.ApplyPaymentResult(context.Background(), &contracts.PaymentResultMessage{
		OrderID: "missing", Status: contracts.PaymentCompleted,
	})
	assert.True(t, errors.Is(err, order.ErrOrderNotFound))
}

func TestApplyPaymentResultAfterManualCancel(t *testing.T) {
	f := newFixture()
	pendingOrder(f, "o1")

	_, err := f.svc.Cancel(context.Background(), "o1")
	require.NoError(t, err)

	err = f.svc.ApplyPaymentResult(context.Background(), &contracts.PaymentResultMessage{
		CorrelationID: "c1", OrderID: "o1", PaymentID: "p1", Status: contracts.PaymentCompleted, TransactionID: "TXN-1",
	})
	require.NoError(t, err)

	o, err := f.svc.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)
	assert.Equal(t, order.ReasonCancelledByRequest, o.StatusReason)
}

func TestCancelAfterSagaConfirmed(t *testing.T) {
	f := newFixture()
	pendingOrder(f, "o1")
	require.NoError(t, f.svc.ApplyPaymentResult(context.Background(), &contracts.PaymentResultMessage{
		OrderID: "o1", PaymentID: "p1", Status: contracts.PaymentCompleted,
	}))

	o, err := f.svc.Cancel(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)
}

func TestCancelRules(t *testing.T) {
	for _, status := range []order.Status{order.StatusDelivered, order.StatusCancelled, order.StatusOutForDelivery} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture()
			f.store.Put(order.Order{ID: "o1", Status: status})

			_, err := f.svc.Cancel(context.Background(), "o1")
			assert.True(t, errors.Is(err, order.ErrInvalidTransition))
			assert.Empty(t, f.store.Writes())
		})
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	f := newFixture()
	f.store.Put(order.Order{ID: "o1", Status: order.StatusConfirmed})

	for _, next := range []order.Status{order.StatusPreparing, order.StatusReady, order.StatusOutForDelivery, order.StatusDelivered} {
		o, err := f.svc.UpdateStatus(context.Background(), "o1", next)
		require.NoError(t, err)
		assert.Equal(t, next, o.Status)
	}

	_, err := f.svc.UpdateStatus(context.Background(), "o1", order.StatusPreparing)
	assert.True(t, errors.Is(err, order.ErrInvalidTransition))

	_, err = f.svc.UpdateStatus(context.Background(), "nope", order.StatusPreparing)
	assert.True(t, errors.Is(err, order.ErrOrderNotFound))
}

func TestHandleMessageRejectsUnexpectedVariant(t *testing.T) {
	f := newFixture()
	err := f.svc.HandleMessage(context.Background(), &contracts.ProcessPaymentMessage{OrderID: "o1"})
	assert.True(t, errors.Is(err, contracts.ErrDeserialization))
}

func TestSweeperCancelsStalePendingCardOrders(t *testing.T) {
	f := newFixture()
	old := time.Now().UTC().Add(-time.Hour)
	f.store.Put(order.Order{ID: "stale-card", PaymentMethod: order.PaymentCard, Status: order.StatusPending, CreatedAt: old})
	f.store.Put(order.Order{ID: "stale-confirmed", PaymentMethod: order.PaymentCard, Status: order.StatusConfirmed, CreatedAt: old})
	f.store.Put(order.Order{ID: "fresh-card", PaymentMethod: order.PaymentCard, Status: order.StatusPending, CreatedAt: time.Now().UTC()})

	sw := order.NewSweeper(f.svc, 10*time.Minute, time.Minute, 1, zap.NewNop())
	n, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o, err := f.svc.Get(context.Background(), "stale-card")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)
	assert.Equal(t, order.ReasonPaymentTimeout, o.StatusReason)

	fresh, err := f.svc.Get(context.Background(), "fresh-card")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, fresh.Status)

	// A result arriving after the timeout does not resurrect the order.
	require.NoError(t, f.svc.ApplyPaymentResult(context.Background(), &contracts.PaymentResultMessage{
		OrderID: "stale-card", Status: contracts.PaymentCompleted,
	}))
	o, err = f.svc.Get(context.Background(), "stale-card")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	f := newFixture()
	sw := order.NewSweeper(f.svc, time.Minute, 5*time.Millisecond, 10, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
