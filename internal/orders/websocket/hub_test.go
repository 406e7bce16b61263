package websocket_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gw "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fooddelivery/internal/orders/order"
	"fooddelivery/internal/orders/order/ordertest"
	"fooddelivery/internal/orders/websocket"
)

func serve(t *testing.T) (*websocket.Hub, *ordertest.Store, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := ordertest.NewStore()
	hub := websocket.NewHub(zap.NewNop())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/orders/:id/ws", websocket.NewHandler(hub, store, zap.NewNop()).ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return hub, store, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readUpdate(t *testing.T, conn *gw.Conn) websocket.OrderUpdate {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var u websocket.OrderUpdate
	require.NoError(t, conn.ReadJSON(&u))
	return u
}

func TestSnapshotThenUpdates(t *testing.T) {
	hub, store, base := serve(t)
	store.Put(order.Order{ID: "o1", Status: order.StatusPending})
	store.Put(order.Order{ID: "o2", Status: order.StatusPending})

	conn, _, err := gw.DefaultDialer.Dial(base+"/orders/o1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, websocket.OrderUpdate{OrderID: "o1", Status: "pending"}, readUpdate(t, conn))

	hub.OrderUpdated(&order.Order{ID: "o2", Status: order.StatusCancelled})
	hub.OrderUpdated(&order.Order{ID: "o1", Status: order.StatusConfirmed, StatusReason: order.ReasonPaymentCompleted})

	u := readUpdate(t, conn)
	assert.Equal(t, "o1", u.OrderID)
	assert.Equal(t, "confirmed", u.Status)
	assert.Equal(t, order.ReasonPaymentCompleted, u.Reason)
}

func TestUnknownOrderIsNotUpgraded(t *testing.T) {
	_, _, base := serve(t)

	_, resp, err := gw.DefaultDialer.Dial(base+"/orders/missing/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBroadcastWithoutSubscribersDoesNotBlock(t *testing.T) {
	hub := websocket.NewHub(zap.NewNop())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.OrderUpdated(&order.Order{ID: "o1", Status: order.StatusPending})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked without a running hub")
	}
}
