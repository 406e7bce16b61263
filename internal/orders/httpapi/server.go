// Package httpapi exposes the orders service over HTTP.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"fooddelivery/internal/orders/order"
	"fooddelivery/pkg/contracts"
)

type OrderService interface {
	Create(ctx context.Context, in order.CreateInput) (*order.Order, error)
	Get(ctx context.Context, id string) (*order.Order, error)
	Cancel(ctx context.Context, id string) (*order.Order, error)
	UpdateStatus(ctx context.Context, id string, to order.Status) (*order.Order, error)
}

// Health reports whether a dependency is usable.
type Health interface {
	IsConnected() bool
}

type Server struct {
	orders OrderService
	broker Health
	logger *zap.Logger
	engine *gin.Engine
}

// NewServer builds the router. ws, when non-nil, serves GET /orders/:id/ws.
func NewServer(serviceName string, orders OrderService, broker Health, ws gin.HandlerFunc, logger *zap.Logger) *Server {
	s := &Server{
		orders: orders,
		broker: broker,
		logger: logger,
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), otelgin.Middleware(serviceName))

	s.engine.GET("/healthz", s.health)
	s.engine.POST("/orders", s.createOrder)
	s.engine.GET("/orders/:id", s.getOrder)
	s.engine.POST("/orders/:id/cancel", s.cancelOrder)
	s.engine.PATCH("/orders/:id/status", s.updateStatus)
	if ws != nil {
		s.engine.GET("/orders/:id/ws", ws)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

type itemRequest struct {
	MenuItemID string          `json:"menuItemId"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
}

type createOrderRequest struct {
	CustomerID      string          `json:"customerId"`
	RestaurantID    string          `json:"restaurantId"`
	DeliveryAddress string          `json:"deliveryAddress"`
	Items           []itemRequest   `json:"items"`
	DeliveryFee     decimal.Decimal `json:"deliveryFee"`
	Currency        string          `json:"currency"`
	PaymentMethod   string          `json:"paymentMethod"`
	Card            *order.Card     `json:"card"`
	Notes           string          `json:"notes"`
}

func (s *Server) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}

	in := order.CreateInput{
		CustomerID:      req.CustomerID,
		RestaurantID:    req.RestaurantID,
		DeliveryAddress: req.DeliveryAddress,
		DeliveryFee:     req.DeliveryFee,
		Currency:        req.Currency,
		PaymentMethod:   order.PaymentMethod(req.PaymentMethod),
		Card:            req.Card,
		Notes:           req.Notes,
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, order.Item(it))
	}

	o, err := s.orders.Create(c.Request.Context(), in)
	if err != nil {
		s.fail(c, "create order", err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "get order", err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) cancelOrder(c *gin.Context) {
	o, err := s.orders.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "cancel order", err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) updateStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	to := order.Status(req.Status)
	if !to.Valid() {
		writeError(c, http.StatusBadRequest, "unknown status "+req.Status)
		return
	}

	o, err := s.orders.UpdateStatus(c.Request.Context(), c.Param("id"), to)
	if err != nil {
		s.fail(c, "update order status", err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) health(c *gin.Context) {
	if s.broker != nil && !s.broker.IsConnected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "broker": "disconnected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "broker": "connected"})
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, order.ErrValidation), errors.Is(err, contracts.ErrDeserialization):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrOrderNotFound):
		writeError(c, http.StatusNotFound, "order not found")
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrStatusConflict):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, order.ErrPaymentUnavailable):
		writeError(c, http.StatusServiceUnavailable, "payment processing is unavailable, order cancelled")
	default:
		s.logger.Error(op, zap.Error(err))
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}
