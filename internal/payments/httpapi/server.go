// Package httpapi exposes payment lookups and refunds over HTTP.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"fooddelivery/internal/payments/payment"
)

type PaymentService interface {
	Get(ctx context.Context, id string) (*payment.Payment, error)
	GetByOrder(ctx context.Context, orderID string) (*payment.Payment, error)
	History(ctx context.Context, id string) ([]payment.HistoryEntry, error)
	Refund(ctx context.Context, id string) (*payment.Payment, error)
}

type Health interface {
	IsConnected() bool
}

type Server struct {
	payments PaymentService
	broker   Health
	logger   *zap.Logger
	engine   *gin.Engine
}

func NewServer(serviceName string, payments PaymentService, broker Health, logger *zap.Logger) *Server {
	s := &Server{
		payments: payments,
		broker:   broker,
		logger:   logger,
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery(), otelgin.Middleware(serviceName))

	s.engine.GET("/healthz", s.health)
	s.engine.GET("/payments/:id", s.getPayment)
	s.engine.GET("/payments/:id/history", s.history)
	s.engine.POST("/payments/:id/refund", s.refund)
	s.engine.GET("/orders/:id/payment", s.paymentForOrder)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) getPayment(c *gin.Context) {
	p, err := s.payments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "get payment", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) paymentForOrder(c *gin.Context) {
	p, err := s.payments.GetByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "get payment by order", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) history(c *gin.Context) {
	entries, err := s.payments.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "get payment history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

func (s *Server) refund(c *gin.Context) {
	p, err := s.payments.Refund(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "refund payment", err)
		return
	}
	c.JSON(http.StatusOK, p)
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
	case errors.Is(err, payment.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
	case errors.Is(err, payment.ErrInvalidTransition), errors.Is(err, payment.ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
