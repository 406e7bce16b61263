package payment

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Service serves read access and manual refunds.
type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Payment, error) {
	return s.store.GetByOrder(ctx, orderID)
}

func (s *Service) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id)
}

// Refund moves a completed payment to REFUNDED.
func (s *Service) Refund(ctx context.Context, id string) (*Payment, error) {
	pay, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(pay.Status, StatusRefunded) {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s -> %s", pay.Status, StatusRefunded)
	}

	refunded, err := s.store.Transition(ctx, id, pay.Status, StatusRefunded, Update{
		TransactionID: pay.TransactionID,
		Message:       "refunded by request",
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment refunded",
		zap.String("payment_id", id),
		zap.String("order_id", pay.OrderID),
		zap.String("transaction_id", pay.TransactionID),
	)
	return refunded, nil
}
