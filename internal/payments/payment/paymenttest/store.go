// Package paymenttest holds an in-memory payment.Store for tests.
package paymenttest

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"fooddelivery/internal/payments/payment"
	"fooddelivery/pkg/contracts"
)

var _ payment.Store = (*Store)(nil)

type Store struct {
	mu            sync.Mutex
	payments      map[string]payment.Payment
	order         []string
	history       map[string][]payment.HistoryEntry
	failNext      map[payment.Status]error
	CreateErr     error
	correlationOf map[string]string
}

func NewStore() *Store {
	return &Store{
		payments:      make(map[string]payment.Payment),
		history:       make(map[string][]payment.HistoryEntry),
		failNext:      make(map[payment.Status]error),
		correlationOf: make(map[string]string),
	}
}

// FailTransition makes the next transition to status return err.
func (s *Store) FailTransition(to payment.Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[to] = err
}

func (s *Store) Create(_ context.Context, p *payment.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.CreateErr; err != nil {
		s.CreateErr = nil
		return err
	}
	if p.CorrelationID != contracts.UnknownCorrelationID {
		if _, ok := s.correlationOf[p.CorrelationID]; ok {
			return payment.ErrDuplicatePayment
		}
		s.correlationOf[p.CorrelationID] = p.ID
	}
	s.payments[p.ID] = *p
	s.order = append(s.order, p.ID)
	s.history[p.ID] = append(s.history[p.ID], payment.HistoryEntry{
		PaymentID: p.ID,
		Status:    p.Status,
		Message:   "payment created",
		Timestamp: p.CreatedAt,
	})
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	return &p, nil
}

func (s *Store) GetByCorrelation(ctx context.Context, correlationID string) (*payment.Payment, error) {
	s.mu.Lock()
	id, ok := s.correlationOf[correlationID]
	s.mu.Unlock()
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	return s.Get(ctx, id)
}

// GetByOrder returns the most recently created payment for the order.
func (s *Store) GetByOrder(_ context.Context, orderID string) (*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		if p := s.payments[s.order[i]]; p.OrderID == orderID {
			return &p, nil
		}
	}
	return nil, payment.ErrPaymentNotFound
}

func (s *Store) Transition(_ context.Context, id string, from, to payment.Status, upd payment.Update) (*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failNext[to]; ok {
		delete(s.failNext, to)
		return nil, err
	}
	p, ok := s.payments[id]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	if p.Status != from {
		return nil, errors.Wrapf(payment.ErrStatusConflict, "payment %s is %s, expected %s", id, p.Status, from)
	}
	now := time.Now().UTC()
	p.Status = to
	p.TransactionID = upd.TransactionID
	p.ErrorMessage = upd.ErrorMessage
	p.UpdatedAt = now
	s.payments[id] = p
	s.history[id] = append(s.history[id], payment.HistoryEntry{
		PaymentID: id,
		Status:    to,
		Message:   upd.Message,
		Timestamp: now,
	})
	return &p, nil
}

func (s *Store) History(_ context.Context, id string) ([]payment.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]payment.HistoryEntry(nil), s.history[id]...), nil
}

// Statuses lists the history statuses of id, oldest first.
func (s *Store) Statuses(id string) []payment.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payment.Status
	for _, h := range s.history[id] {
		out = append(out, h.Status)
	}
	return out
}

func (s *Store) All() []payment.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]payment.Payment, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.payments[id])
	}
	return out
}
