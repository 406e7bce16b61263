// Package ordertest holds an in-memory order.Store for tests.
package ordertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"fooddelivery/internal/orders/order"
)

var _ order.Store = (*Store)(nil)

type Store struct {
	mu     sync.Mutex
	orders map[string]order.Order
	writes []string

	// GetErr, when set, is returned by the next Get and then cleared.
	GetErr error
}

func NewStore() *Store {
	return &Store{orders: make(map[string]order.Order)}
}

func (s *Store) Create(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return errors.Errorf("order %s exists", o.ID)
	}
	s.orders[o.ID] = clone(*o)
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.GetErr; err != nil {
		s.GetErr = nil
		return nil, err
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	c := clone(o)
	return &c, nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, from, to order.Status, reason string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	if o.Status != from {
		return nil, errors.Wrapf(order.ErrStatusConflict, "order %s is %s, expected %s", id, o.Status, from)
	}
	o.Status = to
	o.StatusReason = reason
	o.UpdatedAt = time.Now().UTC()
	s.orders[id] = o
	s.writes = append(s.writes, id+":"+string(to))
	c := clone(o)
	return &c, nil
}

func (s *Store) ListStalePending(_ context.Context, method order.PaymentMethod, before time.Time, limit int) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []order.Order
	for _, o := range s.orders {
		if o.Status == order.StatusPending && o.PaymentMethod == method && o.CreatedAt.Before(before) {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Put stores o as-is, bypassing status rules.
func (s *Store) Put(o order.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = clone(o)
}

// Writes lists successful status writes as "id:status", oldest first.
func (s *Store) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func (s *Store) All() []order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, clone(o))
	}
	return out
}

func clone(o order.Order) order.Order {
	o.Items = append([]order.Item(nil), o.Items...)
	return o
}
