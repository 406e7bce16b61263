// Package storage keeps orders in PostgreSQL.
package storage

import (
	"context"
	"embed"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fooddelivery/internal/orders/order"
	"fooddelivery/pkg/postgres"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ order.Store = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
}

// New connects to url and brings the schema up to date.
func New(ctx context.Context, url string) (*Store, error) {
	pool, err := postgres.NewPool(ctx, url)
	if err != nil {
		return nil, err
	}

	if err := postgres.RunMigrations(ctx, pool, migrationsFS, "migrations"); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Create(ctx context.Context, o *order.Order) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, customer_id, restaurant_id, delivery_address, delivery_fee, total_amount,
			currency, payment_method, status, status_reason, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.CustomerID, o.RestaurantID, o.DeliveryAddress, o.DeliveryFee, o.TotalAmount,
		o.Currency, o.PaymentMethod, o.Status, o.StatusReason, o.Notes, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert order")
	}

	batch := &pgx.Batch{}
	for i, it := range o.Items {
		batch.Queue(`
			INSERT INTO order_items (order_id, position, menu_item_id, name, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			o.ID, i, it.MenuItemID, it.Name, it.Quantity, it.UnitPrice,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "insert order items")
	}

	return tx.Commit(ctx)
}

const orderColumns = `id, customer_id, restaurant_id, delivery_address, delivery_fee, total_amount,
	currency, payment_method, status, status_reason, notes, created_at, updated_at`

func scanOrder(row pgx.Row) (*order.Order, error) {
	var o order.Order
	err := row.Scan(&o.ID, &o.CustomerID, &o.RestaurantID, &o.DeliveryAddress, &o.DeliveryFee, &o.TotalAmount,
		&o.Currency, &o.PaymentMethod, &o.Status, &o.StatusReason, &o.Notes, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (s *Store) Get(ctx context.Context, id string) (*order.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			return nil, err
		}
		return nil, errors.Wrap(err, "get order")
	}
	if o.Items, err = s.items(ctx, id); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) items(ctx context.Context, orderID string) ([]order.Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT menu_item_id, name, quantity, unit_price
		FROM order_items
		WHERE order_id = $1
		ORDER BY position`, orderID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query order items")
	}
	defer rows.Close()

	var result []order.Item
	for rows.Next() {
		var it order.Item
		if err := rows.Scan(&it.MenuItemID, &it.Name, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, err
		}
		result = append(result, it)
	}
	return result, rows.Err()
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from, to order.Status, reason string) (*order.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = $3, status_reason = $4, updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns,
		id, from, to, reason, time.Now().UTC(),
	))
	if err == nil {
		if o.Items, err = s.items(ctx, id); err != nil {
			return nil, err
		}
		return o, nil
	}
	if !errors.Is(err, order.ErrOrderNotFound) {
		return nil, errors.Wrap(err, "update order status")
	}

	// No row matched: either the order is gone or its status moved on.
	var current order.Status
	err = s.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, order.ErrOrderNotFound
	case err != nil:
		return nil, errors.Wrap(err, "read order status")
	}
	return nil, errors.Wrapf(order.ErrStatusConflict, "order %s is %s, expected %s", id, current, from)
}

func (s *Store) ListStalePending(ctx context.Context, method order.PaymentMethod, before time.Time, limit int) ([]order.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1 AND payment_method = $2 AND created_at < $3
		ORDER BY created_at
		LIMIT $4`,
		order.StatusPending, method, before, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query stale orders")
	}
	defer rows.Close()

	var result []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}
