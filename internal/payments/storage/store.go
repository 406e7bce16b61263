// Package storage keeps payments and their history in PostgreSQL.
package storage

import (
	"context"
	"embed"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fooddelivery/internal/payments/payment"
	"fooddelivery/pkg/postgres"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

var _ payment.Store = (*Store)(nil)

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

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Create(ctx context.Context, p *payment.Payment) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO payments (id, correlation_id, order_id, amount, currency, payment_method,
			card_last4, card_brand, status, transaction_id, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.CorrelationID, p.OrderID, p.Amount, p.Currency, p.PaymentMethod,
		p.CardLast4, p.CardBrand, p.Status, p.TransactionID, p.ErrorMessage, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return payment.ErrDuplicatePayment
		}
		return errors.Wrap(err, "insert payment")
	}

	if err := insertHistory(ctx, tx, p.ID, p.Status, "payment created", p.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertHistory(ctx context.Context, tx pgx.Tx, id string, status payment.Status, message string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payment_history (payment_id, status, reason, occurred_at)
		VALUES ($1, $2, $3, $4)`,
		id, status, message, at,
	)
	if err != nil {
		return errors.Wrap(err, "insert payment history")
	}
	return nil
}

const paymentColumns = `id, correlation_id, order_id, amount, currency, payment_method,
	card_last4, card_brand, status, transaction_id, error_message, created_at, updated_at`

func scanPayment(row pgx.Row) (*payment.Payment, error) {
	var p payment.Payment
	err := row.Scan(&p.ID, &p.CorrelationID, &p.OrderID, &p.Amount, &p.Currency, &p.PaymentMethod,
		&p.CardLast4, &p.CardBrand, &p.Status, &p.TransactionID, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrPaymentNotFound
		}
		return nil, errors.Wrap(err, "scan payment")
	}
	return &p, nil
}

func (s *Store) Get(ctx context.Context, id string) (*payment.Payment, error) {
	return scanPayment(s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (s *Store) GetByCorrelation(ctx context.Context, correlationID string) (*payment.Payment, error) {
	return scanPayment(s.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE correlation_id = $1 AND correlation_id <> 'unknown'`, correlationID))
}

func (s *Store) GetByOrder(ctx context.Context, orderID string) (*payment.Payment, error) {
	return scanPayment(s.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, orderID))
}

func (s *Store) Transition(ctx context.Context, id string, from, to payment.Status, upd payment.Update) (*payment.Payment, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	p, err := scanPayment(tx.QueryRow(ctx, `
		UPDATE payments
		SET status = $3, transaction_id = $4, error_message = $5, updated_at = $6
		WHERE id = $1 AND status = $2
		RETURNING `+paymentColumns,
		id, from, to, upd.TransactionID, upd.ErrorMessage, now,
	))
	if errors.Is(err, payment.ErrPaymentNotFound) {
		var current payment.Status
		err = tx.QueryRow(ctx, `SELECT status FROM payments WHERE id = $1`, id).Scan(&current)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil, payment.ErrPaymentNotFound
		case err != nil:
			return nil, errors.Wrap(err, "read payment status")
		}
		return nil, errors.Wrapf(payment.ErrStatusConflict, "payment %s is %s, expected %s", id, current, from)
	}
	if err != nil {
		return nil, errors.Wrap(err, "update payment status")
	}

	if err := insertHistory(ctx, tx, id, to, upd.Message, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	return p, nil
}

func (s *Store) History(ctx context.Context, id string) ([]payment.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payment_id, status, reason, occurred_at
		FROM payment_history
		WHERE payment_id = $1
		ORDER BY id`, id,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query payment history")
	}
	defer rows.Close()

	var result []payment.HistoryEntry
	for rows.Next() {
		var h payment.HistoryEntry
		if err := rows.Scan(&h.PaymentID, &h.Status, &h.Message, &h.Timestamp); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}
