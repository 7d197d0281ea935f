package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresSource reads the orders table shared with the marketplace service.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (p *PostgresSource) GetOrder(ctx context.Context, orderRef string) (*Order, error) {
	o := &Order{}
	var driverID sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT order_ref, buyer_id, seller_id, driver_id, total_amount, currency, status, created_at
		FROM orders WHERE order_ref = $1`, orderRef,
	).Scan(&o.Ref, &o.BuyerID, &o.SellerID, &driverID, &o.TotalAmount, &o.Currency, &o.Status, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", orderRef, err)
	}
	o.DriverID = driverID.String
	return o, nil
}

var _ Source = (*PostgresSource)(nil)
