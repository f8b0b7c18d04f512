package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rasenpilot/internal/model"
)

// ProductRepository caches provider product/price ids keyed by a stable product key.
type ProductRepository interface {
	GetByKey(ctx context.Context, productKey string) (*model.StripeProduct, error)
	GetByStripeProductID(ctx context.Context, stripeProductID string) (*model.StripeProduct, error)
	List(ctx context.Context) ([]model.StripeProduct, error)
	Upsert(ctx context.Context, p *model.StripeProduct) error
	SetActive(ctx context.Context, stripeProductID string, active bool) (bool, error)
}

type productRepo struct {
	db *sql.DB
}

func NewProductRepo(db *sql.DB) ProductRepository {
	return &productRepo{db: db}
}

const productColumns = `product_key, stripe_product_id, stripe_price_id, name, unit_amount, currency, interval, active, updated_at`

// GetByKey returns nil, nil when no row exists.
func (r *productRepo) GetByKey(ctx context.Context, productKey string) (*model.StripeProduct, error) {
	q := `SELECT ` + productColumns + ` FROM stripe_products WHERE product_key = $1`
	return r.getOne(ctx, q, productKey)
}

// GetByStripeProductID returns nil, nil when no row exists.
func (r *productRepo) GetByStripeProductID(ctx context.Context, stripeProductID string) (*model.StripeProduct, error) {
	q := `SELECT ` + productColumns + ` FROM stripe_products WHERE stripe_product_id = $1`
	return r.getOne(ctx, q, stripeProductID)
}

func (r *productRepo) getOne(ctx context.Context, q string, arg string) (*model.StripeProduct, error) {
	var p model.StripeProduct
	err := r.db.QueryRowContext(ctx, q, arg).Scan(
		&p.ProductKey,
		&p.StripeProductID,
		&p.StripePriceID,
		&p.Name,
		&p.UnitAmount,
		&p.Currency,
		&p.Interval,
		&p.Active,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch stripe product %s: %w", arg, err)
	}
	return &p, nil
}

func (r *productRepo) List(ctx context.Context) ([]model.StripeProduct, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+productColumns+` FROM stripe_products ORDER BY product_key`)
	if err != nil {
		return nil, fmt.Errorf("querying stripe products: %w", err)
	}
	defer rows.Close()

	var out []model.StripeProduct
	for rows.Next() {
		var p model.StripeProduct
		if err := rows.Scan(&p.ProductKey, &p.StripeProductID, &p.StripePriceID, &p.Name, &p.UnitAmount, &p.Currency, &p.Interval, &p.Active, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning stripe product row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stripe product rows: %w", err)
	}
	return out, nil
}

func (r *productRepo) Upsert(ctx context.Context, p *model.StripeProduct) error {
	const q = `
		INSERT INTO stripe_products (product_key, stripe_product_id, stripe_price_id, name, unit_amount, currency, interval, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (product_key) DO UPDATE SET
			stripe_product_id = EXCLUDED.stripe_product_id,
			stripe_price_id   = EXCLUDED.stripe_price_id,
			name              = EXCLUDED.name,
			unit_amount       = EXCLUDED.unit_amount,
			currency          = EXCLUDED.currency,
			interval          = EXCLUDED.interval,
			active            = EXCLUDED.active,
			updated_at        = NOW()
		RETURNING updated_at
	`
	err := r.db.QueryRowContext(ctx, q,
		p.ProductKey,
		p.StripeProductID,
		p.StripePriceID,
		p.Name,
		p.UnitAmount,
		p.Currency,
		p.Interval,
		p.Active,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert stripe product %s: %w", p.ProductKey, err)
	}
	return nil
}

// SetActive reports whether a cached row matched the provider product id.
func (r *productRepo) SetActive(ctx context.Context, stripeProductID string, active bool) (bool, error) {
	const q = `UPDATE stripe_products SET active = $2, updated_at = NOW() WHERE stripe_product_id = $1`
	res, err := r.db.ExecContext(ctx, q, stripeProductID, active)
	if err != nil {
		return false, fmt.Errorf("update stripe product %s: %w", stripeProductID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}
