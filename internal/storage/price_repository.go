package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/danavision/api/internal/model"
)

// PriceRepository is the pgx implementation of list items, vendor prices
// and price history.
type PriceRepository struct {
	pool *pgxpool.Pool
}

func NewPriceRepository(pool *pgxpool.Pool) *PriceRepository {
	return &PriceRepository{pool: pool}
}

const itemColumns = `
	id, user_id, product_name, COALESCE(upc, ''), product_url,
	current_price::float8, current_retailer, last_checked_at`

func scanItem(row pgx.Row) (*model.ListItem, error) {
	var it model.ListItem
	if err := row.Scan(
		&it.ID, &it.UserID, &it.ProductName, &it.UPC, &it.ProductURL,
		&it.CurrentPrice, &it.CurrentRetailer, &it.LastCheckedAt,
	); err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *PriceRepository) GetItem(ctx context.Context, itemID int64) (*model.ListItem, error) {
	it, err := scanItem(r.pool.QueryRow(ctx, `SELECT`+itemColumns+` FROM list_items WHERE id = $1`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getItem: %w", err)
	}
	return it, nil
}

// ListStaleItems returns items with known vendor links whose prices were
// last checked before the cutoff, least recently checked first.
func (r *PriceRepository) ListStaleItems(ctx context.Context, before time.Time, limit int) ([]model.ListItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT`+itemColumns+`
		 FROM list_items li
		 WHERE (li.last_checked_at IS NULL OR li.last_checked_at < $1)
		   AND EXISTS (SELECT 1 FROM vendor_prices vp WHERE vp.item_id = li.id AND vp.product_url <> '')
		 ORDER BY li.last_checked_at NULLS FIRST, li.id
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listStaleItems query: %w", err)
	}
	defer rows.Close()

	items := make([]model.ListItem, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("listStaleItems scan: %w", err)
		}
		items = append(items, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listStaleItems rows: %w", err)
	}
	return items, nil
}

const vendorPriceColumns = `
	id, item_id, vendor, current_price::float8, lowest_price::float8, highest_price::float8,
	in_stock, product_url, provenance, last_checked_at, created_at, updated_at`

func scanVendorPrice(row pgx.Row) (*model.VendorPrice, error) {
	var vp model.VendorPrice
	if err := row.Scan(
		&vp.ID, &vp.ItemID, &vp.Vendor, &vp.CurrentPrice, &vp.LowestPrice, &vp.HighestPrice,
		&vp.InStock, &vp.ProductURL, &vp.Provenance, &vp.LastCheckedAt, &vp.CreatedAt, &vp.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &vp, nil
}

// UpsertVendorPrice is a single statement keyed on (item_id, lower(vendor)),
// so concurrent writers never duplicate a vendor and the last write sets
// the current price.
func (r *PriceRepository) UpsertVendorPrice(ctx context.Context, obs model.VendorPrice) (*model.VendorPrice, error) {
	vp, err := scanVendorPrice(r.pool.QueryRow(ctx,
		`INSERT INTO vendor_prices (item_id, vendor, current_price, lowest_price, highest_price,
		                            in_stock, product_url, provenance, last_checked_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $3, $3, $4, $5, $6, $7, $7, $7)
		 ON CONFLICT (item_id, lower(vendor)) DO UPDATE SET
		   current_price   = EXCLUDED.current_price,
		   lowest_price    = LEAST(vendor_prices.lowest_price, EXCLUDED.current_price),
		   highest_price   = GREATEST(vendor_prices.highest_price, EXCLUDED.current_price),
		   in_stock        = EXCLUDED.in_stock,
		   product_url     = COALESCE(NULLIF(EXCLUDED.product_url, ''), vendor_prices.product_url),
		   provenance      = COALESCE(NULLIF(EXCLUDED.provenance, ''), vendor_prices.provenance),
		   last_checked_at = EXCLUDED.last_checked_at,
		   updated_at      = EXCLUDED.updated_at
		 RETURNING`+vendorPriceColumns,
		obs.ItemID, obs.Vendor, obs.CurrentPrice, obs.InStock, obs.ProductURL, obs.Provenance, obs.LastCheckedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("upsertVendorPrice: %w", err)
	}
	return vp, nil
}

func (r *PriceRepository) ListVendorPrices(ctx context.Context, itemID int64) ([]model.VendorPrice, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT`+vendorPriceColumns+` FROM vendor_prices WHERE item_id = $1 ORDER BY current_price, id`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("listVendorPrices query: %w", err)
	}
	defer rows.Close()

	prices := make([]model.VendorPrice, 0)
	for rows.Next() {
		vp, err := scanVendorPrice(rows)
		if err != nil {
			return nil, fmt.Errorf("listVendorPrices scan: %w", err)
		}
		prices = append(prices, *vp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listVendorPrices rows: %w", err)
	}
	return prices, nil
}

func (r *PriceRepository) UpdateItemPrice(ctx context.Context, itemID int64, price float64, vendor string, productURL *string, checkedAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE list_items
		 SET current_price = $2,
		     current_retailer = $3,
		     product_url = COALESCE(NULLIF(product_url, ''), $4),
		     last_checked_at = $5
		 WHERE id = $1`,
		itemID, price, vendor, productURL, checkedAt,
	)
	if err != nil {
		return fmt.Errorf("updateItemPrice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrItemNotFound
	}
	return nil
}

func (r *PriceRepository) AppendPriceHistory(ctx context.Context, h *model.PriceHistory) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO price_history (item_id, price, vendor, source, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		h.ItemID, h.Price, h.Vendor, h.Source, h.RecordedAt,
	).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("appendPriceHistory: %w", err)
	}
	return nil
}

// MarkChecked stamps an item as checked without changing its price, so
// runs that found nothing are not rescheduled immediately.
func (r *PriceRepository) MarkChecked(ctx context.Context, itemID int64, at time.Time) error {
	if _, err := r.pool.Exec(ctx, `UPDATE list_items SET last_checked_at = $2 WHERE id = $1`, itemID, at); err != nil {
		return fmt.Errorf("markChecked: %w", err)
	}
	return nil
}
