package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/danavision/api/internal/model"
)

// StoreRepository is the pgx implementation of the store registry tables.
type StoreRepository struct {
	pool *pgxpool.Pool
}

func NewStoreRepository(pool *pgxpool.Pool) *StoreRepository {
	return &StoreRepository{pool: pool}
}

const storeColumns = `
	s.id, s.name, s.domain, s.search_url_template, s.is_local, s.is_active,
	s.priority, s.category, s.auto_configured, s.parent_store_id,
	s.created_at, s.updated_at, p.search_url_template`

const storeFrom = `
	FROM stores s
	LEFT JOIN stores p ON p.id = s.parent_store_id`

func scanStore(row pgx.Row, extra ...any) (*model.Store, error) {
	var s model.Store
	dest := []any{
		&s.ID, &s.Name, &s.Domain, &s.SearchURLTemplate, &s.IsLocal, &s.IsActive,
		&s.Priority, &s.Category, &s.AutoConfigured, &s.ParentStoreID,
		&s.CreatedAt, &s.UpdatedAt, &s.ParentTemplate,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &s, nil
}

func collectStores(rows pgx.Rows, op string) ([]model.Store, error) {
	defer rows.Close()
	stores := make([]model.Store, 0)
	for rows.Next() {
		s, err := scanStore(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		stores = append(stores, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	return stores, nil
}

func (r *StoreRepository) ListActive(ctx context.Context, filter model.StoreFilter) ([]model.Store, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT`+storeColumns+storeFrom+`
		 WHERE s.is_active
		   AND ($1::boolean IS NULL OR s.is_local = $1)
		   AND ($2::text = '' OR s.category = $2::text)
		 ORDER BY s.priority DESC, s.id`,
		filter.Local, string(filter.Category),
	)
	if err != nil {
		return nil, fmt.Errorf("listActive query: %w", err)
	}
	return collectStores(rows, "listActive")
}

func (r *StoreRepository) GetByID(ctx context.Context, id int64) (*model.Store, error) {
	s, err := scanStore(r.pool.QueryRow(ctx, `SELECT`+storeColumns+storeFrom+` WHERE s.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrStoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getStore: %w", err)
	}
	return s, nil
}

func (r *StoreRepository) GetByIDs(ctx context.Context, ids []int64) ([]model.Store, error) {
	if len(ids) == 0 {
		return []model.Store{}, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT`+storeColumns+storeFrom+` WHERE s.id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("getByIDs query: %w", err)
	}
	return collectStores(rows, "getByIDs")
}

func (r *StoreRepository) FindByDomain(ctx context.Context, domain string) (*model.Store, error) {
	s, err := scanStore(r.pool.QueryRow(ctx, `SELECT`+storeColumns+storeFrom+` WHERE s.domain = $1`, domain))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrStoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("findByDomain: %w", err)
	}
	return s, nil
}

// SearchByDomain matches stores whose domain contains the fragment or is
// contained in it, so "shop.kroger.com" finds "kroger.com".
func (r *StoreRepository) SearchByDomain(ctx context.Context, fragment string) ([]model.Store, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT`+storeColumns+storeFrom+`
		 WHERE s.domain LIKE '%' || $1::text || '%' OR $1::text LIKE '%' || s.domain
		 ORDER BY length(s.domain) DESC, s.priority DESC
		 LIMIT 10`,
		fragment,
	)
	if err != nil {
		return nil, fmt.Errorf("searchByDomain query: %w", err)
	}
	return collectStores(rows, "searchByDomain")
}

func (r *StoreRepository) ListForUser(ctx context.Context, userID string) ([]model.UserStore, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT`+storeColumns+`,
		        COALESCE(up.enabled, true), COALESCE(up.favorite, false), up.priority`+storeFrom+`
		 LEFT JOIN user_store_preferences up ON up.store_id = s.id AND up.user_id = $1
		 WHERE s.is_active
		 ORDER BY COALESCE(up.priority, s.priority) DESC, s.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listForUser query: %w", err)
	}
	defer rows.Close()

	stores := make([]model.UserStore, 0)
	for rows.Next() {
		var (
			us       model.UserStore
			priority *int
		)
		s, err := scanStore(rows, &us.Enabled, &us.Favorite, &priority)
		if err != nil {
			return nil, fmt.Errorf("listForUser scan: %w", err)
		}
		us.Store = *s
		if priority != nil {
			us.Priority = *priority
		}
		stores = append(stores, us)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listForUser rows: %w", err)
	}
	return stores, nil
}

// CreateIfAbsent relies on the unique domain constraint, so two writers
// learning the same domain both succeed with one row.
func (r *StoreRepository) CreateIfAbsent(ctx context.Context, store *model.Store) (*model.Store, bool, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO stores (name, domain, search_url_template, is_local, is_active,
		                     priority, category, auto_configured, parent_store_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 ON CONFLICT (domain) DO NOTHING
		 RETURNING id`,
		store.Name, store.Domain, store.SearchURLTemplate, store.IsLocal, store.IsActive,
		store.Priority, string(store.Category), store.AutoConfigured, store.ParentStoreID, store.CreatedAt,
	).Scan(&id)

	created := true
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
	} else if err != nil {
		return nil, false, fmt.Errorf("createStore: %w", err)
	}

	existing, err := r.FindByDomain(ctx, store.Domain)
	if err != nil {
		return nil, false, err
	}
	return existing, created, nil
}

func (r *StoreRepository) UpdateTemplate(ctx context.Context, storeID int64, template string, autoConfigured bool, parentID *int64) error {
	var tpl *string
	if template != "" {
		tpl = &template
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE stores
		 SET search_url_template = COALESCE($2, search_url_template),
		     auto_configured = $3,
		     parent_store_id = COALESCE($4, parent_store_id),
		     updated_at = now()
		 WHERE id = $1`,
		storeID, tpl, autoConfigured, parentID,
	)
	if err != nil {
		return fmt.Errorf("updateTemplate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrStoreNotFound
	}
	return nil
}

func (r *StoreRepository) EnsurePreference(ctx context.Context, pref *model.UserStorePreference) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_store_preferences (user_id, store_id, enabled, favorite, priority, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, store_id) DO NOTHING`,
		pref.UserID, pref.StoreID, pref.Enabled, pref.Favorite, pref.Priority, pref.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("ensurePreference: %w", err)
	}
	return nil
}
