package tenants

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"callboard/pkg/utils"
)

// Repository covers tenant records, the vendor credential store and the
// per-tenant sync flag.
type Repository interface {
	Get(ctx context.Context, id string) (Tenant, error)

	// Oldest returns the first-created tenant, the degraded-mode default.
	Oldest(ctx context.Context) (Tenant, error)

	// Ensure creates the tenant when no row with id exists. created reports
	// whether this call inserted it.
	Ensure(ctx context.Context, id, name string) (t Tenant, created bool, err error)

	// ApplySettings updates the tenant and its credential atomically.
	ApplySettings(ctx context.Context, id string, u SettingsUpdate) (Tenant, error)

	VendorAPIKey(ctx context.Context, id string) (key string, ok bool, err error)
	SetVendorAPIKey(ctx context.Context, id, key string) error

	// MarkSynced records that at least one call for the tenant reached the store.
	MarkSynced(ctx context.Context, id string, at time.Time) error
	IsSynced(ctx context.Context, id string) (bool, error)
}

// PostgresRepo implements Repository over tenants, tenant_credentials and tenant_sync_state.
type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const tenantColumns = `id, name, branding, created_at, updated_at`

func (r *PostgresRepo) Get(ctx context.Context, id string) (Tenant, error) {
	return getTenant(ctx, r.db, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
}

func (r *PostgresRepo) Oldest(ctx context.Context) (Tenant, error) {
	return getTenant(ctx, r.db, `SELECT `+tenantColumns+` FROM tenants ORDER BY created_at, id LIMIT 1`)
}

func (r *PostgresRepo) Ensure(ctx context.Context, id, name string) (Tenant, bool, error) {
	if id == "" {
		return Tenant{}, false, ErrInvalidUpdate
	}
	if name == "" {
		name = id
	}
	now := r.clock().UTC()
	res, err := r.db.ExecContext(ctx, `
INSERT INTO tenants (id, name, created_at, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (id) DO NOTHING`, id, name, now)
	if err != nil {
		return Tenant{}, false, fmt.Errorf("ensure tenant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Tenant{}, false, fmt.Errorf("ensure tenant: %w", err)
	}
	t, err := r.Get(ctx, id)
	return t, n > 0, err
}

func (r *PostgresRepo) ApplySettings(ctx context.Context, id string, u SettingsUpdate) (Tenant, error) {
	u, err := validateUpdate(u)
	if err != nil {
		return Tenant{}, err
	}
	now := r.clock().UTC()

	var out Tenant
	err = utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var branding sql.NullString
		if u.Branding != nil {
			raw, err := json.Marshal(u.Branding)
			if err != nil {
				return fmt.Errorf("encode branding: %w", err)
			}
			branding = sql.NullString{String: string(raw), Valid: true}
		}
		var name sql.NullString
		if u.Name != nil {
			name = sql.NullString{String: *u.Name, Valid: true}
		}

		const q = `
UPDATE tenants
SET name = COALESCE($2, name),
    branding = COALESCE($3::jsonb, branding),
    updated_at = CASE WHEN $2::text IS NULL AND $3::jsonb IS NULL THEN updated_at ELSE $4 END
WHERE id = $1
RETURNING ` + tenantColumns
		t, err := getTenant(ctx, tx, q, id, name, branding, now)
		if err != nil {
			return err
		}
		if u.VendorAPIKey != nil {
			if err := setKey(ctx, tx, id, *u.VendorAPIKey, now); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	return out, err
}

func (r *PostgresRepo) VendorAPIKey(ctx context.Context, id string) (string, bool, error) {
	var key string
	err := r.db.QueryRowContext(ctx, `SELECT vendor_api_key FROM tenant_credentials WHERE tenant_id = $1`, id).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return key, key != "", nil
}

func (r *PostgresRepo) SetVendorAPIKey(ctx context.Context, id, key string) error {
	return setKey(ctx, r.db, id, key, r.clock().UTC())
}

func (r *PostgresRepo) MarkSynced(ctx context.Context, id string, at time.Time) error {
	const q = `
INSERT INTO tenant_sync_state (tenant_id, synced_at)
VALUES ($1, $2)
ON CONFLICT (tenant_id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, q, id, at.UTC())
	return err
}

func (r *PostgresRepo) IsSynced(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tenant_sync_state WHERE tenant_id = $1)`, id).Scan(&ok)
	return ok, err
}

func setKey(ctx context.Context, q utils.Querier, id, key string, now time.Time) error {
	if key == "" {
		_, err := q.ExecContext(ctx, `DELETE FROM tenant_credentials WHERE tenant_id = $1`, id)
		return err
	}
	const upsert = `
INSERT INTO tenant_credentials (tenant_id, vendor_api_key, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (tenant_id) DO UPDATE SET vendor_api_key = EXCLUDED.vendor_api_key, updated_at = EXCLUDED.updated_at`
	_, err := q.ExecContext(ctx, upsert, id, key, now)
	return err
}

func getTenant(ctx context.Context, q utils.Querier, query string, args ...any) (Tenant, error) {
	var (
		t        Tenant
		branding []byte
	)
	err := q.QueryRowContext(ctx, query, args...).Scan(&t.ID, &t.Name, &branding, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, err
	}
	t.Branding = map[string]any{}
	if len(branding) > 0 {
		if err := json.Unmarshal(branding, &t.Branding); err != nil {
			return Tenant{}, fmt.Errorf("decode branding: %w", err)
		}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}
