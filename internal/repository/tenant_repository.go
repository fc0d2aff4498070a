package repository

import (
    "context"
    "database/sql"
    "errors"
    "strings"

    "github.com/iliyamo/funnel-ingest/internal/model"
)

// TenantRepo resolves tenants by slug.
type TenantRepo struct{ DB *sql.DB }

func NewTenantRepo(db *sql.DB) *TenantRepo { return &TenantRepo{DB: db} }

const tenantColumns = `id, slug, name, pixel_id, capi_access_token, manychat_api_key, stripe_webhook_secret, calendly_signing_key, currency`

// GetBySlug fetches an active tenant by its URL slug.
func (r *TenantRepo) GetBySlug(ctx context.Context, slug string) (model.Tenant, error) {
    slug = strings.ToLower(strings.TrimSpace(slug))
    row := r.DB.QueryRowContext(ctx,
        "SELECT "+tenantColumns+" FROM tenants WHERE slug = ? AND is_active = 1 LIMIT 1", slug)
    return scanTenant(row)
}

// GetByID fetches a tenant by id, active or not.  The conversion sender
// uses it to load credentials for events queued earlier.
func (r *TenantRepo) GetByID(ctx context.Context, id uint64) (model.Tenant, error) {
    row := r.DB.QueryRowContext(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE id = ? LIMIT 1", id)
    return scanTenant(row)
}

func scanTenant(rs rowScanner) (model.Tenant, error) {
    var (
        t                                                   model.Tenant
        pixel, capiToken, manychatKey, stripeSecret, calKey sql.NullString
        currency                                            sql.NullString
    )
    err := rs.Scan(&t.ID, &t.Slug, &t.Name, &pixel, &capiToken, &manychatKey, &stripeSecret, &calKey, &currency)
    if errors.Is(err, sql.ErrNoRows) {
        return model.Tenant{}, ErrNotFound
    }
    if err != nil {
        return model.Tenant{}, err
    }
    t.PixelID = pixel.String
    t.CAPIAccessToken = capiToken.String
    t.ManyChatAPIKey = manychatKey.String
    t.StripeWebhookSecret = stripeSecret.String
    t.CalendlySigningKey = calKey.String
    t.Currency = currency.String
    if t.Currency == "" {
        t.Currency = "USD"
    }
    return t, nil
}
