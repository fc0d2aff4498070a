package repository

import (
    "context"
    "database/sql"
    "errors"

    "github.com/shopspring/decimal"

    "github.com/iliyamo/funnel-ingest/internal/model"
)

// PaymentRepo provides access to the payments ledger.  (tenant_id,
// provider_event_id) is unique; that index is the real dedup guarantee,
// the lookup in the ingestion engine is only the fast path.
type PaymentRepo struct {
    db *sql.DB
}

// NewPaymentRepo returns a new PaymentRepo bound to the given database.
func NewPaymentRepo(db *sql.DB) *PaymentRepo { return &PaymentRepo{db: db} }

const paymentColumns = `id, tenant_id, contact_id, provider, provider_event_id, category, amount, currency, status, email, contract_id, paid_at, raw_payload, created_at`

func scanPayment(rs rowScanner) (model.Payment, error) {
    var (
        p          model.Payment
        contactID  sql.NullInt64
        provider   string
        category   string
        email      sql.NullString
        contractID sql.NullString
        raw        []byte
    )
    err := rs.Scan(&p.ID, &p.TenantID, &contactID, &provider, &p.ProviderEventID, &category, &p.Amount,
        &p.Currency, &p.Status, &email, &contractID, &p.PaidAt, &raw, &p.CreatedAt)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) {
            return model.Payment{}, ErrNotFound
        }
        return model.Payment{}, err
    }
    if contactID.Valid {
        id := uint64(contactID.Int64)
        p.ContactID = &id
    }
    p.Provider = model.Platform(provider)
    p.Category = model.PaymentCategory(category)
    p.Email = nullStr(email)
    p.ContractID = nullStr(contractID)
    p.RawPayload = raw
    return p, nil
}

// GetByProviderEventID looks up a payment by its dedup key.
func (r *PaymentRepo) GetByProviderEventID(ctx context.Context, tenantID uint64, providerEventID string) (model.Payment, error) {
    row := r.db.QueryRowContext(ctx,
        "SELECT "+paymentColumns+" FROM payments WHERE tenant_id = ? AND provider_event_id = ? LIMIT 1",
        tenantID, providerEventID)
    return scanPayment(row)
}

// GetByID fetches a payment by id within a tenant.
func (r *PaymentRepo) GetByID(ctx context.Context, tenantID, id uint64) (model.Payment, error) {
    row := r.db.QueryRowContext(ctx,
        "SELECT "+paymentColumns+" FROM payments WHERE tenant_id = ? AND id = ? LIMIT 1", tenantID, id)
    return scanPayment(row)
}

// Create inserts p and populates its ID.  ErrDuplicate means a payment with
// the same provider event id already exists.
func (r *PaymentRepo) Create(ctx context.Context, p *model.Payment) error {
    const q = `INSERT INTO payments
        (tenant_id, contact_id, provider, provider_event_id, category, amount, currency, status, email, contract_id, paid_at, raw_payload)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
    res, err := r.db.ExecContext(ctx, q,
        p.TenantID, p.ContactID, string(p.Provider), p.ProviderEventID, string(p.Category), p.Amount.StringFixed(2),
        p.Currency, p.Status, p.Email, p.ContractID, p.PaidAt.UTC(), nullJSON(p.RawPayload))
    if err != nil {
        return translate(err)
    }
    id, err := res.LastInsertId()
    if err != nil {
        return err
    }
    p.ID = uint64(id)
    return nil
}

// LinkContact attaches an orphan payment to a contact.  Already linked
// payments are left untouched and ErrConflict is returned.
func (r *PaymentRepo) LinkContact(ctx context.Context, tenantID, paymentID, contactID uint64) error {
    res, err := r.db.ExecContext(ctx,
        "UPDATE payments SET contact_id = ? WHERE tenant_id = ? AND id = ? AND contact_id IS NULL",
        contactID, tenantID, paymentID)
    if err != nil {
        return err
    }
    n, err := res.RowsAffected()
    if err != nil {
        return err
    }
    if n == 0 {
        if _, err := r.GetByID(ctx, tenantID, paymentID); err != nil {
            return err
        }
        return ErrConflict
    }
    return nil
}

// SumPurchaseTotal sums the cash-collected amounts of a contact: successful
// downpayments, recurring installments and one-time purchases, plus all
// refunds (which are negative).  Financed plan totals are excluded.
func (r *PaymentRepo) SumPurchaseTotal(ctx context.Context, tenantID, contactID uint64) (decimal.Decimal, error) {
    var total decimal.NullDecimal
    err := r.db.QueryRowContext(ctx,
        `SELECT SUM(amount) FROM payments
         WHERE tenant_id = ? AND contact_id = ? AND (
             (category IN (?, ?, ?) AND status IN (?, ?)) OR category = ?
         )`,
        tenantID, contactID,
        string(model.CategoryFullPurchase), string(model.CategoryDownpayment), string(model.CategoryRecurring),
        model.PaymentStatusPaid, model.PaymentStatusActive,
        string(model.CategoryRefund)).Scan(&total)
    if err != nil {
        return decimal.Zero, err
    }
    if !total.Valid {
        return decimal.Zero, nil
    }
    return total.Decimal, nil
}

// ListOrphans returns payments that are not linked to any contact, newest first.
func (r *PaymentRepo) ListOrphans(ctx context.Context, tenantID uint64, limit int) ([]model.Payment, error) {
    if limit <= 0 {
        limit = 100
    }
    rows, err := r.db.QueryContext(ctx,
        "SELECT "+paymentColumns+" FROM payments WHERE tenant_id = ? AND contact_id IS NULL ORDER BY id DESC LIMIT ?",
        tenantID, limit)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    var out []model.Payment
    for rows.Next() {
        p, err := scanPayment(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, p)
    }
    return out, rows.Err()
}
