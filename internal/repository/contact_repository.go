package repository

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "strings"
    "time"

    "github.com/shopspring/decimal"

    "github.com/iliyamo/funnel-ingest/internal/model"
)

// ContactRepo provides access to the contacts table.  Lookups are scoped
// to a tenant.  Emails are stored lower-cased and compared with LOWER() so
// rows written by older tooling still match.
type ContactRepo struct {
    db *sql.DB
}

// NewContactRepo returns a new ContactRepo bound to the given database.
func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

// Contact key columns that carry a per-tenant unique index.
const (
    KeySubscriberID = "subscriber_id"
    KeyCRMContactID = "crm_contact_id"
)

var stampColumns = func() []string {
    var cols []string
    for _, s := range model.Stages() {
        if c := s.StampColumn(); c != "" {
            cols = append(cols, c)
        }
    }
    return cols
}()

var contactColumns = "id, tenant_id, email, booking_email, payment_email, phone, subscriber_id, crm_contact_id, click_id, ad_id, first_name, last_name, source, stage, purchase_total, created_at, updated_at, " +
    strings.Join(stampColumns, ", ")

type rowScanner interface {
    Scan(dest ...any) error
}

func scanContact(rs rowScanner) (model.Contact, error) {
    var (
        c     model.Contact
        stage string
        total decimal.Decimal
    )
    var email, bookingEmail, paymentEmail, phone, subscriber, crm, click, ad, first, last sql.NullString
    stamps := make([]sql.NullTime, len(stampColumns))
    dest := []any{&c.ID, &c.TenantID, &email, &bookingEmail, &paymentEmail, &phone, &subscriber, &crm, &click, &ad, &first, &last,
        &c.Source, &stage, &total, &c.CreatedAt, &c.UpdatedAt}
    for i := range stamps {
        dest = append(dest, &stamps[i])
    }
    if err := rs.Scan(dest...); err != nil {
        if errors.Is(err, sql.ErrNoRows) {
            return model.Contact{}, ErrNotFound
        }
        return model.Contact{}, err
    }
    c.Email = nullStr(email)
    c.BookingEmail = nullStr(bookingEmail)
    c.PaymentEmail = nullStr(paymentEmail)
    c.Phone = nullStr(phone)
    c.SubscriberID = nullStr(subscriber)
    c.CRMContactID = nullStr(crm)
    c.ClickID = nullStr(click)
    c.AdID = nullStr(ad)
    c.FirstName = nullStr(first)
    c.LastName = nullStr(last)
    c.Stage = model.Stage(stage)
    c.PurchaseTotal = total
    c.StageStamps = map[string]time.Time{}
    for i, col := range stampColumns {
        if stamps[i].Valid {
            c.StageStamps[col] = stamps[i].Time
        }
    }
    return c, nil
}

func nullStr(ns sql.NullString) *string {
    if !ns.Valid || ns.String == "" {
        return nil
    }
    s := ns.String
    return &s
}

// GetByID fetches a contact by id within a tenant.
func (r *ContactRepo) GetByID(ctx context.Context, tenantID, id uint64) (model.Contact, error) {
    row := r.db.QueryRowContext(ctx,
        "SELECT "+contactColumns+" FROM contacts WHERE tenant_id = ? AND id = ? LIMIT 1", tenantID, id)
    return scanContact(row)
}

// FindByKey fetches the contact owning an authoritative platform key.
// column must be one of the Key* constants.
func (r *ContactRepo) FindByKey(ctx context.Context, tenantID uint64, column, value string) (model.Contact, error) {
    if column != KeySubscriberID && column != KeyCRMContactID {
        return model.Contact{}, fmt.Errorf("contact key %q is not indexed", column)
    }
    row := r.db.QueryRowContext(ctx,
        "SELECT "+contactColumns+" FROM contacts WHERE tenant_id = ? AND "+column+" = ? ORDER BY id LIMIT 1",
        tenantID, value)
    return scanContact(row)
}

// FindByEmail matches email case-insensitively against the primary,
// booking and payment email columns.  The oldest matching contact wins.
func (r *ContactRepo) FindByEmail(ctx context.Context, tenantID uint64, email string) (model.Contact, error) {
    email = strings.ToLower(strings.TrimSpace(email))
    row := r.db.QueryRowContext(ctx,
        "SELECT "+contactColumns+` FROM contacts
         WHERE tenant_id = ? AND (LOWER(email) = ? OR LOWER(booking_email) = ? OR LOWER(payment_email) = ?)
         ORDER BY id LIMIT 1`,
        tenantID, email, email, email)
    return scanContact(row)
}

// FindByPhone matches an already normalized phone number.
func (r *ContactRepo) FindByPhone(ctx context.Context, tenantID uint64, phone string) (model.Contact, error) {
    row := r.db.QueryRowContext(ctx,
        "SELECT "+contactColumns+" FROM contacts WHERE tenant_id = ? AND phone = ? ORDER BY id LIMIT 1",
        tenantID, phone)
    return scanContact(row)
}

// Create inserts c and populates its ID.  A unique key violation on one of
// the platform keys is reported as ErrDuplicate.
func (r *ContactRepo) Create(ctx context.Context, c *model.Contact) error {
    const q = `INSERT INTO contacts
        (tenant_id, email, booking_email, payment_email, phone, subscriber_id, crm_contact_id, click_id, ad_id, first_name, last_name, source, stage, stage_rank, purchase_total)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`
    res, err := r.db.ExecContext(ctx, q,
        c.TenantID, c.Email, c.BookingEmail, c.PaymentEmail, c.Phone, c.SubscriberID, c.CRMContactID, c.ClickID, c.AdID,
        c.FirstName, c.LastName, c.Source, string(c.Stage), c.Stage.Rank())
    if err != nil {
        return translate(err)
    }
    id, err := res.LastInsertId()
    if err != nil {
        return err
    }
    c.ID = uint64(id)
    c.CreatedAt = time.Now().UTC()
    c.UpdatedAt = c.CreatedAt
    return nil
}

// FillFragments writes identity fragments only into columns that are
// currently NULL.  Existing values are never overwritten.
func (r *ContactRepo) FillFragments(ctx context.Context, tenantID, id uint64, f model.IdentityFragments) error {
    const q = `UPDATE contacts SET
        email = COALESCE(email, ?),
        booking_email = COALESCE(booking_email, ?),
        payment_email = COALESCE(payment_email, ?),
        phone = COALESCE(phone, ?),
        subscriber_id = COALESCE(subscriber_id, ?),
        crm_contact_id = COALESCE(crm_contact_id, ?),
        click_id = COALESCE(click_id, ?),
        first_name = COALESCE(first_name, ?),
        last_name = COALESCE(last_name, ?),
        updated_at = UTC_TIMESTAMP()
        WHERE tenant_id = ? AND id = ?`
    _, err := r.db.ExecContext(ctx, q,
        model.StrPtr(f.Email), model.StrPtr(f.BookingEmail), model.StrPtr(f.PaymentEmail), model.StrPtr(f.Phone),
        model.StrPtr(f.SubscriberID), model.StrPtr(f.CRMContactID), model.StrPtr(f.ClickID),
        model.StrPtr(f.FirstName), model.StrPtr(f.LastName), tenantID, id)
    return translate(err)
}

// ApplyTransition raises the contact's stage to stage if that is a higher
// rank than the stored one and sets each stamp column that is still NULL.
// Both happen in one transaction.  The rank comparison is enforced in the
// UPDATE itself so a concurrent writer can never lower the stage.  It
// reports whether the stage column moved.
func (r *ContactRepo) ApplyTransition(ctx context.Context, tenantID, id uint64, stage model.Stage, stamps map[string]time.Time) (bool, error) {
    tx, err := r.db.BeginTx(ctx, nil)
    if err != nil {
        return false, err
    }
    committed := false
    defer func() {
        if !committed {
            _ = tx.Rollback()
        }
    }()

    advanced := false
    if stage.Valid() {
        res, err := tx.ExecContext(ctx,
            `UPDATE contacts SET stage = ?, stage_rank = ?, updated_at = UTC_TIMESTAMP()
             WHERE tenant_id = ? AND id = ? AND stage_rank < ?`,
            string(stage), stage.Rank(), tenantID, id, stage.Rank())
        if err != nil {
            return false, err
        }
        n, err := res.RowsAffected()
        if err != nil {
            return false, err
        }
        advanced = n > 0
    }
    for _, col := range stampColumns {
        at, ok := stamps[col]
        if !ok {
            continue
        }
        if _, err := tx.ExecContext(ctx,
            "UPDATE contacts SET "+col+" = COALESCE("+col+", ?) WHERE tenant_id = ? AND id = ?",
            at.UTC(), tenantID, id); err != nil {
            return false, err
        }
    }
    if err := tx.Commit(); err != nil {
        return false, err
    }
    committed = true
    return advanced, nil
}

// SetPurchaseTotal overwrites the denormalized purchase total.
func (r *ContactRepo) SetPurchaseTotal(ctx context.Context, tenantID, id uint64, total decimal.Decimal) error {
    _, err := r.db.ExecContext(ctx,
        "UPDATE contacts SET purchase_total = ?, updated_at = UTC_TIMESTAMP() WHERE tenant_id = ? AND id = ?",
        total.StringFixed(2), tenantID, id)
    return err
}
