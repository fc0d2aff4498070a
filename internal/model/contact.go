package model

import (
    "time"

    "github.com/shopspring/decimal"
)

// Contact is the single durable identity for one person within a tenant.
// Identity fragments are nullable; at most one contact in a tenant owns a
// given non-null value of an authoritative key (subscriber id, CRM id).
//
// Fields:
//  ID                   – primary key identifier.
//  TenantID             – owning tenant.
//  Email                – primary email (lower-cased).
//  BookingEmail         – email used on the booking platform.
//  PaymentEmail         – email used on a billing provider.
//  Phone                – normalized E.164-ish phone.
//  SubscriberID         – chat platform subscriber id.
//  CRMContactID         – CRM platform contact id.
//  ClickID              – ad click id (fbclid) captured on the first touch.
//  AdID                 – free-form attribution tag.
//  FirstName, LastName  – display name parts, used only for hashed matching.
//  Source               – platform that created the contact.
//  Stage                – furthest funnel stage reached.
//  StageStamps          – first time each stage was reached, keyed by stamp column.
//  PurchaseTotal        – recomputed cash-collected total.
//  CreatedAt, UpdatedAt – timestamps.
type Contact struct {
    ID            uint64               // contacts.id
    TenantID      uint64               // contacts.tenant_id
    Email         *string              // contacts.email
    BookingEmail  *string              // contacts.booking_email
    PaymentEmail  *string              // contacts.payment_email
    Phone         *string              // contacts.phone
    SubscriberID  *string              // contacts.subscriber_id
    CRMContactID  *string              // contacts.crm_contact_id
    ClickID       *string              // contacts.click_id
    AdID          *string              // contacts.ad_id
    FirstName     *string              // contacts.first_name
    LastName      *string              // contacts.last_name
    Source        string               // contacts.source
    Stage         Stage                // contacts.stage
    StageStamps   map[string]time.Time // contacts.<stage>_at
    PurchaseTotal decimal.Decimal      // contacts.purchase_total
    CreatedAt     time.Time            // contacts.created_at
    UpdatedAt     time.Time            // contacts.updated_at
}

// Fragments returns the identity fragments currently stored on c.
func (c Contact) Fragments() IdentityFragments {
    return IdentityFragments{
        Email:        deref(c.Email),
        BookingEmail: deref(c.BookingEmail),
        PaymentEmail: deref(c.PaymentEmail),
        Phone:        deref(c.Phone),
        SubscriberID: deref(c.SubscriberID),
        CRMContactID: deref(c.CRMContactID),
        ClickID:      deref(c.ClickID),
        FirstName:    deref(c.FirstName),
        LastName:     deref(c.LastName),
    }
}

// IdentityFragments is the set of partial identity values an inbound
// event may carry.  Empty strings mean "not supplied".
type IdentityFragments struct {
    Email        string
    BookingEmail string
    PaymentEmail string
    Phone        string
    SubscriberID string
    CRMContactID string
    ClickID      string
    FirstName    string
    LastName     string
}

// Emails returns the distinct non-empty email values among the fragments.
func (f IdentityFragments) Emails() []string {
    var out []string
    seen := map[string]bool{}
    for _, e := range []string{f.Email, f.BookingEmail, f.PaymentEmail} {
        if e == "" || seen[e] {
            continue
        }
        seen[e] = true
        out = append(out, e)
    }
    return out
}

// Empty reports whether no matchable fragment is present.
func (f IdentityFragments) Empty() bool {
    return f.SubscriberID == "" && f.CRMContactID == "" && len(f.Emails()) == 0 && f.Phone == ""
}

// ContactDefaults seeds a contact created by identity resolution.
type ContactDefaults struct {
    Stage  Stage
    Source Platform
    AdID   string
}

func deref(s *string) string {
    if s == nil {
        return ""
    }
    return *s
}

// StrPtr returns nil for empty strings and a pointer to s otherwise.
func StrPtr(s string) *string {
    if s == "" {
        return nil
    }
    return &s
}
