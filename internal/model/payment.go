package model

import (
    "encoding/json"
    "time"

    "github.com/shopspring/decimal"
)

// PaymentCategory distinguishes projected revenue from cash collected.
type PaymentCategory string

const (
    CategoryPaymentPlan  PaymentCategory = "payment_plan"
    CategoryDownpayment  PaymentCategory = "downpayment"
    CategoryRecurring    PaymentCategory = "recurring"
    CategoryFullPurchase PaymentCategory = "full_purchase"
    CategoryRefund       PaymentCategory = "refund"
)

// CountsAsCash reports whether amounts in this category are money actually
// received (or returned, for refunds).  payment_plan is a financed contract
// total and only ever projected revenue.
func (c PaymentCategory) CountsAsCash() bool {
    switch c {
    case CategoryDownpayment, CategoryRecurring, CategoryFullPurchase, CategoryRefund:
        return true
    }
    return false
}

// Payment statuses.
const (
    PaymentStatusPaid     = "paid"
    PaymentStatusActive   = "active"
    PaymentStatusRefunded = "refunded"
    PaymentStatusPending  = "pending"
)

// Payment is one monetary ledger line.  ContactID is nil for orphans.
// Rows are never updated except for linking an orphan to a contact.
type Payment struct {
    ID              uint64          // payments.id
    TenantID        uint64          // payments.tenant_id
    ContactID       *uint64         // payments.contact_id (nullable)
    Provider        Platform        // payments.provider
    ProviderEventID string          // payments.provider_event_id, unique per tenant
    Category        PaymentCategory // payments.category
    Amount          decimal.Decimal // payments.amount, negative for refunds
    Currency        string          // payments.currency
    Status          string          // payments.status
    Email           *string         // payments.email as delivered
    ContractID      *string         // payments.contract_id (financing contracts)
    PaidAt          time.Time       // payments.paid_at
    RawPayload      json.RawMessage // payments.raw_payload
    CreatedAt       time.Time       // payments.created_at
}

// IsOrphan reports whether the payment has not been linked to a contact.
func (p Payment) IsOrphan() bool { return p.ContactID == nil }

// Settled reports whether the line records money actually collected or
// committed.  Pending checkouts are not settled.
func (p Payment) Settled() bool {
    return p.Status == PaymentStatusPaid || p.Status == PaymentStatusActive
}

// PaymentLine is one row a billing event asks to record.  A single
// provider event may carry several lines (a financing contract carries both
// the plan total and the downpayment).
type PaymentLine struct {
    ProviderEventID string
    Category        PaymentCategory
    Amount          decimal.Decimal
    Status          string
}

// PaymentEvent is the canonical shape every billing adapter produces.
type PaymentEvent struct {
    Provider        Platform
    ProviderEventID string
    EventName       string
    ContractID      string
    Currency        string
    OccurredAt      time.Time
    Identity        IdentityFragments
    Lines           []PaymentLine
    // Reconstruct holds lines to record only if absent, used when a
    // recurring charge arrives before its contract.
    Reconstruct []PaymentLine
    // Stage is set when the event advances the funnel without money moving
    // (e.g. a checkout session was opened).
    Stage   Stage
    Payload json.RawMessage
}

// IngestResult is the outcome of ingesting one billing event.
type IngestResult struct {
    PaymentID   uint64
    IsDuplicate bool
    ContactID   *uint64
}
