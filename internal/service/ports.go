// Package service implements the ingestion core: identity resolution, the
// funnel state machine, payment ingestion and the outbound conversion
// queue.  Every component receives its stores and collaborators at
// construction; nothing here holds global state.
package service

import (
    "context"
    "time"

    "github.com/shopspring/decimal"

    "github.com/iliyamo/funnel-ingest/internal/model"
)

// TenantStore looks tenants up.  It is satisfied by repository.TenantRepo.
type TenantStore interface {
    GetBySlug(ctx context.Context, slug string) (model.Tenant, error)
    GetByID(ctx context.Context, id uint64) (model.Tenant, error)
}

// ContactStore is the contacts table.
type ContactStore interface {
    GetByID(ctx context.Context, tenantID, id uint64) (model.Contact, error)
    FindByKey(ctx context.Context, tenantID uint64, column, value string) (model.Contact, error)
    FindByEmail(ctx context.Context, tenantID uint64, email string) (model.Contact, error)
    FindByPhone(ctx context.Context, tenantID uint64, phone string) (model.Contact, error)
    Create(ctx context.Context, c *model.Contact) error
    FillFragments(ctx context.Context, tenantID, id uint64, f model.IdentityFragments) error
    ApplyTransition(ctx context.Context, tenantID, id uint64, stage model.Stage, stamps map[string]time.Time) (bool, error)
    SetPurchaseTotal(ctx context.Context, tenantID, id uint64, total decimal.Decimal) error
}

// FunnelEventStore is the append-only funnel_events table.
type FunnelEventStore interface {
    Append(ctx context.Context, ev *model.FunnelEvent) error
    ExistsBySourceEventID(ctx context.Context, tenantID uint64, source model.Platform, sourceEventID string) (bool, error)
}

// PaymentStore is the payments ledger.
type PaymentStore interface {
    GetByProviderEventID(ctx context.Context, tenantID uint64, providerEventID string) (model.Payment, error)
    GetByID(ctx context.Context, tenantID, id uint64) (model.Payment, error)
    Create(ctx context.Context, p *model.Payment) error
    LinkContact(ctx context.Context, tenantID, paymentID, contactID uint64) error
    SumPurchaseTotal(ctx context.Context, tenantID, contactID uint64) (decimal.Decimal, error)
    ListOrphans(ctx context.Context, tenantID uint64, limit int) ([]model.Payment, error)
}

// ConversionStore is the outbound conversion_events table.
type ConversionStore interface {
    Create(ctx context.Context, ev *model.ConversionEvent) error
    GetByID(ctx context.Context, id uint64) (model.ConversionEvent, error)
    GetByEventID(ctx context.Context, tenantID uint64, eventID string) (model.ConversionEvent, error)
    RecordAttempt(ctx context.Context, id uint64, at time.Time, result string, response []byte, lastErr *string) error
    ListUndelivered(ctx context.Context, maxAttempts, limit int) ([]model.ConversionEvent, error)
    ListExhausted(ctx context.Context, tenantID uint64, maxAttempts, limit int) ([]model.ConversionEvent, error)
}

// WebhookLogStore is the webhook_logs diagnostic mirror.
type WebhookLogStore interface {
    Create(ctx context.Context, l *model.WebhookLog) error
    UpdateStatus(ctx context.Context, id uint64, eventType, status string, errMsg *string) error
    GetByID(ctx context.Context, tenantID, id uint64) (model.WebhookLog, error)
}

// Enqueuer accepts conversion requests.  ConversionQueue implements it.
type Enqueuer interface {
    Enqueue(ctx context.Context, tenant model.Tenant, req model.ConversionRequest) (uint64, error)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
    if d <= 0 {
        return ctx.Err()
    }
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return ctx.Err()
    case <-t.C:
        return nil
    }
}
