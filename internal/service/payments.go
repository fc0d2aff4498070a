package service

import (
    "context"
    "errors"
    "fmt"
    "strconv"
    "time"

    "github.com/labstack/gommon/log"
    "github.com/shopspring/decimal"

    "github.com/iliyamo/funnel-ingest/internal/model"
    "github.com/iliyamo/funnel-ingest/internal/repository"
)

// orphanWriteTimeout bounds the writes that follow an interrupted lookup.
const orphanWriteTimeout = 10 * time.Second

// PaymentIngestor records billing events exactly once, links them to a
// contact when one can be found and keeps the contact's purchase total in
// step with the ledger.
type PaymentIngestor struct {
    payments PaymentStore
    contacts ContactStore
    resolver *IdentityResolver
    funnel   *FunnelStateMachine
    queue    Enqueuer
    locker   Locker
    delays   []time.Duration
    logger   *log.Logger
}

// NewPaymentIngestor wires the ingestor.  delays are the identity lookup
// waits; nil means DefaultRetryDelays.  queue and locker may be nil.
func NewPaymentIngestor(payments PaymentStore, contacts ContactStore, resolver *IdentityResolver, funnel *FunnelStateMachine,
    queue Enqueuer, locker Locker, delays []time.Duration, logger *log.Logger) *PaymentIngestor {
    if delays == nil {
        delays = DefaultRetryDelays
    }
    if locker == nil {
        locker = NoopLocker{}
    }
    return &PaymentIngestor{
        payments: payments, contacts: contacts, resolver: resolver, funnel: funnel,
        queue: queue, locker: locker, delays: delays, logger: logger,
    }
}

// Ingest dedups, categorizes, links and reconciles one billing event.
// A redelivered event returns IsDuplicate and writes nothing.  An event
// whose identity cannot be resolved is stored with no contact; that is a
// valid outcome, not an error.
func (p *PaymentIngestor) Ingest(ctx context.Context, tenant model.Tenant, ev model.PaymentEvent) (model.IngestResult, error) {
    if len(ev.Lines) == 0 {
        return p.ingestStage(ctx, tenant, ev)
    }

    var fresh []model.PaymentLine
    var first *model.Payment
    for _, line := range ev.Lines {
        existing, err := p.payments.GetByProviderEventID(ctx, tenant.ID, line.ProviderEventID)
        switch {
        case err == nil:
            if first == nil {
                first = &existing
            }
        case errors.Is(err, repository.ErrNotFound):
            fresh = append(fresh, line)
        default:
            return model.IngestResult{}, fmt.Errorf("dedup lookup: %w", err)
        }
    }
    if len(fresh) == 0 {
        p.logger.Infof("payments: duplicate %s event %s", ev.Provider, ev.ProviderEventID)
        return model.IngestResult{PaymentID: first.ID, IsDuplicate: true, ContactID: first.ContactID}, nil
    }

    var contact *model.Contact
    c, err := p.resolver.ResolveWithRetry(ctx, tenant.ID, ev.Provider, ev.Identity, p.delays)
    switch {
    case err == nil:
        contact = &c
    case errors.Is(err, ErrUnresolved), errors.Is(err, ErrNoIdentity):
        p.logger.Warnf("payments: no contact for %s event %s, storing orphan", ev.Provider, ev.ProviderEventID)
    case ctx.Err() != nil:
        // An interrupted lookup still leaves an orphan behind.
        p.logger.Warnf("payments: lookup for %s event %s interrupted (%v), storing orphan", ev.Provider, ev.ProviderEventID, err)
        var cancel context.CancelFunc
        ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), orphanWriteTimeout)
        defer cancel()
    default:
        return model.IngestResult{}, fmt.Errorf("resolve contact: %w", err)
    }
    var contactID *uint64
    if contact != nil {
        id := contact.ID
        contactID = &id
    }

    var inserted []model.Payment
    for _, line := range fresh {
        pay, ok, err := p.insert(ctx, tenant, ev, line, contactID)
        if err != nil {
            return model.IngestResult{}, err
        }
        if ok {
            inserted = append(inserted, pay)
        }
    }
    for _, line := range ev.Reconstruct {
        if _, err := p.payments.GetByProviderEventID(ctx, tenant.ID, line.ProviderEventID); err == nil {
            continue
        } else if !errors.Is(err, repository.ErrNotFound) {
            return model.IngestResult{}, fmt.Errorf("reconstruct lookup: %w", err)
        }
        pay, ok, err := p.insert(ctx, tenant, ev, line, contactID)
        if err != nil {
            return model.IngestResult{}, err
        }
        if ok {
            p.logger.Infof("payments: reconstructed %s line %s", line.Category, line.ProviderEventID)
            inserted = append(inserted, pay)
        }
    }
    if len(inserted) == 0 {
        // A concurrent delivery of the same event won every insert.
        if first == nil {
            if existing, err := p.payments.GetByProviderEventID(ctx, tenant.ID, fresh[0].ProviderEventID); err == nil {
                first = &existing
            }
        }
        res := model.IngestResult{IsDuplicate: true}
        if first != nil {
            res.PaymentID, res.ContactID = first.ID, first.ContactID
        }
        return res, nil
    }

    res := model.IngestResult{PaymentID: inserted[0].ID, ContactID: contactID}
    if contact == nil {
        if _, err := p.funnel.RecordOrphan(ctx, tenant.ID, Occurrence{
            EventType:     paymentEventType(inserted),
            Source:        ev.Provider,
            SourceEventID: ev.ProviderEventID,
            OccurredAt:    ev.OccurredAt,
            Payload:       ev.Payload,
        }); err != nil {
            p.logger.Warnf("payments: record orphan event: %v", err)
        }
        return res, nil
    }
    if err := p.reconcile(ctx, tenant, *contact, inserted, Occurrence{
        Source:        ev.Provider,
        SourceEventID: ev.ProviderEventID,
        OccurredAt:    ev.OccurredAt,
        Payload:       ev.Payload,
    }); err != nil {
        return res, err
    }
    return res, nil
}

// insert writes one ledger line.  ok is false when the line already
// exists, which only happens when a concurrent delivery raced us.
func (p *PaymentIngestor) insert(ctx context.Context, tenant model.Tenant, ev model.PaymentEvent, line model.PaymentLine, contactID *uint64) (model.Payment, bool, error) {
    currency := ev.Currency
    if currency == "" {
        currency = tenant.Currency
    }
    email := ev.Identity.PaymentEmail
    if email == "" {
        email = ev.Identity.Email
    }
    paidAt := ev.OccurredAt
    if paidAt.IsZero() {
        paidAt = time.Now().UTC()
    }
    pay := model.Payment{
        TenantID:        tenant.ID,
        ContactID:       contactID,
        Provider:        ev.Provider,
        ProviderEventID: line.ProviderEventID,
        Category:        line.Category,
        Amount:          line.Amount,
        Currency:        currency,
        Status:          line.Status,
        Email:           model.StrPtr(email),
        ContractID:      model.StrPtr(ev.ContractID),
        PaidAt:          paidAt,
        RawPayload:      ev.Payload,
    }
    if err := p.payments.Create(ctx, &pay); err != nil {
        if errors.Is(err, repository.ErrDuplicate) {
            return model.Payment{}, false, nil
        }
        return model.Payment{}, false, fmt.Errorf("insert payment %s: %w", line.ProviderEventID, err)
    }
    p.logger.Infof("payments: recorded %s %s %s (%s) id=%d", pay.Provider, pay.Category, pay.Amount.StringFixed(2), pay.Status, pay.ID)
    return pay, true, nil
}

// reconcile recomputes the contact's purchase total from the ledger,
// records the funnel occurrence and queues Purchase conversions for the
// new lines.  The recompute is serialized per contact.
func (p *PaymentIngestor) reconcile(ctx context.Context, tenant model.Tenant, c model.Contact, lines []model.Payment, occ Occurrence) error {
    release, err := p.locker.Acquire(ctx, purchaseTotalLockKey(tenant.ID, c.ID))
    if err != nil {
        p.logger.Warnf("payments: lock contact id=%d: %v; recomputing unlocked", c.ID, err)
        release = func() {}
    }
    total, err := p.payments.SumPurchaseTotal(ctx, tenant.ID, c.ID)
    if err == nil {
        if total.IsNegative() {
            total = decimal.Zero
        }
        err = p.contacts.SetPurchaseTotal(ctx, tenant.ID, c.ID, total)
    }
    release()
    if err != nil {
        return fmt.Errorf("recompute purchase total: %w", err)
    }
    c.PurchaseTotal = total

    occ.EventType = paymentEventType(lines)
    if _, err := p.funnel.Advance(ctx, c, occ); err != nil {
        return err
    }

    for _, pay := range lines {
        if pay.Category != model.CategoryFullPurchase && pay.Category != model.CategoryPaymentPlan {
            continue
        }
        if !pay.Settled() {
            continue
        }
        value := pay.Amount
        contactID := c.ID
        enqueueConversion(ctx, p.queue, tenant, model.ConversionRequest{
            ContactID:   &contactID,
            EventName:   model.ConversionPurchase,
            EventTime:   pay.PaidAt,
            DedupKey:    pay.ProviderEventID,
            Identity:    c.Fragments(),
            Value:       &value,
            Currency:    pay.Currency,
            ContentName: string(pay.Category),
            AdID:        deref(c.AdID),
        }, p.logger)
    }
    return nil
}

// paymentEventType is purchased when any non-refund line is settled,
// payment_refunded when every line is a refund and payment_received for
// money still pending.
func paymentEventType(lines []model.Payment) model.EventType {
    refundsOnly := true
    for _, l := range lines {
        if l.Category == model.CategoryRefund {
            continue
        }
        refundsOnly = false
        if l.Settled() {
            return model.EventPurchased
        }
    }
    if refundsOnly {
        return model.EventPaymentRefunded
    }
    return model.EventPaymentReceived
}

// ingestStage handles billing events that move the funnel without money,
// such as an opened checkout.  Billing providers never create contacts.
func (p *PaymentIngestor) ingestStage(ctx context.Context, tenant model.Tenant, ev model.PaymentEvent) (model.IngestResult, error) {
    if !ev.Stage.Valid() {
        return model.IngestResult{}, nil
    }
    occ := Occurrence{
        EventType:     model.EventType(ev.Stage),
        Source:        ev.Provider,
        SourceEventID: ev.ProviderEventID,
        OccurredAt:    ev.OccurredAt,
        Payload:       ev.Payload,
    }
    c, err := p.resolver.Lookup(ctx, tenant.ID, ev.Provider, ev.Identity)
    if errors.Is(err, ErrUnresolved) || errors.Is(err, ErrNoIdentity) {
        id, oerr := p.funnel.RecordOrphan(ctx, tenant.ID, occ)
        if oerr != nil {
            return model.IngestResult{}, oerr
        }
        return model.IngestResult{IsDuplicate: id == 0}, nil
    }
    if err != nil {
        return model.IngestResult{}, err
    }
    contactID := c.ID
    tr, err := p.funnel.Advance(ctx, c, occ)
    if err != nil {
        return model.IngestResult{ContactID: &contactID}, err
    }
    if tr.Advanced {
        enqueueStageConversion(ctx, p.queue, tenant, c, tr, occ, p.logger)
    }
    return model.IngestResult{IsDuplicate: tr.Duplicate, ContactID: &contactID}, nil
}

// LinkOrphan attaches an orphan payment to a contact.  Amount and category
// are taken from the stored row as recorded.
func (p *PaymentIngestor) LinkOrphan(ctx context.Context, tenant model.Tenant, paymentID, contactID uint64) (model.Payment, error) {
    pay, err := p.payments.GetByID(ctx, tenant.ID, paymentID)
    if err != nil {
        return model.Payment{}, err
    }
    if !pay.IsOrphan() {
        return model.Payment{}, repository.ErrConflict
    }
    c, err := p.contacts.GetByID(ctx, tenant.ID, contactID)
    if err != nil {
        return model.Payment{}, err
    }
    if err := p.payments.LinkContact(ctx, tenant.ID, paymentID, contactID); err != nil {
        return model.Payment{}, err
    }
    pay.ContactID = &contactID
    p.logger.Infof("payments: linked orphan id=%d to contact id=%d", paymentID, contactID)

    err = p.reconcile(ctx, tenant, c, []model.Payment{pay}, Occurrence{
        Source:        pay.Provider,
        SourceEventID: "link:" + strconv.FormatUint(pay.ID, 10),
        OccurredAt:    pay.PaidAt,
        Payload:       pay.RawPayload,
    })
    return pay, err
}

// ListOrphans returns a tenant's unlinked payments, newest first.
func (p *PaymentIngestor) ListOrphans(ctx context.Context, tenantID uint64, limit int) ([]model.Payment, error) {
    return p.payments.ListOrphans(ctx, tenantID, limit)
}

func deref(s *string) string {
    if s == nil {
        return ""
    }
    return *s
}
