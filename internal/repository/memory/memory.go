// Package memory is an in-process implementation of the repository layer.
// It enforces the same unique constraints as the MySQL schema so the
// engines can be exercised without a database.  It is safe for concurrent
// use.
package memory

import (
    "context"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/shopspring/decimal"

    "github.com/iliyamo/funnel-ingest/internal/model"
    "github.com/iliyamo/funnel-ingest/internal/repository"
)

// Store holds every table.  Use the accessor methods to obtain typed views
// that satisfy the service interfaces.
type Store struct {
    mu sync.Mutex

    failWrites error

    tenants     map[uint64]model.Tenant
    contacts    map[uint64]*model.Contact
    events      []model.FunnelEvent
    payments    map[uint64]*model.Payment
    conversions map[uint64]*model.ConversionEvent
    logs        map[uint64]*model.WebhookLog

    nextID uint64
}

// New returns an empty store.
func New() *Store {
    return &Store{
        tenants:     map[uint64]model.Tenant{},
        contacts:    map[uint64]*model.Contact{},
        payments:    map[uint64]*model.Payment{},
        conversions: map[uint64]*model.ConversionEvent{},
        logs:        map[uint64]*model.WebhookLog{},
    }
}

// FailWrites makes every subsequent write return err.  Pass nil to recover.
func (s *Store) FailWrites(err error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.failWrites = err
}

func (s *Store) id() uint64 {
    s.nextID++
    return s.nextID
}

// AddTenant registers a tenant and returns it with its ID populated.
func (s *Store) AddTenant(t model.Tenant) model.Tenant {
    s.mu.Lock()
    defer s.mu.Unlock()
    if t.ID == 0 {
        t.ID = s.id()
    }
    if t.Currency == "" {
        t.Currency = "USD"
    }
    s.tenants[t.ID] = t
    return t
}

// Tenants returns the tenant view.
func (s *Store) Tenants() *Tenants { return &Tenants{s} }

// Contacts returns the contact view.
func (s *Store) Contacts() *Contacts { return &Contacts{s} }

// FunnelEvents returns the funnel event view.
func (s *Store) FunnelEvents() *FunnelEvents { return &FunnelEvents{s} }

// Payments returns the payment view.
func (s *Store) Payments() *Payments { return &Payments{s} }

// Conversions returns the conversion event view.
func (s *Store) Conversions() *Conversions { return &Conversions{s} }

// WebhookLogs returns the webhook log view.
func (s *Store) WebhookLogs() *WebhookLogs { return &WebhookLogs{s} }

// Tenants implements tenant lookups.
type Tenants struct{ s *Store }

func (v *Tenants) GetBySlug(_ context.Context, slug string) (model.Tenant, error) {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    slug = strings.ToLower(strings.TrimSpace(slug))
    for _, t := range v.s.tenants {
        if t.Slug == slug {
            return t, nil
        }
    }
    return model.Tenant{}, repository.ErrNotFound
}

func (v *Tenants) GetByID(_ context.Context, id uint64) (model.Tenant, error) {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    t, ok := v.s.tenants[id]
    if !ok {
        return model.Tenant{}, repository.ErrNotFound
    }
    return t, nil
}

// Contacts implements the contacts table.
type Contacts struct{ s *Store }

func copyContact(c *model.Contact) model.Contact {
    out := *c
    out.StageStamps = make(map[string]time.Time, len(c.StageStamps))
    for k, v := range c.StageStamps {
        out.StageStamps[k] = v
    }
    return out
}

func (v *Contacts) GetByID(_ context.Context, tenantID, id uint64) (model.Contact, error) {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    c, ok := v.s.contacts[id]
    if !ok || c.TenantID != tenantID {
        return model.Contact{}, repository.ErrNotFound
    }
    return copyContact(c), nil
}

// first returns the lowest-id contact of a tenant matching pred.
func (v *Contacts) first(tenantID uint64, pred func(*model.Contact) bool) (model.Contact, error) {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    var best *model.Contact
    for _, c := range v.s.contacts {
        if c.TenantID != tenantID || !pred(c) {
            continue
        }
        if best == nil || c.ID < best.ID {
            best = c
        }
    }
    if best == nil {
        return model.Contact{}, repository.ErrNotFound
    }
    return copyContact(best), nil
}

func eqPtr(p *string, v string) bool { return p != nil && *p == v }

func eqFoldPtr(p *string, v string) bool { return p != nil && strings.EqualFold(*p, v) }

func (v *Contacts) FindByKey(_ context.Context, tenantID uint64, column, value string) (model.Contact, error) {
    switch column {
    case repository.KeySubscriberID:
        return v.first(tenantID, func(c *model.Contact) bool { return eqPtr(c.SubscriberID, value) })
    case repository.KeyCRMContactID:
        return v.first(tenantID, func(c *model.Contact) bool { return eqPtr(c.CRMContactID, value) })
    }
    return model.Contact{}, repository.ErrNotFound
}

func (v *Contacts) FindByEmail(_ context.Context, tenantID uint64, email string) (model.Contact, error) {
    email = strings.TrimSpace(email)
    return v.first(tenantID, func(c *model.Contact) bool {
        return eqFoldPtr(c.Email, email) || eqFoldPtr(c.BookingEmail, email) || eqFoldPtr(c.PaymentEmail, email)
    })
}

func (v *Contacts) FindByPhone(_ context.Context, tenantID uint64, phone string) (model.Contact, error) {
    return v.first(tenantID, func(c *model.Contact) bool { return eqPtr(c.Phone, phone) })
}

// keyTaken reports whether another contact of the tenant owns one of the
// unique platform keys.
func (s *Store) keyTaken(tenantID, self uint64, subscriberID, crmID *string) bool {
    for _, c := range s.contacts {
        if c.TenantID != tenantID || c.ID == self {
            continue
        }
        if subscriberID != nil && eqPtr(c.SubscriberID, *subscriberID) {
            return true
        }
        if crmID != nil && eqPtr(c.CRMContactID, *crmID) {
            return true
        }
    }
    return false
}

func (v *Contacts) Create(_ context.Context, c *model.Contact) error {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    if v.s.failWrites != nil {
        return v.s.failWrites
    }
    if v.s.keyTaken(c.TenantID, 0, c.SubscriberID, c.CRMContactID) {
        return repository.ErrDuplicate
    }
    c.ID = v.s.id()
    c.CreatedAt = time.Now().UTC()
    c.UpdatedAt = c.CreatedAt
    if c.StageStamps == nil {
        c.StageStamps = map[string]time.Time{}
    }
    stored := copyContact(c)
    v.s.contacts[c.ID] = &stored
    return nil
}

func fill(dst **string, v string) {
    if *dst == nil && v != "" {
        s := v
        *dst = &s
    }
}

func (v *Contacts) FillFragments(_ context.Context, tenantID, id uint64, f model.IdentityFragments) error {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    if v.s.failWrites != nil {
        return v.s.failWrites
    }
    c, ok := v.s.contacts[id]
    if !ok || c.TenantID != tenantID {
        return nil
    }
    var sub, crm *string
    if c.SubscriberID == nil {
        sub = model.StrPtr(f.SubscriberID)
    }
    if c.CRMContactID == nil {
        crm = model.StrPtr(f.CRMContactID)
    }
    if v.s.keyTaken(tenantID, id, sub, crm) {
        return repository.ErrDuplicate
    }
    fill(&c.Email, f.Email)
    fill(&c.BookingEmail, f.BookingEmail)
    fill(&c.PaymentEmail, f.PaymentEmail)
    fill(&c.Phone, f.Phone)
    fill(&c.SubscriberID, f.SubscriberID)
    fill(&c.CRMContactID, f.CRMContactID)
    fill(&c.ClickID, f.ClickID)
    fill(&c.FirstName, f.FirstName)
    fill(&c.LastName, f.LastName)
    c.UpdatedAt = time.Now().UTC()
    return nil
}

func (v *Contacts) ApplyTransition(_ context.Context, tenantID, id uint64, stage model.Stage, stamps map[string]time.Time) (bool, error) {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    if v.s.failWrites != nil {
        return false, v.s.failWrites
    }
    c, ok := v.s.contacts[id]
    if !ok || c.TenantID != tenantID {
        return false, nil
    }
    advanced := false
    if stage.Valid() && c.Stage.Rank() < stage.Rank() {
        c.Stage = stage
        advanced = true
    }
    for col, at := range stamps {
        if _, set := c.StageStamps[col]; !set {
            c.StageStamps[col] = at.UTC()
        }
    }
    c.UpdatedAt = time.Now().UTC()
    return advanced, nil
}

func (v *Contacts) SetPurchaseTotal(_ context.Context, tenantID, id uint64, total decimal.Decimal) error {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    if v.s.failWrites != nil {
        return v.s.failWrites
    }
    if c, ok := v.s.contacts[id]; ok && c.TenantID == tenantID {
        c.PurchaseTotal = total
    }
    return nil
}

// All returns every contact of a tenant ordered by id.
func (v *Contacts) All(tenantID uint64) []model.Contact {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    var out []model.Contact
    for _, c := range v.s.contacts {
        if c.TenantID == tenantID {
            out = append(out, copyContact(c))
        }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

// FunnelEvents implements the append-only funnel_events table.
type FunnelEvents struct{ s *Store }

func (v *FunnelEvents) Append(_ context.Context, ev *model.FunnelEvent) error {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    if v.s.failWrites != nil {
        return v.s.failWrites
    }
    if ev.SourceEventID != nil {
        for _, e := range v.s.events {
            if e.TenantID == ev.TenantID && e.Source == ev.Source && eqPtr(e.SourceEventID, *ev.SourceEventID) {
                return repository.ErrDuplicate
            }
        }
    }
    ev.ID = v.s.id()
    ev.CreatedAt = time.Now().UTC()
    v.s.events = append(v.s.events, *ev)
    return nil
}

func (v *FunnelEvents) ExistsBySourceEventID(_ context.Context, tenantID uint64, source model.Platform, sourceEventID string) (bool, error) {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    for _, e := range v.s.events {
        if e.TenantID == tenantID && e.Source == source && eqPtr(e.SourceEventID, sourceEventID) {
            return true, nil
        }
    }
    return false, nil
}

// ForContact returns a contact's events in insertion order.
func (v *FunnelEvents) ForContact(contactID uint64) []model.FunnelEvent {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    var out []model.FunnelEvent
    for _, e := range v.s.events {
        if e.ContactID != nil && *e.ContactID == contactID {
            out = append(out, e)
        }
    }
    return out
}

// All returns every event in insertion order.
func (v *FunnelEvents) All() []model.FunnelEvent {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    out := make([]model.FunnelEvent, len(v.s.events))
    copy(out, v.s.events)
    return out
}

// Payments implements the payments ledger.
type Payments struct{ s *Store }

func (v *Payments) GetByProviderEventID(_ context.Context, tenantID uint64, providerEventID string) (model.Payment, error) {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    for _, p := range v.s.payments {
        if p.TenantID == tenantID && p.ProviderEventID == providerEventID {
            return *p, nil
        }
    }
    return model.Payment{}, repository.ErrNotFound
}

func (v *Payments) GetByID(_ context.Context, tenantID, id uint64) (model.Payment, error) {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    p, ok := v.s.payments[id]
    if !ok || p.TenantID != tenantID {
        return model.Payment{}, repository.ErrNotFound
    }
    return *p, nil
}

func (v *Payments) Create(_ context.Context, p *model.Payment) error {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    if v.s.failWrites != nil {
        return v.s.failWrites
    }
    for _, existing := range v.s.payments {
        if existing.TenantID == p.TenantID && existing.ProviderEventID == p.ProviderEventID {
            return repository.ErrDuplicate
        }
    }
    p.ID = v.s.id()
    p.CreatedAt = time.Now().UTC()
    stored := *p
    v.s.payments[p.ID] = &stored
    return nil
}

func (v *Payments) LinkContact(_ context.Context, tenantID, paymentID, contactID uint64) error {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    if v.s.failWrites != nil {
        return v.s.failWrites
    }
    p, ok := v.s.payments[paymentID]
    if !ok || p.TenantID != tenantID {
        return repository.ErrNotFound
    }
    if p.ContactID != nil {
        return repository.ErrConflict
    }
    id := contactID
    p.ContactID = &id
    return nil
}

func (v *Payments) SumPurchaseTotal(_ context.Context, tenantID, contactID uint64) (decimal.Decimal, error) {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    total := decimal.Zero
    for _, p := range v.s.payments {
        if p.TenantID != tenantID || p.ContactID == nil || *p.ContactID != contactID {
            continue
        }
        switch {
        case p.Category == model.CategoryRefund:
            total = total.Add(p.Amount)
        case p.Category.CountsAsCash() && (p.Status == model.PaymentStatusPaid || p.Status == model.PaymentStatusActive):
            total = total.Add(p.Amount)
        }
    }
    return total, nil
}

func (v *Payments) ListOrphans(_ context.Context, tenantID uint64, limit int) ([]model.Payment, error) {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    var out []model.Payment
    for _, p := range v.s.payments {
        if p.TenantID == tenantID && p.ContactID == nil {
            out = append(out, *p)
        }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
    if limit > 0 && len(out) > limit {
        out = out[:limit]
    }
    return out, nil
}

// All returns every payment of a tenant ordered by id.
func (v *Payments) All(tenantID uint64) []model.Payment {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    var out []model.Payment
    for _, p := range v.s.payments {
        if p.TenantID == tenantID {
            out = append(out, *p)
        }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

// Conversions implements the conversion_events table.
type Conversions struct{ s *Store }

func (v *Conversions) Create(_ context.Context, ev *model.ConversionEvent) error {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    if v.s.failWrites != nil {
        return v.s.failWrites
    }
    for _, existing := range v.s.conversions {
        if existing.TenantID == ev.TenantID && existing.EventID == ev.EventID {
            return repository.ErrDuplicate
        }
    }
    ev.ID = v.s.id()
    ev.CreatedAt = time.Now().UTC()
    stored := *ev
    v.s.conversions[ev.ID] = &stored
    return nil
}

func (v *Conversions) GetByID(_ context.Context, id uint64) (model.ConversionEvent, error) {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    ev, ok := v.s.conversions[id]
    if !ok {
        return model.ConversionEvent{}, repository.ErrNotFound
    }
    return *ev, nil
}

func (v *Conversions) GetByEventID(_ context.Context, tenantID uint64, eventID string) (model.ConversionEvent, error) {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    for _, ev := range v.s.conversions {
        if ev.TenantID == tenantID && ev.EventID == eventID {
            return *ev, nil
        }
    }
    return model.ConversionEvent{}, repository.ErrNotFound
}

func (v *Conversions) RecordAttempt(_ context.Context, id uint64, at time.Time, result string, response []byte, lastErr *string) error {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    if v.s.failWrites != nil {
        return v.s.failWrites
    }
    ev, ok := v.s.conversions[id]
    if !ok {
        return repository.ErrNotFound
    }
    t := at.UTC()
    ev.Attempts++
    ev.LastAttemptAt = &t
    ev.Result = result
    ev.Response = append([]byte(nil), response...)
    ev.LastError = lastErr
    return nil
}

func (v *Conversions) list(pred func(*model.ConversionEvent) bool, limit int) []model.ConversionEvent {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    var out []model.ConversionEvent
    for _, ev := range v.s.conversions {
        if pred(ev) {
            out = append(out, *ev)
        }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    if limit > 0 && len(out) > limit {
        out = out[:limit]
    }
    return out
}

func (v *Conversions) ListUndelivered(_ context.Context, maxAttempts, limit int) ([]model.ConversionEvent, error) {
    return v.list(func(ev *model.ConversionEvent) bool {
        return ev.Result != model.DeliveryDelivered && ev.Attempts < maxAttempts
    }, limit), nil
}

func (v *Conversions) ListExhausted(_ context.Context, tenantID uint64, maxAttempts, limit int) ([]model.ConversionEvent, error) {
    return v.list(func(ev *model.ConversionEvent) bool {
        return ev.TenantID == tenantID && ev.Result != model.DeliveryDelivered && ev.Attempts >= maxAttempts
    }, limit), nil
}

// All returns every conversion event ordered by id.
func (v *Conversions) All() []model.ConversionEvent {
    return v.list(func(*model.ConversionEvent) bool { return true }, 0)
}

// WebhookLogs implements the webhook_logs table.
type WebhookLogs struct{ s *Store }

func (v *WebhookLogs) Create(_ context.Context, l *model.WebhookLog) error {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    if v.s.failWrites != nil {
        return v.s.failWrites
    }
    l.ID = v.s.id()
    l.CreatedAt = time.Now().UTC()
    l.UpdatedAt = l.CreatedAt
    stored := *l
    v.s.logs[l.ID] = &stored
    return nil
}

func (v *WebhookLogs) UpdateStatus(_ context.Context, id uint64, eventType, status string, errMsg *string) error {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    if v.s.failWrites != nil {
        return v.s.failWrites
    }
    l, ok := v.s.logs[id]
    if !ok {
        return repository.ErrNotFound
    }
    l.EventType = eventType
    l.Status = status
    l.Error = errMsg
    l.UpdatedAt = time.Now().UTC()
    return nil
}

func (v *WebhookLogs) GetByID(_ context.Context, tenantID, id uint64) (model.WebhookLog, error) {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    l, ok := v.s.logs[id]
    if !ok || l.TenantID != tenantID {
        return model.WebhookLog{}, repository.ErrNotFound
    }
    return *l, nil
}

// All returns every log row ordered by id.
func (v *WebhookLogs) All() []model.WebhookLog {
    v.s.mu.Lock()
    defer v.s.mu.Unlock()
    var out []model.WebhookLog
    for _, l := range v.s.logs {
        out = append(out, *l)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}
