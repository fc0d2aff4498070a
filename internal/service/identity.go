package service

import (
    "context"
    "errors"
    "fmt"
    "time"

    "github.com/labstack/gommon/log"

    "github.com/iliyamo/funnel-ingest/internal/model"
    "github.com/iliyamo/funnel-ingest/internal/repository"
)

// ErrNoIdentity is returned when an event carries no fragment that could
// identify a contact.
var ErrNoIdentity = errors.New("no identity fragments")

// ErrUnresolved is returned by lookup-only resolution when no contact
// matches.
var ErrUnresolved = errors.New("contact not resolved")

// DefaultRetryDelays are the waits before each payment lookup attempt:
// immediately, then after 5s, then after a further 15s.
var DefaultRetryDelays = []time.Duration{0, 5 * time.Second, 15 * time.Second}

// platformKeys maps a platform to the contacts column holding its
// authoritative identifier.
var platformKeys = map[model.Platform]string{
    model.PlatformManyChat: repository.KeySubscriberID,
    model.PlatformGHL:      repository.KeyCRMContactID,
}

// Resolution is the result of resolving an identity.
type Resolution struct {
    Contact model.Contact
    Created bool
}

// IdentityResolver maps partial identity fragments to exactly one contact.
type IdentityResolver struct {
    contacts ContactStore
    logger   *log.Logger
    sleep    func(ctx context.Context, d time.Duration) error
}

// NewIdentityResolver returns a resolver over the given contact store.
func NewIdentityResolver(contacts ContactStore, logger *log.Logger) *IdentityResolver {
    return &IdentityResolver{contacts: contacts, logger: logger, sleep: sleepCtx}
}

// Resolve finds the contact owning the fragments, creating one seeded with
// defaults when nothing matches.  A matched contact gains any fragments it
// did not have yet.  Lookup and creation are not atomic: when a concurrent
// request creates the same identity first, the unique key on the platform
// id rejects our insert and the winner is re-fetched.
func (r *IdentityResolver) Resolve(ctx context.Context, tenantID uint64, platform model.Platform, f model.IdentityFragments, defaults model.ContactDefaults) (Resolution, error) {
    f = normalizeFragments(f)
    if f.Empty() {
        return Resolution{}, ErrNoIdentity
    }
    c, err := r.lookup(ctx, tenantID, platform, f)
    if err == nil {
        return Resolution{Contact: r.enrich(ctx, c, f)}, nil
    }
    if !errors.Is(err, repository.ErrNotFound) {
        return Resolution{}, err
    }

    stage := defaults.Stage
    if !stage.Valid() {
        stage = model.StageNewLead
    }
    source := defaults.Source
    if source == "" {
        source = platform
    }
    nc := model.Contact{
        TenantID:     tenantID,
        Email:        model.StrPtr(f.Email),
        BookingEmail: model.StrPtr(f.BookingEmail),
        PaymentEmail: model.StrPtr(f.PaymentEmail),
        Phone:        model.StrPtr(f.Phone),
        SubscriberID: model.StrPtr(f.SubscriberID),
        CRMContactID: model.StrPtr(f.CRMContactID),
        ClickID:      model.StrPtr(f.ClickID),
        AdID:         model.StrPtr(defaults.AdID),
        FirstName:    model.StrPtr(f.FirstName),
        LastName:     model.StrPtr(f.LastName),
        Source:       string(source),
        Stage:        stage,
        StageStamps:  map[string]time.Time{},
    }
    err = r.contacts.Create(ctx, &nc)
    if err == nil {
        r.logger.Infof("identity: created contact id=%d tenant=%d source=%s", nc.ID, tenantID, source)
        return Resolution{Contact: nc, Created: true}, nil
    }
    if !errors.Is(err, repository.ErrDuplicate) {
        return Resolution{}, fmt.Errorf("create contact: %w", err)
    }
    // Lost the create race; the other writer's row is now visible.
    c, err = r.lookup(ctx, tenantID, platform, f)
    if err != nil {
        return Resolution{}, fmt.Errorf("re-fetch after duplicate: %w", err)
    }
    r.logger.Infof("identity: concurrent create detected, using contact id=%d", c.ID)
    return Resolution{Contact: r.enrich(ctx, c, f)}, nil
}

// Lookup resolves fragments without creating anything.  ErrUnresolved is
// returned when no contact matches.
func (r *IdentityResolver) Lookup(ctx context.Context, tenantID uint64, platform model.Platform, f model.IdentityFragments) (model.Contact, error) {
    f = normalizeFragments(f)
    if f.Empty() {
        return model.Contact{}, ErrNoIdentity
    }
    c, err := r.lookup(ctx, tenantID, platform, f)
    if errors.Is(err, repository.ErrNotFound) {
        return model.Contact{}, ErrUnresolved
    }
    if err != nil {
        return model.Contact{}, err
    }
    return r.enrich(ctx, c, f), nil
}

// ResolveWithRetry performs lookup-only resolution, waiting delays[i]
// before attempt i.  It absorbs the case where a billing provider reports
// money before the platform that creates the contact has delivered its own
// webhook.  ErrUnresolved after the last attempt means the caller should
// record an orphan.
func (r *IdentityResolver) ResolveWithRetry(ctx context.Context, tenantID uint64, platform model.Platform, f model.IdentityFragments, delays []time.Duration) (model.Contact, error) {
    if len(delays) == 0 {
        delays = []time.Duration{0}
    }
    for attempt, d := range delays {
        if err := r.sleep(ctx, d); err != nil {
            return model.Contact{}, err
        }
        c, err := r.Lookup(ctx, tenantID, platform, f)
        if err == nil {
            if attempt > 0 {
                r.logger.Infof("identity: resolved contact id=%d on attempt %d", c.ID, attempt+1)
            }
            return c, nil
        }
        if !errors.Is(err, ErrUnresolved) {
            return model.Contact{}, err
        }
        r.logger.Debugf("identity: attempt %d/%d found no contact", attempt+1, len(delays))
    }
    return model.Contact{}, ErrUnresolved
}

// lookup applies the matching order: the originating platform's key, any
// other platform key present, email across all three email columns, then
// phone.
func (r *IdentityResolver) lookup(ctx context.Context, tenantID uint64, platform model.Platform, f model.IdentityFragments) (model.Contact, error) {
    keys := map[string]string{
        repository.KeySubscriberID: f.SubscriberID,
        repository.KeyCRMContactID: f.CRMContactID,
    }
    order := []string{repository.KeySubscriberID, repository.KeyCRMContactID}
    if own, ok := platformKeys[platform]; ok {
        order = append([]string{own}, order...)
    }
    tried := map[string]bool{}
    for _, col := range order {
        if tried[col] || keys[col] == "" {
            continue
        }
        tried[col] = true
        c, err := r.contacts.FindByKey(ctx, tenantID, col, keys[col])
        if err == nil {
            return c, nil
        }
        if !errors.Is(err, repository.ErrNotFound) {
            return model.Contact{}, err
        }
    }
    for _, email := range f.Emails() {
        c, err := r.contacts.FindByEmail(ctx, tenantID, email)
        if err == nil {
            return c, nil
        }
        if !errors.Is(err, repository.ErrNotFound) {
            return model.Contact{}, err
        }
    }
    if f.Phone != "" {
        return r.contacts.FindByPhone(ctx, tenantID, f.Phone)
    }
    return model.Contact{}, repository.ErrNotFound
}

// enrich fills fragments the contact does not have yet.  Failures are
// logged and ignored; the match itself stands.
func (r *IdentityResolver) enrich(ctx context.Context, c model.Contact, f model.IdentityFragments) model.Contact {
    missing := missingFragments(c, f)
    if missing == (model.IdentityFragments{}) {
        return c
    }
    if err := r.contacts.FillFragments(ctx, c.TenantID, c.ID, missing); err != nil {
        r.logger.Warnf("identity: enrich contact id=%d: %v", c.ID, err)
        return c
    }
    if updated, err := r.contacts.GetByID(ctx, c.TenantID, c.ID); err == nil {
        return updated
    }
    return c
}

func missingFragments(c model.Contact, f model.IdentityFragments) model.IdentityFragments {
    have := c.Fragments()
    var out model.IdentityFragments
    pick := func(dst *string, cur, v string) {
        if cur == "" && v != "" {
            *dst = v
        }
    }
    pick(&out.Email, have.Email, f.Email)
    pick(&out.BookingEmail, have.BookingEmail, f.BookingEmail)
    pick(&out.PaymentEmail, have.PaymentEmail, f.PaymentEmail)
    pick(&out.Phone, have.Phone, f.Phone)
    pick(&out.SubscriberID, have.SubscriberID, f.SubscriberID)
    pick(&out.CRMContactID, have.CRMContactID, f.CRMContactID)
    pick(&out.ClickID, have.ClickID, f.ClickID)
    pick(&out.FirstName, have.FirstName, f.FirstName)
    pick(&out.LastName, have.LastName, f.LastName)
    return out
}
