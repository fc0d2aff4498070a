package service

import (
    "context"
    "errors"
    "fmt"
    "strconv"
    "strings"
    "time"

    "github.com/google/uuid"
    "github.com/labstack/gommon/log"

    "github.com/iliyamo/funnel-ingest/internal/model"
    "github.com/iliyamo/funnel-ingest/internal/repository"
    "github.com/iliyamo/funnel-ingest/internal/utils"
)

var (
    // ErrConversionsDisabled is returned when the tenant has no pixel.
    ErrConversionsDisabled = errors.New("conversions not configured for tenant")
    // ErrAttemptsExhausted is returned by SendQueued for events that hit
    // the attempt ceiling.  Only an operator retry sends them again.
    ErrAttemptsExhausted = errors.New("conversion attempts exhausted")
)

// DefaultMaxAttempts is the automatic delivery ceiling.
const DefaultMaxAttempts = 5

// eventIDNamespace scopes the deterministic idempotency ids.
var eventIDNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("funnel-ingest/conversion"))

// Dispatcher hands a queued event id to whatever drains the queue.
type Dispatcher interface {
    Dispatch(ctx context.Context, conversionID uint64) error
}

// ConversionClient delivers one event to the ad platform and returns the
// platform's response body verbatim.
type ConversionClient interface {
    Send(ctx context.Context, tenant model.Tenant, ev model.ConversionEvent) ([]byte, error)
}

// ConversionQueue hashes and durably queues conversion events.
type ConversionQueue struct {
    store      ConversionStore
    dispatcher Dispatcher
    logger     *log.Logger
}

// NewConversionQueue returns a queue writing to store.  dispatcher may be
// nil, in which case events wait for the sweeper.
func NewConversionQueue(store ConversionStore, dispatcher Dispatcher, logger *log.Logger) *ConversionQueue {
    return &ConversionQueue{store: store, dispatcher: dispatcher, logger: logger}
}

// Enqueue hashes req's identity, writes one row and returns its id.
// Delivery is started in the background and never awaited.  A request
// whose dedup key was already queued returns the existing row's id.
func (q *ConversionQueue) Enqueue(ctx context.Context, tenant model.Tenant, req model.ConversionRequest) (uint64, error) {
    if !tenant.ConversionsEnabled() {
        return 0, ErrConversionsDisabled
    }
    if req.EventTime.IsZero() {
        req.EventTime = time.Now()
    }
    currency := req.Currency
    if currency == "" {
        currency = tenant.Currency
    }
    ev := model.ConversionEvent{
        TenantID:  tenant.ID,
        ContactID: req.ContactID,
        EventName: req.EventName,
        EventTime: req.EventTime.UTC(),
        EventID:   ConversionEventID(tenant.ID, req.EventName, req.DedupKey),
        UserData:  HashIdentity(req.ContactID, req.Identity, req.EventTime),
        CustomData: model.ConversionData{
            Value:       req.Value,
            ContentName: req.ContentName,
            AdID:        req.AdID,
        },
        Result: model.DeliveryPending,
    }
    if req.Value != nil {
        ev.CustomData.Currency = currency
    }
    if err := q.store.Create(ctx, &ev); err != nil {
        if errors.Is(err, repository.ErrDuplicate) {
            existing, gerr := q.store.GetByEventID(ctx, tenant.ID, ev.EventID)
            if gerr != nil {
                return 0, gerr
            }
            return existing.ID, nil
        }
        return 0, fmt.Errorf("queue conversion: %w", err)
    }
    q.logger.Infof("conversions: queued %s id=%d tenant=%d", ev.EventName, ev.ID, tenant.ID)

    if q.dispatcher != nil {
        id := ev.ID
        go func() {
            dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
            defer cancel()
            if err := q.dispatcher.Dispatch(dctx, id); err != nil {
                q.logger.Warnf("conversions: dispatch id=%d: %v", id, err)
            }
        }()
    }
    return ev.ID, nil
}

// ConversionEventID returns the idempotency id sent to the ad platform.
// The same dedup key always yields the same id; an empty key yields a
// random one.
func ConversionEventID(tenantID uint64, eventName, dedupKey string) string {
    if dedupKey == "" {
        return uuid.NewString()
    }
    name := strconv.FormatUint(tenantID, 10) + ":" + eventName + ":" + dedupKey
    return uuid.NewSHA1(eventIDNamespace, []byte(name)).String()
}

// HashIdentity digests every identifying fragment.  The click id is an ad
// platform token rather than PII and is passed in fbc form.
func HashIdentity(contactID *uint64, f model.IdentityFragments, at time.Time) model.HashedIdentity {
    var h model.HashedIdentity
    for _, e := range f.Emails() {
        if v := utils.HashEmail(e); v != "" {
            h.Email = append(h.Email, v)
        }
    }
    if v := utils.HashPhone(f.Phone); v != "" {
        h.Phone = []string{v}
    }
    if v := utils.HashName(f.FirstName); v != "" {
        h.FirstName = []string{v}
    }
    if v := utils.HashName(f.LastName); v != "" {
        h.LastName = []string{v}
    }
    if contactID != nil {
        h.ExternalID = []string{utils.HashExternalID(strconv.FormatUint(*contactID, 10))}
    }
    if f.ClickID != "" {
        h.ClickID = f.ClickID
        if !strings.HasPrefix(f.ClickID, "fb.") {
            h.ClickID = fmt.Sprintf("fb.1.%d.%s", at.UnixMilli(), f.ClickID)
        }
    }
    return h
}

// ConversionSender drains the queue.  Every try is recorded, successful
// or not.
type ConversionSender struct {
    store       ConversionStore
    tenants     TenantStore
    client      ConversionClient
    maxAttempts int
    logger      *log.Logger
    now         func() time.Time
}

// NewConversionSender returns a sender with the given attempt ceiling.
func NewConversionSender(store ConversionStore, tenants TenantStore, client ConversionClient, maxAttempts int, logger *log.Logger) *ConversionSender {
    if maxAttempts <= 0 {
        maxAttempts = DefaultMaxAttempts
    }
    return &ConversionSender{store: store, tenants: tenants, client: client, maxAttempts: maxAttempts, logger: logger, now: time.Now}
}

// MaxAttempts is the automatic retry ceiling.
func (s *ConversionSender) MaxAttempts() int { return s.maxAttempts }

// SendQueued delivers one queued event.  Already delivered events report
// true without another call.
func (s *ConversionSender) SendQueued(ctx context.Context, id uint64) (bool, error) {
    ev, err := s.store.GetByID(ctx, id)
    if err != nil {
        return false, err
    }
    if ev.Result == model.DeliveryDelivered {
        return true, nil
    }
    if ev.Attempts >= s.maxAttempts {
        return false, ErrAttemptsExhausted
    }
    return s.send(ctx, ev)
}

// Dispatch sends id in the calling goroutine.  It lets the sender stand in
// for the broker when no queue is configured.
func (s *ConversionSender) Dispatch(ctx context.Context, id uint64) error {
    _, err := s.SendQueued(ctx, id)
    return err
}

// SendForce delivers an event regardless of its attempt count.  It backs
// the operator retry.
func (s *ConversionSender) SendForce(ctx context.Context, tenantID, id uint64) (bool, error) {
    ev, err := s.store.GetByID(ctx, id)
    if err != nil {
        return false, err
    }
    if ev.TenantID != tenantID {
        return false, repository.ErrNotFound
    }
    if ev.Result == model.DeliveryDelivered {
        return true, nil
    }
    return s.send(ctx, ev)
}

func (s *ConversionSender) send(ctx context.Context, ev model.ConversionEvent) (bool, error) {
    tenant, err := s.tenants.GetByID(ctx, ev.TenantID)
    if err != nil {
        return false, fmt.Errorf("load tenant %d: %w", ev.TenantID, err)
    }
    resp, sendErr := s.client.Send(ctx, tenant, ev)
    result := model.DeliveryDelivered
    var lastErr *string
    if sendErr != nil {
        msg := sendErr.Error()
        lastErr = &msg
        result = model.DeliveryPending
        if ev.Attempts+1 >= s.maxAttempts {
            result = model.DeliveryFailed
        }
    }
    if err := s.store.RecordAttempt(ctx, ev.ID, s.now(), result, resp, lastErr); err != nil {
        return false, fmt.Errorf("record attempt: %w", err)
    }
    if sendErr != nil {
        s.logger.Warnf("conversions: send id=%d attempt=%d result=%s: %v", ev.ID, ev.Attempts+1, result, sendErr)
        return false, nil
    }
    s.logger.Infof("conversions: delivered %s id=%d", ev.EventName, ev.ID)
    return true, nil
}

// RetryBackoff is the wait after the given number of attempts before the
// sweeper tries again.
func RetryBackoff(attempts int) time.Duration {
    if attempts > 10 {
        attempts = 10
    }
    return 30 * time.Second << uint(attempts)
}

// Sweep re-dispatches undelivered events whose backoff has elapsed.  With
// a nil dispatcher they are sent inline.  It returns how many were picked.
func (s *ConversionSender) Sweep(ctx context.Context, d Dispatcher, limit int) (int, error) {
    evs, err := s.store.ListUndelivered(ctx, s.maxAttempts, limit)
    if err != nil {
        return 0, err
    }
    now := s.now()
    n := 0
    for _, ev := range evs {
        if ev.LastAttemptAt != nil && now.Before(ev.LastAttemptAt.Add(RetryBackoff(ev.Attempts))) {
            continue
        }
        if ev.LastAttemptAt == nil && now.Sub(ev.CreatedAt) < RetryBackoff(0) {
            // Freshly queued; the enqueue dispatch is still in flight.
            continue
        }
        n++
        if d != nil {
            if err := d.Dispatch(ctx, ev.ID); err != nil {
                s.logger.Warnf("conversions: sweep dispatch id=%d: %v", ev.ID, err)
            }
            continue
        }
        if _, err := s.SendQueued(ctx, ev.ID); err != nil {
            s.logger.Warnf("conversions: sweep send id=%d: %v", ev.ID, err)
        }
    }
    return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *ConversionSender) RunSweeper(ctx context.Context, interval time.Duration, d Dispatcher) {
    if interval <= 0 {
        interval = time.Minute
    }
    t := time.NewTicker(interval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            if n, err := s.Sweep(ctx, d, 100); err != nil {
                s.logger.Errorf("conversions: sweep: %v", err)
            } else if n > 0 {
                s.logger.Infof("conversions: sweep picked %d events", n)
            }
        }
    }
}

// ListExhausted returns a tenant's events left failed at the ceiling.
func (s *ConversionSender) ListExhausted(ctx context.Context, tenantID uint64, limit int) ([]model.ConversionEvent, error) {
    return s.store.ListExhausted(ctx, tenantID, s.maxAttempts, limit)
}
