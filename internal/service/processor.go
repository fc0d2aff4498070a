package service

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/labstack/gommon/log"

    "github.com/iliyamo/funnel-ingest/internal/adapter"
    "github.com/iliyamo/funnel-ingest/internal/model"
)

// SubscriberLookup fetches a chat-platform subscriber's profile.  Any
// error is treated as "no data".
type SubscriberLookup interface {
    Lookup(ctx context.Context, tenant model.Tenant, subscriberID string) (model.IdentityFragments, error)
}

// Outcome is what the webhook boundary reports back to the platform.  It
// is always delivered with a 2xx status.
type Outcome struct {
    Success   bool    `json:"success"`
    Status    string  `json:"status"`
    EventType string  `json:"event_type,omitempty"`
    LogID     uint64  `json:"log_id,omitempty"`
    ContactID *uint64 `json:"contact_id,omitempty"`
    PaymentID uint64  `json:"payment_id,omitempty"`
    Duplicate bool    `json:"duplicate,omitempty"`
    Error     string  `json:"error,omitempty"`
}

// DefaultProcessTimeout bounds one webhook's processing, identity retry
// waits included.
const DefaultProcessTimeout = 2 * time.Minute

// Processor runs one inbound webhook through adapter, identity, funnel,
// payments and conversions, mirroring it in webhook_logs.
type Processor struct {
    logs        WebhookLogStore
    resolver    *IdentityResolver
    funnel      *FunnelStateMachine
    payments    *PaymentIngestor
    queue       Enqueuer
    subscribers SubscriberLookup
    logger      *log.Logger
    now         func() time.Time
    timeout     time.Duration
}

// NewProcessor wires the pipeline.  queue and subscribers may be nil.
func NewProcessor(logs WebhookLogStore, resolver *IdentityResolver, funnel *FunnelStateMachine, payments *PaymentIngestor,
    queue Enqueuer, subscribers SubscriberLookup, logger *log.Logger) *Processor {
    return &Processor{
        logs: logs, resolver: resolver, funnel: funnel, payments: payments,
        queue: queue, subscribers: subscribers, logger: logger, now: time.Now,
        timeout: DefaultProcessTimeout,
    }
}

// SetTimeout replaces DefaultProcessTimeout.  Non-positive values are
// ignored.
func (p *Processor) SetTimeout(d time.Duration) {
    if d > 0 {
        p.timeout = d
    }
}

// detach keeps ctx's values but not its cancellation.  Once a delivery is
// logged it runs to completion even if the platform hangs up; only the
// processing timeout stops it.
func (p *Processor) detach(ctx context.Context) (context.Context, context.CancelFunc) {
    return context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
}

// loggedHeaders are the request headers kept with each webhook log.
var loggedHeaders = []string{"Content-Type", "User-Agent", "X-Request-Id", adapter.StripeSignatureHeader, adapter.CalendlySignatureHeader}

// Process handles a fresh delivery.  It never returns an error; failures
// are reflected in the outcome and the webhook log.
func (p *Processor) Process(ctx context.Context, tenant model.Tenant, platform model.Platform, body []byte, header http.Header) Outcome {
    ctx, cancel := p.detach(ctx)
    defer cancel()
    l := model.WebhookLog{
        TenantID: tenant.ID,
        Platform: platform,
        Status:   model.WebhookReceived,
        Payload:  rawJSON(body),
        Headers:  headerJSON(header),
    }
    if err := p.logs.Create(ctx, &l); err != nil {
        p.logger.Errorf("webhook: write log for %s/%s: %v", tenant.Slug, platform, err)
    }
    if err := adapter.Verify(platform, tenant, header, body, p.now()); err != nil {
        out := Outcome{Status: model.WebhookError, LogID: l.ID, Error: err.Error()}
        p.finish(ctx, &out, "")
        return out
    }
    return p.run(ctx, tenant, platform, body, l.ID)
}

// Replay re-runs a stored webhook payload.  Signatures are not checked
// again; the payload was accepted when it was first logged.
func (p *Processor) Replay(ctx context.Context, tenant model.Tenant, logID uint64) (Outcome, error) {
    ctx, cancel := p.detach(ctx)
    defer cancel()
    l, err := p.logs.GetByID(ctx, tenant.ID, logID)
    if err != nil {
        return Outcome{}, err
    }
    body := []byte(l.Payload)
    // Payloads that were not JSON were stored as a JSON string.
    var s string
    if json.Unmarshal(l.Payload, &s) == nil {
        body = []byte(s)
    }
    p.logger.Infof("webhook: replaying log id=%d (%s)", l.ID, l.Platform)
    return p.run(ctx, tenant, l.Platform, body, l.ID), nil
}

func (p *Processor) run(ctx context.Context, tenant model.Tenant, platform model.Platform, body []byte, logID uint64) (out Outcome) {
    out = Outcome{LogID: logID}
    defer func() {
        if r := recover(); r != nil {
            out = Outcome{Status: model.WebhookError, LogID: logID, Error: fmt.Sprintf("panic: %v", r)}
            p.logger.Errorf("webhook: panic processing %s/%s: %v", tenant.Slug, platform, r)
        }
        p.finish(ctx, &out, out.EventType)
    }()

    a, ok := adapter.For(platform)
    if !ok {
        out.Status, out.Error = model.WebhookError, adapter.ErrUnknownPlatform.Error()
        return out
    }
    res, err := a.Parse(body)
    if err != nil {
        out.Status, out.Error = model.WebhookError, err.Error()
        return out
    }
    out.EventType = res.EventType
    switch {
    case res.Ignored:
        out.Success, out.Status = true, model.WebhookSkipped
    case res.Payment != nil:
        p.processPayment(ctx, tenant, *res.Payment, &out)
    case res.Inbound != nil:
        p.processInbound(ctx, tenant, *res.Inbound, &out)
    default:
        out.Success, out.Status = true, model.WebhookSkipped
    }
    return out
}

func (p *Processor) processPayment(ctx context.Context, tenant model.Tenant, ev model.PaymentEvent, out *Outcome) {
    r, err := p.payments.Ingest(ctx, tenant, ev)
    out.ContactID, out.PaymentID, out.Duplicate = r.ContactID, r.PaymentID, r.IsDuplicate
    switch {
    case err != nil:
        out.Status, out.Error = model.WebhookError, err.Error()
    case r.IsDuplicate:
        out.Success, out.Status = true, model.WebhookSkipped
    case r.ContactID == nil:
        out.Success, out.Status = true, model.WebhookProcessedOrphan
    default:
        out.Success, out.Status = true, model.WebhookProcessed
    }
}

func (p *Processor) processInbound(ctx context.Context, tenant model.Tenant, ev model.InboundEvent, out *Outcome) {
    ev.Identity = p.enrichSubscriber(ctx, tenant, ev.Identity)
    occ := Occurrence{
        EventType:     ev.EventType,
        Source:        ev.Platform,
        SourceEventID: ev.SourceEventID,
        OccurredAt:    ev.OccurredAt,
        Payload:       ev.Payload,
    }

    res, err := p.resolver.Resolve(ctx, tenant.ID, ev.Platform, ev.Identity, model.ContactDefaults{
        Stage:  model.StageNewLead,
        Source: ev.Platform,
        AdID:   ev.AdID,
    })
    if errors.Is(err, ErrNoIdentity) {
        if _, err := p.funnel.RecordOrphan(ctx, tenant.ID, occ); err != nil {
            out.Status, out.Error = model.WebhookError, err.Error()
            return
        }
        out.Success, out.Status = true, model.WebhookProcessedOrphan
        return
    }
    if err != nil {
        out.Status, out.Error = model.WebhookError, err.Error()
        return
    }
    c := res.Contact
    contactID := c.ID
    out.ContactID = &contactID

    if res.Created {
        enqueueStageConversion(ctx, p.queue, tenant, c, Transition{NewStage: c.Stage, Advanced: true}, occ, p.logger)
    }
    tr, err := p.funnel.Advance(ctx, c, occ)
    if err != nil {
        out.Status, out.Error = model.WebhookError, err.Error()
        return
    }
    if tr.Duplicate {
        out.Success, out.Status, out.Duplicate = true, model.WebhookSkipped, true
        return
    }
    if tr.Advanced {
        enqueueStageConversion(ctx, p.queue, tenant, c, tr, occ, p.logger)
    }
    out.Success, out.Status = true, model.WebhookProcessed
}

// enrichSubscriber asks the chat platform for contact details when an
// event carries only a subscriber id.
func (p *Processor) enrichSubscriber(ctx context.Context, tenant model.Tenant, f model.IdentityFragments) model.IdentityFragments {
    if p.subscribers == nil || f.SubscriberID == "" || tenant.ManyChatAPIKey == "" {
        return f
    }
    if len(f.Emails()) > 0 || f.Phone != "" {
        return f
    }
    info, err := p.subscribers.Lookup(ctx, tenant, f.SubscriberID)
    if err != nil {
        p.logger.Warnf("webhook: subscriber lookup %s: %v", f.SubscriberID, err)
        return f
    }
    fill := func(dst *string, v string) {
        if *dst == "" {
            *dst = v
        }
    }
    fill(&f.Email, info.Email)
    fill(&f.Phone, info.Phone)
    fill(&f.FirstName, info.FirstName)
    fill(&f.LastName, info.LastName)
    fill(&f.ClickID, info.ClickID)
    return f
}

// finish writes the final status to the webhook log.
func (p *Processor) finish(ctx context.Context, out *Outcome, eventType string) {
    if out.Status == "" {
        out.Status = model.WebhookError
    }
    if out.LogID == 0 {
        return
    }
    var errMsg *string
    if out.Error != "" {
        errMsg = &out.Error
    }
    // The processing deadline may already have passed.
    ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
    defer cancel()
    if err := p.logs.UpdateStatus(ctx, out.LogID, eventType, out.Status, errMsg); err != nil {
        p.logger.Errorf("webhook: update log id=%d: %v", out.LogID, err)
    }
}

// enqueueStageConversion queues the conversion reported by a newly
// reached stage.  A contact reaches each stage once, so the stage and
// contact make a stable dedup key.
func enqueueStageConversion(ctx context.Context, q Enqueuer, tenant model.Tenant, c model.Contact, tr Transition, occ Occurrence, logger *log.Logger) {
    name, ok := model.ConversionForStage(tr.NewStage)
    if !ok {
        return
    }
    contactID := c.ID
    at := occ.OccurredAt
    if at.IsZero() {
        at = time.Now()
    }
    enqueueConversion(ctx, q, tenant, model.ConversionRequest{
        ContactID:   &contactID,
        EventName:   name,
        EventTime:   at,
        DedupKey:    "stage:" + strconv.FormatUint(c.ID, 10) + ":" + string(tr.NewStage),
        Identity:    c.Fragments(),
        ContentName: string(tr.NewStage),
        AdID:        deref(c.AdID),
    }, logger)
}

// enqueueConversion queues req when the tenant reports conversions.
// Failures are logged only; they never fail the caller.
func enqueueConversion(ctx context.Context, q Enqueuer, tenant model.Tenant, req model.ConversionRequest, logger *log.Logger) {
    if q == nil || !tenant.ConversionsEnabled() {
        return
    }
    if _, err := q.Enqueue(ctx, tenant, req); err != nil {
        logger.Warnf("conversions: enqueue %s: %v", req.EventName, err)
    }
}

func rawJSON(body []byte) json.RawMessage {
    if json.Valid(body) {
        return append(json.RawMessage(nil), body...)
    }
    b, _ := json.Marshal(string(body))
    return b
}

func headerJSON(h http.Header) json.RawMessage {
    m := map[string]string{}
    for _, k := range loggedHeaders {
        if v := h.Get(k); v != "" {
            m[strings.ToLower(k)] = v
        }
    }
    b, _ := json.Marshal(m)
    return b
}
