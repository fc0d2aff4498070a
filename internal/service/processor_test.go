package service

import (
    "context"
    "net/http"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/funnel-ingest/internal/adapter"
    "github.com/iliyamo/funnel-ingest/internal/model"
    "github.com/iliyamo/funnel-ingest/internal/repository"
)

func process(f *fixture, p model.Platform, body string) Outcome {
    return f.processor.Process(context.Background(), f.tenant, p, []byte(body), http.Header{})
}

func TestProcessNewLeadCreatesContact(t *testing.T) {
    f := newFixture(t)
    body := `{"event":"new_lead","event_id":"mc-1","subscriber_id":"1001","email":"Ann@Example.com","first_name":"Ann","ad_id":"ad-9"}`

    out := process(f, model.PlatformManyChat, body)
    assert.True(t, out.Success)
    assert.Equal(t, model.WebhookProcessed, out.Status)
    require.NotNil(t, out.ContactID)

    c := f.reload(t, *out.ContactID)
    assert.Equal(t, "1001", *c.SubscriberID)
    assert.Equal(t, "ann@example.com", *c.Email)
    assert.Equal(t, "ad-9", *c.AdID)
    assert.Equal(t, model.StageNewLead, c.Stage)

    leads := f.conversions(model.ConversionLead)
    require.Len(t, leads, 1)
    assert.Equal(t, "ad-9", leads[0].CustomData.AdID)

    logs := f.store.WebhookLogs().All()
    require.Len(t, logs, 1)
    assert.Equal(t, out.LogID, logs[0].ID)
    assert.Equal(t, model.WebhookProcessed, logs[0].Status)
    assert.Equal(t, "new_lead", logs[0].EventType)
    assert.JSONEq(t, body, string(logs[0].Payload))

    again := process(f, model.PlatformManyChat, body)
    assert.True(t, again.Success)
    assert.Equal(t, model.WebhookSkipped, again.Status)
    assert.True(t, again.Duplicate)
    assert.Len(t, f.conversions(model.ConversionLead), 1)
    assert.Len(t, f.store.FunnelEvents().ForContact(c.ID), 1)
}

func TestProcessCrossPlatformMatch(t *testing.T) {
    f := newFixture(t)
    first := process(f, model.PlatformManyChat, `{"event":"new_lead","subscriber_id":"1001","email":"ann@example.com"}`)
    require.NotNil(t, first.ContactID)

    out := process(f, model.PlatformGHL, `{"type":"AppointmentBooked","contact_id":"g-55","email":"ANN@example.com","appointment":{"id":"apt-1"}}`)
    assert.Equal(t, model.WebhookProcessed, out.Status)
    require.NotNil(t, out.ContactID)
    assert.Equal(t, *first.ContactID, *out.ContactID)

    c := f.reload(t, *out.ContactID)
    assert.Equal(t, model.StageMeetingBooked, c.Stage)
    assert.Equal(t, "g-55", *c.CRMContactID)
    assert.Len(t, f.store.Contacts().All(f.tenant.ID), 1)
    assert.Len(t, f.conversions(model.ConversionSchedule), 1)

    // A held meeting reuses the appointment id but is a different event.
    held := process(f, model.PlatformGHL, `{"type":"meeting_held","contact_id":"g-55","appointment":{"id":"apt-1"}}`)
    assert.Equal(t, model.WebhookProcessed, held.Status)
    assert.False(t, held.Duplicate)
    assert.Equal(t, model.StageMeetingHeld, f.reload(t, c.ID).Stage)
}

func TestProcessRegressionAfterPurchase(t *testing.T) {
    f := newFixture(t)
    c := f.contact(t, model.Contact{SubscriberID: strp("1001"), Stage: model.StagePurchased})

    out := process(f, model.PlatformManyChat, `{"event":"link_clicked","subscriber_id":"1001"}`)
    assert.Equal(t, model.WebhookProcessed, out.Status)
    assert.Equal(t, model.StagePurchased, f.reload(t, c.ID).Stage)
    assert.Len(t, f.store.FunnelEvents().ForContact(c.ID), 1)
}

func TestProcessMalformedBody(t *testing.T) {
    f := newFixture(t)
    out := process(f, model.PlatformManyChat, `not json`)
    assert.False(t, out.Success)
    assert.Equal(t, model.WebhookError, out.Status)
    assert.NotEmpty(t, out.Error)

    logs := f.store.WebhookLogs().All()
    require.Len(t, logs, 1)
    assert.Equal(t, model.WebhookError, logs[0].Status)
    assert.JSONEq(t, `"not json"`, string(logs[0].Payload))
    require.NotNil(t, logs[0].Error)
}

func TestProcessInboundWithoutIdentity(t *testing.T) {
    f := newFixture(t)
    out := process(f, model.PlatformManyChat, `{"event":"link_clicked","first_name":"Ann"}`)
    assert.True(t, out.Success)
    assert.Equal(t, model.WebhookProcessedOrphan, out.Status)
    assert.Nil(t, out.ContactID)
    assert.Empty(t, f.store.Contacts().All(f.tenant.ID))
    require.Len(t, f.store.FunnelEvents().All(), 1)
}

func TestProcessIgnoredEvent(t *testing.T) {
    f := newFixture(t)
    out := process(f, model.PlatformStripe, `{"id":"evt_x","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
    assert.True(t, out.Success)
    assert.Equal(t, model.WebhookSkipped, out.Status)
    assert.Equal(t, "customer.created", out.EventType)
}

const stripeCompleted = `{"id":"evt_100","type":"checkout.session.completed","created":1767225600,
"data":{"object":{"amount_total":270000,"currency":"usd","payment_status":"paid",
"customer_details":{"email":"ann@example.com","name":"Ann Lee"}}}}`

func TestProcessStripeSignature(t *testing.T) {
    f := newFixture(t)
    f.tenant.StripeWebhookSecret = "whsec_test"
    f.contact(t, model.Contact{Email: strp("ann@example.com")})

    bad := http.Header{}
    bad.Set(adapter.StripeSignatureHeader, "t=1,v1=deadbeef")
    out := f.processor.Process(context.Background(), f.tenant, model.PlatformStripe, []byte(stripeCompleted), bad)
    assert.False(t, out.Success)
    assert.Equal(t, model.WebhookError, out.Status)
    assert.Contains(t, out.Error, "signature")
    assert.Empty(t, f.store.Payments().All(f.tenant.ID))

    good := http.Header{}
    good.Set(adapter.StripeSignatureHeader, adapter.SignatureHeader("whsec_test", time.Now(), []byte(stripeCompleted)))
    good.Set("Authorization", "Bearer secret")
    out = f.processor.Process(context.Background(), f.tenant, model.PlatformStripe, []byte(stripeCompleted), good)
    assert.True(t, out.Success)
    assert.Equal(t, model.WebhookProcessed, out.Status)
    assert.NotZero(t, out.PaymentID)

    logs := f.store.WebhookLogs().All()
    require.Len(t, logs, 2)
    assert.Contains(t, string(logs[1].Headers), "stripe-signature")
    assert.NotContains(t, string(logs[1].Headers), "Bearer")
}

func TestProcessStripeOrphan(t *testing.T) {
    f := newFixture(t)
    out := process(f, model.PlatformStripe, stripeCompleted)
    assert.True(t, out.Success)
    assert.Equal(t, model.WebhookProcessedOrphan, out.Status)
    assert.Nil(t, out.ContactID)

    again := process(f, model.PlatformStripe, stripeCompleted)
    assert.Equal(t, model.WebhookSkipped, again.Status)
    assert.True(t, again.Duplicate)
    assert.Len(t, f.store.Payments().All(f.tenant.ID), 1)
}

func TestProcessOutlivesCallerDuringIdentityRetry(t *testing.T) {
    f := newFixture(t)
    f.payments.delays = []time.Duration{0, 200 * time.Millisecond, 200 * time.Millisecond}

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    time.AfterFunc(50*time.Millisecond, cancel)

    out := f.processor.Process(ctx, f.tenant, model.PlatformStripe, []byte(stripeCompleted), http.Header{})
    assert.True(t, out.Success, out.Error)
    assert.Equal(t, model.WebhookProcessedOrphan, out.Status)
    assert.NotZero(t, out.PaymentID)

    pays := f.store.Payments().All(f.tenant.ID)
    require.Len(t, pays, 1)
    assert.Nil(t, pays[0].ContactID)
    logs := f.store.WebhookLogs().All()
    require.Len(t, logs, 1)
    assert.Equal(t, model.WebhookProcessedOrphan, logs[0].Status)
}

func TestProcessTimeoutStillLogsOutcome(t *testing.T) {
    f := newFixture(t)
    f.payments.delays = []time.Duration{0, time.Second}
    f.processor.SetTimeout(50 * time.Millisecond)

    out := process(f, model.PlatformStripe, stripeCompleted)
    assert.Equal(t, model.WebhookProcessedOrphan, out.Status)
    assert.Len(t, f.store.Payments().All(f.tenant.ID), 1)
    logs := f.store.WebhookLogs().All()
    require.Len(t, logs, 1)
    assert.Equal(t, model.WebhookProcessedOrphan, logs[0].Status)
}

func TestProcessStripePartialRefunds(t *testing.T) {
    f := newFixture(t)
    c := f.contact(t, model.Contact{Email: strp("ann@example.com")})

    require.Equal(t, model.WebhookProcessed, process(f, model.PlatformStripe, stripeCompleted).Status)
    first := `{"id":"evt_101","type":"charge.refunded","created":1767229200,
"data":{"object":{"amount":270000,"amount_refunded":50000,"currency":"usd",
"billing_details":{"email":"ann@example.com"}},"previous_attributes":{"amount_refunded":0}}}`
    second := `{"id":"evt_102","type":"charge.refunded","created":1767232800,
"data":{"object":{"amount":270000,"amount_refunded":100000,"currency":"usd",
"billing_details":{"email":"ann@example.com"}},"previous_attributes":{"amount_refunded":50000}}}`
    require.Equal(t, model.WebhookProcessed, process(f, model.PlatformStripe, first).Status)
    require.Equal(t, model.WebhookProcessed, process(f, model.PlatformStripe, second).Status)

    got := f.reload(t, c.ID)
    assert.True(t, got.PurchaseTotal.Equal(dec("1700")), got.PurchaseTotal.String())
    assert.Equal(t, model.StagePurchased, got.Stage)
}

func TestProcessBillingEventWithoutIDKeepsLog(t *testing.T) {
    f := newFixture(t)
    body := `{"type":"checkout.session.completed","data":{"object":{"amount_total":1000,"currency":"usd"}}}`
    out := process(f, model.PlatformStripe, body)
    assert.False(t, out.Success)
    assert.Equal(t, model.WebhookError, out.Status)
    assert.Empty(t, f.store.Payments().All(f.tenant.ID))

    logs := f.store.WebhookLogs().All()
    require.Len(t, logs, 1)
    assert.Equal(t, model.WebhookError, logs[0].Status)
    assert.JSONEq(t, body, string(logs[0].Payload))
}

func TestReplay(t *testing.T) {
    f := newFixture(t)
    ctx := context.Background()
    out := process(f, model.PlatformGHL, `{"type":"form_submitted","contact_id":"g-1"}`)
    require.Equal(t, model.WebhookProcessed, out.Status)

    replayed, err := f.processor.Replay(ctx, f.tenant, out.LogID)
    require.NoError(t, err)
    assert.Equal(t, model.WebhookProcessed, replayed.Status)
    assert.Equal(t, out.LogID, replayed.LogID)
    assert.Len(t, f.store.WebhookLogs().All(), 1, "replay reuses the log row")
    assert.Len(t, f.store.FunnelEvents().All(), 2)

    _, err = f.processor.Replay(ctx, f.tenant, 9999)
    assert.ErrorIs(t, err, repository.ErrNotFound)

    other := f.tenant
    other.ID = f.tenant.ID + 50
    _, err = f.processor.Replay(ctx, other, out.LogID)
    assert.ErrorIs(t, err, repository.ErrNotFound)
}

type fakeSubscribers struct {
    info  model.IdentityFragments
    panic bool
    calls int
}

func (s *fakeSubscribers) Lookup(context.Context, model.Tenant, string) (model.IdentityFragments, error) {
    s.calls++
    if s.panic {
        panic("subscriber api exploded")
    }
    return s.info, nil
}

func TestProcessEnrichesFromSubscriberLookup(t *testing.T) {
    f := newFixture(t)
    f.tenant.ManyChatAPIKey = "mc-key"
    subs := &fakeSubscribers{info: model.IdentityFragments{Email: "found@example.com", FirstName: "Fay"}}
    p := NewProcessor(f.store.WebhookLogs(), f.resolver, f.funnel, f.payments, f.queue, subs, testLogger())

    out := p.Process(context.Background(), f.tenant, model.PlatformManyChat, []byte(`{"event":"dm_qualified","subscriber_id":"77"}`), http.Header{})
    require.NotNil(t, out.ContactID)
    c := f.reload(t, *out.ContactID)
    assert.Equal(t, "found@example.com", *c.Email)
    assert.Equal(t, "Fay", *c.FirstName)
    assert.Equal(t, model.StageDMQualified, c.Stage)
    assert.Equal(t, 1, subs.calls)

    // Events that already carry an email skip the lookup.
    p.Process(context.Background(), f.tenant, model.PlatformManyChat, []byte(`{"event":"link_sent","subscriber_id":"77","email":"x@example.com"}`), http.Header{})
    assert.Equal(t, 1, subs.calls)
}

func TestProcessRecoversFromPanic(t *testing.T) {
    f := newFixture(t)
    f.tenant.ManyChatAPIKey = "mc-key"
    p := NewProcessor(f.store.WebhookLogs(), f.resolver, f.funnel, f.payments, f.queue, &fakeSubscribers{panic: true}, testLogger())

    out := p.Process(context.Background(), f.tenant, model.PlatformManyChat, []byte(`{"event":"new_lead","subscriber_id":"5"}`), http.Header{})
    assert.False(t, out.Success)
    assert.Equal(t, model.WebhookError, out.Status)
    assert.Contains(t, out.Error, "panic")

    logs := f.store.WebhookLogs().All()
    require.Len(t, logs, 1)
    assert.Equal(t, model.WebhookError, logs[0].Status)
}
