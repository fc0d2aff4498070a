package service

import (
    "context"
    "io"
    "sync"
    "testing"
    "time"

    "github.com/labstack/gommon/log"
    "github.com/shopspring/decimal"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/funnel-ingest/internal/model"
    "github.com/iliyamo/funnel-ingest/internal/repository/memory"
)

func testLogger() *log.Logger {
    l := log.New("test")
    l.SetOutput(io.Discard)
    return l
}

type fixture struct {
    store     *memory.Store
    tenant    model.Tenant
    resolver  *IdentityResolver
    funnel    *FunnelStateMachine
    queue     *ConversionQueue
    payments  *PaymentIngestor
    processor *Processor
}

func newFixture(t *testing.T) *fixture {
    t.Helper()
    store := memory.New()
    tenant := store.AddTenant(model.Tenant{
        Slug:            "acme",
        Name:            "Acme Coaching",
        PixelID:         "px-1",
        CAPIAccessToken: "tok-1",
        Currency:        "USD",
    })
    logger := testLogger()
    f := &fixture{store: store, tenant: tenant}
    f.resolver = NewIdentityResolver(store.Contacts(), logger)
    f.funnel = NewFunnelStateMachine(store.Contacts(), store.FunnelEvents(), logger)
    f.queue = NewConversionQueue(store.Conversions(), nil, logger)
    f.payments = NewPaymentIngestor(store.Payments(), store.Contacts(), f.resolver, f.funnel, f.queue, nil, []time.Duration{0}, logger)
    f.processor = NewProcessor(store.WebhookLogs(), f.resolver, f.funnel, f.payments, f.queue, nil, logger)
    return f
}

// contact creates a contact directly in the store.
func (f *fixture) contact(t *testing.T, c model.Contact) model.Contact {
    t.Helper()
    c.TenantID = f.tenant.ID
    if c.Stage == "" {
        c.Stage = model.StageNewLead
    }
    if c.Source == "" {
        c.Source = string(model.PlatformManyChat)
    }
    require.NoError(t, f.store.Contacts().Create(context.Background(), &c))
    return c
}

func (f *fixture) reload(t *testing.T, id uint64) model.Contact {
    t.Helper()
    c, err := f.store.Contacts().GetByID(context.Background(), f.tenant.ID, id)
    require.NoError(t, err)
    return c
}

func (f *fixture) conversions(name string) []model.ConversionEvent {
    var out []model.ConversionEvent
    for _, ev := range f.store.Conversions().All() {
        if ev.EventName == name {
            out = append(out, ev)
        }
    }
    return out
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func strp(s string) *string { return &s }

// recordingDispatcher captures dispatched ids.
type recordingDispatcher struct {
    mu  sync.Mutex
    ids []uint64
    err error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id uint64) error {
    d.mu.Lock()
    defer d.mu.Unlock()
    d.ids = append(d.ids, id)
    return d.err
}

func (d *recordingDispatcher) dispatched() []uint64 {
    d.mu.Lock()
    defer d.mu.Unlock()
    return append([]uint64(nil), d.ids...)
}

// stubClient answers conversion sends with a fixed response.
type stubClient struct {
    mu    sync.Mutex
    calls int
    resp  []byte
    err   error
}

func (c *stubClient) Send(_ context.Context, _ model.Tenant, _ model.ConversionEvent) ([]byte, error) {
    c.mu.Lock()
    defer c.mu.Unlock()
    c.calls++
    return c.resp, c.err
}

func (c *stubClient) callCount() int {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.calls
}
