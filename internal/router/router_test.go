package router

import (
    "context"
    "io"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/labstack/gommon/log"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/funnel-ingest/internal/handler"
    "github.com/iliyamo/funnel-ingest/internal/model"
    "github.com/iliyamo/funnel-ingest/internal/repository/memory"
    "github.com/iliyamo/funnel-ingest/internal/service"
    "github.com/iliyamo/funnel-ingest/internal/utils"
)

type nopClient struct{}

func (nopClient) Send(context.Context, model.Tenant, model.ConversionEvent) ([]byte, error) {
    return []byte(`{}`), nil
}

type okPinger struct{}

func (okPinger) PingContext(context.Context) error { return nil }

func newServer(t *testing.T) *echo.Echo {
    t.Helper()
    logger := log.New("test")
    logger.SetOutput(io.Discard)
    store := memory.New()
    store.AddTenant(model.Tenant{Slug: "acme", Name: "Acme Coaching"})

    resolver := service.NewIdentityResolver(store.Contacts(), logger)
    funnel := service.NewFunnelStateMachine(store.Contacts(), store.FunnelEvents(), logger)
    queue := service.NewConversionQueue(store.Conversions(), nil, logger)
    payments := service.NewPaymentIngestor(store.Payments(), store.Contacts(), resolver, funnel, queue, nil, []time.Duration{0}, logger)
    processor := service.NewProcessor(store.WebhookLogs(), resolver, funnel, payments, queue, nil, logger)
    sender := service.NewConversionSender(store.Conversions(), store.Tenants(), nopClient{}, 0, logger)

    e := echo.New()
    e.Logger = logger
    RegisterRoutes(e, &handler.ReadyHandler{DB: okPinger{}})
    RegisterWebhooks(e, handler.NewWebhookHandler(processor), store.Tenants(), nil)
    RegisterOperator(e, handler.NewOperatorHandler(payments, processor, sender), store.Tenants(), "router-secret", nil)
    return e
}

func get(e *echo.Echo, path, token string) *httptest.ResponseRecorder {
    req := httptest.NewRequest(http.MethodGet, path, nil)
    if token != "" {
        req.Header.Set("Authorization", "Bearer "+token)
    }
    rec := httptest.NewRecorder()
    e.ServeHTTP(rec, req)
    return rec
}

func TestRoutesRegistered(t *testing.T) {
    e := newServer(t)
    have := map[string]bool{}
    for _, r := range e.Routes() {
        have[r.Method+" "+r.Path] = true
    }
    for _, want := range []string{
        "GET /healthz",
        "GET /readyz",
        "POST /webhooks/:tenant/:platform",
        "GET /webhooks/:tenant/:platform",
        "GET /v1/admin/:tenant/orphans",
        "POST /v1/admin/:tenant/payments/:id/link",
        "POST /v1/admin/:tenant/webhook-logs/:id/replay",
        "GET /v1/admin/:tenant/conversions/failed",
        "POST /v1/admin/:tenant/conversions/:id/retry",
    } {
        assert.True(t, have[want], want)
    }
}

func TestOperatorRoutesRequireToken(t *testing.T) {
    e := newServer(t)
    assert.Equal(t, http.StatusUnauthorized, get(e, "/v1/admin/acme/orphans", "").Code)

    tok, err := utils.NewAccessToken("router-secret", "ops", "OPERATOR", 5)
    require.NoError(t, err)
    rec := get(e, "/v1/admin/acme/orphans", tok.Token)
    assert.Equal(t, http.StatusOK, rec.Code)
    assert.JSONEq(t, `{"items":[],"count":0}`, rec.Body.String())

    assert.Equal(t, http.StatusNotFound, get(e, "/v1/admin/nobody/orphans", tok.Token).Code)
}

func TestWebhookRoutesNeedNoToken(t *testing.T) {
    e := newServer(t)
    assert.Equal(t, http.StatusOK, get(e, "/webhooks/acme/stripe", "").Code)
    assert.Equal(t, http.StatusOK, get(e, "/healthz", "").Code)
    assert.Equal(t, http.StatusOK, get(e, "/readyz", "").Code)
}
