package platform

import (
    "context"
    "encoding/json"
    "io"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/shopspring/decimal"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/funnel-ingest/internal/model"
)

var tenant = model.Tenant{Slug: "acme", PixelID: "px-1", CAPIAccessToken: "tok-1", ManyChatAPIKey: "mc-key"}

func sampleEvent() model.ConversionEvent {
    v := decimal.RequireFromString("1250.00")
    return model.ConversionEvent{
        ID:        7,
        EventName: model.ConversionPurchase,
        EventTime: time.Unix(1767225600, 0),
        EventID:   "evt-abc",
        UserData:  model.HashedIdentity{Email: []string{"deadbeef"}, ClickID: "fb.1.1.IwAR"},
        CustomData: model.ConversionData{
            Value:    &v,
            Currency: "USD",
        },
    }
}

func TestCAPISend(t *testing.T) {
    var got map[string]any
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        assert.Equal(t, http.MethodPost, r.Method)
        assert.Equal(t, "/px-1/events", r.URL.Path)
        assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
        body, _ := io.ReadAll(r.Body)
        assert.NoError(t, json.Unmarshal(body, &got))
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write([]byte(`{"events_received":1}`))
    }))
    defer srv.Close()

    c := NewCAPIClient(srv.URL+"/", time.Second)
    resp, err := c.Send(context.Background(), tenant, sampleEvent())
    require.NoError(t, err)
    assert.JSONEq(t, `{"events_received":1}`, string(resp))

    assert.Equal(t, "tok-1", got["access_token"])
    data := got["data"].([]any)
    require.Len(t, data, 1)
    ev := data[0].(map[string]any)
    assert.Equal(t, "Purchase", ev["event_name"])
    assert.Equal(t, float64(1767225600), ev["event_time"])
    assert.Equal(t, "evt-abc", ev["event_id"])
    assert.Equal(t, "system_generated", ev["action_source"])
    assert.Equal(t, map[string]any{"em": []any{"deadbeef"}, "fbc": "fb.1.1.IwAR"}, ev["user_data"])
    assert.Equal(t, "USD", ev["custom_data"].(map[string]any)["currency"])
}

func TestCAPISendErrors(t *testing.T) {
    status, body := http.StatusBadRequest, `{"error":{"message":"Invalid parameter"}}`
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(status)
        _, _ = w.Write([]byte(body))
    }))
    defer srv.Close()
    c := NewCAPIClient(srv.URL, time.Second)

    resp, err := c.Send(context.Background(), tenant, sampleEvent())
    require.Error(t, err)
    assert.Contains(t, err.Error(), "status 400")
    assert.JSONEq(t, body, string(resp), "the body is kept on failure")

    status, body = http.StatusBadGateway, "upstream down"
    resp, err = c.Send(context.Background(), tenant, sampleEvent())
    require.Error(t, err)
    assert.JSONEq(t, `"upstream down"`, string(resp))

    _, err = c.Send(context.Background(), model.Tenant{Slug: "nopixel"}, sampleEvent())
    assert.Error(t, err)
}

func TestPayloadCarriesNoPlaintext(t *testing.T) {
    b, err := Payload(tenant, sampleEvent())
    require.NoError(t, err)
    assert.NotContains(t, string(b), "@")
    assert.Contains(t, string(b), `"em":["deadbeef"]`)
}

func TestManyChatLookup(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        assert.Equal(t, "/fb/subscriber/getInfo", r.URL.Path)
        assert.Equal(t, "Bearer mc-key", r.Header.Get("Authorization"))
        switch r.URL.Query().Get("subscriber_id") {
        case "1001":
            _, _ = w.Write([]byte(`{"status":"success","data":{"id":1001,"first_name":"Ann","last_name":"Lee",
                "email":"","phone":"","whatsapp_phone":"+15551234567",
                "custom_fields":[{"name":"FBCLID","value":"IwAR9"},{"name":"email","value":"ann@example.com"},{"name":"score","value":4}]}}`))
        case "bad":
            _, _ = w.Write([]byte(`{"status":"error","message":"not found"}`))
        default:
            w.WriteHeader(http.StatusUnauthorized)
            _, _ = w.Write([]byte(`{"status":"error"}`))
        }
    }))
    defer srv.Close()
    c := NewManyChatClient(srv.URL, time.Second)
    ctx := context.Background()

    f, err := c.Lookup(ctx, tenant, "1001")
    require.NoError(t, err)
    assert.Equal(t, "1001", f.SubscriberID)
    assert.Equal(t, "Ann", f.FirstName)
    assert.Equal(t, "Lee", f.LastName)
    assert.Equal(t, "+15551234567", f.Phone)
    assert.Equal(t, "IwAR9", f.ClickID)
    assert.Equal(t, "ann@example.com", f.Email)

    _, err = c.Lookup(ctx, tenant, "bad")
    assert.Error(t, err)
    _, err = c.Lookup(ctx, tenant, "other")
    require.Error(t, err)
    assert.Contains(t, err.Error(), "status 401")

    _, err = c.Lookup(ctx, model.Tenant{Slug: "nokey"}, "1001")
    assert.Error(t, err)
}
