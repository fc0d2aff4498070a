package platform

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "strings"
    "time"

    "github.com/iliyamo/funnel-ingest/internal/model"
)

const defaultCAPIEndpoint = "https://graph.facebook.com/v19.0"

// CAPIClient posts conversion events to the ad platform's events
// endpoint.
type CAPIClient struct {
    endpoint string
    client   *http.Client
}

// NewCAPIClient returns a client for endpoint (the graph API base URL).
func NewCAPIClient(endpoint string, timeout time.Duration) *CAPIClient {
    if endpoint == "" {
        endpoint = defaultCAPIEndpoint
    }
    if timeout <= 0 {
        timeout = 10 * time.Second
    }
    return &CAPIClient{endpoint: strings.TrimRight(endpoint, "/"), client: &http.Client{Timeout: timeout}}
}

type capiEvent struct {
    EventName    string               `json:"event_name"`
    EventTime    int64                `json:"event_time"`
    EventID      string               `json:"event_id"`
    ActionSource string               `json:"action_source"`
    UserData     model.HashedIdentity `json:"user_data"`
    CustomData   model.ConversionData `json:"custom_data"`
}

type capiRequest struct {
    Data        []capiEvent `json:"data"`
    AccessToken string      `json:"access_token"`
}

// Payload builds the request body for ev.  Only hashed identity and
// non-identifying metadata are included.
func Payload(tenant model.Tenant, ev model.ConversionEvent) ([]byte, error) {
    return json.Marshal(capiRequest{
        Data: []capiEvent{{
            EventName:    ev.EventName,
            EventTime:    ev.EventTime.Unix(),
            EventID:      ev.EventID,
            ActionSource: "system_generated",
            UserData:     ev.UserData,
            CustomData:   ev.CustomData,
        }},
        AccessToken: tenant.CAPIAccessToken,
    })
}

// Send delivers ev and returns the response body verbatim.  Non-2xx
// responses are errors that still carry the body.
func (c *CAPIClient) Send(ctx context.Context, tenant model.Tenant, ev model.ConversionEvent) ([]byte, error) {
    if tenant.PixelID == "" || tenant.CAPIAccessToken == "" {
        return nil, fmt.Errorf("capi: tenant %s has no pixel configured", tenant.Slug)
    }
    body, err := Payload(tenant, ev)
    if err != nil {
        return nil, err
    }
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/"+tenant.PixelID+"/events", bytes.NewReader(body))
    if err != nil {
        return nil, err
    }
    req.Header.Set("Content-Type", "application/json")

    resp, err := c.client.Do(req)
    if err != nil {
        return nil, fmt.Errorf("capi: %w", err)
    }
    defer resp.Body.Close()
    respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
    if err != nil {
        return nil, fmt.Errorf("capi: read body: %w", err)
    }
    if !json.Valid(respBody) {
        // conversion_events.response is a JSON column.
        respBody, _ = json.Marshal(string(respBody))
    }
    if resp.StatusCode < 200 || resp.StatusCode > 299 {
        return respBody, fmt.Errorf("capi: status %d: %s", resp.StatusCode, truncate(respBody, 300))
    }
    return respBody, nil
}
