// Package platform holds the outbound API clients: the chat platform's
// subscriber lookup and the ad platform's conversions endpoint.
package platform

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strings"
    "time"

    "github.com/iliyamo/funnel-ingest/internal/model"
)

const defaultManyChatURL = "https://api.manychat.com"

// ManyChatClient looks subscribers up with the tenant's API key.
type ManyChatClient struct {
    baseURL string
    client  *http.Client
}

// NewManyChatClient returns a client whose calls time out after timeout.
func NewManyChatClient(baseURL string, timeout time.Duration) *ManyChatClient {
    if baseURL == "" {
        baseURL = defaultManyChatURL
    }
    if timeout <= 0 {
        timeout = 5 * time.Second
    }
    return &ManyChatClient{baseURL: strings.TrimRight(baseURL, "/"), client: &http.Client{Timeout: timeout}}
}

type manyChatSubscriber struct {
    Status string `json:"status"`
    Data   struct {
        ID            json.Number `json:"id"`
        FirstName     string      `json:"first_name"`
        LastName      string      `json:"last_name"`
        Email         string      `json:"email"`
        Phone         string      `json:"phone"`
        WhatsAppPhone string      `json:"whatsapp_phone"`
        CustomFields  []struct {
            Name  string `json:"name"`
            Value any    `json:"value"`
        } `json:"custom_fields"`
    } `json:"data"`
}

// Lookup fetches a subscriber's profile.
func (c *ManyChatClient) Lookup(ctx context.Context, tenant model.Tenant, subscriberID string) (model.IdentityFragments, error) {
    if tenant.ManyChatAPIKey == "" {
        return model.IdentityFragments{}, fmt.Errorf("manychat: tenant %s has no api key", tenant.Slug)
    }
    u := c.baseURL + "/fb/subscriber/getInfo?subscriber_id=" + url.QueryEscape(subscriberID)
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
    if err != nil {
        return model.IdentityFragments{}, err
    }
    req.Header.Set("Authorization", "Bearer "+tenant.ManyChatAPIKey)
    req.Header.Set("Accept", "application/json")

    resp, err := c.client.Do(req)
    if err != nil {
        return model.IdentityFragments{}, fmt.Errorf("manychat: %w", err)
    }
    defer resp.Body.Close()
    body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
    if err != nil {
        return model.IdentityFragments{}, fmt.Errorf("manychat: read body: %w", err)
    }
    if resp.StatusCode != http.StatusOK {
        return model.IdentityFragments{}, fmt.Errorf("manychat: status %d: %s", resp.StatusCode, truncate(body, 200))
    }
    var sub manyChatSubscriber
    if err := json.Unmarshal(body, &sub); err != nil {
        return model.IdentityFragments{}, fmt.Errorf("manychat: decode: %w", err)
    }
    if sub.Status != "success" {
        return model.IdentityFragments{}, fmt.Errorf("manychat: status %q", sub.Status)
    }
    f := model.IdentityFragments{
        SubscriberID: sub.Data.ID.String(),
        Email:        sub.Data.Email,
        Phone:        sub.Data.Phone,
        FirstName:    sub.Data.FirstName,
        LastName:     sub.Data.LastName,
    }
    if f.Phone == "" {
        f.Phone = sub.Data.WhatsAppPhone
    }
    for _, cf := range sub.Data.CustomFields {
        s, ok := cf.Value.(string)
        if !ok || s == "" {
            continue
        }
        switch strings.ToLower(cf.Name) {
        case "fbclid", "click_id":
            f.ClickID = s
        case "email":
            if f.Email == "" {
                f.Email = s
            }
        }
    }
    return f, nil
}

func truncate(b []byte, n int) string {
    if len(b) > n {
        return string(b[:n]) + "..."
    }
    return string(b)
}
